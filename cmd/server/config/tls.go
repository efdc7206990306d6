package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

type redisTLSEnv struct {
	caFile, certFile, keyFile, serverName, insecure string
}

func (e redisTLSEnv) empty() bool {
	return e == redisTLSEnv{}
}

// loadRedisTLSFromEnv returns nil when no REDIS_TLS_* variable is set.
func loadRedisTLSFromEnv() (*tls.Config, error) {
	env := redisTLSEnv{
		caFile:     lookup("REDIS_TLS_CA_FILE"),
		certFile:   lookup("REDIS_TLS_CERT_FILE"),
		keyFile:    lookup("REDIS_TLS_KEY_FILE"),
		serverName: lookup("REDIS_TLS_SERVER_NAME"),
		insecure:   lookup("REDIS_TLS_INSECURE_SKIP_VERIFY"),
	}
	if env.empty() {
		return nil, nil
	}
	if (env.certFile == "") != (env.keyFile == "") {
		return nil, errors.New("REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set together")
	}

	cfg := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: env.serverName}
	skip, err := withDefault("REDIS_TLS_INSECURE_SKIP_VERIFY", false, boolean)
	if err != nil {
		return nil, err
	}
	cfg.InsecureSkipVerify = skip

	if env.caFile != "" {
		pemData, err := os.ReadFile(env.caFile)
		if err != nil {
			return nil, fmt.Errorf("read REDIS_TLS_CA_FILE: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, errors.New("REDIS_TLS_CA_FILE contains no valid certificates")
		}
		cfg.RootCAs = pool
	}
	if env.certFile != "" {
		pair, err := tls.LoadX509KeyPair(env.certFile, env.keyFile)
		if err != nil {
			return nil, fmt.Errorf("load redis TLS keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{pair}
	}
	return cfg, nil
}
