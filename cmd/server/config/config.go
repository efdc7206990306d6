package config

import (
	"crypto/tls"
	"errors"
	"time"
)

// RedisConfig holds Redis connection and behavior settings.
type RedisConfig struct {
	URL                string
	DialTimeout        *time.Duration
	ReadTimeout        *time.Duration
	WriteTimeout       *time.Duration
	PoolSize           *int
	MinIdleConns       *int
	MaxRetries         *int
	HealthcheckTimeout time.Duration
	StreamMaxLen       int64
	EnableOTel         bool
	TLSConfig          *tls.Config
}

// PostgresConfig points at the saga database. An empty URL selects the
// in-memory stores.
type PostgresConfig struct {
	URL             string
	MaxOpenConns    *int
	ConnMaxLifetime *time.Duration
}

// GRPCConfig holds the listen address and ingress rate limiting settings.
type GRPCConfig struct {
	Addr              string
	RateLimitInterval time.Duration
	RateLimitBurst    int
}

// ObservabilityConfig holds the HTTP address for metrics and websockets, and
// where traces are exported.
type ObservabilityConfig struct {
	Addr         string
	Environment  string
	ServiceName  string
	OTLPEndpoint string
	OTLPInsecure bool
	SampleRatio  float64
}

// RoutingConfig names every stream and channel the service touches.
type RoutingConfig struct {
	GrantItemsStream    string
	DebitCurrencyStream string
	SubtractItemsStream string
	EventStreams        []string
	CatalogStream       string
	StatusChannel       string
	Group               string
	Consumer            string
	Partitions          int
	ClaimMinIdle        time.Duration
}

// DispatchConfig tunes outbound command delivery.
type DispatchConfig struct {
	MaxAttempts         int
	RetryInterval       time.Duration
	RateLimitInterval   time.Duration
	RateLimitBurst      int
	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration
}

// SweeperConfig drives the stale saga sweeper. A zero Interval disables it.
type SweeperConfig struct {
	Interval    time.Duration
	StaleAfter  time.Duration
	ExpireAfter time.Duration
	BatchSize   int
}

// LoadRedis reads Redis config from env.
func LoadRedis() (RedisConfig, error) {
	var cfg RedisConfig
	var err error
	if cfg.URL, err = required("REDIS_URL", func(raw string) (string, error) { return raw, nil }); err != nil {
		return cfg, err
	}
	for name, dst := range map[string]**time.Duration{
		"REDIS_DIAL_TIMEOUT":  &cfg.DialTimeout,
		"REDIS_READ_TIMEOUT":  &cfg.ReadTimeout,
		"REDIS_WRITE_TIMEOUT": &cfg.WriteTimeout,
	} {
		if *dst, err = optional(name, duration); err != nil {
			return cfg, err
		}
	}
	for name, dst := range map[string]**int{
		"REDIS_POOL_SIZE":      &cfg.PoolSize,
		"REDIS_MIN_IDLE_CONNS": &cfg.MinIdleConns,
		"REDIS_MAX_RETRIES":    &cfg.MaxRetries,
	} {
		if *dst, err = optional(name, count); err != nil {
			return cfg, err
		}
	}
	if cfg.HealthcheckTimeout, err = withDefault("REDIS_HEALTHCHECK_TIMEOUT", 2*time.Second, duration); err != nil {
		return cfg, err
	}
	if cfg.StreamMaxLen, err = withDefault("REDIS_STREAM_MAXLEN", int64(100000), count64); err != nil {
		return cfg, err
	}
	if cfg.EnableOTel, err = withDefault("REDIS_OTEL", false, boolean); err != nil {
		return cfg, err
	}
	cfg.TLSConfig, err = loadRedisTLSFromEnv()
	return cfg, err
}

// LoadPostgres reads the optional saga database settings.
func LoadPostgres() (PostgresConfig, error) {
	cfg := PostgresConfig{URL: lookup("DATABASE_URL")}
	var err error
	if cfg.MaxOpenConns, err = optional("DATABASE_MAX_OPEN_CONNS", count); err != nil {
		return cfg, err
	}
	cfg.ConnMaxLifetime, err = optional("DATABASE_CONN_MAX_LIFETIME", duration)
	return cfg, err
}

// LoadGRPC reads gRPC listen address and ingress rate limit settings from env.
func LoadGRPC() (GRPCConfig, error) {
	cfg := GRPCConfig{Addr: stringOr("GRPC_ADDR", ":50051")}
	var err error
	if cfg.RateLimitInterval, err = required("GRPC_RATE_LIMIT_INTERVAL", duration); err != nil {
		return GRPCConfig{}, err
	}
	if cfg.RateLimitBurst, err = required("GRPC_RATE_LIMIT_BURST", count); err != nil {
		return GRPCConfig{}, err
	}
	return cfg, nil
}

// LoadObservability reads the HTTP server address and tracing settings.
func LoadObservability() (ObservabilityConfig, error) {
	cfg := ObservabilityConfig{
		Addr:         lookup("OBS_ADDR"),
		Environment:  stringOr("APP_ENV", "development"),
		ServiceName:  stringOr("OTEL_SERVICE_NAME", "tradepost"),
		OTLPEndpoint: lookup("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
	if cfg.Addr == "" {
		return cfg, errors.New("OBS_ADDR is required")
	}
	var err error
	if cfg.OTLPInsecure, err = withDefault("OTEL_EXPORTER_OTLP_INSECURE", false, boolean); err != nil {
		return cfg, err
	}
	cfg.SampleRatio, err = withDefault("OTEL_SAMPLE_RATIO", 1.0, ratio)
	return cfg, err
}

// LoadRouting reads stream names and consumer group membership.
func LoadRouting() (RoutingConfig, error) {
	cfg := RoutingConfig{
		GrantItemsStream:    stringOr("GRANT_ITEMS_STREAM", "inventory_commands"),
		DebitCurrencyStream: stringOr("DEBIT_CURRENCY_STREAM", "currency_commands"),
		SubtractItemsStream: stringOr("SUBTRACT_ITEMS_STREAM", "inventory_commands"),
		EventStreams:        splitList(stringOr("PURCHASE_EVENT_STREAMS", "purchase_events,inventory_events,currency_events")),
		CatalogStream:       lookup("CATALOG_STREAM"),
		StatusChannel:       stringOr("PURCHASE_STATUS_CHANNEL", "purchase_status"),
		Group:               stringOr("CONSUMER_GROUP", "trading"),
		Consumer:            lookup("CONSUMER_NAME"),
	}
	if len(cfg.EventStreams) == 0 {
		return cfg, errors.New("PURCHASE_EVENT_STREAMS must name at least one stream")
	}
	var err error
	if cfg.Partitions, err = withDefault("CONSUMER_PARTITIONS", 8, count); err != nil {
		return cfg, err
	}
	cfg.ClaimMinIdle, err = withDefault("CONSUMER_CLAIM_MIN_IDLE", time.Minute, duration)
	return cfg, err
}

// RequestStream is where submitted purchases are published: the first event
// stream the service consumes.
func (c RoutingConfig) RequestStream() string {
	return c.EventStreams[0]
}

// LoadDispatch reads retry, circuit breaker and outbound rate limit settings.
func LoadDispatch() (DispatchConfig, error) {
	var cfg DispatchConfig
	var err error
	if cfg.MaxAttempts, err = withDefault("PURCHASE_RETRY_MAX_ATTEMPTS", 3, count); err != nil {
		return cfg, err
	}
	if cfg.MaxAttempts == 0 {
		return cfg, errors.New("PURCHASE_RETRY_MAX_ATTEMPTS must be >= 1")
	}
	if cfg.RetryInterval, err = withDefault("PURCHASE_RETRY_INTERVAL", 5*time.Second, duration); err != nil {
		return cfg, err
	}
	if cfg.RateLimitInterval, err = withDefault("DISPATCH_RATE_LIMIT_INTERVAL", time.Duration(0), duration); err != nil {
		return cfg, err
	}
	if cfg.RateLimitBurst, err = withDefault("DISPATCH_RATE_LIMIT_BURST", 0, count); err != nil {
		return cfg, err
	}
	if cfg.BreakerMaxFailures, err = withDefault("DISPATCH_BREAKER_MAX_FAILURES", 5, count); err != nil {
		return cfg, err
	}
	cfg.BreakerResetTimeout, err = withDefault("DISPATCH_BREAKER_RESET_TIMEOUT", 30*time.Second, duration)
	return cfg, err
}

// LoadSweeper reads the stale saga sweeper settings. Zero values disable it.
func LoadSweeper() (SweeperConfig, error) {
	var cfg SweeperConfig
	var err error
	if cfg.Interval, err = withDefault("SWEEPER_INTERVAL", time.Duration(0), duration); err != nil {
		return cfg, err
	}
	if cfg.StaleAfter, err = withDefault("SWEEPER_STALE_AFTER", time.Minute, duration); err != nil {
		return cfg, err
	}
	if cfg.ExpireAfter, err = withDefault("SWEEPER_EXPIRE_AFTER", time.Duration(0), duration); err != nil {
		return cfg, err
	}
	if cfg.BatchSize, err = withDefault("SWEEPER_BATCH_SIZE", 100, count); err != nil {
		return cfg, err
	}
	if cfg.ExpireAfter > 0 && cfg.ExpireAfter < cfg.StaleAfter {
		return cfg, errors.New("SWEEPER_EXPIRE_AFTER must be >= SWEEPER_STALE_AFTER")
	}
	return cfg, nil
}
