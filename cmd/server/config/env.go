package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

func lookup(name string) string {
	return strings.TrimSpace(os.Getenv(name))
}

// required fails when name is unset or does not parse.
func required[T any](name string, parse func(string) (T, error)) (T, error) {
	var zero T
	raw := lookup(name)
	if raw == "" {
		return zero, fmt.Errorf("%s is required", name)
	}
	val, err := parse(raw)
	if err != nil {
		return zero, fmt.Errorf("%s: %w", name, err)
	}
	return val, nil
}

// optional returns nil when name is unset.
func optional[T any](name string, parse func(string) (T, error)) (*T, error) {
	if lookup(name) == "" {
		return nil, nil
	}
	val, err := required(name, parse)
	if err != nil {
		return nil, err
	}
	return &val, nil
}

func withDefault[T any](name string, def T, parse func(string) (T, error)) (T, error) {
	val, err := optional(name, parse)
	if err != nil || val == nil {
		return def, err
	}
	return *val, nil
}

func stringOr(name, def string) string {
	if raw := lookup(name); raw != "" {
		return raw
	}
	return def
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

var errNegative = errors.New("must be >= 0")

func duration(raw string) (time.Duration, error) {
	d, err := time.ParseDuration(raw)
	if err == nil && d < 0 {
		err = errNegative
	}
	return d, err
}

func count(raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err == nil && n < 0 {
		err = errNegative
	}
	return n, err
}

func count64(raw string) (int64, error) {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err == nil && n < 0 {
		err = errNegative
	}
	return n, err
}

func ratio(raw string) (float64, error) {
	f, err := strconv.ParseFloat(raw, 64)
	if err == nil && (f < 0 || f > 1 || math.IsNaN(f)) {
		err = errors.New("must be between 0 and 1")
	}
	return f, err
}

func boolean(raw string) (bool, error) {
	return strconv.ParseBool(raw)
}
