// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package v4proxy

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/absmach/v4proxy/pkg/mapping"
	"github.com/caarlos0/env/v11"
)

// EnvPrefix is the prefix of every environment variable read by NewConfig.
const EnvPrefix = "V4PROXY_"

// Config holds the complete proxy configuration.
type Config struct {
	// Mappings is the comma-separated mapping list, e.g. "tcp:8080:80@web.example.com,udp:53".
	Mappings      string `env:"MAPPINGS"`
	DefaultTarget string `env:"DEFAULT_TARGET" envDefault:"localhost"`
	ListenHost    string `env:"LISTEN_HOST"    envDefault:"0.0.0.0"`

	ConnectTimeout time.Duration `env:"CONNECT_TIMEOUT"  envDefault:"30s"`
	BufferSize     int           `env:"BUFFER_SIZE"      envDefault:"8192"`
	TCPIdleTimeout time.Duration `env:"TCP_IDLE_TIMEOUT" envDefault:"0s"`
	ProxyProtocol  int           `env:"PROXY_PROTOCOL"   envDefault:"0"`

	UDPSessionTimeout time.Duration `env:"UDP_SESSION_TIMEOUT" envDefault:"60s"`
	UDPReapInterval   time.Duration `env:"UDP_REAP_INTERVAL"   envDefault:"10s"`
	UDPWorkers        int           `env:"UDP_WORKERS"         envDefault:"16"`
	UDPMaxSessions    int           `env:"UDP_MAX_SESSIONS"    envDefault:"0"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	MetricsAddr string `env:"METRICS_ADDR"`
	HealthAddr  string `env:"HEALTH_ADDR"`

	RateLimitCapacity   int64 `env:"RATE_LIMIT_CAPACITY"    envDefault:"0"`
	RateLimitRefill     int64 `env:"RATE_LIMIT_REFILL"      envDefault:"10"`
	RateLimitMaxClients int   `env:"RATE_LIMIT_MAX_CLIENTS" envDefault:"10000"`

	BreakerMaxFailures  int           `env:"BREAKER_MAX_FAILURES"  envDefault:"0"`
	BreakerResetTimeout time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"60s"`
}

// NewConfig parses the environment into a Config.
func NewConfig(opts env.Options) (Config, error) {
	c := Config{}
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, err
	}
	return c, nil
}

// ParseMappings parses the mapping list using the default target.
func (c Config) ParseMappings() ([]mapping.Mapping, error) {
	return mapping.ParseList(c.Mappings, c.DefaultTarget)
}

// Level returns the configured log level.
func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	return level, nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.DefaultTarget) == "" {
		errs = append(errs, errors.New("default target must not be empty"))
	}
	if _, err := c.ParseMappings(); err != nil {
		errs = append(errs, err)
	}
	if c.BufferSize <= 0 {
		errs = append(errs, fmt.Errorf("buffer size must be positive, got %d", c.BufferSize))
	}

	positive := []struct {
		name string
		d    time.Duration
	}{
		{"connect timeout", c.ConnectTimeout},
		{"UDP session timeout", c.UDPSessionTimeout},
		{"UDP reap interval", c.UDPReapInterval},
		{"shutdown timeout", c.ShutdownTimeout},
	}
	for _, p := range positive {
		if p.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", p.name, p.d))
		}
	}

	if c.TCPIdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("TCP idle timeout must not be negative, got %s", c.TCPIdleTimeout))
	}
	if c.ProxyProtocol < 0 || c.ProxyProtocol > 2 {
		errs = append(errs, fmt.Errorf("PROXY protocol version must be 0, 1 or 2, got %d", c.ProxyProtocol))
	}
	if c.UDPWorkers <= 0 {
		errs = append(errs, fmt.Errorf("UDP workers must be positive, got %d", c.UDPWorkers))
	}
	if c.UDPMaxSessions < 0 {
		errs = append(errs, fmt.Errorf("UDP max sessions must not be negative, got %d", c.UDPMaxSessions))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log format must be text or json, got %q", c.LogFormat))
	}
	if c.RateLimitCapacity < 0 || c.RateLimitRefill < 0 {
		errs = append(errs, errors.New("rate limit capacity and refill must not be negative"))
	}
	if c.RateLimitCapacity > 0 && c.RateLimitRefill == 0 {
		errs = append(errs, errors.New("rate limit refill must be positive when rate limiting is enabled"))
	}
	if c.BreakerMaxFailures < 0 {
		errs = append(errs, fmt.Errorf("breaker max failures must not be negative, got %d", c.BreakerMaxFailures))
	}

	return errors.Join(errs...)
}
