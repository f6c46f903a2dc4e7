// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/v4proxy"
	"github.com/absmach/v4proxy/pkg/breaker"
	"github.com/absmach/v4proxy/pkg/handler"
	"github.com/absmach/v4proxy/pkg/health"
	"github.com/absmach/v4proxy/pkg/mapping"
	"github.com/absmach/v4proxy/pkg/metrics"
	"github.com/absmach/v4proxy/pkg/proxy"
	"github.com/absmach/v4proxy/pkg/ratelimit"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "v4proxy: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet(stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}

	// .env file is optional
	envErr := godotenv.Load()

	cfg, err := v4proxy.NewConfig(env.Options{Prefix: v4proxy.EnvPrefix})
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := applyFlags(fs, &cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	mappings, err := cfg.ParseMappings()
	if err != nil {
		return err
	}

	logger := setupLogger(stdout, cfg)
	if envErr != nil {
		logger.Debug("no .env file found, using environment variables")
	}
	printBanner(logger, cfg, mappings)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New("v4proxy", reg)

	var limiter *ratelimit.Limiter
	chain := handler.Chain{}
	if cfg.RateLimitCapacity > 0 {
		limiter = ratelimit.NewLimiter(cfg.RateLimitCapacity, cfg.RateLimitRefill, cfg.RateLimitMaxClients)
		defer limiter.Close()
		chain = append(chain, &RateLimitedHandler{limiter: limiter, metrics: m, logger: logger})
	}
	chain = append(chain, &InstrumentedHandler{metrics: m})

	var breakers *breakerSet
	if cfg.BreakerMaxFailures > 0 {
		breakers = &breakerSet{}
	}

	p, err := proxy.New(proxy.Config{
		Mappings:        mappings,
		ListenHost:      cfg.ListenHost,
		ConnectTimeout:  cfg.ConnectTimeout,
		IdleTimeout:     cfg.TCPIdleTimeout,
		ProxyProtocol:   byte(cfg.ProxyProtocol),
		SessionTimeout:  cfg.UDPSessionTimeout,
		ReapInterval:    cfg.UDPReapInterval,
		Workers:         cfg.UDPWorkers,
		MaxSessions:     cfg.UDPMaxSessions,
		BufferSize:      cfg.BufferSize,
		ShutdownTimeout: cfg.ShutdownTimeout,
		NewBreaker:      newBreakerFunc(cfg, m, breakers, logger),
		OnStateChange: func(mp mapping.Mapping, s proxy.State) {
			m.SetEngineUp(mp.Protocol.String(), mp.LocalPort, s == proxy.StateRunning)
		},
		Logger: logger,
	}, chain)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var g errgroup.Group

	g.Go(func() error {
		// Stop the HTTP servers too once no engine is left.
		defer stop()
		return p.Run(ctx)
	})

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		g.Go(func() error {
			return serveHTTP(ctx, "metrics", cfg.MetricsAddr, mux, logger)
		})
	}

	if cfg.HealthAddr != "" {
		checker := newHealthChecker(p, limiter, breakers)
		g.Go(func() error {
			return serveHTTP(ctx, "health", cfg.HealthAddr, checker.Mux(), logger)
		})
	}

	err = g.Wait()
	if err != nil {
		logger.Error("v4proxy stopped with errors", slog.String("error", err.Error()))
		return err
	}
	logger.Info("v4proxy stopped")
	return nil
}

// setupLogger creates a structured logger with the configured level and format.
func setupLogger(w io.Writer, cfg v4proxy.Config) *slog.Logger {
	level, err := cfg.Level()
	if err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if strings.EqualFold(cfg.LogFormat, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}

	return slog.New(h)
}

func printBanner(logger *slog.Logger, cfg v4proxy.Config, mappings []mapping.Mapping) {
	logger.Info("starting v4proxy",
		slog.String("default_target", cfg.DefaultTarget),
		slog.String("listen_host", cfg.ListenHost),
		slog.Duration("connect_timeout", cfg.ConnectTimeout),
		slog.Duration("udp_session_timeout", cfg.UDPSessionTimeout),
		slog.Int("buffer_size", cfg.BufferSize),
		slog.Int("mappings", len(mappings)))

	for _, mp := range mappings {
		logger.Info("mapping",
			slog.String("route", route(mp)))
	}
}

// route renders a mapping as "[TCP] 8080 → [target]:80".
func route(mp mapping.Mapping) string {
	return fmt.Sprintf("[%s] %d → [%s]:%d",
		strings.ToUpper(mp.Protocol.String()), mp.LocalPort, mp.Target, mp.RemotePort)
}

// breakerSet records the breaker created for each mapping.
type breakerSet struct {
	mu    sync.Mutex
	names []string
	cbs   []*breaker.CircuitBreaker
}

func (bs *breakerSet) add(name string, cb *breaker.CircuitBreaker) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.names = append(bs.names, name)
	bs.cbs = append(bs.cbs, cb)
}

// open describes every breaker currently rejecting connections.
func (bs *breakerSet) open() []string {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	var out []string
	for i, cb := range bs.cbs {
		state, failures, _ := cb.Stats()
		if state == breaker.StateOpen {
			out = append(out, fmt.Sprintf("%s (%d failures)", bs.names[i], failures))
		}
	}
	return out
}

// newBreakerFunc returns nil when circuit breaking is disabled. Every breaker
// it creates is added to bs.
func newBreakerFunc(cfg v4proxy.Config, m *metrics.Metrics, bs *breakerSet, logger *slog.Logger) func(mapping.Mapping) *breaker.CircuitBreaker {
	if cfg.BreakerMaxFailures <= 0 {
		return nil
	}

	return func(mp mapping.Mapping) *breaker.CircuitBreaker {
		backend := mp.TargetAddress()
		cb := breaker.New(breaker.Config{
			MaxFailures:  cfg.BreakerMaxFailures,
			ResetTimeout: cfg.BreakerResetTimeout,
		})
		m.BreakerStateChanged(backend, breaker.StateClosed, breaker.StateClosed)
		cb.OnStateChange(func(from, to breaker.State) {
			logger.Warn("circuit breaker state changed",
				slog.String("backend", backend),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
			m.BreakerStateChanged(backend, from, to)
		})
		bs.add(route(mp), cb)
		return cb
	}
}

// newHealthChecker reports engine state, plus rate limiter capacity and open
// circuit breakers when those are enabled. limiter and breakers may be nil.
func newHealthChecker(p *proxy.Proxy, limiter *ratelimit.Limiter, breakers *breakerSet) *health.Checker {
	checker := health.NewChecker(time.Second)

	checker.Register("startup", func(ctx context.Context) error {
		select {
		case <-p.Ready():
			return nil
		default:
			return errors.New("engines are still starting")
		}
	})

	checker.Register("engines", func(ctx context.Context) error {
		failed := p.Failed()
		if len(failed) == 0 {
			return nil
		}
		names := make([]string, 0, len(failed))
		for _, st := range failed {
			names = append(names, st.Mapping.String())
		}
		return fmt.Errorf("%d of %d engines failed: %s",
			len(failed), len(p.Status()), strings.Join(names, ", "))
	})

	if limiter != nil {
		checker.Register("rate_limiter", func(ctx context.Context) error {
			clients, limit := limiter.Stats()
			if clients >= limit {
				return fmt.Errorf("tracking %d of %d clients, new clients are refused", clients, limit)
			}
			return nil
		})
	}

	if breakers != nil {
		checker.Register("circuit_breakers", func(ctx context.Context) error {
			if open := breakers.open(); len(open) > 0 {
				return fmt.Errorf("open: %s", strings.Join(open, ", "))
			}
			return nil
		})
	}

	return checker
}

// serveHTTP runs srv until ctx is cancelled.
func serveHTTP(ctx context.Context, name, addr string, h http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting "+name+" server", slog.String("address", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(name+" server error", slog.String("error", err.Error()))
			return fmt.Errorf("%s server: %w", name, err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
