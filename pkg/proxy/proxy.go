// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/absmach/v4proxy/pkg/breaker"
	"github.com/absmach/v4proxy/pkg/handler"
	"github.com/absmach/v4proxy/pkg/mapping"
	"github.com/absmach/v4proxy/pkg/server/tcp"
	"github.com/absmach/v4proxy/pkg/server/udp"
	"golang.org/x/sync/errgroup"
)

// State is the lifecycle state of one engine.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateFailed   State = "failed"
	StateStopped  State = "stopped"
)

// Config holds the settings shared by all engines.
type Config struct {
	Mappings   []mapping.Mapping
	ListenHost string

	// TCP
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
	ProxyProtocol  byte

	// UDP
	SessionTimeout time.Duration
	ReapInterval   time.Duration
	Workers        int
	MaxSessions    int

	BufferSize      int
	ShutdownTimeout time.Duration

	// NewBreaker optionally returns a circuit breaker for a TCP mapping.
	NewBreaker func(m mapping.Mapping) *breaker.CircuitBreaker

	// OnStateChange is called on every engine state transition.
	OnStateChange func(m mapping.Mapping, s State)

	Logger *slog.Logger
}

// Engine is a per-mapping server.
type Engine interface {
	Listen(ctx context.Context) error
	Ready() <-chan struct{}
	Addr() net.Addr
}

// EngineStatus reports the state of one engine.
type EngineStatus struct {
	Mapping mapping.Mapping
	State   State
	Addr    net.Addr
	Err     error
}

type engine struct {
	mapping mapping.Mapping
	server  Engine

	mu    sync.Mutex
	state State
	err   error
}

// Proxy runs one engine per mapping and tracks their states.
type Proxy struct {
	config  Config
	engines []*engine
	ready   chan struct{}
}

// New builds one TCP or UDP engine per mapping. Nothing is bound until Run.
func New(cfg Config, h handler.Handler) (*Proxy, error) {
	if len(cfg.Mappings) == 0 {
		return nil, fmt.Errorf("no mappings configured")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ListenHost == "" {
		cfg.ListenHost = "0.0.0.0"
	}

	p := &Proxy{
		config: cfg,
		ready:  make(chan struct{}),
	}

	for _, m := range cfg.Mappings {
		logger := cfg.Logger.With(
			slog.String("protocol", m.Protocol.String()),
			slog.Uint64("local_port", uint64(m.LocalPort)))

		var server Engine
		switch m.Protocol {
		case mapping.TCP:
			var cb *breaker.CircuitBreaker
			if cfg.NewBreaker != nil {
				cb = cfg.NewBreaker(m)
			}
			server = tcp.New(tcp.Config{
				Address:         m.ListenAddress(cfg.ListenHost),
				TargetAddress:   m.TargetAddress(),
				LocalPort:       m.LocalPort,
				ConnectTimeout:  cfg.ConnectTimeout,
				BufferSize:      cfg.BufferSize,
				IdleTimeout:     cfg.IdleTimeout,
				ProxyProtocol:   cfg.ProxyProtocol,
				Breaker:         cb,
				ShutdownTimeout: cfg.ShutdownTimeout,
				Logger:          logger,
			}, h)
		case mapping.UDP:
			server = udp.New(udp.Config{
				Address:         m.ListenAddress(cfg.ListenHost),
				TargetAddress:   m.TargetAddress(),
				LocalPort:       m.LocalPort,
				SessionTimeout:  cfg.SessionTimeout,
				ReapInterval:    cfg.ReapInterval,
				ConnectTimeout:  cfg.ConnectTimeout,
				ShutdownTimeout: cfg.ShutdownTimeout,
				MaxSessions:     cfg.MaxSessions,
				BufferSize:      cfg.BufferSize,
				Workers:         cfg.Workers,
				Logger:          logger,
			}, h)
		default:
			return nil, fmt.Errorf("mapping %s: unsupported protocol", m)
		}

		p.engines = append(p.engines, &engine{mapping: m, server: server, state: StateStarting})
	}

	return p, nil
}

// Run starts every engine and blocks until all of them have exited. A
// failing engine is logged and marked failed; it neither stops the other
// engines nor is restarted. Run returns the first engine error.
func (p *Proxy) Run(ctx context.Context) error {
	var g errgroup.Group

	for _, e := range p.engines {
		e := e
		g.Go(func() error {
			go func() {
				<-e.server.Ready()
				if e.server.Addr() != nil {
					p.transition(e, StateStarting, StateRunning, nil)
				}
			}()

			err := e.server.Listen(ctx)
			if err != nil {
				p.config.Logger.Error("engine failed",
					slog.String("mapping", e.mapping.String()),
					slog.String("error", err.Error()))
				p.transition(e, "", StateFailed, err)
				return fmt.Errorf("mapping %s: %w", e.mapping, err)
			}
			p.transition(e, "", StateStopped, nil)
			return nil
		})
	}

	go func() {
		for _, e := range p.engines {
			<-e.server.Ready()
		}
		close(p.ready)
	}()

	return g.Wait()
}

// transition moves e to state to. An empty from matches any current state.
func (p *Proxy) transition(e *engine, from, to State, err error) {
	e.mu.Lock()
	if from != "" && e.state != from {
		e.mu.Unlock()
		return
	}
	e.state = to
	e.err = err
	e.mu.Unlock()

	if p.config.OnStateChange != nil {
		p.config.OnStateChange(e.mapping, to)
	}
}

// Ready is closed once every engine has either bound its socket or failed.
func (p *Proxy) Ready() <-chan struct{} {
	return p.ready
}

// Status returns the state of every engine in mapping order.
func (p *Proxy) Status() []EngineStatus {
	statuses := make([]EngineStatus, 0, len(p.engines))
	for _, e := range p.engines {
		e.mu.Lock()
		statuses = append(statuses, EngineStatus{
			Mapping: e.mapping,
			State:   e.state,
			Addr:    e.server.Addr(),
			Err:     e.err,
		})
		e.mu.Unlock()
	}
	return statuses
}

// Failed returns the engines that could not start or stopped with an error.
func (p *Proxy) Failed() []EngineStatus {
	var failed []EngineStatus
	for _, st := range p.Status() {
		if st.State == StateFailed {
			failed = append(failed, st)
		}
	}
	return failed
}
