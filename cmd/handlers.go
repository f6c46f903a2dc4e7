// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"net"
	"time"

	perrors "github.com/absmach/v4proxy/pkg/errors"
	"github.com/absmach/v4proxy/pkg/handler"
	"github.com/absmach/v4proxy/pkg/metrics"
	"github.com/absmach/v4proxy/pkg/ratelimit"
)

var (
	_ handler.Handler = (*RateLimitedHandler)(nil)
	_ handler.Handler = (*InstrumentedHandler)(nil)
)

// RateLimitedHandler refuses new connections and sessions from client IPs
// that exhausted their token bucket.
type RateLimitedHandler struct {
	limiter *ratelimit.Limiter
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// AuthConnect implements handler.Handler with per-client rate limiting.
func (h *RateLimitedHandler) AuthConnect(ctx context.Context, hctx *handler.Context) error {
	client := clientIP(hctx.RemoteAddr)
	if h.limiter.Allow(client) {
		return nil
	}

	h.metrics.RateLimited(hctx.Protocol, hctx.LocalPort)
	h.logger.Warn("rate limit exceeded",
		slog.String("client", client),
		slog.String("protocol", hctx.Protocol),
		slog.Uint64("local_port", uint64(hctx.LocalPort)))
	return perrors.ErrRateLimited
}

// OnConnect implements handler.Handler.
func (h *RateLimitedHandler) OnConnect(ctx context.Context, hctx *handler.Context) error {
	return nil
}

// OnDisconnect implements handler.Handler.
func (h *RateLimitedHandler) OnDisconnect(ctx context.Context, hctx *handler.Context) error {
	return nil
}

// InstrumentedHandler records connection lifecycles in Prometheus metrics.
type InstrumentedHandler struct {
	metrics *metrics.Metrics
}

// AuthConnect implements handler.Handler.
func (h *InstrumentedHandler) AuthConnect(ctx context.Context, hctx *handler.Context) error {
	return nil
}

// OnConnect implements handler.Handler with metrics.
func (h *InstrumentedHandler) OnConnect(ctx context.Context, hctx *handler.Context) error {
	h.metrics.ConnectionOpened(hctx.Protocol, hctx.LocalPort)
	return nil
}

// OnDisconnect implements handler.Handler with metrics.
func (h *InstrumentedHandler) OnDisconnect(ctx context.Context, hctx *handler.Context) error {
	switch {
	case hctx.Connected:
		h.metrics.ConnectionClosed(hctx.Protocol, hctx.LocalPort, true,
			time.Since(hctx.StartedAt), hctx.BytesUpstream, hctx.BytesDownstream)
	case hctx.Err != nil:
		h.metrics.ConnectFailed(hctx.Protocol, hctx.LocalPort)
	}
	return nil
}

func clientIP(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}
