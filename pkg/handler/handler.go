// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"time"
)

// Context carries metadata about one proxied TCP connection or UDP session.
// It is created by the engine when a client is first seen and passed to every
// Handler call for that client.
type Context struct {
	// SessionID is a unique identifier for this connection/session
	SessionID string

	// Protocol is "tcp" or "udp"
	Protocol string

	// LocalPort is the mapping's listen port
	LocalPort uint16

	// RemoteAddr is the client's network address
	RemoteAddr string

	// Target is the upstream address (host:port) as configured, before resolution
	Target string

	// StartedAt is when the client was admitted
	StartedAt time.Time

	// Connected is set once the upstream socket is established
	Connected bool

	// BytesUpstream and BytesDownstream are filled in before OnDisconnect
	BytesUpstream   uint64
	BytesDownstream uint64

	// Err is the error that ended the connection, if any
	Err error
}

// Handler is notified about the lifecycle of connections and sessions.
//
// AuthConnect runs before the upstream is dialed and can reject the client.
// OnConnect runs after the upstream socket is established. OnDisconnect runs
// exactly once for every admitted client, whether or not it ever connected.
// Errors returned from OnConnect and OnDisconnect are logged and otherwise
// ignored.
type Handler interface {
	AuthConnect(ctx context.Context, hctx *Context) error
	OnConnect(ctx context.Context, hctx *Context) error
	OnDisconnect(ctx context.Context, hctx *Context) error
}

// NoopHandler is a Handler implementation that allows everything.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

func (h *NoopHandler) AuthConnect(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnConnect(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnDisconnect(ctx context.Context, hctx *Context) error {
	return nil
}

// Chain calls handlers in order. AuthConnect stops at the first rejection;
// the notification methods call every handler and return the first error.
type Chain []Handler

var _ Handler = Chain(nil)

func (c Chain) AuthConnect(ctx context.Context, hctx *Context) error {
	for _, h := range c {
		if err := h.AuthConnect(ctx, hctx); err != nil {
			return err
		}
	}
	return nil
}

func (c Chain) OnConnect(ctx context.Context, hctx *Context) error {
	var first error
	for _, h := range c {
		if err := h.OnConnect(ctx, hctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (c Chain) OnDisconnect(ctx context.Context, hctx *Context) error {
	var first error
	for _, h := range c {
		if err := h.OnDisconnect(ctx, hctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
