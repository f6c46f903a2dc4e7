// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for v4proxy.
package errors

import (
	"errors"
	"fmt"
)

// Common error types
var (
	// ErrInvalidMapping indicates a mapping that cannot be parsed or validated.
	ErrInvalidMapping = errors.New("invalid mapping")

	// ErrConnectTimeout indicates the upstream did not accept the connection in time.
	ErrConnectTimeout = errors.New("connect timeout")

	// ErrBackendUnavailable indicates the upstream could not be reached.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrRateLimited indicates a client exceeded its admission rate.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrSessionLimit indicates the UDP session table is full.
	ErrSessionLimit = errors.New("session limit reached")

	// ErrSessionClosed indicates an operation on a session that was already torn down.
	ErrSessionClosed = errors.New("session closed")
)

// ProxyError wraps an error with the connection or session it belongs to.
type ProxyError struct {
	Op         string // Operation that failed (dial, accept, forward, ...)
	Protocol   string // tcp or udp
	SessionID  string
	RemoteAddr string // Client address
	Err        error
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s %s [%s] %s: %v", e.Protocol, e.Op, e.SessionID, e.RemoteAddr, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", e.Protocol, e.Op, e.RemoteAddr, e.Err)
}

// Unwrap returns the underlying error.
func (e *ProxyError) Unwrap() error {
	return e.Err
}

// New creates a new ProxyError. It returns nil when err is nil.
func New(op, protocol, sessionID, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &ProxyError{
		Op:         op,
		Protocol:   protocol,
		SessionID:  sessionID,
		RemoteAddr: remoteAddr,
		Err:        err,
	}
}
