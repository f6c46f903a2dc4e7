// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tcp implements the TCP engine of v4proxy: one listener per
// mapping, relaying every accepted connection to a dedicated upstream
// connection.
//
// # Architecture
//
//	┌─────────┐          ┌─────────┐          ┌─────────┐
//	│ Client  │ ←─IPv4─→ │  Server │ ←─IPv6─→ │ Backend │
//	└─────────┘          └─────────┘          └─────────┘
//	                          ↓
//	                     ┌─────────┐
//	                     │ Handler │
//	                     └─────────┘
//
// # Connection Flow
//
//  1. Server accepts the client connection
//  2. handler.AuthConnect may reject it
//  3. Server dials the target with ConnectTimeout, DNS resolved per dial
//  4. TCP_NODELAY is set on both sockets, best effort
//  5. Optional PROXY protocol v1/v2 header is written to the upstream
//  6. Two goroutines relay bytes, one per direction
//  7. Both sockets are closed and handler.OnDisconnect receives the byte totals
//
// The payload is never inspected. When one side finishes sending, its EOF
// is passed on as a half-close (CloseWrite) and the other direction keeps
// running until it finishes too. A read or write error ends the whole
// connection.
//
// # Graceful Shutdown
//
// When context is canceled:
//
//  1. Server stops accepting new connections
//  2. Server waits for existing connections (with timeout)
//  3. After ShutdownTimeout, forcefully closes remaining connections
//  4. Returns ErrShutdownTimeout if timeout exceeded
//
// # Example
//
//	cfg := tcp.Config{
//		Address:        "0.0.0.0:25565",
//		TargetAddress:  "[2001:db8::10]:25565",
//		LocalPort:      25565,
//		ConnectTimeout: 30 * time.Second,
//		BufferSize:     8192,
//	}
//
//	server := tcp.New(cfg, &handler.NoopHandler{})
//	if err := server.Listen(ctx); err != nil {
//		log.Fatal(err)
//	}
package tcp
