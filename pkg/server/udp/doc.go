// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package udp implements the UDP engine of v4proxy: one listening socket per
// mapping, multiplexing client sessions over per-client upstream sockets.
//
// # Architecture
//
//	┌─────────┐          ┌─────────┐          ┌─────────┐
//	│ Client  │ ←─IPv4─→ │  Server │ ←─IPv6─→ │ Backend │
//	└─────────┘          └─────────┘          └─────────┘
//	                          │
//	                          ↓
//	                    ┌──────────┐
//	                    │  Session │
//	                    │ Manager  │
//	                    └──────────┘
//
// # Session Management
//
// Since UDP is connectionless, the server creates sessions to track clients:
//
//	Session Key: Client IP:Port
//	Session Contents:
//	  - ID: Unique session identifier
//	  - RemoteAddr: Client's UDP address
//	  - Backend: connected UDP socket to the target, owned by this session only
//	  - LastActivity: Timestamp of last datagram in either direction
//	  - Context: Handler context for this session
//
// Because every client gets its own upstream socket, the backend sees a
// stable source port per client and replies can be routed back without
// looking at the payload.
//
// # Packet Flow
//
//  1. The read loop receives a datagram on the listening socket
//  2. It is queued on the shard chosen by hashing the client address
//  3. The shard worker gets or creates the client's session
//  4. The datagram is written to the session's upstream socket
//
// Datagrams from one client always land on the same shard and are forwarded
// in arrival order. A full shard queue drops the datagram.
//
// # Session Lifecycle
//
//	Create:
//	  - First datagram from a new client IP:Port
//	  - handler.AuthConnect, then dial upstream outside the table lock
//	  - Insert under the write lock; if another goroutine won, use its session
//	  - Start the receive loop
//
//	Active:
//	  - Datagrams in both directions update LastActivity
//
//	Expire:
//	  - The receive loop ends once the session has been idle for
//	    SessionTimeout; activity in the meantime re-arms its deadline
//	  - The cleanup goroutine scans the table every ReapInterval as well
//	  - Whoever gets there first removes the session, closes its socket and
//	    calls handler.OnDisconnect; removal only deletes the exact session it
//	    was asked to, never a newer one for the same client
//
// # Graceful Shutdown
//
// When context is canceled:
//
//  1. The listening socket is closed
//  2. Queued datagrams are processed and the workers exit
//  3. Every session is removed and closed
//  4. Server waits for the receive loops (with ShutdownTimeout)
//
// # Example
//
//	cfg := udp.Config{
//		Address:        "0.0.0.0:24454",
//		TargetAddress:  "voice.example.net:24454",
//		LocalPort:      24454,
//		SessionTimeout: 60 * time.Second,
//	}
//
//	server := udp.New(cfg, &handler.NoopHandler{})
//	if err := server.Listen(ctx); err != nil {
//		log.Fatal(err)
//	}
package udp
