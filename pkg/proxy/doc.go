// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package proxy runs one engine per mapping and supervises them.
//
// # Architecture
//
//	 Mappings
//	     ↓
//	┌─────────────┐
//	│   Proxy     │  one goroutine per mapping
//	└─────────────┘
//	     ↓
//	┌─────────────┐
//	│   Engine    │
//	│ - tcp       │
//	│ - udp       │
//	└─────────────┘
//	     ↓
//	┌─────────────┐
//	│   Handler   │  rate limiting, metrics
//	└─────────────┘
//
// Engines are independent. If one cannot bind its port it is logged and
// marked failed while the others keep serving; nothing is restarted.
// Status reports each engine as starting, running, failed or stopped, which
// the health endpoints use.
//
// # Example
//
//	mappings, err := mapping.ParseList("tcp:25565@mc.example.net,udp:24454", "localhost")
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	p, err := proxy.New(proxy.Config{
//		Mappings:       mappings,
//		ConnectTimeout: 30 * time.Second,
//		SessionTimeout: 60 * time.Second,
//		BufferSize:     8192,
//	}, &handler.NoopHandler{})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	if err := p.Run(ctx); err != nil {
//		log.Printf("proxy exited: %v", err)
//	}
package proxy
