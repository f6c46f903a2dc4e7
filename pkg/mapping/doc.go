// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mapping defines the forwarding rules consumed by the proxy engines
// and the textual grammar they are written in.
//
// # Grammar
//
//	protocol:local_port[:remote_port][@target]
//
// Multiple mappings are separated by commas. When remote_port is omitted it
// equals local_port; when @target is omitted the configured default target is
// used. The target is taken after the last '@', so IPv6 literals work with or
// without brackets:
//
//	tcp:25565
//	tcp:8080:80@web.example.com
//	udp:24454@voice.example.com
//	udp:51820@[2001:db8::10]
//
// Targets are never resolved here; engines resolve them on every connect so
// DNS changes take effect without a restart.
package mapping
