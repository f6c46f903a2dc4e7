// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handler provides the hook interface the proxy engines call for every
// client they serve.
//
// # Lifecycle
//
//	accept / first datagram
//	        ↓
//	AuthConnect ──reject──→ client dropped, no further hooks
//	        ↓
//	dial upstream ──fail──→ OnDisconnect (Connected=false, Err set)
//	        ↓
//	OnConnect
//	        ↓
//	forwarding ... until EOF, error, idle timeout or shutdown
//	        ↓
//	OnDisconnect (byte counters filled in)
//
// The engines never interpret payload bytes, so the hooks only see metadata:
// session id, protocol, addresses, timing and byte totals. Rate limiting and
// metrics are both implemented as handlers and composed with Chain.
//
// # Example
//
//	type auditHandler struct{ log *slog.Logger }
//
//	func (h *auditHandler) OnDisconnect(ctx context.Context, hctx *handler.Context) error {
//		h.log.Info("closed", slog.String("session", hctx.SessionID),
//			slog.Uint64("up", hctx.BytesUpstream), slog.Uint64("down", hctx.BytesDownstream))
//		return nil
//	}
package handler
