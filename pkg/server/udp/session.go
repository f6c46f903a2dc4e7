// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package udp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	perrors "github.com/absmach/v4proxy/pkg/errors"
	"github.com/absmach/v4proxy/pkg/handler"
	"github.com/google/uuid"
)

const protocol = "udp"

// Session represents a virtual UDP "connection" for a specific client.
// Since UDP is connectionless, we maintain session state per client address.
type Session struct {
	// ID is a unique identifier for this session
	ID string

	// RemoteAddr is the client's UDP address
	RemoteAddr *net.UDPAddr

	// Backend is the session's own connected socket to the target. It is
	// never shared with another session.
	Backend *net.UDPConn

	// Context is the handler context for this session
	Context *handler.Context

	bytesUp   atomic.Uint64
	bytesDown atomic.Uint64

	// mu protects lastActivity
	mu           sync.Mutex
	lastActivity time.Time

	closeOnce sync.Once
	closeErr  error
}

func newSession(clientAddr *net.UDPAddr, backend *net.UDPConn, hctx *handler.Context) *Session {
	return &Session{
		ID:           hctx.SessionID,
		RemoteAddr:   clientAddr,
		Backend:      backend,
		Context:      hctx,
		lastActivity: time.Now(),
	}
}

// UpdateActivity updates the last activity timestamp for this session.
func (s *Session) UpdateActivity() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// GetLastActivity returns the last activity timestamp.
func (s *Session) GetLastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Close closes the backend socket. Only the first call has any effect.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.Backend != nil {
			s.closeErr = s.Backend.Close()
		}
	})
	return s.closeErr
}

// Bytes returns the payload bytes forwarded so far in each direction.
func (s *Session) Bytes() (upstream, downstream uint64) {
	return s.bytesUp.Load(), s.bytesDown.Load()
}

// DialFunc opens a new connected UDP socket to the target.
type DialFunc func(ctx context.Context) (*net.UDPConn, error)

// SessionConfig configures a SessionManager.
type SessionConfig struct {
	// TargetAddress and LocalPort are reported to the handler
	TargetAddress string
	LocalPort     uint16

	// MaxSessions caps concurrent sessions; 0 means unlimited
	MaxSessions int

	// Dial opens the upstream socket for a new session
	Dial DialFunc

	Handler handler.Handler
	Logger  *slog.Logger
}

// SessionManager manages multiple UDP sessions keyed by client address.
//
// The lock is never held across network I/O: new upstream sockets are
// dialed before the locked check-and-insert, and sockets are closed after
// the session has been removed from the map.
type SessionManager struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	config   SessionConfig
}

// NewSessionManager creates a new session manager.
func NewSessionManager(cfg SessionConfig) *SessionManager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Handler == nil {
		cfg.Handler = &handler.NoopHandler{}
	}
	return &SessionManager{
		sessions: make(map[string]*Session),
		config:   cfg,
	}
}

// GetOrCreate returns the session for clientAddr, creating it if needed.
// The boolean reports whether a new session was created; the caller is then
// responsible for starting its receive loop.
func (sm *SessionManager) GetOrCreate(ctx context.Context, clientAddr *net.UDPAddr) (*Session, bool, error) {
	key := clientAddr.String()

	sm.mu.RLock()
	sess, ok := sm.sessions[key]
	count := len(sm.sessions)
	sm.mu.RUnlock()
	if ok {
		return sess, false, nil
	}

	if sm.config.MaxSessions > 0 && count >= sm.config.MaxSessions {
		return nil, false, sm.limitError(key)
	}

	hctx := &handler.Context{
		SessionID:  uuid.New().String(),
		Protocol:   protocol,
		LocalPort:  sm.config.LocalPort,
		RemoteAddr: key,
		Target:     sm.config.TargetAddress,
		StartedAt:  time.Now(),
	}

	if err := sm.config.Handler.AuthConnect(ctx, hctx); err != nil {
		return nil, false, perrors.New("auth", protocol, hctx.SessionID, key, err)
	}

	backend, err := sm.config.Dial(ctx)
	if err != nil {
		hctx.Err = err
		sm.notifyDisconnect(hctx)
		return nil, false, perrors.New("connect", protocol, hctx.SessionID, key, err)
	}

	sm.mu.Lock()
	if existing, ok := sm.sessions[key]; ok {
		sm.mu.Unlock()
		// Lost the race; the first session wins.
		backend.Close()
		sm.notifyDisconnect(hctx)
		return existing, false, nil
	}
	if sm.config.MaxSessions > 0 && len(sm.sessions) >= sm.config.MaxSessions {
		sm.mu.Unlock()
		backend.Close()
		hctx.Err = perrors.ErrSessionLimit
		sm.notifyDisconnect(hctx)
		return nil, false, sm.limitError(key)
	}
	hctx.Connected = true
	sess = newSession(clientAddr, backend, hctx)
	sm.sessions[key] = sess
	sm.mu.Unlock()

	if err := sm.config.Handler.OnConnect(ctx, hctx); err != nil {
		sm.config.Logger.Error("connect handler error",
			slog.String("session", sess.ID),
			slog.String("error", err.Error()))
	}

	sm.config.Logger.Info("new session",
		slog.String("session", sess.ID),
		slog.String("client", key),
		slog.String("upstream", backend.LocalAddr().String()),
		slog.String("target", backend.RemoteAddr().String()))

	return sess, true, nil
}

func (sm *SessionManager) limitError(key string) error {
	return perrors.New("session", protocol, "", key,
		fmt.Errorf("%w (%d)", perrors.ErrSessionLimit, sm.config.MaxSessions))
}

// Get returns an existing session for the given client address.
func (sm *SessionManager) Get(clientAddr *net.UDPAddr) (*Session, bool) {
	key := clientAddr.String()
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	sess, ok := sm.sessions[key]
	return sess, ok
}

// Remove deletes sess from the manager if it is still the session stored
// for its client address, then closes it and notifies the handler. It
// reports whether this call removed the session; removing a session twice,
// or after a newer session replaced it, is a no-op.
func (sm *SessionManager) Remove(sess *Session, reason string) bool {
	key := sess.RemoteAddr.String()

	sm.mu.Lock()
	if cur, ok := sm.sessions[key]; !ok || cur != sess {
		sm.mu.Unlock()
		return false
	}
	delete(sm.sessions, key)
	sm.mu.Unlock()

	if err := sess.Close(); err != nil {
		sm.config.Logger.Warn("failed to close upstream socket",
			slog.String("session", sess.ID),
			slog.String("error", err.Error()))
	}

	sess.Context.BytesUpstream, sess.Context.BytesDownstream = sess.Bytes()
	sm.notifyDisconnect(sess.Context)

	sm.config.Logger.Info("session closed",
		slog.String("session", sess.ID),
		slog.String("client", key),
		slog.String("reason", reason),
		slog.Uint64("bytes_upstream", sess.Context.BytesUpstream),
		slog.Uint64("bytes_downstream", sess.Context.BytesDownstream))

	return true
}

func (sm *SessionManager) notifyDisconnect(hctx *handler.Context) {
	if err := sm.config.Handler.OnDisconnect(context.Background(), hctx); err != nil {
		sm.config.Logger.Error("disconnect handler error",
			slog.String("session", hctx.SessionID),
			slog.String("error", err.Error()))
	}
}

// Cleanup removes sessions idle for longer than timeout every interval.
// It blocks until ctx is cancelled.
func (sm *SessionManager) Cleanup(ctx context.Context, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := sm.cleanupExpired(timeout); n > 0 {
				sm.config.Logger.Debug("cleaned up expired sessions", slog.Int("count", n))
			}
		}
	}
}

// cleanupExpired removes sessions that haven't been active within the
// timeout and returns how many it removed.
func (sm *SessionManager) cleanupExpired(timeout time.Duration) int {
	var expired []*Session

	sm.mu.RLock()
	for _, sess := range sm.sessions {
		if time.Since(sess.GetLastActivity()) >= timeout {
			expired = append(expired, sess)
		}
	}
	sm.mu.RUnlock()

	removed := 0
	for _, sess := range expired {
		// A datagram may have arrived since the scan.
		if time.Since(sess.GetLastActivity()) < timeout {
			continue
		}
		if sm.Remove(sess, "expired") {
			removed++
		}
	}
	return removed
}

// CloseAll removes and closes every session.
func (sm *SessionManager) CloseAll(reason string) {
	sm.mu.RLock()
	all := make([]*Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		all = append(all, sess)
	}
	sm.mu.RUnlock()

	for _, sess := range all {
		sm.Remove(sess, reason)
	}
}

// Count returns the number of active sessions.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}
