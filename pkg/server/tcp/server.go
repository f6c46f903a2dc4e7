// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/v4proxy/pkg/breaker"
	perrors "github.com/absmach/v4proxy/pkg/errors"
	"github.com/absmach/v4proxy/pkg/handler"
	"github.com/google/uuid"
	"github.com/pires/go-proxyproto"
)

const protocol = "tcp"

var (
	// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

	// ErrInvalidProxyProtocol is returned for a PROXY protocol version other than 0, 1 or 2.
	ErrInvalidProxyProtocol = errors.New("invalid PROXY protocol version")
)

// Config holds the TCP server configuration.
type Config struct {
	// Address is the listen address (host:port)
	Address string

	// TargetAddress is the upstream address to proxy to (host:port). The host
	// is resolved again on every dial.
	TargetAddress string

	// LocalPort is the mapping's local port, reported to handlers
	LocalPort uint16

	// ConnectTimeout bounds each upstream dial
	ConnectTimeout time.Duration

	// BufferSize is the size of each forwarding buffer
	BufferSize int

	// IdleTimeout closes a connection once neither direction has carried
	// data for this long. Zero disables it.
	IdleTimeout time.Duration

	// ProxyProtocol selects the PROXY protocol header version written to the
	// upstream before any client bytes. Zero disables it.
	ProxyProtocol byte

	// Breaker optionally guards upstream dials
	Breaker *breaker.CircuitBreaker

	// ShutdownTimeout is the maximum time to wait for active connections to drain
	// during graceful shutdown. After this timeout, remaining connections are
	// forcefully closed.
	ShutdownTimeout time.Duration

	// Logger for server events
	Logger *slog.Logger
}

// Server accepts TCP connections on one local address and relays each of
// them, byte for byte, to a freshly dialed upstream connection.
type Server struct {
	config  Config
	handler handler.Handler
	bufPool sync.Pool
	wg      sync.WaitGroup

	mu        sync.Mutex
	addr      net.Addr
	ready     chan struct{}
	readyOnce sync.Once
}

// New creates a new TCP server with the given configuration and handler.
func New(cfg Config, h handler.Handler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 8192
	}
	if h == nil {
		h = &handler.NoopHandler{}
	}

	s := &Server{
		config:  cfg,
		handler: h,
		ready:   make(chan struct{}),
	}
	s.bufPool.New = func() any {
		buf := make([]byte, cfg.BufferSize)
		return &buf
	}
	return s
}

// Addr returns the bound listen address, or nil before Listen has bound.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Ready is closed once Listen has either bound its socket or failed to.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

func (s *Server) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

// Listen starts the TCP server and blocks until the context is cancelled.
// It implements graceful shutdown with connection draining.
func (s *Server) Listen(ctx context.Context) error {
	defer s.markReady()

	if v := s.config.ProxyProtocol; v > 2 {
		return fmt.Errorf("%w: %d", ErrInvalidProxyProtocol, v)
	}

	listener, err := net.Listen(listenNetwork(s.config.Address), s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}

	s.mu.Lock()
	s.addr = listener.Addr()
	s.mu.Unlock()
	s.markReady()

	s.config.Logger.Info("TCP server started",
		slog.String("address", listener.Addr().String()),
		slog.String("target", s.config.TargetAddress))

	// Create a separate context for active connections
	// This allows us to control when to forcefully close connections
	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		s.acceptLoop(ctx, connCtx, listener)
	}()

	// Wait for shutdown signal
	<-ctx.Done()
	s.config.Logger.Info("shutdown signal received, closing listener",
		slog.String("address", listener.Addr().String()))

	// Close the listener to stop accepting new connections
	if err := listener.Close(); err != nil {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}

	<-acceptDone

	// Wait for active connections to drain with timeout
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.config.Logger.Info("all connections closed gracefully")
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		s.config.Logger.Warn("shutdown timeout exceeded, forcing connection closure")
		// Cancel context to force close remaining connections
		connCancel()
		// Give a little more time for forced closure
		select {
		case <-done:
		case <-time.After(1 * time.Second):
		}
		return ErrShutdownTimeout
	}
}

func (s *Server) acceptLoop(ctx, connCtx context.Context, listener net.Listener) {
	var backoff time.Duration
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				// Expected error during shutdown
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}

			// Back off on persistent errors such as EMFILE.
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			s.config.Logger.Error("failed to accept connection",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", backoff))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			continue
		}
		backoff = 0

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.handleConn(connCtx, conn); err != nil {
				s.config.Logger.Warn("connection failed", slog.String("error", err.Error()))
			}
		}()
	}
}

// handleConn serves one client connection:
//  1. admit it through the handler
//  2. dial the upstream, bounded by ConnectTimeout
//  3. relay both directions until each one finishes
//  4. close both sockets and notify the handler
func (s *Server) handleConn(ctx context.Context, inbound net.Conn) error {
	hctx := &handler.Context{
		SessionID:  uuid.New().String(),
		Protocol:   protocol,
		LocalPort:  s.config.LocalPort,
		RemoteAddr: inbound.RemoteAddr().String(),
		Target:     s.config.TargetAddress,
		StartedAt:  time.Now(),
	}
	logger := s.config.Logger.With(
		slog.String("session", hctx.SessionID),
		slog.String("client", hctx.RemoteAddr))

	logger.Info("connection accepted")

	if err := s.handler.AuthConnect(ctx, hctx); err != nil {
		inbound.Close()
		return perrors.New("auth", protocol, hctx.SessionID, hctx.RemoteAddr, err)
	}

	outbound, err := s.dial(ctx)
	if err != nil {
		inbound.Close()
		hctx.Err = err
		s.disconnect(logger, hctx)
		return perrors.New("connect", protocol, hctx.SessionID, hctx.RemoteAddr, err)
	}

	logger.Info("connected to target", slog.String("target", outbound.RemoteAddr().String()))

	setNoDelay(logger, inbound)
	setNoDelay(logger, outbound)

	if s.config.ProxyProtocol != 0 {
		if err := writeProxyHeader(s.config.ProxyProtocol, inbound, outbound); err != nil {
			inbound.Close()
			outbound.Close()
			hctx.Err = err
			s.disconnect(logger, hctx)
			return perrors.New("proxy_header", protocol, hctx.SessionID, hctx.RemoteAddr, err)
		}
	}

	hctx.Connected = true
	if err := s.handler.OnConnect(ctx, hctx); err != nil {
		logger.Error("connect handler error", slog.String("error", err.Error()))
	}

	// Forced shutdown closes both sockets, which unblocks the relay.
	stop := context.AfterFunc(ctx, func() {
		inbound.Close()
		outbound.Close()
	})
	defer stop()

	type result struct {
		dir string
		n   int64
		err error
	}
	results := make(chan result, 2)

	// Last read on either direction, in Unix nanoseconds.
	var activity atomic.Int64
	activity.Store(time.Now().UnixNano())

	// Upstream: client → backend
	go func() {
		n, err := s.relay(outbound, inbound, &activity)
		results <- result{dir: "upstream", n: n, err: err}
	}()

	// Downstream: backend → client
	go func() {
		n, err := s.relay(inbound, outbound, &activity)
		results <- result{dir: "downstream", n: n, err: err}
	}()

	for i := 0; i < 2; i++ {
		r := <-results
		switch r.dir {
		case "upstream":
			hctx.BytesUpstream = uint64(r.n)
			logger.Debug(fmt.Sprintf("%s → %s: %d bytes", hctx.RemoteAddr, outbound.RemoteAddr(), r.n))
		default:
			hctx.BytesDownstream = uint64(r.n)
			logger.Debug(fmt.Sprintf("%s → %s: %d bytes", outbound.RemoteAddr(), hctx.RemoteAddr, r.n))
		}
		if r.err == nil {
			continue
		}
		if hctx.Err == nil && !errors.Is(r.err, net.ErrClosed) {
			hctx.Err = r.err
		}
		// A failed direction will never see EOF from its peer, so tear down
		// the other one as well.
		inbound.Close()
		outbound.Close()
	}

	inbound.Close()
	outbound.Close()

	s.disconnect(logger, hctx)
	return nil
}

func (s *Server) disconnect(logger *slog.Logger, hctx *handler.Context) {
	if err := s.handler.OnDisconnect(context.Background(), hctx); err != nil {
		logger.Error("disconnect handler error", slog.String("error", err.Error()))
	}

	attrs := []any{
		slog.Uint64("bytes_upstream", hctx.BytesUpstream),
		slog.Uint64("bytes_downstream", hctx.BytesDownstream),
		slog.Duration("duration", time.Since(hctx.StartedAt)),
	}
	if hctx.Err != nil {
		attrs = append(attrs, slog.String("error", hctx.Err.Error()))
	}
	logger.Info("connection closed", attrs...)
}

// dial connects to the upstream through the breaker, if one is configured.
func (s *Server) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: s.config.ConnectTimeout}

	var conn net.Conn
	dial := func() error {
		c, err := d.DialContext(ctx, "tcp", s.config.TargetAddress)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}

	var err error
	if s.config.Breaker != nil {
		err = s.config.Breaker.Call(dial)
	} else {
		err = dial()
	}

	switch {
	case err == nil:
		return conn, nil
	case errors.Is(err, breaker.ErrCircuitOpen):
		return nil, fmt.Errorf("%w: %s: %w", perrors.ErrBackendUnavailable, s.config.TargetAddress, err)
	case isTimeout(err):
		return nil, fmt.Errorf("%w: %s after %s", perrors.ErrConnectTimeout, s.config.TargetAddress, s.config.ConnectTimeout)
	default:
		return nil, fmt.Errorf("failed to dial %s: %w", s.config.TargetAddress, err)
	}
}

// relay copies src to dst until src reports EOF or an error. On EOF the
// write side of dst is shut down so the peer sees the end of the stream
// while the opposite direction keeps flowing. activity is shared by both
// directions of a connection; with IdleTimeout set, a read deadline only
// ends the relay once neither direction has seen data for IdleTimeout.
func (s *Server) relay(dst, src net.Conn, activity *atomic.Int64) (int64, error) {
	bufp := s.bufPool.Get().(*[]byte)
	defer s.bufPool.Put(bufp)
	buf := *bufp

	idle := s.config.IdleTimeout

	var total int64
	for {
		if idle > 0 {
			src.SetReadDeadline(time.Unix(0, activity.Load()).Add(idle))
		}

		n, rerr := src.Read(buf)
		if n > 0 {
			activity.Store(time.Now().UnixNano())
			w, werr := dst.Write(buf[:n])
			total += int64(w)
			if werr != nil {
				return total, werr
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				closeWrite(dst)
				return total, nil
			}
			if idle > 0 && errors.Is(rerr, os.ErrDeadlineExceeded) &&
				time.Since(time.Unix(0, activity.Load())) < idle {
				// The other direction is still active.
				continue
			}
			return total, rerr
		}
	}
}

func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	}
}

func setNoDelay(logger *slog.Logger, c net.Conn) {
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return
	}
	if err := tc.SetNoDelay(true); err != nil {
		logger.Warn("failed to set TCP_NODELAY", slog.String("error", err.Error()))
	}
}

// writeProxyHeader announces the client's address to the upstream.
func writeProxyHeader(version byte, client, upstream net.Conn) error {
	src, ok := client.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return fmt.Errorf("unexpected client address type %T", client.RemoteAddr())
	}
	dst, ok := client.LocalAddr().(*net.TCPAddr)
	if !ok {
		return fmt.Errorf("unexpected local address type %T", client.LocalAddr())
	}

	tp := proxyproto.TCPv4
	if src.IP.To4() == nil || dst.IP.To4() == nil {
		tp = proxyproto.TCPv6
	}

	header := &proxyproto.Header{
		Version:           version,
		Command:           proxyproto.PROXY,
		TransportProtocol: tp,
		SourceAddr:        src,
		DestinationAddr:   dst,
	}

	if _, err := header.WriteTo(upstream); err != nil {
		return fmt.Errorf("failed to write PROXY header: %w", err)
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// listenNetwork pins IPv4 literal hosts to tcp4 so an IPv4-facing listener
// never becomes dual-stack.
func listenNetwork(address string) string {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return "tcp"
	}
	if ip := net.ParseIP(host); ip != nil && ip.To4() != nil {
		return "tcp4"
	}
	return "tcp"
}
