// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package udp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	perrors "github.com/absmach/v4proxy/pkg/errors"
	"github.com/absmach/v4proxy/pkg/handler"
	"github.com/cespare/xxhash/v2"
)

const (
	// DefaultSessionTimeout is the default timeout for idle UDP sessions.
	DefaultSessionTimeout = 60 * time.Second

	// DefaultReapInterval is how often idle sessions are looked for.
	DefaultReapInterval = 10 * time.Second

	// DefaultShutdownTimeout is the default timeout for graceful shutdown.
	DefaultShutdownTimeout = 30 * time.Second

	// DefaultConnectTimeout bounds resolving and binding a session's upstream socket.
	DefaultConnectTimeout = 30 * time.Second

	// MaxDatagramSize is the maximum size of a UDP datagram.
	MaxDatagramSize = 65535

	// DefaultBufferSize is the default buffer size for UDP packets.
	DefaultBufferSize = 8192

	// DefaultWorkers is the default number of packet processing shards.
	DefaultWorkers = 16

	// DefaultQueueSize is the default per-shard queue length.
	DefaultQueueSize = 256
)

// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

// Config holds the UDP server configuration.
type Config struct {
	// Address is the listen address (host:port)
	Address string

	// TargetAddress is the backend address to proxy to (host:port). It is
	// resolved again for every new session.
	TargetAddress string

	// LocalPort is the mapping's local port, reported to handlers
	LocalPort uint16

	// SessionTimeout is the idle timeout for UDP sessions
	// If no packets are received/sent for this duration, the session is closed
	SessionTimeout time.Duration

	// ReapInterval is how often the session table is scanned for idle sessions
	ReapInterval time.Duration

	// ConnectTimeout bounds resolving the target for a new session
	ConnectTimeout time.Duration

	// ShutdownTimeout is the maximum time to wait for session receive loops
	// to exit during graceful shutdown
	ShutdownTimeout time.Duration

	// MaxSessions is the maximum number of concurrent UDP sessions allowed.
	// If 0, no limit is enforced. Default is 0 (unlimited).
	MaxSessions int

	// BufferSize is the size of datagram read buffers in bytes.
	// If 0, uses DefaultBufferSize (8192 bytes).
	// Must not exceed MaxDatagramSize (65535).
	BufferSize int

	// Workers is the number of packet processing shards. Datagrams from one
	// client always go to the same shard, so they are forwarded in order.
	Workers int

	// QueueSize is the number of datagrams each shard can buffer, and the
	// number held for a client while its session is being set up. Datagrams
	// beyond either limit are dropped.
	QueueSize int

	// ReadBufferSize sets the socket receive buffer size (SO_RCVBUF).
	// If 0, uses system default.
	ReadBufferSize int

	// WriteBufferSize sets the socket send buffer size (SO_SNDBUF).
	// If 0, uses system default.
	WriteBufferSize int

	// Logger for server events
	Logger *slog.Logger
}

// packetJob represents a packet processing job for a shard.
type packetJob struct {
	clientAddr *net.UDPAddr
	data       []byte
}

// pendingSession holds the datagrams of a client whose session is being
// created, in arrival order.
type pendingSession struct {
	queue [][]byte
}

// Server relays datagrams between IPv4 clients and a target, using one
// upstream socket per client address.
type Server struct {
	config     Config
	handler    handler.Handler
	sessions   *SessionManager
	bufferPool *sync.Pool
	shards     []chan packetJob
	workerWg   sync.WaitGroup
	createWg   sync.WaitGroup
	recvWg     sync.WaitGroup

	// pending is keyed by client address. A client with an entry here has
	// its datagrams queued until its session exists.
	pendingMu sync.Mutex
	pending   map[string]*pendingSession

	mu        sync.Mutex
	addr      *net.UDPAddr
	ready     chan struct{}
	readyOnce sync.Once
}

// New creates a new UDP server with the given configuration and handler.
func New(cfg Config, h handler.Handler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	if cfg.ReapInterval == 0 {
		cfg.ReapInterval = DefaultReapInterval
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.BufferSize > MaxDatagramSize {
		cfg.BufferSize = MaxDatagramSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if h == nil {
		h = &handler.NoopHandler{}
	}

	// Create buffer pool for efficient memory reuse
	bufferPool := &sync.Pool{
		New: func() any {
			buf := make([]byte, cfg.BufferSize)
			return &buf
		},
	}

	s := &Server{
		config:     cfg,
		handler:    h,
		bufferPool: bufferPool,
		pending:    make(map[string]*pendingSession),
		ready:      make(chan struct{}),
	}
	s.sessions = NewSessionManager(SessionConfig{
		TargetAddress: cfg.TargetAddress,
		LocalPort:     cfg.LocalPort,
		MaxSessions:   cfg.MaxSessions,
		Dial:          s.dialBackend,
		Handler:       h,
		Logger:        cfg.Logger,
	})
	return s
}

// Addr returns the bound listen address, or nil before Listen has bound.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addr == nil {
		return nil
	}
	return s.addr
}

// Ready is closed once Listen has either bound its socket or failed to.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Sessions returns the server's session table.
func (s *Server) Sessions() *SessionManager {
	return s.sessions
}

func (s *Server) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

// Listen starts the UDP server and blocks until the context is cancelled.
// On shutdown it stops reading, drains the shard queues and closes every
// session.
func (s *Server) Listen(ctx context.Context) error {
	defer s.markReady()

	network := listenNetwork(s.config.Address)
	addr, err := net.ResolveUDPAddr(network, s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve address %s: %w", s.config.Address, err)
	}

	conn, err := net.ListenUDP(network, addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	defer conn.Close()

	// Configure socket buffer sizes if specified
	if s.config.ReadBufferSize > 0 {
		if err := conn.SetReadBuffer(s.config.ReadBufferSize); err != nil {
			s.config.Logger.Warn("failed to set read buffer size",
				slog.String("error", err.Error()))
		}
	}
	if s.config.WriteBufferSize > 0 {
		if err := conn.SetWriteBuffer(s.config.WriteBufferSize); err != nil {
			s.config.Logger.Warn("failed to set write buffer size",
				slog.String("error", err.Error()))
		}
	}

	s.mu.Lock()
	s.addr = conn.LocalAddr().(*net.UDPAddr)
	s.mu.Unlock()
	s.markReady()

	s.config.Logger.Info("UDP server started",
		slog.String("address", conn.LocalAddr().String()),
		slog.String("target", s.config.TargetAddress),
		slog.Duration("session_timeout", s.config.SessionTimeout),
		slog.Int("workers", s.config.Workers),
		slog.Int("buffer_size", s.config.BufferSize))

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	s.startWorkers(workerCtx, conn)

	cleanupCtx, cleanupCancel := context.WithCancel(ctx)
	defer cleanupCancel()
	go s.sessions.Cleanup(cleanupCtx, s.config.ReapInterval, s.config.SessionTimeout)

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		s.readLoop(ctx, conn)
	}()

	// Wait for shutdown signal
	<-ctx.Done()
	s.config.Logger.Info("shutdown signal received, closing listener",
		slog.String("address", conn.LocalAddr().String()))

	// Close the connection to stop reading
	if err := conn.Close(); err != nil {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}
	<-readDone

	// Let the workers finish what is already queued, then cancel any dial
	// still in flight.
	for _, ch := range s.shards {
		close(ch)
	}
	workerCancel()
	s.workerWg.Wait()
	s.createWg.Wait()

	s.sessions.CloseAll("shutdown")

	done := make(chan struct{})
	go func() {
		s.recvWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.config.Logger.Info("all sessions closed")
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		s.config.Logger.Warn("shutdown timeout exceeded waiting for session receivers")
		return ErrShutdownTimeout
	}
}

func (s *Server) readLoop(ctx context.Context, conn *net.UDPConn) {
	for {
		// Get buffer from pool
		bufPtr := s.bufferPool.Get().(*[]byte)
		buffer := *bufPtr

		n, clientAddr, err := conn.ReadFromUDP(buffer)
		if err != nil {
			s.bufferPool.Put(bufPtr)
			select {
			case <-ctx.Done():
				// Expected error during shutdown
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.config.Logger.Error("failed to read UDP packet",
				slog.String("error", err.Error()))
			continue
		}

		// Make a copy of the data for processing
		datagram := make([]byte, n)
		copy(datagram, buffer[:n])
		s.bufferPool.Put(bufPtr)

		select {
		case s.shards[s.shardFor(clientAddr)] <- packetJob{clientAddr: clientAddr, data: datagram}:
		default:
			s.config.Logger.Warn("worker queue full, dropping packet",
				slog.String("client", clientAddr.String()))
		}
	}
}

// shardFor maps a client address to a shard index.
func (s *Server) shardFor(addr *net.UDPAddr) int {
	d := xxhash.New()
	d.Write(addr.IP.To16())
	d.WriteString(strconv.Itoa(addr.Port))
	return int(d.Sum64() % uint64(len(s.shards)))
}

// startWorkers starts one goroutine per shard.
func (s *Server) startWorkers(ctx context.Context, listener *net.UDPConn) {
	s.shards = make([]chan packetJob, s.config.Workers)
	for i := range s.shards {
		ch := make(chan packetJob, s.config.QueueSize)
		s.shards[i] = ch

		s.workerWg.Add(1)
		go func(workerID int) {
			defer s.workerWg.Done()
			for job := range ch {
				if err := s.handlePacket(ctx, listener, job.clientAddr, job.data); err != nil {
					s.config.Logger.Warn("dropping packet",
						slog.Int("worker", workerID),
						slog.String("client", job.clientAddr.String()),
						slog.String("error", err.Error()))
				}
			}
		}(i)
	}
}

// handlePacket forwards one client datagram through the client's session.
// Existing sessions are served on the calling worker. A client without a
// session gets one created in its own goroutine, so a slow dial never holds
// up other clients on the same shard.
func (s *Server) handlePacket(ctx context.Context, listener *net.UDPConn, clientAddr *net.UDPAddr, data []byte) error {
	err := s.route(ctx, listener, clientAddr, data)
	if errors.Is(err, perrors.ErrSessionClosed) {
		// The session expired under us; the datagram starts a new one.
		err = s.route(ctx, listener, clientAddr, data)
	}
	return err
}

func (s *Server) route(ctx context.Context, listener *net.UDPConn, clientAddr *net.UDPAddr, data []byte) error {
	key := clientAddr.String()

	s.pendingMu.Lock()
	if p, ok := s.pending[key]; ok {
		defer s.pendingMu.Unlock()
		if len(p.queue) >= s.config.QueueSize {
			return perrors.New("forward", protocol, "", key,
				errors.New("session setup queue full"))
		}
		p.queue = append(p.queue, data)
		return nil
	}
	sess, ok := s.sessions.Get(clientAddr)
	if !ok {
		s.pending[key] = &pendingSession{queue: [][]byte{data}}
		s.createWg.Add(1)
		s.pendingMu.Unlock()
		go func() {
			defer s.createWg.Done()
			s.createSession(ctx, listener, clientAddr)
		}()
		return nil
	}
	s.pendingMu.Unlock()

	return s.forward(sess, data)
}

// createSession sets up the session for clientAddr and flushes the
// datagrams queued meanwhile. The pending entry is dropped only once its
// queue is empty, so later datagrams cannot overtake queued ones.
func (s *Server) createSession(ctx context.Context, listener *net.UDPConn, clientAddr *net.UDPAddr) {
	key := clientAddr.String()

	sess, isNew, err := s.sessions.GetOrCreate(ctx, clientAddr)
	if err != nil {
		s.pendingMu.Lock()
		dropped := len(s.pending[key].queue)
		delete(s.pending, key)
		s.pendingMu.Unlock()

		s.config.Logger.Warn("session setup failed, dropping packets",
			slog.String("client", key),
			slog.Int("packets", dropped),
			slog.String("error", err.Error()))
		return
	}

	if isNew {
		s.recvWg.Add(1)
		go func() {
			defer s.recvWg.Done()
			s.readDownstream(sess, listener)
		}()
	}

	for {
		s.pendingMu.Lock()
		p := s.pending[key]
		queue := p.queue
		p.queue = nil
		if len(queue) == 0 {
			delete(s.pending, key)
			s.pendingMu.Unlock()
			return
		}
		s.pendingMu.Unlock()

		for _, data := range queue {
			if err := s.forward(sess, data); err != nil {
				s.config.Logger.Debug("dropping packet",
					slog.String("client", key),
					slog.String("error", err.Error()))
			}
		}
	}
}

// forward sends one datagram upstream through sess. It returns
// ErrSessionClosed if the session was torn down before the write, after
// making sure it is no longer in the table.
func (s *Server) forward(sess *Session, data []byte) error {
	n, err := sess.Backend.Write(data)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			// No-op if the reaper or receive loop already removed it.
			s.sessions.Remove(sess, "closed")
			return perrors.New("forward", protocol, sess.ID, sess.RemoteAddr.String(),
				fmt.Errorf("%w: %w", perrors.ErrSessionClosed, err))
		}
		s.config.Logger.Debug("upstream send failed",
			slog.String("session", sess.ID),
			slog.String("error", err.Error()))
		return nil
	}
	sess.bytesUp.Add(uint64(n))
	sess.UpdateActivity()

	return nil
}

// readDownstream relays datagrams from the session's upstream socket back to
// the client until the session has been idle for SessionTimeout, the socket
// is closed or sending fails. It then removes this session, unless it has
// already been removed.
func (s *Server) readDownstream(sess *Session, listener *net.UDPConn) {
	reason := "expired"
	defer func() {
		s.sessions.Remove(sess, reason)
	}()

	bufPtr := s.bufferPool.Get().(*[]byte)
	defer s.bufferPool.Put(bufPtr)
	buffer := *bufPtr

	for {
		deadline := sess.GetLastActivity().Add(s.config.SessionTimeout)
		if err := sess.Backend.SetReadDeadline(deadline); err != nil {
			reason = "closed"
			return
		}

		n, err := sess.Backend.Read(buffer)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				if time.Since(sess.GetLastActivity()) >= s.config.SessionTimeout {
					return
				}
				// The client was active in the meantime.
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				reason = "closed"
				return
			}
			s.config.Logger.Debug("upstream read failed",
				slog.String("session", sess.ID),
				slog.String("error", err.Error()))
			reason = "upstream read failed"
			return
		}

		if _, err := listener.WriteToUDP(buffer[:n], sess.RemoteAddr); err != nil {
			s.config.Logger.Debug("client send failed",
				slog.String("session", sess.ID),
				slog.String("error", err.Error()))
			reason = "client send failed"
			return
		}
		sess.bytesDown.Add(uint64(n))
		sess.UpdateActivity()
	}
}

// dialBackend opens a connected UDP socket to the target, resolving the
// host name each time.
func (s *Server) dialBackend(ctx context.Context) (*net.UDPConn, error) {
	d := net.Dialer{Timeout: s.config.ConnectTimeout}
	conn, err := d.DialContext(ctx, "udp", s.config.TargetAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to dial backend %s: %w", s.config.TargetAddress, err)
	}
	uc, ok := conn.(*net.UDPConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("unexpected connection type %T", conn)
	}
	return uc, nil
}

// listenNetwork pins IPv4 literal hosts to udp4.
func listenNetwork(address string) string {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return "udp"
	}
	if ip := net.ParseIP(host); ip != nil && ip.To4() != nil {
		return "udp4"
	}
	return "udp"
}
