// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/absmach/v4proxy/pkg/breaker"
	perrors "github.com/absmach/v4proxy/pkg/errors"
	"github.com/absmach/v4proxy/pkg/handler"
	"github.com/pires/go-proxyproto"
)

type mockHandler struct {
	mu          sync.Mutex
	authErr     error
	authCalls   int
	connects    int
	disconnects chan handler.Context
}

func newMockHandler() *mockHandler {
	return &mockHandler{disconnects: make(chan handler.Context, 16)}
}

func (m *mockHandler) AuthConnect(ctx context.Context, hctx *handler.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authCalls++
	return m.authErr
}

func (m *mockHandler) OnConnect(ctx context.Context, hctx *handler.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connects++
	return nil
}

func (m *mockHandler) OnDisconnect(ctx context.Context, hctx *handler.Context) error {
	m.disconnects <- *hctx
	return nil
}

func (m *mockHandler) waitDisconnect(t *testing.T) handler.Context {
	t.Helper()
	select {
	case hctx := <-m.disconnects:
		return hctx
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for OnDisconnect")
		return handler.Context{}
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startServer runs a server on a random loopback port and returns its address.
func startServer(t *testing.T, cfg Config, h handler.Handler) (*Server, string) {
	t.Helper()

	cfg.Address = "127.0.0.1:0"
	if cfg.Logger == nil {
		cfg.Logger = testLogger()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 2 * time.Second
	}

	server := New(cfg, h)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Listen(ctx)
	}()

	select {
	case <-server.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("server did not become ready")
	}
	if server.Addr() == nil {
		cancel()
		t.Fatalf("server failed to bind: %v", <-errCh)
	}

	t.Cleanup(func() {
		cancel()
		<-errCh
	})

	return server, server.Addr().String()
}

// startBackend runs serve for every connection accepted on a loopback listener.
func startBackend(t *testing.T, serve func(net.Conn)) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create backend listener: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				serve(conn)
			}()
		}
	}()

	return ln.Addr().String()
}

func echo(conn net.Conn) {
	io.Copy(conn, conn)
}

// closedAddress returns a loopback address nothing listens on.
func closedAddress(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// roundTrip writes payload, half-closes and reads everything until EOF.
func roundTrip(t *testing.T, addr string, payload []byte) []byte {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("failed to connect to proxy: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	writeErr := make(chan error, 1)
	go func() {
		_, err := conn.Write(payload)
		if err == nil {
			err = conn.(*net.TCPConn).CloseWrite()
		}
		writeErr <- err
	}()

	got, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("failed to read from proxy: %v", err)
	}
	if err := <-writeErr; err != nil {
		t.Fatalf("failed to write to proxy: %v", err)
	}
	return got
}

func TestTCPServer_ByteTransparency(t *testing.T) {
	allBytes := make([]byte, 256)
	for i := range allBytes {
		allBytes[i] = byte(i)
	}
	large := make([]byte, 1<<20)
	rand.Read(large)

	tests := []struct {
		name       string
		payload    []byte
		bufferSize int
	}{
		{name: "every byte value", payload: allBytes, bufferSize: 8192},
		{name: "large payload", payload: large, bufferSize: 8192},
		{name: "tiny buffer", payload: allBytes, bufferSize: 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := startBackend(t, echo)
			h := newMockHandler()
			_, addr := startServer(t, Config{TargetAddress: target, BufferSize: tt.bufferSize, LocalPort: 8080}, h)

			got := roundTrip(t, addr, tt.payload)
			if !bytes.Equal(got, tt.payload) {
				t.Fatalf("payload mismatch: sent %d bytes, got %d", len(tt.payload), len(got))
			}

			hctx := h.waitDisconnect(t)
			if hctx.BytesUpstream != uint64(len(tt.payload)) || hctx.BytesDownstream != uint64(len(tt.payload)) {
				t.Errorf("unexpected byte counters: up=%d down=%d", hctx.BytesUpstream, hctx.BytesDownstream)
			}
			if !hctx.Connected || hctx.Err != nil {
				t.Errorf("expected clean connection, got connected=%v err=%v", hctx.Connected, hctx.Err)
			}
			if hctx.Protocol != "tcp" || hctx.LocalPort != 8080 || hctx.SessionID == "" {
				t.Errorf("unexpected handler context: %+v", hctx)
			}
		})
	}
}

func TestTCPServer_ConcurrentClients(t *testing.T) {
	target := startBackend(t, echo)
	_, addr := startServer(t, Config{TargetAddress: target}, nil)

	const clients = 8
	var wg sync.WaitGroup
	errs := make(chan error, clients)

	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(id byte) {
			defer wg.Done()
			payload := bytes.Repeat([]byte{id}, 64*1024)

			conn, err := net.Dial("tcp", addr)
			if err != nil {
				errs <- err
				return
			}
			defer conn.Close()
			conn.SetDeadline(time.Now().Add(10 * time.Second))

			go func() {
				conn.Write(payload)
				conn.(*net.TCPConn).CloseWrite()
			}()

			got, err := io.ReadAll(conn)
			if err != nil {
				errs <- err
				return
			}
			if !bytes.Equal(got, payload) {
				errs <- errors.New("client received another client's bytes")
			}
		}(byte(i))
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestTCPServer_HalfClose(t *testing.T) {
	// The backend replies only after it has seen the end of the request.
	target := startBackend(t, func(conn net.Conn) {
		req, err := io.ReadAll(conn)
		if err != nil {
			return
		}
		conn.Write(append([]byte("received: "), req...))
	})
	_, addr := startServer(t, Config{TargetAddress: target}, nil)

	got := roundTrip(t, addr, []byte("ping"))
	if string(got) != "received: ping" {
		t.Errorf("expected reply after half-close, got %q", got)
	}
}

func TestTCPServer_ConnectFailure(t *testing.T) {
	h := newMockHandler()
	_, addr := startServer(t, Config{TargetAddress: closedAddress(t), ConnectTimeout: time.Second}, h)

	for i := 0; i < 2; i++ {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			t.Fatalf("attempt %d: listener stopped accepting: %v", i, err)
		}
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))

		if _, err := conn.Read(make([]byte, 1)); err == nil {
			t.Errorf("attempt %d: expected client connection to be closed", i)
		}
		conn.Close()

		hctx := h.waitDisconnect(t)
		if hctx.Connected {
			t.Error("expected Connected=false")
		}
		if hctx.Err == nil {
			t.Error("expected dial error in handler context")
		}
	}
}

func TestTCPServer_ConnectTimeout(t *testing.T) {
	h := newMockHandler()
	timeout := 300 * time.Millisecond
	// TEST-NET-1, never routed.
	_, addr := startServer(t, Config{TargetAddress: "192.0.2.1:80", ConnectTimeout: timeout}, h)

	start := time.Now()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	hctx := h.waitDisconnect(t)
	if elapsed := time.Since(start); elapsed > timeout+2*time.Second {
		t.Errorf("connect attempt took %s, expected about %s", elapsed, timeout)
	}
	if hctx.Err == nil {
		t.Fatal("expected connect error")
	}
}

func TestTCPServer_AuthRejected(t *testing.T) {
	accepted := make(chan struct{}, 1)
	target := startBackend(t, func(net.Conn) { accepted <- struct{}{} })

	h := newMockHandler()
	h.authErr = perrors.ErrRateLimited
	_, addr := startServer(t, Config{TargetAddress: target}, h)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("expected rejected connection to be closed")
	}

	select {
	case <-accepted:
		t.Error("rejected client must not reach the backend")
	case <-time.After(200 * time.Millisecond):
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.authCalls != 1 || h.connects != 0 {
		t.Errorf("expected 1 auth call and no connects, got %d and %d", h.authCalls, h.connects)
	}
}

func TestTCPServer_BreakerOpen(t *testing.T) {
	h := newMockHandler()
	cb := breaker.New(breaker.Config{MaxFailures: 1, ResetTimeout: time.Minute})
	_, addr := startServer(t, Config{TargetAddress: closedAddress(t), Breaker: cb}, h)

	var results []handler.Context
	for i := 0; i < 2; i++ {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			t.Fatal(err)
		}
		results = append(results, h.waitDisconnect(t))
		conn.Close()
	}
	first, second := results[0], results[1]

	unavailable := 0
	for _, hctx := range []handler.Context{first, second} {
		if errors.Is(hctx.Err, perrors.ErrBackendUnavailable) {
			unavailable++
		}
	}
	if unavailable != 1 {
		t.Errorf("expected exactly one connection rejected by the open breaker, got %d", unavailable)
	}
	if cb.State() != breaker.StateOpen {
		t.Errorf("expected breaker open, got %s", cb.State())
	}
}

func TestTCPServer_IdleTimeout(t *testing.T) {
	target := startBackend(t, func(conn net.Conn) {
		io.Copy(io.Discard, conn)
	})
	h := newMockHandler()
	_, addr := startServer(t, Config{TargetAddress: target, IdleTimeout: 200 * time.Millisecond}, h)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected idle connection to be closed")
	}

	hctx := h.waitDisconnect(t)
	if !errors.Is(hctx.Err, os.ErrDeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", hctx.Err)
	}
}

func TestTCPServer_IdleTimeoutOneWayStream(t *testing.T) {
	const (
		chunks = 10
		chunk  = "downstream-14b"
	)
	target := startBackend(t, func(conn net.Conn) {
		if _, err := io.ReadFull(conn, make([]byte, 1)); err != nil {
			return
		}
		for i := 0; i < chunks; i++ {
			if _, err := conn.Write([]byte(chunk)); err != nil {
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
	})
	h := newMockHandler()
	_, addr := startServer(t, Config{TargetAddress: target, IdleTimeout: 200 * time.Millisecond}, h)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	// The client sends one request byte and then only reads.
	if _, err := conn.Write([]byte{1}); err != nil {
		t.Fatal(err)
	}

	got, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if want := chunks * len(chunk); len(got) != want {
		t.Errorf("expected %d bytes while downstream kept flowing, got %d", want, len(got))
	}
}

func TestTCPServer_ProxyProtocol(t *testing.T) {
	for _, version := range []byte{1, 2} {
		headers := make(chan *proxyproto.Header, 1)
		target := startBackend(t, func(conn net.Conn) {
			r := bufio.NewReader(conn)
			hdr, err := proxyproto.Read(r)
			if err != nil {
				headers <- nil
				return
			}
			headers <- hdr
			io.Copy(conn, r)
		})
		_, addr := startServer(t, Config{TargetAddress: target, ProxyProtocol: version}, nil)

		conn, err := net.Dial("tcp", addr)
		if err != nil {
			t.Fatal(err)
		}
		conn.SetDeadline(time.Now().Add(5 * time.Second))

		if _, err := conn.Write([]byte("hello")); err != nil {
			t.Fatal(err)
		}
		buf := make([]byte, 5)
		if _, err := io.ReadFull(conn, buf); err != nil || string(buf) != "hello" {
			t.Fatalf("v%d: payload after header not relayed: %q %v", version, buf, err)
		}

		hdr := <-headers
		if hdr == nil {
			t.Fatalf("v%d: backend could not parse PROXY header", version)
		}
		if hdr.Version != version {
			t.Errorf("expected version %d, got %d", version, hdr.Version)
		}
		if hdr.SourceAddr.String() != conn.LocalAddr().String() {
			t.Errorf("v%d: expected source %s, got %s", version, conn.LocalAddr(), hdr.SourceAddr)
		}
		conn.Close()
	}
}

func TestTCPServer_InvalidProxyProtocol(t *testing.T) {
	server := New(Config{Address: "127.0.0.1:0", ProxyProtocol: 3, Logger: testLogger()}, nil)
	err := server.Listen(context.Background())
	if !errors.Is(err, ErrInvalidProxyProtocol) {
		t.Errorf("expected ErrInvalidProxyProtocol, got %v", err)
	}
}

func TestTCPServer_BindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	server := New(Config{Address: ln.Addr().String(), Logger: testLogger()}, nil)
	if err := server.Listen(context.Background()); err == nil {
		t.Fatal("expected bind failure for a port in use")
	}

	select {
	case <-server.Ready():
	default:
		t.Error("Ready must be closed after a bind failure")
	}
	if server.Addr() != nil {
		t.Error("Addr must stay nil after a bind failure")
	}
}

func TestTCPServer_ShutdownTimeout(t *testing.T) {
	target := startBackend(t, func(conn net.Conn) {
		io.Copy(io.Discard, conn)
	})

	server := New(Config{
		Address:         "127.0.0.1:0",
		TargetAddress:   target,
		ShutdownTimeout: 100 * time.Millisecond,
		Logger:          testLogger(),
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- server.Listen(ctx) }()
	<-server.Ready()

	conn, err := net.Dial("tcp", server.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.Write([]byte("keep busy"))
	time.Sleep(100 * time.Millisecond)

	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrShutdownTimeout) {
			t.Errorf("expected ErrShutdownTimeout, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("expected forced shutdown to close the client connection")
	}
}

func TestTCPServer_GracefulShutdown(t *testing.T) {
	server := New(Config{Address: "127.0.0.1:0", TargetAddress: closedAddress(t), Logger: testLogger()}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- server.Listen(ctx) }()
	<-server.Ready()

	cancel()
	if err := <-errCh; err != nil {
		t.Errorf("expected clean shutdown, got %v", err)
	}
}

func TestNew_Defaults(t *testing.T) {
	server := New(Config{}, nil)

	if server.config.ShutdownTimeout != 30*time.Second {
		t.Errorf("expected default shutdown timeout 30s, got %s", server.config.ShutdownTimeout)
	}
	if server.config.ConnectTimeout != 30*time.Second {
		t.Errorf("expected default connect timeout 30s, got %s", server.config.ConnectTimeout)
	}
	if server.config.BufferSize != 8192 {
		t.Errorf("expected default buffer size 8192, got %d", server.config.BufferSize)
	}
	if server.config.Logger == nil || server.handler == nil {
		t.Error("expected default logger and handler")
	}
}

func TestListenNetwork(t *testing.T) {
	tests := []struct {
		address string
		want    string
	}{
		{address: "0.0.0.0:8080", want: "tcp4"},
		{address: "127.0.0.1:0", want: "tcp4"},
		{address: ":8080", want: "tcp"},
		{address: "[::]:8080", want: "tcp"},
		{address: "localhost:8080", want: "tcp"},
		{address: "garbage", want: "tcp"},
	}

	for _, tt := range tests {
		if got := listenNetwork(tt.address); got != tt.want {
			t.Errorf("listenNetwork(%q) = %q, want %q", tt.address, got, tt.want)
		}
	}
}
