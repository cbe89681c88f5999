package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-appsec/pktreplay/pktreplay/service/ids"
)

// MaxHeadBytes bounds the bytes read from a client before dispatch.
const MaxHeadBytes = 64 * 1024

const (
	DefaultDialTimeout     = 10 * time.Second
	DefaultHeadReadTimeout = 30 * time.Second
)

// ErrHeadTooLarge is returned when no complete head arrives within MaxHeadBytes.
var ErrHeadTooLarge = errors.New("request head exceeds limit")

// Options configures a ProxyServer. Zero values select defaults.
type Options struct {
	ListenHost      string // default all interfaces
	Port            int    // 0 picks a free port
	DialTimeout     time.Duration
	HeadReadTimeout time.Duration
	ErrorMode       ErrorMode
	Dialer          Dialer // default *net.Dialer
}

// ProxyServer accepts proxy connections, captures each parsed request and
// either tunnels it (CONNECT) or forwards it (plain HTTP).
type ProxyServer struct {
	listener net.Listener
	addr     string

	capture     Capturer // optional
	headTimeout time.Duration
	now         func() time.Time

	// Handlers for different request kinds
	connectHandler *connectHandler
	http1Handler   *http1Handler

	statusMu     sync.Mutex
	statusSubs   []func(running bool)
	transitionMu sync.Mutex // serializes running transitions and their callbacks

	// Shutdown coordination
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	closed      atomic.Bool
	running     atomic.Bool
	activeConns sync.Map // tracks active connections for force-close on shutdown
}

// NewProxyServer binds the listener and prepares handlers. Records of every
// parsed request are passed to capture, which may be nil.
func NewProxyServer(opts Options, capture Capturer) (*ProxyServer, error) {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.HeadReadTimeout <= 0 {
		opts.HeadReadTimeout = DefaultHeadReadTimeout
	}
	switch opts.ErrorMode {
	case "":
		opts.ErrorMode = ErrorModeClose
	case ErrorModeClose, ErrorMode502:
	default:
		return nil, fmt.Errorf("invalid error mode %q", opts.ErrorMode)
	}
	if opts.Dialer == nil {
		opts.Dialer = &net.Dialer{}
	}

	addr := net.JoinHostPort(opts.ListenHost, strconv.Itoa(opts.Port))
	lc := net.ListenConfig{Control: reuseAddrControl}
	listener, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &ProxyServer{
		listener:    listener,
		addr:        listener.Addr().String(),
		capture:     capture,
		headTimeout: opts.HeadReadTimeout,
		now:         time.Now,
		connectHandler: &connectHandler{
			dialer:      opts.Dialer,
			dialTimeout: opts.DialTimeout,
		},
		http1Handler: &http1Handler{
			dialer:      opts.Dialer,
			dialTimeout: opts.DialTimeout,
			errorMode:   opts.ErrorMode,
		},
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Addr returns the proxy listener address (e.g., "0.0.0.0:8888").
func (s *ProxyServer) Addr() string {
	return s.addr
}

// Running reports whether the accept loop is active.
func (s *ProxyServer) Running() bool {
	return s.running.Load()
}

// OnStatusChanged registers fn to be called when the accept loop starts or stops.
// Call before Serve().
func (s *ProxyServer) OnStatusChanged(fn func(running bool)) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.statusSubs = append(s.statusSubs, fn)
}

func (s *ProxyServer) setRunning(running bool) {
	s.transitionMu.Lock()
	defer s.transitionMu.Unlock()

	if s.running.Swap(running) == running {
		return
	}
	s.statusMu.Lock()
	subs := append([]func(bool){}, s.statusSubs...)
	s.statusMu.Unlock()

	for _, fn := range subs {
		fn(running)
	}
}

// WaitReady blocks until Serve() has entered its accept loop.
func (s *ProxyServer) WaitReady(ctx context.Context) error {
	for !s.running.Load() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			runtime.Gosched()
		}
	}
	return nil
}

// Serve starts accepting connections. Blocks until shutdown.
func (s *ProxyServer) Serve() error {
	if s.closed.Load() {
		return net.ErrClosed
	}
	s.setRunning(true)
	defer s.setRunning(false)

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			select {
			case <-s.ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			log.Printf("proxy: accept error: %v", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

// handleConnection reads and parses the request head, captures it, then routes
// to the tunnel or forward handler.
func (s *ProxyServer) handleConnection(conn net.Conn) {
	s.activeConns.Store(conn, struct{}{})
	defer func() {
		s.activeConns.Delete(conn)
		_ = conn.Close()
	}()

	connID := ids.Generate(0)

	raw, err := readHead(conn, s.headTimeout)
	if len(raw) == 0 {
		return // closed before sending anything
	} else if err != nil && !errors.Is(err, io.EOF) {
		log.Printf("proxy: [%s] read from %s: %v", connID, conn.RemoteAddr(), err)
	}

	req, err := ParseRequestHead(raw)
	if err != nil {
		log.Printf("proxy: [%s] dropping connection from %s: %v", connID, conn.RemoteAddr(), err)
		return
	}
	if req.Method == "PRI" && req.Version == "HTTP/2.0" {
		log.Printf("proxy: [%s] H2C not supported, closing connection from %s", connID, conn.RemoteAddr())
		return
	}

	if s.capture != nil {
		s.capture.Capture(RecordFromRequest(raw, req, conn.RemoteAddr(), s.now()))
	}

	if req.IsConnect() {
		s.connectHandler.Handle(s.ctx, conn, req, raw[req.HeadLen:], connID)
		return
	}
	s.http1Handler.Handle(s.ctx, conn, req, raw, connID)
}

// readHead reads until the head terminator is seen, the peer stops sending,
// MaxHeadBytes is reached, or timeout elapses. Bytes read past the head are
// returned with it.
func readHead(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		defer func() { _ = conn.SetReadDeadline(time.Time{}) }()
	}

	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for len(buf) < MaxHeadBytes {
		n, err := conn.Read(chunk[:min(len(chunk), MaxHeadBytes-len(buf))])
		buf = append(buf, chunk[:n]...)
		if bytes.Contains(buf, headTerminator) {
			return buf, nil
		} else if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return buf, fmt.Errorf("head read timeout: %w", err)
			}
			return buf, err
		}
	}
	return buf, ErrHeadTooLarge
}

// Shutdown gracefully stops the server.
func (s *ProxyServer) Shutdown(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil // already closed
	}

	// Stop accepting new connections
	_ = s.listener.Close()

	// Signal handlers to finish
	s.cancel()

	// Wait for in-flight connections with timeout
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Timeout - force-close all active connections
		s.activeConns.Range(func(key, _ any) bool {
			if conn, ok := key.(net.Conn); ok {
				_ = conn.Close()
			}
			return true
		})
		<-done
	}

	s.setRunning(false)
	return nil
}
