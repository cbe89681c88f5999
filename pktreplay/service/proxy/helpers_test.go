package proxy

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/nettest"

	"github.com/go-appsec/pktreplay/pktreplay/service/capture"
)

const ioTimeout = 5 * time.Second

type dialerFunc func(ctx context.Context, network, address string) (net.Conn, error)

func (f dialerFunc) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return f(ctx, network, address)
}

// countingDialer dials for real and counts attempts.
type countingDialer struct {
	calls atomic.Int32
	d     net.Dialer
}

func (c *countingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	c.calls.Add(1)
	return c.d.DialContext(ctx, network, address)
}

var errDialRefused = errors.New("dial refused")

func failingDialer() Dialer {
	return dialerFunc(func(context.Context, string, string) (net.Conn, error) {
		return nil, errDialRefused
	})
}

type recordSink struct {
	mu   sync.Mutex
	recs []capture.CapturedRecord
}

func (r *recordSink) Capture(rec capture.CapturedRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
}

func (r *recordSink) Records() []capture.CapturedRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]capture.CapturedRecord(nil), r.recs...)
}

// startProxy runs a proxy on loopback. configure runs before Serve.
func startProxy(t *testing.T, opts Options, sink Capturer, configure ...func(*ProxyServer)) *ProxyServer {
	t.Helper()

	opts.ListenHost = "127.0.0.1"
	srv, err := NewProxyServer(opts, sink)
	require.NoError(t, err)
	for _, fn := range configure {
		fn(srv)
	}

	go func() { _ = srv.Serve() }()
	require.NoError(t, srv.WaitReady(t.Context()))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv
}

// startUpstream serves each accepted connection with handle, closing it afterwards.
func startUpstream(t *testing.T, handle func(net.Conn)) string {
	t.Helper()

	ln, err := nettest.NewLocalListener("tcp")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer func() { _ = conn.Close() }()
				_ = conn.SetDeadline(time.Now().Add(ioTimeout))
				handle(conn)
			}()
		}
	}()
	return ln.Addr().String()
}

// echoAfterEOF reads until the client half-closes, then replies with
// "echo:" and everything it received.
func echoAfterEOF(conn net.Conn) {
	data, err := io.ReadAll(conn)
	if err != nil {
		return
	}
	_, _ = conn.Write(append([]byte("echo:"), data...))
}

// streamEcho copies input straight back until EOF.
func streamEcho(conn net.Conn) {
	_, _ = io.Copy(conn, conn)
}

// recordingUpstream captures the request head it receives and answers with
// a fixed response.
type recordingUpstream struct {
	mu   sync.Mutex
	head string
	body []byte
}

func (u *recordingUpstream) handle(conn net.Conn) {
	br := bufio.NewReader(conn)
	var head strings.Builder
	contentLength := 0
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return
		}
		head.WriteString(line)
		if lower := strings.ToLower(line); strings.HasPrefix(lower, "content-length:") {
			contentLength, _ = strconv.Atoi(strings.TrimSpace(line[len("content-length:"):]))
		}
		if line == "\r\n" {
			break
		}
	}
	body := make([]byte, contentLength)
	if _, err := io.ReadFull(br, body); err != nil {
		return
	}

	u.mu.Lock()
	u.head, u.body = head.String(), body
	u.mu.Unlock()

	_, _ = io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\nConnection: close\r\n\r\nok")
}

func (u *recordingUpstream) received() (string, []byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.head, u.body
}

func dialProxy(t *testing.T, srv *ProxyServer) *net.TCPConn {
	t.Helper()

	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(ioTimeout)))
	return conn.(*net.TCPConn)
}

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (client, server net.Conn) {
	t.Helper()

	ln, err := nettest.NewLocalListener("tcp")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		accepted <- c
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server = <-accepted
	require.NotNil(t, server)

	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server
}
