package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

const (
	responseConnectEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"
	responseBadGateway         = "HTTP/1.1 502 Bad Gateway\r\n\r\n"
)

// ErrUpstreamConnect is returned when the upstream cannot be dialed or the
// initial bytes cannot be delivered.
var ErrUpstreamConnect = errors.New("upstream connect failed")

// TunnelState is the lifecycle phase of a CONNECT tunnel.
type TunnelState int32

const (
	TunnelConnecting TunnelState = iota
	TunnelEstablished
	TunnelForwarding
	TunnelClosed
)

func (s TunnelState) String() string {
	switch s {
	case TunnelConnecting:
		return "connecting"
	case TunnelEstablished:
		return "established"
	case TunnelForwarding:
		return "forwarding"
	case TunnelClosed:
		return "closed"
	default:
		return fmt.Sprintf("TunnelState(%d)", int32(s))
	}
}

// direction identifies one pump of a tunnel.
type direction int

const (
	toUpstream direction = iota
	toClient
)

func (d direction) String() string {
	if d == toUpstream {
		return "client->upstream"
	}
	return "upstream->client"
}

// halfClose records which directions have finished. Full teardown is only
// allowed once both are done.
type halfClose struct {
	mu           sync.Mutex
	clientDone   bool // client->upstream finished
	upstreamDone bool // upstream->client finished
}

// markDone flags d as finished and reports whether both directions are now done.
func (h *halfClose) markDone(d direction) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if d == toUpstream {
		h.clientDone = true
	} else {
		h.upstreamDone = true
	}
	return h.clientDone && h.upstreamDone
}

// tunnel is a single CONNECT session.
type tunnel struct {
	connID string
	target string
	state  atomic.Int32

	bytesUp   atomic.Int64
	bytesDown atomic.Int64
}

func (t *tunnel) State() TunnelState {
	return TunnelState(t.state.Load())
}

func (t *tunnel) setState(s TunnelState) {
	t.state.Store(int32(s))
}

// connectHandler establishes CONNECT tunnels. Tunnel contents are opaque;
// no TLS interception is performed.
type connectHandler struct {
	dialer      Dialer
	dialTimeout time.Duration

	// onState is invoked on every tunnel state transition, tests only
	onState func(*tunnel, TunnelState)
}

// Handle runs a tunnel for req until both directions finish or ctx is cancelled.
// buffered holds client bytes read past the CONNECT head; they are forwarded
// before anything else. The caller owns clientConn and closes it afterwards.
func (h *connectHandler) Handle(ctx context.Context, clientConn net.Conn, req *RequestHead, buffered []byte, connID string) {
	t := &tunnel{connID: connID, target: req.HostPort()}
	h.transition(t, TunnelConnecting)

	upstream, err := h.connect(ctx, clientConn, t.target)
	if err != nil {
		log.Printf("proxy: [%s] CONNECT %s failed: %v", connID, t.target, err)
		_, _ = io.WriteString(clientConn, responseBadGateway)
		h.transition(t, TunnelClosed)
		return
	}
	h.transition(t, TunnelEstablished)

	h.forward(ctx, t, clientConn, upstream, buffered)
	h.transition(t, TunnelClosed)
	log.Printf("proxy: [%s] tunnel %s closed (up=%d down=%d)",
		connID, t.target, t.bytesUp.Load(), t.bytesDown.Load())
}

// connect dials the upstream and acknowledges the tunnel to the client.
func (h *connectHandler) connect(ctx context.Context, clientConn net.Conn, target string) (net.Conn, error) {
	dialCtx := ctx
	if h.dialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, h.dialTimeout)
		defer cancel()
	}

	upstream, err := h.dialer.DialContext(dialCtx, "tcp", target)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstreamConnect, err)
	}
	if _, err := io.WriteString(clientConn, responseConnectEstablished); err != nil {
		_ = upstream.Close()
		return nil, fmt.Errorf("%w: send 200: %w", ErrUpstreamConnect, err)
	}
	return upstream, nil
}

// forward pumps bytes in both directions. Each pump half-closes its
// destination when its source ends; both sockets are closed only after both
// pumps finish, or immediately when ctx is cancelled.
func (h *connectHandler) forward(ctx context.Context, t *tunnel, clientConn, upstream net.Conn, buffered []byte) {
	h.transition(t, TunnelForwarding)

	var flags halfClose
	var wg sync.WaitGroup
	teardown := sync.OnceFunc(func() {
		_ = clientConn.Close()
		_ = upstream.Close()
	})
	stop := context.AfterFunc(ctx, teardown)
	defer stop()

	pump := func(d direction, dst, src net.Conn, prefix []byte, counter *atomic.Int64) {
		defer wg.Done()

		n, err := copyWithPrefix(dst, src, prefix)
		counter.Add(n)
		if err != nil && !isClosedConnError(err) {
			log.Printf("proxy: [%s] %s error: %v", t.connID, d, err)
		}

		closeWrite(dst)
		if flags.markDone(d) {
			teardown()
		}
	}

	wg.Add(2)
	go pump(toUpstream, upstream, clientConn, buffered, &t.bytesUp)
	go pump(toClient, clientConn, upstream, nil, &t.bytesDown)
	wg.Wait()
	teardown()
}

func (h *connectHandler) transition(t *tunnel, s TunnelState) {
	t.setState(s)
	if h.onState != nil {
		h.onState(t, s)
	}
}

// copyWithPrefix writes prefix to dst, then copies src until EOF. A failed
// prefix write ends the copy without reading src.
func copyWithPrefix(dst io.Writer, src io.Reader, prefix []byte) (int64, error) {
	var written int64
	if len(prefix) > 0 {
		n, err := dst.Write(prefix)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
	n, err := io.Copy(dst, src)
	return written + n, err
}

// closeWrite half-closes conn so the peer observes EOF while reads continue.
func closeWrite(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
}

func isClosedConnError(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF)
}
