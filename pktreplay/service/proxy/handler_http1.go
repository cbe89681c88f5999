package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"
)

// ErrorMode selects what a plain HTTP client sees when the upstream cannot be reached.
type ErrorMode string

const (
	// ErrorModeClose closes the client connection without writing a response.
	ErrorModeClose ErrorMode = "close"
	// ErrorMode502 writes a bare 502 status line before closing.
	ErrorMode502 ErrorMode = "502"
)

// ErrNoHost is returned for a plain HTTP request without a Host header.
var ErrNoHost = errors.New("request has no Host header")

// http1Handler forwards plain HTTP requests over one upstream connection per request.
type http1Handler struct {
	dialer      Dialer
	dialTimeout time.Duration
	errorMode   ErrorMode
}

// Handle forwards raw (the request head with its request line rewritten to
// origin form, plus any body bytes already read) and streams the upstream
// response back until the upstream finishes. The caller owns clientConn.
func (h *http1Handler) Handle(ctx context.Context, clientConn net.Conn, req *RequestHead, raw []byte, connID string) {
	if req.Host == "" {
		log.Printf("proxy: [%s] %s %s: %v", connID, req.Method, req.Target, ErrNoHost)
		return
	}
	target := req.HostPort()

	upstream, err := h.send(ctx, target, RewriteRequestLine(raw, req))
	if err != nil {
		log.Printf("proxy: [%s] %s %s failed: %v", connID, req.Method, target, err)
		if h.errorMode == ErrorMode502 {
			_, _ = io.WriteString(clientConn, responseBadGateway)
		}
		return
	}
	defer func() { _ = upstream.Close() }()

	// unblock both copies on shutdown
	stop := context.AfterFunc(ctx, func() {
		_ = clientConn.Close()
		_ = upstream.Close()
	})
	defer stop()

	// remaining request body flows upstream while the response streams back
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(upstream, clientConn)
	}()

	n, err := io.Copy(clientConn, upstream)
	if err != nil && !isClosedConnError(err) {
		log.Printf("proxy: [%s] response from %s interrupted: %v", connID, target, err)
	}
	log.Printf("proxy: [%s] %s %s -> %d bytes", connID, req.Method, target, n)

	_ = clientConn.Close()
	_ = upstream.Close()
	wg.Wait()
}

// send dials target and writes the request bytes.
func (h *http1Handler) send(ctx context.Context, target string, payload []byte) (net.Conn, error) {
	dialCtx := ctx
	if h.dialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, h.dialTimeout)
		defer cancel()
	}

	upstream, err := h.dialer.DialContext(dialCtx, "tcp", target)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstreamConnect, err)
	} else if _, err := upstream.Write(payload); err != nil {
		_ = upstream.Close()
		return nil, fmt.Errorf("%w: send request: %w", ErrUpstreamConnect, err)
	}
	return upstream, nil
}
