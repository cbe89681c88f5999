package replay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-appsec/pktreplay/pktreplay/service/capture"
)

// DefaultTimeout bounds a single replay attempt when none is configured.
const DefaultTimeout = 30 * time.Second

// maxDrainBytes limits how much of a replayed HTTP response is read before closing.
const maxDrainBytes = 1 << 20

var (
	ErrUnsupportedProtocol = errors.New("unsupported protocol")
	ErrInvalidURL          = errors.New("invalid request URL")
)

// headers the transport computes itself; a captured value would conflict
var skipHeaders = map[string]bool{
	"content-length":    true,
	"transfer-encoding": true,
	"connection":        true,
	"proxy-connection":  true,
	"keep-alive":        true,
}

// Dialer opens raw TCP and UDP connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Outcome is the result of exactly one replay attempt.
type Outcome struct {
	Success      bool
	Message      string
	StatusCode   int // http/https only
	BytesWritten int // tcp/udp only
	Err          error
}

func failure(err error) Outcome {
	return Outcome{Message: err.Error(), Err: err}
}

// Engine re-sends captured records. Every call is a single attempt with no retry.
type Engine struct {
	dialer  Dialer
	client  *http.Client
	timeout time.Duration
}

// NewEngine builds an engine. A nil dialer or client selects the standard
// implementation; timeout <= 0 selects DefaultTimeout.
func NewEngine(dialer Dialer, client *http.Client, timeout time.Duration) *Engine {
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Engine{dialer: dialer, client: client, timeout: timeout}
}

// Replay dispatches on rec.Protocol and reports the outcome.
func (e *Engine) Replay(ctx context.Context, rec capture.CapturedRecord) Outcome {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var out Outcome
	switch rec.Protocol {
	case capture.ProtocolHTTP, capture.ProtocolHTTPS:
		out = e.replayHTTP(ctx, rec)
	case capture.ProtocolTCP:
		out = e.replayStream(ctx, "tcp", rec)
	case capture.ProtocolUDP:
		out = e.replayStream(ctx, "udp", rec)
	default:
		out = failure(fmt.Errorf("%w: %q", ErrUnsupportedProtocol, rec.Protocol))
	}

	if out.Success {
		log.Printf("replay: %s %s: %s", rec.Protocol, rec.DisplayName(), out.Message)
	} else {
		log.Printf("replay: %s %s failed: %s", rec.Protocol, rec.DisplayName(), out.Message)
	}
	return out
}

// replayHTTP always sends the captured payload as a POST body, whatever the
// original method was.
func (e *Engine) replayHTTP(ctx context.Context, rec capture.CapturedRecord) Outcome {
	u, err := url.Parse(rec.RequestURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return failure(fmt.Errorf("%w: %q", ErrInvalidURL, rec.RequestURL))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(rec.Payload))
	if err != nil {
		return failure(fmt.Errorf("%w: %w", ErrInvalidURL, err))
	}
	for name, value := range rec.Headers {
		if strings.EqualFold(name, "Host") {
			req.Host = value
		} else if !skipHeaders[strings.ToLower(name)] {
			req.Header.Set(name, value)
		}
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return failure(fmt.Errorf("send request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))

	return Outcome{
		Success:    true,
		Message:    fmt.Sprintf("status code: %d", resp.StatusCode),
		StatusCode: resp.StatusCode,
	}
}

// replayStream writes the payload once over a fresh connection, then closes it.
func (e *Engine) replayStream(ctx context.Context, network string, rec capture.CapturedRecord) Outcome {
	conn, err := e.dialer.DialContext(ctx, network, rec.Destination())
	if err != nil {
		return failure(fmt.Errorf("connect %s %s: %w", network, rec.Destination(), err))
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	n, err := conn.Write(rec.Payload)
	if err != nil {
		return Outcome{
			Message:      fmt.Sprintf("write %s %s: %v", network, rec.Destination(), err),
			BytesWritten: n,
			Err:          err,
		}
	}
	return Outcome{
		Success:      true,
		Message:      fmt.Sprintf("sent %d bytes", n),
		BytesWritten: n,
	}
}
