package proxy

import (
	"context"
	"net"
	"strconv"
	"strings"

	"github.com/go-analyze/bulk"

	"github.com/go-appsec/pktreplay/pktreplay/service/capture"
)

// Header is a single request header as it appeared on the wire.
type Header struct {
	// Name preserves original casing
	Name string `json:"name"`
	// Value is trimmed of surrounding whitespace
	Value string `json:"value"`
}

// Headers is an ordered header list with case-insensitive helpers.
type Headers []Header

// Get returns the last header value with the given name (case-insensitive),
// matching the last-write-wins rule of captured header maps.
// Returns empty string if not found.
func (h Headers) Get(name string) string {
	var value string
	for _, hdr := range h {
		if strings.EqualFold(hdr.Name, name) {
			value = hdr.Value
		}
	}
	return value
}

// Has reports whether a header with the given name exists (case-insensitive).
func (h Headers) Has(name string) bool {
	for _, hdr := range h {
		if strings.EqualFold(hdr.Name, name) {
			return true
		}
	}
	return false
}

// Remove removes all headers with the given name (case-insensitive).
func (h *Headers) Remove(name string) {
	*h = bulk.SliceFilterInPlace(func(hdr Header) bool {
		return !strings.EqualFold(hdr.Name, name)
	}, *h)
}

// Map collapses the list into a map keyed by the original header name.
// Later duplicates overwrite earlier ones.
func (h Headers) Map() map[string]string {
	if len(h) == 0 {
		return nil
	}
	m := make(map[string]string, len(h))
	for _, hdr := range h {
		m[hdr.Name] = hdr.Value
	}
	return m
}

// RequestHead is the parsed request line and headers of a proxied request.
type RequestHead struct {
	Method  string  `json:"method"`
	Target  string  `json:"target"` // request-target exactly as sent
	Version string  `json:"version"`
	Headers Headers `json:"headers"`

	// Host and Port are the resolved upstream destination.
	// Host is empty when a non-CONNECT request carried no Host header.
	Host string `json:"host"`
	Port uint16 `json:"port"`

	// HeadLen is the byte length of the head including the terminating blank line.
	HeadLen int `json:"head_len"`
}

// IsConnect reports whether this is a CONNECT tunnel request.
func (r *RequestHead) IsConnect() bool {
	return r.Method == methodConnect
}

// HostPort returns the upstream address in host:port form.
func (r *RequestHead) HostPort() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(int(r.Port)))
}

// Dialer opens upstream connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Capturer receives a record for every successfully parsed request.
// *capture.Store satisfies it.
type Capturer interface {
	Capture(rec capture.CapturedRecord)
}
