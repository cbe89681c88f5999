package proxy

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

const (
	methodConnect = "CONNECT"

	defaultHTTPPort  = 80
	defaultHTTPSPort = 443

	defaultVersion = "HTTP/1.1"
)

var (
	// ErrParse is returned for an absent or malformed request head.
	// The connection is dropped without contacting an upstream.
	ErrParse = errors.New("malformed request head")

	headTerminator = []byte("\r\n\r\n")
	crlf           = []byte("\r\n")
)

// ParseRequestHead parses the request line and headers at the start of buf.
// buf must hold the complete head through the terminating blank line; a head
// split across reads is reported as ErrParse rather than buffered.
func ParseRequestHead(buf []byte) (*RequestHead, error) {
	end := bytes.Index(buf, headTerminator)
	if end < 0 {
		return nil, fmt.Errorf("%w: no blank line terminating head", ErrParse)
	}
	lines := bytes.Split(buf[:end], crlf)

	tokens := strings.Fields(string(lines[0]))
	if len(tokens) < 2 {
		return nil, fmt.Errorf("%w: request line %q", ErrParse, lines[0])
	}
	req := &RequestHead{
		Method:  tokens[0],
		Target:  tokens[1],
		HeadLen: end + len(headTerminator),
	}
	if len(tokens) >= 3 {
		req.Version = tokens[2]
	} else if req.IsConnect() {
		req.Version = defaultVersion
	} else {
		return nil, fmt.Errorf("%w: request line %q missing version", ErrParse, lines[0])
	}

	for _, line := range lines[1:] {
		idx := bytes.IndexByte(line, ':')
		if idx < 0 {
			continue // tolerate junk lines
		}
		req.Headers = append(req.Headers, Header{
			Name:  strings.TrimSpace(string(line[:idx])),
			Value: strings.TrimSpace(string(line[idx+1:])),
		})
	}

	if req.IsConnect() {
		host, port, err := parseConnectTarget(req.Target)
		if err != nil {
			return nil, err
		}
		req.Host, req.Port = host, port
	} else if hostHeader := req.Headers.Get("Host"); hostHeader != "" {
		req.Host, req.Port = splitHostPort(hostHeader, defaultHTTPPort)
	}

	return req, nil
}

// parseConnectTarget splits a CONNECT authority, defaulting the port to 443
// when it is missing or not a valid uint16.
func parseConnectTarget(target string) (string, uint16, error) {
	host, port := splitHostPort(target, defaultHTTPSPort)
	if host == "" {
		return "", 0, fmt.Errorf("%w: CONNECT target %q has no host", ErrParse, target)
	}
	return host, port, nil
}

// splitHostPort parses "host[:port]", including bracketed IPv6 literals.
// A missing or unparseable port yields defaultPort.
func splitHostPort(hostPort string, defaultPort uint16) (string, uint16) {
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		// no port, or a bare IPv6 literal
		return strings.TrimSuffix(strings.TrimPrefix(hostPort, "["), "]"), defaultPort
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return host, defaultPort
	}
	return host, uint16(port)
}

// OriginForm returns the request-target to send upstream. Absolute URIs
// (scheme://host[:port]/path?query) become path plus query, with an empty
// path sent as "/". Any other target is returned unchanged.
func OriginForm(target string) string {
	if !strings.Contains(target, "://") {
		return target
	}
	u, err := url.Parse(target)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return target
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		return path + "?" + u.RawQuery
	}
	return path
}

// RewriteRequestLine returns raw with its request line rewritten to origin
// form. Method, version, headers and any trailing body bytes are untouched.
// When no rewrite is needed raw is returned as-is.
func RewriteRequestLine(raw []byte, req *RequestHead) []byte {
	origin := OriginForm(req.Target)
	if origin == req.Target {
		return raw
	}

	lineEnd := bytes.Index(raw, crlf)
	if lineEnd < 0 {
		return raw
	}

	var buf bytes.Buffer
	buf.Grow(len(raw))
	buf.WriteString(req.Method)
	buf.WriteByte(' ')
	buf.WriteString(origin)
	buf.WriteByte(' ')
	buf.WriteString(req.Version)
	buf.Write(raw[lineEnd:])
	return buf.Bytes()
}
