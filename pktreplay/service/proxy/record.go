package proxy

import (
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/go-appsec/pktreplay/pktreplay/service/capture"
)

// RecordFromRequest builds the capture record for a parsed request.
// raw is every byte read from the client before dispatch (head plus any
// early body bytes) and becomes the record payload.
func RecordFromRequest(raw []byte, req *RequestHead, client net.Addr, now time.Time) capture.CapturedRecord {
	rec := capture.CapturedRecord{
		ID:              uuid.New(),
		Timestamp:       now,
		DestinationIP:   req.Host,
		DestinationPort: req.Port,
		Protocol:        capture.ProtocolHTTP,
		Payload:         slices.Clone(raw),
		ProcessName:     req.Method,
		Headers:         req.Headers.Map(),
	}
	rec.SourceIP, rec.SourcePort = addrParts(client)

	switch {
	case req.IsConnect():
		rec.Protocol = capture.ProtocolHTTPS
		rec.RequestURL = "https://" + authority(req.Host, req.Port, defaultHTTPSPort)
	case strings.Contains(req.Target, "://"):
		if strings.HasPrefix(strings.ToLower(req.Target), "https://") {
			rec.Protocol = capture.ProtocolHTTPS
		}
		rec.RequestURL = req.Target
	default:
		rec.RequestURL = "http://" + authority(req.Host, req.Port, defaultHTTPPort) + req.Target
	}
	return rec
}

// authority renders host[:port], omitting the scheme's default port.
func authority(host string, port, defaultPort uint16) string {
	if port == defaultPort || port == 0 {
		if strings.Contains(host, ":") {
			return "[" + host + "]"
		}
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(int(port)))
}

func addrParts(addr net.Addr) (string, uint16) {
	if addr == nil {
		return "", 0
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String(), uint16(tcp.Port)
	}
	host, port := splitHostPort(addr.String(), 0)
	return host, port
}
