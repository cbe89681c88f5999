package capture

import (
	"maps"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Protocol tags the transport a record was captured from and selects the replay path.
type Protocol string

const (
	ProtocolTCP     Protocol = "tcp"
	ProtocolUDP     Protocol = "udp"
	ProtocolHTTP    Protocol = "http"
	ProtocolHTTPS   Protocol = "https"
	ProtocolUnknown Protocol = "unknown"
)

// ParseProtocol maps a tag to a Protocol, case-insensitively.
// Anything unrecognized becomes ProtocolUnknown.
func ParseProtocol(s string) Protocol {
	switch p := Protocol(strings.ToLower(strings.TrimSpace(s))); p {
	case ProtocolTCP, ProtocolUDP, ProtocolHTTP, ProtocolHTTPS:
		return p
	default:
		return ProtocolUnknown
	}
}

// CapturedRecord is one unit of captured traffic.
// Records are never mutated after creation; use Clone before handing one to
// code that may outlive the caller's copy.
type CapturedRecord struct {
	ID              uuid.UUID         `json:"id" msgpack:"id"`
	Timestamp       time.Time         `json:"timestamp" msgpack:"ts"`
	SourceIP        string            `json:"source_ip" msgpack:"sip"`
	SourcePort      uint16            `json:"source_port" msgpack:"sp"`
	DestinationIP   string            `json:"destination_ip" msgpack:"dip"`
	DestinationPort uint16            `json:"destination_port" msgpack:"dp"`
	Protocol        Protocol          `json:"protocol" msgpack:"p"`
	Payload         []byte            `json:"payload,omitempty" msgpack:"d,omitempty"`
	ProcessName     string            `json:"process_name" msgpack:"pn"`
	RequestURL      string            `json:"request_url,omitempty" msgpack:"u,omitempty"`
	Headers         map[string]string `json:"headers,omitempty" msgpack:"h,omitempty"`
}

// Clone returns a deep copy so payload and headers are not shared.
func (r CapturedRecord) Clone() CapturedRecord {
	r.Payload = slices.Clone(r.Payload)
	if r.Headers != nil {
		r.Headers = maps.Clone(r.Headers)
	}
	return r
}

// Destination returns the host:port the record was sent to.
func (r CapturedRecord) Destination() string {
	return net.JoinHostPort(r.DestinationIP, strconv.Itoa(int(r.DestinationPort)))
}

// DisplayName is a short human label: "<process> - <host>:<port>".
func (r CapturedRecord) DisplayName() string {
	return r.ProcessName + " - " + r.Destination()
}
