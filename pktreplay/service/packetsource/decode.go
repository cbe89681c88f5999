package packetsource

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/uuid"

	"github.com/go-appsec/pktreplay/pktreplay/service/capture"
)

const minIPv4Header = 20

// ErrNotIPv4 is returned for packets that are not well-formed IPv4.
var ErrNotIPv4 = errors.New("not an IPv4 packet")

// ProtocolName labels an IP protocol number the way the tunnel extension
// writes it into the shared file.
func ProtocolName(p layers.IPProtocol) string {
	switch p {
	case layers.IPProtocolTCP:
		return "TCP"
	case layers.IPProtocolUDP:
		return "UDP"
	case layers.IPProtocolICMPv4:
		return "ICMP"
	default:
		return "OTHER"
	}
}

// DecodeIPv4 turns a raw IPv4 packet into a capture record. Ports are only
// set for TCP and UDP; every other protocol is tagged unknown. The whole
// packet becomes the payload.
func DecodeIPv4(raw []byte, now time.Time) (capture.CapturedRecord, error) {
	if len(raw) < minIPv4Header || raw[0]>>4 != 4 {
		return capture.CapturedRecord{}, ErrNotIPv4
	}

	pkt := gopacket.NewPacket(raw, layers.LayerTypeIPv4, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	ip, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok {
		if errLayer := pkt.ErrorLayer(); errLayer != nil {
			return capture.CapturedRecord{}, fmt.Errorf("%w: %w", ErrNotIPv4, errLayer.Error())
		}
		return capture.CapturedRecord{}, ErrNotIPv4
	}

	rec := capture.CapturedRecord{
		ID:            uuid.New(),
		Timestamp:     now,
		SourceIP:      ip.SrcIP.String(),
		DestinationIP: ip.DstIP.String(),
		Protocol:      capture.ProtocolUnknown,
		Payload:       slices.Clone(raw),
		ProcessName:   ProtocolName(ip.Protocol),
	}

	switch ip.Protocol {
	case layers.IPProtocolTCP:
		rec.Protocol = capture.ProtocolTCP
		if tcp, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP); ok {
			rec.SourcePort, rec.DestinationPort = uint16(tcp.SrcPort), uint16(tcp.DstPort)
		} else {
			rec.SourcePort, rec.DestinationPort = rawPorts(ip.Payload)
		}
	case layers.IPProtocolUDP:
		rec.Protocol = capture.ProtocolUDP
		if udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP); ok {
			rec.SourcePort, rec.DestinationPort = uint16(udp.SrcPort), uint16(udp.DstPort)
		} else {
			rec.SourcePort, rec.DestinationPort = rawPorts(ip.Payload)
		}
	}
	return rec, nil
}

// rawPorts reads the leading port pair of a transport header too short for
// a full decode.
func rawPorts(transport []byte) (uint16, uint16) {
	if len(transport) < 4 {
		return 0, 0
	}
	return binary.BigEndian.Uint16(transport[0:2]), binary.BigEndian.Uint16(transport[2:4])
}
