package packetsource

import (
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-appsec/pktreplay/pktreplay/service/capture"
)

var (
	srcIP = net.IPv4(10, 0, 0, 2)
	dstIP = net.IPv4(93, 184, 216, 34)
)

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ls...))
	return buf.Bytes()
}

func ipv4(proto layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: proto,
		SrcIP:    srcIP,
		DstIP:    dstIP,
	}
}

func TestDecodeIPv4(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	t.Run("tcp", func(t *testing.T) {
		ip := ipv4(layers.IPProtocolTCP)
		tcp := &layers.TCP{SrcPort: 51000, DstPort: 443, Seq: 1, ACK: true, PSH: true, Window: 1024}
		require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
		raw := serialize(t, ip, tcp, gopacket.Payload("hello"))

		rec, err := DecodeIPv4(raw, now)
		require.NoError(t, err)
		assert.Equal(t, capture.ProtocolTCP, rec.Protocol)
		assert.Equal(t, "10.0.0.2", rec.SourceIP)
		assert.Equal(t, "93.184.216.34", rec.DestinationIP)
		assert.Equal(t, uint16(51000), rec.SourcePort)
		assert.Equal(t, uint16(443), rec.DestinationPort)
		assert.Equal(t, "TCP", rec.ProcessName)
		assert.Equal(t, raw, rec.Payload)
		assert.Equal(t, now, rec.Timestamp)
	})

	t.Run("udp", func(t *testing.T) {
		ip := ipv4(layers.IPProtocolUDP)
		udp := &layers.UDP{SrcPort: 5353, DstPort: 53}
		require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
		raw := serialize(t, ip, udp, gopacket.Payload("q"))

		rec, err := DecodeIPv4(raw, now)
		require.NoError(t, err)
		assert.Equal(t, capture.ProtocolUDP, rec.Protocol)
		assert.Equal(t, uint16(5353), rec.SourcePort)
		assert.Equal(t, uint16(53), rec.DestinationPort)
		assert.Equal(t, "UDP", rec.ProcessName)
	})

	t.Run("icmp_unknown_without_ports", func(t *testing.T) {
		ip := ipv4(layers.IPProtocolICMPv4)
		icmp := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0), Id: 1, Seq: 1}
		raw := serialize(t, ip, icmp)

		rec, err := DecodeIPv4(raw, now)
		require.NoError(t, err)
		assert.Equal(t, capture.ProtocolUnknown, rec.Protocol)
		assert.Equal(t, "ICMP", rec.ProcessName)
		assert.Zero(t, rec.SourcePort)
		assert.Zero(t, rec.DestinationPort)
	})

	t.Run("truncated_tcp_header_reads_ports", func(t *testing.T) {
		ip := ipv4(layers.IPProtocolTCP)
		raw := serialize(t, ip, gopacket.Payload([]byte{0x1f, 0x90, 0x00, 0x50}))

		rec, err := DecodeIPv4(raw, now)
		require.NoError(t, err)
		assert.Equal(t, capture.ProtocolTCP, rec.Protocol)
		assert.Equal(t, uint16(8080), rec.SourcePort)
		assert.Equal(t, uint16(80), rec.DestinationPort)
	})

	t.Run("rejects", func(t *testing.T) {
		ipv6 := serialize(t, &layers.IPv6{Version: 6, HopLimit: 64, NextHeader: layers.IPProtocolUDP,
			SrcIP: net.ParseIP("::1"), DstIP: net.ParseIP("::2")})

		for name, raw := range map[string][]byte{
			"empty":   nil,
			"short":   make([]byte, 19),
			"ipv6":    ipv6,
			"bad_ihl": append([]byte{0x42}, make([]byte, 19)...),
		} {
			_, err := DecodeIPv4(raw, now)
			assert.ErrorIs(t, err, ErrNotIPv4, name)
		}
	})
}
