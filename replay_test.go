/*
Copyright 2023 Alexander Bartolomey (github@alexanderbartolomey.de)

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package flowpeer

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/require"
	"github.com/zoomoid/go-flowpeer/iana/version"
)

func udpFrame(t *testing.T, src, dst net.IP, port uint16, payload []byte) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	udp := &layers.UDP{
		SrcPort: 50000,
		DstPort: layers.UDPPort(port),
	}

	var network gopacket.SerializableLayer
	if src.To4() != nil {
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    src.To4(),
			DstIP:    dst.To4(),
		}
		require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
		network = ip
	} else {
		eth.EthernetType = layers.EthernetTypeIPv6
		ip := &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: layers.IPProtocolUDP,
			SrcIP:      src,
			DstIP:      dst,
		}
		require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
		network = ip
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, network, udp, gopacket.Payload(payload)))
	return buf.Bytes()
}

func TestReplay(t *testing.T) {
	ctx := context.Background()

	v5 := encodeMessage(t, Header{Version: version.NetflowV5, Count: 3}, make([]byte, 3*netflowV5RecordLength))
	v9 := encodeMessage(t, Header{Version: version.NetflowV9, SourceId: 3},
		encodeSet(t, NetflowV9TemplateSetId, encodeTemplate(t, version.NetflowV9, v9Template)),
		encodeSet(t, 256, make([]byte, 24)),
	)

	collector := net.ParseIP("192.0.2.100")
	frames := [][]byte{
		udpFrame(t, net.ParseIP(peerA.String()), collector, 2055, v5),
		udpFrame(t, net.ParseIP(peerB.String()), collector, 9999, v5),
		udpFrame(t, net.ParseIP(peerB.String()), collector, 2055, []byte{0, 10, 0, 1}),
		udpFrame(t, net.ParseIP(peerC.String()), net.ParseIP("2001:db8::100"), 2055, v9),
	}

	capture := &bytes.Buffer{}
	w := pcapgo.NewWriter(capture)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))
	ts := time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC)
	for i, f := range frames {
		ci := gopacket.CaptureInfo{
			Timestamp:     ts.Add(time.Duration(i) * time.Second),
			CaptureLength: len(f),
			Length:        len(f),
		}
		require.NoError(t, w.WritePacket(ci, f))
	}

	c, err := NewCache(DefaultConfig)
	require.NoError(t, err)
	stats, err := Replay(ctx, bytes.NewReader(capture.Bytes()), NewDecoder(c), 2055)
	require.NoError(t, err)
	require.Equal(t, ReplayStats{Packets: 4, Decoded: 2, Invalid: 1, Skipped: 1}, stats)

	a, ok := c.Peer(peerA)
	require.True(t, ok)
	require.Equal(t, uint64(3), a.Flows)

	b, ok := c.Peer(peerB)
	require.True(t, ok)
	require.Equal(t, uint64(1), b.Invalid)
	require.Zero(t, b.Packets)

	v6, ok := c.Peer(peerC)
	require.True(t, ok)
	require.Equal(t, uint64(3), v6.Flows)
	require.Equal(t, []uint16{256}, v6.Sources[0].Templates)

	t.Run("all ports", func(t *testing.T) {
		c, err := NewCache(DefaultConfig)
		require.NoError(t, err)
		stats, err := Replay(ctx, bytes.NewReader(capture.Bytes()), NewDecoder(c), 0)
		require.NoError(t, err)
		require.Equal(t, 3, stats.Decoded)
		require.Zero(t, stats.Skipped)
	})

	t.Run("not a capture", func(t *testing.T) {
		_, err := Replay(ctx, bytes.NewReader([]byte("definitely not pcap")), NewDecoder(c), 0)
		require.Error(t, err)
	})
}
