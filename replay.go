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
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// ReplayStats summarizes a replayed capture.
type ReplayStats struct {
	Packets int `json:"packets" yaml:"packets"`
	Decoded int `json:"decoded" yaml:"decoded"`
	Invalid int `json:"invalid" yaml:"invalid"`
	Skipped int `json:"skipped" yaml:"skipped"`
}

// Replay feeds the UDP payloads of a pcap capture through d, using the IP source address
// as the peer. With a non-zero port only datagrams sent to that port are used.
func Replay(ctx context.Context, r io.Reader, d *Decoder, port uint16) (ReplayStats, error) {
	logger := FromContext(ctx)
	stats := ReplayStats{}

	reader, err := pcapgo.NewReader(r)
	if err != nil {
		return stats, fmt.Errorf("failed to open capture, %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		data, _, err := reader.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return stats, nil
		}
		if err != nil {
			return stats, fmt.Errorf("failed to read packet %d, %w", stats.Packets+1, err)
		}
		stats.Packets++

		peer, payload, ok := udpPayload(gopacket.NewPacket(data, reader.LinkType(), gopacket.Default), port)
		if !ok {
			stats.Skipped++
			continue
		}
		if _, err := d.Decode(ctx, peer, payload); err != nil {
			stats.Invalid++
			logger.V(1).Info("failed to decode replayed packet", "index", stats.Packets, "peer", peer, "error", err.Error())
			continue
		}
		stats.Decoded++
	}
}

func udpPayload(packet gopacket.Packet, port uint16) (netip.Addr, []byte, bool) {
	var src netip.Addr
	switch ip := packet.NetworkLayer().(type) {
	case *layers.IPv4:
		a, ok := netip.AddrFromSlice(ip.SrcIP.To4())
		if !ok {
			return src, nil, false
		}
		src = a
	case *layers.IPv6:
		a, ok := netip.AddrFromSlice(ip.SrcIP)
		if !ok {
			return src, nil, false
		}
		src = a.Unmap()
	default:
		return src, nil, false
	}

	l := packet.Layer(layers.LayerTypeUDP)
	if l == nil {
		return src, nil, false
	}
	udp := l.(*layers.UDP)
	if port != 0 && uint16(udp.DstPort) != port {
		return src, nil, false
	}
	return src, udp.Payload, true
}
