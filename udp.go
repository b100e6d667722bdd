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
	"net"
	"net/netip"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"
)

var (
	// NetFlow and IPFIX exporters keep their messages below the path MTU to avoid
	// fragmentation, but jumbo frames are common on collector networks, so we accept
	// the largest datagram UDP can carry.
	UDPPacketBufferSize int = 0xFFFF

	// Number of packets being buffered in the channel. This effectively moves
	// packet buffering from UDP socket to the user space, which alleviates most
	// packet loss issues while the single processing loop is busy.
	UDPChannelBufferSize int = 512
)

// Packet is a datagram together with the address of the peer that sent it.
type Packet struct {
	Peer    netip.Addr
	Payload []byte
}

type UDPListener struct {
	bindAddr string
	packetCh chan Packet

	listener net.PacketConn
	ready    chan struct{}
}

func NewUDPListener(bindAddr string) *UDPListener {
	return &UDPListener{
		bindAddr: bindAddr,
		packetCh: make(chan Packet, UDPChannelBufferSize),
		ready:    make(chan struct{}),
	}
}

// Listen binds the socket and reads packets until ctx is cancelled. The Messages channel
// is closed when Listen returns.
func (l *UDPListener) Listen(ctx context.Context) (err error) {
	logger := FromContext(ctx, "addr", l.bindAddr)
	// do this last such that the goroutine reading packets exits before closing the channel
	defer close(l.packetCh)

	listenConfig := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var err error
			controlErr := c.Control(func(fd uintptr) {
				err = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				if err != nil {
					return
				}
				err = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if controlErr != nil {
				err = controlErr
			}
			return err
		},
	}
	l.listener, err = listenConfig.ListenPacket(ctx, "udp", l.bindAddr)
	if err != nil {
		logger.Error(err, "failed to bind udp listener")
		return err
	}
	close(l.ready)

	done := make(chan error, 1)
	go func() {
		// allocate this buffer once and re-use it for each packet to read from the socket
		buffer := make([]byte, UDPPacketBufferSize)
		for {
			n, addr, err := l.listener.ReadFrom(buffer)
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					done <- nil
					return
				}
				UDPErrorsTotal.Inc()
				logger.Error(err, "failed to read from UDP socket")
				done <- err
				return
			}
			UDPPacketsTotal.Inc()
			UDPPacketBytes.Add(float64(n))

			udpAddr, ok := addr.(*net.UDPAddr)
			if !ok {
				continue
			}

			// allocate a smaller, trimmed to the actual packet size buffer to
			// dispose the large 2^16 byte buffer to not claim this memory forever,
			// as just handing "buffer[:n]" will NOT actually shrink the original object
			packet := make([]byte, n)
			copy(packet, buffer[:n])

			select {
			case l.packetCh <- Packet{Peer: udpAddr.AddrPort().Addr().Unmap(), Payload: packet}:
			case <-ctx.Done():
			}
		}
	}()

	logger.Info("Started UDP listener")

	select {
	case <-ctx.Done():
		logger.Info("Shutting down UDP listener")
		l.listener.Close()
		// use error from reader goroutine if set
		err = <-done
	case err = <-done:
		l.listener.Close()
	}
	return
}

// Addr returns the bound address once Listen has bound the socket, or nil before.
func (l *UDPListener) Addr() net.Addr {
	select {
	case <-l.ready:
		return l.listener.LocalAddr()
	default:
		return nil
	}
}

// Ready is closed once the socket is bound.
func (l *UDPListener) Ready() <-chan struct{} {
	return l.ready
}

func (l *UDPListener) Messages() <-chan Packet {
	return l.packetCh
}

var (
	UDPPacketsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "flowpeer",
		Name:      "udp_listener_packets_total",
		Help:      "Total number of packets received via UDP listener",
	})
	UDPErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "flowpeer",
		Name:      "udp_listener_errors_total",
		Help:      "Total number of errors encountered in the UDP listener",
	})
	UDPPacketBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "flowpeer",
		Name:      "udp_listener_packet_bytes",
		Help:      "Total number of bytes read in the UDP listener",
	})
)
