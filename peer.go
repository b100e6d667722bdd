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
	"fmt"
	"net/netip"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"
	"github.com/zoomoid/go-flowpeer/iana/version"
)

// Peer is a single exporting device, identified by the address its packets arrive from.
// It owns one SourceTable per templated protocol version.
type Peer struct {
	Addr netip.Addr

	Packets    uint64
	Flows      uint64
	Invalid    uint64
	NoTemplate uint64

	FirstSeen   time.Time
	LastValid   time.Time
	LastVersion version.ProtocolVersion

	sources map[version.ProtocolVersion]*SourceTable
}

// Sources returns the peer's source table for v, or false if v is not a templated version.
func (p *Peer) Sources(v version.ProtocolVersion) (*SourceTable, bool) {
	st, ok := p.sources[v]
	return st, ok
}

func (p *Peer) teardown() {
	for _, st := range p.sources {
		st.clear()
	}
}

type options struct {
	log   logr.Logger
	clock clock.Clock
}

type Option func(*options)

// WithLogger sets the logger used for forced deletion warnings and debug traces
func WithLogger(l logr.Logger) Option {
	return func(o *options) {
		o.log = l
	}
}

// WithClock replaces the wall clock used for first-seen and last-valid timestamps
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// PeerTable owns all peers, bounded by Config.MaxPeers with least-recently-used eviction.
// It is not safe for concurrent use; see Cache for the locked variant.
type PeerTable struct {
	cfg   Config
	peers *boundedCache[netip.Addr, *Peer]

	log   logr.Logger
	clock clock.Clock
}

func NewPeerTable(cfg Config, opts ...Option) (*PeerTable, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{
		log:   Log.WithName("peers"),
		clock: clock.New(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	pt := &PeerTable{
		cfg:   cfg,
		log:   o.log,
		clock: o.clock,
	}
	peers, err := newBoundedCache(cfg.MaxPeers, func(_ netip.Addr, p *Peer) {
		p.teardown()
		PeersGauge.Dec()
	})
	if err != nil {
		return nil, err
	}
	pt.peers = peers
	return pt, nil
}

// Find looks up a peer without changing the recency order.
func (pt *PeerTable) Find(addr netip.Addr) (*Peer, bool) {
	return pt.peers.find(addr.Unmap())
}

// FindOrCreate returns the peer for addr, creating it if necessary, and moves it to the
// front of the recency order. Creating a peer beyond MaxPeers deletes the least recently
// used peer together with all of its sources and templates.
func (pt *PeerTable) FindOrCreate(addr netip.Addr) (*Peer, error) {
	addr = addr.Unmap()
	if p, ok := pt.peers.find(addr); ok {
		pt.peers.touch(addr)
		return p, nil
	}

	p := &Peer{
		Addr:      addr,
		FirstSeen: pt.clock.Now(),
		sources:   make(map[version.ProtocolVersion]*SourceTable, len(version.Templated)),
	}
	for _, v := range version.Templated {
		st, err := newSourceTable(addr, v, pt.cfg, pt.log, pt.clock)
		if err != nil {
			return nil, fmt.Errorf("failed to create source table for peer %s, %w", addr, err)
		}
		p.sources[v] = st
	}

	ev, err := pt.peers.insert(addr, p)
	if err != nil {
		return nil, err
	}
	PeersGauge.Inc()
	if ev != nil {
		ForcedEvictions.WithLabelValues(levelPeer).Inc()
		pt.log.Info("forced deletion of peer", "peer", ev.key)
	}
	pt.log.V(1).Info("new peer", "peer", addr)
	return p, nil
}

// Touch records a packet from p: the peer moves to the front of the recency order and its
// counters are updated. Touch never evicts.
func (pt *PeerTable) Touch(p *Peer, flows uint64, v version.ProtocolVersion) {
	pt.peers.touch(p.Addr)
	p.LastValid = pt.clock.Now()
	p.Packets++
	p.Flows += flows
	p.LastVersion = v
}

// TouchSource moves s to the front of its source table and its peer to the front of the
// peer table.
func (pt *PeerTable) TouchSource(p *Peer, v version.ProtocolVersion, s *Source) {
	if st, ok := p.sources[v]; ok {
		st.sources.touch(s.ID)
	}
	pt.peers.touch(p.Addr)
}

// TouchTemplate propagates the use of t through all three levels.
func (pt *PeerTable) TouchTemplate(p *Peer, v version.ProtocolVersion, s *Source, t *Template) {
	s.templates.templates.touch(t.ID)
	pt.TouchSource(p, v, s)
}

// Delete removes p and everything it owns.
func (pt *PeerTable) Delete(p *Peer) {
	pt.peers.remove(p.Addr)
}

func (pt *PeerTable) Len() int {
	return pt.peers.len()
}

func (pt *PeerTable) Max() int {
	return pt.cfg.MaxPeers
}

// Forced returns the number of peers deleted for capacity since creation.
func (pt *PeerTable) Forced() uint64 {
	return pt.peers.forced
}

// Peers returns all peers, most recently used first.
func (pt *PeerTable) Peers() []*Peer {
	return pt.peers.values()
}

// PeerSummary is a read-only copy of a peer's state.
type PeerSummary struct {
	Addr        netip.Addr              `json:"addr" yaml:"addr"`
	Packets     uint64                  `json:"packets" yaml:"packets"`
	Flows       uint64                  `json:"flows" yaml:"flows"`
	Invalid     uint64                  `json:"invalid" yaml:"invalid"`
	NoTemplate  uint64                  `json:"no_template" yaml:"noTemplate"`
	FirstSeen   time.Time               `json:"first_seen" yaml:"firstSeen"`
	LastValid   time.Time               `json:"last_valid,omitempty" yaml:"lastValid,omitempty"`
	LastVersion version.ProtocolVersion `json:"last_version,omitempty" yaml:"lastVersion,omitempty"`
	Sources     []SourceSummary         `json:"sources,omitempty" yaml:"sources,omitempty"`
}

func (p *Peer) summary() PeerSummary {
	s := PeerSummary{
		Addr:        p.Addr,
		Packets:     p.Packets,
		Flows:       p.Flows,
		Invalid:     p.Invalid,
		NoTemplate:  p.NoTemplate,
		FirstSeen:   p.FirstSeen,
		LastValid:   p.LastValid,
		LastVersion: p.LastVersion,
	}
	for _, v := range version.Templated {
		st := p.sources[v]
		for _, src := range st.Sources() {
			s.Sources = append(s.Sources, src.summary(st.Version()))
		}
	}
	return s
}

// Dump returns a summary of every peer ordered by address. It does not change the recency order.
func (pt *PeerTable) Dump() []PeerSummary {
	peers := pt.peers.values()
	summaries := make([]PeerSummary, 0, len(peers))
	for _, p := range peers {
		summaries = append(summaries, p.summary())
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].Addr.Less(summaries[j].Addr)
	})
	return summaries
}

// Log writes the table state and one entry per peer to the logger in ctx.
func (pt *PeerTable) Log(ctx context.Context) {
	logger := FromContext(ctx)
	logger.Info("peer state", "used", pt.Len(), "max", pt.Max(), "forced", pt.Forced())
	for i, p := range pt.Dump() {
		logger.Info("peer",
			"index", i,
			"peer", p.Addr,
			"packets", p.Packets,
			"flows", p.Flows,
			"invalid", p.Invalid,
			"no_template", p.NoTemplate,
			"first_seen", p.FirstSeen.Format(time.RFC3339Nano),
			"last_valid", p.LastValid.Format(time.RFC3339Nano),
			"version", p.LastVersion,
		)
	}
}
