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
	"encoding/json"
	"net/netip"
	"sync"

	"github.com/zoomoid/go-flowpeer/iana/version"
)

// Cache is the process-wide peer, source, and template state of a collector.
//
// Every operation that reorders entries, including template lookups, takes the exclusive
// lock: recency is global across peers and cannot be split into per-peer locks without
// changing which entry gets evicted. Snapshots only take the shared lock.
type Cache struct {
	peers *PeerTable

	mu *sync.RWMutex
}

func NewCache(cfg Config, opts ...Option) (*Cache, error) {
	pt, err := NewPeerTable(cfg, opts...)
	if err != nil {
		return nil, err
	}
	return &Cache{
		peers: pt,
		mu:    &sync.RWMutex{},
	}, nil
}

// TemplateHandle is a copy of a template taken under the cache lock. Layout is never
// mutated after the handle is created.
type TemplateHandle struct {
	Version    version.ProtocolVersion `json:"version"`
	SourceId   uint32                  `json:"source_id"`
	TemplateId uint16                  `json:"template_id"`
	Layout     []byte                  `json:"layout"`
	Fields     int                     `json:"fields"`
}

func handle(v version.ProtocolVersion, s *Source, t *Template) TemplateHandle {
	return TemplateHandle{
		Version:    v,
		SourceId:   s.ID,
		TemplateId: t.ID,
		Layout:     t.Layout,
		Fields:     t.Fields,
	}
}

// ResolveTemplate finds the template needed to decode a data set. Nothing is created on a
// miss; the caller skips the records and should report it with RecordMissingTemplate.
// A hit moves the template, its source and its peer to the front of their tables.
func (c *Cache) ResolveTemplate(ctx context.Context, addr netip.Addr, v version.ProtocolVersion, sourceId uint32, templateId uint16) (TemplateHandle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, s, t := c.lookup(addr, v, sourceId, templateId)
	if t == nil {
		TemplateLookups.WithLabelValues("miss").Inc()
		FromContext(ctx).V(1).Info("template not found", "peer", addr, "version", v, "source_id", sourceId, "template_id", templateId)
		return TemplateHandle{}, false
	}
	TemplateLookups.WithLabelValues("hit").Inc()
	c.peers.TouchTemplate(p, v, s, t)
	return handle(v, s, t), true
}

// Template is the error-returning counterpart of ResolveTemplate. It does not touch anything.
func (c *Cache) Template(addr netip.Addr, v version.ProtocolVersion, sourceId uint32, templateId uint16) (TemplateHandle, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, s, t := c.lookup(addr, v, sourceId, templateId)
	if t == nil {
		return TemplateHandle{}, templateNotFound(addr.Unmap(), v, sourceId, templateId)
	}
	return handle(v, s, t), nil
}

func (c *Cache) lookup(addr netip.Addr, v version.ProtocolVersion, sourceId uint32, templateId uint16) (*Peer, *Source, *Template) {
	p, ok := c.peers.Find(addr)
	if !ok {
		return nil, nil, nil
	}
	st, ok := p.Sources(v)
	if !ok {
		return p, nil, nil
	}
	s, ok := st.Find(sourceId)
	if !ok {
		return p, nil, nil
	}
	t, ok := s.templates.Find(templateId)
	if !ok {
		return p, s, nil
	}
	return p, s, t
}

// DefineTemplate stores a template definition received from addr, creating the peer and
// source as needed. Capacity is enforced at every level by forced eviction; only a layout
// exceeding MaxLayoutBytes or an untemplated version is returned as an error.
func (c *Cache) DefineTemplate(ctx context.Context, addr netip.Addr, v version.ProtocolVersion, sourceId uint32, templateId uint16, layout []byte, fields int) (TemplateHandle, error) {
	if !v.IsTemplated() {
		return TemplateHandle{}, unknownVersion(v)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	p, err := c.peers.FindOrCreate(addr)
	if err != nil {
		return TemplateHandle{}, err
	}
	st, _ := p.Sources(v)
	s, err := st.FindOrCreate(sourceId)
	if err != nil {
		return TemplateHandle{}, err
	}
	t, err := s.templates.InsertOrReplace(templateId, layout, fields)
	if err != nil {
		return TemplateHandle{}, err
	}
	c.peers.TouchSource(p, v, s)
	return handle(v, s, t), nil
}

// WithdrawTemplate deletes a single template, as requested by an IPFIX template withdrawal.
func (c *Cache) WithdrawTemplate(ctx context.Context, addr netip.Addr, v version.ProtocolVersion, sourceId uint32, templateId uint16) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, s, t := c.lookup(addr, v, sourceId, templateId)
	if t == nil {
		return false
	}
	FromContext(ctx).V(1).Info("withdrew template", "peer", addr, "version", v, "source_id", sourceId, "template_id", templateId)
	return s.templates.Delete(t)
}

// WithdrawAllTemplates deletes every template of a source of the given kind, options templates
// if options is set and data templates otherwise. The source itself is kept.
func (c *Cache) WithdrawAllTemplates(ctx context.Context, addr netip.Addr, v version.ProtocolVersion, sourceId uint32, options bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.peers.Find(addr)
	if !ok {
		return 0
	}
	st, ok := p.Sources(v)
	if !ok {
		return 0
	}
	s, ok := st.Find(sourceId)
	if !ok {
		return 0
	}
	n := 0
	for _, t := range s.templates.Templates() {
		if _, isOptions := splitOptionsMarker(t.Layout); isOptions != options {
			continue
		}
		if s.templates.Delete(t) {
			n++
		}
	}
	FromContext(ctx).V(1).Info("withdrew all templates", "peer", addr, "version", v, "source_id", sourceId, "options", options, "count", n)
	return n
}

// RecordPacket updates the peer's packet and flow counters without touching sources or templates.
func (c *Cache) RecordPacket(ctx context.Context, addr netip.Addr, v version.ProtocolVersion, flows uint64) error {
	if !v.IsKnown() {
		return unknownVersion(v)
	}
	return c.withPeer(func(p *Peer) {
		c.peers.Touch(p, flows, v)
	}, addr)
}

// RecordMissingTemplate counts a data set that could not be decoded for lack of a template.
func (c *Cache) RecordMissingTemplate(ctx context.Context, addr netip.Addr) error {
	return c.withPeer(func(p *Peer) {
		p.NoTemplate++
	}, addr)
}

// RecordInvalid counts a packet or set from addr that failed to decode.
func (c *Cache) RecordInvalid(ctx context.Context, addr netip.Addr) error {
	return c.withPeer(func(p *Peer) {
		p.Invalid++
	}, addr)
}

func (c *Cache) withPeer(f func(*Peer), addr netip.Addr) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, err := c.peers.FindOrCreate(addr)
	if err != nil {
		return err
	}
	f(p)
	return nil
}

// DeletePeer removes a peer with all of its sources and templates.
func (c *Cache) DeletePeer(ctx context.Context, addr netip.Addr) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.peers.Find(addr)
	if !ok {
		return false
	}
	c.peers.Delete(p)
	FromContext(ctx).Info("deleted peer", "peer", p.Addr)
	return true
}

// Peer returns a summary of a single peer.
func (c *Cache) Peer(addr netip.Addr) (PeerSummary, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.peers.Find(addr)
	if !ok {
		return PeerSummary{}, false
	}
	return p.summary(), true
}

// Snapshot is the state of the whole cache at one point in time.
type Snapshot struct {
	MaxPeers int           `json:"max_peers" yaml:"maxPeers"`
	NumPeers int           `json:"num_peers" yaml:"numPeers"`
	Forced   uint64        `json:"num_forced" yaml:"numForced"`
	Peers    []PeerSummary `json:"peers" yaml:"peers"`
}

// Snapshot copies the cache state for diagnostics. It may run concurrently with other
// snapshots but never with a mutation.
func (c *Cache) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		MaxPeers: c.peers.Max(),
		NumPeers: c.peers.Len(),
		Forced:   c.peers.Forced(),
		Peers:    c.peers.Dump(),
	}
}

// Dump writes the peer table to the logger in ctx.
func (c *Cache) Dump(ctx context.Context) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	c.peers.Log(ctx)
}

func (c *Cache) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Snapshot())
}
