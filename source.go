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
	"fmt"
	"net/netip"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"
	"github.com/zoomoid/go-flowpeer/iana/version"
)

// Source is an exporting process on a peer: the NetFlow v9 source id or the IPFIX
// observation domain id.
type Source struct {
	ID uint32

	templates *TemplateTable
}

func (s *Source) Templates() *TemplateTable {
	return s.templates
}

// SourceSummary is a read-only copy of a source and the ids of its templates, most
// recently used first.
type SourceSummary struct {
	Version   version.ProtocolVersion `json:"version" yaml:"version"`
	SourceId  uint32                  `json:"source_id" yaml:"sourceId"`
	Templates []uint16                `json:"templates,omitempty" yaml:"templates,omitempty"`
}

func (s *Source) summary(v version.ProtocolVersion) SourceSummary {
	return SourceSummary{
		Version:   v,
		SourceId:  s.ID,
		Templates: s.templates.templates.keys(),
	}
}

// SourceTable holds the sources of one peer for one protocol version, bounded by
// Config.MaxSources.
type SourceTable struct {
	peer    netip.Addr
	version version.ProtocolVersion
	cfg     Config

	sources *boundedCache[uint32, *Source]

	log   logr.Logger
	clock clock.Clock
}

func newSourceTable(peer netip.Addr, v version.ProtocolVersion, cfg Config, log logr.Logger, clk clock.Clock) (*SourceTable, error) {
	st := &SourceTable{
		peer:    peer,
		version: v,
		cfg:     cfg,
		log:     log,
		clock:   clk,
	}
	sources, err := newBoundedCache(cfg.MaxSources, func(_ uint32, s *Source) {
		s.templates.clear()
		SourcesGauge.Dec()
	})
	if err != nil {
		return nil, err
	}
	st.sources = sources
	return st, nil
}

func (st *SourceTable) Version() version.ProtocolVersion {
	return st.version
}

// Find looks up a source without changing the recency order.
func (st *SourceTable) Find(id uint32) (*Source, bool) {
	return st.sources.find(id)
}

// FindOrCreate returns the source with id, creating it if necessary. The source moves to
// the front of the table. Creating a source beyond MaxSources deletes the least recently
// used one with all its templates.
func (st *SourceTable) FindOrCreate(id uint32) (*Source, error) {
	if s, ok := st.sources.find(id); ok {
		st.sources.touch(id)
		return s, nil
	}

	tt, err := newTemplateTable(st.peer, st.version, id, st.cfg, st.log, st.clock)
	if err != nil {
		return nil, fmt.Errorf("failed to create template table for source %d, %w", id, err)
	}
	s := &Source{
		ID:        id,
		templates: tt,
	}
	ev, err := st.sources.insert(id, s)
	if err != nil {
		return nil, err
	}
	SourcesGauge.Inc()
	if ev != nil {
		ForcedEvictions.WithLabelValues(levelSource).Inc()
		st.log.Info("forced deletion of source", "peer", st.peer, "version", st.version, "source_id", ev.key)
	}
	st.log.V(1).Info("new source", "peer", st.peer, "version", st.version, "source_id", id)
	return s, nil
}

// Delete removes s and all of its templates.
func (st *SourceTable) Delete(s *Source) {
	st.sources.remove(s.ID)
}

func (st *SourceTable) Len() int {
	return st.sources.len()
}

// Forced returns the number of sources deleted for capacity since creation.
func (st *SourceTable) Forced() uint64 {
	return st.sources.forced
}

// Sources returns all sources, most recently used first.
func (st *SourceTable) Sources() []*Source {
	return st.sources.values()
}

func (st *SourceTable) clear() {
	st.sources.purge()
}
