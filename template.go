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
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"
	"github.com/zoomoid/go-flowpeer/iana/version"
)

// Template is a template definition learned from an exporter. Layout holds the field
// specifiers in the wire format of the template's protocol version and is opaque to the cache.
type Template struct {
	ID     uint16
	Layout []byte
	Fields int

	Created time.Time
	Updated time.Time
}

// TemplateTable holds the templates of one source, bounded by Config.MaxTemplates.
type TemplateTable struct {
	peer     netip.Addr
	version  version.ProtocolVersion
	sourceId uint32

	maxLayoutBytes int

	templates *boundedCache[uint16, *Template]

	log   logr.Logger
	clock clock.Clock
}

func newTemplateTable(peer netip.Addr, v version.ProtocolVersion, sourceId uint32, cfg Config, log logr.Logger, clk clock.Clock) (*TemplateTable, error) {
	templates, err := newBoundedCache(cfg.MaxTemplates, func(_ uint16, t *Template) {
		t.Layout = nil
		TemplatesGauge.Dec()
	})
	if err != nil {
		return nil, err
	}
	return &TemplateTable{
		peer:           peer,
		version:        v,
		sourceId:       sourceId,
		maxLayoutBytes: cfg.MaxLayoutBytes,
		templates:      templates,
		log:            log,
		clock:          clk,
	}, nil
}

// Find looks up a template without changing the recency order.
func (tt *TemplateTable) Find(id uint16) (*Template, bool) {
	return tt.templates.find(id)
}

// InsertOrReplace stores a template definition. A definition for an id that is already
// known replaces the layout in place and moves the template to the front; there is never
// more than one template per id. New templates beyond MaxTemplates push out the least
// recently used one.
func (tt *TemplateTable) InsertOrReplace(id uint16, layout []byte, fields int) (*Template, error) {
	if len(layout) > tt.maxLayoutBytes {
		return nil, fmt.Errorf("%w: layout of template %d has %d bytes, limit is %d",
			ErrResourceExhausted, id, len(layout), tt.maxLayoutBytes)
	}
	l := make([]byte, len(layout))
	copy(l, layout)
	now := tt.clock.Now()

	if t, ok := tt.templates.find(id); ok {
		t.Layout = l
		t.Fields = fields
		t.Updated = now
		tt.templates.touch(id)
		tt.log.V(1).Info("updated template", "peer", tt.peer, "version", tt.version, "source_id", tt.sourceId, "template_id", id)
		return t, nil
	}

	t := &Template{
		ID:      id,
		Layout:  l,
		Fields:  fields,
		Created: now,
		Updated: now,
	}
	ev, err := tt.templates.insert(id, t)
	if err != nil {
		return nil, err
	}
	TemplatesGauge.Inc()
	if ev != nil {
		ForcedEvictions.WithLabelValues(levelTemplate).Inc()
		tt.log.Info("forced deletion of template", "peer", tt.peer, "version", tt.version, "source_id", tt.sourceId, "template_id", ev.key)
	}
	tt.log.V(1).Info("new template", "peer", tt.peer, "version", tt.version, "source_id", tt.sourceId, "template_id", id)
	return t, nil
}

// Delete removes t and releases its layout.
func (tt *TemplateTable) Delete(t *Template) bool {
	_, ok := tt.templates.remove(t.ID)
	return ok
}

func (tt *TemplateTable) Len() int {
	return tt.templates.len()
}

// Forced returns the number of templates deleted for capacity since creation.
func (tt *TemplateTable) Forced() uint64 {
	return tt.templates.forced
}

// Templates returns all templates, most recently used first.
func (tt *TemplateTable) Templates() []*Template {
	return tt.templates.values()
}

func (tt *TemplateTable) clear() {
	tt.templates.purge()
}
