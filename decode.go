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
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/zoomoid/go-flowpeer/iana/version"
)

// Decoder walks NetFlow and IPFIX messages far enough to keep the peer cache current:
// it learns templates, resolves the templates of data sets, counts flows and maintains
// the per-peer counters. Field values are not decoded.
type Decoder struct {
	cache *Cache

	options DecoderOptions
}

type DecoderOptions struct {
	// CountOptionsRecords also counts records of options templates as flows
	CountOptionsRecords bool
}

var (
	DefaultDecoderOptions = DecoderOptions{
		CountOptionsRecords: false,
	}
)

func (o *DecoderOptions) Merge(opts ...DecoderOptions) {
	for _, opt := range opts {
		o.CountOptionsRecords = o.CountOptionsRecords || opt.CountOptionsRecords
	}
}

// NewDecoder creates a new Decoder working on a given cache
func NewDecoder(cache *Cache, opts ...DecoderOptions) *Decoder {
	options := DefaultDecoderOptions
	options.Merge(opts...)

	d := &Decoder{
		cache:   cache,
		options: options,
	}
	d.initMetrics()
	return d
}

// Decode processes a single packet received from peer. Data sets without a known template
// are skipped and counted on the peer, they do not fail the packet. Malformed packets are
// counted as invalid and returned as error; the peer's packet counters are then left alone.
func (d *Decoder) Decode(ctx context.Context, peer netip.Addr, payload []byte) (msg *Message, err error) {
	decoderStart := time.Now()

	// update metrics at the end of decoding depending on the outcome
	defer func() {
		DurationMicroseconds.Observe(float64(time.Since(decoderStart).Nanoseconds()) / 1000)
		PacketsTotal.Inc()
		if err != nil {
			ErrorsTotal.Inc()
		}
	}()

	if d.cache == nil {
		return nil, errors.New("used decoder before cache was initialized")
	}

	msg = &Message{}
	n, err := msg.Header.Decode(payload)
	if err != nil {
		return nil, d.invalid(ctx, peer, fmt.Errorf("failed to read packet header, %w", err))
	}

	switch msg.Version {
	case version.NetflowV1, version.NetflowV5, version.NetflowV7:
		msg.Flows = uint64(msg.Count)
		msg.Sets = append(msg.Sets, SetSummary{Kind: KindFixedRecord, Records: int(msg.Count)})
		DecodedSets.WithLabelValues(KindFixedRecord).Inc()
	case version.NetflowV9:
		err = d.decodeSets(ctx, peer, msg, payload[n:])
	case version.IPFIX:
		err = d.decodeSets(ctx, peer, msg, payload[n:msg.Length])
	}
	if err != nil {
		return msg, d.invalid(ctx, peer, err)
	}

	if err := d.cache.RecordPacket(ctx, peer, msg.Version, msg.Flows); err != nil {
		return msg, err
	}
	return msg, nil
}

func (d *Decoder) invalid(ctx context.Context, peer netip.Addr, err error) error {
	FromContext(ctx).V(1).Info("invalid packet", "peer", peer, "error", err.Error())
	if rerr := d.cache.RecordInvalid(ctx, peer); rerr != nil {
		return errors.Join(err, rerr)
	}
	return err
}

func (d *Decoder) decodeSets(ctx context.Context, peer netip.Addr, msg *Message, payload []byte) error {
	for i := 1; len(payload) >= setHeaderLength; i++ {
		h := SetHeader{}
		if _, err := h.Decode(payload); err != nil {
			return fmt.Errorf("failed to read set header of set %d, %w", i, err)
		}
		body := payload[setHeaderLength:h.Length]
		payload = payload[h.Length:]

		var (
			set SetSummary
			err error
		)
		switch {
		case isTemplateSet(msg.Version, h.Id):
			set, err = d.decodeTemplateSet(ctx, peer, msg, h, body, false)
		case isOptionsTemplateSet(msg.Version, h.Id):
			set, err = d.decodeTemplateSet(ctx, peer, msg, h, body, true)
		case h.Id >= MinDataSetId:
			set, err = d.decodeDataSet(ctx, peer, msg, h, body)
		default:
			err = UnknownFlowId(h.Id)
		}
		if err != nil {
			return fmt.Errorf("failed to decode set %d, %w", i, err)
		}

		DecodedSets.WithLabelValues(set.Kind).Inc()
		msg.Sets = append(msg.Sets, set)
	}
	return nil
}

func isTemplateSet(v version.ProtocolVersion, id uint16) bool {
	return (v == version.NetflowV9 && id == NetflowV9TemplateSetId) || (v == version.IPFIX && id == IPFIXTemplateSetId)
}

func isOptionsTemplateSet(v version.ProtocolVersion, id uint16) bool {
	return (v == version.NetflowV9 && id == NetflowV9OptionsTemplateSetId) || (v == version.IPFIX && id == IPFIXOptionsTemplateSetId)
}

func (d *Decoder) decodeTemplateSet(ctx context.Context, peer netip.Addr, msg *Message, h SetHeader, body []byte, options bool) (SetSummary, error) {
	set := SetSummary{SetHeader: h, Kind: (&TemplateRecord{Options: options}).Type()}

	// the smallest record is a withdrawal or a template header, anything shorter is padding
	r := bytes.NewReader(body)
	for r.Len() >= 4 {
		tr := TemplateRecord{Options: options}
		if _, err := tr.Decode(msg.Version, r); err != nil {
			return set, err
		}
		set.Records++

		if tr.IsWithdrawal() {
			if tr.TemplateId == h.Id {
				d.cache.WithdrawAllTemplates(ctx, peer, msg.Version, msg.SourceId, options)
			} else {
				d.cache.WithdrawTemplate(ctx, peer, msg.Version, msg.SourceId, tr.TemplateId)
			}
			continue
		}

		layout := tr.Layout(msg.Version)
		if options {
			layout = append(optionsMarker(tr.ScopeFieldCount), layout...)
		}
		if _, err := d.cache.DefineTemplate(ctx, peer, msg.Version, msg.SourceId, tr.TemplateId, layout, len(tr.Fields)); err != nil {
			return set, err
		}
		msg.DefinedTemplates++
	}
	return set, nil
}

func (d *Decoder) decodeDataSet(ctx context.Context, peer netip.Addr, msg *Message, h SetHeader, body []byte) (SetSummary, error) {
	set := SetSummary{SetHeader: h, Kind: KindDataRecord}

	th, ok := d.cache.ResolveTemplate(ctx, peer, msg.Version, msg.SourceId, h.Id)
	if !ok {
		set.MissingTemplate = true
		msg.MissingTemplates++
		return set, d.cache.RecordMissingTemplate(ctx, peer)
	}

	layout, options := splitOptionsMarker(th.Layout)
	fields, err := ParseLayout(msg.Version, layout)
	if err != nil {
		return set, err
	}
	set.Records, err = CountRecords(fields, body)
	if err != nil {
		return set, err
	}
	if !options || d.options.CountOptionsRecords {
		msg.Flows += uint64(set.Records)
	}
	return set, nil
}

// Layouts of options templates are prefixed with a marker and the scope field count, so that
// data records of options templates can be told apart from flows.
const optionsMarkerByte byte = 0xFF

func optionsMarker(scopeFields uint16) []byte {
	return []byte{optionsMarkerByte, byte(scopeFields >> 8), byte(scopeFields)}
}

func splitOptionsMarker(layout []byte) ([]byte, bool) {
	// field specifiers are 4 or 8 bytes, so a layout of length 3 mod 4 carries the marker
	if len(layout)%4 == 3 && layout[0] == optionsMarkerByte {
		return layout[3:], true
	}
	return layout, false
}

func (d *Decoder) initMetrics() {
	// set this so that we don't get too many empty data points in prometheus
	PacketsTotal.Add(0)
	ErrorsTotal.Add(0)
	for _, kind := range []string{KindDataRecord, KindTemplateRecord, KindOptionsTemplateRecord, KindFixedRecord} {
		DecodedSets.WithLabelValues(kind).Add(0)
	}
	for _, result := range []string{"hit", "miss"} {
		TemplateLookups.WithLabelValues(result).Add(0)
	}
}
