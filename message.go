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
	"encoding/binary"
	"io"

	"github.com/zoomoid/go-flowpeer/iana/version"
)

// Header and fixed record sizes of the NetFlow and IPFIX message formats
const (
	netflowV1HeaderLength = 16
	netflowV1RecordLength = 48
	netflowV5HeaderLength = 24
	netflowV5RecordLength = 48
	netflowV7HeaderLength = 24
	netflowV7RecordLength = 52
	netflowV9HeaderLength = 20
	ipfixHeaderLength     = 16

	setHeaderLength = 4
)

// Set ids of template and options template sets. Data sets use template ids from 256 up.
const (
	NetflowV9TemplateSetId        uint16 = 0
	NetflowV9OptionsTemplateSetId uint16 = 1
	IPFIXTemplateSetId            uint16 = 2
	IPFIXOptionsTemplateSetId     uint16 = 3

	MinDataSetId uint16 = 256
)

// Header is the common view on the message headers of all supported versions.
type Header struct {
	Version version.ProtocolVersion `json:"version" yaml:"version"`

	// Count is the number of records for NetFlow v1/v5/v7/v9. IPFIX does not carry a count.
	Count uint16 `json:"count,omitempty" yaml:"count,omitempty"`
	// Length is the total message length in bytes, IPFIX only.
	Length uint16 `json:"length,omitempty" yaml:"length,omitempty"`

	SysUptime      uint32 `json:"sys_uptime,omitempty" yaml:"sysUptime,omitempty"`
	ExportTime     uint32 `json:"export_time,omitempty" yaml:"exportTime,omitempty"`
	SequenceNumber uint32 `json:"sequence_number,omitempty" yaml:"sequenceNumber,omitempty"`

	// SourceId is the NetFlow v9 source id or the IPFIX observation domain id.
	SourceId uint32 `json:"source_id,omitempty" yaml:"sourceId,omitempty"`
}

// Decode reads the header from the start of b and returns the header length.
func (h *Header) Decode(b []byte) (int, error) {
	if len(b) < 4 {
		return 0, malformed("message of %d bytes is too short for a header", len(b))
	}
	h.Version = version.ProtocolVersion(binary.BigEndian.Uint16(b[0:2]))

	switch h.Version {
	case version.NetflowV1, version.NetflowV5, version.NetflowV7:
		hl, rl := fixedLengths(h.Version)
		if len(b) < hl {
			return 0, malformed("%s header needs %d bytes, got %d", h.Version, hl, len(b))
		}
		h.Count = binary.BigEndian.Uint16(b[2:4])
		h.SysUptime = binary.BigEndian.Uint32(b[4:8])
		h.ExportTime = binary.BigEndian.Uint32(b[8:12])
		if h.Version != version.NetflowV1 {
			h.SequenceNumber = binary.BigEndian.Uint32(b[16:20])
		}
		if need := hl + int(h.Count)*rl; len(b) < need {
			return 0, malformed("%s message announces %d records in %d bytes, got %d", h.Version, h.Count, need, len(b))
		}
		return hl, nil
	case version.NetflowV9:
		if len(b) < netflowV9HeaderLength {
			return 0, malformed("%s header needs %d bytes, got %d", h.Version, netflowV9HeaderLength, len(b))
		}
		h.Count = binary.BigEndian.Uint16(b[2:4])
		h.SysUptime = binary.BigEndian.Uint32(b[4:8])
		h.ExportTime = binary.BigEndian.Uint32(b[8:12])
		h.SequenceNumber = binary.BigEndian.Uint32(b[12:16])
		h.SourceId = binary.BigEndian.Uint32(b[16:20])
		return netflowV9HeaderLength, nil
	case version.IPFIX:
		if len(b) < ipfixHeaderLength {
			return 0, malformed("%s header needs %d bytes, got %d", h.Version, ipfixHeaderLength, len(b))
		}
		h.Length = binary.BigEndian.Uint16(b[2:4])
		h.ExportTime = binary.BigEndian.Uint32(b[4:8])
		h.SequenceNumber = binary.BigEndian.Uint32(b[8:12])
		h.SourceId = binary.BigEndian.Uint32(b[12:16])
		if int(h.Length) < ipfixHeaderLength || int(h.Length) > len(b) {
			return 0, malformed("IPFIX message length %d does not fit %d received bytes", h.Length, len(b))
		}
		return ipfixHeaderLength, nil
	default:
		return 0, unknownVersion(h.Version)
	}
}

// Encode writes the header in the wire format of h.Version.
func (h *Header) Encode(w io.Writer) (int, error) {
	b := make([]byte, 0, netflowV5HeaderLength)
	b = binary.BigEndian.AppendUint16(b, uint16(h.Version))

	switch h.Version {
	case version.NetflowV9:
		b = binary.BigEndian.AppendUint16(b, h.Count)
		b = binary.BigEndian.AppendUint32(b, h.SysUptime)
		b = binary.BigEndian.AppendUint32(b, h.ExportTime)
		b = binary.BigEndian.AppendUint32(b, h.SequenceNumber)
		b = binary.BigEndian.AppendUint32(b, h.SourceId)
	case version.IPFIX:
		b = binary.BigEndian.AppendUint16(b, h.Length)
		b = binary.BigEndian.AppendUint32(b, h.ExportTime)
		b = binary.BigEndian.AppendUint32(b, h.SequenceNumber)
		b = binary.BigEndian.AppendUint32(b, h.SourceId)
	case version.NetflowV1, version.NetflowV5, version.NetflowV7:
		hl, _ := fixedLengths(h.Version)
		b = binary.BigEndian.AppendUint16(b, h.Count)
		b = binary.BigEndian.AppendUint32(b, h.SysUptime)
		b = binary.BigEndian.AppendUint32(b, h.ExportTime)
		if h.Version == version.NetflowV1 {
			b = binary.BigEndian.AppendUint32(b, 0) // unix nanoseconds
		} else {
			b = binary.BigEndian.AppendUint32(b, 0)
			b = binary.BigEndian.AppendUint32(b, h.SequenceNumber)
		}
		b = append(b, make([]byte, hl-len(b))...)
	default:
		return 0, unknownVersion(h.Version)
	}
	return w.Write(b)
}

func fixedLengths(v version.ProtocolVersion) (header int, record int) {
	switch v {
	case version.NetflowV1:
		return netflowV1HeaderLength, netflowV1RecordLength
	case version.NetflowV5:
		return netflowV5HeaderLength, netflowV5RecordLength
	case version.NetflowV7:
		return netflowV7HeaderLength, netflowV7RecordLength
	}
	return 0, 0
}

// SetHeader precedes every set (flowset in NetFlow v9 terms).
type SetHeader struct {
	// 0/2 for template sets, 1/3 for options template sets, and
	// 256-65535 for data sets as template id
	Id uint16 `json:"id,omitempty" yaml:"id,omitempty"`

	Length uint16 `json:"length,omitempty" yaml:"length,omitempty"`
}

func (h *SetHeader) Decode(b []byte) (int, error) {
	if len(b) < setHeaderLength {
		return 0, malformed("set header needs %d bytes, got %d", setHeaderLength, len(b))
	}
	h.Id = binary.BigEndian.Uint16(b[0:2])
	h.Length = binary.BigEndian.Uint16(b[2:4])
	if int(h.Length) < setHeaderLength || int(h.Length) > len(b) {
		return 0, malformed("set %d has length %d with %d bytes left", h.Id, h.Length, len(b))
	}
	return setHeaderLength, nil
}

func (h *SetHeader) Encode(w io.Writer) (int, error) {
	b := make([]byte, 0, setHeaderLength)
	b = binary.BigEndian.AppendUint16(b, h.Id)
	b = binary.BigEndian.AppendUint16(b, h.Length)
	return w.Write(b)
}

var (
	KindDataRecord            string = "DataRecord"
	KindTemplateRecord        string = "TemplateRecord"
	KindOptionsTemplateRecord string = "OptionsTemplateRecord"
	KindFixedRecord           string = "FixedRecord"
)

// SetSummary describes one decoded set of a message.
type SetSummary struct {
	SetHeader `json:",inline" yaml:",inline"`
	Kind      string `json:"kind,omitempty" yaml:"kind,omitempty"`
	Records   int    `json:"records" yaml:"records"`

	// MissingTemplate is set for data sets that were skipped for lack of a template
	MissingTemplate bool `json:"missing_template,omitempty" yaml:"missingTemplate,omitempty"`
}

// Message is the result of decoding a single packet.
type Message struct {
	Header `json:",inline" yaml:",inline"`

	Sets []SetSummary `json:"sets,omitempty" yaml:"sets,omitempty"`

	Flows            uint64 `json:"flows" yaml:"flows"`
	DefinedTemplates int    `json:"defined_templates,omitempty" yaml:"definedTemplates,omitempty"`
	MissingTemplates int    `json:"missing_templates,omitempty" yaml:"missingTemplates,omitempty"`
}
