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
	"encoding/binary"
	"fmt"
	"io"

	"github.com/zoomoid/go-flowpeer/iana/version"
)

const (
	// penMask marks an IPFIX field specifier that is followed by a private enterprise number
	penMask uint16 = 0x8000

	// VariableLength is the length announced by IPFIX field specifiers of variable-length fields
	VariableLength uint16 = 0xFFFF
)

// FieldSpecifier is one entry of a template: the information element and its length in
// data records.
type FieldSpecifier struct {
	Id               uint16 `json:"id" yaml:"id"`
	Length           uint16 `json:"length" yaml:"length"`
	EnterpriseNumber uint32 `json:"enterprise_number,omitempty" yaml:"enterpriseNumber,omitempty"`
}

func (f FieldSpecifier) IsVariableLength() bool {
	return f.Length == VariableLength
}

// TemplateRecord is a template or options template record of a NetFlow v9 or IPFIX
// template set.
type TemplateRecord struct {
	TemplateId      uint16 `json:"template_id" yaml:"templateId"`
	FieldCount      uint16 `json:"field_count" yaml:"fieldCount"`
	ScopeFieldCount uint16 `json:"scope_field_count,omitempty" yaml:"scopeFieldCount,omitempty"`

	// Options marks records of options template sets
	Options bool `json:"options,omitempty" yaml:"options,omitempty"`

	Fields []FieldSpecifier `json:"fields,omitempty" yaml:"fields,omitempty"`
}

var _ fmt.Stringer = &TemplateRecord{}

func (tr *TemplateRecord) String() string {
	return fmt.Sprintf("<id=%d,len=%d,scope=%d>%v", tr.TemplateId, tr.FieldCount, tr.ScopeFieldCount, tr.Fields)
}

func (tr *TemplateRecord) Type() string {
	if tr.Options {
		return KindOptionsTemplateRecord
	}
	return KindTemplateRecord
}

// IsWithdrawal reports whether the record is an IPFIX template withdrawal, which carries
// no fields.
func (tr *TemplateRecord) IsWithdrawal() bool {
	return tr.FieldCount == 0
}

// Layout returns the field specifiers in the wire format of v. This is what the cache
// stores as the template's layout.
func (tr *TemplateRecord) Layout(v version.ProtocolVersion) []byte {
	b := make([]byte, 0, len(tr.Fields)*4)
	for _, f := range tr.Fields {
		b = appendFieldSpecifier(b, v, f)
	}
	return b
}

func appendFieldSpecifier(b []byte, v version.ProtocolVersion, f FieldSpecifier) []byte {
	if v == version.IPFIX && f.EnterpriseNumber != 0 {
		b = binary.BigEndian.AppendUint16(b, penMask|f.Id)
		b = binary.BigEndian.AppendUint16(b, f.Length)
		return binary.BigEndian.AppendUint32(b, f.EnterpriseNumber)
	}
	b = binary.BigEndian.AppendUint16(b, f.Id)
	return binary.BigEndian.AppendUint16(b, f.Length)
}

// Encode writes the record in the wire format of v. Set padding is up to the caller.
func (tr *TemplateRecord) Encode(v version.ProtocolVersion, w io.Writer) (int, error) {
	b := make([]byte, 0, 6+len(tr.Fields)*4)
	b = binary.BigEndian.AppendUint16(b, tr.TemplateId)

	switch {
	case tr.Options && v == version.NetflowV9:
		scope := 4 * int(tr.ScopeFieldCount)
		layout := tr.Layout(v)
		b = binary.BigEndian.AppendUint16(b, uint16(scope))
		b = binary.BigEndian.AppendUint16(b, uint16(len(layout)-scope))
		b = append(b, layout...)
		return w.Write(b)
	case tr.Options && !tr.IsWithdrawal():
		b = binary.BigEndian.AppendUint16(b, tr.FieldCount)
		b = binary.BigEndian.AppendUint16(b, tr.ScopeFieldCount)
	default:
		b = binary.BigEndian.AppendUint16(b, tr.FieldCount)
	}
	b = append(b, tr.Layout(v)...)
	return w.Write(b)
}

// Decode reads one record of a template set (or options template set, if tr.Options is
// set) of version v from r.
func (tr *TemplateRecord) Decode(v version.ProtocolVersion, r *bytes.Reader) (n int, err error) {
	start := r.Len()
	defer func() {
		n = start - r.Len()
	}()

	if tr.TemplateId, err = readUint16(r); err != nil {
		return
	}

	if tr.Options && v == version.NetflowV9 {
		var scopeLength, optionLength uint16
		if scopeLength, err = readUint16(r); err != nil {
			return
		}
		if optionLength, err = readUint16(r); err != nil {
			return
		}
		if scopeLength%4 != 0 || optionLength%4 != 0 {
			return 0, malformed("options template %d has scope length %d and option length %d", tr.TemplateId, scopeLength, optionLength)
		}
		tr.ScopeFieldCount = scopeLength / 4
		tr.FieldCount = tr.ScopeFieldCount + optionLength/4
	} else {
		if tr.FieldCount, err = readUint16(r); err != nil {
			return
		}
		if tr.FieldCount == 0 {
			if v != version.IPFIX {
				return 0, malformed("template %d has no fields", tr.TemplateId)
			}
			return
		}
		if tr.Options {
			if tr.ScopeFieldCount, err = readUint16(r); err != nil {
				return
			}
			if tr.ScopeFieldCount == 0 || tr.ScopeFieldCount > tr.FieldCount {
				return 0, malformed("options template %d has %d scope fields of %d", tr.TemplateId, tr.ScopeFieldCount, tr.FieldCount)
			}
		}
	}

	if tr.TemplateId < MinDataSetId {
		return 0, malformed("template id %d is reserved", tr.TemplateId)
	}

	tr.Fields = make([]FieldSpecifier, 0, int(tr.FieldCount))
	for i := 0; i < int(tr.FieldCount); i++ {
		var f FieldSpecifier
		if f, err = decodeFieldSpecifier(v, r); err != nil {
			return
		}
		tr.Fields = append(tr.Fields, f)
	}
	return
}

func decodeFieldSpecifier(v version.ProtocolVersion, r *bytes.Reader) (f FieldSpecifier, err error) {
	if f.Id, err = readUint16(r); err != nil {
		return
	}
	if f.Length, err = readUint16(r); err != nil {
		return
	}
	if v == version.IPFIX && f.Id&penMask != 0 {
		f.Id &^= penMask
		if f.EnterpriseNumber, err = readUint32(r); err != nil {
			return
		}
	}
	if v != version.IPFIX && f.IsVariableLength() {
		return f, malformed("field %d uses variable length outside of IPFIX", f.Id)
	}
	return
}

// ParseLayout turns a layout stored in the cache back into field specifiers.
func ParseLayout(v version.ProtocolVersion, layout []byte) ([]FieldSpecifier, error) {
	r := bytes.NewReader(layout)
	fields := make([]FieldSpecifier, 0, len(layout)/4)
	for r.Len() > 0 {
		f, err := decodeFieldSpecifier(v, r)
		if err != nil {
			return nil, err
		}
		fields = append(fields, f)
	}
	return fields, nil
}

// CountRecords returns the number of data records described by fields in the body of a
// data set. Trailing bytes too short for another record are padding.
func CountRecords(fields []FieldSpecifier, body []byte) (int, error) {
	fixed, variable := 0, 0
	for _, f := range fields {
		if f.IsVariableLength() {
			variable++
		} else {
			fixed += int(f.Length)
		}
	}

	if variable == 0 {
		if fixed == 0 {
			return 0, nil
		}
		return len(body) / fixed, nil
	}

	// each variable-length field takes at least its one-byte length prefix
	minimum := fixed + variable
	n := 0
	for len(body) >= minimum {
		for _, f := range fields {
			l := int(f.Length)
			if f.IsVariableLength() {
				if len(body) == 0 {
					return n, malformed("truncated variable-length field %d in record %d", f.Id, n)
				}
				l = int(body[0])
				body = body[1:]
				if l == 255 {
					if len(body) < 2 {
						return n, malformed("truncated variable-length field %d in record %d", f.Id, n)
					}
					l = int(binary.BigEndian.Uint16(body))
					body = body[2:]
				}
			}
			if len(body) < l {
				return n, malformed("field %d of record %d needs %d bytes, %d left", f.Id, n, l, len(body))
			}
			body = body[l:]
		}
		n++
	}
	return n, nil
}

func readUint16(r io.Reader) (uint16, error) {
	b := make([]byte, 2)
	if _, err := io.ReadFull(r, b); err != nil {
		return 0, malformed("truncated record, %v", err)
	}
	return binary.BigEndian.Uint16(b), nil
}

func readUint32(r io.Reader) (uint32, error) {
	b := make([]byte, 4)
	if _, err := io.ReadFull(r, b); err != nil {
		return 0, malformed("truncated record, %v", err)
	}
	return binary.BigEndian.Uint32(b), nil
}
