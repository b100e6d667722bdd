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

package version

import (
	"errors"
	"strings"
)

// ProtocolVersion is the version number found in the first two bytes of every
// NetFlow and IPFIX message.
type ProtocolVersion uint16

var (
	ErrUnknownProtocolVersion = errors.New("unknown protocol version")
)

const (
	Unknown ProtocolVersion = 0

	NetflowV1 ProtocolVersion = 1
	NetflowV5 ProtocolVersion = 5
	NetflowV7 ProtocolVersion = 7
	NetflowV9 ProtocolVersion = 9

	IPFIX ProtocolVersion = 10
)

// Templated lists the versions whose data records are described by templates
// sent in-band by the exporter.
var Templated = []ProtocolVersion{NetflowV9, IPFIX}

func (p ProtocolVersion) String() string {
	switch p {
	case NetflowV1:
		return "NetflowV1"
	case NetflowV5:
		return "NetflowV5"
	case NetflowV7:
		return "NetflowV7"
	case NetflowV9:
		return "NetflowV9"
	case IPFIX:
		return "IPFIX"
	default:
		return "Unknown"
	}
}

// IsTemplated reports whether data records of this version need a template to be decoded.
func (p ProtocolVersion) IsTemplated() bool {
	return p == NetflowV9 || p == IPFIX
}

// IsKnown reports whether p is any supported version.
func (p ProtocolVersion) IsKnown() bool {
	return p.String() != "Unknown"
}

func (p ProtocolVersion) MarshalText() ([]byte, error) {
	s := p.String()
	if s == "Unknown" {
		return nil, ErrUnknownProtocolVersion
	}
	b := []byte(s)
	return b, nil
}

func (p *ProtocolVersion) UnmarshalText(in []byte) error {
	switch strings.ToLower(string(in)) {
	case "netflowv1", "v1", "1":
		*p = NetflowV1
	case "netflowv5", "v5", "5":
		*p = NetflowV5
	case "netflowv7", "v7", "7":
		*p = NetflowV7
	case "netflowv9", "v9", "9":
		*p = NetflowV9
	case "ipfix", "v10", "10":
		*p = IPFIX
	default:
		return ErrUnknownProtocolVersion
	}
	return nil
}
