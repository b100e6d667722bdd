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
	"errors"
	"fmt"
	"net/netip"

	"github.com/zoomoid/go-flowpeer/iana/version"
)

var (
	// ErrTemplateNotFound is the base error used for indicating missing templates in caches.
	// It may be used in errors.Is() checks for error type, whereas compound errors constructed
	// with templateNotFound(...) cannot be compared with == due to including more information
	ErrTemplateNotFound error = errors.New("template not found")

	// ErrUnknownVersion indicates a version number that is neither NetFlow nor IPFIX, or a
	// fixed-format version used where templates are required.
	ErrUnknownVersion error = errors.New("unknown version")

	// ErrUnknownFlowId is used for indicating usage of a set ID that is reserved, i.e., neither
	// a template set nor a data set.
	ErrUnknownFlowId error = errors.New("unknown flow id")

	// ErrMalformedPacket is returned by the decoder when lengths in a header or set do not
	// add up with the bytes received.
	ErrMalformedPacket error = errors.New("malformed packet")

	// ErrInvalidConfig is returned for cache bounds that cannot be satisfied, i.e., zero or negative.
	ErrInvalidConfig error = errors.New("invalid configuration")

	// ErrDuplicateKey is returned by the bounded cache primitive when inserting a key that
	// is already present. The tables above it always look up first, so it only surfaces on misuse.
	ErrDuplicateKey error = errors.New("duplicate key")

	// ErrResourceExhausted is returned when storing an entry would exceed a resource limit that
	// cannot be resolved by evicting siblings, such as the layout size limit of a single template.
	ErrResourceExhausted error = errors.New("resource exhausted")
)

// templateNotFound wraps ErrTemplateNotFound to provide more information about _where_ the template
// was expected to be
func templateNotFound(peer netip.Addr, v version.ProtocolVersion, sourceId uint32, templateId uint16) error {
	return fmt.Errorf("%w for %d in source %d of peer %s (%s)", ErrTemplateNotFound, templateId, sourceId, peer, v)
}

func unknownVersion(v version.ProtocolVersion) error {
	return fmt.Errorf("%w %d", ErrUnknownVersion, uint16(v))
}

func UnknownFlowId(id uint16) error {
	return fmt.Errorf("%w %d", ErrUnknownFlowId, id)
}

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedPacket, fmt.Sprintf(format, args...))
}
