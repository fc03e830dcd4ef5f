package metadata

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
)

// Header names the runtime sets on outgoing events.
const (
	KeyOrigin        = "origin"
	KeyOriginID      = "origin_instance"
	KeyCorrelationID = "correlation_id"
)

// Metadata represents the headers carried alongside a message.
type Metadata map[string]string

// Clone returns a shallow copy. The result is never nil.
func (m Metadata) Clone() Metadata {
	cloned := make(Metadata, len(m))
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// With returns a copy containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.Clone()
	cloned[key] = value
	return cloned
}

// New constructs a Metadata map from alternating key/value pairs.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}

// FromHeaders converts broker headers. Non-string values are formatted with %v.
func FromHeaders(headers map[string]any) Metadata {
	md := make(Metadata, len(headers))
	for k, v := range headers {
		switch value := v.(type) {
		case string:
			md[k] = value
		case []byte:
			md[k] = string(value)
		case nil:
			md[k] = ""
		default:
			md[k] = fmt.Sprintf("%v", value)
		}
	}
	return md
}

// ToWatermill converts metadata into a Watermill map.
func ToWatermill(md Metadata) message.Metadata {
	wm := make(message.Metadata, len(md))
	for k, v := range md {
		wm[k] = v
	}
	return wm
}
