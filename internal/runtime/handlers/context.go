package handlers

import (
	"time"

	loggingpkg "github.com/drblury/stardust/internal/runtime/logging"
	metadatapkg "github.com/drblury/stardust/internal/runtime/metadata"
)

// MessageContextBase carries what every typed handler context shares.
type MessageContextBase struct {
	Key           string
	CorrelationID string
	Metadata      metadatapkg.Metadata
	Logger        loggingpkg.ServiceLogger
}

// CloneMetadata returns a copy of the headers so handlers can mutate them
// for outgoing events without touching the inbound map.
func (b MessageContextBase) CloneMetadata() metadatapkg.Metadata {
	return b.Metadata.Clone()
}

// Get retrieves a header value by key.
func (b MessageContextBase) Get(key string) string {
	return b.Metadata[key]
}

// RPCContext is handed to typed RPC handlers.
type RPCContext[T any] struct {
	MessageContextBase
	Payload T
}

// EventContext is handed to typed event handlers. Key is the key the event
// was published under; Route is the registered key it resolved to.
type EventContext[T any] struct {
	MessageContextBase
	Route       string
	Body        T
	PublishedAt time.Time
}

func baseFrom(msg Message) MessageContextBase {
	return MessageContextBase{
		Key:           msg.Key,
		CorrelationID: msg.CorrelationID,
		Metadata:      msg.Metadata,
		Logger:        msg.Logger,
	}
}
