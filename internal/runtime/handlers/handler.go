// Package handlers defines the invokable handler abstraction the dispatch
// engine calls, the typed adapters that decode payloads for it, and the
// middleware wrapped around every invocation.
package handlers

import (
	"context"
	"time"

	jsoncodec "github.com/drblury/stardust/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/stardust/internal/runtime/logging"
	metadatapkg "github.com/drblury/stardust/internal/runtime/metadata"
)

// Log field names shared by the dispatch engine.
const (
	FieldKey           = "key"
	FieldRoute         = "route"
	FieldRole          = "role"
	FieldCorrelationID = "correlation_id"
	FieldMessageID     = "message_id"
	FieldCode          = "code"
)

// Message is one inbound payload. For RPC and REST, Payload is the request
// body; for events it is the event body and Route the registered key that
// matched Key.
type Message struct {
	Role          string
	Key           string
	Route         string
	Payload       jsoncodec.RawMessage
	CorrelationID string
	MessageID     string
	PublishedAt   time.Time
	Metadata      metadatapkg.Metadata
	Logger        loggingpkg.ServiceLogger
}

// LogFields returns the fields identifying msg in logs.
func (m Message) LogFields() loggingpkg.LogFields {
	fields := loggingpkg.LogFields{FieldKey: m.Key}
	if m.Role != "" {
		fields[FieldRole] = m.Role
	}
	if m.Route != "" && m.Route != m.Key {
		fields[FieldRoute] = m.Route
	}
	if m.CorrelationID != "" {
		fields[FieldCorrelationID] = m.CorrelationID
	}
	if m.MessageID != "" {
		fields[FieldMessageID] = m.MessageID
	}
	return fields
}

// HandlerFunc processes a message. The result is JSON-encoded into the reply
// for RPC and REST; event handlers return nil.
type HandlerFunc func(ctx context.Context, msg Message) (any, error)

// Middleware wraps a HandlerFunc.
type Middleware func(HandlerFunc) HandlerFunc

// Chain wraps h so that the first middleware is the outermost.
func Chain(h HandlerFunc, mws ...Middleware) HandlerFunc {
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] != nil {
			h = mws[i](h)
		}
	}
	return h
}
