package handlers

import (
	"context"

	errspkg "github.com/drblury/stardust/internal/runtime/errors"
	jsoncodec "github.com/drblury/stardust/internal/runtime/jsoncodec"
)

// RPCHandler adapts a typed RPC function. The payload is decoded into T;
// decode failures are reported as MALFORMED_PAYLOAD.
func RPCHandler[T any, O any](fn func(ctx context.Context, req RPCContext[T]) (O, error)) HandlerFunc {
	if fn == nil {
		return nil
	}
	return func(ctx context.Context, msg Message) (any, error) {
		var payload T
		if err := decode(msg.Payload, &payload); err != nil {
			return nil, err
		}
		return fn(ctx, RPCContext[T]{MessageContextBase: baseFrom(msg), Payload: payload})
	}
}

// EventHandler adapts a typed event function.
func EventHandler[T any](fn func(ctx context.Context, evt EventContext[T]) error) HandlerFunc {
	if fn == nil {
		return nil
	}
	return func(ctx context.Context, msg Message) (any, error) {
		var body T
		if err := decode(msg.Payload, &body); err != nil {
			return nil, err
		}
		return nil, fn(ctx, EventContext[T]{
			MessageContextBase: baseFrom(msg),
			Route:              msg.Route,
			Body:               body,
			PublishedAt:        msg.PublishedAt,
		})
	}
}

// RESTHandler adapts a REST-over-queue function. Handlers decode the body
// themselves through RESTRequest.Bind.
func RESTHandler[O any](fn func(ctx context.Context, req RESTRequest) (O, error)) HandlerFunc {
	if fn == nil {
		return nil
	}
	return func(ctx context.Context, msg Message) (any, error) {
		req, err := ParseRESTRequest(msg.Payload)
		if err != nil {
			return nil, err
		}
		req.MessageContextBase = baseFrom(msg)
		return fn(ctx, req)
	}
}

func decode(payload []byte, v any) error {
	if len(payload) == 0 {
		return nil
	}
	if err := jsoncodec.Unmarshal(payload, v); err != nil {
		return errspkg.Wrap(errspkg.CodeMalformedPayload, "decode payload", err)
	}
	return nil
}
