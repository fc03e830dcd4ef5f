package handlers

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/stardust/internal/runtime/errors"
	loggingpkg "github.com/drblury/stardust/internal/runtime/logging"
	metricspkg "github.com/drblury/stardust/internal/runtime/metrics"
)

// TracerName is the instrumentation name of dispatch spans.
const TracerName = "github.com/drblury/stardust"

// Recoverer converts panics into UNHANDLED_ERROR so a handler cannot take the
// consumer down.
func Recoverer() Middleware {
	return func(h HandlerFunc) HandlerFunc {
		return func(ctx context.Context, msg Message) (result any, err error) {
			defer func() {
				if r := recover(); r != nil {
					result = nil
					err = errspkg.Wrap(errspkg.CodeUnhandledError, "handler panicked",
						fmt.Errorf("panic: %v\n%s", r, debug.Stack()))
				}
			}()
			return h(ctx, msg)
		}
	}
}

// Tracer wraps handler execution in an OpenTelemetry span.
func Tracer() Middleware {
	return func(h HandlerFunc) HandlerFunc {
		return func(ctx context.Context, msg Message) (any, error) {
			ctx, span := otel.Tracer(TracerName).Start(ctx, "Dispatch "+msg.Key,
				trace.WithSpanKind(trace.SpanKindConsumer))
			defer span.End()

			span.SetAttributes(
				attribute.String("stardust.role", msg.Role),
				attribute.String("stardust.key", msg.Key),
				attribute.String("stardust.route", msg.Route),
				attribute.String("messaging.message.conversation_id", msg.CorrelationID),
				attribute.String("messaging.message.id", msg.MessageID),
			)

			result, err := h(ctx, msg)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				span.SetAttributes(attribute.Int("stardust.error_code", errspkg.CodeOf(err).Value()))
			}
			return result, err
		}
	}
}

// Metrics records the handler duration. A nil m disables it.
func Metrics(m *metricspkg.Metrics) Middleware {
	if m == nil {
		return nil
	}
	return func(h HandlerFunc) HandlerFunc {
		return func(ctx context.Context, msg Message) (any, error) {
			start := time.Now()
			result, err := h(ctx, msg)
			route := msg.Route
			if route == "" {
				route = msg.Key
			}
			m.ObserveDispatch(msg.Role, route, time.Since(start), err)
			return result, err
		}
	}
}

// LogMessages logs every payload at debug level.
func LogMessages(logger loggingpkg.ServiceLogger) Middleware {
	if logger == nil {
		return nil
	}
	return func(h HandlerFunc) HandlerFunc {
		return func(ctx context.Context, msg Message) (any, error) {
			fields := msg.LogFields()
			fields["payload"] = string(msg.Payload)
			if len(msg.Metadata) > 0 {
				fields["metadata"] = msg.Metadata
			}
			logger.Debug("Processing message", fields)
			return h(ctx, msg)
		}
	}
}

// RequireLevel rejects REST requests whose user is missing or below level.
// Levels at or below LevelAll let every request through.
func RequireLevel(level int) Middleware {
	if level <= LevelAll {
		return nil
	}
	return func(h HandlerFunc) HandlerFunc {
		return func(ctx context.Context, msg Message) (any, error) {
			req, err := ParseRESTRequest(msg.Payload)
			if err != nil {
				return nil, err
			}
			got, err := req.UserLevel()
			if err != nil {
				return nil, err
			}
			if got < level {
				return nil, errspkg.New(errspkg.CodeUserHasNoAuthority,
					fmt.Sprintf("level %d required, user has %d", level, got))
			}
			return h(ctx, msg)
		}
	}
}
