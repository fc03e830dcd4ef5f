package runtime

import (
	"context"
	"time"

	"github.com/drblury/stardust/internal/runtime/handlers"
	loggingpkg "github.com/drblury/stardust/internal/runtime/logging"
	metadatapkg "github.com/drblury/stardust/internal/runtime/metadata"
)

// JobContext describes one handler invocation to hooks.
type JobContext struct {
	// Role is the endpoint role the message was dispatched under.
	Role string
	// Key is the routing key the message carried.
	Key string
	// Route is the registered key that matched, which differs from Key for cron patterns.
	Route         string
	MessageID     string
	CorrelationID string
	Metadata      metadatapkg.Metadata
	Context       context.Context
	StartedAt     time.Time
	// Duration is only set in OnJobDone and OnJobError.
	Duration time.Duration
}

// JobHooks are optional callbacks around every handler invocation.
type JobHooks struct {
	OnJobStart func(ctx JobContext)
	OnJobDone  func(ctx JobContext)
	OnJobError func(ctx JobContext, err error)
}

// Merge returns hooks that call h first and then other.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chainHooks(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chainHooks(h.OnJobDone, other.OnJobDone),
		OnJobError: chainErrorHooks(h.OnJobError, other.OnJobError),
	}
}

func (h JobHooks) empty() bool {
	return h.OnJobStart == nil && h.OnJobDone == nil && h.OnJobError == nil
}

func chainHooks(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// JobHooksMiddleware invokes hooks around the handler. It returns nil when
// no hook is set.
func JobHooksMiddleware(hooks JobHooks) handlers.Middleware {
	if hooks.empty() {
		return nil
	}
	return func(next handlers.HandlerFunc) handlers.HandlerFunc {
		return func(ctx context.Context, msg handlers.Message) (any, error) {
			job := JobContext{
				Role:          msg.Role,
				Key:           msg.Key,
				Route:         msg.Route,
				MessageID:     msg.MessageID,
				CorrelationID: msg.CorrelationID,
				Metadata:      msg.Metadata,
				Context:       ctx,
				StartedAt:     time.Now(),
			}
			if hooks.OnJobStart != nil {
				hooks.OnJobStart(job)
			}

			out, err := next(ctx, msg)

			job.Duration = time.Since(job.StartedAt)
			if err != nil {
				if hooks.OnJobError != nil {
					hooks.OnJobError(job, err)
				}
			} else if hooks.OnJobDone != nil {
				hooks.OnJobDone(job)
			}
			return out, err
		}
	}
}

// LoggingHooks logs job lifecycle events at info level.
func LoggingHooks(logger loggingpkg.ServiceLogger) JobHooks {
	fields := func(ctx JobContext) loggingpkg.LogFields {
		f := loggingpkg.LogFields{
			handlers.FieldRole:      ctx.Role,
			handlers.FieldKey:       ctx.Key,
			handlers.FieldMessageID: ctx.MessageID,
		}
		if ctx.Duration > 0 {
			f["duration_ms"] = ctx.Duration.Milliseconds()
		}
		return f
	}
	return JobHooks{
		OnJobStart: func(ctx JobContext) { logger.Info("Job started", fields(ctx)) },
		OnJobDone:  func(ctx JobContext) { logger.Info("Job completed", fields(ctx)) },
		OnJobError: func(ctx JobContext, err error) { logger.Error("Job failed", err, fields(ctx)) },
	}
}

// MetricsHooks forwards lifecycle events to counters keyed by role and key.
func MetricsHooks(onStart, onDone, onError func(role, key string)) JobHooks {
	call := func(fn func(role, key string)) func(JobContext) {
		if fn == nil {
			return nil
		}
		return func(ctx JobContext) { fn(ctx.Role, ctx.Key) }
	}
	hooks := JobHooks{OnJobStart: call(onStart), OnJobDone: call(onDone)}
	if onError != nil {
		hooks.OnJobError = func(ctx JobContext, err error) { onError(ctx.Role, ctx.Key) }
	}
	return hooks
}

// AlertingHooks calls alert on every failed job.
func AlertingHooks(alert func(ctx JobContext, err error)) JobHooks {
	return JobHooks{OnJobError: alert}
}

// LifecycleHooks run around the Star's lifetime. PostInitialize runs once
// every consumer is up; an error aborts Run. PostDestroy runs after the
// transport is closed.
type LifecycleHooks struct {
	PostInitialize func(ctx context.Context, s *Star) error
	PostDestroy    func(ctx context.Context, s *Star) error
}
