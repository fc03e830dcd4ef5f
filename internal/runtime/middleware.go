package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	errspkg "github.com/drblury/stardust/internal/runtime/errors"
	"github.com/drblury/stardust/internal/runtime/handlers"
	idspkg "github.com/drblury/stardust/internal/runtime/ids"
	loggingpkg "github.com/drblury/stardust/internal/runtime/logging"
	"github.com/drblury/stardust/internal/runtime/registry"
)

// MiddlewareBuilder constructs a handler middleware for the given Star. A nil
// middleware with a nil error skips the registration.
type MiddlewareBuilder func(*Star) (handlers.Middleware, error)

// MiddlewareRegistration names one stage of the handler chain.
type MiddlewareRegistration struct {
	Name       string
	Middleware handlers.Middleware
	Builder    MiddlewareBuilder
}

// RetryConfig tunes RetryMiddleware.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// RetryIf decides whether err is worth another attempt. Defaults to
	// retryable.
	RetryIf func(error) bool
}

func (cfg RetryConfig) withDefaults() RetryConfig {
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = time.Second
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 16 * time.Second
	}
	if cfg.RetryIf == nil {
		cfg.RetryIf = retryable
	}
	return cfg
}

// retryable rejects expected errors and payloads that will never decode.
func retryable(err error) bool {
	if errspkg.IsLevel(err, errspkg.LevelExpected) {
		return false
	}
	return !errors.Is(err, errspkg.ErrMalformedPayload)
}

// DefaultMiddlewares returns the chain every Star uses, outermost first.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogMessagesMiddleware(nil),
		TracerMiddleware(),
		MetricsMiddleware(),
		StatsMiddleware(),
		HooksMiddleware(),
		RetryMiddleware(RetryConfig{}),
		RecovererMiddleware(),
	}
}

// CorrelationIDMiddleware gives messages without a correlation id a fresh one.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "correlation_id",
		Middleware: func(next handlers.HandlerFunc) handlers.HandlerFunc {
			return func(ctx context.Context, msg handlers.Message) (any, error) {
				if msg.CorrelationID == "" {
					msg.CorrelationID = idspkg.NewCorrelationID()
				}
				return next(ctx, msg)
			}
		},
	}
}

// LogMessagesMiddleware logs every payload at debug level. A nil logger
// falls back to the Star's logger.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(s *Star) (handlers.Middleware, error) {
			l := logger
			if l == nil {
				l = s.Logger
			}
			if l == nil {
				return nil, errspkg.ErrLoggerRequired
			}
			return handlers.LogMessages(l), nil
		},
	}
}

// TracerMiddleware opens an OpenTelemetry span per dispatch.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{Name: "tracer", Middleware: handlers.Tracer()}
}

// MetricsMiddleware observes dispatch durations when metrics are enabled.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(s *Star) (handlers.Middleware, error) {
			if !s.Conf.MetricsEnabled {
				return nil, nil
			}
			return handlers.Metrics(s.metrics), nil
		},
	}
}

// StatsMiddleware feeds the per-endpoint report.
func StatsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "stats",
		Builder: func(s *Star) (handlers.Middleware, error) {
			return s.stats.Middleware(), nil
		},
	}
}

// HooksMiddleware runs the Star's job hooks.
func HooksMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "job_hooks",
		Builder: func(s *Star) (handlers.Middleware, error) {
			return JobHooksMiddleware(s.hooks), nil
		},
	}
}

// RetryMiddleware retries failed event handlers with exponential backoff
// before the event is acked. Fields left zero are read from the Star's
// config; retries are off while MaxRetries is zero. RPC and REST handlers
// are never retried.
func RetryMiddleware(cfg RetryConfig) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "retry",
		Builder: func(s *Star) (handlers.Middleware, error) {
			resolved := cfg
			if resolved.MaxRetries == 0 {
				resolved.MaxRetries = s.Conf.EventRetryMax
			}
			if resolved.InitialInterval == 0 {
				resolved.InitialInterval = s.Conf.EventRetryInitialInterval
			}
			if resolved.MaxInterval == 0 {
				resolved.MaxInterval = s.Conf.EventRetryMaxInterval
			}
			return newRetryMiddleware(resolved, s.Logger), nil
		},
	}
}

func newRetryMiddleware(cfg RetryConfig, logger loggingpkg.ServiceLogger) handlers.Middleware {
	if cfg.MaxRetries <= 0 {
		return nil
	}
	cfg = cfg.withDefaults()
	return func(next handlers.HandlerFunc) handlers.HandlerFunc {
		return func(ctx context.Context, msg handlers.Message) (any, error) {
			if !registry.Role(msg.Role).IsEvent() {
				return next(ctx, msg)
			}

			policy := backoff.NewExponentialBackOff()
			policy.InitialInterval = cfg.InitialInterval
			policy.MaxInterval = cfg.MaxInterval

			return backoff.Retry(ctx, func() (any, error) {
				out, err := next(ctx, msg)
				if err != nil && !cfg.RetryIf(err) {
					return out, backoff.Permanent(err)
				}
				return out, err
			},
				backoff.WithBackOff(policy),
				backoff.WithMaxTries(uint(cfg.MaxRetries)+1),
				backoff.WithMaxElapsedTime(0),
				backoff.WithNotify(func(err error, wait time.Duration) {
					logger.Info("Retrying event handler", loggingpkg.LogFields{
						handlers.FieldKey: msg.Key,
						"error":           err.Error(),
						"wait_ms":         wait.Milliseconds(),
					})
				}),
			)
		}
	}
}

// RecovererMiddleware turns handler panics into UNHANDLED_ERROR failures.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{Name: "recoverer", Middleware: handlers.Recoverer()}
}

func (s *Star) resolveMiddleware(reg MiddlewareRegistration) (handlers.Middleware, error) {
	switch {
	case reg.Middleware != nil:
		return reg.Middleware, nil
	case reg.Builder != nil:
		return reg.Builder(s)
	default:
		return nil, errors.New("middleware registration requires Middleware or Builder")
	}
}

func (s *Star) buildMiddlewares(registrations []MiddlewareRegistration) ([]handlers.Middleware, error) {
	chain := make([]handlers.Middleware, 0, len(registrations))
	for _, reg := range registrations {
		mw, err := s.resolveMiddleware(reg)
		if err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return nil, fmt.Errorf("middleware %s: %w", name, err)
		}
		if mw != nil {
			chain = append(chain, mw)
		}
	}
	return chain, nil
}
