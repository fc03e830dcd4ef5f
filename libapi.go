package stardust

import (
	"context"

	"github.com/drblury/stardust/coordination"
	runtimepkg "github.com/drblury/stardust/internal/runtime"
	configpkg "github.com/drblury/stardust/internal/runtime/config"
	errspkg "github.com/drblury/stardust/internal/runtime/errors"
	"github.com/drblury/stardust/internal/runtime/events"
	handlerpkg "github.com/drblury/stardust/internal/runtime/handlers"
	idspkg "github.com/drblury/stardust/internal/runtime/ids"
	jsoncodec "github.com/drblury/stardust/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/stardust/internal/runtime/logging"
	metadatapkg "github.com/drblury/stardust/internal/runtime/metadata"
	metricspkg "github.com/drblury/stardust/internal/runtime/metrics"
	"github.com/drblury/stardust/internal/runtime/presence"
	"github.com/drblury/stardust/internal/runtime/registry"
	"github.com/drblury/stardust/internal/runtime/rpc"
	transportpkg "github.com/drblury/stardust/internal/runtime/transport"
	brokers "github.com/drblury/stardust/transport"
)

type (
	Config           = configpkg.Config
	Star             = runtimepkg.Star
	StarDependencies = runtimepkg.StarDependencies
	Schedule         = runtimepkg.Schedule
	TransportFactory = transportpkg.Factory
	Store            = coordination.Store

	Role       = registry.Role
	Descriptor = registry.Descriptor
	Entry      = registry.Entry
	Option     = registry.Option

	Message             = handlerpkg.Message
	HandlerFunc         = handlerpkg.HandlerFunc
	Middleware          = handlerpkg.Middleware
	MessageContextBase  = handlerpkg.MessageContextBase
	RPCContext[T any]   = handlerpkg.RPCContext[T]
	EventContext[T any] = handlerpkg.EventContext[T]
	RESTRequest         = handlerpkg.RESTRequest

	Event         = events.Event
	Tick          = events.Tick
	ReplyEnvelope = rpc.ReplyEnvelope
	RemoteError   = rpc.RemoteError

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	RetryConfig            = runtimepkg.RetryConfig

	JobContext     = runtimepkg.JobContext
	JobHooks       = runtimepkg.JobHooks
	LifecycleHooks = runtimepkg.LifecycleHooks

	EndpointsReport = runtimepkg.EndpointsReport
	EndpointStats   = runtimepkg.EndpointStats
	LatencyMetrics  = runtimepkg.LatencyMetrics
	ErrorBreakdown  = runtimepkg.ErrorBreakdown
	ResourceUsage   = runtimepkg.ResourceUsage

	Metrics  = metricspkg.Metrics
	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	StarError             = errspkg.StarError
	ErrorCode             = errspkg.Code
	ErrorLevel            = errspkg.Level
	ConfigValidationError = errspkg.ConfigValidationError

	TransportCapabilities = brokers.Capabilities
)

const (
	RoleRPC         = registry.RoleRPC
	RoleREST        = registry.RoleREST
	RoleWorkerEvent = registry.RoleWorkerEvent
	RoleFanoutEvent = registry.RoleFanoutEvent

	LevelExpected = errspkg.LevelExpected
	LevelLogic    = errspkg.LevelLogic
	LevelFatal    = errspkg.LevelFatal

	CronPrefix    = events.CronPrefix
	EndpointsPath = runtimepkg.EndpointsPath
)

var (
	NewStar        = runtimepkg.NewStar
	LoadConfig     = configpkg.Load
	ValidateConfig = configpkg.ValidateConfig

	WithLevel   = registry.WithLevel
	WithContext = registry.WithContext
	WithName    = registry.WithName
	RPCKey      = registry.RPCKey
	RESTKey     = registry.RESTKey

	RequireLevel = handlerpkg.RequireLevel

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	StatsMiddleware         = runtimepkg.StatsMiddleware
	HooksMiddleware         = runtimepkg.HooksMiddleware
	RetryMiddleware         = runtimepkg.RetryMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware

	JobHooksMiddleware = runtimepkg.JobHooksMiddleware
	LoggingHooks       = runtimepkg.LoggingHooks
	MetricsHooks       = runtimepkg.MetricsHooks
	AlertingHooks      = runtimepkg.AlertingHooks

	NewMetrics = metricspkg.New

	MatchCron   = events.MatchCron
	ResolveCron = events.ResolveCron
	NewEvent    = events.NewEvent

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal

	NewDefaultLogger          = loggingpkg.NewDefaultLogger
	NewJSONLogger             = loggingpkg.NewJSONLogger
	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger

	NewMetadata = metadatapkg.New

	CreateULID    = idspkg.CreateULID
	NewInstanceID = idspkg.NewInstanceID

	GetTransportCapabilities = brokers.GetCapabilities

	NewError      = errspkg.New
	WrapError     = errspkg.Wrap
	ExpectedError = errspkg.Expected
	LogicError    = errspkg.Logic
	FatalError    = errspkg.Fatal
	LevelOf       = errspkg.LevelOf
	CodeOf        = errspkg.CodeOf

	ErrServiceRequired         = errspkg.ErrServiceRequired
	ErrHandlerRequired         = errspkg.ErrHandlerRequired
	ErrRoutingKeyRequired      = errspkg.ErrRoutingKeyRequired
	ErrUnknownRole             = errspkg.ErrUnknownRole
	ErrRegistryFrozen          = errspkg.ErrRegistryFrozen
	ErrPublisherRequired       = errspkg.ErrPublisherRequired
	ErrTopicRequired           = errspkg.ErrTopicRequired
	ErrConfigRequired          = errspkg.ErrConfigRequired
	ErrLoggerRequired          = errspkg.ErrLoggerRequired
	ErrTransportNotInitialized = errspkg.ErrTransportNotInitialized
	ErrAlreadyRunning          = errspkg.ErrAlreadyRunning

	ErrRPCTimeout           = errspkg.ErrRPCTimeout
	ErrMalformedPayload     = errspkg.ErrMalformedPayload
	ErrParamUserMissing     = errspkg.ErrParamUserMissing
	ErrUserHasNoAuthority   = errspkg.ErrUserHasNoAuthority
	ErrUnhandled            = errspkg.ErrUnhandled
	ErrMissingCoordToken    = errspkg.ErrMissingCoordToken
	ErrNotInitRESTEndpoint  = errspkg.ErrNotInitRESTEndpoint
	ErrUnregisteredEventKey = errspkg.ErrUnregisteredEventKey
	ErrTransportInitFailed  = errspkg.ErrTransportInitFailed
)

func RegisterRPCHandler[T any, O any](s *Star, name string, fn func(ctx context.Context, req RPCContext[T]) (O, error), opts ...Option) error {
	return runtimepkg.RegisterRPCHandler(s, name, fn, opts...)
}

func RegisterRESTHandler[O any](s *Star, route string, fn func(ctx context.Context, req RESTRequest) (O, error), opts ...Option) error {
	return runtimepkg.RegisterRESTHandler(s, route, fn, opts...)
}

func RegisterWorkerEventHandler[T any](s *Star, key string, fn func(ctx context.Context, evt EventContext[T]) error, opts ...Option) error {
	return runtimepkg.RegisterWorkerEventHandler(s, key, fn, opts...)
}

func RegisterFanoutEventHandler[T any](s *Star, key string, fn func(ctx context.Context, evt EventContext[T]) error, opts ...Option) error {
	return runtimepkg.RegisterFanoutEventHandler(s, key, fn, opts...)
}

// PublishedEndpoints reads the metadata other instances of service published
// for role, keyed by routing key.
func PublishedEndpoints(ctx context.Context, store Store, role Role, service string) (map[string]map[string]any, error) {
	return presence.Endpoints(ctx, store, role, service)
}
