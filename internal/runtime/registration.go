package runtime

import (
	"context"

	errspkg "github.com/drblury/stardust/internal/runtime/errors"
	"github.com/drblury/stardust/internal/runtime/handlers"
	"github.com/drblury/stardust/internal/runtime/registry"
)

// Register adds h under key for role. Registration must happen before Run
// starts the consumers.
func (s *Star) Register(role registry.Role, key string, h handlers.HandlerFunc, opts ...registry.Option) error {
	if s == nil {
		return errspkg.ErrServiceRequired
	}
	if h == nil {
		return errspkg.ErrHandlerRequired
	}
	desc := registry.NewDescriptor(h, append([]registry.Option{registry.WithOwner(s.Conf.ServiceName)}, opts...)...)
	if desc.Name == "" {
		desc.Name = key
	}
	if err := s.registry.Register(role, key, desc); err != nil {
		return err
	}
	s.stats.track(role, key, desc.Context)
	return nil
}

// RegisterRPC serves h on the queue RPC@name.
func (s *Star) RegisterRPC(name string, h handlers.HandlerFunc, opts ...registry.Option) error {
	if name == "" {
		return errspkg.ErrRoutingKeyRequired
	}
	return s.Register(registry.RoleRPC, registry.RPCKey(name), h, append([]registry.Option{registry.WithName(name)}, opts...)...)
}

// RegisterREST serves h for route, written as "GET /users/:id". A route
// without method or path fails with NOT_INIT_REST_ENDPOINT.
func (s *Star) RegisterREST(route string, h handlers.HandlerFunc, opts ...registry.Option) error {
	method, path, err := registry.ParseRoute(route)
	if err != nil {
		return err
	}
	return s.Register(registry.RoleREST, registry.RESTKey(method, path), h, opts...)
}

// RegisterWorkerEvent handles key on the shared worker queue, once per service.
func (s *Star) RegisterWorkerEvent(key string, h handlers.HandlerFunc, opts ...registry.Option) error {
	return s.Register(registry.RoleWorkerEvent, key, h, opts...)
}

// RegisterFanoutEvent handles key on this instance's fanout queue, once per instance.
func (s *Star) RegisterFanoutEvent(key string, h handlers.HandlerFunc, opts ...registry.Option) error {
	return s.Register(registry.RoleFanoutEvent, key, h, opts...)
}

// RegisterRPCHandler registers a typed RPC handler.
func RegisterRPCHandler[T any, O any](s *Star, name string, fn func(ctx context.Context, req handlers.RPCContext[T]) (O, error), opts ...registry.Option) error {
	return s.RegisterRPC(name, handlers.RPCHandler(fn), opts...)
}

// RegisterRESTHandler registers a typed REST handler.
func RegisterRESTHandler[O any](s *Star, route string, fn func(ctx context.Context, req handlers.RESTRequest) (O, error), opts ...registry.Option) error {
	return s.RegisterREST(route, handlers.RESTHandler(fn), opts...)
}

// RegisterWorkerEventHandler registers a typed worker event handler.
func RegisterWorkerEventHandler[T any](s *Star, key string, fn func(ctx context.Context, evt handlers.EventContext[T]) error, opts ...registry.Option) error {
	return s.RegisterWorkerEvent(key, handlers.EventHandler(fn), opts...)
}

// RegisterFanoutEventHandler registers a typed fanout event handler.
func RegisterFanoutEventHandler[T any](s *Star, key string, fn func(ctx context.Context, evt handlers.EventContext[T]) error, opts ...registry.Option) error {
	return s.RegisterFanoutEvent(key, handlers.EventHandler(fn), opts...)
}
