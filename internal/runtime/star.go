package runtime

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/drblury/stardust/coordination"
	configpkg "github.com/drblury/stardust/internal/runtime/config"
	errspkg "github.com/drblury/stardust/internal/runtime/errors"
	"github.com/drblury/stardust/internal/runtime/events"
	"github.com/drblury/stardust/internal/runtime/handlers"
	idspkg "github.com/drblury/stardust/internal/runtime/ids"
	loggingpkg "github.com/drblury/stardust/internal/runtime/logging"
	metricspkg "github.com/drblury/stardust/internal/runtime/metrics"
	"github.com/drblury/stardust/internal/runtime/presence"
	"github.com/drblury/stardust/internal/runtime/registry"
	"github.com/drblury/stardust/internal/runtime/rpc"
	transportpkg "github.com/drblury/stardust/internal/runtime/transport"

	// Register the coordination stores selectable through COORDINATION_SYSTEM.
	_ "github.com/drblury/stardust/coordination/etcd"
	_ "github.com/drblury/stardust/coordination/memory"
)

// shutdownTimeout bounds the deregistration and scheduler drain on shutdown.
const shutdownTimeout = 10 * time.Second

// storeFactory builds the coordination store when none is injected.
var storeFactory = coordination.Build

// Schedule publishes Key every time the cron Spec fires.
type Schedule struct {
	Spec string
	Key  string
}

// StarDependencies holds the optional collaborators of a Star. Leave fields
// zero to get the defaults.
type StarDependencies struct {
	TransportFactory transportpkg.Factory
	// Store replaces the store selected by COORDINATION_SYSTEM. The Star does
	// not close an injected store.
	Store coordination.Store
	// Metrics defaults to collectors on the Prometheus default registry.
	Metrics                   *metricspkg.Metrics
	Middlewares               []MiddlewareRegistration // Appended after the default chain.
	DisableDefaultMiddlewares bool
	Hooks                     JobHooks
	Lifecycle                 LifecycleHooks
	// Schedules turns on the cron scheduler. Run it in one process per system.
	Schedules  []Schedule
	InstanceID string
}

// Star is one running instance of a service. Register handlers, then Run.
type Star struct {
	Conf       *configpkg.Config
	Logger     loggingpkg.ServiceLogger
	InstanceID string

	registry   *registry.Registry
	channels   *transportpkg.Channels
	store      coordination.Store
	ownsStore  bool
	metrics    *metricspkg.Metrics
	stats      *statsBook
	resources  *resourceSampler
	hooks      JobHooks
	lifecycle  LifecycleHooks
	schedules  []Schedule
	extraMW    []MiddlewareRegistration
	noDefaults bool

	presence  *presence.Counter
	server    *rpc.Server
	client    *rpc.Client
	router    *events.Router
	scheduler *events.Scheduler

	mu      sync.Mutex
	running bool
	// started closes once the RPC client and the event router exist, before
	// PostInitialize runs; ready closes once Run is fully up.
	started chan struct{}
	ready   chan struct{}
}

// NewStar prepares a Star for conf. Nothing connects until Run.
func NewStar(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps StarDependencies) (*Star, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}

	instanceID := deps.InstanceID
	if instanceID == "" {
		instanceID = idspkg.NewInstanceID()
	}
	m := deps.Metrics
	if m == nil {
		m = metricspkg.New(nil)
	}

	s := &Star{
		Conf:       conf,
		Logger:     log.With(loggingpkg.LogFields{"service": conf.ServiceName, "instance": instanceID}),
		InstanceID: instanceID,
		registry:   registry.New(),
		store:      deps.Store,
		metrics:    m,
		stats:      newStatsBook(),
		resources:  newResourceSampler(),
		hooks:      deps.Hooks,
		lifecycle:  deps.Lifecycle,
		schedules:  deps.Schedules,
		extraMW:    deps.Middlewares,
		noDefaults: deps.DisableDefaultMiddlewares,
		started:    make(chan struct{}),
		ready:      make(chan struct{}),
	}
	s.channels = transportpkg.New(deps.TransportFactory, conf, transportpkg.Topology{
		Service:    conf.ServiceName,
		InstanceID: instanceID,
	}, s.Logger)

	s.Logger.Info("Creating star", loggingpkg.LogFields{"broker_system": conf.BrokerSystem, "config": conf})
	return s, nil
}

// Registry exposes the endpoint registry, read-only once Run starts.
func (s *Star) Registry() *registry.Registry { return s.registry }

// Ready is closed once every consumer runs and PostInitialize returned.
func (s *Star) Ready() <-chan struct{} { return s.ready }

// Run connects, registers the instance, starts every consumer and blocks
// until ctx is cancelled. It then shuts down in reverse order. Errors before
// ctx is cancelled are fatal to the process.
func (s *Star) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errspkg.ErrAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()

	if err := configpkg.ValidateConfig(s.Conf); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.start(ctx, runCtx); err != nil {
		cancel()
		s.teardown()
		return err
	}
	close(s.ready)
	s.Logger.Info("Star is running", nil)

	<-ctx.Done()
	s.Logger.Info("Shutting down", nil)

	cancel()
	return s.teardown()
}

func (s *Star) start(ctx, runCtx context.Context) error {
	if s.store == nil {
		store, err := storeFactory(ctx, s.Conf)
		if err != nil {
			return errspkg.Wrap(errspkg.CodeTransportInitFailed, "coordination store", err)
		}
		s.store, s.ownsStore = store, true
	}

	if err := s.channels.Initialize(ctx); err != nil {
		return err
	}

	s.presence = presence.New(s.store, s.Conf.ServiceName, s.Logger, s.metrics)
	if err := s.presence.RegisterInstance(ctx); err != nil {
		s.presence = nil
		return err
	}
	if err := s.presence.PublishMetadata(ctx, s.registry); err != nil {
		return err
	}
	s.registry.Freeze()

	if s.Conf.MetricsEnabled {
		if err := s.metrics.Register(); err != nil {
			return err
		}
	}
	registrations := s.extraMW
	if !s.noDefaults {
		registrations = append(DefaultMiddlewares(), s.extraMW...)
	}
	chain, err := s.buildMiddlewares(registrations)
	if err != nil {
		return err
	}

	rpcCh, err := s.channels.RPCChannel()
	if err != nil {
		return err
	}
	s.server = rpc.NewServer(rpcCh, s.registry, s.Logger, chain...)
	for _, role := range []registry.Role{registry.RoleRPC, registry.RoleREST} {
		if err := s.server.ServeAll(runCtx, role); err != nil {
			return err
		}
	}
	s.client = rpc.NewClient(rpcCh, s.Conf.RPCTimeout, s.Logger, s.metrics)

	eventCh, err := s.channels.EventChannel()
	if err != nil {
		return err
	}
	publisher, err := s.channels.EventPublisher()
	if err != nil {
		return err
	}
	topo := s.channels.Topology()
	s.router = events.NewRouter(eventCh, publisher, s.registry, events.Config{
		Service:     topo.Service,
		InstanceID:  topo.InstanceID,
		Exchange:    topo.Exchange,
		WorkerQueue: topo.WorkerQueue(),
		FanoutQueue: topo.FanoutQueue(),
	}, s.Logger, s.metrics, chain...)
	if err := s.router.SubscribeWorker(runCtx); err != nil {
		return err
	}
	if err := s.router.SubscribeFanout(runCtx); err != nil {
		return err
	}
	close(s.started)

	if s.Conf.MetricsEnabled {
		go func() {
			extra := map[string]http.Handler{EndpointsPath: http.HandlerFunc(s.handleEndpoints)}
			if err := s.metrics.Serve(runCtx, s.Conf.MetricsPort, s.Logger, extra); err != nil {
				s.Logger.Error("Metrics server failed", err, nil)
			}
		}()
	}

	if len(s.schedules) > 0 {
		s.scheduler = events.NewScheduler(s.router, s.Logger)
		for _, sch := range s.schedules {
			if _, err := s.scheduler.Add(sch.Spec, sch.Key); err != nil {
				return fmt.Errorf("schedule %s: %w", sch.Key, err)
			}
		}
		s.scheduler.Start()
	}

	if s.lifecycle.PostInitialize != nil {
		if err := s.lifecycle.PostInitialize(ctx, s); err != nil {
			return fmt.Errorf("post-initialize: %w", err)
		}
	}
	return nil
}

// teardown stops in reverse start order. The instance is deregistered before
// the transport closes. Failures are logged; only PostDestroy's error is returned.
func (s *Star) teardown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if s.scheduler != nil {
		s.scheduler.Stop(ctx)
	}
	if s.presence != nil {
		if err := s.presence.DeregisterInstance(ctx); err != nil {
			s.Logger.Error("Failed to deregister instance", err, nil)
		}
	}
	if s.client != nil {
		s.client.Close()
	}
	if s.server != nil {
		s.server.Wait()
	}
	if s.router != nil {
		s.router.Wait()
	}
	s.channels.Destroy()
	if s.ownsStore && s.store != nil {
		if err := s.store.Close(); err != nil {
			s.Logger.Error("Failed to close coordination store", err, nil)
		}
	}

	if s.lifecycle.PostDestroy != nil {
		if err := s.lifecycle.PostDestroy(ctx, s); err != nil {
			return fmt.Errorf("post-destroy: %w", err)
		}
	}
	s.Logger.Info("Star stopped", nil)
	return nil
}

func (s *Star) rpcClient() (*rpc.Client, error) {
	select {
	case <-s.started:
		return s.client, nil
	default:
		return nil, errspkg.ErrTransportNotInitialized
	}
}

// Invoke sends payload to the RPC or REST endpoint key and waits for the reply.
func (s *Star) Invoke(ctx context.Context, key string, payload any) (*rpc.ReplyEnvelope, error) {
	client, err := s.rpcClient()
	if err != nil {
		return nil, err
	}
	return client.Invoke(ctx, key, payload)
}

// Call invokes key and decodes the reply data into out. A failure reply
// comes back as *rpc.RemoteError.
func (s *Star) Call(ctx context.Context, key string, payload, out any) error {
	client, err := s.rpcClient()
	if err != nil {
		return err
	}
	return client.Call(ctx, key, payload, out)
}

// CallRPC calls the RPC endpoint registered under name by any service.
func (s *Star) CallRPC(ctx context.Context, name string, payload, out any) error {
	return s.Call(ctx, registry.RPCKey(name), payload, out)
}

// CallREST calls the REST endpoint for method and path with req.
func (s *Star) CallREST(ctx context.Context, method, path string, req handlers.RESTRequest, out any) error {
	return s.Call(ctx, registry.RESTKey(method, path), req, out)
}

// Publish sends an event under key.
func (s *Star) Publish(ctx context.Context, key string, body any) error {
	select {
	case <-s.started:
	default:
		return errspkg.ErrTransportNotInitialized
	}
	return s.router.Publish(ctx, key, body)
}

// InstanceCount reads the presence counter of this service.
func (s *Star) InstanceCount(ctx context.Context) (int, error) {
	if s.presence == nil {
		return 0, errspkg.ErrTransportNotInitialized
	}
	return s.presence.Count(ctx)
}
