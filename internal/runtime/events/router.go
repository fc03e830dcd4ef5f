// Package events routes events from the topic exchange to handlers, in
// worker mode (one instance of the service handles each event) and fanout
// mode (every instance does), and publishes events and cron ticks.
package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/stardust/internal/runtime/errors"
	"github.com/drblury/stardust/internal/runtime/handlers"
	idspkg "github.com/drblury/stardust/internal/runtime/ids"
	jsoncodec "github.com/drblury/stardust/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/stardust/internal/runtime/logging"
	metadatapkg "github.com/drblury/stardust/internal/runtime/metadata"
	metricspkg "github.com/drblury/stardust/internal/runtime/metrics"
	"github.com/drblury/stardust/internal/runtime/registry"
	brokers "github.com/drblury/stardust/transport"
)

// watermillUUIDHeader is where watermill-amqp puts the message UUID.
const watermillUUIDHeader = "_watermill_message_uuid"

// Config names the exchange and queues the router binds.
type Config struct {
	Service     string
	InstanceID  string
	Exchange    string
	WorkerQueue string
	FanoutQueue string
}

// Router dispatches worker and fanout events and publishes new ones.
type Router struct {
	ch          brokers.Channel
	publisher   message.Publisher
	registry    *registry.Registry
	cfg         Config
	logger      loggingpkg.ServiceLogger
	metrics     *metricspkg.Metrics
	middlewares []handlers.Middleware

	wg sync.WaitGroup
}

// NewRouter creates a router consuming on ch and publishing through publisher.
func NewRouter(ch brokers.Channel, publisher message.Publisher, reg *registry.Registry, cfg Config, logger loggingpkg.ServiceLogger, m *metricspkg.Metrics, mws ...handlers.Middleware) *Router {
	if logger == nil {
		logger = loggingpkg.Discard()
	}
	return &Router{
		ch:          ch,
		publisher:   publisher,
		registry:    reg,
		cfg:         cfg,
		logger:      logger,
		metrics:     m,
		middlewares: mws,
	}
}

// SubscribeWorker binds the shared worker queue to every worker event key and consumes it.
func (r *Router) SubscribeWorker(ctx context.Context) error {
	return r.subscribe(ctx, registry.RoleWorkerEvent, r.cfg.WorkerQueue)
}

// SubscribeFanout binds this instance's fanout queue to every fanout event key and consumes it.
func (r *Router) SubscribeFanout(ctx context.Context) error {
	return r.subscribe(ctx, registry.RoleFanoutEvent, r.cfg.FanoutQueue)
}

// Wait blocks until both consumers have stopped.
func (r *Router) Wait() {
	r.wg.Wait()
}

func (r *Router) subscribe(ctx context.Context, role registry.Role, queue string) error {
	keys := r.registry.Keys(role)
	logger := r.logger.With(loggingpkg.LogFields{handlers.FieldRole: string(role), "queue": queue})
	if len(keys) == 0 {
		logger.Debug("No event handlers registered, not consuming", nil)
		return nil
	}

	var patterns []string
	for _, key := range keys {
		if err := r.ch.BindQueue(queue, key, r.cfg.Exchange); err != nil {
			return fmt.Errorf("bind %s to %s: %w", queue, key, err)
		}
		if IsCronKey(key) {
			patterns = append(patterns, key)
		}
	}

	deliveries, err := r.ch.Consume(ctx, queue)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}

	chains := make(map[string]handlers.HandlerFunc, len(keys))
	for _, key := range keys {
		desc, _ := r.registry.Lookup(role, key)
		chains[key] = handlers.Chain(desc.Handler, r.middlewares...)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for d := range deliveries {
			r.dispatch(ctx, role, d, patterns, chains, logger)
		}
		logger.Debug("Consumer stopped", nil)
	}()

	logger.Debug("Subscribed", loggingpkg.LogFields{"keys": keys})
	return nil
}

// resolve maps an event key to the registered key that handles it.
func (r *Router) resolve(role registry.Role, key string, patterns []string) (string, bool) {
	if IsCronKey(key) {
		return ResolveCron(patterns, key)
	}
	_, ok := r.registry.Lookup(role, key)
	return key, ok
}

func (r *Router) dispatch(ctx context.Context, role registry.Role, d brokers.Delivery, patterns []string, chains map[string]handlers.HandlerFunc, logger loggingpkg.ServiceLogger) {
	defer func() {
		if err := r.ch.Ack(d.DeliveryTag); err != nil {
			logger.Error("Failed to ack event", err, nil)
		}
	}()

	var in inbound
	if err := jsoncodec.Unmarshal(d.Body, &in); err != nil {
		logger.Error("Dropping malformed event", errspkg.Wrap(errspkg.CodeMalformedPayload, "", err),
			loggingpkg.LogFields{"routing_key": d.RoutingKey})
		return
	}
	if in.Key == "" {
		in.Key = d.RoutingKey
	}

	md := metadatapkg.FromHeaders(d.Headers)
	msg := handlers.Message{
		Role:          string(role),
		Key:           in.Key,
		Payload:       in.Body,
		CorrelationID: md[metadatapkg.KeyCorrelationID],
		MessageID:     d.MessageID,
		PublishedAt:   in.PublishedAt,
		Metadata:      md,
	}
	if msg.MessageID == "" {
		msg.MessageID = md[watermillUUIDHeader]
	}

	route, ok := r.resolve(role, in.Key, patterns)
	if !ok {
		err := errspkg.New(errspkg.CodeUnregisteredEventKey, in.Key)
		logger.Error("Unregistered event key", err, msg.LogFields())
		r.metrics.RecordUnregistered(string(role))
		return
	}
	msg.Route = route
	msg.Logger = logger.With(msg.LogFields())

	_, err := chains[route](ctx, msg)
	r.metrics.RecordEventHandled(string(role), route, err)
	if err != nil {
		msg.Logger.Error("Event handler failed", err, loggingpkg.LogFields{handlers.FieldCode: errspkg.CodeOf(err).Value()})
	}
}

// Publish sends body under key to the event exchange.
func (r *Router) Publish(ctx context.Context, key string, body any) error {
	return r.PublishEvent(ctx, NewEvent(key, body))
}

// PublishEvent sends evt with a ULID message id and origin headers.
func (r *Router) PublishEvent(ctx context.Context, evt Event) error {
	if evt.Key == "" {
		return errspkg.ErrTopicRequired
	}
	if r.publisher == nil {
		return errspkg.ErrPublisherRequired
	}
	if evt.PublishedAt.IsZero() {
		evt.PublishedAt = NewEvent("", nil).PublishedAt
	}

	payload, err := jsoncodec.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", evt.Key, err)
	}

	msg := message.NewMessage(idspkg.CreateULID(), payload)
	msg.Metadata = metadatapkg.ToWatermill(metadatapkg.New(
		metadatapkg.KeyOrigin, r.cfg.Service,
		metadatapkg.KeyOriginID, r.cfg.InstanceID,
	))
	msg.SetContext(ctx)

	if err := r.publisher.Publish(evt.Key, msg); err != nil {
		return fmt.Errorf("publish event %s: %w", evt.Key, err)
	}
	r.logger.Debug("Published event", loggingpkg.LogFields{handlers.FieldKey: evt.Key, handlers.FieldMessageID: msg.UUID})
	return nil
}
