// Package transport owns the broker connection of a Star: the RPC channel,
// the event channel, the event exchange and the per-service queues.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/stardust/internal/runtime/errors"
	loggingpkg "github.com/drblury/stardust/internal/runtime/logging"
	brokers "github.com/drblury/stardust/transport"
)

// DefaultPrefetch bounds unacknowledged deliveries per consumer.
const DefaultPrefetch = 1

// Topology names what Initialize declares.
type Topology struct {
	Service    string
	InstanceID string
	Exchange   string
	Prefetch   int
}

// WorkerQueue is shared by every instance of the service.
func (t Topology) WorkerQueue() string { return t.Service }

// FanoutQueue is private to this instance.
func (t Topology) FanoutQueue() string { return t.Service + "." + t.InstanceID }

// Channels is the broker side of a Star.
type Channels struct {
	factory  Factory
	cfg      brokers.Config
	topology Topology
	logger   loggingpkg.ServiceLogger

	mu        sync.RWMutex
	conn      brokers.Connection
	rpc       brokers.Channel
	events    brokers.Channel
	publisher message.Publisher
}

// New prepares a transport. Nothing is opened until Initialize.
func New(factory Factory, cfg brokers.Config, topology Topology, logger loggingpkg.ServiceLogger) *Channels {
	if factory == nil {
		factory = DefaultFactory()
	}
	if topology.Prefetch <= 0 {
		topology.Prefetch = DefaultPrefetch
	}
	if topology.Exchange == "" && cfg != nil {
		topology.Exchange = cfg.GetExchange()
	}
	if logger == nil {
		logger = loggingpkg.Discard()
	}
	return &Channels{factory: factory, cfg: cfg, topology: topology, logger: logger}
}

// Topology returns the names declared by Initialize.
func (c *Channels) Topology() Topology { return c.topology }

// Initialize connects and declares the exchange, the worker queue and the
// fanout queue. It is all-or-nothing: on failure every queue declared so far
// is deleted, everything opened is closed, and a TRANSPORT_INIT_FAILED error
// is returned.
func (c *Channels) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return errspkg.ErrAlreadyRunning
	}
	if c.cfg == nil {
		return errspkg.Wrap(errspkg.CodeTransportInitFailed, "", errspkg.ErrConfigRequired)
	}
	if c.topology.Service == "" {
		return errspkg.Wrap(errspkg.CodeTransportInitFailed, "", errspkg.ErrServiceRequired)
	}
	if name := c.cfg.GetBrokerSystem(); !supportsRPC(name) {
		return errspkg.New(errspkg.CodeTransportInitFailed, fmt.Sprintf("broker %q cannot carry request/reply calls", name))
	}

	t, err := c.factory.Build(ctx, c.cfg, loggingpkg.NewWatermillAdapter(c.logger))
	if err != nil {
		return errspkg.Wrap(errspkg.CodeTransportInitFailed, "connect", err)
	}

	s := setup{conn: t.Connection, publisher: t.EventPublisher}
	if err := s.run(c.topology); err != nil {
		s.rollback(c.logger)
		return errspkg.Wrap(errspkg.CodeTransportInitFailed, "declare topology", err)
	}

	c.conn, c.rpc, c.events, c.publisher = s.conn, s.rpc, s.events, s.publisher
	c.logger.Info("Transport initialised", loggingpkg.LogFields{
		"broker":       c.cfg.GetBrokerSystem(),
		"exchange":     c.topology.Exchange,
		"worker_queue": c.topology.WorkerQueue(),
		"fanout_queue": c.topology.FanoutQueue(),
	})
	return nil
}

// setup tracks what Initialize opened so it can be undone.
type setup struct {
	conn      brokers.Connection
	publisher message.Publisher
	rpc       brokers.Channel
	events    brokers.Channel
	queues    []string
}

func (s *setup) run(topo Topology) error {
	var err error
	if s.rpc, err = s.conn.Channel(); err != nil {
		return fmt.Errorf("open rpc channel: %w", err)
	}
	if err = s.rpc.Qos(topo.Prefetch); err != nil {
		return fmt.Errorf("rpc qos: %w", err)
	}
	if s.events, err = s.conn.Channel(); err != nil {
		return fmt.Errorf("open event channel: %w", err)
	}
	if err = s.events.Qos(topo.Prefetch); err != nil {
		return fmt.Errorf("event qos: %w", err)
	}
	if err = s.events.DeclareExchange(topo.Exchange, brokers.ExchangeKindTopic, true); err != nil {
		return fmt.Errorf("declare exchange %s: %w", topo.Exchange, err)
	}

	worker, err := s.events.DeclareQueue(topo.WorkerQueue(), brokers.QueueOptions{Durable: true})
	if err != nil {
		return fmt.Errorf("declare worker queue: %w", err)
	}
	s.queues = append(s.queues, worker)

	fanout, err := s.events.DeclareQueue(topo.FanoutQueue(), brokers.QueueOptions{Exclusive: true, AutoDelete: true})
	if err != nil {
		return fmt.Errorf("declare fanout queue: %w", err)
	}
	s.queues = append(s.queues, fanout)
	return nil
}

// rollback deletes declared queues on a fresh channel, since a failed AMQP
// declaration closes the channel it ran on, then closes everything.
func (s *setup) rollback(logger loggingpkg.ServiceLogger) {
	if len(s.queues) > 0 {
		ch, err := s.conn.Channel()
		if err != nil {
			logger.Error("Failed to open cleanup channel", err, nil)
		} else {
			for _, q := range s.queues {
				if err := ch.DeleteQueue(q); err != nil {
					logger.Error("Failed to delete queue", err, loggingpkg.LogFields{"queue": q})
				}
			}
			_ = ch.Close()
		}
	}
	closeAll(logger, s.events, s.rpc, s.publisher, s.conn)
}

// RPCChannel returns the channel for RPC and REST queues.
func (c *Channels) RPCChannel() (brokers.Channel, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.rpc == nil {
		return nil, errspkg.ErrTransportNotInitialized
	}
	return c.rpc, nil
}

// EventChannel returns the channel consuming the worker and fanout queues.
func (c *Channels) EventChannel() (brokers.Channel, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.events == nil {
		return nil, errspkg.ErrTransportNotInitialized
	}
	return c.events, nil
}

// EventPublisher returns the publisher bound to the event exchange.
func (c *Channels) EventPublisher() (message.Publisher, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.publisher == nil {
		return nil, errspkg.ErrTransportNotInitialized
	}
	return c.publisher, nil
}

// Initialized reports whether Initialize succeeded and Destroy has not run.
func (c *Channels) Initialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// Destroy closes the event channel, the RPC channel, the publisher and the
// connection. Failures are logged, not returned.
func (c *Channels) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return
	}
	closeAll(c.logger, c.events, c.rpc, c.publisher, c.conn)
	c.conn, c.rpc, c.events, c.publisher = nil, nil, nil, nil
	c.logger.Info("Transport destroyed", nil)
}

type closer interface{ Close() error }

func closeAll(logger loggingpkg.ServiceLogger, closers ...closer) {
	for _, cl := range closers {
		if cl == nil {
			continue
		}
		if err := cl.Close(); err != nil && !errors.Is(err, brokers.ErrClosed) {
			logger.Error("Failed to close transport resource", err, loggingpkg.LogFields{"resource": fmt.Sprintf("%T", cl)})
		}
	}
}
