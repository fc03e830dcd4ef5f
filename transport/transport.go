// Package transport defines the broker abstraction used by the stardust runtime.
// Each broker implementation (rabbitmq, memory) lives in its own sub-package and
// registers a Builder with the transport registry.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// ExchangeKindTopic is the only exchange kind the runtime declares.
const ExchangeKindTopic = "topic"

// ContentTypeJSON is set on every message the runtime publishes.
const ContentTypeJSON = "application/json"

// ErrClosed is returned by channels and connections after Close.
var ErrClosed = errors.New("transport: closed")

// Delivery is a message handed to a consumer. It must be acknowledged on the
// channel it was received on.
type Delivery struct {
	Body          []byte
	ContentType   string
	CorrelationID string
	ReplyTo       string
	MessageID     string
	Exchange      string
	RoutingKey    string
	DeliveryTag   uint64
	Headers       map[string]any
	Timestamp     time.Time
}

// Publishing is an outbound message.
type Publishing struct {
	Body          []byte
	ContentType   string
	CorrelationID string
	ReplyTo       string
	MessageID     string
	Persistent    bool
	Headers       map[string]any
	Timestamp     time.Time
}

// QueueOptions mirror the AMQP queue declaration flags.
type QueueOptions struct {
	Durable    bool
	AutoDelete bool
	Exclusive  bool
}

// Channel is a lightweight session on a broker connection. Channels are not
// safe for concurrent consumption setup; publishing and acking are.
type Channel interface {
	// Qos limits unacknowledged deliveries per consumer on this channel.
	Qos(prefetch int) error
	DeclareExchange(name, kind string, durable bool) error
	// DeclareQueue returns the queue name, which the broker generates when name is empty.
	DeclareQueue(name string, opts QueueOptions) (string, error)
	BindQueue(queue, key, exchange string) error
	DeleteQueue(name string) error
	// Consume streams deliveries until ctx is cancelled or the channel closes.
	Consume(ctx context.Context, queue string) (<-chan Delivery, error)
	// Publish sends msg to exchange. The empty exchange routes straight to the queue named key.
	Publish(ctx context.Context, exchange, key string, msg Publishing) error
	Ack(tag uint64) error
	Close() error
}

// Connection opens channels on one broker connection.
type Connection interface {
	Channel() (Channel, error)
	Close() error
}

// Transport is what a Builder produces: a broker connection and a Watermill
// publisher bound to the event exchange.
type Transport struct {
	Connection     Connection
	EventPublisher message.Publisher
}

// Builder is the function signature for creating a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values needed by transports without
// depending on the full config package.
type Config interface {
	GetBrokerSystem() string
	GetBrokerURL() string
	GetExchange() string
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
