// Package rabbitmq provides the RabbitMQ/AMQP 0-9-1 transport for stardust.
//
// Queues, reply-to routing and acknowledgements run on plain amqp091 channels.
// Events are published through a watermill-amqp publisher configured for the
// durable topic exchange, with the event key as routing key.
package rabbitmq

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/stardust/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "rabbitmq"

// DialFactory allows overriding the raw broker connection for testing.
var DialFactory = func(url string) (transport.Connection, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, err
	}
	return NewConnection(conn), nil
}

// ConnectionFactory allows overriding the watermill connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

var closeWrapper = func(conn *amqp.ConnectionWrapper) error {
	return conn.Close()
}

func init() {
	Register()
}

// Register registers the RabbitMQ transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}

// EventConfig returns the watermill-amqp configuration that publishes every
// topic to the same durable topic exchange, routed by the topic itself.
func EventConfig(url, exchange string) amqp.Config {
	cfg := amqp.NewDurablePubSubConfig(url, amqp.GenerateQueueNameTopicName)
	cfg.Exchange.GenerateName = func(string) string { return exchange }
	cfg.Exchange.Type = transport.ExchangeKindTopic
	cfg.Exchange.Durable = true
	cfg.Publish.GenerateRoutingKey = func(topic string) string { return topic }
	return cfg
}

// Build creates a new RabbitMQ transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	url := cfg.GetBrokerURL()

	conn, err := DialFactory(url)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("rabbitmq: dial: %w", err)
	}

	wrapper, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   url,
		TLSConfig: nil,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		_ = conn.Close()
		return transport.Transport{}, fmt.Errorf("rabbitmq: publisher connection: %w", err)
	}

	publisher, err := PublisherFactory(EventConfig(url, cfg.GetExchange()), logger, wrapper)
	if err != nil {
		_ = closeWrapper(wrapper)
		_ = conn.Close()
		return transport.Transport{}, fmt.Errorf("rabbitmq: event publisher: %w", err)
	}

	return transport.Transport{
		Connection:     conn,
		EventPublisher: &eventPublisher{Publisher: publisher, conn: wrapper},
	}, nil
}

// eventPublisher owns the watermill connection, which the publisher leaves open on Close.
type eventPublisher struct {
	message.Publisher
	conn *amqp.ConnectionWrapper
}

func (p *eventPublisher) Close() error {
	pubErr := p.Publisher.Close()
	connErr := closeWrapper(p.conn)
	if pubErr != nil {
		return pubErr
	}
	return connErr
}

// Connection adapts an amqp091 connection to transport.Connection.
type Connection struct {
	conn *amqp091.Connection
}

// NewConnection wraps conn.
func NewConnection(conn *amqp091.Connection) *Connection {
	return &Connection{conn: conn}
}

func (c *Connection) Channel() (transport.Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return newChannel(ch), nil
}

func (c *Connection) Close() error {
	if c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}

// amqpChannel is the subset of *amqp091.Channel the adapter drives.
type amqpChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp091.Table) error
	QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp091.Table) (<-chan amqp091.Delivery, error)
	Cancel(consumer string, noWait bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Ack(tag uint64, multiple bool) error
	Close() error
}

type channel struct {
	ch amqpChannel
}

func newChannel(ch amqpChannel) *channel {
	return &channel{ch: ch}
}

// Qos applies per-consumer prefetch (global=false), matching amqplib's prefetch.
func (c *channel) Qos(prefetch int) error {
	return c.ch.Qos(prefetch, 0, false)
}

func (c *channel) DeclareExchange(name, kind string, durable bool) error {
	return c.ch.ExchangeDeclare(name, kind, durable, false, false, false, nil)
}

func (c *channel) DeclareQueue(name string, opts transport.QueueOptions) (string, error) {
	q, err := c.ch.QueueDeclare(name, opts.Durable, opts.AutoDelete, opts.Exclusive, false, nil)
	if err != nil {
		return "", err
	}
	return q.Name, nil
}

func (c *channel) BindQueue(queue, key, exchange string) error {
	return c.ch.QueueBind(queue, key, exchange, false, nil)
}

func (c *channel) DeleteQueue(name string) error {
	_, err := c.ch.QueueDelete(name, false, false, false)
	return err
}

func (c *channel) Consume(ctx context.Context, queue string) (<-chan transport.Delivery, error) {
	tag := "stardust-" + uuid.NewString()
	src, err := c.ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		return nil, err
	}

	out := make(chan transport.Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				_ = c.ch.Cancel(tag, false)
				return
			case d, ok := <-src:
				if !ok {
					return
				}
				select {
				case out <- toDelivery(d):
				case <-ctx.Done():
					_ = c.ch.Cancel(tag, false)
					return
				}
			}
		}
	}()
	return out, nil
}

func (c *channel) Publish(ctx context.Context, exchange, key string, msg transport.Publishing) error {
	return c.ch.PublishWithContext(ctx, exchange, key, false, false, toPublishing(msg))
}

func (c *channel) Ack(tag uint64) error {
	return c.ch.Ack(tag, false)
}

func (c *channel) Close() error {
	return c.ch.Close()
}

func toDelivery(d amqp091.Delivery) transport.Delivery {
	return transport.Delivery{
		Body:          d.Body,
		ContentType:   d.ContentType,
		CorrelationID: d.CorrelationId,
		ReplyTo:       d.ReplyTo,
		MessageID:     d.MessageId,
		Exchange:      d.Exchange,
		RoutingKey:    d.RoutingKey,
		DeliveryTag:   d.DeliveryTag,
		Headers:       map[string]any(d.Headers),
		Timestamp:     d.Timestamp,
	}
}

func toPublishing(msg transport.Publishing) amqp091.Publishing {
	mode := amqp091.Transient
	if msg.Persistent {
		mode = amqp091.Persistent
	}
	return amqp091.Publishing{
		Headers:       amqp091.Table(msg.Headers),
		ContentType:   msg.ContentType,
		DeliveryMode:  mode,
		CorrelationId: msg.CorrelationID,
		ReplyTo:       msg.ReplyTo,
		MessageId:     msg.MessageID,
		Timestamp:     msg.Timestamp,
		Body:          msg.Body,
	}
}
