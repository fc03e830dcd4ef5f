// Package memory provides an in-process broker transport for stardust.
// It is useful for testing and local development: several Stars sharing one
// Broker behave like services sharing one RabbitMQ vhost.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/stardust/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "memory"

// DefaultBroker backs the registered builder.
var DefaultBroker = NewBroker()

func init() {
	Register()
}

// Register registers the memory transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.MemoryCapabilities)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.MemoryCapabilities
}

// Build creates a transport on DefaultBroker.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	return DefaultBroker.Builder()(ctx, cfg, logger)
}

// Builder returns a transport.Builder producing connections to b.
func (b *Broker) Builder() transport.Builder {
	return func(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
		conn := b.Connect()
		return transport.Transport{
			Connection:     conn,
			EventPublisher: NewPublisher(conn, cfg.GetExchange()),
		}, nil
	}
}

// Publisher is a Watermill publisher that routes each message to a topic
// exchange with the topic as routing key.
type Publisher struct {
	conn     *Connection
	exchange string

	mu     sync.Mutex
	ch     transport.Channel
	closed bool
}

var _ message.Publisher = (*Publisher)(nil)

// NewPublisher creates a publisher on conn. The exchange is declared on first use.
func NewPublisher(conn *Connection, exchange string) *Publisher {
	return &Publisher{conn: conn, exchange: exchange}
}

func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return transport.ErrClosed
	}
	if p.ch == nil {
		ch, err := p.conn.Channel()
		if err != nil {
			return err
		}
		if err := ch.DeclareExchange(p.exchange, transport.ExchangeKindTopic, true); err != nil {
			_ = ch.Close()
			return err
		}
		p.ch = ch
	}

	for _, msg := range messages {
		headers := make(map[string]any, len(msg.Metadata))
		for k, v := range msg.Metadata {
			headers[k] = v
		}
		err := p.ch.Publish(msg.Context(), p.exchange, topic, transport.Publishing{
			Body:        msg.Payload,
			ContentType: transport.ContentTypeJSON,
			MessageID:   msg.UUID,
			Persistent:  true,
			Headers:     headers,
			Timestamp:   time.Now().UTC(),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.ch != nil {
		return p.ch.Close()
	}
	return nil
}
