package rpc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/stardust/internal/runtime/errors"
	"github.com/drblury/stardust/internal/runtime/handlers"
	idspkg "github.com/drblury/stardust/internal/runtime/ids"
	jsoncodec "github.com/drblury/stardust/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/stardust/internal/runtime/logging"
	metricspkg "github.com/drblury/stardust/internal/runtime/metrics"
	brokers "github.com/drblury/stardust/transport"
)

// DefaultTimeout applies when a client is created without one.
const DefaultTimeout = 10 * time.Second

type pendingCall struct {
	createdAt time.Time
	result    chan ReplyEnvelope
}

// Client publishes calls and correlates their replies.
type Client struct {
	ch      brokers.Channel
	timeout time.Duration
	logger  loggingpkg.ServiceLogger
	metrics *metricspkg.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	startMu    sync.Mutex
	replyQueue string

	pending sync.Map
	size    atomic.Int64
}

// NewClient creates a client publishing on ch. The reply queue is declared on
// the first call. A nil m disables metrics.
func NewClient(ch brokers.Channel, timeout time.Duration, logger loggingpkg.ServiceLogger, m *metricspkg.Metrics) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = loggingpkg.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		ch:      ch,
		timeout: timeout,
		logger:  logger,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Start declares the exclusive reply queue and starts its consumer. It is
// called by the first Invoke and is a no-op afterwards.
func (c *Client) Start() error {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	if c.replyQueue != "" {
		return nil
	}
	if err := c.ctx.Err(); err != nil {
		return brokers.ErrClosed
	}

	queue, err := c.ch.DeclareQueue("", brokers.QueueOptions{Exclusive: true, AutoDelete: true})
	if err != nil {
		return fmt.Errorf("declare reply queue: %w", err)
	}
	deliveries, err := c.ch.Consume(c.ctx, queue)
	if err != nil {
		return fmt.Errorf("consume reply queue: %w", err)
	}

	go func() {
		defer close(c.done)
		for d := range deliveries {
			c.resolve(d)
		}
	}()

	c.replyQueue = queue
	c.logger.Debug("Reply consumer started", loggingpkg.LogFields{"queue": queue})
	return nil
}

// ReplyQueue returns the name of the reply queue, empty before Start.
func (c *Client) ReplyQueue() string {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	return c.replyQueue
}

// Invoke publishes payload to the queue named key and waits for the reply,
// the client timeout or ctx, whichever comes first. A timeout is reported as
// RPC_TIMEOUT. The pending call never outlives Invoke.
func (c *Client) Invoke(ctx context.Context, key string, payload any) (*ReplyEnvelope, error) {
	if key == "" {
		return nil, errspkg.ErrRoutingKeyRequired
	}
	if err := c.Start(); err != nil {
		return nil, err
	}

	body, err := jsoncodec.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	ctx, span := otel.Tracer(handlers.TracerName).Start(ctx, "Invoke "+key, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	id := idspkg.NewCorrelationID()
	span.SetAttributes(
		attribute.String("stardust.key", key),
		attribute.String("messaging.message.conversation_id", id),
	)

	call := &pendingCall{createdAt: time.Now(), result: make(chan ReplyEnvelope, 1)}
	c.pending.Store(id, call)
	c.metrics.SetPending(int(c.size.Add(1)))

	err = c.ch.Publish(ctx, "", key, brokers.Publishing{
		Body:          body,
		ContentType:   brokers.ContentTypeJSON,
		CorrelationID: id,
		ReplyTo:       c.ReplyQueue(),
		MessageID:     idspkg.CreateULID(),
		Persistent:    true,
	})
	if err != nil {
		c.take(id)
		c.finish(span, key, metricspkg.OutcomeFailure, err)
		return nil, fmt.Errorf("publish call %s: %w", key, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case reply := <-call.result:
		return c.replied(span, key, reply)
	case <-timer.C:
		if !c.take(id) {
			return c.replied(span, key, <-call.result)
		}
		err := errspkg.New(errspkg.CodeRPCTimeout, fmt.Sprintf("%s got no reply within %s", key, c.timeout))
		c.logger.Error("RPC call timed out", err, loggingpkg.LogFields{
			handlers.FieldKey:           key,
			handlers.FieldCorrelationID: id,
			"elapsed":                   time.Since(call.createdAt).String(),
		})
		c.finish(span, key, metricspkg.OutcomeTimeout, err)
		return nil, err
	case <-ctx.Done():
		if !c.take(id) {
			return c.replied(span, key, <-call.result)
		}
		c.finish(span, key, metricspkg.OutcomeFailure, ctx.Err())
		return nil, ctx.Err()
	}
}

// Call invokes key and decodes the reply data into out. A failure envelope
// is returned as a *RemoteError.
func (c *Client) Call(ctx context.Context, key string, payload, out any) error {
	reply, err := c.Invoke(ctx, key, payload)
	if err != nil {
		return err
	}
	if err := reply.Err(); err != nil {
		return err
	}
	return reply.Decode(out)
}

// Pending returns the number of calls awaiting a reply.
func (c *Client) Pending() int {
	return int(c.size.Load())
}

// Close stops the reply consumer. Calls in flight end with their timeout.
func (c *Client) Close() {
	c.startMu.Lock()
	started := c.replyQueue != ""
	c.cancel()
	c.startMu.Unlock()

	if started {
		<-c.done
	}
}

// take removes id from the table. Only the caller that gets true may act on the call.
func (c *Client) take(id string) bool {
	if _, ok := c.pending.LoadAndDelete(id); !ok {
		return false
	}
	c.metrics.SetPending(int(c.size.Add(-1)))
	return true
}

func (c *Client) resolve(d brokers.Delivery) {
	defer func() {
		if err := c.ch.Ack(d.DeliveryTag); err != nil {
			c.logger.Error("Failed to ack reply", err, nil)
		}
	}()

	v, ok := c.pending.LoadAndDelete(d.CorrelationID)
	if !ok {
		c.logger.Info("Dropping reply with unknown correlation id", loggingpkg.LogFields{handlers.FieldCorrelationID: d.CorrelationID})
		return
	}
	c.metrics.SetPending(int(c.size.Add(-1)))

	var reply ReplyEnvelope
	if err := jsoncodec.Unmarshal(d.Body, &reply); err != nil {
		reply = Failure(errspkg.Wrap(errspkg.CodeMalformedPayload, "decode reply", err))
	}
	v.(*pendingCall).result <- reply
}

func (c *Client) replied(span trace.Span, key string, reply ReplyEnvelope) (*ReplyEnvelope, error) {
	if reply.Success {
		c.finish(span, key, metricspkg.OutcomeSuccess, nil)
	} else {
		c.finish(span, key, metricspkg.OutcomeFailure, reply.Err())
	}
	return &reply, nil
}

func (c *Client) finish(span trace.Span, key, outcome string, err error) {
	c.metrics.RecordRPCCall(key, outcome)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
