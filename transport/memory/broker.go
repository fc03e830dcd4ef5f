package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/drblury/stardust/transport"
)

var (
	ErrExchangeNotFound = errors.New("memory: exchange not found")
	ErrQueueNotFound    = errors.New("memory: queue not found")
	ErrQueueLocked      = errors.New("memory: exclusive queue is owned by another connection")
	ErrUnknownTag       = errors.New("memory: unknown delivery tag")
)

// Broker is an in-process AMQP-like broker: topic exchanges, the default
// exchange, exclusive and auto-delete queues, competing consumers with
// per-consumer prefetch. Nothing is persisted.
type Broker struct {
	mu        sync.Mutex
	exchanges map[string]struct{}
	bindings  map[string][]binding
	queues    map[string]*queue
}

type binding struct {
	queue   string
	pattern string
}

type queue struct {
	name      string
	opts      transport.QueueOptions
	owner     *Connection
	ready     []transport.Delivery
	consumers []*consumer
	next      int
	deleted   bool
}

type inflight struct {
	consumer *consumer
	delivery transport.Delivery
}

type consumer struct {
	ch       *Channel
	q        *queue
	prefetch int
	unacked  int
	buf      []transport.Delivery
	signal   chan struct{}
	done     chan struct{}
	stopped  bool
	out      chan transport.Delivery
}

// NewBroker returns an empty broker.
func NewBroker() *Broker {
	return &Broker{
		exchanges: make(map[string]struct{}),
		bindings:  make(map[string][]binding),
		queues:    make(map[string]*queue),
	}
}

// Connect opens a connection. Exclusive queues die with their connection.
func (b *Broker) Connect() *Connection {
	return &Connection{b: b, channels: make(map[*Channel]struct{})}
}

// HasQueue reports whether a queue is declared.
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// QueueNames returns the declared queues, sorted.
func (b *Broker) QueueNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// QueueDepth returns the number of messages waiting for a consumer.
func (b *Broker) QueueDepth(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.ready)
	}
	return 0
}

// Connection is a connection to a Broker.
type Connection struct {
	b        *Broker
	channels map[*Channel]struct{}
	closed   bool
}

func (c *Connection) Channel() (transport.Channel, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed {
		return nil, transport.ErrClosed
	}
	ch := &Channel{b: c.b, conn: c, unacked: make(map[uint64]*inflight)}
	c.channels[ch] = struct{}{}
	return ch, nil
}

// Close closes every channel and deletes the exclusive queues this connection owns.
func (c *Connection) Close() error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for ch := range c.channels {
		ch.closeLocked()
	}
	for _, q := range c.b.queues {
		if q.owner == c {
			c.b.deleteQueueLocked(q)
		}
	}
	return nil
}

// Channel is a session on a Connection.
type Channel struct {
	b         *Broker
	conn      *Connection
	prefetch  int
	nextTag   uint64
	unacked   map[uint64]*inflight
	consumers []*consumer
	closed    bool
}

var _ transport.Channel = (*Channel)(nil)

func (ch *Channel) Qos(prefetch int) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		return transport.ErrClosed
	}
	ch.prefetch = prefetch
	return nil
}

func (ch *Channel) DeclareExchange(name, kind string, durable bool) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		return transport.ErrClosed
	}
	if name == "" {
		return errors.New("memory: the default exchange cannot be declared")
	}
	if kind != transport.ExchangeKindTopic {
		return fmt.Errorf("memory: unsupported exchange kind %q", kind)
	}
	ch.b.exchanges[name] = struct{}{}
	return nil
}

func (ch *Channel) DeclareQueue(name string, opts transport.QueueOptions) (string, error) {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		return "", transport.ErrClosed
	}
	if name == "" {
		name = "amq.gen-" + uuid.NewString()
	}
	if q, ok := ch.b.queues[name]; ok {
		if q.owner != nil && q.owner != ch.conn {
			return "", fmt.Errorf("%w: %s", ErrQueueLocked, name)
		}
		return name, nil
	}
	q := &queue{name: name, opts: opts}
	if opts.Exclusive {
		q.owner = ch.conn
	}
	ch.b.queues[name] = q
	return name, nil
}

func (ch *Channel) BindQueue(queueName, key, exchange string) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		return transport.ErrClosed
	}
	if _, ok := ch.b.exchanges[exchange]; !ok {
		return fmt.Errorf("%w: %s", ErrExchangeNotFound, exchange)
	}
	if _, ok := ch.b.queues[queueName]; !ok {
		return fmt.Errorf("%w: %s", ErrQueueNotFound, queueName)
	}
	for _, existing := range ch.b.bindings[exchange] {
		if existing.queue == queueName && existing.pattern == key {
			return nil
		}
	}
	ch.b.bindings[exchange] = append(ch.b.bindings[exchange], binding{queue: queueName, pattern: key})
	return nil
}

func (ch *Channel) DeleteQueue(name string) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		return transport.ErrClosed
	}
	if q, ok := ch.b.queues[name]; ok {
		ch.b.deleteQueueLocked(q)
	}
	return nil
}

func (ch *Channel) Consume(ctx context.Context, queueName string) (<-chan transport.Delivery, error) {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		return nil, transport.ErrClosed
	}
	q, ok := ch.b.queues[queueName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, queueName)
	}
	if q.owner != nil && q.owner != ch.conn {
		return nil, fmt.Errorf("%w: %s", ErrQueueLocked, queueName)
	}

	c := &consumer{
		ch:       ch,
		q:        q,
		prefetch: ch.prefetch,
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		out:      make(chan transport.Delivery),
	}
	q.consumers = append(q.consumers, c)
	ch.consumers = append(ch.consumers, c)

	go c.pump()
	go func() {
		select {
		case <-ctx.Done():
			ch.b.mu.Lock()
			ch.b.cancelLocked(c)
			ch.b.mu.Unlock()
		case <-c.done:
		}
	}()

	ch.b.dispatchLocked(q)
	return c.out, nil
}

func (ch *Channel) Publish(ctx context.Context, exchange, key string, msg transport.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		return transport.ErrClosed
	}
	return ch.b.routeLocked(exchange, key, msg)
}

func (ch *Channel) Ack(tag uint64) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		return transport.ErrClosed
	}
	inf, ok := ch.unacked[tag]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownTag, tag)
	}
	delete(ch.unacked, tag)
	inf.consumer.unacked--
	if !inf.consumer.q.deleted {
		ch.b.dispatchLocked(inf.consumer.q)
	}
	return nil
}

// Close cancels the channel's consumers and requeues its unacknowledged deliveries.
func (ch *Channel) Close() error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	ch.closeLocked()
	return nil
}

func (ch *Channel) closeLocked() {
	if ch.closed {
		return
	}
	ch.closed = true
	delete(ch.conn.channels, ch)
	for _, c := range ch.consumers {
		ch.b.cancelLocked(c)
	}

	tags := make([]uint64, 0, len(ch.unacked))
	for tag := range ch.unacked {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] > tags[j] })
	touched := map[*queue]struct{}{}
	for _, tag := range tags {
		inf := ch.unacked[tag]
		delete(ch.unacked, tag)
		q := inf.consumer.q
		if q.deleted {
			continue
		}
		q.ready = append([]transport.Delivery{inf.delivery}, q.ready...)
		touched[q] = struct{}{}
	}
	for q := range touched {
		ch.b.dispatchLocked(q)
	}
}

func (b *Broker) routeLocked(exchange, key string, msg transport.Publishing) error {
	if exchange == "" {
		if q, ok := b.queues[key]; ok {
			b.enqueueLocked(q, exchange, key, msg)
		}
		return nil
	}
	if _, ok := b.exchanges[exchange]; !ok {
		return fmt.Errorf("%w: %s", ErrExchangeNotFound, exchange)
	}
	matched := map[string]struct{}{}
	for _, bd := range b.bindings[exchange] {
		if _, seen := matched[bd.queue]; seen {
			continue
		}
		if TopicMatch(bd.pattern, key) {
			matched[bd.queue] = struct{}{}
			if q, ok := b.queues[bd.queue]; ok {
				b.enqueueLocked(q, exchange, key, msg)
			}
		}
	}
	return nil
}

func (b *Broker) enqueueLocked(q *queue, exchange, key string, msg transport.Publishing) {
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	body := make([]byte, len(msg.Body))
	copy(body, msg.Body)
	var headers map[string]any
	if len(msg.Headers) > 0 {
		headers = make(map[string]any, len(msg.Headers))
		for k, v := range msg.Headers {
			headers[k] = v
		}
	}
	q.ready = append(q.ready, transport.Delivery{
		Body:          body,
		ContentType:   msg.ContentType,
		CorrelationID: msg.CorrelationID,
		ReplyTo:       msg.ReplyTo,
		MessageID:     msg.MessageID,
		Exchange:      exchange,
		RoutingKey:    key,
		Headers:       headers,
		Timestamp:     ts,
	})
	b.dispatchLocked(q)
}

func (b *Broker) dispatchLocked(q *queue) {
	for len(q.ready) > 0 {
		c := q.pickLocked()
		if c == nil {
			return
		}
		d := q.ready[0]
		q.ready = q.ready[1:]
		c.ch.nextTag++
		d.DeliveryTag = c.ch.nextTag
		c.ch.unacked[d.DeliveryTag] = &inflight{consumer: c, delivery: d}
		c.unacked++
		c.buf = append(c.buf, d)
		select {
		case c.signal <- struct{}{}:
		default:
		}
	}
}

// pickLocked selects the next consumer round-robin, skipping those at their prefetch limit.
func (q *queue) pickLocked() *consumer {
	n := len(q.consumers)
	for i := 0; i < n; i++ {
		idx := (q.next + i) % n
		c := q.consumers[idx]
		if c.prefetch > 0 && c.unacked >= c.prefetch {
			continue
		}
		q.next = (idx + 1) % n
		return c
	}
	return nil
}

func (b *Broker) cancelLocked(c *consumer) {
	if c.stopped {
		return
	}
	c.stopped = true
	close(c.done)

	q := c.q
	for i, other := range q.consumers {
		if other == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	if q.next >= len(q.consumers) {
		q.next = 0
	}

	for i := len(c.buf) - 1; i >= 0; i-- {
		b.requeueLocked(c, c.buf[i])
	}
	c.buf = nil

	if q.deleted {
		return
	}
	if q.opts.AutoDelete && len(q.consumers) == 0 {
		b.deleteQueueLocked(q)
		return
	}
	b.dispatchLocked(q)
}

// requeueLocked puts a delivery that never reached the application back at the head of its queue.
func (b *Broker) requeueLocked(c *consumer, d transport.Delivery) {
	if _, ok := c.ch.unacked[d.DeliveryTag]; !ok {
		return
	}
	delete(c.ch.unacked, d.DeliveryTag)
	c.unacked--
	if c.q.deleted {
		return
	}
	c.q.ready = append([]transport.Delivery{d}, c.q.ready...)
}

func (b *Broker) deleteQueueLocked(q *queue) {
	if q.deleted {
		return
	}
	q.deleted = true
	delete(b.queues, q.name)
	for exchange, bindings := range b.bindings {
		kept := bindings[:0]
		for _, bd := range bindings {
			if bd.queue != q.name {
				kept = append(kept, bd)
			}
		}
		b.bindings[exchange] = kept
	}
	for _, c := range append([]*consumer(nil), q.consumers...) {
		b.cancelLocked(c)
	}
	q.ready = nil
}

func (c *consumer) pump() {
	defer close(c.out)
	b := c.ch.b
	for {
		b.mu.Lock()
		if c.stopped {
			b.mu.Unlock()
			return
		}
		if len(c.buf) == 0 {
			b.mu.Unlock()
			select {
			case <-c.signal:
				continue
			case <-c.done:
				return
			}
		}
		d := c.buf[0]
		c.buf = c.buf[1:]
		b.mu.Unlock()

		select {
		case c.out <- d:
		case <-c.done:
			b.mu.Lock()
			b.requeueLocked(c, d)
			if !c.q.deleted {
				b.dispatchLocked(c.q)
			}
			b.mu.Unlock()
			return
		}
	}
}

// TopicMatch applies AMQP topic-exchange matching: "*" matches exactly one
// word, "#" matches zero or more words.
func TopicMatch(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(key); i++ {
			if matchWords(pattern[1:], key[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(key) > 0 && matchWords(pattern[1:], key[1:])
	default:
		return len(key) > 0 && pattern[0] == key[0] && matchWords(pattern[1:], key[1:])
	}
}
