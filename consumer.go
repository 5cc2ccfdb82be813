package brokerkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	uuid "github.com/satori/go.uuid"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

// Consumer binds handlers to routing keys on a single app's topology
// (exchange, main queue, retry queue, DLQ) and dispatches deliveries through
// a middleware chain with retry-via-dead-lettering. See spec.md §4.6.
type Consumer struct {
	core *ConnectionCore
	opts ConsumerOptions

	registry *HandlerRegistry
	chain    *MiddlewareChain
	exchange ExchangeGuard

	mu          sync.Mutex
	rc          *RegisteredChannel
	listening   bool
	consumerTag string

	inFlight *inFlightSet
}

// inFlight tracks executing dispatches so Shutdown can drain before closing.
type inFlightSet struct {
	mu    sync.Mutex
	items map[string]struct{}
}

func newInFlightSet() *inFlightSet {
	return &inFlightSet{items: make(map[string]struct{})}
}

func (s *inFlightSet) add(id string) {
	s.mu.Lock()
	s.items[id] = struct{}{}
	s.mu.Unlock()
}

func (s *inFlightSet) remove(id string) {
	s.mu.Lock()
	delete(s.items, id)
	s.mu.Unlock()
}

func (s *inFlightSet) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// NewConsumer constructs a Consumer bound to core's ConnectionCore. Call On
// and Use to register routes and middleware before Listen.
func NewConsumer(core *ConnectionCore, opts ConsumerOptions) (*Consumer, error) {
	opts.applyDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Consumer{
		core:     core,
		opts:     opts,
		registry: NewHandlerRegistry(),
		chain:    NewMiddlewareChain(),
		inFlight: newInFlightSet(),
	}, nil
}

// On registers handler for routingKey. Must be called before Listen; pure
// bookkeeping, no I/O (spec.md §4.6 "on").
func (c *Consumer) On(routingKey string, handler HandlerFunc, opts ...HandlerOptions) {
	var ho HandlerOptions
	if len(opts) > 0 {
		ho = opts[0]
	}
	c.registry.Register(routingKey, handler, ho)
}

// Use appends a middleware, executed in registration order around every
// handler (spec.md §4.6 "use").
func (c *Consumer) Use(m Middleware) {
	c.chain.Use(m)
}

// OnEvent registers a ConnectionCore lifecycle listener; events are mirrored from
// the shared ConnectionCore (spec.md §4.6 "Events mirrored").
func (c *Consumer) OnEvent(l Listener) {
	c.core.On(l)
}

// Listen declares the topology, installs the main-queue consumer, and marks
// the Consumer listening. Re-declaring topology (including post-reconnect)
// is handled by the registered setup function (spec.md §4.6 "listen").
func (c *Consumer) Listen(ctx context.Context) error {
	c.mu.Lock()
	c.listening = true
	c.mu.Unlock()

	rc, err := c.core.CreateChannel(ctx, c.setupTopology)
	if err != nil {
		return wrap(err, "brokerkit: consumer listen")
	}

	c.mu.Lock()
	c.rc = rc
	c.mu.Unlock()

	return nil
}

func (c *Consumer) queueName() string      { return c.opts.AppName }
func (c *Consumer) retryQueueName() string { return c.opts.AppName + ".retry" }
func (c *Consumer) dlqName() string        { return c.opts.AppName + ".dlq" }

// setupTopology is the RegisteredChannel setup function: declares exchange,
// DLQ, retry queue, main queue and bindings, applies prefetch, and - if the
// Consumer is already marked listening - re-installs the consumer. It runs
// on every channel creation, including every post-reconnect recreation
// (spec.md §4.6 "Topology declaration").
func (c *Consumer) setupTopology(ch *amqp091.Channel) error {
	exchangeName := c.opts.Exchange

	if err := c.exchange.Assert(ch, exchangeName, true); err != nil {
		return wrap(err, "brokerkit: declare exchange %q", exchangeName)
	}

	if _, err := ch.QueueDeclare(c.dlqName(), true, false, false, false, nil); err != nil {
		return wrap(err, "brokerkit: declare dlq %q", c.dlqName())
	}

	retryArgs := amqp091.Table{
		"x-dead-letter-exchange": exchangeName,
		"x-message-ttl":          int32(c.opts.RetryTTL / time.Millisecond),
	}
	if _, err := ch.QueueDeclare(c.retryQueueName(), true, false, false, false, retryArgs); err != nil {
		return wrap(err, "brokerkit: declare retry queue %q", c.retryQueueName())
	}
	if err := ch.QueueBind(c.retryQueueName(), "#", exchangeName, false, nil); err != nil {
		return wrap(err, "brokerkit: bind retry queue %q", c.retryQueueName())
	}

	mainArgs := amqp091.Table{
		"x-dead-letter-exchange":    exchangeName,
		"x-dead-letter-routing-key": "#",
	}
	if _, err := ch.QueueDeclare(c.queueName(), true, false, false, false, mainArgs); err != nil {
		return wrap(err, "brokerkit: declare main queue %q", c.queueName())
	}
	for _, key := range c.registry.Keys() {
		if err := ch.QueueBind(c.queueName(), key, exchangeName, false, nil); err != nil {
			return wrap(err, "brokerkit: bind main queue to %q", key)
		}
	}

	if c.opts.Prefetch > 0 {
		if err := ch.Qos(c.opts.Prefetch, 0, false); err != nil {
			return wrap(err, "brokerkit: apply prefetch")
		}
	}

	c.mu.Lock()
	listening := c.listening
	c.mu.Unlock()

	if listening {
		tag := "brokerkit-" + uuid.NewV4().String()
		deliveries, err := ch.Consume(c.queueName(), tag, false, false, false, false, nil)
		if err != nil {
			return wrap(err, "brokerkit: install consumer on %q", c.queueName())
		}
		c.mu.Lock()
		c.consumerTag = tag
		c.mu.Unlock()
		go c.dispatchLoop(ch, deliveries)
	}

	return nil
}

// dispatchLoop drains deliveries until the channel's delivery stream closes
// (broker cancel, channel close, or our own basic.cancel during Shutdown).
func (c *Consumer) dispatchLoop(ch *amqp091.Channel, deliveries <-chan amqp091.Delivery) {
	for d := range deliveries {
		c.dispatch(ch, d)
	}
}

// dispatch handles one delivery through the pipeline described in spec.md
// §4.6 "Message dispatch".
func (c *Consumer) dispatch(ch *amqp091.Channel, d amqp091.Delivery) {
	id := uuid.NewV4().String()
	c.inFlight.add(id)
	defer c.inFlight.remove(id)

	retryCount := headerInt(d.Headers, "x-retry-count")
	routingKey := d.RoutingKey

	entry, ok := c.registry.Lookup(routingKey)
	if !ok {
		slog.Warn("brokerkit: no handler registered for routing key, dropping", "routing_key", routingKey)
		_ = d.Ack(false)
		return
	}

	var body interface{}
	if err := json.Unmarshal(d.Body, &body); err != nil {
		slog.Warn("brokerkit: malformed JSON payload, dropping without retry", "routing_key", routingKey, "error", err)
		_ = d.Ack(false)
		return
	}

	hctx := &HandlerContext{
		Body:       d.Body,
		RoutingKey: routingKey,
		Headers:    d.Headers,
		RetryCount: retryCount,
	}

	reply := c.buildReply(ch, d)

	next := c.chain.Compose(hctx, reply, entry.Handler)
	err := next()
	if err == nil {
		_ = d.Ack(false)
		return
	}

	c.handleFailure(ch, d, entry, routingKey, retryCount, err)
}

func (c *Consumer) buildReply(ch *amqp091.Channel, d amqp091.Delivery) ReplyFunc {
	if d.ReplyTo == "" || d.CorrelationId == "" {
		return func(v interface{}) error { return nil }
	}
	return func(v interface{}) error {
		payload, err := json.Marshal(v)
		if err != nil {
			return wrap(err, "brokerkit: encode reply")
		}
		return ch.Publish("", d.ReplyTo, false, false, amqp091.Publishing{
			ContentType:   "application/json",
			CorrelationId: d.CorrelationId,
			Body:          payload,
		})
	}
}

// handleFailure implements spec.md §4.6 step 8: retry-via-republish or copy
// to the DLQ, depending on the route's retry budget.
func (c *Consumer) handleFailure(ch *amqp091.Channel, d amqp091.Delivery, entry HandlerEntry, routingKey string, retryCount int, handlerErr error) {
	slog.Warn("brokerkit: handler failed", "routing_key", routingKey, "retry_count", retryCount, "error", handlerErr)

	retryEnabled := entry.Options.retryEnabled(c.opts.RetryEnabled)
	maxRetries := entry.Options.maxRetries(c.opts.MaxRetries)
	retryTTL := entry.Options.retryTTL(c.opts.RetryTTL)

	if shouldRetry(retryEnabled, retryCount, maxRetries) {
		headers := amqp091.Table{}
		for k, v := range d.Headers {
			headers[k] = v
		}
		headers["x-retry-count"] = int32(retryCount + 1)
		headers["x-original-routing-key"] = routingKey

		err := ch.Publish(c.opts.Exchange, routingKey, false, false, amqp091.Publishing{
			ContentType:   d.ContentType,
			Headers:       headers,
			Body:          d.Body,
			DeliveryMode:  amqp091.Persistent,
			ReplyTo:       d.ReplyTo,
			CorrelationId: d.CorrelationId,
			Expiration:    fmt.Sprintf("%d", retryTTL/time.Millisecond),
		})
		if err != nil {
			slog.Error("brokerkit: failed to republish for retry, dropping to avoid redelivery loop", "routing_key", routingKey, "error", err)
		}
		_ = d.Ack(false)
		return
	}

	err := ch.Publish("", c.dlqName(), false, false, amqp091.Publishing{
		ContentType:  d.ContentType,
		Headers:      d.Headers,
		Body:         d.Body,
		DeliveryMode: amqp091.Persistent,
	})
	if err != nil {
		slog.Error("brokerkit: failed to copy exhausted delivery to dlq", "routing_key", routingKey, "error", err)
	}
	_ = d.Ack(false)
}

// shouldRetry decides between the retry-via-republish and DLQ-copy branches
// of spec.md §4.6 step 8. Extracted as a pure function so the retry budget
// boundary (retry-count == max-retries) is unit-testable without a broker.
func shouldRetry(retryEnabled bool, retryCount, maxRetries int) bool {
	return retryEnabled && retryCount < maxRetries
}

func headerInt(headers amqp091.Table, key string) int {
	if headers == nil {
		return 0
	}
	switch v := headers[key].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

// Shutdown marks the Consumer not-listening, cancels the broker consumer,
// waits (unless force) for InFlightSet to drain, and closes the channel.
// Idempotent: a second call returns immediately (spec.md §4.6 "Graceful
// shutdown").
func (c *Consumer) Shutdown(opts ShutdownOptions) ShutdownResult {
	opts.applyDefaults(false)

	c.mu.Lock()
	if !c.listening {
		c.mu.Unlock()
		return ShutdownResult{Success: true, PendingCount: 0}
	}
	c.listening = false
	rc := c.rc
	tag := c.consumerTag
	c.rc = nil
	c.mu.Unlock()

	if rc != nil {
		if ch := rc.Channel(); ch != nil && tag != "" {
			_ = ch.Cancel(tag, false)
		}
	}

	timedOut := false
	if !opts.Force {
		deadline := time.Now().Add(opts.timeout())
		for c.inFlight.size() > 0 && time.Now().Before(deadline) {
			time.Sleep(20 * time.Millisecond)
		}
		if c.inFlight.size() > 0 {
			timedOut = true
		}
	}

	pending := c.inFlight.size()

	if rc != nil {
		c.core.UnregisterChannel(rc)
		if ch := rc.Channel(); ch != nil {
			if err := ch.Close(); err != nil && !isAlreadyClosed(err) {
				slog.Warn("brokerkit: error closing consumer channel during shutdown", "error", err)
			}
		}
	}

	return ShutdownResult{
		Success:      pending == 0,
		PendingCount: pending,
		TimedOut:     timedOut && pending > 0,
	}
}

func isAlreadyClosed(err error) bool {
	var amqpErr *amqp091.Error
	if errors.As(err, &amqpErr) {
		return amqpErr.Code == amqp091.ChannelError || amqpErr.Code == amqp091.ConnectionForced
	}
	return errors.Is(err, amqp091.ErrClosed)
}
