package brokerkit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	uuid "github.com/satori/go.uuid"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

// pendingRequest is one outstanding RPC call, settled exactly once by
// whichever of reply / timeout / shutdown fires first (spec.md §4.7 "Send
// semantics").
type pendingRequest struct {
	once   sync.Once
	result chan pendingResult
	timer  *time.Timer
}

type pendingResult struct {
	body []byte
	err  error
}

func (p *pendingRequest) settle(body []byte, err error) {
	p.once.Do(func() {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.result <- pendingResult{body: body, err: err}
	})
}

// Producer publishes request messages and correlates replies over an
// exclusive reply queue (spec.md §4.7).
type Producer struct {
	core *ConnectionCore
	opts ProducerOptions
	exchange ExchangeGuard

	mu        sync.Mutex
	rc        *RegisteredChannel
	replyName string
	connected bool
	pending   map[string]*pendingRequest
}

// NewProducer constructs a Producer bound to core's ConnectionCore.
func NewProducer(core *ConnectionCore, opts ProducerOptions) (*Producer, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Producer{
		core:    core,
		opts:    opts,
		pending: make(map[string]*pendingRequest),
	}, nil
}

// Connect acquires a channel, declares the exchange, creates the exclusive
// reply queue, and installs the reply-consumer callback. Marks the Producer
// connected (spec.md §4.7 "connect").
func (p *Producer) Connect(ctx context.Context) error {
	rc, err := p.core.CreateChannel(ctx, p.setupReplyQueue)
	if err != nil {
		return wrap(err, "brokerkit: producer connect")
	}
	p.mu.Lock()
	p.rc = rc
	p.connected = true
	p.mu.Unlock()
	return nil
}

func (p *Producer) setupReplyQueue(ch *amqp091.Channel) error {
	if err := p.exchange.Assert(ch, p.opts.Exchange, true); err != nil {
		return wrap(err, "brokerkit: declare exchange %q", p.opts.Exchange)
	}

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return wrap(err, "brokerkit: declare reply queue")
	}

	p.mu.Lock()
	p.replyName = q.Name
	p.mu.Unlock()

	tag := "brokerkit-reply-" + uuid.NewV4().String()
	deliveries, err := ch.Consume(q.Name, tag, false, true, false, false, nil)
	if err != nil {
		return wrap(err, "brokerkit: install reply consumer")
	}

	go p.replyLoop(deliveries)
	return nil
}

func (p *Producer) replyLoop(deliveries <-chan amqp091.Delivery) {
	for d := range deliveries {
		p.handleReply(d)
	}
}

// handleReply matches an incoming reply by correlation id, per spec.md §4.7
// step 5. Unmatched replies (no PendingRequest registered - the request
// already timed out) are logged at debug level and dropped, per SPEC_FULL.md's
// resolution of spec.md §9's open question on unmatched-reply log level.
func (p *Producer) handleReply(d amqp091.Delivery) {
	p.mu.Lock()
	req, ok := p.pending[d.CorrelationId]
	if ok {
		delete(p.pending, d.CorrelationId)
	}
	p.mu.Unlock()

	if !ok {
		slog.Debug("brokerkit: reply with no matching pending request, dropping", "correlation_id", d.CorrelationId)
		return
	}

	req.settle(d.Body, nil)
}

// Send publishes a request and blocks until either a correlated reply
// arrives, the request's own timeout fires, or ctx is cancelled (spec.md
// §4.7 "send").
func (p *Producer) Send(ctx context.Context, routingKey string, message interface{}, opts SendOptions) ([]byte, error) {
	p.mu.Lock()
	if !p.connected || p.rc == nil {
		p.mu.Unlock()
		return nil, ErrNotConnected
	}
	ch := p.rc.Channel()
	replyName := p.replyName
	p.mu.Unlock()

	if ch == nil {
		return nil, ErrNotConnected
	}

	corrID := uuid.NewV4().String()

	envelope := message
	if opts.FrameworkCompat {
		raw, err := json.Marshal(message)
		if err != nil {
			return nil, wrap(err, "brokerkit: encode request")
		}
		var asMap map[string]interface{}
		if err := json.Unmarshal(raw, &asMap); err == nil {
			asMap["id"] = corrID
			envelope = asMap
		}
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, wrap(err, "brokerkit: encode request")
	}

	req := &pendingRequest{result: make(chan pendingResult, 1)}

	timeout := opts.timeout()
	if timeout > 0 {
		req.timer = time.AfterFunc(timeout, func() {
			p.mu.Lock()
			delete(p.pending, corrID)
			p.mu.Unlock()
			req.settle(nil, ErrRequestTimeout)
		})
	}

	p.mu.Lock()
	p.pending[corrID] = req
	p.mu.Unlock()

	headers := amqp091.Table{}
	for k, v := range opts.Headers {
		headers[k] = v
	}

	deliveryMode := uint8(amqp091.Transient)
	if opts.persistent() {
		deliveryMode = amqp091.Persistent
	}

	err = ch.Publish(p.opts.Exchange, routingKey, false, false, amqp091.Publishing{
		ContentType:   "application/json",
		CorrelationId: corrID,
		ReplyTo:       replyName,
		Headers:       headers,
		DeliveryMode:  deliveryMode,
		Body:          body,
	})
	if err != nil {
		p.mu.Lock()
		delete(p.pending, corrID)
		p.mu.Unlock()
		req.settle(nil, wrap(ErrPublishError, err.Error()))
	}

	select {
	case res := <-req.result:
		return res.body, res.err
	case <-ctx.Done():
		p.mu.Lock()
		delete(p.pending, corrID)
		p.mu.Unlock()
		req.settle(nil, ctx.Err())
		return nil, ctx.Err()
	}
}

// SendJSON is a convenience wrapper around Send that JSON-decodes the reply
// into out.
func (p *Producer) SendJSON(ctx context.Context, routingKey string, message interface{}, out interface{}, opts SendOptions) error {
	body, err := p.Send(ctx, routingKey, message, opts)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return wrap(err, "brokerkit: decode reply")
	}
	return nil
}

// Shutdown marks the Producer not-connected. With opts.Force set, every
// PendingRequest is rejected immediately. Force is a plain bool, so a
// zero-value ShutdownOptions does not force: Shutdown then waits (up to
// Timeout) for outstanding requests to settle via reply or their own
// per-request timeout before force-rejecting whatever remains - resolving
// spec.md §9's open "known design issue" with drain-then-force semantics
// symmetric with Consumer's shutdown (see SPEC_FULL.md §11). Close is the
// forcing form.
func (p *Producer) Shutdown(opts ShutdownOptions) ShutdownResult {
	opts.applyDefaults(true)

	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return ShutdownResult{Success: true, PendingCount: 0}
	}
	p.connected = false
	rc := p.rc
	p.rc = nil
	p.mu.Unlock()

	timedOut := false

	if !opts.Force {
		deadline := time.Now().Add(opts.timeout())
		for {
			p.mu.Lock()
			n := len(p.pending)
			p.mu.Unlock()
			if n == 0 || !time.Now().Before(deadline) {
				if n > 0 {
					timedOut = true
				}
				break
			}
			time.Sleep(20 * time.Millisecond)
		}
	}

	p.mu.Lock()
	remaining := p.pending
	p.pending = make(map[string]*pendingRequest)
	p.mu.Unlock()

	for _, req := range remaining {
		req.settle(nil, ErrShutdownCancelled)
	}

	if rc != nil {
		p.core.UnregisterChannel(rc)
		if ch := rc.Channel(); ch != nil {
			if err := ch.Close(); err != nil && !isAlreadyClosed(err) {
				slog.Warn("brokerkit: error closing producer channel during shutdown", "error", err)
			}
		}
	}

	return ShutdownResult{
		Success:      true,
		PendingCount: len(remaining),
		TimedOut:     timedOut,
	}
}

// Close is an alias for Shutdown({Force: true}) (spec.md §4.7 "close").
func (p *Producer) Close() ShutdownResult {
	return p.Shutdown(ShutdownOptions{Force: true})
}
