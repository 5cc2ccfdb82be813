package brokerkit

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

// connectionRegistry is the package-level singleton-per-URI registry (spec.md
// §9 "singleton-per-URI" redesign hint) - the only module-level mutable
// state in the package.
var connectionRegistry sync.Map // uri string -> *ConnectionCore

type connState int

const (
	stateDisconnected connState = iota
	stateConnecting
	stateConnected
	stateReconnecting
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateConnected:
		return "connected"
	case stateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// connWaiter is the "shared future" that every caller blocked in
// GetConnection during a connecting/reconnecting window observes (spec.md §9
// "Concurrent get-connection" redesign hint): it is atomically replaced on
// each transition into connecting and settled exactly once.
type connWaiter struct {
	done chan struct{}
	once sync.Once
	conn *amqp091.Connection
	err  error
}

func newConnWaiter() *connWaiter {
	return &connWaiter{done: make(chan struct{})}
}

func (w *connWaiter) settle(conn *amqp091.Connection, err error) {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.conn = conn
		w.err = err
		close(w.done)
	})
}

// RegisteredChannel holds a reference to a live channel and the setup
// function that rebuilds its topology; the setup function is re-invoked
// automatically after every reconnection (spec.md §3 "RegisteredChannel").
type RegisteredChannel struct {
	mu      sync.RWMutex
	channel *amqp091.Channel
	setup   func(*amqp091.Channel) error
}

// Channel returns the currently live channel, or nil if it has been lost and
// not yet replaced.
func (rc *RegisteredChannel) Channel() *amqp091.Channel {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.channel
}

func (rc *RegisteredChannel) clear() {
	rc.mu.Lock()
	rc.channel = nil
	rc.mu.Unlock()
}

func (rc *RegisteredChannel) swap(ch *amqp091.Channel) {
	rc.mu.Lock()
	rc.channel = ch
	rc.mu.Unlock()
}

func (rc *RegisteredChannel) closeQuiet() {
	rc.mu.RLock()
	ch := rc.channel
	rc.mu.RUnlock()
	if ch == nil {
		return
	}
	_ = ch.Close()
}

// ConnectionCore maintains a single durable connection to a broker URI,
// coordinates channel recreation across reconnections, and offers lifecycle
// events. See spec.md §4.5.
type ConnectionCore struct {
	uri       string
	heartbeat time.Duration
	policy    ReconnectPolicy

	bus *EventBus

	mu            sync.Mutex
	state         connState
	attempt       int
	conn          *amqp091.Connection
	closing       bool
	everConnected bool
	waiter        *connWaiter
	timer         *time.Timer
	channels      map[*RegisteredChannel]struct{}
}

// GetConnectionCore returns the singleton ConnectionCore for opts.URI,
// creating it on first call (spec.md §4.5 "get(uri, options)").
func GetConnectionCore(opts ConnectionOptions) (*ConnectionCore, error) {
	opts.applyDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	if v, ok := connectionRegistry.Load(opts.URI); ok {
		return v.(*ConnectionCore), nil
	}

	core := &ConnectionCore{
		uri:       opts.URI,
		heartbeat: opts.Heartbeat,
		policy:    opts.Reconnect,
		bus:       NewEventBus(),
		channels:  make(map[*RegisteredChannel]struct{}),
	}

	actual, _ := connectionRegistry.LoadOrStore(opts.URI, core)
	return actual.(*ConnectionCore), nil
}

// ResetConnectionCore closes the current instance for uri (best-effort) and
// drops it from the registry (spec.md §4.5 "reset()").
func ResetConnectionCore(uri string) error {
	v, ok := connectionRegistry.LoadAndDelete(uri)
	if !ok {
		return nil
	}
	return v.(*ConnectionCore).Close()
}

// On registers a lifecycle event listener (connected, disconnected,
// reconnecting, reconnected, error).
func (c *ConnectionCore) On(l Listener) {
	c.bus.On(l)
}

// State reports the current state machine state, mostly useful for tests.
func (c *ConnectionCore) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.String()
}

// GetConnection waits until state is connected and returns the live
// connection, or fails terminally. If already connected, it returns
// immediately (spec.md §4.5 "get-connection()").
func (c *ConnectionCore) GetConnection(ctx context.Context) (*amqp091.Connection, error) {
	c.mu.Lock()
	if c.state == stateConnected && c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		return conn, nil
	}
	if c.closing {
		c.mu.Unlock()
		return nil, ErrClosed
	}

	var w *connWaiter
	if c.waiter != nil {
		w = c.waiter
	} else {
		w = newConnWaiter()
		c.waiter = w
		c.state = stateConnecting
		go c.runAttempt(w, -1)
	}
	c.mu.Unlock()

	select {
	case <-w.done:
		return w.conn, w.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CreateChannel opens a new channel, runs setup(channel) if provided,
// registers the pair, and returns the channel. The same setup is
// re-invoked automatically after every subsequent reconnection (spec.md
// §4.5 "create-channel(setup?)").
func (c *ConnectionCore) CreateChannel(ctx context.Context, setup func(*amqp091.Channel) error) (*RegisteredChannel, error) {
	conn, err := c.GetConnection(ctx)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, wrap(err, "brokerkit: open channel")
	}

	if setup != nil {
		if err := setup(ch); err != nil {
			_ = ch.Close()
			return nil, wrap(err, "brokerkit: channel setup")
		}
	}

	rc := &RegisteredChannel{channel: ch, setup: setup}

	c.mu.Lock()
	c.channels[rc] = struct{}{}
	c.mu.Unlock()

	go c.watchChannel(rc, ch)

	return rc, nil
}

// UnregisterChannel removes the registration so the channel is not
// resurrected on the next reconnect (spec.md §4.5 "unregister-channel").
func (c *ConnectionCore) UnregisterChannel(rc *RegisteredChannel) {
	c.mu.Lock()
	delete(c.channels, rc)
	c.mu.Unlock()
}

// Close marks the core as closing, cancels any pending reconnect timer,
// closes all registered channels and the connection, and transitions to
// disconnected (spec.md §4.5 "close()").
func (c *ConnectionCore) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true

	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}

	conn := c.conn
	c.conn = nil
	c.state = stateDisconnected

	rcs := make([]*RegisteredChannel, 0, len(c.channels))
	for rc := range c.channels {
		rcs = append(rcs, rc)
	}
	c.channels = make(map[*RegisteredChannel]struct{})

	w := c.waiter
	c.waiter = nil
	c.mu.Unlock()

	w.settle(nil, ErrClosed)

	for _, rc := range rcs {
		rc.closeQuiet()
	}

	if conn != nil {
		if err := conn.Close(); err != nil {
			return wrap(err, "brokerkit: close connection")
		}
	}
	return nil
}

// runAttempt performs one connect attempt. reconnectAttempt is -1 for an
// attempt that is not yet a counted retry (the first attempt of a fresh
// connect, or the first attempt after a broker-initiated close), or the
// 0-indexed reconnect-attempt number for a backed-off retry. Whether success
// is reported as "connected" or "reconnected" is decided separately, by
// c.everConnected, since a broker-initiated reconnect's first attempt also
// carries reconnectAttempt == -1 and must still rerun channel setups.
func (c *ConnectionCore) runAttempt(w *connWaiter, reconnectAttempt int) {
	conn, err := c.dialWithTimeout()
	if err == nil {
		c.mu.Lock()
		wasReconnect := c.everConnected
		c.conn = conn
		c.state = stateConnected
		c.attempt = 0
		c.waiter = nil
		c.everConnected = true
		c.mu.Unlock()

		go c.watchConnection(conn)

		if wasReconnect {
			c.rerunChannelSetups(conn)
			c.bus.Emit(Event{Kind: EventReconnected})
		} else {
			c.bus.Emit(Event{Kind: EventConnected})
		}

		w.settle(conn, nil)
		return
	}

	c.fail(w, reconnectAttempt, err)
}

// fail classifies a connect (or post-connect) failure and either propagates
// it terminally, schedules the next reconnect attempt, or gives up with
// ErrMaxReconnectAttempts. See spec.md §4.5's state table.
func (c *ConnectionCore) fail(w *connWaiter, reconnectAttempt int, err error) {
	kind := Classify(err)

	c.mu.Lock()
	if kind == Terminal {
		c.state = stateDisconnected
		c.waiter = nil
		c.mu.Unlock()
		c.bus.Emit(Event{Kind: EventError, Err: err})
		w.settle(nil, err)
		return
	}

	if !c.policy.Enabled {
		c.state = stateDisconnected
		c.waiter = nil
		c.mu.Unlock()
		w.settle(nil, err)
		return
	}

	nextIndex := reconnectAttempt + 1
	if nextIndex < 0 {
		nextIndex = 0
	}

	if c.policy.MaxAttempts != Unbounded && nextIndex >= c.policy.MaxAttempts {
		c.state = stateDisconnected
		c.waiter = nil
		c.mu.Unlock()
		mErr := wrap(ErrMaxReconnectAttempts, "after %d attempts: %s", nextIndex, err)
		c.bus.Emit(Event{Kind: EventError, Err: mErr})
		w.settle(nil, mErr)
		return
	}

	c.attempt = nextIndex + 1
	attemptForEvent := c.attempt
	c.state = stateReconnecting
	delay := c.nextDelay(nextIndex)
	closing := c.closing
	c.mu.Unlock()

	if closing {
		w.settle(nil, ErrClosed)
		return
	}

	c.bus.Emit(Event{Kind: EventReconnecting, Attempt: attemptForEvent, DelayMs: delay.Milliseconds()})

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		w.settle(nil, ErrClosed)
		return
	}
	c.timer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.timer = nil
		c.mu.Unlock()
		c.runAttempt(w, nextIndex)
	})
	c.mu.Unlock()
}

// nextDelay computes the full-jitter backoff delay for the n-th (0-indexed)
// reconnect attempt: random_uniform(0, min(maxDelay, initialDelay *
// multiplier^n)) (spec.md §4.5 "Backoff").
func (c *ConnectionCore) nextDelay(n int) time.Duration {
	computed := float64(c.policy.InitialDelay) * math.Pow(c.policy.BackoffMultiplier, float64(n))
	ceiling := float64(c.policy.MaxDelay)
	if computed > ceiling {
		computed = ceiling
	}
	if computed < 0 {
		computed = 0
	}
	return time.Duration(rand.Float64() * computed)
}

// dialWithTimeout arms a timer of policy.AttemptTimeout. If the underlying
// connect resolves first, the timer is effectively moot and the connection
// is returned. If the timer fires first, the caller is failed with
// ErrConnectionTimeout, but if the underlying connect subsequently resolves
// with a usable connection, that connection is closed (best-effort) - a
// late success must never leak a socket (spec.md §4.5 "Connect with
// timeout").
func (c *ConnectionCore) dialWithTimeout() (*amqp091.Connection, error) {
	type result struct {
		conn *amqp091.Connection
		err  error
	}
	resCh := make(chan result, 1)

	go func() {
		conn, err := amqp091.DialConfig(c.uri, amqp091.Config{Heartbeat: c.heartbeat})
		resCh <- result{conn, err}
	}()

	timer := time.NewTimer(c.policy.AttemptTimeout)
	defer timer.Stop()

	select {
	case r := <-resCh:
		if r.err != nil {
			return nil, r.err
		}
		return r.conn, nil
	case <-timer.C:
		go func() {
			r := <-resCh
			if r.err == nil && r.conn != nil {
				slog.Warn("brokerkit: connect succeeded after its own timeout had already failed the caller, closing leaked connection")
				_ = r.conn.Close()
			}
		}()
		return nil, ErrConnectionTimeout
	}
}

// watchConnection observes the broker-initiated (or network-initiated)
// closure of conn and drives the transition out of connected, per spec.md
// §4.5's "connected -> connection closed by broker" row. A shared waiter is
// installed before the lock is released so that any GetConnection call
// arriving during the reconnecting window joins this attempt instead of
// racing a second, competing runAttempt (spec.md §4.5 "Concurrent
// get-connection").
func (c *ConnectionCore) watchConnection(conn *amqp091.Connection) {
	closeCh := conn.NotifyClose(make(chan *amqp091.Error, 1))
	amqpErr := <-closeCh

	c.mu.Lock()
	if c.closing || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = stateConnecting
	w := newConnWaiter()
	c.waiter = w
	for rc := range c.channels {
		rc.clear()
	}
	c.mu.Unlock()

	var err error
	if amqpErr != nil {
		err = amqpErr
	} else {
		err = errors.New("brokerkit: connection closed")
	}

	c.bus.Emit(Event{Kind: EventDisconnected, Err: err})

	c.fail(w, -1, err)
}

// rerunChannelSetups opens a fresh channel for each registered entry and
// re-invokes its setup function - the contract that rebuilds topology after
// reconnection (spec.md §4.5 "Channel recovery"). A setup failure is logged
// and does not abort the remaining channels.
func (c *ConnectionCore) rerunChannelSetups(conn *amqp091.Connection) {
	c.mu.Lock()
	rcs := make([]*RegisteredChannel, 0, len(c.channels))
	for rc := range c.channels {
		rcs = append(rcs, rc)
	}
	c.mu.Unlock()

	for _, rc := range rcs {
		ch, err := conn.Channel()
		if err != nil {
			slog.Error("brokerkit: failed to reopen channel after reconnect", "error", err)
			continue
		}
		if rc.setup != nil {
			if err := rc.setup(ch); err != nil {
				slog.Error("brokerkit: channel setup failed after reconnect", "error", err)
				_ = ch.Close()
				continue
			}
		}
		rc.swap(ch)
		go c.watchChannel(rc, ch)
	}
}

// watchChannel observes a single channel's closure. If it closes while the
// connection itself is still up and not closing, this is an independent
// channel-level fault: the channel is recreated on its own, without
// triggering connection-level reconnection (spec.md §4.5 "Per-channel
// watchdog"). Recreation is bounded by the same ReconnectPolicy used for
// whole-connection reconnection, per SPEC_FULL.md's resolution of the "hot-loop"
// open question in spec.md §9.
func (c *ConnectionCore) watchChannel(rc *RegisteredChannel, ch *amqp091.Channel) {
	closeCh := ch.NotifyClose(make(chan *amqp091.Error, 1))
	<-closeCh

	c.mu.Lock()
	active := c.state == stateConnected && !c.closing
	_, stillRegistered := c.channels[rc]
	c.mu.Unlock()

	if !active || !stillRegistered {
		return
	}

	slog.Warn("brokerkit: channel closed unexpectedly, recreating")
	c.recreateChannelWithBackoff(rc)
}

func (c *ConnectionCore) recreateChannelWithBackoff(rc *RegisteredChannel) {
	attempt := 0
	for {
		c.mu.Lock()
		active := c.state == stateConnected && !c.closing
		_, stillRegistered := c.channels[rc]
		conn := c.conn
		c.mu.Unlock()

		if !active || !stillRegistered {
			return
		}

		ch, err := conn.Channel()
		if err == nil && rc.setup != nil {
			err = rc.setup(ch)
		}
		if err == nil {
			rc.swap(ch)
			go c.watchChannel(rc, ch)
			return
		}
		if ch != nil {
			_ = ch.Close()
		}

		if c.policy.MaxAttempts != Unbounded && attempt >= c.policy.MaxAttempts {
			slog.Error("brokerkit: giving up recreating channel after repeated failures", "attempts", attempt, "error", err)
			return
		}

		delay := c.nextDelay(attempt)
		slog.Warn("brokerkit: channel recreate failed, backing off", "attempt", attempt, "delay", delay, "error", err)
		attempt++
		time.Sleep(delay)
	}
}
