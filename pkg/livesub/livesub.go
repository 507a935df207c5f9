// Package livesub keeps one logical connection to a push broker and fans
// incoming messages out to handlers registered per topic.
//
// The connection is retried with capped exponential backoff whenever the
// handshake fails or the transport drops. Topic subscriptions do not survive
// a reconnect, so every topic that still has handlers is subscribed again
// once the transport is back.
package livesub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jpillora/backoff"
	"go.opentelemetry.io/otel/metric/instrument/syncint64"
	"go.uber.org/multierr"

	"github.com/sour-is/livelist/internal/lg"
	"github.com/sour-is/livelist/pkg/clock"
	"github.com/sour-is/livelist/pkg/locker"
	"github.com/sour-is/livelist/pkg/slice"
)

var (
	ErrNoTransport = errors.New("transport is required")
	ErrNoHandler   = errors.New("handler is required")
)

type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Message is one push delivered by the transport.
type Message struct {
	Topic    string
	ID       string
	Payload  json.RawMessage
	Received time.Time
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Payload, v)
}

// Handler receives messages for the topics it was subscribed to. A returned
// error is logged and has no other effect.
type Handler func(ctx context.Context, msg Message) error

// Handle identifies a subscription issued by a transport.
type Handle interface {
	Topic() string
}

// TransportEvents are the callbacks a transport reports connection loss on.
type TransportEvents struct {
	// OnDisconnect is called once when an established connection drops. It
	// is not called for connections closed by Deactivate.
	OnDisconnect func(error)
}

// Transport is a connection to a broker. Activate performs the handshake
// and returns once it succeeds or fails.
type Transport interface {
	Activate(ctx context.Context, events TransportEvents) error
	Deactivate(ctx context.Context) error
	Subscribe(ctx context.Context, topic string, onMessage func(Message)) (Handle, error)
	Unsubscribe(ctx context.Context, h Handle) error
}

// Subscription is returned by Subscribe and passed back to Unsubscribe.
type Subscription struct {
	topic string
	id    uint64
}

func (s Subscription) Topic() string { return s.topic }

type entry struct {
	id uint64
	fn Handler
}

type topic struct {
	handlers []entry
	handle   Handle
	issuing  bool
}

type state struct {
	status  Status
	topics  map[string]*topic
	order   []string
	retries int
	timer   clock.Timer
	stopped bool
	nextID  uint64

	// handshaking is set while Activate runs. rejoin marks a Start that
	// arrived during it and connects once it settles.
	handshaking bool
	rejoin      bool

	// epoch changes with every connection attempt. Callbacks that carry an
	// older epoch belong to a connection that no longer exists.
	epoch uint64
}

type Manager struct {
	transport Transport
	clock     clock.Clock
	backoff   *backoff.Backoff
	onStatus  []func(Status)

	state *locker.Locked[state]

	Mlivesub_connect  syncint64.Counter
	Mlivesub_retry    syncint64.Counter
	Mlivesub_dispatch syncint64.Counter
	Mlivesub_panic    syncint64.Counter
}

type Option func(*Manager)

// WithBackoff sets the reconnect delay bounds. The n-th consecutive failure
// waits min*factor^(n-1), capped at max.
func WithBackoff(min, max time.Duration, factor float64) Option {
	return func(m *Manager) {
		m.backoff = &backoff.Backoff{Min: min, Max: max, Factor: factor}
	}
}

func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// OnStatus is called after every status change.
func OnStatus(fn func(Status)) Option {
	return func(m *Manager) { m.onStatus = append(m.onStatus, fn) }
}

// New creates a disconnected manager. Call Start to connect.
func New(transport Transport, opts ...Option) (*Manager, error) {
	if transport == nil {
		return nil, ErrNoTransport
	}

	m := &Manager{
		transport: transport,
		clock:     clock.Real(),
		backoff:   &backoff.Backoff{Min: 250 * time.Millisecond, Max: 30 * time.Second, Factor: 2},
		state:     locker.New(&state{topics: make(map[string]*topic)}),
	}
	for _, o := range opts {
		o(m)
	}

	meter := lg.Meter(context.Background())

	var err, errs error
	m.Mlivesub_connect, err = meter.SyncInt64().Counter("livesub_connect")
	errs = multierr.Append(errs, err)

	m.Mlivesub_retry, err = meter.SyncInt64().Counter("livesub_retry")
	errs = multierr.Append(errs, err)

	m.Mlivesub_dispatch, err = meter.SyncInt64().Counter("livesub_dispatch")
	errs = multierr.Append(errs, err)

	m.Mlivesub_panic, err = meter.SyncInt64().Counter("livesub_panic")
	errs = multierr.Append(errs, err)

	return m, errs
}

// Delay is the wait before reconnect attempt n, counted from one.
func (m *Manager) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	return m.backoff.ForAttempt(float64(n - 1))
}

func (m *Manager) Status() Status {
	var st Status
	_ = m.state.Use(context.Background(), func(_ context.Context, s state) error {
		st = s.status
		return nil
	})
	return st
}

// RetryCount is the number of consecutive failed connect attempts.
func (m *Manager) RetryCount() int {
	var n int
	_ = m.state.Use(context.Background(), func(_ context.Context, s state) error {
		n = s.retries
		return nil
	})
	return n
}

// Start connects the transport. It is a no-op while connecting or
// connected. A failed handshake is not returned; it schedules a retry.
//
// When a handshake begun before Stop is still in flight, Start does not
// activate the transport again. The old handshake is closed once it
// settles and a fresh one is made in its place.
func (m *Manager) Start(ctx context.Context) error {
	ctx, span := lg.Span(ctx)
	defer span.End()

	var epoch uint64
	var changed, start bool
	err := m.state.Modify(ctx, func(ctx context.Context, s *state) error {
		if s.status != Disconnected {
			return nil
		}
		changed = true
		s.stopped = false
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		s.epoch++
		s.status = Connecting
		if s.handshaking {
			s.rejoin = true
			return nil
		}
		start = true
		s.handshaking = true
		epoch = s.epoch
		return nil
	})
	if err != nil || !changed {
		return err
	}
	m.notify(Connecting)
	if !start {
		span.AddEvent("waiting on earlier handshake")
		return nil
	}

	return m.connect(context.WithoutCancel(ctx), epoch)
}

// connect runs the handshake for epoch. Only one handshake is in flight at
// a time.
func (m *Manager) connect(ctx context.Context, epoch uint64) error {
	ctx, span := lg.Span(ctx)
	defer span.End()

	m.Mlivesub_connect.Add(ctx, 1)

	err := m.transport.Activate(ctx, TransportEvents{
		OnDisconnect: func(err error) { m.dropped(ctx, epoch, err) },
	})

	var current bool
	var next uint64
	var topics []*topic
	var names []string
	_ = m.state.Modify(ctx, func(ctx context.Context, s *state) error {
		s.handshaking = false
		if s.epoch != epoch {
			if s.rejoin {
				s.rejoin = false
				s.handshaking = true
				next = s.epoch
			}
			return nil
		}
		if err != nil {
			return nil
		}
		current = true
		s.status = Connected
		s.retries = 0
		for _, name := range s.order {
			t := s.topics[name]
			t.handle = nil
			t.issuing = len(t.handlers) > 0
			if t.issuing {
				names = append(names, name)
				topics = append(topics, t)
			}
		}
		return nil
	})

	if err != nil {
		span.RecordError(err)
		if next != 0 {
			return m.connect(ctx, next)
		}
		m.failed(ctx, epoch, err)
		return nil
	}
	if !current {
		// superseded by Stop or a drop while handshaking
		span.AddEvent("closing stale handshake")
		log.Print("livesub: closing stale handshake")
		if derr := m.transport.Deactivate(ctx); derr != nil {
			span.RecordError(derr)
			log.Print("livesub: deactivate: ", derr)
		}
		if next != 0 {
			return m.connect(ctx, next)
		}
		return nil
	}

	log.Print("livesub: connected, resubscribing ", len(names), " topics")
	m.notify(Connected)

	for i := range names {
		m.issue(ctx, epoch, names[i], topics[i])
	}
	return nil
}

// failed records a handshake failure and schedules the next attempt.
func (m *Manager) failed(ctx context.Context, epoch uint64, cause error) {
	var delay time.Duration
	var changed bool
	_ = m.state.Modify(ctx, func(ctx context.Context, s *state) error {
		if s.epoch != epoch || s.status != Connecting {
			return nil
		}
		changed = true
		s.status = Disconnected
		s.retries++
		delay = m.Delay(s.retries)
		s.timer = m.clock.AfterFunc(delay, func() { m.retry(ctx, epoch) })
		return nil
	})
	if !changed {
		return
	}
	log.Printf("livesub: connect failed, retry in %s: %v", delay, cause)
	m.notify(Disconnected)
}

// dropped handles loss of an established connection.
func (m *Manager) dropped(ctx context.Context, epoch uint64, cause error) {
	var delay time.Duration
	var changed bool
	_ = m.state.Modify(ctx, func(ctx context.Context, s *state) error {
		// Connecting with the same epoch means the handshake succeeded but
		// Start has not promoted it yet.
		if s.epoch != epoch || s.status == Disconnected {
			return nil
		}
		changed = true
		s.status = Disconnected
		for _, t := range s.topics {
			t.handle = nil
			t.issuing = false
		}
		s.epoch++
		epoch = s.epoch
		delay = m.Delay(s.retries + 1)
		s.timer = m.clock.AfterFunc(delay, func() { m.retry(ctx, epoch) })
		return nil
	})
	if !changed {
		return
	}
	log.Printf("livesub: connection lost, retry in %s: %v", delay, cause)
	m.notify(Disconnected)
}

func (m *Manager) retry(ctx context.Context, epoch uint64) {
	var ok bool
	_ = m.state.Modify(ctx, func(ctx context.Context, s *state) error {
		if s.epoch != epoch || s.stopped || s.timer == nil {
			return nil
		}
		s.timer = nil
		ok = true
		return nil
	})
	if !ok {
		return
	}
	m.Mlivesub_retry.Add(ctx, 1)
	if err := m.Start(ctx); err != nil {
		log.Print("livesub: retry: ", err)
	}
}

// issue asks the transport for the topic subscription. A failure is treated
// like a dropped connection.
func (m *Manager) issue(ctx context.Context, epoch uint64, name string, t *topic) {
	var current bool
	_ = m.state.Use(ctx, func(_ context.Context, s state) error {
		current = s.epoch == epoch
		return nil
	})
	if !current {
		return
	}

	h, err := m.transport.Subscribe(ctx, name, func(msg Message) { m.Dispatch(ctx, msg) })

	var orphan bool
	_ = m.state.Modify(ctx, func(ctx context.Context, s *state) error {
		if s.epoch != epoch {
			return nil
		}
		t.issuing = false
		if err != nil {
			return nil
		}
		if s.topics[name] != t {
			orphan = true
			return nil
		}
		t.handle = h
		return nil
	})

	switch {
	case err != nil:
		log.Printf("livesub: subscribe %s: %v", name, err)
		if derr := m.transport.Deactivate(ctx); derr != nil {
			log.Print("livesub: deactivate: ", derr)
		}
		m.dropped(ctx, epoch, err)
	case orphan:
		if err := m.transport.Unsubscribe(ctx, h); err != nil {
			log.Printf("livesub: unsubscribe %s: %v", name, err)
		}
	}
}

// Subscribe adds handler to topic. The transport subscription is issued once
// per topic, when connected.
func (m *Manager) Subscribe(ctx context.Context, name string, handler Handler) (Subscription, error) {
	if handler == nil {
		return Subscription{}, ErrNoHandler
	}

	var sub Subscription
	var issue *topic
	var epoch uint64
	err := m.state.Modify(ctx, func(ctx context.Context, s *state) error {
		t, ok := s.topics[name]
		if !ok {
			t = &topic{}
			s.topics[name] = t
			s.order = append(s.order, name)
		}
		s.nextID++
		sub = Subscription{topic: name, id: s.nextID}
		t.handlers = append(t.handlers, entry{sub.id, handler})

		if s.status == Connected && t.handle == nil && !t.issuing {
			t.issuing = true
			issue = t
			epoch = s.epoch
		}
		return nil
	})
	if err != nil {
		return Subscription{}, err
	}

	if issue != nil {
		m.issue(context.WithoutCancel(ctx), epoch, name, issue)
	}
	return sub, nil
}

// Unsubscribe removes the handler. When it was the last one for its topic
// the transport subscription is cancelled.
func (m *Manager) Unsubscribe(ctx context.Context, sub Subscription) error {
	var h Handle
	err := m.state.Modify(ctx, func(ctx context.Context, s *state) error {
		t, ok := s.topics[sub.topic]
		if !ok {
			return nil
		}
		t.handlers = slice.Without(t.handlers, func(e entry) bool { return e.id == sub.id })
		if len(t.handlers) > 0 {
			return nil
		}

		delete(s.topics, sub.topic)
		s.order = slice.Without(s.order, func(name string) bool { return name == sub.topic })
		if s.status == Connected {
			h = t.handle
		}
		return nil
	})
	if err != nil || h == nil {
		return err
	}
	return m.transport.Unsubscribe(ctx, h)
}

// Dispatch delivers msg to the handlers of its topic in registration order.
// A failing or panicking handler does not prevent the rest from running.
func (m *Manager) Dispatch(ctx context.Context, msg Message) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	var handlers []entry
	_ = m.state.Use(ctx, func(_ context.Context, s state) error {
		if t, ok := s.topics[msg.Topic]; ok {
			handlers = append(handlers, t.handlers...)
		}
		return nil
	})
	if msg.Received.IsZero() {
		msg.Received = m.clock.Now()
	}

	m.Mlivesub_dispatch.Add(ctx, 1)
	for _, e := range handlers {
		if err := m.call(ctx, e.fn, msg); err != nil {
			span.RecordError(err)
			log.Printf("livesub: handler for %s: %v", msg.Topic, err)
		}
	}
}

func (m *Manager) call(ctx context.Context, fn Handler, msg Message) (err error) {
	defer func() {
		if p := recover(); p != nil {
			m.Mlivesub_panic.Add(ctx, 1)
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn(ctx, msg)
}

// Stop disconnects and cancels any pending retry. Handlers stay registered
// and are subscribed again by the next Start.
func (m *Manager) Stop(ctx context.Context) error {
	ctx, span := lg.Span(ctx)
	defer span.End()

	var prev Status
	err := m.state.Modify(ctx, func(ctx context.Context, s *state) error {
		prev = s.status
		s.stopped = true
		s.rejoin = false
		s.epoch++
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		s.status = Disconnected
		s.retries = 0
		for _, t := range s.topics {
			t.handle = nil
			t.issuing = false
		}
		return nil
	})
	if err != nil {
		return err
	}
	if prev != Disconnected {
		m.notify(Disconnected)
	}
	if prev != Connected {
		return nil
	}

	err = m.transport.Deactivate(ctx)
	span.RecordError(err)
	return err
}

func (m *Manager) notify(st Status) {
	for _, fn := range m.onStatus {
		fn(st)
	}
}
