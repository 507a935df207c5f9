package livesub_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/sour-is/livelist/pkg/clock"
	"github.com/sour-is/livelist/pkg/livesub"
)

type handle string

func (h handle) Topic() string { return string(h) }

type mockTransport struct {
	mu sync.Mutex

	onActivate  func(ctx context.Context) error
	onSubscribe func(topic string) error

	events        livesub.TransportEvents
	activations   int
	deactivations int
	subscribed    []string
	unsubscribed  []string
	active        map[string]func(livesub.Message)
}

func (m *mockTransport) Activate(ctx context.Context, events livesub.TransportEvents) error {
	m.mu.Lock()
	m.activations++
	fn := m.onActivate
	m.mu.Unlock()

	if fn != nil {
		if err := fn(ctx); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.events = events
	m.active = make(map[string]func(livesub.Message))
	m.mu.Unlock()
	return nil
}
func (m *mockTransport) Deactivate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deactivations++
	m.active = nil
	return nil
}
func (m *mockTransport) Subscribe(ctx context.Context, topic string, onMessage func(livesub.Message)) (livesub.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribed = append(m.subscribed, topic)
	if m.onSubscribe != nil {
		if err := m.onSubscribe(topic); err != nil {
			return nil, err
		}
	}
	if m.active == nil {
		return nil, errors.New("not connected")
	}
	m.active[topic] = onMessage
	return handle(topic), nil
}
func (m *mockTransport) Unsubscribe(ctx context.Context, h livesub.Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unsubscribed = append(m.unsubscribed, h.Topic())
	delete(m.active, h.Topic())
	return nil
}

// deliver pushes a message the way a transport read loop would.
func (m *mockTransport) deliver(topic string, payload string) bool {
	m.mu.Lock()
	fn, ok := m.active[topic]
	m.mu.Unlock()
	if !ok {
		return false
	}
	fn(livesub.Message{Topic: topic, Payload: json.RawMessage(payload)})
	return true
}

func (m *mockTransport) drop(err error) {
	m.mu.Lock()
	fn := m.events.OnDisconnect
	m.active = nil
	m.mu.Unlock()
	fn(err)
}

func (m *mockTransport) counts() (activations, deactivations int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activations, m.deactivations
}

func (m *mockTransport) subs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.subscribed...)
}

func newManager(t *testing.T, tr livesub.Transport, opts ...livesub.Option) (*livesub.Manager, *clock.FakeClock) {
	t.Helper()

	clk := clock.Fake(time.Date(2022, 9, 1, 0, 0, 0, 0, time.UTC))
	opts = append([]livesub.Option{
		livesub.WithClock(clk),
		livesub.WithBackoff(100*time.Millisecond, 5*time.Second, 2),
	}, opts...)

	m, err := livesub.New(tr, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return m, clk
}

func TestNew(t *testing.T) {
	is := is.New(t)

	_, err := livesub.New(nil)
	is.True(errors.Is(err, livesub.ErrNoTransport))

	m, _ := newManager(t, &mockTransport{})
	is.Equal(m.Status(), livesub.Disconnected)
	is.Equal(m.Status().String(), "disconnected")

	_, err = m.Subscribe(context.Background(), "a", nil)
	is.True(errors.Is(err, livesub.ErrNoHandler))
}

func TestBackoffMonotonic(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	errDown := errors.New("broker down")
	tr := &mockTransport{onActivate: func(context.Context) error { return errDown }}

	var statuses []livesub.Status
	m, clk := newManager(t, tr, livesub.OnStatus(func(s livesub.Status) { statuses = append(statuses, s) }))

	is.Equal(m.Delay(1), 100*time.Millisecond)

	is.NoErr(m.Start(ctx))
	is.Equal(m.Status(), livesub.Disconnected)

	var last time.Duration
	for i := 1; i <= 10; i++ {
		is.Equal(m.RetryCount(), i)

		d, ok := clk.Next()
		is.True(ok)
		is.Equal(d, m.Delay(i))
		is.True(d >= last)
		is.True(d <= 5*time.Second)
		last = d

		clk.Advance(d)
	}
	is.Equal(last, 5*time.Second)

	activations, _ := tr.counts()
	is.Equal(activations, 11)
	is.Equal(statuses[:4], []livesub.Status{
		livesub.Connecting, livesub.Disconnected,
		livesub.Connecting, livesub.Disconnected,
	})

	tr.mu.Lock()
	tr.onActivate = nil
	tr.mu.Unlock()

	d, _ := clk.Next()
	clk.Advance(d)
	is.Equal(m.Status(), livesub.Connected)
	is.Equal(m.RetryCount(), 0)
}

func TestHandlerIsolation(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	tr := &mockTransport{}
	m, clk := newManager(t, tr)
	is.NoErr(m.Start(ctx))

	var order []string
	var got livesub.Message
	_, err := m.Subscribe(ctx, "records.staff", func(ctx context.Context, msg livesub.Message) error {
		order = append(order, "panic")
		panic("handler bug")
	})
	is.NoErr(err)
	_, err = m.Subscribe(ctx, "records.staff", func(ctx context.Context, msg livesub.Message) error {
		order = append(order, "error")
		return errors.New("handler failed")
	})
	is.NoErr(err)
	_, err = m.Subscribe(ctx, "records.staff", func(ctx context.Context, msg livesub.Message) error {
		order = append(order, "ok")
		got = msg
		return nil
	})
	is.NoErr(err)

	is.True(tr.deliver("records.staff", `{"op":"put"}`))
	is.Equal(order, []string{"panic", "error", "ok"})
	is.Equal(m.Status(), livesub.Connected)

	var change struct{ Op string }
	is.NoErr(got.Decode(&change))
	is.Equal(change.Op, "put")
	is.Equal(got.Received, clk.Now())

	is.True(tr.deliver("records.staff", `{"op":"delete"}`))
	is.Equal(len(order), 6)
}

func TestOneSubscriptionPerTopic(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	tr := &mockTransport{}
	m, _ := newManager(t, tr)

	noop := func(context.Context, livesub.Message) error { return nil }

	early, err := m.Subscribe(ctx, "a", noop)
	is.NoErr(err)
	is.Equal(len(tr.subs()), 0)

	is.NoErr(m.Start(ctx))
	is.Equal(tr.subs(), []string{"a"})

	s2, err := m.Subscribe(ctx, "a", noop)
	is.NoErr(err)
	s3, err := m.Subscribe(ctx, "a", noop)
	is.NoErr(err)
	is.Equal(tr.subs(), []string{"a"})
	is.Equal(s3.Topic(), "a")

	is.NoErr(m.Unsubscribe(ctx, early))
	is.NoErr(m.Unsubscribe(ctx, s2))
	is.Equal(len(tr.unsubscribed), 0)

	is.NoErr(m.Unsubscribe(ctx, s3))
	is.Equal(tr.unsubscribed, []string{"a"})

	// unknown tokens are ignored
	is.NoErr(m.Unsubscribe(ctx, s3))
	is.Equal(tr.unsubscribed, []string{"a"})

	_, err = m.Subscribe(ctx, "a", noop)
	is.NoErr(err)
	is.Equal(tr.subs(), []string{"a", "a"})
}

func TestStopCancelsRetry(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	tr := &mockTransport{onActivate: func(context.Context) error { return errors.New("refused") }}
	m, clk := newManager(t, tr)

	is.NoErr(m.Start(ctx))
	is.Equal(clk.Pending(), 1)

	is.NoErr(m.Stop(ctx))
	is.Equal(clk.Pending(), 0)
	is.Equal(m.Status(), livesub.Disconnected)

	clk.Advance(time.Minute)
	activations, deactivations := tr.counts()
	is.Equal(activations, 1)
	is.Equal(deactivations, 0)
}

func TestLateHandshakeAfterStop(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	tr := &mockTransport{onActivate: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}
	m, _ := newManager(t, tr)

	_, err := m.Subscribe(ctx, "a", func(context.Context, livesub.Message) error { return nil })
	is.NoErr(err)

	done := make(chan error)
	go func() { done <- m.Start(ctx) }()

	<-started
	is.Equal(m.Status(), livesub.Connecting)
	is.NoErr(m.Start(ctx))

	is.NoErr(m.Stop(ctx))
	is.Equal(m.Status(), livesub.Disconnected)

	close(release)
	is.NoErr(<-done)

	is.Equal(m.Status(), livesub.Disconnected)
	_, deactivations := tr.counts()
	is.Equal(deactivations, 1)
	is.Equal(len(tr.subs()), 0)
}

func TestRestartDuringHandshake(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	tr := &mockTransport{onActivate: func(context.Context) error {
		once.Do(func() {
			close(started)
			<-release
		})
		return nil
	}}
	m, clk := newManager(t, tr)

	_, err := m.Subscribe(ctx, "a", func(context.Context, livesub.Message) error { return nil })
	is.NoErr(err)

	done := make(chan error)
	go func() { done <- m.Start(ctx) }()
	<-started

	is.NoErr(m.Stop(ctx))
	is.NoErr(m.Start(ctx))
	is.Equal(m.Status(), livesub.Connecting)

	activations, _ := tr.counts()
	is.Equal(activations, 1) // no second handshake while the first is open

	close(release)
	is.NoErr(<-done)

	activations, deactivations := tr.counts()
	is.Equal(activations, 2)
	is.Equal(deactivations, 1)
	is.Equal(m.Status(), livesub.Connected)
	is.Equal(tr.subs(), []string{"a"})
	is.True(tr.deliver("a", `{}`))

	tr.drop(errors.New("read: connection reset"))
	is.Equal(m.Status(), livesub.Disconnected)
	is.Equal(clk.Pending(), 1)
}

func TestStopDuringRestartWait(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	tr := &mockTransport{onActivate: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}
	m, _ := newManager(t, tr)

	done := make(chan error)
	go func() { done <- m.Start(ctx) }()
	<-started

	is.NoErr(m.Stop(ctx))
	is.NoErr(m.Start(ctx))
	is.NoErr(m.Stop(ctx))

	close(release)
	is.NoErr(<-done)

	activations, deactivations := tr.counts()
	is.Equal(activations, 1)
	is.Equal(deactivations, 1)
	is.Equal(m.Status(), livesub.Disconnected)
}

func TestResubscribeAfterDrop(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	tr := &mockTransport{}
	m, clk := newManager(t, tr)

	var got []string
	for _, topic := range []string{"records.staff", "records.teams"} {
		_, err := m.Subscribe(ctx, topic, func(ctx context.Context, msg livesub.Message) error {
			got = append(got, msg.Topic)
			return nil
		})
		is.NoErr(err)
	}
	is.NoErr(m.Start(ctx))
	is.Equal(tr.subs(), []string{"records.staff", "records.teams"})

	tr.drop(errors.New("read: connection reset"))
	is.Equal(m.Status(), livesub.Disconnected)
	is.True(!tr.deliver("records.staff", `{}`))

	d, ok := clk.Next()
	is.True(ok)
	is.Equal(d, m.Delay(1))

	clk.Advance(d)
	is.Equal(m.Status(), livesub.Connected)
	is.Equal(tr.subs(), []string{"records.staff", "records.teams", "records.staff", "records.teams"})

	is.True(tr.deliver("records.teams", `{}`))
	is.Equal(got, []string{"records.teams"})

	// a second drop notification for the old connection is ignored
	tr.mu.Lock()
	stale := tr.events.OnDisconnect
	tr.mu.Unlock()
	tr.drop(errors.New("again"))
	stale(errors.New("late"))
	is.Equal(clk.Pending(), 1)
}

func TestSubscribeFailureReconnects(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	fail := true
	tr := &mockTransport{}
	tr.onSubscribe = func(topic string) error {
		if fail {
			fail = false
			return errors.New("subscribe rejected")
		}
		return nil
	}
	m, clk := newManager(t, tr)

	_, err := m.Subscribe(ctx, "a", func(context.Context, livesub.Message) error { return nil })
	is.NoErr(err)

	is.NoErr(m.Start(ctx))
	is.Equal(m.Status(), livesub.Disconnected)
	_, deactivations := tr.counts()
	is.Equal(deactivations, 1)

	d, ok := clk.Next()
	is.True(ok)
	clk.Advance(d)

	is.Equal(m.Status(), livesub.Connected)
	is.Equal(tr.subs(), []string{"a", "a"})
	is.True(tr.deliver("a", `{}`))
}

func TestStopKeepsHandlers(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	tr := &mockTransport{}
	m, _ := newManager(t, tr)

	calls := 0
	_, err := m.Subscribe(ctx, "a", func(context.Context, livesub.Message) error {
		calls++
		return nil
	})
	is.NoErr(err)

	is.NoErr(m.Start(ctx))
	is.NoErr(m.Stop(ctx))

	_, deactivations := tr.counts()
	is.Equal(deactivations, 1)
	is.True(!tr.deliver("a", `{}`))

	is.NoErr(m.Start(ctx))
	is.Equal(tr.subs(), []string{"a", "a"})
	is.True(tr.deliver("a", `{}`))
	is.Equal(calls, 1)
}
