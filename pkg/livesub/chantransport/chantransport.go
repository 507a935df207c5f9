// Package chantransport feeds a livesub.Manager from an in-process watermill
// subscriber, normally the broker's GoChannel.
package chantransport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/sour-is/livelist/pkg/livesub"
)

var (
	ErrNotConnected = errors.New("channel transport not active")
	ErrClosed       = errors.New("subscriber closed")
)

type handle string

func (h handle) Topic() string { return string(h) }

type Transport struct {
	sub message.Subscriber

	mu     sync.Mutex
	conn   *conn
	events livesub.TransportEvents
}

// conn scopes every topic subscription opened while active.
type conn struct {
	ctx    context.Context
	cancel context.CancelFunc
	subs   map[string]context.CancelFunc
}

func New(sub message.Subscriber) *Transport {
	return &Transport{sub: sub}
}

func (t *Transport) Activate(ctx context.Context, events livesub.TransportEvents) error {
	if t.sub == nil {
		return ErrClosed
	}

	cctx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	prev := t.conn
	t.conn = &conn{ctx: cctx, cancel: cancel, subs: make(map[string]context.CancelFunc)}
	t.events = events
	t.mu.Unlock()

	if prev != nil {
		prev.cancel()
	}
	return nil
}

func (t *Transport) Deactivate(ctx context.Context) error {
	t.mu.Lock()
	c := t.conn
	t.conn = nil
	t.mu.Unlock()

	if c != nil {
		c.cancel()
	}
	return nil
}

func (t *Transport) Subscribe(ctx context.Context, topic string, onMessage func(livesub.Message)) (livesub.Handle, error) {
	t.mu.Lock()
	c := t.conn
	t.mu.Unlock()
	if c == nil {
		return nil, ErrNotConnected
	}

	sctx, cancel := context.WithCancel(c.ctx)
	ch, err := t.sub.Subscribe(sctx, topic)
	if err != nil {
		cancel()
		return nil, err
	}

	t.mu.Lock()
	if prev, ok := c.subs[topic]; ok {
		prev()
	}
	c.subs[topic] = cancel
	t.mu.Unlock()

	go t.loop(sctx, c, topic, ch, onMessage)

	return handle(topic), nil
}

func (t *Transport) loop(ctx context.Context, c *conn, topic string, ch <-chan *message.Message, onMessage func(livesub.Message)) {
	for msg := range ch {
		onMessage(livesub.Message{
			Topic:    topic,
			ID:       msg.UUID,
			Payload:  json.RawMessage(msg.Payload),
			Received: time.Now(),
		})
		msg.Ack()
	}

	// The subscriber closed the channel on its own: the pub/sub is gone.
	if ctx.Err() != nil {
		return
	}

	t.mu.Lock()
	current := t.conn == c
	if current {
		t.conn = nil
	}
	events := t.events
	t.mu.Unlock()

	if current {
		c.cancel()
		if events.OnDisconnect != nil {
			events.OnDisconnect(ErrClosed)
		}
	}
}

func (t *Transport) Unsubscribe(ctx context.Context, h livesub.Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil
	}
	if cancel, ok := t.conn.subs[h.Topic()]; ok {
		cancel()
		delete(t.conn.subs, h.Topic())
	}
	return nil
}
