// Package wstransport connects a livesub.Manager to the broker's websocket
// endpoint.
package wstransport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sour-is/livelist/internal/lg"
	"github.com/sour-is/livelist/pkg/livesub"
	"github.com/sour-is/livelist/pkg/wire"
)

var ErrNotConnected = errors.New("websocket not connected")

type handle string

func (h handle) Topic() string { return string(h) }

type Transport struct {
	url      string
	dialer   *websocket.Dialer
	header   http.Header
	pingTick time.Duration

	mu   sync.Mutex
	conn *conn
	subs map[string]func(livesub.Message)
}

// conn is one dialed connection. Writes are serialized since gorilla allows
// a single concurrent writer.
type conn struct {
	ws   *websocket.Conn
	wmu  sync.Mutex
	done chan struct{}
	once sync.Once
}

func (c *conn) write(ctx context.Context, f wire.Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(10 * time.Second)
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteJSON(f)
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		c.wmu.Lock()
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.wmu.Unlock()
		c.ws.Close()
	})
}

type Option func(*Transport)

func WithDialer(d *websocket.Dialer) Option {
	return func(t *Transport) { t.dialer = d }
}
func WithHeader(key, value string) Option {
	return func(t *Transport) { t.header.Add(key, value) }
}

// WithPing sets how often an idle connection is probed. A connection that
// misses two probes is considered lost.
func WithPing(d time.Duration) Option {
	return func(t *Transport) { t.pingTick = d }
}

// New returns a transport for the websocket at url, e.g. ws://host/live.
func New(url string, opts ...Option) *Transport {
	t := &Transport{
		url:      url,
		dialer:   websocket.DefaultDialer,
		header:   make(http.Header),
		pingTick: 30 * time.Second,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Activate dials the broker. Any previous connection is closed first.
func (t *Transport) Activate(ctx context.Context, events livesub.TransportEvents) error {
	ctx, span := lg.Span(ctx)
	defer span.End()

	t.mu.Lock()
	prev := t.conn
	t.conn = nil
	t.mu.Unlock()
	if prev != nil {
		prev.close()
	}

	ws, res, err := t.dialer.DialContext(ctx, t.url, t.header)
	if err != nil {
		span.RecordError(err)
		if res != nil {
			return fmt.Errorf("dial %s: %w (status %d)", t.url, err, res.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", t.url, err)
	}

	c := &conn{ws: ws, done: make(chan struct{})}

	t.mu.Lock()
	t.conn = c
	t.subs = make(map[string]func(livesub.Message))
	t.mu.Unlock()

	ws.SetReadDeadline(time.Now().Add(2 * t.pingTick))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(2 * t.pingTick))
	})

	go t.readLoop(c, events)
	go t.pingLoop(c)

	span.AddEvent("connected " + t.url)
	return nil
}

func (t *Transport) readLoop(c *conn, events livesub.TransportEvents) {
	for {
		_, b, err := c.ws.ReadMessage()
		if err != nil {
			t.mu.Lock()
			current := t.conn == c
			if current {
				t.conn = nil
			}
			t.mu.Unlock()

			c.close()
			if current && events.OnDisconnect != nil {
				events.OnDisconnect(err)
			}
			return
		}

		// Any traffic proves the connection is alive.
		c.ws.SetReadDeadline(time.Now().Add(2 * t.pingTick))

		f, err := wire.Decode(b)
		if err != nil {
			log.Print("wstransport: ", err)
			continue
		}

		switch f.Type {
		case wire.TypeMessage:
			t.mu.Lock()
			fn, ok := t.subs[f.Topic]
			t.mu.Unlock()
			if ok {
				fn(livesub.Message{
					Topic:    f.Topic,
					ID:       f.ID,
					Payload:  f.Payload,
					Received: time.Now(),
				})
			}
		case wire.TypePing:
			go c.write(context.Background(), wire.Frame{Type: wire.TypePong, ID: f.ID})
		case wire.TypeError:
			log.Printf("wstransport: broker error id=%s: %s", f.ID, f.Error)
		}
	}
}

func (t *Transport) pingLoop(c *conn) {
	tick := time.NewTicker(t.pingTick)
	defer tick.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-tick.C:
			c.wmu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.pingTick))
			c.wmu.Unlock()
			if err != nil {
				c.ws.Close()
				return
			}
		}
	}
}

// Deactivate closes the connection without reporting a disconnect.
func (t *Transport) Deactivate(ctx context.Context) error {
	t.mu.Lock()
	c := t.conn
	t.conn = nil
	t.subs = nil
	t.mu.Unlock()

	if c != nil {
		c.close()
	}
	return nil
}

func (t *Transport) current() (*conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil, ErrNotConnected
	}
	return t.conn, nil
}

// Subscribe asks the broker for messages on topic.
func (t *Transport) Subscribe(ctx context.Context, topic string, onMessage func(livesub.Message)) (livesub.Handle, error) {
	t.mu.Lock()
	c := t.conn
	if c != nil {
		t.subs[topic] = onMessage
	}
	t.mu.Unlock()
	if c == nil {
		return nil, ErrNotConnected
	}

	if err := c.write(ctx, wire.Frame{Type: wire.TypeSubscribe, Topic: topic}); err != nil {
		return nil, err
	}
	return handle(topic), nil
}

func (t *Transport) Unsubscribe(ctx context.Context, h livesub.Handle) error {
	t.mu.Lock()
	c := t.conn
	if c != nil {
		delete(t.subs, h.Topic())
	}
	t.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.write(ctx, wire.Frame{Type: wire.TypeUnsubscribe, Topic: h.Topic()})
}

// Publish sends payload to every subscriber of topic through the broker.
func (t *Transport) Publish(ctx context.Context, topic string, payload []byte) error {
	c, err := t.current()
	if err != nil {
		return err
	}
	return c.write(ctx, wire.Frame{Type: wire.TypePublish, Topic: topic, Payload: payload})
}
