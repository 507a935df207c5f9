// Package broker fans messages out to live subscribers over a websocket.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/instrument/syncint64"
	"go.uber.org/multierr"

	"github.com/sour-is/livelist/internal/lg"
	"github.com/sour-is/livelist/pkg/records/record"
	"github.com/sour-is/livelist/pkg/wire"
)

type service struct {
	pubsub *gochannel.GoChannel

	Mbroker_publish syncint64.Counter
	Mbroker_deliver syncint64.Counter
	Mbroker_session syncint64.Counter
}

func New(ctx context.Context) (*service, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	svc := &service{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 64},
			watermill.NopLogger{},
		),
	}

	m := lg.Meter(ctx)

	var err, errs error
	svc.Mbroker_publish, err = m.SyncInt64().Counter("broker_publish")
	errs = multierr.Append(errs, err)

	svc.Mbroker_deliver, err = m.SyncInt64().Counter("broker_deliver")
	errs = multierr.Append(errs, err)

	svc.Mbroker_session, err = m.SyncInt64().Counter("broker_session")
	errs = multierr.Append(errs, err)

	span.RecordError(errs)

	return svc, errs
}

// PubSub exposes the in-process broker to local subscribers.
func (s *service) PubSub() *gochannel.GoChannel { return s.pubsub }

// Close ends every subscription. Connected sockets see their topics close.
func (s *service) Close(ctx context.Context) error { return s.pubsub.Close() }

// Publish sends payload to every subscriber of topic and returns the message id.
func (s *service) Publish(ctx context.Context, topic string, payload []byte) (string, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)

	span.SetAttributes(attribute.String("topic", topic), attribute.String("id", msg.UUID))
	if err := s.pubsub.Publish(topic, msg); err != nil {
		span.RecordError(err)
		return "", err
	}
	s.Mbroker_publish.Add(ctx, 1)

	return msg.UUID, nil
}

// Notify publishes a record change on the collection topic.
func (s *service) Notify(ctx context.Context, collection string, c record.Change) error {
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = s.Publish(ctx, record.Topic(collection), b)
	return err
}

var upgrader = websocket.Upgrader{
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (s *service) RegisterHTTP(mux *http.ServeMux) {
	mux.Handle("/live", lg.Htrace(s, "live"))
	mux.Handle("/live/", lg.Htrace(http.StripPrefix("/live/", s), "live"))
}
func (s *service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ctx, span := lg.Span(ctx)
	defer span.End()
	r = r.WithContext(ctx)

	switch r.Method {
	case http.MethodGet:
		if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			s.websocket(w, r)
			return
		}
		w.WriteHeader(http.StatusUpgradeRequired)
	case http.MethodPost, http.MethodPut:
		s.post(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *service) post(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ctx, span := lg.Span(ctx)
	defer span.End()

	topic := strings.Trim(r.URL.Path, "/")
	if topic == "" || topic == "live" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	b, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
	if err != nil {
		span.RecordError(err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	r.Body.Close()

	if len(b) > 0 && !json.Valid(b) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		return
	}

	id, err := s.Publish(ctx, topic, b)
	if err != nil {
		span.RecordError(err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Add("Content-Type", "text/plain")
	w.WriteHeader(http.StatusAccepted)
	fmt.Fprintf(w, "OK %s", id)
}

// session is one websocket client and the topics it follows.
type session struct {
	s    *service
	ws   *websocket.Conn
	wmu  sync.Mutex
	mu   sync.Mutex
	subs map[string]context.CancelFunc
}

func (c *session) write(f wire.Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.ws.WriteJSON(f)
}

func (c *session) subscribe(ctx context.Context, topic string) error {
	ctx, cancel := context.WithCancel(ctx)
	ch, err := c.s.pubsub.Subscribe(ctx, topic)
	if err != nil {
		cancel()
		return err
	}

	c.mu.Lock()
	if prev, ok := c.subs[topic]; ok {
		prev()
	}
	c.subs[topic] = cancel
	c.mu.Unlock()

	go func() {
		for msg := range ch {
			err := c.write(wire.Frame{
				Type:    wire.TypeMessage,
				Topic:   topic,
				ID:      msg.UUID,
				Payload: json.RawMessage(msg.Payload),
			})
			msg.Ack()
			if err != nil {
				cancel()
				c.ws.Close()
				return
			}
			c.s.Mbroker_deliver.Add(ctx, 1)
		}
	}()
	return nil
}

func (c *session) unsubscribe(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cancel, ok := c.subs[topic]; ok {
		cancel()
		delete(c.subs, topic)
	}
}

func (c *session) close() {
	c.mu.Lock()
	for topic, cancel := range c.subs {
		cancel()
		delete(c.subs, topic)
	}
	c.mu.Unlock()
	c.ws.Close()
}

func (s *service) websocket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ctx, span := lg.Span(ctx)
	defer span.End()

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		span.RecordError(err)
		return
	}

	// Subscriptions outlive the request span but not the socket.
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	c := &session{s: s, ws: ws, subs: make(map[string]context.CancelFunc)}
	defer c.close()

	s.Mbroker_session.Add(ctx, 1)
	span.AddEvent("start ws")

	for {
		_, b, err := ws.ReadMessage()
		if err != nil {
			span.AddEvent("stop ws")
			return
		}

		f, err := wire.Decode(b)
		if err != nil {
			span.RecordError(err)
			if err := c.write(wire.Errorf(f.ID, "%s", err)); err != nil {
				return
			}
			continue
		}

		switch f.Type {
		case wire.TypeSubscribe:
			err = c.subscribe(ctx, f.Topic)
		case wire.TypeUnsubscribe:
			c.unsubscribe(f.Topic)
		case wire.TypePublish:
			_, err = s.Publish(ctx, f.Topic, f.Payload)
		case wire.TypePing:
			err = c.write(wire.Frame{Type: wire.TypePong, ID: f.ID})
		case wire.TypePong:
		default:
			err = fmt.Errorf("%w: %s not accepted from clients", wire.ErrInvalidFrame, f.Type)
		}

		if err != nil {
			span.RecordError(err)
			if err := c.write(wire.Errorf(f.ID, "%s", err)); err != nil {
				return
			}
		}
	}
}
