// Package records stores administrative records in collections and
// publishes a change for every mutation.
package records

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/instrument/syncint64"
	"go.uber.org/multierr"

	"github.com/sour-is/livelist/internal/lg"
	"github.com/sour-is/livelist/pkg/locker"
	"github.com/sour-is/livelist/pkg/records/driver"
	"github.com/sour-is/livelist/pkg/records/record"
)

type config struct {
	drivers map[string]driver.Driver
}

var (
	drivers = locker.New(&config{drivers: make(map[string]driver.Driver)})
)

var (
	ErrNoDriver = errors.New("no driver")
	ErrNotFound = driver.ErrNotFound
)

// Register makes a driver available to Open under the dsn scheme name.
func Register(ctx context.Context, name string, d driver.Driver) error {
	return drivers.Modify(ctx, func(ctx context.Context, c *config) error {
		if _, set := c.drivers[name]; set {
			return fmt.Errorf("driver %s already set", name)
		}
		c.drivers[name] = d
		return nil
	})
}

// Notifier is told about every successful mutation.
type Notifier interface {
	Notify(ctx context.Context, collection string, c record.Change) error
}

type NotifyFunc func(ctx context.Context, collection string, c record.Change) error

func (fn NotifyFunc) Notify(ctx context.Context, collection string, c record.Change) error {
	return fn(ctx, collection, c)
}

type Store struct {
	driver.Driver
	notifiers []Notifier

	Mrecords_list   syncint64.Counter
	Mrecords_put    syncint64.Counter
	Mrecords_delete syncint64.Counter
}

type Option interface {
	Apply(*Store)
}

type withNotifier struct{ Notifier }

func (o withNotifier) Apply(s *Store) { s.notifiers = append(s.notifiers, o.Notifier) }

// WithNotifier adds n to the notifiers called after each mutation.
func WithNotifier(n Notifier) Option { return withNotifier{n} }

// Open connects to the driver named by the dsn scheme, e.g. "mem:" or
// "file:data".
func Open(ctx context.Context, dsn string, options ...Option) (*Store, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	name, _, ok := strings.Cut(dsn, ":")
	if !ok {
		return nil, fmt.Errorf("%w: no scheme", ErrNoDriver)
	}

	c, err := drivers.Copy(ctx)
	if err != nil {
		return nil, err
	}

	d, ok := c.drivers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s not registered", ErrNoDriver, name)
	}

	conn, err := d.Open(ctx, dsn)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s := &Store{Driver: conn}
	s.Option(options...)

	m := lg.Meter(ctx)

	var errs error
	s.Mrecords_list, err = m.SyncInt64().Counter("records_list")
	errs = multierr.Append(errs, err)

	s.Mrecords_put, err = m.SyncInt64().Counter("records_put")
	errs = multierr.Append(errs, err)

	s.Mrecords_delete, err = m.SyncInt64().Counter("records_delete")
	errs = multierr.Append(errs, err)

	return s, errs
}

// Option applies options after the store is open.
func (s *Store) Option(options ...Option) {
	for _, o := range options {
		o.Apply(s)
	}
}

func (s *Store) List(ctx context.Context, collection string, q record.Query) ([]*record.Record, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	span.SetAttributes(
		attribute.String("collection", collection),
		attribute.String("after", q.After),
		attribute.Int("limit", q.Limit),
	)
	s.Mrecords_list.Add(ctx, 1)

	c, err := s.Collection(ctx, collection)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return c.List(ctx, q)
}

func (s *Store) Get(ctx context.Context, collection, id string) (*record.Record, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	c, err := s.Collection(ctx, collection)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return c.Get(ctx, id)
}

// Put creates r when its ID is empty, otherwise replaces it. The stored
// record is returned.
func (s *Store) Put(ctx context.Context, collection string, r *record.Record) (*record.Record, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	c, err := s.Collection(ctx, collection)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	r = r.Clone()
	r.Collection = collection
	r.Updated = time.Now().UTC()
	if r.ID == "" {
		r.ID = ulid.Make().String()
		r.Created = r.Updated
	}

	r, err = c.Put(ctx, r)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	s.Mrecords_put.Add(ctx, 1)
	span.AddEvent("put " + collection + "/" + r.ID)

	return r, s.notify(ctx, collection, record.Change{Op: record.OpPut, Record: r})
}

func (s *Store) Delete(ctx context.Context, collection, id string) (*record.Record, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	c, err := s.Collection(ctx, collection)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	r, err := c.Delete(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	s.Mrecords_delete.Add(ctx, 1)

	return r, s.notify(ctx, collection, record.Change{Op: record.OpDelete, Record: r})
}

func (s *Store) notify(ctx context.Context, collection string, c record.Change) error {
	var errs error
	for _, n := range s.notifiers {
		errs = multierr.Append(errs, n.Notify(ctx, collection, c))
	}
	return errs
}

// Close releases driver resources.
func (s *Store) Close(ctx context.Context) error {
	if c, ok := s.Driver.(driver.Closer); ok {
		return c.Close(ctx)
	}
	return nil
}
