// package memstore provides a driver that keeps records in memory.
package memstore

import (
	"context"
	"fmt"

	"github.com/sour-is/livelist/internal/lg"
	"github.com/sour-is/livelist/pkg/locker"
	"github.com/sour-is/livelist/pkg/records"
	"github.com/sour-is/livelist/pkg/records/driver"
	"github.com/sour-is/livelist/pkg/records/record"
)

type state struct {
	collections map[string]*locker.Locked[record.Index]
}
type collection struct {
	name  string
	index *locker.Locked[record.Index]
}
type memstore struct {
	state *locker.Locked[state]
}

func Init(ctx context.Context) error {
	ctx, span := lg.Span(ctx)
	defer span.End()

	return records.Register(ctx, "mem", &memstore{})
}

var _ driver.Driver = (*memstore)(nil)

func (memstore) Open(ctx context.Context, name string) (driver.Driver, error) {
	_, span := lg.Span(ctx)
	defer span.End()

	s := &state{collections: make(map[string]*locker.Locked[record.Index])}
	return &memstore{locker.New(s)}, nil
}
func (m *memstore) Collection(ctx context.Context, name string) (driver.Collection, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	c := &collection{name: name}

	err := m.state.Modify(ctx, func(ctx context.Context, state *state) error {
		l, ok := state.collections[name]
		if !ok {
			l = locker.New(&record.Index{})
			state.collections[name] = l
		}
		c.index = l
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

var _ driver.Collection = (*collection)(nil)

func (c *collection) List(ctx context.Context, q record.Query) ([]*record.Record, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	var lis []*record.Record
	err := c.index.Use(ctx, func(ctx context.Context, idx record.Index) error {
		lis = idx.List(q)
		span.AddEvent(fmt.Sprintf("%s listed %d of %d", c.name, len(lis), idx.Len()))
		return nil
	})
	return lis, err
}

func (c *collection) Get(ctx context.Context, id string) (*record.Record, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	var r *record.Record
	err := c.index.Use(ctx, func(ctx context.Context, idx record.Index) error {
		var ok bool
		if r, ok = idx.Get(id); !ok {
			return fmt.Errorf("%w: %s/%s", driver.ErrNotFound, c.name, id)
		}
		return nil
	})
	return r, err
}

func (c *collection) Put(ctx context.Context, r *record.Record) (*record.Record, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	var stored *record.Record
	err := c.index.Modify(ctx, func(ctx context.Context, idx *record.Index) error {
		idx.Put(r)
		stored, _ = idx.Get(r.ID)
		return nil
	})
	return stored, err
}

func (c *collection) Delete(ctx context.Context, id string) (*record.Record, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	var r *record.Record
	err := c.index.Modify(ctx, func(ctx context.Context, idx *record.Index) error {
		var ok bool
		if r, ok = idx.Delete(id); !ok {
			return fmt.Errorf("%w: %s/%s", driver.ErrNotFound, c.name, id)
		}
		return nil
	})
	return r, err
}
