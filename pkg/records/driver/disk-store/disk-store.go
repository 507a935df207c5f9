// package diskstore provides a driver that keeps a change log per collection
// on disk and serves reads from an index rebuilt when the log is opened.
package diskstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/wal"
	"go.opentelemetry.io/otel/metric/instrument/syncint64"
	"go.uber.org/multierr"

	"github.com/sour-is/livelist/internal/lg"
	"github.com/sour-is/livelist/pkg/locker"
	"github.com/sour-is/livelist/pkg/records"
	"github.com/sour-is/livelist/pkg/records/driver"
	"github.com/sour-is/livelist/pkg/records/record"
)

var ErrBadName = errors.New("bad collection name")

type openlogs struct {
	logs map[string]*collection
}
type diskStore struct {
	path     string
	openlogs *locker.Locked[openlogs]

	m_disk_open   syncint64.Counter
	m_disk_replay syncint64.Counter
	m_disk_write  syncint64.Counter
}

func Init(ctx context.Context) error {
	_, span := lg.Span(ctx)
	defer span.End()

	d := &diskStore{}

	m := lg.Meter(ctx)
	var err, errs error

	d.m_disk_open, err = m.SyncInt64().Counter("disk_open")
	errs = multierr.Append(errs, err)

	d.m_disk_replay, err = m.SyncInt64().Counter("disk_replay")
	errs = multierr.Append(errs, err)

	d.m_disk_write, err = m.SyncInt64().Counter("disk_write")
	errs = multierr.Append(errs, err)

	errs = multierr.Append(errs, records.Register(ctx, "file", d))

	return errs
}

var _ driver.Driver = (*diskStore)(nil)

func (d *diskStore) Open(ctx context.Context, dsn string) (driver.Driver, error) {
	_, span := lg.Span(ctx)
	defer span.End()

	scheme, path, ok := strings.Cut(dsn, ":")
	if !ok {
		return nil, fmt.Errorf("expected scheme")
	}

	if scheme != "file" {
		return nil, fmt.Errorf("expected scheme=file, got=%s", scheme)
	}
	if path == "" {
		return nil, fmt.Errorf("expected path in %q", dsn)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		err = os.MkdirAll(path, 0700)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
	}

	return &diskStore{
		path:          path,
		openlogs:      locker.New(&openlogs{logs: make(map[string]*collection)}),
		m_disk_open:   d.m_disk_open,
		m_disk_replay: d.m_disk_replay,
		m_disk_write:  d.m_disk_write,
	}, nil
}

func (d *diskStore) Collection(ctx context.Context, name string) (driver.Collection, error) {
	_, span := lg.Span(ctx)
	defer span.End()

	if name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return nil, fmt.Errorf("%w: %q", ErrBadName, name)
	}

	var c *collection
	err := d.openlogs.Modify(ctx, func(ctx context.Context, openlogs *openlogs) error {
		_, span := lg.Span(ctx)
		defer span.End()

		if l, ok := openlogs.logs[name]; ok {
			c = l
			return nil
		}

		d.m_disk_open.Add(ctx, 1)

		l, err := wal.Open(filepath.Join(d.path, name), wal.DefaultOptions)
		if err != nil {
			span.RecordError(err)
			return err
		}

		idx, err := replay(ctx, l)
		if err != nil {
			span.RecordError(err)
			l.Close()
			return err
		}
		d.m_disk_replay.Add(ctx, int64(idx.Len()))

		c = &collection{name: name, d: d, log: locker.New(&changelog{l, idx})}
		openlogs.logs[name] = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Close flushes and closes every open change log.
func (d *diskStore) Close(ctx context.Context) error {
	return d.openlogs.Modify(ctx, func(ctx context.Context, openlogs *openlogs) error {
		var errs error
		for name, c := range openlogs.logs {
			errs = multierr.Append(errs, c.log.Modify(ctx, func(ctx context.Context, cl *changelog) error {
				return cl.wal.Close()
			}))
			delete(openlogs.logs, name)
		}
		return errs
	})
}

func replay(ctx context.Context, l *wal.Log) (*record.Index, error) {
	_, span := lg.Span(ctx)
	defer span.End()

	idx := &record.Index{}

	first, err := l.FirstIndex()
	if err != nil {
		return nil, err
	}
	last, err := l.LastIndex()
	if err != nil {
		return nil, err
	}
	if first == 0 || last == 0 {
		return idx, nil
	}

	for i := first; i <= last; i++ {
		b, err := l.Read(i)
		if err != nil {
			return nil, fmt.Errorf("read change %d: %w", i, err)
		}
		var c record.Change
		if err = json.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("decode change %d: %w", i, err)
		}
		idx.Apply(c)
	}
	span.AddEvent(fmt.Sprintf("replayed %d changes", last-first+1))

	return idx, nil
}

type changelog struct {
	wal   *wal.Log
	index *record.Index
}

func (cl *changelog) append(c record.Change) error {
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	last, err := cl.wal.LastIndex()
	if err != nil {
		return err
	}
	return cl.wal.Write(last+1, b)
}

type collection struct {
	name string
	d    *diskStore
	log  *locker.Locked[changelog]
}

var _ driver.Collection = (*collection)(nil)

func (c *collection) List(ctx context.Context, q record.Query) ([]*record.Record, error) {
	_, span := lg.Span(ctx)
	defer span.End()

	var lis []*record.Record
	err := c.log.Use(ctx, func(ctx context.Context, cl changelog) error {
		lis = cl.index.List(q)
		return nil
	})
	return lis, err
}

func (c *collection) Get(ctx context.Context, id string) (*record.Record, error) {
	_, span := lg.Span(ctx)
	defer span.End()

	var r *record.Record
	err := c.log.Use(ctx, func(ctx context.Context, cl changelog) error {
		var ok bool
		if r, ok = cl.index.Get(id); !ok {
			return fmt.Errorf("%w: %s/%s", driver.ErrNotFound, c.name, id)
		}
		return nil
	})
	return r, err
}

// Put writes the change to the log before it becomes visible in the index.
func (c *collection) Put(ctx context.Context, r *record.Record) (*record.Record, error) {
	_, span := lg.Span(ctx)
	defer span.End()

	var stored *record.Record
	err := c.log.Modify(ctx, func(ctx context.Context, cl *changelog) error {
		if prev, ok := cl.index.Get(r.ID); ok {
			r = r.Clone()
			r.Created = prev.Created
		}
		if err := cl.append(record.Change{Op: record.OpPut, Record: r}); err != nil {
			span.RecordError(err)
			return err
		}
		c.d.m_disk_write.Add(ctx, 1)

		cl.index.Put(r)
		stored, _ = cl.index.Get(r.ID)
		return nil
	})
	return stored, err
}

func (c *collection) Delete(ctx context.Context, id string) (*record.Record, error) {
	_, span := lg.Span(ctx)
	defer span.End()

	var r *record.Record
	err := c.log.Modify(ctx, func(ctx context.Context, cl *changelog) error {
		var ok bool
		if r, ok = cl.index.Get(id); !ok {
			return fmt.Errorf("%w: %s/%s", driver.ErrNotFound, c.name, id)
		}
		if err := cl.append(record.Change{Op: record.OpDelete, Record: &record.Record{ID: id}}); err != nil {
			span.RecordError(err)
			return err
		}
		c.d.m_disk_write.Add(ctx, 1)

		cl.index.Delete(id)
		return nil
	})
	return r, err
}
