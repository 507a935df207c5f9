// Package pager incrementally loads a cursor paginated list.
//
// A Pager holds the items loaded so far for one filter. LoadNext asks the
// fetch func for the page after the last item seen and merges it, dropping
// items whose key is already present. At most one fetch is in flight at a
// time. Reset starts over with a new filter; a fetch that was in flight when
// the reset happened is discarded when it returns.
package pager

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/instrument/syncint64"
	"go.uber.org/multierr"

	"github.com/sour-is/livelist/internal/lg"
	"github.com/sour-is/livelist/pkg/locker"
	"github.com/sour-is/livelist/pkg/set"
)

const DefaultPageSize = 20

var (
	ErrPageSize   = errors.New("page size must be positive")
	ErrNoFetch    = errors.New("fetch func is required")
	ErrNoKeyFunc  = errors.New("key func is required")
	ErrFetchPanic = errors.New("fetch panicked")
)

// PageRequest is passed to the fetch func. Cursor is empty for the first page.
type PageRequest struct {
	Cursor   string
	PageSize int
	Filter   string
}

// PageResult holds one page of items in server order.
type PageResult[T any] struct {
	Items []T
}

// FetchFunc loads the page described by req.
type FetchFunc[T any] func(ctx context.Context, req PageRequest) (PageResult[T], error)

// KeyFunc returns the identity key of an item. Keys must be unique and
// stable across pages since they are used both for de-duplication and as
// the next cursor.
type KeyFunc[T any] func(T) string

// Snapshot is a read only view of the pager. Items must not be modified.
type Snapshot[T any] struct {
	Items   []T
	HasMore bool
	Loading bool
	Filter  string
	Err     error
}

type state[T any] struct {
	items      []T
	seen       set.Set[string]
	cursor     string
	hasMore    bool
	loading    bool
	lastFilter string
	err        error

	// generation is bumped by every reset. A fetch that completes under an
	// older generation is stale.
	generation uint64
}

func (s *state[T]) snapshot() Snapshot[T] {
	n := len(s.items)
	return Snapshot[T]{
		Items:   s.items[:n:n],
		HasMore: s.hasMore,
		Loading: s.loading,
		Filter:  s.lastFilter,
		Err:     s.err,
	}
}

type Pager[T any] struct {
	fetch    FetchFunc[T]
	key      KeyFunc[T]
	pageSize int

	onChange []func(Snapshot[T])
	onError  []func(error)

	state *locker.Locked[state[T]]

	Mpager_fetch   syncint64.Counter
	Mpager_stale   syncint64.Counter
	Mpager_dropped syncint64.Counter
	Mpager_panic   syncint64.Counter
}

type Option[T any] func(*Pager[T])

// WithPageSize sets the number of items requested per page.
func WithPageSize[T any](n int) Option[T] {
	return func(p *Pager[T]) { p.pageSize = n }
}

// OnChange is called with a fresh snapshot after every state transition.
func OnChange[T any](fn func(Snapshot[T])) Option[T] {
	return func(p *Pager[T]) { p.onChange = append(p.onChange, fn) }
}

// OnError is called when a fetch fails. Stale failures are not reported.
func OnError[T any](fn func(error)) Option[T] {
	return func(p *Pager[T]) { p.onError = append(p.onError, fn) }
}

// New creates an empty pager. Nothing is fetched until Reset or LoadNext.
func New[T any](fetch FetchFunc[T], key KeyFunc[T], opts ...Option[T]) (*Pager[T], error) {
	p := &Pager[T]{
		fetch:    fetch,
		key:      key,
		pageSize: DefaultPageSize,
	}
	for _, o := range opts {
		o(p)
	}

	switch {
	case p.fetch == nil:
		return nil, ErrNoFetch
	case p.key == nil:
		return nil, ErrNoKeyFunc
	case p.pageSize <= 0:
		return nil, fmt.Errorf("%w: %d", ErrPageSize, p.pageSize)
	}

	p.state = locker.New(&state[T]{
		seen:    set.New[string](),
		hasMore: true,
	})

	m := lg.Meter(context.Background())

	var err, errs error
	p.Mpager_fetch, err = m.SyncInt64().Counter("pager_fetch")
	errs = multierr.Append(errs, err)

	p.Mpager_stale, err = m.SyncInt64().Counter("pager_stale")
	errs = multierr.Append(errs, err)

	p.Mpager_dropped, err = m.SyncInt64().Counter("pager_dropped")
	errs = multierr.Append(errs, err)

	p.Mpager_panic, err = m.SyncInt64().Counter("pager_panic")
	errs = multierr.Append(errs, err)

	return p, errs
}

// PageSize is the fixed number of items requested per fetch.
func (p *Pager[T]) PageSize() int { return p.pageSize }

// Snapshot returns the current state.
func (p *Pager[T]) Snapshot() Snapshot[T] {
	var snap Snapshot[T]
	_ = p.state.Use(context.Background(), func(_ context.Context, s state[T]) error {
		snap = s.snapshot()
		return nil
	})
	return snap
}

// Reset clears all loaded items and loads the first page for filter. A
// fetch still in flight from before the reset will be discarded.
func (p *Pager[T]) Reset(ctx context.Context, filter string) error {
	ctx, span := lg.Span(ctx)
	defer span.End()

	var snap Snapshot[T]
	err := p.state.Modify(ctx, func(ctx context.Context, s *state[T]) error {
		s.generation++
		s.items = nil
		s.seen = set.New[string]()
		s.cursor = ""
		s.hasMore = true
		s.loading = false
		s.err = nil
		s.lastFilter = filter

		snap = s.snapshot()
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return err
	}
	span.AddEvent("reset filter=" + filter)
	p.notify(snap)

	return p.LoadNext(ctx)
}

// SetFilter resets the pager when filter differs from the one in use.
func (p *Pager[T]) SetFilter(ctx context.Context, filter string) error {
	var changed bool
	err := p.state.Use(ctx, func(_ context.Context, s state[T]) error {
		changed = s.lastFilter != filter
		return nil
	})
	if err != nil || !changed {
		return err
	}
	return p.Reset(ctx, filter)
}

// Refresh reloads from the first page with the current filter.
func (p *Pager[T]) Refresh(ctx context.Context) error {
	var filter string
	err := p.state.Use(ctx, func(_ context.Context, s state[T]) error {
		filter = s.lastFilter
		return nil
	})
	if err != nil {
		return err
	}
	return p.Reset(ctx, filter)
}

// LoadNext fetches and merges the next page. It returns immediately without
// fetching when a load is already in flight or the end of data was reached.
// A failed fetch leaves the loaded items in place and is returned; it is not
// retried.
func (p *Pager[T]) LoadNext(ctx context.Context) error {
	ctx, span := lg.Span(ctx)
	defer span.End()

	var (
		req   PageRequest
		gen   uint64
		start bool
		snap  Snapshot[T]
	)
	err := p.state.Modify(ctx, func(ctx context.Context, s *state[T]) error {
		if s.loading || !s.hasMore {
			return nil
		}
		s.loading = true
		start = true

		gen = s.generation
		req = PageRequest{
			Cursor:   s.cursor,
			PageSize: p.pageSize,
			Filter:   s.lastFilter,
		}
		snap = s.snapshot()
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return err
	}
	if !start {
		span.AddEvent("skip")
		return nil
	}
	p.notify(snap)

	span.SetAttributes(
		attribute.String("cursor", req.Cursor),
		attribute.String("filter", req.Filter),
	)
	p.Mpager_fetch.Add(ctx, 1)

	res, fetchErr := p.call(ctx, req)

	var stale bool
	var dropped int
	err = p.state.Modify(context.WithoutCancel(ctx), func(ctx context.Context, s *state[T]) error {
		if s.generation != gen {
			stale = true
			return nil
		}
		s.loading = false

		if fetchErr != nil {
			s.err = fetchErr
			snap = s.snapshot()
			return nil
		}
		s.err = nil

		for _, item := range res.Items {
			if s.seen.Add(p.key(item)) == 0 {
				dropped++
				continue
			}
			s.items = append(s.items, item)
		}
		if n := len(res.Items); n > 0 {
			s.cursor = p.key(res.Items[n-1])
		}
		s.hasMore = len(res.Items) >= p.pageSize

		snap = s.snapshot()
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return err
	}

	if stale {
		span.AddEvent("discard stale page")
		p.Mpager_stale.Add(ctx, 1)
		return nil
	}
	if dropped > 0 {
		span.AddEvent(fmt.Sprint("dropped duplicates ", dropped))
		p.Mpager_dropped.Add(ctx, int64(dropped))
	}
	span.SetAttributes(attribute.Int("items", len(snap.Items)), attribute.Bool("has_more", snap.HasMore))

	p.notify(snap)

	if fetchErr != nil {
		span.RecordError(fetchErr)
		for _, fn := range p.onError {
			fn(fetchErr)
		}
		return fetchErr
	}
	return nil
}

// call runs the fetch func. A panic is returned as an error so the load is
// still settled.
func (p *Pager[T]) call(ctx context.Context, req PageRequest) (res PageResult[T], err error) {
	defer func() {
		if r := recover(); r != nil {
			p.Mpager_panic.Add(ctx, 1)
			err = fmt.Errorf("%w: %v", ErrFetchPanic, r)
		}
	}()
	return p.fetch(ctx, req)
}

func (p *Pager[T]) notify(snap Snapshot[T]) {
	for _, fn := range p.onChange {
		fn(snap)
	}
}
