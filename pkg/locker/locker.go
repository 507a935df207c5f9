// Package locker holds a value in a single slot channel so that each read or
// mutation of it happens in one uninterrupted step.
package locker

import (
	"context"
)

type Locked[T any] struct {
	state chan *T
}

// New creates a new locker for the given value.
func New[T any](initial *T) *Locked[T] {
	s := &Locked[T]{}
	s.state = make(chan *T, 1)
	s.state <- initial
	return s
}

// Modify will call the function with the locked value. The value is
// returned to the slot when fn returns, even if it panics.
func (s *Locked[T]) Modify(ctx context.Context, fn func(context.Context, *T) error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	select {
	case state := <-s.state:
		defer func() { s.state <- state }()
		return fn(ctx, state)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Use calls fn with the locked value for reading.
func (s *Locked[T]) Use(ctx context.Context, fn func(context.Context, T) error) error {
	return s.Modify(ctx, func(ctx context.Context, t *T) error {
		return fn(ctx, *t)
	})
}

// Copy will return a shallow copy of the locked object.
func (s *Locked[T]) Copy(ctx context.Context) (T, error) {
	var t T

	err := s.Modify(ctx, func(ctx context.Context, c *T) error {
		if c != nil {
			t = *c
		}
		return nil
	})

	return t, err
}
