package store

import "context"

// Cursor is a finite, one-shot sequence of store results. Next advances and
// reports whether an item is available; once it returns false, Err tells
// whether the sequence ended normally. Close must always be called.
type Cursor[T any] interface {
	Next(ctx context.Context) bool
	Item() T
	Err() error
	Close(ctx context.Context) error
}

type sliceCursor[T any] struct {
	items []T
	pos   int
	cur   T
	err   error
}

// SliceCursor wraps an already materialized result set.
func SliceCursor[T any](items []T) Cursor[T] {
	return &sliceCursor[T]{items: items}
}

func (c *sliceCursor[T]) Next(ctx context.Context) bool {
	if c.err != nil {
		return false
	}
	if err := ctx.Err(); err != nil {
		c.err = err
		return false
	}
	if c.pos >= len(c.items) {
		return false
	}
	c.cur = c.items[c.pos]
	c.pos++
	return true
}

func (c *sliceCursor[T]) Item() T { return c.cur }

func (c *sliceCursor[T]) Err() error { return c.err }

func (c *sliceCursor[T]) Close(context.Context) error {
	c.items = nil
	return nil
}

type errCursor[T any] struct {
	err error
}

// ErrCursor yields no items and reports err once exhausted. Stores use it
// for failures that surface after the query was accepted.
func ErrCursor[T any](err error) Cursor[T] {
	return errCursor[T]{err: err}
}

func (c errCursor[T]) Next(context.Context) bool { return false }

func (c errCursor[T]) Item() T {
	var zero T
	return zero
}

func (c errCursor[T]) Err() error { return c.err }

func (c errCursor[T]) Close(context.Context) error { return nil }

// Collect drains c into a slice and closes it.
func Collect[T any](ctx context.Context, c Cursor[T]) ([]T, error) {
	defer c.Close(ctx)
	var out []T
	for c.Next(ctx) {
		out = append(out, c.Item())
	}
	return out, c.Err()
}
