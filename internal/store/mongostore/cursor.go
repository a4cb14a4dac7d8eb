package mongostore

import (
	"context"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/padsync/server/internal/geo"
	"github.com/padsync/server/internal/pad"
)

// docCursor decodes one document per item.
type docCursor[T any] struct {
	cur  *mongo.Cursor
	item T
	err  error
}

func newDocCursor[T any](cur *mongo.Cursor) *docCursor[T] {
	return &docCursor[T]{cur: cur}
}

func (c *docCursor[T]) Next(ctx context.Context) bool {
	if c.err != nil || !c.cur.Next(ctx) {
		return false
	}
	var v T
	if err := c.cur.Decode(&v); err != nil {
		c.err = err
		return false
	}
	c.item = v
	return true
}

func (c *docCursor[T]) Item() T { return c.item }

func (c *docCursor[T]) Err() error {
	if c.err != nil {
		return c.err
	}
	return c.cur.Err()
}

func (c *docCursor[T]) Close(ctx context.Context) error { return c.cur.Close(ctx) }

type pointDoc struct {
	LineID int64   `bson:"lineId"`
	PadID  string  `bson:"padId"`
	Idx    int     `bson:"idx"`
	Lat    float64 `bson:"lat"`
	Lon    float64 `bson:"lon"`
}

// pointCursor folds a stream of point documents sorted by lineId/idx into
// one LinePoints per line.
type pointCursor struct {
	cur     *mongo.Cursor
	pending *pointDoc
	item    pad.LinePoints
	err     error
}

func (c *pointCursor) read(ctx context.Context) bool {
	if c.err != nil || !c.cur.Next(ctx) {
		return false
	}
	var d pointDoc
	if err := c.cur.Decode(&d); err != nil {
		c.err = err
		return false
	}
	c.pending = &d
	return true
}

func (c *pointCursor) Next(ctx context.Context) bool {
	if c.pending == nil && !c.read(ctx) {
		return false
	}
	lp := pad.LinePoints{ID: c.pending.LineID}
	for c.pending != nil && c.pending.LineID == lp.ID {
		lp.Points = append(lp.Points, geo.Point{Lat: c.pending.Lat, Lon: c.pending.Lon})
		c.pending = nil
		c.read(ctx)
	}
	c.item = lp
	return true
}

func (c *pointCursor) Item() pad.LinePoints { return c.item }

func (c *pointCursor) Err() error {
	if c.err != nil {
		return c.err
	}
	return c.cur.Err()
}

func (c *pointCursor) Close(ctx context.Context) error { return c.cur.Close(ctx) }
