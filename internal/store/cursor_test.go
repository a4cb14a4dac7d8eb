package store

import (
	"context"
	"errors"
	"testing"
)

func TestSliceCursor(t *testing.T) {
	ctx := context.Background()
	got, err := Collect(ctx, SliceCursor([]int{1, 2, 3}))
	if err != nil {
		t.Fatalf("Collect() error: %v", err)
	}
	if len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Errorf("Collect() = %v, want [1 2 3]", got)
	}
}

func TestSliceCursor_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := SliceCursor([]int{1, 2, 3})
	if !c.Next(ctx) {
		t.Fatal("first Next returned false")
	}
	cancel()
	if c.Next(ctx) {
		t.Error("Next after cancel returned true")
	}
	if !errors.Is(c.Err(), context.Canceled) {
		t.Errorf("Err() = %v, want context.Canceled", c.Err())
	}
}

func TestErrCursor(t *testing.T) {
	boom := errors.New("boom")
	got, err := Collect(context.Background(), ErrCursor[string](boom))
	if len(got) != 0 {
		t.Errorf("ErrCursor yielded %v", got)
	}
	if !errors.Is(err, boom) {
		t.Errorf("Collect() error = %v, want boom", err)
	}
}
