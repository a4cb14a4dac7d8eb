// Package store defines the entity store the sync engine talks to. The
// store is the single source of truth for pad contents; implementations
// live in the memstore and mongostore subpackages.
package store

import (
	"context"
	"errors"

	"github.com/padsync/server/internal/geo"
	"github.com/padsync/server/internal/pad"
)

var (
	// ErrNotFound is returned when a pad or an entity of the requested pad
	// does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write would violate a uniqueness or
	// reference constraint.
	ErrConflict = errors.New("conflict")
	// ErrTypeInUse is returned by DeleteType while markers or lines still
	// reference the type. It matches ErrConflict.
	ErrTypeInUse error = conflict("This type is in use.")
)

type conflict string

func (c conflict) Error() string { return string(c) }

func (c conflict) Is(target error) bool { return target == ErrConflict }

// PadStore reads and writes pad metadata.
type PadStore interface {
	// GetPadData resolves either the read or the write id of a pad. The
	// returned Data carries Writable=true and the WriteID only in the
	// latter case.
	GetPadData(ctx context.Context, id string) (pad.Data, error)
	CreatePad(ctx context.Context, c pad.PadCreate) (pad.Data, error)
	UpdatePadData(ctx context.Context, padID string, p pad.PadPatch) (pad.Data, error)
}

// MarkerStore manages markers.
type MarkerStore interface {
	GetMarkers(ctx context.Context, padID string, d geo.DeltaSpec) (Cursor[pad.Marker], error)
	GetMarker(ctx context.Context, padID string, id int64) (pad.Marker, error)
	CreateMarker(ctx context.Context, padID string, c pad.MarkerCreate) (pad.Marker, error)
	UpdateMarker(ctx context.Context, padID string, p pad.MarkerPatch) (pad.Marker, error)
	DeleteMarker(ctx context.Context, padID string, id int64) (pad.Marker, error)
}

// LineStore manages lines and their points.
type LineStore interface {
	GetLines(ctx context.Context, padID string) (Cursor[pad.Line], error)
	// GetLinePoints yields one LinePoints per line that has at least one
	// point inside the delta region, carrying only those points.
	GetLinePoints(ctx context.Context, padID string, d geo.DeltaSpec) (Cursor[pad.LinePoints], error)
	CreateLine(ctx context.Context, padID string, c pad.LineCreate) (pad.Line, error)
	UpdateLine(ctx context.Context, padID string, p pad.LinePatch) (pad.Line, error)
	DeleteLine(ctx context.Context, padID string, id int64) (pad.Line, error)
}

// ViewStore manages saved views.
type ViewStore interface {
	GetViews(ctx context.Context, padID string) (Cursor[pad.View], error)
	CreateView(ctx context.Context, padID string, c pad.ViewCreate) (pad.View, error)
	UpdateView(ctx context.Context, padID string, p pad.ViewPatch) (pad.View, error)
	DeleteView(ctx context.Context, padID string, id int64) (pad.View, error)
}

// TypeStore manages type definitions.
type TypeStore interface {
	GetTypes(ctx context.Context, padID string) (Cursor[pad.Type], error)
	CreateType(ctx context.Context, padID string, c pad.TypeCreate) (pad.Type, error)
	UpdateType(ctx context.Context, padID string, p pad.TypePatch) (pad.Type, error)
	// DeleteType fails with ErrTypeInUse while markers or lines still use
	// the type.
	DeleteType(ctx context.Context, padID string, id int64) (pad.Type, error)
}

// Store is the full entity store.
type Store interface {
	PadStore
	MarkerStore
	LineStore
	ViewStore
	TypeStore
}
