// Package memstore is an in-process entity store. It is used for
// development, the demo pad and tests; contents are lost on restart.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/padsync/server/internal/geo"
	"github.com/padsync/server/internal/pad"
	"github.com/padsync/server/internal/store"
)

type padRecord struct {
	id            string
	writeID       string
	name          string
	defaultViewID *int64
}

type lineRecord struct {
	line   pad.Line
	points []geo.Point
}

// Store keeps every pad in memory behind a single RWMutex. Reads return
// copies so callers can never mutate stored state.
type Store struct {
	mu       sync.RWMutex
	pads     map[string]*padRecord
	writeIDs map[string]string
	markers  map[int64]pad.Marker
	lines    map[int64]lineRecord
	views    map[int64]pad.View
	types    map[int64]pad.Type
	nextID   int64
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		pads:     make(map[string]*padRecord),
		writeIDs: make(map[string]string),
		markers:  make(map[int64]pad.Marker),
		lines:    make(map[int64]lineRecord),
		views:    make(map[int64]pad.View),
		types:    make(map[int64]pad.Type),
	}
}

func (s *Store) allocID() int64 {
	s.nextID++
	return s.nextID
}

func newPadID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

func (r *padRecord) data(writable bool) pad.Data {
	d := pad.Data{ID: r.id, Name: r.name, Writable: writable}
	if writable {
		d.WriteID = r.writeID
	}
	if r.defaultViewID != nil {
		id := *r.defaultViewID
		d.DefaultViewID = &id
	}
	return d
}

func (s *Store) GetPadData(ctx context.Context, id string) (pad.Data, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.pads[id]; ok {
		return r.data(false), nil
	}
	if readID, ok := s.writeIDs[id]; ok {
		return s.pads[readID].data(true), nil
	}
	return pad.Data{}, fmt.Errorf("pad %q: %w", id, store.ErrNotFound)
}

func (s *Store) idTaken(id string) bool {
	_, read := s.pads[id]
	_, write := s.writeIDs[id]
	return read || write
}

func (s *Store) CreatePad(ctx context.Context, c pad.PadCreate) (pad.Data, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = newPadID()
	}
	if c.WriteID == "" {
		c.WriteID = newPadID()
	}
	if c.ID == c.WriteID || s.idTaken(c.ID) || s.idTaken(c.WriteID) {
		return pad.Data{}, fmt.Errorf("pad id already taken: %w", store.ErrConflict)
	}
	r := &padRecord{id: c.ID, writeID: c.WriteID, name: c.Name}
	s.pads[c.ID] = r
	s.writeIDs[c.WriteID] = c.ID
	return r.data(true), nil
}

func (s *Store) UpdatePadData(ctx context.Context, padID string, p pad.PadPatch) (pad.Data, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.pads[padID]
	if !ok {
		return pad.Data{}, fmt.Errorf("pad %q: %w", padID, store.ErrNotFound)
	}
	if !p.ClearDefaultView && p.DefaultViewID != nil {
		if v, ok := s.views[*p.DefaultViewID]; !ok || v.PadID != padID {
			return pad.Data{}, fmt.Errorf("view %d: %w", *p.DefaultViewID, store.ErrNotFound)
		}
	}
	d := p.Apply(r.data(true))
	r.name = d.Name
	r.defaultViewID = d.DefaultViewID
	return d, nil
}

// sortedByID collects the values of m that belong to padID, ordered by id.
func sortedByID[T any](m map[int64]T, keep func(T) bool) []T {
	ids := make([]int64, 0, len(m))
	for id, v := range m {
		if keep(v) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		out = append(out, m[id])
	}
	return out
}

func (s *Store) checkPad(padID string) error {
	if _, ok := s.pads[padID]; !ok {
		return fmt.Errorf("pad %q: %w", padID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) checkType(padID string, typeID int64, kind string) error {
	t, ok := s.types[typeID]
	if !ok || t.PadID != padID {
		return fmt.Errorf("type %d: %w", typeID, store.ErrNotFound)
	}
	if t.Type != kind {
		return fmt.Errorf("type %d is not a %s type: %w", typeID, kind, store.ErrConflict)
	}
	return nil
}
