package memstore

import (
	"context"
	"fmt"
	"slices"

	"github.com/padsync/server/internal/geo"
	"github.com/padsync/server/internal/pad"
	"github.com/padsync/server/internal/store"
)

func (s *Store) GetMarkers(ctx context.Context, padID string, d geo.DeltaSpec) (store.Cursor[pad.Marker], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if d.Empty() {
		return store.SliceCursor[pad.Marker](nil), nil
	}
	return store.SliceCursor(sortedByID(s.markers, func(m pad.Marker) bool {
		return m.PadID == padID && d.Includes(m.Position())
	})), nil
}

func (s *Store) GetMarker(ctx context.Context, padID string, id int64) (pad.Marker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.markers[id]
	if !ok || m.PadID != padID {
		return pad.Marker{}, fmt.Errorf("marker %d: %w", id, store.ErrNotFound)
	}
	return m, nil
}

func (s *Store) CreateMarker(ctx context.Context, padID string, c pad.MarkerCreate) (pad.Marker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkPad(padID); err != nil {
		return pad.Marker{}, err
	}
	if err := s.checkType(padID, c.TypeID, pad.TypeMarker); err != nil {
		return pad.Marker{}, err
	}
	m := pad.Marker{
		ID:     s.allocID(),
		PadID:  padID,
		Lat:    c.Lat,
		Lon:    c.Lon,
		Name:   c.Name,
		Colour: c.Colour,
		TypeID: c.TypeID,
	}
	s.markers[m.ID] = m
	return m, nil
}

func (s *Store) UpdateMarker(ctx context.Context, padID string, p pad.MarkerPatch) (pad.Marker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markers[p.ID]
	if !ok || m.PadID != padID {
		return pad.Marker{}, fmt.Errorf("marker %d: %w", p.ID, store.ErrNotFound)
	}
	if p.TypeID != nil {
		if err := s.checkType(padID, *p.TypeID, pad.TypeMarker); err != nil {
			return pad.Marker{}, err
		}
	}
	m = p.Apply(m)
	s.markers[m.ID] = m
	return m, nil
}

func (s *Store) DeleteMarker(ctx context.Context, padID string, id int64) (pad.Marker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markers[id]
	if !ok || m.PadID != padID {
		return pad.Marker{}, fmt.Errorf("marker %d: %w", id, store.ErrNotFound)
	}
	delete(s.markers, id)
	return m, nil
}

func (s *Store) GetLines(ctx context.Context, padID string) (store.Cursor[pad.Line], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := sortedByID(s.lines, func(r lineRecord) bool { return r.line.PadID == padID })
	lines := make([]pad.Line, len(records))
	for i, r := range records {
		lines[i] = r.line
	}
	return store.SliceCursor(lines), nil
}

func (s *Store) GetLinePoints(ctx context.Context, padID string, d geo.DeltaSpec) (store.Cursor[pad.LinePoints], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if d.Empty() {
		return store.SliceCursor[pad.LinePoints](nil), nil
	}
	records := sortedByID(s.lines, func(r lineRecord) bool {
		return r.line.PadID == padID && r.line.Extent().Intersects(d.Box)
	})
	var out []pad.LinePoints
	for _, r := range records {
		var points []geo.Point
		for _, p := range r.points {
			if d.Includes(p) {
				points = append(points, p)
			}
		}
		if len(points) > 0 {
			out = append(out, pad.LinePoints{ID: r.line.ID, Points: points})
		}
	}
	return store.SliceCursor(out), nil
}

func (s *Store) CreateLine(ctx context.Context, padID string, c pad.LineCreate) (pad.Line, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkPad(padID); err != nil {
		return pad.Line{}, err
	}
	if err := s.checkType(padID, c.TypeID, pad.TypeLine); err != nil {
		return pad.Line{}, err
	}
	l := pad.Line{
		ID:     s.allocID(),
		PadID:  padID,
		Mode:   c.Mode,
		Colour: c.Colour,
		Width:  c.Width,
		Name:   c.Name,
		TypeID: c.TypeID,
	}
	l.SetPoints(c.Points)
	s.lines[l.ID] = lineRecord{line: l, points: slices.Clone(c.Points)}
	return l, nil
}

func (s *Store) UpdateLine(ctx context.Context, padID string, p pad.LinePatch) (pad.Line, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.lines[p.ID]
	if !ok || r.line.PadID != padID {
		return pad.Line{}, fmt.Errorf("line %d: %w", p.ID, store.ErrNotFound)
	}
	if p.TypeID != nil {
		if err := s.checkType(padID, *p.TypeID, pad.TypeLine); err != nil {
			return pad.Line{}, err
		}
	}
	r.line = p.Apply(r.line)
	if p.Points != nil {
		r.points = slices.Clone(p.Points)
	}
	s.lines[p.ID] = r
	return r.line, nil
}

func (s *Store) DeleteLine(ctx context.Context, padID string, id int64) (pad.Line, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.lines[id]
	if !ok || r.line.PadID != padID {
		return pad.Line{}, fmt.Errorf("line %d: %w", id, store.ErrNotFound)
	}
	delete(s.lines, id)
	return r.line, nil
}

func (s *Store) GetViews(ctx context.Context, padID string) (store.Cursor[pad.View], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return store.SliceCursor(sortedByID(s.views, func(v pad.View) bool { return v.PadID == padID })), nil
}

func (s *Store) CreateView(ctx context.Context, padID string, c pad.ViewCreate) (pad.View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkPad(padID); err != nil {
		return pad.View{}, err
	}
	v := pad.View{
		ID:        s.allocID(),
		PadID:     padID,
		Name:      c.Name,
		BaseLayer: c.BaseLayer,
		Layers:    slices.Clone(c.Layers),
		Top:       c.Top,
		Left:      c.Left,
		Bottom:    c.Bottom,
		Right:     c.Right,
	}
	s.views[v.ID] = v
	return v, nil
}

func (s *Store) UpdateView(ctx context.Context, padID string, p pad.ViewPatch) (pad.View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.views[p.ID]
	if !ok || v.PadID != padID {
		return pad.View{}, fmt.Errorf("view %d: %w", p.ID, store.ErrNotFound)
	}
	v = p.Apply(v)
	s.views[v.ID] = v
	return v, nil
}

func (s *Store) DeleteView(ctx context.Context, padID string, id int64) (pad.View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.views[id]
	if !ok || v.PadID != padID {
		return pad.View{}, fmt.Errorf("view %d: %w", id, store.ErrNotFound)
	}
	delete(s.views, id)
	if r := s.pads[padID]; r != nil && r.defaultViewID != nil && *r.defaultViewID == id {
		r.defaultViewID = nil
	}
	return v, nil
}

func (s *Store) GetTypes(ctx context.Context, padID string) (store.Cursor[pad.Type], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return store.SliceCursor(sortedByID(s.types, func(t pad.Type) bool { return t.PadID == padID })), nil
}

func (s *Store) CreateType(ctx context.Context, padID string, c pad.TypeCreate) (pad.Type, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkPad(padID); err != nil {
		return pad.Type{}, err
	}
	t := pad.Type{
		ID:     s.allocID(),
		PadID:  padID,
		Name:   c.Name,
		Type:   c.Type,
		Fields: slices.Clone(c.Fields),
	}
	s.types[t.ID] = t
	return t, nil
}

func (s *Store) UpdateType(ctx context.Context, padID string, p pad.TypePatch) (pad.Type, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.types[p.ID]
	if !ok || t.PadID != padID {
		return pad.Type{}, fmt.Errorf("type %d: %w", p.ID, store.ErrNotFound)
	}
	t = p.Apply(t)
	s.types[t.ID] = t
	return t, nil
}

func (s *Store) DeleteType(ctx context.Context, padID string, id int64) (pad.Type, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.types[id]
	if !ok || t.PadID != padID {
		return pad.Type{}, fmt.Errorf("type %d: %w", id, store.ErrNotFound)
	}
	for _, m := range s.markers {
		if m.TypeID == id {
			return pad.Type{}, store.ErrTypeInUse
		}
	}
	for _, r := range s.lines {
		if r.line.TypeID == id {
			return pad.Type{}, store.ErrTypeInUse
		}
	}
	delete(s.types, id)
	return t, nil
}
