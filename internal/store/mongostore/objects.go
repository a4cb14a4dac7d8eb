package mongostore

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/padsync/server/internal/geo"
	"github.com/padsync/server/internal/pad"
	"github.com/padsync/server/internal/store"
)

func (s *Store) GetMarkers(ctx context.Context, padID string, d geo.DeltaSpec) (store.Cursor[pad.Marker], error) {
	if d.Empty() {
		return store.SliceCursor[pad.Marker](nil), nil
	}
	cur, err := s.db.Collection(markersCollection).Find(ctx, deltaFilter(padID, d), byID)
	if err != nil {
		return nil, fmt.Errorf("find markers: %w", err)
	}
	return newDocCursor[pad.Marker](cur), nil
}

func (s *Store) GetMarker(ctx context.Context, padID string, id int64) (pad.Marker, error) {
	var m pad.Marker
	err := s.db.Collection(markersCollection).FindOne(ctx, owned(padID, id)).Decode(&m)
	return m, mapErr(err, fmt.Sprintf("marker %d", id))
}

func (s *Store) CreateMarker(ctx context.Context, padID string, c pad.MarkerCreate) (pad.Marker, error) {
	if err := s.checkType(ctx, padID, c.TypeID, pad.TypeMarker); err != nil {
		return pad.Marker{}, err
	}
	id, err := s.nextID(ctx)
	if err != nil {
		return pad.Marker{}, err
	}
	m := pad.Marker{
		ID:     id,
		PadID:  padID,
		Lat:    c.Lat,
		Lon:    c.Lon,
		Name:   c.Name,
		Colour: c.Colour,
		TypeID: c.TypeID,
	}
	if _, err := s.db.Collection(markersCollection).InsertOne(ctx, m); err != nil {
		return pad.Marker{}, mapErr(err, "insert marker")
	}
	return m, nil
}

func (s *Store) UpdateMarker(ctx context.Context, padID string, p pad.MarkerPatch) (pad.Marker, error) {
	m, err := s.GetMarker(ctx, padID, p.ID)
	if err != nil {
		return pad.Marker{}, err
	}
	if p.TypeID != nil {
		if err := s.checkType(ctx, padID, *p.TypeID, pad.TypeMarker); err != nil {
			return pad.Marker{}, err
		}
	}
	m = p.Apply(m)
	if _, err := s.db.Collection(markersCollection).ReplaceOne(ctx, owned(padID, m.ID), m); err != nil {
		return pad.Marker{}, mapErr(err, fmt.Sprintf("marker %d", m.ID))
	}
	return m, nil
}

func (s *Store) DeleteMarker(ctx context.Context, padID string, id int64) (pad.Marker, error) {
	var m pad.Marker
	err := s.db.Collection(markersCollection).FindOneAndDelete(ctx, owned(padID, id)).Decode(&m)
	return m, mapErr(err, fmt.Sprintf("marker %d", id))
}

func (s *Store) GetLines(ctx context.Context, padID string) (store.Cursor[pad.Line], error) {
	cur, err := s.db.Collection(linesCollection).Find(ctx, bson.M{"padId": padID}, byID)
	if err != nil {
		return nil, fmt.Errorf("find lines: %w", err)
	}
	return newDocCursor[pad.Line](cur), nil
}

func (s *Store) GetLinePoints(ctx context.Context, padID string, d geo.DeltaSpec) (store.Cursor[pad.LinePoints], error) {
	if d.Empty() {
		return store.SliceCursor[pad.LinePoints](nil), nil
	}
	opts := options.Find().SetSort(bson.D{{Key: "lineId", Value: 1}, {Key: "idx", Value: 1}})
	cur, err := s.db.Collection(linePointsCollection).Find(ctx, deltaFilter(padID, d), opts)
	if err != nil {
		return nil, fmt.Errorf("find line points: %w", err)
	}
	return &pointCursor{cur: cur}, nil
}

func (s *Store) writePoints(ctx context.Context, padID string, lineID int64, points []geo.Point) error {
	coll := s.db.Collection(linePointsCollection)
	if _, err := coll.DeleteMany(ctx, bson.M{"lineId": lineID}); err != nil {
		return fmt.Errorf("clear line points: %w", err)
	}
	docs := make([]any, len(points))
	for i, p := range points {
		docs[i] = pointDoc{LineID: lineID, PadID: padID, Idx: i, Lat: p.Lat, Lon: p.Lon}
	}
	if len(docs) == 0 {
		return nil
	}
	if _, err := coll.InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("insert line points: %w", err)
	}
	return nil
}

func (s *Store) CreateLine(ctx context.Context, padID string, c pad.LineCreate) (pad.Line, error) {
	if err := s.checkType(ctx, padID, c.TypeID, pad.TypeLine); err != nil {
		return pad.Line{}, err
	}
	id, err := s.nextID(ctx)
	if err != nil {
		return pad.Line{}, err
	}
	l := pad.Line{
		ID:     id,
		PadID:  padID,
		Mode:   c.Mode,
		Colour: c.Colour,
		Width:  c.Width,
		Name:   c.Name,
		TypeID: c.TypeID,
	}
	l.SetPoints(c.Points)
	if _, err := s.db.Collection(linesCollection).InsertOne(ctx, l); err != nil {
		return pad.Line{}, mapErr(err, "insert line")
	}
	if err := s.writePoints(ctx, padID, l.ID, c.Points); err != nil {
		return pad.Line{}, err
	}
	return l, nil
}

func (s *Store) UpdateLine(ctx context.Context, padID string, p pad.LinePatch) (pad.Line, error) {
	lines := s.db.Collection(linesCollection)
	var l pad.Line
	if err := lines.FindOne(ctx, owned(padID, p.ID)).Decode(&l); err != nil {
		return pad.Line{}, mapErr(err, fmt.Sprintf("line %d", p.ID))
	}
	if p.TypeID != nil {
		if err := s.checkType(ctx, padID, *p.TypeID, pad.TypeLine); err != nil {
			return pad.Line{}, err
		}
	}
	l = p.Apply(l)
	if _, err := lines.ReplaceOne(ctx, owned(padID, l.ID), l); err != nil {
		return pad.Line{}, mapErr(err, fmt.Sprintf("line %d", l.ID))
	}
	if p.Points != nil {
		if err := s.writePoints(ctx, padID, l.ID, p.Points); err != nil {
			return pad.Line{}, err
		}
	}
	return l, nil
}

func (s *Store) DeleteLine(ctx context.Context, padID string, id int64) (pad.Line, error) {
	var l pad.Line
	err := s.db.Collection(linesCollection).FindOneAndDelete(ctx, owned(padID, id)).Decode(&l)
	if err != nil {
		return pad.Line{}, mapErr(err, fmt.Sprintf("line %d", id))
	}
	if _, err := s.db.Collection(linePointsCollection).DeleteMany(ctx, bson.M{"lineId": id}); err != nil {
		s.logger.Warn("failed to remove points of deleted line",
			zap.Int64("line_id", id),
			zap.Error(err),
		)
	}
	return l, nil
}

func (s *Store) GetViews(ctx context.Context, padID string) (store.Cursor[pad.View], error) {
	cur, err := s.db.Collection(viewsCollection).Find(ctx, bson.M{"padId": padID}, byID)
	if err != nil {
		return nil, fmt.Errorf("find views: %w", err)
	}
	return newDocCursor[pad.View](cur), nil
}

func (s *Store) CreateView(ctx context.Context, padID string, c pad.ViewCreate) (pad.View, error) {
	if err := s.checkPad(ctx, padID); err != nil {
		return pad.View{}, err
	}
	id, err := s.nextID(ctx)
	if err != nil {
		return pad.View{}, err
	}
	v := pad.View{
		ID:        id,
		PadID:     padID,
		Name:      c.Name,
		BaseLayer: c.BaseLayer,
		Layers:    c.Layers,
		Top:       c.Top,
		Left:      c.Left,
		Bottom:    c.Bottom,
		Right:     c.Right,
	}
	if _, err := s.db.Collection(viewsCollection).InsertOne(ctx, v); err != nil {
		return pad.View{}, mapErr(err, "insert view")
	}
	return v, nil
}

func (s *Store) UpdateView(ctx context.Context, padID string, p pad.ViewPatch) (pad.View, error) {
	views := s.db.Collection(viewsCollection)
	var v pad.View
	if err := views.FindOne(ctx, owned(padID, p.ID)).Decode(&v); err != nil {
		return pad.View{}, mapErr(err, fmt.Sprintf("view %d", p.ID))
	}
	v = p.Apply(v)
	if _, err := views.ReplaceOne(ctx, owned(padID, v.ID), v); err != nil {
		return pad.View{}, mapErr(err, fmt.Sprintf("view %d", v.ID))
	}
	return v, nil
}

func (s *Store) DeleteView(ctx context.Context, padID string, id int64) (pad.View, error) {
	var v pad.View
	if err := s.db.Collection(viewsCollection).FindOneAndDelete(ctx, owned(padID, id)).Decode(&v); err != nil {
		return pad.View{}, mapErr(err, fmt.Sprintf("view %d", id))
	}
	_, err := s.db.Collection(padsCollection).UpdateOne(ctx,
		bson.M{"_id": padID, "defaultViewId": id},
		bson.M{"$set": bson.M{"defaultViewId": nil}},
	)
	if err != nil {
		return pad.View{}, fmt.Errorf("clear default view: %w", err)
	}
	return v, nil
}

func (s *Store) GetTypes(ctx context.Context, padID string) (store.Cursor[pad.Type], error) {
	cur, err := s.db.Collection(typesCollection).Find(ctx, bson.M{"padId": padID}, byID)
	if err != nil {
		return nil, fmt.Errorf("find types: %w", err)
	}
	return newDocCursor[pad.Type](cur), nil
}

func (s *Store) CreateType(ctx context.Context, padID string, c pad.TypeCreate) (pad.Type, error) {
	if err := s.checkPad(ctx, padID); err != nil {
		return pad.Type{}, err
	}
	id, err := s.nextID(ctx)
	if err != nil {
		return pad.Type{}, err
	}
	t := pad.Type{ID: id, PadID: padID, Name: c.Name, Type: c.Type, Fields: c.Fields}
	if _, err := s.db.Collection(typesCollection).InsertOne(ctx, t); err != nil {
		return pad.Type{}, mapErr(err, "insert type")
	}
	return t, nil
}

func (s *Store) UpdateType(ctx context.Context, padID string, p pad.TypePatch) (pad.Type, error) {
	types := s.db.Collection(typesCollection)
	var t pad.Type
	if err := types.FindOne(ctx, owned(padID, p.ID)).Decode(&t); err != nil {
		return pad.Type{}, mapErr(err, fmt.Sprintf("type %d", p.ID))
	}
	t = p.Apply(t)
	if _, err := types.ReplaceOne(ctx, owned(padID, t.ID), t); err != nil {
		return pad.Type{}, mapErr(err, fmt.Sprintf("type %d", t.ID))
	}
	return t, nil
}

func (s *Store) DeleteType(ctx context.Context, padID string, id int64) (pad.Type, error) {
	types := s.db.Collection(typesCollection)
	var t pad.Type
	if err := types.FindOne(ctx, owned(padID, id)).Decode(&t); err != nil {
		return pad.Type{}, mapErr(err, fmt.Sprintf("type %d", id))
	}
	for _, coll := range []string{markersCollection, linesCollection} {
		n, err := s.db.Collection(coll).CountDocuments(ctx, bson.M{"padId": padID, "typeId": id})
		if err != nil {
			return pad.Type{}, fmt.Errorf("check type usage: %w", err)
		}
		if n > 0 {
			return pad.Type{}, store.ErrTypeInUse
		}
	}
	if _, err := types.DeleteOne(ctx, owned(padID, id)); err != nil {
		return pad.Type{}, fmt.Errorf("delete type: %w", err)
	}
	return t, nil
}
