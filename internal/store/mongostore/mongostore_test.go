package mongostore

import (
	"context"
	"errors"
	"testing"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
	"go.uber.org/zap/zaptest"

	"github.com/padsync/server/internal/geo"
	"github.com/padsync/server/internal/pad"
	"github.com/padsync/server/internal/store"
)

func newMock(t *testing.T) *mtest.T {
	t.Helper()
	return mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
}

func TestGetPadData(t *testing.T) {
	mt := newMock(t)
	doc := bson.D{
		{Key: "_id", Value: "read"},
		{Key: "writeId", Value: "write"},
		{Key: "name", Value: "Test"},
	}

	mt.Run("write id", func(mt *mtest.T) {
		s := New(mt.DB, zaptest.NewLogger(t))
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "db.pads", mtest.FirstBatch, doc))

		d, err := s.GetPadData(context.Background(), "write")
		if err != nil {
			t.Fatalf("GetPadData: %v", err)
		}
		if !d.Writable || d.WriteID != "write" || d.ID != "read" || d.Name != "Test" {
			t.Errorf("GetPadData = %+v", d)
		}
	})

	mt.Run("read id", func(mt *mtest.T) {
		s := New(mt.DB, zaptest.NewLogger(t))
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "db.pads", mtest.FirstBatch, doc))

		d, err := s.GetPadData(context.Background(), "read")
		if err != nil {
			t.Fatalf("GetPadData: %v", err)
		}
		if d.Writable || d.WriteID != "" {
			t.Errorf("read id leaked write access: %+v", d)
		}
	})

	mt.Run("missing", func(mt *mtest.T) {
		s := New(mt.DB, zaptest.NewLogger(t))
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "db.pads", mtest.FirstBatch))

		if _, err := s.GetPadData(context.Background(), "nope"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("error = %v, want ErrNotFound", err)
		}
	})
}

func TestCreatePad_Taken(t *testing.T) {
	mt := newMock(t)
	mt.Run("taken", func(mt *mtest.T) {
		s := New(mt.DB, zaptest.NewLogger(t))
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "db.pads", mtest.FirstBatch,
			bson.D{{Key: "n", Value: int32(1)}},
		))
		_, err := s.CreatePad(context.Background(), pad.PadCreate{ID: "a", WriteID: "b", Name: "x"})
		if !errors.Is(err, store.ErrConflict) {
			t.Errorf("error = %v, want ErrConflict", err)
		}
	})

	mt.Run("free", func(mt *mtest.T) {
		s := New(mt.DB, zaptest.NewLogger(t))
		mt.AddMockResponses(
			mtest.CreateCursorResponse(0, "db.pads", mtest.FirstBatch),
			mtest.CreateSuccessResponse(),
		)
		d, err := s.CreatePad(context.Background(), pad.PadCreate{ID: "a", WriteID: "b", Name: "x"})
		if err != nil {
			t.Fatalf("CreatePad: %v", err)
		}
		if d.ID != "a" || d.WriteID != "b" || !d.Writable {
			t.Errorf("CreatePad = %+v", d)
		}
	})
}

func TestCreateMarker(t *testing.T) {
	mt := newMock(t)
	mt.Run("assigns id", func(mt *mtest.T) {
		s := New(mt.DB, zaptest.NewLogger(t))
		mt.AddMockResponses(
			mtest.CreateCursorResponse(0, "db.types", mtest.FirstBatch, bson.D{
				{Key: "_id", Value: int64(1)},
				{Key: "padId", Value: "read"},
				{Key: "type", Value: pad.TypeMarker},
			}),
			mtest.CreateSuccessResponse(bson.E{Key: "value", Value: bson.D{
				{Key: "_id", Value: "objects"},
				{Key: "seq", Value: int64(7)},
			}}),
			mtest.CreateSuccessResponse(),
		)

		m, err := s.CreateMarker(context.Background(), "read", pad.MarkerCreate{Lat: 1, Lon: 2, TypeID: 1})
		if err != nil {
			t.Fatalf("CreateMarker: %v", err)
		}
		if m.ID != 7 || m.PadID != "read" || m.Lat != 1 || m.Lon != 2 {
			t.Errorf("CreateMarker = %+v", m)
		}
	})

	mt.Run("line type", func(mt *mtest.T) {
		s := New(mt.DB, zaptest.NewLogger(t))
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "db.types", mtest.FirstBatch, bson.D{
			{Key: "_id", Value: int64(1)},
			{Key: "padId", Value: "read"},
			{Key: "type", Value: pad.TypeLine},
		}))
		_, err := s.CreateMarker(context.Background(), "read", pad.MarkerCreate{TypeID: 1})
		if !errors.Is(err, store.ErrConflict) {
			t.Errorf("error = %v, want ErrConflict", err)
		}
	})
}

func TestGetMarkers(t *testing.T) {
	mt := newMock(t)
	mt.Run("decodes", func(mt *mtest.T) {
		s := New(mt.DB, zaptest.NewLogger(t))
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "db.markers", mtest.FirstBatch,
			bson.D{{Key: "_id", Value: int64(1)}, {Key: "padId", Value: "p"}, {Key: "lat", Value: 1.5}, {Key: "lon", Value: 2.5}},
			bson.D{{Key: "_id", Value: int64(2)}, {Key: "padId", Value: "p"}, {Key: "lat", Value: 3.0}, {Key: "lon", Value: 4.0}},
		))

		ctx := context.Background()
		cur, err := s.GetMarkers(ctx, "p", geo.Full(geo.BoundingBox{Top: 10, Left: 0, Bottom: 0, Right: 10}))
		if err != nil {
			t.Fatalf("GetMarkers: %v", err)
		}
		got, err := store.Collect(ctx, cur)
		if err != nil {
			t.Fatalf("Collect: %v", err)
		}
		if len(got) != 2 || got[0].ID != 1 || got[1].Lat != 3 {
			t.Errorf("markers = %+v", got)
		}
	})

	mt.Run("empty delta skips query", func(mt *mtest.T) {
		s := New(mt.DB, zaptest.NewLogger(t))
		b := geo.BoundingBox{Top: 10, Left: 0, Bottom: 0, Right: 10, Zoom: 4}
		cur, err := s.GetMarkers(context.Background(), "p", geo.Difference(b, &b))
		if err != nil {
			t.Fatalf("GetMarkers: %v", err)
		}
		if got, _ := store.Collect(context.Background(), cur); len(got) != 0 {
			t.Errorf("markers = %+v, want none", got)
		}
	})
}

func TestGetLinePoints_GroupsByLine(t *testing.T) {
	mt := newMock(t)
	mt.Run("groups", func(mt *mtest.T) {
		s := New(mt.DB, zaptest.NewLogger(t))
		point := func(line int64, idx int, lat float64) bson.D {
			return bson.D{
				{Key: "lineId", Value: line},
				{Key: "padId", Value: "p"},
				{Key: "idx", Value: int32(idx)},
				{Key: "lat", Value: lat},
				{Key: "lon", Value: lat},
			}
		}
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "db.linePoints", mtest.FirstBatch,
			point(3, 0, 1), point(3, 1, 2), point(3, 2, 3),
			point(8, 4, 5),
		))

		ctx := context.Background()
		cur, err := s.GetLinePoints(ctx, "p", geo.Full(geo.BoundingBox{Top: 10, Left: 0, Bottom: 0, Right: 10}))
		if err != nil {
			t.Fatalf("GetLinePoints: %v", err)
		}
		got, err := store.Collect(ctx, cur)
		if err != nil {
			t.Fatalf("Collect: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("got %d groups, want 2: %+v", len(got), got)
		}
		if got[0].ID != 3 || len(got[0].Points) != 3 || got[0].Points[2].Lat != 3 {
			t.Errorf("first group = %+v", got[0])
		}
		if got[1].ID != 8 || len(got[1].Points) != 1 {
			t.Errorf("second group = %+v", got[1])
		}
	})
}

func TestDeleteType_InUse(t *testing.T) {
	mt := newMock(t)
	mt.Run("in use", func(mt *mtest.T) {
		s := New(mt.DB, zaptest.NewLogger(t))
		mt.AddMockResponses(
			mtest.CreateCursorResponse(0, "db.types", mtest.FirstBatch, bson.D{
				{Key: "_id", Value: int64(1)},
				{Key: "padId", Value: "p"},
				{Key: "type", Value: pad.TypeMarker},
			}),
			mtest.CreateCursorResponse(0, "db.markers", mtest.FirstBatch, bson.D{{Key: "n", Value: int32(2)}}),
		)
		_, err := s.DeleteType(context.Background(), "p", 1)
		if !errors.Is(err, store.ErrConflict) {
			t.Errorf("error = %v, want ErrConflict", err)
		}
	})

	mt.Run("unused", func(mt *mtest.T) {
		s := New(mt.DB, zaptest.NewLogger(t))
		mt.AddMockResponses(
			mtest.CreateCursorResponse(0, "db.types", mtest.FirstBatch, bson.D{
				{Key: "_id", Value: int64(1)},
				{Key: "padId", Value: "p"},
				{Key: "type", Value: pad.TypeMarker},
			}),
			mtest.CreateCursorResponse(0, "db.markers", mtest.FirstBatch),
			mtest.CreateCursorResponse(0, "db.lines", mtest.FirstBatch),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: int32(1)}),
		)
		got, err := s.DeleteType(context.Background(), "p", 1)
		if err != nil {
			t.Fatalf("DeleteType: %v", err)
		}
		if got.ID != 1 {
			t.Errorf("DeleteType = %+v", got)
		}
	})
}

func TestDeleteMarker_NotFound(t *testing.T) {
	mt := newMock(t)
	mt.Run("missing", func(mt *mtest.T) {
		s := New(mt.DB, zaptest.NewLogger(t))
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "value", Value: nil}))
		_, err := s.DeleteMarker(context.Background(), "p", 42)
		if !errors.Is(err, store.ErrNotFound) {
			t.Errorf("error = %v, want ErrNotFound", err)
		}
	})
}

func TestDeltaFilter(t *testing.T) {
	prev := geo.BoundingBox{Top: 5, Left: 0, Bottom: 0, Right: 5, Zoom: 2}
	next := geo.BoundingBox{Top: 10, Left: 0, Bottom: 0, Right: 10, Zoom: 2}

	f := deltaFilter("p", geo.Difference(next, &prev))
	if f["padId"] != "p" {
		t.Errorf("padId = %v", f["padId"])
	}
	nor, ok := f["$nor"].(bson.A)
	if !ok || len(nor) != 1 {
		t.Fatalf("$nor = %#v", f["$nor"])
	}

	f = deltaFilter("p", geo.Full(next))
	if _, ok := f["$nor"]; ok {
		t.Error("full delta should not exclude anything")
	}
}
