// Package mongostore persists pads in MongoDB. Every entity kind has its
// own collection; line points are stored one document per point so that
// viewport queries can be answered by an index on padId/lat/lon.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/padsync/server/internal/geo"
	"github.com/padsync/server/internal/pad"
	"github.com/padsync/server/internal/store"
)

// Collection names.
const (
	padsCollection       = "pads"
	markersCollection    = "markers"
	linesCollection      = "lines"
	linePointsCollection = "linePoints"
	viewsCollection      = "views"
	typesCollection      = "types"
	countersCollection   = "counters"
)

// Store implements store.Store on a MongoDB database.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	logger *zap.Logger
}

var _ store.Store = (*Store)(nil)

// New wraps an already connected database.
func New(db *mongo.Database, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Open connects to uri, verifies the connection and makes sure the indexes
// exist. Close releases the connection.
func Open(ctx context.Context, uri, database string, logger *zap.Logger) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	s := &Store{client: client, db: client.Database(database), logger: logger}
	s.EnsureIndexes(ctx)
	return s, nil
}

// Close disconnects the client opened by Open. It is a no-op for stores
// built with New.
func (s *Store) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}

// EnsureIndexes creates the indexes the queries rely on. Failures are
// logged and otherwise ignored; the store still works without them.
func (s *Store) EnsureIndexes(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	byPad := mongo.IndexModel{Keys: bson.D{{Key: "padId", Value: 1}}}
	spatial := mongo.IndexModel{Keys: bson.D{
		{Key: "padId", Value: 1},
		{Key: "lat", Value: 1},
		{Key: "lon", Value: 1},
	}}

	indexes := map[string][]mongo.IndexModel{
		padsCollection: {{
			Keys:    bson.D{{Key: "writeId", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
		markersCollection: {spatial, {Keys: bson.D{{Key: "typeId", Value: 1}}}},
		linesCollection:   {byPad, {Keys: bson.D{{Key: "typeId", Value: 1}}}},
		linePointsCollection: {spatial, {Keys: bson.D{
			{Key: "lineId", Value: 1},
			{Key: "idx", Value: 1},
		}}},
		viewsCollection: {byPad},
		typesCollection: {byPad},
	}
	for name, models := range indexes {
		if _, err := s.db.Collection(name).Indexes().CreateMany(ctx, models); err != nil {
			s.logger.Warn("failed to create indexes",
				zap.String("collection", name),
				zap.Error(err),
			)
		}
	}
}

// mapErr translates driver errors into store errors.
func mapErr(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	case mongo.IsDuplicateKeyError(err):
		return fmt.Errorf("%s: %w", what, store.ErrConflict)
	default:
		return fmt.Errorf("%s: %w", what, err)
	}
}

// nextID hands out object ids from a single shared counter.
func (s *Store) nextID(ctx context.Context) (int64, error) {
	var doc struct {
		Seq int64 `bson:"seq"`
	}
	err := s.db.Collection(countersCollection).FindOneAndUpdate(ctx,
		bson.M{"_id": "objects"},
		bson.M{"$inc": bson.M{"seq": 1}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, fmt.Errorf("allocate id: %w", err)
	}
	return doc.Seq, nil
}

func owned(padID string, id int64) bson.M {
	return bson.M{"_id": id, "padId": padID}
}

func boxFilter(b geo.BoundingBox) bson.M {
	return bson.M{
		"lat": bson.M{"$gte": b.Bottom, "$lte": b.Top},
		"lon": bson.M{"$gte": b.Left, "$lte": b.Right},
	}
}

// deltaFilter selects the documents of padID whose lat/lon lie inside the
// delta region.
func deltaFilter(padID string, d geo.DeltaSpec) bson.M {
	f := boxFilter(d.Box)
	f["padId"] = padID
	if d.Except != nil {
		f["$nor"] = bson.A{boxFilter(*d.Except)}
	}
	return f
}

var byID = options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})

type padDoc struct {
	ID            string `bson:"_id"`
	WriteID       string `bson:"writeId"`
	Name          string `bson:"name"`
	DefaultViewID *int64 `bson:"defaultViewId"`
}

func (d padDoc) data(writable bool) pad.Data {
	out := pad.Data{ID: d.ID, Name: d.Name, DefaultViewID: d.DefaultViewID, Writable: writable}
	if writable {
		out.WriteID = d.WriteID
	}
	return out
}

func (s *Store) GetPadData(ctx context.Context, id string) (pad.Data, error) {
	var doc padDoc
	err := s.db.Collection(padsCollection).FindOne(ctx, bson.M{"$or": bson.A{
		bson.M{"_id": id},
		bson.M{"writeId": id},
	}}).Decode(&doc)
	if err != nil {
		return pad.Data{}, mapErr(err, fmt.Sprintf("pad %q", id))
	}
	return doc.data(doc.WriteID == id), nil
}

func newPadID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

func (s *Store) CreatePad(ctx context.Context, c pad.PadCreate) (pad.Data, error) {
	if c.ID == "" {
		c.ID = newPadID()
	}
	if c.WriteID == "" {
		c.WriteID = newPadID()
	}
	if c.ID == c.WriteID {
		return pad.Data{}, fmt.Errorf("pad id already taken: %w", store.ErrConflict)
	}
	ids := bson.A{c.ID, c.WriteID}
	pads := s.db.Collection(padsCollection)
	n, err := pads.CountDocuments(ctx, bson.M{"$or": bson.A{
		bson.M{"_id": bson.M{"$in": ids}},
		bson.M{"writeId": bson.M{"$in": ids}},
	}})
	if err != nil {
		return pad.Data{}, fmt.Errorf("check pad ids: %w", err)
	}
	if n > 0 {
		return pad.Data{}, fmt.Errorf("pad id already taken: %w", store.ErrConflict)
	}
	doc := padDoc{ID: c.ID, WriteID: c.WriteID, Name: c.Name}
	if _, err := pads.InsertOne(ctx, doc); err != nil {
		return pad.Data{}, mapErr(err, "pad id already taken")
	}
	return doc.data(true), nil
}

func (s *Store) UpdatePadData(ctx context.Context, padID string, p pad.PadPatch) (pad.Data, error) {
	set := bson.M{}
	if p.Name != nil {
		set["name"] = *p.Name
	}
	switch {
	case p.ClearDefaultView:
		set["defaultViewId"] = nil
	case p.DefaultViewID != nil:
		n, err := s.db.Collection(viewsCollection).CountDocuments(ctx, owned(padID, *p.DefaultViewID))
		if err != nil {
			return pad.Data{}, fmt.Errorf("check view: %w", err)
		}
		if n == 0 {
			return pad.Data{}, fmt.Errorf("view %d: %w", *p.DefaultViewID, store.ErrNotFound)
		}
		set["defaultViewId"] = *p.DefaultViewID
	}

	pads := s.db.Collection(padsCollection)
	var doc padDoc
	var err error
	if len(set) == 0 {
		err = pads.FindOne(ctx, bson.M{"_id": padID}).Decode(&doc)
	} else {
		err = pads.FindOneAndUpdate(ctx, bson.M{"_id": padID}, bson.M{"$set": set},
			options.FindOneAndUpdate().SetReturnDocument(options.After),
		).Decode(&doc)
	}
	if err != nil {
		return pad.Data{}, mapErr(err, fmt.Sprintf("pad %q", padID))
	}
	return doc.data(true), nil
}

func (s *Store) checkPad(ctx context.Context, padID string) error {
	n, err := s.db.Collection(padsCollection).CountDocuments(ctx, bson.M{"_id": padID})
	if err != nil {
		return fmt.Errorf("check pad: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("pad %q: %w", padID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) checkType(ctx context.Context, padID string, typeID int64, kind string) error {
	var t pad.Type
	if err := s.db.Collection(typesCollection).FindOne(ctx, owned(padID, typeID)).Decode(&t); err != nil {
		return mapErr(err, fmt.Sprintf("type %d", typeID))
	}
	if t.Type != kind {
		return fmt.Errorf("type %d is not a %s type: %w", typeID, kind, store.ErrConflict)
	}
	return nil
}
