// Package mongostore implements the tracking repository on MongoDB.
//
// Records live in one collection (default "emails"), one document per email
// id, with opens embedded as an array. A unique index on emailId is the
// uniqueness constraint for Create; AppendOpen is a single FindOneAndUpdate,
// which MongoDB applies atomically to one document.
package mongostore

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/xid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sakif/opentrack/internal/apperror"
	"github.com/sakif/opentrack/internal/model"
	"github.com/sakif/opentrack/internal/repository"
)

var _ repository.TrackingRepository = (*Store)(nil)

const (
	resource = "tracking record"

	DefaultDatabase   = "opentrack"
	DefaultCollection = "emails"
)

type Options struct {
	URI        string
	Database   string
	Collection string
}

type Store struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// Open connects to opts.URI, pings the primary and ensures the unique
// index on emailId exists.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Database == "" {
		opts.Database = DefaultDatabase
	}
	if opts.Collection == "" {
		opts.Collection = DefaultCollection
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(opts.URI))
	if err != nil {
		return nil, fmt.Errorf("mongo: connecting: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo: pinging: %w", err)
	}

	s := &Store{
		client: client,
		coll:   client.Database(opts.Database).Collection(opts.Collection),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "emailId", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("emailId_unique"),
	})
	if err != nil {
		return fmt.Errorf("mongo: creating emailId index: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *Store) Close() error {
	return s.client.Disconnect(context.Background())
}

func (s *Store) FindByEmailID(ctx context.Context, emailID string) (*model.TrackingRecord, error) {
	var rec model.TrackingRecord
	err := s.coll.FindOne(ctx, bson.D{{Key: "emailId", Value: emailID}}).Decode(&rec)
	if err != nil {
		return nil, classify("mongo: finding record "+emailID, emailID, err)
	}
	normalize(&rec)
	return &rec, nil
}

func (s *Store) Create(ctx context.Context, rec *model.TrackingRecord) error {
	for i := range rec.Opens {
		if rec.Opens[i].ID == "" {
			rec.Opens[i].ID = xid.New().String()
		}
	}
	if rec.Opens == nil {
		rec.Opens = []model.OpenEvent{}
	}

	if _, err := s.coll.InsertOne(ctx, rec); err != nil {
		return classify("mongo: creating record "+rec.EmailID, rec.EmailID, err)
	}
	return nil
}

func (s *Store) AppendOpen(ctx context.Context, emailID string, ev model.OpenEvent) (*model.TrackingRecord, error) {
	if ev.ID == "" {
		ev.ID = xid.New().String()
	}

	var rec model.TrackingRecord
	err := s.coll.FindOneAndUpdate(ctx,
		bson.D{{Key: "emailId", Value: emailID}},
		appendPipeline(ev),
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&rec)
	if err != nil {
		return nil, classify("mongo: appending open to "+emailID, emailID, err)
	}
	normalize(&rec)
	return &rec, nil
}

// appendPipeline builds the update for AppendOpen. Every expression in a
// pipeline $set sees the document as it was before the stage, so
// firstOpenedAt keeps its old value unless it was unset. The event is
// wrapped in $literal because client-supplied strings starting with "$"
// would otherwise be read as field paths.
func appendPipeline(ev model.OpenEvent) mongo.Pipeline {
	return mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "opens", Value: bson.D{{Key: "$concatArrays", Value: bson.A{
				bson.D{{Key: "$ifNull", Value: bson.A{"$opens", bson.A{}}}},
				bson.D{{Key: "$literal", Value: bson.A{ev}}},
			}}}},
			{Key: "firstOpenedAt", Value: bson.D{{Key: "$ifNull", Value: bson.A{"$firstOpenedAt", ev.Timestamp}}}},
			{Key: "opened", Value: true},
		}}},
	}
}

func classify(op, emailID string, err error) error {
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return apperror.NotFound(resource, emailID)
	case mongo.IsDuplicateKeyError(err):
		return apperror.Conflict(resource, emailID)
	default:
		return apperror.Passthrough(op, err)
	}
}

// normalize fixes up what BSON cannot express: a stored null array decodes
// as nil, and BSON datetimes decode in the local zone.
func normalize(rec *model.TrackingRecord) {
	if rec.Opens == nil {
		rec.Opens = []model.OpenEvent{}
	}
	rec.SentAt = rec.SentAt.UTC()
	if rec.FirstOpenedAt != nil {
		t := rec.FirstOpenedAt.UTC()
		rec.FirstOpenedAt = &t
	}
	for i := range rec.Opens {
		rec.Opens[i].Timestamp = rec.Opens[i].Timestamp.UTC()
	}
}
