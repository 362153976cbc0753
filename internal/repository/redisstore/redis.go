// Package redisstore implements the tracking repository on Redis.
//
// Each record is one JSON document at <prefix>record:<emailId>. Create uses
// SET NX, so the key itself is the uniqueness constraint. AppendOpen is an
// optimistic compare-and-swap: WATCH the key, read and mutate the document,
// then write it back in MULTI/EXEC. If another client touched the key in
// between, EXEC aborts with redis.TxFailedErr and the whole read-modify-write
// is retried.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/xid"

	"github.com/sakif/opentrack/internal/apperror"
	"github.com/sakif/opentrack/internal/model"
	"github.com/sakif/opentrack/internal/repository"
)

var _ repository.TrackingRepository = (*Store)(nil)

const (
	resource = "tracking record"

	// DefaultPrefix namespaces keys so the store can share a Redis database.
	DefaultPrefix = "opentrack:"

	// maxAppendAttempts bounds the CAS loop. Each failed round means some
	// other append committed, so starvation past this needs sustained heavy
	// contention on a single email id.
	maxAppendAttempts = 64
)

type Store struct {
	client *redis.Client
	prefix string
}

// Options configures Open.
type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Open dials Redis and verifies the connection.
func Open(ctx context.Context, opts Options) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: pinging %s: %w", opts.Addr, err)
	}
	return New(client, opts.Prefix), nil
}

// New wraps an existing client. An empty prefix means DefaultPrefix.
func New(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) key(emailID string) string {
	return s.prefix + "record:" + emailID
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) FindByEmailID(ctx context.Context, emailID string) (*model.TrackingRecord, error) {
	data, err := s.client.Get(ctx, s.key(emailID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, apperror.NotFound(resource, emailID)
		}
		return nil, apperror.Unavailable("redis: getting record "+emailID, err)
	}
	return decode(emailID, data)
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

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("redis: encoding record %s: %w", rec.EmailID, err)
	}

	ok, err := s.client.SetNX(ctx, s.key(rec.EmailID), data, 0).Result()
	if err != nil {
		return apperror.Unavailable("redis: creating record "+rec.EmailID, err)
	}
	if !ok {
		return apperror.Conflict(resource, rec.EmailID)
	}
	return nil
}

func (s *Store) AppendOpen(ctx context.Context, emailID string, ev model.OpenEvent) (*model.TrackingRecord, error) {
	if ev.ID == "" {
		ev.ID = xid.New().String()
	}
	key := s.key(emailID)

	var updated *model.TrackingRecord
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return apperror.NotFound(resource, emailID)
			}
			return err
		}
		rec, err := decode(emailID, data)
		if err != nil {
			return err
		}
		rec.ApplyOpen(ev)

		out, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encoding record: %w", err)
		}
		// Queued commands only run if key is unchanged since WATCH.
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			return nil
		})
		if err != nil {
			return err
		}
		updated = rec
		return nil
	}

	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, apperror.Passthrough("redis: appending open to "+emailID, err)
	}
	return nil, apperror.Unavailable(
		fmt.Sprintf("redis: appending open to %s: gave up after %d contended attempts", emailID, maxAppendAttempts), nil)
}

func decode(emailID string, data []byte) (*model.TrackingRecord, error) {
	var rec model.TrackingRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, apperror.Unavailable("redis: decoding record "+emailID, err)
	}
	if rec.Opens == nil {
		rec.Opens = []model.OpenEvent{}
	}
	return &rec, nil
}
