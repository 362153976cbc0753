package server

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sakif/opentrack/internal/config"
	"github.com/sakif/opentrack/internal/repository"
	"github.com/sakif/opentrack/internal/repository/mongostore"
	"github.com/sakif/opentrack/internal/repository/postgres"
	"github.com/sakif/opentrack/internal/repository/redisstore"
	sqliteRepo "github.com/sakif/opentrack/internal/repository/sqlite"
)

// OpenStore connects the record store selected by cfg.Driver. The caller
// owns the result; Server closes it on shutdown.
//
// Each branch returns nil explicitly on error: returning a nil *DB through
// the interface would give a non-nil TrackingRepository.
//
// IMPORT ALIAS:
// repository/sqlite is imported as sqliteRepo so it is not confused with
// the modernc.org/sqlite driver it registers.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (repository.TrackingRepository, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		if cfg.DSN != ":memory:" {
			// os.MkdirAll is `mkdir -p`: creates data/ on first run.
			if err := os.MkdirAll(filepath.Dir(cfg.DSN), 0755); err != nil {
				return nil, fmt.Errorf("creating database directory: %w", err)
			}
		}
		db, err := sqliteRepo.New(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return db, nil

	case config.DriverPostgres:
		db, err := postgres.New(ctx, cfg.DSN, postgres.Options{
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		return db, nil

	case config.DriverRedis:
		store, err := redisstore.Open(ctx, redisstore.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
		if err != nil {
			return nil, err
		}
		return store, nil

	case config.DriverMongo:
		store, err := mongostore.Open(ctx, mongostore.Options{
			URI:        cfg.DSN,
			Database:   cfg.Mongo.Database,
			Collection: cfg.Mongo.Collection,
		})
		if err != nil {
			return nil, err
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
