// Package store is the FleetPulse persistence layer.
// It initializes GORM with SQLite (default), MySQL or PostgreSQL and exposes
// the queries the monitor needs, each scoped to a context.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/vesaa/fleetpulse/internal/models"
)

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("record not found")

// Options selects the database backend.
type Options struct {
	Driver string // sqlite | mysql | postgres
	Path   string // sqlite file
	DSN    string // mysql / postgres
}

// Store wraps a *gorm.DB. The zero value is not usable; call Open.
type Store struct {
	db *gorm.DB
}

// Open opens the database and runs AutoMigrate.
func Open(opts Options, log *zap.Logger) (*Store, error) {
	var dialector gorm.Dialector
	switch opts.Driver {
	case "sqlite", "":
		dialector = sqlite.Open(opts.Path)
	case "mysql":
		dialector = mysql.Open(opts.DSN)
	case "postgres":
		dialector = postgres.Open(opts.DSN)
	default:
		return nil, fmt.Errorf("unsupported db_driver %q (use 'sqlite', 'mysql' or 'postgres')", opts.Driver)
	}

	sqlLog, err := zap.NewStdLogAt(log.Named("gorm"), zapcore.WarnLevel)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		// Lookup misses are routine (dedup, find-or-create) and surface as ErrNotFound.
		Logger: logger.New(sqlLog, logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
		DisableForeignKeyConstraintWhenMigrating: true,
		// Timestamps are compared as text on SQLite; keep them in one zone.
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if opts.Driver == "sqlite" || opts.Driver == "" {
		// One writer at a time; avoids SQLITE_BUSY between ingest and the sweep.
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}

	if err := db.AutoMigrate(
		&models.Agent{},
		&models.MetricSample{},
		&models.Alert{},
		&models.Incident{},
		&models.IncidentEvent{},
		&models.AuditLog{},
	); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}

	where := opts.Path
	if opts.Driver == "mysql" || opts.Driver == "postgres" {
		where = "(dsn)"
	}
	log.Info("database opened", zap.String("driver", driverName(opts.Driver)), zap.String("location", where))
	return &Store{db: db}, nil
}

func driverName(d string) string {
	if d == "" {
		return "sqlite"
	}
	return d
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Transaction runs fn against a Store bound to a single transaction.
// Returning an error rolls everything back.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

func (s *Store) with(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

// notFound converts gorm's sentinel into ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
