// Package store provides the engine's single embedded relational store:
// a WAL-journaled SQLite database, schema-versioned migrations, and
// transactional CRUD for every persisted entity in pkg/models.
//
// There is exactly one writer process per database file. Every write
// that touches more than one table runs inside a single transaction;
// unique-constraint violations surface as models.KindAlreadyExists or
// models.KindConflict, missing rows return (nil, nil) rather than an
// error, following the sentinel-free "null option" convention the
// caller is expected to check explicitly.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/quoroom-dev/quoroom/pkg/models"
)

// Store wraps a single *sql.DB configured for WAL journaling with a
// bounded busy timeout, matching the single-writer-per-process model.
type Store struct {
	db *sql.DB
}

// Config controls how the store opens its database file.
type Config struct {
	// Path is the database file location, e.g. "<dataDir>/quoroom.db".
	Path string

	// BusyTimeout bounds how long a writer waits on lock contention
	// before surfacing a conflict. Defaults to 5s.
	BusyTimeout time.Duration
}

// Open opens (creating if necessary) the SQLite database at cfg.Path,
// enables WAL journaling and foreign keys, and applies any pending
// migrations. It also promotes any `running` task runs left over from
// an unclean shutdown to `failed` with reason "process restart".
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store: empty database path")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)",
		cfg.Path, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	// SQLite has a single writer; keep the pool tight so contention is
	// visible rather than hidden behind connection queuing.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	if err := s.recoverStaleRuns(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: recover stale runs: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a transaction, retrying up to 3 times with
// jittered backoff on a SQLITE_BUSY-style conflict before surfacing
// models.KindConflict, per the error handling design.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return models.Wrap(models.KindInternal, err)
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			if isBusy(err) {
				lastErr = err
				time.Sleep(jitterBackoff(attempt))
				continue
			}
			return err
		}
		if err := tx.Commit(); err != nil {
			if isBusy(err) {
				lastErr = err
				time.Sleep(jitterBackoff(attempt))
				continue
			}
			return models.Wrap(models.KindInternal, err)
		}
		return nil
	}
	return models.NewError(models.KindConflict, "write conflict after retries: %v", lastErr)
}

func jitterBackoff(attempt int) time.Duration {
	base := time.Duration(10*(attempt+1)) * time.Millisecond
	return base + time.Duration(time.Now().UnixNano()%int64(base))
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// isUnique reports whether err is a unique-constraint violation.
func isUnique(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "SQLITE_CONSTRAINT")
}

// nullTime converts a possibly-nil *time.Time into driver-friendly input.
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
