// Package localstore is the device-side durable store: draft reports, photo
// records and blobs, the pending-mutation queue, and cached reference data.
//
// The store is an explicit handle. New builds it, Open connects and migrates,
// Close releases it. Every call on a handle that is not open fails with a
// storage-unavailable error, as does any underlying database failure.
package localstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/DukeRupert/fieldsync/internal/domain"
	"github.com/DukeRupert/fieldsync/internal/storage"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SchemaVersion is the migration version a freshly opened store is at.
const SchemaVersion = 2

// Config locates the database file and the photo blob directory.
type Config struct {
	Path    string // SQLite database file
	BlobDir string // Defaults to "<dir of Path>/blobs"
}

// DBTX is the subset of database/sql used by Queries.
// Both *sql.DB and *sql.Tx satisfy it.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the durable store handle.
type Store struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	db    *sql.DB
	blobs storage.Storage
}

// New creates an unopened store handle.
func New(cfg Config, logger *slog.Logger) *Store {
	if cfg.BlobDir == "" && cfg.Path != "" {
		cfg.BlobDir = filepath.Join(filepath.Dir(cfg.Path), "blobs")
	}
	return &Store{
		cfg:    cfg,
		logger: logger.With("component", "localstore"),
		now:    time.Now,
	}
}

// Open connects to the database and applies pending migrations. Calling Open
// on an open store is a no-op.
func (s *Store) Open(ctx context.Context) error {
	const op = "localstore.open"

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return nil
	}
	if s.cfg.Path == "" {
		return domain.StorageUnavailable(errors.New("database path is required"), op)
	}

	if err := os.MkdirAll(filepath.Dir(s.cfg.Path), 0o755); err != nil {
		return domain.StorageUnavailable(err, op)
	}

	db, err := sql.Open("sqlite", dsn(s.cfg.Path))
	if err != nil {
		return domain.StorageUnavailable(err, op)
	}
	// One connection serializes every transaction, which is what makes the
	// queue read-modify-write sequences atomic.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return domain.StorageUnavailable(err, op)
	}

	if err := migrate(ctx, db, 0); err != nil {
		db.Close()
		return domain.StorageUnavailable(err, op)
	}

	blobs, err := storage.NewLocalStorage(storage.LocalConfig{BasePath: s.cfg.BlobDir}, s.logger)
	if err != nil {
		db.Close()
		return domain.StorageUnavailable(err, op)
	}

	s.db = db
	s.blobs = blobs

	s.logger.Info("opened local store", "path", s.cfg.Path, "blob_dir", s.cfg.BlobDir)
	return nil
}

// Close releases the database. Closing a closed store is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	s.blobs = nil
	if err != nil {
		return domain.StorageUnavailable(err, "localstore.close")
	}
	return nil
}

// IsOpen reports whether the handle is open.
func (s *Store) IsOpen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db != nil
}

// Update runs fn inside one transaction. fn must only use the Queries it is
// given; using the Store from inside fn deadlocks on the single connection.
func (s *Store) Update(ctx context.Context, fn func(q *Queries) error) (err error) {
	const op = "localstore.update"

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return domain.StorageUnavailable(errors.New("store is not open"), op)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.StorageUnavailable(err, op)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if cerr := tx.Commit(); cerr != nil {
			err = domain.StorageUnavailable(cerr, op)
		}
	}()

	return fn(&Queries{db: tx, now: s.now})
}

// view runs fn against the database outside of an explicit transaction.
func (s *Store) view(fn func(q *Queries) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return domain.StorageUnavailable(errors.New("store is not open"), "localstore.view")
	}
	return fn(&Queries{db: s.db, now: s.now})
}

// blobStore returns the blob storage of an open store.
func (s *Store) blobStore() (storage.Storage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.blobs == nil {
		return nil, domain.StorageUnavailable(errors.New("store is not open"), "localstore.blobs")
	}
	return s.blobs, nil
}

func read[T any](s *Store, fn func(q *Queries) (T, error)) (T, error) {
	var out T
	err := s.view(func(q *Queries) error {
		var err error
		out, err = fn(q)
		return err
	})
	return out, err
}

func dsn(path string) string {
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate", path)
}

// migrate applies migrations up to version, or all of them when version is 0.
func migrate(ctx context.Context, db *sql.DB, version int64) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}

	if version > 0 {
		_, err = provider.UpTo(ctx, version)
	} else {
		_, err = provider.Up(ctx)
	}
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// =============================================================================
// Queries
// =============================================================================

// Queries holds the statements of every collection. It runs against the
// database or a transaction.
type Queries struct {
	db  DBTX
	now func() time.Time
}

// Now returns the store clock.
func (q *Queries) Now() time.Time {
	return q.now()
}

// wrap converts a database error to storage-unavailable, keeping domain errors.
func wrap(err error, op string) error {
	if err == nil {
		return nil
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	return domain.StorageUnavailable(err, op)
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
