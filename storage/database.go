package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultDBFileName is the SQLite filename under the spool directory.
	DefaultDBFileName = "spool.db"
	// DefaultMaintenanceInterval is how often the spool prunes and truncates its WAL.
	DefaultMaintenanceInterval = time.Hour
	// DefaultStaleChunkAge bounds how long an orphaned chunk survives.
	DefaultStaleChunkAge = 24 * time.Hour
)

// schema holds one statement per user_version step.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS transfer_chunks (
  session_key  TEXT NOT NULL,
  chunk_index  INTEGER NOT NULL CHECK(chunk_index >= 0),
  payload      BLOB NOT NULL,
  received_at  INTEGER NOT NULL,
  PRIMARY KEY (session_key, chunk_index)
)`,
	`CREATE INDEX IF NOT EXISTS idx_transfer_chunks_received_at ON transfer_chunks (received_at)`,
}

// Options tunes spool upkeep. Zero values select the defaults.
type Options struct {
	StaleChunkAge       time.Duration
	MaintenanceInterval time.Duration
	Logger              logrus.FieldLogger
}

func (o Options) withDefaults() Options {
	if o.StaleChunkAge <= 0 {
		o.StaleChunkAge = DefaultStaleChunkAge
	}
	if o.MaintenanceInterval <= 0 {
		o.MaintenanceInterval = DefaultMaintenanceInterval
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	return o
}

// Store is a SQLite-backed chunk spool. Receivers use it to keep large
// transfers out of memory until every chunk has arrived.
type Store struct {
	db      *sql.DB
	options Options

	stopMaintenance context.CancelFunc
	maintenanceDone chan struct{}
	closeOnce       sync.Once
}

// Open opens (or creates) spool.db under dataDir with default options.
func Open(dataDir string) (*Store, string, error) {
	return OpenWithOptions(dataDir, Options{})
}

// OpenWithOptions opens (or creates) spool.db under dataDir and returns the
// database path.
func OpenWithOptions(dataDir string, options Options) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create spool directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := openPath(dbPath, options)
	if err != nil {
		return nil, "", err
	}
	return store, dbPath, nil
}

// OpenPath opens a spool at an explicit database path.
func OpenPath(dbPath string) (*Store, error) {
	return openPath(dbPath, Options{})
}

func openPath(dbPath string, options Options) (*Store, error) {
	// go-sqlite3 applies DSN pragmas to every pooled connection.
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open spool database: %w", err)
	}

	store := &Store{db: db, options: options.withDefaults()}
	setup := []struct {
		name string
		run  func() error
	}{
		{name: "ping", run: db.Ping},
		{name: "check journal mode", run: store.requireWAL},
		{name: "migrate schema", run: store.migrate},
		{name: "prune stale chunks", run: store.pruneStale},
		{name: "checkpoint wal", run: store.checkpoint},
	}
	for _, step := range setup {
		if err := step.run(); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("spool %s: %w", step.name, err)
		}
	}

	store.startMaintenance()
	return store, nil
}

// Close stops maintenance and closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		if s.stopMaintenance != nil {
			s.stopMaintenance()
			<-s.maintenanceDone
		}
		closeErr = s.db.Close()
		s.db = nil
	})
	return closeErr
}

// SchemaVersion reports the applied schema step count.
func (s *Store) SchemaVersion() (int, error) {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

func (s *Store) migrate() error {
	version, err := s.SchemaVersion()
	if err != nil {
		return err
	}

	for step := version; step < len(schema); step++ {
		err := s.inTx(func(tx *sql.Tx) error {
			if _, err := tx.Exec(schema[step]); err != nil {
				return err
			}
			// PRAGMA does not take bind parameters.
			_, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", step+1))
			return err
		})
		if err != nil {
			return fmt.Errorf("schema step %d: %w", step+1, err)
		}
	}
	return nil
}

func (s *Store) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) requireWAL() error {
	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		return err
	}
	if !strings.EqualFold(mode, "wal") {
		return fmt.Errorf("journal mode is %q, want wal", mode)
	}
	return nil
}

func (s *Store) pruneStale() error {
	cutoff := time.Now().Add(-s.options.StaleChunkAge).UnixMilli()
	pruned, err := s.PruneChunksBefore(cutoff)
	if err != nil {
		return err
	}
	if pruned > 0 {
		s.options.Logger.WithField("chunks", pruned).Info("pruned stale spooled chunks")
	}
	return nil
}

func (s *Store) checkpoint() error {
	_, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

// startMaintenance prunes stale chunks and truncates the WAL on an interval
// until Close.
func (s *Store) startMaintenance() {
	ctx, cancel := context.WithCancel(context.Background())
	s.stopMaintenance = cancel
	s.maintenanceDone = make(chan struct{})

	go func() {
		defer close(s.maintenanceDone)
		ticker := time.NewTicker(s.options.MaintenanceInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			for _, task := range []func() error{s.pruneStale, s.checkpoint} {
				if err := task(); err != nil {
					s.options.Logger.WithError(err).Warn("spool maintenance failed")
				}
			}
		}
	}()
}
