package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/policy-gate/policy-gate/internal/pipeline"
)

// sqliteConfig holds the settings block of the sqlite publisher.
type sqliteConfig struct {
	Path                 string `mapstructure:"path"`
	BatchSize            int    `mapstructure:"batch_size"`
	FlushIntervalSeconds int    `mapstructure:"flush_interval_seconds"`
}

// SQLite persists decisions to a local database file. Inserts are batched so
// a burst of decisions costs one transaction; a background ticker flushes
// partial batches.
type SQLite struct {
	db        *sql.DB
	batchSize int

	mu    sync.Mutex
	batch []pipeline.Decision

	done      chan struct{}
	closeOnce sync.Once
}

var decisionsSchema = []string{
	`CREATE TABLE IF NOT EXISTS decisions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id TEXT NOT NULL,
		route TEXT,
		method TEXT,
		path TEXT,
		client_ip TEXT,
		stage TEXT NOT NULL,
		policy TEXT,
		outcome TEXT NOT NULL,
		reason TEXT,
		error TEXT,
		duration_ns INTEGER,
		at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_decisions_request ON decisions(request_id)`,
	`CREATE INDEX IF NOT EXISTS idx_decisions_outcome ON decisions(outcome)`,
	`CREATE INDEX IF NOT EXISTS idx_decisions_at ON decisions(at)`,
}

// NewSQLite opens (creating if needed) the database at settings["path"] and
// migrates the schema.
func NewSQLite(settings map[string]interface{}) (*SQLite, error) {
	cfg := sqliteConfig{BatchSize: 50, FlushIntervalSeconds: 3}
	if err := decodeSettings(settings, &cfg); err != nil {
		return nil, err
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("path is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.FlushIntervalSeconds <= 0 {
		cfg.FlushIntervalSeconds = 3
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	for _, stmt := range decisionsSchema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	s := &SQLite{
		db:        db,
		batchSize: cfg.BatchSize,
		done:      make(chan struct{}),
	}
	go s.flushLoop(time.Duration(cfg.FlushIntervalSeconds) * time.Second)
	return s, nil
}

// Name implements Publisher.
func (s *SQLite) Name() string { return "sqlite" }

// Publish appends the decision to the current batch and flushes when the
// batch is full.
func (s *SQLite) Publish(ctx context.Context, d pipeline.Decision) error {
	s.mu.Lock()
	s.batch = append(s.batch, d)
	full := len(s.batch) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush writes the pending batch in one transaction. A failed flush loses the
// batch; the caller counts the failure.
func (s *SQLite) Flush(ctx context.Context) error {
	s.mu.Lock()
	batch := s.batch
	s.batch = nil
	s.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO decisions (
		request_id, route, method, path, client_ip,
		stage, policy, outcome, reason, error, duration_ns, at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, d := range batch {
		if _, err := stmt.ExecContext(ctx,
			d.RequestID, d.Route, d.Method, d.Path, d.ClientIP,
			string(d.Stage), d.Policy, d.Outcome, d.Reason, d.Error,
			d.Duration.Nanoseconds(), d.At,
		); err != nil {
			return fmt.Errorf("failed to insert decision: %w", err)
		}
	}
	return tx.Commit()
}

// Close flushes the pending batch and closes the database.
func (s *SQLite) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.Flush(ctx)
		if cerr := s.db.Close(); err == nil {
			err = cerr
		}
	})
	return err
}

func (s *SQLite) flushLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.Flush(context.Background()); err != nil {
				slog.Error("decision flush failed", "error", err)
			}
		}
	}
}
