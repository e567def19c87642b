package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-speech/internal/config"
	_ "modernc.org/sqlite"
)

const (
	OutcomeOK       = "ok"
	OutcomeDegraded = "degraded"
	OutcomeFailed   = "failed"
)

// Invocation is one node compute call. Input text and credentials are never
// recorded; TextLength is kept for sizing.
type Invocation struct {
	ID          string
	Class       string
	Fingerprint string
	Voice       string
	Encoding    string
	TextLength  int
	Outcome     string
	ErrorKind   string
	Detail      string
	Bytes       int
	Duration    time.Duration
	CreatedAt   time.Time
}

// Store wraps a SQLite-backed invocation log.
type Store struct {
	db    *sql.DB
	cfg   config.HistoryConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the history store according to config.
func Open(ctx context.Context, cfg config.HistoryConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "history"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("history vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("history prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS invocations (
    id TEXT PRIMARY KEY,
    class TEXT NOT NULL,
    fingerprint TEXT,
    voice TEXT,
    encoding TEXT,
    text_length INTEGER,
    outcome TEXT NOT NULL,
    error_kind TEXT,
    detail TEXT,
    audio_bytes INTEGER NOT NULL DEFAULT 0,
    duration_ms INTEGER,
    created_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_invocations_created ON invocations(created_at_ms);
CREATE INDEX IF NOT EXISTS idx_invocations_fingerprint ON invocations(fingerprint);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return err
	}
	return s.addColumn(ctx, "audio_bytes", "INTEGER NOT NULL DEFAULT 0")
}

// addColumn upgrades databases created before the column existed.
func (s *Store) addColumn(ctx context.Context, column, decl string) error {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM pragma_table_info('invocations')`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE invocations ADD COLUMN %s %s", column, decl))
	return err
}

func (s *Store) enabled() bool {
	return s != nil && s.cfg.RetentionMode != "ephemeral" && s.db != nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record appends inv, assigning an id and timestamp when missing.
func (s *Store) Record(ctx context.Context, inv Invocation) error {
	if !s.enabled() {
		return nil
	}
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = s.clock()
	}
	if inv.Class == "" || inv.Outcome == "" {
		return errors.New("invocation class and outcome are required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO invocations(id, class, fingerprint, voice, encoding, text_length, outcome, error_kind, detail, audio_bytes, duration_ms, created_at_ms)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.Class, inv.Fingerprint, inv.Voice, inv.Encoding, inv.TextLength,
		inv.Outcome, inv.ErrorKind, inv.Detail, inv.Bytes, inv.Duration.Milliseconds(), inv.CreatedAt.UnixMilli())
	return err
}

// List returns up to limit invocations, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Invocation, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, class, fingerprint, voice, encoding, text_length, outcome, error_kind, detail, audio_bytes, duration_ms, created_at_ms
		 FROM invocations ORDER BY created_at_ms DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Invocation
	for rows.Next() {
		var inv Invocation
		var durationMS, createdMS int64
		if err := rows.Scan(&inv.ID, &inv.Class, &inv.Fingerprint, &inv.Voice, &inv.Encoding, &inv.TextLength,
			&inv.Outcome, &inv.ErrorKind, &inv.Detail, &inv.Bytes, &durationMS, &createdMS); err != nil {
			return nil, err
		}
		inv.Duration = time.Duration(durationMS) * time.Millisecond
		inv.CreatedAt = time.UnixMilli(createdMS).UTC()
		out = append(out, inv)
	}
	return out, rows.Err()
}

// Prune applies retention_days and max_entries.
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.enabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM invocations WHERE created_at_ms < ?`, cutoff.UnixMilli()); err != nil {
			return err
		}
	}
	if s.cfg.MaxEntries > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM invocations WHERE id IN (
			SELECT id FROM invocations ORDER BY created_at_ms DESC, rowid DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxEntries)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
