// Package sqlite provides the durable SQLite storage backend.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/eventrelay/internal/core/ports"
)

const userIDKey = "user_id"

// Store is a SQLite implementation of ports.StorageProvider.
type Store struct {
	db   *sqlx.DB
	path string
}

// Ensure Store implements StorageProvider
var _ ports.StorageProvider = (*Store)(nil)

// New opens (creating if needed) the SQLite database at dbPath.
func New(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); !isMemoryPath(dbPath) && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection serializes writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db, path: dbPath}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func isMemoryPath(p string) bool {
	return p == ":memory:" || strings.Contains(p, "mode=memory")
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS queue_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			buffer TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS engagements (
			decision_point TEXT PRIMARY KEY,
			response TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS identity (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_events_buffer ON queue_events(buffer, seq)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

// Path returns the database location.
func (s *Store) Path() string {
	return s.path
}

// Durable reports whether the database lives on disk.
func (s *Store) Durable() bool {
	return !isMemoryPath(s.path)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// EventQueueStore implementation

type queueRow struct {
	Buffer  string `db:"buffer"`
	Payload string `db:"payload"`
}

func (s *Store) LoadQueue(ctx context.Context) ([]string, []string, error) {
	var rows []queueRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT buffer, payload FROM queue_events ORDER BY seq ASC`); err != nil {
		return nil, nil, fmt.Errorf("failed to load queue: %w", err)
	}

	var active, drain []string
	for _, r := range rows {
		switch ports.Buffer(r.Buffer) {
		case ports.BufferDrain:
			drain = append(drain, r.Payload)
		default:
			active = append(active, r.Payload)
		}
	}
	return active, drain, nil
}

func (s *Store) AppendEvent(ctx context.Context, payload string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO queue_events (buffer, payload, created_at) VALUES (?, ?, ?)`,
		string(ports.BufferActive), payload, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (s *Store) SwapBuffers(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue_events SET buffer = ? WHERE buffer = ?`,
		string(ports.BufferDrain), string(ports.BufferActive))
	if err != nil {
		return fmt.Errorf("failed to swap buffers: %w", err)
	}
	return nil
}

func (s *Store) ClearDrain(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM queue_events WHERE buffer = ?`, string(ports.BufferDrain))
	if err != nil {
		return fmt.Errorf("failed to clear drain buffer: %w", err)
	}
	return nil
}

func (s *Store) ResetQueue(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM queue_events`); err != nil {
		return fmt.Errorf("failed to reset queue: %w", err)
	}
	return nil
}

// EngagementStore implementation

type engagementRow struct {
	DecisionPoint string `db:"decision_point"`
	Response      string `db:"response"`
}

func (s *Store) LoadEngagements(ctx context.Context) (map[string]string, error) {
	var rows []engagementRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT decision_point, response FROM engagements`); err != nil {
		return nil, fmt.Errorf("failed to load engagements: %w", err)
	}

	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.DecisionPoint] = r.Response
	}
	return out, nil
}

func (s *Store) PutEngagement(ctx context.Context, decisionPoint, response string) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO engagements (decision_point, response, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT(decision_point) DO UPDATE SET response=excluded.response, updated_at=excluded.updated_at;
	`, decisionPoint, response, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to store engagement: %w", err)
	}
	return nil
}

func (s *Store) ResetEngagements(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM engagements`); err != nil {
		return fmt.Errorf("failed to reset engagements: %w", err)
	}
	return nil
}

// IdentityStore implementation

func (s *Store) GetUserID(ctx context.Context) (string, error) {
	var id string
	err := s.db.GetContext(ctx, &id, `SELECT value FROM identity WHERE key = ?`, userIDKey)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get user id: %w", err)
	}
	return id, nil
}

func (s *Store) SetUserID(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO identity (key, value, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at;
	`, userIDKey, userID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set user id: %w", err)
	}
	return nil
}

func (s *Store) ResetUserID(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM identity WHERE key = ?`, userIDKey); err != nil {
		return fmt.Errorf("failed to reset user id: %w", err)
	}
	return nil
}
