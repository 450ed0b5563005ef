// Package queuestore provides durable persistence backends for the offline
// mutation queue.
package queuestore

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/vmihailenco/msgpack/v5"

	fasq "github.com/ishafiul/fasq-sub003"
)

const schema = `
CREATE TABLE IF NOT EXISTS offline_mutations (
	position      INTEGER NOT NULL,
	id            TEXT    NOT NULL PRIMARY KEY,
	query_key     TEXT    NOT NULL,
	mutation_type TEXT    NOT NULL,
	variables     BLOB,
	created_at    TIMESTAMP NOT NULL,
	attempts      INTEGER NOT NULL DEFAULT 0,
	last_error    TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_offline_mutations_position ON offline_mutations(position);
`

type mutationRow struct {
	Position     int       `db:"position"`
	ID           string    `db:"id"`
	QueryKey     string    `db:"query_key"`
	MutationType string    `db:"mutation_type"`
	Variables    []byte    `db:"variables"`
	CreatedAt    time.Time `db:"created_at"`
	Attempts     int       `db:"attempts"`
	LastError    string    `db:"last_error"`
}

// SQLiteStore persists the offline mutation queue in a SQLite database.
// Mutation variables are serialized with msgpack, so they round-trip as
// the msgpack-decoded representation (maps and slices) rather than the
// original Go type.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) the database at dsn and ensures the
// queue schema exists. Use ":memory:" for an ephemeral store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("queuestore: open sqlite: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queuestore: ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queuestore: ensure schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Save replaces the persisted queue with entries, preserving FIFO order.
func (s *SQLiteStore) Save(ctx context.Context, entries []fasq.OfflineMutation) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("queuestore: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM offline_mutations`); err != nil {
		return fmt.Errorf("queuestore: clear: %w", err)
	}

	for i, entry := range entries {
		variables, err := msgpack.Marshal(entry.Variables)
		if err != nil {
			return fmt.Errorf("queuestore: encode variables for %s: %w", entry.ID, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO offline_mutations
				(position, id, query_key, mutation_type, variables, created_at, attempts, last_error)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			i, entry.ID, string(entry.Key), entry.MutationType, variables,
			entry.CreatedAt, entry.Attempts, entry.LastError,
		)
		if err != nil {
			return fmt.Errorf("queuestore: insert %s: %w", entry.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("queuestore: commit: %w", err)
	}
	return nil
}

// Load returns the persisted queue in FIFO order.
func (s *SQLiteStore) Load(ctx context.Context) ([]fasq.OfflineMutation, error) {
	var rows []mutationRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT position, id, query_key, mutation_type, variables, created_at, attempts, last_error
		 FROM offline_mutations ORDER BY position ASC`)
	if err != nil {
		return nil, fmt.Errorf("queuestore: load: %w", err)
	}

	entries := make([]fasq.OfflineMutation, 0, len(rows))
	for _, row := range rows {
		var variables any
		if len(row.Variables) > 0 {
			if err := msgpack.Unmarshal(row.Variables, &variables); err != nil {
				return nil, fmt.Errorf("queuestore: decode variables for %s: %w", row.ID, err)
			}
		}
		entries = append(entries, fasq.OfflineMutation{
			ID:           row.ID,
			Key:          fasq.QueryKey(row.QueryKey),
			MutationType: row.MutationType,
			Variables:    variables,
			CreatedAt:    row.CreatedAt,
			Attempts:     row.Attempts,
			LastError:    row.LastError,
		})
	}
	return entries, nil
}
