// Package transcript persists one row per executed command to SQLite and
// maintains a rolling BLAKE3 digest of the run, so two runs of the same
// stimulus can be compared by a single hash.
package transcript

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zeebo/blake3"
	_ "modernc.org/sqlite"

	"github.com/hdlkit/stimgate/internal/dispatch"
)

// Store implements dispatch.Recorder on top of SQLite.
type Store struct {
	db *sql.DB

	mu     sync.Mutex
	hasher *blake3.Hasher
	rows   int64
}

// Open opens (and creates if needed) the transcript database at path and
// ensures the schema exists.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("transcript path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create transcript directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if _, err := db.ExecContext(pctx, `
CREATE TABLE IF NOT EXISTS transactions (
  run_id       TEXT NOT NULL,
  seq          INTEGER NOT NULL,
  kind         TEXT NOT NULL,
  payload      TEXT,
  response     TEXT,
  cycles       INTEGER NOT NULL DEFAULT 0,
  mismatch     INTEGER NOT NULL DEFAULT 0,
  message      TEXT,
  completed_at TEXT NOT NULL,
  PRIMARY KEY (run_id, seq)
);`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create transactions table: %w", err)
	}

	return &Store{db: db, hasher: blake3.New()}, nil
}

// Record inserts one transaction row and folds it into the digest.
func (s *Store) Record(ctx context.Context, snap dispatch.TransactionSnapshot) error {
	var payload, response any
	if snap.Payload.Valid {
		payload = snap.Payload.String()
	}
	if snap.Response.Valid {
		response = snap.Response.String()
	}
	mismatch := 0
	if snap.Mismatch {
		mismatch = 1
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO transactions(run_id, seq, kind, payload, response, cycles, mismatch, message, completed_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);
`, snap.RunID, snap.Seq, snap.Kind, payload, response, snap.Cycles, mismatch,
		snap.Message, snap.CompletedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}

	// Canonical line for the digest: timing excluded so identical stimulus
	// runs hash identically.
	line := fmt.Sprintf("%d|%s|%s|%s|%d|%d\n",
		snap.Seq, snap.Kind, snap.Payload.String(), snap.Response.String(), snap.Cycles, mismatch)

	s.mu.Lock()
	_, _ = s.hasher.WriteString(line)
	s.rows++
	s.mu.Unlock()
	return nil
}

// Digest returns the hex BLAKE3 digest over all recorded transactions and
// the row count it covers.
func (s *Store) Digest() (string, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := s.hasher.Sum(nil)
	return hex.EncodeToString(sum), s.rows
}

// Row is one persisted transaction, read back for observers.
type Row struct {
	RunID       string `json:"run_id"`
	Seq         uint64 `json:"seq"`
	Kind        string `json:"kind"`
	Payload     string `json:"payload,omitempty"`
	Response    string `json:"response,omitempty"`
	Cycles      uint   `json:"cycles,omitempty"`
	Mismatch    bool   `json:"mismatch"`
	Message     string `json:"message,omitempty"`
	CompletedAt string `json:"completed_at"`
}

// Recent returns up to limit rows for a run, newest first.
func (s *Store) Recent(ctx context.Context, runID string, limit int) ([]Row, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT run_id, seq, kind, payload, response, cycles, mismatch, message, completed_at
FROM transactions
WHERE run_id = ?
ORDER BY seq DESC
LIMIT ?;
`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var (
			r        Row
			payload  sql.NullString
			response sql.NullString
			message  sql.NullString
			mismatch int
		)
		if err := rows.Scan(&r.RunID, &r.Seq, &r.Kind, &payload, &response, &r.Cycles, &mismatch, &message, &r.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		r.Payload = payload.String
		r.Response = response.String
		r.Message = message.String
		r.Mismatch = mismatch != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
