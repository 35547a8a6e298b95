// Package audit keeps a sqlite trail of every dispatched console command.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/mattjoyce/fedctl/internal/console"
	"github.com/mattjoyce/fedctl/internal/log"
)

// Fixed-width so that lexical order in sqlite is time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Entry is one stored audit row.
type Entry struct {
	ID        string
	User      string
	Org       string
	Role      string
	Command   string
	Args      []string
	Outcome   string
	Reason    string
	At        time.Time
	ElapsedMs int64
}

// Store writes and reads audit entries. It implements console.Auditor.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (and creates if needed) the audit database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("audit path is empty")
	}
	if err := checkLocalFS(path, detectFilesystemType); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, pragma := range []string{"PRAGMA journal_mode = WAL;", "PRAGMA busy_timeout = 5000;"} {
		if _, err := db.ExecContext(pctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if err := bootstrap(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, logger: log.WithComponent("audit")}, nil
}

func bootstrap(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS command_audit (
  id          TEXT PRIMARY KEY,
  operator    TEXT NOT NULL,
  org         TEXT,
  role        TEXT,
  command     TEXT NOT NULL,
  args        JSON NOT NULL DEFAULT '[]',
  outcome     TEXT NOT NULL,
  reason      TEXT,
  at          TEXT NOT NULL,
  elapsed_ms  INTEGER NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS command_audit_at_idx ON command_audit(at);`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap audit db: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record stores rec. Failures are logged; auditing never fails a command.
func (s *Store) Record(ctx context.Context, rec console.Record) {
	if err := s.Insert(ctx, rec); err != nil {
		s.logger.Error("failed to write audit entry", "command", rec.Command, "user", rec.User, "error", err)
	}
}

// Insert stores rec and returns any database error.
func (s *Store) Insert(ctx context.Context, rec console.Record) error {
	args := rec.Args
	if args == nil {
		args = []string{}
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode args: %w", err)
	}
	at := rec.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO command_audit(id, operator, org, role, command, args, outcome, reason, at, elapsed_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		uuid.NewString(),
		rec.User,
		rec.Org,
		rec.Role,
		rec.Command,
		string(argsJSON),
		string(rec.Outcome),
		nullString(rec.Reason),
		at.UTC().Format(timeLayout),
		rec.Elapsed.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, operator, org, role, command, args, outcome, reason, at, elapsed_ms
FROM command_audit
ORDER BY at DESC, rowid DESC
LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                  Entry
			org, role, reason  sql.NullString
			argsJSON, atString string
		)
		if err := rows.Scan(&e.ID, &e.User, &org, &role, &e.Command, &argsJSON, &e.Outcome, &reason, &atString, &e.ElapsedMs); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Org, e.Role, e.Reason = org.String, role.String, reason.String
		if err := json.Unmarshal([]byte(argsJSON), &e.Args); err != nil {
			return nil, fmt.Errorf("decode audit args: %w", err)
		}
		if e.At, err = time.Parse(timeLayout, atString); err != nil {
			return nil, fmt.Errorf("parse audit time: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
