// Package archive keeps a durable history of every write action the bot
// performs, in SQLite. The JSON state file answers "have I done this"; the
// archive answers "what did I do and when", which outlives the state file's
// bounded sets.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Kind classifies an archived action.
type Kind string

const (
	KindComment Kind = "comment"
	KindReply   Kind = "reply"
	KindPost    Kind = "post"
	KindUpvote  Kind = "upvote"
	KindFollow  Kind = "follow"
)

// Action is one archived write.
type Action struct {
	ID        int64
	Kind      Kind
	TargetID  string
	Author    string
	Content   string
	CreatedAt time.Time
}

// Archive is the SQLite-backed action log.
type Archive struct {
	db  *sql.DB
	log *zap.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS actions (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	kind       TEXT NOT NULL,
	target_id  TEXT NOT NULL,
	author     TEXT NOT NULL DEFAULT '',
	content    TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_actions_kind ON actions(kind);
CREATE INDEX IF NOT EXISTS idx_actions_created ON actions(created_at);
`

// Open creates or opens the archive database, ensuring the schema exists.
func Open(path string, log *zap.Logger) (*Archive, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("archive: create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("archive: open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive: apply schema: %w", err)
	}

	return &Archive{db: db, log: log}, nil
}

// Record appends one action. Archive failures are logged, never fatal: the
// action already happened on the platform and losing the history row is the
// lesser evil.
func (a *Archive) Record(ctx context.Context, kind Kind, targetID, author, content string) {
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO actions (kind, target_id, author, content) VALUES (?, ?, ?, ?)`,
		string(kind), targetID, author, content)
	if err != nil {
		a.log.Warn("failed to archive action",
			zap.String("kind", string(kind)),
			zap.String("target", targetID),
			zap.Error(err))
	}
}

// Recent returns the newest actions, most recent first.
func (a *Archive) Recent(ctx context.Context, limit int) ([]Action, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT id, kind, target_id, author, content, created_at
		 FROM actions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: query recent: %w", err)
	}
	defer rows.Close()

	var out []Action
	for rows.Next() {
		var act Action
		var kind string
		if err := rows.Scan(&act.ID, &kind, &act.TargetID, &act.Author, &act.Content, &act.CreatedAt); err != nil {
			return nil, fmt.Errorf("archive: scan row: %w", err)
		}
		act.Kind = Kind(kind)
		out = append(out, act)
	}
	return out, rows.Err()
}

// CountsByKind aggregates the full history per action kind.
func (a *Archive) CountsByKind(ctx context.Context) (map[Kind]int64, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT kind, COUNT(*) FROM actions GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("archive: query counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[Kind]int64)
	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("archive: scan count: %w", err)
		}
		counts[Kind(kind)] = n
	}
	return counts, rows.Err()
}

// CountSince counts actions of one kind at or after the cutoff.
func (a *Archive) CountSince(ctx context.Context, kind Kind, cutoff time.Time) (int64, error) {
	var n int64
	err := a.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM actions WHERE kind = ? AND created_at >= ?`,
		string(kind), cutoff).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("archive: count since: %w", err)
	}
	return n, nil
}

// Close releases the database handle.
func (a *Archive) Close() error {
	return a.db.Close()
}
