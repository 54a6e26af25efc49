package permissions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/haasonsaas/grouphub/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS permissions (
	tool_name  TEXT NOT NULL,
	username   TEXT NOT NULL,
	session_id TEXT,
	permission INTEGER NOT NULL,
	UNIQUE (tool_name, username, session_id)
);
`

// SQLiteStore keeps the permission table in a SQLite database. Suitable when
// many sessions share one hub and file rewrites become contended.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and ensures the
// schema exists.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open permission db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init permission db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, tool, user, sessionID string) (models.PermissionLevel, bool, error) {
	var level int
	err := s.db.QueryRowContext(ctx,
		`SELECT permission FROM permissions WHERE tool_name = ? AND username = ? AND session_id IS NULL`,
		tool, user).Scan(&level)
	if err == nil {
		return models.PermissionLevel(level), true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.PermissionDeny, false, fmt.Errorf("query permanent permission: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT permission FROM permissions WHERE tool_name = ? AND username = ? AND session_id = ?`,
		tool, user, sessionID).Scan(&level)
	if err == nil {
		return models.PermissionLevel(level), true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.PermissionDeny, false, fmt.Errorf("query session permission: %w", err)
	}
	return models.PermissionDeny, false, nil
}

// Set implements Store.
func (s *SQLiteStore) Set(ctx context.Context, tool, user, sessionID string, level models.PermissionLevel) error {
	switch level {
	case models.PermissionAlways:
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin permission tx: %w", err)
		}
		defer tx.Rollback()
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM permissions WHERE tool_name = ? AND username = ?`, tool, user); err != nil {
			return fmt.Errorf("clear permissions: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO permissions (tool_name, username, session_id, permission) VALUES (?, ?, NULL, ?)`,
			tool, user, int(level)); err != nil {
			return fmt.Errorf("insert permanent permission: %w", err)
		}
		return tx.Commit()
	case models.PermissionSession:
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO permissions (tool_name, username, session_id, permission) VALUES (?, ?, ?, ?)
			 ON CONFLICT (tool_name, username, session_id) DO UPDATE SET permission = excluded.permission`,
			tool, user, sessionID, int(level))
		if err != nil {
			return fmt.Errorf("upsert session permission: %w", err)
		}
		return nil
	default:
		return nil
	}
}

// Close implements Store.
func (s *SQLiteStore) Close() error { return s.db.Close() }
