// Package store persists sessions and conversation history in sqlite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jmalloc/drover/internal/errors"
)

// SessionRecord is the persisted form of a session.
type SessionRecord struct {
	ID             string
	Title          string
	ProjectPath    string
	WorktreePath   string
	Branch         string
	Status         string
	CommitMode     string
	PermissionMode string
	AgentSessionID string
	IsMainRepo     bool
	ErrorMessage   string
	LastViewedAt   time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Message is one persisted conversation entry. Seq is monotonically
// increasing per session.
type Message struct {
	SessionID string
	Seq       int64
	Role      string
	Content   string
	CreatedAt time.Time
}

// PromptMarker records where each user prompt falls in the conversation,
// and whether the agent has finished responding to it.
type PromptMarker struct {
	ID        int64
	SessionID string
	Seq       int64
	Prompt    string
	Completed bool
	CreatedAt time.Time
	// CompletedAt is zero until the agent finishes responding; together
	// with CreatedAt it gives the turn's duration.
	CompletedAt time.Time
}

// Store wraps the sqlite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database at path and applies
// the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.E(errors.Op("store.Open"), errors.KindIO, fmt.Sprintf("opening database %s", path), err)
	}

	// modernc sqlite serializes writes per connection; a single
	// connection avoids SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id               TEXT PRIMARY KEY,
	title            TEXT NOT NULL DEFAULT '',
	project_path     TEXT NOT NULL,
	worktree_path    TEXT NOT NULL DEFAULT '',
	branch           TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL,
	commit_mode      TEXT NOT NULL DEFAULT 'checkpoint',
	permission_mode  TEXT NOT NULL DEFAULT 'approve',
	agent_session_id TEXT NOT NULL DEFAULT '',
	is_main_repo     INTEGER NOT NULL DEFAULT 0,
	error_message    TEXT NOT NULL DEFAULT '',
	last_viewed_at   INTEGER NOT NULL DEFAULT 0,
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	session_id TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (session_id, seq)
);

CREATE TABLE IF NOT EXISTS prompt_markers (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id   TEXT NOT NULL,
	seq          INTEGER NOT NULL,
	prompt       TEXT NOT NULL,
	completed    INTEGER NOT NULL DEFAULT 0,
	completed_at INTEGER NOT NULL DEFAULT 0,
	created_at   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id);
CREATE INDEX IF NOT EXISTS idx_markers_session ON prompt_markers(session_id);
`
	if _, err := s.db.Exec(schema); err != nil {
		return errors.E(errors.Op("store.migrate"), errors.KindIO, "applying schema", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSession inserts or updates a session record.
func (s *Store) SaveSession(ctx context.Context, r SessionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (
			id, title, project_path, worktree_path, branch, status,
			commit_mode, permission_mode, agent_session_id, is_main_repo,
			error_message, last_viewed_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			worktree_path = excluded.worktree_path,
			branch = excluded.branch,
			status = excluded.status,
			commit_mode = excluded.commit_mode,
			permission_mode = excluded.permission_mode,
			agent_session_id = excluded.agent_session_id,
			error_message = excluded.error_message,
			last_viewed_at = excluded.last_viewed_at,
			updated_at = excluded.updated_at
	`, r.ID, r.Title, r.ProjectPath, r.WorktreePath, r.Branch, r.Status,
		r.CommitMode, r.PermissionMode, r.AgentSessionID, boolToInt(r.IsMainRepo),
		r.ErrorMessage, r.LastViewedAt.UnixMilli(), r.CreatedAt.UnixMilli(), r.UpdatedAt.UnixMilli())
	if err != nil {
		return errors.E(errors.Op("store.SaveSession"), errors.KindIO, err)
	}
	return nil
}

// GetSession loads one session record.
func (s *Store) GetSession(ctx context.Context, id string) (SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, project_path, worktree_path, branch, status,
			commit_mode, permission_mode, agent_session_id, is_main_repo,
			error_message, last_viewed_at, created_at, updated_at
		FROM sessions WHERE id = ?
	`, id)
	r, err := scanSession(row)
	if err == sql.ErrNoRows {
		return SessionRecord{}, errors.SessionNotFound(id)
	}
	if err != nil {
		return SessionRecord{}, errors.E(errors.Op("store.GetSession"), errors.KindIO, err)
	}
	return r, nil
}

// ListSessions returns all sessions ordered by most recently updated.
func (s *Store) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, project_path, worktree_path, branch, status,
			commit_mode, permission_mode, agent_session_id, is_main_repo,
			error_message, last_viewed_at, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, errors.E(errors.Op("store.ListSessions"), errors.KindIO, err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		r, err := scanSession(rows)
		if err != nil {
			return nil, errors.E(errors.Op("store.ListSessions"), errors.KindIO, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteSession removes a session and its conversation history.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.E(errors.Op("store.DeleteSession"), errors.KindIO, err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM messages WHERE session_id = ?`,
		`DELETE FROM prompt_markers WHERE session_id = ?`,
		`DELETE FROM sessions WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return errors.E(errors.Op("store.DeleteSession"), errors.KindIO, err)
		}
	}
	return tx.Commit()
}

// AppendMessage stores a message, assigning the next sequence number for
// the session, and returns the assigned seq.
func (s *Store) AppendMessage(ctx context.Context, sessionID, role, content string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.E(errors.Op("store.AppendMessage"), errors.KindIO, err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE session_id = ?`,
		sessionID).Scan(&seq)
	if err != nil {
		return 0, errors.E(errors.Op("store.AppendMessage"), errors.KindIO, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (session_id, seq, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		sessionID, seq, role, content, time.Now().UnixMilli())
	if err != nil {
		return 0, errors.E(errors.Op("store.AppendMessage"), errors.KindIO, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.E(errors.Op("store.AppendMessage"), errors.KindIO, err)
	}
	return seq, nil
}

// Messages returns a session's conversation in order.
func (s *Store) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, seq, role, content, created_at FROM messages WHERE session_id = ? ORDER BY seq`,
		sessionID)
	if err != nil {
		return nil, errors.E(errors.Op("store.Messages"), errors.KindIO, err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var created int64
		if err := rows.Scan(&m.SessionID, &m.Seq, &m.Role, &m.Content, &created); err != nil {
			return nil, errors.E(errors.Op("store.Messages"), errors.KindIO, err)
		}
		m.CreatedAt = time.UnixMilli(created)
		out = append(out, m)
	}
	return out, rows.Err()
}

// AddPromptMarker records a user prompt at the given conversation seq.
func (s *Store) AddPromptMarker(ctx context.Context, sessionID string, seq int64, prompt string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO prompt_markers (session_id, seq, prompt, completed, created_at) VALUES (?, ?, ?, 0, ?)`,
		sessionID, seq, prompt, time.Now().UnixMilli())
	if err != nil {
		return 0, errors.E(errors.Op("store.AddPromptMarker"), errors.KindIO, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.E(errors.Op("store.AddPromptMarker"), errors.KindIO, err)
	}
	return id, nil
}

// MarkPromptCompleted marks the most recent incomplete prompt for the
// session as completed, recording when. A session with no incomplete
// prompt is a no-op.
func (s *Store) MarkPromptCompleted(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE prompt_markers SET completed = 1, completed_at = ?
		WHERE id = (
			SELECT id FROM prompt_markers
			WHERE session_id = ? AND completed = 0
			ORDER BY seq DESC LIMIT 1
		)
	`, time.Now().UnixMilli(), sessionID)
	if err != nil {
		return errors.E(errors.Op("store.MarkPromptCompleted"), errors.KindIO, err)
	}
	return nil
}

// PromptMarkers returns a session's prompt markers in order.
func (s *Store) PromptMarkers(ctx context.Context, sessionID string) ([]PromptMarker, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, seq, prompt, completed, completed_at, created_at FROM prompt_markers WHERE session_id = ? ORDER BY seq`,
		sessionID)
	if err != nil {
		return nil, errors.E(errors.Op("store.PromptMarkers"), errors.KindIO, err)
	}
	defer rows.Close()

	var out []PromptMarker
	for rows.Next() {
		var m PromptMarker
		var completed int
		var completedAt, created int64
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Seq, &m.Prompt, &completed, &completedAt, &created); err != nil {
			return nil, errors.E(errors.Op("store.PromptMarkers"), errors.KindIO, err)
		}
		m.Completed = completed != 0
		if completedAt > 0 {
			m.CompletedAt = time.UnixMilli(completedAt)
		}
		m.CreatedAt = time.UnixMilli(created)
		out = append(out, m)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (SessionRecord, error) {
	var r SessionRecord
	var isMain int
	var lastViewed, created, updated int64
	err := row.Scan(&r.ID, &r.Title, &r.ProjectPath, &r.WorktreePath, &r.Branch,
		&r.Status, &r.CommitMode, &r.PermissionMode, &r.AgentSessionID, &isMain,
		&r.ErrorMessage, &lastViewed, &created, &updated)
	if err != nil {
		return SessionRecord{}, err
	}
	r.IsMainRepo = isMain != 0
	r.LastViewedAt = time.UnixMilli(lastViewed)
	r.CreatedAt = time.UnixMilli(created)
	r.UpdatedAt = time.UnixMilli(updated)
	return r, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
