package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rcliao/storyloom/internal/errs"
	"github.com/rcliao/storyloom/internal/model"
)

const sessionColumns = `id, story_id, title, kind, created_at, updated_at, seq`

const messageColumns = `id, session_id, role, content, timestamp, status, parent_id, version, error, seq`

// SaveSession creates a session, or overwrites one when the write comes
// from the authority. UpdatedAt never moves backwards.
func (s *SQLiteStore) SaveSession(ctx context.Context, sess model.StorySession, w WriteOpts) error {
	if sess.ID == "" {
		return errs.Validation("session id is required")
	}
	if !model.ValidKinds[sess.Kind] {
		return errs.Validation("session %s: invalid kind %q", sess.ID, sess.Kind)
	}
	if sess.CreatedAt == 0 {
		sess.CreatedAt = s.nowMillis()
	}
	if sess.UpdatedAt < sess.CreatedAt {
		sess.UpdatedAt = sess.CreatedAt
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if !w.FromSync {
			var exists int
			err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE id = ?`, sess.ID).Scan(&exists)
			if err != nil {
				return fmt.Errorf("lookup session: %w", err)
			}
			if exists > 0 {
				return errs.Validation("session %s already exists", sess.ID)
			}
		}

		if err := upsertSession(ctx, tx, sess); err != nil {
			return err
		}
		if w.FromSync {
			return nil
		}
		return s.appendOp(ctx, tx, model.EntitySession, sess.ID, model.OpUpsert, sess)
	})
}

func upsertSession(ctx context.Context, tx *sql.Tx, sess model.StorySession) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			story_id = excluded.story_id,
			title = excluded.title,
			kind = excluded.kind,
			updated_at = MAX(sessions.updated_at, excluded.updated_at),
			seq = excluded.seq`,
		sess.ID, sess.StoryID, sess.Title, string(sess.Kind), sess.CreatedAt, sess.UpdatedAt, sess.Seq)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// GetSession returns a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*model.StorySession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("session", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

// ListSessions lists sessions, most recently updated first. An empty
// storyID lists every session.
func (s *SQLiteStore) ListSessions(ctx context.Context, storyID string) ([]model.StorySession, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []interface{}
	if storyID != "" {
		query += ` WHERE story_id = ?`
		args = append(args, storyID)
	}
	query += ` ORDER BY updated_at DESC, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []model.StorySession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// touchSession bumps updated_at monotonically. It is a no-op for sessions
// this cache has not seen yet.
func (s *SQLiteStore) touchSession(ctx context.Context, tx *sql.Tx, sessionID string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = MAX(updated_at, ?) WHERE id = ?`, s.nowMillis(), sessionID)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

func validateMessage(m *model.Message) error {
	if m.ID == "" || m.SessionID == "" || m.Role == "" {
		return errs.Validation("message requires id, session id and role")
	}
	if !model.ValidStatuses[m.Status] {
		return errs.Validation("message %s: invalid status %q", m.ID, m.Status)
	}
	if m.Version < 1 {
		return errs.Validation("message %s: version must be >= 1", m.ID)
	}
	return nil
}

// InsertMessage adds a message to the arena. Local inserts must reference an
// existing parent in the same session and extend their lineage with a
// strictly higher version.
func (s *SQLiteStore) InsertMessage(ctx context.Context, m model.Message, w WriteOpts) error {
	if err := validateMessage(&m); err != nil {
		return err
	}
	if m.Timestamp == 0 {
		m.Timestamp = s.nowMillis()
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if !w.FromSync {
			if err := s.checkLineage(ctx, tx, &m); err != nil {
				return err
			}
		}
		if err := upsertMessage(ctx, tx, m); err != nil {
			return err
		}
		if err := s.touchSession(ctx, tx, m.SessionID); err != nil {
			return err
		}
		if w.FromSync {
			return nil
		}
		return s.appendOp(ctx, tx, model.EntityMessage, m.ID, model.OpUpsert, m)
	})
}

func upsertMessage(ctx context.Context, tx *sql.Tx, m model.Message) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			timestamp = excluded.timestamp,
			status = excluded.status,
			version = excluded.version,
			error = excluded.error,
			seq = excluded.seq`,
		m.ID, m.SessionID, m.Role, m.Content, m.Timestamp, string(m.Status),
		nullable(m.ParentID), m.Version, nullable(m.Error), m.Seq)
	if err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) checkLineage(ctx context.Context, tx *sql.Tx, m *model.Message) error {
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE id = ?`, m.SessionID).Scan(&n); err != nil {
		return fmt.Errorf("lookup session: %w", err)
	}
	if n == 0 {
		return errs.NotFound("session", m.SessionID)
	}
	if n, err := s.countMessages(ctx, tx, `id = ?`, m.ID); err != nil {
		return err
	} else if n > 0 {
		return errs.Validation("message %s already exists", m.ID)
	}

	if m.ParentID != "" {
		n, err := s.countMessages(ctx, tx, `id = ? AND session_id = ?`, m.ParentID, m.SessionID)
		if err != nil {
			return err
		}
		if n == 0 {
			return errs.Validation("message %s: parent %s is not in session %s", m.ID, m.ParentID, m.SessionID)
		}
	}

	maxVersion, err := s.maxVersion(ctx, tx, m.SessionID, m.ParentID, m.Role)
	if err != nil {
		return err
	}
	if m.Version <= maxVersion {
		return errs.Validation("message %s: version %d does not extend lineage at version %d",
			m.ID, m.Version, maxVersion)
	}
	return nil
}

func (s *SQLiteStore) countMessages(ctx context.Context, tx *sql.Tx, where string, args ...interface{}) (int, error) {
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE `+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) maxVersion(ctx context.Context, tx *sql.Tx, sessionID, parentID, role string) (int, error) {
	var v sql.NullInt64
	err := tx.QueryRowContext(ctx,
		`SELECT MAX(version) FROM messages
		 WHERE session_id = ? AND COALESCE(parent_id, '') = ? AND role = ?`,
		sessionID, parentID, role).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("max version: %w", err)
	}
	return int(v.Int64), nil
}

// NextVersion returns the version a new message in the lineage would take.
func (s *SQLiteStore) NextVersion(ctx context.Context, sessionID, parentID, role string) (int, error) {
	var next int
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		v, err := s.maxVersion(ctx, tx, sessionID, parentID, role)
		next = v + 1
		return err
	})
	return next, err
}

// UpdateMessage rewrites the mutable fields of a message: content, status,
// error and timestamp. Role, parent and version never change.
func (s *SQLiteStore) UpdateMessage(ctx context.Context, m model.Message, w WriteOpts) error {
	if !model.ValidStatuses[m.Status] {
		return errs.Validation("message %s: invalid status %q", m.ID, m.Status)
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE messages SET content = ?, timestamp = ?, status = ?, error = ? WHERE id = ?`,
			m.Content, m.Timestamp, string(m.Status), nullable(m.Error), m.ID)
		if err != nil {
			return fmt.Errorf("update message: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errs.NotFound("message", m.ID)
		}

		row := tx.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, m.ID)
		stored, err := scanMessage(row)
		if err != nil {
			return fmt.Errorf("reload message: %w", err)
		}
		if err := s.touchSession(ctx, tx, stored.SessionID); err != nil {
			return err
		}
		if w.FromSync {
			return nil
		}
		return s.appendOp(ctx, tx, model.EntityMessage, stored.ID, model.OpUpsert, stored)
	})
}

// GetMessage returns a message by id.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("message", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return &m, nil
}

// ListMessages returns a session's messages in thread order.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]model.Message, error) {
	return s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE session_id = ? ORDER BY timestamp, id`, sessionID)
}

// Lineage returns every version of the (parentID, role) lineage, oldest first.
func (s *SQLiteStore) Lineage(ctx context.Context, sessionID, parentID, role string) ([]model.Message, error) {
	return s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE session_id = ? AND COALESCE(parent_id, '') = ? AND role = ?
		 ORDER BY version`, sessionID, parentID, role)
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...interface{}) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanSession(row scanner) (model.StorySession, error) {
	var sess model.StorySession
	var kind string
	err := row.Scan(&sess.ID, &sess.StoryID, &sess.Title, &kind, &sess.CreatedAt, &sess.UpdatedAt, &sess.Seq)
	sess.Kind = model.Kind(kind)
	return sess, err
}

func scanMessage(row scanner) (model.Message, error) {
	var m model.Message
	var status string
	var parentID, errMsg sql.NullString
	err := row.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Timestamp, &status,
		&parentID, &m.Version, &errMsg, &m.Seq)
	m.Status = model.MessageStatus(status)
	m.ParentID = parentID.String
	m.Error = errMsg.String
	return m, err
}
