package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rcliao/storyloom/internal/errs"
	"github.com/rcliao/storyloom/internal/model"
)

// Ledger is the authority's state: the canonical entities, the message
// lineage index and the set of applied op ids. It implements Authority
// in-process and backs the HTTP server.
type Ledger struct {
	db  *sql.DB
	log *slog.Logger
	now func() time.Time
}

// OpenLedger opens or creates a ledger database at path.
func OpenLedger(path string, logger *slog.Logger) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	db.SetMaxOpenConns(1)
	if logger == nil {
		logger = slog.Default()
	}

	l := &Ledger{db: db, log: logger, now: time.Now}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return l, nil
}

func (l *Ledger) migrate() error {
	_, err := l.db.Exec(`
	CREATE TABLE IF NOT EXISTS applied_ops (
		seq          INTEGER PRIMARY KEY AUTOINCREMENT,
		op_id        TEXT NOT NULL UNIQUE,
		entity_type  TEXT NOT NULL,
		entity_id    TEXT NOT NULL,
		client_id    TEXT NOT NULL,
		applied_at   INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS entities (
		entity_type  TEXT NOT NULL,
		entity_id    TEXT NOT NULL,
		seq          INTEGER NOT NULL,
		deleted      INTEGER NOT NULL DEFAULT 0,
		data         TEXT,
		PRIMARY KEY (entity_type, entity_id)
	);

	CREATE TABLE IF NOT EXISTS lineage (
		message_id  TEXT PRIMARY KEY,
		session_id  TEXT NOT NULL,
		parent_id   TEXT NOT NULL,
		role        TEXT NOT NULL,
		version     INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_lineage_slot ON lineage(session_id, parent_id, role, version);
	`)
	return err
}

// Close closes the ledger.
func (l *Ledger) Close() error { return l.db.Close() }

// SetClock replaces the ledger's clock.
func (l *Ledger) SetClock(now func() time.Time) { l.now = now }

// Push applies a batch in order. Once an op of an entity fails, the
// remaining ops of that entity in the batch are reported blocked.
func (l *Ledger) Push(ctx context.Context, req PushRequest) (*PushResponse, error) {
	resp := &PushResponse{Results: make([]OpResult, 0, len(req.Ops))}
	blocked := make(map[string]bool)

	for _, op := range req.Ops {
		key := op.EntityKey()
		if blocked[key] {
			resp.Results = append(resp.Results, OpResult{OpID: op.OpID, Status: StatusBlocked})
			continue
		}
		res := l.apply(ctx, req.ClientID, op)
		if !res.Status.Applied() {
			blocked[key] = true
		}
		l.log.Debug("ledger applied op",
			"op_id", op.OpID, "entity", key, "status", res.Status, "client_id", req.ClientID)
		resp.Results = append(resp.Results, res)
	}
	return resp, nil
}

func (l *Ledger) apply(ctx context.Context, clientID string, op model.SyncOp) OpResult {
	res := OpResult{OpID: op.OpID}
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		var seen int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM applied_ops WHERE op_id = ?`, op.OpID).Scan(&seen); err != nil {
			return err
		}
		if seen > 0 {
			// Resent after a lost response: report the current state again.
			canon, err := getEntity(ctx, tx, op.EntityType, op.EntityID)
			if err != nil && !errors.Is(err, errs.ErrNotFound) {
				return err
			}
			res.Status, res.Canonical = StatusAcknowledged, canon
			return nil
		}

		r, err := tx.ExecContext(ctx,
			`INSERT INTO applied_ops (op_id, entity_type, entity_id, client_id, applied_at) VALUES (?, ?, ?, ?, ?)`,
			op.OpID, string(op.EntityType), op.EntityID, clientID, l.now().UnixMilli())
		if err != nil {
			return err
		}
		seq, err := r.LastInsertId()
		if err != nil {
			return err
		}

		var amended bool
		switch {
		case op.Op == model.OpDelete && op.EntityType == model.EntityFragment:
			res.Canonical, err = l.deleteFragment(ctx, tx, op.EntityID, seq)
		case op.Op != model.OpUpsert:
			err = errs.Validation("%s %s: %s is not supported", op.EntityType, op.EntityID, op.Op)
		case op.EntityType == model.EntityFragment:
			res.Canonical, err = l.putFragment(ctx, tx, op, seq)
		case op.EntityType == model.EntityMessage:
			res.Canonical, amended, err = l.putMessage(ctx, tx, op, seq)
		case op.EntityType == model.EntitySession:
			res.Canonical, amended, err = l.putSession(ctx, tx, op, seq)
		default:
			err = errs.Validation("unknown entity type %q", op.EntityType)
		}
		if err != nil {
			return err
		}
		res.Status = StatusAcknowledged
		if amended {
			res.Status = StatusConflictResolved
		}
		return nil
	})
	if err != nil {
		res.Canonical = nil
		res.Error = err.Error()
		res.Status = StatusRetry
		if errs.IsPermanent(err) {
			res.Status = StatusRejected
		} else if !isSQLiteConflict(err) {
			l.log.Warn("ledger apply failed", "op_id", op.OpID, "error", err)
		}
	}
	return res
}

func (l *Ledger) putFragment(ctx context.Context, tx *sql.Tx, op model.SyncOp, seq int64) (*model.Canonical, error) {
	var f model.MemoryFragment
	if err := json.Unmarshal(op.Payload, &f); err != nil {
		return nil, errs.Validation("fragment payload: %v", err)
	}
	if f.ReferenceID != op.EntityID || f.SessionID == "" {
		return nil, errs.Validation("fragment %s: payload does not match op", op.EntityID)
	}
	if !model.ValidKinds[f.Kind] {
		return nil, errs.Validation("fragment %s: invalid kind %q", f.ReferenceID, f.Kind)
	}
	f.Seq, f.Score = seq, 0
	if err := l.touchSession(ctx, tx, f.SessionID); err != nil {
		return nil, err
	}
	return putEntity(ctx, tx, model.EntityFragment, f.ReferenceID, seq, f)
}

func (l *Ledger) deleteFragment(ctx context.Context, tx *sql.Tx, id string, seq int64) (*model.Canonical, error) {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO entities (entity_type, entity_id, seq, deleted, data) VALUES (?, ?, ?, 1, NULL)
		 ON CONFLICT(entity_type, entity_id) DO UPDATE SET seq = excluded.seq, deleted = 1, data = NULL`,
		string(model.EntityFragment), id, seq)
	if err != nil {
		return nil, err
	}
	return &model.Canonical{EntityType: model.EntityFragment, EntityID: id, Seq: seq, Deleted: true}, nil
}

// putMessage applies a message write. A finished message never returns to
// pending, and a lineage slot taken by another message is resolved by
// moving the incoming message to the end of the lineage.
func (l *Ledger) putMessage(ctx context.Context, tx *sql.Tx, op model.SyncOp, seq int64) (*model.Canonical, bool, error) {
	var m model.Message
	if err := json.Unmarshal(op.Payload, &m); err != nil {
		return nil, false, errs.Validation("message payload: %v", err)
	}
	if m.ID != op.EntityID || m.SessionID == "" || m.Role == "" {
		return nil, false, errs.Validation("message %s: payload does not match op", op.EntityID)
	}
	if !model.ValidStatuses[m.Status] || m.Version < 1 {
		return nil, false, errs.Validation("message %s: invalid status or version", m.ID)
	}

	amended := false
	var prev model.Message
	found, err := loadEntity(ctx, tx, model.EntityMessage, m.ID, &prev)
	if err != nil {
		return nil, false, err
	}
	if found && prev.Status.Terminal() && !m.Status.Terminal() {
		m.Status, m.Content, m.Error = prev.Status, prev.Content, prev.Error
		amended = true
	}

	var slotVersion int
	err = tx.QueryRowContext(ctx, `SELECT version FROM lineage WHERE message_id = ?`, m.ID).Scan(&slotVersion)
	switch {
	case err == nil:
		if slotVersion != m.Version {
			m.Version, amended = slotVersion, true
		}
	case errors.Is(err, sql.ErrNoRows):
		var holder string
		err := tx.QueryRowContext(ctx,
			`SELECT message_id FROM lineage WHERE session_id = ? AND parent_id = ? AND role = ? AND version = ?`,
			m.SessionID, m.ParentID, m.Role, m.Version).Scan(&holder)
		if err == nil {
			var maxVersion int
			if err := tx.QueryRowContext(ctx,
				`SELECT MAX(version) FROM lineage WHERE session_id = ? AND parent_id = ? AND role = ?`,
				m.SessionID, m.ParentID, m.Role).Scan(&maxVersion); err != nil {
				return nil, false, err
			}
			l.log.Info("lineage slot taken, appending version",
				"message_id", m.ID, "holder", holder, "version", maxVersion+1)
			m.Version, amended = maxVersion+1, true
		} else if !errors.Is(err, sql.ErrNoRows) {
			return nil, false, err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO lineage (message_id, session_id, parent_id, role, version) VALUES (?, ?, ?, ?, ?)`,
			m.ID, m.SessionID, m.ParentID, m.Role, m.Version); err != nil {
			return nil, false, err
		}
	default:
		return nil, false, err
	}

	m.Seq = seq
	if err := l.touchSession(ctx, tx, m.SessionID); err != nil {
		return nil, false, err
	}
	canon, err := putEntity(ctx, tx, model.EntityMessage, m.ID, seq, m)
	return canon, amended, err
}

// putSession applies a session write. CreatedAt keeps the earliest value
// seen and UpdatedAt the latest.
func (l *Ledger) putSession(ctx context.Context, tx *sql.Tx, op model.SyncOp, seq int64) (*model.Canonical, bool, error) {
	var s model.StorySession
	if err := json.Unmarshal(op.Payload, &s); err != nil {
		return nil, false, errs.Validation("session payload: %v", err)
	}
	if s.ID != op.EntityID || !model.ValidKinds[s.Kind] {
		return nil, false, errs.Validation("session %s: invalid payload", op.EntityID)
	}

	amended := false
	var prev model.StorySession
	found, err := loadEntity(ctx, tx, model.EntitySession, s.ID, &prev)
	if err != nil {
		return nil, false, err
	}
	if found {
		if prev.CreatedAt != 0 && prev.CreatedAt < s.CreatedAt {
			s.CreatedAt, amended = prev.CreatedAt, true
		}
		if prev.UpdatedAt > s.UpdatedAt {
			s.UpdatedAt, amended = prev.UpdatedAt, true
		}
	}
	s.Seq = seq
	canon, err := putEntity(ctx, tx, model.EntitySession, s.ID, seq, s)
	return canon, amended, err
}

// touchSession bumps the authority's copy of a session's UpdatedAt.
func (l *Ledger) touchSession(ctx context.Context, tx *sql.Tx, sessionID string) error {
	var s model.StorySession
	found, err := loadEntity(ctx, tx, model.EntitySession, sessionID, &s)
	if err != nil || !found {
		return err
	}
	now := l.now().UnixMilli()
	if s.UpdatedAt >= now {
		return nil
	}
	s.UpdatedAt = now
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE entities SET data = ? WHERE entity_type = ? AND entity_id = ?`,
		string(data), string(model.EntitySession), sessionID)
	return err
}

// Get returns the canonical state of an entity.
func (l *Ledger) Get(ctx context.Context, et model.EntityType, id string) (*model.Canonical, error) {
	var canon *model.Canonical
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		canon, err = getEntity(ctx, tx, et, id)
		return err
	})
	return canon, err
}

// Lineage returns every version in the lineage of a message, oldest first.
func (l *Ledger) Lineage(ctx context.Context, messageID string) ([]model.Message, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT e.data FROM lineage self
		JOIN lineage other ON other.session_id = self.session_id
			AND other.parent_id = self.parent_id AND other.role = self.role
		JOIN entities e ON e.entity_type = ? AND e.entity_id = other.message_id
		WHERE self.message_id = ?
		ORDER BY other.version`, string(model.EntityMessage), messageID)
	if err != nil {
		return nil, fmt.Errorf("lineage: %w", err)
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var m model.Message
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, errs.NotFound("message", messageID)
	}
	return out, nil
}

func (l *Ledger) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func putEntity(ctx context.Context, tx *sql.Tx, et model.EntityType, id string, seq int64, v any) (*model.Canonical, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO entities (entity_type, entity_id, seq, deleted, data) VALUES (?, ?, ?, 0, ?)
		 ON CONFLICT(entity_type, entity_id) DO UPDATE SET seq = excluded.seq, deleted = 0, data = excluded.data`,
		string(et), id, seq, string(data))
	if err != nil {
		return nil, err
	}
	return &model.Canonical{EntityType: et, EntityID: id, Seq: seq, Data: data}, nil
}

func getEntity(ctx context.Context, tx *sql.Tx, et model.EntityType, id string) (*model.Canonical, error) {
	var seq int64
	var deleted int
	var data sql.NullString
	err := tx.QueryRowContext(ctx,
		`SELECT seq, deleted, data FROM entities WHERE entity_type = ? AND entity_id = ?`,
		string(et), id).Scan(&seq, &deleted, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound(string(et), id)
	}
	if err != nil {
		return nil, err
	}
	canon := &model.Canonical{EntityType: et, EntityID: id, Seq: seq, Deleted: deleted != 0}
	if data.Valid {
		canon.Data = json.RawMessage(data.String)
	}
	return canon, nil
}

// loadEntity decodes a live entity into v, reporting whether it exists.
func loadEntity(ctx context.Context, tx *sql.Tx, et model.EntityType, id string, v any) (bool, error) {
	canon, err := getEntity(ctx, tx, et, id)
	if errors.Is(err, errs.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if canon.Deleted || len(canon.Data) == 0 {
		return false, nil
	}
	return true, json.Unmarshal(canon.Data, v)
}

func isSQLiteConflict(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// Ping checks that the ledger database is usable.
func (l *Ledger) Ping(ctx context.Context) error { return l.db.PingContext(ctx) }
