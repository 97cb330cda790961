package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rcliao/storyloom/internal/errs"
	"github.com/rcliao/storyloom/internal/model"
)

const opColumns = `op_id, seq, entity_type, entity_id, op, payload, local_timestamp, attempt_count, state, next_attempt_at, last_error`

// DueOps returns up to limit ops ready to send, in append order.
//
// Ops of one entity replicate strictly in order: once an op of an entity is
// in flight or waiting out a backoff, later ops of that entity are held back.
// Dead letters are skipped and do not hold anything back, since every upsert
// carries the entity's full state.
func (s *SQLiteStore) DueOps(ctx context.Context, now int64, limit int) ([]model.SyncOp, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+opColumns+` FROM sync_ops WHERE state != ? ORDER BY seq`, string(model.OpDeadLetter))
	if err != nil {
		return nil, fmt.Errorf("due ops: %w", err)
	}
	defer rows.Close()

	held := make(map[string]bool)
	var out []model.SyncOp
	for rows.Next() {
		op, err := scanOp(rows)
		if err != nil {
			return nil, err
		}
		key := op.EntityKey()
		if held[key] {
			continue
		}

		switch {
		case op.State == model.OpInFlight:
			held[key] = true
		case op.State == model.OpFailed && op.NextAttemptAt > now:
			held[key] = true
		default:
			out = append(out, op)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, rows.Err()
}

// MarkInFlight moves ops to in_flight before they are sent.
func (s *SQLiteStore) MarkInFlight(ctx context.Context, opIDs []string) error {
	if len(opIDs) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(opIDs)), ",")
	args := []interface{}{string(model.OpInFlight)}
	for _, id := range opIDs {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_ops SET state = ? WHERE op_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("mark in flight: %w", err)
	}
	return nil
}

// AckOp purges an acknowledged op and reconciles the local row with the
// authority's canonical state. When later local ops of the same entity are
// still queued, only the server sequence is recorded so the newer local
// intent is not clobbered before it is sent.
func (s *SQLiteStore) AckOp(ctx context.Context, opID string, canon *model.Canonical) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var et, eid string
		err := tx.QueryRowContext(ctx,
			`SELECT entity_type, entity_id FROM sync_ops WHERE op_id = ?`, opID).Scan(&et, &eid)
		if errors.Is(err, sql.ErrNoRows) {
			return errs.NotFound("op", opID)
		}
		if err != nil {
			return fmt.Errorf("lookup op: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM sync_ops WHERE op_id = ?`, opID); err != nil {
			return fmt.Errorf("purge op: %w", err)
		}
		if canon == nil {
			return nil
		}

		var queued int
		err = tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sync_ops WHERE entity_type = ? AND entity_id = ? AND state != ?`,
			et, eid, string(model.OpDeadLetter)).Scan(&queued)
		if err != nil {
			return fmt.Errorf("count queued ops: %w", err)
		}
		if queued > 0 {
			return setSeq(ctx, tx, canon)
		}
		return s.applyCanonical(ctx, tx, canon)
	})
}

func (s *SQLiteStore) applyCanonical(ctx context.Context, tx *sql.Tx, c *model.Canonical) error {
	switch c.EntityType {
	case model.EntityFragment:
		if c.Deleted {
			_, err := tx.ExecContext(ctx, `DELETE FROM fragments WHERE reference_id = ?`, c.EntityID)
			return err
		}
		var f model.MemoryFragment
		if err := json.Unmarshal(c.Data, &f); err != nil {
			return errs.Validation("canonical fragment %s: %v", c.EntityID, err)
		}
		f.Seq = c.Seq
		if err := upsertFragment(ctx, tx, f); err != nil {
			return err
		}
		return s.touchSession(ctx, tx, f.SessionID)

	case model.EntityMessage:
		var m model.Message
		if err := json.Unmarshal(c.Data, &m); err != nil {
			return errs.Validation("canonical message %s: %v", c.EntityID, err)
		}
		m.Seq = c.Seq
		if err := upsertMessage(ctx, tx, m); err != nil {
			return err
		}
		return s.touchSession(ctx, tx, m.SessionID)

	case model.EntitySession:
		var sess model.StorySession
		if err := json.Unmarshal(c.Data, &sess); err != nil {
			return errs.Validation("canonical session %s: %v", c.EntityID, err)
		}
		sess.Seq = c.Seq
		return upsertSession(ctx, tx, sess)
	}
	return errs.Validation("unknown entity type %q", c.EntityType)
}

func setSeq(ctx context.Context, tx *sql.Tx, c *model.Canonical) error {
	var query string
	switch c.EntityType {
	case model.EntityFragment:
		query = `UPDATE fragments SET seq = ? WHERE reference_id = ?`
	case model.EntityMessage:
		query = `UPDATE messages SET seq = ? WHERE id = ?`
	case model.EntitySession:
		query = `UPDATE sessions SET seq = ? WHERE id = ?`
	default:
		return errs.Validation("unknown entity type %q", c.EntityType)
	}
	if _, err := tx.ExecContext(ctx, query, c.Seq, c.EntityID); err != nil {
		return fmt.Errorf("set seq: %w", err)
	}
	return nil
}

// ReleaseOp returns an in-flight op to pending without counting an attempt.
func (s *SQLiteStore) ReleaseOp(ctx context.Context, opID string) error {
	return s.setOpState(ctx, opID,
		`UPDATE sync_ops SET state = ? WHERE op_id = ?`, string(model.OpPending), opID)
}

// FailOp records a failed attempt; the op becomes due again at nextAttemptAt.
func (s *SQLiteStore) FailOp(ctx context.Context, opID string, attempts int, nextAttemptAt int64, reason string) error {
	return s.setOpState(ctx, opID,
		`UPDATE sync_ops SET state = ?, attempt_count = ?, next_attempt_at = ?, last_error = ? WHERE op_id = ?`,
		string(model.OpFailed), attempts, nextAttemptAt, nullable(reason), opID)
}

// DeadLetterOp parks an op that exhausted its attempts or was rejected.
func (s *SQLiteStore) DeadLetterOp(ctx context.Context, opID string, attempts int, reason string) error {
	return s.setOpState(ctx, opID,
		`UPDATE sync_ops SET state = ?, attempt_count = ?, last_error = ? WHERE op_id = ?`,
		string(model.OpDeadLetter), attempts, nullable(reason), opID)
}

// RequeueDeadLetter gives a dead letter a fresh attempt budget.
func (s *SQLiteStore) RequeueDeadLetter(ctx context.Context, opID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_ops SET state = ?, attempt_count = 0, next_attempt_at = 0, last_error = NULL
		 WHERE op_id = ? AND state = ?`,
		string(model.OpPending), opID, string(model.OpDeadLetter))
	if err != nil {
		return fmt.Errorf("requeue op: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFound("dead letter", opID)
	}
	return nil
}

func (s *SQLiteStore) setOpState(ctx context.Context, opID, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update op: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFound("op", opID)
	}
	return nil
}

// ResetInFlight returns ops left in flight by a crashed process to pending.
// Their outcome is unknown, so they are resent; the authority dedupes by op id.
func (s *SQLiteStore) ResetInFlight(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_ops SET state = ? WHERE state = ?`, string(model.OpPending), string(model.OpInFlight))
	return err
}

// DeadLetters lists parked ops, oldest first.
func (s *SQLiteStore) DeadLetters(ctx context.Context) ([]model.SyncOp, error) {
	return s.queryOps(ctx, `SELECT `+opColumns+` FROM sync_ops WHERE state = ? ORDER BY seq`, string(model.OpDeadLetter))
}

// ListOps lists every op still in the log.
func (s *SQLiteStore) ListOps(ctx context.Context) ([]model.SyncOp, error) {
	return s.queryOps(ctx, `SELECT `+opColumns+` FROM sync_ops ORDER BY seq`)
}

// PendingCount counts ops that will still be sent, dead letters excluded.
func (s *SQLiteStore) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_ops WHERE state != ?`, string(model.OpDeadLetter)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count ops: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) queryOps(ctx context.Context, query string, args ...interface{}) ([]model.SyncOp, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ops: %w", err)
	}
	defer rows.Close()

	var out []model.SyncOp
	for rows.Next() {
		op, err := scanOp(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

func scanOp(row scanner) (model.SyncOp, error) {
	var op model.SyncOp
	var et, kind, state string
	var payload, lastErr sql.NullString
	err := row.Scan(&op.OpID, &op.Seq, &et, &op.EntityID, &kind, &payload,
		&op.LocalTimestamp, &op.AttemptCount, &state, &op.NextAttemptAt, &lastErr)
	if err != nil {
		return op, err
	}
	op.EntityType = model.EntityType(et)
	op.Op = model.OpKind(kind)
	op.State = model.OpState(state)
	op.LastError = lastErr.String
	if payload.Valid {
		op.Payload = json.RawMessage(payload.String)
	}
	return op, nil
}
