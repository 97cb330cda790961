package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/rcliao/storyloom/internal/errs"
	"github.com/rcliao/storyloom/internal/model"
)

const listPageSize = 256

const fragmentColumns = `reference_id, session_id, text, kind, timestamp, role_id, embedding, pinned, source_message_id, seq`

// ValidateFragment checks a fragment against the store's invariants.
func (s *SQLiteStore) ValidateFragment(f *model.MemoryFragment) error {
	if strings.TrimSpace(f.ReferenceID) == "" {
		return errs.Validation("fragment reference id is required")
	}
	if f.SessionID == "" {
		return errs.Validation("fragment %s: session id is required", f.ReferenceID)
	}
	if !model.ValidKinds[f.Kind] {
		return errs.Validation("fragment %s: invalid kind %q", f.ReferenceID, f.Kind)
	}
	if s.dims > 0 && f.HasEmbedding() && len(f.Embedding) != s.dims {
		return errs.Validation("fragment %s: embedding has %d dimensions, store expects %d",
			f.ReferenceID, len(f.Embedding), s.dims)
	}
	return nil
}

// PutFragment inserts or overwrites a fragment by reference id.
func (s *SQLiteStore) PutFragment(ctx context.Context, f model.MemoryFragment, w WriteOpts) error {
	if err := s.ValidateFragment(&f); err != nil {
		return err
	}
	if f.Timestamp == 0 {
		f.Timestamp = s.nowMillis()
	}
	f.Score = 0

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := upsertFragment(ctx, tx, f); err != nil {
			return err
		}
		if err := s.touchSession(ctx, tx, f.SessionID); err != nil {
			return err
		}
		if w.FromSync {
			return nil
		}
		return s.appendOp(ctx, tx, model.EntityFragment, f.ReferenceID, model.OpUpsert, f)
	})
}

// GetFragment returns the fragment with the given reference id.
func (s *SQLiteStore) GetFragment(ctx context.Context, referenceID string) (*model.MemoryFragment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+fragmentColumns+` FROM fragments WHERE reference_id = ?`, referenceID)
	f, err := scanFragment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("fragment", referenceID)
	}
	if err != nil {
		return nil, fmt.Errorf("get fragment: %w", err)
	}
	return &f, nil
}

// ListBySession yields the session's fragments ordered by timestamp, then
// reference id. Pages are fetched lazily with a keyset cursor, so no SQLite
// cursor is held while the caller consumes a fragment.
func (s *SQLiteStore) ListBySession(ctx context.Context, sessionID string, kind model.Kind) iter.Seq2[model.MemoryFragment, error] {
	return func(yield func(model.MemoryFragment, error) bool) {
		var lastTS int64
		var lastID string
		first := true
		for {
			page, err := s.fragmentPage(ctx, sessionID, kind, first, lastTS, lastID)
			if err != nil {
				yield(model.MemoryFragment{}, err)
				return
			}
			for _, f := range page {
				if !yield(f, nil) {
					return
				}
			}
			if len(page) < listPageSize {
				return
			}
			last := page[len(page)-1]
			lastTS, lastID, first = last.Timestamp, last.ReferenceID, false
		}
	}
}

func (s *SQLiteStore) fragmentPage(ctx context.Context, sessionID string, kind model.Kind, first bool, lastTS int64, lastID string) ([]model.MemoryFragment, error) {
	where := []string{"session_id = ?"}
	args := []interface{}{sessionID}
	if kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(kind))
	}
	if !first {
		where = append(where, "(timestamp > ? OR (timestamp = ? AND reference_id > ?))")
		args = append(args, lastTS, lastTS, lastID)
	}
	args = append(args, listPageSize)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fragmentColumns+` FROM fragments
		 WHERE `+strings.Join(where, " AND ")+`
		 ORDER BY timestamp ASC, reference_id ASC
		 LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("list fragments: %w", err)
	}
	defer rows.Close()

	var page []model.MemoryFragment
	for rows.Next() {
		f, err := scanFragment(rows)
		if err != nil {
			return nil, err
		}
		page = append(page, f)
	}
	return page, rows.Err()
}

// Snapshot reads every fragment of a session matching the filter in a
// single statement, giving a consistent view for ranking.
func (s *SQLiteStore) Snapshot(ctx context.Context, sessionID string, f FragmentFilter) ([]model.MemoryFragment, error) {
	where := []string{"session_id = ?"}
	args := []interface{}{sessionID}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.RoleID != "" {
		where = append(where, "role_id = ?")
		args = append(args, f.RoleID)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fragmentColumns+` FROM fragments
		 WHERE `+strings.Join(where, " AND ")+`
		 ORDER BY timestamp ASC, reference_id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("snapshot fragments: %w", err)
	}
	defer rows.Close()

	var out []model.MemoryFragment
	for rows.Next() {
		fr, err := scanFragment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, fr)
	}
	return out, rows.Err()
}

// DeleteFragment removes a fragment. An absent fragment is not an error and
// appends no op.
func (s *SQLiteStore) DeleteFragment(ctx context.Context, referenceID string, w WriteOpts) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var sessionID string
		err := tx.QueryRowContext(ctx,
			`SELECT session_id FROM fragments WHERE reference_id = ?`, referenceID).Scan(&sessionID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("lookup fragment: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM fragments WHERE reference_id = ?`, referenceID); err != nil {
			return fmt.Errorf("delete fragment: %w", err)
		}
		if err := s.touchSession(ctx, tx, sessionID); err != nil {
			return err
		}
		if w.FromSync {
			return nil
		}
		return s.appendOp(ctx, tx, model.EntityFragment, referenceID, model.OpDelete, nil)
	})
}

func upsertFragment(ctx context.Context, tx *sql.Tx, f model.MemoryFragment) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO fragments (`+fragmentColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(reference_id) DO UPDATE SET
			session_id = excluded.session_id,
			text = excluded.text,
			kind = excluded.kind,
			timestamp = excluded.timestamp,
			role_id = excluded.role_id,
			embedding = excluded.embedding,
			pinned = excluded.pinned,
			source_message_id = excluded.source_message_id,
			seq = excluded.seq`,
		f.ReferenceID, f.SessionID, f.Text, string(f.Kind), f.Timestamp,
		nullable(f.RoleID), encodeEmbedding(f.Embedding), boolInt(f.Pinned),
		nullable(f.SourceMessageID), f.Seq)
	if err != nil {
		return fmt.Errorf("upsert fragment: %w", err)
	}
	return nil
}

func scanFragment(row scanner) (model.MemoryFragment, error) {
	var f model.MemoryFragment
	var kind string
	var roleID, sourceMsg sql.NullString
	var embedding []byte
	var pinned int

	err := row.Scan(&f.ReferenceID, &f.SessionID, &f.Text, &kind, &f.Timestamp,
		&roleID, &embedding, &pinned, &sourceMsg, &f.Seq)
	if err != nil {
		return f, err
	}
	f.Kind = model.Kind(kind)
	f.RoleID = roleID.String
	f.SourceMessageID = sourceMsg.String
	f.Embedding = decodeEmbedding(embedding)
	f.Pinned = pinned != 0
	return f, nil
}
