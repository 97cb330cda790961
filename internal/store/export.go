package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rcliao/storyloom/internal/model"
)

// SessionExport is the portable form of one session.
type SessionExport struct {
	Session   model.StorySession     `json:"session"`
	Messages  []model.Message        `json:"messages"`
	Fragments []model.MemoryFragment `json:"fragments"`
}

// ExportSession returns a session with its messages and fragments.
func (s *SQLiteStore) ExportSession(ctx context.Context, sessionID string) (*SessionExport, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	msgs, err := s.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	frags, err := s.Snapshot(ctx, sessionID, FragmentFilter{})
	if err != nil {
		return nil, err
	}
	return &SessionExport{Session: *sess, Messages: msgs, Fragments: frags}, nil
}

// ImportSession stores an export as authority state: existing rows are
// overwritten and nothing is queued for replication. Returns the number of
// rows written.
func (s *SQLiteStore) ImportSession(ctx context.Context, exp SessionExport) (int, error) {
	if !model.ValidKinds[exp.Session.Kind] {
		return 0, fmt.Errorf("import session %s: invalid kind %q", exp.Session.ID, exp.Session.Kind)
	}
	for i := range exp.Fragments {
		if exp.Fragments[i].SessionID != exp.Session.ID {
			return 0, fmt.Errorf("import: fragment %s belongs to session %s",
				exp.Fragments[i].ReferenceID, exp.Fragments[i].SessionID)
		}
		if err := s.ValidateFragment(&exp.Fragments[i]); err != nil {
			return 0, err
		}
	}

	imported := 0
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := upsertSession(ctx, tx, exp.Session); err != nil {
			return err
		}
		imported++
		for _, m := range exp.Messages {
			if err := validateMessage(&m); err != nil {
				return err
			}
			if err := upsertMessage(ctx, tx, m); err != nil {
				return err
			}
			imported++
		}
		for _, f := range exp.Fragments {
			if err := upsertFragment(ctx, tx, f); err != nil {
				return err
			}
			imported++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return imported, nil
}
