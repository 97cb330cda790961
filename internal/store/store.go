// Package store provides the local SQLite cache behind the memory store,
// the session orchestrator and the sync manager.
//
// Every local mutation appends a SyncOp to the op log in the same
// transaction as the mutation itself, so a write that returned success is
// always replayable. Writes that originate from the remote authority pass
// WriteOpts{FromSync: true} and append nothing.
package store

import (
	"context"
	"iter"

	"github.com/rcliao/storyloom/internal/model"
)

// WriteOpts qualifies a mutating call.
type WriteOpts struct {
	// FromSync marks a write applied from the remote authority; no op is
	// appended so the write is not replicated back.
	FromSync bool
}

// FragmentFilter narrows fragment listings.
type FragmentFilter struct {
	Kind   model.Kind
	RoleID string
}

// MemoryStore is the durable keyed collection of memory fragments.
type MemoryStore interface {
	// PutFragment inserts or overwrites a fragment by reference id.
	PutFragment(ctx context.Context, f model.MemoryFragment, w WriteOpts) error

	// GetFragment returns the fragment or an errs.ErrNotFound error.
	GetFragment(ctx context.Context, referenceID string) (*model.MemoryFragment, error)

	// ListBySession yields a session's fragments by ascending timestamp.
	// Each call starts a fresh scan.
	ListBySession(ctx context.Context, sessionID string, kind model.Kind) iter.Seq2[model.MemoryFragment, error]

	// DeleteFragment removes a fragment. Deleting an absent fragment is not an error.
	DeleteFragment(ctx context.Context, referenceID string, w WriteOpts) error
}

// SessionStore persists sessions and their message arena.
type SessionStore interface {
	SaveSession(ctx context.Context, s model.StorySession, w WriteOpts) error
	GetSession(ctx context.Context, id string) (*model.StorySession, error)
	ListSessions(ctx context.Context, storyID string) ([]model.StorySession, error)

	InsertMessage(ctx context.Context, m model.Message, w WriteOpts) error
	UpdateMessage(ctx context.Context, m model.Message, w WriteOpts) error
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	ListMessages(ctx context.Context, sessionID string) ([]model.Message, error)
	Lineage(ctx context.Context, sessionID, parentID, role string) ([]model.Message, error)
}

// OpLog is the write-ahead log of mutations awaiting replication.
type OpLog interface {
	DueOps(ctx context.Context, now int64, limit int) ([]model.SyncOp, error)
	MarkInFlight(ctx context.Context, opIDs []string) error
	AckOp(ctx context.Context, opID string, canonical *model.Canonical) error
	ReleaseOp(ctx context.Context, opID string) error
	FailOp(ctx context.Context, opID string, attempts int, nextAttemptAt int64, reason string) error
	DeadLetterOp(ctx context.Context, opID string, attempts int, reason string) error
	DeadLetters(ctx context.Context) ([]model.SyncOp, error)
	RequeueDeadLetter(ctx context.Context, opID string) error
	PendingCount(ctx context.Context) (int, error)
}

var (
	_ MemoryStore  = (*SQLiteStore)(nil)
	_ SessionStore = (*SQLiteStore)(nil)
	_ OpLog        = (*SQLiteStore)(nil)
)
