// Package remote implements the remote authority: the wire protocol, an HTTP
// client for it, and the authority's own ledger and HTTP server.
//
// The authority assigns every accepted op a server sequence. Entities are
// last-write-wins by that sequence, except message lineages: two messages
// claiming the same (parent, role, version) slot are both kept and the later
// one is renumbered to the end of the lineage.
package remote

import (
	"context"

	"github.com/rcliao/storyloom/internal/model"
)

// OpStatus is the authority's verdict on one op.
type OpStatus string

const (
	// StatusAcknowledged: applied as sent.
	StatusAcknowledged OpStatus = "acknowledged"
	// StatusConflictResolved: applied, but the canonical state differs from
	// what was sent. Not an error.
	StatusConflictResolved OpStatus = "conflict_resolved"
	// StatusRejected: permanently refused. Resending cannot succeed.
	StatusRejected OpStatus = "rejected"
	// StatusRetry: the authority failed transiently.
	StatusRetry OpStatus = "retry"
	// StatusBlocked: an earlier op of the same entity in the batch did not
	// apply, so this one was not attempted.
	StatusBlocked OpStatus = "blocked"
)

// Applied reports whether the op is durably reflected by the authority.
func (s OpStatus) Applied() bool {
	return s == StatusAcknowledged || s == StatusConflictResolved
}

// PushRequest is a batch of ops from one client, in local append order.
type PushRequest struct {
	ClientID string         `json:"client_id"`
	Ops      []model.SyncOp `json:"ops"`
}

// OpResult is the outcome of one op.
type OpResult struct {
	OpID      string           `json:"op_id"`
	Status    OpStatus         `json:"status"`
	Canonical *model.Canonical `json:"canonical,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// PushResponse carries one result per op, in request order.
type PushResponse struct {
	Results []OpResult `json:"results"`
}

// Authority accepts batched ops. A returned error means the batch as a whole
// did not reach the authority.
type Authority interface {
	Push(ctx context.Context, req PushRequest) (*PushResponse, error)
}
