package model

import "encoding/json"

// EntityType names the replicated tables.
type EntityType string

const (
	EntityFragment EntityType = "fragment"
	EntityMessage  EntityType = "message"
	EntitySession  EntityType = "session"
)

// OpKind is the mutation an op replicates.
type OpKind string

const (
	OpUpsert OpKind = "upsert"
	OpDelete OpKind = "delete"
)

// OpState is the replication state of a SyncOp. Acknowledged ops are purged,
// so there is no acknowledged state on disk.
type OpState string

const (
	OpPending    OpState = "pending"
	OpInFlight   OpState = "in_flight"
	OpFailed     OpState = "failed"
	OpDeadLetter OpState = "dead_letter"
)

// SyncOp is one local mutation waiting for the remote authority.
// Seq is the local append order; ops of one entity replicate in Seq order.
type SyncOp struct {
	OpID           string          `json:"op_id"`
	Seq            int64           `json:"seq"`
	EntityType     EntityType      `json:"entity_type"`
	EntityID       string          `json:"entity_id"`
	Op             OpKind          `json:"op"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	LocalTimestamp int64           `json:"local_timestamp"`
	AttemptCount   int             `json:"attempt_count"`
	State          OpState         `json:"state"`
	NextAttemptAt  int64           `json:"next_attempt_at,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
}

// EntityKey identifies the entity an op belongs to.
func (o *SyncOp) EntityKey() string {
	return string(o.EntityType) + ":" + o.EntityID
}

// Canonical is the authority's state of an entity after it applied an op.
// Data holds the entity JSON and is empty when Deleted is set.
type Canonical struct {
	EntityType EntityType      `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Seq        int64           `json:"seq"`
	Deleted    bool            `json:"deleted,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}
