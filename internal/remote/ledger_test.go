package remote

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/storyloom/internal/errs"
	"github.com/rcliao/storyloom/internal/model"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := OpenLedger(filepath.Join(t.TempDir(), "ledger.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func upsertOp(t *testing.T, opID string, et model.EntityType, id string, v any) model.SyncOp {
	t.Helper()
	payload, err := json.Marshal(v)
	require.NoError(t, err)
	return model.SyncOp{OpID: opID, EntityType: et, EntityID: id, Op: model.OpUpsert, Payload: payload}
}

func push(t *testing.T, l *Ledger, ops ...model.SyncOp) []OpResult {
	t.Helper()
	resp, err := l.Push(context.Background(), PushRequest{ClientID: "c1", Ops: ops})
	require.NoError(t, err)
	require.Len(t, resp.Results, len(ops))
	return resp.Results
}

func TestLedgerAcknowledgesAndAssignsSeq(t *testing.T) {
	l := newTestLedger(t)
	f := model.MemoryFragment{ReferenceID: "f1", SessionID: "s1", Text: "a", Kind: model.KindPlot}

	res := push(t, l,
		upsertOp(t, "op1", model.EntityFragment, "f1", f),
		upsertOp(t, "op2", model.EntityFragment, "f1", f),
	)
	assert.Equal(t, StatusAcknowledged, res[0].Status)
	assert.Equal(t, StatusAcknowledged, res[1].Status)
	assert.Greater(t, res[1].Canonical.Seq, res[0].Canonical.Seq)

	canon, err := l.Get(context.Background(), model.EntityFragment, "f1")
	require.NoError(t, err)
	assert.Equal(t, res[1].Canonical.Seq, canon.Seq)
}

func TestLedgerDedupesResentOps(t *testing.T) {
	l := newTestLedger(t)
	f := model.MemoryFragment{ReferenceID: "f1", SessionID: "s1", Text: "a", Kind: model.KindPlot}
	op := upsertOp(t, "op1", model.EntityFragment, "f1", f)

	first := push(t, l, op)
	again := push(t, l, op)
	assert.Equal(t, StatusAcknowledged, again[0].Status)
	assert.Equal(t, first[0].Canonical.Seq, again[0].Canonical.Seq, "resend must not be applied twice")
}

func TestLedgerRejectsAndBlocks(t *testing.T) {
	l := newTestLedger(t)
	bad := model.MemoryFragment{ReferenceID: "f1", SessionID: "s1", Kind: "poem"}
	good := model.MemoryFragment{ReferenceID: "f1", SessionID: "s1", Kind: model.KindStory}
	other := model.MemoryFragment{ReferenceID: "f2", SessionID: "s1", Kind: model.KindStory}

	res := push(t, l,
		upsertOp(t, "op1", model.EntityFragment, "f1", bad),
		upsertOp(t, "op2", model.EntityFragment, "f1", good),
		upsertOp(t, "op3", model.EntityFragment, "f2", other),
	)
	assert.Equal(t, StatusRejected, res[0].Status)
	assert.NotEmpty(t, res[0].Error)
	assert.Equal(t, StatusBlocked, res[1].Status)
	assert.Equal(t, StatusAcknowledged, res[2].Status)

	_, err := l.Get(context.Background(), model.EntityFragment, "f1")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestLedgerFragmentDelete(t *testing.T) {
	l := newTestLedger(t)
	f := model.MemoryFragment{ReferenceID: "f1", SessionID: "s1", Kind: model.KindStory}

	res := push(t, l,
		upsertOp(t, "op1", model.EntityFragment, "f1", f),
		model.SyncOp{OpID: "op2", EntityType: model.EntityFragment, EntityID: "f1", Op: model.OpDelete},
	)
	assert.Equal(t, StatusAcknowledged, res[1].Status)
	assert.True(t, res[1].Canonical.Deleted)

	res = push(t, l, model.SyncOp{OpID: "op3", EntityType: model.EntityMessage, EntityID: "m1", Op: model.OpDelete})
	assert.Equal(t, StatusRejected, res[0].Status)
}

func TestLedgerKeepsBothLineageVersions(t *testing.T) {
	l := newTestLedger(t)
	mine := model.Message{ID: "a", SessionID: "s1", Role: "editor", ParentID: "p", Version: 2, Status: model.StatusSuccess, Content: "mine"}
	theirs := model.Message{ID: "b", SessionID: "s1", Role: "editor", ParentID: "p", Version: 2, Status: model.StatusSuccess, Content: "theirs"}

	res := push(t, l,
		upsertOp(t, "op1", model.EntityMessage, "a", mine),
		upsertOp(t, "op2", model.EntityMessage, "b", theirs),
	)
	assert.Equal(t, StatusAcknowledged, res[0].Status)
	require.Equal(t, StatusConflictResolved, res[1].Status)

	var canon model.Message
	require.NoError(t, json.Unmarshal(res[1].Canonical.Data, &canon))
	assert.Equal(t, 3, canon.Version)
	assert.Equal(t, "theirs", canon.Content)

	lineage, err := l.Lineage(context.Background(), "a")
	require.NoError(t, err)
	require.Len(t, lineage, 2)
	assert.Equal(t, "a", lineage[0].ID)
	assert.Equal(t, "b", lineage[1].ID)
}

func TestLedgerFinishedMessageStaysFinished(t *testing.T) {
	l := newTestLedger(t)
	done := model.Message{ID: "m1", SessionID: "s1", Role: "editor", Version: 1, Status: model.StatusSuccess, Content: "text"}
	stale := done
	stale.Status, stale.Content = model.StatusPending, ""

	push(t, l, upsertOp(t, "op1", model.EntityMessage, "m1", done))
	res := push(t, l, upsertOp(t, "op2", model.EntityMessage, "m1", stale))
	require.Equal(t, StatusConflictResolved, res[0].Status)

	var canon model.Message
	require.NoError(t, json.Unmarshal(res[0].Canonical.Data, &canon))
	assert.Equal(t, model.StatusSuccess, canon.Status)
	assert.Equal(t, "text", canon.Content)
}

func TestLedgerSessionTimestampsMerge(t *testing.T) {
	l := newTestLedger(t)
	first := model.StorySession{ID: "s1", StoryID: "st", Kind: model.KindStory, CreatedAt: 100, UpdatedAt: 500}
	late := model.StorySession{ID: "s1", StoryID: "st", Title: "renamed", Kind: model.KindStory, CreatedAt: 200, UpdatedAt: 300}

	push(t, l, upsertOp(t, "op1", model.EntitySession, "s1", first))
	res := push(t, l, upsertOp(t, "op2", model.EntitySession, "s1", late))
	require.Equal(t, StatusConflictResolved, res[0].Status)

	var canon model.StorySession
	require.NoError(t, json.Unmarshal(res[0].Canonical.Data, &canon))
	assert.Equal(t, "renamed", canon.Title)
	assert.EqualValues(t, 100, canon.CreatedAt)
	assert.GreaterOrEqual(t, canon.UpdatedAt, int64(500))
}
