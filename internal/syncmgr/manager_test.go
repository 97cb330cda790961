package syncmgr

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/storyloom/internal/errs"
	"github.com/rcliao/storyloom/internal/model"
	"github.com/rcliao/storyloom/internal/remote"
	"github.com/rcliao/storyloom/internal/retrieval"
	"github.com/rcliao/storyloom/internal/store"
)

// flakyAuthority fronts a real ledger and can be switched offline.
type flakyAuthority struct {
	ledger *remote.Ledger
	down   atomic.Bool
	pushes atomic.Int32

	mu    sync.Mutex
	acked map[string]int
	// override replaces the ledger's verdict for every op when set.
	override remote.OpStatus
	// gate, when set, blocks Push until closed.
	gate    chan struct{}
	entered chan struct{}
}

func (f *flakyAuthority) Push(ctx context.Context, req remote.PushRequest) (*remote.PushResponse, error) {
	f.pushes.Add(1)
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.gate != nil {
		<-f.gate
	}
	if f.down.Load() {
		return nil, errs.Transient(errors.New("connection refused"))
	}
	if f.override != "" {
		resp := &remote.PushResponse{}
		for _, op := range req.Ops {
			resp.Results = append(resp.Results, remote.OpResult{OpID: op.OpID, Status: f.override, Error: "refused"})
		}
		return resp, nil
	}

	resp, err := f.ledger.Push(ctx, req)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	for _, r := range resp.Results {
		if r.Status.Applied() {
			f.acked[r.OpID]++
		}
	}
	f.mu.Unlock()
	return resp, nil
}

func (f *flakyAuthority) Ping(ctx context.Context) error {
	if f.down.Load() {
		return errs.Transient(errors.New("connection refused"))
	}
	return nil
}

type fixture struct {
	store *store.SQLiteStore
	auth  *flakyAuthority
	mgr   *Manager
	clock time.Time
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "cache.db"), store.Options{Dims: 3})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	l, err := remote.OpenLedger(filepath.Join(dir, "ledger.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	f := &fixture{store: s, auth: &flakyAuthority{ledger: l, acked: map[string]int{}}, clock: time.UnixMilli(1_000_000)}
	cfg.Backoff = BackoffPolicy{Initial: time.Second, Max: time.Minute, Multiplier: 2}
	f.mgr = New(s, f.auth, cfg, nil)
	f.mgr.SetClock(func() time.Time { return f.clock })
	return f
}

func (f *fixture) advance(d time.Duration) { f.clock = f.clock.Add(d) }

func (f *fixture) putFragment(t *testing.T, id string) {
	t.Helper()
	err := f.store.PutFragment(context.Background(), model.MemoryFragment{
		ReferenceID: id, SessionID: "s1", Text: id, Kind: model.KindPlot,
		Timestamp: 100, Embedding: []float32{1, 0, 0},
	}, store.WriteOpts{})
	require.NoError(t, err)
}

func TestOfflineWritesReplayExactlyOnce(t *testing.T) {
	f := newFixture(t, Config{BatchSize: 4})
	ctx := context.Background()

	f.auth.down.Store(true)
	const n = 10
	for i := 0; i < n; i++ {
		f.putFragment(t, fmt.Sprintf("f%d", i))
	}

	rep, err := f.mgr.SyncCache(ctx)
	require.NoError(t, err)
	assert.True(t, rep.Offline)
	assert.True(t, f.mgr.Offline())
	assert.Equal(t, n, rep.Remaining)

	f.auth.down.Store(false)
	f.advance(time.Hour)
	rep, err = f.mgr.SyncCache(ctx)
	require.NoError(t, err)
	assert.False(t, rep.Offline)
	assert.Equal(t, n, rep.Acknowledged)
	assert.Zero(t, rep.Remaining)

	pending, err := f.store.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending, "op log must be empty")

	assert.Len(t, f.auth.acked, n)
	for id, count := range f.auth.acked {
		assert.Equal(t, 1, count, "op %s acknowledged more than once", id)
	}

	got, err := f.store.GetFragment(ctx, "f3")
	require.NoError(t, err)
	assert.NotZero(t, got.Seq, "canonical seq reconciled")
}

func TestBackoffHoldsFailedOps(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.putFragment(t, "f1")

	f.auth.override = remote.StatusRetry
	rep, err := f.mgr.SyncCache(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)
	f.auth.override = ""

	before := f.auth.pushes.Load()
	rep, err = f.mgr.SyncCache(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, f.auth.pushes.Load(), "op must wait out its backoff")
	assert.Equal(t, 1, rep.Remaining)

	f.advance(2 * time.Second)
	rep, err = f.mgr.SyncCache(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Acknowledged)
}

func TestDeadLetterAfterMaxAttempts(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 3})
	ctx := context.Background()
	f.putFragment(t, "f1")
	f.auth.override = remote.StatusRetry

	for i := 0; i < 2; i++ {
		_, err := f.mgr.SyncCache(ctx)
		require.NoError(t, err)
		f.advance(time.Hour)
	}
	rep, err := f.mgr.SyncCache(ctx)
	assert.ErrorIs(t, err, errs.ErrDeadLetter)
	assert.Equal(t, 1, rep.DeadLettered)
	assert.Zero(t, rep.Remaining)

	dead, err := f.mgr.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 3, dead[0].AttemptCount)

	f.auth.override = ""
	require.NoError(t, f.mgr.Requeue(ctx, dead[0].OpID))
	rep, err = f.mgr.SyncCache(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Acknowledged)

	assert.ErrorIs(t, f.mgr.Requeue(ctx, dead[0].OpID), errs.ErrNotFound)
}

func TestLongOutageKeepsAttemptBudget(t *testing.T) {
	f := newFixture(t, Config{MaxAttempts: 3})
	ctx := context.Background()

	const n = 5
	for i := 0; i < n; i++ {
		f.putFragment(t, fmt.Sprintf("f%d", i))
	}

	f.auth.down.Store(true)
	for i := 0; i < 20; i++ {
		rep, err := f.mgr.SyncCache(ctx)
		require.NoError(t, err, "drain %d", i)
		assert.True(t, rep.Offline)
		assert.Zero(t, rep.DeadLettered)
		f.advance(30 * time.Second)
	}

	ops, err := f.store.ListOps(ctx)
	require.NoError(t, err)
	require.Len(t, ops, n)
	for _, op := range ops {
		assert.Zero(t, op.AttemptCount, "outage must not spend attempts of %s", op.OpID)
		assert.Contains(t, op.LastError, "connection refused")
	}

	f.auth.down.Store(false)
	rep, err := f.mgr.SyncCache(ctx)
	require.NoError(t, err)
	assert.Equal(t, n, rep.Acknowledged)
	assert.Zero(t, rep.DeadLettered)
	assert.Zero(t, rep.Remaining)

	dead, err := f.mgr.DeadLetters(ctx)
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestRejectedOpIsParkedImmediately(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.putFragment(t, "f1")
	f.auth.override = remote.StatusRejected

	rep, err := f.mgr.SyncCache(ctx)
	assert.ErrorIs(t, err, errs.ErrDeadLetter)
	assert.Equal(t, 1, rep.DeadLettered)
	assert.False(t, rep.Offline)
}

func TestConflictResolvedUpdatesCache(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	// Another client already holds version 1 of the lineage.
	_, err := f.auth.ledger.Push(ctx, remote.PushRequest{ClientID: "c2", Ops: []model.SyncOp{{
		OpID: "x", EntityType: model.EntityMessage, EntityID: "theirs", Op: model.OpUpsert,
		Payload: []byte(`{"id":"theirs","session_id":"s1","role":"editor","version":1,"status":"success"}`),
	}}})
	require.NoError(t, err)

	require.NoError(t, f.store.SaveSession(ctx, model.StorySession{ID: "s1", StoryID: "st", Kind: model.KindStory}, store.WriteOpts{}))
	require.NoError(t, f.store.InsertMessage(ctx, model.Message{
		ID: "mine", SessionID: "s1", Role: "editor", Version: 1, Status: model.StatusSuccess, Content: "mine",
	}, store.WriteOpts{}))

	rep, err := f.mgr.SyncCache(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.ConflictsResolved)

	got, err := f.store.GetMessage(ctx, "mine")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version, "local copy takes the authority's lineage slot")
	assert.Equal(t, "mine", got.Content)
}

func TestEnsureFreshAndStaleRetrieval(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.putFragment(t, "f1")

	engine := retrieval.New(f.store, retrieval.Options{Dims: 3, Freshness: f.mgr})

	f.auth.down.Store(true)
	res, err := engine.Retrieve(ctx, "s1", []float32{1, 0, 0}, 1, retrieval.Filters{})
	require.NoError(t, err, "unreachable authority must not fail retrieval")
	assert.True(t, res.Stale)
	require.Len(t, res.Fragments, 1)
	assert.Equal(t, "f1", res.Fragments[0].ReferenceID)

	f.auth.down.Store(false)
	f.advance(time.Hour)
	res, err = engine.Retrieve(ctx, "s1", []float32{1, 0, 0}, 1, retrieval.Filters{})
	require.NoError(t, err)
	assert.False(t, res.Stale)

	pushes := f.auth.pushes.Load()
	assert.True(t, f.mgr.EnsureFresh(ctx))
	assert.Equal(t, pushes, f.auth.pushes.Load(), "a fresh cache does not resync")
}

func TestConcurrentDrainsCollapse(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.putFragment(t, "f1")

	f.auth.gate = make(chan struct{})
	f.auth.entered = make(chan struct{}, 1)

	var wg sync.WaitGroup
	reports := make([]*Report, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		reports[0], _ = f.mgr.SyncCache(ctx)
	}()
	<-f.auth.entered

	wg.Add(1)
	go func() {
		defer wg.Done()
		reports[1], _ = f.mgr.SyncCache(ctx)
	}()
	time.Sleep(20 * time.Millisecond)
	close(f.auth.gate)
	wg.Wait()

	assert.EqualValues(t, 1, f.auth.pushes.Load())
	assert.Equal(t, 1, reports[0].Acknowledged)
	assert.Same(t, reports[0], reports[1])
}

func TestCancelledDrainReleasesOps(t *testing.T) {
	f := newFixture(t, Config{})
	f.putFragment(t, "f1")

	f.auth.down.Store(true)
	f.auth.gate = make(chan struct{})
	f.auth.entered = make(chan struct{}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := f.mgr.SyncCache(ctx)
		errc <- err
	}()
	<-f.auth.entered
	cancel()
	close(f.auth.gate)
	assert.ErrorIs(t, <-errc, context.Canceled)

	ops, err := f.store.ListOps(context.Background())
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, model.OpPending, ops[0].State)
	assert.Zero(t, ops[0].AttemptCount)
}
