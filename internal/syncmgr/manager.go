// Package syncmgr replicates the local op log to the remote authority.
//
// Ops drain in append order per entity, in batches. Acknowledged ops are
// purged and the local row is reconciled with the authority's canonical
// state. Ops the authority refuses or asks to retry back off exponentially
// and become dead letters once their attempt budget is spent. When the
// authority is unreachable no attempts are spent and the manager goes
// offline: reads keep being served locally and writes keep
// queueing, and the next retrieval triggers a resync before it is trusted.
package syncmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/rcliao/storyloom/internal/errs"
	"github.com/rcliao/storyloom/internal/model"
	"github.com/rcliao/storyloom/internal/remote"
	"github.com/rcliao/storyloom/internal/store"
)

// Config tunes a Manager.
type Config struct {
	// ClientID identifies this cache to the authority. Defaults to a random UUID.
	ClientID    string
	BatchSize   int
	MaxAttempts int
	Backoff     BackoffPolicy
	// Interval is the background drain period used by Run.
	Interval time.Duration
	// CallTimeout bounds each push to the authority.
	CallTimeout time.Duration
}

// DefaultConfig returns the default sync settings.
func DefaultConfig() Config {
	return Config{
		BatchSize:   64,
		MaxAttempts: 8,
		Backoff:     DefaultBackoff(),
		Interval:    30 * time.Second,
		CallTimeout: 30 * time.Second,
	}
}

// Pinger is implemented by authorities that can report reachability without
// a push.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Report summarizes one drain.
type Report struct {
	Sent              int  `json:"sent"`
	Acknowledged      int  `json:"acknowledged"`
	ConflictsResolved int  `json:"conflicts_resolved"`
	Failed            int  `json:"failed"`
	DeadLettered      int  `json:"dead_lettered"`
	Remaining         int  `json:"remaining"`
	Offline           bool `json:"offline"`
}

// Manager drains the op log. It is safe for concurrent use; concurrent
// drains collapse into one.
type Manager struct {
	ops  store.OpLog
	auth remote.Authority
	cfg  Config
	log  *slog.Logger

	group   singleflight.Group
	trigger chan struct{}

	mu          sync.Mutex
	offline     bool
	needsResync bool
	lastSync    time.Time

	now func() time.Time
}

// New creates a Manager. The cache starts out needing a resync.
func New(ops store.OpLog, auth remote.Authority, cfg Config, logger *slog.Logger) *Manager {
	def := DefaultConfig()
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		ops:         ops,
		auth:        auth,
		cfg:         cfg,
		log:         logger,
		trigger:     make(chan struct{}, 1),
		needsResync: true,
		now:         time.Now,
	}
}

// SetClock replaces the manager's clock.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// SyncCache drains every due op. Concurrent calls share one drain.
//
// Unreachability is not an error: the report comes back with Offline set
// and the ops stay queued. The error is non-nil only for local storage
// failures, or wraps errs.ErrDeadLetter when ops were parked this drain.
func (m *Manager) SyncCache(ctx context.Context) (*Report, error) {
	v, err, _ := m.group.Do("drain", func() (interface{}, error) {
		return m.drain(ctx)
	})
	rep, _ := v.(*Report)
	return rep, err
}

func (m *Manager) drain(ctx context.Context) (*Report, error) {
	rep := &Report{}
	reachable := false

	for {
		ops, err := m.ops.DueOps(ctx, m.now().UnixMilli(), m.cfg.BatchSize)
		if err != nil {
			return rep, fmt.Errorf("load due ops: %w", err)
		}
		if len(ops) == 0 {
			break
		}

		progressed, online, err := m.sendBatch(ctx, ops, rep)
		if err != nil {
			return rep, err
		}
		if !online {
			rep.Offline = true
			break
		}
		reachable = true
		if !progressed {
			break
		}
	}

	if rep.Sent == 0 && !rep.Offline {
		if p, ok := m.auth.(Pinger); ok {
			pctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
			err := p.Ping(pctx)
			cancel()
			if err != nil {
				m.log.Debug("authority ping failed", "error", err)
				rep.Offline = true
			} else {
				reachable = true
			}
		} else {
			reachable = true
		}
	}
	m.setOnline(reachable && !rep.Offline)

	n, err := m.ops.PendingCount(ctx)
	if err != nil {
		return rep, fmt.Errorf("count pending ops: %w", err)
	}
	rep.Remaining = n

	m.log.Info("sync drain finished",
		"sent", rep.Sent, "acknowledged", rep.Acknowledged, "conflicts", rep.ConflictsResolved,
		"failed", rep.Failed, "dead_lettered", rep.DeadLettered, "remaining", rep.Remaining,
		"offline", rep.Offline)

	if rep.DeadLettered > 0 {
		return rep, fmt.Errorf("%w: %d ops parked", errs.ErrDeadLetter, rep.DeadLettered)
	}
	return rep, nil
}

// sendBatch pushes one batch and records every outcome. It reports whether
// any op left the queue and whether the authority was reachable.
func (m *Manager) sendBatch(ctx context.Context, ops []model.SyncOp, rep *Report) (progressed, online bool, err error) {
	ids := make([]string, len(ops))
	for i, op := range ops {
		ids[i] = op.OpID
	}
	if err := m.ops.MarkInFlight(ctx, ids); err != nil {
		return false, false, fmt.Errorf("mark in flight: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	resp, pushErr := m.auth.Push(callCtx, remote.PushRequest{ClientID: m.cfg.ClientID, Ops: ops})
	cancel()
	rep.Sent += len(ops)

	if pushErr != nil {
		// Leave state as it was when the caller gave up.
		if ctx.Err() != nil {
			for _, op := range ops {
				if err := m.ops.ReleaseOp(context.WithoutCancel(ctx), op.OpID); err != nil {
					m.log.Warn("release op after cancel", "op_id", op.OpID, "error", err)
				}
			}
			return false, false, ctx.Err()
		}
		// An outage is not the op's fault: keep its attempt count and leave
		// it due for the next drain.
		if errs.IsTransient(pushErr) {
			now := m.now().UnixMilli()
			for _, op := range ops {
				if err := m.ops.FailOp(ctx, op.OpID, op.AttemptCount, now, pushErr.Error()); err != nil {
					return false, false, fmt.Errorf("requeue op %s: %w", op.OpID, err)
				}
			}
			m.log.Warn("authority unreachable", "ops", len(ops), "error", pushErr)
			return false, false, nil
		}
		for _, op := range ops {
			if err := m.fail(ctx, op, pushErr.Error(), rep); err != nil {
				return false, false, err
			}
		}
		m.log.Error("push refused", "ops", len(ops), "error", pushErr)
		return true, true, nil
	}

	byID := make(map[string]model.SyncOp, len(ops))
	for _, op := range ops {
		byID[op.OpID] = op
	}
	for _, res := range resp.Results {
		op, ok := byID[res.OpID]
		if !ok {
			m.log.Warn("authority returned unknown op", "op_id", res.OpID)
			continue
		}
		delete(byID, res.OpID)

		switch res.Status {
		case remote.StatusAcknowledged, remote.StatusConflictResolved:
			if err := m.ops.AckOp(ctx, op.OpID, res.Canonical); err != nil {
				return progressed, true, fmt.Errorf("ack op %s: %w", op.OpID, err)
			}
			if res.Status == remote.StatusConflictResolved {
				rep.ConflictsResolved++
				m.log.Info("conflict resolved by authority", "op_id", op.OpID, "entity", op.EntityKey())
			} else {
				rep.Acknowledged++
			}
			progressed = true
		case remote.StatusRejected:
			if err := m.deadLetter(ctx, op, op.AttemptCount+1, res.Error, rep); err != nil {
				return progressed, true, err
			}
			progressed = true
		case remote.StatusBlocked:
			if err := m.ops.ReleaseOp(ctx, op.OpID); err != nil {
				return progressed, true, err
			}
		default:
			if err := m.fail(ctx, op, res.Error, rep); err != nil {
				return progressed, true, err
			}
			progressed = true
		}
	}
	// Ops the authority did not answer for are released untouched.
	for id := range byID {
		if err := m.ops.ReleaseOp(ctx, id); err != nil {
			return progressed, true, err
		}
	}
	return progressed, true, nil
}

// fail counts an attempt, scheduling a retry or parking the op once the
// attempt budget is spent.
func (m *Manager) fail(ctx context.Context, op model.SyncOp, reason string, rep *Report) error {
	attempts := op.AttemptCount + 1
	if attempts >= m.cfg.MaxAttempts {
		return m.deadLetter(ctx, op, attempts, reason, rep)
	}
	next := m.now().Add(m.cfg.Backoff.Delay(attempts))
	if err := m.ops.FailOp(ctx, op.OpID, attempts, next.UnixMilli(), reason); err != nil {
		return fmt.Errorf("fail op %s: %w", op.OpID, err)
	}
	rep.Failed++
	m.log.Debug("op failed, retry scheduled",
		"op_id", op.OpID, "attempts", attempts, "next_attempt_at", next, "error", reason)
	return nil
}

func (m *Manager) deadLetter(ctx context.Context, op model.SyncOp, attempts int, reason string, rep *Report) error {
	if err := m.ops.DeadLetterOp(ctx, op.OpID, attempts, reason); err != nil {
		return fmt.Errorf("dead letter op %s: %w", op.OpID, err)
	}
	rep.DeadLettered++
	m.log.Error("op moved to dead letters",
		"op_id", op.OpID, "entity", op.EntityKey(), "attempts", attempts, "error", reason)
	return nil
}

func (m *Manager) setOnline(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if online {
		if m.offline {
			m.log.Info("authority reachable again")
		}
		m.offline = false
		m.needsResync = false
		m.lastSync = m.now()
		return
	}
	if !m.offline {
		m.log.Warn("working offline; writes stay queued")
	}
	m.offline = true
	m.needsResync = true
}

// Offline reports whether the last drain found the authority unreachable.
func (m *Manager) Offline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offline
}

// LastSync returns when the authority was last reached.
func (m *Manager) LastSync() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSync
}

// EnsureFresh resyncs once if the cache has not been reconciled since
// startup or since going offline. It reports false when the authority could
// not be reached, meaning local state may be stale. It never fails.
func (m *Manager) EnsureFresh(ctx context.Context) bool {
	m.mu.Lock()
	need := m.needsResync
	m.mu.Unlock()
	if !need {
		return true
	}

	rep, err := m.SyncCache(ctx)
	if err != nil && !errors.Is(err, errs.ErrDeadLetter) {
		m.log.Warn("resync before retrieval failed", "error", err)
		return false
	}
	return rep != nil && !rep.Offline
}

// Trigger requests a drain from the background loop. Triggers issued while
// one is pending collapse into it.
func (m *Manager) Trigger() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

// Run drains on every tick and trigger until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.log.Info("sync loop started", "interval", m.cfg.Interval, "client_id", m.cfg.ClientID)
	for {
		select {
		case <-ctx.Done():
			m.log.Info("sync loop stopped")
			return
		case <-ticker.C:
		case <-m.trigger:
		}
		if _, err := m.SyncCache(ctx); err != nil && ctx.Err() == nil {
			m.log.Error("sync drain", "error", err)
		}
	}
}

// DeadLetters lists parked ops.
func (m *Manager) DeadLetters(ctx context.Context) ([]model.SyncOp, error) {
	return m.ops.DeadLetters(ctx)
}

// Requeue returns a dead letter to the queue with a fresh attempt budget.
func (m *Manager) Requeue(ctx context.Context, opID string) error {
	if err := m.ops.RequeueDeadLetter(ctx, opID); err != nil {
		return err
	}
	m.log.Info("dead letter requeued", "op_id", opID)
	m.Trigger()
	return nil
}
