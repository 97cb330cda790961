// Package retrieval ranks a session's memory fragments against a query
// embedding.
//
// Ranking is a linear cosine scan over a snapshot of the session taken at
// call time. Memory sets are bounded by a session's lifetime, so no
// approximate index is kept.
package retrieval

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/rcliao/storyloom/internal/embedding"
	"github.com/rcliao/storyloom/internal/errs"
	"github.com/rcliao/storyloom/internal/model"
	"github.com/rcliao/storyloom/internal/store"
)

// Source supplies a consistent snapshot of a session's fragments.
type Source interface {
	Snapshot(ctx context.Context, sessionID string, f store.FragmentFilter) ([]model.MemoryFragment, error)
}

// Freshness gates retrieval on a resync with the remote authority.
// EnsureFresh reports false when the local cache may be stale.
type Freshness interface {
	EnsureFresh(ctx context.Context) bool
}

// Options configures an Engine.
type Options struct {
	// Dims is the expected query dimensionality. Zero disables the check.
	Dims int
	// RecencyFallback appends unembedded fragments, newest first, after the
	// ranked ones.
	RecencyFallback bool
	Freshness       Freshness
	Logger          *slog.Logger
}

// Filters narrows the candidate set.
type Filters struct {
	Kind   model.Kind
	RoleID string
	// RecencyFallback overrides Options.RecencyFallback when set.
	RecencyFallback *bool
}

// Result is a ranked retrieval. Stale is set when the remote authority could
// not be reached and the ranking used local state only.
type Result struct {
	Fragments []model.MemoryFragment `json:"fragments"`
	Stale     bool                   `json:"stale"`
}

// Engine is the retrieval engine.
type Engine struct {
	src  Source
	opts Options
	log  *slog.Logger
}

// New creates an Engine over src.
func New(src Source, opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Engine{src: src, opts: opts, log: log}
}

// SetFreshness installs the freshness gate after construction.
func (e *Engine) SetFreshness(f Freshness) { e.opts.Freshness = f }

// Retrieve returns up to k fragments of the session, most relevant first.
// Equal scores rank the newer fragment first. No candidates is an empty
// result, not an error.
func (e *Engine) Retrieve(ctx context.Context, sessionID string, query []float32, k int, f Filters) (*Result, error) {
	if len(query) == 0 {
		return nil, errs.Validation("query embedding is empty")
	}
	if e.opts.Dims > 0 && len(query) != e.opts.Dims {
		return nil, errs.Validation("query embedding has %d dimensions, expected %d", len(query), e.opts.Dims)
	}
	if k < 0 {
		return nil, errs.Validation("k must be non-negative, got %d", k)
	}

	res := &Result{Fragments: []model.MemoryFragment{}}
	if e.opts.Freshness != nil && !e.opts.Freshness.EnsureFresh(ctx) {
		res.Stale = true
	}
	if k == 0 {
		return res, nil
	}

	candidates, err := e.src.Snapshot(ctx, sessionID, store.FragmentFilter{Kind: f.Kind, RoleID: f.RoleID})
	if err != nil {
		return nil, fmt.Errorf("snapshot session %s: %w", sessionID, err)
	}

	var scored, unscored []model.MemoryFragment
	for _, c := range candidates {
		if len(c.Embedding) != len(query) {
			unscored = append(unscored, c)
			continue
		}
		c.Score = embedding.CosineSimilarity(query, c.Embedding)
		scored = append(scored, c)
	}

	slices.SortFunc(scored, func(a, b model.MemoryFragment) int {
		return cmp.Or(
			cmp.Compare(b.Score, a.Score),
			cmp.Compare(b.Timestamp, a.Timestamp),
			cmp.Compare(a.ReferenceID, b.ReferenceID),
		)
	})
	if len(scored) > k {
		scored = scored[:k]
	}
	res.Fragments = append(res.Fragments, scored...)

	fallback := e.opts.RecencyFallback
	if f.RecencyFallback != nil {
		fallback = *f.RecencyFallback
	}
	if fallback && len(res.Fragments) < k {
		slices.SortFunc(unscored, func(a, b model.MemoryFragment) int {
			return cmp.Or(
				cmp.Compare(b.Timestamp, a.Timestamp),
				cmp.Compare(a.ReferenceID, b.ReferenceID),
			)
		})
		for _, u := range unscored {
			if len(res.Fragments) == k {
				break
			}
			u.Score = 0
			res.Fragments = append(res.Fragments, u)
		}
	}

	e.log.Debug("retrieved fragments",
		"session_id", sessionID, "candidates", len(candidates), "returned", len(res.Fragments), "stale", res.Stale)
	return res, nil
}
