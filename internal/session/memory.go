package session

import (
	"context"
	"fmt"

	"github.com/rcliao/storyloom/internal/chunker"
	"github.com/rcliao/storyloom/internal/model"
	"github.com/rcliao/storyloom/internal/store"
)

// RecordMemory stores a fragment in its session's memory. Missing reference
// ids, timestamps, kinds and embeddings are filled in.
func (o *Orchestrator) RecordMemory(ctx context.Context, f model.MemoryFragment) (*model.MemoryFragment, error) {
	sess, err := o.deps.Store.GetSession(ctx, f.SessionID)
	if err != nil {
		return nil, err
	}
	if len(f.Embedding) == 0 {
		f.Embedding = o.embed(ctx, f.Text)
	}

	unlock := o.locks.Lock(sess.ID)
	defer unlock()

	if err := o.putMemory(ctx, *sess, &f); err != nil {
		return nil, err
	}
	o.nudge()
	return &f, nil
}

// putMemory fills defaults and stores f. The caller holds the session lock.
func (o *Orchestrator) putMemory(ctx context.Context, sess model.StorySession, f *model.MemoryFragment) error {
	if err := validateFragment(f, sess); err != nil {
		return err
	}
	if f.ReferenceID == "" {
		f.ReferenceID = o.deps.Store.NewID()
	}
	if f.Timestamp == 0 {
		f.Timestamp = o.now().UnixMilli()
	}
	return o.deps.Store.PutFragment(ctx, *f, store.WriteOpts{})
}

// embed returns the embedding of text, or nil when no embedder is set or
// the call fails within CallTimeout. Never called under a session lock.
func (o *Orchestrator) embed(ctx context.Context, text string) []float32 {
	if o.deps.Embedder == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()
	vec, err := o.deps.Embedder.Embed(ctx, text)
	if err != nil {
		// Stored unembedded; recency fallback can still surface it.
		o.log.Warn("memory stored without embedding", "error", err)
		return nil
	}
	return vec
}

// passage is one embedded chunk of a message awaiting storage.
type passage struct {
	index int
	text  string
	vec   []float32
}

// embedPassages chunks content and embeds every chunk. One CallTimeout
// bounds the whole message.
func (o *Orchestrator) embedPassages(ctx context.Context, content string) []passage {
	chunks := chunker.Chunk(content, o.cfg.Chunk)
	if len(chunks) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()
	out := make([]passage, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, passage{index: c.Index, text: c.Text, vec: o.embed(ctx, c.Text)})
	}
	return out
}

// recordMessage stores the passages of a finished message as memory
// fragments and drops the fragments of versions it supersedes. The caller
// holds the session lock.
func (o *Orchestrator) recordMessage(ctx context.Context, sess model.StorySession, m model.Message, passages []passage) error {
	if err := o.dropSuperseded(ctx, m); err != nil {
		return err
	}
	for _, p := range passages {
		f := model.MemoryFragment{
			ReferenceID:     fmt.Sprintf("%s-%d", m.ID, p.index),
			SessionID:       sess.ID,
			Text:            p.text,
			Kind:            sess.Kind,
			Timestamp:       m.Timestamp,
			RoleID:          m.Role,
			SourceMessageID: m.ID,
			Embedding:       p.vec,
		}
		if err := o.putMemory(ctx, sess, &f); err != nil {
			return err
		}
	}
	return nil
}

// dropSuperseded deletes memories recorded from older versions of m's
// lineage. The versions themselves stay in the thread history.
func (o *Orchestrator) dropSuperseded(ctx context.Context, m model.Message) error {
	if m.Version <= 1 {
		return nil
	}
	versions, err := o.deps.Store.Lineage(ctx, m.SessionID, m.ParentID, m.Role)
	if err != nil {
		return err
	}
	older := make(map[string]bool)
	for _, v := range versions {
		if v.Version < m.Version {
			older[v.ID] = true
		}
	}

	var stale []string
	for f, err := range o.deps.Store.ListBySession(ctx, m.SessionID, "") {
		if err != nil {
			return err
		}
		if older[f.SourceMessageID] {
			stale = append(stale, f.ReferenceID)
		}
	}
	for _, id := range stale {
		if err := o.deps.Store.DeleteFragment(ctx, id, store.WriteOpts{}); err != nil {
			return err
		}
	}
	return nil
}
