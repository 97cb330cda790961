package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rcliao/storyloom/internal/errs"
	"github.com/rcliao/storyloom/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "test.db"), Options{Dims: 3})
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// newTestSession creates a story session with a fixed id.
func newTestSession(t *testing.T, s *SQLiteStore, id string) {
	t.Helper()
	err := s.SaveSession(context.Background(), model.StorySession{
		ID: id, StoryID: "story", Title: "Chapter 1", Kind: model.KindStory,
	}, WriteOpts{})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
}

func fragment(id, session string, ts int64) model.MemoryFragment {
	return model.MemoryFragment{
		ReferenceID: id,
		SessionID:   session,
		Text:        "text of " + id,
		Kind:        model.KindStory,
		Timestamp:   ts,
		Embedding:   []float32{1, 0, 0},
	}
}

func TestPutAndGetFragment(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	f := fragment("f1", "s1", 100)
	f.RoleID = "world-builder"
	f.Pinned = true
	if err := s.PutFragment(ctx, f, WriteOpts{}); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.GetFragment(ctx, "f1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Text != f.Text || got.RoleID != "world-builder" || !got.Pinned {
		t.Errorf("unexpected fragment: %+v", got)
	}
	if len(got.Embedding) != 3 || got.Embedding[0] != 1 {
		t.Errorf("embedding not round-tripped: %v", got.Embedding)
	}

	f.Text = "rewritten"
	s.PutFragment(ctx, f, WriteOpts{})
	got, _ = s.GetFragment(ctx, "f1")
	if got.Text != "rewritten" {
		t.Errorf("expected overwrite, got %q", got.Text)
	}
}

func TestGetFragmentNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetFragment(context.Background(), "missing")
	if !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPutFragmentValidation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	bad := fragment("f1", "s1", 1)
	bad.Embedding = []float32{1, 2}
	if err := s.PutFragment(ctx, bad, WriteOpts{}); !errors.Is(err, errs.ErrValidation) {
		t.Errorf("expected validation error for dims mismatch, got %v", err)
	}

	bad = fragment("f2", "s1", 1)
	bad.Kind = "poem"
	if err := s.PutFragment(ctx, bad, WriteOpts{}); !errors.Is(err, errs.ErrValidation) {
		t.Errorf("expected validation error for kind, got %v", err)
	}

	if err := s.PutFragment(ctx, fragment("", "s1", 1), WriteOpts{}); !errors.Is(err, errs.ErrValidation) {
		t.Errorf("expected validation error for empty id, got %v", err)
	}

	n, _ := s.PendingCount(ctx)
	if n != 0 {
		t.Errorf("rejected writes must not append ops, got %d", n)
	}

	unembedded := fragment("f3", "s1", 1)
	unembedded.Embedding = nil
	if err := s.PutFragment(ctx, unembedded, WriteOpts{}); err != nil {
		t.Errorf("fragments without embeddings are allowed: %v", err)
	}
}

func TestListBySessionOrdering(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	s.PutFragment(ctx, fragment("b", "s1", 200), WriteOpts{})
	s.PutFragment(ctx, fragment("c", "s1", 100), WriteOpts{})
	s.PutFragment(ctx, fragment("a", "s1", 200), WriteOpts{})
	s.PutFragment(ctx, fragment("x", "s2", 50), WriteOpts{})

	var ids []string
	for f, err := range s.ListBySession(ctx, "s1", "") {
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		ids = append(ids, f.ReferenceID)
	}
	want := []string{"c", "a", "b"}
	if fmt.Sprint(ids) != fmt.Sprint(want) {
		t.Errorf("expected %v, got %v", want, ids)
	}
}

func TestListBySessionPagesAndRestarts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	total := listPageSize + 44
	for i := 0; i < total; i++ {
		s.PutFragment(ctx, fragment(fmt.Sprintf("f%04d", i), "s1", int64(i%7)), WriteOpts{})
	}

	seq := s.ListBySession(ctx, "s1", model.KindStory)
	for pass := 0; pass < 2; pass++ {
		count := 0
		var lastTS int64
		for f, err := range seq {
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if f.Timestamp < lastTS {
				t.Fatalf("out of order at %s", f.ReferenceID)
			}
			lastTS = f.Timestamp
			count++
		}
		if count != total {
			t.Errorf("pass %d: expected %d fragments, got %d", pass, total, count)
		}
	}

	// Early break releases the scan.
	for range seq {
		break
	}
	if _, err := s.GetFragment(ctx, "f0001"); err != nil {
		t.Errorf("store unusable after early break: %v", err)
	}
}

func TestDeleteFragmentIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	s.PutFragment(ctx, fragment("f1", "s1", 1), WriteOpts{})
	if err := s.DeleteFragment(ctx, "f1", WriteOpts{}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteFragment(ctx, "f1", WriteOpts{}); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if _, err := s.GetFragment(ctx, "f1"); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("expected not found after delete, got %v", err)
	}

	ops, _ := s.ListOps(ctx)
	if len(ops) != 2 {
		t.Fatalf("expected upsert and one delete op, got %d", len(ops))
	}
	if ops[1].Op != model.OpDelete {
		t.Errorf("expected delete op, got %s", ops[1].Op)
	}
}

func TestWritesAppendOps(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	newTestSession(t, s, "s1")
	s.PutFragment(ctx, fragment("f1", "s1", 1), WriteOpts{})
	s.PutFragment(ctx, fragment("f2", "s1", 2), WriteOpts{FromSync: true})

	ops, err := s.ListOps(ctx)
	if err != nil {
		t.Fatalf("list ops: %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("expected 2 ops, got %d", len(ops))
	}
	if ops[0].EntityType != model.EntitySession || ops[1].EntityID != "f1" {
		t.Errorf("unexpected ops: %+v", ops)
	}
	if ops[1].State != model.OpPending || ops[1].Seq <= ops[0].Seq {
		t.Errorf("expected pending op appended after session op: %+v", ops[1])
	}
	if len(ops[1].Payload) == 0 {
		t.Error("expected op payload")
	}
}

func TestSessionUpdatedAtMonotonic(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	now := time.UnixMilli(1000)
	s.SetClock(func() time.Time { return now })
	newTestSession(t, s, "s1")

	now = time.UnixMilli(5000)
	s.PutFragment(ctx, fragment("f1", "s1", 1), WriteOpts{})
	sess, _ := s.GetSession(ctx, "s1")
	if sess.UpdatedAt != 5000 {
		t.Errorf("expected updated_at 5000, got %d", sess.UpdatedAt)
	}

	now = time.UnixMilli(3000)
	s.DeleteFragment(ctx, "f1", WriteOpts{})
	sess, _ = s.GetSession(ctx, "s1")
	if sess.UpdatedAt != 5000 {
		t.Errorf("updated_at moved backwards to %d", sess.UpdatedAt)
	}
}

func TestSaveSessionDuplicate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	newTestSession(t, s, "s1")
	err := s.SaveSession(ctx, model.StorySession{ID: "s1", StoryID: "story", Kind: model.KindStory}, WriteOpts{})
	if !errors.Is(err, errs.ErrValidation) {
		t.Errorf("expected validation error for duplicate session, got %v", err)
	}

	list, _ := s.ListSessions(ctx, "story")
	if len(list) != 1 {
		t.Errorf("expected 1 session, got %d", len(list))
	}
	list, _ = s.ListSessions(ctx, "other")
	if len(list) != 0 {
		t.Errorf("expected no sessions for other story, got %d", len(list))
	}
}

func TestMessageLineage(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	newTestSession(t, s, "s1")

	author := model.Message{ID: "m1", SessionID: "s1", Role: model.AuthorRole, Content: "hello", Status: model.StatusSuccess, Version: 1}
	if err := s.InsertMessage(ctx, author, WriteOpts{}); err != nil {
		t.Fatalf("insert author: %v", err)
	}

	for v := 1; v <= 3; v++ {
		next, _ := s.NextVersion(ctx, "s1", "m1", "editor")
		if next != v {
			t.Fatalf("expected next version %d, got %d", v, next)
		}
		reply := model.Message{
			ID: fmt.Sprintf("r%d", v), SessionID: "s1", Role: "editor",
			Status: model.StatusPending, ParentID: "m1", Version: next,
		}
		if err := s.InsertMessage(ctx, reply, WriteOpts{}); err != nil {
			t.Fatalf("insert reply v%d: %v", v, err)
		}
	}

	lineage, err := s.Lineage(ctx, "s1", "m1", "editor")
	if err != nil {
		t.Fatalf("lineage: %v", err)
	}
	if len(lineage) != 3 || lineage[2].Version != 3 {
		t.Fatalf("expected versions 1..3, got %+v", lineage)
	}

	stale := model.Message{ID: "r9", SessionID: "s1", Role: "editor", Status: model.StatusPending, ParentID: "m1", Version: 2}
	if err := s.InsertMessage(ctx, stale, WriteOpts{}); !errors.Is(err, errs.ErrValidation) {
		t.Errorf("expected validation error for non-increasing version, got %v", err)
	}
}

func TestInsertMessageParentMustExist(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	newTestSession(t, s, "s1")
	newTestSession(t, s, "s2")

	s.InsertMessage(ctx, model.Message{ID: "m1", SessionID: "s2", Role: model.AuthorRole, Status: model.StatusSuccess, Version: 1}, WriteOpts{})

	orphan := model.Message{ID: "m2", SessionID: "s1", Role: "editor", Status: model.StatusPending, ParentID: "m1", Version: 1}
	if err := s.InsertMessage(ctx, orphan, WriteOpts{}); !errors.Is(err, errs.ErrValidation) {
		t.Errorf("expected validation error for cross-session parent, got %v", err)
	}

	lost := model.Message{ID: "m3", SessionID: "nope", Role: model.AuthorRole, Status: model.StatusSuccess, Version: 1}
	if err := s.InsertMessage(ctx, lost, WriteOpts{}); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("expected not found for unknown session, got %v", err)
	}
}

func TestUpdateMessage(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	newTestSession(t, s, "s1")

	m := model.Message{ID: "m1", SessionID: "s1", Role: "editor", Status: model.StatusPending, Version: 1}
	s.InsertMessage(ctx, m, WriteOpts{})

	m.Content = "done"
	m.Status = model.StatusSuccess
	m.Version = 7
	if err := s.UpdateMessage(ctx, m, WriteOpts{}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ := s.GetMessage(ctx, "m1")
	if got.Content != "done" || got.Status != model.StatusSuccess {
		t.Errorf("update not persisted: %+v", got)
	}
	if got.Version != 1 {
		t.Errorf("version must not change on update, got %d", got.Version)
	}

	m.ID = "missing"
	if err := s.UpdateMessage(ctx, m, WriteOpts{}); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestDBPathCreation(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "sub", "dir", "test.db")
	s, err := Open(dbPath, Options{})
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	s.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("expected db file to be created")
	}
}
