package retrieval

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/storyloom/internal/errs"
	"github.com/rcliao/storyloom/internal/model"
	"github.com/rcliao/storyloom/internal/store"
)

func newEngine(t *testing.T, opts Options, frags ...model.MemoryFragment) *Engine {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.Options{Dims: 3})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	for _, f := range frags {
		require.NoError(t, s.PutFragment(context.Background(), f, store.WriteOpts{}))
	}
	opts.Dims = 3
	return New(s, opts)
}

func frag(id string, kind model.Kind, ts int64, emb ...float32) model.MemoryFragment {
	return model.MemoryFragment{
		ReferenceID: id, SessionID: "s1", Text: id, Kind: kind, Timestamp: ts, Embedding: emb,
	}
}

func ids(fs []model.MemoryFragment) []string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = f.ReferenceID
	}
	return out
}

func TestRetrieveRanksBySimilarity(t *testing.T) {
	e := newEngine(t, Options{},
		frag("f1", model.KindPlot, 100, 1, 0, 0),
		frag("f2", model.KindPlot, 200, 0, 1, 0),
	)
	ctx := context.Background()

	res, err := e.Retrieve(ctx, "s1", []float32{1, 0, 0}, 1, Filters{})
	require.NoError(t, err)
	assert.Equal(t, []string{"f1"}, ids(res.Fragments))
	assert.False(t, res.Stale)

	res, err = e.Retrieve(ctx, "s1", []float32{1, 0, 0}, 2, Filters{})
	require.NoError(t, err)
	assert.Equal(t, []string{"f1", "f2"}, ids(res.Fragments))
	assert.Greater(t, res.Fragments[0].Score, res.Fragments[1].Score)
}

func TestRetrieveTieBreaksOnRecency(t *testing.T) {
	e := newEngine(t, Options{},
		frag("old", model.KindStory, 100, 0, 1, 0),
		frag("new", model.KindStory, 300, 0, 1, 0),
		frag("mid", model.KindStory, 200, 0, 1, 0),
	)

	res, err := e.Retrieve(context.Background(), "s1", []float32{0, 1, 0}, 3, Filters{})
	require.NoError(t, err)
	assert.Equal(t, []string{"new", "mid", "old"}, ids(res.Fragments))
}

func TestRetrieveFilters(t *testing.T) {
	withRole := frag("r1", model.KindDialogue, 50, 1, 0, 0)
	withRole.RoleID = "dialogue-gen"
	other := frag("x", model.KindDialogue, 60, 1, 0, 0)
	other.SessionID = "s2"
	e := newEngine(t, Options{},
		frag("p1", model.KindPlot, 10, 1, 0, 0),
		frag("d1", model.KindDialogue, 20, 1, 0, 0),
		withRole, other,
	)
	ctx := context.Background()

	res, err := e.Retrieve(ctx, "s1", []float32{1, 0, 0}, 10, Filters{Kind: model.KindDialogue})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"d1", "r1"}, ids(res.Fragments))

	res, err = e.Retrieve(ctx, "s1", []float32{1, 0, 0}, 10, Filters{RoleID: "dialogue-gen"})
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, ids(res.Fragments))
}

func TestRetrieveEmptyAndValidation(t *testing.T) {
	e := newEngine(t, Options{})
	ctx := context.Background()

	res, err := e.Retrieve(ctx, "nobody", []float32{1, 0, 0}, 5, Filters{})
	require.NoError(t, err)
	assert.Empty(t, res.Fragments)

	_, err = e.Retrieve(ctx, "s1", []float32{1, 0}, 5, Filters{})
	assert.ErrorIs(t, err, errs.ErrValidation)

	_, err = e.Retrieve(ctx, "s1", nil, 5, Filters{})
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestRetrieveRecencyFallback(t *testing.T) {
	e := newEngine(t, Options{},
		frag("ranked", model.KindStory, 10, 1, 0, 0),
		frag("bare-old", model.KindStory, 20),
		frag("bare-new", model.KindStory, 30),
	)
	ctx := context.Background()

	res, err := e.Retrieve(ctx, "s1", []float32{1, 0, 0}, 5, Filters{})
	require.NoError(t, err)
	assert.Equal(t, []string{"ranked"}, ids(res.Fragments), "fallback is off by default")

	on := true
	res, err = e.Retrieve(ctx, "s1", []float32{1, 0, 0}, 2, Filters{RecencyFallback: &on})
	require.NoError(t, err)
	assert.Equal(t, []string{"ranked", "bare-new"}, ids(res.Fragments))
}

type fixedFreshness bool

func (f fixedFreshness) EnsureFresh(context.Context) bool { return bool(f) }

func TestRetrieveStaleFlag(t *testing.T) {
	e := newEngine(t, Options{Freshness: fixedFreshness(false)},
		frag("f1", model.KindPlot, 100, 1, 0, 0),
	)

	res, err := e.Retrieve(context.Background(), "s1", []float32{1, 0, 0}, 1, Filters{})
	require.NoError(t, err)
	assert.True(t, res.Stale)
	assert.Equal(t, []string{"f1"}, ids(res.Fragments))

	e.SetFreshness(fixedFreshness(true))
	res, err = e.Retrieve(context.Background(), "s1", []float32{1, 0, 0}, 1, Filters{})
	require.NoError(t, err)
	assert.False(t, res.Stale)
}
