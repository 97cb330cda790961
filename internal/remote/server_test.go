package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/storyloom/internal/errs"
	"github.com/rcliao/storyloom/internal/model"
)

func TestClientServerRoundTrip(t *testing.T) {
	l := newTestLedger(t)
	srv := httptest.NewServer(NewServer(l, nil))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	ctx := context.Background()
	require.NoError(t, c.Ping(ctx))

	f := model.MemoryFragment{ReferenceID: "f1", SessionID: "s1", Text: "hi", Kind: model.KindDialogue}
	resp, err := c.Push(ctx, PushRequest{ClientID: "c1", Ops: []model.SyncOp{
		upsertOp(t, "op1", model.EntityFragment, "f1", f),
	}})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, StatusAcknowledged, resp.Results[0].Status)

	httpResp, err := http.Get(srv.URL + "/v1/entities/fragment/f1")
	require.NoError(t, err)
	defer httpResp.Body.Close()
	assert.Equal(t, http.StatusOK, httpResp.StatusCode)
	var canon model.Canonical
	require.NoError(t, json.NewDecoder(httpResp.Body).Decode(&canon))
	assert.Equal(t, "f1", canon.EntityID)

	missing, err := http.Get(srv.URL + "/v1/messages/nope/lineage")
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestClientClassifiesFailures(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusServiceUnavailable)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	_, err := c.Push(context.Background(), PushRequest{})
	assert.True(t, errs.IsTransient(err))

	status.Store(http.StatusBadRequest)
	_, err = c.Push(context.Background(), PushRequest{})
	require.Error(t, err)
	assert.False(t, errs.IsTransient(err))

	srv.Close()
	_, err = c.Push(context.Background(), PushRequest{})
	assert.True(t, errs.IsTransient(err), "unreachable authority is transient")
}
