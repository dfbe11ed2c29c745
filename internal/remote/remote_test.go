package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskline/internal/domain"
)

func item(entryID int64, taskID string, op domain.Operation, updatedAt string) Item {
	return Item{
		EntryID:   entryID,
		TaskID:    taskID,
		Operation: op,
		Payload: domain.Task{
			ID:         taskID,
			Title:      "title " + taskID,
			CreatedAt:  "2026-01-01T00:00:00.000000Z",
			UpdatedAt:  updatedAt,
			SyncStatus: domain.SyncPending,
		},
	}
}

func TestHTTPClientExchange(t *testing.T) {
	var gotHeader string
	var gotReq ExchangeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get(BatchHeader)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		out := ExchangeResponse{}
		for _, it := range gotReq.Items {
			out.Outcomes = append(out.Outcomes, Outcome{EntryID: it.EntryID, TaskID: it.TaskID, Status: StatusSuccess})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	}))
	defer srv.Close()

	c, err := NewHTTPClient(srv.URL, time.Second)
	require.NoError(t, err)
	outcomes, err := c.Exchange(context.Background(), []Item{
		item(1, "a", domain.OpCreate, "2026-01-01T00:00:00.000000Z"),
		item(2, "b", domain.OpCreate, "2026-01-01T00:00:01.000000Z"),
	})
	require.NoError(t, err)
	assert.Equal(t, "2", gotHeader)
	require.Len(t, gotReq.Items, 2)
	assert.Equal(t, "title a", gotReq.Items[0].Payload.Title)
	require.Len(t, outcomes, 2)
	assert.Equal(t, int64(2), outcomes[1].EntryID)
	assert.Equal(t, StatusSuccess, outcomes[1].Status)
}

func TestHTTPClientErrors(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		body      string
		malformed bool
	}{
		{name: "server error is transport", status: http.StatusServiceUnavailable, body: "down", malformed: false},
		{name: "rejected batch", status: http.StatusBadRequest, body: `{"error":"bad"}`, malformed: true},
		{name: "not json", status: http.StatusOK, body: "<html>", malformed: true},
		{name: "missing outcomes", status: http.StatusOK, body: `{"results":[]}`, malformed: true},
		{name: "outcome without status", status: http.StatusOK, body: `{"outcomes":[{"task_id":"a"}]}`, malformed: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()
			c, err := NewHTTPClient(srv.URL, time.Second)
			require.NoError(t, err)
			_, err = c.Exchange(context.Background(), []Item{item(1, "a", domain.OpCreate, "x")})
			require.Error(t, err)
			assert.Equal(t, tc.malformed, errors.Is(err, ErrMalformedResponse))
		})
	}
}

func TestHTTPClientKeepsUnknownOutcomeStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"outcomes":[{"task_id":"a","status":"maybe"}]}`))
	}))
	defer srv.Close()
	c, err := NewHTTPClient(srv.URL, time.Second)
	require.NoError(t, err)
	outcomes, err := c.Exchange(context.Background(), []Item{item(1, "a", domain.OpCreate, "x")})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "maybe", outcomes[0].Status)
}

func TestHTTPClientNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()
	c, err := NewHTTPClient(url, time.Second)
	require.NoError(t, err)
	_, err = c.Exchange(context.Background(), []Item{item(1, "a", domain.OpCreate, "x")})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrMalformedResponse))
}

func TestNewHTTPClientRequiresEndpoint(t *testing.T) {
	_, err := NewHTTPClient(" ", time.Second)
	require.Error(t, err)
}

func TestAuthorityIdempotentCreateUpdateDelete(t *testing.T) {
	a := NewAuthority()
	ctx := context.Background()

	create := item(1, "a", domain.OpCreate, "2026-01-01T00:00:00.000000Z")
	out, err := a.Exchange(ctx, []Item{create})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, StatusSuccess, out[0].Status)
	require.NotNil(t, out[0].ResolvedSnapshot)
	require.NotNil(t, out[0].ResolvedSnapshot.ServerID)
	sid := *out[0].ResolvedSnapshot.ServerID
	assert.Regexp(t, `^srv-`, sid)

	// replay of the same create keeps the server id
	out, err = a.Exchange(ctx, []Item{create})
	require.NoError(t, err)
	assert.Equal(t, sid, *out[0].ResolvedSnapshot.ServerID)

	upd := item(2, "a", domain.OpUpdate, "2026-01-01T00:00:05.000000Z")
	upd.Payload.Title = "renamed"
	out, err = a.Exchange(ctx, []Item{upd})
	require.NoError(t, err)
	assert.Equal(t, "renamed", out[0].ResolvedSnapshot.Title)

	// stale update loses to the newer canonical state
	stale := item(3, "a", domain.OpUpdate, "2026-01-01T00:00:01.000000Z")
	stale.Payload.Title = "stale"
	out, err = a.Exchange(ctx, []Item{stale})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, out[0].Status)
	assert.Equal(t, "renamed", out[0].ResolvedSnapshot.Title)

	del := item(4, "a", domain.OpDelete, "2026-01-01T00:00:06.000000Z")
	for i := 0; i < 2; i++ {
		out, err = a.Exchange(ctx, []Item{del})
		require.NoError(t, err)
		assert.Equal(t, StatusSuccess, out[0].Status)
		assert.True(t, out[0].ResolvedSnapshot.IsDeleted)
	}
	canon, ok := a.Task("a")
	require.True(t, ok)
	assert.True(t, canon.IsDeleted)
	assert.Equal(t, 6, a.Exchanges())
}

func TestAuthorityUpdateOfUnknownTaskUpserts(t *testing.T) {
	ctx := context.Background()
	a := NewAuthority()
	out, err := a.Exchange(ctx, []Item{item(2, "late", domain.OpUpdate, "2026-01-01T00:00:02.000000Z")})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, StatusSuccess, out[0].Status)
	require.NotNil(t, out[0].ResolvedSnapshot)
	require.NotNil(t, out[0].ResolvedSnapshot.ServerID)
	assert.Regexp(t, `^srv-`, *out[0].ResolvedSnapshot.ServerID)
	serverID := *out[0].ResolvedSnapshot.ServerID

	// the older create arriving afterwards keeps the newer state and server id
	out, err = a.Exchange(ctx, []Item{item(1, "late", domain.OpCreate, "2026-01-01T00:00:01.000000Z")})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, out[0].Status)
	assert.Equal(t, "2026-01-01T00:00:02.000000Z", out[0].ResolvedSnapshot.UpdatedAt)
	assert.Equal(t, serverID, *out[0].ResolvedSnapshot.ServerID)

	canon, ok := a.Task("late")
	require.True(t, ok)
	assert.False(t, canon.IsDeleted)
}

func TestAuthorityWriteAfterDelete(t *testing.T) {
	ctx := context.Background()
	a := NewAuthority()
	_, err := a.Exchange(ctx, []Item{
		item(1, "a", domain.OpCreate, "2026-01-01T00:00:01.000000Z"),
		item(3, "a", domain.OpDelete, "2026-01-01T00:00:03.000000Z"),
	})
	require.NoError(t, err)

	stale := item(2, "a", domain.OpUpdate, "2026-01-01T00:00:02.000000Z")
	stale.Payload.Title = "stale"
	out, err := a.Exchange(ctx, []Item{stale})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, out[0].Status, "a write older than the delete is absorbed")
	assert.True(t, out[0].ResolvedSnapshot.IsDeleted)
	assert.Equal(t, "title a", out[0].ResolvedSnapshot.Title)

	newer := item(4, "a", domain.OpUpdate, "2026-01-01T00:00:04.000000Z")
	out, err = a.Exchange(ctx, []Item{newer})
	require.NoError(t, err)
	assert.True(t, out[0].Rejected(), "a write newer than the delete is refused")

	canon, ok := a.Task("a")
	require.True(t, ok)
	assert.True(t, canon.IsDeleted)
}

func TestAuthorityRejectsDeleteOfUnknownTask(t *testing.T) {
	a := NewAuthority()
	out, err := a.Exchange(context.Background(), []Item{item(1, "ghost", domain.OpDelete, "x")})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, StatusFailure, out[0].Status)
	assert.True(t, out[0].Rejected())
	_, ok := a.Task("ghost")
	assert.False(t, ok)
}

func TestAuthorityFailureInjection(t *testing.T) {
	a := NewAuthority()
	yes := true
	a.Intercept = func(it Item) *Outcome {
		if it.TaskID == "b" {
			return &Outcome{EntryID: it.EntryID, TaskID: it.TaskID, Status: StatusFailure, Error: "busy", Retryable: &yes}
		}
		return nil
	}
	out, err := a.Exchange(context.Background(), []Item{
		item(1, "a", domain.OpCreate, "x"),
		item(2, "b", domain.OpCreate, "x"),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, out[0].Status)
	assert.Equal(t, StatusFailure, out[1].Status)
	assert.False(t, out[1].Rejected())

	a.SetTransportError(errors.New("unreachable"))
	_, err = a.Exchange(context.Background(), nil)
	require.EqualError(t, err, "unreachable")
}

func TestAuthorityDelayHonoursContext(t *testing.T) {
	a := NewAuthority()
	a.Delay = time.Second
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := a.Exchange(ctx, []Item{item(1, "a", domain.OpCreate, "x")})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, a.Exchanges())
}
