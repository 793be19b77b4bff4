package taskbridgesdk

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandSendsBodyAndToken(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"operation":"complete","from":"in_progress","to":"in_review","task":{"id":"30000001","title":"Login"},"award":{"user_id":"1001","points_added":50}}`)
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	res, err := c.Complete(context.Background(), "30000001", "page is done")
	require.NoError(t, err)
	assert.Equal(t, "/v0/tasks/30000001/complete", gotPath)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "page is done", gotBody["comment"])
	assert.Equal(t, "in_review", res.To)
	require.NotNil(t, res.Award)
	assert.Equal(t, 50, res.Award.PointsAdded)
}

func TestReleaseWithoutReasonSendsNoBody(t *testing.T) {
	var length int64 = -1
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		length = r.ContentLength
		io.WriteString(w, `{"operation":"release"}`)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "tok").Release(context.Background(), "30000001", "")
	require.NoError(t, err)
	assert.Equal(t, int64(0), length)
}

func TestErrorEnvelopeIsDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"code":"rate_limited","message":"too many take requests","details":{"retry_after_seconds":42}}}`)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "tok").Take(context.Background(), "30000001", "")
	require.Error(t, err)
	assert.True(t, IsCode(err, "rate_limited"))
	var ae *APIError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusTooManyRequests, ae.StatusCode)
	wait, ok := ae.RetryAfter()
	require.True(t, ok)
	assert.Equal(t, 42*time.Second, wait)
}

func TestNonEnvelopeErrorKeepsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").Dashboard(context.Background())
	var ae *APIError
	require.ErrorAs(t, err, &ae)
	assert.Empty(t, ae.Code)
	assert.Contains(t, ae.Error(), "upstream down")
}

func TestEventsPageQuery(t *testing.T) {
	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		io.WriteString(w, `{"items":[{"id":4,"type":"task.taken","entity_id":"30000001"}],"next_cursor":"4"}`)
	}))
	defer srv.Close()

	page, err := New(srv.URL, "tok").EventsPage(context.Background(), 1, "9")
	require.NoError(t, err)
	assert.Equal(t, "cursor=9&limit=1", query)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "4", page.NextCursor)
}

func TestListEventsFilters(t *testing.T) {
	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		io.WriteString(w, `{"items":[]}`)
	}))
	defer srv.Close()

	page, err := New(srv.URL, "tok").ListEvents(context.Background(), EventsQuery{Type: "task.completed", ActorID: "1001", Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, "actor_id=1001&limit=5&type=task.completed", query)
	assert.Empty(t, page.NextCursor)
}
