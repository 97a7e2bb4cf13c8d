package asana

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/taskpilot/tracker"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := New(Config{
		BaseURL:        srv.URL,
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxRetryAfter:  50 * time.Millisecond,
	}, WithToken("test-token"))
	require.NoError(t, err)
	return c
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestNew_RequiresToken(t *testing.T) {
	t.Setenv("TASKPILOT_TEST_EMPTY_TOKEN", "")
	_, err := New(Config{TokenEnv: "TASKPILOT_TEST_EMPTY_TOKEN"})
	assert.ErrorContains(t, err, "TASKPILOT_TEST_EMPTY_TOKEN")

	t.Setenv("TASKPILOT_TEST_TOKEN", "abc")
	c, err := New(Config{TokenEnv: "TASKPILOT_TEST_TOKEN"})
	require.NoError(t, err)
	assert.Equal(t, "abc", c.token)
}

func TestFetchIncompleteTasks(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "now", r.URL.Query().Get("completed_since"))

		switch r.URL.Path {
		case "/projects/p1/tasks":
			if r.URL.Query().Get("offset") == "" {
				writeJSON(t, w, map[string]any{
					"data":      []map[string]any{{"gid": "1", "name": "One", "notes": "n1"}},
					"next_page": map[string]any{"offset": "tok"},
				})
				return
			}
			assert.Equal(t, "tok", r.URL.Query().Get("offset"))
			writeJSON(t, w, map[string]any{
				"data": []map[string]any{
					{"gid": "2", "name": "Two"},
					{"gid": "9", "name": "Done", "completed": true},
				},
				"next_page": nil,
			})
		case "/projects/p2/tasks":
			writeJSON(t, w, map[string]any{
				"data": []map[string]any{{"gid": "2", "name": "Two"}, {"gid": "3", "name": "Three"}},
			})
		default:
			http.NotFound(w, r)
		}
	}))

	tasks, err := c.FetchIncompleteTasks(context.Background(), []string{"p1", "p2"})
	require.NoError(t, err)

	assert.Equal(t, []tracker.Task{
		{ID: "1", Name: "One", Notes: "n1"},
		{ID: "2", Name: "Two"},
		{ID: "3", Name: "Three"},
	}, tasks)
}

func TestFetchIncompleteTasks_FailedProjectIsSkipped(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/projects/bad/tasks" {
			http.Error(w, `{"errors":[{"message":"Not a project"}]}`, http.StatusNotFound)
			return
		}
		writeJSON(t, w, map[string]any{"data": []map[string]any{{"gid": "1", "name": "One"}}})
	}))

	tasks, err := c.FetchIncompleteTasks(context.Background(), []string{"bad", "good"})
	assert.ErrorContains(t, err, "project bad")
	assert.Len(t, tasks, 1)
}

func TestFetchComments(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tasks/t1/stories", r.URL.Path)
		writeJSON(t, w, map[string]any{"data": []map[string]any{
			{"gid": "s1", "type": "system", "text": "added to project"},
			{
				"gid": "s2", "type": "comment", "text": "Can you retry?",
				"created_at": "2026-03-01T12:00:00.000Z",
				"created_by": map[string]any{"name": "Dana"},
			},
			{"gid": "s3", "type": "comment", "text": "orphan", "created_by": nil},
		}})
	}))

	comments, err := c.FetchComments(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, comments, 2)

	assert.Equal(t, tracker.Comment{
		ID: "s2", TaskID: "t1", Author: "Dana", Text: "Can you retry?",
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}, comments[0])
	assert.Empty(t, comments[1].Author)
}

func TestAddCommentAndUpdateTitle(t *testing.T) {
	var (
		mu  sync.Mutex
		got []string
	)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body struct {
			Data map[string]string `json:"data"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		got = append(got, r.Method+" "+r.URL.Path+" "+body.Data["text"]+body.Data["name"])
		mu.Unlock()
		writeJSON(t, w, map[string]any{"data": map[string]any{}})
	}))

	ctx := context.Background()
	require.NoError(t, c.AddComment(ctx, "t1", "🤖 done"))
	require.NoError(t, c.UpdateTitle(ctx, "t1", "Research : stripe.com"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"POST /tasks/t1/stories 🤖 done",
		"PUT /tasks/t1 Research : stripe.com",
	}, got)
}

func TestRetry_ServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeJSON(t, w, map[string]any{"data": []any{}})
	}))

	_, err := c.FetchComments(context.Background(), "t1")
	require.NoError(t, err)
	assert.EqualValues(t, 3, calls.Load())
}

func TestRetry_GivesUp(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	err := c.AddComment(context.Background(), "t1", "x")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.Code)
	assert.EqualValues(t, 4, calls.Load(), "initial attempt plus three retries")
}

func TestRetry_HonorsRetryAfter(t *testing.T) {
	var calls atomic.Int32
	var first atomic.Int64
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			first.Store(time.Now().UnixNano())
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		// The one-second header is capped at MaxRetryAfter.
		assert.GreaterOrEqual(t, time.Since(time.Unix(0, first.Load())), 50*time.Millisecond)
		writeJSON(t, w, map[string]any{"data": map[string]any{}})
	}))

	require.NoError(t, c.UpdateTitle(context.Background(), "t1", "x"))
	assert.EqualValues(t, 2, calls.Load())
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))

	err := c.AddComment(context.Background(), "t1", "x")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusForbidden, se.Code)
	assert.EqualValues(t, 1, calls.Load())
}

func TestCanceledContext(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := c.AddComment(ctx, "t1", "x")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRetryAfter(t *testing.T) {
	c := &Client{cfg: Config{MaxRetryAfter: time.Minute}}
	assert.Equal(t, 5*time.Second, c.retryAfter("5"))
	assert.Equal(t, time.Minute, c.retryAfter(""))
	assert.Equal(t, time.Minute, c.retryAfter("3600"))
	assert.Equal(t, time.Duration(0), c.retryAfter("-3"))
	assert.Equal(t, time.Duration(0), c.retryAfter(time.Now().Add(-time.Hour).UTC().Format(http.TimeFormat)))
}
