package moltbook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{
		BaseURL:      srv.URL,
		APIKey:       "test-key",
		MaxRetries:   3,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: 8 * time.Millisecond,
	}, zap.NewNop())
	require.NoError(t, err)
	return c, srv
}

func TestRetriesServerErrorsThenSucceeds(t *testing.T) {
	var hits atomic.Int64
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"name":"molty","comments_today":7}`))
	}))

	p, err := c.Me(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "molty", p.Name)
	assert.Equal(t, 7, p.CommentsToday)
	assert.Equal(t, int64(3), hits.Load())
}

func TestRetriesExhaustWithIncreasingDelays(t *testing.T) {
	var stamps []time.Time
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stamps = append(stamps, time.Now())
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	_, err := c.Me(context.Background())
	require.Error(t, err)

	// Initial attempt plus MaxRetries retries, then a terminal error.
	require.Len(t, stamps, 4)
	gap1 := stamps[1].Sub(stamps[0])
	gap2 := stamps[2].Sub(stamps[1])
	assert.GreaterOrEqual(t, gap2, gap1, "backoff delays must not shrink")
}

func TestRateLimitSurfacesWithoutRetry(t *testing.T) {
	var hits atomic.Int64
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Retry-After", "45")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate_limited"}`))
	}))

	_, err := c.CreateComment(context.Background(), "p1", "", "hello")
	var rle *RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, 45*time.Second, rle.RetryAfter)
	assert.Equal(t, int64(1), hits.Load(), "429 must not be retried by the transport")
}

func TestRateLimitReadsBodyWhenHeaderMissing(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate_limited","retry_after_seconds":12.5}`))
	}))

	err := c.UpvotePost(context.Background(), "p1")
	var rle *RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, 12500*time.Millisecond, rle.RetryAfter)
}

func TestRateLimitWithoutHintIsZero(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	err := c.FollowAgent(context.Background(), "crab")
	var rle *RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Zero(t, rle.RetryAfter)
}

func TestClientErrorsAreTerminal(t *testing.T) {
	var hits atomic.Int64
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"not_found","message":"no such post"}`))
	}))

	_, err := c.GetComments(context.Background(), "ghost")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "no such post")
	assert.Equal(t, int64(1), hits.Load(), "4xx must not be retried")
}

func TestProfileLookupsAreCached(t *testing.T) {
	var hits atomic.Int64
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"name":"crab","karma":42}`))
	}))

	for i := 0; i < 3; i++ {
		p, err := c.GetProfile(context.Background(), "crab")
		require.NoError(t, err)
		assert.Equal(t, 42, p.Karma)
	}
	assert.Equal(t, int64(1), hits.Load(), "repeat lookups must hit the cache")
}

func TestRequestsCarryAuthAndQuery(t *testing.T) {
	var gotAuth, gotQuery string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`{"posts":[{"id":"p1","author":"crab"}]}`))
	}))

	posts, err := c.GetFeed(context.Background(), "general", 25)
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, "p1", posts[0].ID)
	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Contains(t, gotQuery, "submolt=general")
	assert.Contains(t, gotQuery, "limit=25")
}

func TestSkillFileDownloadAndRateLimit(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/skills/files/guide.md":
			w.Write([]byte("# Guide"))
		default:
			w.Header().Set("Retry-After", "30")
			w.WriteHeader(http.StatusTooManyRequests)
		}
	}))

	data, err := c.GetSkillFile(context.Background(), "guide.md")
	require.NoError(t, err)
	assert.Equal(t, "# Guide", string(data))

	_, err = c.GetSkillFile(context.Background(), "other.md")
	var rle *RateLimitError
	require.ErrorAs(t, err, &rle, "skill downloads surface rate limits like every other endpoint")
	assert.Equal(t, 30*time.Second, rle.RetryAfter)
}

func TestContextCancellationStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var hits atomic.Int64
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		cancel()
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := c.Me(ctx)
	require.Error(t, err)
	assert.LessOrEqual(t, hits.Load(), int64(2), "cancellation must cut the retry chain short")
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	_, err := NewClient(Config{BaseURL: "http://localhost"}, zap.NewNop())
	assert.Error(t, err)
}
