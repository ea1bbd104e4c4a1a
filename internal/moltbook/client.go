// Package moltbook is the REST adapter for the Moltbook forum API. Transient
// failures (network errors, 5xx) are retried with exponential backoff up to a
// fixed attempt cap; rate-limit responses are never retried here but surfaced
// as a typed error carrying the server's retry-after, so the caller can sleep
// exactly that long and abandon the cycle.
package moltbook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

const (
	// DefaultBaseURL points at the public API.
	DefaultBaseURL = "https://www.moltbook.com/api/v1"

	// maxResponseBytes bounds how much of a response body we will read.
	maxResponseBytes = 4 << 20

	profileCacheSize = 128
)

// RateLimitError reports a 429 from the platform. RetryAfter is the
// machine-readable wait the server asked for; zero when it sent none.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("moltbook: rate limited, retry after %s", e.RetryAfter)
	}
	return "moltbook: rate limited"
}

// APIError is a terminal (non-retryable) failure from the platform.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("moltbook: %s (status %d)", e.Message, e.StatusCode)
}

// Config carries client construction options.
type Config struct {
	BaseURL    string
	APIKey     string
	MaxRetries int
	// RetryWaitMin/Max bound the backoff schedule between attempts.
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// Client talks to the Moltbook API.
type Client struct {
	baseURL  string
	apiKey   string
	http     *retryablehttp.Client
	profiles *lru.Cache[string, Profile]
	log      *zap.Logger
}

// NewClient builds a client. The underlying transport retries network errors
// and 5xx responses MaxRetries times with exponential backoff; everything
// else comes back on the first attempt.
func NewClient(cfg Config, log *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("moltbook: api key required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryWaitMin <= 0 {
		cfg.RetryWaitMin = 1 * time.Second
	}
	if cfg.RetryWaitMax <= 0 {
		cfg.RetryWaitMax = 30 * time.Second
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.MaxRetries
	rc.RetryWaitMin = cfg.RetryWaitMin
	rc.RetryWaitMax = cfg.RetryWaitMax
	rc.Logger = &retryLogger{sugar: log.Sugar()}
	rc.CheckRetry = checkRetry

	profiles, err := lru.New[string, Profile](profileCacheSize)
	if err != nil {
		return nil, err
	}

	return &Client{
		baseURL:  cfg.BaseURL,
		apiKey:   cfg.APIKey,
		http:     rc,
		profiles: profiles,
		log:      log,
	}, nil
}

// checkRetry retries transient failures only. Rate limits are handed back to
// the caller untouched: the retry-after discipline belongs to the interaction
// engine, not the transport.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return false, nil
	}
	return resp.StatusCode >= 500, nil
}

// retryLogger adapts zap to retryablehttp's leveled logger.
type retryLogger struct {
	sugar *zap.SugaredLogger
}

func (l *retryLogger) Error(msg string, kv ...interface{}) { l.sugar.Errorw(msg, kv...) }
func (l *retryLogger) Warn(msg string, kv ...interface{})  { l.sugar.Warnw(msg, kv...) }
func (l *retryLogger) Info(msg string, kv ...interface{})  { l.sugar.Debugw(msg, kv...) }
func (l *retryLogger) Debug(msg string, kv ...interface{}) { l.sugar.Debugw(msg, kv...) }

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("moltbook: encode request: %w", err)
		}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("moltbook: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Retries exhausted or the context died. Terminal either way.
		return fmt.Errorf("moltbook: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("moltbook: read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return &RateLimitError{RetryAfter: retryAfterOf(resp, data)}
	}
	if resp.StatusCode >= 400 {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessageOf(data)}
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("moltbook: decode %s %s: %w", method, path, err)
		}
	}
	return nil
}

// retryAfterOf extracts the server's requested wait from the Retry-After
// header or the JSON error body, whichever is present.
func retryAfterOf(resp *http.Response, body []byte) time.Duration {
	if h := resp.Header.Get("Retry-After"); h != "" {
		if secs, err := strconv.Atoi(h); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	var er errorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.RetryAfterSeconds > 0 {
		return time.Duration(er.RetryAfterSeconds * float64(time.Second))
	}
	return 0
}

func errorMessageOf(body []byte) string {
	var er errorResponse
	if err := json.Unmarshal(body, &er); err == nil {
		if er.Message != "" {
			return er.Message
		}
		if er.Error != "" {
			return er.Error
		}
	}
	return "request failed"
}

// Me fetches our own profile. Not cached: CommentsToday must be fresh.
func (c *Client) Me(ctx context.Context) (*Profile, error) {
	var p Profile
	if err := c.do(ctx, http.MethodGet, "/agents/me", nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetProfile fetches an agent's profile through a small LRU so repeat lookups
// within a scan cycle stay local.
func (c *Client) GetProfile(ctx context.Context, name string) (*Profile, error) {
	if p, ok := c.profiles.Get(name); ok {
		return &p, nil
	}
	var p Profile
	if err := c.do(ctx, http.MethodGet, "/agents/"+url.PathEscape(name), nil, &p); err != nil {
		return nil, err
	}
	c.profiles.Add(name, p)
	return &p, nil
}

// GetFeed lists recent posts, optionally scoped to one submolt.
func (c *Client) GetFeed(ctx context.Context, submolt string, limit int) ([]Post, error) {
	q := url.Values{}
	q.Set("sort", "new")
	q.Set("limit", strconv.Itoa(limit))
	if submolt != "" {
		q.Set("submolt", submolt)
	}
	var fr feedResponse
	if err := c.do(ctx, http.MethodGet, "/posts?"+q.Encode(), nil, &fr); err != nil {
		return nil, err
	}
	return fr.Posts, nil
}

// GetAgentPosts lists an agent's recent posts.
func (c *Client) GetAgentPosts(ctx context.Context, name string, limit int) ([]Post, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	var fr feedResponse
	path := "/agents/" + url.PathEscape(name) + "/posts?" + q.Encode()
	if err := c.do(ctx, http.MethodGet, path, nil, &fr); err != nil {
		return nil, err
	}
	return fr.Posts, nil
}

// GetComments lists a post's comment thread.
func (c *Client) GetComments(ctx context.Context, postID string) ([]Comment, error) {
	var cr commentsResponse
	if err := c.do(ctx, http.MethodGet, "/posts/"+url.PathEscape(postID)+"/comments", nil, &cr); err != nil {
		return nil, err
	}
	return cr.Comments, nil
}

// CreatePost publishes a new post.
func (c *Client) CreatePost(ctx context.Context, title, content, submolt string) (*Post, error) {
	var p Post
	req := createPostRequest{Title: title, Content: content, Submolt: submolt}
	if err := c.do(ctx, http.MethodPost, "/posts", req, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateComment posts a comment on a post; parentID nests it under another
// comment.
func (c *Client) CreateComment(ctx context.Context, postID, parentID, content string) (*Comment, error) {
	var cm Comment
	req := createCommentRequest{Content: content, ParentID: parentID}
	if err := c.do(ctx, http.MethodPost, "/posts/"+url.PathEscape(postID)+"/comments", req, &cm); err != nil {
		return nil, err
	}
	return &cm, nil
}

// UpvotePost upvotes a post.
func (c *Client) UpvotePost(ctx context.Context, postID string) error {
	return c.do(ctx, http.MethodPost, "/posts/"+url.PathEscape(postID)+"/upvote", nil, nil)
}

// UpvoteComment upvotes a comment.
func (c *Client) UpvoteComment(ctx context.Context, commentID string) error {
	return c.do(ctx, http.MethodPost, "/comments/"+url.PathEscape(commentID)+"/upvote", nil, nil)
}

// FollowAgent follows another agent.
func (c *Client) FollowAgent(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/agents/"+url.PathEscape(name)+"/follow", nil, nil)
}

// GetSkills fetches the versioned capability descriptor.
func (c *Client) GetSkills(ctx context.Context) (*SkillDescriptor, error) {
	var sd SkillDescriptor
	if err := c.do(ctx, http.MethodGet, "/skills", nil, &sd); err != nil {
		return nil, err
	}
	return &sd, nil
}

// GetSkillFile downloads one auxiliary skill description file.
func (c *Client) GetSkillFile(ctx context.Context, name string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/skills/files/"+url.PathEscape(name), nil)
	if err != nil {
		return nil, fmt.Errorf("moltbook: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("moltbook: fetch skill file %s: %w", name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("moltbook: read skill file %s: %w", name, err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &RateLimitError{RetryAfter: retryAfterOf(resp, data)}
	}
	if resp.StatusCode >= 400 {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: errorMessageOf(data)}
	}
	return data, nil
}
