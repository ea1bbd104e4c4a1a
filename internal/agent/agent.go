// Package agent is the interaction engine: it wires the feed scanner, reply
// scanner, poster, follower, and skill sync into scheduler tasks, routing all
// comment writes through the rate-limited queue and every judgment call
// through the brain.
package agent

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"moltbot/internal/archive"
	"moltbot/internal/brain"
	"moltbot/internal/config"
	"moltbot/internal/moltbook"
	"moltbot/internal/mood"
	"moltbot/internal/queue"
	"moltbot/internal/scheduler"
	"moltbot/internal/state"
)

const (
	feedFetchLimit    = 25
	ownPostsLimit     = 5
	repeatTargetLimit = 2

	// Fallback waits when a 429 arrives without a retry-after hint.
	commentRateLimitFallback = 20 * time.Second
	postRateLimitFallback    = 60 * time.Second

	// Base chance of posting when the cooldown allows it, scaled by the
	// day's energy.
	basePostProbability = 0.25
)

// Forum is the slice of the platform client the engine uses. The concrete
// implementation is *moltbook.Client; tests substitute a fake.
type Forum interface {
	Me(ctx context.Context) (*moltbook.Profile, error)
	GetFeed(ctx context.Context, submolt string, limit int) ([]moltbook.Post, error)
	GetAgentPosts(ctx context.Context, name string, limit int) ([]moltbook.Post, error)
	GetComments(ctx context.Context, postID string) ([]moltbook.Comment, error)
	CreatePost(ctx context.Context, title, content, submolt string) (*moltbook.Post, error)
	CreateComment(ctx context.Context, postID, parentID, content string) (*moltbook.Comment, error)
	UpvotePost(ctx context.Context, postID string) error
	UpvoteComment(ctx context.Context, commentID string) error
	FollowAgent(ctx context.Context, name string) error
	GetSkills(ctx context.Context) (*moltbook.SkillDescriptor, error)
	GetSkillFile(ctx context.Context, name string) ([]byte, error)
}

// Brain is the judgment surface the engine consults. Implemented by
// *brain.GeminiBrain.
type Brain interface {
	ShouldEngage(ctx context.Context, author, title, content string) (*brain.EngageDecision, error)
	ShouldReply(ctx context.Context, postTitle, commentAuthor, comment string) (*brain.ReplyDecision, error)
	ComposeComment(ctx context.Context, author, title, content string) (string, error)
	ComposeReply(ctx context.Context, postTitle, commentAuthor, comment string) (string, error)
	ComposePost(ctx context.Context, submolt string) (*brain.PostDraft, error)
}

// Recorder is the action-history sink. Implemented by *archive.Archive.
type Recorder interface {
	Record(ctx context.Context, kind archive.Kind, targetID, author, content string)
}

// MoodSource gates and throttles activity by time of day. Implemented by
// *mood.Mood.
type MoodSource interface {
	ShouldSkipCycle(now time.Time) bool
	CommentProbability(now time.Time) float64
	IsAwake(now time.Time) bool
	ActivityLevel(now time.Time) mood.Level
	Today() mood.Regime
	Energy() float64
}

// Agent coordinates one bot identity.
type Agent struct {
	name    string
	submolt string

	limitsMu sync.RWMutex
	limits   config.LimitsConfig

	store   *state.Store
	queue   *queue.CommentQueue
	mood    MoodSource
	brain   Brain
	forum   Forum
	archive Recorder
	log     *zap.Logger

	skillsDir string

	// Test hooks.
	randFloat func() float64
	sleep     func(ctx context.Context, d time.Duration) error
	now       func() time.Time
}

// New assembles the engine. name is our own agent name, used to skip our own
// posts in the feed and to find our posts for the reply scan.
func New(name string, cfg *config.Config, store *state.Store, q *queue.CommentQueue,
	m MoodSource, b Brain, f Forum, rec Recorder, log *zap.Logger) *Agent {
	return &Agent{
		name:      name,
		submolt:   cfg.Moltbook.Submolt,
		limits:    cfg.Limits,
		store:     store,
		queue:     q,
		mood:      m,
		brain:     b,
		forum:     f,
		archive:   rec,
		log:       log,
		skillsDir: cfg.Storage.SkillsDir,
		randFloat: rand.Float64,
		sleep:     sleepCtx,
		now:       time.Now,
	}
}

// SetQueue wires the comment queue after construction; the queue needs the
// agent's SendComment before it can be built. Call before the scheduler
// starts.
func (a *Agent) SetQueue(q *queue.CommentQueue) { a.queue = q }

// SetName records the platform identity once known. Call before the scheduler
// starts.
func (a *Agent) SetName(name string) { a.name = name }

// SetLimits swaps the politeness limits. Safe to call while tasks run; the
// config watcher uses it for live reloads.
func (a *Agent) SetLimits(l config.LimitsConfig) {
	a.limitsMu.Lock()
	a.limits = l
	a.limitsMu.Unlock()
}

func (a *Agent) currentLimits() config.LimitsConfig {
	a.limitsMu.RLock()
	defer a.limitsMu.RUnlock()
	return a.limits
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// waitRateLimit checks err for a rate limit. If present it sleeps out the
// server's requested wait (or the fallback when the server gave none) and
// returns true, signalling the caller to abandon the rest of its cycle.
func (a *Agent) waitRateLimit(ctx context.Context, err error, fallback time.Duration) bool {
	var rle *moltbook.RateLimitError
	if !errors.As(err, &rle) {
		return false
	}
	wait := rle.RetryAfter
	if wait <= 0 {
		wait = fallback
	}
	a.log.Warn("rate limited, pausing", zap.Duration("wait", wait))
	if serr := a.sleep(ctx, wait); serr != nil {
		a.log.Debug("rate limit wait interrupted", zap.Error(serr))
	}
	return true
}

// SendComment is the queue's SendFunc. Delivery is at most once: any failure
// drops the job (the queue logs the drop), though a rate limit still pauses
// the drain loop for the server's requested wait first.
func (a *Agent) SendComment(ctx context.Context, job queue.CommentJob) error {
	_, err := a.forum.CreateComment(ctx, job.TargetID, job.ParentID, job.Content)
	if err != nil {
		a.waitRateLimit(ctx, err, commentRateLimitFallback)
		return err
	}

	a.store.MarkCommented(job.TargetID)
	if job.TargetAuthor != "" {
		a.store.RecordCommentTarget(job.TargetAuthor)
		a.store.RecordInteraction(job.TargetAuthor, state.InteractionIRepliedTo)
	}

	kind := archive.KindComment
	if job.ParentID != "" {
		kind = archive.KindReply
	}
	a.archive.Record(ctx, kind, job.TargetID, job.TargetAuthor, job.Content)
	return nil
}

// CheckFeed scans recent posts and queues comments and upvotes for the ones
// worth engaging with.
func (a *Agent) CheckFeed(ctx context.Context) error {
	now := a.now()
	if a.mood.ShouldSkipCycle(now) {
		a.log.Debug("feed scan skipped for mood",
			zap.String("level", string(a.mood.ActivityLevel(now))))
		return nil
	}
	if !a.store.CanCheckFeed() {
		a.log.Debug("feed scan still cooling down")
		return nil
	}
	defer a.store.MarkFeedCheck()

	posts, err := a.forum.GetFeed(ctx, a.submolt, feedFetchLimit)
	if err != nil {
		if a.waitRateLimit(ctx, err, commentRateLimitFallback) {
			return nil
		}
		return fmt.Errorf("feed scan: %w", err)
	}

	for _, post := range posts {
		if post.Author == a.name {
			continue
		}
		if a.store.HasSeen(post.ID) {
			continue
		}
		a.store.MarkSeen(post.ID)

		if a.store.HasCommented(post.ID) {
			continue
		}
		if a.store.RecentTargetCount(post.Author) >= repeatTargetLimit {
			a.log.Debug("skipping repeat target", zap.String("author", post.Author))
			continue
		}

		decision, err := a.brain.ShouldEngage(ctx, post.Author, post.Title, post.Content)
		if err != nil {
			if errors.Is(err, brain.ErrNoDecision) {
				continue
			}
			return fmt.Errorf("feed scan: engage decision: %w", err)
		}

		if decision.ShouldUpvote && !a.store.HasUpvoted(post.ID) {
			if err := a.forum.UpvotePost(ctx, post.ID); err != nil {
				if a.waitRateLimit(ctx, err, commentRateLimitFallback) {
					return nil
				}
				a.log.Warn("upvote failed", zap.String("post", post.ID), zap.Error(err))
			} else {
				a.store.MarkUpvoted(post.ID)
				a.store.RecordInteraction(post.Author, state.InteractionIUpvotedPost)
				a.archive.Record(ctx, archive.KindUpvote, post.ID, post.Author, "")
			}
		}

		if post.Submolt != "" && post.Submolt == a.submolt && (decision.ShouldComment || decision.ShouldUpvote) {
			a.store.RecordInteraction(post.Author, state.InteractionSameSubmolt)
		}

		if !decision.ShouldComment {
			continue
		}
		if a.randFloat() >= a.mood.CommentProbability(now) {
			a.log.Debug("comment suppressed by mood",
				zap.String("post", post.ID),
				zap.String("level", string(a.mood.ActivityLevel(now))))
			continue
		}

		text, err := a.brain.ComposeComment(ctx, post.Author, post.Title, post.Content)
		if err != nil {
			a.log.Warn("comment composition failed", zap.String("post", post.ID), zap.Error(err))
			continue
		}
		a.queue.Enqueue(queue.CommentJob{
			TargetID:     post.ID,
			Content:      text,
			Title:        post.Title,
			TargetAuthor: post.Author,
		})
	}
	return nil
}

// CheckReplies scans comments under our own recent posts and queues replies
// to the ones the brain deems worth answering.
func (a *Agent) CheckReplies(ctx context.Context) error {
	now := a.now()
	if a.mood.ShouldSkipCycle(now) {
		return nil
	}
	if !a.store.CanCheckReplies() {
		return nil
	}
	defer a.store.MarkReplyCheck()

	posts, err := a.forum.GetAgentPosts(ctx, a.name, ownPostsLimit)
	if err != nil {
		if a.waitRateLimit(ctx, err, commentRateLimitFallback) {
			return nil
		}
		return fmt.Errorf("reply scan: %w", err)
	}

	for _, post := range posts {
		comments, err := a.forum.GetComments(ctx, post.ID)
		if err != nil {
			if a.waitRateLimit(ctx, err, commentRateLimitFallback) {
				return nil
			}
			a.log.Warn("could not list comments", zap.String("post", post.ID), zap.Error(err))
			continue
		}

		for _, c := range comments {
			if c.Author == a.name {
				continue
			}
			if a.store.HasSeen(c.ID) {
				continue
			}
			a.store.MarkSeen(c.ID)
			a.store.RecordInteraction(c.Author, state.InteractionRepliedToMe)

			decision, err := a.brain.ShouldReply(ctx, post.Title, c.Author, c.Content)
			if err != nil {
				if errors.Is(err, brain.ErrNoDecision) {
					continue
				}
				return fmt.Errorf("reply scan: reply decision: %w", err)
			}
			if !decision.ShouldReply {
				continue
			}

			if !a.store.HasUpvoted(c.ID) {
				if err := a.forum.UpvoteComment(ctx, c.ID); err != nil {
					if a.waitRateLimit(ctx, err, commentRateLimitFallback) {
						return nil
					}
					a.log.Warn("comment upvote failed", zap.String("comment", c.ID), zap.Error(err))
				} else {
					a.store.MarkUpvoted(c.ID)
					a.store.RecordInteraction(c.Author, state.InteractionIUpvotedComment)
					a.archive.Record(ctx, archive.KindUpvote, c.ID, c.Author, "")
				}
			}

			text, err := a.brain.ComposeReply(ctx, post.Title, c.Author, c.Content)
			if err != nil {
				a.log.Warn("reply composition failed", zap.String("comment", c.ID), zap.Error(err))
				continue
			}
			a.queue.Enqueue(queue.CommentJob{
				TargetID:     post.ID,
				ParentID:     c.ID,
				Content:      text,
				Title:        post.Title,
				TargetAuthor: c.Author,
			})
		}
	}
	return nil
}

// AttemptPost maybe publishes an original post: the cooldown must have
// elapsed, and an energy-scaled coin flip must come up.
func (a *Agent) AttemptPost(ctx context.Context) error {
	a.store.MarkPostAttempt()

	now := a.now()
	if !a.mood.IsAwake(now) {
		return nil
	}
	if !a.store.CanPost() {
		a.log.Debug("post cooldown active",
			zap.Int("minutes_remaining", a.store.MinutesUntilCanPost()))
		return nil
	}
	if a.randFloat() >= basePostProbability*a.mood.Energy() {
		a.log.Debug("no posting urge this cycle", zap.Float64("energy", a.mood.Energy()))
		return nil
	}

	draft, err := a.brain.ComposePost(ctx, a.submolt)
	if err != nil {
		if errors.Is(err, brain.ErrNoDecision) {
			a.log.Warn("post draft did not decode, skipping")
			return nil
		}
		return fmt.Errorf("post attempt: %w", err)
	}

	post, err := a.forum.CreatePost(ctx, draft.Title, draft.Content, draft.Submolt)
	if err != nil {
		if a.waitRateLimit(ctx, err, postRateLimitFallback) {
			return nil
		}
		return fmt.Errorf("post attempt: %w", err)
	}

	a.store.UpdateLastPostTime()
	a.archive.Record(ctx, archive.KindPost, post.ID, a.name, draft.Title)
	a.log.Info("published post",
		zap.String("post", post.ID),
		zap.String("title", draft.Title),
		zap.String("submolt", draft.Submolt))
	return nil
}

// CheckFollows follows the highest-affinity agents, within the daily budget.
func (a *Agent) CheckFollows(ctx context.Context) error {
	limits := a.currentLimits()
	if !a.store.CanFollowToday(limits.MaxDailyFollows) {
		a.log.Debug("daily follow budget spent",
			zap.Int("count", a.store.DailyFollowCount()))
		return nil
	}

	for _, cand := range a.store.FollowCandidates(limits.FollowThreshold) {
		if !a.store.CanFollowToday(limits.MaxDailyFollows) {
			break
		}
		if err := a.forum.FollowAgent(ctx, cand.Name); err != nil {
			if a.waitRateLimit(ctx, err, commentRateLimitFallback) {
				return nil
			}
			a.log.Warn("follow failed", zap.String("agent", cand.Name), zap.Error(err))
			continue
		}
		a.store.RecordFollow(cand.Name)
		a.archive.Record(ctx, archive.KindFollow, cand.Name, cand.Name, "")
		a.log.Info("followed agent",
			zap.String("agent", cand.Name),
			zap.Int("score", cand.Score),
			zap.Int("today", a.store.DailyFollowCount()))
	}
	return nil
}

// SyncSkills mirrors the platform's skill descriptor files locally when the
// published version changes. Individual file failures are logged and skipped;
// the version is only recorded once every file landed.
func (a *Agent) SyncSkills(ctx context.Context) error {
	if !a.store.CanCheckSkills() {
		return nil
	}
	defer a.store.MarkSkillCheck()

	sd, err := a.forum.GetSkills(ctx)
	if err != nil {
		if a.waitRateLimit(ctx, err, commentRateLimitFallback) {
			return nil
		}
		return fmt.Errorf("skill sync: %w", err)
	}
	if sd.Version == a.store.SkillVersion() {
		return nil
	}

	a.log.Info("skill descriptor changed",
		zap.String("from", a.store.SkillVersion()),
		zap.String("to", sd.Version),
		zap.Int("files", len(sd.Files)))

	if err := os.MkdirAll(a.skillsDir, 0o755); err != nil {
		return fmt.Errorf("skill sync: create dir: %w", err)
	}

	complete := true
	for _, name := range sd.Files {
		data, err := a.forum.GetSkillFile(ctx, name)
		if err != nil {
			if a.waitRateLimit(ctx, err, commentRateLimitFallback) {
				// Version not advanced; the remaining files sync next cycle.
				return nil
			}
			a.log.Warn("skill file fetch failed", zap.String("file", name), zap.Error(err))
			complete = false
			continue
		}
		dest := filepath.Join(a.skillsDir, filepath.Base(name))
		if err := os.WriteFile(dest, data, 0o644); err != nil {
			a.log.Warn("skill file write failed", zap.String("file", dest), zap.Error(err))
			complete = false
		}
	}
	if complete {
		a.store.SetSkillVersion(sd.Version)
	}
	return nil
}

// Heartbeat stamps liveness and logs a one-line status summary.
func (a *Agent) Heartbeat(ctx context.Context) error {
	a.store.MarkHeartbeat()
	now := a.now()
	stats := a.store.StatsSnapshot()
	a.log.Info("heartbeat",
		zap.String("mood", string(a.mood.ActivityLevel(now))),
		zap.String("regime", a.mood.Today().Name),
		zap.String("queue", a.queue.Stats().String()),
		zap.Int("comments", stats.TotalComments),
		zap.Int("posts", stats.TotalPosts),
		zap.Int("upvotes", stats.TotalUpvotes),
		zap.Int("follows", stats.TotalFollows))
	return nil
}

// RegisterTasks wires every periodic behavior into the scheduler. The social
// tasks are gated on being awake; heartbeat and skill sync always run.
func (a *Agent) RegisterTasks(s *scheduler.Scheduler, tasks config.TasksConfig) error {
	awake := func() bool { return a.mood.IsAwake(a.now()) }

	for _, tc := range []scheduler.TaskConfig{
		{Name: "feed-scan", IntervalMin: tasks.Feed.Min, IntervalMax: tasks.Feed.Max,
			RunOnStart: true, Enabled: awake, Run: a.CheckFeed},
		{Name: "reply-scan", IntervalMin: tasks.Replies.Min, IntervalMax: tasks.Replies.Max,
			RunOnStart: true, Enabled: awake, Run: a.CheckReplies},
		{Name: "post-attempt", IntervalMin: tasks.Post.Min, IntervalMax: tasks.Post.Max,
			Enabled: awake, Run: a.AttemptPost},
		{Name: "follow-check", IntervalMin: tasks.Follows.Min, IntervalMax: tasks.Follows.Max,
			Enabled: awake, Run: a.CheckFollows},
		{Name: "skill-sync", IntervalMin: tasks.Skills.Min, IntervalMax: tasks.Skills.Max,
			RunOnStart: true, Run: a.SyncSkills},
		{Name: "heartbeat", IntervalMin: tasks.Heartbeat.Min, IntervalMax: tasks.Heartbeat.Max,
			RunOnStart: true, Run: a.Heartbeat},
	} {
		if err := s.Register(tc); err != nil {
			return err
		}
	}
	return nil
}
