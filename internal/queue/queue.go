// Package queue serializes comment writes behind two limits: a hard daily
// cap kept under the platform's quota, and a minimum spacing enforced by the
// fixed-period drain ticker. Jobs are in-memory only; a crash drops anything
// unsent, which is the safe direction (a duplicate comment is worse than a
// missed one).
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultMaxDaily stays below the platform's 50-comment daily limit to leave
// headroom for manual activity and clock skew.
const DefaultMaxDaily = 45

// CommentJob is one pending comment write. Jobs are consumed exactly once and
// never persisted.
type CommentJob struct {
	ID       string
	TargetID string
	Content  string
	// ParentID is set when the comment answers another comment.
	ParentID string
	// Context for logging and affinity bookkeeping.
	Title        string
	TargetAuthor string
	EnqueuedAt   time.Time
}

// SendFunc performs the remote write for one job. Implemented by the
// interaction engine so the queue stays transport-agnostic.
type SendFunc func(ctx context.Context, job CommentJob) error

// CommentQueue is the FIFO of pending comment writes.
type CommentQueue struct {
	log  *zap.Logger
	send SendFunc

	maxDaily      int
	drainInterval time.Duration

	mu         sync.Mutex
	jobs       []CommentJob
	dailyCount int
	resetDate  string

	// now is swapped out by tests.
	now func() time.Time
}

// New creates a queue draining through send. drainInterval is the fixed
// spacing between remote writes.
func New(send SendFunc, maxDaily int, drainInterval time.Duration, log *zap.Logger) *CommentQueue {
	if maxDaily <= 0 {
		maxDaily = DefaultMaxDaily
	}
	return &CommentQueue{
		log:           log,
		send:          send,
		maxDaily:      maxDaily,
		drainInterval: drainInterval,
		now:           time.Now,
	}
}

// resetIfNewDay lazily zeroes the daily counter on a calendar-date change.
// Called from every public entry point; there is no reset timer. Callers
// hold q.mu.
func (q *CommentQueue) resetIfNewDay() {
	today := q.now().Format("2006-01-02")
	if q.resetDate != today {
		if q.resetDate != "" && q.dailyCount > 0 {
			q.log.Info("daily comment counter reset",
				zap.String("previous", q.resetDate), zap.Int("sent", q.dailyCount))
		}
		q.resetDate = today
		q.dailyCount = 0
	}
}

// InitializeDailyCount seeds the counter from an authoritative remote value
// at startup, so a restart cannot silently double the daily budget.
func (q *CommentQueue) InitializeDailyCount(count int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.resetIfNewDay()
	q.dailyCount = count
	q.log.Info("daily comment counter seeded", zap.Int("count", count), zap.Int("max", q.maxDaily))
}

// Enqueue adds a job unless the daily budget is already committed. Queued but
// unsent jobs count against the cap, so a burst of qualifying posts cannot
// overcommit the day. Returns false (and logs) on rejection; never errors.
func (q *CommentQueue) Enqueue(job CommentJob) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.resetIfNewDay()

	if q.dailyCount+len(q.jobs) >= q.maxDaily {
		q.log.Warn("comment rejected, daily budget committed",
			zap.String("target", job.TargetID),
			zap.Int("sent", q.dailyCount),
			zap.Int("pending", len(q.jobs)),
			zap.Int("max", q.maxDaily))
		return false
	}

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.EnqueuedAt = q.now()
	q.jobs = append(q.jobs, job)
	q.log.Debug("comment queued",
		zap.String("job", job.ID),
		zap.String("target", job.TargetID),
		zap.Int("pending", len(q.jobs)))
	return true
}

// ProcessOne pops and sends the oldest job. A failed send drops the job
// without retry: delivery is at most once. Returns false when the queue was
// empty.
func (q *CommentQueue) ProcessOne(ctx context.Context) bool {
	q.mu.Lock()
	q.resetIfNewDay()
	if len(q.jobs) == 0 {
		q.mu.Unlock()
		return false
	}
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	q.mu.Unlock()

	if err := q.send(ctx, job); err != nil {
		q.log.Warn("comment send failed, job dropped",
			zap.String("job", job.ID),
			zap.String("target", job.TargetID),
			zap.Error(err))
		return true
	}

	q.mu.Lock()
	q.dailyCount++
	sent := q.dailyCount
	q.mu.Unlock()

	q.log.Info("comment sent",
		zap.String("job", job.ID),
		zap.String("target", job.TargetID),
		zap.Int("sent_today", sent))
	return true
}

// Run drains the queue on a fixed ticker until the context ends. The ticker
// period is the minimum spacing between writes.
func (q *CommentQueue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.drainInterval)
	defer ticker.Stop()
	q.log.Info("comment queue draining", zap.Duration("interval", q.drainInterval))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			q.ProcessOne(ctx)
		}
	}
}

// Stats is a point-in-time snapshot of queue pressure.
type Stats struct {
	Pending   int
	SentToday int
	MaxDaily  int
	Remaining int
}

// Stats reports current queue pressure, applying the lazy daily reset first.
func (q *CommentQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.resetIfNewDay()
	remaining := q.maxDaily - q.dailyCount - len(q.jobs)
	if remaining < 0 {
		remaining = 0
	}
	return Stats{
		Pending:   len(q.jobs),
		SentToday: q.dailyCount,
		MaxDaily:  q.maxDaily,
		Remaining: remaining,
	}
}

// String renders a one-line summary for heartbeat logs.
func (s Stats) String() string {
	return fmt.Sprintf("pending=%d, sent_today=%d/%d, remaining=%d",
		s.Pending, s.SentToday, s.MaxDaily, s.Remaining)
}
