// Package state persists moltbot's behavioral memory: cooldown timestamps,
// seen/commented/upvoted item sets, follow bookkeeping, and per-agent affinity
// records. The whole record lives in one human-editable JSON file that is
// rewritten after every mutation. Persistence failures are logged, never
// fatal; the in-memory copy stays authoritative for the process lifetime.
package state

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// maxTrackedIDs caps each of the seen/commented/upvoted sets. The oldest
	// entries are evicted first; the sets exist only for membership tests.
	maxTrackedIDs = 500

	// maxRecentTargets bounds the FIFO of agents we recently commented on,
	// used to avoid piling onto the same agent over and over.
	maxRecentTargets = 10

	// maxAffinityRecords caps the affinity map. When exceeded, the record
	// with the oldest lastInteraction is dropped.
	maxAffinityRecords = 200

	dateLayout = "2006-01-02"
)

// Stats holds lifetime action counters. They only ever go up.
type Stats struct {
	TotalComments int `json:"totalComments"`
	TotalPosts    int `json:"totalPosts"`
	TotalUpvotes  int `json:"totalUpvotes"`
	TotalFollows  int `json:"totalFollows"`
}

// persistentState is the on-disk record. Field names are stable: the file is
// documented as safe to hand-edit between runs.
type persistentState struct {
	LastHeartbeat   *time.Time `json:"lastHeartbeat,omitempty"`
	LastPostTime    *time.Time `json:"lastPostTime,omitempty"`
	LastFollowTime  *time.Time `json:"lastFollowTime,omitempty"`
	LastFollowDate  string     `json:"lastFollowDate,omitempty"`
	LastFeedCheck   *time.Time `json:"lastFeedCheck,omitempty"`
	LastReplyCheck  *time.Time `json:"lastReplyCheck,omitempty"`
	LastPostAttempt *time.Time `json:"lastPostAttempt,omitempty"`
	LastSkillCheck  *time.Time `json:"lastSkillCheck,omitempty"`

	DailyFollowCount int `json:"dailyFollowCount"`

	SeenPostIDs      []string `json:"seenPostIds"`
	CommentedPostIDs []string `json:"commentedPostIds"`
	UpvotedItemIDs   []string `json:"upvotedItemIds"`

	RecentCommentTargets []string `json:"recentCommentTargets"`

	FollowedAgents []string `json:"followedAgents"`

	Affinities map[string]*AffinityRecord `json:"affinities"`

	SkillVersion string `json:"skillVersion,omitempty"`

	Stats Stats `json:"stats"`
}

func defaultState() persistentState {
	return persistentState{
		SeenPostIDs:          []string{},
		CommentedPostIDs:     []string{},
		UpvotedItemIDs:       []string{},
		RecentCommentTargets: []string{},
		FollowedAgents:       []string{},
		Affinities:           map[string]*AffinityRecord{},
	}
}

// Cooldowns are the thresholds consulted by the can-X predicates. Only the
// thresholds are configuration; elapsed time is always recomputed against the
// wall clock at call time.
type Cooldowns struct {
	Post       time.Duration
	FeedCheck  time.Duration
	ReplyCheck time.Duration
	SkillCheck time.Duration
}

// DefaultCooldowns mirror the platform's pacing guidance.
func DefaultCooldowns() Cooldowns {
	return Cooldowns{
		Post:       30 * time.Minute,
		FeedCheck:  10 * time.Minute,
		ReplyCheck: 8 * time.Minute,
		SkillCheck: 20 * time.Hour,
	}
}

// Store is the single-writer persistent state store. All mutators write the
// file before returning.
type Store struct {
	path      string
	log       *zap.Logger
	cooldowns Cooldowns

	mu    sync.Mutex
	state persistentState

	// now is swapped out by tests.
	now func() time.Time
}

// NewStore loads (or initializes) the state file at path. A missing file
// yields default state; a corrupt file is logged and also yields default
// state rather than failing startup.
func NewStore(path string, cooldowns Cooldowns, log *zap.Logger) *Store {
	s := &Store{
		path:      path,
		log:       log,
		cooldowns: cooldowns,
		state:     defaultState(),
		now:       time.Now,
	}
	s.load()
	return s
}

func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("could not read state file, starting fresh",
				zap.String("path", s.path), zap.Error(err))
		}
		return
	}
	var loaded persistentState
	if err := json.Unmarshal(data, &loaded); err != nil {
		s.log.Warn("state file is corrupt, starting fresh",
			zap.String("path", s.path), zap.Error(err))
		return
	}
	// Hand-edited files may omit slices/maps entirely.
	if loaded.Affinities == nil {
		loaded.Affinities = map[string]*AffinityRecord{}
	}
	s.state = loaded
	s.log.Info("state loaded",
		zap.String("path", s.path),
		zap.Int("seen", len(loaded.SeenPostIDs)),
		zap.Int("affinities", len(loaded.Affinities)))
}

// save rewrites the state file. Failure is logged and swallowed: losing a
// persist is preferable to killing the process over best-effort memory.
// Callers hold s.mu.
func (s *Store) save() {
	data, err := json.MarshalIndent(&s.state, "", "  ")
	if err != nil {
		s.log.Error("failed to encode state", zap.Error(err))
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		s.log.Error("failed to create state directory", zap.Error(err))
		return
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		s.log.Error("failed to write state file", zap.String("path", s.path), zap.Error(err))
	}
}

// Raw returns the pretty-printed JSON form of the current state.
func (s *Store) Raw() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return json.MarshalIndent(&s.state, "", "  ")
}

// -----------------------------------------------------------------------------
// Seen / commented / upvoted tracking
// -----------------------------------------------------------------------------

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// appendCapped appends id and evicts oldest-first past maxTrackedIDs.
func appendCapped(ids []string, id string) []string {
	ids = append(ids, id)
	if len(ids) > maxTrackedIDs {
		ids = ids[len(ids)-maxTrackedIDs:]
	}
	return ids
}

// HasSeen reports whether the post ID was already observed.
func (s *Store) HasSeen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return contains(s.state.SeenPostIDs, id)
}

// MarkSeen records a post ID. Marking twice is a no-op.
func (s *Store) MarkSeen(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if contains(s.state.SeenPostIDs, id) {
		return
	}
	s.state.SeenPostIDs = appendCapped(s.state.SeenPostIDs, id)
	s.save()
}

// HasCommented reports whether we already commented on the item.
func (s *Store) HasCommented(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return contains(s.state.CommentedPostIDs, id)
}

// MarkCommented records a comment on the item and bumps the lifetime counter.
// Marking an already-marked ID neither re-adds it nor double-counts.
func (s *Store) MarkCommented(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if contains(s.state.CommentedPostIDs, id) {
		return
	}
	s.state.CommentedPostIDs = appendCapped(s.state.CommentedPostIDs, id)
	s.state.Stats.TotalComments++
	s.save()
}

// HasUpvoted reports whether we already upvoted the item.
func (s *Store) HasUpvoted(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return contains(s.state.UpvotedItemIDs, id)
}

// MarkUpvoted records an upvote. Idempotent like MarkCommented.
func (s *Store) MarkUpvoted(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if contains(s.state.UpvotedItemIDs, id) {
		return
	}
	s.state.UpvotedItemIDs = appendCapped(s.state.UpvotedItemIDs, id)
	s.state.Stats.TotalUpvotes++
	s.save()
}

// -----------------------------------------------------------------------------
// Recent comment targets
// -----------------------------------------------------------------------------

// RecordCommentTarget pushes an agent name onto the recent-targets FIFO.
func (s *Store) RecordCommentTarget(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.RecentCommentTargets = append(s.state.RecentCommentTargets, name)
	if len(s.state.RecentCommentTargets) > maxRecentTargets {
		s.state.RecentCommentTargets = s.state.RecentCommentTargets[len(s.state.RecentCommentTargets)-maxRecentTargets:]
	}
	s.save()
}

// RecentTargetCount counts how often the agent appears in the recent-targets
// window. The engine uses it to back off from repeat engagement.
func (s *Store) RecentTargetCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.state.RecentCommentTargets {
		if t == name {
			n++
		}
	}
	return n
}

// -----------------------------------------------------------------------------
// Cooldown predicates
// -----------------------------------------------------------------------------

// ready implements the shared cooldown pattern: a nil timestamp means "never
// happened" and is treated as due now. Callers hold s.mu.
func (s *Store) ready(last *time.Time, threshold time.Duration) bool {
	if last == nil {
		return true
	}
	return s.now().Sub(*last) >= threshold
}

// CanPost reports whether the posting cooldown has elapsed.
func (s *Store) CanPost() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready(s.state.LastPostTime, s.cooldowns.Post)
}

// MinutesUntilCanPost returns the whole minutes left on the posting cooldown,
// never negative.
func (s *Store) MinutesUntilCanPost() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.LastPostTime == nil {
		return 0
	}
	remaining := s.cooldowns.Post - s.now().Sub(*s.state.LastPostTime)
	if remaining <= 0 {
		return 0
	}
	return int(math.Ceil(remaining.Minutes()))
}

// CanCheckFeed reports whether the feed-scan cooldown has elapsed.
func (s *Store) CanCheckFeed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready(s.state.LastFeedCheck, s.cooldowns.FeedCheck)
}

// CanCheckReplies reports whether the reply-scan cooldown has elapsed.
func (s *Store) CanCheckReplies() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready(s.state.LastReplyCheck, s.cooldowns.ReplyCheck)
}

// CanCheckSkills reports whether the skill descriptor is due for a re-check.
func (s *Store) CanCheckSkills() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready(s.state.LastSkillCheck, s.cooldowns.SkillCheck)
}

// UpdateLastPostTime stamps a successful post.
func (s *Store) UpdateLastPostTime() {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.now()
	s.state.LastPostTime = &t
	s.state.Stats.TotalPosts++
	s.save()
}

// MarkHeartbeat stamps the heartbeat task.
func (s *Store) MarkHeartbeat() { s.stamp(&s.state.LastHeartbeat) }

// MarkFeedCheck stamps a completed feed scan.
func (s *Store) MarkFeedCheck() { s.stamp(&s.state.LastFeedCheck) }

// MarkReplyCheck stamps a completed reply scan.
func (s *Store) MarkReplyCheck() { s.stamp(&s.state.LastReplyCheck) }

// MarkPostAttempt stamps a post attempt, successful or not.
func (s *Store) MarkPostAttempt() { s.stamp(&s.state.LastPostAttempt) }

// MarkSkillCheck stamps a completed skill descriptor check.
func (s *Store) MarkSkillCheck() { s.stamp(&s.state.LastSkillCheck) }

func (s *Store) stamp(field **time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.now()
	*field = &t
	s.save()
}

// -----------------------------------------------------------------------------
// Follow bookkeeping
// -----------------------------------------------------------------------------

// CanFollowToday enforces the daily follow budget. The counter resets on the
// calendar-date boundary (a follow at 23:59 does not block one at 00:01), as
// opposed to the rolling-window cooldowns used elsewhere.
func (s *Store) CanFollowToday(maxPerDay int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	today := s.now().Format(dateLayout)
	if s.state.LastFollowDate != today {
		if s.state.DailyFollowCount != 0 {
			s.state.DailyFollowCount = 0
			s.save()
		}
		return true
	}
	return s.state.DailyFollowCount < maxPerDay
}

// IsFollowing reports whether we already follow the agent.
func (s *Store) IsFollowing(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return contains(s.state.FollowedAgents, name)
}

// RecordFollow marks a completed follow: followed set, daily counter,
// timestamps, and lifetime stats, all in one persisted update.
func (s *Store) RecordFollow(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.now()
	today := t.Format(dateLayout)
	if s.state.LastFollowDate != today {
		s.state.DailyFollowCount = 0
	}
	if !contains(s.state.FollowedAgents, name) {
		s.state.FollowedAgents = append(s.state.FollowedAgents, name)
	}
	s.state.LastFollowTime = &t
	s.state.LastFollowDate = today
	s.state.DailyFollowCount++
	s.state.Stats.TotalFollows++
	s.save()
}

// DailyFollowCount returns today's follow count as currently recorded.
func (s *Store) DailyFollowCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.DailyFollowCount
}

// -----------------------------------------------------------------------------
// Skill descriptor version
// -----------------------------------------------------------------------------

// SkillVersion returns the last observed skill descriptor version, empty if
// none was ever recorded.
func (s *Store) SkillVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.SkillVersion
}

// SetSkillVersion records a newly observed skill descriptor version.
func (s *Store) SetSkillVersion(v string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.SkillVersion = v
	s.save()
}

// StatsSnapshot returns a copy of the lifetime counters.
func (s *Store) StatsSnapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Stats
}
