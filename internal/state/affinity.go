package state

import (
	"sort"
	"time"
)

// AffinityRecord accumulates interaction counters for one agent. Records are
// created lazily on the first recorded interaction and never decremented.
type AffinityRecord struct {
	Name                string    `json:"name"`
	RepliedToMe         int       `json:"repliedToMe"`
	IRepliedTo          int       `json:"iRepliedTo"`
	IUpvotedPosts       int       `json:"iUpvotedPosts"`
	IUpvotedComments    int       `json:"iUpvotedComments"`
	SameSubmoltActivity int       `json:"sameSubmoltActivity"`
	LastInteraction     time.Time `json:"lastInteraction"`
}

// Score is the weighted interaction sum used to rank follow candidates.
// Being replied to weighs most; shared-submolt activity least.
func (r *AffinityRecord) Score() int {
	return r.RepliedToMe*3 + r.IRepliedTo*2 + r.IUpvotedPosts*2 + r.IUpvotedComments*1 + r.SameSubmoltActivity*1
}

// Interaction identifies which affinity counter an event increments.
type Interaction int

const (
	InteractionRepliedToMe Interaction = iota
	InteractionIRepliedTo
	InteractionIUpvotedPost
	InteractionIUpvotedComment
	InteractionSameSubmolt
)

// RecordInteraction bumps the matching counter for the agent, creating the
// record on first contact. The map is capped: past maxAffinityRecords, the
// record with the oldest lastInteraction is evicted.
func (s *Store) RecordInteraction(name string, kind Interaction) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.state.Affinities[name]
	if !ok {
		// Stamp before eviction so a fresh record is never the coldest.
		rec = &AffinityRecord{Name: name, LastInteraction: s.now()}
		s.state.Affinities[name] = rec
		s.evictColdestAffinity()
	}
	switch kind {
	case InteractionRepliedToMe:
		rec.RepliedToMe++
	case InteractionIRepliedTo:
		rec.IRepliedTo++
	case InteractionIUpvotedPost:
		rec.IUpvotedPosts++
	case InteractionIUpvotedComment:
		rec.IUpvotedComments++
	case InteractionSameSubmolt:
		rec.SameSubmoltActivity++
	}
	rec.LastInteraction = s.now()
	s.save()
}

// evictColdestAffinity drops the least recently touched record once the map
// exceeds its cap. Callers hold s.mu.
func (s *Store) evictColdestAffinity() {
	if len(s.state.Affinities) <= maxAffinityRecords {
		return
	}
	var coldest string
	var coldestAt time.Time
	first := true
	for name, rec := range s.state.Affinities {
		if first || rec.LastInteraction.Before(coldestAt) {
			coldest = name
			coldestAt = rec.LastInteraction
			first = false
		}
	}
	delete(s.state.Affinities, coldest)
}

// Affinity returns a copy of the record for the agent, if any.
func (s *Store) Affinity(name string) (AffinityRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.state.Affinities[name]
	if !ok {
		return AffinityRecord{}, false
	}
	return *rec, true
}

// FollowCandidate pairs an agent with its computed score.
type FollowCandidate struct {
	Name  string
	Score int
}

// FollowCandidates returns agents scoring at or above threshold that we do
// not already follow, sorted by descending score. Ties keep whatever order
// the map yields; candidates are already unique by name.
func (s *Store) FollowCandidates(threshold int) []FollowCandidate {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := make([]FollowCandidate, 0)
	for name, rec := range s.state.Affinities {
		if contains(s.state.FollowedAgents, name) {
			continue
		}
		if score := rec.Score(); score >= threshold {
			candidates = append(candidates, FollowCandidate{Name: name, Score: score})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	return candidates
}
