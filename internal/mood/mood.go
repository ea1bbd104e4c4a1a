// Package mood turns wall-clock time plus a daily pseudo-random "sleep
// quality" regime into a discrete activity level. The level gates whole task
// cycles and throttles individual comment actions so the bot's rhythm looks
// lived-in rather than clockwork.
package mood

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Level is the bot's current activity level.
type Level string

const (
	Sleeping Level = "sleeping"
	Drowsy   Level = "drowsy"
	Low      Level = "low"
	Normal   Level = "normal"
	High     Level = "high"
	Hyper    Level = "hyper"
)

// Regime is one day's sleep pattern. SleepHour may exceed 24: 26 means the
// bot stays up until 2 AM the next morning.
type Regime struct {
	Name      string
	WakeHour  int
	SleepHour int
	Energy    float64
}

var (
	regimeInsomnia = Regime{Name: "insomnia", WakeHour: 7, SleepHour: 27, Energy: 0.6}
	regimeLate     = Regime{Name: "late", WakeHour: 10, SleepHour: 26, Energy: 0.8}
	regimeEarly    = Regime{Name: "early", WakeHour: 6, SleepHour: 22, Energy: 1.2}
	regimeNormal   = Regime{Name: "normal", WakeHour: 8, SleepHour: 24, Energy: 1.0}
)

// commentProbability maps each awake level to the chance of actually posting
// an otherwise-qualifying comment. Sleeping suppresses everything upstream.
var commentProbability = map[Level]float64{
	Drowsy: 0.1,
	Low:    0.2,
	Normal: 0.35,
	High:   0.5,
	Hyper:  0.7,
}

// Mood owns the per-day regime cache. It is constructed once and passed by
// reference; there is no package-level state.
type Mood struct {
	log *zap.Logger

	mu         sync.Mutex
	cachedDate string
	cached     Regime

	// Test hooks.
	now       func() time.Time
	randFloat func() float64
}

// New returns a Mood modulator.
func New(log *zap.Logger) *Mood {
	return &Mood{
		log:       log,
		now:       time.Now,
		randFloat: rand.Float64,
	}
}

// seededRand is the deterministic draw shared by all daily decisions: the
// fractional part of a scaled sine keyed on the seed. Same seed, same value,
// on every platform and every restart within the day.
func seededRand(seed float64) float64 {
	x := math.Sin(seed) * 10000
	return x - math.Floor(x)
}

func daySeed(t time.Time) float64 {
	y, m, d := t.Date()
	return float64(y*10000 + int(m)*100 + d)
}

// regimeFor picks the day's regime with sequential independent draws against
// cumulative thresholds, in fixed order. The checks are sequential Bernoulli
// trials, not a single partition, so the realized distribution is the product
// of the pass/fail chain. That chain is the contract; keep the order.
func regimeFor(seed float64) Regime {
	if seededRand(seed+1) < 0.10 {
		return regimeInsomnia
	}
	if seededRand(seed+2) < 0.25 {
		return regimeLate
	}
	if seededRand(seed+3) < 0.45 {
		return regimeEarly
	}
	return regimeNormal
}

// Today returns the cached regime for the current date, computing and logging
// it once per day.
func (m *Mood) Today() Regime {
	now := m.now()
	date := now.Format("2006-01-02")

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cachedDate == date {
		return m.cached
	}
	m.cached = regimeFor(daySeed(now))
	m.cachedDate = date
	m.log.Info("daily regime drawn",
		zap.String("regime", m.cached.Name),
		zap.Int("wake", m.cached.WakeHour),
		zap.Int("sleep", m.cached.SleepHour),
		zap.Float64("energy", m.cached.Energy))
	return m.cached
}

// inSleepWindow tests the (possibly wrapping) sleeping window for an hour of
// day. Hours >= 24 are normalized first, so 25 means 1 AM. A SleepHour past
// 24 means bedtime lands after midnight: every small hour before the wake
// hour counts as sleeping. SleepHour 24 sleeps in [0,wake); otherwise the
// window wraps midnight the ordinary way.
func inSleepWindow(hour int, r Regime) bool {
	hour = hour % 24
	switch {
	case r.SleepHour >= 24:
		return hour < r.WakeHour
	default:
		return hour >= r.SleepHour || hour < r.WakeHour
	}
}

// ActivityLevel classifies the current moment. The rules are an ordered
// cascade; the first match wins.
func (m *Mood) ActivityLevel(now time.Time) Level {
	r := m.Today()
	hour := now.Hour()
	seed := daySeed(now)
	// Per-hour deterministic draw, distinct from the daily regime draws.
	hourDraw := seededRand(seed*31 + float64(hour))

	asleep := inSleepWindow(hour, r)
	lateNight := hour >= 23 || hour < 4

	switch {
	// Insomnia keeps the bot up through what would be its sleep window.
	case asleep && r.Name != regimeInsomnia.Name:
		return Sleeping
	case hour >= r.WakeHour && hour < r.WakeHour+2 && !asleep:
		return Drowsy
	case hour >= 19 && hour <= 22:
		return High
	case lateNight && r.Name != regimeEarly.Name:
		if hourDraw < 0.20 {
			return Hyper
		}
		return Low
	case hour >= 14 && hour <= 16:
		if hourDraw < 0.30 {
			return Drowsy
		}
		return Normal
	default:
		return Normal
	}
}

// CommentProbability is the per-action gate for the given moment: the chance
// an otherwise-qualifying comment actually gets made.
func (m *Mood) CommentProbability(now time.Time) float64 {
	return commentProbability[m.ActivityLevel(now)]
}

// IsAwake reports whether any tasks should run at all.
func (m *Mood) IsAwake(now time.Time) bool {
	return m.ActivityLevel(now) != Sleeping
}

// ShouldSkipCycle implements the coarse top-level gate: sleeping always
// skips; drowsy skips half the time. The fine-grained comment probability
// applies independently on top of this.
func (m *Mood) ShouldSkipCycle(now time.Time) bool {
	switch m.ActivityLevel(now) {
	case Sleeping:
		return true
	case Drowsy:
		return m.randFloat() < 0.5
	default:
		return false
	}
}

// Energy returns the day's energy multiplier, used to scale the posting urge.
func (m *Mood) Energy() float64 {
	return m.Today().Energy
}
