package cms

import (
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/genc-murat/crystalsketch/pkg/errs"
	"github.com/genc-murat/crystalsketch/pkg/hash"
)

// TrendingConfig describes a TrendingTracker.
type TrendingConfig struct {
	// Epsilon and Delta size every window sketch.
	Epsilon float64
	Delta   float64

	// Window is the duration of one time bucket.
	Window time.Duration

	// Retention is the number of past windows kept besides the current one.
	Retention int

	// Hasher and Seed are shared by all windows. Nil selects hash.Default.
	Hasher hash.Hasher
	Seed   uint64
}

// TrendingTracker keeps one Count-Min Sketch per time window: the current
// window plus up to Retention previous ones. Scores are computed by a
// caller-supplied ScoreFunc over the per-window estimates of an item.
//
// A sketch cannot enumerate the keys it has seen, so TopK scores an explicit
// candidate list. Use Candidates to keep a bounded registry of keys worth
// scoring.
//
// A TrendingTracker is not safe for concurrent use.
type TrendingTracker struct {
	cfg     TrendingConfig
	windows []*Sketch // windows[0] is the current window
	start   time.Time // start of the current window
}

// NewTrendingTracker creates a tracker whose first window starts at start.
func NewTrendingTracker(cfg TrendingConfig, start time.Time) (*TrendingTracker, error) {
	if cfg.Window <= 0 {
		return nil, fmt.Errorf("cms: %w: trending window %v must be positive", errs.ErrInvalidParameter, cfg.Window)
	}
	if cfg.Retention < 0 {
		return nil, fmt.Errorf("cms: %w: trending retention %d must not be negative", errs.ErrInvalidParameter, cfg.Retention)
	}
	if cfg.Hasher == nil {
		cfg.Hasher = hash.Default
	}

	t := &TrendingTracker{cfg: cfg, start: start}
	current, err := t.newWindow()
	if err != nil {
		return nil, err
	}
	t.windows = []*Sketch{current}
	return t, nil
}

func (t *TrendingTracker) newWindow() (*Sketch, error) {
	return New(t.cfg.Epsilon, t.cfg.Delta, WithHasher(t.cfg.Hasher), WithSeed(t.cfg.Seed))
}

// Record counts one occurrence of item in the current window.
func (t *TrendingTracker) Record(item []byte) {
	t.windows[0].IncrementItem(hash.Bytes(item), 1)
}

// RecordString counts one occurrence of a string item.
func (t *TrendingTracker) RecordString(item string) {
	t.windows[0].IncrementItem(hash.String(item), 1)
}

// RecordN counts n occurrences of item in the current window.
func (t *TrendingTracker) RecordN(item hash.Item, n uint64) {
	t.windows[0].IncrementItem(item, n)
}

// Rotate closes the current window if at least one window duration has
// elapsed since it started. When several durations have elapsed, one empty
// window is pushed per elapsed duration (at most Retention+1), so idle
// periods show up as zero counts. Windows beyond Retention are evicted.
//
// Rotate reports whether a rotation happened. Calls before the window has
// elapsed, or with a time before the current window start, are no-ops.
func (t *TrendingTracker) Rotate(now time.Time) bool {
	elapsed := now.Sub(t.start)
	if elapsed < t.cfg.Window {
		return false
	}

	n := int64(elapsed / t.cfg.Window)
	push := int64(t.cfg.Retention + 1)
	if n < push {
		push = n
	}

	fresh := make([]*Sketch, 0, push)
	for i := int64(0); i < push; i++ {
		s, err := t.newWindow()
		if err != nil {
			// The configuration was validated when the first window was built.
			panic(err)
		}
		fresh = append(fresh, s)
	}

	t.windows = append(fresh, t.windows...)
	if keep := t.cfg.Retention + 1; len(t.windows) > keep {
		clear(t.windows[keep:])
		t.windows = t.windows[:keep]
	}
	t.start = t.start.Add(time.Duration(n) * t.cfg.Window)
	return true
}

// Estimates returns the estimate of item in every retained window, current
// window first.
func (t *TrendingTracker) Estimates(item []byte) []uint64 {
	return t.EstimatesItem(hash.Bytes(item))
}

// EstimatesItem is Estimates for raw or pre-hashed items.
func (t *TrendingTracker) EstimatesItem(it hash.Item) []uint64 {
	out := make([]uint64, len(t.windows))
	for i, w := range t.windows {
		out[i] = w.EstimateItem(it)
	}
	return out
}

// Score applies fn to the per-window estimates of item. A nil fn scores by
// the current window count.
func (t *TrendingTracker) Score(item []byte, fn ScoreFunc) float64 {
	if fn == nil {
		fn = CurrentCount()
	}
	return fn(t.Estimates(item))
}

// TopK scores every distinct key in candidates and returns the k best,
// highest score first. Ties are ordered by key.
func (t *TrendingTracker) TopK(k int, candidates []string, fn ScoreFunc) []Scored {
	if k <= 0 || len(candidates) == 0 {
		return nil
	}
	if fn == nil {
		fn = CurrentCount()
	}

	seen := make(map[string]struct{}, len(candidates))
	h := make(scoredHeap, 0, k)
	for _, key := range candidates {
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		h.offer(Scored{Key: key, Score: fn(t.EstimatesItem(hash.String(key)))}, k)
	}
	return h.sorted()
}

// Merge returns a tracker whose windows are the pairwise merge of t and
// other. Both trackers must share configuration, current window start and
// window count.
func (t *TrendingTracker) Merge(other *TrendingTracker) (*TrendingTracker, error) {
	if other == nil {
		return nil, fmt.Errorf("cms: %w: nil tracker", errs.ErrDimensionMismatch)
	}
	if t.cfg.Window != other.cfg.Window || t.cfg.Retention != other.cfg.Retention {
		return nil, fmt.Errorf("cms: %w: trending windows differ", errs.ErrDimensionMismatch)
	}
	if !t.start.Equal(other.start) || len(t.windows) != len(other.windows) {
		return nil, fmt.Errorf("cms: %w: trending timelines differ", errs.ErrDimensionMismatch)
	}

	out := &TrendingTracker{cfg: t.cfg, start: t.start, windows: make([]*Sketch, len(t.windows))}
	for i := range t.windows {
		merged, err := t.windows[i].Merge(other.windows[i])
		if err != nil {
			return nil, err
		}
		out.windows[i] = merged
	}
	return out, nil
}

// Windows returns the number of retained windows, current one included.
func (t *TrendingTracker) Windows() int { return len(t.windows) }

// CurrentWindowStart returns the start time of the current window.
func (t *TrendingTracker) CurrentWindowStart() time.Time { return t.start }

// Config returns the tracker configuration.
func (t *TrendingTracker) Config() TrendingConfig { return t.cfg }

// Current returns the sketch of the current window. The returned sketch is
// owned by the tracker.
func (t *TrendingTracker) Current() *Sketch { return t.windows[0] }

// Scored is a candidate key with its trending score.
type Scored struct {
	Key   string
	Score float64
}

// ScoreFunc maps per-window estimates (current window first) to a score.
type ScoreFunc func(counts []uint64) float64

// CurrentCount scores by the current window estimate.
func CurrentCount() ScoreFunc {
	return func(counts []uint64) float64 {
		if len(counts) == 0 {
			return 0
		}
		return float64(counts[0])
	}
}

// WeightedSum scores by sum(weights[i] * counts[i]). Windows without a
// weight are ignored.
func WeightedSum(weights ...float64) ScoreFunc {
	weights = slices.Clone(weights)
	return func(counts []uint64) float64 {
		var score float64
		for i := 0; i < len(counts) && i < len(weights); i++ {
			score += weights[i] * float64(counts[i])
		}
		return score
	}
}

// Decayed scores by sum(counts[i] * factor^i), an exponentially weighted
// sum where older windows count less.
func Decayed(factor float64) ScoreFunc {
	return func(counts []uint64) float64 {
		var score float64
		w := 1.0
		for _, c := range counts {
			score += w * float64(c)
			w *= factor
		}
		return score
	}
}

// RateOfChange scores by the growth of the current window over the previous
// one. With a single window it is the current count.
func RateOfChange() ScoreFunc {
	return func(counts []uint64) float64 {
		switch len(counts) {
		case 0:
			return 0
		case 1:
			return float64(counts[0])
		}
		return float64(counts[0]) - float64(counts[1])
	}
}

// Ratio scores by current / (previous + 1), favouring keys that jumped from
// nothing.
func Ratio() ScoreFunc {
	return func(counts []uint64) float64 {
		if len(counts) == 0 {
			return 0
		}
		prev := 0.0
		if len(counts) > 1 {
			prev = float64(counts[1])
		}
		return float64(counts[0]) / (prev + 1)
	}
}

// isBetter orders scored keys: higher score first, then lower key. NaN
// scores rank last.
func isBetter(a, b Scored) bool {
	if math.IsNaN(b.Score) && !math.IsNaN(a.Score) {
		return true
	}
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.Key < b.Key
}
