package cache

import (
	"time"

	"github.com/genc-murat/crystalsketch/internal/storage"
	"github.com/genc-murat/crystalsketch/pkg/cms"
	"github.com/genc-murat/crystalsketch/pkg/hash"
)

// trendingEntry pairs a tracker with the registry of keys it can rank.
type trendingEntry struct {
	tracker    *cms.TrendingTracker
	candidates *cms.Candidates
}

// TrendingCreate creates a windowed tracker under key whose first window
// starts at start. candidates bounds how many distinct items TrendingTop
// can rank; 0 means unbounded.
func (c *MemoryCache) TrendingCreate(key string, cfg cms.TrendingConfig, start time.Time, candidates int) (err error) {
	defer c.observe("TRENDING.CREATE", time.Now(), &err)

	tr, err := cms.NewTrendingTracker(cfg, start)
	if err != nil {
		return err
	}
	return create(c, storage.KindTrending, key, &trendingEntry{
		tracker:    tr,
		candidates: cms.NewCandidates(candidates),
	})
}

// TrendingRecord counts n occurrences of item in the current window and
// registers item as a ranking candidate.
func (c *MemoryCache) TrendingRecord(key, item string, n uint64) (err error) {
	defer c.observe("TRENDING.RECORD", time.Now(), &err)

	e, err := load[*trendingEntry](c, storage.KindTrending, key)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.v.tracker.RecordN(hash.String(item), n)
	e.v.candidates.Observe(item)
	c.incrementKeyVersion(key)
	return nil
}

// TrendingRotate closes elapsed windows as of now and reports whether a
// rotation happened.
func (c *MemoryCache) TrendingRotate(key string, now time.Time) (rotated bool, err error) {
	defer c.observe("TRENDING.ROTATE", time.Now(), &err)

	e, err := load[*trendingEntry](c, storage.KindTrending, key)
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	rotated = e.v.tracker.Rotate(now)
	if rotated {
		c.incrementKeyVersion(key)
		c.debugf("rotated %q, current window starts %s", key, e.v.tracker.CurrentWindowStart().Format(time.RFC3339))
	}
	return rotated, nil
}

// TrendingTop ranks the registered candidates of key with fn and returns
// the k best. A nil fn ranks by current window count.
func (c *MemoryCache) TrendingTop(key string, k int, fn cms.ScoreFunc) (top []cms.Scored, err error) {
	defer c.observe("TRENDING.TOP", time.Now(), &err)

	e, err := load[*trendingEntry](c, storage.KindTrending, key)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.v.tracker.TopK(k, e.v.candidates.Keys(), fn), nil
}

// TrendingEstimates returns the per-window estimates of item, current
// window first.
func (c *MemoryCache) TrendingEstimates(key, item string) (counts []uint64, err error) {
	defer c.observe("TRENDING.ESTIMATES", time.Now(), &err)

	e, err := load[*trendingEntry](c, storage.KindTrending, key)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.v.tracker.Estimates([]byte(item)), nil
}

// TrendingInfo describes a tracker.
type TrendingInfo struct {
	Windows            int
	Window             time.Duration
	Retention          int
	CurrentWindowStart time.Time
	Candidates         int
}

func (c *MemoryCache) TrendingInfo(key string) (info TrendingInfo, err error) {
	defer c.observe("TRENDING.INFO", time.Now(), &err)

	e, err := load[*trendingEntry](c, storage.KindTrending, key)
	if err != nil {
		return TrendingInfo{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	cfg := e.v.tracker.Config()
	return TrendingInfo{
		Windows:            e.v.tracker.Windows(),
		Window:             cfg.Window,
		Retention:          cfg.Retention,
		CurrentWindowStart: e.v.tracker.CurrentWindowStart(),
		Candidates:         e.v.candidates.Len(),
	}, nil
}
