package cache

import (
	"fmt"
	"time"

	"github.com/genc-murat/crystalsketch/internal/storage"
	"github.com/genc-murat/crystalsketch/pkg/cms"
	"github.com/genc-murat/crystalsketch/pkg/errs"
)

// CMSInfo describes a Count-Min Sketch.
type CMSInfo struct {
	Width      uint32
	Depth      uint32
	Count      uint64
	ErrorBound float64
}

func cloneSketch(s *cms.Sketch) *cms.Sketch { return s.Clone() }

// CMSInitByProb creates a sketch whose estimates exceed the true count by
// at most epsilon*total with probability 1-delta.
func (c *MemoryCache) CMSInitByProb(key string, epsilon, delta float64, opts ...cms.Option) (err error) {
	defer c.observe("CMS.INITBYPROB", time.Now(), &err)

	s, err := cms.New(epsilon, delta, opts...)
	if err != nil {
		return err
	}
	return create(c, storage.KindCMS, key, s)
}

// CMSInitByDim creates a sketch with explicit dimensions.
func (c *MemoryCache) CMSInitByDim(key string, width, depth uint32, opts ...cms.Option) (err error) {
	defer c.observe("CMS.INITBYDIM", time.Now(), &err)

	s, err := cms.NewWithDimensions(width, depth, opts...)
	if err != nil {
		return err
	}
	return create(c, storage.KindCMS, key, s)
}

// CMSIncrBy increments each item by the matching increment and returns the
// new estimates.
//
// Parameters:
//   - key: The key of an existing sketch.
//   - items: The items to increment.
//   - increments: One increment per item.
//
// Returns:
//   - []uint64: The estimate of each item after the update.
//   - error: errs.ErrInvalidParameter when the slices differ in length,
//     ErrKeyNotFound or ErrWrongType for a bad key.
func (c *MemoryCache) CMSIncrBy(key string, items []string, increments []uint64) (estimates []uint64, err error) {
	defer c.observe("CMS.INCRBY", time.Now(), &err)

	if len(items) != len(increments) {
		return nil, fmt.Errorf("cache: %w: %d items but %d increments", errs.ErrInvalidParameter, len(items), len(increments))
	}
	e, err := load[*cms.Sketch](c, storage.KindCMS, key)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for i, item := range items {
		e.v.IncrementString(item, increments[i])
	}
	estimates = make([]uint64, len(items))
	for i, item := range items {
		estimates[i] = e.v.EstimateString(item)
	}
	c.incrementKeyVersion(key)
	return estimates, nil
}

// CMSQuery returns the estimate of each item.
func (c *MemoryCache) CMSQuery(key string, items ...string) (estimates []uint64, err error) {
	defer c.observe("CMS.QUERY", time.Now(), &err)

	e, err := load[*cms.Sketch](c, storage.KindCMS, key)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	estimates = make([]uint64, len(items))
	for i, item := range items {
		estimates[i] = e.v.EstimateString(item)
	}
	return estimates, nil
}

// CMSMerge adds the counters of every source into dest. dest must exist and
// every source must share its dimensions, seeds and hash function. Nothing
// is modified when any source is incompatible.
func (c *MemoryCache) CMSMerge(dest string, srcs ...string) (err error) {
	defer c.observe("CMS.MERGE", time.Now(), &err)

	sources := make([]*cms.Sketch, 0, len(srcs))
	for _, src := range srcs {
		s, err := snapshot(c, storage.KindCMS, src, cloneSketch)
		if err != nil {
			return err
		}
		sources = append(sources, s)
	}

	e, err := load[*cms.Sketch](c, storage.KindCMS, dest)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	merged := e.v
	for _, s := range sources {
		if merged, err = merged.Merge(s); err != nil {
			return err
		}
	}
	e.v = merged
	c.incrementKeyVersion(dest)
	return nil
}

// CMSInfo returns the dimensions and total count of the sketch under key.
func (c *MemoryCache) CMSInfo(key string) (info CMSInfo, err error) {
	defer c.observe("CMS.INFO", time.Now(), &err)

	e, err := load[*cms.Sketch](c, storage.KindCMS, key)
	if err != nil {
		return CMSInfo{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return CMSInfo{
		Width:      e.v.Width(),
		Depth:      e.v.Depth(),
		Count:      e.v.Total(),
		ErrorBound: e.v.ErrorBound(),
	}, nil
}
