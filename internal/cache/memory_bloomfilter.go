package cache

import (
	"errors"
	"time"

	"github.com/genc-murat/crystalsketch/internal/storage"
	"github.com/genc-murat/crystalsketch/pkg/bloom"
)

// Defaults for filters created implicitly by BFAdd.
const (
	defaultBloomCapacity  = 1000000
	defaultBloomErrorRate = 0.01
)

func cloneFilter(f *bloom.Filter) *bloom.Filter { return f.Clone() }

// BFReserve creates a Bloom filter for key sized for capacity items at the
// given false positive rate.
//
// Parameters:
//   - key: The key of the new filter.
//   - errorRate: The target false positive rate, in (0,1).
//   - capacity: The expected number of distinct items. Must be positive.
//
// Returns:
//   - error: errs.ErrInvalidParameter for bad sizing, ErrKeyExists or
//     ErrWrongType when key is taken.
func (c *MemoryCache) BFReserve(key string, errorRate float64, capacity uint64, opts ...bloom.Option) (err error) {
	defer c.observe("BF.RESERVE", time.Now(), &err)

	filter, err := bloom.New(capacity, errorRate, opts...)
	if err != nil {
		return err
	}
	return create(c, storage.KindBloom, key, filter)
}

// BFAdd adds items to the filter under key, creating a filter with default
// sizing when the key does not exist.
//
// Returns:
//   - []bool: For each item, true if it was not already reported present.
//   - error: ErrWrongType when key holds another kind of sketch.
func (c *MemoryCache) BFAdd(key string, items ...string) (added []bool, err error) {
	defer c.observe("BF.ADD", time.Now(), &err)

	e, err := loadOrCreate(c, storage.KindBloom, key, func() (*bloom.Filter, error) {
		return bloom.New(defaultBloomCapacity, defaultBloomErrorRate)
	})
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	added = make([]bool, len(items))
	modified := false
	for i, item := range items {
		if e.v.MightContainString(item) {
			continue
		}
		e.v.AddString(item)
		added[i] = true
		modified = true
	}
	if modified {
		c.incrementKeyVersion(key)
	}
	return added, nil
}

// BFExists reports for each item whether the filter under key might contain
// it. A missing key contains nothing.
func (c *MemoryCache) BFExists(key string, items ...string) (found []bool, err error) {
	defer c.observe("BF.EXISTS", time.Now(), &err)

	found = make([]bool, len(items))
	e, err := load[*bloom.Filter](c, storage.KindBloom, key)
	if errors.Is(err, ErrKeyNotFound) {
		return found, nil
	}
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for i, item := range items {
		found[i] = e.v.MightContainString(item)
	}
	return found, nil
}

// BFUnion stores the union of the source filters, and of dest itself when
// it exists, in dest. All filters must share size, hash count and hash
// function.
func (c *MemoryCache) BFUnion(dest string, srcs ...string) (err error) {
	defer c.observe("BF.UNION", time.Now(), &err)

	var acc *bloom.Filter
	for _, src := range srcs {
		f, err := snapshot(c, storage.KindBloom, src, cloneFilter)
		if err != nil {
			return err
		}
		if acc == nil {
			acc = f
			continue
		}
		if acc, err = acc.Union(f); err != nil {
			return err
		}
	}
	if acc == nil {
		return nil
	}

	e, err := loadOrCreate(c, storage.KindBloom, dest, func() (*bloom.Filter, error) {
		out := acc.Clone()
		out.Clear()
		return out, nil
	})
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	merged, err := e.v.Union(acc)
	if err != nil {
		return err
	}
	e.v = merged
	c.incrementKeyVersion(dest)
	return nil
}

// BFInfo returns the statistics of the filter under key.
func (c *MemoryCache) BFInfo(key string) (info bloom.Stats, err error) {
	defer c.observe("BF.INFO", time.Now(), &err)

	e, err := load[*bloom.Filter](c, storage.KindBloom, key)
	if err != nil {
		return bloom.Stats{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.v.Stats(), nil
}
