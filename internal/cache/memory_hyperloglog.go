package cache

import (
	"errors"
	"time"

	"github.com/genc-murat/crystalsketch/internal/storage"
	"github.com/genc-murat/crystalsketch/pkg/hll"
)

func cloneHLL(s *hll.Sketch) *hll.Sketch { return s.Clone() }

// PFReserve creates a HyperLogLog with 2^precision registers.
func (c *MemoryCache) PFReserve(key string, precision uint8, opts ...hll.Option) (err error) {
	defer c.observe("PFRESERVE", time.Now(), &err)

	s, err := hll.New(precision, opts...)
	if err != nil {
		return err
	}
	return create(c, storage.KindHLL, key, s)
}

// PFAdd adds elements to the HyperLogLog under key, creating one with the
// default precision if needed. It reports whether any register changed.
func (c *MemoryCache) PFAdd(key string, elements ...string) (modified bool, err error) {
	defer c.observe("PFADD", time.Now(), &err)

	e, err := loadOrCreate(c, storage.KindHLL, key, func() (*hll.Sketch, error) {
		return hll.New(hll.DefaultPrecision)
	})
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, element := range elements {
		if e.v.AddString(element) {
			modified = true
		}
	}
	if modified {
		c.incrementKeyVersion(key)
	}
	return modified, nil
}

// PFCount returns the estimated cardinality of the union of keys. Missing
// keys count as empty; no key is modified.
func (c *MemoryCache) PFCount(keys ...string) (count uint64, err error) {
	defer c.observe("PFCOUNT", time.Now(), &err)

	var merged *hll.Sketch
	for _, key := range keys {
		s, err := snapshot(c, storage.KindHLL, key, cloneHLL)
		if errors.Is(err, ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return 0, err
		}
		if merged == nil {
			merged = s
			continue
		}
		if err := merged.MergeInPlace(s); err != nil {
			return 0, err
		}
	}
	if merged == nil {
		return 0, nil
	}
	return merged.Count(), nil
}

// PFMerge folds every source into dest, creating dest with the precision
// and hash function of the first source when it does not exist.
func (c *MemoryCache) PFMerge(dest string, srcs ...string) (err error) {
	defer c.observe("PFMERGE", time.Now(), &err)

	var acc *hll.Sketch
	for _, src := range srcs {
		s, err := snapshot(c, storage.KindHLL, src, cloneHLL)
		if err != nil {
			return err
		}
		if acc == nil {
			acc = s
			continue
		}
		if err := acc.MergeInPlace(s); err != nil {
			return err
		}
	}

	e, err := loadOrCreate(c, storage.KindHLL, dest, func() (*hll.Sketch, error) {
		if acc == nil {
			return hll.New(hll.DefaultPrecision)
		}
		out := acc.Clone()
		out.Clear()
		return out, nil
	})
	if err != nil {
		return err
	}
	if acc == nil {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.v.MergeInPlace(acc); err != nil {
		return err
	}
	c.incrementKeyVersion(dest)
	return nil
}

// PFInfo returns the register statistics of the sketch under key.
func (c *MemoryCache) PFInfo(key string) (info hll.Stats, err error) {
	defer c.observe("PFINFO", time.Now(), &err)

	e, err := load[*hll.Sketch](c, storage.KindHLL, key)
	if err != nil {
		return hll.Stats{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.v.Stats(), nil
}
