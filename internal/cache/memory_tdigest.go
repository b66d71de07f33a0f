package cache

import (
	"math"
	"time"

	"github.com/genc-murat/crystalsketch/internal/storage"
	"github.com/genc-murat/crystalsketch/pkg/tdigest"
)

func cloneDigest(d *tdigest.Digest) *tdigest.Digest { return d.Clone() }

// TDigestCreate creates an empty digest under key.
func (c *MemoryCache) TDigestCreate(key string, compression float64) (err error) {
	defer c.observe("TDIGEST.CREATE", time.Now(), &err)

	d, err := tdigest.New(compression)
	if err != nil {
		return err
	}
	return create(c, storage.KindTDigest, key, d)
}

// TDigestAdd adds values with weight 1. Non-finite values are ignored.
func (c *MemoryCache) TDigestAdd(key string, values ...float64) (err error) {
	defer c.observe("TDIGEST.ADD", time.Now(), &err)

	e, err := load[*tdigest.Digest](c, storage.KindTDigest, key)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, v := range values {
		e.v.AddValue(v)
	}
	c.incrementKeyVersion(key)
	return nil
}

// TDigestAddWeighted adds value with the given weight.
func (c *MemoryCache) TDigestAddWeighted(key string, value float64, weight uint64) (err error) {
	defer c.observe("TDIGEST.ADD", time.Now(), &err)

	e, err := load[*tdigest.Digest](c, storage.KindTDigest, key)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.v.Add(value, weight)
	c.incrementKeyVersion(key)
	return nil
}

// TDigestQuantile returns the value at each quantile. Quantiles of an empty
// digest, and quantiles outside [0,1], are NaN.
func (c *MemoryCache) TDigestQuantile(key string, quantiles ...float64) (values []float64, err error) {
	defer c.observe("TDIGEST.QUANTILE", time.Now(), &err)

	e, err := load[*tdigest.Digest](c, storage.KindTDigest, key)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	values = make([]float64, len(quantiles))
	for i, q := range quantiles {
		v, ok := e.v.Quantile(q)
		if !ok {
			v = math.NaN()
		}
		values[i] = v
	}
	return values, nil
}

// TDigestCDF returns the fraction of values at or below each x, NaN for an
// empty digest.
func (c *MemoryCache) TDigestCDF(key string, xs ...float64) (fractions []float64, err error) {
	defer c.observe("TDIGEST.CDF", time.Now(), &err)

	e, err := load[*tdigest.Digest](c, storage.KindTDigest, key)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	fractions = make([]float64, len(xs))
	for i, x := range xs {
		p, ok := e.v.CDF(x)
		if !ok {
			p = math.NaN()
		}
		fractions[i] = p
	}
	return fractions, nil
}

// TDigestMerge replaces dest with the merge of dest (when it exists) and
// every source.
func (c *MemoryCache) TDigestMerge(dest string, srcs ...string) (err error) {
	defer c.observe("TDIGEST.MERGE", time.Now(), &err)

	sources := make([]*tdigest.Digest, 0, len(srcs)+1)
	for _, src := range srcs {
		d, err := snapshot(c, storage.KindTDigest, src, cloneDigest)
		if err != nil {
			return err
		}
		sources = append(sources, d)
	}

	e, err := loadOrCreate(c, storage.KindTDigest, dest, func() (*tdigest.Digest, error) {
		return tdigest.New(tdigest.DefaultCompression)
	})
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.v = tdigest.MergeAll(append(sources, e.v)...)
	c.incrementKeyVersion(dest)
	return nil
}

// TDigestReset empties the digest under key.
func (c *MemoryCache) TDigestReset(key string) (err error) {
	defer c.observe("TDIGEST.RESET", time.Now(), &err)

	e, err := load[*tdigest.Digest](c, storage.KindTDigest, key)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.v.Reset()
	c.incrementKeyVersion(key)
	return nil
}

// TDigestInfo returns a summary of the digest under key.
func (c *MemoryCache) TDigestInfo(key string) (info tdigest.Info, err error) {
	defer c.observe("TDIGEST.INFO", time.Now(), &err)

	e, err := load[*tdigest.Digest](c, storage.KindTDigest, key)
	if err != nil {
		return tdigest.Info{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.v.Info(), nil
}
