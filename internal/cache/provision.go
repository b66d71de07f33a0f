package cache

import (
	"errors"
	"fmt"
	"time"

	"github.com/genc-murat/crystalsketch/internal/config"
	"github.com/genc-murat/crystalsketch/internal/storage"
	"github.com/genc-murat/crystalsketch/pkg/bloom"
	"github.com/genc-murat/crystalsketch/pkg/cms"
	"github.com/genc-murat/crystalsketch/pkg/hash"
	"github.com/genc-murat/crystalsketch/pkg/hll"
)

// KindOf maps a configured sketch kind to its storage kind.
func KindOf(kind string) (storage.Kind, bool) {
	switch kind {
	case config.KindBloom:
		return storage.KindBloom, true
	case config.KindCMS:
		return storage.KindCMS, true
	case config.KindHLL:
		return storage.KindHLL, true
	case config.KindTDigest:
		return storage.KindTDigest, true
	case config.KindTrending:
		return storage.KindTrending, true
	}
	return 0, false
}

// Provision creates the configured sketches that do not exist yet. Sketches
// already present, typically restored from a snapshot, are kept as they are
// as long as their kind matches. Trackers start their first window at now.
func (c *MemoryCache) Provision(defs []config.SketchConfig, now time.Time) error {
	for _, def := range defs {
		kind, ok := KindOf(def.Kind)
		if !ok {
			return fmt.Errorf("sketch %q: unknown kind %q", def.Name, def.Kind)
		}
		if existing, ok := c.Kind(def.Name); ok {
			if existing != kind {
				return fmt.Errorf("sketch %q: %w: have %s, configured %s", def.Name, ErrWrongType, existing, kind)
			}
			c.debugf("keeping restored %s %q", kind, def.Name)
			continue
		}

		h, err := hash.ByName(def.Hash)
		if err != nil {
			return fmt.Errorf("sketch %q: %w", def.Name, err)
		}

		switch kind {
		case storage.KindBloom:
			err = c.BFReserve(def.Name, def.ErrorRate, def.Capacity, bloom.WithHasher(h))
		case storage.KindCMS:
			opts := []cms.Option{cms.WithHasher(h), cms.WithSeed(def.Seed)}
			if def.Width > 0 {
				err = c.CMSInitByDim(def.Name, def.Width, def.Depth, opts...)
			} else {
				err = c.CMSInitByProb(def.Name, def.Epsilon, def.Delta, opts...)
			}
		case storage.KindHLL:
			err = c.PFReserve(def.Name, def.Precision, hll.WithHasher(h))
		case storage.KindTDigest:
			err = c.TDigestCreate(def.Name, def.Compression)
		case storage.KindTrending:
			err = c.TrendingCreate(def.Name, cms.TrendingConfig{
				Epsilon:   def.Epsilon,
				Delta:     def.Delta,
				Window:    def.Window,
				Retention: def.Retention,
				Hasher:    h,
				Seed:      def.Seed,
			}, now.Truncate(def.Window), def.Candidates)
		}
		if err != nil && !errors.Is(err, ErrKeyExists) {
			return fmt.Errorf("sketch %q: %w", def.Name, err)
		}
	}
	return nil
}

// ScoreFor returns the trending score function a definition asks for.
func ScoreFor(def config.SketchConfig) cms.ScoreFunc {
	switch def.Score {
	case config.ScoreCurrent:
		return cms.CurrentCount()
	case config.ScoreDecayed:
		return cms.Decayed(def.DecayFactor)
	case config.ScoreRatio:
		return cms.Ratio()
	}
	return cms.RateOfChange()
}
