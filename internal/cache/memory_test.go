package cache

import (
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genc-murat/crystalsketch/internal/config"
	"github.com/genc-murat/crystalsketch/internal/metrics"
	"github.com/genc-murat/crystalsketch/internal/storage"
	"github.com/genc-murat/crystalsketch/pkg/bloom"
	"github.com/genc-murat/crystalsketch/pkg/cms"
	"github.com/genc-murat/crystalsketch/pkg/errs"
	"github.com/genc-murat/crystalsketch/pkg/hash"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func TestKeyspace(t *testing.T) {
	c := NewMemoryCache()

	t.Run("Test create and lookup", func(t *testing.T) {
		require.NoError(t, c.BFReserve("users", 0.01, 1000))
		require.NoError(t, c.PFReserve("ips", 12))

		kind, ok := c.Kind("users")
		assert.True(t, ok)
		assert.Equal(t, storage.KindBloom, kind)
		assert.Equal(t, []string{"ips", "users"}, c.Keys())
	})

	t.Run("Test duplicate and wrong type", func(t *testing.T) {
		assert.ErrorIs(t, c.BFReserve("users", 0.01, 1000), ErrKeyExists)
		assert.ErrorIs(t, c.TDigestCreate("users", 100), ErrWrongType)

		_, err := c.PFAdd("users", "x")
		assert.ErrorIs(t, err, ErrWrongType, "implicit creation must not clobber another kind")
		_, err = c.CMSQuery("users", "x")
		assert.ErrorIs(t, err, ErrWrongType)
		_, err = c.CMSQuery("nope", "x")
		assert.ErrorIs(t, err, ErrKeyNotFound)
	})

	t.Run("Test delete bumps version", func(t *testing.T) {
		before := c.GetKeyVersion("ips")
		assert.True(t, c.Delete("ips"))
		assert.False(t, c.Delete("ips"))
		assert.Greater(t, c.GetKeyVersion("ips"), before)
		_, ok := c.Kind("ips")
		assert.False(t, ok)
	})

	t.Run("Test invalid parameters surface", func(t *testing.T) {
		assert.ErrorIs(t, c.BFReserve("bad", 2, 10), errs.ErrInvalidParameter)
		assert.ErrorIs(t, c.PFReserve("bad", 2), errs.ErrInvalidParameter)
		assert.ErrorIs(t, c.CMSInitByProb("bad", 0, 0.1), errs.ErrInvalidParameter)
		assert.ErrorIs(t, c.TDigestCreate("bad", 0), errs.ErrInvalidParameter)
		_, ok := c.Kind("bad")
		assert.False(t, ok)
	})
}

func TestBloomOps(t *testing.T) {
	c := NewMemoryCache()

	added, err := c.BFAdd("implicit", "a", "b", "a")
	require.NoError(t, err)
	assert.Equal(t, []bool{true, true, false}, added)

	found, err := c.BFExists("implicit", "a", "zzz")
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false}, found)

	found, err = c.BFExists("missing", "a")
	require.NoError(t, err)
	assert.Equal(t, []bool{false}, found, "a missing filter contains nothing")

	info, err := c.BFInfo("implicit")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), info.Count)

	t.Run("Test union", func(t *testing.T) {
		require.NoError(t, c.BFReserve("left", 0.01, 100))
		require.NoError(t, c.BFReserve("right", 0.01, 100))
		_, _ = c.BFAdd("left", "l1", "l2")
		_, _ = c.BFAdd("right", "r1")

		require.NoError(t, c.BFUnion("both", "left", "right"))
		found, err := c.BFExists("both", "l1", "l2", "r1")
		require.NoError(t, err)
		assert.Equal(t, []bool{true, true, true}, found)

		left, _ := c.BFExists("left", "r1")
		assert.Equal(t, []bool{false}, left, "sources are not modified")

		assert.ErrorIs(t, c.BFUnion("both", "left", "implicit"), errs.ErrDimensionMismatch)
		assert.ErrorIs(t, c.BFUnion("both", "missing"), ErrKeyNotFound)
	})
}

func TestCMSOps(t *testing.T) {
	c := NewMemoryCache()
	require.NoError(t, c.CMSInitByProb("hits", 0.01, 0.01))
	require.NoError(t, c.CMSInitByProb("hits2", 0.01, 0.01))
	require.NoError(t, c.CMSInitByDim("small", 10, 2))

	est, err := c.CMSIncrBy("hits", []string{"a", "b"}, []uint64{5, 2})
	require.NoError(t, err)
	assert.Equal(t, []uint64{5, 2}, est)

	_, err = c.CMSIncrBy("hits", []string{"a"}, []uint64{1, 2})
	assert.ErrorIs(t, err, errs.ErrInvalidParameter)
	_, err = c.CMSIncrBy("missing", []string{"a"}, []uint64{1})
	assert.ErrorIs(t, err, ErrKeyNotFound)

	_, _ = c.CMSIncrBy("hits2", []string{"a"}, []uint64{10})
	require.NoError(t, c.CMSMerge("hits", "hits2"))
	est, err = c.CMSQuery("hits", "a", "b")
	require.NoError(t, err)
	assert.Equal(t, []uint64{15, 2}, est)

	t.Run("Test merge into itself doubles counts", func(t *testing.T) {
		require.NoError(t, c.CMSMerge("hits2", "hits2"))
		est, _ := c.CMSQuery("hits2", "a")
		assert.Equal(t, []uint64{20}, est)
	})

	t.Run("Test incompatible merge leaves dest untouched", func(t *testing.T) {
		assert.ErrorIs(t, c.CMSMerge("hits", "hits2", "small"), errs.ErrDimensionMismatch)
		est, _ := c.CMSQuery("hits", "a")
		assert.Equal(t, []uint64{15}, est)
	})

	info, err := c.CMSInfo("hits")
	require.NoError(t, err)
	assert.Equal(t, uint32(272), info.Width)
	assert.Equal(t, uint32(5), info.Depth)
	assert.Equal(t, uint64(17), info.Count)
}

func TestHyperLogLogOps(t *testing.T) {
	c := NewMemoryCache()

	for i := 0; i < 1000; i++ {
		_, err := c.PFAdd("a", fmt.Sprintf("u%d", i))
		require.NoError(t, err)
	}
	for i := 500; i < 1500; i++ {
		_, _ = c.PFAdd("b", fmt.Sprintf("u%d", i))
	}
	modified, err := c.PFAdd("a", "u1")
	require.NoError(t, err)
	assert.False(t, modified, "re-adding a seen element changes nothing")

	single, err := c.PFCount("a")
	require.NoError(t, err)
	assert.InDelta(t, 1000, float64(single), 30)

	union, err := c.PFCount("a", "b", "missing")
	require.NoError(t, err)
	assert.InDelta(t, 1500, float64(union), 45)

	after, _ := c.PFCount("a")
	assert.Equal(t, single, after, "PFCount does not merge into its operands")

	require.NoError(t, c.PFMerge("ab", "a", "b"))
	merged, _ := c.PFCount("ab")
	assert.Equal(t, union, merged)

	require.NoError(t, c.PFReserve("p10", 10))
	assert.ErrorIs(t, c.PFMerge("ab", "p10"), errs.ErrDimensionMismatch)

	empty, err := c.PFCount("missing")
	require.NoError(t, err)
	assert.Zero(t, empty)

	info, err := c.PFInfo("ab")
	require.NoError(t, err)
	assert.Equal(t, 16384, info.Registers)
}

func TestTDigestOps(t *testing.T) {
	c := NewMemoryCache()
	require.NoError(t, c.TDigestCreate("lat", 100))

	q, err := c.TDigestQuantile("lat", 0.5)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(q[0]), "empty digest has no quantiles")

	for i := 1; i <= 100; i++ {
		require.NoError(t, c.TDigestAdd("lat", float64(i)))
	}
	require.NoError(t, c.TDigestAddWeighted("lat", 1000, 1))

	q, err = c.TDigestQuantile("lat", 0, 0.5, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 1.0, q[0])
	assert.InDelta(t, 51, q[1], 3)
	assert.Equal(t, 1000.0, q[2])
	assert.True(t, math.IsNaN(q[3]))

	cdf, err := c.TDigestCDF("lat", 0, 1000)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1}, cdf)

	require.NoError(t, c.TDigestCreate("lat2", 50))
	require.NoError(t, c.TDigestAdd("lat2", 5000))
	require.NoError(t, c.TDigestMerge("all", "lat", "lat2"))
	info, err := c.TDigestInfo("all")
	require.NoError(t, err)
	assert.Equal(t, uint64(102), info.Count)
	assert.Equal(t, 5000.0, info.Max)
	assert.Equal(t, 100.0, info.Compression)

	require.NoError(t, c.TDigestReset("lat"))
	info, _ = c.TDigestInfo("lat")
	assert.Zero(t, info.Count)

	assert.ErrorIs(t, c.TDigestAdd("missing", 1), ErrKeyNotFound)
}

func TestTrendingOps(t *testing.T) {
	c := NewMemoryCache()
	cfg := cms.TrendingConfig{Epsilon: 0.01, Delta: 0.01, Window: time.Minute, Retention: 2}
	require.NoError(t, c.TrendingCreate("paths", cfg, t0, 2))

	require.NoError(t, c.TrendingRecord("paths", "/a", 3))
	rotated, err := c.TrendingRotate("paths", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, rotated)

	require.NoError(t, c.TrendingRecord("paths", "/a", 3))
	require.NoError(t, c.TrendingRecord("paths", "/b", 9))
	require.NoError(t, c.TrendingRecord("paths", "/c", 50))

	top, err := c.TrendingTop("paths", 5, cms.RateOfChange())
	require.NoError(t, err)
	require.Len(t, top, 2, "/c was rejected by the candidate registry")
	assert.Equal(t, "/b", top[0].Key)
	assert.Equal(t, 9.0, top[0].Score)
	assert.Equal(t, 0.0, top[1].Score)

	counts, err := c.TrendingEstimates("paths", "/a")
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, 3}, counts)

	info, err := c.TrendingInfo("paths")
	require.NoError(t, err)
	assert.Equal(t, 2, info.Windows)
	assert.Equal(t, 2, info.Candidates)
	assert.Equal(t, t0.Add(time.Minute), info.CurrentWindowStart)

	assert.ErrorIs(t, c.TrendingCreate("bad", cms.TrendingConfig{Epsilon: 0.1, Delta: 0.1}, t0, 0), errs.ErrInvalidParameter)
}

func TestConcurrentWriters(t *testing.T) {
	c := NewMemoryCache()
	require.NoError(t, c.CMSInitByProb("hits", 0.01, 0.01))
	require.NoError(t, c.TDigestCreate("lat", 100))

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				_, _ = c.CMSIncrBy("hits", []string{"k"}, []uint64{1})
				_ = c.TDigestAdd("lat", float64(i))
				_, _ = c.PFAdd("hll", fmt.Sprintf("%d-%d", w, i))
				_, _ = c.PFCount("hll")
			}
		}(w)
	}
	wg.Wait()

	est, _ := c.CMSQuery("hits", "k")
	assert.Equal(t, []uint64{2000}, est)
	info, _ := c.TDigestInfo("lat")
	assert.Equal(t, uint64(2000), info.Count)
	n, _ := c.PFCount("hll")
	assert.InDelta(t, 2000, float64(n), 60)
}

func TestExportImport(t *testing.T) {
	src := NewMemoryCache()
	require.NoError(t, src.BFReserve("users", 0.01, 1000, bloom.WithHasher(hash.XXHash{})))
	_, _ = src.BFAdd("users", "ada")
	require.NoError(t, src.CMSInitByDim("hits", 100, 3))
	_, _ = src.CMSIncrBy("hits", []string{"x"}, []uint64{7})
	_, _ = src.PFAdd("ips", "1.1.1.1", "8.8.8.8")
	require.NoError(t, src.TDigestCreate("lat", 100))
	_ = src.TDigestAdd("lat", 1, 2, 3)
	require.NoError(t, src.TrendingCreate("trend", cms.TrendingConfig{Epsilon: 0.01, Delta: 0.01, Window: time.Minute, Retention: 1}, t0, 10))
	_ = src.TrendingRecord("trend", "go", 4)

	records, err := src.Export()
	require.NoError(t, err)
	require.Len(t, records, 5)
	assert.Equal(t, "hits", records[0].Name, "records are sorted by name")

	dst := NewMemoryCache()
	require.NoError(t, dst.PFReserve("users", 10), "a name clash with another kind is replaced")
	require.NoError(t, dst.Import(records))
	assert.Equal(t, src.Keys(), dst.Keys())

	found, _ := dst.BFExists("users", "ada")
	assert.Equal(t, []bool{true}, found)
	est, _ := dst.CMSQuery("hits", "x")
	assert.Equal(t, []uint64{7}, est)
	n, _ := dst.PFCount("ips")
	assert.Equal(t, uint64(2), n)
	q, _ := dst.TDigestQuantile("lat", 1)
	assert.Equal(t, []float64{3}, q)
	top, _ := dst.TrendingTop("trend", 1, nil)
	assert.Equal(t, []cms.Scored{{Key: "go", Score: 4}}, top)

	t.Run("Test corrupt record imports nothing", func(t *testing.T) {
		fresh := NewMemoryCache()
		bad := append([]storage.Record(nil), records...)
		bad[len(bad)-1].Payload = []byte{1, 2, 3}
		assert.ErrorIs(t, fresh.Import(bad), errs.ErrCorruptState)
		assert.Empty(t, fresh.Keys())
	})
}

func TestProvision(t *testing.T) {
	cfg, err := config.Parse([]byte(`
sketches:
  - {name: users, kind: bloom, field: u, capacity: 100}
  - {name: hits, kind: cms, field: p, width: 50, depth: 2}
  - {name: ips, kind: hll, field: ip, precision: 10, hash: murmur3}
  - {name: lat, kind: tdigest, field: l}
  - {name: hot, kind: trending, field: p, window: 1h, retention: 1}
`))
	require.NoError(t, err)

	c := NewMemoryCache()
	now := t0.Add(25 * time.Minute)
	require.NoError(t, c.Provision(cfg.Sketches, now))
	assert.Equal(t, []string{"hits", "hot", "ips", "lat", "users"}, c.Keys())

	info, _ := c.CMSInfo("hits")
	assert.Equal(t, uint32(50), info.Width)
	hllInfo, _ := c.PFInfo("ips")
	assert.Equal(t, hash.Murmur3ID, hllInfo.Hash)
	trend, _ := c.TrendingInfo("hot")
	assert.Equal(t, t0, trend.CurrentWindowStart, "windows are aligned to the window size")

	t.Run("Test existing sketches are kept", func(t *testing.T) {
		_, _ = c.CMSIncrBy("hits", []string{"x"}, []uint64{3})
		require.NoError(t, c.Provision(cfg.Sketches, now))
		est, _ := c.CMSQuery("hits", "x")
		assert.Equal(t, []uint64{3}, est)
	})

	t.Run("Test kind conflict", func(t *testing.T) {
		other := NewMemoryCache()
		require.NoError(t, other.TDigestCreate("users", 10))
		assert.ErrorIs(t, other.Provision(cfg.Sketches, now), ErrWrongType)
	})

	assert.Equal(t, cms.RateOfChange()([]uint64{5, 2}), ScoreFor(cfg.Sketches[4])([]uint64{5, 2}))
	assert.Equal(t, 5.0, ScoreFor(config.SketchConfig{Score: config.ScoreCurrent})([]uint64{5, 2}))
}

func TestMetricsRecorded(t *testing.T) {
	m := metrics.NewMetrics()
	c := NewMemoryCache(WithMetrics(m))

	_, _ = c.BFAdd("f", "a")
	_, _ = c.BFAdd("f", "b")
	_, _ = c.CMSQuery("missing", "a")

	bf, ok := m.Op("BF.ADD")
	require.True(t, ok)
	assert.Equal(t, int64(2), bf.Calls)
	q, ok := m.Op("CMS.QUERY")
	require.True(t, ok)
	assert.Equal(t, int64(1), q.Errors)
	assert.Same(t, m, c.Metrics())
}
