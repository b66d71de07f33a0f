package cms

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genc-murat/crystalsketch/pkg/errs"
	"github.com/genc-murat/crystalsketch/pkg/hash"
)

func TestNew(t *testing.T) {
	s, err := New(0.01, 0.01)
	require.NoError(t, err)
	assert.Equal(t, uint32(272), s.Width())
	assert.Equal(t, uint32(5), s.Depth())
	assert.Equal(t, 0.01, s.Epsilon())
	assert.Equal(t, 0.01, s.Delta())
	assert.Len(t, s.Seeds(), 5)

	invalid := []struct{ eps, delta float64 }{
		{0, 0.01}, {1, 0.01}, {-0.1, 0.01}, {math.NaN(), 0.01},
		{0.01, 0}, {0.01, 1}, {0.01, math.NaN()},
		{1e-12, 0.01},
	}
	for _, tc := range invalid {
		_, err := New(tc.eps, tc.delta)
		assert.ErrorIs(t, err, errs.ErrInvalidParameter, "eps=%v delta=%v", tc.eps, tc.delta)
	}

	_, err = NewWithDimensions(0, 3)
	assert.ErrorIs(t, err, errs.ErrInvalidParameter)
	_, err = NewWithDimensions(3, 0)
	assert.ErrorIs(t, err, errs.ErrInvalidParameter)
}

func TestHeavyHitterScenario(t *testing.T) {
	s, err := New(0.01, 0.01)
	require.NoError(t, err)

	s.IncrementString("a", 500)
	s.IncrementString("b", 10)
	for i := 0; i < 10000-510; i++ {
		s.IncrementString(fmt.Sprintf("other-%d", i), 1)
	}
	require.Equal(t, uint64(10000), s.Total())

	a := s.EstimateString("a")
	b := s.EstimateString("b")
	assert.GreaterOrEqual(t, a, uint64(500))
	assert.LessOrEqual(t, a, uint64(600))
	assert.GreaterOrEqual(t, b, uint64(10))
	assert.LessOrEqual(t, b, uint64(110))
	assert.InDelta(t, 100, s.ErrorBound(), 1)
}

func TestNeverUndercounts(t *testing.T) {
	for _, h := range []hash.Hasher{hash.XXH3{}, hash.XXHash{}, hash.Murmur3{}} {
		t.Run(h.ID().String(), func(t *testing.T) {
			s, err := NewWithDimensions(64, 4, WithHasher(h))
			require.NoError(t, err)

			truth := make(map[string]uint64)
			for i := 0; i < 5000; i++ {
				key := fmt.Sprintf("k-%d", i%700)
				s.IncrementString(key, 1)
				truth[key]++
			}
			for key, n := range truth {
				assert.GreaterOrEqual(t, s.EstimateString(key), n, key)
			}
		})
	}
}

func TestMonotonicEstimates(t *testing.T) {
	s, _ := NewWithDimensions(16, 3)
	prev := s.EstimateString("watched")
	for i := 0; i < 200; i++ {
		s.IncrementString(fmt.Sprintf("noise-%d", i), 3)
		if i%7 == 0 {
			s.IncrementString("watched", 1)
		}
		cur := s.EstimateString("watched")
		require.GreaterOrEqual(t, cur, prev)
		prev = cur
	}
}

func TestZeroCountIsNoop(t *testing.T) {
	s, _ := New(0.1, 0.1)
	s.IncrementString("x", 0)
	assert.Zero(t, s.Total())
	assert.Zero(t, s.EstimateString("x"))
}

func TestPreHashedItems(t *testing.T) {
	s, _ := New(0.01, 0.01)
	s.IncrementItem(hash.PreHashed(42), 7)
	assert.Equal(t, uint64(7), s.EstimateItem(hash.PreHashed(42)))
}

func TestSaturation(t *testing.T) {
	s, _ := NewWithDimensions(8, 2)
	s.IncrementString("x", math.MaxUint64-1)
	s.IncrementString("x", 10)
	assert.Equal(t, uint64(math.MaxUint64), s.EstimateString("x"))
	assert.Equal(t, uint64(math.MaxUint64), s.Total())

	merged, err := s.Merge(s)
	require.NoError(t, err)
	assert.Equal(t, uint64(math.MaxUint64), merged.EstimateString("x"))
}

func fill(t *testing.T, prefix string, n int) *Sketch {
	t.Helper()
	s, err := New(0.01, 0.01, WithSeed(7))
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		s.IncrementString(fmt.Sprintf("%s-%d", prefix, i%50), uint64(i%3+1))
	}
	return s
}

func TestMerge(t *testing.T) {
	a := fill(t, "a", 400)
	b := fill(t, "b", 300)
	c := fill(t, "a", 100)

	ab, err := a.Merge(b)
	require.NoError(t, err)
	assert.Equal(t, a.Total()+b.Total(), ab.Total())
	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("a-%d", i)
		assert.GreaterOrEqual(t, ab.EstimateString(key), a.EstimateString(key))
	}

	t.Run("commutative", func(t *testing.T) {
		ba, err := b.Merge(a)
		require.NoError(t, err)
		assert.True(t, ab.Equal(ba))
	})

	t.Run("associative", func(t *testing.T) {
		left, _ := ab.Merge(c)
		bc, _ := b.Merge(c)
		right, err := a.Merge(bc)
		require.NoError(t, err)
		assert.True(t, left.Equal(right))
	})

	t.Run("self merge doubles", func(t *testing.T) {
		aa, err := a.Merge(a)
		require.NoError(t, err)
		assert.Equal(t, 2*a.Total(), aa.Total())
		for i := 0; i < 50; i++ {
			key := fmt.Sprintf("a-%d", i)
			assert.Equal(t, 2*a.EstimateString(key), aa.EstimateString(key))
		}
	})

	t.Run("operands untouched", func(t *testing.T) {
		fresh := fill(t, "a", 400)
		assert.True(t, a.Equal(fresh))
	})
}

func TestMergeMismatch(t *testing.T) {
	base, _ := New(0.01, 0.01)

	otherSeed, _ := New(0.01, 0.01, WithSeed(1))
	otherWidth, _ := New(0.02, 0.01)
	otherDepth, _ := New(0.01, 0.001)
	otherHash, _ := New(0.01, 0.01, WithHasher(hash.Murmur3{}))

	for name, other := range map[string]*Sketch{
		"seed":   otherSeed,
		"width":  otherWidth,
		"depth":  otherDepth,
		"hasher": otherHash,
		"nil":    nil,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := base.Merge(other)
			assert.ErrorIs(t, err, errs.ErrDimensionMismatch)
		})
	}
}

func TestDecay(t *testing.T) {
	s, _ := New(0.01, 0.01)
	s.IncrementString("x", 100)
	s.IncrementString("y", 7)

	require.NoError(t, s.Decay(0.5))
	assert.Equal(t, uint64(50), s.EstimateString("x"))
	assert.Equal(t, uint64(3), s.EstimateString("y"))
	assert.Equal(t, uint64(53), s.Total())

	require.NoError(t, s.Decay(1))
	assert.Equal(t, uint64(50), s.EstimateString("x"))

	for _, f := range []float64{0, -1, 1.5, math.NaN()} {
		assert.ErrorIs(t, s.Decay(f), errs.ErrInvalidParameter)
	}
}

func TestReset(t *testing.T) {
	s, _ := New(0.01, 0.01)
	s.IncrementString("x", 5)
	s.Reset()
	assert.Zero(t, s.Total())
	assert.Zero(t, s.EstimateString("x"))
}
