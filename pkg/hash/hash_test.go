package hash

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashers(t *testing.T) {
	hashers := []Hasher{XXH3{}, XXHash{}, Murmur3{}}

	for _, h := range hashers {
		h := h
		t.Run(h.ID().String(), func(t *testing.T) {
			data := []byte("crystalsketch")

			assert.Equal(t, h.Sum64(data), h.Sum64(data), "Sum64 should be deterministic")
			assert.Equal(t, h.SeededSum64(7, data), h.SeededSum64(7, data), "SeededSum64 should be deterministic")
			assert.NotEqual(t, h.SeededSum64(1, data), h.SeededSum64(2, data), "different seeds should give different hashes")

			got, ok := Lookup(h.ID())
			require.True(t, ok, "Lookup should find a registered hasher")
			assert.Equal(t, h.ID(), got.ID())
		})
	}
}

func TestSeededDistribution(t *testing.T) {
	// Low bits of seeded hashes should spread evenly over a small table.
	const buckets = 16
	const n = 16000

	for _, h := range []Hasher{XXH3{}, XXHash{}, Murmur3{}} {
		counts := make([]int, buckets)
		for i := 0; i < n; i++ {
			counts[h.SeededSum64(42, []byte(fmt.Sprintf("key-%d", i)))%buckets]++
		}
		for b, c := range counts {
			assert.InDelta(t, n/buckets, c, 150, "%s bucket %d is unbalanced", h.ID(), b)
		}
	}
}

func TestByName(t *testing.T) {
	t.Run("Known names", func(t *testing.T) {
		for name, want := range map[string]ID{"": XXH3ID, "xxh3": XXH3ID, "XXHash": XXHashID, "murmur3": Murmur3ID} {
			h, err := ByName(name)
			require.NoError(t, err, "ByName(%q) should succeed", name)
			assert.Equal(t, want, h.ID())
		}
	})

	t.Run("Unknown name", func(t *testing.T) {
		_, err := ByName("md5")
		assert.Error(t, err, "ByName should reject unknown hash functions")
	})

	t.Run("Unknown ID", func(t *testing.T) {
		_, ok := Lookup(ID(200))
		assert.False(t, ok)
	})
}

func TestItem(t *testing.T) {
	h := XXH3{}

	t.Run("Bytes and String agree", func(t *testing.T) {
		assert.Equal(t, Bytes([]byte("abc")).Sum64(h), String("abc").Sum64(h))
		assert.Equal(t, Bytes([]byte("abc")).SeededSum64(h, 3), String("abc").SeededSum64(h, 3))
	})

	t.Run("PreHashed", func(t *testing.T) {
		it := PreHashed(12345)
		assert.True(t, it.IsPreHashed())
		assert.Equal(t, uint64(12345), it.Sum64(h), "unseeded pre-hash should be returned as-is")
		assert.NotEqual(t, it.SeededSum64(h, 1), it.SeededSum64(h, 2), "seeds should decorrelate pre-hashed items")
	})
}

func TestDeriveSeeds(t *testing.T) {
	seeds := DeriveSeeds(0, 8)
	require.Len(t, seeds, 8)

	seen := make(map[uint64]bool)
	for _, s := range seeds {
		assert.False(t, seen[s], "derived seeds should be distinct")
		seen[s] = true
	}
	assert.Equal(t, seeds, DeriveSeeds(0, 8), "derivation should be deterministic")
	assert.NotEqual(t, seeds, DeriveSeeds(1, 8), "base seed should change the sequence")
}
