// Package hash provides the seeded 64-bit hash functions used by the sketches.
//
// Every sketch hashes its input through a Hasher. The hasher identity is part
// of a sketch's shape: two sketches built with different hashers map the same
// item to different cells, so merging them would be meaningless. Sketches
// record the ID in their serialized header and compare it before merging.
package hash

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/twmb/murmur3"
	"github.com/zeebo/xxh3"
)

// ID identifies a hash function in serialized state.
type ID uint8

const (
	XXH3ID    ID = 1
	XXHashID  ID = 2
	Murmur3ID ID = 3
)

func (id ID) String() string {
	switch id {
	case XXH3ID:
		return "xxh3"
	case XXHashID:
		return "xxhash"
	case Murmur3ID:
		return "murmur3"
	default:
		return fmt.Sprintf("hash(%d)", uint8(id))
	}
}

// Hasher is a deterministic, well distributed, seed-parameterized 64-bit hash.
type Hasher interface {
	ID() ID
	Sum64(data []byte) uint64
	SeededSum64(seed uint64, data []byte) uint64
}

// Default is the hasher used when a sketch is built without WithHasher.
var Default Hasher = XXH3{}

// XXH3 hashes with the XXH3 64-bit variant.
type XXH3 struct{}

func (XXH3) ID() ID { return XXH3ID }

func (XXH3) Sum64(data []byte) uint64 { return xxh3.Hash(data) }

func (XXH3) SeededSum64(seed uint64, data []byte) uint64 { return xxh3.HashSeed(data, seed) }

// XXHash hashes with XXH64.
type XXHash struct{}

func (XXHash) ID() ID { return XXHashID }

func (XXHash) Sum64(data []byte) uint64 { return xxhash.Sum64(data) }

func (XXHash) SeededSum64(seed uint64, data []byte) uint64 {
	d := xxhash.NewWithSeed(seed)
	_, _ = d.Write(data)
	return d.Sum64()
}

// Murmur3 hashes with the first half of MurmurHash3 x64 128.
type Murmur3 struct{}

func (Murmur3) ID() ID { return Murmur3ID }

func (Murmur3) Sum64(data []byte) uint64 { return murmur3.Sum64(data) }

func (Murmur3) SeededSum64(seed uint64, data []byte) uint64 { return murmur3.SeedSum64(seed, data) }

// Lookup returns the hasher registered under id.
func Lookup(id ID) (Hasher, bool) {
	switch id {
	case XXH3ID:
		return XXH3{}, true
	case XXHashID:
		return XXHash{}, true
	case Murmur3ID:
		return Murmur3{}, true
	}
	return nil, false
}

// ByName resolves a configuration name ("xxh3", "xxhash", "murmur3").
// An empty name selects Default.
func ByName(name string) (Hasher, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "":
		return Default, nil
	case "xxh3":
		return XXH3{}, nil
	case "xxhash", "xxh64":
		return XXHash{}, nil
	case "murmur3", "murmur":
		return Murmur3{}, nil
	}
	return nil, fmt.Errorf("unknown hash function %q", name)
}

// Mix scrambles a 64-bit value with the SplitMix64 finalizer. It derives a
// second, decorrelated hash from a first one without touching the input
// bytes again.
func Mix(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}

// DeriveSeeds expands base into n distinct row seeds using the SplitMix64
// sequence.
func DeriveSeeds(base uint64, n int) []uint64 {
	seeds := make([]uint64, n)
	state := base
	for i := range seeds {
		state += 0x9e3779b97f4a7c15
		seeds[i] = Mix(state)
	}
	return seeds
}
