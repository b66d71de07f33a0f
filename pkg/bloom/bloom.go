// Package bloom implements a classic Bloom filter for probabilistic set
// membership.
//
// A filter answers "definitely not present" or "probably present". It never
// produces false negatives; the false positive rate reaches the configured
// target once expectedItems distinct items have been added and keeps rising
// smoothly beyond that.
//
// Bit positions are derived with the Kirsch-Mitzenmacher double hashing
// technique: one 64-bit hash h1 of the item, a decorrelated h2 = mix(h1),
// and h_i = h1 + i*h2 mod m for i in [0, k).
//
// Filters support Union (bitwise OR) of filters with identical (m, k, hash).
// There is deliberately no intersection: the AND of two Bloom filters does
// not represent the intersection of the underlying sets and has a false
// positive rate that cannot be bounded from the operands.
//
// A Filter is not safe for concurrent use. Either give each goroutine its own
// filter and Union them, or guard a shared filter with a mutex.
package bloom

import (
	"fmt"
	"math"
	"math/bits"

	"github.com/bits-and-blooms/bitset"

	"github.com/genc-murat/crystalsketch/pkg/errs"
	"github.com/genc-murat/crystalsketch/pkg/hash"
)

// maxHashCount bounds k for both construction and decoding.
const maxHashCount = 1024

// Filter is a Bloom filter with m bits and k hash functions.
type Filter struct {
	bits   *bitset.BitSet
	m      uint64
	k      uint32
	count  uint64
	hasher hash.Hasher
}

// Option configures a Filter.
type Option func(*Filter)

// WithHasher selects the hash function. Filters can only be combined with
// filters using the same hasher.
func WithHasher(h hash.Hasher) Option {
	return func(f *Filter) {
		if h != nil {
			f.hasher = h
		}
	}
}

// New creates a filter sized for expectedItems at the target false positive
// rate, using m = ceil(-n*ln(p) / ln(2)^2) and k = round(m/n * ln(2)).
func New(expectedItems uint64, falsePositiveRate float64, opts ...Option) (*Filter, error) {
	if expectedItems == 0 {
		return nil, fmt.Errorf("bloom: %w: expected items must be positive", errs.ErrInvalidParameter)
	}
	if math.IsNaN(falsePositiveRate) || falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		return nil, fmt.Errorf("bloom: %w: false positive rate %v not in (0,1)", errs.ErrInvalidParameter, falsePositiveRate)
	}

	m, k := OptimalParams(expectedItems, falsePositiveRate)
	return NewWithParams(m, k, opts...)
}

// NewWithParams creates a filter with explicit bit count m and hash count k.
func NewWithParams(m uint64, k uint32, opts ...Option) (*Filter, error) {
	if m == 0 || m > uint64(^uint(0)) {
		return nil, fmt.Errorf("bloom: %w: bit count %d out of range", errs.ErrInvalidParameter, m)
	}
	if k == 0 || k > maxHashCount {
		return nil, fmt.Errorf("bloom: %w: hash count %d out of range", errs.ErrInvalidParameter, k)
	}

	f := &Filter{
		bits:   bitset.New(uint(m)),
		m:      m,
		k:      k,
		hasher: hash.Default,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// OptimalParams returns the bit count and hash count for n items at false
// positive rate p. Callers are expected to pass n > 0 and p in (0,1).
func OptimalParams(n uint64, p float64) (m uint64, k uint32) {
	m = uint64(math.Ceil(-float64(n) * math.Log(p) / (math.Ln2 * math.Ln2)))
	if m == 0 {
		m = 1
	}
	kf := math.Round(float64(m) / float64(n) * math.Ln2)
	switch {
	case kf < 1:
		k = 1
	case kf > maxHashCount:
		k = maxHashCount
	default:
		k = uint32(kf)
	}
	return m, k
}

// Add inserts an item.
func (f *Filter) Add(item []byte) {
	f.AddItem(hash.Bytes(item))
}

// AddString inserts a string item.
func (f *Filter) AddString(s string) {
	f.AddItem(hash.String(s))
}

// AddItem inserts a raw or pre-hashed item.
func (f *Filter) AddItem(it hash.Item) {
	h1, h2 := f.baseHashes(it)
	for i := uint64(0); i < uint64(f.k); i++ {
		f.bits.Set(uint((h1 + i*h2) % f.m))
	}
	if f.count < math.MaxUint64 {
		f.count++
	}
}

// MightContain reports whether item may have been added. A false result is
// definitive.
func (f *Filter) MightContain(item []byte) bool {
	return f.MightContainItem(hash.Bytes(item))
}

// MightContainString is MightContain for strings.
func (f *Filter) MightContainString(s string) bool {
	return f.MightContainItem(hash.String(s))
}

// MightContainItem is MightContain for raw or pre-hashed items.
func (f *Filter) MightContainItem(it hash.Item) bool {
	h1, h2 := f.baseHashes(it)
	for i := uint64(0); i < uint64(f.k); i++ {
		if !f.bits.Test(uint((h1 + i*h2) % f.m)) {
			return false
		}
	}
	return true
}

// baseHashes returns h1 and an odd h2 so the probe sequence never collapses
// onto a single bit.
func (f *Filter) baseHashes(it hash.Item) (uint64, uint64) {
	h1 := it.Sum64(f.hasher)
	return h1, hash.Mix(h1) | 1
}

// Union returns a new filter holding the bitwise OR of f and other. The
// result answers membership for the union of both input sets. Both filters
// must share m, k and hash function.
func (f *Filter) Union(other *Filter) (*Filter, error) {
	if err := f.compatible(other); err != nil {
		return nil, err
	}

	out := f.Clone()
	out.bits.InPlaceUnion(other.bits)
	sum, carry := bits.Add64(f.count, other.count, 0)
	if carry != 0 {
		sum = math.MaxUint64
	}
	out.count = sum
	return out, nil
}

func (f *Filter) compatible(other *Filter) error {
	if other == nil {
		return fmt.Errorf("bloom: %w: nil filter", errs.ErrDimensionMismatch)
	}
	if f.m != other.m || f.k != other.k {
		return fmt.Errorf("bloom: %w: (m=%d,k=%d) vs (m=%d,k=%d)", errs.ErrDimensionMismatch, f.m, f.k, other.m, other.k)
	}
	if f.hasher.ID() != other.hasher.ID() {
		return fmt.Errorf("bloom: %w: hash %s vs %s", errs.ErrDimensionMismatch, f.hasher.ID(), other.hasher.ID())
	}
	return nil
}

// Clone returns a deep copy.
func (f *Filter) Clone() *Filter {
	return &Filter{
		bits:   f.bits.Clone(),
		m:      f.m,
		k:      f.k,
		count:  f.count,
		hasher: f.hasher,
	}
}

// Equal reports whether two filters have identical parameters and bits.
// The insertion counter is not compared.
func (f *Filter) Equal(other *Filter) bool {
	return f.compatible(other) == nil && f.bits.Equal(other.bits)
}

// Clear resets every bit and the insertion counter.
func (f *Filter) Clear() {
	f.bits.ClearAll()
	f.count = 0
}

// M returns the number of bits.
func (f *Filter) M() uint64 { return f.m }

// K returns the number of hash functions.
func (f *Filter) K() uint32 { return f.k }

// Count returns the number of Add calls, saturating at math.MaxUint64.
// Re-adding an item counts again.
func (f *Filter) Count() uint64 { return f.count }

// Hasher returns the hash function of the filter.
func (f *Filter) Hasher() hash.Hasher { return f.hasher }

// SetBits returns the number of bits set to one.
func (f *Filter) SetBits() uint64 { return uint64(f.bits.Count()) }

// ApproximateCount estimates the number of distinct items from the fill
// ratio: n* = -(m/k) * ln(1 - X/m). A saturated filter returns
// math.MaxUint64.
func (f *Filter) ApproximateCount() uint64 {
	x := float64(f.bits.Count())
	m := float64(f.m)
	if x >= m {
		return math.MaxUint64
	}
	return uint64(math.Round(-(m / float64(f.k)) * math.Log1p(-x/m)))
}

// EstimatedFalsePositiveRate returns (X/m)^k for the current fill X.
func (f *Filter) EstimatedFalsePositiveRate() float64 {
	return math.Pow(float64(f.bits.Count())/float64(f.m), float64(f.k))
}

// Stats summarizes a filter.
type Stats struct {
	M                 uint64
	K                 uint32
	Count             uint64
	SetBits           uint64
	FalsePositiveRate float64
	MemoryBytes       uint64
	Hash              string
}

// Stats returns the filter summary.
func (f *Filter) Stats() Stats {
	return Stats{
		M:                 f.m,
		K:                 f.k,
		Count:             f.count,
		SetBits:           f.SetBits(),
		FalsePositiveRate: f.EstimatedFalsePositiveRate(),
		MemoryBytes:       uint64(len(f.bits.Bytes())) * 8,
		Hash:              f.hasher.ID().String(),
	}
}
