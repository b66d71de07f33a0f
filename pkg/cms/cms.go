// Package cms implements the Count-Min Sketch and a windowed trending tracker
// built on it.
//
// A Count-Min Sketch is a depth x width matrix of counters. Each row has its
// own hash seed; an item increments one counter per row and its estimate is
// the minimum of those counters. Estimates never undercount. With
// width = ceil(e/epsilon) and depth = ceil(ln(1/delta)), an estimate exceeds
// the true count by more than epsilon*Total() with probability at most delta.
//
// Counters are 64-bit and saturate at math.MaxUint64 instead of wrapping.
//
// Merging two sketches sums their counters and requires identical
// dimensions, row seeds and hash function. Because counts add up, merging a
// sketch with itself doubles every estimate; this is the expected behaviour
// for a frequency summary, unlike the idempotent Bloom/HyperLogLog merge.
//
// A Sketch is not safe for concurrent use.
package cms

import (
	"fmt"
	"math"
	"math/bits"
	"slices"

	"github.com/genc-murat/crystalsketch/pkg/errs"
	"github.com/genc-murat/crystalsketch/pkg/hash"
)

// maxCells bounds width*depth so a typo in epsilon cannot allocate the heap away.
const maxCells = 1 << 31

// Sketch is a Count-Min Sketch with 64-bit saturating counters.
type Sketch struct {
	width    uint32
	depth    uint32
	counters []uint64 // row-major, depth*width
	seeds    []uint64
	total    uint64
	hasher   hash.Hasher
	seed     uint64
	epsilon  float64
	delta    float64
}

// Option configures a Sketch.
type Option func(*Sketch)

// WithHasher selects the hash function.
func WithHasher(h hash.Hasher) Option {
	return func(s *Sketch) {
		if h != nil {
			s.hasher = h
		}
	}
}

// WithSeed sets the base seed the per-row seeds are derived from. Sketches
// can only be merged when their seeds match.
func WithSeed(seed uint64) Option {
	return func(s *Sketch) {
		s.seed = seed
	}
}

// New creates a sketch whose error is bounded by epsilon*Total() with
// probability at least 1-delta.
func New(epsilon, delta float64, opts ...Option) (*Sketch, error) {
	if math.IsNaN(epsilon) || epsilon <= 0 || epsilon >= 1 {
		return nil, fmt.Errorf("cms: %w: epsilon %v not in (0,1)", errs.ErrInvalidParameter, epsilon)
	}
	if math.IsNaN(delta) || delta <= 0 || delta >= 1 {
		return nil, fmt.Errorf("cms: %w: delta %v not in (0,1)", errs.ErrInvalidParameter, delta)
	}

	width, depth, err := Dimensions(epsilon, delta)
	if err != nil {
		return nil, err
	}
	s, err := NewWithDimensions(width, depth, opts...)
	if err != nil {
		return nil, err
	}
	s.epsilon = epsilon
	s.delta = delta
	return s, nil
}

// Dimensions returns width = ceil(e/epsilon) and depth = ceil(ln(1/delta)).
func Dimensions(epsilon, delta float64) (width, depth uint32, err error) {
	w := math.Ceil(math.E / epsilon)
	d := math.Ceil(math.Log(1 / delta))
	if d < 1 {
		d = 1
	}
	if w > math.MaxUint32 || d > math.MaxUint32 || w*d > maxCells {
		return 0, 0, fmt.Errorf("cms: %w: epsilon=%v delta=%v need %v x %v counters", errs.ErrInvalidParameter, epsilon, delta, d, w)
	}
	return uint32(w), uint32(d), nil
}

// NewWithDimensions creates a sketch with an explicit width and depth.
func NewWithDimensions(width, depth uint32, opts ...Option) (*Sketch, error) {
	if width == 0 || depth == 0 {
		return nil, fmt.Errorf("cms: %w: width and depth must be positive", errs.ErrInvalidParameter)
	}
	if uint64(width)*uint64(depth) > maxCells {
		return nil, fmt.Errorf("cms: %w: %d x %d counters exceed the limit", errs.ErrInvalidParameter, depth, width)
	}

	s := &Sketch{
		width:    width,
		depth:    depth,
		counters: make([]uint64, int(width)*int(depth)),
		hasher:   hash.Default,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.seeds = hash.DeriveSeeds(s.seed, int(depth))
	s.epsilon = math.E / float64(width)
	s.delta = math.Exp(-float64(depth))
	return s, nil
}

// Increment adds count to item.
func (s *Sketch) Increment(item []byte, count uint64) {
	s.IncrementItem(hash.Bytes(item), count)
}

// IncrementString adds count to a string item.
func (s *Sketch) IncrementString(item string, count uint64) {
	s.IncrementItem(hash.String(item), count)
}

// IncrementItem adds count to a raw or pre-hashed item.
func (s *Sketch) IncrementItem(it hash.Item, count uint64) {
	if count == 0 {
		return
	}
	for row := uint32(0); row < s.depth; row++ {
		i := s.cell(row, it)
		s.counters[i] = addSat(s.counters[i], count)
	}
	s.total = addSat(s.total, count)
}

// Estimate returns the estimated count of item. It is never below the true
// count.
func (s *Sketch) Estimate(item []byte) uint64 {
	return s.EstimateItem(hash.Bytes(item))
}

// EstimateString is Estimate for strings.
func (s *Sketch) EstimateString(item string) uint64 {
	return s.EstimateItem(hash.String(item))
}

// EstimateItem is Estimate for raw or pre-hashed items.
func (s *Sketch) EstimateItem(it hash.Item) uint64 {
	est := uint64(math.MaxUint64)
	for row := uint32(0); row < s.depth; row++ {
		if v := s.counters[s.cell(row, it)]; v < est {
			est = v
		}
	}
	return est
}

func (s *Sketch) cell(row uint32, it hash.Item) int {
	col := it.SeededSum64(s.hasher, s.seeds[row]) % uint64(s.width)
	return int(row)*int(s.width) + int(col)
}

// Merge returns a new sketch whose counters are the element-wise sum of s
// and other. The result equals a sketch fed with both streams.
func (s *Sketch) Merge(other *Sketch) (*Sketch, error) {
	if err := s.compatible(other); err != nil {
		return nil, err
	}

	out := s.Clone()
	for i, v := range other.counters {
		out.counters[i] = addSat(out.counters[i], v)
	}
	out.total = addSat(out.total, other.total)
	return out, nil
}

func (s *Sketch) compatible(other *Sketch) error {
	if other == nil {
		return fmt.Errorf("cms: %w: nil sketch", errs.ErrDimensionMismatch)
	}
	if s.width != other.width || s.depth != other.depth {
		return fmt.Errorf("cms: %w: %dx%d vs %dx%d", errs.ErrDimensionMismatch, s.depth, s.width, other.depth, other.width)
	}
	if !slices.Equal(s.seeds, other.seeds) {
		return fmt.Errorf("cms: %w: row seeds differ", errs.ErrDimensionMismatch)
	}
	if s.hasher.ID() != other.hasher.ID() {
		return fmt.Errorf("cms: %w: hash %s vs %s", errs.ErrDimensionMismatch, s.hasher.ID(), other.hasher.ID())
	}
	return nil
}

// Decay multiplies every counter and the total by factor, rounding down.
// It is used to age counts for "trending" style scoring. Estimates may
// decrease after a decay; between decays they are monotonic.
func (s *Sketch) Decay(factor float64) error {
	if math.IsNaN(factor) || factor <= 0 || factor > 1 {
		return fmt.Errorf("cms: %w: decay factor %v not in (0,1]", errs.ErrInvalidParameter, factor)
	}
	if factor == 1 {
		return nil
	}
	for i, v := range s.counters {
		s.counters[i] = uint64(float64(v) * factor)
	}
	s.total = uint64(float64(s.total) * factor)
	return nil
}

// Clone returns a deep copy.
func (s *Sketch) Clone() *Sketch {
	out := *s
	out.counters = slices.Clone(s.counters)
	out.seeds = slices.Clone(s.seeds)
	return &out
}

// Equal reports whether both sketches have the same shape, seeds, hash
// function and counters.
func (s *Sketch) Equal(other *Sketch) bool {
	return s.compatible(other) == nil &&
		s.total == other.total &&
		slices.Equal(s.counters, other.counters)
}

// Reset zeroes all counters.
func (s *Sketch) Reset() {
	clear(s.counters)
	s.total = 0
}

// Width returns the number of counters per row.
func (s *Sketch) Width() uint32 { return s.width }

// Depth returns the number of rows.
func (s *Sketch) Depth() uint32 { return s.depth }

// Total returns the sum of all increments, saturating at math.MaxUint64.
func (s *Sketch) Total() uint64 { return s.total }

// Seeds returns a copy of the per-row hash seeds.
func (s *Sketch) Seeds() []uint64 { return slices.Clone(s.seeds) }

// Hasher returns the hash function of the sketch.
func (s *Sketch) Hasher() hash.Hasher { return s.hasher }

// Epsilon returns the relative error parameter. For sketches built from
// dimensions it is e/width.
func (s *Sketch) Epsilon() float64 { return s.epsilon }

// Delta returns the failure probability parameter. For sketches built from
// dimensions it is exp(-depth).
func (s *Sketch) Delta() float64 { return s.delta }

// ErrorBound returns the absolute over-estimation bound e/width * Total().
func (s *Sketch) ErrorBound() float64 {
	return math.E / float64(s.width) * float64(s.total)
}

func addSat(a, b uint64) uint64 {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return math.MaxUint64
	}
	return sum
}
