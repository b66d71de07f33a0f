// Package hll implements the HyperLogLog cardinality estimator.
//
// A sketch of precision p keeps m = 2^p one-byte registers. The low p bits
// of a 64-bit item hash select a register and the register keeps the
// maximum rank (leading zeros + 1) seen in the remaining 64-p bits. The
// standard error of the estimate is about 1.04/sqrt(m), 0.81% at p = 14.
//
// Merging takes the register-wise maximum. It is commutative, associative
// and idempotent, so the same stream can be merged in twice without
// changing the estimate.
//
// A Sketch is not safe for concurrent use.
package hll

import (
	"fmt"
	"math"
	"math/bits"

	"github.com/genc-murat/crystalsketch/pkg/errs"
	"github.com/genc-murat/crystalsketch/pkg/hash"
)

const (
	MinPrecision     = 4
	MaxPrecision     = 18
	DefaultPrecision = 14
)

// Sketch is a dense HyperLogLog sketch.
type Sketch struct {
	p         uint8
	registers []uint8
	hasher    hash.Hasher
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

// New creates an empty sketch with 2^precision registers.
func New(precision uint8, opts ...Option) (*Sketch, error) {
	if precision < MinPrecision || precision > MaxPrecision {
		return nil, fmt.Errorf("hll: %w: precision %d not in [%d,%d]", errs.ErrInvalidParameter, precision, MinPrecision, MaxPrecision)
	}
	s := &Sketch{
		p:         precision,
		registers: make([]uint8, 1<<precision),
		hasher:    hash.Default,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Add inserts item and reports whether a register changed.
func (s *Sketch) Add(item []byte) bool {
	return s.AddItem(hash.Bytes(item))
}

// AddString inserts a string item.
func (s *Sketch) AddString(item string) bool {
	return s.AddItem(hash.String(item))
}

// AddItem inserts a raw or pre-hashed item.
func (s *Sketch) AddItem(it hash.Item) bool {
	return s.AddHash(it.Sum64(s.hasher))
}

// AddHash inserts an already computed 64-bit hash.
func (s *Sketch) AddHash(x uint64) bool {
	idx := x & (uint64(len(s.registers)) - 1)
	rank := s.rank(x >> s.p)
	if rank > s.registers[idx] {
		s.registers[idx] = rank
		return true
	}
	return false
}

// rank returns the position of the first set bit of w counted over its
// 64-p significant bits, starting at 1. An all-zero w ranks 65-p.
func (s *Sketch) rank(w uint64) uint8 {
	if w == 0 {
		return s.maxRank()
	}
	return uint8(bits.LeadingZeros64(w)) - s.p + 1
}

func (s *Sketch) maxRank() uint8 { return 64 - s.p + 1 }

// Count returns the estimated number of distinct items, rounded to the
// nearest integer.
func (s *Sketch) Count() uint64 {
	e := s.Cardinality()
	if e >= math.MaxUint64 {
		return math.MaxUint64
	}
	return uint64(math.Round(e))
}

// Cardinality returns the cardinality estimate, computed with Ertl's
// improved raw estimator ("New cardinality estimation algorithms for
// HyperLogLog sketches", 2017). It works from the register histogram and
// stays unbiased from empty sketches up to the size of the hash space, with
// no switch between small and large range estimators and no empirical bias
// tables.
func (s *Sketch) Cardinality() float64 {
	m := float64(len(s.registers))
	q := int(s.maxRank()) - 1

	hist := make([]int, q+2)
	for _, r := range s.registers {
		hist[r]++
	}
	if hist[0] == len(s.registers) {
		return 0
	}

	z := m * tau(1-float64(hist[q+1])/m)
	for k := q; k >= 1; k-- {
		z = 0.5 * (z + float64(hist[k]))
	}
	z += m * sigma(float64(hist[0])/m)
	if z == 0 {
		return math.Inf(1)
	}
	return alphaInf * m * m / z
}

// alphaInf is the bias correction constant 1/(2 ln 2) for m -> infinity.
var alphaInf = 1 / (2 * math.Ln2)

// sigma evaluates x + sum_{k>=1} x^(2^k) 2^(k-1) for x in [0, 1).
func sigma(x float64) float64 {
	if x == 1 {
		return math.Inf(1)
	}
	y, z := 1.0, x
	for {
		x *= x
		prev := z
		z += x * y
		y += y
		if z == prev {
			return z
		}
	}
}

// tau evaluates (1 - x - sum_{k>=1} (1 - x^(2^-k))^2 2^-k) / 3 for x in [0, 1].
func tau(x float64) float64 {
	if x == 0 || x == 1 {
		return 0
	}
	y, z := 1.0, 1-x
	for {
		x = math.Sqrt(x)
		prev := z
		y *= 0.5
		z -= (1 - x) * (1 - x) * y
		if z == prev {
			return z / 3
		}
	}
}

// Merge returns a new sketch holding the register-wise maximum of s and
// other. Neither operand is modified.
func (s *Sketch) Merge(other *Sketch) (*Sketch, error) {
	out := s.Clone()
	if err := out.MergeInPlace(other); err != nil {
		return nil, err
	}
	return out, nil
}

// MergeInPlace folds other into s.
func (s *Sketch) MergeInPlace(other *Sketch) error {
	if err := s.compatible(other); err != nil {
		return err
	}
	for i, r := range other.registers {
		if r > s.registers[i] {
			s.registers[i] = r
		}
	}
	return nil
}

func (s *Sketch) compatible(other *Sketch) error {
	if other == nil {
		return fmt.Errorf("hll: %w: nil sketch", errs.ErrDimensionMismatch)
	}
	if s.p != other.p {
		return fmt.Errorf("hll: %w: precision %d vs %d", errs.ErrDimensionMismatch, s.p, other.p)
	}
	if s.hasher.ID() != other.hasher.ID() {
		return fmt.Errorf("hll: %w: hash %s vs %s", errs.ErrDimensionMismatch, s.hasher.ID(), other.hasher.ID())
	}
	return nil
}

// Clone returns a deep copy.
func (s *Sketch) Clone() *Sketch {
	out := *s
	out.registers = append([]uint8(nil), s.registers...)
	return &out
}

// Equal reports whether both sketches are compatible and hold the same
// registers.
func (s *Sketch) Equal(other *Sketch) bool {
	if s.compatible(other) != nil {
		return false
	}
	for i, r := range s.registers {
		if other.registers[i] != r {
			return false
		}
	}
	return true
}

// Clear resets every register.
func (s *Sketch) Clear() {
	clear(s.registers)
}

// Precision returns p.
func (s *Sketch) Precision() uint8 { return s.p }

// Registers returns a copy of the registers.
func (s *Sketch) Registers() []uint8 { return append([]uint8(nil), s.registers...) }

// Hasher returns the hash function of the sketch.
func (s *Sketch) Hasher() hash.Hasher { return s.hasher }

// IsEmpty reports whether no item was added.
func (s *Sketch) IsEmpty() bool {
	for _, r := range s.registers {
		if r != 0 {
			return false
		}
	}
	return true
}

// RelativeError returns the standard error 1.04/sqrt(m).
func (s *Sketch) RelativeError() float64 {
	return 1.04 / math.Sqrt(float64(len(s.registers)))
}

// Stats describes a sketch.
type Stats struct {
	Precision     uint8
	Registers     int
	NonZero       int
	Sparseness    float64
	RelativeError float64
	Hash          hash.ID
}

// Stats returns a summary of the register occupancy.
func (s *Sketch) Stats() Stats {
	nonZero := 0
	for _, r := range s.registers {
		if r != 0 {
			nonZero++
		}
	}
	return Stats{
		Precision:     s.p,
		Registers:     len(s.registers),
		NonZero:       nonZero,
		Sparseness:    1 - float64(nonZero)/float64(len(s.registers)),
		RelativeError: s.RelativeError(),
		Hash:          s.hasher.ID(),
	}
}
