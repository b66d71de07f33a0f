// Package tdigest implements Dunning's merging t-digest for streaming
// quantile estimation.
//
// Values are buffered and periodically merged into a sorted list of
// centroids. The size of each centroid is bounded by the k1 scale function
// (see scale.go), which keeps the tails accurate with a bounded number of
// centroids. Quantile(0) and Quantile(1) return the exact minimum and
// maximum.
//
// Merging re-inserts the centroids of both digests into a fresh digest, so
// merging a digest with itself doubles its weight without moving its
// quantiles.
//
// A Digest is not safe for concurrent use. Read methods may compress the
// pending buffer and therefore mutate the internal representation.
package tdigest

import (
	"fmt"
	"math"
	"math/bits"
	"sort"

	"github.com/genc-murat/crystalsketch/pkg/errs"
)

// DefaultCompression is a good tradeoff between size and accuracy.
const DefaultCompression = 100

// Centroid is a cluster of Weight values with the given Mean.
type Centroid struct {
	Mean   float64
	Weight uint64
}

// Digest is a merging t-digest.
type Digest struct {
	compression float64
	centroids   []Centroid // sorted by mean, compressed
	buffer      []Centroid // pending, unsorted
	count       uint64
	sum         float64
	min         float64
	max         float64
}

// New creates an empty digest. Larger compression means more centroids and
// better accuracy.
func New(compression float64) (*Digest, error) {
	if math.IsNaN(compression) || math.IsInf(compression, 0) || compression <= 0 {
		return nil, fmt.Errorf("tdigest: %w: compression %v must be positive", errs.ErrInvalidParameter, compression)
	}
	return newDigest(compression), nil
}

func newDigest(compression float64) *Digest {
	return &Digest{
		compression: compression,
		min:         math.Inf(1),
		max:         math.Inf(-1),
	}
}

// Add inserts value with the given weight. NaN and infinite values and
// zero weights are ignored.
func (d *Digest) Add(value float64, weight uint64) {
	if weight == 0 || math.IsNaN(value) || math.IsInf(value, 0) {
		return
	}
	d.insert(Centroid{Mean: value, Weight: weight}, value, value)
}

// AddValue inserts value with weight 1.
func (d *Digest) AddValue(value float64) {
	d.Add(value, 1)
}

func (d *Digest) insert(c Centroid, lo, hi float64) {
	if lo < d.min {
		d.min = lo
	}
	if hi > d.max {
		d.max = hi
	}
	d.count = addSat(d.count, c.Weight)
	d.sum += c.Mean * float64(c.Weight)
	d.buffer = append(d.buffer, c)

	if len(d.centroids)+len(d.buffer) > d.limit() {
		d.Compress()
	}
}

// limit is the centroid plus buffer count that triggers a compression.
func (d *Digest) limit() int {
	return int(math.Ceil(2 * d.compression))
}

// Compress merges the pending buffer into the centroid list and re-merges
// adjacent centroids up to the scale function bound.
func (d *Digest) Compress() {
	if len(d.buffer) == 0 {
		return
	}

	all := make([]Centroid, 0, len(d.centroids)+len(d.buffer))
	all = append(all, d.centroids...)
	all = append(all, d.buffer...)
	d.buffer = d.buffer[:0]

	sort.Slice(all, func(i, j int) bool {
		if all[i].Mean != all[j].Mean {
			return all[i].Mean < all[j].Mean
		}
		return all[i].Weight < all[j].Weight
	})

	var total float64
	for _, c := range all {
		total += float64(c.Weight)
	}

	out := all[:1]
	before := 0.0 // weight left of the last output centroid
	qLimit := scaleQ(scaleK(0, d.compression)+1, d.compression)
	for _, c := range all[1:] {
		cur := &out[len(out)-1]
		if (before+float64(cur.Weight)+float64(c.Weight))/total <= qLimit {
			cur.Weight = addSat(cur.Weight, c.Weight)
			// Running weighted average.
			cur.Mean += (c.Mean - cur.Mean) * float64(c.Weight) / float64(cur.Weight)
			cur.Mean = math.Min(cur.Mean, c.Mean)
			continue
		}
		before += float64(cur.Weight)
		qLimit = scaleQ(scaleK(before/total, d.compression)+1, d.compression)
		out = append(out, c)
	}

	d.centroids = append(d.centroids[:0], out...)
}

// Quantile returns the estimated value at quantile q in [0,1]. It reports
// false for an empty digest or a q outside [0,1].
//
// Centroid i stands at cumulative weight (weights before i) + Weight/2;
// values in between are interpolated linearly, with the minimum at weight 0
// and the maximum at the total weight.
func (d *Digest) Quantile(q float64) (float64, bool) {
	if d.count == 0 || math.IsNaN(q) || q < 0 || q > 1 {
		return math.NaN(), false
	}
	switch q {
	case 0:
		return d.min, true
	case 1:
		return d.max, true
	}

	xs, ys := d.points()
	t := q * ys[len(ys)-1]
	j := sort.Search(len(ys), func(i int) bool { return ys[i] >= t })
	if j == 0 {
		return xs[0], true
	}
	frac := (t - ys[j-1]) / (ys[j] - ys[j-1])
	return clamp(xs[j-1]+frac*(xs[j]-xs[j-1]), d.min, d.max), true
}

// CDF returns the estimated fraction of values less than or equal to x. It
// reports false for an empty digest or a NaN x.
func (d *Digest) CDF(x float64) (float64, bool) {
	if d.count == 0 || math.IsNaN(x) {
		return math.NaN(), false
	}
	switch {
	case x < d.min:
		return 0, true
	case x >= d.max:
		return 1, true
	}

	xs, ys := d.points()
	j := sort.Search(len(xs), func(i int) bool { return xs[i] > x })
	frac := (x - xs[j-1]) / (xs[j] - xs[j-1])
	pos := ys[j-1] + frac*(ys[j]-ys[j-1])
	return clamp(pos/ys[len(ys)-1], 0, 1), true
}

// points returns the interpolation knots: (min, 0), one knot per centroid
// at its cumulative midpoint, and (max, total).
func (d *Digest) points() (xs, ys []float64) {
	d.Compress()

	xs = make([]float64, 0, len(d.centroids)+2)
	ys = make([]float64, 0, len(d.centroids)+2)
	xs = append(xs, d.min)
	ys = append(ys, 0)

	var cum float64
	for _, c := range d.centroids {
		w := float64(c.Weight)
		xs = append(xs, c.Mean)
		ys = append(ys, cum+w/2)
		cum += w
	}

	xs = append(xs, d.max)
	ys = append(ys, cum)
	return xs, ys
}

// TrimmedMean returns the mean of the values between quantiles lo and hi.
// Centroids straddling a bound contribute proportionally. It reports false
// for an empty digest or invalid bounds.
func (d *Digest) TrimmedMean(lo, hi float64) (float64, bool) {
	if d.count == 0 || !(lo >= 0 && lo < hi && hi <= 1) {
		return math.NaN(), false
	}
	d.Compress()

	var total float64
	for _, c := range d.centroids {
		total += float64(c.Weight)
	}
	from, to := lo*total, hi*total

	var sum, weight, cum float64
	for _, c := range d.centroids {
		w := float64(c.Weight)
		start, end := math.Max(cum, from), math.Min(cum+w, to)
		if end > start {
			sum += c.Mean * (end - start)
			weight += end - start
		}
		cum += w
	}
	if weight == 0 {
		return math.NaN(), false
	}
	return sum / weight, true
}

// Merge returns a fresh digest holding the centroids of d and other,
// compressed at the larger of the two compressions. Neither operand is
// modified.
func (d *Digest) Merge(other *Digest) *Digest {
	return MergeAll(d, other)
}

// MergeAll combines any number of digests into a fresh one using the
// largest compression among them. Nil digests are skipped; with no digest
// left the result is empty with DefaultCompression.
func MergeAll(digests ...*Digest) *Digest {
	compression := 0.0
	size := 0
	for _, d := range digests {
		if d == nil {
			continue
		}
		compression = math.Max(compression, d.compression)
		size += len(d.centroids) + len(d.buffer)
	}
	if compression == 0 {
		compression = DefaultCompression
	}

	out := newDigest(compression)
	out.buffer = make([]Centroid, 0, size)
	for _, d := range digests {
		if d == nil || d.count == 0 {
			continue
		}
		out.buffer = append(out.buffer, d.centroids...)
		out.buffer = append(out.buffer, d.buffer...)
		out.count = addSat(out.count, d.count)
		out.sum += d.sum
		out.min = math.Min(out.min, d.min)
		out.max = math.Max(out.max, d.max)
	}
	out.Compress()
	return out
}

// Clone returns a deep copy.
func (d *Digest) Clone() *Digest {
	out := *d
	out.centroids = append([]Centroid(nil), d.centroids...)
	out.buffer = append([]Centroid(nil), d.buffer...)
	return &out
}

// Reset removes all values and keeps the compression.
func (d *Digest) Reset() {
	*d = *newDigest(d.compression)
}

// Count returns the total weight added, saturating at math.MaxUint64.
func (d *Digest) Count() uint64 { return d.count }

// Sum returns the weighted sum of all values.
func (d *Digest) Sum() float64 { return d.sum }

// Mean returns the weighted mean of all values, or NaN when empty.
func (d *Digest) Mean() float64 {
	if d.count == 0 {
		return math.NaN()
	}
	return d.sum / float64(d.count)
}

// Min returns the smallest value added, or +Inf when empty.
func (d *Digest) Min() float64 { return d.min }

// Max returns the largest value added, or -Inf when empty.
func (d *Digest) Max() float64 { return d.max }

// Compression returns the compression parameter.
func (d *Digest) Compression() float64 { return d.compression }

// Centroids compresses the digest and returns a copy of its centroids.
func (d *Digest) Centroids() []Centroid {
	d.Compress()
	return append([]Centroid(nil), d.centroids...)
}

// CentroidCount compresses the digest and returns the number of centroids.
func (d *Digest) CentroidCount() int {
	d.Compress()
	return len(d.centroids)
}

// Info describes a digest.
type Info struct {
	Compression float64
	Count       uint64
	Min         float64
	Max         float64
	Centroids   int
	MemoryBytes int
}

// Info returns a summary of the digest.
func (d *Digest) Info() Info {
	n := d.CentroidCount()
	return Info{
		Compression: d.compression,
		Count:       d.count,
		Min:         d.min,
		Max:         d.max,
		Centroids:   n,
		MemoryBytes: n * 16,
	}
}

func addSat(a, b uint64) uint64 {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return math.MaxUint64
	}
	return sum
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
