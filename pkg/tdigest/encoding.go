package tdigest

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/genc-murat/crystalsketch/pkg/errs"
)

// Binary layout (little endian):
//
//	+-------+----------+-------------+-----+-----+-----+---+-----+------------------------+
//	| Magic | Reserved | Compression | Min | Max | Sum | N | Pad | N x (Mean, Weight)     |
//	+-------+----------+-------------+-----+-----+-----+---+-----+------------------------+
//	  4B      4B         8B            8B    8B    8B    4B  4B    N x (8B float, 8B uint)
//
// Centroids are written compressed and sorted by mean.
const (
	// Magic is "TDG1" read as a little endian uint32.
	Magic        = 0x31474454
	headerSize   = 48
	centroidSize = 16
)

// MarshalBinary compresses the digest and encodes it.
func (d *Digest) MarshalBinary() ([]byte, error) {
	d.Compress()

	out := make([]byte, headerSize+len(d.centroids)*centroidSize)
	binary.LittleEndian.PutUint32(out[0:4], Magic)
	binary.LittleEndian.PutUint64(out[8:16], math.Float64bits(d.compression))
	binary.LittleEndian.PutUint64(out[16:24], math.Float64bits(d.min))
	binary.LittleEndian.PutUint64(out[24:32], math.Float64bits(d.max))
	binary.LittleEndian.PutUint64(out[32:40], math.Float64bits(d.sum))
	binary.LittleEndian.PutUint32(out[40:44], uint32(len(d.centroids)))

	off := headerSize
	for _, c := range d.centroids {
		binary.LittleEndian.PutUint64(out[off:], math.Float64bits(c.Mean))
		binary.LittleEndian.PutUint64(out[off+8:], c.Weight)
		off += centroidSize
	}
	return out, nil
}

// UnmarshalBinary decodes a digest produced by MarshalBinary. Non-finite
// values, zero weights, unsorted centroids and a non-positive compression
// are rejected. On error the receiver is unchanged.
func (d *Digest) UnmarshalBinary(data []byte) error {
	if len(data) < headerSize {
		return fmt.Errorf("tdigest: %w: %d bytes is shorter than the header", errs.ErrCorruptState, len(data))
	}
	if binary.LittleEndian.Uint32(data[0:4]) != Magic {
		return fmt.Errorf("tdigest: %w: invalid magic", errs.ErrCorruptState)
	}

	compression := math.Float64frombits(binary.LittleEndian.Uint64(data[8:16]))
	lo := math.Float64frombits(binary.LittleEndian.Uint64(data[16:24]))
	hi := math.Float64frombits(binary.LittleEndian.Uint64(data[24:32]))
	sum := math.Float64frombits(binary.LittleEndian.Uint64(data[32:40]))
	n := binary.LittleEndian.Uint32(data[40:44])

	if math.IsNaN(compression) || math.IsInf(compression, 0) || compression <= 0 {
		return fmt.Errorf("tdigest: %w: compression %v", errs.ErrCorruptState, compression)
	}
	if uint64(len(data)-headerSize) != uint64(n)*centroidSize {
		return fmt.Errorf("tdigest: %w: body length %d does not hold %d centroids", errs.ErrCorruptState, len(data)-headerSize, n)
	}
	if math.IsNaN(sum) || math.IsInf(sum, 0) {
		return fmt.Errorf("tdigest: %w: sum %v", errs.ErrCorruptState, sum)
	}

	out := newDigest(compression)
	if n == 0 {
		*d = *out
		return nil
	}
	if !finite(lo) || !finite(hi) || lo > hi {
		return fmt.Errorf("tdigest: %w: range [%v, %v]", errs.ErrCorruptState, lo, hi)
	}

	out.centroids = make([]Centroid, n)
	off := headerSize
	for i := range out.centroids {
		c := Centroid{
			Mean:   math.Float64frombits(binary.LittleEndian.Uint64(data[off:])),
			Weight: binary.LittleEndian.Uint64(data[off+8:]),
		}
		off += centroidSize

		switch {
		case !finite(c.Mean):
			return fmt.Errorf("tdigest: %w: centroid %d mean %v", errs.ErrCorruptState, i, c.Mean)
		case c.Mean < lo || c.Mean > hi:
			return fmt.Errorf("tdigest: %w: centroid %d mean %v outside [%v, %v]", errs.ErrCorruptState, i, c.Mean, lo, hi)
		case c.Weight == 0:
			return fmt.Errorf("tdigest: %w: centroid %d has zero weight", errs.ErrCorruptState, i)
		case i > 0 && c.Mean < out.centroids[i-1].Mean:
			return fmt.Errorf("tdigest: %w: centroid %d out of order", errs.ErrCorruptState, i)
		}
		out.centroids[i] = c
		out.count = addSat(out.count, c.Weight)
	}
	out.min, out.max, out.sum = lo, hi, sum

	*d = *out
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
