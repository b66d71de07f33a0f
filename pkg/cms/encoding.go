package cms

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/genc-murat/crystalsketch/pkg/errs"
	"github.com/genc-murat/crystalsketch/pkg/hash"
)

// Binary layout (little endian):
//
//	+-------+------+----------+-------+-------+-------+-------------+------------------+
//	| Magic | Hash | Reserved | Width | Depth | Total | Seeds       | Counters         |
//	+-------+------+----------+-------+-------+-------+-------------+------------------+
//	  4B      1B     3B         4B      4B      8B      Depth * 8B    Width*Depth * 8B
//
// Counters are stored row-major. The counter at row i, column j is at
//
//	headerSize + Depth*8 + (i*Width + j)*8
const (
	// Magic is "CMS2" read as a little endian uint32.
	Magic      = 0x32534D43
	headerSize = 24
)

// MarshalBinary encodes the sketch.
func (s *Sketch) MarshalBinary() ([]byte, error) {
	out := make([]byte, headerSize+len(s.seeds)*8+len(s.counters)*8)

	binary.LittleEndian.PutUint32(out[0:4], Magic)
	out[4] = byte(s.hasher.ID())
	binary.LittleEndian.PutUint32(out[8:12], s.width)
	binary.LittleEndian.PutUint32(out[12:16], s.depth)
	binary.LittleEndian.PutUint64(out[16:24], s.total)

	off := headerSize
	for _, seed := range s.seeds {
		binary.LittleEndian.PutUint64(out[off:], seed)
		off += 8
	}
	for _, c := range s.counters {
		binary.LittleEndian.PutUint64(out[off:], c)
		off += 8
	}
	return out, nil
}

// UnmarshalBinary decodes a sketch produced by MarshalBinary. On error the
// receiver is unchanged.
func (s *Sketch) UnmarshalBinary(data []byte) error {
	if len(data) < headerSize {
		return fmt.Errorf("cms: %w: %d bytes is shorter than the header", errs.ErrCorruptState, len(data))
	}
	if binary.LittleEndian.Uint32(data[0:4]) != Magic {
		return fmt.Errorf("cms: %w: invalid magic", errs.ErrCorruptState)
	}

	h, ok := hash.Lookup(hash.ID(data[4]))
	if !ok {
		return fmt.Errorf("cms: %w: unknown hash id %d", errs.ErrCorruptState, data[4])
	}

	width := binary.LittleEndian.Uint32(data[8:12])
	depth := binary.LittleEndian.Uint32(data[12:16])
	total := binary.LittleEndian.Uint64(data[16:24])
	if width == 0 || depth == 0 || uint64(width)*uint64(depth) > maxCells {
		return fmt.Errorf("cms: %w: invalid dimensions %dx%d", errs.ErrCorruptState, depth, width)
	}

	cells := uint64(width) * uint64(depth)
	if uint64(len(data)-headerSize) != (uint64(depth)+cells)*8 {
		return fmt.Errorf("cms: %w: body length %d does not match %dx%d", errs.ErrCorruptState, len(data)-headerSize, depth, width)
	}

	seeds := make([]uint64, depth)
	off := headerSize
	for i := range seeds {
		seeds[i] = binary.LittleEndian.Uint64(data[off:])
		off += 8
	}
	counters := make([]uint64, cells)
	for i := range counters {
		counters[i] = binary.LittleEndian.Uint64(data[off:])
		off += 8
	}

	s.width = width
	s.depth = depth
	s.total = total
	s.seeds = seeds
	s.counters = counters
	s.hasher = h
	s.seed = 0
	s.epsilon = math.E / float64(width)
	s.delta = math.Exp(-float64(depth))
	return nil
}
