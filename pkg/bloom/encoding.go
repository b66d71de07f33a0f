package bloom

import (
	"encoding/binary"
	"fmt"

	"github.com/bits-and-blooms/bitset"

	"github.com/genc-murat/crystalsketch/pkg/errs"
	"github.com/genc-murat/crystalsketch/pkg/hash"
)

// Binary layout (little endian):
//
//	+-------+------+----------+-----+-----+-----+-------+---------------------+
//	| Magic | Hash | Reserved |  M  |  K  | Pad | Count | Words ...           |
//	+-------+------+----------+-----+-----+-----+-------+---------------------+
//	  4B      1B     3B         8B    4B    4B    8B      ceil(M/64) * 8B
//
// Bits past M in the last word must be zero.
const (
	// Magic is "BLM1" read as a little endian uint32.
	Magic      = 0x314D4C42
	headerSize = 32
)

// MarshalBinary encodes the filter.
func (f *Filter) MarshalBinary() ([]byte, error) {
	words := f.bits.Bytes()
	out := make([]byte, headerSize+len(words)*8)

	binary.LittleEndian.PutUint32(out[0:4], Magic)
	out[4] = byte(f.hasher.ID())
	binary.LittleEndian.PutUint64(out[8:16], f.m)
	binary.LittleEndian.PutUint32(out[16:20], f.k)
	binary.LittleEndian.PutUint64(out[24:32], f.count)

	for i, w := range words {
		binary.LittleEndian.PutUint64(out[headerSize+i*8:], w)
	}
	return out, nil
}

// UnmarshalBinary decodes a filter produced by MarshalBinary. On error the
// receiver is unchanged.
func (f *Filter) UnmarshalBinary(data []byte) error {
	if len(data) < headerSize {
		return fmt.Errorf("bloom: %w: %d bytes is shorter than the header", errs.ErrCorruptState, len(data))
	}
	if binary.LittleEndian.Uint32(data[0:4]) != Magic {
		return fmt.Errorf("bloom: %w: invalid magic", errs.ErrCorruptState)
	}

	h, ok := hash.Lookup(hash.ID(data[4]))
	if !ok {
		return fmt.Errorf("bloom: %w: unknown hash id %d", errs.ErrCorruptState, data[4])
	}

	m := binary.LittleEndian.Uint64(data[8:16])
	k := binary.LittleEndian.Uint32(data[16:20])
	count := binary.LittleEndian.Uint64(data[24:32])
	if m == 0 || m > uint64(^uint(0)) || k == 0 || k > maxHashCount {
		return fmt.Errorf("bloom: %w: invalid parameters m=%d k=%d", errs.ErrCorruptState, m, k)
	}

	numWords := m / 64
	if m%64 != 0 {
		numWords++
	}
	if body := uint64(len(data) - headerSize); body%8 != 0 || body/8 != numWords {
		return fmt.Errorf("bloom: %w: expected %d bit words, got %d bytes", errs.ErrCorruptState, numWords, len(data)-headerSize)
	}

	bs := bitset.New(uint(m))
	words := bs.Bytes()
	if uint64(len(words)) != numWords {
		return fmt.Errorf("bloom: %w: cannot hold %d bits", errs.ErrCorruptState, m)
	}
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(data[headerSize+i*8:])
	}
	if tail := m % 64; tail != 0 && words[len(words)-1]>>tail != 0 {
		return fmt.Errorf("bloom: %w: bits set beyond m", errs.ErrCorruptState)
	}

	f.bits = bs
	f.m = m
	f.k = k
	f.count = count
	f.hasher = h
	return nil
}
