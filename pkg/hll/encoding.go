package hll

import (
	"encoding/binary"
	"fmt"

	"github.com/genc-murat/crystalsketch/pkg/errs"
	"github.com/genc-murat/crystalsketch/pkg/hash"
)

// Binary layout:
//
//	+-------+------+-----------+----------+---------------+
//	| Magic | Hash | Precision | Reserved | Registers     |
//	+-------+------+-----------+----------+---------------+
//	  4B      1B     1B          2B         2^Precision B
const (
	// Magic is "HYLL" read as a little endian uint32.
	Magic      = 0x4C4C5948
	headerSize = 8
)

// MarshalBinary encodes the sketch.
func (s *Sketch) MarshalBinary() ([]byte, error) {
	out := make([]byte, headerSize+len(s.registers))
	binary.LittleEndian.PutUint32(out[0:4], Magic)
	out[4] = byte(s.hasher.ID())
	out[5] = s.p
	copy(out[headerSize:], s.registers)
	return out, nil
}

// UnmarshalBinary decodes a sketch produced by MarshalBinary. Registers
// above the maximum rank for the precision are rejected. On error the
// receiver is unchanged.
func (s *Sketch) UnmarshalBinary(data []byte) error {
	if len(data) < headerSize {
		return fmt.Errorf("hll: %w: %d bytes is shorter than the header", errs.ErrCorruptState, len(data))
	}
	if binary.LittleEndian.Uint32(data[0:4]) != Magic {
		return fmt.Errorf("hll: %w: invalid magic", errs.ErrCorruptState)
	}
	h, ok := hash.Lookup(hash.ID(data[4]))
	if !ok {
		return fmt.Errorf("hll: %w: unknown hash id %d", errs.ErrCorruptState, data[4])
	}
	p := data[5]
	if p < MinPrecision || p > MaxPrecision {
		return fmt.Errorf("hll: %w: precision %d", errs.ErrCorruptState, p)
	}
	if len(data)-headerSize != 1<<p {
		return fmt.Errorf("hll: %w: %d registers for precision %d", errs.ErrCorruptState, len(data)-headerSize, p)
	}

	maxRank := 64 - p + 1
	registers := append([]uint8(nil), data[headerSize:]...)
	for i, r := range registers {
		if r > maxRank {
			return fmt.Errorf("hll: %w: register %d holds %d, max %d", errs.ErrCorruptState, i, r, maxRank)
		}
	}

	s.p = p
	s.registers = registers
	s.hasher = h
	return nil
}
