package cms

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/genc-murat/crystalsketch/pkg/errs"
	"github.com/genc-murat/crystalsketch/pkg/hash"
)

// Tracker layout (little endian):
//
//	+-------+------+----------+--------+-----------+---------+-------+---------+-------+------+
//	| Magic | Hash | Reserved | Window | Retention | Windows | Start | Epsilon | Delta | Seed |
//	+-------+------+----------+--------+-----------+---------+-------+---------+-------+------+
//	  4B      1B     3B         8B       4B          4B        8B      8B        8B      8B
//
// followed by Windows records of Len(4B) | encoded Sketch, current window first.
// Window is in nanoseconds and Start in Unix nanoseconds.
const (
	// TrackerMagic is "TRK1" read as a little endian uint32.
	TrackerMagic      = 0x314B5254
	trackerHeaderSize = 56
)

// MarshalBinary encodes the tracker with all of its windows.
func (t *TrendingTracker) MarshalBinary() ([]byte, error) {
	out := make([]byte, trackerHeaderSize, trackerHeaderSize+len(t.windows)*64)

	binary.LittleEndian.PutUint32(out[0:4], TrackerMagic)
	out[4] = byte(t.cfg.Hasher.ID())
	binary.LittleEndian.PutUint64(out[8:16], uint64(t.cfg.Window))
	binary.LittleEndian.PutUint32(out[16:20], uint32(t.cfg.Retention))
	binary.LittleEndian.PutUint32(out[20:24], uint32(len(t.windows)))
	binary.LittleEndian.PutUint64(out[24:32], uint64(t.start.UnixNano()))
	binary.LittleEndian.PutUint64(out[32:40], math.Float64bits(t.cfg.Epsilon))
	binary.LittleEndian.PutUint64(out[40:48], math.Float64bits(t.cfg.Delta))
	binary.LittleEndian.PutUint64(out[48:56], t.cfg.Seed)

	for _, w := range t.windows {
		data, err := w.MarshalBinary()
		if err != nil {
			return nil, err
		}
		out = binary.LittleEndian.AppendUint32(out, uint32(len(data)))
		out = append(out, data...)
	}
	return out, nil
}

// UnmarshalBinary decodes a tracker produced by MarshalBinary. Every window
// must decode to a sketch with the dimensions and seeds the header implies.
// On error the receiver is unchanged.
func (t *TrendingTracker) UnmarshalBinary(data []byte) error {
	if len(data) < trackerHeaderSize {
		return fmt.Errorf("cms: %w: %d bytes is shorter than the tracker header", errs.ErrCorruptState, len(data))
	}
	if binary.LittleEndian.Uint32(data[0:4]) != TrackerMagic {
		return fmt.Errorf("cms: %w: invalid tracker magic", errs.ErrCorruptState)
	}
	h, ok := hash.Lookup(hash.ID(data[4]))
	if !ok {
		return fmt.Errorf("cms: %w: unknown hash id %d", errs.ErrCorruptState, data[4])
	}

	window := binary.LittleEndian.Uint64(data[8:16])
	retention := binary.LittleEndian.Uint32(data[16:20])
	count := binary.LittleEndian.Uint32(data[20:24])
	if window == 0 || window > math.MaxInt64 || retention > math.MaxInt32 {
		return fmt.Errorf("cms: %w: invalid window %d or retention %d", errs.ErrCorruptState, window, retention)
	}
	if count == 0 || uint64(count) > uint64(retention)+1 {
		return fmt.Errorf("cms: %w: %d windows with retention %d", errs.ErrCorruptState, count, retention)
	}

	cfg := TrendingConfig{
		Epsilon:   math.Float64frombits(binary.LittleEndian.Uint64(data[32:40])),
		Delta:     math.Float64frombits(binary.LittleEndian.Uint64(data[40:48])),
		Window:    time.Duration(window),
		Retention: int(retention),
		Hasher:    h,
		Seed:      binary.LittleEndian.Uint64(data[48:56]),
	}
	start := time.Unix(0, int64(binary.LittleEndian.Uint64(data[24:32])))

	if !(cfg.Epsilon > 0 && cfg.Epsilon < 1 && cfg.Delta > 0 && cfg.Delta < 1) {
		return fmt.Errorf("cms: %w: tracker parameters epsilon=%v delta=%v", errs.ErrCorruptState, cfg.Epsilon, cfg.Delta)
	}
	width, depth, err := Dimensions(cfg.Epsilon, cfg.Delta)
	if err != nil {
		return fmt.Errorf("cms: %w: tracker parameters epsilon=%v delta=%v", errs.ErrCorruptState, cfg.Epsilon, cfg.Delta)
	}
	rest := data[trackerHeaderSize:]
	windowSize := 4 + headerSize + (uint64(depth)+uint64(width)*uint64(depth))*8
	if uint64(count) > uint64(len(rest))/windowSize {
		return fmt.Errorf("cms: %w: %d windows of %d bytes exceed the %d byte body", errs.ErrCorruptState, count, windowSize, len(rest))
	}

	proto, err := New(cfg.Epsilon, cfg.Delta, WithHasher(h), WithSeed(cfg.Seed))
	if err != nil {
		return fmt.Errorf("cms: %w: tracker parameters: %v", errs.ErrCorruptState, err)
	}

	windows := make([]*Sketch, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(rest) < 4 {
			return fmt.Errorf("cms: %w: window %d truncated", errs.ErrCorruptState, i)
		}
		n := binary.LittleEndian.Uint32(rest[:4])
		rest = rest[4:]
		if uint64(len(rest)) < uint64(n) {
			return fmt.Errorf("cms: %w: window %d truncated", errs.ErrCorruptState, i)
		}

		w := new(Sketch)
		if err := w.UnmarshalBinary(rest[:n]); err != nil {
			return err
		}
		if err := proto.compatible(w); err != nil {
			return fmt.Errorf("cms: %w: window %d does not match the tracker: %v", errs.ErrCorruptState, i, err)
		}
		w.seed, w.epsilon, w.delta = cfg.Seed, cfg.Epsilon, cfg.Delta
		windows = append(windows, w)
		rest = rest[n:]
	}
	if len(rest) != 0 {
		return fmt.Errorf("cms: %w: %d trailing bytes", errs.ErrCorruptState, len(rest))
	}

	t.cfg = cfg
	t.start = start
	t.windows = windows
	return nil
}
