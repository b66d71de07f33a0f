package cache

import (
	"encoding"
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	"github.com/genc-murat/crystalsketch/internal/storage"
	"github.com/genc-murat/crystalsketch/pkg/bloom"
	"github.com/genc-murat/crystalsketch/pkg/cms"
	"github.com/genc-murat/crystalsketch/pkg/errs"
	"github.com/genc-murat/crystalsketch/pkg/hll"
	"github.com/genc-murat/crystalsketch/pkg/tdigest"
)

// Export encodes every sketch into snapshot records sorted by name.
func (c *MemoryCache) Export() (records []storage.Record, err error) {
	defer c.observe("EXPORT", time.Now(), &err)

	for _, kind := range allKinds {
		var rangeErr error
		c.mapFor(kind).Range(func(key, value interface{}) bool {
			payload, err := marshalEntry(value)
			if err != nil {
				rangeErr = fmt.Errorf("export %q: %w", key, err)
				return false
			}
			records = append(records, storage.Record{Kind: kind, Name: key.(string), Payload: payload})
			return true
		})
		if rangeErr != nil {
			return nil, rangeErr
		}
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })
	c.debugf("exported %d sketches", len(records))
	return records, nil
}

func marshalEntry(value interface{}) ([]byte, error) {
	switch e := value.(type) {
	case *entry[*bloom.Filter]:
		return marshalLocked(e)
	case *entry[*cms.Sketch]:
		return marshalLocked(e)
	case *entry[*hll.Sketch]:
		return marshalLocked(e)
	case *entry[*tdigest.Digest]:
		return marshalLocked(e)
	case *entry[*trendingEntry]:
		return marshalLocked(e)
	}
	return nil, fmt.Errorf("unexpected entry %T", value)
}

func marshalLocked[T encoding.BinaryMarshaler](e *entry[T]) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.v.MarshalBinary()
}

// Import decodes records and stores them, replacing any sketch with the
// same name. Nothing is stored unless every record decodes.
func (c *MemoryCache) Import(records []storage.Record) (err error) {
	defer c.observe("IMPORT", time.Now(), &err)

	decoded := make([]interface{}, len(records))
	for i, r := range records {
		v, err := unmarshalRecord(r)
		if err != nil {
			return fmt.Errorf("import %s %q: %w", r.Kind, r.Name, err)
		}
		decoded[i] = v
	}

	c.createMu.Lock()
	defer c.createMu.Unlock()
	for i, r := range records {
		if kind, ok := c.Kind(r.Name); ok && kind != r.Kind {
			c.mapFor(kind).Delete(r.Name)
		}
		c.mapFor(r.Kind).Store(r.Name, decoded[i])
		c.incrementKeyVersion(r.Name)
	}
	c.debugf("imported %d sketches", len(records))
	return nil
}

func unmarshalRecord(r storage.Record) (interface{}, error) {
	switch r.Kind {
	case storage.KindBloom:
		v := new(bloom.Filter)
		if err := v.UnmarshalBinary(r.Payload); err != nil {
			return nil, err
		}
		return &entry[*bloom.Filter]{v: v}, nil
	case storage.KindCMS:
		v := new(cms.Sketch)
		if err := v.UnmarshalBinary(r.Payload); err != nil {
			return nil, err
		}
		return &entry[*cms.Sketch]{v: v}, nil
	case storage.KindHLL:
		v := new(hll.Sketch)
		if err := v.UnmarshalBinary(r.Payload); err != nil {
			return nil, err
		}
		return &entry[*hll.Sketch]{v: v}, nil
	case storage.KindTDigest:
		v := new(tdigest.Digest)
		if err := v.UnmarshalBinary(r.Payload); err != nil {
			return nil, err
		}
		return &entry[*tdigest.Digest]{v: v}, nil
	case storage.KindTrending:
		v := new(trendingEntry)
		if err := v.UnmarshalBinary(r.Payload); err != nil {
			return nil, err
		}
		return &entry[*trendingEntry]{v: v}, nil
	}
	return nil, fmt.Errorf("%w: unknown kind %d", errs.ErrCorruptState, r.Kind)
}

// Trending payload layout (little endian):
//
//	TrackerLen(4) | Tracker | Capacity(4) | Count(4) | Count x (KeyLen(2) | Key)
func (t *trendingEntry) MarshalBinary() ([]byte, error) {
	tracker, err := t.tracker.MarshalBinary()
	if err != nil {
		return nil, err
	}

	keys := t.candidates.Keys()
	out := make([]byte, 0, 12+len(tracker)+len(keys)*16)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(tracker)))
	out = append(out, tracker...)
	out = binary.LittleEndian.AppendUint32(out, uint32(max(t.candidates.Capacity(), 0)))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(keys)))
	for _, k := range keys {
		if len(k) > 1<<16-1 {
			return nil, fmt.Errorf("candidate key of %d bytes is too long", len(k))
		}
		out = binary.LittleEndian.AppendUint16(out, uint16(len(k)))
		out = append(out, k...)
	}
	return out, nil
}

func (t *trendingEntry) UnmarshalBinary(data []byte) error {
	corrupt := func(what string) error {
		return fmt.Errorf("cache: %w: trending %s", errs.ErrCorruptState, what)
	}

	if len(data) < 4 {
		return corrupt("header truncated")
	}
	n := uint64(binary.LittleEndian.Uint32(data))
	data = data[4:]
	if uint64(len(data)) < n+8 {
		return corrupt("tracker truncated")
	}

	tracker := new(cms.TrendingTracker)
	if err := tracker.UnmarshalBinary(data[:n]); err != nil {
		return err
	}
	data = data[n:]

	capacity := binary.LittleEndian.Uint32(data)
	count := binary.LittleEndian.Uint32(data[4:])
	data = data[8:]
	if capacity > 0 && count > capacity {
		return corrupt("candidates exceed capacity")
	}
	if uint64(count)*2 > uint64(len(data)) {
		return corrupt("candidates truncated")
	}

	candidates := cms.NewCandidates(int(capacity))
	for i := uint32(0); i < count; i++ {
		if len(data) < 2 {
			return corrupt("candidates truncated")
		}
		l := int(binary.LittleEndian.Uint16(data))
		if len(data) < 2+l {
			return corrupt("candidates truncated")
		}
		candidates.Observe(string(data[2 : 2+l]))
		data = data[2+l:]
	}
	if len(data) != 0 {
		return corrupt("trailing bytes")
	}

	t.tracker = tracker
	t.candidates = candidates
	return nil
}
