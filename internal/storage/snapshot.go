package storage

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/genc-murat/crystalsketch/pkg/errs"
)

// Kind identifies the sketch type of a record.
type Kind uint8

const (
	KindBloom Kind = iota + 1
	KindCMS
	KindHLL
	KindTDigest
	KindTrending
)

func (k Kind) String() string {
	switch k {
	case KindBloom:
		return "bloom"
	case KindCMS:
		return "cms"
	case KindHLL:
		return "hll"
	case KindTDigest:
		return "tdigest"
	case KindTrending:
		return "trending"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

func (k Kind) valid() bool { return k >= KindBloom && k <= KindTrending }

// Record is one named sketch in its binary encoding.
type Record struct {
	Kind    Kind
	Name    string
	Payload []byte
}

// Snapshot file layout (little endian):
//
//	Magic "CSNP"(4) | Version(2) | Count(4) | Count x record
//
// record:
//
//	Kind(1) | NameLen(2) | Name | PayloadLen(4) | Payload | CRC32(4)
//
// The checksum is IEEE CRC-32 over Kind through Payload.
const (
	Magic      = "CSNP"
	Version    = 1
	headerSize = 10
	maxName    = 1<<16 - 1
)

// Encode serializes records into the snapshot format.
func Encode(w io.Writer, records []Record) error {
	bw := bufio.NewWriter(w)

	var hdr [headerSize]byte
	copy(hdr[:4], Magic)
	binary.LittleEndian.PutUint16(hdr[4:6], Version)
	binary.LittleEndian.PutUint32(hdr[6:10], uint32(len(records)))
	if _, err := bw.Write(hdr[:]); err != nil {
		return err
	}

	for _, r := range records {
		if !r.Kind.valid() {
			return fmt.Errorf("snapshot: record %q has invalid kind %d", r.Name, r.Kind)
		}
		if len(r.Name) == 0 || len(r.Name) > maxName {
			return fmt.Errorf("snapshot: record name length %d out of range", len(r.Name))
		}
		if uint64(len(r.Payload)) > 1<<32-1 {
			return fmt.Errorf("snapshot: record %q payload too large", r.Name)
		}

		buf := make([]byte, 0, 1+2+len(r.Name)+4+len(r.Payload))
		buf = append(buf, byte(r.Kind))
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(r.Name)))
		buf = append(buf, r.Name...)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(r.Payload)))
		buf = append(buf, r.Payload...)
		buf = binary.LittleEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf))
		if _, err := bw.Write(buf); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Decode parses a snapshot. Every malformed input fails with
// errs.ErrCorruptState.
func Decode(data []byte) ([]Record, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("snapshot: %w: %d bytes is shorter than the header", errs.ErrCorruptState, len(data))
	}
	if string(data[:4]) != Magic {
		return nil, fmt.Errorf("snapshot: %w: invalid magic", errs.ErrCorruptState)
	}
	if v := binary.LittleEndian.Uint16(data[4:6]); v != Version {
		return nil, fmt.Errorf("snapshot: %w: unsupported version %d", errs.ErrCorruptState, v)
	}
	count := binary.LittleEndian.Uint32(data[6:10])

	rest := data[headerSize:]
	// Each record takes at least 12 bytes, which bounds the allocation.
	if uint64(count)*12 > uint64(len(rest)) {
		return nil, fmt.Errorf("snapshot: %w: %d records cannot fit in %d bytes", errs.ErrCorruptState, count, len(rest))
	}

	records := make([]Record, 0, count)
	for i := uint32(0); i < count; i++ {
		r, n, err := decodeRecord(rest)
		if err != nil {
			return nil, fmt.Errorf("snapshot: %w: record %d: %v", errs.ErrCorruptState, i, err)
		}
		records = append(records, r)
		rest = rest[n:]
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("snapshot: %w: %d trailing bytes", errs.ErrCorruptState, len(rest))
	}
	return records, nil
}

func decodeRecord(b []byte) (Record, int, error) {
	if len(b) < 3 {
		return Record{}, 0, errors.New("truncated header")
	}
	kind := Kind(b[0])
	nameLen := int(binary.LittleEndian.Uint16(b[1:3]))
	off := 3
	if nameLen == 0 || len(b) < off+nameLen+4 {
		return Record{}, 0, errors.New("truncated name")
	}
	name := string(b[off : off+nameLen])
	off += nameLen

	payloadLen := uint64(binary.LittleEndian.Uint32(b[off:]))
	off += 4
	if uint64(len(b)-off) < payloadLen+4 {
		return Record{}, 0, errors.New("truncated payload")
	}
	end := off + int(payloadLen)
	payload := append([]byte(nil), b[off:end]...)

	if want, got := binary.LittleEndian.Uint32(b[end:]), crc32.ChecksumIEEE(b[:end]); want != got {
		return Record{}, 0, fmt.Errorf("checksum mismatch for %q", name)
	}
	if !kind.valid() {
		return Record{}, 0, fmt.Errorf("unknown kind %d", kind)
	}
	return Record{Kind: kind, Name: name, Payload: payload}, end + 4, nil
}

// SnapshotStore persists records to a single file. Writers and readers in
// other processes are excluded through a lock file next to it; within a
// process the caller serializes access.
type SnapshotStore struct {
	path        string
	lock        *flock.Flock
	lockTimeout time.Duration
	logger      *log.Logger
	debug       bool
}

type Option func(*SnapshotStore)

// WithLockTimeout bounds how long Save and Load wait for the file lock.
func WithLockTimeout(d time.Duration) Option {
	return func(s *SnapshotStore) { s.lockTimeout = d }
}

// WithLogger sets the logger. Debug lines are only written when debug is true.
func WithLogger(l *log.Logger, debug bool) Option {
	return func(s *SnapshotStore) {
		if l != nil {
			s.logger = l
		}
		s.debug = debug
	}
}

func NewSnapshotStore(path string, opts ...Option) *SnapshotStore {
	s := &SnapshotStore{
		path:        path,
		lock:        flock.New(path + ".lock"),
		lockTimeout: 5 * time.Second,
		logger:      log.New(io.Discard, "", 0),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the snapshot file path.
func (s *SnapshotStore) Path() string { return s.path }

// Save atomically replaces the snapshot with records.
func (s *SnapshotStore) Save(ctx context.Context, records []Record) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}

	unlock, err := s.acquire(ctx, false)
	if err != nil {
		return err
	}
	defer unlock()

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := Encode(tmp, records); err != nil {
		tmp.Close()
		return fmt.Errorf("snapshot: write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("snapshot: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("snapshot: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}

	if s.debug {
		s.logger.Printf("[snapshot] saved %d records to %s", len(records), s.path)
	}
	return nil
}

// Load reads the snapshot. A missing file yields no records and no error.
func (s *SnapshotStore) Load(ctx context.Context) ([]Record, error) {
	if _, err := os.Stat(filepath.Dir(s.path)); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	unlock, err := s.acquire(ctx, true)
	if err != nil {
		return nil, err
	}
	defer unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Printf("[snapshot] no snapshot at %s, starting empty", s.path)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}

	records, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if s.debug {
		s.logger.Printf("[snapshot] loaded %d records (%d bytes) from %s", len(records), len(data), s.path)
	}
	return records, nil
}

func (s *SnapshotStore) acquire(ctx context.Context, shared bool) (func(), error) {
	if s.lockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.lockTimeout)
		defer cancel()
	}

	var (
		ok  bool
		err error
	)
	if shared {
		ok, err = s.lock.TryRLockContext(ctx, 20*time.Millisecond)
	} else {
		ok, err = s.lock.TryLockContext(ctx, 20*time.Millisecond)
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot: lock %s: %w", s.lock.Path(), err)
	}
	if !ok {
		return nil, fmt.Errorf("snapshot: lock %s: not acquired", s.lock.Path())
	}

	return func() {
		if err := s.lock.Unlock(); err != nil {
			s.logger.Printf("[snapshot] unlock %s: %v", s.lock.Path(), err)
		}
	}, nil
}
