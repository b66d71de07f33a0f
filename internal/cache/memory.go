// Package cache keeps named sketches in memory and serializes access to
// each of them.
//
// Every sketch lives in a per-kind sync.Map behind its own mutex, so
// operations on different keys never contend. Operations that read several
// keys (unions, merges, multi-key counts) clone each source under its own
// lock first and never hold two entry locks at once.
package cache

import (
	"errors"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/genc-murat/crystalsketch/internal/metrics"
	"github.com/genc-murat/crystalsketch/internal/storage"
)

var (
	ErrKeyNotFound = errors.New("ERR no such key")
	ErrKeyExists   = errors.New("ERR item exists")
	ErrWrongType   = errors.New("WRONGTYPE Operation against a key holding the wrong kind of value")
)

type entry[T any] struct {
	mu sync.Mutex
	v  T
}

type MemoryCache struct {
	bfilters sync.Map // *entry[*bloom.Filter]
	cms      sync.Map // *entry[*cms.Sketch]
	hlls     sync.Map // *entry[*hll.Sketch]
	tdigests sync.Map // *entry[*tdigest.Digest]
	trending sync.Map // *entry[*trendingEntry]

	createMu    sync.Mutex
	keyVersions map[string]int64
	versionMu   sync.RWMutex

	metrics *metrics.Metrics
	logger  *log.Logger
	debug   bool
}

type Option func(*MemoryCache)

// WithMetrics records every operation in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *MemoryCache) { c.metrics = m }
}

// WithLogger sets the logger. Debug lines are only written when debug is true.
func WithLogger(l *log.Logger, debug bool) Option {
	return func(c *MemoryCache) {
		if l != nil {
			c.logger = l
		}
		c.debug = debug
	}
}

func NewMemoryCache(opts ...Option) *MemoryCache {
	c := &MemoryCache{
		keyVersions: make(map[string]int64),
		logger:      log.New(io.Discard, "", 0),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Metrics returns the metrics collector, nil when none was configured.
func (c *MemoryCache) Metrics() *metrics.Metrics { return c.metrics }

func (c *MemoryCache) observe(op string, start time.Time, err *error) {
	c.metrics.Observe(op, start, *err)
}

func (c *MemoryCache) debugf(format string, args ...interface{}) {
	if c.debug {
		c.logger.Printf("[cache] "+format, args...)
	}
}

func (c *MemoryCache) mapFor(kind storage.Kind) *sync.Map {
	switch kind {
	case storage.KindBloom:
		return &c.bfilters
	case storage.KindCMS:
		return &c.cms
	case storage.KindHLL:
		return &c.hlls
	case storage.KindTDigest:
		return &c.tdigests
	case storage.KindTrending:
		return &c.trending
	}
	return nil
}

var allKinds = []storage.Kind{
	storage.KindBloom, storage.KindCMS, storage.KindHLL, storage.KindTDigest, storage.KindTrending,
}

// Kind returns the sketch kind stored under key.
func (c *MemoryCache) Kind(key string) (storage.Kind, bool) {
	for _, kind := range allKinds {
		if _, ok := c.mapFor(kind).Load(key); ok {
			return kind, true
		}
	}
	return 0, false
}

// Keys returns every key, sorted.
func (c *MemoryCache) Keys() []string {
	var keys []string
	for _, kind := range allKinds {
		c.mapFor(kind).Range(func(key, _ interface{}) bool {
			keys = append(keys, key.(string))
			return true
		})
	}
	sort.Strings(keys)
	return keys
}

// Delete removes key and reports whether it existed.
func (c *MemoryCache) Delete(key string) bool {
	c.createMu.Lock()
	defer c.createMu.Unlock()

	kind, ok := c.Kind(key)
	if !ok {
		return false
	}
	c.mapFor(kind).Delete(key)
	c.incrementKeyVersion(key)
	c.debugf("deleted %s %q", kind, key)
	return true
}

// load returns the entry of the given kind, ErrWrongType when key holds
// another kind and ErrKeyNotFound when it does not exist.
func load[T any](c *MemoryCache, kind storage.Kind, key string) (*entry[T], error) {
	if e, ok := c.mapFor(kind).Load(key); ok {
		return e.(*entry[T]), nil
	}
	if _, ok := c.Kind(key); ok {
		return nil, ErrWrongType
	}
	return nil, ErrKeyNotFound
}

// create stores a new entry and fails if key is taken.
func create[T any](c *MemoryCache, kind storage.Kind, key string, v T) error {
	c.createMu.Lock()
	defer c.createMu.Unlock()

	if existing, ok := c.Kind(key); ok {
		if existing == kind {
			return ErrKeyExists
		}
		return ErrWrongType
	}
	c.mapFor(kind).Store(key, &entry[T]{v: v})
	c.incrementKeyVersion(key)
	c.debugf("created %s %q", kind, key)
	return nil
}

// loadOrCreate returns the entry under key, building it with mk when the
// key does not exist yet.
func loadOrCreate[T any](c *MemoryCache, kind storage.Kind, key string, mk func() (T, error)) (*entry[T], error) {
	if e, ok := c.mapFor(kind).Load(key); ok {
		return e.(*entry[T]), nil
	}

	c.createMu.Lock()
	defer c.createMu.Unlock()

	if e, ok := c.mapFor(kind).Load(key); ok {
		return e.(*entry[T]), nil
	}
	if _, ok := c.Kind(key); ok {
		return nil, ErrWrongType
	}
	v, err := mk()
	if err != nil {
		return nil, err
	}
	e := &entry[T]{v: v}
	c.mapFor(kind).Store(key, e)
	c.incrementKeyVersion(key)
	c.debugf("created %s %q with defaults", kind, key)
	return e, nil
}

// snapshot clones the value under key while holding its lock.
func snapshot[T any](c *MemoryCache, kind storage.Kind, key string, clone func(T) T) (T, error) {
	var zero T
	e, err := load[T](c, kind, key)
	if err != nil {
		return zero, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return clone(e.v), nil
}

func (c *MemoryCache) incrementKeyVersion(key string) {
	c.versionMu.Lock()
	defer c.versionMu.Unlock()
	c.keyVersions[key]++
}

// GetKeyVersion returns a counter bumped on every modification of key.
func (c *MemoryCache) GetKeyVersion(key string) int64 {
	c.versionMu.RLock()
	defer c.versionMu.RUnlock()
	return c.keyVersions[key]
}
