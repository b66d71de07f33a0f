// Package ingest feeds JSON-lines events into the configured sketches.
package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"github.com/genc-murat/crystalsketch/internal/cache"
	"github.com/genc-murat/crystalsketch/internal/config"
)

// ErrInvalidEvent is returned for lines that are not valid JSON or whose
// fields cannot be converted for their sketch.
var ErrInvalidEvent = errors.New("invalid event")

const initialBufferSize = 64 * 1024

// Numeric timestamps must fit time.Unix nanoseconds.
const (
	minUnixSeconds = math.MinInt64 / 1e9
	maxUnixSeconds = math.MaxInt64 / 1e9
)

// Stats counts what a Run did.
type Stats struct {
	Lines   int64 // non-empty lines read
	Skipped int64 // invalid lines ignored
	Routed  int64 // sketch updates applied
}

// update is one extracted value bound for one sketch.
type update struct {
	def    *config.SketchConfig
	values []gjson.Result
	weight uint64
	at     time.Time
}

type routeHandler func(u update) error

// Pipeline routes event fields to named sketches of a cache.
type Pipeline struct {
	cache        *cache.MemoryCache
	defs         []config.SketchConfig
	routes       map[string]routeHandler
	maxLineBytes int
	skipInvalid  bool
	logger       *log.Logger
	debug        bool
}

type Option func(*Pipeline)

// WithLogger sets the logger used for skipped lines and, when debug is
// set, per-run summaries.
func WithLogger(l *log.Logger, debug bool) Option {
	return func(p *Pipeline) {
		p.logger = l
		p.debug = debug
	}
}

// NewPipeline creates a pipeline for the given sketch definitions. The
// sketches must already exist in c, see cache.MemoryCache.Provision.
func NewPipeline(c *cache.MemoryCache, defs []config.SketchConfig, cfg config.IngestConfig, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{
		cache:        c,
		defs:         append([]config.SketchConfig(nil), defs...),
		maxLineBytes: cfg.MaxLineBytes,
		skipInvalid:  cfg.SkipInvalid,
	}
	if p.maxLineBytes <= 0 {
		p.maxLineBytes = bufio.MaxScanTokenSize
	}
	for _, opt := range opts {
		opt(p)
	}
	p.registerRoutes()

	for _, def := range p.defs {
		if _, ok := p.routes[def.Kind]; !ok {
			return nil, fmt.Errorf("sketch %q: unknown kind %q", def.Name, def.Kind)
		}
		if def.Field == "" {
			return nil, fmt.Errorf("sketch %q: no field to ingest", def.Name)
		}
	}
	return p, nil
}

func (p *Pipeline) registerRoutes() {
	p.routes = map[string]routeHandler{
		config.KindBloom:    p.routeBloom,
		config.KindHLL:      p.routeHLL,
		config.KindCMS:      p.routeCMS,
		config.KindTDigest:  p.routeTDigest,
		config.KindTrending: p.routeTrending,
	}
}

// Run reads events from r until EOF, ctx is done or a line fails. Invalid
// lines are skipped when the pipeline is configured to, otherwise the
// first one stops the run with an error naming its line number.
func (p *Pipeline) Run(ctx context.Context, r io.Reader) (Stats, error) {
	var stats Stats

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, min(initialBufferSize, p.maxLineBytes)), p.maxLineBytes)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		stats.Lines++

		routed, err := p.Process(line)
		stats.Routed += int64(routed)
		if err == nil {
			continue
		}
		if p.skipInvalid && errors.Is(err, ErrInvalidEvent) {
			stats.Skipped++
			p.logf("skipping line %d: %v", lineNo, err)
			continue
		}
		return stats, fmt.Errorf("line %d: %w", lineNo, err)
	}
	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("line %d: %w", lineNo+1, err)
	}

	if p.debug {
		p.logf("read %d lines, skipped %d, routed %d updates", stats.Lines, stats.Skipped, stats.Routed)
	}
	return stats, nil
}

// Process routes a single JSON event and returns the number of sketch
// updates applied. Every field is extracted and every target sketch looked
// up before any sketch is touched, so an invalid event or a missing sketch
// changes nothing. A sketch deleted concurrently with Process can still
// leave the event partially applied.
func (p *Pipeline) Process(line []byte) (int, error) {
	if !gjson.ValidBytes(line) {
		return 0, fmt.Errorf("%w: malformed JSON", ErrInvalidEvent)
	}

	updates := make([]update, 0, len(p.defs))
	for i := range p.defs {
		u, ok, err := extract(&p.defs[i], line)
		if err != nil {
			return 0, err
		}
		if ok {
			updates = append(updates, u)
		}
	}

	for _, u := range updates {
		if err := p.checkTarget(u.def); err != nil {
			return 0, err
		}
	}

	routed := 0
	for _, u := range updates {
		if err := p.routes[u.def.Kind](u); err != nil {
			return routed, fmt.Errorf("sketch %q: %w", u.def.Name, err)
		}
		routed++
	}
	return routed, nil
}

// checkTarget verifies that the sketch of def exists with the right kind.
func (p *Pipeline) checkTarget(def *config.SketchConfig) error {
	want, _ := cache.KindOf(def.Kind)
	have, ok := p.cache.Kind(def.Name)
	switch {
	case !ok:
		return fmt.Errorf("sketch %q: %w", def.Name, cache.ErrKeyNotFound)
	case have != want:
		return fmt.Errorf("sketch %q: %w", def.Name, cache.ErrWrongType)
	}
	return nil
}

// extract reads the fields of def from line. Events without the field are
// not meant for the sketch and report ok == false.
func extract(def *config.SketchConfig, line []byte) (update, bool, error) {
	v := gjson.GetBytes(line, def.Field)
	if !v.Exists() || v.Type == gjson.Null {
		return update{}, false, nil
	}

	u := update{def: def, weight: 1}
	if v.IsArray() {
		u.values = v.Array()
	} else {
		u.values = []gjson.Result{v}
	}
	for _, x := range u.values {
		if x.IsObject() || x.IsArray() {
			return update{}, false, fmt.Errorf("%w: field %q of %q is not a scalar", ErrInvalidEvent, def.Field, def.Name)
		}
		if def.Kind == config.KindTDigest && !isFinite(x) {
			return update{}, false, fmt.Errorf("%w: field %q of %q is not a number", ErrInvalidEvent, def.Field, def.Name)
		}
	}

	if def.WeightField != "" {
		if w := gjson.GetBytes(line, def.WeightField); w.Exists() {
			n, err := parseWeight(w)
			if err != nil {
				return update{}, false, fmt.Errorf("%w: field %q: %v", ErrInvalidEvent, def.WeightField, err)
			}
			u.weight = n
		}
	}

	if def.TimeField != "" {
		if ts := gjson.GetBytes(line, def.TimeField); ts.Exists() {
			at, err := parseTime(ts)
			if err != nil {
				return update{}, false, fmt.Errorf("%w: field %q: %v", ErrInvalidEvent, def.TimeField, err)
			}
			u.at = at
		}
	}
	return u, true, nil
}

func isFinite(x gjson.Result) bool {
	if x.Type != gjson.Number {
		return false
	}
	f := x.Float()
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// parseWeight accepts positive integral JSON numbers.
func parseWeight(w gjson.Result) (uint64, error) {
	if w.Type != gjson.Number {
		return 0, fmt.Errorf("weight %s is not a number", w.Raw)
	}
	n, err := strconv.ParseUint(w.Raw, 10, 64)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("weight %s is not a positive integer", w.Raw)
	}
	return n, nil
}

// parseTime accepts RFC 3339 strings and unix seconds, possibly
// fractional.
func parseTime(ts gjson.Result) (time.Time, error) {
	switch ts.Type {
	case gjson.String:
		return time.Parse(time.RFC3339Nano, ts.Str)
	case gjson.Number:
		secs := ts.Float()
		if math.IsNaN(secs) || secs < minUnixSeconds || secs > maxUnixSeconds {
			return time.Time{}, fmt.Errorf("timestamp %s out of range", ts.Raw)
		}
		whole, frac := math.Modf(secs)
		return time.Unix(int64(whole), int64(frac*1e9)).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("timestamp %s is neither RFC 3339 nor unix seconds", ts.Raw)
}

func (p *Pipeline) routeBloom(u update) error {
	_, err := p.cache.BFAdd(u.def.Name, stringsOf(u.values)...)
	return err
}

func (p *Pipeline) routeHLL(u update) error {
	_, err := p.cache.PFAdd(u.def.Name, stringsOf(u.values)...)
	return err
}

func (p *Pipeline) routeCMS(u update) error {
	items := stringsOf(u.values)
	increments := make([]uint64, len(items))
	for i := range increments {
		increments[i] = u.weight
	}
	_, err := p.cache.CMSIncrBy(u.def.Name, items, increments)
	return err
}

func (p *Pipeline) routeTDigest(u update) error {
	for _, v := range u.values {
		if err := p.cache.TDigestAddWeighted(u.def.Name, v.Float(), u.weight); err != nil {
			return err
		}
	}
	return nil
}

// routeTrending closes the windows elapsed at the event time before
// counting. Events without a time, or older than the current window, are
// counted in the current window.
func (p *Pipeline) routeTrending(u update) error {
	if !u.at.IsZero() {
		if _, err := p.cache.TrendingRotate(u.def.Name, u.at); err != nil {
			return err
		}
	}
	for _, item := range stringsOf(u.values) {
		if err := p.cache.TrendingRecord(u.def.Name, item, u.weight); err != nil {
			return err
		}
	}
	return nil
}

func stringsOf(values []gjson.Result) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = v.String()
	}
	return out
}

func (p *Pipeline) logf(format string, args ...interface{}) {
	if p.logger != nil {
		p.logger.Printf("[ingest] "+format, args...)
	}
}
