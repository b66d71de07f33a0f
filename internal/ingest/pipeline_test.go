package ingest

import (
	"bytes"
	"context"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/genc-murat/crystalsketch/internal/cache"
	"github.com/genc-murat/crystalsketch/internal/config"
)

const testConfig = `
ingest:
  skip_invalid: true
sketches:
  - {name: users, kind: bloom, field: user, capacity: 1000}
  - {name: ips, kind: hll, field: ip}
  - {name: paths, kind: cms, field: req.path, weight_field: count}
  - {name: latency, kind: tdigest, field: latency_ms}
  - name: hot
    kind: trending
    field: req.path
    weight_field: count
    time_field: ts
    window: 1m
    retention: 2
`

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newPipeline(t *testing.T, mutate func(*config.Config)) (*Pipeline, *cache.MemoryCache) {
	t.Helper()
	cfg, err := config.Parse([]byte(testConfig))
	require.NoError(t, err)
	if mutate != nil {
		mutate(cfg)
	}

	c := cache.NewMemoryCache()
	require.NoError(t, c.Provision(cfg.Sketches, epoch))
	p, err := NewPipeline(c, cfg.Sketches, cfg.Ingest)
	require.NoError(t, err)
	return p, c
}

func TestRun(t *testing.T) {
	p, c := newPipeline(t, nil)

	input := strings.Join([]string{
		`{"user":"ada","ip":"10.0.0.1","req":{"path":"/a"},"latency_ms":12,"ts":"2024-03-01T12:00:05Z"}`,
		`{"user":"bob","ip":"10.0.0.2","req":{"path":"/a"},"count":4,"latency_ms":30,"ts":"2024-03-01T12:00:10Z"}`,
		``,
		`{"ip":"10.0.0.1","req":{"path":"/b"},"ts":1709294470}`,
		`{"user":["cy","dee"]}`,
	}, "\n")

	stats, err := p.Run(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, Stats{Lines: 4, Skipped: 0, Routed: 14}, stats)

	found, _ := c.BFExists("users", "ada", "bob", "cy", "dee", "eve")
	assert.Equal(t, []bool{true, true, true, true, false}, found)

	n, _ := c.PFCount("ips")
	assert.Equal(t, uint64(2), n)

	est, _ := c.CMSQuery("paths", "/a", "/b")
	assert.Equal(t, []uint64{5, 1}, est, "weights come from weight_field")

	q, _ := c.TDigestQuantile("latency", 0, 1)
	assert.Equal(t, []float64{12, 30}, q)

	t.Run("Test trending rotates on event time", func(t *testing.T) {
		info, err := c.TrendingInfo("hot")
		require.NoError(t, err)
		assert.Equal(t, epoch.Add(time.Minute), info.CurrentWindowStart)

		counts, _ := c.TrendingEstimates("hot", "/a")
		assert.Equal(t, []uint64{0, 5}, counts)
		counts, _ = c.TrendingEstimates("hot", "/b")
		assert.Equal(t, []uint64{1, 0}, counts)
	})
}

func TestInvalidLines(t *testing.T) {
	input := strings.Join([]string{
		`{"user":"ada"}`,
		`not json`,
		`{"latency_ms":"slow"}`,
		`{"req":{"path":"/a"},"count":-2}`,
		`{"req":{"path":"/a"},"ts":"yesterday"}`,
		`{"user":{"nested":true}}`,
		`{"user":"bob"}`,
	}, "\n")

	t.Run("Test skipped and counted", func(t *testing.T) {
		var buf bytes.Buffer
		p, c := newPipeline(t, nil)
		p.logger = log.New(&buf, "", 0)

		stats, err := p.Run(context.Background(), strings.NewReader(input))
		require.NoError(t, err)
		assert.Equal(t, int64(7), stats.Lines)
		assert.Equal(t, int64(5), stats.Skipped)
		assert.Equal(t, int64(2), stats.Routed)
		assert.Contains(t, buf.String(), "[ingest] skipping line 2")

		est, _ := c.CMSQuery("paths", "/a")
		assert.Equal(t, []uint64{0}, est, "invalid events change nothing")
	})

	t.Run("Test first invalid line fails the run", func(t *testing.T) {
		p, c := newPipeline(t, func(cfg *config.Config) { cfg.Ingest.SkipInvalid = false })

		stats, err := p.Run(context.Background(), strings.NewReader(input))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidEvent)
		assert.Contains(t, err.Error(), "line 2")
		assert.Equal(t, int64(2), stats.Lines)

		found, _ := c.BFExists("users", "ada", "bob")
		assert.Equal(t, []bool{true, false}, found)
	})
}

func TestProcessMissingSketch(t *testing.T) {
	p, c := newPipeline(t, nil)
	require.True(t, c.Delete("latency"))

	routed, err := p.Process([]byte(`{"user":"ada","latency_ms":3}`))
	assert.ErrorIs(t, err, cache.ErrKeyNotFound)
	assert.Zero(t, routed)

	found, _ := c.BFExists("users", "ada")
	assert.Equal(t, []bool{false}, found, "no sketch is updated when a target is missing")

	require.NoError(t, c.TDigestCreate("latency", 100))
	require.True(t, c.Delete("users"))
	require.NoError(t, c.PFReserve("users", 10))
	_, err = p.Process([]byte(`{"user":"ada","latency_ms":3}`))
	assert.ErrorIs(t, err, cache.ErrWrongType)
	info, _ := c.TDigestInfo("latency")
	assert.Zero(t, info.Count)
}

func TestLineTooLong(t *testing.T) {
	p, _ := newPipeline(t, func(cfg *config.Config) { cfg.Ingest.MaxLineBytes = 32 })

	input := `{"user":"ada"}` + "\n" + `{"user":"` + strings.Repeat("x", 64) + `"}`
	stats, err := p.Run(context.Background(), strings.NewReader(input))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
	assert.Equal(t, int64(1), stats.Routed)
}

func TestCancelled(t *testing.T) {
	p, _ := newPipeline(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stats, err := p.Run(ctx, strings.NewReader(`{"user":"ada"}`))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, stats.Lines)
}

func TestNewPipelineRejects(t *testing.T) {
	c := cache.NewMemoryCache()

	_, err := NewPipeline(c, []config.SketchConfig{{Name: "x", Kind: "cuckoo", Field: "f"}}, config.IngestConfig{})
	assert.Error(t, err)

	_, err = NewPipeline(c, []config.SketchConfig{{Name: "x", Kind: config.KindHLL}}, config.IngestConfig{})
	assert.Error(t, err)
}

func TestParseTime(t *testing.T) {
	tests := []struct {
		name string
		json string
		want time.Time
		ok   bool
	}{
		{"rfc3339", `{"t":"2024-03-01T12:00:00Z"}`, epoch, true},
		{"rfc3339 with offset", `{"t":"2024-03-01T14:00:00+02:00"}`, epoch, true},
		{"unix seconds", `{"t":1709294400}`, epoch, true},
		{"fractional seconds", `{"t":1709294400.5}`, epoch.Add(500 * time.Millisecond), true},
		{"garbage", `{"t":"noon"}`, time.Time{}, false},
		{"bool", `{"t":true}`, time.Time{}, false},
		{"far future", `{"t":1e30}`, time.Time{}, false},
		{"far past", `{"t":-1e30}`, time.Time{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gjson.Get(tt.json, "t")
			got, err := parseTime(r)
			if !tt.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s", got)
		})
	}
}
