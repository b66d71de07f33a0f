// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/genc-murat/crystalsketch/pkg/errs"
	"github.com/genc-murat/crystalsketch/pkg/hash"
	"github.com/genc-murat/crystalsketch/pkg/hll"
	"github.com/genc-murat/crystalsketch/pkg/tdigest"
)

// Sketch kinds.
const (
	KindBloom    = "bloom"
	KindCMS      = "cms"
	KindHLL      = "hll"
	KindTDigest  = "tdigest"
	KindTrending = "trending"
)

// Trending score functions.
const (
	ScoreCurrent = "current"
	ScoreRate    = "rate"
	ScoreDecayed = "decayed"
	ScoreRatio   = "ratio"
)

type Config struct {
	Sketches []SketchConfig `yaml:"sketches"`
	Storage  StorageConfig  `yaml:"storage"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Logging  LoggingConfig  `yaml:"logging"`
	Report   ReportConfig   `yaml:"report"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// SketchConfig defines one named sketch and the event field feeding it.
// Only the parameters of its kind are read.
type SketchConfig struct {
	Name        string `yaml:"name"`
	Kind        string `yaml:"kind"`
	Field       string `yaml:"field"`
	WeightField string `yaml:"weight_field"`
	TimeField   string `yaml:"time_field"`
	Hash        string `yaml:"hash"`

	// bloom
	Capacity  uint64  `yaml:"capacity"`
	ErrorRate float64 `yaml:"error_rate"`

	// cms, trending
	Epsilon float64 `yaml:"epsilon"`
	Delta   float64 `yaml:"delta"`
	Width   uint32  `yaml:"width"`
	Depth   uint32  `yaml:"depth"`
	Seed    uint64  `yaml:"seed"`

	// hll
	Precision uint8 `yaml:"precision"`

	// tdigest
	Compression float64 `yaml:"compression"`

	// trending
	Window      time.Duration `yaml:"window"`
	Retention   int           `yaml:"retention"`
	Candidates  int           `yaml:"candidates"`
	Score       string        `yaml:"score"`
	DecayFactor float64       `yaml:"decay_factor"`
}

type StorageConfig struct {
	Path        string        `yaml:"path"`
	LockTimeout time.Duration `yaml:"lock_timeout"`
	SaveOnExit  bool          `yaml:"save_on_exit"`
}

type IngestConfig struct {
	MaxLineBytes int  `yaml:"max_line_bytes"`
	SkipInvalid  bool `yaml:"skip_invalid"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Prefix string `yaml:"prefix"`
}

type ReportConfig struct {
	Quantiles []float64 `yaml:"quantiles"`
	TopK      int       `yaml:"top_k"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns a configuration without sketches.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Path:        "data/sketches.snap",
			LockTimeout: 5 * time.Second,
			SaveOnExit:  true,
		},
		Ingest: IngestConfig{
			MaxLineBytes: 1 << 20,
			SkipInvalid:  true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Prefix: "sketchctl ",
		},
		Report: ReportConfig{
			Quantiles: []float64{0.5, 0.9, 0.99},
			TopK:      10,
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// applyDefaults fills the kind-specific parameters left empty.
func (s *SketchConfig) applyDefaults() {
	s.Kind = strings.ToLower(strings.TrimSpace(s.Kind))
	switch s.Kind {
	case KindBloom:
		if s.Capacity == 0 {
			s.Capacity = 100000
		}
		if s.ErrorRate == 0 {
			s.ErrorRate = 0.01
		}
	case KindCMS, KindTrending:
		if s.Width == 0 && s.Depth == 0 {
			if s.Epsilon == 0 {
				s.Epsilon = 0.001
			}
			if s.Delta == 0 {
				s.Delta = 0.01
			}
		}
		if s.Kind == KindTrending {
			if s.Window == 0 {
				s.Window = time.Minute
			}
			if s.Retention == 0 {
				s.Retention = 5
			}
			if s.Candidates == 0 {
				s.Candidates = 1000
			}
			if s.Score == "" {
				s.Score = ScoreRate
			}
			if s.Score == ScoreDecayed && s.DecayFactor == 0 {
				s.DecayFactor = 0.5
			}
		}
	case KindHLL:
		if s.Precision == 0 {
			s.Precision = hll.DefaultPrecision
		}
	case KindTDigest:
		if s.Compression == 0 {
			s.Compression = tdigest.DefaultCompression
		}
	}
}

// Validate checks every section. Errors wrap errs.ErrInvalidParameter.
func (c *Config) Validate() error {
	var problems []error
	seen := make(map[string]bool, len(c.Sketches))
	for i := range c.Sketches {
		s := &c.Sketches[i]
		if s.Name == "" {
			problems = append(problems, fmt.Errorf("sketches[%d]: name is required", i))
			continue
		}
		if seen[s.Name] {
			problems = append(problems, fmt.Errorf("sketch %q: duplicate name", s.Name))
		}
		seen[s.Name] = true
		if err := s.Validate(); err != nil {
			problems = append(problems, err)
		}
	}

	if c.Storage.LockTimeout < 0 {
		problems = append(problems, fmt.Errorf("storage.lock_timeout must not be negative"))
	}
	if c.Ingest.MaxLineBytes <= 0 {
		problems = append(problems, fmt.Errorf("ingest.max_line_bytes must be positive"))
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Errorf("logging.level %q must be one of debug, info, warn, error", c.Logging.Level))
	}
	for _, q := range c.Report.Quantiles {
		if q < 0 || q > 1 {
			problems = append(problems, fmt.Errorf("report.quantiles: %v not in [0,1]", q))
		}
	}
	if c.Report.TopK < 0 {
		problems = append(problems, fmt.Errorf("report.top_k must not be negative"))
	}

	if len(problems) > 0 {
		return fmt.Errorf("config: %w: %w", errs.ErrInvalidParameter, errors.Join(problems...))
	}
	return nil
}

// Validate checks the parameters of a single sketch definition.
func (s *SketchConfig) Validate() error {
	if s.Field == "" {
		return fmt.Errorf("sketch %q: field is required", s.Name)
	}
	if _, err := hash.ByName(s.Hash); err != nil {
		return fmt.Errorf("sketch %q: %v", s.Name, err)
	}

	switch s.Kind {
	case KindBloom:
		if s.ErrorRate <= 0 || s.ErrorRate >= 1 {
			return fmt.Errorf("sketch %q: error_rate %v not in (0,1)", s.Name, s.ErrorRate)
		}
	case KindCMS, KindTrending:
		byDim := s.Width > 0 || s.Depth > 0
		if byDim && (s.Width == 0 || s.Depth == 0) {
			return fmt.Errorf("sketch %q: width and depth must be set together", s.Name)
		}
		if !byDim && (s.Epsilon <= 0 || s.Epsilon >= 1 || s.Delta <= 0 || s.Delta >= 1) {
			return fmt.Errorf("sketch %q: epsilon and delta must be in (0,1)", s.Name)
		}
		if s.Kind == KindTrending {
			if byDim {
				return fmt.Errorf("sketch %q: trending sketches are sized by epsilon and delta", s.Name)
			}
			if s.Window <= 0 {
				return fmt.Errorf("sketch %q: window must be positive", s.Name)
			}
			if s.Retention < 0 {
				return fmt.Errorf("sketch %q: retention must not be negative", s.Name)
			}
			switch s.Score {
			case ScoreCurrent, ScoreRate, ScoreRatio:
			case ScoreDecayed:
				if s.DecayFactor <= 0 || s.DecayFactor > 1 {
					return fmt.Errorf("sketch %q: decay_factor %v not in (0,1]", s.Name, s.DecayFactor)
				}
			default:
				return fmt.Errorf("sketch %q: unknown score %q", s.Name, s.Score)
			}
		}
	case KindHLL:
		if s.Precision < hll.MinPrecision || s.Precision > hll.MaxPrecision {
			return fmt.Errorf("sketch %q: precision %d not in [%d,%d]", s.Name, s.Precision, hll.MinPrecision, hll.MaxPrecision)
		}
	case KindTDigest:
		if s.Compression <= 0 {
			return fmt.Errorf("sketch %q: compression must be positive", s.Name)
		}
	default:
		return fmt.Errorf("sketch %q: unknown kind %q", s.Name, s.Kind)
	}
	return nil
}

// Parse decodes YAML on top of Default, fills sketch defaults and
// validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}
	for i := range cfg.Sketches {
		cfg.Sketches[i].applyDefaults()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads and parses the YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	return Parse(data)
}

// LoadEnv loads config/<env>.yaml (or .yml) from the project root, found by
// walking up from the working directory.
func LoadEnv(env string) (*Config, error) {
	projectRoot, err := findProjectRoot()
	if err != nil {
		return nil, fmt.Errorf("error finding project root: %w", err)
	}

	configPath := filepath.Join(projectRoot, "config", env+".yaml")
	if _, err := os.Stat(configPath); err != nil {
		configPath = filepath.Join(projectRoot, "config", env+".yml")
	}
	return Load(configPath)
}

func findProjectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	// Walk up until a config directory shows up.
	for {
		if info, err := os.Stat(filepath.Join(dir, "config")); err == nil && info.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("could not find project root (no config directory found)")
		}
		dir = parent
	}
}
