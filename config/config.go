// Package config builds priority tables from YAML definitions, so a
// deployment can declare its table set instead of wiring constructors by
// hand.
//
// Example:
//
//	tables:
//	  - name: replay
//	    max_size: 100000
//	    max_times_sampled: -1
//	    sampler:
//	      kind: prioritized
//	      priority_exponent: 0.8
//	    remover:
//	      kind: fifo
//	    rate_limiter:
//	      samples_per_insert: 4.0
//	      min_size_to_sample: 1000
//	      min_diff: -10000
//	      max_diff: 10000
package config

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/replaykit/replaykit/distribution"
	"github.com/replaykit/replaykit/ratelimiter"
	"github.com/replaykit/replaykit/table"
)

// Config is the root of a YAML definition file.
type Config struct {
	Tables []TableConfig `yaml:"tables"`
}

// TableConfig declares one priority table.
type TableConfig struct {
	Name            string            `yaml:"name"`
	MaxSize         int64             `yaml:"max_size"`
	MaxTimesSampled int32             `yaml:"max_times_sampled"`
	Sampler         SelectorConfig    `yaml:"sampler"`
	Remover         SelectorConfig    `yaml:"remover"`
	RateLimiter     RateLimiterConfig `yaml:"rate_limiter"`
}

// SelectorConfig declares a distribution variant. Kind is one of
// "uniform", "fifo", "lifo" or "prioritized"; PriorityExponent applies to
// the prioritized kind only.
type SelectorConfig struct {
	Kind             string  `yaml:"kind"`
	PriorityExponent float64 `yaml:"priority_exponent"`
}

// RateLimiterConfig declares the sample/insert coupling window. MinDiff
// and MaxDiff default to an unbounded window when omitted.
type RateLimiterConfig struct {
	SamplesPerInsert float64  `yaml:"samples_per_insert"`
	MinSizeToSample  int64    `yaml:"min_size_to_sample"`
	MinDiff          *float64 `yaml:"min_diff"`
	MaxDiff          *float64 `yaml:"max_diff"`
}

// Load reads and parses a YAML definition file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses a YAML definition.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the definition without constructing any table; it
// builds the declared distributions to validate their options.
func (c *Config) Validate() error {
	if len(c.Tables) == 0 {
		return fmt.Errorf("config: no tables defined")
	}
	seen := make(map[string]bool)
	for i, tc := range c.Tables {
		if tc.Name == "" {
			return fmt.Errorf("config: table %d has no name", i)
		}
		if seen[tc.Name] {
			return fmt.Errorf("config: duplicate table name %q", tc.Name)
		}
		seen[tc.Name] = true
		if tc.MaxSize <= 0 {
			return fmt.Errorf("config: table %q: max_size must be positive", tc.Name)
		}
		if _, err := tc.Sampler.Build(); err != nil {
			return fmt.Errorf("config: table %q sampler: %w", tc.Name, err)
		}
		if _, err := tc.Remover.Build(); err != nil {
			return fmt.Errorf("config: table %q remover: %w", tc.Name, err)
		}
		if tc.RateLimiter.SamplesPerInsert <= 0 {
			return fmt.Errorf("config: table %q: samples_per_insert must be positive", tc.Name)
		}
		if tc.RateLimiter.MinSizeToSample < 1 {
			return fmt.Errorf("config: table %q: min_size_to_sample must be >= 1", tc.Name)
		}
	}
	return nil
}

// Build constructs every declared table. opts apply to each table.
func (c *Config) Build(opts ...table.Option) ([]*table.Table, error) {
	tables := make([]*table.Table, 0, len(c.Tables))
	for _, tc := range c.Tables {
		tbl, err := tc.Build(opts...)
		if err != nil {
			return nil, err
		}
		tables = append(tables, tbl)
	}
	return tables, nil
}

// Build constructs the declared table.
func (tc TableConfig) Build(opts ...table.Option) (*table.Table, error) {
	sampler, err := tc.Sampler.Build()
	if err != nil {
		return nil, fmt.Errorf("config: table %q sampler: %w", tc.Name, err)
	}
	remover, err := tc.Remover.Build()
	if err != nil {
		return nil, fmt.Errorf("config: table %q remover: %w", tc.Name, err)
	}

	minDiff := math.Inf(-1)
	if tc.RateLimiter.MinDiff != nil {
		minDiff = *tc.RateLimiter.MinDiff
	}
	maxDiff := math.Inf(1)
	if tc.RateLimiter.MaxDiff != nil {
		maxDiff = *tc.RateLimiter.MaxDiff
	}
	limiter, err := ratelimiter.New(tc.RateLimiter.SamplesPerInsert, tc.RateLimiter.MinSizeToSample, minDiff, maxDiff)
	if err != nil {
		return nil, fmt.Errorf("config: table %q: %w", tc.Name, err)
	}

	return table.New(tc.Name, sampler, remover, tc.MaxSize, tc.MaxTimesSampled, limiter, opts...)
}

// Build constructs the declared distribution.
func (sc SelectorConfig) Build() (distribution.Distribution, error) {
	opts, err := sc.options()
	if err != nil {
		return nil, err
	}
	return distribution.New(opts)
}

func (sc SelectorConfig) options() (distribution.Options, error) {
	switch sc.Kind {
	case "uniform":
		return distribution.Options{Uniform: true}, nil
	case "fifo":
		return distribution.Options{Fifo: true}, nil
	case "lifo":
		return distribution.Options{Lifo: true}, nil
	case "prioritized":
		return distribution.Options{
			Prioritized: &distribution.PrioritizedOptions{PriorityExponent: sc.PriorityExponent},
		}, nil
	default:
		return distribution.Options{}, fmt.Errorf("unknown distribution kind %q", sc.Kind)
	}
}
