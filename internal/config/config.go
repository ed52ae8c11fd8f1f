// Package config loads and validates the tunables that drive the
// distributed tree subsystem: bucket size, opening angle, cache
// geometry, scheduling quantum, and I/O paths. A YAML file supplies
// defaults; command-line flags (wired in cmd/gravity) override them,
// matching the flag-based CLI the teacher program used.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable named in the external interfaces section
// of the specification.
type Config struct {
	BucketSize     int     `yaml:"bucketSize"`
	Theta          float64 `yaml:"theta"`
	CacheLineDepth int     `yaml:"cacheLineDepth"`
	YieldPeriod    int     `yaml:"yieldPeriod"`
	CacheEnabled   bool    `yaml:"cacheEnabled"`
	Verbosity      int     `yaml:"verbosity"`

	NumPieces    int `yaml:"numPieces"`
	NumProcesses int `yaml:"numProcesses"`

	InputBase  string `yaml:"inputBase"`
	OutputBase string `yaml:"outputBase"`

	// MaxBoundaryRepost bounds the self-repost loop described in the
	// boundary reconciliation design note: a Contribute arriving for
	// an unknown lookupKey is re-posted to self this many times before
	// the piece aborts with a structural-fatal diagnostic, instead of
	// risking the livelock named in the spec's open question.
	MaxBoundaryRepost int `yaml:"maxBoundaryRepost"`

	// OpeningGeometryFactor scales the opening sphere's radius beyond
	// the raw node radius/theta; 1.0 matches the textbook Barnes-Hut
	// criterion.
	OpeningGeometryFactor float64 `yaml:"openingGeometryFactor"`
}

// Default returns the configuration the teacher program shipped as
// command-line defaults, generalized to the distributed setting.
func Default() Config {
	return Config{
		BucketSize:            12,
		Theta:                 0.7,
		CacheLineDepth:        3,
		YieldPeriod:           8,
		CacheEnabled:          true,
		Verbosity:             0,
		NumPieces:             1,
		NumProcesses:          1,
		MaxBoundaryRepost:     64,
		OpeningGeometryFactor: 1.0,
	}
}

// Load reads a YAML file at path over top of Default, leaving any
// field the file doesn't set at its default value.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations that would make the rest of the
// system's invariants meaningless (a zero bucket size would never
// terminate tree construction's leaf rule, a non-positive theta would
// never accept any node).
func (c Config) Validate() error {
	if c.BucketSize <= 0 {
		return fmt.Errorf("config: bucketSize must be positive, got %d", c.BucketSize)
	}
	if c.Theta <= 0 {
		return fmt.Errorf("config: theta must be positive, got %f", c.Theta)
	}
	if c.CacheLineDepth <= 0 {
		return fmt.Errorf("config: cacheLineDepth must be positive, got %d", c.CacheLineDepth)
	}
	if c.YieldPeriod <= 0 {
		return fmt.Errorf("config: yieldPeriod must be positive, got %d", c.YieldPeriod)
	}
	if c.NumPieces <= 0 {
		return fmt.Errorf("config: numPieces must be positive, got %d", c.NumPieces)
	}
	if c.MaxBoundaryRepost <= 0 {
		return fmt.Errorf("config: maxBoundaryRepost must be positive, got %d", c.MaxBoundaryRepost)
	}
	return nil
}
