// Package config holds the configurable options the core recognizes
// (spec §6.3), loaded with sensible defaults and optionally overridden
// from YAML — generalized from kernel/mesh_config.go's "defaults, then
// override" shape and grounded on 99souls-ariadne's use of
// gopkg.in/yaml.v3 for runtime config.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Options mirrors spec §6.3 field-for-field.
type Options struct {
	Lifecycle struct {
		TimeoutTicks int64 `yaml:"timeout_ticks"`
	} `yaml:"lifecycle"`

	Ghost struct {
		MaxAgeTicks       int64 `yaml:"max_age_ticks"`
		PromotionBudgetNs int64 `yaml:"promotion_budget_ns"`
	} `yaml:"ghost"`

	Egress struct {
		RefreshIntervalTicks int64 `yaml:"refresh_interval_ticks"`
	} `yaml:"egress"`

	ID struct {
		LowWater          int   `yaml:"low_water"`
		RequestTimeoutTicks int64 `yaml:"request_timeout_ticks"`
	} `yaml:"id"`

	Registry struct {
		GraveyardTicks int64 `yaml:"graveyard_ticks"`
	} `yaml:"registry"`

	Time struct {
		PLLGain          float64       `yaml:"pll_gain"`
		MaxSlew          float64       `yaml:"max_slew"`
		SnapThresholdMs  float64       `yaml:"snap_threshold_ms"`
		JitterWindow     int           `yaml:"jitter_window"`
		AvgLatencyTicks  time.Duration `yaml:"avg_latency_ticks"`
		FixedDeltaS      float64       `yaml:"fixed_delta_s"`
		PauseBarrierFrames int64       `yaml:"pause_barrier_frames"`
		PulseInterval    time.Duration `yaml:"pulse_interval"`
	} `yaml:"time"`
}

// DefaultOptions returns the table in spec §6.3.
func DefaultOptions() Options {
	var o Options
	o.Lifecycle.TimeoutTicks = 300
	o.Ghost.MaxAgeTicks = 3600
	o.Ghost.PromotionBudgetNs = 2_000_000
	o.Egress.RefreshIntervalTicks = 600
	o.ID.LowWater = 10
	o.ID.RequestTimeoutTicks = 60
	o.Registry.GraveyardTicks = 60
	o.Time.PLLGain = 0.1
	o.Time.MaxSlew = 0.05
	o.Time.SnapThresholdMs = 500
	o.Time.JitterWindow = 5
	o.Time.AvgLatencyTicks = 2 * time.Millisecond
	o.Time.FixedDeltaS = 1.0 / 60.0
	o.Time.PauseBarrierFrames = 10
	o.Time.PulseInterval = 1 * time.Second
	return o
}

// LoadYAML reads Options from path, starting from DefaultOptions so an
// incomplete file still yields valid values.
func LoadYAML(path string) (Options, error) {
	opts := DefaultOptions()
	raw, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := opts.Override(raw); err != nil {
		return opts, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return opts, nil
}

// Override merges YAML-encoded fields onto the receiver's current values.
func (o *Options) Override(raw []byte) error {
	return yaml.Unmarshal(raw, o)
}
