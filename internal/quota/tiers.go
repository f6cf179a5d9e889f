package quota

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fetchq/fetchq/internal/request"
)

// TierLimit is the per-period allowance for one service class.
type TierLimit struct {
	// LimitBytes is the consumption ceiling per period.
	LimitBytes int64 `yaml:"limit_bytes"`

	// Period is the allowance window.
	Period time.Duration `yaml:"period"`
}

// UnmarshalYAML accepts durations in Go syntax ("24h", "30m").
func (t *TierLimit) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		LimitBytes int64  `yaml:"limit_bytes"`
		Period     string `yaml:"period"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	t.LimitBytes = raw.LimitBytes
	if raw.Period != "" {
		period, err := time.ParseDuration(raw.Period)
		if err != nil {
			return fmt.Errorf("parse period %q: %w", raw.Period, err)
		}
		t.Period = period
	}
	return nil
}

// Tiers maps a service class to its allowance.
type Tiers map[request.Tier]TierLimit

// DefaultTiers mirrors the production defaults: 1 GB/day free,
// 10 GB/day premium.
func DefaultTiers() Tiers {
	return Tiers{
		request.TierFree:    {LimitBytes: 1 << 30, Period: 24 * time.Hour},
		request.TierPremium: {LimitBytes: 10 << 30, Period: 24 * time.Hour},
	}
}

// LoadTiers reads tier definitions from a YAML file. Tiers absent from the
// file keep their defaults.
func LoadTiers(path string) (Tiers, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tiers file: %w", err)
	}

	var loaded map[request.Tier]TierLimit
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("parse tiers file: %w", err)
	}

	tiers := DefaultTiers()
	for tier, limit := range loaded {
		if limit.Period <= 0 {
			return nil, fmt.Errorf("tier %q: period must be positive", tier)
		}
		if limit.LimitBytes <= 0 {
			return nil, fmt.Errorf("tier %q: limit_bytes must be positive", tier)
		}
		tiers[tier] = limit
	}
	return tiers, nil
}
