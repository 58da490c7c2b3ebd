package harmonics

import (
	"fmt"
	"math"
	"strings"
)

const (
	// DefaultThreshold is the base sensitivity every rule is scaled from
	DefaultThreshold = 0.05

	// PresetLive is the rule set used with a live sensor feed
	PresetLive Preset = "live"

	// PresetSimulated is the more sensitive rule set used with synthetic waveforms
	PresetSimulated Preset = "simulated"
)

var presets = map[Preset]Config{
	PresetLive: {
		Threshold:              DefaultThreshold,
		HighHarmonicMultiplier: 5,
		AsymmetryMultiplier:    1,
	},
	PresetSimulated: {
		Threshold:              DefaultThreshold,
		HighHarmonicMultiplier: 3,
		AsymmetryMultiplier:    1.5,
	},
}

// Preset names one of the known classifier configurations.
type Preset string

func (p Preset) String() string {
	return string(p)
}

// Config holds the classifier thresholds. Threshold is the base sensitivity; the
// total harmonic content rule fires above Threshold*HighHarmonicMultiplier and the
// asymmetry rule above Threshold*AsymmetryMultiplier.
type Config struct {
	Threshold              float64 `yaml:"threshold" json:"threshold"`
	HighHarmonicMultiplier float64 `yaml:"highHarmonicMultiplier" json:"highHarmonicMultiplier"`
	AsymmetryMultiplier    float64 `yaml:"asymmetryMultiplier" json:"asymmetryMultiplier"`
}

// ConfigFor returns the configuration of a named preset.
func ConfigFor(p Preset) (Config, error) {
	cfg, ok := presets[Preset(strings.ToLower(string(p)))]
	if !ok {
		return Config{}, fmt.Errorf("harmonics.Config: unknown preset '%s'", p)
	}
	return cfg, nil
}

// Override returns a copy of c with every non-zero field of o applied on top.
func (c Config) Override(o Config) Config {
	if o.Threshold != 0 {
		c.Threshold = o.Threshold
	}
	if o.HighHarmonicMultiplier != 0 {
		c.HighHarmonicMultiplier = o.HighHarmonicMultiplier
	}
	if o.AsymmetryMultiplier != 0 {
		c.AsymmetryMultiplier = o.AsymmetryMultiplier
	}
	return c
}

func (c Config) Validate() error {
	fields := []struct {
		name  string
		value float64
	}{
		{"threshold", c.Threshold},
		{"high harmonic multiplier", c.HighHarmonicMultiplier},
		{"asymmetry multiplier", c.AsymmetryMultiplier},
	}
	for _, f := range fields {
		if f.value <= 0 || math.IsNaN(f.value) || math.IsInf(f.value, 0) {
			return fmt.Errorf("harmonics.Config: %s must be a positive number: %v given", f.name, f.value)
		}
	}
	return nil
}

// HighHarmonicLimit is the ratio the total harmonic content must exceed.
func (c Config) HighHarmonicLimit() float64 {
	return c.Threshold * c.HighHarmonicMultiplier
}

// AsymmetryLimit is the odd/even imbalance the asymmetry rule must exceed.
func (c Config) AsymmetryLimit() float64 {
	return c.Threshold * c.AsymmetryMultiplier
}
