package harmonics

import (
	"errors"
	"fmt"
	"math"
)

const (
	// minBins covers the DC bin, the fundamental and one harmonic
	minBins = 3

	// A fundamental at or below this fraction of the spectrum peak is treated as zero
	fundamentalTolerance = 1e-9
)

// ErrDegenerateSpectrum is returned when ratios against the fundamental bin are undefined
var ErrDegenerateSpectrum = errors.New("degenerate spectrum")

// ratios are the energy ratios of a spectrum relative to its fundamental bin.
type ratios struct {
	total float64 // bins 2..end
	odd   float64 // bins 3, 5, 7, ...
	even  float64 // bins 2, 4, 6, ...
}

type rule struct {
	category    Category
	explanation string
	tag         Tag
	ratio       func(ratios) float64
	limit       func(Config) float64
	bins        func(n int) []int
}

// rules in evaluation order; the order of reported issues follows it.
var rules = []rule{
	{
		category:    CategoryHighHarmonicContent,
		explanation: "core saturation or non-linear load characteristics",
		tag:         TagHarmonicContent,
		ratio:       func(r ratios) float64 { return r.total },
		limit:       Config.HighHarmonicLimit,
		bins:        func(n int) []int { return binRange(2, n, 1) },
	},
	{
		category:    CategoryOddHarmonicDominance,
		explanation: "magnetic core properties and saturation effects",
		tag:         TagOddHarmonics,
		ratio:       func(r ratios) float64 { return r.odd },
		limit:       func(c Config) float64 { return c.Threshold },
		bins:        func(n int) []int { return binRange(3, n, 2) },
	},
	{
		category:    CategoryEvenHarmonics,
		explanation: "unbalanced or asymmetrical operation",
		tag:         TagEvenHarmonics,
		ratio:       func(r ratios) float64 { return r.even },
		limit:       func(c Config) float64 { return c.Threshold },
		bins:        func(n int) []int { return binRange(2, n, 2) },
	},
	{
		category:    CategoryAsymmetry,
		explanation: "core saturation or unbalanced loads",
		tag:         TagAsymmetry,
		ratio:       func(r ratios) float64 { return math.Abs(r.odd - r.even) },
		limit:       Config.AsymmetryLimit,
		bins:        func(n int) []int { return binRange(2, n, 1) },
	},
}

// Classifier evaluates a magnitude spectrum against the harmonic rules.
// It holds no state besides its configuration and is safe for concurrent use.
type Classifier struct {
	config Config
}

// NewClassifier creates a Classifier after validating cfg.
func NewClassifier(cfg Config) (*Classifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Classifier{config: cfg}, nil
}

// Config returns the configuration the classifier was created with.
func (c *Classifier) Config() Config {
	return c.config
}

// Classify evaluates every rule against bins, which must be a half magnitude
// spectrum whose bin 1 is the fundamental. Rules are independent, so several
// issues can be returned; they always appear in rule order. When no rule fires
// the result is a single "No significant issues detected" issue.
func (c *Classifier) Classify(bins []float64) ([]Issue, error) {
	r, err := measure(bins)
	if err != nil {
		return nil, err
	}

	var issues []Issue
	for _, rl := range rules {
		ratio := rl.ratio(r)
		limit := rl.limit(c.config)
		if ratio <= limit {
			continue
		}

		issues = append(issues, Issue{
			Category:    rl.category,
			Explanation: rl.explanation,
			Bins:        rl.bins(len(bins)),
			Tag:         rl.tag,
			Ratio:       ratio,
			Limit:       limit,
		})
	}

	if len(issues) == 0 {
		issues = append(issues, noIssues())
	}
	return issues, nil
}

func measure(bins []float64) (ratios, error) {
	if len(bins) < minBins {
		return ratios{}, fmt.Errorf("%w: %d bins, need at least %d", ErrDegenerateSpectrum, len(bins), minBins)
	}

	var peak float64
	for i, v := range bins {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return ratios{}, fmt.Errorf("%w: bin %d has invalid magnitude %v", ErrDegenerateSpectrum, i, v)
		}
		peak = max(peak, v)
	}

	fundamental := bins[1]
	if fundamental == 0 || fundamental <= peak*fundamentalTolerance {
		return ratios{}, fmt.Errorf("%w: fundamental bin magnitude %g is zero relative to peak %g", ErrDegenerateSpectrum, fundamental, peak)
	}

	var r ratios
	for i := 2; i < len(bins); i++ {
		r.total += bins[i]
		if i%2 == 0 {
			r.even += bins[i]
		} else {
			r.odd += bins[i]
		}
	}

	r.total /= fundamental
	r.odd /= fundamental
	r.even /= fundamental
	return r, nil
}

func binRange(start, end, step int) []int {
	if start >= end {
		return nil
	}
	out := make([]int, 0, (end-start+step-1)/step)
	for i := start; i < end; i += step {
		out = append(out, i)
	}
	return out
}
