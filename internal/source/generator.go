package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/roman-kulish/transformer-harmonics/internal/waveform"
)

const (
	DefaultFundamental = 50.0
	DefaultSampleCount = 512
)

// Harmonic is one component of a synthetic channel. Order 1 is the fundamental.
type Harmonic struct {
	Order     int     `yaml:"order"`
	Amplitude float64 `yaml:"amplitude"`
	Phase     float64 `yaml:"phase"` // radians
}

// ChannelProfile describes a synthetic channel as a sum of harmonics plus gaussian noise.
type ChannelProfile struct {
	Harmonics []Harmonic `yaml:"harmonics"`
	Noise     float64    `yaml:"noise"` // standard deviation
}

// Profile describes the synthetic waveforms of both channels.
type Profile struct {
	Fundamental float64        `yaml:"fundamental"` // Hz
	SampleCount int            `yaml:"sampleCount"`
	SampleRate  float64        `yaml:"sampleRate"` // Hz, fundamental * sampleCount when zero
	Voltage     ChannelProfile `yaml:"voltage"`
	Current     ChannelProfile `yaml:"current"`
}

// DefaultProfile is a transformer with a strong second harmonic and a decaying series
// of higher harmonics on both channels, the current channel being the noisier one.
func DefaultProfile() Profile {
	return Profile{
		Fundamental: DefaultFundamental,
		SampleCount: DefaultSampleCount,
		Voltage: ChannelProfile{
			Harmonics: []Harmonic{
				{Order: 1, Amplitude: 1},
				{Order: 2, Amplitude: 0.5},
				{Order: 3, Amplitude: 0.3},
				{Order: 4, Amplitude: 0.1},
				{Order: 5, Amplitude: 0.05},
				{Order: 6, Amplitude: 0.02},
			},
			Noise: 0.05,
		},
		Current: ChannelProfile{
			Harmonics: []Harmonic{
				{Order: 1, Amplitude: 1},
				{Order: 2, Amplitude: 0.6},
				{Order: 3, Amplitude: 0.4},
				{Order: 4, Amplitude: 0.2},
				{Order: 5, Amplitude: 0.1},
				{Order: 6, Amplitude: 0.05},
			},
			Noise: 0.1,
		},
	}
}

// Rate returns the effective sample rate of the profile.
func (p Profile) Rate() float64 {
	if p.SampleRate > 0 {
		return p.SampleRate
	}
	return p.Fundamental * float64(p.SampleCount)
}

func (p Profile) Validate() error {
	if p.Fundamental <= 0 {
		return fmt.Errorf("source.Profile: fundamental must be a positive number: %v given", p.Fundamental)
	}
	if p.SampleCount <= 0 {
		return fmt.Errorf("source.Profile: sample count must be a positive number: %d given", p.SampleCount)
	}
	if p.SampleRate < 0 {
		return fmt.Errorf("source.Profile: sample rate must not be negative: %v given", p.SampleRate)
	}
	for _, ch := range []ChannelProfile{p.Voltage, p.Current} {
		if ch.Noise < 0 {
			return fmt.Errorf("source.Profile: noise must not be negative: %v given", ch.Noise)
		}
		for _, h := range ch.Harmonics {
			if h.Order < 1 {
				return fmt.Errorf("source.Profile: harmonic order must be at least 1: %d given", h.Order)
			}
		}
	}
	return nil
}

// WithGeneratorLogger sets the logger for the generator
func WithGeneratorLogger(logger *slog.Logger) func(*Generator) {
	return func(g *Generator) {
		g.logger = logger.With(slog.String("component", "generator"))
	}
}

// WithSeed makes the generated noise reproducible
func WithSeed(seed int64) func(*Generator) {
	return func(g *Generator) {
		g.rng = rand.New(rand.NewSource(seed))
	}
}

// WithProfile replaces the default waveform profile
func WithProfile(p Profile) func(*Generator) {
	return func(g *Generator) {
		g.profile = p
	}
}

// Generator produces synthetic voltage/current pairs for demonstrations and tests.
type Generator struct {
	profile Profile

	mu  sync.Mutex // guards rng
	rng *rand.Rand

	logger *slog.Logger
}

// NewGenerator creates a Generator with the default profile and a time seeded noise source
func NewGenerator(options ...func(*Generator)) (*Generator, error) {
	g := Generator{
		profile: DefaultProfile(),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&g)
	}

	if err := g.profile.Validate(); err != nil {
		return nil, err
	}

	return &g, nil
}

// Profile returns the waveform profile of the generator.
func (g *Generator) Profile() Profile {
	return g.profile
}

// Generate synthesizes one pair.
func (g *Generator) Generate() (*waveform.Pair, error) {
	rate := g.profile.Rate()

	g.mu.Lock()
	voltage := g.synthesize(g.profile.Voltage, rate)
	current := g.synthesize(g.profile.Current, rate)
	g.mu.Unlock()

	return waveform.NewPair(voltage, current, rate)
}

// LatestPair generates a fresh pair on every call, which lets a Generator serve as
// the source of a diagnostics session directly.
func (g *Generator) LatestPair() (*waveform.Pair, bool) {
	p, err := g.Generate()
	if err != nil {
		g.logger.Error(fmt.Sprintf("error generating pair: %s", err.Error()))
		return nil, false
	}
	return p, true
}

func (g *Generator) synthesize(ch ChannelProfile, rate float64) []float64 {
	out := make([]float64, g.profile.SampleCount)
	for i := range out {
		t := float64(i) / rate
		var v float64
		for _, h := range ch.Harmonics {
			v += h.Amplitude * math.Sin(2*math.Pi*g.profile.Fundamental*float64(h.Order)*t+h.Phase)
		}
		if ch.Noise > 0 {
			v += ch.Noise * g.rng.NormFloat64()
		}
		out[i] = v
	}
	return out
}

// Run publishes a freshly generated pair to slot every interval until ctx is cancelled.
// The first pair is published immediately.
func (g *Generator) Run(ctx context.Context, slot *Slot, interval time.Duration) error {
	g.logger.Info("starting synthetic source",
		slog.Float64("fundamental", g.profile.Fundamental),
		slog.Float64("sampleRate", g.profile.Rate()),
		slog.Int("sampleCount", g.profile.SampleCount),
		slog.Duration("interval", interval))

	publish := func() error {
		p, err := g.Generate()
		if err != nil {
			return fmt.Errorf("error generating pair: %w", err)
		}
		return slot.Publish(p)
	}

	if err := publish(); err != nil {
		return err
	}

	if interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			g.logger.Info("synthetic source stopped")
			return nil

		case <-ticker.C:
			if err := publish(); err != nil {
				return err
			}
		}
	}
}
