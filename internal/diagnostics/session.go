package diagnostics

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/roman-kulish/transformer-harmonics/internal/harmonics"
	"github.com/roman-kulish/transformer-harmonics/internal/spectrum"
	"github.com/roman-kulish/transformer-harmonics/internal/waveform"
)

// fundamentalMismatch is the relative difference between the nominal fundamental
// and the bin width above which a run logs a warning
const fundamentalMismatch = 0.01

var (
	// ErrNoData is returned when the source has no sample pair to analyze
	ErrNoData = errors.New("no data")

	// ErrMisalignedPair is returned when the two channels of a pair do not share
	// sample count and sample rate
	ErrMisalignedPair = errors.New("voltage and current buffers are not aligned")
)

// Source supplies the most recent voltage/current pair. LatestPair returns false
// when nothing has been received yet or the source is disconnected.
type Source interface {
	LatestPair() (*waveform.Pair, bool)
}

// Metrics receives the outcome of every run.
type Metrics interface {
	ObserveRun(elapsed time.Duration, err error)
	ObserveReport(r *Report)
}

// WithLogger sets the logger for the session
func WithLogger(logger *slog.Logger) func(*Session) {
	return func(s *Session) {
		s.logger = logger.With(slog.String("component", "diagnostics"))
	}
}

// WithMetrics sets the metrics sink for the session
func WithMetrics(m Metrics) func(*Session) {
	return func(s *Session) {
		s.metrics = m
	}
}

// WithFundamental sets the nominal fundamental frequency in Hz. Bin 1 of the spectrum
// only represents the fundamental when sampleRate/sampleCount equals this value; runs
// over pairs that break the assumption are still analyzed, but logged.
func WithFundamental(hz float64) func(*Session) {
	return func(s *Session) {
		s.fundamental = hz
	}
}

// WithClock overrides the time source used to stamp reports
func WithClock(now func() time.Time) func(*Session) {
	return func(s *Session) {
		s.now = now
	}
}

// Session runs the diagnostics pipeline over the latest pair of a Source. A Session
// keeps no reports between runs, every Run is an independent computation.
type Session struct {
	source     Source
	classifier *harmonics.Classifier

	fundamental float64
	now         func() time.Time

	logger  *slog.Logger
	metrics Metrics
}

// NewSession creates a new Session with a discard logger
func NewSession(source Source, classifier *harmonics.Classifier, options ...func(*Session)) *Session {
	s := Session{
		source:     source,
		classifier: classifier,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&s)
	}

	return &s
}

// Run takes a snapshot of the latest pair and analyzes both channels. It returns
// ErrNoData when the source has nothing to offer, and propagates
// spectrum.ErrInsufficientSamples and harmonics.ErrDegenerateSpectrum.
func (s *Session) Run() (report *Report, err error) {
	started := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.ObserveRun(time.Since(started), err)
			if report != nil {
				s.metrics.ObserveReport(report)
			}
		}
	}()

	pair, ok := s.source.LatestPair()
	if !ok || pair == nil || pair.Voltage == nil || pair.Current == nil {
		s.logger.Warn("no sample pair available")
		return nil, ErrNoData
	}

	if err = checkAlignment(pair); err != nil {
		return nil, err
	}
	s.checkFundamental(pair)

	voltage, err := s.analyze(pair.Voltage)
	if err != nil {
		return nil, err
	}

	current, err := s.analyze(pair.Current)
	if err != nil {
		return nil, err
	}

	report = &Report{
		ID:          uuid.New(),
		CreatedAt:   s.now(),
		PairID:      pair.ID,
		ReceivedAt:  pair.ReceivedAt,
		SampleRate:  pair.Voltage.SampleRate(),
		SampleCount: pair.SampleCount(),
		BinWidth:    voltage.Spectrum.BinWidth(),
		Frequencies: voltage.Spectrum.Frequencies(),
		Config:      s.classifier.Config(),
		Voltage:     *voltage,
		Current:     *current,
		Pair:        pair,
	}

	s.logger.Debug("diagnostics completed",
		slog.String("report", report.ID.String()),
		slog.String("pair", pair.ID.String()),
		slog.Int("issues", report.IssueCount()))

	return report, nil
}

func (s *Session) analyze(b *waveform.Buffer) (*ChannelReport, error) {
	spec, err := spectrum.Transform(b)
	if err != nil {
		return nil, fmt.Errorf("transforming %s: %w", b.Channel(), err)
	}

	issues, err := s.classifier.Classify(spec.Bins)
	if err != nil {
		return nil, fmt.Errorf("classifying %s: %w", b.Channel(), err)
	}

	return &ChannelReport{
		Channel:  b.Channel(),
		Issues:   issues,
		Spectrum: spec,
	}, nil
}

func (s *Session) checkFundamental(pair *waveform.Pair) {
	if s.fundamental <= 0 {
		return
	}

	width := spectrum.BinWidth(pair.Voltage.SampleRate(), pair.SampleCount())
	if math.Abs(width-s.fundamental)/s.fundamental > fundamentalMismatch {
		s.logger.Warn("spectrum bin 1 does not match the nominal fundamental",
			slog.String("binWidth", fmt.Sprintf("%0.2fHz", width)),
			slog.String("fundamental", fmt.Sprintf("%0.2fHz", s.fundamental)))
	}
}

func checkAlignment(pair *waveform.Pair) error {
	v, c := pair.Voltage, pair.Current
	if v.Len() != c.Len() || v.SampleRate() != c.SampleRate() {
		return fmt.Errorf("%w: voltage %d@%gHz, current %d@%gHz", ErrMisalignedPair, v.Len(), v.SampleRate(), c.Len(), c.SampleRate())
	}
	return nil
}
