package telemetry

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/roman-kulish/transformer-harmonics/internal/diagnostics"
	"github.com/roman-kulish/transformer-harmonics/internal/harmonics"
	"github.com/roman-kulish/transformer-harmonics/internal/spectrum"
	"github.com/roman-kulish/transformer-harmonics/internal/waveform"
)

func TestMetrics_Runs(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveRun(time.Millisecond, nil)
	m.ObserveRun(time.Millisecond, diagnostics.ErrNoData)
	m.ObserveRun(time.Millisecond, fmt.Errorf("classifying voltage: %w", harmonics.ErrDegenerateSpectrum))
	m.ObserveRun(time.Millisecond, errors.New("boom"))

	expected := map[string]float64{
		ResultOK:                  1,
		ResultNoData:              1,
		ResultDegenerateSpectrum:  1,
		ResultError:               1,
		ResultInsufficientSamples: 0,
	}
	for result, want := range expected {
		if got := testutil.ToFloat64(m.analyses.WithLabelValues(result)); got != want {
			t.Errorf("%s: expected %f runs, got %f", result, want, got)
		}
	}

	if samples := testutil.CollectAndCount(m.analysisSeconds); samples != 1 {
		t.Errorf("expected the duration histogram to be collected, got %d", samples)
	}
}

func TestMetrics_Report(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	report := &diagnostics.Report{
		ID: uuid.New(),
		Voltage: diagnostics.ChannelReport{
			Channel: waveform.ChannelVoltage,
			Issues: []harmonics.Issue{
				{Category: harmonics.CategoryEvenHarmonics, Ratio: 0.6},
			},
			Spectrum: &spectrum.Magnitude{Bins: []float64{0, 256, 153.6}},
		},
		Current: diagnostics.ChannelReport{
			Channel: waveform.ChannelCurrent,
			Issues:  []harmonics.Issue{{Category: harmonics.CategoryNone}},
		},
	}
	m.ObserveReport(report)

	if got := testutil.ToFloat64(m.issues.WithLabelValues("voltage", "Even Harmonics")); got != 1 {
		t.Errorf("expected one even harmonics issue, got %f", got)
	}
	if got := testutil.ToFloat64(m.ratios.WithLabelValues("voltage", "Even Harmonics")); got != 0.6 {
		t.Errorf("expected ratio 0.6, got %f", got)
	}
	if got := testutil.ToFloat64(m.fundamental.WithLabelValues("voltage")); got != 256 {
		t.Errorf("expected fundamental 256, got %f", got)
	}
	if got := testutil.CollectAndCount(m.issues); got != 1 {
		t.Errorf("sentinel issues must not be counted, got %d series", got)
	}
}

func TestMetrics_Source(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.PairAccepted()
	m.PairAccepted()
	m.PairRejected("malformed")

	if got := testutil.ToFloat64(m.pairsAccepted); got != 2 {
		t.Errorf("expected 2 accepted pairs, got %f", got)
	}
	if got := testutil.ToFloat64(m.pairsRejected.WithLabelValues("malformed")); got != 1 {
		t.Errorf("expected 1 rejected pair, got %f", got)
	}
	if got := testutil.ToFloat64(m.connected); got != 1 {
		t.Errorf("expected connected gauge, got %f", got)
	}

	m.SetConnected(false)
	if got := testutil.ToFloat64(m.connected); got != 0 {
		t.Errorf("expected disconnected gauge, got %f", got)
	}

	m.WebsocketConnected(1)
	m.WebsocketConnected(1)
	m.WebsocketConnected(-1)
	if got := testutil.ToFloat64(m.wsClients); got != 1 {
		t.Errorf("expected 1 websocket client, got %f", got)
	}

	m.ObservePublish(nil)
	m.ObserveStore(errors.New("disk full"))
	if got := testutil.ToFloat64(m.publishes.WithLabelValues(ResultOK)); got != 1 {
		t.Errorf("expected 1 publication, got %f", got)
	}
	if got := testutil.ToFloat64(m.reportsStored.WithLabelValues(ResultError)); got != 1 {
		t.Errorf("expected 1 failed store, got %f", got)
	}
}

func TestNewMetrics_DefaultRegisterer(t *testing.T) {
	origReg := prometheus.DefaultRegisterer
	origGatherer := prometheus.DefaultGatherer
	t.Cleanup(func() {
		prometheus.DefaultRegisterer = origReg
		prometheus.DefaultGatherer = origGatherer
	})

	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg

	m := NewMetrics(prometheus.DefaultRegisterer)
	m.PairAccepted()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var found bool
	for _, mf := range families {
		if mf.GetName() == "harmonics_pairs_accepted_total" {
			found = true
		}
	}
	if !found {
		t.Error("metrics were not registered with the default registerer")
	}
}
