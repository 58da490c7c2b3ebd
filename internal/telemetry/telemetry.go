package telemetry

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/roman-kulish/transformer-harmonics/internal/diagnostics"
	"github.com/roman-kulish/transformer-harmonics/internal/harmonics"
	"github.com/roman-kulish/transformer-harmonics/internal/spectrum"
)

const namespace = "harmonics"

// Result labels of an analysis run
const (
	ResultOK                  = "ok"
	ResultNoData              = "no_data"
	ResultInsufficientSamples = "insufficient_samples"
	ResultDegenerateSpectrum  = "degenerate_spectrum"
	ResultError               = "error"
)

// Metrics holds the Prometheus collectors of the diagnostics engine. It implements
// diagnostics.Metrics and source.PairObserver.
type Metrics struct {
	pairsAccepted prometheus.Counter     // Sample pairs published to the slot
	pairsRejected *prometheus.CounterVec // Sample pairs rejected (by reason)
	connected     prometheus.Gauge       // 1 while the sensor is connected

	analyses        *prometheus.CounterVec // Analysis runs (by result)
	analysisSeconds prometheus.Histogram   // Analysis run duration
	issues          *prometheus.CounterVec // Issues raised (by channel and category)
	ratios          *prometheus.GaugeVec   // Last harmonic ratio of each rule (by channel and category)
	fundamental     *prometheus.GaugeVec   // Last fundamental bin magnitude (by channel)

	wsClients     prometheus.Gauge       // Connected websocket clients
	publishes     *prometheus.CounterVec // MQTT publications (by result)
	reportsStored *prometheus.CounterVec // Reports written to storage (by result)
}

// NewMetrics registers the collectors with reg. Tests pass a fresh registry, the
// daemon passes prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		pairsAccepted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairs_accepted_total",
			Help:      "Total number of voltage/current sample pairs accepted",
		}),
		pairsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairs_rejected_total",
			Help:      "Total number of sample pairs rejected",
		}, []string{"reason"}),
		connected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "source_connected",
			Help:      "Sensor connection status (1=connected, 0=disconnected)",
		}),
		analyses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analyses_total",
			Help:      "Total number of diagnostics runs",
		}, []string{"result"}),
		analysisSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analysis_duration_seconds",
			Help:      "Duration of a diagnostics run",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		issues: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "issues_total",
			Help:      "Total number of harmonic issues detected",
		}, []string{"channel", "category"}),
		ratios: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "issue_ratio",
			Help:      "Harmonic ratio of the last detected issue",
		}, []string{"channel", "category"}),
		fundamental: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fundamental_magnitude",
			Help:      "Magnitude of the fundamental bin in the last analysis",
		}, []string{"channel"}),
		wsClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_clients",
			Help:      "Currently connected websocket clients",
		}),
		publishes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mqtt_publishes_total",
			Help:      "Total number of reports published to MQTT",
		}, []string{"result"}),
		reportsStored: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_stored_total",
			Help:      "Total number of reports written to storage",
		}, []string{"result"}),
	}
}

func (m *Metrics) PairAccepted() {
	m.pairsAccepted.Inc()
	m.connected.Set(1)
}

func (m *Metrics) PairRejected(reason string) {
	m.pairsRejected.WithLabelValues(reason).Inc()
}

// SetConnected records the sensor connection status
func (m *Metrics) SetConnected(connected bool) {
	if connected {
		m.connected.Set(1)
		return
	}
	m.connected.Set(0)
}

func (m *Metrics) ObserveRun(elapsed time.Duration, err error) {
	m.analysisSeconds.Observe(elapsed.Seconds())
	m.analyses.WithLabelValues(Result(err)).Inc()
}

func (m *Metrics) ObserveReport(r *diagnostics.Report) {
	for _, ch := range r.Channels() {
		if ch.Spectrum != nil {
			m.fundamental.WithLabelValues(ch.Channel.String()).Set(ch.Spectrum.Fundamental())
		}
		for _, issue := range ch.Issues {
			if issue.IsSentinel() {
				continue
			}
			m.issues.WithLabelValues(ch.Channel.String(), issue.Category.String()).Inc()
			m.ratios.WithLabelValues(ch.Channel.String(), issue.Category.String()).Set(issue.Ratio)
		}
	}
}

// WebsocketConnected adjusts the websocket client gauge by delta
func (m *Metrics) WebsocketConnected(delta int) {
	m.wsClients.Add(float64(delta))
}

func (m *Metrics) ObservePublish(err error) {
	m.publishes.WithLabelValues(okOrError(err)).Inc()
}

func (m *Metrics) ObserveStore(err error) {
	m.reportsStored.WithLabelValues(okOrError(err)).Inc()
}

// Result maps the outcome of a diagnostics run to its metric label.
func Result(err error) string {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, diagnostics.ErrNoData):
		return ResultNoData
	case errors.Is(err, spectrum.ErrInsufficientSamples):
		return ResultInsufficientSamples
	case errors.Is(err, harmonics.ErrDegenerateSpectrum):
		return ResultDegenerateSpectrum
	default:
		return ResultError
	}
}

func okOrError(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOK
}
