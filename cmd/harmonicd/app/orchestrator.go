package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roman-kulish/transformer-harmonics/internal/diagnostics"
	"github.com/roman-kulish/transformer-harmonics/internal/source"
	"github.com/roman-kulish/transformer-harmonics/internal/storage"
)

const storeTimeout = 5 * time.Second

// Runner produces a diagnostics report from the latest sample pair
type Runner interface {
	Run() (*diagnostics.Report, error)
}

// Broadcaster pushes the outcome of every run to live clients
type Broadcaster interface {
	Broadcast(report *diagnostics.Report, err error)
}

// Publisher sends reports to an external system
type Publisher interface {
	Publish(report *diagnostics.Report) error
}

// StoreMetrics receives the outcome of every history write
type StoreMetrics interface {
	ObserveStore(err error)
}

// WithLogger sets the logger of the Orchestrator
func WithLogger(logger *slog.Logger) func(*Orchestrator) {
	return func(o *Orchestrator) {
		o.logger = logger.With(slog.String("component", "orchestrator"))
	}
}

// WithStore keeps the history of reports in store. Reports older than retention are
// deleted every pruneInterval; a zero retention keeps them forever.
func WithStore(store storage.Store, retention, pruneInterval time.Duration) func(*Orchestrator) {
	return func(o *Orchestrator) {
		o.store = store
		o.retention = retention
		o.pruneInterval = pruneInterval
	}
}

// WithBroadcaster sets the receiver of every run outcome
func WithBroadcaster(b Broadcaster) func(*Orchestrator) {
	return func(o *Orchestrator) {
		o.broadcaster = b
	}
}

// WithPublisher sets the publisher of every report
func WithPublisher(p Publisher) func(*Orchestrator) {
	return func(o *Orchestrator) {
		o.publisher = p
	}
}

// WithStoreMetrics sets the metrics sink of history writes
func WithStoreMetrics(m StoreMetrics) func(*Orchestrator) {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithClock overrides the time source used for pruning
func WithClock(now func() time.Time) func(*Orchestrator) {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// Orchestrator analyzes every pair published to the slot and fans the report out to
// the websocket clients, the report history and the MQTT broker.
type Orchestrator struct {
	slot    *source.Slot
	session Runner

	broadcaster Broadcaster
	publisher   Publisher
	store       storage.Store
	metrics     StoreMetrics

	retention     time.Duration
	pruneInterval time.Duration
	now           func() time.Time

	logger *slog.Logger
}

// NewOrchestrator creates a new Orchestrator with a discard logger
func NewOrchestrator(slot *source.Slot, session Runner, options ...func(*Orchestrator)) *Orchestrator {
	o := Orchestrator{
		slot:    slot,
		session: session,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&o)
	}

	return &o
}

// Run analyzes published pairs until ctx is cancelled. Pairs published while a run is
// in progress collapse into one run over the newest of them.
func (o *Orchestrator) Run(ctx context.Context) error {
	pairs, unsubscribe := o.slot.Subscribe()
	defer unsubscribe()

	var prune <-chan time.Time
	if o.store != nil && o.retention > 0 && o.pruneInterval > 0 {
		ticker := time.NewTicker(o.pruneInterval)
		defer ticker.Stop()
		prune = ticker.C

		o.prune(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case _, ok := <-pairs:
			if !ok {
				return nil
			}
			o.analyze(ctx)

		case <-prune:
			o.prune(ctx)
		}
	}
}

func (o *Orchestrator) analyze(ctx context.Context) {
	report, err := o.session.Run()
	if o.broadcaster != nil {
		o.broadcaster.Broadcast(report, err)
	}

	if err != nil {
		if errors.Is(err, diagnostics.ErrNoData) {
			o.logger.Debug("no sample pair to analyze")
		} else {
			o.logger.Warn(fmt.Sprintf("analysis failed: %s", err.Error()))
		}
		return
	}

	o.logger.Debug("pair analyzed",
		slog.String("report", report.ID.String()),
		slog.Int("issues", report.IssueCount()))

	if o.store != nil {
		if err = o.storeReport(ctx, report); err != nil {
			o.logger.Error(err.Error())
		}
	}

	if o.publisher != nil {
		if err = o.publisher.Publish(report); err != nil {
			o.logger.Warn(fmt.Sprintf("publishing report: %s", err.Error()))
		}
	}
}

func (o *Orchestrator) storeReport(ctx context.Context, report *diagnostics.Report) (err error) {
	if o.metrics != nil {
		defer func() {
			o.metrics.ObserveStore(err)
		}()
	}

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	if err = o.store.StoreReport(ctx, report); err != nil {
		return fmt.Errorf("storing report: %w", err)
	}
	return nil
}

func (o *Orchestrator) prune(ctx context.Context) {
	before := o.now().Add(-o.retention)

	n, err := o.store.DeleteBefore(ctx, before)
	if err != nil {
		o.logger.Error(fmt.Sprintf("pruning report history: %s", err.Error()))
		return
	}
	if n > 0 {
		o.logger.Info("report history pruned", slog.Int64("deleted", n), slog.Time("before", before))
	}
}
