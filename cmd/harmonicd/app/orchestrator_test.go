package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/roman-kulish/transformer-harmonics/internal/diagnostics"
	"github.com/roman-kulish/transformer-harmonics/internal/harmonics"
	"github.com/roman-kulish/transformer-harmonics/internal/source"
	"github.com/roman-kulish/transformer-harmonics/internal/storage"
)

type outcome struct {
	report *diagnostics.Report
	err    error
}

type fakeBroadcaster struct {
	outcomes chan outcome
}

func (b *fakeBroadcaster) Broadcast(report *diagnostics.Report, err error) {
	select {
	case b.outcomes <- outcome{report, err}:
	default:
	}
}

type fakePublisher struct {
	mu      sync.Mutex
	reports []*diagnostics.Report
	err     error
}

func (p *fakePublisher) Publish(report *diagnostics.Report) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reports = append(p.reports, report)
	return p.err
}

func (p *fakePublisher) published() []*diagnostics.Report {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*diagnostics.Report(nil), p.reports...)
}

type fakeStore struct {
	mu       sync.Mutex
	reports  []*diagnostics.Report
	storeErr error
	pruned   chan time.Time
}

func (s *fakeStore) StoreReport(_ context.Context, r *diagnostics.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.storeErr != nil {
		return s.storeErr
	}
	s.reports = append(s.reports, r)
	return nil
}

func (s *fakeStore) stored() []*diagnostics.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*diagnostics.Report(nil), s.reports...)
}

func (s *fakeStore) Report(context.Context, uuid.UUID) (*storage.Record, error) {
	return nil, storage.ErrNotFound
}

func (s *fakeStore) Reports(context.Context, ...storage.QueryOption) ([]*storage.Record, error) {
	return nil, nil
}

func (s *fakeStore) DeleteBefore(_ context.Context, t time.Time) (int64, error) {
	if s.pruned != nil {
		s.pruned <- t
	}
	return 1, nil
}

func (s *fakeStore) Close() error {
	return nil
}

type fakeStoreMetrics struct {
	mu      sync.Mutex
	results []error
}

func (m *fakeStoreMetrics) ObserveStore(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, err)
}

type failingRunner struct {
	err error
}

func (r failingRunner) Run() (*diagnostics.Report, error) {
	return nil, r.err
}

// publishUntilBroadcast keeps publishing pairs until the orchestrator, which subscribes
// asynchronously, reacts to one of them.
func publishUntilBroadcast(t *testing.T, slot *source.Slot, gen *source.Generator, b *fakeBroadcaster) outcome {
	t.Helper()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	timeout := time.After(5 * time.Second)

	for {
		pair, err := gen.Generate()
		if err != nil {
			t.Fatalf("Generate() error = %v", err)
		}
		if err = slot.Publish(pair); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}

		select {
		case o := <-b.outcomes:
			return o
		case <-ticker.C:
		case <-timeout:
			t.Fatal("timed out waiting for a broadcast")
		}
	}
}

func startOrchestrator(t *testing.T, o *Orchestrator) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- o.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run() error = %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("orchestrator did not stop")
		}
	})
}

func newTestGenerator(t *testing.T) *source.Generator {
	t.Helper()

	gen, err := source.NewGenerator(source.WithSeed(1))
	if err != nil {
		t.Fatalf("NewGenerator() error = %v", err)
	}
	return gen
}

func TestOrchestratorAnalyzesPublishedPairs(t *testing.T) {
	slot := source.NewSlot()
	classifier, err := harmonics.NewClassifier(harmonics.Config{
		Threshold:              harmonics.DefaultThreshold,
		HighHarmonicMultiplier: 3,
		AsymmetryMultiplier:    1.5,
	})
	if err != nil {
		t.Fatalf("NewClassifier() error = %v", err)
	}
	session := diagnostics.NewSession(slot, classifier)

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	broadcaster := &fakeBroadcaster{outcomes: make(chan outcome, 16)}
	publisher := &fakePublisher{}
	store := &fakeStore{pruned: make(chan time.Time, 1)}
	metrics := &fakeStoreMetrics{}

	o := NewOrchestrator(slot, session,
		WithBroadcaster(broadcaster),
		WithPublisher(publisher),
		WithStore(store, 24*time.Hour, time.Hour),
		WithStoreMetrics(metrics),
		WithClock(func() time.Time { return now }))
	startOrchestrator(t, o)

	select {
	case before := <-store.pruned:
		if want := now.Add(-24 * time.Hour); !before.Equal(want) {
			t.Errorf("DeleteBefore(%v), want %v", before, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("history was not pruned on start")
	}

	got := publishUntilBroadcast(t, slot, newTestGenerator(t), broadcaster)
	if got.err != nil {
		t.Fatalf("broadcast error = %v", got.err)
	}
	if got.report.IssueCount() == 0 {
		t.Errorf("report has no issues:\n%s", got.report.Text())
	}

	// the store and the publisher are called after the broadcast
	deadline := time.Now().Add(5 * time.Second)
	for len(publisher.published()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	stored := store.stored()
	if len(stored) == 0 || stored[0].ID != got.report.ID {
		t.Fatalf("stored reports = %v, want the broadcast report first", stored)
	}
	published := publisher.published()
	if len(published) == 0 || published[0].ID != got.report.ID {
		t.Fatalf("published reports = %v, want the broadcast report first", published)
	}

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if len(metrics.results) == 0 || metrics.results[0] != nil {
		t.Errorf("store metrics = %v, want a success first", metrics.results)
	}
}

func TestOrchestratorRunErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"no data", diagnostics.ErrNoData},
		{"degenerate spectrum", harmonics.ErrDegenerateSpectrum},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			slot := source.NewSlot()
			broadcaster := &fakeBroadcaster{outcomes: make(chan outcome, 16)}
			publisher := &fakePublisher{}
			store := &fakeStore{}

			o := NewOrchestrator(slot, failingRunner{tt.err},
				WithBroadcaster(broadcaster),
				WithPublisher(publisher),
				WithStore(store, 0, 0))
			startOrchestrator(t, o)

			got := publishUntilBroadcast(t, slot, newTestGenerator(t), broadcaster)
			if !errors.Is(got.err, tt.err) {
				t.Fatalf("broadcast error = %v, want %v", got.err, tt.err)
			}
			if got.report != nil {
				t.Errorf("broadcast report = %v, want nil", got.report)
			}
			if n := len(store.stored()); n != 0 {
				t.Errorf("stored %d reports, want 0", n)
			}
			if n := len(publisher.published()); n != 0 {
				t.Errorf("published %d reports, want 0", n)
			}
		})
	}
}

func TestOrchestratorStoreFailure(t *testing.T) {
	slot := source.NewSlot()
	classifier, err := harmonics.NewClassifier(harmonics.Config{
		Threshold:              harmonics.DefaultThreshold,
		HighHarmonicMultiplier: 5,
		AsymmetryMultiplier:    1,
	})
	if err != nil {
		t.Fatalf("NewClassifier() error = %v", err)
	}

	broadcaster := &fakeBroadcaster{outcomes: make(chan outcome, 16)}
	publisher := &fakePublisher{}
	metrics := &fakeStoreMetrics{}
	storeErr := errors.New("disk full")

	o := NewOrchestrator(slot, diagnostics.NewSession(slot, classifier),
		WithBroadcaster(broadcaster),
		WithPublisher(publisher),
		WithStore(&fakeStore{storeErr: storeErr}, 0, 0),
		WithStoreMetrics(metrics))
	startOrchestrator(t, o)

	got := publishUntilBroadcast(t, slot, newTestGenerator(t), broadcaster)
	if got.err != nil {
		t.Fatalf("broadcast error = %v", got.err)
	}

	// a failed history write does not stop the publication
	deadline := time.Now().Add(5 * time.Second)
	for len(publisher.published()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(publisher.published()) == 0 {
		t.Fatal("report was not published after the store failed")
	}

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if len(metrics.results) == 0 || !errors.Is(metrics.results[0], storeErr) {
		t.Errorf("store metrics = %v, want %v first", metrics.results, storeErr)
	}
}
