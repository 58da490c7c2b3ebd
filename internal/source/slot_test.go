package source

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/roman-kulish/transformer-harmonics/internal/waveform"
)

func constantPair(t *testing.T, value float64, n int) *waveform.Pair {
	t.Helper()

	v := make([]float64, n)
	c := make([]float64, n)
	for i := range v {
		v[i] = value
		c[i] = value
	}
	p, err := waveform.NewPair(v, c, 25600)
	if err != nil {
		t.Fatalf("NewPair: %v", err)
	}
	return p
}

func TestSlot_PublishAndDisconnect(t *testing.T) {
	s := NewSlot()

	if _, ok := s.LatestPair(); ok {
		t.Fatal("empty slot must not return a pair")
	}
	if err := s.Publish(nil); !errors.Is(err, ErrNilPair) {
		t.Errorf("expected ErrNilPair, got %v", err)
	}
	if st := s.State(); st.Status != StatusUnknown {
		t.Errorf("expected unknown status, got %s", st.Status)
	}

	p := constantPair(t, 1, 8)
	if err := s.Publish(p); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got, ok := s.LatestPair()
	if !ok || got != p {
		t.Fatalf("expected the published pair, got %v", got)
	}

	st := s.State()
	if st.Status != StatusConnected || st.Received != 1 || st.PairID != p.ID.String() {
		t.Errorf("unexpected state after publish: %+v", st)
	}

	s.Disconnect()
	if _, ok = s.LatestPair(); ok {
		t.Error("disconnected slot must not return a stale pair")
	}
	if st = s.State(); st.Status != StatusDisconnected || st.LastReceived.IsZero() {
		t.Errorf("unexpected state after disconnect: %+v", st)
	}

	_ = s.Publish(constantPair(t, 2, 8))
	if st = s.State(); st.Status != StatusConnected || st.Received != 2 {
		t.Errorf("slot should reconnect on publish: %+v", st)
	}
}

func TestSlot_MarkDisconnected(t *testing.T) {
	s := NewSlot()
	p := constantPair(t, 1, 8)
	_ = s.Publish(p)

	s.MarkDisconnected()
	if got, ok := s.LatestPair(); !ok || got != p {
		t.Error("expected the last pair to be kept")
	}
	if st := s.State(); st.Status != StatusDisconnected || st.PairID != p.ID.String() {
		t.Errorf("unexpected state after a bad payload: %+v", st)
	}

	_ = s.Publish(constantPair(t, 2, 8))
	if st := s.State(); st.Status != StatusConnected {
		t.Errorf("slot should reconnect on publish: %+v", st)
	}
}

func TestSlot_StatusMatchesPair(t *testing.T) {
	s := NewSlot()
	p := constantPair(t, 1, 8)

	for i := 0; i < 500; i++ {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = s.Publish(p)
		}()
		go func() {
			defer wg.Done()
			s.Disconnect()
		}()
		wg.Wait()

		_, ok := s.LatestPair()
		st := s.State()
		if ok != (st.Status == StatusConnected) {
			t.Fatalf("round %d: status %s with pair present %v", i, st.Status, ok)
		}
	}
}

func TestSlot_Subscribe(t *testing.T) {
	s := NewSlot()
	ch, unsubscribe := s.Subscribe()

	first := constantPair(t, 1, 8)
	second := constantPair(t, 2, 8)
	_ = s.Publish(first)
	_ = s.Publish(second)

	select {
	case p := <-ch:
		if p != second {
			t.Errorf("slow subscriber should receive the newest pair")
		}
	case <-time.After(time.Second):
		t.Fatal("no pair received")
	}

	unsubscribe()
	unsubscribe()

	if _, open := <-ch; open {
		t.Error("channel should be closed after unsubscribe")
	}

	// publishing without subscribers must not block
	if err := s.Publish(first); err != nil {
		t.Errorf("Publish: %v", err)
	}
}

func TestSlot_PairsAreNeverTorn(t *testing.T) {
	const (
		writers = 4
		readers = 8
		rounds  = 2000
		n       = 16
	)

	s := NewSlot()
	_ = s.Publish(constantPair(t, 0, n))

	pairs := make([]*waveform.Pair, writers)
	for i := range pairs {
		pairs[i] = constantPair(t, float64(i+1), n)
	}

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(p *waveform.Pair) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				_ = s.Publish(p)
			}
		}(pairs[w])
	}

	errs := make(chan string, readers)
	for r := 0; r < readers; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				p, ok := s.LatestPair()
				if !ok {
					errs <- "slot lost its pair"
					return
				}
				// both channels of a pair were built from the same value
				if p.Voltage.At(0) != p.Current.At(0) || p.Voltage.At(n-1) != p.Current.At(n-1) {
					errs <- "voltage and current come from different captures"
					return
				}
			}
		}()
	}

	wg.Wait()
	close(errs)

	for msg := range errs {
		t.Error(msg)
	}
}
