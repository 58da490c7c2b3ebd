package ingest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/roman-kulish/transformer-harmonics/internal/source"
	"github.com/roman-kulish/transformer-harmonics/internal/waveform"
)

const validPayload = `{"voltage": [0, 1, 0, -1], "current": [0, 2, 0, -2]}`

type recordingObserver struct {
	mu        sync.Mutex
	accepted  int
	rejected  map[string]int
	connected []bool
}

func (o *recordingObserver) PairAccepted() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.accepted++
}

func (o *recordingObserver) PairRejected(reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.rejected == nil {
		o.rejected = make(map[string]int)
	}
	o.rejected[reason]++
}

func (o *recordingObserver) SetConnected(connected bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.connected = append(o.connected, connected)
}

func post(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/data", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestReceiver_ServeHTTP(t *testing.T) {
	slot := source.NewSlot()
	obs := &recordingObserver{}
	r := NewReceiver(slot,
		WithDecodeOptions(waveform.DecodeOptions{SampleRate: 200}),
		WithMaxBodySize(256),
		WithObserver(obs))

	if st := r.Status(); st.Connection != source.StatusUnknown {
		t.Fatalf("expected unknown status before any traffic, got %s", st.Connection)
	}

	rec := post(t, r, validPayload)
	if rec.Code != http.StatusOK || rec.Body.String() != MessageReceived {
		t.Fatalf("expected 200 %q, got %d %q", MessageReceived, rec.Code, rec.Body.String())
	}

	first, ok := slot.LatestPair()
	if !ok {
		t.Fatal("expected the pair to be published")
	}
	if first.SampleCount() != 4 || first.Voltage.SampleRate() != 200 {
		t.Errorf("unexpected pair: %d samples at %gHz", first.SampleCount(), first.Voltage.SampleRate())
	}
	if st := r.Status(); st.Connection != source.StatusConnected || st.LastReceived.IsZero() || st.Accepted != 1 {
		t.Errorf("unexpected status after a valid payload: %+v", st)
	}

	testCases := []struct {
		name   string
		body   string
		code   int
		reason string
	}{
		{"not json", "voltage=1,2,3", http.StatusBadRequest, rejectMalformed},
		{"length mismatch", `{"voltage": [1, 2], "current": [1]}`, http.StatusBadRequest, rejectMalformed},
		{"empty channels", `{"voltage": [], "current": []}`, http.StatusBadRequest, rejectMalformed},
		{"unknown field", `{"voltage": [1], "current": [1], "phase": 3}`, http.StatusBadRequest, rejectMalformed},
		{"too large", `{"voltage": [` + strings.Repeat("1,", 200) + `1], "current": [1]}`, http.StatusRequestEntityTooLarge, rejectTooLarge},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := post(t, r, tc.body)
			if rec.Code != tc.code {
				t.Errorf("expected %d, got %d", tc.code, rec.Code)
			}
			if got := strings.TrimSpace(rec.Body.String()); got != MessageInvalid {
				t.Errorf("expected %q, got %q", MessageInvalid, got)
			}

			latest, ok := slot.LatestPair()
			if !ok || latest != first {
				t.Error("expected the last good pair to stay in place")
			}

			st := r.Status()
			if st.Connection != source.StatusDisconnected || st.LastError == "" {
				t.Errorf("unexpected status after a rejected payload: %+v", st)
			}
		})
	}

	if rec = post(t, r, validPayload); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if st := r.Status(); st.Connection != source.StatusConnected || st.LastError != "" || st.Accepted != 2 || st.Rejected != 5 {
		t.Errorf("unexpected status after recovery: %+v", st)
	}

	if obs.accepted != 2 || obs.rejected[rejectMalformed] != 4 || obs.rejected[rejectTooLarge] != 1 {
		t.Errorf("unexpected observations: accepted=%d rejected=%v", obs.accepted, obs.rejected)
	}
	if n := len(obs.connected); n != 7 || !obs.connected[n-1] {
		t.Errorf("unexpected connection updates: %v", obs.connected)
	}
}

func TestReceiver_MethodNotAllowed(t *testing.T) {
	r := NewReceiver(source.NewSlot())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/data", nil))

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
	if st := r.Status(); st.Connection != source.StatusUnknown {
		t.Errorf("expected the status to be untouched, got %s", st.Connection)
	}
}

func TestReceiver_Stale(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	slot := source.NewSlot()
	obs := &recordingObserver{}
	r := NewReceiver(slot,
		WithDecodeOptions(waveform.DecodeOptions{SampleRate: 200}),
		WithStaleAfter(5*time.Second),
		WithObserver(obs),
		WithClock(func() time.Time { return now }))

	if _, err := r.Receive(strings.NewReader(validPayload)); err != nil {
		t.Fatalf("Receive: %v", err)
	}

	now = now.Add(4 * time.Second)
	r.checkStale()
	if _, ok := slot.LatestPair(); !ok {
		t.Fatal("expected the pair to be kept within the stale period")
	}

	now = now.Add(2 * time.Second)
	r.checkStale()
	if _, ok := slot.LatestPair(); ok {
		t.Error("expected the slot to be disconnected")
	}
	if st := r.Status(); st.Connection != source.StatusDisconnected {
		t.Errorf("expected disconnected, got %s", st.Connection)
	}
	if st := slot.State(); st.Status != source.StatusDisconnected {
		t.Errorf("expected the slot to be disconnected, got %s", st.Status)
	}
}

func TestReceiver_StaleAfterRejectedPayload(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	slot := source.NewSlot()
	r := NewReceiver(slot,
		WithDecodeOptions(waveform.DecodeOptions{SampleRate: 200}),
		WithStaleAfter(5*time.Second),
		WithClock(func() time.Time { return now }))

	if _, err := r.Receive(strings.NewReader(validPayload)); err != nil {
		t.Fatalf("Receive: %v", err)
	}

	now = now.Add(time.Second)
	if _, err := r.Receive(strings.NewReader("{bad")); err == nil {
		t.Fatal("expected the malformed payload to be rejected")
	}
	if _, ok := slot.LatestPair(); !ok {
		t.Fatal("expected the last good pair to be kept after a rejected payload")
	}
	if st := slot.State(); st.Status != source.StatusDisconnected {
		t.Errorf("expected the slot to report the rejection, got %s", st.Status)
	}

	now = now.Add(time.Hour)
	r.checkStale()
	if _, ok := slot.LatestPair(); ok {
		t.Error("expected the stale pair to be discarded")
	}
	if st := r.Status(); st.Connection != source.StatusDisconnected || st.Rejected != 1 {
		t.Errorf("unexpected status: %+v", st)
	}

	// a second check changes nothing and a new payload reconnects
	r.checkStale()
	if _, err := r.Receive(strings.NewReader(validPayload)); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if _, ok := slot.LatestPair(); !ok {
		t.Error("expected the new pair to be published")
	}
	if st := slot.State(); st.Status != source.StatusConnected {
		t.Errorf("expected the slot to reconnect, got %s", st.Status)
	}
}

func TestReceiver_StaleCheckKeepsFreshPair(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	slot := source.NewSlot()
	r := NewReceiver(slot,
		WithDecodeOptions(waveform.DecodeOptions{SampleRate: 200}),
		WithStaleAfter(5*time.Second),
		WithClock(func() time.Time { return now }))

	for i := 0; i < 200; i++ {
		if _, err := r.Receive(strings.NewReader(validPayload)); err != nil {
			t.Fatalf("Receive: %v", err)
		}
		now = now.Add(time.Hour)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.checkStale()
		}()
		go func() {
			defer wg.Done()
			if _, err := r.Receive(strings.NewReader(validPayload)); err != nil {
				t.Errorf("Receive: %v", err)
			}
		}()
		wg.Wait()

		// whichever ran first, the payload received last must be served
		if _, ok := slot.LatestPair(); !ok {
			t.Fatalf("round %d: fresh pair was discarded, receiver is %s", i, r.Status().Connection)
		}
		if st := r.Status(); st.Connection != source.StatusConnected {
			t.Fatalf("round %d: expected connected, got %s", i, st.Connection)
		}

		now = now.Add(time.Hour)
	}
}
