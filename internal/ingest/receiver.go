package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/roman-kulish/transformer-harmonics/internal/source"
	"github.com/roman-kulish/transformer-harmonics/internal/waveform"
)

const (
	// DefaultMaxBodySize limits the size of a posted payload
	DefaultMaxBodySize = 1 << 20

	MessageReceived = "Data received"
	MessageInvalid  = "Invalid data format"

	rejectMalformed = "malformed"
	rejectTooLarge  = "too_large"
)

// ErrPayloadTooLarge is returned when a payload exceeds the body size limit
var ErrPayloadTooLarge = errors.New("payload too large")

// Observer is notified of every accepted and rejected payload and of connection
// status changes.
type Observer interface {
	source.PairObserver
	SetConnected(connected bool)
}

// Status is the connection status of the sensor as seen by the Receiver.
type Status struct {
	Connection   source.Status `json:"connection"`
	LastReceived time.Time     `json:"lastReceived,omitzero"` // Last accepted payload
	LastError    string        `json:"lastError,omitempty"`   // Reason of the last rejection
	Accepted     uint64        `json:"accepted"`
	Rejected     uint64        `json:"rejected"`
}

// WithLogger sets the logger for the receiver
func WithLogger(logger *slog.Logger) func(*Receiver) {
	return func(r *Receiver) {
		r.logger = logger.With(slog.String("component", "ingest"))
	}
}

// WithDecodeOptions sets the sample rate and length expected from the sensor
func WithDecodeOptions(opts waveform.DecodeOptions) func(*Receiver) {
	return func(r *Receiver) {
		r.decode = opts
	}
}

// WithMaxBodySize sets the payload size limit in bytes
func WithMaxBodySize(n int64) func(*Receiver) {
	return func(r *Receiver) {
		r.maxBodySize = n
	}
}

// WithObserver sets the receiver metrics sink
func WithObserver(o Observer) func(*Receiver) {
	return func(r *Receiver) {
		r.observer = o
	}
}

// WithStaleAfter disconnects the slot when no valid payload arrives for d. Zero
// keeps the last pair forever.
func WithStaleAfter(d time.Duration) func(*Receiver) {
	return func(r *Receiver) {
		r.staleAfter = d
	}
}

// WithClock overrides the time source, for tests
func WithClock(now func() time.Time) func(*Receiver) {
	return func(r *Receiver) {
		r.now = now
	}
}

// Receiver accepts sensor payloads over HTTP and publishes them into a Slot. A valid
// payload replaces the latest pair and marks the sensor connected. A malformed one is
// rejected as a whole: the previous pair stays in place and the sensor, on the
// receiver and on the slot alike, is marked disconnected until the next valid payload.
type Receiver struct {
	slot        *source.Slot
	decode      waveform.DecodeOptions
	maxBodySize int64
	staleAfter  time.Duration
	now         func() time.Time

	mu     sync.Mutex
	status Status
	stale  bool // slot disconnected since the last accepted payload

	logger   *slog.Logger
	observer Observer
}

// NewReceiver creates a new Receiver publishing into slot, with a discard logger
func NewReceiver(slot *source.Slot, options ...func(*Receiver)) *Receiver {
	r := Receiver{
		slot:        slot,
		maxBodySize: DefaultMaxBodySize,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&r)
	}

	return &r
}

// Receive decodes one payload from body and publishes it.
func (r *Receiver) Receive(body io.Reader) (*waveform.Pair, error) {
	pair, err := r.decodePayload(body)
	if err == nil {
		err = r.accept(pair)
	}

	if err != nil {
		r.reject(err)
		return nil, err
	}

	return pair, nil
}

func (r *Receiver) decodePayload(body io.Reader) (*waveform.Pair, error) {
	data, err := io.ReadAll(io.LimitReader(body, r.maxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("reading payload: %w", err)
	}
	if int64(len(data)) > r.maxBodySize {
		return nil, fmt.Errorf("%w: limit is %d bytes", ErrPayloadTooLarge, r.maxBodySize)
	}

	return waveform.DecodePayload(bytes.NewReader(data), r.decode)
}

// accept publishes pair and records it under r.mu, so the stale check never sees
// the new pair without its receive time.
func (r *Receiver) accept(pair *waveform.Pair) error {
	r.mu.Lock()
	if err := r.slot.Publish(pair); err != nil {
		r.mu.Unlock()
		return err
	}
	prev := r.status.Connection
	r.status.Connection = source.StatusConnected
	r.status.LastReceived = r.now()
	r.status.LastError = ""
	r.status.Accepted++
	r.stale = false
	r.mu.Unlock()

	if prev != source.StatusConnected {
		r.logger.Info("sensor connected")
	}
	if r.observer != nil {
		r.observer.PairAccepted()
		r.observer.SetConnected(true)
	}
	return nil
}

// reject marks the sensor disconnected on both the receiver and the slot. The last
// good pair stays in the slot until the stale period runs out.
func (r *Receiver) reject(err error) {
	r.mu.Lock()
	r.status.Connection = source.StatusDisconnected
	r.status.LastError = err.Error()
	r.status.Rejected++
	r.slot.MarkDisconnected()
	r.mu.Unlock()

	r.logger.Warn(fmt.Sprintf("rejected payload: %s", err.Error()))
	if r.observer != nil {
		reason := rejectMalformed
		if errors.Is(err, ErrPayloadTooLarge) {
			reason = rejectTooLarge
		}
		r.observer.PairRejected(reason)
		r.observer.SetConnected(false)
	}
}

// Status returns the current connection status.
func (r *Receiver) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// ServeHTTP handles POST /data.
func (r *Receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	if _, err := r.Receive(req.Body); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ErrPayloadTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		http.Error(w, MessageInvalid, status)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, MessageReceived)
}

// Watch disconnects the slot once no valid payload has arrived for the stale
// period. It returns when ctx is cancelled; without a stale period it only waits.
func (r *Receiver) Watch(ctx context.Context) {
	if r.staleAfter <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(max(r.staleAfter/4, 10*time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.checkStale()
		}
	}
}

// checkStale disconnects the slot once the last accepted payload is older than the
// stale period, whatever the payloads rejected since then. It fires once per
// accepted payload.
func (r *Receiver) checkStale() {
	r.mu.Lock()
	stale := r.status.Accepted > 0 && !r.stale && r.now().Sub(r.status.LastReceived) > r.staleAfter
	if stale {
		r.stale = true
		r.status.Connection = source.StatusDisconnected
		r.status.LastError = fmt.Sprintf("no data for %s", r.staleAfter)
		r.slot.Disconnect()
	}
	r.mu.Unlock()

	if !stale {
		return
	}

	r.logger.Warn("sensor went silent", slog.Duration("staleAfter", r.staleAfter))
	if r.observer != nil {
		r.observer.SetConnected(false)
	}
}
