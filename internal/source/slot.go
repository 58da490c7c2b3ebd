package source

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roman-kulish/transformer-harmonics/internal/waveform"
)

// Status of the upstream sensor as seen by a Slot.
const (
	StatusUnknown Status = iota
	StatusConnected
	StatusDisconnected
)

// ErrNilPair is returned when publishing a nil pair
var ErrNilPair = errors.New("nil sample pair")

var statusNames = [...]string{
	StatusUnknown:      "unknown",
	StatusConnected:    "connected",
	StatusDisconnected: "disconnected",
}

type Status uint8

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "unknown"
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	for i, name := range statusNames {
		if name == string(text) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown status '%s'", text)
}

// State is a point in time view of a Slot.
type State struct {
	Status       Status    `json:"status"`
	LastReceived time.Time `json:"lastReceived,omitzero"`
	Received     uint64    `json:"received"`
	PairID       string    `json:"pairID,omitempty"`
}

// WithSlotLogger sets the logger for the slot
func WithSlotLogger(logger *slog.Logger) func(*Slot) {
	return func(s *Slot) {
		s.logger = logger.With(slog.String("component", "slot"))
	}
}

// Slot holds the most recent voltage/current pair. A pair is published as a single
// pointer swap, so a reader observes either the previous pair or the new one and
// never a voltage buffer from one capture next to the current buffer of another.
//
// Subscribers are notified of every published pair through a channel with a single
// slot; a slow subscriber misses intermediate pairs but always sees the newest one.
// Writers hold mu, so the status always matches the latest pair.
type Slot struct {
	latest   atomic.Pointer[waveform.Pair]
	status   atomic.Uint32
	received atomic.Uint64
	lastSeen atomic.Int64 // unix nano

	mu          sync.Mutex
	subscribers map[chan *waveform.Pair]struct{}

	logger *slog.Logger
}

// NewSlot creates an empty Slot with a discard logger
func NewSlot(options ...func(*Slot)) *Slot {
	s := Slot{
		subscribers: make(map[chan *waveform.Pair]struct{}),
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&s)
	}

	return &s
}

// Publish makes p the latest pair and marks the source connected.
func (s *Slot) Publish(p *waveform.Pair) error {
	if p == nil {
		return ErrNilPair
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.latest.Store(p)
	s.received.Add(1)
	s.lastSeen.Store(p.ReceivedAt.UnixNano())

	if Status(s.status.Swap(uint32(StatusConnected))) != StatusConnected {
		s.logger.Info("source connected")
	}

	for ch := range s.subscribers {
		// drop the pending pair, if any, in favour of the newest one
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- p:
		default:
		}
	}

	return nil
}

// LatestPair returns the most recent pair. It returns false before the first pair
// arrives and after the source has been disconnected.
func (s *Slot) LatestPair() (*waveform.Pair, bool) {
	p := s.latest.Load()
	return p, p != nil
}

// Disconnect discards the latest pair and marks the source disconnected. Later
// analyses report no data instead of reusing stale samples.
func (s *Slot) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.latest.Store(nil)
	if Status(s.status.Swap(uint32(StatusDisconnected))) != StatusDisconnected {
		s.logger.Warn("source disconnected")
	}
}

// MarkDisconnected marks the source disconnected and keeps the latest pair, for a
// source that delivered a bad payload but may still recover.
func (s *Slot) MarkDisconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if Status(s.status.Swap(uint32(StatusDisconnected))) != StatusDisconnected {
		s.logger.Warn("source disconnected, keeping the last pair")
	}
}

// State returns the current status of the slot.
func (s *Slot) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := State{
		Status:   Status(s.status.Load()),
		Received: s.received.Load(),
	}
	if ns := s.lastSeen.Load(); ns != 0 {
		st.LastReceived = time.Unix(0, ns).UTC()
	}
	if p := s.latest.Load(); p != nil {
		st.PairID = p.ID.String()
	}
	return st
}

// Subscribe returns a channel receiving every pair published after the call and a
// function that removes the subscription and closes the channel.
func (s *Slot) Subscribe() (<-chan *waveform.Pair, func()) {
	ch := make(chan *waveform.Pair, 1)

	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subscribers, ch)
			s.mu.Unlock()
			close(ch)
		})
	}
}
