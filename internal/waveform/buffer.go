package waveform

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

const (
	ChannelVoltage Channel = "voltage"
	ChannelCurrent Channel = "current"
)

var (
	// ErrEmptyBuffer is returned when a channel carries no samples
	ErrEmptyBuffer = errors.New("empty sample buffer")

	// ErrLengthMismatch is returned when voltage and current buffers differ in length
	ErrLengthMismatch = errors.New("voltage and current sample counts differ")

	// ErrNonFiniteSample is returned when a buffer contains NaN or Inf
	ErrNonFiniteSample = errors.New("non-finite sample value")

	// ErrInvalidSampleRate is returned when the declared sample rate is not a positive number
	ErrInvalidSampleRate = errors.New("invalid sample rate")
)

// Channel identifies the measured quantity of a sample buffer.
type Channel string

func (c Channel) String() string {
	return string(c)
}

// Title returns the channel name in the form used by reports, e.g. "Voltage".
func (c Channel) Title() string {
	switch c {
	case ChannelVoltage:
		return "Voltage"
	case ChannelCurrent:
		return "Current"
	default:
		return string(c)
	}
}

// Buffer is an immutable, uniformly sampled time-domain waveform of a single channel.
// The samples are copied on construction and on read, so a Buffer can be shared
// freely between the goroutine that produced it and any number of readers.
type Buffer struct {
	channel    Channel
	sampleRate float64 // Hz
	samples    []float64
}

// NewBuffer creates a Buffer from a copy of samples.
func NewBuffer(channel Channel, sampleRate float64, samples []float64) (*Buffer, error) {
	if sampleRate <= 0 || math.IsNaN(sampleRate) || math.IsInf(sampleRate, 0) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSampleRate, sampleRate)
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("%s: %w", channel, ErrEmptyBuffer)
	}

	values := make([]float64, len(samples))
	for i, v := range samples {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%s: %w at index %d", channel, ErrNonFiniteSample, i)
		}
		values[i] = v
	}

	return &Buffer{
		channel:    channel,
		sampleRate: sampleRate,
		samples:    values,
	}, nil
}

func (b *Buffer) Channel() Channel {
	return b.channel
}

// SampleRate returns the declared sample rate in Hz.
func (b *Buffer) SampleRate() float64 {
	return b.sampleRate
}

func (b *Buffer) Len() int {
	return len(b.samples)
}

func (b *Buffer) At(i int) float64 {
	return b.samples[i]
}

// Samples returns a copy of the buffer contents.
func (b *Buffer) Samples() []float64 {
	out := make([]float64, len(b.samples))
	copy(out, b.samples)
	return out
}

// Duration returns the time span covered by the buffer.
func (b *Buffer) Duration() time.Duration {
	return time.Duration(float64(len(b.samples)) / b.sampleRate * float64(time.Second))
}

// Pair is a voltage and current buffer captured together. Pairs are built once and
// published as a single pointer, readers never observe a voltage buffer of one
// capture next to the current buffer of another.
type Pair struct {
	ID         uuid.UUID
	ReceivedAt time.Time
	Voltage    *Buffer
	Current    *Buffer
}

// NewPair validates and builds a Pair. Both channels must be non-empty, finite and of
// the same length; they share the sample rate so that their frequency bins align.
func NewPair(voltage, current []float64, sampleRate float64) (*Pair, error) {
	if len(voltage) != len(current) {
		return nil, fmt.Errorf("%w: voltage=%d, current=%d", ErrLengthMismatch, len(voltage), len(current))
	}

	v, err := NewBuffer(ChannelVoltage, sampleRate, voltage)
	if err != nil {
		return nil, err
	}

	c, err := NewBuffer(ChannelCurrent, sampleRate, current)
	if err != nil {
		return nil, err
	}

	return &Pair{
		ID:         uuid.New(),
		ReceivedAt: time.Now().UTC(),
		Voltage:    v,
		Current:    c,
	}, nil
}

// Buffer returns the buffer of the given channel, nil for an unknown channel.
func (p *Pair) Buffer(c Channel) *Buffer {
	switch c {
	case ChannelVoltage:
		return p.Voltage
	case ChannelCurrent:
		return p.Current
	default:
		return nil
	}
}

// SampleCount returns the number of samples per channel.
func (p *Pair) SampleCount() int {
	return p.Voltage.Len()
}
