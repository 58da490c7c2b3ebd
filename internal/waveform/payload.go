package waveform

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrMalformedPayload wraps every reason a sensor payload is rejected
var ErrMalformedPayload = errors.New("malformed payload")

// Payload is the JSON document posted by the sensor:
//
//	{"voltage": [...], "current": [...], "sampleRate": 25600}
//
// sampleRate is optional, the receiver's configured rate applies when it is absent.
type Payload struct {
	Voltage    []float64 `json:"voltage"`
	Current    []float64 `json:"current"`
	SampleRate *float64  `json:"sampleRate,omitempty"`
}

// DecodeOptions controls how a Payload is turned into a Pair.
type DecodeOptions struct {
	SampleRate  float64 // used when the payload does not declare one
	SampleCount int     // required samples per channel, 0 accepts any length
}

// DecodePayload reads exactly one JSON payload from r and builds a Pair from it.
func DecodePayload(r io.Reader, opts DecodeOptions) (*Pair, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	var p Payload
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: unexpected data after payload", ErrMalformedPayload)
	}

	return p.Pair(opts)
}

// ParsePayload is DecodePayload over a single line of text.
func ParsePayload(line string, opts DecodeOptions) (*Pair, error) {
	return DecodePayload(strings.NewReader(line), opts)
}

// Pair validates the payload against opts and builds a Pair.
func (p *Payload) Pair(opts DecodeOptions) (*Pair, error) {
	rate := opts.SampleRate
	if p.SampleRate != nil {
		rate = *p.SampleRate
	}

	if opts.SampleCount > 0 && (len(p.Voltage) != opts.SampleCount || len(p.Current) != opts.SampleCount) {
		return nil, fmt.Errorf("%w: expected %d samples per channel, got voltage=%d, current=%d",
			ErrMalformedPayload, opts.SampleCount, len(p.Voltage), len(p.Current))
	}

	pair, err := NewPair(p.Voltage, p.Current, rate)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	return pair, nil
}
