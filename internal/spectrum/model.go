package spectrum

import (
	"github.com/roman-kulish/transformer-harmonics/internal/waveform"
)

// Magnitude is the non-redundant half of the magnitude spectrum of a real-valued
// sample buffer. Bin i covers frequency i * SampleRate / SampleCount.
type Magnitude struct {
	Channel     waveform.Channel `json:"channel"`     // Channel the spectrum was computed from
	SampleRate  float64          `json:"sampleRate"`  // Sample rate of the source buffer in Hz
	SampleCount int              `json:"sampleCount"` // Number of samples in the source buffer (N)
	Bins        []float64        `json:"bins"`        // N/2 magnitudes, not normalized by N
}

// Len returns the number of bins.
func (m *Magnitude) Len() int {
	return len(m.Bins)
}

// BinWidth returns the frequency resolution in Hz.
func (m *Magnitude) BinWidth() float64 {
	return BinWidth(m.SampleRate, m.SampleCount)
}

// Frequency returns the frequency in Hz represented by bin i.
func (m *Magnitude) Frequency(i int) float64 {
	return float64(i) * m.BinWidth()
}

// Frequencies returns the bin to Hz mapping for every bin of the spectrum.
func (m *Magnitude) Frequencies() []float64 {
	return Frequencies(m.SampleRate, m.SampleCount)
}

// Fundamental returns the magnitude of the fundamental reference bin (bin 1).
func (m *Magnitude) Fundamental() float64 {
	if len(m.Bins) < 2 {
		return 0
	}
	return m.Bins[1]
}

// BinWidth returns sampleRate / sampleCount.
func BinWidth(sampleRate float64, sampleCount int) float64 {
	if sampleCount == 0 {
		return 0
	}
	return sampleRate / float64(sampleCount)
}

// Frequencies returns the Hz value of each of the sampleCount/2 half-spectrum bins.
func Frequencies(sampleRate float64, sampleCount int) []float64 {
	width := BinWidth(sampleRate, sampleCount)
	out := make([]float64, sampleCount/2)
	for i := range out {
		out[i] = float64(i) * width
	}
	return out
}
