package spectrum

import (
	"errors"
	"fmt"
	"math/cmplx"

	"github.com/roman-kulish/transformer-harmonics/internal/waveform"
	"gonum.org/v1/gonum/dsp/fourier"
)

// MinSamples is the shortest buffer the transform accepts. Anything shorter leaves
// the classifier without a fundamental and at least one harmonic bin.
const MinSamples = 4

// ErrInsufficientSamples is returned when a buffer is too short to transform
var ErrInsufficientSamples = errors.New("insufficient samples")

// Transform computes the magnitude of the discrete Fourier transform of b and returns
// the first N/2 bins. The upper half of a real signal's spectrum mirrors the lower
// half and is dropped. Magnitudes are not normalized.
func Transform(b *waveform.Buffer) (*Magnitude, error) {
	n := b.Len()
	if n < MinSamples {
		return nil, fmt.Errorf("%w: %s buffer has %d samples, need at least %d", ErrInsufficientSamples, b.Channel(), n, MinSamples)
	}

	// Coefficients returns n/2+1 values for a real input of length n
	coeffs := fourier.NewFFT(n).Coefficients(nil, b.Samples())

	bins := make([]float64, n/2)
	for i := range bins {
		bins[i] = cmplx.Abs(coeffs[i])
	}

	return &Magnitude{
		Channel:     b.Channel(),
		SampleRate:  b.SampleRate(),
		SampleCount: n,
		Bins:        bins,
	}, nil
}
