package render

import (
	"image/color"
	"math"

	"github.com/lucasb-eyer/go-colorful"
	"github.com/roman-kulish/transformer-harmonics/internal/harmonics"
)

const (
	hueStart = 236.0
	hueEnd   = 0.0

	// share of white mixed into a tag color for the band behind the bars
	bandTint  = 0.75
	bandAlpha = 0x90
)

var (
	axisColor  = color.Black
	gridColor  = color.RGBA{R: 0xe0, G: 0xe0, B: 0xe0, A: 0xff}
	traceColor = color.RGBA{R: 0x1f, G: 0x3a, B: 0x93, A: 0xff}
	noTagColor = colorful.Color{R: 0.55, G: 0.55, B: 0.55}

	tagColors = map[harmonics.Tag]colorful.Color{
		harmonics.TagHarmonicContent: {R: 0.84, G: 0.15, B: 0.16}, // red
		harmonics.TagOddHarmonics:    {R: 0.12, G: 0.47, B: 0.71}, // blue
		harmonics.TagEvenHarmonics:   {R: 0.17, G: 0.63, B: 0.17}, // green
		harmonics.TagAsymmetry:       {R: 0.58, G: 0.40, B: 0.74}, // purple
	}
)

// TagColor resolves an issue tag to the color it is drawn with. TagNone and unknown
// tags are gray.
func TagColor(t harmonics.Tag) color.Color {
	if c, ok := tagColors[t]; ok {
		return c
	}
	return noTagColor
}

// bandColor is the translucent tint used to mark implicated bins inside the plot.
func bandColor(t harmonics.Tag) color.Color {
	c, ok := tagColors[t]
	if !ok {
		c = noTagColor
	}
	r, g, b := c.BlendRgb(colorful.Color{R: 1, G: 1, B: 1}, bandTint).RGB255()

	// premultiplied for draw.Over
	scale := func(v uint8) uint8 { return uint8(uint16(v) * bandAlpha / 0xff) }
	return color.RGBA{R: scale(r), G: scale(g), B: scale(b), A: bandAlpha}
}

// magnitudeColor maps a normalized magnitude [0-1] from blue to red.
func magnitudeColor(normalized float64) color.Color {
	normalized = math.Max(0, math.Min(1, normalized))

	hue := hueStart - normalized*(hueStart-hueEnd)
	return colorful.Hsv(hue, 0.85, 0.80)
}
