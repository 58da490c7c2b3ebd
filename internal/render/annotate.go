package render

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/golang/freetype"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
)

const (
	dpi            = 96.0
	tickMarkHeight = 5
	pixelsPerLabel = 110.0
)

type annotator struct {
	context  *freetype.Context
	fontFace font.Face
}

func newAnnotator(parsedFont *truetype.Font, size float64) *annotator {
	ctx := freetype.NewContext()
	ctx.SetDPI(dpi)
	ctx.SetFont(parsedFont)
	ctx.SetFontSize(size)
	ctx.SetHinting(font.HintingNone)
	ctx.SetSrc(image.Black)

	return &annotator{
		context: ctx,
		fontFace: truetype.NewFace(parsedFont, &truetype.Options{
			Size:    size,
			DPI:     dpi,
			Hinting: font.HintingNone,
		}),
	}
}

func (a *annotator) Close() error {
	if a.fontFace != nil {
		return a.fontFace.Close()
	}
	return nil
}

func (a *annotator) attach(img *image.RGBA) {
	a.context.SetClip(img.Bounds())
	a.context.SetDst(img)
}

// lineHeight is the font height in pixels plus a small leading.
func (a *annotator) lineHeight() int {
	metrics := a.fontFace.Metrics()
	return (metrics.Ascent + metrics.Descent).Round() + 4
}

func (a *annotator) width(s string) int {
	return font.MeasureString(a.fontFace, s).Round()
}

// drawString draws s with its baseline at y, starting at x.
func (a *annotator) drawString(s string, x, y int) error {
	if _, err := a.context.DrawString(s, freetype.Pt(x, y)); err != nil {
		return fmt.Errorf("drawing '%s': %w", s, err)
	}
	return nil
}

func (a *annotator) drawCentered(s string, x, y int) error {
	return a.drawString(s, x-a.width(s)/2, y)
}

// drawXScale draws ticks and labels along the bottom edge of area for the values
// [0, span], labels are placed below the ticks starting at labelTop.
func (a *annotator) drawXScale(img *image.RGBA, area image.Rectangle, labelTop int, span float64, format func(float64) string) error {
	if span <= 0 {
		return nil
	}

	ascent := a.fontFace.Metrics().Ascent.Round()
	step := niceStep(span, area.Dx())

	for v := 0.0; v <= span+step/1e6; v += step {
		x := area.Min.X + int(v/span*float64(area.Dx()))
		if x >= area.Max.X {
			x = area.Max.X - 1
		}

		for y := area.Min.Y; y < area.Max.Y; y++ {
			img.Set(x, y, gridColor)
		}
		for y := labelTop - tickMarkHeight; y < labelTop; y++ {
			img.Set(x, y, axisColor)
		}

		if err := a.drawCentered(format(v), x, labelTop+ascent+2); err != nil {
			return err
		}
	}
	return nil
}

// drawYScale labels the bottom, middle and top of area with the values min, mid
// and max.
func (a *annotator) drawYScale(img *image.RGBA, area image.Rectangle, min, max float64) error {
	metrics := a.fontFace.Metrics()
	half := (metrics.Ascent.Round() - metrics.Descent.Round()) / 2

	for i := 0; i <= 2; i++ {
		y := area.Max.Y - i*area.Dy()/2
		if i == 2 {
			y = area.Min.Y
		}

		for x := area.Min.X - tickMarkHeight; x < area.Min.X; x++ {
			img.Set(x, y, axisColor)
		}

		label := humanValue(min + float64(i)*(max-min)/2)
		if err := a.drawString(label, area.Min.X-tickMarkHeight-3-a.width(label), y+half); err != nil {
			return err
		}
	}
	return nil
}

func (a *annotator) drawFrame(img *image.RGBA, area image.Rectangle) {
	for x := area.Min.X; x < area.Max.X; x++ {
		img.Set(x, area.Min.Y, axisColor)
		img.Set(x, area.Max.Y-1, axisColor)
	}
	for y := area.Min.Y; y < area.Max.Y; y++ {
		img.Set(area.Min.X, y, axisColor)
		img.Set(area.Max.X-1, y, axisColor)
	}
}

// drawSwatch draws a filled square with its bottom on the baseline y.
func (a *annotator) drawSwatch(img *image.RGBA, x, y int, c color.Color) int {
	size := a.fontFace.Metrics().Ascent.Round()
	fillRect(img, image.Rect(x, y-size, x+size, y), c)
	return size
}

// niceStep picks a 1-2-5 step so that labels along width pixels are at least
// pixelsPerLabel apart.
func niceStep(span float64, width int) float64 {
	desired := math.Max(float64(width)/pixelsPerLabel, 1)
	target := span / desired

	magnitude := math.Pow(10, math.Floor(math.Log10(target)))
	for _, m := range []float64{1, 2, 5} {
		if step := m * magnitude; step >= target {
			return step
		}
	}
	return 10 * magnitude
}

func humanHz(hz float64) string {
	return humanSI(hz, "Hz")
}

func humanSeconds(s float64) string {
	return humanSI(s, "s")
}

func humanValue(v float64) string {
	return humanSI(v, "")
}

func humanSI(v float64, unit string) string {
	if v == 0 {
		return strings.TrimSpace("0 " + unit)
	}
	fract, suffix := humanize.ComputeSI(v)
	return strings.TrimSpace(fmt.Sprintf("%s %s%s", humanize.FtoaWithDigits(fract, 2), suffix, unit))
}
