package render

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"time"

	"github.com/golang/freetype"
	"github.com/golang/freetype/truetype"
	"github.com/roman-kulish/transformer-harmonics/internal/diagnostics"
	"github.com/roman-kulish/transformer-harmonics/internal/harmonics"
	"github.com/roman-kulish/transformer-harmonics/internal/waveform"
	"golang.org/x/image/font/gofont/goregular"
)

const (
	fontSize = 10.0

	defaultPanelWidth  = 640
	defaultPanelHeight = 220

	// Default border sizes in pixels
	defaultTopBorder    = 30
	defaultLeftBorder   = 70
	defaultBottomBorder = 30
	defaultRightBorder  = 30

	defaultDatetimeFormat = time.DateTime

	// one lane per issue below each spectrum, a channel has at most four issues
	laneHeight = 6
	laneGap    = 3
	maxLanes   = 4
	axisHeight = 24
)

// ErrNothingToRender is returned for a report without spectra
var ErrNothingToRender = errors.New("report has no spectrum to render")

// BorderConfig defines the sizes of white space around every panel
type BorderConfig struct {
	Top    int // Space for the panel title
	Left   int // Space for the value scale
	Bottom int // Space for the information bar
	Right  int // Right padding
}

// RenderConfig holds all configuration options for the chart
type RenderConfig struct {
	PanelWidth  int // Plot width of one channel in pixels
	PanelHeight int // Plot height of one row in pixels

	DatetimeFormat string         // Format string for date/time display
	Location       *time.Location // Timezone for time display
	FontSize       float64        // Font size in points

	BorderConfig BorderConfig
}

// ChartRenderer draws a diagnostics report: one column per channel with the waveform
// on top (when the analyzed pair is attached to the report) and the magnitude
// spectrum below it. Bins implicated by an issue are tinted behind the bars and
// marked in a lane per issue under the frequency axis, in the color of the issue tag.
// A ChartRenderer is safe for concurrent use.
type ChartRenderer struct {
	config RenderConfig
	font   *truetype.Font
}

// NewChartRenderer creates a new chart renderer with the given configuration
func NewChartRenderer(config RenderConfig) (*ChartRenderer, error) {
	if config.PanelWidth == 0 {
		config.PanelWidth = defaultPanelWidth
	}
	if config.PanelHeight == 0 {
		config.PanelHeight = defaultPanelHeight
	}
	if config.DatetimeFormat == "" {
		config.DatetimeFormat = defaultDatetimeFormat
	}
	if config.Location == nil {
		config.Location = time.Local
	}
	if config.FontSize == 0 {
		config.FontSize = fontSize
	}
	if config.BorderConfig.Top == 0 {
		config.BorderConfig.Top = defaultTopBorder
	}
	if config.BorderConfig.Left == 0 {
		config.BorderConfig.Left = defaultLeftBorder
	}
	if config.BorderConfig.Bottom == 0 {
		config.BorderConfig.Bottom = defaultBottomBorder
	}
	if config.BorderConfig.Right == 0 {
		config.BorderConfig.Right = defaultRightBorder
	}

	parsedFont, err := freetype.ParseFont(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("parsing font: %w", err)
	}

	return &ChartRenderer{config: config, font: parsedFont}, nil
}

// chartLayout holds the plot rectangles of one chart, indexed like Report.Channels.
type chartLayout struct {
	size     image.Point
	waveform []image.Rectangle // empty when no pair is drawn
	spectrum []image.Rectangle
	legend   []image.Rectangle
}

func (r *ChartRenderer) layout(report *diagnostics.Report, lineHeight int) chartLayout {
	b := r.config.BorderConfig
	columnWidth := b.Left + r.config.PanelWidth + b.Right

	withWaveform := report.Pair != nil
	legendLines := 1
	for _, ch := range report.Channels() {
		legendLines = max(legendLines, len(ch.Issues)+1)
	}

	var l chartLayout
	for i := range report.Channels() {
		x := i*columnWidth + b.Left
		y := 0

		if withWaveform {
			y += b.Top
			l.waveform = append(l.waveform, image.Rect(x, y, x+r.config.PanelWidth, y+r.config.PanelHeight))
			y += r.config.PanelHeight + axisHeight
		}

		y += b.Top
		l.spectrum = append(l.spectrum, image.Rect(x, y, x+r.config.PanelWidth, y+r.config.PanelHeight))
		y += r.config.PanelHeight + laneGap + maxLanes*laneHeight + axisHeight

		l.legend = append(l.legend, image.Rect(x, y, x+r.config.PanelWidth, y+legendLines*lineHeight+lineHeight/2))
		l.size = image.Pt((i+1)*columnWidth, l.legend[i].Max.Y+b.Bottom)
	}
	return l
}

// Render draws the chart of report.
func (r *ChartRenderer) Render(report *diagnostics.Report) (*image.RGBA, error) {
	if report == nil || report.Voltage.Spectrum == nil || report.Current.Spectrum == nil {
		return nil, ErrNothingToRender
	}

	ann := newAnnotator(r.font, r.config.FontSize)
	defer ann.Close()

	l := r.layout(report, ann.lineHeight())

	img := image.NewRGBA(image.Rectangle{Max: l.size})
	draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)
	ann.attach(img)

	for i, ch := range report.Channels() {
		if len(l.waveform) > 0 {
			if buf := report.Pair.Buffer(ch.Channel); buf != nil {
				if err := r.drawWaveform(img, ann, l.waveform[i], buf); err != nil {
					return nil, fmt.Errorf("drawing %s waveform: %w", ch.Channel, err)
				}
			}
		}

		if err := r.drawSpectrum(img, ann, l.spectrum[i], ch, report.BinWidth); err != nil {
			return nil, fmt.Errorf("drawing %s spectrum: %w", ch.Channel, err)
		}

		if err := r.drawLegend(img, ann, l.legend[i], ch); err != nil {
			return nil, fmt.Errorf("drawing %s legend: %w", ch.Channel, err)
		}
	}

	if err := r.drawInfoBar(img, ann, report); err != nil {
		return nil, fmt.Errorf("drawing info bar: %w", err)
	}

	return img, nil
}

func (r *ChartRenderer) drawWaveform(img *image.RGBA, ann *annotator, area image.Rectangle, buf *waveform.Buffer) error {
	if err := ann.drawString(buf.Channel().Title()+" Waveform", area.Min.X, area.Min.Y-8); err != nil {
		return err
	}

	samples := buf.Samples()
	var peak float64
	for _, v := range samples {
		peak = math.Max(peak, math.Abs(v))
	}
	if peak == 0 {
		peak = 1
	}

	duration := float64(len(samples)) / buf.SampleRate()
	if err := ann.drawXScale(img, area, area.Max.Y, duration, humanSeconds); err != nil {
		return err
	}
	if err := ann.drawYScale(img, area, -peak, peak); err != nil {
		return err
	}

	mid := float64(area.Min.Y+area.Max.Y-1) / 2
	scaleY := float64(area.Dy()-4) / 2 / peak
	point := func(i int) image.Point {
		x := area.Min.X + i*(area.Dx()-1)/max(len(samples)-1, 1)
		return image.Pt(x, int(math.Round(mid-samples[i]*scaleY)))
	}

	prev := point(0)
	for i := 1; i < len(samples); i++ {
		next := point(i)
		drawLine(img, prev, next, traceColor)
		prev = next
	}

	ann.drawFrame(img, area)
	return nil
}

func (r *ChartRenderer) drawSpectrum(img *image.RGBA, ann *annotator, area image.Rectangle, ch *diagnostics.ChannelReport, binWidth float64) error {
	if err := ann.drawString(ch.Channel.Title()+" Harmonics", area.Min.X, area.Min.Y-8); err != nil {
		return err
	}

	bins := ch.Spectrum.Bins
	if len(bins) == 0 {
		ann.drawFrame(img, area)
		return nil
	}

	var peak float64
	for _, m := range bins {
		peak = math.Max(peak, m)
	}

	lanesTop := area.Max.Y + laneGap
	axisTop := lanesTop + maxLanes*laneHeight
	if err := ann.drawXScale(img, area, axisTop, float64(len(bins))*binWidth, humanHz); err != nil {
		return err
	}
	if err := ann.drawYScale(img, area, 0, peak); err != nil {
		return err
	}

	for _, issue := range ch.Issues {
		band := bandColor(issue.Tag)
		for _, b := range issue.Bins {
			x0, x1 := binSpan(area, len(bins), b)
			draw.Draw(img, image.Rect(x0, area.Min.Y, x1, area.Max.Y), image.NewUniform(band), image.Point{}, draw.Over)
		}
	}

	if peak > 0 {
		for i, m := range bins {
			x0, x1 := binSpan(area, len(bins), i)
			if x1-x0 > 2 {
				x0, x1 = x0+1, x1-1
			}
			h := int(math.Round(m / peak * float64(area.Dy()-2)))
			fillRect(img, image.Rect(x0, area.Max.Y-1-h, x1, area.Max.Y-1), magnitudeColor(m/peak))
		}
	}

	lane := 0
	for _, issue := range ch.Issues {
		if !tagged(issue) || lane >= maxLanes {
			continue
		}
		c := TagColor(issue.Tag)
		for _, b := range issue.Bins {
			fillRect(img, laneRect(area, len(bins), lane, b), c)
		}
		lane++
	}

	ann.drawFrame(img, area)
	return nil
}

func (r *ChartRenderer) drawLegend(img *image.RGBA, ann *annotator, area image.Rectangle, ch *diagnostics.ChannelReport) error {
	lineHeight := ann.lineHeight()
	y := area.Min.Y + lineHeight

	if err := ann.drawString(ch.Channel.Title()+" Harmonics Analysis:", area.Min.X, y); err != nil {
		return err
	}

	for _, issue := range ch.Issues {
		y += lineHeight

		x := area.Min.X
		if !issue.IsSentinel() {
			x += ann.drawSwatch(img, x, y, TagColor(issue.Tag)) + 6
		}

		text := fmt.Sprintf("%s: %s", issue.Category, issue.Explanation)
		if issue.IsSentinel() {
			text = issue.Category.String()
		}
		if err := ann.drawString(text, x, y); err != nil {
			return err
		}
	}
	return nil
}

func (r *ChartRenderer) drawInfoBar(img *image.RGBA, ann *annotator, report *diagnostics.Report) error {
	info := fmt.Sprintf("Report %s; %d samples at %s; bin width %s; %s",
		report.ID,
		report.SampleCount,
		humanHz(report.SampleRate),
		humanHz(report.BinWidth),
		report.CreatedAt.In(r.config.Location).Format(r.config.DatetimeFormat))

	metrics := ann.fontFace.Metrics()
	fontHeight := (metrics.Ascent + metrics.Descent).Round()
	textY := img.Bounds().Max.Y - (r.config.BorderConfig.Bottom-fontHeight)/2 - metrics.Descent.Round()

	return ann.drawString(info, r.config.BorderConfig.Left, textY)
}

// binSpan returns the horizontal pixel range [x0, x1) of bin b out of n bins.
func binSpan(area image.Rectangle, n, b int) (int, int) {
	x0 := area.Min.X + b*area.Dx()/n
	x1 := area.Min.X + (b+1)*area.Dx()/n
	if x1 <= x0 {
		x1 = x0 + 1
	}
	return x0, x1
}

// laneRect returns the marker of bin b in the given issue lane under area.
func laneRect(area image.Rectangle, n, lane, b int) image.Rectangle {
	x0, x1 := binSpan(area, n, b)
	y0 := area.Max.Y + laneGap + lane*laneHeight
	return image.Rect(x0, y0, x1, y0+laneHeight-1)
}

func fillRect(img *image.RGBA, rect image.Rectangle, c color.Color) {
	draw.Draw(img, rect, image.NewUniform(c), image.Point{}, draw.Src)
}

// drawLine draws a one pixel wide line from p0 to p1 (Bresenham).
func drawLine(img *image.RGBA, p0, p1 image.Point, c color.Color) {
	dx := abs(p1.X - p0.X)
	dy := -abs(p1.Y - p0.Y)
	sx, sy := 1, 1
	if p0.X > p1.X {
		sx = -1
	}
	if p0.Y > p1.Y {
		sy = -1
	}

	e := dx + dy
	for {
		img.Set(p0.X, p0.Y, c)
		if p0 == p1 {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			p0.X += sx
		}
		if e2 <= dx {
			e += dx
			p0.Y += sy
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// tagged reports whether issue marks anything on the chart.
func tagged(issue harmonics.Issue) bool {
	return len(issue.Bins) > 0
}
