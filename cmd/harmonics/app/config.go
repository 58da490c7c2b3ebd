package app

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/roman-kulish/transformer-harmonics/internal/harmonics"
	"github.com/roman-kulish/transformer-harmonics/internal/render"
	"github.com/roman-kulish/transformer-harmonics/internal/source"
	"github.com/spf13/pflag"
)

type Config struct {
	InputFile   string // Payload file, "-" reads stdin
	Synthetic   bool
	Seed        int64
	SampleRate  float64 // Hz, used when the payload does not declare one
	SampleCount int
	Fundamental float64
	Preset      harmonics.Preset
	Threshold   float64
	OutputFile  string
	Format      render.ImageFormat
	TimeZone    *time.Location
	JSON        bool
	Verbose     bool
}

func NewConfig() *Config {
	return &Config{
		SampleRate:  source.DefaultFundamental * source.DefaultSampleCount,
		Fundamental: source.DefaultFundamental,
		Preset:      harmonics.PresetLive,
		Format:      render.ImagePNG,
		TimeZone:    time.Local,
	}
}

// NewConfigFromArgs parses the command line arguments, without the program name
func NewConfigFromArgs(args []string, stderr io.Writer) (*Config, error) {
	c := NewConfig()

	fs := pflag.NewFlagSet("harmonics", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, "Usage of harmonics:")
		fs.PrintDefaults()
	}

	var preset, imageFormat, tz string
	fs.StringVarP(&c.InputFile, "input", "i", "", "Path to a JSON payload file, '-' reads stdin")
	fs.BoolVar(&c.Synthetic, "synthetic", false, "Analyze a synthetic waveform pair instead of a payload")
	fs.Int64Var(&c.Seed, "seed", 0, "Noise seed of the synthetic pair, 0 seeds from the clock")
	fs.Float64Var(&c.SampleRate, "sample-rate", c.SampleRate, "Sample rate in Hz when the payload does not declare one")
	fs.IntVar(&c.SampleCount, "sample-count", 0, "Required samples per channel, 0 accepts any length")
	fs.Float64Var(&c.Fundamental, "fundamental", c.Fundamental, "Nominal fundamental frequency in Hz")
	fs.StringVarP(&preset, "preset", "p", string(c.Preset), "Classifier preset. [live, simulated]")
	fs.Float64Var(&c.Threshold, "threshold", 0, "Override the base threshold of the preset")
	fs.StringVarP(&c.OutputFile, "output", "o", "", "Render the report chart to this file")
	fs.StringVarP(&imageFormat, "format", "f", string(c.Format), "Output image format. [png, jpeg]")
	fs.StringVar(&tz, "tz", "", "Time zone of the chart timestamp, e.g. Europe/London")
	fs.BoolVar(&c.JSON, "json", false, "Print the report as JSON")
	fs.BoolVarP(&c.Verbose, "verbose", "v", false, "Enable more verbose output")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	var err error
	switch {
	case c.InputFile == "" && !c.Synthetic:
		err = errors.New("either an input file or --synthetic is required")
	case c.InputFile != "" && c.Synthetic:
		err = errors.New("--input and --synthetic are mutually exclusive")
	case c.SampleRate <= 0:
		err = fmt.Errorf("invalid sample rate: %v", c.SampleRate)
	case c.SampleCount < 0:
		err = fmt.Errorf("invalid sample count: %d", c.SampleCount)
	}
	if err == nil {
		c.Preset = harmonics.Preset(strings.ToLower(preset))
		_, err = harmonics.ConfigFor(c.Preset)
	}
	if err == nil {
		c.Format, err = render.ParseImageFormat(imageFormat)
	}
	if err == nil && tz != "" {
		c.TimeZone, err = time.LoadLocation(tz)
	}

	if err != nil {
		fs.Usage()
		return nil, err
	}

	if c.OutputFile != "" && filepath.Ext(c.OutputFile) == "" {
		c.OutputFile = fmt.Sprintf("%s.%s", c.OutputFile, c.Format)
	}
	return c, nil
}

// ClassifierConfig resolves the preset and the threshold override
func (c *Config) ClassifierConfig() (harmonics.Config, error) {
	cfg, err := harmonics.ConfigFor(c.Preset)
	if err != nil {
		return harmonics.Config{}, err
	}
	return cfg.Override(harmonics.Config{Threshold: c.Threshold}), nil
}
