package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/roman-kulish/transformer-harmonics/internal/diagnostics"
	"github.com/roman-kulish/transformer-harmonics/internal/harmonics"
	"github.com/roman-kulish/transformer-harmonics/internal/render"
	"github.com/roman-kulish/transformer-harmonics/internal/source"
	"github.com/roman-kulish/transformer-harmonics/internal/waveform"
)

// Run analyzes one sample pair and writes the report to out, plus the chart to
// config.OutputFile when one is set.
func Run(ctx context.Context, config *Config, stdin io.Reader, out io.Writer, logger *slog.Logger) error {
	pairSource, err := createSource(config, stdin, logger)
	if err != nil {
		return err
	}

	classifierConfig, err := config.ClassifierConfig()
	if err != nil {
		return err
	}
	classifier, err := harmonics.NewClassifier(classifierConfig)
	if err != nil {
		return fmt.Errorf("creating classifier: %w", err)
	}

	session := diagnostics.NewSession(pairSource, classifier,
		diagnostics.WithLogger(logger),
		diagnostics.WithFundamental(config.Fundamental))

	report, err := session.Run()
	if err != nil {
		return fmt.Errorf("analyzing pair: %w", err)
	}

	logger.Info("pair analyzed",
		slog.String("sampleRate", humanize.SIWithDigits(report.SampleRate, 2, "Hz")),
		slog.Int("sampleCount", report.SampleCount),
		slog.String("binWidth", humanize.SIWithDigits(report.BinWidth, 2, "Hz")),
		slog.Int("issues", report.IssueCount()))

	if config.JSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err = enc.Encode(report); err != nil {
			return fmt.Errorf("writing report: %w", err)
		}
	} else if _, err = io.WriteString(out, report.Text()); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}

	if config.OutputFile == "" {
		return nil
	}
	if err = ctx.Err(); err != nil {
		return err
	}

	return renderReport(report, config, logger)
}

func createSource(config *Config, stdin io.Reader, logger *slog.Logger) (diagnostics.Source, error) {
	if config.Synthetic {
		options := []func(*source.Generator){source.WithGeneratorLogger(logger)}
		if config.Seed != 0 {
			options = append(options, source.WithSeed(config.Seed))
		}

		generator, err := source.NewGenerator(options...)
		if err != nil {
			return nil, fmt.Errorf("creating synthetic source: %w", err)
		}
		return generator, nil
	}

	in := stdin
	if config.InputFile != "-" {
		f, err := os.Open(config.InputFile)
		if err != nil {
			return nil, fmt.Errorf("opening payload: %w", err)
		}
		defer f.Close()
		in = f
	}

	pair, err := waveform.DecodePayload(in, waveform.DecodeOptions{
		SampleRate:  config.SampleRate,
		SampleCount: config.SampleCount,
	})
	if err != nil {
		return nil, err
	}

	slot := source.NewSlot(source.WithSlotLogger(logger))
	if err = slot.Publish(pair); err != nil {
		return nil, err
	}
	return slot, nil
}

func renderReport(report *diagnostics.Report, config *Config, logger *slog.Logger) error {
	renderer, err := render.NewChartRenderer(render.RenderConfig{
		Location: config.TimeZone,
	})
	if err != nil {
		return fmt.Errorf("creating chart renderer: %w", err)
	}

	img, err := renderer.Render(report)
	if err != nil {
		return fmt.Errorf("rendering report: %w", err)
	}

	logger.Info("rendering report",
		slog.Group("image",
			slog.String("destination", config.OutputFile),
			slog.String("format", string(config.Format)),
			slog.Int("width", img.Bounds().Dx()),
			slog.Int("height", img.Bounds().Dy()),
		))

	out, err := os.Create(config.OutputFile)
	if err != nil {
		return err
	}

	if err = render.Encode(out, img, config.Format); err != nil {
		_ = out.Close()
		return fmt.Errorf("encoding image: %w", err)
	}
	return out.Close()
}
