package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image/png"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/roman-kulish/transformer-harmonics/internal/diagnostics"
	"github.com/roman-kulish/transformer-harmonics/internal/harmonics"
	"github.com/roman-kulish/transformer-harmonics/internal/render"
	"github.com/roman-kulish/transformer-harmonics/internal/waveform"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// payload is 512 samples at 25.6 kHz: a voltage with a strong second harmonic and a
// clean current
func payload(t *testing.T) []byte {
	t.Helper()

	const (
		n    = 512
		rate = 25600.0
	)

	p := waveform.Payload{
		Voltage: make([]float64, n),
		Current: make([]float64, n),
	}
	for i := 0; i < n; i++ {
		x := 2 * math.Pi * 50 * float64(i) / rate
		p.Voltage[i] = math.Sin(x) + 0.5*math.Sin(2*x)
		p.Current[i] = math.Sin(x)
	}

	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("encoding payload: %v", err)
	}
	return data
}

func writePayload(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "payload.json")
	if err := os.WriteFile(path, payload(t), 0o600); err != nil {
		t.Fatalf("writing payload: %v", err)
	}
	return path
}

func TestRunPayloadText(t *testing.T) {
	config, err := NewConfigFromArgs([]string{"-i", writePayload(t)}, io.Discard)
	if err != nil {
		t.Fatalf("NewConfigFromArgs() error = %v", err)
	}

	var out bytes.Buffer
	if err = Run(context.Background(), config, nil, &out, discard); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := "Voltage Harmonics Analysis:\n" +
		"- High Harmonic Content: core saturation or non-linear load characteristics\n" +
		"- Even Harmonics: unbalanced or asymmetrical operation\n" +
		"- Asymmetry in Waveforms: core saturation or unbalanced loads\n" +
		"\n" +
		"Current Harmonics Analysis:\n" +
		"- No significant issues detected: \n"
	if out.String() != want {
		t.Errorf("Run() output:\n%s\nwant:\n%s", out.String(), want)
	}
}

func TestRunStdinJSON(t *testing.T) {
	config, err := NewConfigFromArgs([]string{"--input", "-", "--json"}, io.Discard)
	if err != nil {
		t.Fatalf("NewConfigFromArgs() error = %v", err)
	}

	var out bytes.Buffer
	if err = Run(context.Background(), config, bytes.NewReader(payload(t)), &out, discard); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var report diagnostics.Report
	if err = json.Unmarshal(out.Bytes(), &report); err != nil {
		t.Fatalf("decoding report: %v", err)
	}
	if report.BinWidth != 50 || report.SampleCount != 512 {
		t.Errorf("bin width = %v, samples = %d, want 50 and 512", report.BinWidth, report.SampleCount)
	}
	if len(report.Current.Issues) != 1 || !report.Current.Issues[0].IsSentinel() {
		t.Errorf("current issues = %+v, want the sentinel", report.Current.Issues)
	}
	if len(report.Voltage.Issues) == 0 || report.Voltage.Issues[0].Category != harmonics.CategoryHighHarmonicContent {
		t.Errorf("voltage issues = %+v, want high harmonic content first", report.Voltage.Issues)
	}
}

func TestRunSyntheticImage(t *testing.T) {
	output := filepath.Join(t.TempDir(), "report")
	config, err := NewConfigFromArgs([]string{"--synthetic", "--seed", "7", "-o", output, "-p", "simulated"}, io.Discard)
	if err != nil {
		t.Fatalf("NewConfigFromArgs() error = %v", err)
	}
	if config.OutputFile != output+".png" {
		t.Fatalf("output file = %s, want %s.png", config.OutputFile, output)
	}

	var out bytes.Buffer
	if err = Run(context.Background(), config, nil, &out, discard); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !strings.Contains(out.String(), "High Harmonic Content") {
		t.Errorf("Run() output = %q, want high harmonic content", out.String())
	}

	f, err := os.Open(config.OutputFile)
	if err != nil {
		t.Fatalf("opening image: %v", err)
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		t.Fatalf("decoding image: %v", err)
	}
	if img.Bounds().Dx() == 0 || img.Bounds().Dy() == 0 {
		t.Errorf("image is empty: %v", img.Bounds())
	}
}

func TestRunMalformedPayload(t *testing.T) {
	config, err := NewConfigFromArgs([]string{"-i", "-"}, io.Discard)
	if err != nil {
		t.Fatalf("NewConfigFromArgs() error = %v", err)
	}

	err = Run(context.Background(), config, strings.NewReader(`{"voltage": [1, 2]`), io.Discard, discard)
	if !errors.Is(err, waveform.ErrMalformedPayload) {
		t.Fatalf("Run() error = %v, want %v", err, waveform.ErrMalformedPayload)
	}
}

func TestNewConfigFromArgs(t *testing.T) {
	tests := []struct {
		name       string
		args       []string
		wantErr    bool
		wantFormat render.ImageFormat
		wantPreset harmonics.Preset
	}{
		{"input", []string{"-i", "payload.json"}, false, render.ImagePNG, harmonics.PresetLive},
		{"synthetic jpeg", []string{"--synthetic", "-f", "jpg", "-p", "Simulated"}, false, render.ImageJPEG, harmonics.PresetSimulated},
		{"no source", nil, true, "", ""},
		{"both sources", []string{"-i", "payload.json", "--synthetic"}, true, "", ""},
		{"bad format", []string{"--synthetic", "-f", "gif"}, true, "", ""},
		{"bad preset", []string{"--synthetic", "-p", "lab"}, true, "", ""},
		{"bad sample rate", []string{"--synthetic", "--sample-rate", "0"}, true, "", ""},
		{"bad time zone", []string{"--synthetic", "--tz", "Nowhere/Land"}, true, "", ""},
		{"unknown flag", []string{"--synthetic", "--colour"}, true, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewConfigFromArgs(tt.args, io.Discard)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewConfigFromArgs() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if c.Format != tt.wantFormat {
				t.Errorf("Format = %s, want %s", c.Format, tt.wantFormat)
			}
			if c.Preset != tt.wantPreset {
				t.Errorf("Preset = %s, want %s", c.Preset, tt.wantPreset)
			}
		})
	}
}
