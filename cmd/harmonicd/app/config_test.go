package app

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/roman-kulish/transformer-harmonics/internal/harmonics"
)

func TestLoadConfig(t *testing.T) {
	doc := `
settings:
  logLevel: debug
analysis:
  preset: simulated
  threshold: 0.04
source:
  type: Synthetic
  interval: 250ms
  synthetic:
    seed: 42
storage:
  retention: 168h
mqtt:
  enabled: true
  broker: tcp://broker:1883
  qos: 1
`
	path := filepath.Join(t.TempDir(), "harmonicd.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	c, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if level, _ := c.Settings.Level(); level != slog.LevelDebug {
		t.Errorf("log level = %v, want DEBUG", level)
	}
	if c.Source.Type != SourceSynthetic {
		t.Errorf("source type = %s, want %s", c.Source.Type, SourceSynthetic)
	}
	if time.Duration(c.Source.Interval) != 250*time.Millisecond {
		t.Errorf("interval = %s, want 250ms", c.Source.Interval)
	}
	if c.Source.Synthetic.Seed != 42 {
		t.Errorf("seed = %d, want 42", c.Source.Synthetic.Seed)
	}
	if time.Duration(c.Storage.Retention) != 168*time.Hour {
		t.Errorf("retention = %s, want 168h", c.Storage.Retention)
	}
	if c.MQTT.QoS != 1 || c.MQTT.Topic != "harmonics" {
		t.Errorf("mqtt = %+v, want qos 1 on the default topic", c.MQTT)
	}

	// defaults survive a partial document
	if c.Server.Addr != ":8080" || !c.Server.AutoAnalyze {
		t.Errorf("server = %+v, want the defaults", c.Server)
	}
	if c.Source.SampleCount != 512 || c.Source.SampleRate != 25600 {
		t.Errorf("sampling = %d at %v Hz, want 512 at 25600 Hz", c.Source.SampleCount, c.Source.SampleRate)
	}

	cfg, err := c.Analysis.ClassifierConfig()
	if err != nil {
		t.Fatalf("ClassifierConfig() error = %v", err)
	}
	want := harmonics.Config{Threshold: 0.04, HighHarmonicMultiplier: 3, AsymmetryMultiplier: 1.5}
	if cfg != want {
		t.Errorf("ClassifierConfig() = %+v, want %+v", cfg, want)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("LoadConfig() error = nil, want an error")
	}
}

func TestParseConfigInvalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"malformed yaml", "settings: ["},
		{"bad duration", "source:\n  interval: soon"},
		{"bad log level", "settings:\n  logLevel: loud"},
		{"unknown preset", "analysis:\n  preset: lab"},
		{"negative threshold", "analysis:\n  threshold: -1"},
		{"unknown source", "source:\n  type: serial"},
		{"command without path", "source:\n  type: command"},
		{"command zero parse errors threshold", "source:\n  type: command\n  command:\n    path: sensor\n    parseErrorsThreshold: 0"},
		{"zero sample rate", "source:\n  sampleRate: 0"},
		{"empty addr", "server:\n  addr: ''"},
		{"mqtt without broker", "mqtt:\n  enabled: true\n  broker: ''"},
		{"mqtt bad qos", "mqtt:\n  enabled: true\n  qos: 3"},
		{"retention without prune interval", "storage:\n  retention: 1h\n  pruneInterval: 0s"},
		{"invalid synthetic profile", "source:\n  type: synthetic\n  synthetic:\n    profile:\n      fundamental: 0\n      sampleCount: 512"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseConfig([]byte(tt.doc)); err == nil {
				t.Errorf("ParseConfig() error = nil, want an error")
			}
		})
	}
}

func TestNewConfigIsValid(t *testing.T) {
	if err := NewConfig().Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}
