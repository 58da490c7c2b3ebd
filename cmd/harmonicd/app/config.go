package app

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/roman-kulish/transformer-harmonics/internal/harmonics"
	"github.com/roman-kulish/transformer-harmonics/internal/ingest"
	"github.com/roman-kulish/transformer-harmonics/internal/publish"
	"github.com/roman-kulish/transformer-harmonics/internal/source"
	"gopkg.in/yaml.v3"
)

const (
	SourceHTTP      SourceType = "http"
	SourceSynthetic SourceType = "synthetic"
	SourceCommand   SourceType = "command"
)

// SourceType selects where sample pairs come from
type SourceType string

type Duration time.Duration

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	duration, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("app.Duration: failed to parse: %s", err)
	}

	*d = Duration(duration)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// Config represents the daemon configuration
type Config struct {
	Settings Settings       `yaml:"settings"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Source   SourceConfig   `yaml:"source"`
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
}

// Settings represents global application settings
type Settings struct {
	LogLevel      string `yaml:"logLevel"`
	LogFile       string `yaml:"logFile"` // stdout when empty
	LogMaxSizeMB  int    `yaml:"logMaxSizeMB"`
	LogMaxBackups int    `yaml:"logMaxBackups"`
	LogMaxAgeDays int    `yaml:"logMaxAgeDays"`
}

// Level parses LogLevel
func (s Settings) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level '%s'", s.LogLevel)
	}
	return level, nil
}

// AnalysisConfig selects the classifier preset. Non-zero thresholds override the
// preset values.
type AnalysisConfig struct {
	Preset                 string  `yaml:"preset"`
	Threshold              float64 `yaml:"threshold"`
	HighHarmonicMultiplier float64 `yaml:"highHarmonicMultiplier"`
	AsymmetryMultiplier    float64 `yaml:"asymmetryMultiplier"`
	FundamentalFrequency   float64 `yaml:"fundamentalFrequency"` // Hz
}

// ClassifierConfig resolves the preset and overrides into a classifier configuration
func (c AnalysisConfig) ClassifierConfig() (harmonics.Config, error) {
	cfg, err := harmonics.ConfigFor(harmonics.Preset(c.Preset))
	if err != nil {
		return harmonics.Config{}, err
	}

	cfg = cfg.Override(harmonics.Config{
		Threshold:              c.Threshold,
		HighHarmonicMultiplier: c.HighHarmonicMultiplier,
		AsymmetryMultiplier:    c.AsymmetryMultiplier,
	})
	if err = cfg.Validate(); err != nil {
		return harmonics.Config{}, err
	}

	return cfg, nil
}

// SourceConfig represents the sample pair source
type SourceConfig struct {
	Type        SourceType      `yaml:"type"`
	SampleCount int             `yaml:"sampleCount"` // 0 accepts any length from the sensor
	SampleRate  float64         `yaml:"sampleRate"`  // Hz, used when a payload does not declare one
	Interval    Duration        `yaml:"interval"`    // synthetic source period
	StaleAfter  Duration        `yaml:"staleAfter"`  // 0 never times out
	MaxBodySize int64           `yaml:"maxBodySize"` // bytes
	Command     CommandConfig   `yaml:"command"`
	Synthetic   SyntheticConfig `yaml:"synthetic"`
}

// CommandConfig represents an acquisition program writing payload lines to stdout
type CommandConfig struct {
	Path                 string   `yaml:"path"`
	Args                 []string `yaml:"args"`
	ParseErrorsThreshold uint8    `yaml:"parseErrorsThreshold"`
}

// SyntheticConfig represents the generated waveforms. The default profile is used
// when Profile is not set.
type SyntheticConfig struct {
	Seed    int64           `yaml:"seed"` // 0 seeds from the clock
	Profile *source.Profile `yaml:"profile"`
}

// ServerConfig represents the HTTP server settings
type ServerConfig struct {
	Addr        string `yaml:"addr"`
	AutoAnalyze bool   `yaml:"autoAnalyze"` // analyze every received pair and push the result
}

// StorageConfig represents the report history settings
type StorageConfig struct {
	Enabled       bool     `yaml:"enabled"`
	DataDirectory string   `yaml:"dataDirectory"`
	Retention     Duration `yaml:"retention"` // 0 keeps reports forever
	PruneInterval Duration `yaml:"pruneInterval"`
}

// MQTTConfig represents the report publication settings
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"clientID"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      byte   `yaml:"qos"`
}

func (c MQTTConfig) PublisherConfig() publish.Config {
	return publish.Config{
		Broker:   c.Broker,
		Topic:    c.Topic,
		ClientID: c.ClientID,
		Username: c.Username,
		Password: c.Password,
		QoS:      c.QoS,
	}
}

// NewConfig returns the default configuration: a sensor posting 512 samples per
// channel at 25.6 kHz to a local HTTP server.
func NewConfig() *Config {
	return &Config{
		Settings: Settings{
			LogLevel:      "INFO",
			LogMaxSizeMB:  10,
			LogMaxBackups: 3,
			LogMaxAgeDays: 28,
		},
		Analysis: AnalysisConfig{
			Preset:               string(harmonics.PresetLive),
			FundamentalFrequency: source.DefaultFundamental,
		},
		Source: SourceConfig{
			Type:        SourceHTTP,
			SampleCount: source.DefaultSampleCount,
			SampleRate:  source.DefaultFundamental * source.DefaultSampleCount,
			Interval:    Duration(time.Second),
			MaxBodySize: ingest.DefaultMaxBodySize,
			Command: CommandConfig{
				ParseErrorsThreshold: source.ParseErrorsThreshold,
			},
		},
		Server: ServerConfig{
			Addr:        ":8080",
			AutoAnalyze: true,
		},
		Storage: StorageConfig{
			Enabled:       true,
			DataDirectory: "data",
			PruneInterval: Duration(time.Hour),
		},
		MQTT: MQTTConfig{
			Broker: "tcp://localhost:1883",
			Topic:  publish.DefaultTopic,
		},
	}
}

// LoadConfig reads the YAML file at path on top of the defaults and validates the result
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	return ParseConfig(data)
}

// ParseConfig decodes a YAML document on top of the defaults and validates the result
func ParseConfig(data []byte) (*Config, error) {
	c := NewConfig()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	c.Source.Type = SourceType(strings.ToLower(string(c.Source.Type)))

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Config) Validate() error {
	var errs []error

	if _, err := c.Settings.Level(); err != nil {
		errs = append(errs, err)
	}
	if c.Settings.LogFile != "" && c.Settings.LogMaxSizeMB <= 0 {
		errs = append(errs, errors.New("settings.logMaxSizeMB must be a positive number"))
	}

	if _, err := c.Analysis.ClassifierConfig(); err != nil {
		errs = append(errs, err)
	}
	if c.Analysis.FundamentalFrequency < 0 {
		errs = append(errs, errors.New("analysis.fundamentalFrequency must not be negative"))
	}

	switch c.Source.Type {
	case SourceHTTP:
		if c.Source.MaxBodySize <= 0 {
			errs = append(errs, errors.New("source.maxBodySize must be a positive number"))
		}
	case SourceCommand:
		if c.Source.Command.Path == "" {
			errs = append(errs, errors.New("source.command.path is required"))
		}
		if c.Source.Command.ParseErrorsThreshold == 0 {
			errs = append(errs, errors.New("source.command.parseErrorsThreshold must be a positive number"))
		}
	case SourceSynthetic:
		if c.Source.Synthetic.Profile != nil {
			if err := c.Source.Synthetic.Profile.Validate(); err != nil {
				errs = append(errs, err)
			}
		}
	default:
		errs = append(errs, fmt.Errorf("unknown source.type '%s'", c.Source.Type))
	}
	if c.Source.SampleCount < 0 {
		errs = append(errs, errors.New("source.sampleCount must not be negative"))
	}
	if c.Source.SampleRate <= 0 {
		errs = append(errs, errors.New("source.sampleRate must be a positive number"))
	}
	if c.Source.Interval < 0 || c.Source.StaleAfter < 0 {
		errs = append(errs, errors.New("source durations must not be negative"))
	}

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}

	if c.Storage.Enabled {
		if c.Storage.DataDirectory == "" {
			errs = append(errs, errors.New("storage.dataDirectory is required"))
		}
		if c.Storage.Retention < 0 {
			errs = append(errs, errors.New("storage.retention must not be negative"))
		}
		if c.Storage.Retention > 0 && c.Storage.PruneInterval <= 0 {
			errs = append(errs, errors.New("storage.pruneInterval must be a positive duration"))
		}
	}

	if c.MQTT.Enabled {
		if err := c.MQTT.PublisherConfig().Validate(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
