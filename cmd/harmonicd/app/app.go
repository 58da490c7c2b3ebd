package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/roman-kulish/transformer-harmonics/internal/diagnostics"
	"github.com/roman-kulish/transformer-harmonics/internal/harmonics"
	"github.com/roman-kulish/transformer-harmonics/internal/ingest"
	"github.com/roman-kulish/transformer-harmonics/internal/publish"
	"github.com/roman-kulish/transformer-harmonics/internal/server"
	"github.com/roman-kulish/transformer-harmonics/internal/source"
	"github.com/roman-kulish/transformer-harmonics/internal/storage"
	"github.com/roman-kulish/transformer-harmonics/internal/telemetry"
	"github.com/roman-kulish/transformer-harmonics/internal/waveform"
	"gopkg.in/natefinch/lumberjack.v2"
)

const dbFile = "harmonics.sqlite"

// NewLogger creates the application logger. Output goes to a rotated file when
// settings.logFile is set, to stdout otherwise. The returned closer flushes the file.
func NewLogger(settings Settings, level *slog.LevelVar) (*slog.Logger, io.Closer) {
	var w io.WriteCloser = nopCloser{os.Stdout}
	if settings.LogFile != "" {
		w = &lumberjack.Logger{
			Filename:   settings.LogFile,
			MaxSize:    settings.LogMaxSizeMB,
			MaxBackups: settings.LogMaxBackups,
			MaxAge:     settings.LogMaxAgeDays,
		}
	}

	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), w
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error {
	return nil
}

// Run starts the configured source, the HTTP server and, when enabled, the analysis
// loop. It blocks until ctx is cancelled or a component fails.
func Run(ctx context.Context, config *Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := telemetry.NewMetrics(reg)

	classifierConfig, err := config.Analysis.ClassifierConfig()
	if err != nil {
		return err
	}
	classifier, err := harmonics.NewClassifier(classifierConfig)
	if err != nil {
		return fmt.Errorf("creating classifier: %w", err)
	}

	slot := source.NewSlot(source.WithSlotLogger(logger))
	session := diagnostics.NewSession(slot, classifier,
		diagnostics.WithLogger(logger),
		diagnostics.WithMetrics(metrics),
		diagnostics.WithFundamental(config.Analysis.FundamentalFrequency))

	serverOptions := []func(*server.Server){
		server.WithLogger(logger),
		server.WithMetrics(metrics, reg),
	}

	var store *storage.SqliteStore
	if config.Storage.Enabled {
		if store, err = createStorage(&config.Storage); err != nil {
			return fmt.Errorf("failed to create storage: %w", err)
		}
		defer func() {
			if err := store.Close(); err != nil {
				logger.Error(fmt.Sprintf("closing storage: %s", err.Error()))
			}
		}()

		serverOptions = append(serverOptions, server.WithStore(store))
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 4)
	goFn := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
				cancel()
			}
		}()
	}

	decode := waveform.DecodeOptions{
		SampleRate:  config.Source.SampleRate,
		SampleCount: config.Source.SampleCount,
	}

	switch config.Source.Type {
	case SourceHTTP:
		receiver := ingest.NewReceiver(slot,
			ingest.WithLogger(logger),
			ingest.WithDecodeOptions(decode),
			ingest.WithMaxBodySize(config.Source.MaxBodySize),
			ingest.WithObserver(metrics),
			ingest.WithStaleAfter(time.Duration(config.Source.StaleAfter)))

		serverOptions = append(serverOptions, server.WithReceiver(receiver))
		goFn("receiver", func() error {
			receiver.Watch(ctx)
			return nil
		})

	case SourceSynthetic:
		generator, err := createGenerator(config, logger)
		if err != nil {
			return err
		}
		goFn("synthetic source", func() error {
			return generator.Run(ctx, slot, time.Duration(config.Source.Interval))
		})

	case SourceCommand:
		cmd, err := source.NewCommand(config.Source.Command.Path, config.Source.Command.Args,
			source.WithCommandLogger(logger),
			source.WithDecodeOptions(decode),
			source.WithObserver(metrics),
			source.WithParseErrorsThreshold(config.Source.Command.ParseErrorsThreshold))
		if err != nil {
			return fmt.Errorf("failed to create command source: %w", err)
		}

		stopped, err := cmd.Start(ctx, slot)
		if err != nil {
			return fmt.Errorf("failed to start command source: %w", err)
		}
		goFn("command source", func() error {
			return <-stopped
		})

	default:
		return fmt.Errorf("unknown source type '%s'", config.Source.Type)
	}

	srv, err := server.NewServer(session, slot, serverOptions...)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if config.Server.AutoAnalyze {
		orchestratorOptions := []func(*Orchestrator){
			WithLogger(logger),
			WithBroadcaster(srv),
			WithStoreMetrics(metrics),
		}
		if store != nil {
			orchestratorOptions = append(orchestratorOptions,
				WithStore(store, time.Duration(config.Storage.Retention), time.Duration(config.Storage.PruneInterval)))
		}

		if config.MQTT.Enabled {
			publisher, err := publish.NewMQTTPublisher(config.MQTT.PublisherConfig(),
				publish.WithLogger(logger),
				publish.WithMetrics(metrics))
			if err != nil {
				return fmt.Errorf("failed to create mqtt publisher: %w", err)
			}
			defer publisher.Close()

			orchestratorOptions = append(orchestratorOptions, WithPublisher(publisher))
		}

		orchestrator := NewOrchestrator(slot, session, orchestratorOptions...)
		goFn("orchestrator", func() error {
			return orchestrator.Run(ctx)
		})
	}

	goFn("server", func() error {
		return srv.ListenAndServe(ctx, config.Server.Addr)
	})

	logger.Info("harmonics engine started",
		slog.String("source", string(config.Source.Type)),
		slog.String("preset", config.Analysis.Preset),
		slog.String("addr", config.Server.Addr))

	wg.Wait()
	close(errCh)

	// the first error is the cause, the rest are consequences of the cancellation
	if err, ok := <-errCh; ok {
		return err
	}
	return nil
}

func createGenerator(config *Config, logger *slog.Logger) (*source.Generator, error) {
	profile := source.DefaultProfile()
	if config.Source.Synthetic.Profile != nil {
		profile = *config.Source.Synthetic.Profile
	} else {
		if config.Analysis.FundamentalFrequency > 0 {
			profile.Fundamental = config.Analysis.FundamentalFrequency
		}
		if config.Source.SampleCount > 0 {
			profile.SampleCount = config.Source.SampleCount
		}
	}

	options := []func(*source.Generator){
		source.WithGeneratorLogger(logger),
		source.WithProfile(profile),
	}
	if config.Source.Synthetic.Seed != 0 {
		options = append(options, source.WithSeed(config.Source.Synthetic.Seed))
	}

	generator, err := source.NewGenerator(options...)
	if err != nil {
		return nil, fmt.Errorf("failed to create synthetic source: %w", err)
	}
	return generator, nil
}

func createStorage(config *StorageConfig) (*storage.SqliteStore, error) {
	dir := config.DataDirectory
	if !filepath.IsAbs(dir) {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current working directory: %w", err)
		}
		dir = filepath.Join(wd, dir)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage directory '%s': %w", dir, err)
	}

	return storage.NewSqliteStore(filepath.Join(dir, dbFile)), nil
}
