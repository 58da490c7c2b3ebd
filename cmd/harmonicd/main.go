package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/kardianos/service"
	"github.com/roman-kulish/transformer-harmonics/cmd/harmonicd/app"
	"github.com/spf13/pflag"
)

// program runs the engine under the service manager, or in the foreground when
// started from a terminal.
type program struct {
	config *app.Config
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan error
}

func (p *program) Start(service.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan error, 1)

	go func() {
		err := app.Run(ctx, p.config, p.logger)
		if err != nil && ctx.Err() == nil {
			p.logger.Error(err.Error())
			os.Exit(1)
		}
		p.done <- err
	}()

	return nil
}

func (p *program) Stop(service.Service) error {
	p.cancel()
	return <-p.done
}

func main() {
	var configPath, svcAction string
	pflag.StringVarP(&configPath, "config", "c", "", "Path to the configuration file")
	pflag.StringVar(&svcAction, "service", "", fmt.Sprintf("Control the system service %q", service.ControlAction))
	pflag.Parse()

	var logLevel slog.LevelVar
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: &logLevel}))

	if configPath == "" {
		logger.Error("no configuration file provided")
		pflag.Usage()
		os.Exit(1)
	}

	configPath, err := filepath.Abs(configPath)
	if err != nil {
		logger.Error(fmt.Sprintf("failed to resolve configuration path: %s", err.Error()))
		os.Exit(1)
	}

	config, err := app.LoadConfig(configPath)
	if err != nil {
		logger.Error(fmt.Sprintf("failed to load configuration file: %s", err.Error()), slog.String("path", configPath))
		os.Exit(1)
	}

	level, _ := config.Settings.Level() // validated by LoadConfig
	logLevel.Set(level)

	logger, closer := app.NewLogger(config.Settings, &logLevel)
	defer closer.Close()

	svcConfig := &service.Config{
		Name:        "harmonicd",
		DisplayName: "Transformer Harmonics Diagnostics",
		Description: "Analyzes transformer voltage and current waveforms for harmonic distortion",
		Arguments:   []string{"-c", configPath},
	}

	prg := &program{config: config, logger: logger}
	s, err := service.New(prg, svcConfig)
	if err != nil {
		logger.Error(fmt.Sprintf("failed to create service: %s", err.Error()))
		os.Exit(1)
	}

	if svcAction != "" {
		if err = service.Control(s, svcAction); err != nil {
			logger.Error(fmt.Sprintf("service %s: %s", svcAction, err.Error()), slog.Any("valid", service.ControlAction))
			os.Exit(1)
		}
		return
	}

	if err = s.Run(); err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
}
