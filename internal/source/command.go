package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/roman-kulish/transformer-harmonics/internal/waveform"
)

const (
	// ParseErrorsThreshold defines the number of consecutive parse errors allowed
	ParseErrorsThreshold = 5

	// maxLineSize fits a payload of a few thousand samples per channel
	maxLineSize = 4 << 20
)

var (
	// ErrTooManyParseErrors is returned when the number of consecutive parse errors exceeds the threshold
	ErrTooManyParseErrors = errors.New("too many consecutive parse errors")

	// ErrBrokenPipe is returned when there's an error reading from stdout or stderr
	ErrBrokenPipe = errors.New("broken pipe")

	// ErrAlreadyRunning is returned by Start when the command is running
	ErrAlreadyRunning = errors.New("command is already running")
)

// PairObserver is notified about every line read from the command.
type PairObserver interface {
	PairAccepted()
	PairRejected(reason string)
}

// WithCommandLogger sets the logger for the command
func WithCommandLogger(logger *slog.Logger) func(*Command) {
	return func(c *Command) {
		c.logger = logger.With(slog.String("command", c.path))
	}
}

// WithParseErrorsThreshold sets the threshold for consecutive parse errors. Zero
// keeps the default.
func WithParseErrorsThreshold(threshold uint8) func(*Command) {
	return func(c *Command) {
		if threshold > 0 {
			c.parseErrorsThreshold = threshold
		}
	}
}

// WithDecodeOptions sets the sample rate and count payload lines are decoded with
func WithDecodeOptions(opts waveform.DecodeOptions) func(*Command) {
	return func(c *Command) {
		c.decode = opts
	}
}

// WithObserver sets the observer of accepted and rejected lines
func WithObserver(o PairObserver) func(*Command) {
	return func(c *Command) {
		c.observer = o
	}
}

// Command runs an external program which writes one JSON payload per line to its
// standard output, e.g. a serial port bridge to the sensor. Every valid line is
// published to the slot; the slot is disconnected when the program exits.
type Command struct {
	path string
	args []string

	decode   waveform.DecodeOptions
	observer PairObserver

	isRunning atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	parseErrorsThreshold uint8
	logger               *slog.Logger
}

// NewCommand locates the program in PATH and creates a Command with a discard logger
func NewCommand(name string, args []string, options ...func(*Command)) (*Command, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return nil, fmt.Errorf("error finding '%s': %w", name, err)
	}

	c := Command{
		path:                 path,
		args:                 args,
		parseErrorsThreshold: ParseErrorsThreshold,
		logger:               slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&c)
	}

	return &c, nil
}

// Start runs the command and publishes the pairs it produces to slot. The returned
// channel receives the reason the command stopped, if any, and is closed afterwards.
func (c *Command) Start(ctx context.Context, slot *Slot) (<-chan error, error) {
	if !c.isRunning.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}

	ctx, c.cancel = context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, c.path, c.args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		c.isRunning.Store(false)
		return nil, fmt.Errorf("error creating stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		c.isRunning.Store(false)
		return nil, fmt.Errorf("error creating stderr pipe: %w", err)
	}

	if err = cmd.Start(); err != nil {
		c.isRunning.Store(false)
		return nil, fmt.Errorf("error starting command: %w", err)
	}

	stopped := make(chan error, 1)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(stopped)

		c.logger.Info("reading sample pairs...")

		// stdout and stderr must be drained before Wait closes the pipes
		readers := make(chan error, 2)
		go c.handleStdout(stdout, slot, readers)
		go c.handleStderr(stderr, readers)

		var errs []error
		for i := 0; i < cap(readers); i++ {
			if err := <-readers; err != nil {
				c.cancel()
				errs = append(errs, err)
			}
		}

		if err := cmd.Wait(); err != nil && ctx.Err() == nil {
			errs = append(errs, fmt.Errorf("command exited with error: %w", err))
		}

		slot.Disconnect()
		c.isRunning.Store(false)
		c.logger.Info("command stopped")

		if len(errs) > 0 {
			err := errors.Join(errs...)
			c.logger.Error(err.Error())
			stopped <- err
		}
	}()

	return stopped, nil
}

// Stop cancels the command and waits for it to exit.
func (c *Command) Stop() {
	if !c.isRunning.Load() {
		return
	}

	c.cancel()
	c.wg.Wait()
}

// IsRunning returns true while the command is running
func (c *Command) IsRunning() bool {
	return c.isRunning.Load()
}

func (c *Command) handleStdout(stdout io.Reader, slot *Slot, done chan<- error) {
	var parseErrors uint8

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		pair, err := waveform.ParsePayload(line, c.decode)
		if err != nil {
			parseErrors++
			c.logger.Warn(fmt.Sprintf("error parsing payload: %s", err.Error()))
			if c.observer != nil {
				c.observer.PairRejected("malformed")
			}

			if parseErrors >= c.parseErrorsThreshold {
				done <- ErrTooManyParseErrors
				return
			}

			continue
		}

		parseErrors = 0
		if err = slot.Publish(pair); err != nil {
			c.logger.Warn(fmt.Sprintf("error publishing pair: %s", err.Error()))
			continue
		}
		if c.observer != nil {
			c.observer.PairAccepted()
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, fs.ErrClosed) {
		done <- fmt.Errorf("%w: error reading stdout: %w", ErrBrokenPipe, err)
		return
	}

	done <- nil
}

func (c *Command) handleStderr(stderr io.Reader, done chan<- error) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		c.logger.Warn(fmt.Sprintf("stderr >> %s", line))
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, fs.ErrClosed) {
		done <- fmt.Errorf("%w: error reading stderr: %w", ErrBrokenPipe, err)
		return
	}

	done <- nil
}
