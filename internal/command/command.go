// Package command runs named command lines in the background with a
// deadline and captures their output.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/javanstorm/devtray/internal/console"
)

// Defaults for New.
const (
	DefaultTimeout = 60 * time.Second
	DefaultWorkers = 4
	DefaultQueue   = 32
)

// waitDelay bounds how long output pipes are drained after a kill.
const waitDelay = 2 * time.Second

// Runner errors.
var (
	ErrTimeout   = errors.New("command: deadline exceeded")
	ErrClosed    = errors.New("command: runner closed")
	ErrQueueFull = errors.New("command: queue full")
)

// ExitError reports a command that exited with a nonzero status.
type ExitError struct {
	Code   int
	Output string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit code: %d", e.Code)
}

// Result is the outcome of one command.
type Result struct {
	Name     string
	Output   string
	Duration time.Duration
	Err      error
}

// Job is a command queued on a Runner.
type Job struct {
	Name        string
	CommandLine string
	// Done receives the result on the worker goroutine.
	Done func(Result)
}

// Options configures a Runner.
type Options struct {
	Workers int
	Queue   int
	Timeout time.Duration
	Logger  *log.Logger
}

// Runner executes jobs on a fixed pool of workers.
type Runner struct {
	timeout time.Duration
	logger  *log.Logger
	jobs    chan Job

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// New starts a runner. Zero options select the defaults.
func New(opts Options) *Runner {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Queue <= 0 {
		opts.Queue = DefaultQueue
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard)
	}

	r := &Runner{
		timeout: opts.Timeout,
		logger:  opts.Logger,
		jobs:    make(chan Job, opts.Queue),
	}
	for i := 0; i < opts.Workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

// Timeout returns the per-command deadline.
func (r *Runner) Timeout() time.Duration {
	return r.timeout
}

// Submit queues a job without blocking.
func (r *Runner) Submit(job Job) error {
	if _, err := console.SplitCommand(job.CommandLine); err != nil {
		return err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrClosed
	}
	select {
	case r.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting jobs and waits for queued ones to finish.
func (r *Runner) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.jobs)
	r.mu.Unlock()

	r.wg.Wait()
	return nil
}

func (r *Runner) worker() {
	defer r.wg.Done()
	for job := range r.jobs {
		res := r.Run(context.Background(), job.Name, job.CommandLine)
		if job.Done != nil {
			job.Done(res)
		}
	}
}

// Run executes commandLine synchronously with the runner's deadline.
// Standard output and standard error are captured together.
func (r *Runner) Run(ctx context.Context, name, commandLine string) Result {
	res := Result{Name: name}
	start := time.Now()

	argv, err := console.SplitCommand(commandLine)
	if err != nil {
		res.Err = err
		return res
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.WaitDelay = waitDelay

	err = cmd.Run()
	res.Output = strings.TrimSpace(out.String())
	res.Duration = time.Since(start)

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.Err = fmt.Errorf("%w after %v", ErrTimeout, r.timeout)
	case errors.As(err, &exitErr):
		res.Err = &ExitError{Code: exitErr.ExitCode(), Output: res.Output}
	default:
		res.Err = fmt.Errorf("start %s: %w", argv[0], err)
	}

	r.logger.Debug("command finished", "name", name, "duration", res.Duration, "err", res.Err)
	return res
}
