package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/javanstorm/devtray/internal/timing"
	"github.com/javanstorm/devtray/internal/version"
)

// closeTimeout bounds the stop request made while exiting.
const closeTimeout = 30 * time.Second

var (
	runStart      []string
	runDryRun     bool
	runStopOnExit bool
	runTiming     bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run devtray in the foreground",
	Long: `Register the configured servers and serve the control API until
interrupted.

The first configured server becomes the active one, unless another one was
active when devtray last exited. Servers named with --start are started
right away.

On exit you are asked whether a running active server should be stopped.
Use --stop-on-exit to answer without a prompt. Set DEVTRAY_TIMING=1 or pass
--timing to see how long startup took.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringSliceVarP(&runStart, "start", "r", nil, "servers to start once registered (name or machine)")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "use an in-memory provider instead of VirtualBox")
	runCmd.Flags().BoolVar(&runStopOnExit, "stop-on-exit", false, "stop the running active server on exit without asking")
	runCmd.Flags().BoolVar(&runTiming, "timing", false, "print a startup timing report")
}

func runRun(cmd *cobra.Command, args []string) error {
	if err := checkStartNames(cfg, runStart); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var answer *bool
	if cmd.Flags().Changed("stop-on-exit") {
		answer = &runStopOnExit
	}

	timer := timing.New()
	a, err := newApp(ctx, cfg, appOptions{
		DryRun:    runDryRun,
		Confirmer: confirmerFor(answer, os.Stdin, cmd.ErrOrStderr()),
		Log:       cmd.ErrOrStderr(),
		Timer:     timer,
	})
	if err != nil {
		return err
	}
	a.logger.Info(version.String())
	if cfgUsed != "" {
		a.logger.Info("loaded configuration", "file", cfgUsed)
	}

	return a.run(ctx, runStart, timingOut(cmd.ErrOrStderr()))
}

// timingOut returns where the startup report goes, or nil when it is off.
func timingOut(w io.Writer) io.Writer {
	if runTiming || os.Getenv("DEVTRAY_TIMING") == "1" {
		return w
	}
	return nil
}

// run serves the API and starts the named servers, then shuts the app
// down once ctx is done or the API fails.
func (a *app) run(ctx context.Context, start []string, report io.Writer) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.serve(gctx)
	})
	g.Go(func() error {
		err := a.timer.Track("start", func() error {
			return a.orch.StartServers(gctx, start)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			// Start failures have been reported as notifications.
			a.logger.Warn("starting servers", "err", err)
		}
		if report != nil {
			a.timer.Report(report)
		} else {
			a.timer.Log(a.logger)
		}
		if active := a.orch.Active(); active != nil {
			a.logger.Info("devtray is ready", "active", active.Name(), "addr", a.server.Addr())
		} else {
			a.logger.Info("devtray is ready", "addr", a.server.Addr())
		}
		return nil
	})

	err := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	a.shutdown(closeCtx, true)

	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("control API: %w", err)
	}
	return nil
}
