package brokerkit

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// GracefulShutdownOptions configures SetupGracefulShutdown.
type GracefulShutdownOptions struct {
	// Orchestrator is invoked on SIGTERM/SIGINT.
	Orchestrator *ShutdownOrchestrator

	// Timeout bounds how long the orchestrated shutdown is given to drain.
	Timeout time.Duration

	// ExitProcess calls os.Exit with ExitCode once the shutdown returns,
	// whether or not the orchestrator reported an error.
	ExitProcess bool
	ExitCode    int
}

// SetupGracefulShutdown registers SIGTERM/SIGINT handlers that invoke
// opts.Orchestrator.Shutdown, mirroring the single signal-handling precedent
// in the retrieved corpus (sheurich-boulder's catchSignals). Returns a
// deregistration func the caller can invoke to stop listening early.
func SetupGracefulShutdown(opts GracefulShutdownOptions) func() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig, ok := <-sigChan
		if !ok {
			return
		}
		slog.Info("brokerkit: caught signal, shutting down", "signal", sig.String())

		if opts.Orchestrator != nil {
			var shutdownOpts ShutdownOptions
			if opts.Timeout > 0 {
				t := opts.Timeout
				shutdownOpts.Timeout = &t
			}
			_, err := opts.Orchestrator.Shutdown(shutdownOpts)
			if err != nil {
				slog.Error("brokerkit: shutdown callback failed", "error", err)
			}
		}

		signal.Stop(sigChan)

		if opts.ExitProcess {
			os.Exit(opts.ExitCode)
		}
	}()

	return func() {
		signal.Stop(sigChan)
		close(sigChan)
	}
}
