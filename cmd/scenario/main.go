// Command scenario runs one named scenario as one or more virtual
// clients against a push server, for ad-hoc exercising of a single
// behavior without authoring a full test plan.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mozilla-services/autopush-loadtester/internal/app"
	"github.com/mozilla-services/autopush-loadtester/internal/config"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Parse(os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "scenario: %v\n", err)
		return 1
	}
	if len(cfg.Positional) < 1 {
		fmt.Fprintln(os.Stderr, "scenario: missing module:function positional argument")
		return 1
	}
	modFunc := cfg.Positional[0]
	testPlan := buildTestPlan(modFunc, cfg.Quantity, cfg.Stagger, cfg.Delay, cfg.Positional[1:])

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "scenario: %v\n", err)
		return 1
	}
	defer a.Logger.Sync()

	if err := a.LoadRunner.Run(testPlan); err != nil {
		a.Logger.Error("failed to start test plan", zap.Error(err))
		return 1
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	doneCh := make(chan error, 1)
	go func() { doneCh <- a.Wait(ctx) }()

	select {
	case err := <-doneCh:
		if err != nil {
			a.Logger.Error("scenario run did not finish cleanly", zap.Error(err))
			return 2
		}
	case sig := <-sigChan:
		a.Logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		a.Logger.Error("error during shutdown", zap.Error(err))
		return 2
	}

	a.Logger.Info("scenario exited cleanly")
	return 0
}

func buildTestPlan(modFunc string, quantity int, stagger, delay float64, extraArgs []string) string {
	fields := []string{modFunc, strconv.Itoa(quantity), formatFloat(stagger), formatFloat(delay)}
	fields = append(fields, extraArgs...)
	return strings.Join(fields, ", ")
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
