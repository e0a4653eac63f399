// Command testplan runs a composite test-plan string describing
// several scenario clauses, each staggering its own population of
// virtual clients, against a push server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
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
		fmt.Fprintf(os.Stderr, "testplan: %v\n", err)
		return 1
	}

	testPlan := cfg.TestPlan
	if testPlan == "" && len(cfg.Positional) > 0 {
		testPlan = strings.Join(cfg.Positional, " ")
	}
	if testPlan == "" {
		fmt.Fprintln(os.Stderr, "testplan: missing test-plan string (positional argument or --test_plan)")
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "testplan: %v\n", err)
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
			a.Logger.Error("test plan run did not finish cleanly", zap.Error(err))
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

	a.Logger.Info("test plan exited cleanly")
	return 0
}
