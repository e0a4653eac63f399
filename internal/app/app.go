// Package app wires config, logging, transport, metrics, and the load
// runner together into one runnable unit shared by cmd/scenario and
// cmd/testplan — the same "cfg in, running thing out" shape as
// agent.NewAgent and supervisor.NewServer.
package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mozilla-services/autopush-loadtester/internal/config"
	"github.com/mozilla-services/autopush-loadtester/internal/harness"
	"github.com/mozilla-services/autopush-loadtester/internal/loadrunner"
	"github.com/mozilla-services/autopush-loadtester/internal/logging"
	"github.com/mozilla-services/autopush-loadtester/internal/metricsink"
	"github.com/mozilla-services/autopush-loadtester/internal/scenariolib"
	"github.com/mozilla-services/autopush-loadtester/internal/transport"
	"github.com/mozilla-services/autopush-loadtester/internal/vapid"
)

// App bundles the running load generator: a single Harness (every
// built-in scenario dials the same push server under the same TLS/VAPID
// identity) and the LoadRunner scheduling virtual clients onto it.
type App struct {
	Logger     *zap.Logger
	Sink       metricsink.Sink
	LoadRunner *loadrunner.LoadRunner
}

// Build constructs every collaborator from cfg but does not yet start
// scheduling any virtual clients.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	if err := logging.Init(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: cfg.LogOutput}); err != nil {
		return nil, fmt.Errorf("app: init logging: %w", err)
	}
	logger := logging.L()

	tlsPolicy := transport.TLSPolicy{
		CertPEMOrPath: cfg.EndpointSSLCert,
		KeyPEMOrPath:  cfg.EndpointSSLKey,
		InsecureSkip:  cfg.InsecureSkipTLS,
	}

	signer, err := buildSigner(cfg)
	if err != nil {
		return nil, err
	}

	notifier, err := transport.NewNotifier(tlsPolicy, signer)
	if err != nil {
		return nil, fmt.Errorf("app: build notifier: %w", err)
	}

	sink, err := buildSink(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := sink.Start(); err != nil {
		return nil, fmt.Errorf("app: start metrics sink: %w", err)
	}

	lr := loadrunner.New(ctx, loadrunner.Config{Logger: logger})

	h := harness.New(harness.Config{
		WSURL:     cfg.WSURL,
		Origin:    cfg.Origin,
		TLSPolicy: tlsPolicy,
		Notifier:  notifier,
		Sink:      sink,
		Spawner:   lr,
		Logger:    logger,
	})

	lr.SetRegistry(scenariolib.New())
	lr.SetHarnesses(map[string]*harness.Harness{"": h})

	return &App{Logger: logger, Sink: sink, LoadRunner: lr}, nil
}

func buildSigner(cfg *config.Config) (*vapid.Signer, error) {
	if cfg.VapidKey == "" {
		signer, err := vapid.Generate()
		if err != nil {
			return nil, fmt.Errorf("app: generate vapid key: %w", err)
		}
		return signer, nil
	}
	signer, err := vapid.Load(cfg.VapidKey)
	if err != nil {
		return nil, fmt.Errorf("app: load vapid key: %w", err)
	}
	return signer, nil
}

func buildSink(cfg *config.Config, logger *zap.Logger) (metricsink.Sink, error) {
	var sinks []metricsink.Sink
	if cfg.StatsDHost != "" {
		sinks = append(sinks, metricsink.NewStatsD(cfg.StatsDHost, cfg.StatsDPort, "pushload", logger))
	}
	if cfg.DatadogAPIKey != "" {
		interval := time.Duration(cfg.DatadogFlushInterval * float64(time.Second))
		sinks = append(sinks, metricsink.NewDatadog(cfg.DatadogAPIKey, interval, nil, logger))
	}
	if cfg.MetricsAddr != "" {
		sinks = append(sinks, metricsink.NewPrometheus(cfg.MetricsAddr))
	}
	switch len(sinks) {
	case 0:
		return metricsink.Noop{}, nil
	case 1:
		return sinks[0], nil
	default:
		return metricsink.Multi{Sinks: sinks}, nil
	}
}

// Wait blocks until every scheduled virtual client has finished, polling
// at a fixed interval — there is no channel-based completion signal
// because LoadRunner's processor count is driven from many goroutines.
func (a *App) Wait(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if a.LoadRunner.Finished() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Shutdown stops the load runner and the metrics sink, in that order so
// no in-flight counter/timer call reaches a sink that has already closed
// its transport.
func (a *App) Shutdown(ctx context.Context) error {
	err := a.LoadRunner.Shutdown(ctx)
	if sinkErr := a.Sink.Stop(); sinkErr != nil && err == nil {
		err = sinkErr
	}
	return err
}
