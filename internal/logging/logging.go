// Package logging builds the zap logger shared by both binaries and
// carries the per-driver correlation ID through a context.Context, the
// same role aplt/logobserver.py's module-level "has logging started"
// latch and shared/logging.go's correlation-ID helpers play in the
// teacher and the original source respectively.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey string

const driverIDKey contextKey = "driver_id"

// WithDriverID attaches a driver's correlation ID to ctx.
func WithDriverID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, driverIDKey, id)
}

// DriverID reads the correlation ID from ctx, generating one if absent
// so a log line is never emitted without one.
func DriverID(ctx context.Context) string {
	if id, ok := ctx.Value(driverIDKey).(string); ok && id != "" {
		return id
	}
	return uuid.New().String()
}

// Options configures New. Format is "json" (default) or "human"
// (console-formatted, for interactive runs). Output is "stdout"
// (default), "none" (discard), "buffer" (write into Buffer, for tests),
// or a filesystem path.
type Options struct {
	Level  string
	Format string
	Output string
	Buffer io.Writer
}

// New builds a standalone logger from opts.
func New(opts Options) (*zap.Logger, error) {
	encoder, err := buildEncoder(opts.Format)
	if err != nil {
		return nil, err
	}
	writer, err := buildWriter(opts.Output, opts.Buffer)
	if err != nil {
		return nil, err
	}
	core := zapcore.NewCore(encoder, writer, zap.NewAtomicLevelAt(parseLevel(opts.Level)))
	return zap.New(core), nil
}

func buildEncoder(format string) (zapcore.Encoder, error) {
	switch strings.ToLower(format) {
	case "", "json":
		cfg := zap.NewProductionEncoderConfig()
		cfg.TimeKey = "ts"
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		return zapcore.NewJSONEncoder(cfg), nil
	case "human":
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(cfg), nil
	default:
		return nil, fmt.Errorf("logging: unknown format %q", format)
	}
}

func buildWriter(output string, buffer io.Writer) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(output) {
	case "", "stdout":
		return zapcore.AddSync(os.Stdout), nil
	case "none":
		return zapcore.AddSync(io.Discard), nil
	case "buffer":
		if buffer == nil {
			return nil, fmt.Errorf("logging: output \"buffer\" requires Options.Buffer")
		}
		return zapcore.AddSync(buffer), nil
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("logging: open output %q: %w", output, err)
		}
		return zapcore.AddSync(f), nil
	}
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

var (
	initOnce sync.Once
	global   *zap.Logger
)

// Init builds the process-wide logger exactly once; later calls are
// no-ops, matching aplt/logobserver.py's guard against starting the log
// observer twice.
func Init(opts Options) error {
	var err error
	initOnce.Do(func() {
		global, err = New(opts)
	})
	return err
}

// L returns the process-wide logger, or a no-op logger if Init was
// never called.
func L() *zap.Logger {
	if global == nil {
		return zap.NewNop()
	}
	return global
}
