package observability

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hanko-field/fulfillment/internal/platform/requestctx"
)

// NewLogger builds a JSON logger whose keys match Cloud Logging's structured payload.
func NewLogger(level string) (*zap.Logger, error) {
	atomic := zap.NewAtomicLevel()
	if err := atomic.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil || strings.TrimSpace(level) == "" {
		atomic.SetLevel(zapcore.InfoLevel)
	}

	cfg := zap.Config{
		Level:    atomic,
		Encoding: "json",
		EncoderConfig: zapcore.EncoderConfig{
			MessageKey:    "message",
			TimeKey:       "timestamp",
			LevelKey:      "severity",
			CallerKey:     "caller",
			StacktraceKey: "stacktrace",
			EncodeTime:    zapcore.RFC3339NanoTimeEncoder,
			EncodeCaller:  zapcore.ShortCallerEncoder,
			EncodeLevel: func(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
				enc.AppendString(strings.ToUpper(l.String()))
			},
		},
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: true,
	}
	return cfg.Build()
}

// EventLogger records a named domain event with structured fields. Services depend on this
// function type rather than on zap so tests can capture events directly.
type EventLogger func(ctx context.Context, event string, fields map[string]any)

// NewEventLogger adapts zap to EventLogger. The request logger on ctx is preferred over base.
// The level is derived from the event name: *.failed and *.error log at error, *.rejected,
// *.invalid, *.skipped and *.busy at warn, everything else at info.
func NewEventLogger(base *zap.Logger) EventLogger {
	if base == nil {
		base = zap.NewNop()
	}
	return func(ctx context.Context, event string, fields map[string]any) {
		logger := requestctx.Logger(ctx)
		if logger == requestctx.NoopLogger() {
			logger = base
		}
		zapFields := make([]zap.Field, 0, len(fields)+1)
		zapFields = append(zapFields, zap.String("event", event))
		keys := make([]string, 0, len(fields))
		for key := range fields {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			switch value := fields[key].(type) {
			case error:
				zapFields = append(zapFields, zap.NamedError(key, value))
			default:
				zapFields = append(zapFields, zap.Any(key, value))
			}
		}
		if ce := logger.Check(eventLevel(event), event); ce != nil {
			ce.Write(zapFields...)
		}
	}
}

// NopEventLogger discards events.
func NopEventLogger(context.Context, string, map[string]any) {}

func eventLevel(event string) zapcore.Level {
	suffix := event
	if idx := strings.LastIndex(event, "."); idx >= 0 {
		suffix = event[idx+1:]
	}
	switch suffix {
	case "failed", "error", "exhausted":
		return zapcore.ErrorLevel
	case "rejected", "invalid", "skipped", "busy", "unknown":
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}
