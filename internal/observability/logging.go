package observability

import (
	"context"
	"maps"
	"slices"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/complement/internal/config"
	"github.com/pitabwire/complement/model"
)

const serviceName = "complement"

type loggerKey struct{}

// NewLogger builds the JSON logger written to stdout. An unknown level falls
// back to info.
//
// Levels: error for failed ledger writes and event recording, warn for
// segment fail-closed and lease release problems, info for request lines and
// transitions, debug for ledger payloads and replayed steps.
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "timestamp"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeDuration = zapcore.MillisDurationEncoder

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig = enc
	zcfg.InitialFields = map[string]any{"service": serviceName}
	return zcfg.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the context logger, or fallback when there is none.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger tags the context logger with the acting user and the trace.
// Ledger work detached from the HTTP request keeps the trace id through the
// active span even when the caller's RequestContext is gone.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	var fields []zap.Field
	traceID := TraceIDFromContext(ctx)
	if rctx := model.RequestContextFrom(ctx); rctx != nil {
		fields = append(fields,
			zap.Int64("user_id", rctx.UserID),
			zap.String("role", rctx.Role.String()),
		)
		if rctx.CorrelationID != "" {
			fields = append(fields, zap.String("correlation_id", rctx.CorrelationID))
		}
		if rctx.TraceID != "" {
			traceID = rctx.TraceID
		}
	}
	if traceID != "" {
		fields = append(fields, zap.String("trace_id", traceID))
	}
	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}

// LedgerBody logs a ledger request body with nested references such as
// {"lpu": {"id": 9}} flattened to dotted keys, in key order.
func LedgerBody(payload map[string]any) zap.Field {
	return zap.Object("body", zapcore.ObjectMarshalerFunc(func(enc zapcore.ObjectEncoder) error {
		flat := make(map[string]any, len(payload))
		flattenInto(flat, "", payload)
		for _, k := range slices.Sorted(maps.Keys(flat)) {
			if err := enc.AddReflected(k, flat[k]); err != nil {
				return err
			}
		}
		return nil
	}))
}

func flattenInto(dst map[string]any, prefix string, src map[string]any) {
	for k, v := range src {
		if prefix != "" {
			k = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			flattenInto(dst, k, nested)
			continue
		}
		dst[k] = v
	}
}
