package requestctx

import (
	"context"

	"go.uber.org/zap"
)

type contextKey string

const (
	loggerKey   contextKey = "fulfillment/requestctx/logger"
	traceKey    contextKey = "fulfillment/requestctx/trace"
	deliveryKey contextKey = "fulfillment/requestctx/delivery"
)

var noopLogger = zap.NewNop()

// TraceInfo carries the Cloud Trace identifiers of the inbound request.
type TraceInfo struct {
	TraceID   string
	SpanID    string
	Sampled   bool
	ProjectID string
}

// Delivery identifies the inbound unit of work (webhook delivery or job run) for log correlation.
type Delivery struct {
	Source string
	ID     string
}

// WithLogger stores logger on ctx. A nil logger stores the shared no-op logger.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = noopLogger
	}
	return context.WithValue(ctx, loggerKey, logger)
}

// Logger returns the request logger or a no-op logger.
func Logger(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return noopLogger
	}
	if logger, ok := ctx.Value(loggerKey).(*zap.Logger); ok && logger != nil {
		return logger
	}
	return noopLogger
}

// NoopLogger exposes the shared no-op logger.
func NoopLogger() *zap.Logger { return noopLogger }

// WithTrace stores trace metadata on ctx.
func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, traceKey, info)
}

// Trace returns the trace metadata stored on ctx.
func Trace(ctx context.Context) (TraceInfo, bool) {
	if ctx == nil {
		return TraceInfo{}, false
	}
	info, ok := ctx.Value(traceKey).(TraceInfo)
	return info, ok
}

// TraceID returns the trace identifier or an empty string.
func TraceID(ctx context.Context) string {
	info, _ := Trace(ctx)
	return info.TraceID
}

// WithDelivery tags ctx with the delivery being processed and enriches the logger with it.
func WithDelivery(ctx context.Context, delivery Delivery) context.Context {
	ctx = context.WithValue(ctx, deliveryKey, delivery)
	logger := Logger(ctx).With(zap.String("delivery_source", delivery.Source))
	if delivery.ID != "" {
		logger = logger.With(zap.String("delivery_id", delivery.ID))
	}
	return WithLogger(ctx, logger)
}

// DeliveryFrom returns the delivery stored on ctx.
func DeliveryFrom(ctx context.Context) (Delivery, bool) {
	if ctx == nil {
		return Delivery{}, false
	}
	delivery, ok := ctx.Value(deliveryKey).(Delivery)
	return delivery, ok
}
