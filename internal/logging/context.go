package logging

import (
	"context"
	"log/slog"
)

// contextKey provides type safety for context keys to prevent collisions
type contextKey string

const (
	transactionIDKey contextKey = "transaction_id"
	loggerKey        contextKey = "logger"
)

// WithTransactionID tags ctx with the ID of one SMTP DATA transaction.
func WithTransactionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, transactionIDKey, id)
}

// TransactionID retrieves the transaction ID from the context
func TransactionID(ctx context.Context) string {
	if id, ok := ctx.Value(transactionIDKey).(string); ok {
		return id
	}
	return ""
}

// WithLogger adds a structured logger to the context
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext returns the logger stored in ctx, or fallback when there is
// none. A transaction ID in ctx is attached to the result.
func FromContext(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	logger := fallback
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		logger = l
	}
	if logger == nil {
		logger = slog.Default()
	}
	if id := TransactionID(ctx); id != "" {
		logger = logger.With("transaction_id", id)
	}
	return logger
}
