// Package logging builds the service logger and carries a request scoped
// entry through context.Context so every hop logs the same request id.
package logging

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type ctxKey struct{}

// New creates a logger writing to stderr. Unknown levels fall back to info.
func New(level, format string) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	lvl, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	if strings.EqualFold(format, "json") {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return l
}

// Discard returns a logger that drops everything.
func Discard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// WithEntry stores entry in ctx.
func WithEntry(ctx context.Context, entry *logrus.Entry) context.Context {
	return context.WithValue(ctx, ctxKey{}, entry)
}

// WithRequestID derives a request scoped entry from the one already in ctx
// (or from logger when ctx has none). An empty id gets a fresh uuid.
func WithRequestID(ctx context.Context, logger *logrus.Logger, id string) context.Context {
	if id == "" {
		id = uuid.NewString()
	}
	base, ok := ctx.Value(ctxKey{}).(*logrus.Entry)
	if !ok || base == nil {
		if logger == nil {
			logger = logrus.StandardLogger()
		}
		base = logrus.NewEntry(logger)
	}
	return WithEntry(ctx, base.WithField("request_id", id))
}

// From returns the entry carried by ctx, or one on the standard logger.
func From(ctx context.Context) *logrus.Entry {
	if ctx != nil {
		if e, ok := ctx.Value(ctxKey{}).(*logrus.Entry); ok && e != nil {
			return e
		}
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

// RequestID returns the request id carried by ctx, if any.
func RequestID(ctx context.Context) string {
	if v, ok := From(ctx).Data["request_id"].(string); ok {
		return v
	}
	return ""
}

// Detach keeps the logging entry of ctx but drops its cancellation, for
// background work started on behalf of a request.
func Detach(ctx context.Context) context.Context {
	return WithEntry(context.Background(), From(ctx))
}
