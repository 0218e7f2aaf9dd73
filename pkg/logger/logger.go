package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// New returns a production-friendly structured logger.
// No business logic should depend on logging implementation details.
func New(appEnv string) *slog.Logger {
	return NewWithOptions(Options{Env: appEnv})
}

// Options select the handler. The API always logs JSON to stdout; the agent
// CLI may ask for text on stderr.
type Options struct {
	Env string
	// Format is "json" (default) or "text".
	Format string
	// Level overrides the env-derived level when set (debug, info, warn, error).
	Level string
	// Output defaults to os.Stdout.
	Output io.Writer
}

func NewWithOptions(o Options) *slog.Logger {
	level := slog.LevelInfo
	if o.Env == "local" || o.Env == "dev" {
		level = slog.LevelDebug
	}
	if o.Level != "" {
		_ = level.UnmarshalText([]byte(strings.ToUpper(o.Level)))
	}
	w := o.Output
	if w == nil {
		w = os.Stdout
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if o.Format == "text" {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h)
}

type ctxKey struct{}

// With stores a logger in context.
func With(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// From gets a logger from context, falling back to slog.Default().
func From(ctx context.Context) *slog.Logger {
	if v := ctx.Value(ctxKey{}); v != nil {
		if l, ok := v.(*slog.Logger); ok && l != nil {
			return l
		}
	}
	return slog.Default()
}
