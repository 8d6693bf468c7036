package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/docchat/api/internal/config"
)

// New creates a zerolog logger from config.
// Levels: trace | debug | info | warn | error. Formats: json | console.
func New(cfg config.LogConfig, dev bool) zerolog.Logger {
	return newWithWriter(cfg, dev, os.Stdout)
}

func newWithWriter(cfg config.LogConfig, dev bool, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	out := w
	if strings.EqualFold(cfg.Format, "console") || dev {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	base := zerolog.New(out).Level(level).With().Timestamp().Str("service", cfg.Service).Logger()

	if cfg.Sampling && !dev {
		// keep the first 100 events, then 1 in 100
		return base.Sample(&zerolog.BasicSampler{N: 100})
	}
	return base
}

type ctxKey string

const (
	ctxRequestID ctxKey = "request_id"
	ctxUserID    ctxKey = "user_id"
	ctxJobID     ctxKey = "job_id"
)

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxRequestID, id)
}

func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxUserID, id)
}

func WithJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxJobID, id)
}

// With returns base enriched with any IDs carried by ctx.
func With(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	l := base.With()
	if v, ok := ctx.Value(ctxRequestID).(string); ok && v != "" {
		l = l.Str("http_request_id", v)
	}
	if v, ok := ctx.Value(ctxUserID).(string); ok && v != "" {
		l = l.Str("user_id", v)
	}
	if v, ok := ctx.Value(ctxJobID).(string); ok && v != "" {
		l = l.Str("job_id", v)
	}
	return l.Logger()
}

// TraceDuration logs start and finish with elapsed time at TRACE level.
// Usage: defer logging.TraceDuration(log, "Monitor.Watch")()
func TraceDuration(log zerolog.Logger, name string) func() {
	start := time.Now()
	log.Trace().Str("method", name).Msg("start")
	return func() {
		log.Trace().Str("method", name).Dur("duration", time.Since(start)).Msg("finish")
	}
}
