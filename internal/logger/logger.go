// Package logger builds the service's zerolog logger and carries request-scoped
// fields (request id, image, cache outcome) through context.Context.
package logger

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Console bool
	// SampleN keeps one of every N events; 0 or 1 keeps all.
	SampleN   int
	Component string
	Service   string
}

type field string

const (
	fieldRequestID field = "request_id"
	fieldComponent field = "component"
	fieldImage     field = "image"
	fieldCache     field = "cache"
)

// contextFields is the order context values are written to a log line.
var contextFields = []field{fieldRequestID, fieldComponent, fieldImage, fieldCache}

func with(ctx context.Context, f field, v string) context.Context {
	if v == "" {
		return ctx
	}
	return context.WithValue(ctx, f, v)
}

// WithRequestID tags ctx with reqID, or a fresh id when reqID is empty.
func WithRequestID(ctx context.Context, reqID string) context.Context {
	if reqID == "" {
		reqID = NewID()
	}
	return with(ctx, fieldRequestID, reqID)
}

// WithCacheOutcome tags later log lines with the cutout cache outcome (hit, miss).
func WithCacheOutcome(ctx context.Context, outcome string) context.Context {
	return with(ctx, fieldCache, outcome)
}

// WithImage tags later log lines with the source image path.
func WithImage(ctx context.Context, path string) context.Context {
	return with(ctx, fieldImage, path)
}

func WithComponent(ctx context.Context, component string) context.Context {
	return with(ctx, fieldComponent, component)
}

func RequestID(ctx context.Context) string {
	s, _ := ctx.Value(fieldRequestID).(string)
	return s
}

func NewID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

func parseLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// Build returns the process logger writing JSON lines to out (stdout when nil).
// It sets zerolog's global level and field names.
func Build(cfg Config, out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stdout
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.TimestampFieldName = "timestamp"
	zerolog.LevelFieldName = "level"
	zerolog.MessageFieldName = "msg"
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	if cfg.Console {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	zl := zerolog.New(out)
	if cfg.SampleN > 1 {
		zl = zl.Sample(&zerolog.BasicSampler{N: uint32(min(cfg.SampleN, math.MaxUint32))})
	}

	c := zl.With().Timestamp()
	if cfg.Service != "" {
		c = c.Str("service", cfg.Service)
	}
	if cfg.Component != "" {
		c = c.Str("component", cfg.Component)
	}
	return c.Logger()
}

// FromContext returns a child of parent carrying the fields stored in ctx. A nil
// parent discards everything.
func FromContext(ctx context.Context, parent *zerolog.Logger) *zerolog.Logger {
	base := zerolog.Nop()
	if parent != nil {
		base = *parent
	}
	w := base.With()
	for _, f := range contextFields {
		if s, ok := ctx.Value(f).(string); ok && s != "" {
			w = w.Str(string(f), s)
		}
	}
	l := w.Logger()
	return &l
}
