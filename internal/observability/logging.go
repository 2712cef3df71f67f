package observability

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/cybersharkvin/llmitm-v2-sub002/internal/config"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/contextkeys"
)

// NewLogger builds the process logger from logging config: text or JSON
// handler at the configured level, sensitive values redacted, and run,
// phase, and trace identifiers stamped from the context on the *Context
// logging calls.
func NewLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       ParseLevel(cfg.Level),
		ReplaceAttr: redactAttr,
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(contextHandler{handler})
}

// ParseLevel maps a config level string to a slog level. Unknown values
// fall back to info rather than failing the whole CLI over a typo.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// contextHandler decorates records with the run id and phase the
// controller put on the context, plus OpenTelemetry trace correlation
// when a sampled span is active.
type contextHandler struct {
	slog.Handler
}

func (h contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if runID := contextkeys.GetRunID(ctx); runID != "" {
		r.AddAttrs(slog.String("run_id", runID))
	}
	if phase := contextkeys.GetPhase(ctx); phase != "" {
		r.AddAttrs(slog.String("phase", phase))
	}
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return h.Handler.Handle(ctx, r)
}

func (h contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return contextHandler{h.Handler.WithAttrs(attrs)}
}

func (h contextHandler) WithGroup(name string) slog.Handler {
	return contextHandler{h.Handler.WithGroup(name)}
}

// sensitiveKeys names attribute keys whose values never belong in logs,
// compared with underscores stripped so api_key and apikey both match.
var sensitiveKeys = map[string]bool{
	"apikey":        true,
	"authorization": true,
	"cookie":        true,
	"credential":    true,
	"password":      true,
	"secret":        true,
	"token":         true,
}

func redactAttr(_ []string, a slog.Attr) slog.Attr {
	key := strings.ToLower(strings.ReplaceAll(a.Key, "_", ""))
	if sensitiveKeys[key] {
		a.Value = slog.StringValue("[REDACTED]")
	}
	return a
}
