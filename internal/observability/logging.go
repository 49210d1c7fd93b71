package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// Logger is the runtime's structured logger. It wraps slog with two
// behaviors every call site gets for free: per-run correlation fields
// pulled from the context's RunScope, and redaction of credentials and
// oversized image payloads before a record reaches the handler.
type Logger struct {
	base *slog.Logger
}

// LogConfig configures a Logger.
type LogConfig struct {
	// Level is the minimum level: "debug", "info", "warn", "error".
	// Anything unrecognized means "info".
	Level string

	// Format is "json" (default) or "text".
	Format string

	// Output defaults to os.Stderr, keeping log records off the
	// interactive terminal's stdout stream.
	Output io.Writer

	// AddSource includes file:line in records.
	AddSource bool
}

// RunScope carries the correlation fields for one agent run. It is
// stored in the context once, at the top of Run, so every log record
// emitted underneath — provider calls, tool executions, compactions —
// lands with the same identifiers without threading them by hand.
type RunScope struct {
	RunID     string
	SessionID string
	Target    string
	Provider  string
}

type runScopeKey struct{}

// WithRunScope stores scope in the context.
func WithRunScope(ctx context.Context, scope RunScope) context.Context {
	return context.WithValue(ctx, runScopeKey{}, scope)
}

// RunScopeFrom returns the scope stored by WithRunScope, or the zero
// value when none is present.
func RunScopeFrom(ctx context.Context) RunScope {
	scope, _ := ctx.Value(runScopeKey{}).(RunScope)
	return scope
}

func (s RunScope) keyvals() []any {
	var out []any
	if s.RunID != "" {
		out = append(out, "run_id", s.RunID)
	}
	if s.SessionID != "" {
		out = append(out, "session_id", s.SessionID)
	}
	if s.Target != "" {
		out = append(out, "target", s.Target)
	}
	if s.Provider != "" {
		out = append(out, "provider", s.Provider)
	}
	return out
}

// NewLogger builds a Logger. The redaction layer sits between the
// Logger and the chosen handler, so With-chained loggers and grouped
// attributes are redacted the same as ad-hoc calls.
func NewLogger(cfg LogConfig) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level), AddSource: cfg.AddSource}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(cfg.Output, opts)
	} else {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	}
	return &Logger{base: slog.New(&redactingHandler{next: handler})}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// With returns a child logger carrying args on every record, e.g. a
// per-component logger: logger.With("component", "keypool").
func (l *Logger) With(args ...any) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{base: l.base.With(args...)}
}

func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelDebug, msg, args...)
}

func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelInfo, msg, args...)
}

func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelWarn, msg, args...)
}

func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelError, msg, args...)
}

// log is nil-receiver safe so callers holding an optional *Logger can
// log without guarding every site.
func (l *Logger) log(ctx context.Context, level slog.Level, msg string, args ...any) {
	if l == nil {
		return
	}
	if scoped := RunScopeFrom(ctx).keyvals(); len(scoped) > 0 {
		args = append(scoped, args...)
	}
	l.base.Log(ctx, level, msg, args...)
}

// redactingHandler rewrites records before the wrapped handler encodes
// them: attribute keys that name a secret are blanked outright, and
// string values (including the message and stringified errors) are
// scrubbed of credential material and base64 image payloads.
type redactingHandler struct {
	next slog.Handler
}

func (h *redactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *redactingHandler) Handle(ctx context.Context, rec slog.Record) error {
	clean := slog.NewRecord(rec.Time, rec.Level, redactText(rec.Message), rec.PC)
	rec.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(redactAttr(a))
		return true
	})
	return h.next.Handle(ctx, clean)
}

func (h *redactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		out[i] = redactAttr(a)
	}
	return &redactingHandler{next: h.next.WithAttrs(out)}
}

func (h *redactingHandler) WithGroup(name string) slog.Handler {
	return &redactingHandler{next: h.next.WithGroup(name)}
}

const redactedPlaceholder = "[redacted]"

// secretAttrKeys are attribute names whose values are secrets by
// definition, independent of what the value looks like.
var secretAttrKeys = map[string]bool{
	"api_key":       true,
	"apikey":        true,
	"authorization": true,
	"client_secret": true,
	"credential":    true,
	"password":      true,
	"secret":        true,
	"token":         true,
}

func redactAttr(a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindGroup {
		members := a.Value.Group()
		out := make([]slog.Attr, len(members))
		for i, m := range members {
			out[i] = redactAttr(m)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(out...)}
	}
	if secretAttrKeys[strings.ToLower(a.Key)] {
		return slog.String(a.Key, redactedPlaceholder)
	}
	switch a.Value.Kind() {
	case slog.KindString:
		return slog.String(a.Key, redactText(a.Value.String()))
	case slog.KindAny:
		if err, ok := a.Value.Any().(error); ok && err != nil {
			return slog.String(a.Key, redactText(err.Error()))
		}
	}
	return a
}

// The patterns cover the secrets this runtime actually handles: pooled
// provider API keys, OAuth bearer tokens on the remote adapter, and
// key=value credential pairs that leak through provider error strings.
// The data-URL pattern is not a secret but a size guard — an image
// tool result echoed into an error message would otherwise put the
// whole base64 payload into one log record.
var (
	providerKeyRe = regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{16,}`)
	bearerRe      = regexp.MustCompile(`(?i)\b(bearer|basic)\s+[A-Za-z0-9._~+/=-]{8,}`)
	kvSecretRe    = regexp.MustCompile(`(?i)\b(api[_-]?key|client[_-]?secret|password|secret|token)\s*[:=]\s*"?[^\s"',;]{6,}"?`)
	imageDataRe   = regexp.MustCompile(`data:image/[a-z.+-]+;base64,[A-Za-z0-9+/=]{64,}`)
)

func redactText(s string) string {
	s = providerKeyRe.ReplaceAllString(s, redactedPlaceholder)
	s = bearerRe.ReplaceAllString(s, "$1 "+redactedPlaceholder)
	s = kvSecretRe.ReplaceAllString(s, "$1="+redactedPlaceholder)
	s = imageDataRe.ReplaceAllString(s, "[image data elided]")
	return s
}
