// Package logging writes one JSON object per line with service, level, msg
// and ts, plus caller fields and the correlation id of the current request.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/rl1809/orderflow/internal/correlation"
)

type Logger struct {
	base *slog.Logger
}

func New(service, level string) *Logger {
	return NewWithWriter(os.Stdout, service, level)
}

func NewWithWriter(w io.Writer, service, level string) *Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: parseLevel(level),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey {
				a.Key = "ts"
				a.Value = slog.StringValue(a.Value.Time().UTC().Format("2006-01-02T15:04:05.000000000Z07:00"))
			}
			if len(groups) == 0 && a.Key == slog.LevelKey {
				a.Value = slog.StringValue(strings.ToUpper(a.Value.String()))
			}
			return a
		},
	})
	return &Logger{base: slog.New(h).With("service", service)}
}

// Nop discards everything.
func Nop() *Logger {
	return &Logger{base: slog.New(slog.NewJSONHandler(io.Discard, nil))}
}

// Ctx returns a logger that stamps correlation_id and request_id from ctx.
func (l *Logger) Ctx(ctx context.Context) *Logger {
	if l == nil {
		return nil
	}
	c, ok := correlation.FromContext(ctx)
	if !ok {
		return l
	}
	args := []any{"correlation_id", c.CorrelationID}
	if c.RequestID != "" {
		args = append(args, "request_id", c.RequestID)
	}
	return &Logger{base: l.base.With(args...)}
}

// With returns a logger that always includes fields.
func (l *Logger) With(fields map[string]any) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{base: l.base.With(toArgs(fields)...)}
}

func (l *Logger) Debug(msg string, fields map[string]any) { l.emit(slog.LevelDebug, msg, fields) }

func (l *Logger) Info(msg string, fields map[string]any) { l.emit(slog.LevelInfo, msg, fields) }

func (l *Logger) Warn(msg string, fields map[string]any) { l.emit(slog.LevelWarn, msg, fields) }

func (l *Logger) Error(msg string, fields map[string]any) { l.emit(slog.LevelError, msg, fields) }

func (l *Logger) emit(level slog.Level, msg string, fields map[string]any) {
	if l == nil || l.base == nil {
		return
	}
	l.base.Log(context.Background(), level, msg, toArgs(fields)...)
}

func toArgs(fields map[string]any) []any {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		v := fields[k]
		if err, ok := v.(error); ok && err != nil {
			v = err.Error()
		}
		args = append(args, k, v)
	}
	return args
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
