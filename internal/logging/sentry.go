package logging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/getsentry/sentry-go"
)

func initSentry(cfg Config) (bool, error) {
	if cfg.SentryDSN == "" {
		return false, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.SentryDSN,
		Environment:      cfg.Env,
		Release:          cfg.Version,
		ServerName:       cfg.Role,
		TracesSampleRate: 0.1,
	})
	if err != nil {
		return false, fmt.Errorf("sentry init: %w", err)
	}
	return true, nil
}

func flushSentry(timeout time.Duration) {
	sentry.Flush(timeout)
}

// sentryHandler turns error records into Sentry events. Attributes bound
// with WithAttrs become event extras; role becomes a tag.
type sentryHandler struct {
	attrs  []slog.Attr
	prefix string
}

func (sentryHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= slog.LevelError
}

func (h sentryHandler) Handle(_ context.Context, r slog.Record) error {
	event := sentry.NewEvent()
	event.Level = sentry.LevelError
	event.Message = r.Message
	event.Timestamp = r.Time

	put := func(a slog.Attr) {
		if a.Key == "role" {
			event.Tags["role"] = a.Value.String()
		}
		event.Extra[a.Key] = a.Value.Any()
	}
	for _, a := range h.attrs {
		put(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		a.Key = h.prefix + a.Key
		put(a)
		return true
	})

	if r.PC != 0 {
		frame, _ := runtime.CallersFrames([]uintptr{r.PC}).Next()
		event.Exception = []sentry.Exception{{
			Type:  "LogError",
			Value: r.Message,
			Stacktrace: &sentry.Stacktrace{Frames: []sentry.Frame{{
				Filename: frame.File,
				Function: frame.Function,
				Lineno:   frame.Line,
			}}},
		}}
	}

	sentry.CaptureEvent(event)
	return nil
}

func (h sentryHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := sentryHandler{prefix: h.prefix, attrs: append([]slog.Attr{}, h.attrs...)}
	for _, a := range attrs {
		a.Key = h.prefix + a.Key
		next.attrs = append(next.attrs, a)
	}
	return next
}

func (h sentryHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return sentryHandler{attrs: h.attrs, prefix: h.prefix + name + "."}
}

func scoped(kv []any, fn func(*sentry.Scope)) {
	sentry.WithScope(func(scope *sentry.Scope) {
		for i := 0; i+1 < len(kv); i += 2 {
			if key, ok := kv[i].(string); ok {
				scope.SetExtra(key, kv[i+1])
			}
		}
		fn(scope)
	})
}

// CaptureError logs err and reports it to Sentry as an exception, with kv
// as extras.
func CaptureError(err error, kv ...any) {
	if err == nil {
		return
	}
	current().Warn("captured error", append([]any{"error", err}, kv...)...)
	if reporting() {
		scoped(kv, func(*sentry.Scope) { sentry.CaptureException(err) })
	}
}

// CapturePanic logs a recovered panic value, reports it as fatal and
// flushes, since the process is usually about to die. It returns the value
// so the caller may re-panic.
func CapturePanic(v any, kv ...any) any {
	if v == nil {
		return nil
	}
	msg := fmt.Sprintf("panic: %v", v)
	current().Error(msg, append([]any{"panic", v}, kv...)...)

	if reporting() {
		scoped(kv, func(scope *sentry.Scope) {
			scope.SetLevel(sentry.LevelFatal)
			scope.SetTag("type", "panic")
			if err, ok := v.(error); ok {
				sentry.CaptureException(err)
			} else {
				sentry.CaptureException(errors.New(msg))
			}
		})
		sentry.Flush(2 * time.Second)
	}
	return v
}
