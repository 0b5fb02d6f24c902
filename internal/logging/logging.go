// Package logging sets up the process logger shared by the broker and its
// workers. Records go to a text handler; error records are also sent to
// Sentry when a DSN is configured.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Config holds logging configuration.
type Config struct {
	Level     slog.Level
	SentryDSN string
	Env       string
	Version   string

	// LogFile is appended to by every process of one broker. Empty means
	// Output, or stderr when Output is nil.
	LogFile string
	Output  io.Writer

	// Role tags each record with the process role and pid.
	Role string
}

const timeFormat = "2006-01-02T15:04:05.000-07:00"

var (
	mu       sync.RWMutex
	logger   = slog.Default()
	logFile  *os.File
	toSentry bool
)

// Init replaces the process logger.
func Init(cfg Config) error {
	send, err := initSentry(cfg)
	if err != nil {
		return err
	}

	out, f, err := openOutput(cfg)
	if err != nil {
		return err
	}

	var h slog.Handler = slog.NewTextHandler(out, &slog.HandlerOptions{
		Level:       cfg.Level,
		AddSource:   true,
		ReplaceAttr: localTime,
	})
	if send {
		h = tee{h, sentryHandler{}}
	}

	l := slog.New(h)
	if cfg.Role != "" {
		l = l.With("role", cfg.Role, "pid", os.Getpid())
	}

	mu.Lock()
	if logFile != nil {
		logFile.Close()
	}
	logger, logFile, toSentry = l, f, send
	mu.Unlock()

	slog.SetDefault(l)
	return nil
}

func openOutput(cfg Config) (io.Writer, *os.File, error) {
	if cfg.LogFile == "" {
		if cfg.Output != nil {
			return cfg.Output, nil, nil
		}
		return os.Stderr, nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return f, f, nil
}

func localTime(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey && a.Value.Kind() == slog.KindTime {
		a.Value = slog.StringValue(a.Value.Time().Local().Format(timeFormat))
	}
	return a
}

// ParseLevel maps a config string onto a slog level. Unknown values mean info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// Flush waits up to timeout for queued Sentry events and closes the log
// file. Records logged afterwards go to stderr.
func Flush(timeout time.Duration) {
	mu.Lock()
	defer mu.Unlock()
	if toSentry {
		flushSentry(timeout)
	}
	if logFile != nil {
		logFile.Sync()
		logFile.Close()
		logFile = nil
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
}

func current() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func reporting() bool {
	mu.RLock()
	defer mu.RUnlock()
	return toSentry
}

func Debug(msg string, args ...any) { current().Debug(msg, args...) }
func Info(msg string, args ...any)  { current().Info(msg, args...) }
func Warn(msg string, args ...any)  { current().Warn(msg, args...) }

// Error logs at error level, which also reaches Sentry.
func Error(msg string, args ...any) { current().Error(msg, args...) }

// With returns the process logger with args attached.
func With(args ...any) *slog.Logger {
	return current().With(args...)
}

// tee hands every record to both handlers.
type tee [2]slog.Handler

func (t tee) Enabled(ctx context.Context, l slog.Level) bool {
	return t[0].Enabled(ctx, l) || t[1].Enabled(ctx, l)
}

func (t tee) Handle(ctx context.Context, r slog.Record) error {
	var err error
	for _, h := range t {
		if h.Enabled(ctx, r.Level) {
			if herr := h.Handle(ctx, r.Clone()); herr != nil && err == nil {
				err = herr
			}
		}
	}
	return err
}

func (t tee) WithAttrs(attrs []slog.Attr) slog.Handler {
	return tee{t[0].WithAttrs(attrs), t[1].WithAttrs(attrs)}
}

func (t tee) WithGroup(name string) slog.Handler {
	return tee{t[0].WithGroup(name), t[1].WithGroup(name)}
}
