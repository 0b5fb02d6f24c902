package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reset(t *testing.T) {
	t.Cleanup(func() {
		Flush(0)
		mu.Lock()
		logger, toSentry = slog.Default(), false
		mu.Unlock()
	})
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestInitRoleAttributes(t *testing.T) {
	reset(t)
	var buf bytes.Buffer
	require.NoError(t, Init(Config{Level: slog.LevelDebug, Role: "project", Output: &buf}))

	Warn("bad token", "method", "ping")

	out := buf.String()
	assert.Contains(t, out, "role=project")
	assert.Contains(t, out, "method=ping")
	assert.Contains(t, out, "level=WARN")
}

func TestLevelFilters(t *testing.T) {
	reset(t)
	var buf bytes.Buffer
	require.NoError(t, Init(Config{Level: slog.LevelWarn, Output: &buf}))

	Info("quiet")
	Debug("quieter")
	Error("loud")

	assert.NotContains(t, buf.String(), "quiet")
	assert.Contains(t, buf.String(), "loud")
}

func TestLogFileSharedAndClosedByFlush(t *testing.T) {
	reset(t)
	path := filepath.Join(t.TempDir(), "logs", "schedd.log")
	require.NoError(t, Init(Config{Level: slog.LevelInfo, LogFile: path, Role: "broker"}))

	Info("started", "listen", "127.0.0.1:1")
	Flush(time.Second)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "msg=started")
	assert.Contains(t, string(data), "role=broker")
}

func TestCaptureErrorWithoutSentry(t *testing.T) {
	reset(t)
	var buf bytes.Buffer
	require.NoError(t, Init(Config{Level: slog.LevelInfo, Output: &buf}))

	CaptureError(errors.New("fork failed"), "tag", "t1")
	CaptureError(nil)

	assert.Contains(t, buf.String(), "fork failed")
	assert.Contains(t, buf.String(), "tag=t1")
	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("captured error")))
}

func TestCapturePanicReturnsValue(t *testing.T) {
	reset(t)
	var buf bytes.Buffer
	require.NoError(t, Init(Config{Level: slog.LevelInfo, Output: &buf}))

	assert.Nil(t, CapturePanic(nil))
	assert.Equal(t, "boom", CapturePanic("boom", "loop", "housekeeping"))
	assert.Contains(t, buf.String(), "panic: boom")
	assert.Contains(t, buf.String(), "loop=housekeeping")
}

type recordingHandler struct {
	level slog.Level
	got   *[]string
}

func (h recordingHandler) Enabled(_ context.Context, l slog.Level) bool { return l >= h.level }
func (h recordingHandler) Handle(_ context.Context, r slog.Record) error {
	*h.got = append(*h.got, r.Message)
	return nil
}
func (h recordingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h recordingHandler) WithGroup(string) slog.Handler      { return h }

func TestTeeRoutesByLevel(t *testing.T) {
	var all, errs []string
	l := slog.New(tee{
		recordingHandler{level: slog.LevelInfo, got: &all},
		recordingHandler{level: slog.LevelError, got: &errs},
	})

	l.Info("one")
	l.Error("two")
	l.Debug("three")

	assert.Equal(t, []string{"one", "two"}, all)
	assert.Equal(t, []string{"two"}, errs)
}

func TestSentryHandlerAttrs(t *testing.T) {
	var h slog.Handler = sentryHandler{}
	assert.False(t, h.Enabled(context.Background(), slog.LevelWarn))
	assert.True(t, h.Enabled(context.Background(), slog.LevelError))

	h = h.WithAttrs([]slog.Attr{slog.String("role", "report")}).WithGroup("rpc").WithAttrs([]slog.Attr{slog.Int("n", 1)})
	sh := h.(sentryHandler)
	require.Len(t, sh.attrs, 2)
	assert.Equal(t, "role", sh.attrs[0].Key)
	assert.Equal(t, "rpc.n", sh.attrs[1].Key)
	assert.Equal(t, "rpc.", sh.prefix)
}
