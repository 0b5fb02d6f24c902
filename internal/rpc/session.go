package rpc

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
)

var (
	ErrAlreadyConnected = errors.New("session already connected")
	ErrNotConnected     = errors.New("session not connected")
)

// Streams is a set of standard I/O handles.
type Streams struct {
	Stdout io.Writer
	Stderr io.Writer
	Stdin  io.Reader
}

// ProcessStreams returns the process's own standard streams.
func ProcessStreams() Streams {
	return Streams{Stdout: os.Stdout, Stderr: os.Stderr, Stdin: os.Stdin}
}

// Session is the I/O context of one client connection. Connect redirects its
// output to the client; handlers write through it instead of touching the
// process-wide streams, so concurrent sessions never see each other's output.
type Session struct {
	mu        sync.Mutex
	connected bool
	silent    bool
	current   Streams
	defaults  Streams
	emit      func(Event) error
}

// NewSession creates a session writing to defaults until connected. emit may
// be nil for sessions that cannot be redirected.
func NewSession(defaults Streams, emit func(Event) error) *Session {
	return &Session{current: defaults, defaults: defaults, emit: emit}
}

// Connect redirects stdout and stderr to the remote caller and feeds stdin
// from the given text.
func (s *Session) Connect(silent bool, stdin string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return ErrAlreadyConnected
	}
	if s.emit == nil {
		return errors.New("session cannot be redirected")
	}
	s.current = Streams{
		Stdout: &eventWriter{kind: EventStdout, emit: s.emit},
		Stderr: &eventWriter{kind: EventStderr, emit: s.emit},
		Stdin:  strings.NewReader(stdin),
	}
	s.silent = silent
	s.connected = true
	return nil
}

// Disconnect restores the session's original streams.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return ErrNotConnected
	}
	s.current = s.defaults
	s.silent = false
	s.connected = false
	return nil
}

func (s *Session) Stdout() io.Writer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.Stdout
}

func (s *Session) Stderr() io.Writer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.Stderr
}

func (s *Session) Stdin() io.Reader {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.Stdin
}

// Silent reports whether progress output should be suppressed.
func (s *Session) Silent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.silent
}

// Connected reports whether output is currently redirected.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

type eventWriter struct {
	kind string
	emit func(Event) error
}

func (w *eventWriter) Write(p []byte) (int, error) {
	if err := w.emit(Event{Type: w.kind, Payload: string(p)}); err != nil {
		return 0, err
	}
	return len(p), nil
}

type sessionKey struct{}

// WithSession returns a context carrying sess.
func WithSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, sess)
}

// SessionFrom returns the session of the connection serving ctx. Calls made
// outside a connection get a session bound to the process streams.
func SessionFrom(ctx context.Context) *Session {
	if sess, ok := ctx.Value(sessionKey{}).(*Session); ok {
		return sess
	}
	return NewSession(ProcessStreams(), nil)
}
