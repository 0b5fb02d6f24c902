package capability

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drewfead/schedd/internal/logging"
	"github.com/drewfead/schedd/internal/rpc"
)

// Method names of the shared control surface.
const (
	MethodConnect    = "connect"
	MethodDisconnect = "disconnect"
	MethodTerminate  = "terminate"
)

// ConnectParams are the arguments of connect.
type ConnectParams struct {
	Silent bool   `json:"silent"`
	Stdin  string `json:"stdin,omitempty"`
}

// Supervisor owns a process's token and RPC server and decides when the
// process exits. Both worker types and the broker embed one.
type Supervisor struct {
	server *rpc.Server
	token  string

	terminate atomic.Bool
	poll      time.Duration
	grace     time.Duration
	exit      func(code int)

	hookMu sync.Mutex
	hooks  []func()

	stopped  chan struct{}
	stopOnce sync.Once
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithTiming sets the watchdog poll interval and the grace period between
// observing the terminate flag and shutting down.
func WithTiming(poll, grace time.Duration) Option {
	return func(s *Supervisor) {
		if poll > 0 {
			s.poll = poll
		}
		if grace >= 0 {
			s.grace = grace
		}
	}
}

// WithExit replaces os.Exit, e.g. for workers hosted inside a test process.
func WithExit(fn func(code int)) Option {
	return func(s *Supervisor) { s.exit = fn }
}

// WithToken uses a fixed token instead of generating one.
func WithToken(token string) Option {
	return func(s *Supervisor) { s.token = token }
}

// New creates a supervisor for server.
func New(server *rpc.Server, opts ...Option) (*Supervisor, error) {
	s := &Supervisor{
		server:  server,
		poll:    time.Second,
		grace:   time.Second,
		exit:    exitProcess,
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.token == "" {
		token, err := NewToken()
		if err != nil {
			return nil, err
		}
		s.token = token
	}
	return s, nil
}

// Token returns the secret callers must present.
func (s *Supervisor) Token() string {
	return s.token
}

// Server returns the supervised RPC server.
func (s *Supervisor) Server() *rpc.Server {
	return s.server
}

// Authorized checks a presented token and logs a warning naming the method
// when it does not match.
func (s *Supervisor) Authorized(method, token string) bool {
	if Equal(s.token, token) {
		return true
	}
	logging.Warn("rejected call with invalid token", "method", method)
	return false
}

// Handle registers fn for method behind the token check. A call with a bad
// token gets false and never reaches fn.
func (s *Supervisor) Handle(method string, fn rpc.HandlerFunc) {
	s.server.Handle(method, func(ctx context.Context, req *rpc.Request) (any, error) {
		if !s.Authorized(method, req.Token) {
			return false, nil
		}
		return fn(ctx, req)
	})
}

// RegisterControl installs connect, disconnect and terminate.
func (s *Supervisor) RegisterControl() {
	s.Handle(MethodConnect, func(ctx context.Context, req *rpc.Request) (any, error) {
		var p ConnectParams
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &p); err != nil {
				return nil, err
			}
		}
		if err := rpc.SessionFrom(ctx).Connect(p.Silent, p.Stdin); err != nil {
			return nil, err
		}
		return true, nil
	})
	s.Handle(MethodDisconnect, func(ctx context.Context, _ *rpc.Request) (any, error) {
		if err := rpc.SessionFrom(ctx).Disconnect(); err != nil {
			return nil, err
		}
		return true, nil
	})
	s.Handle(MethodTerminate, func(context.Context, *rpc.Request) (any, error) {
		s.Terminate()
		return true, nil
	})
}

// Terminate requests a graceful shutdown. The watchdog acts on it at its
// next tick.
func (s *Supervisor) Terminate() {
	if !s.terminate.Swap(true) {
		logging.Info("terminate requested")
	}
}

// Terminating reports whether Terminate has been called.
func (s *Supervisor) Terminating() bool {
	return s.terminate.Load()
}

// Stopped is closed once the process has shut down its server.
func (s *Supervisor) Stopped() <-chan struct{} {
	return s.stopped
}

// Run is the watchdog loop. It returns when ctx is done or after the
// terminate flag has been observed and the process has shut down.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopped:
			return
		case <-ticker.C:
			if !s.terminate.Load() {
				continue
			}
			select {
			case <-time.After(s.grace):
			case <-ctx.Done():
				return
			}
			logging.Info("shutting down after terminate request")
			s.shutdown(0)
			return
		}
	}
}

// OnShutdown registers fn to run before the server stops, on both the
// graceful and the fatal path. Hooks run in registration order.
func (s *Supervisor) OnShutdown(fn func()) {
	s.hookMu.Lock()
	s.hooks = append(s.hooks, fn)
	s.hookMu.Unlock()
}

// Go runs fn on its own goroutine. A panic in fn is reported and is fatal
// to the process.
func (s *Supervisor) Go(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.CapturePanic(r, "loop", name)
				s.Fatal("background loop crashed", "loop", name)
			}
		}()
		fn()
	}()
}

// Fatal logs msg at error level and exits immediately with a failure code.
func (s *Supervisor) Fatal(msg string, args ...any) {
	logging.Error(msg, args...)
	s.shutdown(1)
}

func (s *Supervisor) shutdown(code int) {
	s.stopOnce.Do(func() {
		s.hookMu.Lock()
		hooks := append([]func(){}, s.hooks...)
		s.hookMu.Unlock()
		for _, fn := range hooks {
			fn()
		}
		s.server.Stop()
		close(s.stopped)
		s.exit(code)
	})
}
