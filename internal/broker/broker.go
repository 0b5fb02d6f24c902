// Package broker implements schedd, the long-running process that starts,
// supervises and reaps project workers on behalf of clients.
package broker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/drewfead/schedd/internal/api"
	"github.com/drewfead/schedd/internal/capability"
	"github.com/drewfead/schedd/internal/config"
	"github.com/drewfead/schedd/internal/eventlog"
	"github.com/drewfead/schedd/internal/logging"
	"github.com/drewfead/schedd/internal/rpc"
	"github.com/gofrs/flock"
)

// ErrAlreadyRunning is returned when another broker holds the runtime lock.
var ErrAlreadyRunning = errors.New("another broker is running")

// ErrFatal is returned by Run when the broker went down on a fatal error.
var ErrFatal = errors.New("broker stopped on a fatal error")

// Options configure a Broker.
type Options struct {
	Config *config.Config
	// ConfigPath is watched for changes. Empty disables live reload.
	ConfigPath string
	Launcher   Launcher
	// Events overrides the log selected by broker.event_log.
	Events eventlog.Log
}

type loadRequest struct {
	tag     string
	workdir string
	files   []string
	reply   chan *api.Endpoint
}

// Broker is the project-worker supervisor.
type Broker struct {
	cfgMu      sync.RWMutex
	cfg        *config.Config
	configPath string

	sup      *capability.Supervisor
	registry *Registry
	launcher Launcher
	events   *eventlog.Pipeline
	lock     *flock.Flock
	watcher  *config.Watcher

	mu    sync.Mutex
	queue []loadRequest
	wake  chan struct{}
	ticks int

	exited chan int

	ctx    context.Context
	cancel context.CancelFunc
}

// New takes the runtime lock, binds the listener and registers the broker's
// methods. Nothing runs until Run is called.
func New(opts Options) (*Broker, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if opts.Launcher == nil {
		return nil, errors.New("project launcher is required")
	}

	lock, err := acquireLock(cfg)
	if err != nil {
		return nil, err
	}
	release := func() {
		if lock != nil {
			lock.Unlock()
		}
	}

	key, err := resolveAuthKey(cfg)
	if err != nil {
		release()
		return nil, fmt.Errorf("auth key: %w", err)
	}

	log := opts.Events
	if log == nil {
		log, err = openEventLog(cfg.Broker.EventLog)
		if err != nil {
			release()
			return nil, fmt.Errorf("event log: %w", err)
		}
	}

	srv := rpc.NewServer(cfg.Broker.Listen)
	if err := srv.Start(); err != nil {
		log.Close()
		release()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		cfg:        cfg,
		configPath: opts.ConfigPath,
		registry:   NewRegistry(),
		launcher:   opts.Launcher,
		events:     eventlog.NewPipeline(log),
		lock:       lock,
		wake:       make(chan struct{}, 1),
		exited:     make(chan int, 1),
		ctx:        ctx,
		cancel:     cancel,
	}

	sup, err := capability.New(srv,
		capability.WithToken(key),
		capability.WithTiming(cfg.Capability.WatchdogPoll, cfg.Capability.TerminateGrace),
		capability.WithExit(b.onExit),
	)
	if err != nil {
		srv.Stop()
		log.Close()
		release()
		cancel()
		return nil, err
	}
	b.sup = sup

	b.events.Bus.Subscribe(eventlog.SubscriberFunc(func(t api.Transition) {
		logging.Info("project state changed",
			"tag", t.Tag, "id", t.ID, "from", t.From, "to", t.To, "pid", t.PID, "cause", t.Cause)
	}))

	b.registerHandlers()
	sup.OnShutdown(b.stopLoops)
	sup.OnShutdown(b.terminateAllWorkers)
	sup.OnShutdown(b.closeResources)
	return b, nil
}

func openEventLog(path string) (eventlog.Log, error) {
	if path == "" {
		return eventlog.NewMemoryLog(eventlog.DefaultMemorySize), nil
	}
	return eventlog.OpenSQLite(path)
}

// Addr returns the address the broker listens on.
func (b *Broker) Addr() string {
	return b.sup.Server().Addr()
}

// Token returns the auth key clients must present.
func (b *Broker) Token() string {
	return b.sup.Token()
}

// Registry exposes the project registry.
func (b *Broker) Registry() *Registry {
	return b.registry
}

// Events exposes the transition pipeline, e.g. for subscribers.
func (b *Broker) Events() *eventlog.Pipeline {
	return b.events
}

// Stop requests a graceful shutdown, like the stop command.
func (b *Broker) Stop() {
	b.sup.Terminate()
}

func (b *Broker) config() config.BrokerConfig {
	b.cfgMu.RLock()
	defer b.cfgMu.RUnlock()
	return b.cfg.Broker
}

func (b *Broker) onExit(code int) {
	select {
	case b.exited <- code:
	default:
	}
}

// Run starts the watchdog and housekeeping, preloads configured projects
// and blocks until the broker has shut down. Cancelling ctx behaves like
// SIGTERM.
func (b *Broker) Run(ctx context.Context) error {
	logging.Info("broker listening", "addr", b.Addr())

	b.sup.Go("watchdog", func() { b.sup.Run(b.ctx) })
	b.sup.Go("housekeeping", b.housekeepingLoop)

	for _, p := range b.config().Projects {
		workdir, files := p[0], p[1:]
		b.sup.Go("preload", func() {
			if ep := b.addProject(b.ctx, workdir, files); ep == nil {
				logging.Warn("preload did not start a worker", "workdir", workdir, "files", files)
			}
		})
	}

	if b.configPath != "" {
		w, err := config.Watch(b.configPath, b.applyConfig, func(err error) {
			logging.Warn("config watch error", "error", err)
		})
		if err != nil {
			logging.Warn("config watch disabled", "path", b.configPath, "error", err)
		} else {
			b.mu.Lock()
			if b.ctx.Err() != nil {
				w.Close()
			} else {
				b.watcher = w
			}
			b.mu.Unlock()
		}
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	return b.signalLoop(ctx, sigCh)
}

// signalLoop waits for the broker to exit. The first shutdown signal starts
// a graceful stop and a second one forces it.
func (b *Broker) signalLoop(ctx context.Context, sigCh <-chan os.Signal) error {
	stopping := false
	done := ctx.Done()
	for {
		select {
		case code := <-b.exited:
			if code != 0 {
				return fmt.Errorf("%w (exit status %d)", ErrFatal, code)
			}
			logging.Info("broker stopped")
			return nil

		case <-done:
			done = nil
			logging.Info("context cancelled, stopping broker")
			stopping = true
			b.sup.Terminate()

		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				logging.Info("received SIGHUP, reloading config")
				if err := b.reloadConfig(); err != nil {
					logging.Error("config reload failed", "error", err)
				}
			default:
				if stopping {
					logging.Warn("received second signal, forcing shutdown", "signal", sig.String())
					b.sup.Fatal("forced shutdown by signal", "signal", sig.String())
					continue
				}
				logging.Info("received shutdown signal, starting graceful shutdown", "signal", sig.String())
				stopping = true
				b.sup.Terminate()
			}
		}
	}
}

func (b *Broker) reloadConfig() error {
	path := b.configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	b.applyConfig(cfg)
	return nil
}

// applyConfig takes over the settings that are safe to change while running.
func (b *Broker) applyConfig(cfg *config.Config) {
	b.cfgMu.Lock()
	b.cfg.Broker.PingEvery = cfg.Broker.PingEvery
	b.cfg.Broker.FailedGrace = cfg.Broker.FailedGrace
	b.cfg.Broker.CallTimeout = cfg.Broker.CallTimeout
	current := b.cfg.Broker
	b.cfgMu.Unlock()

	logging.Info("config reloaded",
		"ping_every", current.PingEvery,
		"failed_grace", current.FailedGrace,
		"call_timeout", current.CallTimeout)
}

func (b *Broker) record(ts ...api.Transition) {
	for _, t := range ts {
		if err := b.events.Record(context.Background(), t); err != nil {
			logging.Warn("failed to record transition", "tag", t.Tag, "error", err)
		}
	}
}

func (b *Broker) stopLoops() {
	b.cancel()
	b.mu.Lock()
	w := b.watcher
	b.mu.Unlock()
	if w != nil {
		w.Close()
	}
}

// terminateAllWorkers asks every worker that is still reachable to shut
// down. Records stay in place; the process is going away.
func (b *Broker) terminateAllWorkers() {
	var eps []ProjectRecord
	for _, rec := range b.registry.All() {
		if rec.Endpoint.Addr != "" {
			eps = append(eps, rec)
		}
	}
	if len(eps) == 0 {
		return
	}
	logging.Info("terminating project workers", "count", len(eps))
	b.terminate(context.Background(), eps)
}

func (b *Broker) closeResources() {
	if err := b.events.Close(); err != nil {
		logging.Warn("error closing event log", "error", err)
	}
	if b.lock != nil {
		if err := b.lock.Unlock(); err != nil {
			logging.Warn("error releasing runtime lock", "error", err)
		}
	}
}

func (b *Broker) nudge() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func callTimeout(cfg config.BrokerConfig) time.Duration {
	if cfg.CallTimeout > 0 {
		return cfg.CallTimeout
	}
	return 10 * time.Second
}
