// Package projectworker implements the process that holds one project. It
// parses and schedules project files on request, hands out report workers
// for the scheduled project and reports its lifecycle to the broker.
package projectworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/drewfead/schedd/internal/api"
	"github.com/drewfead/schedd/internal/capability"
	"github.com/drewfead/schedd/internal/config"
	"github.com/drewfead/schedd/internal/logging"
	"github.com/drewfead/schedd/internal/project"
	"github.com/drewfead/schedd/internal/rpc"
)

// ErrAlreadyLoaded is returned by loadProject on a worker that has left the
// new state.
var ErrAlreadyLoaded = errors.New("project already loaded")

// ReportLauncher starts a report worker holding a project snapshot.
type ReportLauncher interface {
	LaunchReport(ctx context.Context, snapshot []byte) (api.Endpoint, error)
}

// Options configure a Worker.
type Options struct {
	Config     config.ProjectWorkerConfig
	Capability config.CapabilityConfig
	// Broker is the address state changes are reported to. Empty disables
	// reporting.
	Broker string
	// Files, when set, are loaded relative to Workdir as soon as Run starts.
	Workdir  string
	Files    []string
	Launcher ReportLauncher
	// Exit replaces os.Exit.
	Exit func(code int)
}

type reportRecord struct {
	Tag      string
	Endpoint api.Endpoint
}

type spawnRequest struct {
	tag   string
	reply chan *api.Endpoint
}

// Worker is a project worker.
type Worker struct {
	sup  *capability.Supervisor
	opts Options

	mu         sync.Mutex
	state      api.State
	stateSince time.Time
	lastPing   time.Time
	project    *project.Project
	reports    []reportRecord
	queue      []spawnRequest

	wake chan struct{}
}

// New binds the worker's RPC listener on an ephemeral loopback port and
// registers its methods. The worker starts in state new.
func New(opts Options) (*Worker, error) {
	if opts.Launcher == nil {
		return nil, errors.New("report launcher is required")
	}

	srv := rpc.NewServer("127.0.0.1:0")
	if err := srv.Start(); err != nil {
		return nil, err
	}

	supOpts := []capability.Option{
		capability.WithTiming(opts.Capability.WatchdogPoll, opts.Capability.TerminateGrace),
	}
	if opts.Exit != nil {
		supOpts = append(supOpts, capability.WithExit(opts.Exit))
	}
	sup, err := capability.New(srv, supOpts...)
	if err != nil {
		srv.Stop()
		return nil, err
	}

	now := time.Now()
	w := &Worker{
		sup:        sup,
		opts:       opts,
		state:      api.StateNew,
		stateSince: now,
		lastPing:   now,
		wake:       make(chan struct{}, 1),
	}

	sup.RegisterControl()
	sup.Handle(api.MethodLoadProject, w.handleLoadProject)
	sup.Handle(api.MethodGetReportServer, w.handleGetReportServer)
	sup.Handle(api.MethodPing, w.handlePing)
	sup.OnShutdown(w.terminateReports)

	return w, nil
}

// Endpoint returns the worker's address and token.
func (w *Worker) Endpoint() api.Endpoint {
	return api.Endpoint{Addr: w.sup.Server().Addr(), Token: w.sup.Token()}
}

// State returns the current lifecycle state.
func (w *Worker) State() api.State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Terminate requests a graceful shutdown.
func (w *Worker) Terminate() {
	w.sup.Terminate()
}

// Done is closed once the worker has shut down.
func (w *Worker) Done() <-chan struct{} {
	return w.sup.Stopped()
}

// Run starts the watchdog and housekeeping and blocks until the worker has
// shut down or ctx is cancelled. Cancelling ctx stops serving at once,
// without telling anyone.
func (w *Worker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logging.Info("project worker running", "addr", w.sup.Server().Addr())

	if len(w.opts.Files) > 0 {
		w.sup.Go("initial-load", func() {
			w.load(ctx, rpc.SessionFrom(ctx), w.opts.Workdir, w.opts.Files)
		})
	}
	w.sup.Go("watchdog", func() { w.sup.Run(ctx) })
	w.sup.Go("housekeeping", func() { w.housekeepingLoop(ctx) })

	select {
	case <-w.sup.Stopped():
		return nil
	case <-ctx.Done():
		w.sup.Server().Stop()
		return ctx.Err()
	}
}

func (w *Worker) setStateLocked(s api.State) {
	if w.state == s {
		return
	}
	logging.Info("project worker state changed", "from", w.state, "to", s)
	w.state = s
	w.stateSince = time.Now()
}

func (w *Worker) handleLoadProject(ctx context.Context, req *rpc.Request) (any, error) {
	var p api.LoadParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if len(p.Files) == 0 {
		return nil, errors.New("no project files given")
	}
	return w.load(ctx, rpc.SessionFrom(ctx), p.Workdir, p.Files), nil
}

// load parses and schedules files. On failure the worker reports failed and
// terminates itself.
func (w *Worker) load(ctx context.Context, sess *rpc.Session, workdir string, files []string) bool {
	w.mu.Lock()
	if w.state != api.StateNew {
		state := w.state
		w.mu.Unlock()
		fmt.Fprintf(sess.Stderr(), "Error: %v (state %s)\n", ErrAlreadyLoaded, state)
		return false
	}
	w.setStateLocked(api.StateLoading)
	w.mu.Unlock()
	w.reportState(ctx, "", api.StateLoading)

	if !sess.Silent() {
		fmt.Fprintf(sess.Stdout(), "Loading %v from %s\n", files, workdir)
	}

	p, err := project.Load(workdir, files)
	if err != nil {
		logging.Warn("project failed to load", "workdir", workdir, "files", files, "error", err)
		fmt.Fprintf(sess.Stderr(), "Error: %v\n", err)

		w.mu.Lock()
		w.setStateLocked(api.StateFailed)
		w.mu.Unlock()
		w.reportState(ctx, "", api.StateFailed)
		w.sup.Terminate()
		return false
	}

	w.mu.Lock()
	w.project = p
	w.setStateLocked(api.StateReady)
	w.mu.Unlock()
	w.reportState(ctx, p.ID, api.StateReady)

	if !sess.Silent() {
		fmt.Fprintf(sess.Stdout(), "Project %s scheduled: %d tasks over %d days\n", p.ID, len(p.Tasks), p.Duration())
	}
	return true
}

// reportState tells the broker about a transition. The broker only learns
// this worker's token once the spawn handoff completes, so a rejection
// right after startup is retried for a short while.
func (w *Worker) reportState(ctx context.Context, id string, state api.State) {
	if w.opts.Broker == "" {
		return
	}

	for attempt := 0; attempt < 50; attempt++ {
		err := w.sendState(ctx, id, state)
		if err == nil {
			return
		}
		if !errors.Is(err, api.ErrRejected) {
			logging.Warn("failed to report state to broker", "state", state, "error", err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
	logging.Warn("broker kept rejecting state update", "state", state)
}

func (w *Worker) sendState(ctx context.Context, id string, state api.State) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	b, err := api.DialBroker(ctx, w.opts.Broker, w.sup.Token())
	if err != nil {
		return err
	}
	defer b.Close()
	return b.UpdateState(ctx, id, state)
}

// handleGetReportServer queues a report worker for a fresh tag and waits
// until housekeeping has started it. A worker without a scheduled project
// answers nil straight away.
func (w *Worker) handleGetReportServer(ctx context.Context, _ *rpc.Request) (any, error) {
	w.mu.Lock()
	if w.state != api.StateReady || w.project == nil {
		w.mu.Unlock()
		return (*api.Endpoint)(nil), nil
	}
	req := spawnRequest{tag: newTag(), reply: make(chan *api.Endpoint, 1)}
	w.queue = append(w.queue, req)
	w.mu.Unlock()

	w.nudge()

	select {
	case ep := <-req.reply:
		return ep, nil
	case <-w.sup.Stopped():
		return (*api.Endpoint)(nil), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *Worker) handlePing(ctx context.Context, _ *rpc.Request) (any, error) {
	w.mu.Lock()
	w.lastPing = time.Now()
	w.mu.Unlock()

	w.pruneReports(ctx)
	return true, nil
}

func (w *Worker) nudge() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}
