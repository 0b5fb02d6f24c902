// Package reportworker implements the short-lived process that answers
// report and sheet-check requests for one scheduled project.
package reportworker

import (
	"context"
	"encoding/json"
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

// Options configure a Worker.
type Options struct {
	Config     config.ReportWorkerConfig
	Capability config.CapabilityConfig
	Exit       func(code int)
}

// Worker serves one working copy of a scheduled project.
type Worker struct {
	sup  *capability.Supervisor
	opts Options

	mu       sync.Mutex
	project  *project.Project
	lastSeen time.Time
}

// New binds the worker's listener and registers its methods.
func New(p *project.Project, opts Options) (*Worker, error) {
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

	w := &Worker{
		sup:      sup,
		opts:     opts,
		project:  p,
		lastSeen: time.Now(),
	}

	sup.RegisterControl()
	sup.Handle(api.MethodPing, w.handlePing)
	sup.Handle(api.MethodAddFile, w.handleAddFile)
	sup.Handle(api.MethodGenerateReport, w.handleGenerateReport)
	sup.Handle(api.MethodListReports, w.handleListReports)
	sup.Handle(api.MethodCheckTimeSheet, w.handleCheckTimeSheet)
	sup.Handle(api.MethodCheckStatusSheet, w.handleCheckStatusSheet)

	return w, nil
}

// Endpoint returns the worker's address and token.
func (w *Worker) Endpoint() api.Endpoint {
	return api.Endpoint{Addr: w.sup.Server().Addr(), Token: w.sup.Token()}
}

// Done is closed once the worker has shut down.
func (w *Worker) Done() <-chan struct{} {
	return w.sup.Stopped()
}

// Terminate requests a graceful shutdown.
func (w *Worker) Terminate() {
	w.sup.Terminate()
}

// Run starts the terminate watchdog and the idle watchdog and blocks until
// the worker has shut down or ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logging.Info("report worker running", "addr", w.sup.Server().Addr(), "project", w.project.ID)

	w.sup.Go("watchdog", func() { w.sup.Run(ctx) })
	w.sup.Go("idle-watchdog", func() { w.idleLoop(ctx) })

	select {
	case <-w.sup.Stopped():
		return nil
	case <-ctx.Done():
		w.sup.Server().Stop()
		return ctx.Err()
	}
}

func (w *Worker) idleLoop(ctx context.Context) {
	tick := w.opts.Config.Tick
	if tick <= 0 {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.sup.Stopped():
			return
		case now := <-ticker.C:
			w.mu.Lock()
			idle := now.Sub(w.lastSeen)
			w.mu.Unlock()
			if limit := w.opts.Config.HeartbeatTimeout; limit > 0 && idle > limit {
				w.sup.Fatal("no ping received, giving up", "idle", idle.Round(time.Millisecond), "limit", limit)
				return
			}
		}
	}
}

// touch resets the idle timer and returns the project with the lock held.
// Callers must unlock w.mu.
func (w *Worker) touch() *project.Project {
	w.mu.Lock()
	w.lastSeen = time.Now()
	return w.project
}

func decode(req *rpc.Request, v any) error {
	if err := json.Unmarshal(req.Params, v); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

// fail writes err to the caller's session and answers false.
func fail(sess *rpc.Session, op string, err error) (any, error) {
	logging.Debug("report request failed", "op", op, "error", err)
	fmt.Fprintf(sess.Stderr(), "Error: %v\n", err)
	return false, nil
}

func (w *Worker) handlePing(context.Context, *rpc.Request) (any, error) {
	w.touch()
	w.mu.Unlock()
	return true, nil
}

func (w *Worker) handleAddFile(ctx context.Context, req *rpc.Request) (any, error) {
	var p api.PathParams
	if err := decode(req, &p); err != nil {
		return nil, err
	}
	proj := w.touch()
	defer w.mu.Unlock()

	if err := proj.AddFile(p.Path); err != nil {
		return fail(rpc.SessionFrom(ctx), "addFile", err)
	}
	return true, nil
}

func (w *Worker) handleGenerateReport(ctx context.Context, req *rpc.Request) (any, error) {
	var p api.ReportParams
	if err := decode(req, &p); err != nil {
		return nil, err
	}
	proj := w.touch()
	defer w.mu.Unlock()

	sess := rpc.SessionFrom(ctx)
	if err := proj.GenerateReports(sess.Stdout(), p.ID, p.Regex, p.Attrs); err != nil {
		return fail(sess, "generateReport", err)
	}
	return true, nil
}

func (w *Worker) handleListReports(ctx context.Context, req *rpc.Request) (any, error) {
	var p api.ReportParams
	if err := decode(req, &p); err != nil {
		return nil, err
	}
	proj := w.touch()
	defer w.mu.Unlock()

	sess := rpc.SessionFrom(ctx)
	if err := proj.ListReports(sess.Stdout(), p.ID, p.Regex); err != nil {
		return fail(sess, "listReports", err)
	}
	return true, nil
}

func (w *Worker) handleCheckTimeSheet(ctx context.Context, req *rpc.Request) (any, error) {
	var p api.TextParams
	if err := decode(req, &p); err != nil {
		return nil, err
	}
	proj := w.touch()
	defer w.mu.Unlock()

	sess := rpc.SessionFrom(ctx)
	if err := proj.CheckTimeSheet(p.Text); err != nil {
		return fail(sess, "checkTimeSheet", err)
	}
	if !sess.Silent() {
		fmt.Fprintln(sess.Stdout(), "Time sheet OK")
	}
	return true, nil
}

func (w *Worker) handleCheckStatusSheet(ctx context.Context, req *rpc.Request) (any, error) {
	var p api.TextParams
	if err := decode(req, &p); err != nil {
		return nil, err
	}
	proj := w.touch()
	defer w.mu.Unlock()

	sess := rpc.SessionFrom(ctx)
	if err := proj.CheckStatusSheet(p.Text); err != nil {
		return fail(sess, "checkStatusSheet", err)
	}
	if !sess.Silent() {
		fmt.Fprintln(sess.Stdout(), "Status sheet OK")
	}
	return true, nil
}
