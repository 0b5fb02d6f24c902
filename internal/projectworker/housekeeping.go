package projectworker

import (
	"context"
	"time"

	"github.com/drewfead/schedd/internal/api"
	"github.com/drewfead/schedd/internal/logging"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const reportCallTimeout = 3 * time.Second

func newTag() string {
	return uuid.NewString()
}

func (w *Worker) housekeepingLoop(ctx context.Context) {
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
		case <-ticker.C:
		case <-w.wake:
		}

		for {
			req, ok := w.popRequest()
			if !ok {
				break
			}
			w.startReport(ctx, req)
		}
		w.enforceTimeouts(time.Now())
	}
}

func (w *Worker) popRequest() (spawnRequest, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return spawnRequest{}, false
	}
	req := w.queue[0]
	w.queue = w.queue[1:]
	return req, true
}

// startReport launches one report worker and resolves the request that
// asked for it. Failing to start a process is fatal.
func (w *Worker) startReport(ctx context.Context, req spawnRequest) {
	w.mu.Lock()
	p := w.project
	w.mu.Unlock()

	snapshot, err := p.Snapshot()
	if err != nil {
		logging.CaptureError(err, "op", "snapshot", "tag", req.tag)
		req.reply <- nil
		return
	}

	ep, err := w.opts.Launcher.LaunchReport(ctx, snapshot)
	if err != nil {
		req.reply <- nil
		w.sup.Fatal("failed to start report worker", "error", err)
		return
	}

	w.mu.Lock()
	w.reports = append(w.reports, reportRecord{Tag: req.tag, Endpoint: ep})
	rec, _ := w.reportByTagLocked(req.tag)
	w.mu.Unlock()

	logging.Info("report worker started", "tag", req.tag, "addr", ep.Addr)
	req.reply <- &rec.Endpoint
}

func (w *Worker) reportByTagLocked(tag string) (reportRecord, bool) {
	for _, r := range w.reports {
		if r.Tag == tag {
			return r, true
		}
	}
	return reportRecord{}, false
}

func (w *Worker) stateTimeout(s api.State) time.Duration {
	cfg := w.opts.Config
	switch s {
	case api.StateNew:
		return cfg.NewTimeout
	case api.StateLoading:
		return cfg.LoadingTimeout
	case api.StateFailed:
		return cfg.FailedTimeout
	case api.StateReady:
		return cfg.ReadyTimeout
	}
	return 0
}

// enforceTimeouts ends the process when a state has been held too long or
// the broker has gone quiet. Both mean the counterpart is gone.
func (w *Worker) enforceTimeouts(now time.Time) {
	w.mu.Lock()
	state, since, lastPing := w.state, w.stateSince, w.lastPing
	w.mu.Unlock()

	if limit := w.stateTimeout(state); limit > 0 && now.Sub(since) > limit {
		w.sup.Fatal("project worker stuck in state", "state", state, "held", now.Sub(since).Round(time.Millisecond), "limit", limit)
		return
	}
	if hb := w.opts.Config.HeartbeatTimeout; hb > 0 && now.Sub(lastPing) > hb {
		w.sup.Fatal("no heartbeat from broker", "silence", now.Sub(lastPing).Round(time.Millisecond), "limit", hb)
	}
}

// pruneReports pings every report worker, which also keeps the live ones
// from timing out, and drops those that do not answer.
func (w *Worker) pruneReports(ctx context.Context) {
	w.mu.Lock()
	reports := append([]reportRecord(nil), w.reports...)
	w.mu.Unlock()
	if len(reports) == 0 {
		return
	}

	dead := make([]bool, len(reports))
	var g errgroup.Group
	for i, r := range reports {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, reportCallTimeout)
			defer cancel()
			if err := api.Ping(pctx, r.Endpoint); err != nil {
				logging.Debug("report worker did not answer ping", "tag", r.Tag, "error", err)
				dead[i] = true
			}
			return nil
		})
	}
	_ = g.Wait()

	gone := make(map[string]bool)
	for i, r := range reports {
		if dead[i] {
			gone[r.Tag] = true
		}
	}
	if len(gone) == 0 {
		return
	}

	w.mu.Lock()
	kept := w.reports[:0]
	for _, r := range w.reports {
		if !gone[r.Tag] {
			kept = append(kept, r)
		}
	}
	w.reports = kept
	w.mu.Unlock()

	logging.Info("pruned report workers", "count", len(gone))
}

// ReportCount returns the number of tracked report workers.
func (w *Worker) ReportCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.reports)
}

func (w *Worker) terminateReports() {
	w.mu.Lock()
	reports := append([]reportRecord(nil), w.reports...)
	w.reports = nil
	w.mu.Unlock()

	var g errgroup.Group
	for _, r := range reports {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), reportCallTimeout)
			defer cancel()
			if err := api.Terminate(ctx, r.Endpoint); err != nil {
				logging.Debug("report worker did not accept terminate", "tag", r.Tag, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}
