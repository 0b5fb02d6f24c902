package broker

import (
	"context"
	"time"

	"github.com/drewfead/schedd/internal/api"
	"github.com/drewfead/schedd/internal/logging"
	"golang.org/x/sync/errgroup"
)

// housekeepingLoop spawns queued workers, reaps dead records and sweeps
// heartbeats. It is the only place workers are started or torn down.
func (b *Broker) housekeepingLoop() {
	tick := b.config().Tick
	if tick <= 0 {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		ticked := false
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			ticked = true
		case <-b.wake:
		}

		for {
			req, ok := b.popRequest()
			if !ok {
				break
			}
			if !b.startWorker(req) {
				return
			}
		}

		b.reap()

		if ticked {
			b.ticks++
			if every := b.config().PingEvery; every > 0 && b.ticks%every == 0 {
				b.sweepHeartbeats()
			}
		}
	}
}

func (b *Broker) popRequest() (loadRequest, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return loadRequest{}, false
	}
	req := b.queue[0]
	b.queue = b.queue[1:]
	return req, true
}

// startWorker launches one project worker and resolves the request that
// asked for it. Failing to start a process is fatal to the broker.
func (b *Broker) startWorker(req loadRequest) bool {
	ep, pid, err := b.launcher.LaunchProject(b.ctx, LaunchSpec{
		Broker:  b.Addr(),
		Workdir: req.workdir,
		Files:   req.files,
	})
	if err != nil {
		req.reply <- nil
		logging.CaptureError(err, "op", "launch", "tag", req.tag)
		b.sup.Fatal("failed to start project worker", "tag", req.tag)
		return false
	}

	b.record(b.registry.Add(req.tag, ep, pid))
	rec, ok := b.registry.ByTag(req.tag)
	if !ok {
		req.reply <- nil
		return true
	}
	req.reply <- &rec.Endpoint
	return true
}

// reap removes obsolete and expired failed records, then sends each one a
// single terminate request outside the registry lock.
func (b *Broker) reap() {
	reaped := b.registry.Reap(b.config().FailedGrace)
	if len(reaped) == 0 {
		return
	}
	for _, rec := range reaped {
		logging.Info("reaping project worker", "tag", rec.Tag, "id", rec.ID, "state", rec.State, "pid", rec.PID)
	}
	b.terminate(b.ctx, reaped)
}

func (b *Broker) terminate(ctx context.Context, recs []ProjectRecord) {
	timeout := callTimeout(b.config())

	var g errgroup.Group
	for _, rec := range recs {
		if rec.Endpoint.Addr == "" {
			continue
		}
		g.Go(func() error {
			tctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			if err := api.Terminate(tctx, rec.Endpoint); err != nil {
				logging.Debug("project worker did not accept terminate", "tag", rec.Tag, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// sweepHeartbeats pings every live worker concurrently and obsoletes those
// that do not answer. They are reaped on the next pass.
func (b *Broker) sweepHeartbeats() {
	live := b.registry.Live()
	if len(live) == 0 {
		return
	}
	timeout := callTimeout(b.config())

	dead := make([]bool, len(live))
	var g errgroup.Group
	for i, rec := range live {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(b.ctx, timeout)
			defer cancel()
			if err := api.Ping(pctx, rec.Endpoint); err != nil {
				logging.Warn("project worker missed heartbeat", "tag", rec.Tag, "id", rec.ID, "error", err)
				dead[i] = true
			}
			return nil
		})
	}
	_ = g.Wait()

	var tags []string
	for i, rec := range live {
		if dead[i] {
			tags = append(tags, rec.Tag)
		}
	}
	if len(tags) == 0 {
		return
	}
	b.record(b.registry.MarkDead(tags)...)
}
