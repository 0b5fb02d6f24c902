package broker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/drewfead/schedd/internal/api"
	"github.com/drewfead/schedd/internal/config"
	"github.com/drewfead/schedd/internal/project"
	"github.com/drewfead/schedd/internal/projectworker"
	"github.com/drewfead/schedd/internal/reportworker"
	"github.com/drewfead/schedd/internal/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Broker.Listen = "127.0.0.1:0"
	cfg.Broker.RuntimeDir = t.TempDir()
	cfg.Broker.Tick = 10 * time.Millisecond
	cfg.Broker.PingEvery = 5
	cfg.Broker.FailedGrace = 100 * time.Millisecond
	cfg.Broker.CallTimeout = 2 * time.Second
	cfg.ProjectWorker = config.ProjectWorkerConfig{
		NewTimeout:       time.Minute,
		LoadingTimeout:   time.Minute,
		FailedTimeout:    time.Minute,
		HeartbeatTimeout: time.Minute,
		Tick:             10 * time.Millisecond,
	}
	cfg.ReportWorker = config.ReportWorkerConfig{HeartbeatTimeout: time.Minute, Tick: 10 * time.Millisecond}
	cfg.Capability = config.CapabilityConfig{WatchdogPoll: 10 * time.Millisecond, TerminateGrace: 10 * time.Millisecond}
	return cfg
}

// reportLauncher hosts report workers inside the test process.
type reportLauncher struct {
	cfg *config.Config

	mu     sync.Mutex
	cancel []context.CancelFunc
}

func (l *reportLauncher) LaunchReport(_ context.Context, snapshot []byte) (api.Endpoint, error) {
	p, err := project.Restore(snapshot)
	if err != nil {
		return api.Endpoint{}, err
	}
	w, err := reportworker.New(p, reportworker.Options{
		Config:     l.cfg.ReportWorker,
		Capability: l.cfg.Capability,
		Exit:       func(int) {},
	})
	if err != nil {
		return api.Endpoint{}, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	l.mu.Lock()
	l.cancel = append(l.cancel, cancel)
	l.mu.Unlock()
	return w.Endpoint(), nil
}

func (l *reportLauncher) stopAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range l.cancel {
		c()
	}
}

type hostedWorker struct {
	w      *projectworker.Worker
	cancel context.CancelFunc
}

// inProcessLauncher hosts project workers inside the test process. Killing
// one stops its listener without any notification, like SIGKILL would.
type inProcessLauncher struct {
	cfg     *config.Config
	reports *reportLauncher

	mu      sync.Mutex
	workers []hostedWorker
	fail    error
}

func newLauncher(cfg *config.Config) *inProcessLauncher {
	return &inProcessLauncher{cfg: cfg, reports: &reportLauncher{cfg: cfg}}
}

func (l *inProcessLauncher) LaunchProject(_ context.Context, spec LaunchSpec) (api.Endpoint, int, error) {
	l.mu.Lock()
	fail := l.fail
	l.mu.Unlock()
	if fail != nil {
		return api.Endpoint{}, 0, fail
	}

	w, err := projectworker.New(projectworker.Options{
		Config:     l.cfg.ProjectWorker,
		Capability: l.cfg.Capability,
		Broker:     spec.Broker,
		Workdir:    spec.Workdir,
		Files:      spec.Files,
		Launcher:   l.reports,
		Exit:       func(int) {},
	})
	if err != nil {
		return api.Endpoint{}, 0, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.workers = append(l.workers, hostedWorker{w: w, cancel: cancel})
	return w.Endpoint(), 1000 + len(l.workers), nil
}

func (l *inProcessLauncher) setFail(err error) {
	l.mu.Lock()
	l.fail = err
	l.mu.Unlock()
}

func (l *inProcessLauncher) worker(i int) *projectworker.Worker {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.workers[i].w
}

func (l *inProcessLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.workers)
}

func (l *inProcessLauncher) kill(i int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.workers[i].cancel()
}

func (l *inProcessLauncher) stopAll() {
	l.mu.Lock()
	for _, h := range l.workers {
		h.cancel()
	}
	l.mu.Unlock()
	l.reports.stopAll()
}

type running struct {
	b    *Broker
	l    *inProcessLauncher
	done chan struct{}
	err  error
}

func (r *running) wait(t *testing.T) error {
	t.Helper()
	select {
	case <-r.done:
		return r.err
	case <-time.After(waitFor):
		t.Fatal("broker did not stop")
		return nil
	}
}

func startBroker(t *testing.T, cfg *config.Config) *running {
	t.Helper()
	l := newLauncher(cfg)
	b, err := New(Options{Config: cfg, Launcher: l})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	r := &running{b: b, l: l, done: make(chan struct{})}
	go func() {
		r.err = b.Run(ctx)
		close(r.done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-r.done:
		case <-time.After(waitFor):
		}
		l.stopAll()
	})
	return r
}

func dial(t *testing.T, r *running) *api.BrokerClient {
	t.Helper()
	c, err := api.DialBroker(context.Background(), r.b.Addr(), r.b.Token())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func writeProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "alpha.tjp"), []byte(
		"project alpha \"Alpha\" 2024-01-01\ntask design \"Design\" effort 2d\nreport plan \"plan.csv\"\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cycle.tjp"), []byte(
		"project beta \"Beta\"\ntask a \"A\" effort 1d depends b\ntask b \"B\" effort 1d depends a\n"), 0644))
	return dir
}

func waitReady(t *testing.T, c *api.BrokerClient, id string) *api.Endpoint {
	t.Helper()
	var ep *api.Endpoint
	require.Eventually(t, func() bool {
		got, err := c.GetProject(context.Background(), id)
		if err != nil || got == nil {
			return false
		}
		ep = got
		return true
	}, waitFor, 10*time.Millisecond)
	return ep
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestAddProjectBecomesReady(t *testing.T) {
	dir := writeProject(t)
	r := startBroker(t, testConfig(t))
	c := dial(t, r)
	ctx := context.Background()

	ep, err := c.AddProject(ctx, dir, "alpha.tjp")
	require.NoError(t, err)
	require.NotNil(t, ep)

	ready := waitReady(t, c, "alpha")
	assert.Equal(t, ep.Addr, ready.Addr)

	status, err := c.Status(ctx)
	require.NoError(t, err)
	require.Len(t, status.Projects, 1)
	assert.Equal(t, api.StateReady, status.Projects[0].State)
	assert.Equal(t, 1001, status.Projects[0].PID)
	assert.Contains(t, status.Table, "alpha")
	assert.Contains(t, status.Table, "ready")

	// Follow the chain down to a report worker.
	pc, err := api.DialProject(ctx, *ready)
	require.NoError(t, err)
	defer pc.Close()
	rep, err := pc.ReportServer(ctx)
	require.NoError(t, err)
	require.NotNil(t, rep)

	rc, err := api.DialReport(ctx, *rep)
	require.NoError(t, err)
	defer rc.Close()

	var mu sync.Mutex
	var out strings.Builder
	rc.OnEvent(func(e rpc.Event) {
		mu.Lock()
		out.WriteString(e.Payload)
		mu.Unlock()
	})
	require.NoError(t, rc.Connect(ctx, false, ""))
	require.NoError(t, rc.ListReports(ctx, "", false))
	require.NoError(t, rc.Disconnect(ctx))

	mu.Lock()
	assert.Contains(t, out.String(), "plan")
	mu.Unlock()
}

func TestAddEmptyProjectThenLoad(t *testing.T) {
	dir := writeProject(t)
	r := startBroker(t, testConfig(t))
	c := dial(t, r)
	ctx := context.Background()

	ep, err := c.AddProject(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, ep)

	status, err := c.Status(ctx)
	require.NoError(t, err)
	require.Len(t, status.Projects, 1)
	assert.Equal(t, api.StateNew, status.Projects[0].State)

	pc, err := api.DialProject(ctx, *ep)
	require.NoError(t, err)
	defer pc.Close()
	require.NoError(t, pc.LoadProject(ctx, dir, "alpha.tjp"))

	assert.Equal(t, ep.Addr, waitReady(t, c, "alpha").Addr)
}

func TestConcurrentAddsResolveOwnTags(t *testing.T) {
	r := startBroker(t, testConfig(t))
	c := dial(t, r)
	ctx := context.Background()

	const n = 6
	eps := make([]*api.Endpoint, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bc, err := api.DialBroker(ctx, r.b.Addr(), r.b.Token())
			if !assert.NoError(t, err) {
				return
			}
			defer bc.Close()
			ep, err := bc.AddProject(ctx, "")
			assert.NoError(t, err)
			eps[i] = ep
		}()
	}
	wg.Wait()

	seen := make(map[string]bool)
	for _, ep := range eps {
		require.NotNil(t, ep)
		assert.False(t, seen[ep.Addr], "two callers resolved to the same worker")
		seen[ep.Addr] = true
		require.NoError(t, api.Ping(ctx, *ep))
	}

	status, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Len(t, status.Projects, n)
}

func TestReloadObsoletesPrevious(t *testing.T) {
	dir := writeProject(t)
	r := startBroker(t, testConfig(t))
	c := dial(t, r)
	ctx := context.Background()

	first, err := c.AddProject(ctx, dir, "alpha.tjp")
	require.NoError(t, err)
	assert.Equal(t, first.Addr, waitReady(t, c, "alpha").Addr)

	second, err := c.AddProject(ctx, dir, "alpha.tjp")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		ep, err := c.GetProject(ctx, "alpha")
		return err == nil && ep != nil && ep.Addr == second.Addr
	}, waitFor, 10*time.Millisecond)

	// The superseded worker is reaped and told to terminate.
	require.Eventually(t, func() bool {
		return isClosed(r.l.worker(0).Done())
	}, waitFor, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		status, err := c.Status(ctx)
		return err == nil && len(status.Projects) == 1
	}, waitFor, 10*time.Millisecond)
	assert.False(t, isClosed(r.l.worker(1).Done()))
}

func TestRemoveProject(t *testing.T) {
	dir := writeProject(t)
	r := startBroker(t, testConfig(t))
	c := dial(t, r)
	ctx := context.Background()

	_, err := c.AddProject(ctx, dir, "alpha.tjp")
	require.NoError(t, err)
	waitReady(t, c, "alpha")

	require.NoError(t, c.RemoveProject(ctx, "1"))
	require.Eventually(t, func() bool {
		return isClosed(r.l.worker(0).Done())
	}, waitFor, 10*time.Millisecond)

	status, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Empty(t, status.Projects)
	assert.Error(t, c.RemoveProject(ctx, "alpha"))

	ep, err := c.GetProject(ctx, "alpha")
	require.NoError(t, err)
	assert.Nil(t, ep)
}

func TestFailedProjectIsReaped(t *testing.T) {
	dir := writeProject(t)
	r := startBroker(t, testConfig(t))
	c := dial(t, r)
	ctx := context.Background()

	ep, err := c.AddProject(ctx, dir, "cycle.tjp")
	require.NoError(t, err)
	require.NotNil(t, ep)

	require.Eventually(t, func() bool {
		history, err := c.History(ctx, 50)
		if err != nil {
			return false
		}
		for _, tr := range history {
			if tr.To == api.StateFailed {
				return true
			}
		}
		return false
	}, waitFor, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		status, err := c.Status(ctx)
		return err == nil && len(status.Projects) == 0
	}, waitFor, 10*time.Millisecond)

	got, err := c.GetProject(ctx, "beta")
	require.NoError(t, err)
	assert.Nil(t, got)

	// A failed worker terminates itself.
	require.Eventually(t, func() bool {
		return isClosed(r.l.worker(0).Done())
	}, waitFor, 10*time.Millisecond)
}

func TestHeartbeatLossObsoletes(t *testing.T) {
	dir := writeProject(t)
	r := startBroker(t, testConfig(t))
	c := dial(t, r)
	ctx := context.Background()

	_, err := c.AddProject(ctx, dir, "alpha.tjp")
	require.NoError(t, err)
	waitReady(t, c, "alpha")

	r.l.kill(0)

	require.Eventually(t, func() bool {
		status, err := c.Status(ctx)
		return err == nil && len(status.Projects) == 0
	}, waitFor, 10*time.Millisecond)

	history, err := c.History(ctx, 50)
	require.NoError(t, err)
	var causes []string
	for _, tr := range history {
		causes = append(causes, tr.Cause)
	}
	assert.Contains(t, causes, "heartbeat lost")
}

func TestTokenIsolation(t *testing.T) {
	r := startBroker(t, testConfig(t))
	ctx := context.Background()

	bad, err := api.DialBroker(ctx, r.b.Addr(), "12345")
	require.NoError(t, err)
	defer bad.Close()

	v, err := bad.APIVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, api.VersionBadToken, v)

	_, err = bad.Status(ctx)
	assert.ErrorIs(t, err, api.ErrRejected)
	_, err = bad.AddProject(ctx, "")
	assert.ErrorIs(t, err, api.ErrRejected)
	assert.ErrorIs(t, bad.Stop(ctx), api.ErrRejected)
	assert.ErrorIs(t, bad.UpdateState(ctx, "alpha", api.StateReady), api.ErrRejected)

	good := dial(t, r)
	v, err = good.APIVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, api.VersionMatch, v)

	var mismatch int
	require.NoError(t, rpc.Call(ctx, r.b.Addr(), r.b.Token(), api.MethodAPIVersion, api.VersionParams{Version: 99}, &mismatch))
	assert.Equal(t, api.VersionMismatch, mismatch)

	// A worker's token does not open the broker's command surface.
	ep, err := good.AddProject(ctx, "")
	require.NoError(t, err)
	asWorker, err := api.DialBroker(ctx, r.b.Addr(), ep.Token)
	require.NoError(t, err)
	defer asWorker.Close()
	_, err = asWorker.Status(ctx)
	assert.ErrorIs(t, err, api.ErrRejected)

	// And the broker's key does not open the worker.
	assert.ErrorIs(t, api.Ping(ctx, api.Endpoint{Addr: ep.Addr, Token: r.b.Token()}), api.ErrRejected)
}

func TestStopTerminatesWorkers(t *testing.T) {
	dir := writeProject(t)
	r := startBroker(t, testConfig(t))
	c := dial(t, r)
	ctx := context.Background()

	_, err := c.AddProject(ctx, dir, "alpha.tjp")
	require.NoError(t, err)
	waitReady(t, c, "alpha")

	require.NoError(t, c.Stop(ctx))
	require.NoError(t, r.wait(t))
	require.Eventually(t, func() bool {
		return isClosed(r.l.worker(0).Done())
	}, waitFor, 10*time.Millisecond)

	_, err = api.DialBroker(ctx, r.b.Addr(), r.b.Token())
	assert.Error(t, err)
}

func TestLaunchFailureIsFatal(t *testing.T) {
	r := startBroker(t, testConfig(t))
	r.l.setFail(errors.New("fork: resource temporarily unavailable"))
	c := dial(t, r)

	ep, _ := c.AddProject(context.Background(), "")
	assert.Nil(t, ep)
	assert.ErrorIs(t, r.wait(t), ErrFatal)
}

func TestPreloadProjects(t *testing.T) {
	dir := writeProject(t)
	cfg := testConfig(t)
	cfg.Broker.Projects = [][]string{{dir, "alpha.tjp"}}
	r := startBroker(t, cfg)

	waitReady(t, dial(t, r), "alpha")
	assert.Equal(t, 1, r.l.count())
}

func TestHistoryInSQLite(t *testing.T) {
	dir := writeProject(t)
	cfg := testConfig(t)
	cfg.Broker.EventLog = filepath.Join(t.TempDir(), "events.db")
	r := startBroker(t, cfg)
	c := dial(t, r)
	ctx := context.Background()

	_, err := c.AddProject(ctx, dir, "alpha.tjp")
	require.NoError(t, err)
	waitReady(t, c, "alpha")

	var states []api.State
	require.Eventually(t, func() bool {
		history, err := c.History(ctx, 10)
		if err != nil {
			return false
		}
		states = states[:0]
		for _, tr := range history {
			states = append(states, tr.To)
		}
		return len(states) >= 3
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, []api.State{api.StateNew, api.StateLoading, api.StateReady}, states[:3])
}

func TestSecondBrokerIsLocked(t *testing.T) {
	cfg := testConfig(t)
	r := startBroker(t, cfg)

	_, err := New(Options{Config: cfg, Launcher: newLauncher(cfg)})
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	key, err := ClientAuthKey(cfg)
	require.NoError(t, err)
	assert.Equal(t, r.b.Token(), key)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"empty project entry", func(c *config.Config) { c.Broker.Projects = [][]string{{}} }},
		{"workdir without files", func(c *config.Config) { c.Broker.Projects = [][]string{{"/work"}} }},
		{"zero tick", func(c *config.Config) { c.Broker.Tick = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(cfg)

			b, err := New(Options{Config: cfg, Launcher: newLauncher(cfg)})
			require.Error(t, err)
			assert.Nil(t, b)
			assert.Contains(t, err.Error(), "invalid config")

			// Nothing was locked, so a valid broker can still start here.
			cfg.Broker.Projects = nil
			cfg.Broker.Tick = 10 * time.Millisecond
			startBroker(t, cfg)
		})
	}
}
