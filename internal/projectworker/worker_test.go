package projectworker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/drewfead/schedd/internal/api"
	"github.com/drewfead/schedd/internal/config"
	"github.com/drewfead/schedd/internal/project"
	"github.com/drewfead/schedd/internal/reportworker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastCapability = config.CapabilityConfig{
	WatchdogPoll:   10 * time.Millisecond,
	TerminateGrace: 10 * time.Millisecond,
}

// inProcessLauncher hosts report workers inside the test process.
type inProcessLauncher struct {
	mu      sync.Mutex
	workers []*reportworker.Worker
	fail    error
	cancel  []context.CancelFunc
}

func (l *inProcessLauncher) setFail(err error) {
	l.mu.Lock()
	l.fail = err
	l.mu.Unlock()
}

func (l *inProcessLauncher) LaunchReport(_ context.Context, snapshot []byte) (api.Endpoint, error) {
	l.mu.Lock()
	fail := l.fail
	l.mu.Unlock()
	if fail != nil {
		return api.Endpoint{}, fail
	}
	p, err := project.Restore(snapshot)
	if err != nil {
		return api.Endpoint{}, err
	}
	w, err := reportworker.New(p, reportworker.Options{
		Config:     config.ReportWorkerConfig{HeartbeatTimeout: time.Minute, Tick: 10 * time.Millisecond},
		Capability: fastCapability,
		Exit:       func(int) {},
	})
	if err != nil {
		return api.Endpoint{}, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	l.mu.Lock()
	l.workers = append(l.workers, w)
	l.cancel = append(l.cancel, cancel)
	l.mu.Unlock()
	return w.Endpoint(), nil
}

func (l *inProcessLauncher) kill(i int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cancel[i]()
}

func (l *inProcessLauncher) stopAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range l.cancel {
		c()
	}
}

type exits struct {
	codes chan int
}

func (e *exits) exit(code int) {
	select {
	case e.codes <- code:
	default:
	}
}

func (e *exits) wait(t *testing.T) int {
	t.Helper()
	select {
	case code := <-e.codes:
		return code
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit")
		return -1
	}
}

func defaultTimeouts() config.ProjectWorkerConfig {
	return config.ProjectWorkerConfig{
		NewTimeout:       time.Minute,
		LoadingTimeout:   time.Minute,
		FailedTimeout:    time.Minute,
		HeartbeatTimeout: time.Minute,
		Tick:             10 * time.Millisecond,
	}
}

func startWorker(t *testing.T, cfg config.ProjectWorkerConfig, opts ...func(*Options)) (*Worker, *exits, *inProcessLauncher) {
	t.Helper()
	launcher := &inProcessLauncher{}
	ex := &exits{codes: make(chan int, 4)}
	o := Options{
		Config:     cfg,
		Capability: fastCapability,
		Launcher:   launcher,
		Exit:       ex.exit,
	}
	for _, fn := range opts {
		fn(&o)
	}
	w, err := New(o)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		launcher.stopAll()
	})
	go w.Run(ctx)
	return w, ex, launcher
}

func writeProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "alpha.tjp"), []byte(
		"project alpha \"Alpha\"\ntask a \"A\" effort 1d\nreport plan \"plan.csv\"\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cycle.tjp"), []byte(
		"project beta \"Beta\"\ntask a \"A\" effort 1d depends b\ntask b \"B\" effort 1d depends a\n"), 0644))
	return dir
}

func TestLoadProjectReady(t *testing.T) {
	dir := writeProject(t)
	w, _, _ := startWorker(t, defaultTimeouts())

	ctx := context.Background()
	c, err := dialProject(ctx, w)
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, api.StateNew, w.State())
	require.NoError(t, c.LoadProject(ctx, dir, "alpha.tjp"))
	assert.Equal(t, api.StateReady, w.State())

	// A second load is refused.
	assert.ErrorIs(t, c.LoadProject(ctx, dir, "alpha.tjp"), api.ErrRejected)
}

func TestReportServerTags(t *testing.T) {
	dir := writeProject(t)
	w, _, launcher := startWorker(t, defaultTimeouts())

	ctx := context.Background()
	c, err := dialProject(ctx, w)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.LoadProject(ctx, dir, "alpha.tjp"))

	const n = 5
	eps := make([]*api.Endpoint, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pc, err := dialProject(ctx, w)
			if !assert.NoError(t, err) {
				return
			}
			defer pc.Close()
			ep, err := pc.ReportServer(ctx)
			assert.NoError(t, err)
			eps[i] = ep
		}()
	}
	wg.Wait()

	seen := make(map[string]bool)
	for _, ep := range eps {
		require.NotNil(t, ep)
		assert.False(t, seen[ep.Addr], "two callers resolved to the same report worker")
		seen[ep.Addr] = true
		require.NoError(t, api.Ping(ctx, *ep))
	}
	assert.Equal(t, n, w.ReportCount())

	// Ping prunes report workers that stopped answering.
	launcher.kill(0)
	require.NoError(t, api.Ping(ctx, w.Endpoint()))
	assert.Equal(t, n-1, w.ReportCount())
}

func TestReportServerOnFailedProject(t *testing.T) {
	dir := writeProject(t)
	w, ex, _ := startWorker(t, defaultTimeouts())

	ctx := context.Background()
	c, err := dialProject(ctx, w)
	require.NoError(t, err)
	defer c.Close()

	assert.ErrorIs(t, c.LoadProject(ctx, dir, "cycle.tjp"), api.ErrRejected)
	assert.Equal(t, api.StateFailed, w.State())

	done := make(chan *api.Endpoint, 1)
	go func() {
		ep, _ := c.ReportServer(ctx)
		done <- ep
	}()
	select {
	case ep := <-done:
		assert.Nil(t, ep)
	case <-time.After(3 * time.Second):
		t.Fatal("getReportServer hung on a failed project")
	}

	// The failed worker terminates itself gracefully.
	assert.Equal(t, 0, ex.wait(t))
}

func TestReportServerBeforeLoad(t *testing.T) {
	w, _, _ := startWorker(t, defaultTimeouts())
	c, err := dialProject(context.Background(), w)
	require.NoError(t, err)
	defer c.Close()

	ep, err := c.ReportServer(context.Background())
	require.NoError(t, err)
	assert.Nil(t, ep)
}

func TestStuckStateTimeout(t *testing.T) {
	cfg := defaultTimeouts()
	cfg.NewTimeout = 100 * time.Millisecond
	w, ex, _ := startWorker(t, cfg)

	assert.Equal(t, 1, ex.wait(t))
	<-w.Done()
}

func TestLoadingTimeout(t *testing.T) {
	cfg := defaultTimeouts()
	cfg.LoadingTimeout = 50 * time.Millisecond
	w, ex, _ := startWorker(t, cfg)

	// Hold the worker in loading as a client that died mid-load would.
	w.mu.Lock()
	w.setStateLocked(api.StateLoading)
	w.mu.Unlock()

	assert.Equal(t, 1, ex.wait(t))
}

func TestHeartbeatLoss(t *testing.T) {
	cfg := defaultTimeouts()
	cfg.HeartbeatTimeout = 100 * time.Millisecond
	_, ex, _ := startWorker(t, cfg)

	assert.Equal(t, 1, ex.wait(t))
}

func TestPingDefersHeartbeatLoss(t *testing.T) {
	cfg := defaultTimeouts()
	cfg.HeartbeatTimeout = 300 * time.Millisecond
	w, ex, _ := startWorker(t, cfg)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		require.NoError(t, api.Ping(context.Background(), w.Endpoint()))
		time.Sleep(50 * time.Millisecond)
	}
	select {
	case code := <-ex.codes:
		t.Fatalf("worker exited with %d while pinged", code)
	default:
	}
}

func TestLaunchFailureIsFatal(t *testing.T) {
	dir := writeProject(t)
	w, ex, launcher := startWorker(t, defaultTimeouts())
	launcher.setFail(errors.New("fork: resource temporarily unavailable"))

	ctx := context.Background()
	c, err := dialProject(ctx, w)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.LoadProject(ctx, dir, "alpha.tjp"))

	ep, _ := c.ReportServer(ctx)
	assert.Nil(t, ep)
	assert.Equal(t, 1, ex.wait(t))
}

func TestInitialLoadReportsToBroker(t *testing.T) {
	dir := writeProject(t)
	broker := newFakeBroker(t)

	w, _, _ := startWorker(t, defaultTimeouts(), func(o *Options) {
		o.Broker = broker.addr()
		o.Workdir = dir
		o.Files = []string{"alpha.tjp"}
	})
	broker.accept(w.Endpoint().Token)

	require.Eventually(t, func() bool {
		return w.State() == api.StateReady
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		updates := broker.received()
		return len(updates) == 2 && updates[1] == (api.UpdateStateParams{ID: "alpha", State: api.StateReady})
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, api.StateLoading, broker.received()[0].State)
}

func dialProject(ctx context.Context, w *Worker) (*api.ProjectClient, error) {
	return api.DialProject(ctx, w.Endpoint())
}
