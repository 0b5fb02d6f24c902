package broker

import (
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/drewfead/schedd/internal/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addRecords(r *Registry, n int) {
	for i := 0; i < n; i++ {
		s := strconv.Itoa(i + 1)
		r.Add("tag-"+s, api.Endpoint{Addr: "127.0.0.1:" + s, Token: "token-" + s}, 100+i)
	}
}

func TestUpdateStateSingleReady(t *testing.T) {
	r := NewRegistry()
	addRecords(r, 3)

	for i := 1; i <= 3; i++ {
		_, ok := r.UpdateState("token-"+strconv.Itoa(i), "alpha", api.StateReady)
		require.True(t, ok)

		ready := 0
		for _, rec := range r.All() {
			if rec.ID == "alpha" && rec.State == api.StateReady {
				ready++
				assert.Equal(t, "tag-"+strconv.Itoa(i), rec.Tag)
				assert.False(t, rec.ReadySince.IsZero())
			}
		}
		assert.Equal(t, 1, ready)
	}

	ep := r.Ready("alpha")
	require.NotNil(t, ep)
	assert.Equal(t, "token-3", ep.Token)
}

func TestUpdateStateConcurrentReady(t *testing.T) {
	r := NewRegistry()
	addRecords(r, 20)

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.UpdateState("token-"+strconv.Itoa(i), "alpha", api.StateReady)
		}()
	}
	wg.Wait()

	ready := 0
	for _, rec := range r.All() {
		if rec.State == api.StateReady {
			ready++
		}
	}
	assert.Equal(t, 1, ready)
}

func TestUpdateStateUnknownToken(t *testing.T) {
	r := NewRegistry()
	addRecords(r, 1)

	_, ok := r.UpdateState("not-a-token", "alpha", api.StateReady)
	assert.False(t, ok)
	_, ok = r.UpdateState("", "alpha", api.StateReady)
	assert.False(t, ok)
	assert.Nil(t, r.Ready("alpha"))
}

func TestUpdateStateFailedClearsAddr(t *testing.T) {
	r := NewRegistry()
	addRecords(r, 1)

	transitions, ok := r.UpdateState("token-1", "", api.StateFailed)
	require.True(t, ok)
	require.Len(t, transitions, 1)
	assert.Equal(t, api.StateNew, transitions[0].From)
	assert.Equal(t, api.StateFailed, transitions[0].To)

	rec, _ := r.ByTag("tag-1")
	assert.Empty(t, rec.Endpoint.Addr)
	assert.Empty(t, r.Live())
}

func TestUpdateStateReadyNeedsID(t *testing.T) {
	r := NewRegistry()
	addRecords(r, 3)
	_, ok := r.UpdateState("token-1", "", api.StateLoading)
	require.True(t, ok)
	_, ok = r.UpdateState("token-2", "", api.StateLoading)
	require.True(t, ok)

	transitions, ok := r.UpdateState("token-3", "", api.StateReady)
	assert.False(t, ok)
	assert.Empty(t, transitions)

	for i, want := range []api.State{api.StateLoading, api.StateLoading, api.StateNew} {
		rec, _ := r.ByTag("tag-" + strconv.Itoa(i+1))
		assert.Equal(t, want, rec.State, "tag-%d", i+1)
	}
}

func TestUpdateStateRejectsBackwardMoves(t *testing.T) {
	cases := []api.State{api.StateNew, api.StateLoading, api.StateFailed}
	for _, to := range cases {
		t.Run(string(to), func(t *testing.T) {
			r := NewRegistry()
			addRecords(r, 1)
			_, ok := r.UpdateState("token-1", "alpha", api.StateReady)
			require.True(t, ok)

			transitions, ok := r.UpdateState("token-1", "", to)
			assert.False(t, ok)
			assert.Empty(t, transitions)

			rec, _ := r.ByTag("tag-1")
			assert.Equal(t, api.StateReady, rec.State)
			assert.Equal(t, "127.0.0.1:1", rec.Endpoint.Addr)
			require.NotNil(t, r.Ready("alpha"))
		})
	}
}

func TestUpdateStateTransitions(t *testing.T) {
	tests := []struct {
		name  string
		steps []api.State
		want  []bool
	}{
		{"load then ready", []api.State{api.StateLoading, api.StateReady}, []bool{true, true}},
		{"load then fail", []api.State{api.StateLoading, api.StateFailed}, []bool{true, true}},
		{"initial load ready", []api.State{api.StateReady}, []bool{true}},
		{"repeat is a no-op", []api.State{api.StateLoading, api.StateLoading}, []bool{true, true}},
		{"loading back to new", []api.State{api.StateLoading, api.StateNew}, []bool{true, false}},
		{"failed then ready", []api.State{api.StateFailed, api.StateReady}, []bool{true, false}},
		{"failed then loading", []api.State{api.StateFailed, api.StateLoading}, []bool{true, false}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			addRecords(r, 1)
			for i, s := range tt.steps {
				_, ok := r.UpdateState("token-1", "alpha", s)
				assert.Equal(t, tt.want[i], ok, "step %d (%s)", i, s)
			}
		})
	}
}

func TestUpdateStateKeepsID(t *testing.T) {
	r := NewRegistry()
	addRecords(r, 1)
	_, ok := r.UpdateState("token-1", "alpha", api.StateLoading)
	require.True(t, ok)

	_, ok = r.UpdateState("token-1", "beta", api.StateReady)
	assert.False(t, ok)
	_, ok = r.UpdateState("token-1", "", api.StateReady)
	assert.True(t, ok)
	assert.NotNil(t, r.Ready("alpha"))
}

func TestUpdateStateSkipsObsolete(t *testing.T) {
	r := NewRegistry()
	addRecords(r, 1)
	r.MarkObsolete("1")

	transitions, ok := r.UpdateState("token-1", "alpha", api.StateReady)
	assert.True(t, ok)
	assert.Empty(t, transitions)
	assert.Nil(t, r.Ready("alpha"))
}

func TestMarkObsolete(t *testing.T) {
	r := NewRegistry()
	addRecords(r, 3)
	r.UpdateState("token-1", "alpha", api.StateLoading)
	r.UpdateState("token-3", "alpha", api.StateLoading)

	assert.Len(t, r.MarkObsolete("2"), 1)
	assert.Empty(t, r.MarkObsolete("2"), "already obsolete")
	assert.Empty(t, r.MarkObsolete("9"))
	assert.Empty(t, r.MarkObsolete("0"))
	assert.Len(t, r.MarkObsolete("alpha"), 2)
	assert.Empty(t, r.MarkObsolete("beta"))
}

func TestReapExactlyOnce(t *testing.T) {
	r := NewRegistry()
	addRecords(r, 50)
	for i := 1; i <= 50; i++ {
		r.MarkObsolete(strconv.Itoa(i))
	}

	var total atomic.Int32
	seen := sync.Map{}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, rec := range r.Reap(time.Minute) {
				total.Add(1)
				_, dup := seen.LoadOrStore(rec.Tag, true)
				assert.False(t, dup, "record %s reaped twice", rec.Tag)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(50), total.Load())
	assert.Empty(t, r.All())
}

func TestReapFailedAfterGrace(t *testing.T) {
	r := NewRegistry()
	now := time.Now()
	r.now = func() time.Time { return now }
	addRecords(r, 2)
	r.UpdateState("token-1", "", api.StateFailed)

	assert.Empty(t, r.Reap(time.Minute))

	now = now.Add(time.Minute)
	reaped := r.Reap(time.Minute)
	require.Len(t, reaped, 1)
	assert.Equal(t, "tag-1", reaped[0].Tag)
	assert.Len(t, r.All(), 1)
}

func TestStatusPositions(t *testing.T) {
	r := NewRegistry()
	addRecords(r, 2)
	r.UpdateState("token-2", "beta", api.StateReady)

	rows := r.Status()
	require.Len(t, rows, 2)
	assert.Equal(t, 1, rows[0].No)
	assert.Equal(t, api.StateNew, rows[0].State)
	assert.Equal(t, 2, rows[1].No)
	assert.Equal(t, "beta", rows[1].ID)

	table := renderStatus(rows)
	assert.Contains(t, table, "Project ID")
	assert.Contains(t, table, "<unknown>")
	assert.Contains(t, table, "beta")
}
