package projectworker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/drewfead/schedd/internal/api"
	"github.com/drewfead/schedd/internal/rpc"
	"github.com/stretchr/testify/require"
)

// fakeBroker answers updateState for one accepted worker token.
type fakeBroker struct {
	srv *rpc.Server

	mu      sync.Mutex
	token   string
	updates []api.UpdateStateParams
}

func newFakeBroker(t *testing.T) *fakeBroker {
	t.Helper()
	b := &fakeBroker{srv: rpc.NewServer("127.0.0.1:0")}
	b.srv.Handle(api.MethodUpdateState, func(_ context.Context, req *rpc.Request) (any, error) {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.token == "" || req.Token != b.token {
			return false, nil
		}
		var p api.UpdateStateParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, err
		}
		b.updates = append(b.updates, p)
		return true, nil
	})
	require.NoError(t, b.srv.Start())
	t.Cleanup(func() { b.srv.Stop() })
	return b
}

func (b *fakeBroker) addr() string {
	return b.srv.Addr()
}

func (b *fakeBroker) accept(token string) {
	b.mu.Lock()
	b.token = token
	b.mu.Unlock()
}

func (b *fakeBroker) received() []api.UpdateStateParams {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]api.UpdateStateParams(nil), b.updates...)
}
