package projectworker

import (
	"context"
	"time"

	"github.com/drewfead/schedd/internal/api"
	"github.com/drewfead/schedd/internal/spawn"
)

// RoleReport is the worker role argument of report workers.
const RoleReport = "report"

// SpawnLauncher starts report workers as child processes of this binary.
// The snapshot travels over the child's stdin.
type SpawnLauncher struct {
	HandoffTimeout time.Duration
	LogFile        string
}

func (l SpawnLauncher) LaunchReport(ctx context.Context, snapshot []byte) (api.Endpoint, error) {
	proc, err := spawn.Start(ctx, spawn.Options{
		Args:           spawn.RoleArgs(RoleReport),
		Stdin:          snapshot,
		LogFile:        l.LogFile,
		HandoffTimeout: l.HandoffTimeout,
	})
	if err != nil {
		return api.Endpoint{}, err
	}
	h := proc.Handoff()
	return api.Endpoint{Addr: h.Addr, Token: h.Token}, nil
}
