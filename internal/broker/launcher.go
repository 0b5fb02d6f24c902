package broker

import (
	"context"
	"time"

	"github.com/drewfead/schedd/internal/api"
	"github.com/drewfead/schedd/internal/spawn"
)

// RoleProject is the worker role argument of project workers.
const RoleProject = "project"

// LaunchSpec describes a project worker to start.
type LaunchSpec struct {
	// Broker is where the worker reports state changes.
	Broker string
	// Workdir and Files are loaded at startup when Files is non-empty.
	Workdir string
	Files   []string
}

// Launcher starts project workers.
type Launcher interface {
	LaunchProject(ctx context.Context, spec LaunchSpec) (api.Endpoint, int, error)
}

// SpawnLauncher starts project workers as child processes of this binary.
type SpawnLauncher struct {
	HandoffTimeout time.Duration
	LogFile        string
	// ConfigPath is passed on so workers read the broker's configuration.
	ConfigPath string
}

// ProjectArgs builds the worker command line for spec. The broker address
// travels in the environment, see ProjectEnv.
func ProjectArgs(spec LaunchSpec) []string {
	var args []string
	if spec.Workdir != "" {
		args = append(args, "--workdir", spec.Workdir)
	}
	if len(spec.Files) > 0 {
		args = append(args, "--")
		args = append(args, spec.Files...)
	}
	return spawn.RoleArgs(RoleProject, args...)
}

// ProjectEnv is the environment a project worker is started with on top of
// the broker's own.
func ProjectEnv(spec LaunchSpec, configPath string) []string {
	env := []string{spawn.EnvBroker + "=" + spec.Broker}
	if configPath != "" {
		env = append(env, "SCHEDD_CONFIG="+configPath)
	}
	return env
}

func (l SpawnLauncher) LaunchProject(ctx context.Context, spec LaunchSpec) (api.Endpoint, int, error) {
	proc, err := spawn.Start(ctx, spawn.Options{
		Args:           ProjectArgs(spec),
		Env:            ProjectEnv(spec, l.ConfigPath),
		LogFile:        l.LogFile,
		HandoffTimeout: l.HandoffTimeout,
	})
	if err != nil {
		return api.Endpoint{}, 0, err
	}
	h := proc.Handoff()
	return api.Endpoint{Addr: h.Addr, Token: h.Token}, h.PID, nil
}
