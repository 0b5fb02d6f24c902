package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/drewfead/schedd/internal/api"
	"github.com/drewfead/schedd/internal/logging"
	"github.com/drewfead/schedd/internal/rpc"
	"github.com/google/uuid"
)

const defaultHistory = 20

func (b *Broker) registerHandlers() {
	srv := b.sup.Server()
	// apiVersion answers 0 for a bad key instead of false, and updateState
	// is authenticated by the calling worker's own token.
	srv.Handle(api.MethodAPIVersion, b.handleAPIVersion)
	srv.Handle(api.MethodUpdateState, b.handleUpdateState)

	b.sup.RegisterControl()
	b.sup.Handle(api.MethodCommand, b.handleCommand)
}

func (b *Broker) handleAPIVersion(_ context.Context, req *rpc.Request) (any, error) {
	if !b.sup.Authorized(api.MethodAPIVersion, req.Token) {
		return api.VersionBadToken, nil
	}
	var p api.VersionParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.Version != api.Version {
		logging.Warn("client protocol version mismatch", "client", p.Version, "broker", api.Version)
		return api.VersionMismatch, nil
	}
	return api.VersionMatch, nil
}

func (b *Broker) handleUpdateState(_ context.Context, req *rpc.Request) (any, error) {
	var p api.UpdateStateParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if !p.State.Valid() || p.State == api.StateObsolete {
		return nil, fmt.Errorf("invalid state %q", p.State)
	}

	transitions, ok := b.registry.UpdateState(req.Token, p.ID, p.State)
	if !ok {
		logging.Debug("updateState rejected", "id", p.ID, "state", p.State)
		return false, nil
	}
	b.record(transitions...)
	return true, nil
}

func (b *Broker) handleCommand(ctx context.Context, req *rpc.Request) (any, error) {
	var p api.CommandParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}

	switch p.Cmd {
	case api.CmdStatus:
		rows := b.registry.Status()
		return api.StatusResult{Projects: rows, Table: renderStatus(rows)}, nil

	case api.CmdStop:
		b.sup.Terminate()
		return true, nil

	case api.CmdAddProject:
		var workdir string
		var files []string
		if len(p.Args) > 0 {
			if len(p.Args) < 2 {
				return nil, errors.New("addProject needs a working directory and at least one file")
			}
			workdir, files = p.Args[0], p.Args[1:]
		}
		return b.addProject(ctx, workdir, files), nil

	case api.CmdRemoveProject:
		if len(p.Args) != 1 {
			return nil, errors.New("removeProject takes one index or project ID")
		}
		transitions := b.registry.MarkObsolete(p.Args[0])
		b.record(transitions...)
		if len(transitions) > 0 {
			b.nudge()
		}
		return len(transitions) > 0, nil

	case api.CmdGetProject:
		if len(p.Args) != 1 {
			return nil, errors.New("getProject takes one project ID")
		}
		return b.registry.Ready(p.Args[0]), nil

	case api.CmdHistory:
		n := defaultHistory
		if len(p.Args) > 0 {
			v, err := strconv.Atoi(p.Args[0])
			if err != nil || v <= 0 {
				return nil, fmt.Errorf("invalid history length %q", p.Args[0])
			}
			n = v
		}
		out, err := b.events.Log.Recent(ctx, n)
		if err != nil {
			return nil, err
		}
		if out == nil {
			out = []api.Transition{}
		}
		return out, nil
	}

	logging.Warn("unknown broker command", "cmd", p.Cmd)
	return nil, fmt.Errorf("unknown command %q", p.Cmd)
}

// addProject queues a spawn for a fresh tag and waits until housekeeping
// has created the record. A broker that is shutting down answers nil.
func (b *Broker) addProject(ctx context.Context, workdir string, files []string) *api.Endpoint {
	if b.sup.Terminating() {
		return nil
	}
	req := loadRequest{
		tag:     uuid.NewString(),
		workdir: workdir,
		files:   files,
		reply:   make(chan *api.Endpoint, 1),
	}

	b.mu.Lock()
	b.queue = append(b.queue, req)
	b.mu.Unlock()
	b.nudge()

	select {
	case ep := <-req.reply:
		return ep
	case <-b.sup.Stopped():
		return nil
	case <-ctx.Done():
		return nil
	}
}

// renderStatus lays out the registry as a fixed-width table.
func renderStatus(rows []api.ProjectStatus) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%-4s %-20s %-9s %s\n", "No.", "Project ID", "State", "Ready since")
	fmt.Fprintf(&sb, "%s\n", strings.Repeat("-", 56))
	for _, r := range rows {
		id := r.ID
		if id == "" {
			id = "<unknown>"
		}
		since := ""
		if !r.ReadySince.IsZero() {
			since = r.ReadySince.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(&sb, "%-4d %-20s %-9s %s\n", r.No, id, r.State, since)
	}
	return sb.String()
}
