package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/drewfead/schedd/internal/capability"
	"github.com/drewfead/schedd/internal/rpc"
)

// call performs one RPC and decodes the result into out. A literal false
// answer becomes ErrRejected unless out is itself a bool.
func call(ctx context.Context, c *rpc.Client, method string, params, out any) error {
	var raw json.RawMessage
	if err := c.Call(ctx, method, params, &raw); err != nil {
		return err
	}
	if b, ok := out.(*bool); ok {
		if len(raw) == 0 {
			*b = false
			return nil
		}
		return json.Unmarshal(raw, b)
	}
	if bytes.Equal(bytes.TrimSpace(raw), []byte("false")) {
		return fmt.Errorf("%s: %w", method, ErrRejected)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: decode result: %w", method, err)
	}
	return nil
}

// callOK performs an RPC whose answer is a bool and maps false to ErrRejected.
func callOK(ctx context.Context, c *rpc.Client, method string, params any) error {
	var ok bool
	if err := call(ctx, c, method, params, &ok); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: %w", method, ErrRejected)
	}
	return nil
}

// BrokerClient talks to the broker.
type BrokerClient struct {
	c *rpc.Client
}

// DialBroker connects to the broker at addr.
func DialBroker(ctx context.Context, addr, token string) (*BrokerClient, error) {
	c, err := rpc.Dial(ctx, addr, token)
	if err != nil {
		return nil, err
	}
	return &BrokerClient{c: c}, nil
}

func (b *BrokerClient) Close() error {
	return b.c.Close()
}

// APIVersion returns VersionMatch, VersionMismatch or VersionBadToken.
func (b *BrokerClient) APIVersion(ctx context.Context) (int, error) {
	var result int
	if err := b.c.Call(ctx, MethodAPIVersion, VersionParams{Version: Version}, &result); err != nil {
		return 0, err
	}
	return result, nil
}

func (b *BrokerClient) command(ctx context.Context, cmd string, args []string, out any) error {
	return call(ctx, b.c, MethodCommand, CommandParams{Cmd: cmd, Args: args}, out)
}

// Status returns the registry.
func (b *BrokerClient) Status(ctx context.Context) (*StatusResult, error) {
	var res StatusResult
	if err := b.command(ctx, CmdStatus, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// AddProject starts a project worker and returns its endpoint. With files
// the worker loads them straight away; without, it waits for LoadProject.
func (b *BrokerClient) AddProject(ctx context.Context, workdir string, files ...string) (*Endpoint, error) {
	var args []string
	if len(files) > 0 {
		args = append([]string{workdir}, files...)
	}
	var ep *Endpoint
	if err := b.command(ctx, CmdAddProject, args, &ep); err != nil {
		return nil, err
	}
	return ep, nil
}

// RemoveProject marks projects obsolete by 1-based position or ID.
func (b *BrokerClient) RemoveProject(ctx context.Context, indexOrID string) error {
	var ok bool
	if err := b.command(ctx, CmdRemoveProject, []string{indexOrID}, &ok); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no project matches %q", indexOrID)
	}
	return nil
}

// GetProject returns the endpoint of the ready project id, or nil.
func (b *BrokerClient) GetProject(ctx context.Context, id string) (*Endpoint, error) {
	var ep *Endpoint
	if err := b.command(ctx, CmdGetProject, []string{id}, &ep); err != nil {
		return nil, err
	}
	return ep, nil
}

// History returns up to n recent state transitions, oldest first.
func (b *BrokerClient) History(ctx context.Context, n int) ([]Transition, error) {
	var out []Transition
	if err := b.command(ctx, CmdHistory, []string{strconv.Itoa(n)}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Stop shuts the broker and all its workers down.
func (b *BrokerClient) Stop(ctx context.Context) error {
	var ok bool
	if err := b.command(ctx, CmdStop, nil, &ok); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("stop: %w", ErrRejected)
	}
	return nil
}

// UpdateState reports a worker's state change.
func (b *BrokerClient) UpdateState(ctx context.Context, id string, state State) error {
	return callOK(ctx, b.c, MethodUpdateState, UpdateStateParams{ID: id, State: state})
}

// Worker is the control surface every worker shares.
type Worker struct {
	c *rpc.Client
}

func dialWorker(ctx context.Context, ep Endpoint) (Worker, error) {
	c, err := rpc.Dial(ctx, ep.Addr, ep.Token)
	if err != nil {
		return Worker{}, err
	}
	return Worker{c: c}, nil
}

func (w Worker) Close() error {
	return w.c.Close()
}

// OnEvent receives output of a connected session.
func (w Worker) OnEvent(fn func(rpc.Event)) {
	w.c.OnEvent(fn)
}

// Connect redirects the worker's output for this connection to the caller.
func (w Worker) Connect(ctx context.Context, silent bool, stdin string) error {
	return callOK(ctx, w.c, capability.MethodConnect, capability.ConnectParams{Silent: silent, Stdin: stdin})
}

func (w Worker) Disconnect(ctx context.Context) error {
	return callOK(ctx, w.c, capability.MethodDisconnect, nil)
}

// Terminate asks the worker to shut down.
func (w Worker) Terminate(ctx context.Context) error {
	return callOK(ctx, w.c, capability.MethodTerminate, nil)
}

// Ping is the heartbeat.
func (w Worker) Ping(ctx context.Context) error {
	return callOK(ctx, w.c, MethodPing, nil)
}

// ProjectClient talks to a project worker.
type ProjectClient struct {
	Worker
}

// DialProject connects to a project worker.
func DialProject(ctx context.Context, ep Endpoint) (*ProjectClient, error) {
	w, err := dialWorker(ctx, ep)
	if err != nil {
		return nil, err
	}
	return &ProjectClient{Worker: w}, nil
}

// LoadProject parses and schedules files relative to workdir.
func (p *ProjectClient) LoadProject(ctx context.Context, workdir string, files ...string) error {
	return callOK(ctx, p.c, MethodLoadProject, LoadParams{Workdir: workdir, Files: files})
}

// ReportServer starts a report worker and returns its endpoint, or nil if
// the project is not ready.
func (p *ProjectClient) ReportServer(ctx context.Context) (*Endpoint, error) {
	var ep *Endpoint
	if err := call(ctx, p.c, MethodGetReportServer, nil, &ep); err != nil {
		return nil, err
	}
	return ep, nil
}

// ReportClient talks to a report worker.
type ReportClient struct {
	Worker
}

// DialReport connects to a report worker.
func DialReport(ctx context.Context, ep Endpoint) (*ReportClient, error) {
	w, err := dialWorker(ctx, ep)
	if err != nil {
		return nil, err
	}
	return &ReportClient{Worker: w}, nil
}

func (r *ReportClient) AddFile(ctx context.Context, path string) error {
	return callOK(ctx, r.c, MethodAddFile, PathParams{Path: path})
}

func (r *ReportClient) GenerateReport(ctx context.Context, id string, regex bool, attrs map[string]string) error {
	return callOK(ctx, r.c, MethodGenerateReport, ReportParams{ID: id, Regex: regex, Attrs: attrs})
}

func (r *ReportClient) ListReports(ctx context.Context, id string, regex bool) error {
	return callOK(ctx, r.c, MethodListReports, ReportParams{ID: id, Regex: regex})
}

func (r *ReportClient) CheckTimeSheet(ctx context.Context, text string) error {
	return callOK(ctx, r.c, MethodCheckTimeSheet, TextParams{Text: text})
}

func (r *ReportClient) CheckStatusSheet(ctx context.Context, text string) error {
	return callOK(ctx, r.c, MethodCheckStatusSheet, TextParams{Text: text})
}

// Ping sends one heartbeat to ep on a fresh connection.
func Ping(ctx context.Context, ep Endpoint) error {
	var ok bool
	if err := rpc.Call(ctx, ep.Addr, ep.Token, MethodPing, nil, &ok); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("ping: %w", ErrRejected)
	}
	return nil
}

// Terminate sends one terminate request to ep on a fresh connection.
func Terminate(ctx context.Context, ep Endpoint) error {
	var ok bool
	if err := rpc.Call(ctx, ep.Addr, ep.Token, capability.MethodTerminate, nil, &ok); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("terminate: %w", ErrRejected)
	}
	return nil
}
