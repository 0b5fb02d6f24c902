// Package spawn starts worker processes and learns their RPC endpoint.
//
// The parent re-executes its own binary with a pipe attached as fd 3. Once
// the child has bound its listener it writes a single JSON line describing
// the endpoint to that pipe and closes it. The RPC layer is not used for
// this since the parent cannot reach it before the line arrives.
package spawn

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/drewfead/schedd/internal/logging"
)

// HandoffFD is the descriptor number of the handoff pipe in the child.
const HandoffFD = 3

// ErrNoHandoff is returned when a child exits or closes the pipe without
// announcing its endpoint.
var ErrNoHandoff = errors.New("worker exited before announcing its endpoint")

// Handoff is what a freshly started worker tells its parent.
type Handoff struct {
	Addr  string `json:"addr"`
	Token string `json:"token"`
	PID   int    `json:"pid"`
}

// Options describe a worker to start.
type Options struct {
	// Executable defaults to the running binary.
	Executable string
	Args       []string
	// Env entries are appended to the sanitized parent environment.
	Env []string
	// Stdin, when set, is written to the child's standard input.
	Stdin []byte
	// LogFile receives the child's stdout and stderr. Empty inherits the
	// parent's stderr.
	LogFile string
	// HandoffTimeout bounds the wait for the endpoint line. Zero means 30s.
	HandoffTimeout time.Duration
}

// Process is a started worker.
type Process struct {
	cmd     *exec.Cmd
	handoff Handoff
	done    chan struct{}

	mu       sync.Mutex
	running  bool
	exitCode int
}

// Start launches a worker and blocks until it has announced its endpoint,
// the child dies, the timeout passes or ctx is cancelled. The child is not
// bound to ctx and keeps running after Start returns.
func Start(ctx context.Context, opts Options) (*Process, error) {
	exe := opts.Executable
	if exe == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		exe = self
	}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create handoff pipe: %w", err)
	}
	defer r.Close()

	cmd := exec.Command(exe, opts.Args...)
	cmd.Env = workerEnv(opts.Env)
	cmd.ExtraFiles = []*os.File{w}
	if opts.Stdin != nil {
		cmd.Stdin = bytes.NewReader(opts.Stdin)
	}
	setSysProcAttr(cmd)

	if opts.LogFile != "" {
		f, err := os.OpenFile(opts.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			w.Close()
			return nil, fmt.Errorf("open worker log: %w", err)
		}
		// The child holds its own descriptor after Start.
		defer f.Close()
		cmd.Stdout = f
		cmd.Stderr = f
	} else {
		cmd.Stdout = os.Stderr
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		w.Close()
		return nil, fmt.Errorf("start worker: %w", err)
	}
	// Only the child may hold the write end, otherwise EOF never arrives.
	w.Close()

	p := &Process{
		cmd:     cmd,
		done:    make(chan struct{}),
		running: true,
	}
	go p.waitLoop()

	timeout := opts.HandoffTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	h, err := readHandoff(ctx, r, timeout)
	if err != nil {
		p.Kill()
		return nil, fmt.Errorf("worker pid %d: %w", cmd.Process.Pid, err)
	}
	if h.PID == 0 {
		h.PID = cmd.Process.Pid
	}
	p.handoff = h

	logging.Debug("worker started", "pid", h.PID, "addr", h.Addr, "args", opts.Args)
	return p, nil
}

func readHandoff(ctx context.Context, r io.Reader, timeout time.Duration) (Handoff, error) {
	type result struct {
		h   Handoff
		err error
	}
	ch := make(chan result, 1)

	go func() {
		line, err := bufio.NewReader(r).ReadBytes('\n')
		if len(bytes.TrimSpace(line)) == 0 {
			if err == nil || errors.Is(err, io.EOF) {
				err = ErrNoHandoff
			}
			ch <- result{err: err}
			return
		}
		var h Handoff
		if err := json.Unmarshal(line, &h); err != nil {
			ch <- result{err: fmt.Errorf("decode handoff: %w", err)}
			return
		}
		if h.Addr == "" || h.Token == "" {
			ch <- result{err: fmt.Errorf("incomplete handoff %q", bytes.TrimSpace(line))}
			return
		}
		ch <- result{h: h}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.h, res.err
	case <-timer.C:
		return Handoff{}, fmt.Errorf("no handoff within %s", timeout)
	case <-ctx.Done():
		return Handoff{}, ctx.Err()
	}
}

// Announce is called by the child once its listener is bound. It writes h to
// the handoff pipe and closes it.
func Announce(h Handoff) error {
	f := os.NewFile(HandoffFD, "handoff")
	if f == nil {
		return errors.New("handoff pipe not available")
	}
	defer f.Close()

	if h.PID == 0 {
		h.PID = os.Getpid()
	}
	line, err := json.Marshal(h)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write handoff: %w", err)
	}
	return nil
}

// Handoff returns the endpoint the worker announced.
func (p *Process) Handoff() Handoff {
	return p.handoff
}

// PID returns the worker's process ID.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Done is closed when the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Alive reports whether the process is still running.
func (p *Process) Alive() bool {
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()
	return running && isProcessAlive(p.cmd.Process)
}

// ExitCode returns the exit code once the process has exited, or -1.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return -1
	}
	return p.exitCode
}

// Kill terminates the process immediately.
func (p *Process) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *Process) waitLoop() {
	err := p.cmd.Wait()

	p.mu.Lock()
	p.running = false
	if p.cmd.ProcessState != nil {
		p.exitCode = p.cmd.ProcessState.ExitCode()
	}
	p.mu.Unlock()

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			logging.Warn("wait for worker failed", "pid", p.cmd.Process.Pid, "error", err)
		}
	}
	close(p.done)
}

// RoleArgs returns the arguments that make the binary run as a worker.
func RoleArgs(role string, extra ...string) []string {
	return append([]string{"worker", role}, extra...)
}
