// Package api defines the RPC surface of the broker and both worker types:
// method names, parameter and result types, and typed clients.
package api

import (
	"errors"
	"fmt"
	"time"
)

// Version is the broker protocol version a client must present.
const Version = 1

// Broker methods.
const (
	MethodAPIVersion  = "apiVersion"
	MethodCommand     = "command"
	MethodUpdateState = "updateState"
)

// Broker commands.
const (
	CmdStatus        = "status"
	CmdStop          = "stop"
	CmdAddProject    = "addProject"
	CmdRemoveProject = "removeProject"
	CmdGetProject    = "getProject"
	CmdHistory       = "history"
)

// Project worker methods.
const (
	MethodLoadProject     = "loadProject"
	MethodGetReportServer = "getReportServer"
	MethodPing            = "ping"
)

// Report worker methods.
const (
	MethodAddFile          = "addFile"
	MethodGenerateReport   = "generateReport"
	MethodListReports      = "listReports"
	MethodCheckTimeSheet   = "checkTimeSheet"
	MethodCheckStatusSheet = "checkStatusSheet"
)

// ErrRejected is returned when the callee answered false, which is also
// what any method returns for a bad token.
var ErrRejected = errors.New("request rejected")

// State is the lifecycle state of a project worker.
type State string

const (
	StateNew      State = "new"
	StateLoading  State = "loading"
	StateReady    State = "ready"
	StateFailed   State = "failed"
	StateObsolete State = "obsolete"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateNew, StateLoading, StateReady, StateFailed, StateObsolete:
		return true
	}
	return false
}

// Endpoint is how to reach and authenticate to a process.
type Endpoint struct {
	Addr  string `json:"addr"`
	Token string `json:"token"`
}

func (e Endpoint) String() string {
	return e.Addr
}

// VersionParams are the arguments of apiVersion.
type VersionParams struct {
	Version int `json:"version"`
}

// Version check results.
const (
	VersionBadToken = 0
	VersionMatch    = 1
	VersionMismatch = -1
)

// CommandParams are the arguments of command.
type CommandParams struct {
	Cmd  string   `json:"cmd"`
	Args []string `json:"args,omitempty"`
}

// UpdateStateParams are the arguments of updateState.
type UpdateStateParams struct {
	ID    string `json:"id"`
	State State  `json:"state"`
}

// ProjectStatus is one row of the broker's registry.
type ProjectStatus struct {
	No         int       `json:"no"`
	ID         string    `json:"id"`
	State      State     `json:"state"`
	ReadySince time.Time `json:"ready_since,omitzero"`
	PID        int       `json:"pid,omitempty"`
}

// StatusResult is the answer to the status command.
type StatusResult struct {
	Projects []ProjectStatus `json:"projects"`
	Table    string          `json:"table"`
}

// Transition is one recorded state change.
type Transition struct {
	At    time.Time `json:"at"`
	Tag   string    `json:"tag"`
	ID    string    `json:"id,omitempty"`
	From  State     `json:"from,omitempty"`
	To    State     `json:"to"`
	PID   int       `json:"pid,omitempty"`
	Cause string    `json:"cause,omitempty"`
}

func (t Transition) String() string {
	id := t.ID
	if id == "" {
		id = "-"
	}
	from := t.From
	if from == "" {
		from = "-"
	}
	line := fmt.Sprintf("%s  %-16s %-8s -> %-8s", t.At.Format("2006-01-02 15:04:05"), id, from, t.To)
	if t.Cause != "" {
		line += "  (" + t.Cause + ")"
	}
	return line
}

// LoadParams are the arguments of loadProject.
type LoadParams struct {
	Workdir string   `json:"workdir"`
	Files   []string `json:"files"`
}

// ReportParams are the arguments of generateReport and listReports.
type ReportParams struct {
	ID    string            `json:"id"`
	Regex bool              `json:"regex,omitempty"`
	Attrs map[string]string `json:"attrs,omitempty"`
}

// PathParams are the arguments of addFile.
type PathParams struct {
	Path string `json:"path"`
}

// TextParams are the arguments of the sheet checks.
type TextParams struct {
	Text string `json:"text"`
}
