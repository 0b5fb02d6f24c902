// Package rpc provides the newline-delimited JSON request/response transport
// shared by the broker and both worker types.
package rpc

import (
	"encoding/json"
	"errors"
)

// ErrClosed is returned by calls on a client whose connection is gone.
var ErrClosed = errors.New("rpc: connection closed")

// Request represents an incoming API request. Token is the capability the
// callee checks before dispatching.
type Request struct {
	Method string          `json:"method"`
	Token  string          `json:"token,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	ID     string          `json:"id,omitempty"`
}

// Response represents an outgoing API response.
type Response struct {
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
	ID    string `json:"id,omitempty"`
}

// Event is pushed to a client outside the request/response cycle, e.g. the
// redirected output of a connected session.
type Event struct {
	Type    string `json:"type"`
	Payload string `json:"payload"`
}

// Event types emitted by connected sessions.
const (
	EventStdout = "stdout"
	EventStderr = "stderr"
)

// frame is the client-side view of anything the server may write.
type frame struct {
	ID      string          `json:"id,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Type    string          `json:"type,omitempty"`
	Payload string          `json:"payload,omitempty"`
}

// RemoteError is an error reported by the server for a call.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return e.Method + ": " + e.Message
}
