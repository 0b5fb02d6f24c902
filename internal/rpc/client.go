package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Client is a connection to one broker or worker endpoint. Every call carries
// the token the client was created with.
type Client struct {
	conn    net.Conn
	scanner *bufio.Scanner
	token   string

	mu      sync.Mutex
	writeMu sync.Mutex
	pending map[string]chan *frame
	onEvent func(Event)

	lost      chan struct{}
	closeOnce sync.Once
	connected atomic.Bool
}

// Dial connects to addr.
func Dial(ctx context.Context, addr, token string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)

	c := &Client{
		conn:    conn,
		scanner: scanner,
		token:   token,
		pending: make(map[string]chan *frame),
		lost:    make(chan struct{}),
	}
	c.connected.Store(true)

	go c.readLoop()
	return c, nil
}

// OnEvent installs a callback for events pushed by the server, such as the
// output of a connected session. It runs on the read goroutine.
func (c *Client) OnEvent(fn func(Event)) {
	c.mu.Lock()
	c.onEvent = fn
	c.mu.Unlock()
}

// Close disconnects from the server.
func (c *Client) Close() error {
	c.connected.Store(false)
	return c.conn.Close()
}

// Call makes an RPC call and decodes the result into out, which may be nil.
func (c *Client) Call(ctx context.Context, method string, params any, out any) error {
	if !c.connected.Load() {
		return ErrClosed
	}

	id := uuid.NewString()
	var paramsJSON json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return err
		}
		paramsJSON = encoded
	}

	req := Request{
		Method: method,
		Token:  c.token,
		Params: paramsJSON,
		ID:     id,
	}

	respChan := make(chan *frame, 1)
	c.mu.Lock()
	c.pending[id] = respChan
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	encoded, _ := json.Marshal(req)
	c.writeMu.Lock()
	_, err := c.conn.Write(append(encoded, '\n'))
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}

	select {
	case resp := <-respChan:
		if resp.Error != "" {
			return &RemoteError{Method: method, Message: resp.Error}
		}
		if out != nil && len(resp.Data) > 0 {
			if err := json.Unmarshal(resp.Data, out); err != nil {
				return fmt.Errorf("%s: decode result: %w", method, err)
			}
		}
		return nil
	case <-c.lost:
		return fmt.Errorf("%s: %w", method, ErrClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) readLoop() {
	defer c.closeOnce.Do(func() {
		c.connected.Store(false)
		close(c.lost)
	})

	for c.scanner.Scan() {
		var f frame
		if err := json.Unmarshal(c.scanner.Bytes(), &f); err != nil {
			continue
		}

		if f.ID == "" && f.Type != "" {
			c.mu.Lock()
			fn := c.onEvent
			c.mu.Unlock()
			if fn != nil {
				fn(Event{Type: f.Type, Payload: f.Payload})
			}
			continue
		}

		if f.ID != "" {
			c.mu.Lock()
			if ch, ok := c.pending[f.ID]; ok {
				ch <- &f
			}
			c.mu.Unlock()
		}
	}
}

// Call dials addr, performs a single call and closes the connection.
func Call(ctx context.Context, addr, token, method string, params any, out any) error {
	c, err := Dial(ctx, addr, token)
	if err != nil {
		return err
	}
	defer c.Close()
	return c.Call(ctx, method, params, out)
}
