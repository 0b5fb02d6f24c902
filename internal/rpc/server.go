package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/drewfead/schedd/internal/logging"
)

const maxFrameSize = 8 << 20

// Server handles incoming connections on a loopback TCP endpoint.
type Server struct {
	addr     string
	listener net.Listener
	handlers map[string]HandlerFunc
	mu       sync.RWMutex
	clients  map[net.Conn]struct{}
	streams  Streams
	allow    func(net.Addr) bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// HandlerFunc is the signature for API method handlers. The session of the
// calling connection is available through SessionFrom(ctx).
type HandlerFunc func(ctx context.Context, req *Request) (any, error)

// Option configures a Server.
type Option func(*Server)

// WithStreams sets the streams a session uses while not connected.
func WithStreams(s Streams) Option {
	return func(srv *Server) { srv.streams = s }
}

// WithPeerFilter replaces the loopback-only access list.
func WithPeerFilter(allow func(net.Addr) bool) Option {
	return func(srv *Server) { srv.allow = allow }
}

// NewServer creates a new server for addr. Use "127.0.0.1:0" for an
// ephemeral port.
func NewServer(addr string, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		addr:     addr,
		handlers: make(map[string]HandlerFunc),
		clients:  make(map[net.Conn]struct{}),
		streams:  ProcessStreams(),
		allow:    IsLoopback,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle registers a handler for a method.
func (s *Server) Handle(method string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = handler
}

// Start begins listening for connections.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = listener

	go s.acceptLoop()
	return nil
}

// Addr returns the bound address, valid after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Done is closed once Stop has been called.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Stop closes the listener and every open connection.
func (s *Server) Stop() error {
	s.once.Do(func() {
		close(s.done)
		s.cancel()

		if s.listener != nil {
			s.listener.Close()
		}

		s.mu.Lock()
		for conn := range s.clients {
			conn.Close()
		}
		s.mu.Unlock()
	})
	return nil
}

// IsLoopback reports whether a peer address is on the local machine.
func IsLoopback(addr net.Addr) bool {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.IsLoopback()
	case *net.UnixAddr:
		return true
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return false
		}
		ip := net.ParseIP(host)
		return ip != nil && ip.IsLoopback()
	}
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				logging.Warn("accept failed", "error", err)
				continue
			}
		}

		if !s.allow(conn.RemoteAddr()) {
			logging.Warn("rejected non-local peer", "peer", conn.RemoteAddr().String())
			conn.Close()
			continue
		}

		s.mu.Lock()
		select {
		case <-s.done:
			s.mu.Unlock()
			conn.Close()
			return
		default:
		}
		s.clients[conn] = struct{}{}
		s.mu.Unlock()

		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	var writeMu sync.Mutex
	write := func(v any) error {
		encoded, err := json.Marshal(v)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		_, err = conn.Write(append(encoded, '\n'))
		return err
	}

	sess := NewSession(s.streams, func(e Event) error { return write(e) })
	ctx := WithSession(s.ctx, sess)

	log := logging.With("peer", conn.RemoteAddr().String())

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
	for scanner.Scan() {
		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			log.Debug("dropping malformed frame", "error", err)
			write(Response{Error: "invalid request: " + err.Error()})
			continue
		}

		s.mu.RLock()
		handler, ok := s.handlers[req.Method]
		s.mu.RUnlock()

		if !ok {
			log.Debug("unknown method", "method", req.Method)
			write(Response{ID: req.ID, Error: "unknown method: " + req.Method})
			continue
		}

		data, err := s.dispatch(ctx, handler, &req)
		if err != nil {
			write(Response{ID: req.ID, Error: err.Error()})
			continue
		}
		if err := write(Response{ID: req.ID, Data: data}); err != nil {
			log.Debug("connection write failed", "error", err)
			return
		}
	}
}

// dispatch runs a handler and reports a panic as an error response.
func (s *Server) dispatch(ctx context.Context, handler HandlerFunc, req *Request) (data any, err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.CapturePanic(r, "method", req.Method)
			err = fmt.Errorf("internal error in %s", req.Method)
		}
	}()
	return handler(ctx, req)
}
