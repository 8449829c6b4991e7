package uds

import (
	"errors"
	"fmt"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
)

type HandlerFunc func(req *Request) *Response

// ObserveFunc is called once per answered request. code is "" on success.
type ObserveFunc func(command, code string, d time.Duration)

// Server answers one request per connection.
type Server struct {
	socketPath  string
	connTimeout time.Duration
	logger      hclog.Logger
	observe     ObserveFunc

	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	listener net.Listener
	closing  atomic.Bool
	conns    sync.WaitGroup
	stopOnce sync.Once
}

func NewServer(socketPath string, logger hclog.Logger) *Server {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Server{
		socketPath:  socketPath,
		connTimeout: 30 * time.Second,
		logger:      logger.Named("uds"),
		observe:     func(string, string, time.Duration) {},
		handlers:    make(map[string]HandlerFunc),
	}
}

// SetConnTimeout bounds reading a request and writing its response.
func (s *Server) SetConnTimeout(d time.Duration) {
	s.connTimeout = d
}

// SetObserver installs fn before Start.
func (s *Server) SetObserver(fn ObserveFunc) {
	s.observe = fn
}

func (s *Server) Handle(command string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = handler
}

// Start listens on the socket, replacing a stale socket file, and accepts
// connections in the background.
func (s *Server) Start() error {
	_ = os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.listener = ln

	s.conns.Add(1)
	go s.serve()
	s.logger.Info("socket_listening", "path", s.socketPath)
	return nil
}

// Stop closes the listener, waits for in-flight requests and removes the
// socket file. Safe to call more than once.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.closing.Store(true)
		if s.listener != nil {
			_ = s.listener.Close()
		}
		s.conns.Wait()
		_ = os.Remove(s.socketPath)
	})
}

func (s *Server) serve() {
	defer s.conns.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closing.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept_failed", "error", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		s.conns.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.conns.Done()
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(s.connTimeout))

	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		s.logger.Debug("read_request_failed", "error", err)
		return
	}

	start := time.Now()
	resp := s.dispatch(&req)
	if resp == nil {
		s.observe(req.Command, ErrCodeInternal, time.Since(start))
		return
	}
	code := ""
	if resp.Error != nil {
		code = resp.Error.Code
	}
	s.observe(req.Command, code, time.Since(start))
	if err := WriteFrame(conn, resp); err != nil {
		s.logger.Debug("write_response_failed", "command", req.Command, "error", err)
	}
}

// dispatch returns nil when the handler panicked; the connection is then
// closed without a response.
func (s *Server) dispatch(req *Request) (resp *Response) {
	if req.ProtocolVersion != ProtocolVersion {
		return ErrorResponse(ErrCodeProtocolMismatch,
			fmt.Sprintf("protocol version mismatch: got %d, expected %d", req.ProtocolVersion, ProtocolVersion))
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Command]
	s.mu.RUnlock()
	if !ok {
		return ErrorResponse(ErrCodeUnknownCommand, fmt.Sprintf("unknown command: %q", req.Command))
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler_panic", "command", req.Command, "panic", r, "stack", string(debug.Stack()))
			resp = nil
		}
	}()
	return handler(req)
}
