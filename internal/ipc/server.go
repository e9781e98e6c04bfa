package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// Handler processes IPC messages that are not protocol-internal.
type Handler interface {
	HandleMessage(ctx context.Context, msg *Message) (*Message, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg *Message) (*Message, error)

func (f HandlerFunc) HandleMessage(ctx context.Context, msg *Message) (*Message, error) {
	return f(ctx, msg)
}

// Server listens on a unix socket and manages client connections.
type Server struct {
	mu          sync.RWMutex
	listener    net.Listener
	socketPath  string
	handler     Handler
	log         *slog.Logger
	clients     map[uint64]*clientConn
	subscribers map[uint64]struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	nextClientID atomic.Uint64
	nextEventID  atomic.Uint32

	eventChan chan *Event
}

type clientConn struct {
	id      uint64
	conn    net.Conn
	writeMu sync.Mutex
}

// DefaultSocketPath returns the daemon socket path under the reviewd data
// directory.
func DefaultSocketPath(dataDir string) string {
	return filepath.Join(dataDir, "daemon.sock")
}

// NewServer creates a server for the given socket path.
func NewServer(socketPath string, handler Handler, log *slog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath:  socketPath,
		handler:     handler,
		log:         log,
		clients:     make(map[uint64]*clientConn),
		subscribers: make(map[uint64]struct{}),
		ctx:         ctx,
		cancel:      cancel,
		eventChan:   make(chan *Event, 100),
	}
}

// Start begins listening for connections.
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		listener.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}

	s.listener = listener
	s.running.Store(true)

	s.wg.Add(2)
	go s.eventBroadcaster()
	go s.acceptLoop()

	s.log.Info("ipc server listening", "socket", s.socketPath)
	return nil
}

// Stop shuts the server down, closing all client connections.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for _, c := range s.clients {
		c.conn.Close()
	}
	s.mu.Unlock()

	close(s.eventChan)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.log.Warn("ipc shutdown timed out")
	}

	os.Remove(s.socketPath)
	return nil
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Broadcast queues a region-change event for all subscribed clients. Never
// blocks; when the queue is full the event is dropped, which is safe since
// events carry full state rather than deltas.
func (s *Server) Broadcast(ev *Event) {
	if !s.running.Load() {
		return
	}
	select {
	case s.eventChan <- ev:
	default:
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				if errors.Is(err, net.ErrClosed) {
					return
				}
				continue
			}
		}

		c := &clientConn{id: s.nextClientID.Add(1), conn: conn}
		s.mu.Lock()
		s.clients[c.id] = c
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(c)
	}
}

func (s *Server) handleConnection(c *clientConn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.clients, c.id)
		delete(s.subscribers, c.id)
		s.mu.Unlock()
		c.conn.Close()
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		msg, err := ReadMessage(c.conn)
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				s.log.Debug("ipc read failed", "client", c.id, "error", err)
			}
			return
		}

		resp, err := s.processMessage(c, msg)
		if err != nil {
			resp = NewErrorMessage(msg.Header.RequestID, ErrInternalError, err.Error())
		}
		if resp != nil {
			if err := s.writeMessage(c, resp); err != nil {
				return
			}
		}
	}
}

func (s *Server) processMessage(c *clientConn, msg *Message) (*Message, error) {
	switch msg.Header.Type {
	case MsgPing:
		return NewMessage(MsgPong, msg.Header.RequestID, nil), nil

	case MsgSubscribe:
		s.mu.Lock()
		s.subscribers[c.id] = struct{}{}
		s.mu.Unlock()
		return NewResponse(MsgSubscribeResp, msg.Header.RequestID, &SubscribeResponse{Success: true})

	default:
		if s.handler == nil {
			return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "no handler"), nil
		}
		return s.handler.HandleMessage(s.ctx, msg)
	}
}

func (s *Server) eventBroadcaster() {
	defer s.wg.Done()

	for ev := range s.eventChan {
		payload, err := Encode(ev)
		if err != nil {
			continue
		}
		msg := NewMessage(MsgEvent, s.nextEventID.Add(1), payload)

		s.mu.RLock()
		targets := make([]*clientConn, 0, len(s.subscribers))
		for id := range s.subscribers {
			if c, ok := s.clients[id]; ok {
				targets = append(targets, c)
			}
		}
		s.mu.RUnlock()

		for _, c := range targets {
			if err := s.writeMessage(c, msg); err != nil {
				s.log.Debug("event delivery failed", "client", c.id, "error", err)
			}
		}
	}
}

func (s *Server) writeMessage(c *clientConn, msg *Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return msg.Write(c.conn)
}
