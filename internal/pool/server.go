package pool

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/bardlex/scashpool/pkg/log"
)

// Server accepts miner connections and hands them to the coordinator.
type Server struct {
	addr           string
	maxConnections int
	coord          *Coordinator
	logger         *log.Logger

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer creates a server listening on addr. maxConnections <= 0 means
// unlimited.
func NewServer(addr string, maxConnections int, coord *Coordinator, logger *log.Logger) *Server {
	return &Server{
		addr:           addr,
		maxConnections: maxConnections,
		coord:          coord,
		logger:         logger.WithComponent("server"),
	}
}

// Listen binds the listening socket.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("server listening", "address", listener.Addr().String())
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until the listener is closed or ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return errors.New("server is not listening")
	}

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.WithError(err).Error("failed to accept connection")
			continue
		}

		if s.maxConnections > 0 && s.coord.SessionCount() >= s.maxConnections {
			s.logger.Warn("connection limit reached, rejecting", "remote_addr", conn.RemoteAddr().String(),
				"max_connections", s.maxConnections)
			_ = conn.Close()
			continue
		}

		sess := s.coord.Accept(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := sess.Serve(ctx); err != nil {
				s.logger.WithError(err).Debug("session ended with error", "session_id", sess.ID())
			}
		}()
	}
}

// Shutdown stops accepting, closes every session and waits for their
// goroutines or ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	s.mu.Lock()
	if s.listener != nil {
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Error("failed to close listener", "error", err)
		}
	}
	s.mu.Unlock()

	s.coord.CloseSessions()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all connections closed")
		return nil
	case <-ctx.Done():
		s.logger.Warn("shutdown timeout exceeded")
		return ctx.Err()
	}
}
