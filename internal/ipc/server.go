package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"engram/internal/metrics"
)

// SoftDeadline bounds the synchronous handling of non-mutating requests.
// On a miss the client gets Error{timeout}; the in-flight work finishes on
// its own goroutine and warms caches for the next call.
const SoftDeadline = 100 * time.Millisecond

// Handler processes one decoded request.
type Handler interface {
	Handle(ctx context.Context, req Request) Response
}

// Server accepts connections on a unix socket, one request/response per
// connection.
type Server struct {
	handler Handler
	metrics *metrics.Metrics

	listener net.Listener
	wg       sync.WaitGroup
	closed   chan struct{}
	once     sync.Once
}

// NewServer creates a server around a handler.
func NewServer(handler Handler, m *metrics.Metrics) *Server {
	return &Server{
		handler: handler,
		metrics: m,
		closed:  make(chan struct{}),
	}
}

// Listen binds the unix socket with owner-only permissions, replacing a
// stale socket file left by a dead daemon.
func (s *Server) Listen(socketPath string) error {
	if _, err := os.Stat(socketPath); err == nil {
		// Probe: if something is listening, refuse; otherwise clean up.
		conn, dialErr := net.DialTimeout("unix", socketPath, 200*time.Millisecond)
		if dialErr == nil {
			conn.Close()
			return fmt.Errorf("socket %s is already in use", socketPath)
		}
		if err := os.Remove(socketPath); err != nil {
			return fmt.Errorf("removing stale socket: %w", err)
		}
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("binding socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("restricting socket permissions: %w", err)
	}
	s.listener = listener
	return nil
}

// Serve runs the accept loop until Close.
func (s *Server) Serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			log.Warn().Err(err).Msg("accept failed")
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Close stops accepting and waits for in-flight connections.
func (s *Server) Close() {
	s.once.Do(func() {
		close(s.closed)
		if s.listener != nil {
			s.listener.Close()
		}
	})
	s.wg.Wait()
}

// handleConn reads one request, dispatches it, writes one response, and
// closes. Framing errors close the connection without a response.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	start := time.Now()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	payload, err := ReadFrame(conn)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			s.metrics.FramingErrors.Add(1)
			log.Debug().Err(err).Msg("framing error")
		}
		return
	}

	req, enc, err := DecodeRequest(payload)
	if err != nil {
		s.writeResponse(conn, Errorf(ErrInvalidRequest, err.Error()), enc)
		return
	}

	resp := s.dispatch(req)

	s.writeResponse(conn, resp, enc)

	elapsed := time.Since(start)
	s.metrics.RecordRequest(elapsed)
	if req.Action == ActionPing {
		s.metrics.RecordOp(metrics.OpPing, elapsed)
	}
}

// dispatch runs the handler, applying the soft deadline to non-mutating
// requests. Mutating requests run to completion: durability before ack.
func (s *Server) dispatch(req Request) Response {
	if req.Action.Mutating() {
		return s.handler.Handle(context.Background(), req)
	}

	ctx, cancel := context.WithTimeout(context.Background(), SoftDeadline)

	result := make(chan Response, 1)
	go func() {
		defer cancel()
		result <- s.handler.Handle(ctx, req)
	}()

	select {
	case resp := <-result:
		return resp
	case <-ctx.Done():
		// The handler keeps running; its work (e.g. a cold composition)
		// still lands in the cache.
		return Errorf(ErrTimeout, "request exceeded soft deadline")
	}
}

func (s *Server) writeResponse(conn net.Conn, resp Response, enc Encoding) {
	payload, err := EncodeResponse(resp, enc)
	if err != nil {
		log.Error().Err(err).Msg("encoding response failed")
		return
	}
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := WriteFrame(conn, payload); err != nil {
		log.Debug().Err(err).Msg("writing response failed")
	}
}
