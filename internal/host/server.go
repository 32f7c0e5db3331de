package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/tracewire/tracewire-core/internal/hostproto"
)

// Server runs the control loop: accept the core daemon's single connection
// and process requests one at a time, writing responses in request order.
type Server struct {
	runtime *Runtime
	logger  Logger
}

// NewServer wraps the runtime with a control loop.
func NewServer(runtime *Runtime) *Server {
	return &Server{runtime: runtime, logger: noopLogger{}}
}

// SetLogger sets the logger for the server.
func (s *Server) SetLogger(logger Logger) {
	s.logger = logger
}

// Serve accepts one control connection and processes it until shutdown,
// disconnect or context cancellation. A transport fault ends the loop and
// the supervisor process is expected to exit with it; the core daemon
// spawns a fresh process rather than re-dialling a dead one.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("accept control connection: %w", err)
	}
	defer conn.Close()
	// Only one control client ever connects; stop listening for more.
	ln.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	s.logger.Info("control channel connected")
	return s.serveConn(ctx, conn)
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) error {
	reader := hostproto.NewLineReader(conn)
	writer := hostproto.NewLineWriter(conn)

	for {
		var req hostproto.Request
		err := reader.Next(&req)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			s.logger.Info("control channel closed by peer")
			return nil
		case errors.Is(err, hostproto.ErrMalformedMessage):
			// The line arrived intact but was not valid JSON; answer and
			// keep the channel alive. No id survives a parse failure.
			if werr := writer.Write(hostproto.ErrorResponse("", err.Error())); werr != nil {
				return fmt.Errorf("write error response: %w", werr)
			}
			continue
		default:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read control request: %w", err)
		}

		resp := s.runtime.Dispatch(ctx, req)
		if err := writer.Write(resp); err != nil {
			return fmt.Errorf("write control response: %w", err)
		}
		if req.Type == hostproto.TypeShutdown {
			s.logger.Info("shutdown acknowledged, control loop exiting")
			return nil
		}
	}
}
