package extproc

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"

	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"google.golang.org/grpc"

	"github.com/policy-gate/policy-gate/internal/config"
)

// Server runs the ext_proc gRPC service on a Unix socket or TCP port.
type Server struct {
	cfg    config.ExtProcConfig
	logger *slog.Logger
	grpc   *grpc.Server
}

// NewServer wires the processor into a gRPC server.
func NewServer(cfg config.ExtProcConfig, processor *Processor, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	srv := grpc.NewServer()
	extprocv3.RegisterExternalProcessorServer(srv, processor)

	return &Server{
		cfg:    cfg,
		logger: logger,
		grpc:   srv,
	}
}

// Start serves until Stop is called. It returns nil on a clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	lis, err := s.listen(ctx)
	if err != nil {
		return err
	}

	if err := s.grpc.Serve(lis); err != nil {
		return fmt.Errorf("ext_proc server error: %w", err)
	}
	return nil
}

func (s *Server) listen(ctx context.Context) (net.Listener, error) {
	switch s.cfg.Mode {
	case "", "uds":
		socketPath := s.cfg.SocketPath
		if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
			s.logger.WarnContext(ctx, "Failed to remove existing socket file", "path", socketPath, "error", err)
		}

		lis, err := net.Listen("unix", socketPath)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on unix socket %s: %w", socketPath, err)
		}
		if err := os.Chmod(socketPath, 0o660); err != nil {
			s.logger.WarnContext(ctx, "Failed to set socket permissions", "path", socketPath, "error", err)
		}

		s.logger.InfoContext(ctx, "ext_proc server listening on Unix socket", "path", socketPath)
		return lis, nil

	case "tcp":
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
		if err != nil {
			return nil, fmt.Errorf("failed to listen on port %d: %w", s.cfg.Port, err)
		}

		s.logger.InfoContext(ctx, "ext_proc server listening on TCP port", "port", s.cfg.Port)
		return lis, nil

	default:
		return nil, fmt.Errorf("unknown ext_proc listener mode %q", s.cfg.Mode)
	}
}

// Stop drains the server gracefully, forcing closure when ctx expires first.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.InfoContext(ctx, "Stopping ext_proc server")

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.grpc.Stop()
		return ctx.Err()
	}
}
