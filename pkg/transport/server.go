package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Server exposes a peer's handlers over gRPC together with the standard
// health service used as the liveness probe.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
	logg       *slog.Logger
	mu         sync.Mutex
}

func NewServer(logg *slog.Logger) *Server {
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	return &Server{
		grpcServer: grpcServer,
		health:     healthServer,
		logg:       logg.With("component", "grpc_server"),
	}
}

func (s *Server) RegisterAccessHandler(h AccessHandler) {
	s.grpcServer.RegisterService(&mutualExclusionServiceDesc, h)
}

func (s *Server) RegisterPrintHandler(h PrintHandler) {
	s.grpcServer.RegisterService(&printerServiceDesc, h)
}

// Serve starts listening on addr and serves in the background.
// Handlers must be registered before calling Serve.
func (s *Server) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()

	s.logg.Info("Server listening", "addr", lis.Addr().String())

	go func() {
		if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logg.Error("Server stopped serving", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound address, empty before Serve.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return ""
	}

	return s.listener.Addr().String()
}

func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpcServer.Stop()
	s.logg.Info("Server stopped")
}
