// Package health exposes session readiness over the standard gRPC health
// protocol. The session service reports SERVING only while the connection is
// Ready.
package health

import (
	"log/slog"
	"net"

	"github.com/ashureev/pairbot/internal/domain"
	"github.com/ashureev/pairbot/internal/session"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name that tracks the session.
const ServiceName = "pairbot.Session"

// Server serves grpc.health.v1.Health.
type Server struct {
	grpc   *grpc.Server
	health *grpchealth.Server
	logger *slog.Logger
}

// NewServer creates a health server. Both the overall ("") and session
// services start NOT_SERVING.
func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	hs := grpchealth.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	g := grpc.NewServer()
	healthpb.RegisterHealthServer(g, hs)

	return &Server{grpc: g, health: hs, logger: logger}
}

// Watch mirrors machine transitions into the serving status.
func (s *Server) Watch(m *session.Machine) {
	s.set(m.State())
	m.Subscribe(func(tr domain.Transition) {
		s.set(tr.To)
	})
}

func (s *Server) set(state domain.ConnectionState) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if state == domain.StateReady {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
	s.logger.Debug("Health status updated", "state", state, "status", status.String())
}

// Serve blocks serving on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("gRPC health server listening", "addr", lis.Addr().String())
	return s.grpc.Serve(lis)
}

// Stop marks every service NOT_SERVING and drains in-flight calls.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
