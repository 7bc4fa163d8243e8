// Package health serves the standard gRPC health service. The capture
// service reports SERVING only while a recording is in progress.
package health

import (
	"context"
	"errors"
	"fmt"
	"net"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"EnigmaNetz/Enigma-Cell-Sensor/internal/display"
	"EnigmaNetz/Enigma-Cell-Sensor/internal/logger"
)

// CaptureService is the service name whose status tracks recording.
const CaptureService = "cellsensor.Capture"

// Server wraps a gRPC server exposing grpc.health.v1.Health.
type Server struct {
	grpc   *grpc.Server
	health *grpchealth.Server
	log    *logger.Logger
}

// NewServer creates the server. The overall status is SERVING and the
// capture service starts NOT_SERVING until the first Recording update.
func NewServer() *Server {
	s := &Server{
		grpc:   grpc.NewServer(),
		health: grpchealth.NewServer(),
		log:    logger.GetLogger(),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(CaptureService, healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info("[health] gRPC health service listening on %s", lis.Addr())
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}

// ListenAndServe listens on addr and serves.
func (s *Server) ListenAndServe(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(lis)
}

// Stop marks every service NOT_SERVING and stops the server gracefully.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

// Name implements display.Driver.
func (s *Server) Name() string { return "grpc-health" }

// Render implements display.Driver by mirroring the indicator state into
// the capture service status.
func (s *Server) Render(_ context.Context, state display.State) error {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if state == display.Recording || state == display.WarningDetected {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(CaptureService, status)
	return nil
}
