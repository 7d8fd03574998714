package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthgrpc "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServiceName is the service name reported by the gRPC health
// service. The empty name reports overall process health.
const HealthServiceName = "voiceturn.VoiceStream"

// CapacitySource reports how many sessions are open.
type CapacitySource interface {
	GetActiveSessionCount() int
}

// GRPCServer exposes the standard gRPC health service. The voice stream
// service reports NOT_SERVING while the session limit is reached.
type GRPCServer struct {
	server   *grpc.Server
	health   *health.Server
	listener net.Listener
	addr     string
	logger   *slog.Logger

	sessions    CapacitySource
	maxSessions int
	interval    time.Duration

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewGRPCServer creates the health server. sessions may be nil.
func NewGRPCServer(address string, port int, sessions CapacitySource, maxSessions int, logger *slog.Logger) *GRPCServer {
	s := &GRPCServer{
		server:      grpc.NewServer(),
		health:      health.NewServer(),
		addr:        fmt.Sprintf("%s:%d", address, port),
		logger:      logger.With(slog.String("component", "grpc")),
		sessions:    sessions,
		maxSessions: maxSessions,
		interval:    time.Second,
		stop:        make(chan struct{}),
	}
	healthgrpc.RegisterHealthServer(s.server, s.health)
	s.setStatus(healthgrpc.HealthCheckResponse_NOT_SERVING)
	return s
}

// Start listens, marks the service serving and watches capacity.
func (s *GRPCServer) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = lis
	s.logger.Info("Starting gRPC health server", slog.String("address", lis.Addr().String()))

	go func() {
		if err := s.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error("gRPC server terminated with error", slog.String("error", err.Error()))
		}
	}()

	s.setStatus(healthgrpc.HealthCheckResponse_SERVING)
	if s.sessions != nil && s.maxSessions > 0 {
		s.wg.Add(1)
		go s.watchCapacity()
	}
	return nil
}

// Addr returns the bound address once started.
func (s *GRPCServer) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop marks the service not serving and stops gracefully, forcing the
// stop after timeout.
func (s *GRPCServer) Stop(timeout time.Duration) {
	s.logger.Info("Stopping gRPC health server...")
	close(s.stop)
	s.wg.Wait()
	s.setStatus(healthgrpc.HealthCheckResponse_NOT_SERVING)

	stopped := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(timeout):
		s.logger.Warn("Graceful stop timed out, forcing stop")
		s.server.Stop()
	}
}

func (s *GRPCServer) watchCapacity() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	full := false
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			now := s.sessions.GetActiveSessionCount() >= s.maxSessions
			if now == full {
				continue
			}
			full = now
			if full {
				s.logger.Warn("Session limit reached, reporting not serving",
					slog.Int("max_sessions", s.maxSessions))
				s.health.SetServingStatus(HealthServiceName, healthgrpc.HealthCheckResponse_NOT_SERVING)
			} else {
				s.logger.Info("Session capacity available again")
				s.health.SetServingStatus(HealthServiceName, healthgrpc.HealthCheckResponse_SERVING)
			}
		}
	}
}

func (s *GRPCServer) setStatus(status healthgrpc.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(HealthServiceName, status)
}
