package maintenance

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service reported for the collection database.
const ServiceName = "cardvault"

// Pinger reports whether the database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthReporter mirrors database reachability into a gRPC health server so that
// orchestrators can probe the serve command.
type HealthReporter struct {
	server *health.Server
	db     Pinger
	logger *zap.Logger
}

func NewHealthReporter(db Pinger, logger *zap.Logger) *HealthReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := health.NewServer()
	s.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return &HealthReporter{server: s, db: db, logger: logger}
}

// Server returns the health server to register on a grpc.Server.
func (h *HealthReporter) Server() *health.Server { return h.server }

// Check pings the database and updates both the overall and the named service status.
func (h *HealthReporter) Check(ctx context.Context) error {
	status := healthpb.HealthCheckResponse_SERVING
	err := h.db.Ping(ctx)
	if err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		h.logger.Warn("database health check failed", zap.Error(err))
	}
	h.server.SetServingStatus("", status)
	h.server.SetServingStatus(ServiceName, status)
	return err
}

// Shutdown marks every service NOT_SERVING; later updates are ignored.
func (h *HealthReporter) Shutdown() { h.server.Shutdown() }
