package grpcserver

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthMonitor keeps a gRPC health server in step with store availability.
type HealthMonitor struct {
	server   *health.Server
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
}

// NewHealthMonitor returns a monitor that checks pinger every interval.
func NewHealthMonitor(pinger Pinger, interval time.Duration, logger *zap.Logger) *HealthMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := interval
	if timeout <= 0 || timeout > 5*time.Second {
		timeout = 5 * time.Second
	}
	return &HealthMonitor{
		server:   health.NewServer(),
		pinger:   pinger,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
	}
}

// Server returns the health server to register.
func (monitor *HealthMonitor) Server() *health.Server {
	return monitor.server
}

// Check pings the store once and publishes the result for the overall and gallery services.
func (monitor *HealthMonitor) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	pingCtx, cancel := context.WithTimeout(ctx, monitor.timeout)
	defer cancel()
	servingStatus := healthpb.HealthCheckResponse_SERVING
	if err := monitor.pinger.Ping(pingCtx); err != nil {
		monitor.logger.Warn("store ping failed", zap.Error(err))
		servingStatus = healthpb.HealthCheckResponse_NOT_SERVING
	}
	monitor.server.SetServingStatus("", servingStatus)
	monitor.server.SetServingStatus(GalleryServiceName, servingStatus)
	return servingStatus
}

// Run checks immediately and then on every tick until ctx ends, when every service is
// marked NOT_SERVING.
func (monitor *HealthMonitor) Run(ctx context.Context) {
	monitor.Check(ctx)
	if monitor.interval <= 0 {
		<-ctx.Done()
		monitor.server.Shutdown()
		return
	}
	ticker := time.NewTicker(monitor.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			monitor.server.Shutdown()
			return
		case <-ticker.C:
			monitor.Check(ctx)
		}
	}
}
