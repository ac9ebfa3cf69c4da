// ABOUTME: gRPC server exposing the standard grpc.health.v1 service
// ABOUTME: Serving status follows store reachability; CheckHealth is the matching client probe

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// HealthServiceName is the per-service name reported alongside the overall ("") status.
const HealthServiceName = "localhands.Messaging"

// healthCheckInterval is how often the store is pinged to refresh serving status.
const healthCheckInterval = 10 * time.Second

type pinger interface {
	Ping(ctx context.Context) error
}

// healthReporter keeps the gRPC health status in line with the store.
type healthReporter struct {
	server *health.Server
	store  pinger
	logger *slog.Logger
}

// newGRPCServer creates a gRPC server with keepalive settings and the health service registered.
func newGRPCServer(st pinger, logger *slog.Logger) (*grpc.Server, *healthReporter) {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)

	hs := health.NewServer()
	hs.SetServingStatus(HealthServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, hs)

	return server, &healthReporter{server: hs, store: st, logger: logger}
}

// check pings the store once and publishes the result.
func (h *healthReporter) check(ctx context.Context) {
	status := healthpb.HealthCheckResponse_SERVING
	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn("store ping failed", "error", err)
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.server.SetServingStatus("", status)
	h.server.SetServingStatus(HealthServiceName, status)
}

// watch refreshes the status every interval until ctx ends.
func (h *healthReporter) watch(ctx context.Context, interval time.Duration) {
	h.check(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.check(ctx)
		}
	}
}

// setNotServing marks every service NOT_SERVING and ignores later updates.
func (h *healthReporter) setNotServing() {
	h.server.Shutdown()
}

// CheckHealth asks the gRPC health service at addr for the status of service
// ("" for the whole server).
func CheckHealth(ctx context.Context, addr, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("dialing %s: %w", addr, err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("health check: %w", err)
	}
	return resp.GetStatus(), nil
}
