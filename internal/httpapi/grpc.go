package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"studygate.org/internal/obs"
)

// NewGRPCServer exposes readiness over the standard gRPC health protocol for
// load balancers that probe gRPC instead of HTTP. The returned stop function
// ends the background probe loop.
func NewGRPCServer(rp ReadyProbe) (*grpc.Server, func()) {
	srv := grpc.NewServer()
	h := health.NewServer()
	healthpb.RegisterHealthServer(srv, h)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		update := func() {
			status := healthpb.HealthCheckResponse_SERVING
			checkCtx, checkCancel := context.WithTimeout(ctx, 3*time.Second)
			err := rp.Check(checkCtx)
			checkCancel()
			if err != nil {
				status = healthpb.HealthCheckResponse_NOT_SERVING
			}
			obs.SetReady(err == nil)
			h.SetServingStatus(serviceName, status)
			h.SetServingStatus("", status)
		}
		update()
		for {
			select {
			case <-ctx.Done():
				h.Shutdown()
				return
			case <-ticker.C:
				update()
			}
		}
	}()

	return srv, cancel
}
