package grpcserver

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

const bufconnSize = 1 << 20

func TestHealthReflectsChecks(t *testing.T) {
	var databaseDown atomic.Bool
	server := New(Config{
		Interval: time.Hour,
		Checks: map[string]Check{
			"database": func(ctx context.Context) error {
				if databaseDown.Load() {
					return errors.New("connection refused")
				}
				return nil
			},
			"redis": func(ctx context.Context) error { return nil },
		},
	}, zap.NewNop())

	listener := bufconn.Listen(bufconnSize)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- server.Serve(ctx, listener) }()

	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		return listener.Dial()
	}
	conn, err := grpc.NewClient("passthrough:///bufnet", grpc.WithContextDialer(dialer), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("gRPC client init failed: %v", err)
	}
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	expectStatus(t, client, ServiceName, healthpb.HealthCheckResponse_SERVING)
	expectStatus(t, client, "database", healthpb.HealthCheckResponse_SERVING)

	databaseDown.Store(true)
	if server.Probe(context.Background()) {
		t.Fatalf("expected probe to report unhealthy")
	}
	expectStatus(t, client, ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	expectStatus(t, client, "database", healthpb.HealthCheckResponse_NOT_SERVING)
	expectStatus(t, client, "redis", healthpb.HealthCheckResponse_SERVING)

	databaseDown.Store(false)
	if !server.Probe(context.Background()) {
		t.Fatalf("expected probe to recover")
	}
	expectStatus(t, client, "", healthpb.HealthCheckResponse_SERVING)

	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not stop")
	}
}

func expectStatus(t *testing.T, client healthpb.HealthClient, service string, want healthpb.HealthCheckResponse_ServingStatus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	response, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("health check %q failed: %v", service, err)
	}
	if response.GetStatus() != want {
		t.Fatalf("service %q: expected %s, got %s", service, want, response.GetStatus())
	}
}
