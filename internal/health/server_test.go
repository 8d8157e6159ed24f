package health

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/ashureev/pairbot/internal/domain"
	"github.com/ashureev/pairbot/internal/session"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

func startServer(t *testing.T) (*Server, *bufconn.Listener) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := NewServer(nil)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)
	return s, lis
}

func bufDialer(lis *bufconn.Listener) grpc.DialOption {
	return grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
}

func TestHealthFollowsSessionState(t *testing.T) {
	s, lis := startServer(t)
	m := session.NewMachine(nil)
	s.Watch(m)

	check := func() healthpb.HealthCheckResponse_ServingStatus {
		t.Helper()
		status, err := Check(context.Background(), "passthrough:///bufnet", 2*time.Second, bufDialer(lis))
		if err != nil {
			t.Fatalf("Check failed: %v", err)
		}
		return status
	}

	if got := check(); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("Expected NOT_SERVING while disconnected, got %s", got)
	}

	_ = m.Transition(domain.StateAuthenticated, domain.ReasonNone, 0)
	if got := check(); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("Expected NOT_SERVING while authenticated, got %s", got)
	}

	_ = m.Transition(domain.StateReady, domain.ReasonNone, 0)
	if got := check(); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("Expected SERVING while ready, got %s", got)
	}

	_ = m.Transition(domain.StateDisconnected, domain.ReasonTransient, 428)
	if got := check(); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("Expected NOT_SERVING after disconnect, got %s", got)
	}
}

func TestCheckUnreachable(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	_ = lis.Close()

	if _, err := Check(context.Background(), "passthrough:///bufnet", 200*time.Millisecond, bufDialer(lis)); err == nil {
		t.Error("Expected error for closed listener")
	}
}
