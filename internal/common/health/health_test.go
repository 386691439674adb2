package health_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"judgeline/internal/common/health"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type fakePinger struct {
	fail  atomic.Bool
	calls atomic.Int32
}

func (p *fakePinger) Ping(ctx context.Context) error {
	p.calls.Add(1)
	if p.fail.Load() {
		return errors.New("connection refused")
	}
	return nil
}

func status(t *testing.T, checker *health.Checker, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := checker.Server().Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("check %q: %v", service, err)
	}
	return resp.GetStatus()
}

func TestCheckerFollowsDependencies(t *testing.T) {
	t.Parallel()
	database, cache := &fakePinger{}, &fakePinger{}
	checker := health.NewChecker(health.Config{}, "judgeline.submit")
	checker.Add("mysql", database)
	checker.Add("redis", cache)

	if got := status(t, checker, "judgeline.submit"); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("before first check = %s", got)
	}

	if !checker.Check(context.Background()) {
		t.Fatalf("expected healthy")
	}
	for _, svc := range []string{"", "judgeline.submit"} {
		if got := status(t, checker, svc); got != healthpb.HealthCheckResponse_SERVING {
			t.Fatalf("%q = %s, want SERVING", svc, got)
		}
	}

	cache.fail.Store(true)
	if checker.Check(context.Background()) {
		t.Fatalf("expected unhealthy")
	}
	if got := status(t, checker, ""); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("overall = %s, want NOT_SERVING", got)
	}

	cache.fail.Store(false)
	checker.Check(context.Background())
	if got := status(t, checker, "judgeline.submit"); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("recovered = %s", got)
	}
}

func TestCheckerStartAndStop(t *testing.T) {
	t.Parallel()
	dep := &fakePinger{}
	checker := health.NewChecker(health.Config{Interval: 10 * time.Millisecond}, "judgeline.submit")
	checker.Add("kafka", dep)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	checker.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for dep.calls.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("check loop did not run, calls=%d", dep.calls.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}

	checker.Stop()
	checker.Stop()
	if got := status(t, checker, ""); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("after stop = %s", got)
	}
}
