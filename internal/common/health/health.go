package health

import (
	"context"
	"sync"
	"time"

	"judgeline/pkg/utils/logger"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	defaultInterval     = 5 * time.Second
	defaultProbeTimeout = 2 * time.Second
)

// Pinger is any dependency that can report liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config configures the health checker.
type Config struct {
	Addr         string        `yaml:"addr"`
	Interval     time.Duration `yaml:"interval"`
	ProbeTimeout time.Duration `yaml:"probeTimeout"`
}

// Checker probes dependencies on an interval and publishes the result through
// the standard gRPC health service. Both the overall status ("") and every
// registered service name share one verdict.
type Checker struct {
	server   *grpchealth.Server
	services []string
	interval time.Duration
	timeout  time.Duration

	mu      sync.Mutex
	deps    map[string]Pinger
	serving bool

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewChecker creates a Checker for the given service names.
func NewChecker(cfg Config, services ...string) *Checker {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	c := &Checker{
		server:   grpchealth.NewServer(),
		services: append([]string{""}, services...),
		interval: cfg.Interval,
		timeout:  cfg.ProbeTimeout,
		deps:     make(map[string]Pinger),
		stopCh:   make(chan struct{}),
	}
	c.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	return c
}

// Add registers a named dependency.
func (c *Checker) Add(name string, dep Pinger) {
	if dep == nil {
		return
	}
	c.mu.Lock()
	c.deps[name] = dep
	c.mu.Unlock()
}

// Register attaches the health service to a gRPC server.
func (c *Checker) Register(server *grpc.Server) {
	healthpb.RegisterHealthServer(server, c.server)
}

// Server exposes the underlying health server.
func (c *Checker) Server() healthpb.HealthServer {
	return c.server
}

// Check probes every dependency once and updates the served status.
func (c *Checker) Check(ctx context.Context) bool {
	c.mu.Lock()
	deps := make(map[string]Pinger, len(c.deps))
	for name, dep := range c.deps {
		deps[name] = dep
	}
	c.mu.Unlock()

	healthy := true
	for name, dep := range deps {
		probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
		err := dep.Ping(probeCtx)
		cancel()
		if err != nil {
			healthy = false
			logger.Warn(ctx, "dependency probe failed", zap.String("dependency", name), zap.Error(err))
		}
	}

	c.mu.Lock()
	changed := c.serving != healthy
	c.serving = healthy
	c.mu.Unlock()

	if healthy {
		c.setStatus(healthpb.HealthCheckResponse_SERVING)
	} else {
		c.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	}
	if changed {
		logger.Info(ctx, "health status changed", zap.Bool("serving", healthy))
	}
	return healthy
}

// Start probes immediately and then on every interval until Stop.
func (c *Checker) Start(ctx context.Context) {
	c.Check(ctx)
	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.Check(ctx)
			}
		}
	}()
}

// Stop halts probing and marks every service NOT_SERVING for the rest of the
// process lifetime.
func (c *Checker) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.server.Shutdown()
	})
}

func (c *Checker) setStatus(status healthpb.HealthCheckResponse_ServingStatus) {
	for _, name := range c.services {
		c.server.SetServingStatus(name, status)
	}
}
