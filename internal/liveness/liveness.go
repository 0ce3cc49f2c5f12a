// Package liveness reports that long-running components are still making
// progress. The gRPC health implementation lets a supervisor probe the
// process with the standard grpc.health.v1 protocol.
package liveness

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/banshee-data/pulsefeed/internal/monitoring"
)

// Reporter receives "alive, doing X" notifications.
type Reporter interface {
	Alive(component, doing string)
}

// Noop discards every notification.
type Noop struct{}

func (Noop) Alive(string, string) {}

// Status is the last notification received from a component.
type Status struct {
	Component string
	Doing     string
	At        time.Time
	Serving   bool
}

// Health tracks component notifications and exposes them as gRPC health
// services, one per component. A component that has not reported within
// the stale interval is marked NOT_SERVING until it reports again.
type Health struct {
	server *health.Server
	stale  time.Duration
	now    func() time.Time

	mu         sync.Mutex
	components map[string]*Status
}

// NewHealth creates a health tracker marking components stale after
// staleAfter without a notification.
func NewHealth(staleAfter time.Duration) *Health {
	if staleAfter <= 0 {
		staleAfter = 10 * time.Second
	}
	return &Health{
		server:     health.NewServer(),
		stale:      staleAfter,
		now:        time.Now,
		components: make(map[string]*Status),
	}
}

// Alive records a notification from component.
func (h *Health) Alive(component, doing string) {
	h.mu.Lock()
	st, ok := h.components[component]
	if !ok {
		st = &Status{Component: component}
		h.components[component] = st
	}
	changed := st.Doing != doing || !st.Serving
	st.Doing = doing
	st.At = h.now()
	st.Serving = true
	h.mu.Unlock()

	if changed {
		h.server.SetServingStatus(component, healthpb.HealthCheckResponse_SERVING)
		if !ok {
			monitoring.Logf("liveness: %s %s", component, doing)
		}
	}
}

// Check marks stale components NOT_SERVING. The process-wide service ("")
// is SERVING only while every component is.
func (h *Health) Check() {
	now := h.now()
	allServing := true

	h.mu.Lock()
	var stale []string
	for name, st := range h.components {
		if st.Serving && now.Sub(st.At) > h.stale {
			st.Serving = false
			stale = append(stale, name)
		}
		allServing = allServing && st.Serving
	}
	h.mu.Unlock()

	for _, name := range stale {
		monitoring.Logf("liveness: %s silent for more than %v", name, h.stale)
		h.server.SetServingStatus(name, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	overall := healthpb.HealthCheckResponse_SERVING
	if !allServing {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.server.SetServingStatus("", overall)
}

// Snapshot returns every component's last status, sorted by name.
func (h *Health) Snapshot() []Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Status, 0, len(h.components))
	for _, st := range h.components {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Component < out[j].Component })
	return out
}

// Watch runs Check every interval until ctx is cancelled.
func (h *Health) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Check()
		}
	}
}

// Register adds the health service to a gRPC server.
func (h *Health) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.server)
}

// Serve listens on addr and serves the health service until ctx is
// cancelled, then stops gracefully.
func (h *Health) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return h.serve(ctx, lis)
}

func (h *Health) serve(ctx context.Context, lis net.Listener) error {
	s := grpc.NewServer()
	h.Register(s)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Serve(lis)
	}()
	monitoring.Logf("liveness: gRPC health listening on %s", lis.Addr())

	select {
	case <-ctx.Done():
		h.server.Shutdown()
		s.GracefulStop()
		<-errCh
		return nil
	case err := <-errCh:
		return fmt.Errorf("health server: %w", err)
	}
}
