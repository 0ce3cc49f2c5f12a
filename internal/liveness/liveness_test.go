package liveness

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func status(t *testing.T, h *Health, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := h.server.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestHealth_StaleComponentsStopServing(t *testing.T) {
	clock := time.Unix(1000, 0)
	h := NewHealth(5 * time.Second)
	h.now = func() time.Time { return clock }

	h.Alive("reader", "reading")
	h.Alive("dispatcher", "dispatching")
	h.Check()
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status(t, h, "reader"))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status(t, h, ""))

	clock = clock.Add(6 * time.Second)
	h.Alive("dispatcher", "dispatching")
	h.Check()
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status(t, h, "reader"))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status(t, h, "dispatcher"))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status(t, h, ""))

	h.Alive("reader", "waiting for socket")
	h.Check()
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status(t, h, ""))

	snap := h.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "dispatcher", snap[0].Component)
	assert.Equal(t, "waiting for socket", snap[1].Doing)
}

func TestHealth_Serve(t *testing.T) {
	h := NewHealth(time.Minute)
	h.Alive("reader", "reading")
	h.Check()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.serve(ctx, lis) }()

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	rpcCtx, rpcCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer rpcCancel()
	resp, err := healthpb.NewHealthClient(conn).Check(rpcCtx, &healthpb.HealthCheckRequest{Service: "reader"})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("health server did not stop")
	}
}

func TestNoop(t *testing.T) {
	var r Reporter = Noop{}
	r.Alive("anything", "nothing")
}
