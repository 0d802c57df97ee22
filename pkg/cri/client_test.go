package cri

import (
	"context"
	"net"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	runtimeapi "k8s.io/cri-api/pkg/apis/runtime/v1"
)

type fakeRuntimeService struct {
	runtimeapi.UnimplementedRuntimeServiceServer

	listCalls atomic.Int32
	failList  atomic.Int32 // fail this many ListPodSandbox calls up front
	pods      []*runtimeapi.PodSandbox
}

func (f *fakeRuntimeService) Version(ctx context.Context, req *runtimeapi.VersionRequest) (*runtimeapi.VersionResponse, error) {
	return &runtimeapi.VersionResponse{
		Version:           "0.1.0",
		RuntimeName:       "fake-runtime",
		RuntimeVersion:    "1.0.0",
		RuntimeApiVersion: "v1",
	}, nil
}

func (f *fakeRuntimeService) ListPodSandbox(ctx context.Context, req *runtimeapi.ListPodSandboxRequest) (*runtimeapi.ListPodSandboxResponse, error) {
	call := f.listCalls.Add(1)
	if call <= f.failList.Load() {
		return nil, status.Error(codes.Unavailable, "runtime busy")
	}
	return &runtimeapi.ListPodSandboxResponse{Items: f.pods}, nil
}

func startFakeRuntime(t *testing.T, svc *fakeRuntimeService) string {
	t.Helper()

	socketPath := filepath.Join(t.TempDir(), "runtime.sock")
	lis, err := net.Listen("unix", socketPath)
	require.NoError(t, err)

	srv := grpc.NewServer()
	runtimeapi.RegisterRuntimeServiceServer(srv, svc)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	return socketPath
}

func testConfig(endpoint string) Config {
	return Config{
		Endpoint:     endpoint,
		Timeout:      2 * time.Second,
		MaxRetries:   3,
		RetryBackoff: 10 * time.Millisecond,
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "/run/containerd/containerd.sock", cfg.Endpoint)
	assert.Equal(t, 10*time.Second, cfg.Timeout)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.RetryBackoff)
}

func TestClientListSandboxes(t *testing.T) {
	svc := &fakeRuntimeService{
		pods: []*runtimeapi.PodSandbox{
			{
				Id: "sbx-1",
				Metadata: &runtimeapi.PodSandboxMetadata{
					Name:      "web-0",
					Uid:       "uid-1",
					Namespace: "default",
				},
			},
			{Id: "sbx-2"}, // no metadata reported
		},
	}
	endpoint := startFakeRuntime(t, svc)

	c := NewClient(testConfig(endpoint))
	defer c.Close()
	assert.Equal(t, StateDisconnected, c.State())

	pods, err := c.ListSandboxes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateConnected, c.State())

	require.Len(t, pods, 2)
	assert.Equal(t, PodSandbox{ID: "sbx-1", UID: "uid-1", Name: "web-0", Namespace: "default"}, pods[0])
	assert.Equal(t, PodSandbox{ID: "sbx-2"}, pods[1])
}

func TestClientConnectIsIdempotent(t *testing.T) {
	svc := &fakeRuntimeService{}
	endpoint := startFakeRuntime(t, svc)

	c := NewClient(testConfig(endpoint))
	defer c.Close()

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StateConnected, c.State())
}

func TestClientNeverConnectedFailsWithoutRetrying(t *testing.T) {
	cfg := testConfig(filepath.Join(t.TempDir(), "missing.sock"))
	cfg.Timeout = 500 * time.Millisecond
	c := NewClient(cfg)
	defer c.Close()

	start := time.Now()
	_, err := c.ListSandboxes(context.Background())
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, StateDisconnected, c.State())
	// The connect failure must fall back immediately, not burn through
	// the retry schedule.
	assert.Less(t, elapsed, cfg.Timeout+time.Second)
}

func TestClientRetriesTransientListFailures(t *testing.T) {
	svc := &fakeRuntimeService{
		pods: []*runtimeapi.PodSandbox{{Id: "sbx-1"}},
	}
	svc.failList.Store(2)
	endpoint := startFakeRuntime(t, svc)

	c := NewClient(testConfig(endpoint))
	defer c.Close()

	pods, err := c.ListSandboxes(context.Background())
	require.NoError(t, err)
	assert.Len(t, pods, 1)
	assert.Equal(t, int32(3), svc.listCalls.Load())
	assert.Equal(t, StateConnected, c.State())
}

func TestClientRetryExhaustionDisconnectsThenRecovers(t *testing.T) {
	svc := &fakeRuntimeService{
		pods: []*runtimeapi.PodSandbox{{Id: "sbx-1"}},
	}
	svc.failList.Store(100)
	endpoint := startFakeRuntime(t, svc)

	cfg := testConfig(endpoint)
	cfg.MaxRetries = 2
	c := NewClient(cfg)
	defer c.Close()

	_, err := c.ListSandboxes(context.Background())
	require.Error(t, err)
	// Initial attempt plus two retries.
	assert.Equal(t, int32(3), svc.listCalls.Load())
	assert.Equal(t, StateDisconnected, c.State())

	// Once the runtime heals, the next call reconnects and succeeds.
	svc.failList.Store(0)
	pods, err := c.ListSandboxes(context.Background())
	require.NoError(t, err)
	assert.Len(t, pods, 1)
	assert.Equal(t, StateConnected, c.State())
}

func TestDialTarget(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
		want     string
	}{
		{"bare path", "/run/containerd/containerd.sock", "unix:///run/containerd/containerd.sock"},
		{"unix prefix kept", "unix:///run/crio/crio.sock", "unix:///run/crio/crio.sock"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, dialTarget(tt.endpoint))
		})
	}
}
