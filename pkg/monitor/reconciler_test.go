package monitor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigilbox/vigilbox/pkg/cri"
	"github.com/vigilbox/vigilbox/pkg/events"
	"github.com/vigilbox/vigilbox/pkg/sandbox"
)

type fakeRuntime struct {
	mu   sync.Mutex
	pods []cri.PodSandbox
	err  error
}

func (f *fakeRuntime) ListSandboxes(context.Context) ([]cri.PodSandbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]cri.PodSandbox(nil), f.pods...), nil
}

func (f *fakeRuntime) setPods(pods []cri.PodSandbox) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pods = pods
}

type recordStore struct {
	mu      sync.Mutex
	deleted []string
}

func (s *recordStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, id)
	return true
}

func (s *recordStore) deletedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.deleted...)
}

func testConfig(dir string) Config {
	return Config{
		SandboxDir:   dir,
		ScanInterval: 10 * time.Millisecond,
		SyncInterval: 10 * time.Millisecond,
		FsRetryDelay: 20 * time.Millisecond,
	}
}

func mkSandboxDir(t *testing.T, root, id string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(root, id), 0o755))
}

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    State
		to      State
		allowed bool
	}{
		{name: "unready to scanning", from: StateUnready, to: StateScanning, allowed: true},
		{name: "scanning to monitoring", from: StateScanning, to: StateMonitoring, allowed: true},
		{name: "unready skips scanning", from: StateUnready, to: StateMonitoring, allowed: false},
		{name: "monitoring is terminal", from: StateMonitoring, to: StateScanning, allowed: false},
		{name: "no going back", from: StateScanning, to: StateUnready, allowed: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
		})
	}

	assert.True(t, StateMonitoring.IsValid())
	assert.False(t, State("bogus").IsValid())
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "/run/vc/sbs", cfg.SandboxDir)
	assert.Equal(t, 5*time.Second, cfg.ScanInterval)
	assert.Equal(t, 5*time.Second, cfg.SyncInterval)
	assert.Equal(t, 60*time.Second, cfg.FsRetryDelay)
}

func TestReconcilerDiscoversExistingSandboxes(t *testing.T) {
	dir := t.TempDir()
	mkSandboxDir(t, dir, "sbx-1")
	mkSandboxDir(t, dir, "sbx-2")
	// Stray files must not be mistaken for sandboxes.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lockfile"), []byte("x"), 0o644))

	registry := sandbox.NewRegistry()
	bus := events.NewBus(events.DefaultBuffer)
	ch, cancelSub := bus.Subscribe()
	defer cancelSub()

	r := NewReconciler(testConfig(dir), registry, &fakeRuntime{}, &recordStore{}, bus, nil, nil)
	require.Equal(t, StateUnready, r.State())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	require.Eventually(t, func() bool {
		return registry.Len() == 2
	}, time.Second, 5*time.Millisecond)

	ids := registry.List()
	assert.ElementsMatch(t, []string{"sbx-1", "sbx-2"}, ids)
	assert.Equal(t, StateMonitoring, r.State())

	kinds := make(map[string]int)
	for i := 0; i < 2; i++ {
		select {
		case evt := <-ch:
			kinds[string(evt.Kind)]++
			assert.Contains(t, []string{"sbx-1", "sbx-2"}, evt.Sandbox)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for discovery events")
		}
	}
	assert.Equal(t, 2, kinds[string(events.KindSandboxDiscovered)])
}

func TestReconcilerTracksNewAndRemovedSandboxes(t *testing.T) {
	dir := t.TempDir()
	mkSandboxDir(t, dir, "sbx-old")

	registry := sandbox.NewRegistry()
	store := &recordStore{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := NewReconciler(testConfig(dir), registry, &fakeRuntime{}, store, nil, nil, nil)
	go func() { _ = r.Run(ctx) }()

	require.Eventually(t, func() bool {
		return registry.Len() == 1
	}, time.Second, 5*time.Millisecond)

	mkSandboxDir(t, dir, "sbx-new")
	require.Eventually(t, func() bool {
		_, ok := registry.TryGetMetadata("sbx-new")
		return ok
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, os.RemoveAll(filepath.Join(dir, "sbx-old")))
	require.Eventually(t, func() bool {
		_, ok := registry.TryGetMetadata("sbx-old")
		return !ok
	}, time.Second, 5*time.Millisecond)

	assert.Contains(t, store.deletedIDs(), "sbx-old")
	_, ok := registry.TryGetMetadata("sbx-new")
	assert.True(t, ok)
}

func TestReconcilerRetriesUntilDirectoryAppears(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "sbs")

	registry := sandbox.NewRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := NewReconciler(testConfig(dir), registry, &fakeRuntime{}, &recordStore{}, nil, nil, nil)
	go func() { _ = r.Run(ctx) }()

	// Stays in scanning while the directory is missing.
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StateScanning, r.State())

	mkSandboxDir(t, dir, "sbx-late")

	require.Eventually(t, func() bool {
		return r.State() == StateMonitoring && registry.Len() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestReconcilerCancelledWhileWaitingForDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "missing")

	cfg := testConfig(dir)
	cfg.FsRetryDelay = time.Hour

	r := NewReconciler(cfg, sandbox.NewRegistry(), &fakeRuntime{}, &recordStore{}, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("reconciler did not exit on cancellation")
	}
}

func TestReconcilerSyncsMetadata(t *testing.T) {
	dir := t.TempDir()
	mkSandboxDir(t, dir, "sbx-1")

	registry := sandbox.NewRegistry()
	runtime := &fakeRuntime{pods: []cri.PodSandbox{
		{ID: "sbx-1", UID: "uid-1", Name: "workload-a", Namespace: "tenant-7"},
		{ID: "sbx-other", UID: "uid-9", Name: "not-ours", Namespace: "elsewhere"},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := NewReconciler(testConfig(dir), registry, runtime, &recordStore{}, nil, nil, nil)
	go func() { _ = r.Run(ctx) }()

	require.Eventually(t, func() bool {
		md, ok := registry.TryGetMetadata("sbx-1")
		return ok && md.UID == "uid-1"
	}, time.Second, 5*time.Millisecond)

	md, ok := registry.TryGetMetadata("sbx-1")
	require.True(t, ok)
	assert.Equal(t, "workload-a", md.Name)
	assert.Equal(t, "tenant-7", md.Namespace)

	// Pods without a matching directory are never inserted.
	assert.Equal(t, 1, registry.Len())
}

func TestReconcilerKeepsTrackingThroughSyncFailures(t *testing.T) {
	dir := t.TempDir()
	mkSandboxDir(t, dir, "sbx-1")

	registry := sandbox.NewRegistry()
	runtime := &fakeRuntime{err: errors.New("runtime unavailable")}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := NewReconciler(testConfig(dir), registry, runtime, &recordStore{}, nil, nil, nil)
	go func() { _ = r.Run(ctx) }()

	require.Eventually(t, func() bool {
		return r.State() == StateMonitoring
	}, time.Second, 5*time.Millisecond)

	// Let several failing sync ticks pass.
	time.Sleep(50 * time.Millisecond)

	md, ok := registry.TryGetMetadata("sbx-1")
	require.True(t, ok)
	assert.True(t, md.IsZero())

	// A recovering runtime fills in the identity on a later tick.
	runtime.mu.Lock()
	runtime.err = nil
	runtime.mu.Unlock()
	runtime.setPods([]cri.PodSandbox{{ID: "sbx-1", UID: "uid-1", Name: "late", Namespace: "ns"}})

	require.Eventually(t, func() bool {
		md, ok := registry.TryGetMetadata("sbx-1")
		return ok && md.Name == "late"
	}, time.Second, 5*time.Millisecond)
}

func TestReconcilerInvalidTransitionIgnored(t *testing.T) {
	r := NewReconciler(testConfig(t.TempDir()), sandbox.NewRegistry(), &fakeRuntime{}, &recordStore{}, nil, nil, nil)

	r.setState(StateMonitoring)
	assert.Equal(t, StateUnready, r.State())

	r.setState(StateScanning)
	assert.Equal(t, StateScanning, r.State())
}
