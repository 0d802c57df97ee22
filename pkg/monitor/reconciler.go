// Package monitor drives the sandbox lifecycle: discovering sandbox
// state directories on disk, enriching them with pod identity from the
// container runtime, and cascading removals into the metrics store.
package monitor

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/vigilbox/vigilbox/pkg/cri"
	"github.com/vigilbox/vigilbox/pkg/events"
	"github.com/vigilbox/vigilbox/pkg/monitoring"
	"github.com/vigilbox/vigilbox/pkg/sandbox"
)

// State is the reconciler lifecycle state.
type State string

const (
	// StateUnready is the initial state before Run is called.
	StateUnready State = "unready"
	// StateScanning covers the initial directory scan, including its
	// retry loop when the sandbox directory does not exist yet.
	StateScanning State = "scanning"
	// StateMonitoring is the steady state. It is terminal until the
	// reconciler exits.
	StateMonitoring State = "monitoring"
)

// IsValid returns true if the state is one of the known states.
func (s State) IsValid() bool {
	switch s {
	case StateUnready, StateScanning, StateMonitoring:
		return true
	default:
		return false
	}
}

// CanTransitionTo checks whether the reconciler may move from s to
// target. The lifecycle is linear and never goes backwards.
func (s State) CanTransitionTo(target State) bool {
	switch s {
	case StateUnready:
		return target == StateScanning
	case StateScanning:
		return target == StateMonitoring
	default:
		return false
	}
}

// MetadataLister is the slice of the runtime client the reconciler
// needs for the sync pass.
type MetadataLister interface {
	ListSandboxes(ctx context.Context) ([]cri.PodSandbox, error)
}

// MetricsStore receives removal cascades when a sandbox directory
// vanishes.
type MetricsStore interface {
	Delete(id string) bool
}

// Config holds the reconciler timings and the directory to watch.
type Config struct {
	// SandboxDir contains one subdirectory per running sandbox.
	SandboxDir string `json:"sandbox_dir" yaml:"sandbox_dir" mapstructure:"sandbox_dir"`

	// ScanInterval is the cadence of the filesystem pass.
	ScanInterval time.Duration `json:"scan_interval" yaml:"scan_interval" mapstructure:"scan_interval"`

	// SyncInterval is the cadence of the metadata sync pass.
	SyncInterval time.Duration `json:"sync_interval" yaml:"sync_interval" mapstructure:"sync_interval"`

	// FsRetryDelay is how long to wait before retrying the initial scan
	// when the sandbox directory is not readable yet.
	FsRetryDelay time.Duration `json:"fs_retry_delay" yaml:"fs_retry_delay" mapstructure:"fs_retry_delay"`
}

// DefaultConfig returns the standard reconciler timings.
func DefaultConfig() Config {
	return Config{
		SandboxDir:   "/run/vc/sbs",
		ScanInterval: 5 * time.Second,
		SyncInterval: 5 * time.Second,
		FsRetryDelay: 60 * time.Second,
	}
}

// Reconciler keeps the sandbox registry in agreement with the
// filesystem and the runtime. A single goroutine owns the tracked set,
// so the filesystem pass and the sync pass can never race each other.
type Reconciler struct {
	cfg      Config
	registry *sandbox.Registry
	runtime  MetadataLister
	store    MetricsStore
	bus      *events.Bus
	tracked  prometheus.Gauge
	tracing  *monitoring.TracingManager

	mu    sync.RWMutex
	state State
}

// NewReconciler wires a reconciler. bus, tracked, and tracing may be
// nil; the other dependencies are required.
func NewReconciler(cfg Config, registry *sandbox.Registry, runtime MetadataLister, store MetricsStore, bus *events.Bus, tracked prometheus.Gauge, tracing *monitoring.TracingManager) *Reconciler {
	def := DefaultConfig()
	if cfg.SandboxDir == "" {
		cfg.SandboxDir = def.SandboxDir
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = def.ScanInterval
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = def.SyncInterval
	}
	if cfg.FsRetryDelay <= 0 {
		cfg.FsRetryDelay = def.FsRetryDelay
	}

	return &Reconciler{
		cfg:      cfg,
		registry: registry,
		runtime:  runtime,
		store:    store,
		bus:      bus,
		tracked:  tracked,
		tracing:  tracing,
		state:    StateUnready,
	}
}

// State returns the current lifecycle state.
func (r *Reconciler) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *Reconciler) setState(target State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.state.CanTransitionTo(target) {
		log.Error().
			Str("from", string(r.state)).
			Str("to", string(target)).
			Msg("Invalid reconciler state transition")
		return
	}

	log.Info().
		Str("from", string(r.state)).
		Str("to", string(target)).
		Msg("Reconciler state changed")
	r.state = target
}

// Run drives the reconciler until ctx is cancelled: the initial
// directory scan first (retrying while the directory is unreadable),
// then the monitoring loop with its two tickers. The returned error is
// always the context's error.
func (r *Reconciler) Run(ctx context.Context) error {
	r.setState(StateScanning)

	tracked, err := r.initialScan(ctx)
	if err != nil {
		return err
	}

	r.setState(StateMonitoring)

	scanTicker := time.NewTicker(r.cfg.ScanInterval)
	defer scanTicker.Stop()
	syncTicker := time.NewTicker(r.cfg.SyncInterval)
	defer syncTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Reconciler stopping")
			return ctx.Err()
		case <-scanTicker.C:
			r.reconcileFilesystem(tracked)
		case <-syncTicker.C:
			r.syncMetadata(ctx, tracked)
		}
	}
}

// initialScan waits for the sandbox directory to become readable and
// seeds the tracked set from it. The scan itself can only fail on
// filesystem errors, and those are retried forever; ctx cancellation
// is the only way out.
func (r *Reconciler) initialScan(ctx context.Context) (map[string]struct{}, error) {
	for {
		entries, err := os.ReadDir(r.cfg.SandboxDir)
		if err == nil {
			tracked := make(map[string]struct{}, len(entries))
			for _, entry := range entries {
				if !entry.IsDir() {
					continue
				}
				r.observeNew(entry.Name(), tracked)
			}
			r.updateTrackedGauge(len(tracked))
			log.Info().
				Str("dir", r.cfg.SandboxDir).
				Int("sandboxes", len(tracked)).
				Msg("Initial sandbox scan complete")
			return tracked, nil
		}

		log.Warn().
			Err(err).
			Str("dir", r.cfg.SandboxDir).
			Dur("retry_in", r.cfg.FsRetryDelay).
			Msg("Sandbox directory not readable, retrying")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.cfg.FsRetryDelay):
		}
	}
}

// reconcileFilesystem brings the tracked set in line with the sandbox
// directory: new subdirectories are discovered, vanished ones are
// removed from the registry with their cached metrics.
func (r *Reconciler) reconcileFilesystem(tracked map[string]struct{}) {
	entries, err := os.ReadDir(r.cfg.SandboxDir)
	if err != nil {
		log.Warn().Err(err).Str("dir", r.cfg.SandboxDir).Msg("Failed to read sandbox directory")
		return
	}

	seen := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		seen[id] = struct{}{}
		if _, ok := tracked[id]; !ok {
			r.observeNew(id, tracked)
		}
	}

	for id := range tracked {
		if _, ok := seen[id]; ok {
			continue
		}
		delete(tracked, id)
		if r.registry.RemoveIfPresent(id) {
			r.store.Delete(id)
			log.Info().Str("sandbox_id", id).Msg("Sandbox removed")
			r.publish(events.SandboxRemoved(id))
		}
	}

	r.updateTrackedGauge(len(tracked))
}

func (r *Reconciler) observeNew(id string, tracked map[string]struct{}) {
	tracked[id] = struct{}{}
	if r.registry.InsertIfAbsent(id, sandbox.Metadata{}) {
		log.Info().Str("sandbox_id", id).Msg("Sandbox discovered")
		r.publish(events.SandboxDiscovered(id))
	}
}

// syncMetadata asks the runtime for pod identities and applies every
// match to the registry. The tracked set is never shrunk here: a
// sandbox the runtime does not report stays pending and is retried on
// the next tick.
func (r *Reconciler) syncMetadata(ctx context.Context, tracked map[string]struct{}) {
	if len(tracked) == 0 {
		return
	}

	var err error
	if r.tracing != nil {
		err = r.tracing.TraceOperation(ctx, "metadata.sync", func(ctx context.Context) error {
			return r.runSync(ctx, tracked)
		})
	} else {
		err = r.runSync(ctx, tracked)
	}
	if err != nil {
		log.Warn().Err(err).Msg("Metadata sync failed")
	}
}

// runSync performs one metadata pass against the container runtime.
func (r *Reconciler) runSync(ctx context.Context, tracked map[string]struct{}) error {
	pods, err := r.runtime.ListSandboxes(ctx)
	if err != nil {
		return err
	}

	matched := 0
	for _, pod := range pods {
		if _, ok := tracked[pod.ID]; !ok {
			continue
		}
		r.registry.SetMetadata(pod.ID, sandbox.Metadata{
			UID:       pod.UID,
			Name:      pod.Name,
			Namespace: pod.Namespace,
		})
		matched++
	}

	log.Debug().
		Int("tracked", len(tracked)).
		Int("matched", matched).
		Msg("Metadata sync complete")
	return nil
}

func (r *Reconciler) publish(evt events.Event) {
	if r.bus != nil {
		r.bus.Publish(evt)
	}
}

func (r *Reconciler) updateTrackedGauge(n int) {
	if r.tracked != nil {
		r.tracked.Set(float64(n))
	}
}
