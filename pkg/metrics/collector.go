package metrics

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vigilbox/vigilbox/pkg/events"
	"github.com/vigilbox/vigilbox/pkg/monitoring"
	"github.com/vigilbox/vigilbox/pkg/shim"
)

// DefaultInterval is the collection cadence.
const DefaultInterval = 60 * time.Second

// IDLister supplies the sandbox ids to collect in a cycle.
type IDLister interface {
	List() []string
}

// Scraper fetches one sandbox's raw exposition payload.
type Scraper interface {
	FetchMetrics(ctx context.Context, id string) ([]byte, error)
}

// CollectorConfig holds the collection cadence.
type CollectorConfig struct {
	Interval time.Duration `json:"interval" yaml:"interval" mapstructure:"interval"`
}

// Collector periodically scrapes every known sandbox and publishes the
// results into the store as one atomic cycle.
type Collector struct {
	cfg     CollectorConfig
	ids     IDLister
	scraper Scraper
	store   *Store
	bus     *events.Bus
	metrics *monitoring.Metrics
	tracing *monitoring.TracingManager
}

// NewCollector wires a collector. bus, metrics, and tracing may be
// nil; the other dependencies are required.
func NewCollector(cfg CollectorConfig, ids IDLister, scraper Scraper, store *Store, bus *events.Bus, metrics *monitoring.Metrics, tracing *monitoring.TracingManager) *Collector {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}

	return &Collector{
		cfg:     cfg,
		ids:     ids,
		scraper: scraper,
		store:   store,
		bus:     bus,
		metrics: metrics,
		tracing: tracing,
	}
}

// Run executes an immediate first cycle, then one cycle per tick until
// ctx is cancelled. Ticks are handled on this goroutine, so cycles
// never overlap: a slow cycle delays the next one instead of stacking
// on top of it.
func (c *Collector) Run(ctx context.Context) error {
	c.collectCycle(ctx)

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Collector stopping")
			return ctx.Err()
		case <-ticker.C:
			c.collectCycle(ctx)
		}
	}
}

func (c *Collector) collectCycle(ctx context.Context) {
	if c.tracing != nil {
		_ = c.tracing.TraceOperation(ctx, "collect.cycle", func(ctx context.Context) error {
			c.runCycle(ctx)
			return nil
		})
		return
	}
	c.runCycle(ctx)
}

// runCycle scrapes all sandboxes concurrently into the staging buffer
// and swaps it in. An empty id list skips the cycle entirely, leaving
// the last published results untouched.
func (c *Collector) runCycle(ctx context.Context) {
	ids := c.ids.List()
	if len(ids) == 0 {
		log.Debug().Msg("No sandboxes to collect")
		return
	}

	start := time.Now()
	c.store.StartCycle()

	// One goroutine per sandbox. Sandbox counts per guest are small;
	// at larger scale this fan-out would need a bounded pool.
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed int
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := c.collectOne(ctx, id); err != nil {
				log.Warn().Err(err).Str("sandbox_id", id).Msg("Metrics collection failed")
				mu.Lock()
				failed++
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()

	c.store.FinishCycle()

	took := time.Since(start)
	collected := len(ids) - failed

	if c.metrics != nil {
		c.metrics.CollectionCycles.Inc()
		c.metrics.CollectionDuration.Observe(took.Seconds())
		c.metrics.StoredSandboxes.Set(float64(c.store.Len()))
	}
	c.publish(events.CycleCompleted(collected, failed, took))

	log.Info().
		Int("collected", collected).
		Int("failed", failed).
		Dur("took", took).
		Msg("Collection cycle complete")
}

// collectOne scrapes and parses a single sandbox. Failures leave no
// trace in the cycle; the sandbox is simply absent until a later cycle
// succeeds.
func (c *Collector) collectOne(ctx context.Context, id string) error {
	payload, err := c.scraper.FetchMetrics(ctx, id)
	if err != nil {
		if errors.Is(err, shim.ErrNoMonitorSocket) {
			c.countFailure(monitoring.FailureSocket)
		} else {
			c.countFailure(monitoring.FailureScrape)
		}
		return err
	}

	collected, err := Parse(payload)
	if err != nil {
		c.countFailure(monitoring.FailureParse)
		return err
	}

	c.store.AddToCycle(id, collected)
	return nil
}

func (c *Collector) countFailure(reason string) {
	if c.metrics != nil {
		c.metrics.ScrapeFailures.WithLabelValues(reason).Inc()
	}
}

func (c *Collector) publish(evt events.Event) {
	if c.bus != nil {
		c.bus.Publish(evt)
	}
}
