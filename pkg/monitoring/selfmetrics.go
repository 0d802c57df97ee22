package monitoring

import (
	"bytes"
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/common/expfmt"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/process"
)

const namespace = "vigilbox"

// Scrape failure reasons for the scrape_failures_total counter.
const (
	FailureSocket = "socket"
	FailureScrape = "scrape"
	FailureParse  = "parse"
)

// Metrics holds the agent's own instrumentation on a dedicated
// registry, kept separate from the default registry so sandbox metric
// names can never collide with ours.
type Metrics struct {
	registry *prometheus.Registry

	CollectionCycles   prometheus.Counter
	CollectionDuration prometheus.Histogram
	ScrapeFailures     *prometheus.CounterVec
	TrackedSandboxes   prometheus.Gauge
	StoredSandboxes    prometheus.Gauge
	HTTPRequests       *prometheus.CounterVec
	HTTPInFlight       prometheus.Gauge
}

// NewMetrics creates the self-metrics registry with all collectors
// registered.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		CollectionCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collection_cycles_total",
			Help:      "Number of metrics collection cycles completed.",
		}),
		CollectionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "collection_duration_seconds",
			Help:      "Duration of metrics collection cycles.",
			Buckets:   prometheus.DefBuckets,
		}),
		ScrapeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scrape_failures_total",
			Help:      "Number of failed sandbox scrapes by reason.",
		}, []string{"reason"}),
		TrackedSandboxes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_sandboxes",
			Help:      "Number of sandboxes currently tracked by the reconciler.",
		}),
		StoredSandboxes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stored_sandboxes",
			Help:      "Number of sandboxes with metrics in the store.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Number of HTTP requests served by path and status code.",
		}, []string{"path", "code"}),
		HTTPInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_in_flight_requests",
			Help:      "Number of HTTP requests currently being served.",
		}),
	}

	m.registry.MustRegister(
		m.CollectionCycles,
		m.CollectionDuration,
		m.ScrapeFailures,
		m.TrackedSandboxes,
		m.StoredSandboxes,
		m.HTTPRequests,
		m.HTTPInFlight,
	)
	m.registry.MustRegister(collectors.NewGoCollector())

	if pc, err := newProcessCollector(); err == nil {
		m.registry.MustRegister(pc)
	} else {
		log.Warn().Err(err).Msg("Process self-metrics unavailable")
	}

	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterDroppedEvents exposes a dropped-events counter backed by f.
// The event bus counts drops itself; this mirrors its counter into the
// registry without the bus depending on this package.
func (m *Metrics) RegisterDroppedEvents(f func() uint64) {
	m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_dropped_total",
		Help:      "Number of events dropped because a subscriber was slow.",
	}, func() float64 {
		return float64(f())
	}))
}

// Render gathers the registry and encodes it in the Prometheus text
// format, ready to be prepended to the sandbox metrics output.
func (m *Metrics) Render() ([]byte, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("failed to gather self-metrics: %w", err)
	}

	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return nil, fmt.Errorf("failed to encode self-metrics: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// HTTPMiddleware returns middleware that counts requests by path and
// status code and tracks the in-flight gauge.
func (m *Metrics) HTTPMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.HTTPInFlight.Inc()
			defer m.HTTPInFlight.Dec()

			ww := &wrappedResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(ww, r)

			m.HTTPRequests.WithLabelValues(r.URL.Path, fmt.Sprintf("%d", ww.statusCode)).Inc()
		})
	}
}

// processCollector reports the agent's own resource usage. The
// standard client_golang process collector reads /proc directly;
// gopsutil additionally gives us thread counts and works the same way
// on every platform the agent builds for.
type processCollector struct {
	proc *process.Process

	cpuSeconds    *prometheus.Desc
	residentBytes *prometheus.Desc
	virtualBytes  *prometheus.Desc
	threads       *prometheus.Desc
	openFDs       *prometheus.Desc
}

func newProcessCollector() (*processCollector, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("failed to open own process: %w", err)
	}

	return &processCollector{
		proc: proc,
		cpuSeconds: prometheus.NewDesc(
			namespace+"_process_cpu_seconds_total",
			"Total user and system CPU time spent by the agent.",
			nil, nil,
		),
		residentBytes: prometheus.NewDesc(
			namespace+"_process_resident_memory_bytes",
			"Resident memory size of the agent.",
			nil, nil,
		),
		virtualBytes: prometheus.NewDesc(
			namespace+"_process_virtual_memory_bytes",
			"Virtual memory size of the agent.",
			nil, nil,
		),
		threads: prometheus.NewDesc(
			namespace+"_process_threads",
			"Number of OS threads in the agent.",
			nil, nil,
		),
		openFDs: prometheus.NewDesc(
			namespace+"_process_open_fds",
			"Number of open file descriptors held by the agent.",
			nil, nil,
		),
	}, nil
}

func (c *processCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cpuSeconds
	ch <- c.residentBytes
	ch <- c.virtualBytes
	ch <- c.threads
	ch <- c.openFDs
}

func (c *processCollector) Collect(ch chan<- prometheus.Metric) {
	if times, err := c.proc.Times(); err == nil {
		ch <- prometheus.MustNewConstMetric(c.cpuSeconds, prometheus.CounterValue, times.User+times.System)
	}
	if mem, err := c.proc.MemoryInfo(); err == nil {
		ch <- prometheus.MustNewConstMetric(c.residentBytes, prometheus.GaugeValue, float64(mem.RSS))
		ch <- prometheus.MustNewConstMetric(c.virtualBytes, prometheus.GaugeValue, float64(mem.VMS))
	}
	if n, err := c.proc.NumThreads(); err == nil {
		ch <- prometheus.MustNewConstMetric(c.threads, prometheus.GaugeValue, float64(n))
	}
	if n, err := c.proc.NumFDs(); err == nil {
		ch <- prometheus.MustNewConstMetric(c.openFDs, prometheus.GaugeValue, float64(n))
	}
}
