package convert

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// StandardLabels is the cAdvisor identity label set attached to every
// container_* series. ID, Name, Namespace and Pod stay empty until the
// sandbox has been enriched with orchestrator metadata.
type StandardLabels struct {
	Container string
	ID        string
	Image     string
	Name      string
	Namespace string
	Pod       string
}

type labelPair struct {
	key, value string
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

// render formats the label set, extras appended after the standard six.
func (l StandardLabels) render(extras ...labelPair) string {
	pairs := []labelPair{
		{"container", l.Container},
		{"id", l.ID},
		{"image", l.Image},
		{"name", l.Name},
		{"namespace", l.Namespace},
		{"pod", l.Pod},
	}
	pairs = append(pairs, extras...)

	var b strings.Builder
	b.WriteByte('{')
	for i, pair := range pairs {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(pair.key)
		b.WriteString(`="`)
		b.WriteString(labelEscaper.Replace(pair.value))
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String()
}

// Snapshot is one sandbox's metrics converted to cAdvisor form.
type Snapshot struct {
	CPU     CPUMetrics
	Memory  MemoryMetrics
	Network NetworkMetrics
	Disk    DiskMetrics
	Process ProcessMetrics
}

// Text renders the full snapshot in Prometheus exposition format.
func (s *Snapshot) Text() string {
	var b strings.Builder
	b.WriteString(s.CPU.Text())
	b.WriteString(s.Memory.Text())
	b.WriteString(s.Network.Text())
	b.WriteString(s.Disk.Text())
	b.WriteString(s.Process.Text())
	return b.String()
}

// LoadAverage is the guest scheduler load over the standard windows.
type LoadAverage struct {
	OneMinute     float64
	FiveMinute    float64
	FifteenMinute float64
}

// CPUMetrics aggregates guest CPU time in seconds.
type CPUMetrics struct {
	UsageSecondsTotal  float64
	UserSecondsTotal   float64
	SystemSecondsTotal float64
	LoadAverage        *LoadAverage
	Labels             StandardLabels
}

// Text renders CPU usage and load series. Usage is always emitted,
// the user and system splits only when non-zero.
func (c *CPUMetrics) Text() string {
	var b strings.Builder
	labels := c.Labels.render(labelPair{"cpu", "total"})

	b.WriteString("# HELP container_cpu_usage_seconds_total Total CPU time used in seconds\n")
	b.WriteString("# TYPE container_cpu_usage_seconds_total counter\n")
	fmt.Fprintf(&b, "container_cpu_usage_seconds_total%s %s\n", labels, formatFloat(c.UsageSecondsTotal))

	if c.UserSecondsTotal > 0 {
		b.WriteString("# HELP container_cpu_user_seconds_total CPU time spent in user mode\n")
		b.WriteString("# TYPE container_cpu_user_seconds_total counter\n")
		fmt.Fprintf(&b, "container_cpu_user_seconds_total%s %s\n", labels, formatFloat(c.UserSecondsTotal))
	}

	if c.SystemSecondsTotal > 0 {
		b.WriteString("# HELP container_cpu_system_seconds_total CPU time spent in system mode\n")
		b.WriteString("# TYPE container_cpu_system_seconds_total counter\n")
		fmt.Fprintf(&b, "container_cpu_system_seconds_total%s %s\n", labels, formatFloat(c.SystemSecondsTotal))
	}

	if load := c.LoadAverage; load != nil {
		b.WriteString("# HELP container_load_average_1m 1-minute load average\n")
		b.WriteString("# TYPE container_load_average_1m gauge\n")
		fmt.Fprintf(&b, "container_load_average_1m%s %s\n", labels, formatFloat(load.OneMinute))

		b.WriteString("# HELP container_load_average_5m 5-minute load average\n")
		b.WriteString("# TYPE container_load_average_5m gauge\n")
		fmt.Fprintf(&b, "container_load_average_5m%s %s\n", labels, formatFloat(load.FiveMinute))

		b.WriteString("# HELP container_load_average_15m 15-minute load average\n")
		b.WriteString("# TYPE container_load_average_15m gauge\n")
		fmt.Fprintf(&b, "container_load_average_15m%s %s\n", labels, formatFloat(load.FifteenMinute))
	}

	return b.String()
}

// MemoryMetrics aggregates guest meminfo in bytes. Pointer fields are
// nil when the guest did not report the underlying meminfo items.
type MemoryMetrics struct {
	UsageBytes      uint64
	WorkingSetBytes *uint64
	CacheBytes      *uint64
	RSSBytes        *uint64
	SwapBytes       *uint64
	MappedFileBytes *uint64
	Labels          StandardLabels
}

// Text renders memory series. Usage is always emitted, the derived
// breakdowns only when the guest reported the inputs for them.
func (m *MemoryMetrics) Text() string {
	var b strings.Builder
	labels := m.Labels.render()

	b.WriteString("# HELP container_memory_usage_bytes Memory usage in bytes\n")
	b.WriteString("# TYPE container_memory_usage_bytes gauge\n")
	fmt.Fprintf(&b, "container_memory_usage_bytes%s %d\n", labels, m.UsageBytes)

	if m.WorkingSetBytes != nil {
		b.WriteString("# HELP container_memory_working_set_bytes Working set size in bytes\n")
		b.WriteString("# TYPE container_memory_working_set_bytes gauge\n")
		fmt.Fprintf(&b, "container_memory_working_set_bytes%s %d\n", labels, *m.WorkingSetBytes)
	}

	if m.CacheBytes != nil {
		b.WriteString("# HELP container_memory_cache_bytes Memory cache in bytes\n")
		b.WriteString("# TYPE container_memory_cache_bytes gauge\n")
		fmt.Fprintf(&b, "container_memory_cache_bytes%s %d\n", labels, *m.CacheBytes)
	}

	if m.RSSBytes != nil {
		b.WriteString("# HELP container_memory_rss_bytes Resident set size in bytes\n")
		b.WriteString("# TYPE container_memory_rss_bytes gauge\n")
		fmt.Fprintf(&b, "container_memory_rss_bytes%s %d\n", labels, *m.RSSBytes)
	}

	if m.SwapBytes != nil {
		b.WriteString("# HELP container_memory_swap_bytes Swap usage in bytes\n")
		b.WriteString("# TYPE container_memory_swap_bytes gauge\n")
		fmt.Fprintf(&b, "container_memory_swap_bytes%s %d\n", labels, *m.SwapBytes)
	}

	if m.MappedFileBytes != nil {
		b.WriteString("# HELP container_memory_mapped_file Size of memory mapped files in bytes\n")
		b.WriteString("# TYPE container_memory_mapped_file gauge\n")
		fmt.Fprintf(&b, "container_memory_mapped_file%s %d\n", labels, *m.MappedFileBytes)
	}

	return b.String()
}

// NetworkMetrics aggregates guest interface counters. Error and drop
// totals are nil when the guest reported no such samples, which keeps
// them distinct from a genuine zero.
type NetworkMetrics struct {
	ReceiveBytesTotal    uint64
	TransmitBytesTotal   uint64
	ReceivePacketsTotal  uint64
	TransmitPacketsTotal uint64
	ReceiveErrorsTotal   *uint64
	TransmitErrorsTotal  *uint64
	ReceiveDroppedTotal  *uint64
	TransmitDroppedTotal *uint64
	PerInterface         map[string]*InterfaceMetrics
	Labels               StandardLabels
}

// InterfaceMetrics is one guest interface's counters.
type InterfaceMetrics struct {
	Name            string
	ReceiveBytes    uint64
	TransmitBytes   uint64
	ReceivePackets  uint64
	TransmitPackets uint64
	ReceiveErrors   *uint64
	TransmitErrors  *uint64
	ReceiveDropped  *uint64
	TransmitDropped *uint64
}

// Text renders the traffic totals, then any per-interface breakdown
// under the same family headers. An idle sandbox with zero traffic
// emits nothing.
func (n *NetworkMetrics) Text() string {
	var b strings.Builder
	labels := n.Labels.render()

	if n.ReceiveBytesTotal > 0 || n.TransmitBytesTotal > 0 {
		n.writeTrafficFamily(&b, "container_network_receive_bytes_total", "Total bytes received",
			n.ReceiveBytesTotal, func(i *InterfaceMetrics) uint64 { return i.ReceiveBytes })
		n.writeTrafficFamily(&b, "container_network_transmit_bytes_total", "Total bytes transmitted",
			n.TransmitBytesTotal, func(i *InterfaceMetrics) uint64 { return i.TransmitBytes })
		n.writeTrafficFamily(&b, "container_network_receive_packets_total", "Total packets received",
			n.ReceivePacketsTotal, func(i *InterfaceMetrics) uint64 { return i.ReceivePackets })
		n.writeTrafficFamily(&b, "container_network_transmit_packets_total", "Total packets transmitted",
			n.TransmitPacketsTotal, func(i *InterfaceMetrics) uint64 { return i.TransmitPackets })
	}

	if n.ReceiveErrorsTotal != nil {
		b.WriteString("# HELP container_network_receive_errors_total Receive errors\n")
		b.WriteString("# TYPE container_network_receive_errors_total counter\n")
		fmt.Fprintf(&b, "container_network_receive_errors_total%s %d\n", labels, *n.ReceiveErrorsTotal)
	}

	if n.TransmitErrorsTotal != nil {
		b.WriteString("# HELP container_network_transmit_errors_total Transmit errors\n")
		b.WriteString("# TYPE container_network_transmit_errors_total counter\n")
		fmt.Fprintf(&b, "container_network_transmit_errors_total%s %d\n", labels, *n.TransmitErrorsTotal)
	}

	if n.ReceiveDroppedTotal != nil {
		b.WriteString("# HELP container_network_receive_packets_dropped_total Dropped incoming packets\n")
		b.WriteString("# TYPE container_network_receive_packets_dropped_total counter\n")
		fmt.Fprintf(&b, "container_network_receive_packets_dropped_total%s %d\n", labels, *n.ReceiveDroppedTotal)
	}

	if n.TransmitDroppedTotal != nil {
		b.WriteString("# HELP container_network_transmit_packets_dropped_total Dropped outgoing packets\n")
		b.WriteString("# TYPE container_network_transmit_packets_dropped_total counter\n")
		fmt.Fprintf(&b, "container_network_transmit_packets_dropped_total%s %d\n", labels, *n.TransmitDroppedTotal)
	}

	return b.String()
}

func (n *NetworkMetrics) writeTrafficFamily(b *strings.Builder, name, help string, total uint64, value func(*InterfaceMetrics) uint64) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s counter\n", name)
	fmt.Fprintf(b, "%s%s %d\n", name, n.Labels.render(), total)

	for _, ifaceName := range sortedKeys(n.PerInterface) {
		iface := n.PerInterface[ifaceName]
		if v := value(iface); v > 0 {
			fmt.Fprintf(b, "%s%s %d\n", name, n.Labels.render(labelPair{"interface", iface.Name}), v)
		}
	}
}

// DiskMetrics aggregates guest block device counters.
type DiskMetrics struct {
	ReadsTotal                 uint64
	WritesTotal                uint64
	ReadBytesTotal             uint64
	WriteBytesTotal            uint64
	ReadSecondsTotal           float64
	WriteSecondsTotal          float64
	IOTimeSecondsTotal         *float64
	IOTimeWeightedSecondsTotal *float64
	PerDevice                  map[string]*DeviceMetrics
	Labels                     StandardLabels
}

// DeviceMetrics is one guest block device's counters. Major and Minor
// stay empty, the guest exposition does not carry device numbers.
type DeviceMetrics struct {
	Device           string
	Major            string
	Minor            string
	Reads            uint64
	Writes           uint64
	ReadBytes        uint64
	WriteBytes       uint64
	ReadTimeSeconds  float64
	WriteTimeSeconds float64
}

// Text renders the I/O totals and any per-device breakdown. A sandbox
// with no disk activity emits nothing.
func (d *DiskMetrics) Text() string {
	var b strings.Builder
	labels := d.Labels.render()

	if d.ReadsTotal > 0 || d.WritesTotal > 0 {
		b.WriteString("# HELP container_disk_io_reads_total Total disk read operations\n")
		b.WriteString("# TYPE container_disk_io_reads_total counter\n")
		fmt.Fprintf(&b, "container_disk_io_reads_total%s %d\n", labels, d.ReadsTotal)

		b.WriteString("# HELP container_disk_io_writes_total Total disk write operations\n")
		b.WriteString("# TYPE container_disk_io_writes_total counter\n")
		fmt.Fprintf(&b, "container_disk_io_writes_total%s %d\n", labels, d.WritesTotal)

		b.WriteString("# HELP container_disk_io_read_bytes_total Total bytes read from disk\n")
		b.WriteString("# TYPE container_disk_io_read_bytes_total counter\n")
		fmt.Fprintf(&b, "container_disk_io_read_bytes_total%s %d\n", labels, d.ReadBytesTotal)

		b.WriteString("# HELP container_disk_io_write_bytes_total Total bytes written to disk\n")
		b.WriteString("# TYPE container_disk_io_write_bytes_total counter\n")
		fmt.Fprintf(&b, "container_disk_io_write_bytes_total%s %d\n", labels, d.WriteBytesTotal)

		if d.ReadSecondsTotal > 0 {
			b.WriteString("# HELP container_disk_io_read_seconds_total Total time spent reading\n")
			b.WriteString("# TYPE container_disk_io_read_seconds_total counter\n")
			fmt.Fprintf(&b, "container_disk_io_read_seconds_total%s %s\n", labels, formatFloat(d.ReadSecondsTotal))
		}

		if d.WriteSecondsTotal > 0 {
			b.WriteString("# HELP container_disk_io_write_seconds_total Total time spent writing\n")
			b.WriteString("# TYPE container_disk_io_write_seconds_total counter\n")
			fmt.Fprintf(&b, "container_disk_io_write_seconds_total%s %s\n", labels, formatFloat(d.WriteSecondsTotal))
		}
	}

	if d.IOTimeSecondsTotal != nil {
		b.WriteString("# HELP container_fs_io_time_seconds_total Cumulative time spent doing I/O\n")
		b.WriteString("# TYPE container_fs_io_time_seconds_total counter\n")
		fmt.Fprintf(&b, "container_fs_io_time_seconds_total%s %s\n", labels, formatFloat(*d.IOTimeSecondsTotal))
	}

	if d.IOTimeWeightedSecondsTotal != nil {
		b.WriteString("# HELP container_fs_io_time_weighted_seconds_total Cumulative weighted I/O time\n")
		b.WriteString("# TYPE container_fs_io_time_weighted_seconds_total counter\n")
		fmt.Fprintf(&b, "container_fs_io_time_weighted_seconds_total%s %s\n", labels, formatFloat(*d.IOTimeWeightedSecondsTotal))
	}

	if len(d.PerDevice) > 0 {
		b.WriteString("# HELP container_blkio_device_usage_total Block I/O operations per device\n")
		b.WriteString("# TYPE container_blkio_device_usage_total counter\n")
		for _, deviceName := range sortedKeys(d.PerDevice) {
			device := d.PerDevice[deviceName]
			if device.Reads > 0 {
				devLabels := d.Labels.render(
					labelPair{"device", device.Device},
					labelPair{"major", device.Major},
					labelPair{"minor", device.Minor},
					labelPair{"operation", "Read"})
				fmt.Fprintf(&b, "container_blkio_device_usage_total%s %d\n", devLabels, device.Reads)
			}
			if device.Writes > 0 {
				devLabels := d.Labels.render(
					labelPair{"device", device.Device},
					labelPair{"major", device.Major},
					labelPair{"minor", device.Minor},
					labelPair{"operation", "Write"})
				fmt.Fprintf(&b, "container_blkio_device_usage_total%s %d\n", devLabels, device.Writes)
			}
		}
	}

	return b.String()
}

// ProcessMetrics aggregates guest task and descriptor counts, plus the
// sidecar component processes serving the sandbox.
type ProcessMetrics struct {
	Count           uint64
	ThreadCount     uint64
	ThreadMax       *uint64
	FileDescriptors uint64
	Labels          StandardLabels
}

// Text renders process series, omitting zero counts.
func (p *ProcessMetrics) Text() string {
	var b strings.Builder
	labels := p.Labels.render()

	if p.Count > 0 {
		b.WriteString("# HELP container_processes_count Number of running processes\n")
		b.WriteString("# TYPE container_processes_count gauge\n")
		fmt.Fprintf(&b, "container_processes_count%s %d\n", labels, p.Count)
	}

	if p.ThreadCount > 0 {
		b.WriteString("# HELP container_threads_count Number of threads\n")
		b.WriteString("# TYPE container_threads_count gauge\n")
		fmt.Fprintf(&b, "container_threads_count%s %d\n", labels, p.ThreadCount)
	}

	if p.ThreadMax != nil {
		b.WriteString("# HELP container_threads_max_count Maximum number of threads allowed\n")
		b.WriteString("# TYPE container_threads_max_count gauge\n")
		fmt.Fprintf(&b, "container_threads_max_count%s %d\n", labels, *p.ThreadMax)
	}

	if p.FileDescriptors > 0 {
		b.WriteString("# HELP container_file_descriptors Number of open file descriptors\n")
		b.WriteString("# TYPE container_file_descriptors gauge\n")
		fmt.Fprintf(&b, "container_file_descriptors%s %d\n", labels, p.FileDescriptors)
	}

	return b.String()
}

// formatFloat prints without exponent notation so counters survive
// round-trips through tools that expect plain decimals.
func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
