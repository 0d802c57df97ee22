// Package convert maps the exposition families scraped from a sandbox
// guest into cAdvisor-compatible container_* series, enriched with the
// pod identity the orchestrator knows the sandbox by.
package convert

import (
	"strings"

	dto "github.com/prometheus/client_model/go"

	"github.com/vigilbox/vigilbox/pkg/sandbox"
)

// MetadataSource resolves a sandbox id to orchestrator metadata for
// label enrichment. Implementations must not block; reporting absent
// simply renders empty identity labels.
type MetadataSource interface {
	Lookup(id string) (sandbox.Metadata, bool)
}

// Converter turns parsed guest families into cAdvisor snapshots. It is
// stateless apart from its configuration and safe for concurrent use.
type Converter struct {
	cfg  Config
	meta MetadataSource
}

// New builds a converter. Zero-valued config fields fall back to
// DefaultConfig. A nil metadata source disables enrichment.
func New(cfg Config, meta MetadataSource) *Converter {
	defaults := DefaultConfig()
	if cfg.MetricPrefix == "" {
		cfg.MetricPrefix = defaults.MetricPrefix
	}
	if cfg.ContainerLabel == "" {
		cfg.ContainerLabel = defaults.ContainerLabel
	}
	if cfg.InterfacePatterns == nil {
		cfg.InterfacePatterns = defaults.InterfacePatterns
	}
	if cfg.JiffiesPerSecond <= 0 {
		cfg.JiffiesPerSecond = defaults.JiffiesPerSecond
	}
	return &Converter{cfg: cfg, meta: meta}
}

// Convert produces the cAdvisor view of one sandbox's families.
func (c *Converter) Convert(id string, families map[string]*dto.MetricFamily) *Snapshot {
	labels := c.standardLabels(id)
	return &Snapshot{
		CPU:     c.convertCPU(families, labels),
		Memory:  c.convertMemory(families, labels),
		Network: c.convertNetwork(families, labels),
		Disk:    c.convertDisk(families, labels),
		Process: c.convertProcess(families, labels),
	}
}

func (c *Converter) standardLabels(id string) StandardLabels {
	labels := StandardLabels{
		Container: c.cfg.ContainerLabel,
		Image:     "unknown",
	}
	if c.meta == nil {
		return labels
	}
	md, ok := c.meta.Lookup(id)
	if !ok {
		return labels
	}
	labels.ID = md.UID
	labels.Name = md.Name
	labels.Namespace = md.Namespace
	labels.Pod = md.Name
	return labels
}

// convertCPU sums the pre-aggregated cpu="total" samples. Per-core
// samples are skipped so cores are not double counted against the
// total the guest already computed.
func (c *Converter) convertCPU(families map[string]*dto.MetricFamily, labels StandardLabels) CPUMetrics {
	out := CPUMetrics{Labels: labels}
	familyPrefix := c.cfg.MetricPrefix + "_cpu_time"

	var totalJiffies uint64
	for name, fam := range families {
		if !strings.HasPrefix(name, familyPrefix) {
			continue
		}
		for _, m := range fam.GetMetric() {
			if labelValue(m, "cpu") != "total" {
				continue
			}
			v := sampleValue(m)
			switch labelValue(m, "item") {
			case "user":
				totalJiffies += uint64(v)
				out.UserSecondsTotal += v / c.cfg.JiffiesPerSecond
			case "system":
				totalJiffies += uint64(v)
				out.SystemSecondsTotal += v / c.cfg.JiffiesPerSecond
			case "guest", "nice":
				totalJiffies += uint64(v)
			}
		}
	}
	out.UsageSecondsTotal = float64(totalJiffies) / c.cfg.JiffiesPerSecond

	out.LoadAverage = c.extractLoad(families)
	return out
}

func (c *Converter) extractLoad(families map[string]*dto.MetricFamily) *LoadAverage {
	familyPrefix := c.cfg.MetricPrefix + "_load"

	loads := make(map[string]float64)
	for name, fam := range families {
		if !strings.HasPrefix(name, familyPrefix) {
			continue
		}
		for _, m := range fam.GetMetric() {
			if item := labelValue(m, "item"); item != "" {
				loads[item] = sampleValue(m)
			}
		}
	}
	if len(loads) == 0 {
		return nil
	}
	return &LoadAverage{
		OneMinute:     loads["load1"],
		FiveMinute:    loads["load5"],
		FifteenMinute: loads["load15"],
	}
}

func (c *Converter) convertMemory(families map[string]*dto.MetricFamily, labels StandardLabels) MemoryMetrics {
	out := MemoryMetrics{Labels: labels}
	familyPrefix := c.cfg.MetricPrefix + "_meminfo"

	meminfo := make(map[string]uint64)
	for name, fam := range families {
		if !strings.HasPrefix(name, familyPrefix) {
			continue
		}
		for _, m := range fam.GetMetric() {
			if item := labelValue(m, "item"); item != "" {
				meminfo[item] = uint64(sampleValue(m))
			}
		}
	}

	total, okTotal := meminfo["memtotal"]
	free, okFree := meminfo["memfree"]
	if okTotal && okFree {
		out.UsageBytes = saturatingSub(total, free)
	}

	active, okActive := meminfo["active"]
	inactiveFile, okInactive := meminfo["inactive_file"]
	if okActive && okInactive {
		out.WorkingSetBytes = uintPtr(active + inactiveFile)
	}

	cached, okCached := meminfo["cached"]
	buffers, okBuffers := meminfo["buffers"]
	if okCached && okBuffers {
		out.CacheBytes = uintPtr(cached + buffers)
	}

	if anon, ok := meminfo["anon_pages"]; ok {
		out.RSSBytes = uintPtr(anon)
	}

	swapTotal, okSwapTotal := meminfo["swaptotal"]
	swapFree, okSwapFree := meminfo["swapfree"]
	if okSwapTotal && okSwapFree {
		out.SwapBytes = uintPtr(saturatingSub(swapTotal, swapFree))
	}

	if mapped, ok := meminfo["mapped"]; ok {
		out.MappedFileBytes = uintPtr(mapped)
	}

	return out
}

func (c *Converter) convertNetwork(families map[string]*dto.MetricFamily, labels StandardLabels) NetworkMetrics {
	out := NetworkMetrics{Labels: labels}
	familyPrefix := c.cfg.MetricPrefix + "_netdev_stat"

	interfaces := make(map[string]*InterfaceMetrics)
	for name, fam := range families {
		if !strings.HasPrefix(name, familyPrefix) {
			continue
		}
		for _, m := range fam.GetMetric() {
			ifaceName := labelValue(m, "interface")
			if ifaceName == "" || !c.cfg.MatchesInterface(ifaceName) {
				continue
			}

			v := uint64(sampleValue(m))
			iface := interfaces[ifaceName]
			if iface == nil {
				iface = &InterfaceMetrics{Name: ifaceName}
				interfaces[ifaceName] = iface
			}

			switch labelValue(m, "item") {
			case "recv_bytes":
				iface.ReceiveBytes = v
				out.ReceiveBytesTotal += v
			case "xmit_bytes":
				iface.TransmitBytes = v
				out.TransmitBytesTotal += v
			case "recv_packets":
				iface.ReceivePackets = v
				out.ReceivePacketsTotal += v
			case "xmit_packets":
				iface.TransmitPackets = v
				out.TransmitPacketsTotal += v
			case "recv_errs":
				iface.ReceiveErrors = uintPtr(v)
				out.ReceiveErrorsTotal = addUint(out.ReceiveErrorsTotal, v)
			case "xmit_errs":
				iface.TransmitErrors = uintPtr(v)
				out.TransmitErrorsTotal = addUint(out.TransmitErrorsTotal, v)
			case "recv_drop":
				iface.ReceiveDropped = uintPtr(v)
				out.ReceiveDroppedTotal = addUint(out.ReceiveDroppedTotal, v)
			case "xmit_drop":
				iface.TransmitDropped = uintPtr(v)
				out.TransmitDroppedTotal = addUint(out.TransmitDroppedTotal, v)
			}
		}
	}

	if c.cfg.IncludePerInterface {
		out.PerInterface = interfaces
	}
	return out
}

func (c *Converter) convertDisk(families map[string]*dto.MetricFamily, labels StandardLabels) DiskMetrics {
	out := DiskMetrics{Labels: labels}
	familyPrefix := c.cfg.MetricPrefix + "_diskstat"

	devices := make(map[string]*DeviceMetrics)
	for name, fam := range families {
		if !strings.HasPrefix(name, familyPrefix) {
			continue
		}
		for _, m := range fam.GetMetric() {
			diskName := labelValue(m, "disk")
			if diskName == "" {
				continue
			}

			v := sampleValue(m)
			device := devices[diskName]
			if device == nil {
				device = &DeviceMetrics{Device: diskName}
				devices[diskName] = device
			}

			switch labelValue(m, "item") {
			case "reads":
				device.Reads = uint64(v)
				out.ReadsTotal += uint64(v)
			case "writes":
				device.Writes = uint64(v)
				out.WritesTotal += uint64(v)
			case "sectors_read":
				bytes := uint64(v) * sectorSize
				device.ReadBytes = bytes
				out.ReadBytesTotal += bytes
			case "sectors_written":
				bytes := uint64(v) * sectorSize
				device.WriteBytes = bytes
				out.WriteBytesTotal += bytes
			case "time_reading":
				seconds := v / 1000
				device.ReadTimeSeconds = seconds
				out.ReadSecondsTotal += seconds
			case "time_writing":
				seconds := v / 1000
				device.WriteTimeSeconds = seconds
				out.WriteSecondsTotal += seconds
			case "time_in_progress":
				out.IOTimeSecondsTotal = addFloat(out.IOTimeSecondsTotal, v/1000)
			case "weighted_time_in_progress":
				out.IOTimeWeightedSecondsTotal = addFloat(out.IOTimeWeightedSecondsTotal, v/1000)
			}
		}
	}

	if c.cfg.IncludePerDevice {
		out.PerDevice = devices
	}
	return out
}

// sectorSize is the kernel's fixed diskstat unit, independent of the
// device's physical block size.
const sectorSize = 512

func (c *Converter) convertProcess(families map[string]*dto.MetricFamily, labels StandardLabels) ProcessMetrics {
	out := ProcessMetrics{Labels: labels}
	familyPrefix := c.cfg.MetricPrefix + "_tasks"

	for name, fam := range families {
		if !strings.HasPrefix(name, familyPrefix) {
			continue
		}
		for _, m := range fam.GetMetric() {
			v := uint64(sampleValue(m))
			switch labelValue(m, "item") {
			case "cur":
				out.Count = v
			case "max":
				out.ThreadMax = uintPtr(v)
			}
		}
	}

	for name, fam := range families {
		if isComponentFamily(name, "_threads") {
			for _, m := range fam.GetMetric() {
				out.ThreadCount += uint64(sampleValue(m))
			}
		}
	}
	for name, fam := range families {
		if isComponentFamily(name, "_fds") {
			for _, m := range fam.GetMetric() {
				out.FileDescriptors += uint64(sampleValue(m))
			}
		}
	}

	return out
}

// componentNames are the host-side processes serving each sandbox
// whose thread and descriptor counts roll up into the process view.
var componentNames = []string{"shim", "hypervisor", "agent", "virtiofsd"}

func isComponentFamily(name, suffix string) bool {
	if !strings.HasSuffix(name, suffix) {
		return false
	}
	for _, component := range componentNames {
		if strings.Contains(name, component) {
			return true
		}
	}
	return false
}

func sampleValue(m *dto.Metric) float64 {
	switch {
	case m.GetGauge() != nil:
		return m.GetGauge().GetValue()
	case m.GetCounter() != nil:
		return m.GetCounter().GetValue()
	case m.GetUntyped() != nil:
		return m.GetUntyped().GetValue()
	default:
		return 0
	}
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func saturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

func uintPtr(v uint64) *uint64 { return &v }

func addUint(p *uint64, v uint64) *uint64 {
	if p == nil {
		return uintPtr(v)
	}
	*p += v
	return p
}

func addFloat(p *float64, v float64) *float64 {
	if p == nil {
		n := v
		return &n
	}
	*p += v
	return p
}
