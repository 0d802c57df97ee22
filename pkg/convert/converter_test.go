package convert

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigilbox/vigilbox/pkg/metrics"
	"github.com/vigilbox/vigilbox/pkg/sandbox"
)

type staticMetadata struct {
	md sandbox.Metadata
	ok bool
}

func (s staticMetadata) Lookup(string) (sandbox.Metadata, bool) {
	return s.md, s.ok
}

func parseFamilies(t *testing.T, payload string) map[string]*dto.MetricFamily {
	t.Helper()
	collected, err := metrics.Parse([]byte(payload))
	require.NoError(t, err)
	return collected.Families
}

func TestConvertCPU(t *testing.T) {
	families := parseFamilies(t, `
# TYPE guest_cpu_time gauge
guest_cpu_time{cpu="total",item="user"} 56160
guest_cpu_time{cpu="total",item="system"} 82060
guest_cpu_time{cpu="0",item="user"} 28080
guest_cpu_time{cpu="1",item="user"} 28080
`)

	c := New(DefaultConfig(), nil)
	snap := c.Convert("sbx-1", families)

	// (56160 + 82060) jiffies at USER_HZ 100. The per-core samples must
	// not be counted on top of the guest's own total.
	assert.Equal(t, 1382.2, snap.CPU.UsageSecondsTotal)
	assert.Equal(t, 561.6, snap.CPU.UserSecondsTotal)
	assert.Equal(t, 820.6, snap.CPU.SystemSecondsTotal)
	assert.Nil(t, snap.CPU.LoadAverage)
}

func TestConvertLoadAverage(t *testing.T) {
	families := parseFamilies(t, `
guest_load{item="load1"} 1.5
guest_load{item="load5"} 1.2
guest_load{item="load15"} 1
`)

	snap := New(DefaultConfig(), nil).Convert("sbx-1", families)

	require.NotNil(t, snap.CPU.LoadAverage)
	assert.Equal(t, 1.5, snap.CPU.LoadAverage.OneMinute)
	assert.Equal(t, 1.2, snap.CPU.LoadAverage.FiveMinute)
	assert.Equal(t, 1.0, snap.CPU.LoadAverage.FifteenMinute)
}

func TestConvertMemory(t *testing.T) {
	families := parseFamilies(t, `
guest_meminfo{item="memtotal"} 1000
guest_meminfo{item="memfree"} 400
guest_meminfo{item="active"} 300
guest_meminfo{item="inactive_file"} 50
guest_meminfo{item="cached"} 120
guest_meminfo{item="buffers"} 30
guest_meminfo{item="anon_pages"} 200
guest_meminfo{item="swaptotal"} 512
guest_meminfo{item="swapfree"} 500
guest_meminfo{item="mapped"} 64
`)

	snap := New(DefaultConfig(), nil).Convert("sbx-1", families)
	mem := snap.Memory

	assert.Equal(t, uint64(600), mem.UsageBytes)
	require.NotNil(t, mem.WorkingSetBytes)
	assert.Equal(t, uint64(350), *mem.WorkingSetBytes)
	require.NotNil(t, mem.CacheBytes)
	assert.Equal(t, uint64(150), *mem.CacheBytes)
	require.NotNil(t, mem.RSSBytes)
	assert.Equal(t, uint64(200), *mem.RSSBytes)
	require.NotNil(t, mem.SwapBytes)
	assert.Equal(t, uint64(12), *mem.SwapBytes)
	require.NotNil(t, mem.MappedFileBytes)
	assert.Equal(t, uint64(64), *mem.MappedFileBytes)
}

func TestConvertMemoryPartialMeminfo(t *testing.T) {
	// Free exceeding total must clamp to zero, and breakdowns without
	// both inputs stay absent.
	families := parseFamilies(t, `
guest_meminfo{item="memtotal"} 100
guest_meminfo{item="memfree"} 400
guest_meminfo{item="active"} 300
`)

	snap := New(DefaultConfig(), nil).Convert("sbx-1", families)

	assert.Equal(t, uint64(0), snap.Memory.UsageBytes)
	assert.Nil(t, snap.Memory.WorkingSetBytes)
	assert.Nil(t, snap.Memory.SwapBytes)
}

func TestInterfaceFilter(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		iface string
		want  bool
	}{
		{"eth0", true},
		{"veth1234567890ab", true},
		{"tap0", true},
		{"tun1", true},
		{"lo", false},
		{"docker0", false},
		{"br-abcdef", false},
		{"eth1", false},
	}

	for _, tt := range tests {
		t.Run(tt.iface, func(t *testing.T) {
			assert.Equal(t, tt.want, cfg.MatchesInterface(tt.iface))
		})
	}
}

func TestConvertNetworkFiltersInterfaces(t *testing.T) {
	families := parseFamilies(t, `
guest_netdev_stat{interface="eth0",item="recv_bytes"} 1000
guest_netdev_stat{interface="eth0",item="xmit_bytes"} 2000
guest_netdev_stat{interface="eth0",item="recv_packets"} 10
guest_netdev_stat{interface="eth0",item="xmit_packets"} 20
guest_netdev_stat{interface="eth0",item="recv_errs"} 3
guest_netdev_stat{interface="lo",item="recv_bytes"} 99999
guest_netdev_stat{interface="veth0ab",item="recv_bytes"} 500
`)

	snap := New(DefaultConfig(), nil).Convert("sbx-1", families)
	net := snap.Network

	// Loopback traffic is excluded from the totals.
	assert.Equal(t, uint64(1500), net.ReceiveBytesTotal)
	assert.Equal(t, uint64(2000), net.TransmitBytesTotal)
	assert.Equal(t, uint64(10), net.ReceivePacketsTotal)
	assert.Equal(t, uint64(20), net.TransmitPacketsTotal)
	require.NotNil(t, net.ReceiveErrorsTotal)
	assert.Equal(t, uint64(3), *net.ReceiveErrorsTotal)
	assert.Nil(t, net.TransmitErrorsTotal)

	// Per-interface breakdown is off by default.
	assert.Nil(t, net.PerInterface)
}

func TestConvertNetworkPerInterface(t *testing.T) {
	families := parseFamilies(t, `
guest_netdev_stat{interface="eth0",item="recv_bytes"} 1000
guest_netdev_stat{interface="tap0",item="recv_bytes"} 250
`)

	cfg := DefaultConfig()
	cfg.IncludePerInterface = true
	snap := New(cfg, nil).Convert("sbx-1", families)

	require.Len(t, snap.Network.PerInterface, 2)
	assert.Equal(t, uint64(1000), snap.Network.PerInterface["eth0"].ReceiveBytes)
	assert.Equal(t, uint64(250), snap.Network.PerInterface["tap0"].ReceiveBytes)

	output := snap.Network.Text()
	assert.Contains(t, output, `container_network_receive_bytes_total{container="sandbox",id="",image="unknown",name="",namespace="",pod=""} 1250`)
	assert.Contains(t, output, `interface="eth0"`)
	assert.Contains(t, output, `interface="tap0"`)
}

func TestConvertDisk(t *testing.T) {
	families := parseFamilies(t, `
guest_diskstat{disk="vda",item="reads"} 100
guest_diskstat{disk="vda",item="writes"} 50
guest_diskstat{disk="vda",item="sectors_read"} 2048
guest_diskstat{disk="vda",item="sectors_written"} 1024
guest_diskstat{disk="vda",item="time_reading"} 1500
guest_diskstat{disk="vda",item="time_writing"} 2500
guest_diskstat{disk="vda",item="time_in_progress"} 3000
guest_diskstat{disk="vdb",item="reads"} 10
`)

	snap := New(DefaultConfig(), nil).Convert("sbx-1", families)
	disk := snap.Disk

	assert.Equal(t, uint64(110), disk.ReadsTotal)
	assert.Equal(t, uint64(50), disk.WritesTotal)
	assert.Equal(t, uint64(2048*512), disk.ReadBytesTotal)
	assert.Equal(t, uint64(1024*512), disk.WriteBytesTotal)
	assert.Equal(t, 1.5, disk.ReadSecondsTotal)
	assert.Equal(t, 2.5, disk.WriteSecondsTotal)
	require.NotNil(t, disk.IOTimeSecondsTotal)
	assert.Equal(t, 3.0, *disk.IOTimeSecondsTotal)
	assert.Nil(t, disk.IOTimeWeightedSecondsTotal)
}

func TestConvertDiskPerDevice(t *testing.T) {
	families := parseFamilies(t, `
guest_diskstat{disk="vda",item="reads"} 100
guest_diskstat{disk="vda",item="writes"} 50
`)

	cfg := DefaultConfig()
	cfg.IncludePerDevice = true
	snap := New(cfg, nil).Convert("sbx-1", families)

	require.Len(t, snap.Disk.PerDevice, 1)
	output := snap.Disk.Text()
	assert.Contains(t, output, `container_blkio_device_usage_total`)
	assert.Contains(t, output, `device="vda"`)
	assert.Contains(t, output, `operation="Read"`)
	assert.Contains(t, output, `operation="Write"`)
}

func TestConvertProcess(t *testing.T) {
	families := parseFamilies(t, `
guest_tasks{item="cur"} 42
guest_tasks{item="max"} 256
shim_threads 8
hypervisor_threads 16
agent_threads 4
virtiofsd_threads 2
shim_fds 32
hypervisor_fds 64
other_component_threads 1000
`)

	snap := New(DefaultConfig(), nil).Convert("sbx-1", families)
	proc := snap.Process

	assert.Equal(t, uint64(42), proc.Count)
	require.NotNil(t, proc.ThreadMax)
	assert.Equal(t, uint64(256), *proc.ThreadMax)
	// Only the known sandbox components roll up.
	assert.Equal(t, uint64(30), proc.ThreadCount)
	assert.Equal(t, uint64(96), proc.FileDescriptors)
}

func TestConvertEnrichesLabels(t *testing.T) {
	families := parseFamilies(t, `
guest_cpu_time{cpu="total",item="user"} 100
`)

	meta := staticMetadata{
		md: sandbox.Metadata{UID: "xyz-789", Name: "nginx-app", Namespace: "web"},
		ok: true,
	}
	snap := New(DefaultConfig(), meta).Convert("sbx-1", families)

	assert.Equal(t, "xyz-789", snap.CPU.Labels.ID)
	assert.Equal(t, "nginx-app", snap.CPU.Labels.Name)
	assert.Equal(t, "web", snap.CPU.Labels.Namespace)
	assert.Equal(t, "nginx-app", snap.CPU.Labels.Pod)

	output := snap.Text()
	assert.Contains(t, output, `name="nginx-app"`)
	assert.Contains(t, output, `pod="nginx-app"`)
	assert.Contains(t, output, `namespace="web"`)
	assert.Contains(t, output, `id="xyz-789"`)
	assert.Contains(t, output, `container="sandbox"`)
	assert.Contains(t, output, `image="unknown"`)
}

func TestConvertWithoutMetadata(t *testing.T) {
	families := parseFamilies(t, `
guest_cpu_time{cpu="total",item="user"} 100
`)

	snap := New(DefaultConfig(), staticMetadata{ok: false}).Convert("sbx-1", families)

	// Identity labels stay empty, the fixed labels are still set.
	assert.Equal(t, "sandbox", snap.CPU.Labels.Container)
	assert.Equal(t, "unknown", snap.CPU.Labels.Image)
	assert.Empty(t, snap.CPU.Labels.ID)
	assert.Empty(t, snap.CPU.Labels.Pod)
}

func TestConvertEmptyFamilies(t *testing.T) {
	snap := New(DefaultConfig(), nil).Convert("sbx-1", map[string]*dto.MetricFamily{})
	output := snap.Text()

	// Only the unconditional series appear for a silent guest.
	assert.Contains(t, output, "container_cpu_usage_seconds_total")
	assert.Contains(t, output, "container_memory_usage_bytes")
	assert.NotContains(t, output, "container_network_")
	assert.NotContains(t, output, "container_disk_")
	assert.NotContains(t, output, "container_processes_count")
	assert.NotContains(t, output, "container_threads_")
}

func TestConvertCustomPrefix(t *testing.T) {
	families := parseFamilies(t, `
vm_cpu_time{cpu="total",item="user"} 200
`)

	cfg := DefaultConfig()
	cfg.MetricPrefix = "vm"
	snap := New(cfg, nil).Convert("sbx-1", families)

	assert.Equal(t, 2.0, snap.CPU.UsageSecondsTotal)
}
