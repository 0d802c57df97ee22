package convert

import "strings"

// Config controls how guest exposition families are mapped into
// cAdvisor output.
type Config struct {
	// MetricPrefix is the family name prefix the guest agent emits,
	// without the trailing underscore.
	MetricPrefix string `json:"metric_prefix" yaml:"metric_prefix" mapstructure:"metric_prefix"`

	// ContainerLabel is the fixed value of the container identity label
	// on every emitted series.
	ContainerLabel string `json:"container_label" yaml:"container_label" mapstructure:"container_label"`

	// IncludePerInterface emits per-interface network series in
	// addition to the aggregated totals.
	IncludePerInterface bool `json:"include_per_interface" yaml:"include_per_interface" mapstructure:"include_per_interface"`

	// IncludePerDevice emits per-device block I/O series in addition to
	// the aggregated totals.
	IncludePerDevice bool `json:"include_per_device" yaml:"include_per_device" mapstructure:"include_per_device"`

	// InterfacePatterns filters which guest interfaces count toward
	// network totals. A pattern ending in ".*" matches by prefix,
	// anything else must match exactly.
	InterfacePatterns []string `json:"interface_patterns" yaml:"interface_patterns" mapstructure:"interface_patterns"`

	// JiffiesPerSecond converts guest CPU time samples to seconds.
	// Guest CPU accounting uses USER_HZ ticks, 100 on Linux.
	JiffiesPerSecond float64 `json:"jiffies_per_second" yaml:"jiffies_per_second" mapstructure:"jiffies_per_second"`
}

// DefaultConfig returns the conversion settings used in production:
// totals only, guest-facing interfaces, USER_HZ of 100.
func DefaultConfig() Config {
	return Config{
		MetricPrefix:      "guest",
		ContainerLabel:    "sandbox",
		InterfacePatterns: []string{"eth0", "veth.*", "tap.*", "tun.*"},
		JiffiesPerSecond:  100,
	}
}

// MatchesInterface reports whether an interface name passes the
// configured filter. Loopback and host-side bridges stay excluded with
// the default patterns.
func (c Config) MatchesInterface(name string) bool {
	for _, pattern := range c.InterfacePatterns {
		if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
			if strings.HasPrefix(name, prefix) {
				return true
			}
			continue
		}
		if name == pattern {
			return true
		}
	}
	return false
}
