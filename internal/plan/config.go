// Package plan converts a validated scan configuration into a finite,
// deduplicated scan plan: the target host set and the port list handed
// to the scanner driver.
package plan

// Port presets. "fast" and "normal" expand to fixed lists, "full"
// instructs the driver to scan all 65535 ports, "custom" uses the
// user-supplied list verbatim.
const (
	PresetFast   = "fast"
	PresetNormal = "normal"
	PresetFull   = "full"
	PresetCustom = "custom"
)

// Bounds for scanner options.
const (
	MinPingConcurrency = 32
	MaxPingConcurrency = 512
	MinPortWorkers     = 8
	MaxPortWorkers     = 64

	MaxTargets = 50
	MaxPorts   = 1000
)

var presetPorts = map[string][]int{
	PresetFast: {80, 443},
	PresetNormal: {
		21, 22, 23, 25, 53, 80, 110, 143, 443, 465,
		587, 993, 995, 3306, 3389, 5432, 8080, 8443,
	},
}

// Options tunes scanner behavior for both stages.
type Options struct {
	PingConcurrency int  `json:"ping_concurrency"`
	PortScanWorkers int  `json:"port_scan_workers"`
	DNSResolution   bool `json:"dns_resolution"`
	Aggressive      bool `json:"aggressive"`
}

// DefaultOptions returns the option defaults used when a stored config
// has no options record.
func DefaultOptions() Options {
	return Options{
		PingConcurrency: 128,
		PortScanWorkers: 32,
		DNSResolution:   true,
		Aggressive:      false,
	}
}

// Clamped returns a copy with concurrency values forced into their
// valid ranges. Zero values take the defaults.
func (o Options) Clamped() Options {
	d := DefaultOptions()
	if o.PingConcurrency == 0 {
		o.PingConcurrency = d.PingConcurrency
	}
	if o.PortScanWorkers == 0 {
		o.PortScanWorkers = d.PortScanWorkers
	}
	o.PingConcurrency = clamp(o.PingConcurrency, MinPingConcurrency, MaxPingConcurrency)
	o.PortScanWorkers = clamp(o.PortScanWorkers, MinPortWorkers, MaxPortWorkers)
	return o
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ScanConfig is the user-facing scan configuration. Targets may be
// single IPv4 addresses, dash ranges (10.0.0.5-20 or
// 10.0.0.5-10.0.0.20), or CIDR blocks.
type ScanConfig struct {
	NetworkCIDRs []string `json:"network_cidrs"`
	Ports        []int    `json:"ports"`
	PortPreset   string   `json:"port_preset"`
	Options      Options  `json:"options"`
}

// DefaultScanConfig is returned for users that have never stored a
// configuration.
func DefaultScanConfig() ScanConfig {
	return ScanConfig{
		NetworkCIDRs: []string{"192.168.1.0/24"},
		Ports:        append([]int(nil), presetPorts[PresetNormal]...),
		PortPreset:   PresetNormal,
		Options:      DefaultOptions(),
	}
}

// PresetPorts returns the fixed port list for a preset, or nil when the
// preset has none (full, custom).
func PresetPorts(preset string) []int {
	return append([]int(nil), presetPorts[preset]...)
}
