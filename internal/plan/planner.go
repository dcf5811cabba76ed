package plan

import (
	"fmt"
	"net/netip"
	"sort"
	"strconv"
	"strings"
)

// hostRange is an inclusive [start, end] span of IPv4 addresses encoded
// as big-endian uint32 values.
type hostRange struct {
	start  uint32
	end    uint32
	target string // original target string, for error messages
	cidr   string // normalized CIDR covering the range, for graph scoping
}

// Plan is the normalized scan plan derived from a validated ScanConfig.
// Hosts is ordered and deduplicated; len(Hosts) is the denominator
// reported in progress events.
type Plan struct {
	Hosts   []string
	Ports   []int
	Preset  string
	Options Options

	// Networks maps each normalized target CIDR to the host addresses
	// it contributed. The graph writer uses it to scope assets.
	Networks map[string][]string

	// ordered target CIDRs, matching the input order after sorting by
	// range start.
	NetworkOrder []string

	// TargetSpecs are the normalized input targets in range order,
	// passed verbatim to the external scanner so a dash range is not
	// widened to its covering CIDR.
	TargetSpecs []string
}

// AllPorts reports whether the driver should scan the entire port space.
func (p *Plan) AllPorts() bool {
	return p.Preset == PresetFull
}

// Build validates cfg and derives the scan plan. All error paths return
// a *ValidationError; no subprocess is spawned on any of them.
func Build(cfg ScanConfig) (*Plan, error) {
	targets := normalizeTargets(cfg.NetworkCIDRs)
	if len(targets) == 0 {
		return nil, validationErrorf(KindEmptyTargets, "at least one target is required")
	}
	if len(targets) > MaxTargets {
		return nil, validationErrorf(KindTooManyTargets, "maximum of %d targets allowed, got %d", MaxTargets, len(targets))
	}

	ranges := make([]hostRange, 0, len(targets))
	for _, target := range targets {
		r, err := parseTargetRange(target)
		if err != nil {
			return nil, err
		}
		ranges = append(ranges, r)
	}

	sortRanges(ranges)
	for i := 1; i < len(ranges); i++ {
		if ranges[i].start <= ranges[i-1].end {
			return nil, validationErrorf(KindOverlappingTargets,
				"target %s overlaps %s", ranges[i].target, ranges[i-1].target)
		}
	}

	ports, err := validatePorts(cfg.PortPreset, cfg.Ports)
	if err != nil {
		return nil, err
	}

	p := &Plan{
		Ports:    ports,
		Preset:   cfg.PortPreset,
		Options:  cfg.Options.Clamped(),
		Networks: make(map[string][]string, len(ranges)),
	}
	seen := make(map[string]struct{})
	for _, r := range ranges {
		p.NetworkOrder = append(p.NetworkOrder, r.cidr)
		p.TargetSpecs = append(p.TargetSpecs, r.target)
		for n := r.start; ; n++ {
			host := u32ToAddr(n).String()
			if _, dup := seen[host]; !dup {
				seen[host] = struct{}{}
				p.Hosts = append(p.Hosts, host)
				p.Networks[r.cidr] = append(p.Networks[r.cidr], host)
			}
			if n == r.end {
				break
			}
		}
	}
	return p, nil
}

// NetworkFor returns the plan CIDR containing ip, or "" when the
// address lies outside every target range.
func (p *Plan) NetworkFor(ip string) string {
	addr, err := netip.ParseAddr(ip)
	if err != nil || !addr.Is4() {
		return ""
	}
	for _, cidr := range p.NetworkOrder {
		prefix, err := netip.ParsePrefix(cidr)
		if err == nil && prefix.Contains(addr) {
			return cidr
		}
	}
	return ""
}

func normalizeTargets(targets []string) []string {
	out := make([]string, 0, len(targets))
	for _, t := range targets {
		t = strings.TrimSpace(t)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// parseTargetRange converts a single target into an inclusive address
// range. Three forms are accepted: a bare address, a dash range whose
// right side may be either a full address or a final octet, and a CIDR
// block whose masked network/broadcast become the inclusive bounds.
func parseTargetRange(target string) (hostRange, error) {
	switch {
	case strings.Contains(target, "/"):
		prefix, err := netip.ParsePrefix(target)
		if err != nil || !prefix.Addr().Is4() {
			return hostRange{}, validationErrorf(KindInvalidTarget, "invalid CIDR %q", target)
		}
		masked := prefix.Masked()
		start := addrToU32(masked.Addr())
		hostBits := 32 - masked.Bits()
		end := start | (1<<hostBits - 1)
		return hostRange{start: start, end: end, target: target, cidr: masked.String()}, nil

	case strings.Contains(target, "-"):
		left, right, _ := strings.Cut(target, "-")
		startAddr, err := netip.ParseAddr(left)
		if err != nil || !startAddr.Is4() {
			return hostRange{}, validationErrorf(KindInvalidTarget, "invalid range start %q", left)
		}
		var endAddr netip.Addr
		if strings.Contains(right, ".") {
			endAddr, err = netip.ParseAddr(right)
			if err != nil || !endAddr.Is4() {
				return hostRange{}, validationErrorf(KindInvalidTarget, "invalid range end %q", right)
			}
		} else {
			// Numeric right side inherits the first three octets.
			octet, err := strconv.Atoi(right)
			if err != nil || octet < 0 || octet > 255 {
				return hostRange{}, validationErrorf(KindInvalidTarget, "invalid range end %q", right)
			}
			o := startAddr.As4()
			endAddr = netip.AddrFrom4([4]byte{o[0], o[1], o[2], byte(octet)})
		}
		start, end := addrToU32(startAddr), addrToU32(endAddr)
		if end < start {
			return hostRange{}, validationErrorf(KindInvalidTarget, "range end precedes start in %q", target)
		}
		return hostRange{start: start, end: end, target: target, cidr: coveringCIDR(start, end)}, nil

	default:
		addr, err := netip.ParseAddr(target)
		if err != nil || !addr.Is4() {
			return hostRange{}, validationErrorf(KindInvalidTarget, "invalid IPv4 target %q", target)
		}
		n := addrToU32(addr)
		return hostRange{start: n, end: n, target: target, cidr: fmt.Sprintf("%s/32", addr)}, nil
	}
}

func validatePorts(preset string, ports []int) ([]int, error) {
	switch preset {
	case PresetFast, PresetNormal:
		return PresetPorts(preset), nil
	case PresetFull:
		// Empty list; the driver scans all 65535 ports.
		return nil, nil
	case PresetCustom, "":
		if len(ports) == 0 {
			return nil, validationErrorf(KindInvalidPort, "custom preset requires a port list")
		}
		if len(ports) > MaxPorts {
			return nil, validationErrorf(KindTooManyPorts, "maximum of %d ports allowed, got %d", MaxPorts, len(ports))
		}
		seen := make(map[int]struct{}, len(ports))
		out := make([]int, 0, len(ports))
		for _, port := range ports {
			if port < 1 || port > 65535 {
				return nil, validationErrorf(KindInvalidPort, "port %d out of range 1..65535", port)
			}
			if _, dup := seen[port]; dup {
				return nil, validationErrorf(KindDuplicatePort, "duplicate port %d", port)
			}
			seen[port] = struct{}{}
			out = append(out, port)
		}
		return out, nil
	default:
		return nil, validationErrorf(KindInvalidPreset, "invalid port preset %q", preset)
	}
}

// coveringCIDR returns the smallest CIDR containing [start, end], used
// to scope dash-range assets to a network container.
func coveringCIDR(start, end uint32) string {
	bits := 32
	for bits > 0 {
		mask := uint32(0xffffffff) << (32 - bits)
		if start&mask == end&mask {
			break
		}
		bits--
	}
	mask := uint32(0xffffffff) << (32 - bits)
	return fmt.Sprintf("%s/%d", u32ToAddr(start&mask), bits)
}

func addrToU32(a netip.Addr) uint32 {
	b := a.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func u32ToAddr(n uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)})
}

func sortRanges(ranges []hostRange) {
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].start < ranges[j].start })
}
