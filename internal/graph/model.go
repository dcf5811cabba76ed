// Package graph persists scan observations into an external property
// graph: Asset, NetworkContainer, and Service nodes with deterministic
// IDs so repeated scans upsert instead of duplicating.
package graph

import "time"

// HostObservation is everything one scan learned about a single host,
// written to the store as one transaction.
type HostObservation struct {
	IP            string
	CIDR          string
	Hostname      string
	MAC           string
	Vendor        string
	SRTTMicros    int64
	Distance      int
	UptimeSeconds int64
	Ports         []PortObservation
	OSMatches     []OSObservation
	SeenAt        time.Time
}

// PortObservation is one port's state as reported by the scanner.
type PortObservation struct {
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
	State    string `json:"state"`
	Service  string `json:"service,omitempty"`
	Product  string `json:"product,omitempty"`
	Version  string `json:"version,omitempty"`
}

// OSObservation is one OS fingerprint match.
type OSObservation struct {
	Name     string `json:"name"`
	Accuracy int    `json:"accuracy"`
}

// OpenPorts returns only the ports observed open, the set that becomes
// Service nodes.
func (h HostObservation) OpenPorts() []PortObservation {
	var open []PortObservation
	for _, p := range h.Ports {
		if p.State == "open" {
			open = append(open, p)
		}
	}
	return open
}

// Identifiers returns the host's known identifiers in stable order:
// IP, then MAC, then hostname. Unioned into the asset node on merge.
func (h HostObservation) Identifiers() []string {
	ids := []string{h.IP}
	if h.MAC != "" {
		ids = append(ids, h.MAC)
	}
	if h.Hostname != "" {
		ids = append(ids, h.Hostname)
	}
	return ids
}
