// Package scan owns the external scanner subprocess for each stage of a
// scan and turns its streamed XML report into typed events. A native
// fallback driver covers hosts without the scanner binary installed.
package scan

import (
	"context"

	"github.com/eidolon-platform/eidolon/internal/plan"
)

// Stage names one scanner invocation.
type Stage string

const (
	StagePing Stage = "ping"
	StagePort Stage = "port"
)

// Kind discriminates the Event union.
type Kind string

const (
	KindHostUp        Kind = "host_up"
	KindHostDown      Kind = "host_down"
	KindPortState     Kind = "port_state"
	KindOSMatch       Kind = "os_match"
	KindProgressTick  Kind = "progress_tick"
	KindStageComplete Kind = "stage_complete"
	KindLogLine       Kind = "log_line"
)

// Event is the tagged union of everything a scan stage can report.
// Variants are closed: only the types in this file implement it.
type Event interface {
	Kind() Kind
}

// Host carries the identifying metadata parsed from one <host> subtree.
type Host struct {
	IP            string
	Hostname      string
	MAC           string
	Vendor        string
	SRTTMicros    int64
	Distance      int
	UptimeSeconds int64
}

// HostUp reports a live host. During the port stage it precedes the
// host's PortState events and refreshes the host metadata.
type HostUp struct {
	Stage Stage
	Host  Host
}

// HostDown reports a host that did not answer the ping stage.
type HostDown struct {
	IP string
}

// PortState reports the observed state of a single port on a host.
type PortState struct {
	IP       string
	Port     int
	Protocol string
	State    string // open, closed, filtered
	Service  string
	Product  string
	Version  string
}

// OSMatch reports an OS detection guess for a host.
type OSMatch struct {
	IP       string
	Name     string
	Accuracy int
}

// ProgressTick reports scanner liveness and coarse completion.
type ProgressTick struct {
	Stage   Stage
	Percent float64
	Message string
}

// StageComplete terminates a stage's event sequence.
type StageComplete struct {
	Stage     Stage
	HostsSeen int
}

// LogLine carries scanner stderr output and recoverable parse failures.
type LogLine struct {
	Line string
}

func (HostUp) Kind() Kind        { return KindHostUp }
func (HostDown) Kind() Kind      { return KindHostDown }
func (PortState) Kind() Kind     { return KindPortState }
func (OSMatch) Kind() Kind       { return KindOSMatch }
func (ProgressTick) Kind() Kind  { return KindProgressTick }
func (StageComplete) Kind() Kind { return KindStageComplete }
func (LogLine) Kind() Kind       { return KindLogLine }

// Driver runs one scanner invocation per stage, writing events to out
// in source order. Both methods block until the stage finishes and
// close nothing: the caller owns the channel. A nil error means the
// stage ran to completion and a StageComplete event was emitted.
type Driver interface {
	RunPing(ctx context.Context, p *plan.Plan, out chan<- Event) error
	RunPort(ctx context.Context, p *plan.Plan, liveHosts []string, out chan<- Event) error
}
