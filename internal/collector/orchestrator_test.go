package collector

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eidolon-platform/eidolon/internal/event"
	"github.com/eidolon-platform/eidolon/internal/graph"
	"github.com/eidolon-platform/eidolon/internal/plan"
	"github.com/eidolon-platform/eidolon/internal/scan"
	"github.com/eidolon-platform/eidolon/internal/task"
)

// fakeDriver replays scripted events for each stage.
type fakeDriver struct {
	mu         sync.Mutex
	pingEvents []scan.Event
	pingErr    error
	portEvents []scan.Event
	portErr    error

	// blockPort makes RunPort wait for cancellation instead of replaying.
	blockPort bool
	portGiven []string
}

func (d *fakeDriver) RunPing(ctx context.Context, _ *plan.Plan, out chan<- scan.Event) error {
	for _, ev := range d.pingEvents {
		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return d.pingErr
}

func (d *fakeDriver) RunPort(ctx context.Context, _ *plan.Plan, liveHosts []string, out chan<- scan.Event) error {
	d.mu.Lock()
	d.portGiven = append([]string(nil), liveHosts...)
	d.mu.Unlock()

	if d.blockPort {
		<-ctx.Done()
		// Whatever the scanner had already parsed is still handed
		// over before the driver returns.
		for _, ev := range d.portEvents {
			select {
			case out <- ev:
			default:
			}
		}
		return ctx.Err()
	}
	for _, ev := range d.portEvents {
		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return d.portErr
}

func (d *fakeDriver) liveHostsGiven() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.portGiven
}

// memStore records every upserted observation. IPs in failIPs are
// rejected on every attempt.
type memStore struct {
	mu      sync.Mutex
	hosts   []graph.HostObservation
	failIPs map[string]bool
}

func (s *memStore) UpsertHost(_ context.Context, obs graph.HostObservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failIPs[obs.IP] {
		return errors.New("graph unavailable")
	}
	s.hosts = append(s.hosts, obs)
	return nil
}

func (s *memStore) Close(context.Context) error { return nil }

func (s *memStore) observations() []graph.HostObservation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]graph.HostObservation(nil), s.hosts...)
}

type orchFixture struct {
	orch     *Orchestrator
	bus      *event.Bus
	registry *task.Registry
	store    *memStore
	driver   *fakeDriver
}

func newOrchFixture(t *testing.T, driver *fakeDriver) *orchFixture {
	t.Helper()
	// Scan goroutines may outlive the test body, so a test-bound logger
	// is unsafe here.
	logger := zap.NewNop()
	bus := event.NewBus(1024, logger)
	registry := task.NewRegistry(5*time.Second, logger)
	store := &memStore{}
	orch := NewOrchestrator(driver, bus, registry, store, nil, logger)
	return &orchFixture{orch: orch, bus: bus, registry: registry, store: store, driver: driver}
}

func fastConfig() plan.ScanConfig {
	return plan.ScanConfig{
		NetworkCIDRs: []string{"10.0.0.0/28"},
		PortPreset:   plan.PresetFast,
		Options:      plan.DefaultOptions(),
	}
}

// collectUntilTerminal drains the subscription until a terminal frame
// arrives and returns everything seen.
func collectUntilTerminal(t *testing.T, sub *event.Subscription) []event.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var frames []event.Frame
	for {
		f, ok := sub.Next(ctx)
		require.True(t, ok, "stream ended before a terminal frame")
		frames = append(frames, f)
		if f.Terminal() {
			return frames
		}
	}
}

func outputs(frames []event.Frame) []string {
	var out []string
	for _, f := range frames {
		if f.Payload.Output != "" {
			out = append(out, f.Payload.Output)
		}
	}
	return out
}

func TestScanHappyPath(t *testing.T) {
	host := scan.Host{IP: "10.0.0.5", Hostname: "web", MAC: "AA:BB:CC:DD:EE:FF"}
	driver := &fakeDriver{
		pingEvents: []scan.Event{
			scan.HostUp{Stage: scan.StagePing, Host: host},
			scan.StageComplete{Stage: scan.StagePing, HostsSeen: 1},
		},
		portEvents: []scan.Event{
			scan.HostUp{Stage: scan.StagePort, Host: host},
			scan.PortState{IP: "10.0.0.5", Port: 80, Protocol: "tcp", State: "open", Service: "http"},
			scan.PortState{IP: "10.0.0.5", Port: 443, Protocol: "tcp", State: "closed"},
			scan.OSMatch{IP: "10.0.0.5", Name: "Linux 5.x", Accuracy: 95},
			scan.StageComplete{Stage: scan.StagePort, HostsSeen: 1},
		},
	}
	fx := newOrchFixture(t, driver)
	sub := fx.bus.SubscribeAll()

	snap, err := fx.orch.StartScan("alice", fastConfig())
	require.NoError(t, err)

	frames := collectUntilTerminal(t, sub)
	last := frames[len(frames)-1]
	assert.Equal(t, event.StatusComplete, last.Status)
	assert.Equal(t, "Scan complete!", last.Payload.Output)
	assert.Equal(t, "network", last.Payload.Collector)

	// Sequence numbers are strictly increasing on the topic.
	var prev uint64
	for _, f := range frames {
		require.Greater(t, f.Payload.Seq, prev)
		prev = f.Payload.Seq
	}

	// The event total is unknown while stages run and is fixed on the
	// terminal frame as the number of asset events seen.
	for _, f := range frames[:len(frames)-1] {
		assert.Nil(t, f.Payload.TotalEvents)
	}
	require.NotNil(t, last.Payload.TotalEvents)
	assert.Equal(t, int64(2), *last.Payload.TotalEvents)

	lines := outputs(frames)
	assert.Contains(t, lines, "Starting scan of 1 network(s)...")
	assert.Contains(t, lines, "  → 10.0.0.5 (web)")
	assert.Contains(t, lines, "Found 1 live host(s)")
	assert.Contains(t, lines, "Scanning ports on 1 host(s)...")
	assert.Contains(t, lines, "  10.0.0.5: 1 open port(s)")
	assert.Contains(t, lines, "    → 80/http")

	final, ok := fx.registry.Get(snap.ID)
	require.True(t, ok)
	assert.Equal(t, task.StatusComplete, final.Status)

	assert.Equal(t, []string{"10.0.0.5"}, driver.liveHostsGiven())

	// One observation from the ping stage, one batched from the port stage.
	obs := fx.store.observations()
	require.Len(t, obs, 2)
	assert.Equal(t, "10.0.0.0/28", obs[0].CIDR)
	portObs := obs[1]
	require.Len(t, portObs.Ports, 2)
	assert.Equal(t, 80, portObs.Ports[0].Port)
	require.Len(t, portObs.OSMatches, 1)
	assert.Equal(t, "Linux 5.x", portObs.OSMatches[0].Name)
}

func TestScanNoLiveHostsCompletes(t *testing.T) {
	driver := &fakeDriver{
		pingEvents: []scan.Event{
			scan.StageComplete{Stage: scan.StagePing, HostsSeen: 0},
		},
	}
	fx := newOrchFixture(t, driver)
	sub := fx.bus.SubscribeAll()

	_, err := fx.orch.StartScan("alice", fastConfig())
	require.NoError(t, err)

	frames := collectUntilTerminal(t, sub)
	last := frames[len(frames)-1]
	assert.Equal(t, event.StatusComplete, last.Status)
	assert.Contains(t, outputs(frames), "No live hosts found")
	assert.Empty(t, driver.liveHostsGiven())
	assert.Empty(t, fx.store.observations())

	require.NotNil(t, last.Payload.TotalEvents)
	assert.Zero(t, *last.Payload.TotalEvents)
}

func TestScanCancelledDuringPortStage(t *testing.T) {
	driver := &fakeDriver{
		pingEvents: []scan.Event{
			scan.HostUp{Stage: scan.StagePing, Host: scan.Host{IP: "10.0.0.5"}},
			scan.StageComplete{Stage: scan.StagePing, HostsSeen: 1},
		},
		blockPort: true,
	}
	fx := newOrchFixture(t, driver)
	sub := fx.bus.SubscribeAll()

	snap, err := fx.orch.StartScan("alice", fastConfig())
	require.NoError(t, err)

	// Wait for the port stage before cancelling.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		f, ok := sub.Next(ctx)
		require.True(t, ok)
		if f.Payload.Stage == "port_scan" {
			break
		}
	}
	assert.Equal(t, task.CancelIssued, fx.registry.Cancel(snap.ID))

	frames := collectUntilTerminal(t, sub)
	last := frames[len(frames)-1]
	assert.Equal(t, event.StatusCancelled, last.Status)
	assert.Equal(t, "Scan cancelled", last.Payload.Output)

	final, ok := fx.registry.Get(snap.ID)
	require.True(t, ok)
	assert.Equal(t, task.StatusCancelled, final.Status)
}

func TestScanCancelSuppressesLateEvents(t *testing.T) {
	driver := &fakeDriver{
		pingEvents: []scan.Event{
			scan.HostUp{Stage: scan.StagePing, Host: scan.Host{IP: "10.0.0.5"}},
			scan.StageComplete{Stage: scan.StagePing, HostsSeen: 1},
		},
		blockPort: true,
		portEvents: []scan.Event{
			scan.HostUp{Stage: scan.StagePort, Host: scan.Host{IP: "10.0.0.5"}},
			scan.PortState{IP: "10.0.0.5", Port: 22, Protocol: "tcp", State: "open", Service: "ssh"},
			scan.LogLine{Line: "late scanner output"},
		},
	}
	fx := newOrchFixture(t, driver)
	sub := fx.bus.SubscribeAll()

	snap, err := fx.orch.StartScan("alice", fastConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		f, ok := sub.Next(ctx)
		require.True(t, ok)
		if f.Payload.Stage == "port_scan" {
			break
		}
	}
	require.Equal(t, task.CancelIssued, fx.registry.Cancel(snap.ID))

	after := collectUntilTerminal(t, sub)
	last := after[len(after)-1]
	assert.Equal(t, event.StatusCancelled, last.Status)

	// At most one frame already in flight may land between the cancel
	// and the cancelled frame.
	assert.LessOrEqual(t, len(after), 2)
	assert.NotContains(t, outputs(after), "late scanner output")

	// Events the scanner had already produced still count, but no new
	// graph writes start after the cancel.
	assert.Equal(t, int64(5), last.Payload.EventsProcessed)
	require.NotNil(t, last.Payload.TotalEvents)
	assert.Equal(t, int64(2), *last.Payload.TotalEvents)
	require.Len(t, fx.store.observations(), 1)
}

func TestScanReportsSkippedGraphWrites(t *testing.T) {
	host := scan.Host{IP: "10.0.0.7"}
	driver := &fakeDriver{
		pingEvents: []scan.Event{
			scan.HostUp{Stage: scan.StagePing, Host: host},
			scan.StageComplete{Stage: scan.StagePing, HostsSeen: 1},
		},
		portEvents: []scan.Event{
			scan.HostUp{Stage: scan.StagePort, Host: host},
			scan.StageComplete{Stage: scan.StagePort, HostsSeen: 1},
		},
	}
	fx := newOrchFixture(t, driver)
	fx.store.failIPs = map[string]bool{"10.0.0.7": true}
	sub := fx.bus.SubscribeAll()

	_, err := fx.orch.StartScan("alice", fastConfig())
	require.NoError(t, err)

	frames := collectUntilTerminal(t, sub)
	assert.Equal(t, event.StatusComplete, frames[len(frames)-1].Status)

	// One skip line per abandoned write, published in sequence from the
	// stage loop rather than from the writer's goroutines.
	var skipLines int
	for _, line := range outputs(frames) {
		if strings.Contains(line, "graph write skipped for 10.0.0.7") {
			skipLines++
		}
	}
	assert.Equal(t, 2, skipLines)

	var prev uint64
	for _, f := range frames {
		require.Greater(t, f.Payload.Seq, prev)
		prev = f.Payload.Seq
	}
	assert.Empty(t, fx.store.observations())
}

func TestScanFailedWhenPingStageProducesNothing(t *testing.T) {
	driver := &fakeDriver{
		pingErr: errors.New("scanner exited with code 1"),
	}
	fx := newOrchFixture(t, driver)
	sub := fx.bus.SubscribeAll()

	snap, err := fx.orch.StartScan("alice", fastConfig())
	require.NoError(t, err)

	frames := collectUntilTerminal(t, sub)
	last := frames[len(frames)-1]
	assert.Equal(t, event.StatusFailed, last.Status)
	assert.Contains(t, last.Payload.Output, "Scan failed:")

	final, ok := fx.registry.Get(snap.ID)
	require.True(t, ok)
	assert.Equal(t, task.StatusFailed, final.Status)
	assert.Contains(t, final.Error, "scanner exited")
}

func TestScanPartialWhenPortStageFails(t *testing.T) {
	driver := &fakeDriver{
		pingEvents: []scan.Event{
			scan.HostUp{Stage: scan.StagePing, Host: scan.Host{IP: "10.0.0.5"}},
			scan.StageComplete{Stage: scan.StagePing, HostsSeen: 1},
		},
		portErr: errors.New("scanner crashed mid-run"),
	}
	fx := newOrchFixture(t, driver)
	sub := fx.bus.SubscribeAll()

	snap, err := fx.orch.StartScan("alice", fastConfig())
	require.NoError(t, err)

	frames := collectUntilTerminal(t, sub)
	assert.Equal(t, event.StatusPartial, frames[len(frames)-1].Status)

	final, ok := fx.registry.Get(snap.ID)
	require.True(t, ok)
	assert.Equal(t, task.StatusPartial, final.Status)
	assert.Contains(t, final.Error, "scanner crashed")
}

func TestScanStageTimeout(t *testing.T) {
	driver := &fakeDriver{
		pingEvents: []scan.Event{
			scan.HostUp{Stage: scan.StagePing, Host: scan.Host{IP: "10.0.0.5"}},
			scan.StageComplete{Stage: scan.StagePing, HostsSeen: 1},
		},
		blockPort: true,
	}
	fx := newOrchFixture(t, driver)
	fx.orch.portTimeout = 100 * time.Millisecond
	sub := fx.bus.SubscribeAll()

	snap, err := fx.orch.StartScan("alice", fastConfig())
	require.NoError(t, err)

	frames := collectUntilTerminal(t, sub)
	// A stage that blows its wall clock limit fails the scan even
	// though the ping stage already produced data.
	assert.Equal(t, event.StatusFailed, frames[len(frames)-1].Status)

	final, ok := fx.registry.Get(snap.ID)
	require.True(t, ok)
	assert.Equal(t, task.StatusFailed, final.Status)
	assert.Contains(t, final.Error, "port_scan stage exceeded its")
}

func TestSecondScanForUserRejected(t *testing.T) {
	driver := &fakeDriver{
		pingEvents: []scan.Event{
			scan.HostUp{Stage: scan.StagePing, Host: scan.Host{IP: "10.0.0.5"}},
			scan.StageComplete{Stage: scan.StagePing, HostsSeen: 1},
		},
		blockPort: true,
	}
	fx := newOrchFixture(t, driver)

	snap, err := fx.orch.StartScan("alice", fastConfig())
	require.NoError(t, err)

	_, err = fx.orch.StartScan("alice", fastConfig())
	assert.ErrorIs(t, err, task.ErrScanAlreadyRunning)

	// Another user is unaffected.
	bobSnap, err := fx.orch.StartScan("bob", fastConfig())
	assert.NoError(t, err)

	fx.registry.Cancel(snap.ID)
	fx.registry.Cancel(bobSnap.ID)
}

func TestStartScanRejectsInvalidConfig(t *testing.T) {
	fx := newOrchFixture(t, &fakeDriver{})

	cfg := fastConfig()
	cfg.NetworkCIDRs = []string{"not-a-network"}

	_, err := fx.orch.StartScan("alice", cfg)
	var vErr *plan.ValidationError
	assert.ErrorAs(t, err, &vErr)
}
