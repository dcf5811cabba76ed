package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/eidolon-platform/eidolon/internal/event"
	"github.com/eidolon-platform/eidolon/internal/graph"
	"github.com/eidolon-platform/eidolon/internal/plan"
	"github.com/eidolon-platform/eidolon/internal/scan"
	"github.com/eidolon-platform/eidolon/internal/task"
)

// collectorName identifies this collector in event payloads.
const collectorName = "network"

// Stage labels reported in task state and event frames.
const (
	stagePing       = "ping_sweep"
	stagePort       = "port_scan"
	stageFinalizing = "finalizing"
)

// Per-stage wall clock limits. A stage that exceeds its limit is
// treated as a driver failure.
const (
	DefaultPingStageTimeout = 30 * time.Minute
	DefaultPortStageTimeout = 6 * time.Hour
)

// stageTimeoutError marks a stage that exceeded its wall clock limit.
// A timed-out scan always finalizes failed, whatever earlier stages
// produced.
type stageTimeoutError struct {
	stage string
	limit time.Duration
}

func (e *stageTimeoutError) Error() string {
	return fmt.Sprintf("%s stage exceeded its %s limit", e.stage, e.limit)
}

var scansStartedTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "eidolon_scans_started_total",
	Help: "Scan tasks accepted for execution.",
})

func init() {
	prometheus.MustRegister(scansStartedTotal)
}

// Orchestrator runs scan tasks through their lifecycle: plan, ping
// stage, port stage, graph writes, event publication, finalization.
type Orchestrator struct {
	driver   scan.Driver
	bus      *event.Bus
	registry *task.Registry
	graph    graph.Store
	configs  *ConfigStore
	logger   *zap.Logger

	pingTimeout time.Duration
	portTimeout time.Duration
}

// NewOrchestrator wires the scan pipeline. configs may be nil in tests;
// history recording is skipped then.
func NewOrchestrator(
	driver scan.Driver,
	bus *event.Bus,
	registry *task.Registry,
	graphStore graph.Store,
	configs *ConfigStore,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		driver:      driver,
		bus:         bus,
		registry:    registry,
		graph:       graphStore,
		configs:     configs,
		logger:      logger,
		pingTimeout: DefaultPingStageTimeout,
		portTimeout: DefaultPortStageTimeout,
	}
}

// StartScan validates the configuration, registers a task, and launches
// the scan in the background. It returns once the task is accepted.
func (o *Orchestrator) StartScan(userID string, cfg plan.ScanConfig) (task.Snapshot, error) {
	p, err := plan.Build(cfg)
	if err != nil {
		return task.Snapshot{}, err
	}

	// The scan outlives the HTTP request that started it.
	scanCtx, cancel := context.WithCancel(context.Background())
	snap, err := o.registry.Create(userID, cancel)
	if err != nil {
		cancel()
		return task.Snapshot{}, err
	}

	o.bus.OpenTopic(snap.ID)
	scansStartedTotal.Inc()
	o.logger.Info("scan accepted",
		zap.String("task_id", snap.ID),
		zap.String("user_id", userID),
		zap.Int("planned_hosts", len(p.Hosts)),
	)

	go o.run(scanCtx, snap.ID, userID, p, ConfigSummary(cfg))
	return snap, nil
}

// scanState is the mutable per-task progress shared by the stage loop
// and event handlers.
type scanState struct {
	taskID      string
	plan        *plan.Plan
	writer      *graph.Writer
	stage       string
	processed   int64
	total       *int64
	assetEvents int
	liveHosts   []string
	hostnames   map[string]string
	batch       *graph.HostObservation
	skips       chan skipNote
}

// skipNote carries a writer skip from the writer's goroutines back to
// the stage loop, which owns all publishing.
type skipNote struct {
	ip  string
	err error
}

func (sk skipNote) line() string {
	return fmt.Sprintf("graph write skipped for %s: %v", sk.ip, sk.err)
}

func (o *Orchestrator) run(ctx context.Context, taskID, userID string, p *plan.Plan, summary string) {
	started := time.Now().UTC()
	st := &scanState{
		taskID:    taskID,
		plan:      p,
		hostnames: make(map[string]string),
		skips:     make(chan skipNote, 64),
	}
	st.writer = graph.NewWriter(o.graph, o.logger, func(ip string, err error) {
		select {
		case st.skips <- skipNote{ip: ip, err: err}:
		default:
			// The writer already logged the abandoned host.
		}
	})

	o.registry.Start(taskID, stagePing)
	st.stage = stagePing
	o.progress(ctx, st,
		fmt.Sprintf("Starting scan of %d network(s)...", len(p.NetworkOrder)))

	pingErr := o.runStage(ctx, st, o.pingTimeout, func(sctx context.Context, out chan<- scan.Event) error {
		return o.driver.RunPing(sctx, p, out)
	})

	var portErr error
	if pingErr == nil && ctx.Err() == nil {
		if len(st.liveHosts) == 0 {
			o.progress(ctx, st, "No live hosts found")
		} else {
			st.stage = stagePort
			o.registry.SetStage(taskID, stagePort)
			o.progress(ctx, st,
				fmt.Sprintf("Scanning ports on %d host(s)...", len(st.liveHosts)))

			portErr = o.runStage(ctx, st, o.portTimeout, func(sctx context.Context, out chan<- scan.Event) error {
				return o.driver.RunPort(sctx, p, st.liveHosts, out)
			})
		}
	}

	o.finalize(ctx, st, userID, started, summary, pingErr, portErr)
}

// runStage drives one scanner stage, routing parser events while
// keeping at least one frame per second flowing to subscribers.
func (o *Orchestrator) runStage(
	ctx context.Context,
	st *scanState,
	timeout time.Duration,
	fn func(context.Context, chan<- scan.Event) error,
) error {
	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	events := make(chan scan.Event, 256)
	errCh := make(chan error, 1)
	go func() { errCh <- fn(stageCtx, events) }()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case ev := <-events:
			o.handleEvent(ctx, st, ev)
		case err := <-errCh:
			// The driver has returned; drain what it already sent.
			for {
				select {
				case ev := <-events:
					o.handleEvent(ctx, st, ev)
				default:
					o.flushHostBatch(ctx, st)
					if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
						return &stageTimeoutError{stage: st.stage, limit: timeout}
					}
					return err
				}
			}
		case sk := <-st.skips:
			o.progress(ctx, st, sk.line())
		case <-ticker.C:
			o.progress(ctx, st, "")
		}
	}
}

func (o *Orchestrator) handleEvent(ctx context.Context, st *scanState, ev scan.Event) {
	switch ev := ev.(type) {
	case scan.HostUp:
		st.processed++
		st.assetEvents++
		if ev.Stage == scan.StagePing {
			st.liveHosts = append(st.liveHosts, ev.Host.IP)
			if ev.Host.Hostname != "" {
				st.hostnames[ev.Host.IP] = ev.Host.Hostname
			}
			st.writer.Enqueue(ctx, o.observation(st, ev.Host, nil, nil))
			o.progress(ctx, st, "  → "+hostLabel(ev.Host))
		} else {
			// Port-stage results arrive host by host; a new host_up
			// closes out the previous host's batch.
			o.flushHostBatch(ctx, st)
			obs := o.observation(st, ev.Host, nil, nil)
			st.batch = &obs
			o.progress(ctx, st, "")
		}

	case scan.HostDown:
		st.processed++
		o.progress(ctx, st, "")

	case scan.PortState:
		st.processed++
		if st.batch != nil && st.batch.IP == ev.IP {
			st.batch.Ports = append(st.batch.Ports, graph.PortObservation{
				Port:     ev.Port,
				Protocol: ev.Protocol,
				State:    ev.State,
				Service:  ev.Service,
				Product:  ev.Product,
				Version:  ev.Version,
			})
		}
		o.progress(ctx, st, "")

	case scan.OSMatch:
		st.processed++
		if st.batch != nil && st.batch.IP == ev.IP {
			st.batch.OSMatches = append(st.batch.OSMatches, graph.OSObservation{
				Name:     ev.Name,
				Accuracy: ev.Accuracy,
			})
		}
		o.progress(ctx, st, "")

	case scan.ProgressTick:
		st.processed++
		output := ""
		if ev.Message != "" {
			output = fmt.Sprintf("%s: %.1f%% complete", ev.Message, ev.Percent)
		}
		o.progress(ctx, st, output)

	case scan.LogLine:
		st.processed++
		o.progress(ctx, st, ev.Line)

	case scan.StageComplete:
		st.processed++
		o.flushHostBatch(ctx, st)
		if ev.Stage == scan.StagePing {
			o.progress(ctx, st,
				fmt.Sprintf("Found %d live host(s)", ev.HostsSeen))
		} else {
			o.progress(ctx, st, "Port scan finished")
		}
	}
}

// flushHostBatch hands the current port-stage host to the graph writer
// and reports its open ports.
func (o *Orchestrator) flushHostBatch(ctx context.Context, st *scanState) {
	if st.batch == nil {
		return
	}
	batch := *st.batch
	st.batch = nil

	open := batch.OpenPorts()
	if len(open) > 0 {
		o.progress(ctx, st,
			fmt.Sprintf("  %s: %d open port(s)", batch.IP, len(open)))
		for _, p := range open {
			service := p.Service
			if service == "" {
				service = "unknown"
			}
			o.progress(ctx, st, fmt.Sprintf("    → %d/%s", p.Port, service))
		}
	} else {
		o.progress(ctx, st,
			fmt.Sprintf("  %s: No open ports found", batch.IP))
	}

	st.writer.Enqueue(ctx, batch)
}

func (o *Orchestrator) finalize(
	ctx context.Context,
	st *scanState,
	userID string,
	started time.Time,
	summary string,
	pingErr, portErr error,
) {
	st.stage = stageFinalizing
	o.registry.SetStage(st.taskID, stageFinalizing)
	st.writer.Flush()

	// Report writer skips that surfaced after the stage loop exited.
	for drained := false; !drained; {
		select {
		case sk := <-st.skips:
			o.progress(ctx, st, sk.line())
		default:
			drained = true
		}
	}

	status := task.StatusComplete
	var errMsg string
	stageErr := pingErr
	if stageErr == nil {
		stageErr = portErr
	}
	var timedOut *stageTimeoutError
	switch {
	case errors.As(stageErr, &timedOut):
		status = task.StatusFailed
		errMsg = stageErr.Error()
	case o.registry.Cancelled(st.taskID) || errors.Is(ctx.Err(), context.Canceled):
		status = task.StatusCancelled
	case stageErr != nil:
		if st.assetEvents > 0 {
			status = task.StatusPartial
		} else {
			status = task.StatusFailed
		}
		errMsg = stageErr.Error()
	}

	// The event total is only known once the scan ends: it is the
	// number of asset events the stages produced.
	total := int64(st.assetEvents)
	st.total = &total
	o.registry.Progress(st.taskID, st.processed, st.total)

	if o.configs != nil {
		histCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := o.configs.AppendHistory(histCtx, HistoryRecord{
			ID:              st.taskID,
			UserID:          userID,
			StartedAt:       started,
			CompletedAt:     time.Now().UTC(),
			Status:          string(status),
			EventsCollected: int64(st.assetEvents),
			ErrorMessage:    errMsg,
			ConfigSummary:   summary,
		}); err != nil {
			o.logger.Warn("recording scan history", zap.String("task_id", st.taskID), zap.Error(err))
		}
		cancel()
	}

	o.registry.Finalize(st.taskID, status, errMsg)

	var output string
	switch status {
	case task.StatusComplete:
		output = "Scan complete!"
	case task.StatusCancelled:
		output = "Scan cancelled"
	case task.StatusPartial:
		output = "Scan finished with errors: " + errMsg
	default:
		output = "Scan failed: " + errMsg
	}
	o.publish(st, string(status), output)
	o.bus.CloseTopic(st.taskID)

	o.logger.Info("scan finished",
		zap.String("task_id", st.taskID),
		zap.String("status", string(status)),
		zap.Int64("events_processed", st.processed),
		zap.Duration("elapsed", time.Since(started)),
	)
}

// progress publishes a progress frame unless the scan context is done.
// Once a cancel has been observed only the terminal frame may follow.
func (o *Orchestrator) progress(ctx context.Context, st *scanState, output string) {
	if ctx.Err() != nil {
		return
	}
	o.publish(st, event.StatusProgress, output)
}

// publish pushes one frame onto the bus with the task's next sequence
// number and mirrors the counters into the registry.
func (o *Orchestrator) publish(st *scanState, status, output string) {
	seq := o.registry.NextSeq(st.taskID)
	o.bus.Publish(event.Frame{
		EventType: event.EventTypeScan,
		Status:    status,
		Payload: event.Payload{
			TaskID:          st.taskID,
			Seq:             seq,
			Collector:       collectorName,
			Stage:           st.stage,
			EventsProcessed: st.processed,
			TotalEvents:     st.total,
			Output:          output,
		},
	})
	o.registry.Progress(st.taskID, st.processed, st.total)
}

// observation converts a scanner host into a graph observation scoped
// to the plan network that contains it.
func (o *Orchestrator) observation(st *scanState, h scan.Host, ports []graph.PortObservation, osMatches []graph.OSObservation) graph.HostObservation {
	hostname := h.Hostname
	if hostname == "" {
		hostname = st.hostnames[h.IP]
	}
	return graph.HostObservation{
		IP:            h.IP,
		CIDR:          st.plan.NetworkFor(h.IP),
		Hostname:      hostname,
		MAC:           h.MAC,
		Vendor:        h.Vendor,
		SRTTMicros:    h.SRTTMicros,
		Distance:      h.Distance,
		UptimeSeconds: h.UptimeSeconds,
		Ports:         ports,
		OSMatches:     osMatches,
		SeenAt:        time.Now().UTC(),
	}
}

func hostLabel(h scan.Host) string {
	if h.Hostname != "" {
		return h.IP + " (" + h.Hostname + ")"
	}
	return h.IP
}
