package scan

import (
	"bufio"
	"context"
	"errors"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/eidolon-platform/eidolon/internal/plan"
	"go.uber.org/zap"
)

// DefaultGrace is how long a cancelled scanner child gets to exit after
// SIGTERM before it is killed.
const DefaultGrace = 3 * time.Second

// NmapDriver runs the external scanner binary (nmap-compatible CLI and
// XML report) once per stage.
type NmapDriver struct {
	bin    string
	grace  time.Duration
	logger *zap.Logger
}

// NewNmapDriver creates a driver for the given scanner binary.
func NewNmapDriver(bin string, logger *zap.Logger) *NmapDriver {
	if bin == "" {
		bin = "nmap"
	}
	return &NmapDriver{bin: bin, grace: DefaultGrace, logger: logger}
}

// Available reports whether the scanner binary can be resolved.
func (d *NmapDriver) Available() bool {
	_, err := exec.LookPath(d.bin)
	return err == nil
}

// RunPing performs host discovery over the plan's targets.
func (d *NmapDriver) RunPing(ctx context.Context, p *plan.Plan, out chan<- Event) error {
	args := []string{"-sn", "-oX", "-"}
	args = withDNSFlag(args, p.Options.DNSResolution)
	args = withParallelism(args, p.Options.PingConcurrency)
	args = append(args, p.TargetSpecs...)
	return d.run(ctx, StagePing, args, out)
}

// RunPort performs a TCP scan of liveHosts across the plan's ports.
func (d *NmapDriver) RunPort(ctx context.Context, p *plan.Plan, liveHosts []string, out chan<- Event) error {
	args := []string{"-Pn"}
	args = append(args, portSpec(p)...)
	args = append(args, "-oX", "-")
	args = withDNSFlag(args, p.Options.DNSResolution)
	args = withParallelism(args, p.Options.PortScanWorkers)
	if p.Options.Aggressive {
		args = append(args, "-O", "-sV")
	}
	args = append(args, liveHosts...)
	return d.run(ctx, StagePort, args, out)
}

// run spawns one scanner child, streams its XML report into events, and
// classifies the exit. Events already parsed when a cancellation lands
// are always delivered before run returns.
func (d *NmapDriver) run(ctx context.Context, stage Stage, args []string, out chan<- Event) error {
	cmd := exec.CommandContext(ctx, d.bin, args...)
	// Terminate first; CommandContext + WaitDelay kills after the grace.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = d.grace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &SpawnError{Bin: d.bin, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &SpawnError{Bin: d.bin, Err: err}
	}

	d.logger.Debug("spawning scanner",
		zap.String("stage", string(stage)),
		zap.Strings("args", args),
	)
	if err := cmd.Start(); err != nil {
		return &SpawnError{Bin: d.bin, Err: err}
	}

	emit := func(ev Event) {
		select {
		case out <- ev:
		case <-ctx.Done():
		}
	}

	// Stderr lines become log_line events; the tail is kept for the
	// error message on a non-zero exit.
	var (
		tailMu sync.Mutex
		tail   []string
		wg     sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			line := sc.Text()
			tailMu.Lock()
			tail = append(tail, line)
			if len(tail) > 10 {
				tail = tail[1:]
			}
			tailMu.Unlock()
			emit(LogLine{Line: line})
		}
	}()

	hosts, parseErr := parseReport(stdout, stage, emit)
	wg.Wait()
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}

	if waitErr != nil {
		tailMu.Lock()
		msg := strings.Join(tail, "; ")
		tailMu.Unlock()
		code := -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			code = exitErr.ExitCode()
		}
		if hosts == 0 {
			return &FailedError{ExitCode: code, Stderr: msg}
		}
		return &PartialError{ExitCode: code, Events: hosts, Stderr: msg}
	}

	if parseErr != nil {
		// Clean exit with a torn report should not happen; keep the
		// stage's partial results and surface the parse failure.
		emit(LogLine{Line: "report ended prematurely: " + parseErr.Error()})
	}

	emit(StageComplete{Stage: stage, HostsSeen: hosts})
	return nil
}

func portSpec(p *plan.Plan) []string {
	if p.AllPorts() {
		return []string{"-p-"}
	}
	specs := make([]string, len(p.Ports))
	for i, port := range p.Ports {
		specs[i] = strconv.Itoa(port)
	}
	return []string{"-p", strings.Join(specs, ",")}
}

func withDNSFlag(args []string, resolve bool) []string {
	if resolve {
		return append(args, "-R")
	}
	return append(args, "-n")
}

func withParallelism(args []string, value int) []string {
	if value <= 0 {
		return args
	}
	v := strconv.Itoa(value)
	return append(args, "--min-parallelism", v, "--max-parallelism", v)
}
