package scan

import (
	"context"
	"net"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/eidolon-platform/eidolon/internal/plan"
	probing "github.com/prometheus-community/pro-bing"
	"go.uber.org/zap"
)

// dnsTimeout is the maximum time to wait for a reverse DNS lookup.
const dnsTimeout = 500 * time.Millisecond

// NativeDriver is the fallback scanner used when the external binary is
// not installed: an ICMP echo sweep for the ping stage and TCP connect
// probes for the port stage. It emits the same event stream as the
// external driver, minus MAC/vendor/OS detection.
type NativeDriver struct {
	pingTimeout time.Duration
	dialTimeout time.Duration
	logger      *zap.Logger
}

// NewNativeDriver creates the native fallback driver.
func NewNativeDriver(logger *zap.Logger) *NativeDriver {
	return &NativeDriver{
		pingTimeout: 2 * time.Second,
		dialTimeout: 2 * time.Second,
		logger:      logger,
	}
}

// RunPing sweeps the plan's hosts with ICMP echo probes.
func (d *NativeDriver) RunPing(ctx context.Context, p *plan.Plan, out chan<- Event) error {
	emit := func(ev Event) {
		select {
		case out <- ev:
		case <-ctx.Done():
		}
	}

	d.logger.Info("native ping sweep",
		zap.Int("hosts", len(p.Hosts)),
		zap.Int("concurrency", p.Options.PingConcurrency),
	)

	sem := make(chan struct{}, p.Options.PingConcurrency)
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		alive int
		done  int
	)
	for _, ip := range p.Hosts {
		if ctx.Err() != nil {
			break
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(ip string) {
			defer wg.Done()
			defer func() { <-sem }()

			up, rtt := d.pingHost(ctx, ip)
			mu.Lock()
			done++
			pct := float64(done) / float64(len(p.Hosts)) * 100
			if up {
				alive++
			}
			mu.Unlock()

			if up {
				host := Host{IP: ip, SRTTMicros: rtt.Microseconds()}
				if p.Options.DNSResolution {
					host.Hostname = reverseLookup(ctx, ip)
				}
				emit(HostUp{Stage: StagePing, Host: host})
			} else {
				emit(HostDown{IP: ip})
			}
			emit(ProgressTick{Stage: StagePing, Percent: pct, Message: "Ping Sweep"})
		}(ip)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	emit(StageComplete{Stage: StagePing, HostsSeen: alive})
	return nil
}

// RunPort probes liveHosts x ports with TCP connect attempts. Hosts are
// scanned sequentially so each host's events stay contiguous; ports
// within a host are probed concurrently.
func (d *NativeDriver) RunPort(ctx context.Context, p *plan.Plan, liveHosts []string, out chan<- Event) error {
	emit := func(ev Event) {
		select {
		case out <- ev:
		case <-ctx.Done():
		}
	}

	ports := p.Ports
	if p.AllPorts() {
		ports = make([]int, 65535)
		for i := range ports {
			ports[i] = i + 1
		}
	}

	for i, ip := range liveHosts {
		if err := ctx.Err(); err != nil {
			return err
		}

		host := Host{IP: ip}
		if p.Options.DNSResolution {
			host.Hostname = reverseLookup(ctx, ip)
		}
		emit(HostUp{Stage: StagePort, Host: host})

		for _, st := range d.probePorts(ctx, ip, ports, p.Options.PortScanWorkers) {
			emit(st)
		}
		emit(ProgressTick{
			Stage:   StagePort,
			Percent: float64(i+1) / float64(len(liveHosts)) * 100,
			Message: "Connect Scan",
		})
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	emit(StageComplete{Stage: StagePort, HostsSeen: len(liveHosts)})
	return nil
}

// probePorts dials every port with bounded concurrency and returns the
// observations sorted by port number for deterministic output.
func (d *NativeDriver) probePorts(ctx context.Context, ip string, ports []int, workers int) []PortState {
	var (
		mu  sync.Mutex
		out []PortState
		wg  sync.WaitGroup
	)
	sem := make(chan struct{}, workers)
	for _, port := range ports {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(port int) {
			defer wg.Done()
			defer func() { <-sem }()

			state := "closed"
			if d.isPortOpen(ctx, ip, port) {
				state = "open"
			}
			mu.Lock()
			out = append(out, PortState{IP: ip, Port: port, Protocol: "tcp", State: state})
			mu.Unlock()
		}(port)
	}
	wg.Wait()

	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

func (d *NativeDriver) isPortOpen(ctx context.Context, ip string, port int) bool {
	addr := net.JoinHostPort(ip, strconv.Itoa(port))
	dialer := net.Dialer{Timeout: d.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// pingHost sends a single ICMP echo and reports liveness and RTT.
func (d *NativeDriver) pingHost(ctx context.Context, ip string) (bool, time.Duration) {
	pinger, err := probing.NewPinger(ip)
	if err != nil {
		d.logger.Debug("failed to create pinger", zap.String("ip", ip), zap.Error(err))
		return false, 0
	}
	pinger.Count = 1
	pinger.Timeout = d.pingTimeout
	pinger.SetPrivileged(runtime.GOOS == "windows")

	done := make(chan struct{})
	go func() {
		defer close(done)
		if runErr := pinger.Run(); runErr != nil {
			d.logger.Debug("ping failed", zap.String("ip", ip), zap.Error(runErr))
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
		pinger.Stop()
		return false, 0
	}

	stats := pinger.Statistics()
	if stats.PacketsRecv > 0 {
		return true, stats.AvgRtt
	}
	return false, 0
}

func reverseLookup(ctx context.Context, ip string) string {
	lookupCtx, cancel := context.WithTimeout(ctx, dnsTimeout)
	defer cancel()

	names, err := net.DefaultResolver.LookupAddr(lookupCtx, ip)
	if err != nil || len(names) == 0 {
		return ""
	}
	name := names[0]
	if len(name) > 0 && name[len(name)-1] == '.' {
		name = name[:len(name)-1]
	}
	return name
}
