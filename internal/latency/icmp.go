package latency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

const defaultICMPSize = 56 // 64 bytes - 8 byte ICMP header

// ICMPProber sends echo requests directly instead of shelling out to ping.
type ICMPProber struct {
	log *slog.Logger
	cfg ProbeConfig

	Privileged bool
}

func NewICMPProber(log *slog.Logger, cfg ProbeConfig, privileged bool) (*ICMPProber, error) {
	if log == nil {
		return nil, errors.New("log is nil")
	}
	cfg.setDefaults()
	return &ICMPProber{log: log, cfg: cfg, Privileged: privileged}, nil
}

func (p *ICMPProber) Probe(ctx context.Context, target Target) Sample {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	pinger, err := probing.NewPinger(target.Host)
	if err != nil {
		p.log.Warn("latency: failed to create pinger", "target", target.Name, "host", target.Host, "error", err)
		return Unreachable(target)
	}
	defer pinger.Stop()
	pinger.SetPrivileged(p.Privileged)
	pinger.Count = p.cfg.Count
	pinger.Interval = p.cfg.Interval
	pinger.Timeout = p.cfg.Timeout
	pinger.Size = defaultICMPSize

	if err := pinger.RunWithContext(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			p.log.Error("latency: icmp probe timed out", "target", target.Name, "host", target.Host, "timeout", p.cfg.Timeout)
		} else {
			p.log.Warn("latency: icmp probe failed", "target", target.Name, "host", target.Host, "error", err)
		}
		return Unreachable(target)
	}

	return sampleFromStatistics(target, pinger.Statistics())
}

func sampleFromStatistics(target Target, stats *probing.Statistics) Sample {
	// Complete loss is reported the same way as a failed ping run.
	if stats == nil || stats.PacketsRecv == 0 {
		return Unreachable(target)
	}
	return Sample{
		Target:        target,
		Reachable:     true,
		PacketLossPct: stats.PacketLoss,
		RTT: &RTT{
			Min:    durationMillis(stats.MinRtt),
			Avg:    durationMillis(stats.AvgRtt),
			Max:    durationMillis(stats.MaxRtt),
			StdDev: durationMillis(stats.StdDevRtt),
		},
	}
}

func durationMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func (p *ICMPProber) String() string {
	return fmt.Sprintf("icmp(count=%d, interval=%s, timeout=%s)", p.cfg.Count, p.cfg.Interval, p.cfg.Timeout)
}
