package latency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"time"
)

// waitDelay bounds how long Output waits on inherited pipes after the
// process has been killed.
const waitDelay = time.Second

// ExecProber probes targets by running the system ping binary and parsing
// its summary output.
type ExecProber struct {
	log *slog.Logger
	cfg ProbeConfig

	// Binary defaults to "ping"; tests point it at a stub script.
	Binary string
}

func NewExecProber(log *slog.Logger, cfg ProbeConfig) (*ExecProber, error) {
	if log == nil {
		return nil, errors.New("log is nil")
	}
	cfg.setDefaults()
	return &ExecProber{log: log, cfg: cfg, Binary: "ping"}, nil
}

func (p *ExecProber) Args(host string) []string {
	return []string{
		"-c", strconv.Itoa(p.cfg.Count),
		"-i", strconv.FormatFloat(p.cfg.Interval.Seconds(), 'f', -1, 64),
		host,
	}
}

func (p *ExecProber) Probe(ctx context.Context, target Target) Sample {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.Binary, p.Args(target.Host)...)
	cmd.WaitDelay = waitDelay
	out, err := cmd.Output()
	if err != nil {
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			p.log.Error("latency: ping timed out", "target", target.Name, "host", target.Host, "timeout", p.cfg.Timeout)
		case isExitError(err):
			p.log.Warn("latency: ping failed", "target", target.Name, "host", target.Host, "error", err)
		default:
			p.log.Error("latency: error running ping", "target", target.Name, "host", target.Host, "error", err)
		}
		return Unreachable(target)
	}

	return SampleFromOutput(target, string(out))
}

func isExitError(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr)
}

func (p *ExecProber) String() string {
	return fmt.Sprintf("exec(%s, count=%d, interval=%s, timeout=%s)", p.Binary, p.cfg.Count, p.cfg.Interval, p.cfg.Timeout)
}
