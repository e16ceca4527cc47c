package latency

import (
	"context"
	"fmt"
	"time"
)

const (
	DefaultCount    = 10
	DefaultInterval = 200 * time.Millisecond
	DefaultTimeout  = 30 * time.Second
)

// Target is a remote host probed on every tick. Identity is Host.
type Target struct {
	Host string `yaml:"host"`
	Name string `yaml:"name"`
}

func (t Target) String() string {
	if t.Name == "" {
		return t.Host
	}
	return fmt.Sprintf("%s (%s)", t.Name, t.Host)
}

// RTT holds round-trip statistics in milliseconds.
type RTT struct {
	Min    float64
	Avg    float64
	Max    float64
	StdDev float64
}

type Sample struct {
	Target        Target
	Reachable     bool
	PacketLossPct float64
	RTT           *RTT
}

// Unreachable returns the sample recorded when a probe fails outright.
func Unreachable(target Target) Sample {
	return Sample{
		Target:        target,
		Reachable:     false,
		PacketLossPct: 100.0,
	}
}

type Prober interface {
	Probe(ctx context.Context, target Target) Sample
}

type ProbeConfig struct {
	Count    int
	Interval time.Duration
	Timeout  time.Duration
}

func (c *ProbeConfig) setDefaults() {
	if c.Count <= 0 {
		c.Count = DefaultCount
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
}
