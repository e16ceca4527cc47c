package latency

import (
	"context"
	"testing"
	"time"

	probing "github.com/prometheus-community/pro-bing"
	"github.com/stretchr/testify/require"
)

func TestLatency_ICMPProber_NewICMPProber_validation(t *testing.T) {
	t.Parallel()

	_, err := NewICMPProber(nil, ProbeConfig{}, false)
	require.Error(t, err)

	p, err := NewICMPProber(newTestLogger(), ProbeConfig{Count: 3}, true)
	require.NoError(t, err)
	require.Equal(t, 3, p.cfg.Count)
	require.Equal(t, DefaultInterval, p.cfg.Interval)
	require.True(t, p.Privileged)
}

func TestLatency_ICMPProber_sampleFromStatistics(t *testing.T) {
	t.Parallel()

	target := Target{Host: "1.1.1.1", Name: "Cloudflare DNS"}

	require.Equal(t, Unreachable(target), sampleFromStatistics(target, nil))
	require.Equal(t, Unreachable(target), sampleFromStatistics(target, &probing.Statistics{
		PacketsSent: 10,
		PacketsRecv: 0,
		PacketLoss:  100,
	}))

	s := sampleFromStatistics(target, &probing.Statistics{
		PacketsSent: 10,
		PacketsRecv: 9,
		PacketLoss:  10,
		MinRtt:      11 * time.Millisecond,
		AvgRtt:      12300 * time.Microsecond,
		MaxRtt:      15 * time.Millisecond,
		StdDevRtt:   500 * time.Microsecond,
	})
	require.True(t, s.Reachable)
	require.Equal(t, 10.0, s.PacketLossPct)
	require.Equal(t, &RTT{Min: 11, Avg: 12.3, Max: 15, StdDev: 0.5}, s.RTT)
}

func TestLatency_ICMPProber_Probe_invalidHost(t *testing.T) {
	t.Parallel()

	p, err := NewICMPProber(newTestLogger(), ProbeConfig{Count: 1, Timeout: time.Second}, false)
	require.NoError(t, err)

	target := Target{Host: "invalid host name.", Name: "bogus"}
	require.Equal(t, Unreachable(target), p.Probe(context.Background(), target))
}
