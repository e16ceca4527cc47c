package main

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/malbeclabs/netpulse/internal/config"
	"github.com/malbeclabs/netpulse/internal/latency"
	"github.com/malbeclabs/netpulse/internal/sink"
	"github.com/stretchr/testify/require"
)

func TestNetpulse_formatRFC3339Millis(t *testing.T) {
	t.Parallel()

	ts := time.Date(2024, 5, 1, 12, 10, 3, 45_600_000, time.FixedZone("UTC+2", 2*60*60))
	require.Equal(t, "2024-05-01T10:10:03.045Z", formatRFC3339Millis(ts))
}

func TestNetpulse_newLogger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := newLogger(&buf, false)
	log.Debug("hidden")
	log.Info("runner: tick completed", "tickID", "abc", "empty", "")

	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, "runner: tick completed")
	require.Contains(t, out, "abc")
	require.NotContains(t, out, "empty")
	require.Regexp(t, `\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{3}Z`, out)

	buf.Reset()
	newLogger(&buf, true).Debug("shown")
	require.Contains(t, buf.String(), "shown")
}

func TestNetpulse_newSink(t *testing.T) {
	t.Parallel()

	log := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))

	s, err := newSink(log, config.InfluxConfig{Version: 2})
	require.NoError(t, err)
	require.IsType(t, &sink.LogSink{}, s)

	s, err = newSink(log, config.InfluxConfig{URL: "http://localhost:8086", Token: "t", Org: "o", Bucket: "b", Version: 2})
	require.NoError(t, err)
	require.IsType(t, &sink.InfluxSink{}, s)
	require.NoError(t, s.Close())

	s, err = newSink(log, config.InfluxConfig{URL: "http://localhost:8181", Token: "t", Bucket: "b", Version: 3})
	require.NoError(t, err)
	require.IsType(t, &sink.InfluxV3Sink{}, s)
	require.NoError(t, s.Close())
}

func TestNetpulse_newProber(t *testing.T) {
	t.Parallel()

	log := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))

	p, err := newProber(log, &config.Config{ProbeMode: config.ProbeModeExec}, false)
	require.NoError(t, err)
	require.IsType(t, &latency.ExecProber{}, p)

	p, err = newProber(log, &config.Config{ProbeMode: config.ProbeModeICMP}, false)
	require.NoError(t, err)
	require.IsType(t, &latency.ICMPProber{}, p)
}
