package collector

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/netpulse/internal/latency"
	"github.com/malbeclabs/netpulse/internal/throughput"
	"github.com/stretchr/testify/require"
)

var (
	reachableTarget   = latency.Target{Host: "8.8.8.8", Name: "Google DNS"}
	unreachableTarget = latency.Target{Host: "10.255.255.1", Name: "Blackhole"}
)

func TestCollector_ShouldSpeedTest(t *testing.T) {
	t.Parallel()

	at := func(minute int) time.Time {
		return time.Date(2024, 5, 1, 12, minute, 30, 0, time.UTC)
	}

	require.True(t, ShouldSpeedTest(at(10), 5))
	require.False(t, ShouldSpeedTest(at(11), 5))
	require.True(t, ShouldSpeedTest(at(0), 5))
	require.True(t, ShouldSpeedTest(at(55), 5))
	require.True(t, ShouldSpeedTest(at(7), 1))
	require.False(t, ShouldSpeedTest(at(10), 0))
}

func TestCollector_RunnerConfig_Validate(t *testing.T) {
	t.Parallel()

	valid := func() *RunnerConfig {
		return &RunnerConfig{
			Clock:                clockwork.NewFakeClock(),
			Targets:              []latency.Target{reachableTarget},
			Prober:               &fakeProber{},
			Estimator:            &fakeEstimator{},
			Sink:                 newFakeSink(nil),
			Interval:             30 * time.Second,
			SpeedTestGateMinutes: 5,
			FailureBackoff:       10 * time.Second,
		}
	}
	require.NoError(t, valid().Validate())

	mutations := map[string]func(*RunnerConfig){
		"clock":     func(c *RunnerConfig) { c.Clock = nil },
		"targets":   func(c *RunnerConfig) { c.Targets = nil },
		"prober":    func(c *RunnerConfig) { c.Prober = nil },
		"estimator": func(c *RunnerConfig) { c.Estimator = nil },
		"sink":      func(c *RunnerConfig) { c.Sink = nil },
		"interval":  func(c *RunnerConfig) { c.Interval = 0 },
		"gate":      func(c *RunnerConfig) { c.SpeedTestGateMinutes = 0 },
		"backoff":   func(c *RunnerConfig) { c.FailureBackoff = -time.Second },
	}
	for name, mutate := range mutations {
		cfg := valid()
		mutate(cfg)
		require.Error(t, cfg.Validate(), name)
	}
}

func TestCollector_Runner_Tick_GatedMinuteRunsSpeedTest(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 10, 0, 0, time.UTC))
	est := &fakeEstimator{sample: throughput.Sample{}}
	sink := newFakeSink(nil)
	r := newTestRunner(t, clk, est, sink)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	errCh := r.Start(ctx)

	batch := waitForBatch(t, sink)
	require.True(t, batch.SpeedTested)
	require.False(t, batch.Manual)
	require.Equal(t, throughput.Sample{DownloadMbps: 0, UploadMbps: 0}, batch.Throughput)
	require.Equal(t, int32(1), est.calls.Load())
	require.Equal(t, clk.Now(), batch.TakenAt)

	require.Len(t, batch.Latency, 2)
	require.Equal(t, reachableTarget, batch.Latency[0].Target)
	require.True(t, batch.Latency[0].Reachable)
	require.Equal(t, 0.0, batch.Latency[0].PacketLossPct)
	require.NotNil(t, batch.Latency[0].RTT)
	require.Equal(t, 12.3, batch.Latency[0].RTT.Avg)

	require.Equal(t, unreachableTarget, batch.Latency[1].Target)
	require.False(t, batch.Latency[1].Reachable)
	require.Equal(t, 100.0, batch.Latency[1].PacketLossPct)
	require.Nil(t, batch.Latency[1].RTT)

	last, ok := r.LastTick()
	require.True(t, ok)
	require.Equal(t, batch.TakenAt, last)

	cancel()
	requireStopped(t, errCh)
}

func TestCollector_Runner_Tick_OutsideGateSkipsSpeedTest(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 11, 0, 0, time.UTC))
	est := &fakeEstimator{sample: throughput.Sample{DownloadMbps: 90, UploadMbps: 20}}
	sink := newFakeSink(nil)
	r := newTestRunner(t, clk, est, sink)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	errCh := r.Start(ctx)

	batch := waitForBatch(t, sink)
	require.False(t, batch.SpeedTested)
	require.Equal(t, throughput.Sample{}, batch.Throughput)
	require.Equal(t, int32(0), est.calls.Load())

	cancel()
	requireStopped(t, errCh)
}

func TestCollector_Runner_Start_SecondRunReportsError(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 11, 0, 0, time.UTC))
	sink := newFakeSink(nil)
	r := newTestRunner(t, clk, &fakeEstimator{}, sink)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	errCh := r.Start(ctx)
	waitForBatch(t, sink)

	// The error is kept until someone reads it.
	secondErrCh := r.Start(ctx)
	require.Eventually(t, func() bool { return len(secondErrCh) == 1 }, 5*time.Second, 10*time.Millisecond)
	err, ok := <-secondErrCh
	require.True(t, ok)
	require.ErrorIs(t, err, ErrAlreadyRunning)
	_, ok = <-secondErrCh
	require.False(t, ok)

	cancel()
	requireStopped(t, errCh)
}

func TestCollector_Runner_WaitsIntervalBetweenTicks(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 10, 0, 0, time.UTC))
	est := &fakeEstimator{sample: throughput.Sample{DownloadMbps: 90, UploadMbps: 20}}
	sink := newFakeSink(nil)
	r := newTestRunner(t, clk, est, sink)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	errCh := r.Start(ctx)

	first := waitForBatch(t, sink)
	require.Equal(t, throughput.Sample{DownloadMbps: 90, UploadMbps: 20}, first.Throughput)

	require.NoError(t, clk.BlockUntilContext(ctx, 1))
	clk.Advance(30 * time.Second)

	second := waitForBatch(t, sink)
	require.NotEqual(t, first.ID, second.ID)
	require.Equal(t, first.TakenAt.Add(30*time.Second), second.TakenAt)
	// 12:10:30 is still inside the gated minute.
	require.True(t, second.SpeedTested)

	cancel()
	requireStopped(t, errCh)
}

func TestCollector_Runner_PanickingTickBacksOff(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 11, 0, 0, time.UTC))
	sink := newFakeSink(nil)

	var calls atomic.Int32
	prober := &fakeProber{fn: func(ctx context.Context, target latency.Target) latency.Sample {
		if calls.Add(1) == 1 {
			panic("probe exploded")
		}
		return defaultProbe(ctx, target)
	}}

	r, err := NewRunner(newTestLogger(), &RunnerConfig{
		Clock:                clk,
		Targets:              []latency.Target{reachableTarget},
		Prober:               prober,
		Estimator:            &fakeEstimator{},
		Sink:                 sink,
		Interval:             30 * time.Second,
		SpeedTestGateMinutes: 5,
		FailureBackoff:       10 * time.Second,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	errCh := r.Start(ctx)

	require.NoError(t, clk.BlockUntilContext(ctx, 1))
	require.Equal(t, 0, sink.len())
	_, ok := r.LastTick()
	require.False(t, ok)

	// The failure backoff is shorter than the interval, so a batch after
	// advancing by the backoff proves the backoff timer was used.
	clk.Advance(10 * time.Second)

	batch := waitForBatch(t, sink)
	require.Len(t, batch.Latency, 1)
	require.True(t, batch.Latency[0].Reachable)
	require.Equal(t, time.Date(2024, 5, 1, 12, 11, 10, 0, time.UTC), batch.TakenAt)

	cancel()
	requireStopped(t, errCh)
}

func TestCollector_Runner_SinkFailureStillCompletesTick(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 11, 0, 0, time.UTC))
	sink := newFakeSink(errors.New("influx unavailable"))
	r := newTestRunner(t, clk, &fakeEstimator{}, sink)
	t.Cleanup(r.pool.StopAndWait)

	require.NoError(t, r.tick(t.Context(), uuid.New(), false))
	require.Equal(t, 1, sink.len())

	_, ok := r.LastTick()
	require.True(t, ok)
}

func TestCollector_Runner_ManualTrigger(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 11, 0, 0, time.UTC))
	est := &fakeEstimator{sample: throughput.Sample{DownloadMbps: 120, UploadMbps: 30}}
	sink := newFakeSink(nil)
	r := newTestRunner(t, clk, est, sink)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	errCh := r.Start(ctx)

	scheduled := waitForBatch(t, sink)
	require.False(t, scheduled.SpeedTested)

	require.NoError(t, clk.BlockUntilContext(ctx, 1))
	id, err := r.Trigger()
	require.NoError(t, err)

	manual := waitForBatch(t, sink)
	require.Equal(t, id, manual.ID)
	require.True(t, manual.Manual)
	require.True(t, manual.SpeedTested)
	require.Equal(t, throughput.Sample{DownloadMbps: 120, UploadMbps: 30}, manual.Throughput)
	require.Equal(t, int32(1), est.calls.Load())

	// The scheduled timer keeps running across the manual tick.
	require.NoError(t, clk.BlockUntilContext(ctx, 1))
	clk.Advance(30 * time.Second)
	next := waitForBatch(t, sink)
	require.False(t, next.Manual)

	cancel()
	requireStopped(t, errCh)
}

func TestCollector_Runner_Trigger_Pending(t *testing.T) {
	t.Parallel()

	r := newTestRunner(t, clockwork.NewFakeClock(), &fakeEstimator{}, newFakeSink(nil))
	t.Cleanup(r.pool.StopAndWait)

	_, err := r.Trigger()
	require.NoError(t, err)

	_, err = r.Trigger()
	require.ErrorIs(t, err, ErrTriggerPending)
}

func TestCollector_NewRunner_validation(t *testing.T) {
	t.Parallel()

	_, err := NewRunner(nil, &RunnerConfig{})
	require.Error(t, err)

	_, err = NewRunner(newTestLogger(), nil)
	require.Error(t, err)

	_, err = NewRunner(newTestLogger(), &RunnerConfig{})
	require.Error(t, err)
}

type fakeProber struct {
	fn func(ctx context.Context, target latency.Target) latency.Sample
}

func (p *fakeProber) Probe(ctx context.Context, target latency.Target) latency.Sample {
	if p.fn != nil {
		return p.fn(ctx, target)
	}
	return defaultProbe(ctx, target)
}

func defaultProbe(_ context.Context, target latency.Target) latency.Sample {
	if target == unreachableTarget {
		return latency.Unreachable(target)
	}
	return latency.Sample{
		Target:    target,
		Reachable: true,
		RTT:       &latency.RTT{Min: 11.9, Avg: 12.3, Max: 13.1, StdDev: 0.4},
	}
}

type fakeEstimator struct {
	sample throughput.Sample
	calls  atomic.Int32
}

func (e *fakeEstimator) Estimate(context.Context) throughput.Sample {
	e.calls.Add(1)
	return e.sample
}

type fakeSink struct {
	err     error
	batches chan *Batch
	count   atomic.Int32
}

func newFakeSink(err error) *fakeSink {
	return &fakeSink{err: err, batches: make(chan *Batch, 16)}
}

func (s *fakeSink) Write(_ context.Context, batch *Batch) error {
	s.count.Add(1)
	s.batches <- batch
	return s.err
}

func (s *fakeSink) len() int {
	return int(s.count.Load())
}

func newTestRunner(t *testing.T, clk clockwork.Clock, est Estimator, sink Sink) *Runner {
	t.Helper()
	r, err := NewRunner(newTestLogger(), &RunnerConfig{
		Clock:                clk,
		Targets:              []latency.Target{reachableTarget, unreachableTarget},
		Prober:               &fakeProber{},
		Estimator:            est,
		Sink:                 sink,
		Interval:             30 * time.Second,
		SpeedTestGateMinutes: 5,
		FailureBackoff:       10 * time.Second,
	})
	require.NoError(t, err)
	return r
}

func waitForBatch(t *testing.T, sink *fakeSink) *Batch {
	t.Helper()
	select {
	case b := <-sink.batches:
		return b
	case <-time.After(5 * time.Second):
		require.FailNow(t, "timed out waiting for batch")
		return nil
	}
}

func requireStopped(t *testing.T, errCh <-chan error) {
	t.Helper()
	select {
	case err, ok := <-errCh:
		if ok {
			require.NoError(t, err)
		}
	case <-time.After(5 * time.Second):
		require.FailNow(t, "runner did not stop")
	}
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}
