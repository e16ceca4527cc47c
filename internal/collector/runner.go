package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/netpulse/internal/latency"
	"github.com/malbeclabs/netpulse/internal/metrics"
)

var (
	ErrTriggerPending = errors.New("a manual tick is already pending")
	ErrAlreadyRunning = errors.New("runner is already running")
)

type RunnerConfig struct {
	Clock clockwork.Clock

	Targets   []latency.Target
	Prober    latency.Prober
	Estimator Estimator
	Sink      Sink

	// Schedule configuration.
	Interval             time.Duration
	SpeedTestGateMinutes int
	FailureBackoff       time.Duration
}

func (cfg *RunnerConfig) Validate() error {
	if cfg.Clock == nil {
		return errors.New("clock is required")
	}
	if len(cfg.Targets) == 0 {
		return errors.New("at least one target is required")
	}
	if cfg.Prober == nil {
		return errors.New("prober is required")
	}
	if cfg.Estimator == nil {
		return errors.New("estimator is required")
	}
	if cfg.Sink == nil {
		return errors.New("sink is required")
	}
	if cfg.Interval <= 0 {
		return errors.New("interval must be greater than 0")
	}
	if cfg.SpeedTestGateMinutes < 1 {
		return errors.New("speed test gate must be at least 1 minute")
	}
	if cfg.FailureBackoff <= 0 {
		return errors.New("failure backoff must be greater than 0")
	}
	return nil
}

type manualRequest struct {
	id uuid.UUID
}

// Runner drives the sampling loop: probe every target, optionally estimate
// throughput, hand the batch to the sink, then wait. Ticks never overlap;
// manual ticks run on the same goroutine between scheduled ones.
type Runner struct {
	log *slog.Logger
	cfg *RunnerConfig

	pool    pond.ResultPool[latency.Sample]
	backoff backoff.BackOff
	manual  chan manualRequest

	running  atomic.Bool
	lastTick atomic.Pointer[time.Time]
}

func NewRunner(log *slog.Logger, cfg *RunnerConfig) (*Runner, error) {
	if log == nil {
		return nil, errors.New("log is nil")
	}
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Runner{
		log: log,
		cfg: cfg,

		pool:    pond.NewResultPool[latency.Sample](len(cfg.Targets)),
		backoff: backoff.NewConstantBackOff(cfg.FailureBackoff),
		manual:  make(chan manualRequest, 1),
	}, nil
}

// Trigger requests an ad-hoc tick with the speed test forced. It does not
// wait for the tick to run.
func (r *Runner) Trigger() (uuid.UUID, error) {
	req := manualRequest{id: uuid.New()}
	select {
	case r.manual <- req:
		metrics.ManualTriggersTotal.WithLabelValues("accepted").Inc()
		r.log.Info("runner: manual tick requested", "tickID", req.id)
		return req.id, nil
	default:
		metrics.ManualTriggersTotal.WithLabelValues("pending").Inc()
		return uuid.Nil, ErrTriggerPending
	}
}

// LastTick returns the time of the most recently completed tick.
func (r *Runner) LastTick() (time.Time, bool) {
	t := r.lastTick.Load()
	if t == nil {
		return time.Time{}, false
	}
	return *t, true
}

func (r *Runner) Start(ctx context.Context) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := r.Run(ctx); err != nil {
			r.log.Error("runner: exited with error", "error", err)
			errCh <- err
		}
	}()
	return errCh
}

// Run ticks until ctx is done. A runner runs at most once; later calls
// return ErrAlreadyRunning.
func (r *Runner) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer r.pool.StopAndWait()

	r.log.Info("runner: starting",
		"targets", len(r.cfg.Targets),
		"interval", r.cfg.Interval,
		"speedTestGateMinutes", r.cfg.SpeedTestGateMinutes,
		"failureBackoff", r.cfg.FailureBackoff,
	)

	for {
		wait := r.cfg.Interval
		if err := r.tick(ctx, uuid.New(), false); err != nil {
			if ctx.Err() != nil {
				r.log.Info("runner: context done, stopping", "reason", ctx.Err())
				return nil
			}
			wait = r.backoff.NextBackOff()
			r.log.Error("runner: tick failed, backing off", "error", err, "backoff", wait)
		} else {
			r.backoff.Reset()
		}

		if !r.wait(ctx, wait) {
			r.log.Info("runner: context done, stopping", "reason", ctx.Err())
			return nil
		}
	}
}

// wait blocks for d, running any manual ticks requested in the meantime. It
// returns false when ctx is done.
func (r *Runner) wait(ctx context.Context, d time.Duration) bool {
	timer := r.cfg.Clock.NewTimer(d)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.Chan():
			return true
		case req := <-r.manual:
			if err := r.tick(ctx, req.id, true); err != nil {
				if ctx.Err() != nil {
					return false
				}
				r.log.Error("runner: manual tick failed", "tickID", req.id, "error", err)
			}
		}
	}
}

func (r *Runner) tick(ctx context.Context, id uuid.UUID, manual bool) (err error) {
	startedAt := r.cfg.Clock.Now()
	kind := "scheduled"
	if manual {
		kind = "manual"
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("recovered from panic: %v", rec)
		}
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.TickTotal.WithLabelValues(kind, result).Inc()
		metrics.TickDuration.Observe(r.cfg.Clock.Since(startedAt).Seconds())
	}()

	samples, err := r.probe(ctx)
	if err != nil {
		return fmt.Errorf("failed to probe targets: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	batch := &Batch{
		ID:      id,
		Latency: samples,
		Manual:  manual,
	}
	if manual || ShouldSpeedTest(startedAt, r.cfg.SpeedTestGateMinutes) {
		metrics.SpeedTestsTotal.WithLabelValues("run").Inc()
		batch.SpeedTested = true
		batch.Throughput = r.cfg.Estimator.Estimate(ctx)
	} else {
		metrics.SpeedTestsTotal.WithLabelValues("skipped").Inc()
		r.log.Debug("runner: outside speed test gate, skipping", "minute", startedAt.Minute(), "gateMinutes", r.cfg.SpeedTestGateMinutes)
	}
	batch.TakenAt = r.cfg.Clock.Now().UTC()

	if err := r.cfg.Sink.Write(ctx, batch); err != nil {
		metrics.SinkWritesTotal.WithLabelValues("error").Inc()
		r.log.Error("runner: failed to write batch, dropping it", "batchID", batch.ID, "error", err)
	} else {
		metrics.SinkWritesTotal.WithLabelValues("ok").Inc()
	}

	r.lastTick.Store(&batch.TakenAt)

	reachable := 0
	for _, s := range samples {
		if s.Reachable {
			reachable++
		}
	}
	r.log.Info("runner: tick",
		"batchID", batch.ID,
		"manual", manual,
		"reachable", reachable,
		"targets", len(samples),
		"speedTested", batch.SpeedTested,
		"downloadMbps", batch.Throughput.DownloadMbps,
		"uploadMbps", batch.Throughput.UploadMbps,
		"goroutines", runtime.NumGoroutine(),
	)
	return nil
}

// probe runs one probe per target concurrently and returns the samples in
// target order.
func (r *Runner) probe(ctx context.Context) ([]latency.Sample, error) {
	group := r.pool.NewGroupContext(ctx)
	for _, target := range r.cfg.Targets {
		group.Submit(func() latency.Sample {
			s := r.cfg.Prober.Probe(ctx, target)
			result := "reachable"
			if !s.Reachable {
				result = "unreachable"
			}
			metrics.ProbesTotal.WithLabelValues(target.Host, result).Inc()
			return s
		})
	}
	return group.Wait()
}
