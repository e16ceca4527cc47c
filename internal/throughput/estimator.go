package throughput

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/malbeclabs/netpulse/internal/metrics"
)

const (
	defaultWorkers            = 3
	defaultTestDuration       = 10 * time.Second
	defaultSampleSizeBytes    = 25 << 20
	defaultAttemptTimeout     = 15 * time.Second
	defaultUploadPayloadBytes = 5 << 20
	defaultUploadTimeout      = 20 * time.Second

	maxUploadEndpoints = 2

	// raceGrace is added to the attempt timeout to form the deadline of the
	// whole download race.
	raceGrace = 2 * time.Second
)

type Strategy string

const (
	StrategyRace     Strategy = "race"
	StrategyFallback Strategy = "fallback"
	StrategyUpload   Strategy = "upload"
)

type EstimatorConfig struct {
	HTTPClient *http.Client

	DownloadSources        []string
	FallbackDownloadSource string
	UploadEndpoints        []string

	Workers            int
	TestDuration       time.Duration
	SampleSizeBytes    int64
	AttemptTimeout     time.Duration
	UploadPayloadBytes int
	UploadTimeout      time.Duration

	Policy CorrectionPolicy
}

func (cfg *EstimatorConfig) Validate() error {
	if len(cfg.DownloadSources) == 0 && cfg.FallbackDownloadSource == "" {
		return errors.New("at least one download source is required")
	}
	if err := cfg.Policy.Validate(); err != nil {
		return fmt.Errorf("invalid correction policy: %w", err)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.TestDuration <= 0 {
		cfg.TestDuration = defaultTestDuration
	}
	if cfg.SampleSizeBytes <= 0 {
		cfg.SampleSizeBytes = defaultSampleSizeBytes
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = defaultAttemptTimeout
	}
	if cfg.UploadPayloadBytes <= 0 {
		cfg.UploadPayloadBytes = defaultUploadPayloadBytes
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = defaultUploadTimeout
	}
	return nil
}

// Estimator measures download and upload bandwidth against public test
// endpoints. It never returns an error; failures produce zero estimates.
type Estimator struct {
	log *slog.Logger
	cfg *EstimatorConfig

	pool    pond.ResultPool[float64]
	payload []byte
}

func NewEstimator(log *slog.Logger, cfg *EstimatorConfig) (*Estimator, error) {
	if log == nil {
		return nil, errors.New("log is nil")
	}
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Estimator{
		log:     log,
		cfg:     cfg,
		pool:    pond.NewResultPool[float64](cfg.Workers),
		payload: bytes.Repeat([]byte{'0'}, cfg.UploadPayloadBytes),
	}, nil
}

// Close stops the download worker pool.
func (e *Estimator) Close() {
	e.pool.StopAndWait()
}

// Estimate runs a full download and upload measurement and returns the
// corrected, clamped sample.
func (e *Estimator) Estimate(ctx context.Context) (sample Sample) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("estimator: recovered from panic", "panic", r)
			sample = Sample{}
		}
	}()

	startedAt := time.Now()

	download := e.measureDownload(ctx)
	upload, ok := e.measureUpload(ctx)
	if !ok {
		upload = e.cfg.Policy.UploadFromDownload(download)
		e.log.Warn("estimator: all upload endpoints failed, deriving upload from download", "downloadMbps", download, "uploadMbps", upload)
	}

	sample = e.cfg.Policy.Apply(download, upload)

	metrics.SpeedTestMbps.WithLabelValues("download").Set(float64(sample.DownloadMbps))
	metrics.SpeedTestMbps.WithLabelValues("upload").Set(float64(sample.UploadMbps))
	e.log.Info("estimator: speed test complete",
		"duration", time.Since(startedAt),
		"rawDownloadMbps", download,
		"rawUploadMbps", upload,
		"downloadMbps", sample.DownloadMbps,
		"uploadMbps", sample.UploadMbps,
	)
	return sample
}

func (e *Estimator) raceSources() []string {
	n := min(e.cfg.Workers, len(e.cfg.DownloadSources))
	return e.cfg.DownloadSources[:n]
}

func (e *Estimator) fallbackSource(raced []string) string {
	if e.cfg.FallbackDownloadSource != "" {
		return e.cfg.FallbackDownloadSource
	}
	for _, src := range e.cfg.DownloadSources {
		if !slices.Contains(raced, src) {
			return src
		}
	}
	return ""
}

// measureDownload races the candidate sources and returns the best result,
// falling back to a single source when every racer fails.
func (e *Estimator) measureDownload(ctx context.Context) float64 {
	sources := e.raceSources()
	if best := e.race(ctx, sources); best > 0 {
		return best
	}

	fallback := e.fallbackSource(sources)
	if fallback == "" {
		e.log.Warn("estimator: all download attempts failed and no fallback source is configured")
		return 0
	}
	e.log.Warn("estimator: all download attempts failed, trying fallback source", "source", fallback)
	return e.download(ctx, fallback, StrategyFallback)
}

func (e *Estimator) race(ctx context.Context, sources []string) float64 {
	if len(sources) == 0 {
		return 0
	}

	raceCtx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout+raceGrace)
	defer cancel()

	// Attempts report failure as 0 rather than an error so that one failing
	// source never cancels its siblings. A task panic would surface as a group
	// error, so attempts recover on their own.
	group := e.pool.NewGroupContext(raceCtx)
	for _, src := range sources {
		group.Submit(func() (v float64) {
			defer func() {
				if r := recover(); r != nil {
					metrics.SpeedTestAttemptsTotal.WithLabelValues("download", string(StrategyRace), "fail").Inc()
					e.log.Warn("estimator: download attempt panicked", "source", src, "panic", r)
					v = 0
				}
			}()
			return e.download(raceCtx, src, StrategyRace)
		})
	}
	results, err := group.Wait()
	if err != nil {
		e.log.Warn("estimator: download race ended early", "error", err)
	}
	return maxPositive(results)
}

func (e *Estimator) measureUpload(ctx context.Context) (float64, bool) {
	endpoints := e.cfg.UploadEndpoints
	if len(endpoints) > maxUploadEndpoints {
		endpoints = endpoints[:maxUploadEndpoints]
	}

	var best float64
	var ok bool
	for _, endpoint := range endpoints {
		if ctx.Err() != nil {
			break
		}
		mbps, err := e.upload(ctx, endpoint)
		if err != nil {
			metrics.SpeedTestAttemptsTotal.WithLabelValues("upload", string(StrategyUpload), "fail").Inc()
			e.log.Debug("estimator: upload attempt failed", "endpoint", endpoint, "error", err)
			continue
		}
		metrics.SpeedTestAttemptsTotal.WithLabelValues("upload", string(StrategyUpload), "ok").Inc()
		e.log.Debug("estimator: upload attempt succeeded", "endpoint", endpoint, "mbps", mbps)
		ok = true
		best = max(best, mbps)
	}
	return best, ok
}

func maxPositive(values []float64) float64 {
	var best float64
	for _, v := range values {
		if v > best {
			best = v
		}
	}
	return best
}

// mbps converts a byte count transferred over elapsed into megabits per second.
func mbps(n int64, elapsed time.Duration) float64 {
	if n <= 0 || elapsed <= 0 {
		return 0
	}
	return float64(n) * 8 / elapsed.Seconds() / 1e6
}
