package throughput

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/malbeclabs/netpulse/internal/metrics"
)

const readBufferSize = 32 << 10

// download streams one source and returns the observed Mbps, or 0 on any
// failure.
func (e *Estimator) download(ctx context.Context, url string, strategy Strategy) float64 {
	n, elapsed, err := e.fetch(ctx, url)
	if err != nil {
		metrics.SpeedTestAttemptsTotal.WithLabelValues("download", string(strategy), "fail").Inc()
		e.log.Debug("estimator: download attempt failed", "source", url, "strategy", strategy, "bytes", n, "error", err)
		return 0
	}
	v := mbps(n, elapsed)
	if v <= 0 {
		metrics.SpeedTestAttemptsTotal.WithLabelValues("download", string(strategy), "fail").Inc()
		e.log.Debug("estimator: download attempt received no data", "source", url, "strategy", strategy)
		return 0
	}
	metrics.SpeedTestAttemptsTotal.WithLabelValues("download", string(strategy), "ok").Inc()
	e.log.Debug("estimator: download attempt succeeded", "source", url, "strategy", strategy, "bytes", n, "elapsed", elapsed, "mbps", v)
	return v
}

// fetch reads from url until SampleSizeBytes have arrived, TestDuration has
// elapsed, or the body ends. A read cut short by the attempt deadline still
// counts when some data was received.
func (e *Estimator) fetch(ctx context.Context, url string) (int64, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to create request: %w", err)
	}

	start := time.Now()
	resp, err := e.cfg.HTTPClient.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, 0, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var total int64
	buf := make([]byte, readBufferSize)
	for {
		n, readErr := resp.Body.Read(buf)
		total += int64(n)
		if total >= e.cfg.SampleSizeBytes || time.Since(start) >= e.cfg.TestDuration {
			break
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			if total > 0 && ctx.Err() != nil {
				break
			}
			return total, time.Since(start), fmt.Errorf("failed to read body: %w", readErr)
		}
	}
	return total, time.Since(start), nil
}

// upload posts the synthetic payload to endpoint and returns the observed Mbps.
func (e *Estimator) upload(ctx context.Context, endpoint string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.UploadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(e.payload))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	start := time.Now()
	resp, err := e.cfg.HTTPClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to post payload: %w", err)
	}
	elapsed := time.Since(start)
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, readBufferSize))
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	v := mbps(int64(len(e.payload)), elapsed)
	if v <= 0 {
		return 0, errors.New("no elapsed time measured")
	}
	return v, nil
}
