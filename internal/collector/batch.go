package collector

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/malbeclabs/netpulse/internal/latency"
	"github.com/malbeclabs/netpulse/internal/throughput"
)

// Batch is the set of measurements produced by one tick. Latency samples are
// in configured target order. A batch is never modified after it is handed to
// the sink.
type Batch struct {
	ID      uuid.UUID
	TakenAt time.Time

	Latency    []latency.Sample
	Throughput throughput.Sample

	// SpeedTested is false when the tick fell outside the speed test gate, in
	// which case Throughput is zero.
	SpeedTested bool
	Manual      bool
}

type Estimator interface {
	Estimate(ctx context.Context) throughput.Sample
}

// Sink receives one batch per completed tick.
type Sink interface {
	Write(ctx context.Context, batch *Batch) error
}

// ShouldSpeedTest reports whether a scheduled tick at now runs the throughput
// estimator.
func ShouldSpeedTest(now time.Time, gateMinutes int) bool {
	if gateMinutes <= 0 {
		return false
	}
	return now.Minute()%gateMinutes == 0
}
