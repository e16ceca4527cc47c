package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "netpulse_build_info",
			Help: "Build information of netpulse",
		},
		[]string{"version", "commit", "date"},
	)

	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "netpulse_tick_duration_seconds",
		Help:    "Duration of a sampling tick",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s .. 64s
	})

	TickTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netpulse_tick_total",
		Help: "Total number of sampling ticks",
	}, []string{"kind", "result"})

	ProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netpulse_probes_total",
		Help: "Total number of latency probes by target and outcome",
	}, []string{"target", "result"})

	SpeedTestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netpulse_speed_tests_total",
		Help: "Total number of ticks by speed test decision",
	}, []string{"decision"})

	SpeedTestAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netpulse_speed_test_attempts_total",
		Help: "Total number of individual download/upload attempts",
	}, []string{"direction", "strategy", "result"})

	SpeedTestMbps = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "netpulse_speed_test_mbps",
		Help: "Last reported throughput estimate in Mbps",
	}, []string{"direction"})

	SinkWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netpulse_sink_writes_total",
		Help: "Total number of batch writes to the sink",
	}, []string{"result"})

	ManualTriggersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netpulse_manual_triggers_total",
		Help: "Total number of manual tick requests",
	}, []string{"result"})
)
