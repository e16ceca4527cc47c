package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"
	"github.com/malbeclabs/netpulse/internal/collector"
	"github.com/malbeclabs/netpulse/internal/config"
	"github.com/malbeclabs/netpulse/internal/control"
	"github.com/malbeclabs/netpulse/internal/latency"
	"github.com/malbeclabs/netpulse/internal/metrics"
	"github.com/malbeclabs/netpulse/internal/sink"
	"github.com/malbeclabs/netpulse/internal/throughput"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	_ "net/http/pprof"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr  = ":8080"
	defaultMetricsAddr = ":9090"
)

type closingSink interface {
	collector.Sink
	Close() error
}

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	showVersionFlag := flag.Bool("version", false, "show version and exit")
	verboseFlag := flag.Bool("verbose", false, "verbose mode - show debug logs")
	enablePprofFlag := flag.Bool("enable-pprof", false, "enable pprof server")
	configPathFlag := flag.String("config", "", "optional yaml file overriding targets, speed test endpoints and correction policy")
	icmpPrivilegedFlag := flag.Bool("icmp-privileged", false, "use raw sockets when the probe mode is icmp")

	// Control plane configuration.
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "Address to listen on for the manual test and health endpoints")

	// Prometheus metrics configuration.
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "Address to listen on for prometheus metrics")

	flag.Parse()

	if *showVersionFlag {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		os.Exit(0)
	}

	log := newLogger(os.Stdout, *verboseFlag)

	// Environment variables may come from a .env file in the working directory.
	_ = godotenv.Load()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Error("failed to read configuration from environment", "error", err)
		return err
	}
	if *configPathFlag != "" {
		if err := cfg.LoadFile(*configPathFlag); err != nil {
			log.Error("failed to load config file", "path", *configPathFlag, "error", err)
			return err
		}
	}
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		return err
	}

	// Start pprof server
	if *enablePprofFlag {
		go func() {
			log.Info("starting pprof server", "address", "localhost:6060")
			err := http.ListenAndServe("localhost:6060", nil)
			if err != nil {
				log.Error("failed to start pprof server", "error", err)
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Set up prometheus metrics server if enabled.
	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", *metricsAddrFlag)
			if err != nil {
				log.Error("Failed to start prometheus metrics server listener", "error", err)
				os.Exit(1)
			}
			log.Info("Prometheus metrics server listening", "address", listener.Addr().String())
			http.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, nil); err != nil {
				log.Error("Failed to start prometheus metrics server", "error", err)
				os.Exit(1)
			}
		}()
	}

	prober, err := newProber(log, cfg, *icmpPrivilegedFlag)
	if err != nil {
		log.Error("failed to create prober", "error", err)
		return err
	}

	estimator, err := throughput.NewEstimator(log, &throughput.EstimatorConfig{
		DownloadSources:        cfg.SpeedTest.DownloadSources,
		FallbackDownloadSource: cfg.SpeedTest.FallbackDownloadSource,
		UploadEndpoints:        cfg.SpeedTest.UploadEndpoints,
		Workers:                cfg.SpeedTest.Workers,
		TestDuration:           cfg.SpeedTest.TestDuration,
		SampleSizeBytes:        cfg.SpeedTest.SampleSizeBytes,
		AttemptTimeout:         cfg.SpeedTest.AttemptTimeout,
		UploadPayloadBytes:     cfg.SpeedTest.UploadPayloadBytes,
		UploadTimeout:          cfg.SpeedTest.UploadTimeout,
		Policy:                 cfg.SpeedTest.Correction,
	})
	if err != nil {
		log.Error("failed to create estimator", "error", err)
		return err
	}
	defer estimator.Close()

	batchSink, err := newSink(log, cfg.Influx)
	if err != nil {
		log.Error("failed to create sink", "error", err)
		return err
	}
	defer func() {
		if err := batchSink.Close(); err != nil {
			log.Warn("failed to close sink", "error", err)
		}
	}()

	runner, err := collector.NewRunner(log, &collector.RunnerConfig{
		Clock: clockwork.NewRealClock(),

		Targets:   cfg.Targets,
		Prober:    prober,
		Estimator: estimator,
		Sink:      batchSink,

		// Schedule configuration.
		Interval:             cfg.Interval,
		SpeedTestGateMinutes: cfg.SpeedTestGateMinutes,
		FailureBackoff:       cfg.FailureBackoff,
	})
	if err != nil {
		log.Error("failed to create runner", "error", err)
		return err
	}

	server, err := control.New(log, control.Config{
		Runner:          runner,
		ReadyRetryAfter: cfg.Interval,
	})
	if err != nil {
		log.Error("failed to create control server", "error", err)
		return err
	}
	listener, err := net.Listen("tcp", *listenAddrFlag)
	if err != nil {
		log.Error("failed to listen for control server", "address", *listenAddrFlag, "error", err)
		return err
	}
	serverErrCh := server.Start(ctx, listener)

	runnerErrCh := runner.Start(ctx)
	select {
	case err, ok := <-runnerErrCh:
		if ok && err != nil {
			log.Error("runner: error", "error", err)
			return err
		}
	case err, ok := <-serverErrCh:
		if ok && err != nil {
			log.Error("control: error", "error", err)
			return err
		}
	case <-ctx.Done():
		log.Info("context done, stopping")
	}

	// Let the runner finish its current tick before closing the sink.
	cancel()
	<-runnerErrCh

	return nil
}

func newProber(log *slog.Logger, cfg *config.Config, privileged bool) (latency.Prober, error) {
	switch cfg.ProbeMode {
	case config.ProbeModeICMP:
		return latency.NewICMPProber(log, cfg.Probe, privileged)
	default:
		return latency.NewExecProber(log, cfg.Probe)
	}
}

func newSink(log *slog.Logger, cfg config.InfluxConfig) (closingSink, error) {
	if !cfg.Enabled() {
		log.Warn("INFLUXDB_TOKEN is not set, batches will be logged instead of stored")
		return sink.NewLogSink(log), nil
	}
	influxCfg := &sink.InfluxConfig{
		URL:    cfg.URL,
		Token:  cfg.Token,
		Org:    cfg.Org,
		Bucket: cfg.Bucket,
	}
	if cfg.Version == 3 {
		return sink.NewInfluxV3Sink(log, influxCfg)
	}
	return sink.NewInfluxSink(log, influxCfg)
}

const logTimeLayout = "2006-01-02T15:04:05.000Z07:00"

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:       level,
		ReplaceAttr: rewriteLogAttr,
	}))
}

// rewriteLogAttr stamps records in UTC with millisecond precision and drops
// empty string attributes.
func rewriteLogAttr(_ []string, a slog.Attr) slog.Attr {
	switch {
	case a.Key == slog.TimeKey && a.Value.Kind() == slog.KindTime:
		return slog.String(a.Key, formatRFC3339Millis(a.Value.Time()))
	case a.Value.Kind() == slog.KindString && a.Value.String() == "":
		return slog.Attr{}
	}
	return a
}

func formatRFC3339Millis(t time.Time) string {
	return t.UTC().Format(logTimeLayout)
}
