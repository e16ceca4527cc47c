package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/malbeclabs/netpulse/internal/latency"
	"github.com/malbeclabs/netpulse/internal/throughput"
	"gopkg.in/yaml.v3"
)

const (
	ProbeModeExec = "exec"
	ProbeModeICMP = "icmp"

	defaultInfluxURL     = "http://influxdb:8086"
	defaultInfluxOrg     = "NetworkMonitoring"
	defaultInfluxBucket  = "network_metrics"
	defaultInfluxVersion = 2

	defaultCollectionInterval = 30 * time.Second
	defaultSpeedTestGate      = 5
	defaultFailureBackoff     = 10 * time.Second
)

var (
	defaultTargets = []latency.Target{
		{Host: "8.8.8.8", Name: "Google DNS"},
		{Host: "1.1.1.1", Name: "Cloudflare DNS"},
	}

	DefaultDownloadSources = []string{
		"http://speedtest.tele2.net/10MB.zip",
		"https://proof.ovh.net/files/10Mb.dat",
		"http://cachefly.cachefly.net/10mb.test",
		"https://speed.hetzner.de/100MB.bin",
	}
	DefaultUploadEndpoints = []string{
		"https://speed.cloudflare.com/__up",
		"https://httpbin.org/post",
	}
)

type InfluxConfig struct {
	URL     string
	Token   string
	Org     string
	Bucket  string
	Version int
}

// Enabled reports whether batches should be written to InfluxDB rather than
// logged.
func (c InfluxConfig) Enabled() bool {
	return c.Token != ""
}

type SpeedTestConfig struct {
	DownloadSources        []string
	FallbackDownloadSource string
	UploadEndpoints        []string

	Workers            int
	TestDuration       time.Duration
	AttemptTimeout     time.Duration
	SampleSizeBytes    int64
	UploadPayloadBytes int
	UploadTimeout      time.Duration

	Correction throughput.CorrectionPolicy
}

type Config struct {
	Influx InfluxConfig

	Targets              []latency.Target
	Interval             time.Duration
	SpeedTestGateMinutes int
	FailureBackoff       time.Duration

	ProbeMode string
	Probe     latency.ProbeConfig

	SpeedTest SpeedTestConfig
}

// FromEnv builds a Config from environment variables, falling back to
// defaults for anything unset.
func FromEnv() (*Config, error) {
	return fromEnv(os.Getenv)
}

func fromEnv(getenv func(string) string) (*Config, error) {
	e := &envReader{getenv: getenv}

	cfg := &Config{
		Influx: InfluxConfig{
			URL:     e.string("INFLUXDB_URL", defaultInfluxURL),
			Token:   e.string("INFLUXDB_TOKEN", ""),
			Org:     e.string("INFLUXDB_ORG", defaultInfluxOrg),
			Bucket:  e.string("INFLUXDB_BUCKET", defaultInfluxBucket),
			Version: e.int("INFLUXDB_VERSION", defaultInfluxVersion),
		},
		Targets:              targetsFromEnv(getenv),
		Interval:             e.seconds("COLLECTION_INTERVAL", defaultCollectionInterval),
		SpeedTestGateMinutes: e.int("SPEED_TEST_INTERVAL", defaultSpeedTestGate),
		FailureBackoff:       e.seconds("FAILURE_BACKOFF", defaultFailureBackoff),
		ProbeMode:            strings.ToLower(e.string("PROBE_MODE", ProbeModeExec)),
		Probe: latency.ProbeConfig{
			Count:    e.int("PING_COUNT", latency.DefaultCount),
			Interval: e.seconds("PING_INTERVAL", latency.DefaultInterval),
			Timeout:  e.seconds("PING_TIMEOUT", latency.DefaultTimeout),
		},
		SpeedTest: SpeedTestConfig{
			DownloadSources:    DefaultDownloadSources,
			UploadEndpoints:    DefaultUploadEndpoints,
			Workers:            e.int("SPEEDTEST_WORKERS", 3),
			TestDuration:       e.seconds("SPEEDTEST_DURATION", 10*time.Second),
			AttemptTimeout:     e.seconds("SPEEDTEST_TIMEOUT", 15*time.Second),
			SampleSizeBytes:    int64(e.int("SPEEDTEST_SAMPLE_BYTES", 25<<20)),
			UploadPayloadBytes: e.int("UPLOAD_PAYLOAD_BYTES", 5<<20),
			UploadTimeout:      e.seconds("UPLOAD_TIMEOUT", 20*time.Second),
			Correction:         throughput.DefaultCorrectionPolicy(),
		},
	}
	cfg.SpeedTest.Correction.MaxMbps = e.float("SPEEDTEST_MAX_MBPS", cfg.SpeedTest.Correction.MaxMbps)

	if err := e.err(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// targetsFromEnv reads TARGET1..TARGETn until the first unset index. The
// first two fall back to the public DNS defaults.
func targetsFromEnv(getenv func(string) string) []latency.Target {
	var targets []latency.Target
	for i := 1; ; i++ {
		host := strings.TrimSpace(getenv(fmt.Sprintf("TARGET%d", i)))
		name := strings.TrimSpace(getenv(fmt.Sprintf("TARGET%d_NAME", i)))
		if host == "" {
			if i > len(defaultTargets) {
				break
			}
			host = defaultTargets[i-1].Host
			if name == "" {
				name = defaultTargets[i-1].Name
			}
		}
		if name == "" {
			name = host
		}
		targets = append(targets, latency.Target{Host: host, Name: name})
	}
	return targets
}

type fileConfig struct {
	Targets                []latency.Target             `yaml:"targets"`
	DownloadSources        []string                     `yaml:"download_sources"`
	FallbackDownloadSource string                       `yaml:"fallback_download_source"`
	UploadEndpoints        []string                     `yaml:"upload_endpoints"`
	Correction             *throughput.CorrectionPolicy `yaml:"correction"`
}

// LoadFile applies overrides from a YAML file. Keys absent from the file keep
// their current values; correction keys absent from the file keep defaults.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return c.applyYAML(data)
}

func (c *Config) applyYAML(data []byte) error {
	fc := fileConfig{Correction: &c.SpeedTest.Correction}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	if len(fc.Targets) > 0 {
		for i := range fc.Targets {
			if fc.Targets[i].Name == "" {
				fc.Targets[i].Name = fc.Targets[i].Host
			}
		}
		c.Targets = fc.Targets
	}
	if len(fc.DownloadSources) > 0 {
		c.SpeedTest.DownloadSources = fc.DownloadSources
	}
	if fc.FallbackDownloadSource != "" {
		c.SpeedTest.FallbackDownloadSource = fc.FallbackDownloadSource
	}
	if len(fc.UploadEndpoints) > 0 {
		c.SpeedTest.UploadEndpoints = fc.UploadEndpoints
	}
	return nil
}

func (c *Config) Validate() error {
	if len(c.Targets) < 2 {
		return errors.New("at least two targets are required")
	}
	for _, t := range c.Targets {
		if strings.TrimSpace(t.Host) == "" {
			return errors.New("target host must not be empty")
		}
	}
	if c.Interval <= 0 {
		return errors.New("collection interval must be greater than 0")
	}
	if c.SpeedTestGateMinutes < 1 {
		return errors.New("speed test interval must be at least 1 minute")
	}
	if c.FailureBackoff <= 0 {
		return errors.New("failure backoff must be greater than 0")
	}
	if c.ProbeMode != ProbeModeExec && c.ProbeMode != ProbeModeICMP {
		return fmt.Errorf("unknown probe mode %q", c.ProbeMode)
	}
	if c.Probe.Count <= 0 {
		return errors.New("ping count must be greater than 0")
	}
	if c.Probe.Interval <= 0 || c.Probe.Timeout <= 0 {
		return errors.New("ping interval and timeout must be greater than 0")
	}
	if len(c.SpeedTest.DownloadSources) == 0 {
		return errors.New("at least one download source is required")
	}
	if c.SpeedTest.Workers <= 0 {
		return errors.New("speed test workers must be greater than 0")
	}
	if c.SpeedTest.TestDuration <= 0 || c.SpeedTest.AttemptTimeout <= 0 || c.SpeedTest.UploadTimeout <= 0 {
		return errors.New("speed test durations must be greater than 0")
	}
	if c.SpeedTest.SampleSizeBytes <= 0 || c.SpeedTest.UploadPayloadBytes <= 0 {
		return errors.New("speed test sizes must be greater than 0")
	}
	if err := c.SpeedTest.Correction.Validate(); err != nil {
		return fmt.Errorf("invalid correction policy: %w", err)
	}
	if c.Influx.Version != 2 && c.Influx.Version != 3 {
		return fmt.Errorf("unsupported influxdb version %d", c.Influx.Version)
	}
	if c.Influx.Enabled() {
		if c.Influx.URL == "" {
			return errors.New("influxdb url is required")
		}
		if c.Influx.Bucket == "" {
			return errors.New("influxdb bucket is required")
		}
		if c.Influx.Version == 2 && c.Influx.Org == "" {
			return errors.New("influxdb org is required")
		}
	}
	return nil
}

// envReader parses typed values and collects parse failures.
type envReader struct {
	getenv func(string) string
	errs   []error
}

func (e *envReader) string(key, def string) string {
	if v := strings.TrimSpace(e.getenv(key)); v != "" {
		return v
	}
	return def
}

func (e *envReader) int(key string, def int) int {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s %q: %w", key, v, err))
		return def
	}
	return n
}

func (e *envReader) float(key string, def float64) float64 {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s %q: %w", key, v, err))
		return def
	}
	return f
}

// seconds parses a possibly fractional number of seconds.
func (e *envReader) seconds(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s %q: %w", key, v, err))
		return def
	}
	return time.Duration(f * float64(time.Second))
}

func (e *envReader) err() error {
	return errors.Join(e.errs...)
}
