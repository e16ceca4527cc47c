package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/InfluxCommunity/influxdb3-go/v2/influxdb3"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxdb2api "github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/malbeclabs/netpulse/internal/collector"
)

const defaultWriteTimeout = 10 * time.Second

type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string

	WriteTimeout time.Duration
}

func (cfg *InfluxConfig) Validate() error {
	if cfg.URL == "" {
		return errors.New("influx url is required")
	}
	if cfg.Token == "" {
		return errors.New("influx token is required")
	}
	if cfg.Bucket == "" {
		return errors.New("influx bucket is required")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	return nil
}

// InfluxSink writes batches through the InfluxDB 2 blocking write API.
type InfluxSink struct {
	log     *slog.Logger
	api     influxdb2api.WriteAPIBlocking
	timeout time.Duration
	close   func()
}

var _ collector.Sink = (*InfluxSink)(nil)

func NewInfluxSink(log *slog.Logger, cfg *InfluxConfig) (*InfluxSink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Org == "" {
		return nil, errors.New("influx org is required")
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	s := newInfluxSink(log, client.WriteAPIBlocking(cfg.Org, cfg.Bucket), cfg.WriteTimeout)
	s.close = client.Close
	return s, nil
}

func newInfluxSink(log *slog.Logger, api influxdb2api.WriteAPIBlocking, timeout time.Duration) *InfluxSink {
	return &InfluxSink{log: log, api: api, timeout: timeout, close: func() {}}
}

func (s *InfluxSink) Write(ctx context.Context, batch *collector.Batch) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	points := Points(batch)
	if err := s.api.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("failed to write points: %w", err)
	}
	s.log.Debug("sink: wrote batch", "batchID", batch.ID, "points", len(points))
	return nil
}

func (s *InfluxSink) Close() error {
	s.close()
	return nil
}

// InfluxV3Sink writes batches to an InfluxDB 3 database.
type InfluxV3Sink struct {
	log     *slog.Logger
	write   func(ctx context.Context, points []*influxdb3.Point) error
	timeout time.Duration
	close   func() error
}

var _ collector.Sink = (*InfluxV3Sink)(nil)

// NewInfluxV3Sink connects to cfg.URL and writes into the database named by
// cfg.Bucket. Org is not used by InfluxDB 3.
func NewInfluxV3Sink(log *slog.Logger, cfg *InfluxConfig) (*InfluxV3Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := influxdb3.New(influxdb3.ClientConfig{
		Host:     cfg.URL,
		Token:    cfg.Token,
		Database: cfg.Bucket,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create InfluxDB client: %w", err)
	}
	return &InfluxV3Sink{
		log: log,
		write: func(ctx context.Context, points []*influxdb3.Point) error {
			return client.WritePoints(ctx, points)
		},
		timeout: cfg.WriteTimeout,
		close:   client.Close,
	}, nil
}

func (s *InfluxV3Sink) Write(ctx context.Context, batch *collector.Batch) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	points := V3Points(batch)
	if err := s.write(ctx, points); err != nil {
		return fmt.Errorf("failed to write points: %w", err)
	}
	s.log.Debug("sink: wrote batch", "batchID", batch.ID, "points", len(points))
	return nil
}

func (s *InfluxV3Sink) Close() error {
	return s.close()
}

// LogSink logs batches instead of storing them. It is used when no InfluxDB
// token is configured.
type LogSink struct {
	log *slog.Logger
}

var _ collector.Sink = (*LogSink)(nil)

func NewLogSink(log *slog.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Write(_ context.Context, batch *collector.Batch) error {
	for _, r := range records(batch) {
		args := make([]any, 0, 4+2*(len(r.tags)+len(r.fields)))
		args = append(args, "batchID", batch.ID, "measurement", r.measurement)
		for k, v := range r.tags {
			args = append(args, k, v)
		}
		for k, v := range r.fields {
			args = append(args, k, v)
		}
		s.log.Info("sink: point", args...)
	}
	return nil
}

func (s *LogSink) Close() error {
	return nil
}
