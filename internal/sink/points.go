package sink

import (
	"time"

	"github.com/InfluxCommunity/influxdb3-go/v2/influxdb3"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/malbeclabs/netpulse/internal/collector"
)

const (
	MeasurementNetworkPerformance = "network_performance"
	MeasurementNetworkSpeed       = "network_speed"
)

// record is a client-neutral point; both influx clients build from it.
type record struct {
	measurement string
	tags        map[string]string
	fields      map[string]any
	ts          time.Time
}

// records converts a batch into one network_performance record per target
// followed by a single network_speed record, all stamped with TakenAt.
func records(batch *collector.Batch) []record {
	out := make([]record, 0, len(batch.Latency)+1)
	for _, s := range batch.Latency {
		fields := map[string]any{
			"success":     s.Reachable,
			"packet_loss": s.PacketLossPct,
		}
		if s.RTT != nil {
			fields["avg_rtt"] = s.RTT.Avg
			fields["min_rtt"] = s.RTT.Min
			fields["max_rtt"] = s.RTT.Max
			fields["stddev_rtt"] = s.RTT.StdDev
		}
		out = append(out, record{
			measurement: MeasurementNetworkPerformance,
			tags: map[string]string{
				"target":      s.Target.Host,
				"target_name": s.Target.Name,
			},
			fields: fields,
			ts:     batch.TakenAt,
		})
	}
	out = append(out, record{
		measurement: MeasurementNetworkSpeed,
		tags:        map[string]string{},
		fields: map[string]any{
			"download_speed_mbps": batch.Throughput.DownloadMbps,
			"upload_speed_mbps":   batch.Throughput.UploadMbps,
		},
		ts: batch.TakenAt,
	})
	return out
}

// Points returns the batch as influxdb-client-go points.
func Points(batch *collector.Batch) []*write.Point {
	recs := records(batch)
	points := make([]*write.Point, 0, len(recs))
	for _, r := range recs {
		points = append(points, write.NewPoint(r.measurement, r.tags, r.fields, r.ts))
	}
	return points
}

// V3Points returns the batch as influxdb3-go points.
func V3Points(batch *collector.Batch) []*influxdb3.Point {
	recs := records(batch)
	points := make([]*influxdb3.Point, 0, len(recs))
	for _, r := range recs {
		points = append(points, influxdb3.NewPoint(r.measurement, r.tags, r.fields, r.ts))
	}
	return points
}
