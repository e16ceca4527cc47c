package latency

import (
	"strconv"
	"strings"
)

const lossMarker = "% packet loss"

// Label variants of the summary line: BSD/macOS ping prints stddev, Linux
// iputils prints mdev.
var rttLabels = []string{"min/avg/max/stddev", "min/avg/max/mdev"}

// Summary is what ParseOutput extracts from textual ping output.
type Summary struct {
	PacketLossPct float64
	RTT           RTT

	// LossFound and RTTFound report which lines were present and parseable.
	LossFound bool
	RTTFound  bool
}

// ParseOutput extracts the packet loss percentage and RTT statistics from
// the output of a successful ping run, e.g.
//
//	10 packets transmitted, 10 received, 0% packet loss, time 1804ms
//	rtt min/avg/max/mdev = 11.912/12.304/13.101/0.402 ms
//
// Lines that are missing or malformed leave the corresponding fields zero.
func ParseOutput(out string) Summary {
	var s Summary
	lines := strings.Split(out, "\n")

	for _, line := range lines {
		if !strings.Contains(line, lossMarker) {
			continue
		}
		if loss, ok := parseLoss(line); ok {
			s.PacketLossPct = loss
			s.LossFound = true
		}
		break
	}

	for _, line := range lines {
		if !hasRTTLabel(line) {
			continue
		}
		if rtt, ok := parseRTT(line); ok {
			s.RTT = rtt
			s.RTTFound = true
		}
		break
	}

	return s
}

// SampleFromOutput builds the sample for a probe whose ping run exited
// cleanly. A missing summary line yields a zero RTT, not a nil one.
func SampleFromOutput(target Target, out string) Sample {
	s := ParseOutput(out)
	rtt := s.RTT
	return Sample{
		Target:        target,
		Reachable:     true,
		PacketLossPct: s.PacketLossPct,
		RTT:           &rtt,
	}
}

func parseLoss(line string) (float64, bool) {
	before, _, found := strings.Cut(line, "%")
	if !found {
		return 0, false
	}
	fields := strings.Fields(before)
	if len(fields) == 0 {
		return 0, false
	}
	loss, err := strconv.ParseFloat(fields[len(fields)-1], 64)
	if err != nil {
		return 0, false
	}
	return loss, true
}

func hasRTTLabel(line string) bool {
	for _, label := range rttLabels {
		if strings.Contains(line, label) {
			return true
		}
	}
	return false
}

func parseRTT(line string) (RTT, bool) {
	parts := strings.Split(line, "=")
	values := strings.Split(strings.TrimSpace(parts[len(parts)-1]), "/")
	if len(values) < 4 {
		return RTT{}, false
	}

	// The last field carries the unit, e.g. "0.402 ms".
	stddevFields := strings.Fields(values[3])
	if len(stddevFields) == 0 {
		return RTT{}, false
	}

	var out [4]float64
	raw := [4]string{values[0], values[1], values[2], stddevFields[0]}
	for i, v := range raw {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return RTT{}, false
		}
		out[i] = f
	}
	return RTT{Min: out[0], Avg: out[1], Max: out[2], StdDev: out[3]}, true
}
