package cwndlab

//
// CSV output
//

import (
	"fmt"
	"strings"
)

// SampleCSVHeader returns the CSV header for samples collected using mode.
func SampleCSVHeader(mode SamplingMode) string {
	switch mode {
	case SamplingModeCounter:
		return "index,elapsed (s),interval (byte)"
	default:
		return strings.Join([]string{
			"index",
			"elapsed (s)",
			"cumulative (byte)",
			"state",
			"ca state",
			"cwnd (pkt)",
			"ssthresh (pkt)",
			"rtt (us)",
			"rttvar (us)",
			"unacked (pkt)",
			"retransmits",
			"total retrans",
			"snd mss (byte)",
		}, ",")
	}
}

// CSVRecord returns the sample as a CSV record matching [SampleCSVHeader].
func (s *Sample) CSVRecord(mode SamplingMode) string {
	elapsed := s.Elapsed.Seconds()
	switch mode {
	case SamplingModeCounter:
		return fmt.Sprintf("%d,%f,%d", s.Index, elapsed, s.IntervalBytes)
	default:
		snap := s.Snapshot
		if snap == nil {
			snap = &ConnectionSnapshot{}
		}
		return fmt.Sprintf(
			"%d,%f,%d,%s,%s,%d,%d,%d,%d,%d,%d,%d,%d",
			s.Index,
			elapsed,
			s.CumulativeBytes,
			snap.StateName(),
			snap.CAStateName(),
			snap.SndCwnd,
			snap.SndSsthresh,
			snap.RTT,
			snap.RTTVar,
			snap.Unacked,
			snap.Retransmits,
			snap.TotalRetrans,
			snap.SndMSS,
		)
	}
}

// WindowCSVHeader is the CSV header for [Window].
const WindowCSVHeader = "index,elapsed (s),throughput (Mbit/s),cwnd (pkt)"

// CSVRecord returns the window as a CSV record matching [WindowCSVHeader].
func (w *Window) CSVRecord() string {
	return fmt.Sprintf("%d,%f,%f,%d", w.Index, w.Elapsed.Seconds(), w.Throughput/(1000*1000), w.Cwnd)
}
