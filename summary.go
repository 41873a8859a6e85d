package cwndlab

//
// Metrics aggregation
//

import (
	"time"

	"github.com/montanaflynn/stats"
)

// Window is the throughput observed during a sampling interval.
type Window struct {
	// Index is the sample index.
	Index int

	// Elapsed is the time elapsed since the beginning of the transfer.
	Elapsed time.Duration

	// Throughput is the throughput in bits per second.
	Throughput float64

	// Cwnd is the congestion window in segments. Zero in counter mode.
	Cwnd uint32
}

// Summary summarizes a [TrialResult].
type Summary struct {
	// Profile is the textual impairment profile.
	Profile string

	// Mode is the sampling mode.
	Mode SamplingMode

	// Samples is the number of samples.
	Samples int

	// BytesSent is the total number of bytes written.
	BytesSent int64

	// MeanThroughput is the mean per-window throughput in bits per second.
	MeanThroughput float64

	// MedianThroughput is the median per-window throughput in bits per second.
	MedianThroughput float64

	// PeakCwnd is the largest congestion window. Zero in counter mode.
	PeakCwnd uint32

	// FinalCwnd is the last congestion window. Zero in counter mode.
	FinalCwnd uint32

	// TotalRetrans is the number of retransmitted segments. Zero in counter mode.
	TotalRetrans uint32

	// MeanRTT is the mean smoothed RTT. Zero in counter mode.
	MeanRTT time.Duration

	// Windows contains the per-window throughput.
	Windows []Window
}

// Summarize reduces a [TrialResult] to a [Summary]. In counter mode, the
// throughput of a window is derived from the bytes written during it. In
// snapshot mode, it is derived from the difference between consecutive
// cumulative byte counts.
func Summarize(result *TrialResult) *Summary {
	summary := &Summary{
		Profile:   result.Profile.String(),
		Mode:      result.Mode,
		Samples:   len(result.Samples),
		BytesSent: result.BytesSent,
		Windows:   []Window{},
	}
	seconds := result.SampleInterval.Seconds()
	if seconds <= 0 {
		return summary
	}

	var (
		throughput stats.Float64Data
		rtts       stats.Float64Data
		previous   int64
	)
	for _, sample := range result.Samples {
		window := Window{
			Index:   sample.Index,
			Elapsed: sample.Elapsed,
		}
		switch result.Mode {
		case SamplingModeCounter:
			window.Throughput = float64(sample.IntervalBytes*8) / seconds
		default:
			window.Throughput = float64((sample.CumulativeBytes-previous)*8) / seconds
			previous = sample.CumulativeBytes
		}
		if snap := sample.Snapshot; snap != nil {
			window.Cwnd = snap.SndCwnd
			if snap.SndCwnd > summary.PeakCwnd {
				summary.PeakCwnd = snap.SndCwnd
			}
			summary.FinalCwnd = snap.SndCwnd
			summary.TotalRetrans = snap.TotalRetrans
			rtts = append(rtts, float64(snap.RTT))
		}
		throughput = append(throughput, window.Throughput)
		summary.Windows = append(summary.Windows, window)
	}

	// stats only fails with empty input, in which case zero is fine
	summary.MeanThroughput, _ = stats.Mean(throughput)
	summary.MedianThroughput, _ = stats.Median(throughput)
	if meanRTT, err := stats.Mean(rtts); err == nil {
		summary.MeanRTT = time.Duration(meanRTT) * time.Microsecond
	}
	return summary
}
