package cwndlab

//
// Sampler
//

import (
	"context"
	"fmt"
	"net"
	"time"
)

// sampler collects a fixed number of samples at a fixed interval.
type sampler struct {
	// conn is the connection to probe in snapshot mode.
	conn net.Conn

	// count is the number of samples to collect.
	count int

	// cumulative is the number of bytes written up to the last sample.
	cumulative int64

	// endpoint is the name of the sending endpoint used for errors.
	endpoint string

	// interval is the sampling interval.
	interval time.Duration

	// mode is the sampling mode.
	mode SamplingMode

	// probe reads a snapshot of conn.
	probe func(conn net.Conn) (*ConnectionSnapshot, error)

	// profile is the textual profile used for errors.
	profile string

	// swapper provides the bytes written since the previous sample.
	swapper *ByteSwapper

	// t0 is when the transfer started.
	t0 time.Time
}

// run collects samples until it has collected all of them, ctx is done, or
// probing fails. It returns the samples collected thus far in all cases.
func (s *sampler) run(ctx context.Context) ([]Sample, error) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	samples := make([]Sample, 0, s.count)
	for idx := 0; idx < s.count; idx++ {
		select {
		case <-ctx.Done():
			return samples, nil
		case now := <-ticker.C:
			sample, err := s.sample(idx, now)
			if err != nil {
				return samples, err
			}
			samples = append(samples, *sample)
		}
	}
	return samples, nil
}

// sample takes a single sample.
func (s *sampler) sample(idx int, now time.Time) (*Sample, error) {
	sample := &Sample{
		Index:   idx,
		Elapsed: now.Sub(s.t0),
	}
	switch s.mode {
	case SamplingModeCounter:
		sample.IntervalBytes = s.swapper.Swap()
	default:
		snap, err := s.probe(s.conn)
		if err != nil {
			return nil, newError(ProbeError, s.endpoint, s.profile, fmt.Sprintf("sample #%d", idx), err)
		}
		s.cumulative += s.swapper.Swap()
		sample.Snapshot = snap
		sample.CumulativeBytes = s.cumulative
	}
	return sample, nil
}
