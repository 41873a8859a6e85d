package cwndlab

//
// Data model
//

import (
	"context"
	"net"
	"time"
)

// Logger is the logger we're using.
type Logger interface {
	// Debugf formats and emits a debug message.
	Debugf(format string, v ...any)

	// Debug emits a debug message.
	Debug(message string)

	// Infof formats and emits an informational message.
	Infof(format string, v ...any)

	// Info emits an informational message.
	Info(message string)

	// Warnf formats and emits a warning message.
	Warnf(format string, v ...any)

	// Warn emits a warning message.
	Warn(message string)
}

// NullLogger is a [Logger] that does not emit logs.
type NullLogger struct{}

var _ Logger = &NullLogger{}

// Debug implements Logger
func (nl *NullLogger) Debug(message string) {
	// nothing
}

// Debugf implements Logger
func (nl *NullLogger) Debugf(format string, v ...any) {
	// nothing
}

// Info implements Logger
func (nl *NullLogger) Info(message string) {
	// nothing
}

// Infof implements Logger
func (nl *NullLogger) Infof(format string, v ...any) {
	// nothing
}

// Warn implements Logger
func (nl *NullLogger) Warn(message string) {
	// nothing
}

// Warnf implements Logger
func (nl *NullLogger) Warnf(format string, v ...any) {
	// nothing
}

// Dialer dials connections. Both [*net.Dialer] and the dialer
// returned by [Topology.Dialer] implement this interface.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Endpoint is one of the two ends of a [Topology].
type Endpoint struct {
	// Name is both the network namespace name and the name of
	// the veth device living inside such a namespace.
	Name string

	// Address is the IPv4 address assigned to the device.
	Address string
}

// SamplingMode is the strategy used by the sampling goroutine.
type SamplingMode int

const (
	// SamplingModeSnapshot reads a [ConnectionSnapshot] at each tick.
	SamplingModeSnapshot = SamplingMode(iota)

	// SamplingModeCounter reads and resets the bytes written
	// during the last sampling interval at each tick.
	SamplingModeCounter
)

// String implements fmt.Stringer.
func (m SamplingMode) String() string {
	switch m {
	case SamplingModeSnapshot:
		return "snapshot"
	case SamplingModeCounter:
		return "counter"
	default:
		return "unknown"
	}
}

// Sample is a single measurement taken by the sampling goroutine.
type Sample struct {
	// Index is the zero-based index of the sampling interval.
	Index int

	// Elapsed is the time elapsed since the beginning of the transfer.
	Elapsed time.Duration

	// IntervalBytes is the number of bytes written during this
	// sampling interval. Only set in [SamplingModeCounter].
	IntervalBytes int64

	// CumulativeBytes is the number of bytes written by the transfer
	// path since the beginning of the trial. Only set in [SamplingModeSnapshot].
	CumulativeBytes int64

	// Snapshot is the kernel's view of the connection. Only
	// set in [SamplingModeSnapshot].
	Snapshot *ConnectionSnapshot
}

// TrialResult is the result of a trial. The [TrialEngine] hands it
// over to the caller when the trial is complete; you SHOULD NOT
// modify it after that.
type TrialResult struct {
	// Profile is the impairment profile used by the trial.
	Profile *ImpairmentProfile

	// Mode is the sampling mode used by the trial.
	Mode SamplingMode

	// Duration is the duration of the transfer.
	Duration time.Duration

	// SampleInterval is the interval between two samples.
	SampleInterval time.Duration

	// Samples contains the samples in order of collection.
	Samples []Sample

	// BytesSent is the total number of bytes written by the transfer path.
	BytesSent int64

	// Residual is the number of bytes written after the
	// last tick, which no sample accounts for.
	Residual int64

	// DropStats contains the periodic drop counters read before
	// removing the profile. Nil when the profile has no [PeriodicDrop].
	DropStats *PeriodicDropStats
}
