package cwndlab

//
// Error handling
//

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies the errors returned by this package.
type ErrorKind string

const (
	// TopologyError indicates we could not build or verify the topology.
	TopologyError = ErrorKind("topology")

	// ImpairmentError indicates we could not install or remove an impairment.
	ImpairmentError = ErrorKind("impairment")

	// ProbeError indicates we could not read the connection state.
	ProbeError = ErrorKind("probe")

	// TransferError indicates that reading or writing the connection failed.
	TransferError = ErrorKind("transfer")
)

// Error is the error returned by topology, impairment, and trial operations. It
// contains enough context to understand which stage of a trial failed.
type Error struct {
	// Kind is the error kind.
	Kind ErrorKind

	// Endpoint is the OPTIONAL name of the endpoint involved.
	Endpoint string

	// Profile is the OPTIONAL textual impairment profile.
	Profile string

	// Phase is the lifecycle phase (e.g., "build", "apply", "dial").
	Phase string

	// Err is the underlying error.
	Err error
}

// Error implements error.
func (e *Error) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "cwndlab: %s error during %s", e.Kind, e.Phase)
	if e.Endpoint != "" {
		fmt.Fprintf(&sb, " on %s", e.Endpoint)
	}
	if e.Profile != "" {
		fmt.Fprintf(&sb, " with profile '%s'", e.Profile)
	}
	fmt.Fprintf(&sb, ": %s", e.Err.Error())
	return sb.String()
}

// Unwrap allows using errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// newError constructs a new [*Error].
func newError(kind ErrorKind, endpoint, profile, phase string, err error) *Error {
	return &Error{
		Kind:     kind,
		Endpoint: endpoint,
		Profile:  profile,
		Phase:    phase,
		Err:      err,
	}
}

// ErrorKindOf returns the [ErrorKind] of err or an empty string
// if err does not wrap an [*Error].
func ErrorKindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// ErrInvalidTrialSpec indicates that a [TrialSpec] is not valid.
var ErrInvalidTrialSpec = errors.New("cwndlab: invalid trial spec")

// ErrInvalidImpairment indicates that an [ImpairmentProfile] is not valid.
var ErrInvalidImpairment = errors.New("cwndlab: invalid impairment")

// ErrStaleImpairment indicates that a previous trial left an impairment
// behind. Running a trial in this state would corrupt its measurements.
var ErrStaleImpairment = errors.New("cwndlab: stale impairment left behind by a previous trial")

// ErrSnapshotLength indicates that the kernel returned a TCP_INFO
// structure whose length differs from the expected one.
var ErrSnapshotLength = errors.New("cwndlab: unexpected connection snapshot length")

// ErrNotQueryable indicates that we cannot query the kernel about a connection.
var ErrNotQueryable = errors.New("cwndlab: connection is not queryable")

// ErrNotSupported indicates a feature not supported by the current platform.
var ErrNotSupported = errors.New("cwndlab: not supported on this platform")
