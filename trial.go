package cwndlab

//
// Trial engine
//

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// TrialSpec describes a trial.
type TrialSpec struct {
	// Profile is the OPTIONAL impairment profile. A nil
	// profile means that we do not impair the link.
	Profile *ImpairmentProfile

	// Duration is the MANDATORY duration of the transfer.
	Duration time.Duration

	// SampleInterval is the MANDATORY interval between samples.
	SampleInterval time.Duration

	// Mode is the sampling mode.
	Mode SamplingMode
}

// Validate returns [ErrInvalidTrialSpec] if the trial parameters are not valid.
func (ts *TrialSpec) Validate() error {
	if ts.SampleInterval <= 0 {
		return fmt.Errorf("%w: sample interval must be positive", ErrInvalidTrialSpec)
	}
	if ts.Duration < ts.SampleInterval {
		return fmt.Errorf("%w: duration shorter than sample interval", ErrInvalidTrialSpec)
	}
	switch ts.Mode {
	case SamplingModeSnapshot, SamplingModeCounter:
		return nil
	default:
		return fmt.Errorf("%w: unknown sampling mode %d", ErrInvalidTrialSpec, ts.Mode)
	}
}

// SampleCount returns the number of samples a trial collects.
func (ts *TrialSpec) SampleCount() int {
	return int(ts.Duration / ts.SampleInterval)
}

// Impairer installs and removes impairments. [*ImpairmentController]
// is the [Impairer] to use with a real [Topology].
type Impairer interface {
	CheckClean(ctx context.Context) error
	Impair(ctx context.Context, profile *ImpairmentProfile) error
	Restore(ctx context.Context, profile *ImpairmentProfile) error
}

var _ Impairer = &ImpairmentController{}

// dropStatsReader is the OPTIONAL [Impairer] interface for
// reading the counters of a [PeriodicDrop].
type dropStatsReader interface {
	ReceiverDropStats(ctx context.Context) (*PeriodicDropStats, error)
}

var _ dropStatsReader = &ImpairmentController{}

// DefaultFrameSize is the default size of the frames we write.
const DefaultFrameSize = 1460

// DefaultYield is the default maximum time a single write may wait.
const DefaultYield = 10 * time.Millisecond

// DefaultDialTimeout is the default timeout for connecting to the drain.
const DefaultDialTimeout = 10 * time.Second

// TrialEngine runs trials. Trials MUST NOT overlap because they share the
// topology, so Run serializes them. The zero value is invalid; please,
// construct using [NewTrialEngine] or make sure you set MANDATORY fields.
type TrialEngine struct {
	// Address is the MANDATORY drain endpoint.
	Address string

	// DialTimeout is the OPTIONAL dial timeout.
	DialTimeout time.Duration

	// Dialer is the MANDATORY dialer.
	Dialer Dialer

	// Drain is the OPTIONAL drain counter. When set, we reset it before
	// each trial and log how many bytes the drain received.
	Drain ReceivedBytesCounter

	// FrameSize is the OPTIONAL frame size.
	FrameSize int

	// Impairer is the MANDATORY [Impairer].
	Impairer Impairer

	// Logger is the MANDATORY logger.
	Logger Logger

	// Probe is the OPTIONAL function to read snapshots.
	Probe func(conn net.Conn) (*ConnectionSnapshot, error)

	// Sender is the OPTIONAL name of the sending endpoint, which
	// we use to give context to errors.
	Sender string

	// Yield is the OPTIONAL maximum time a single write may wait.
	Yield time.Duration

	// mu serializes trials.
	mu sync.Mutex
}

// NewTrialEngine creates a [TrialEngine] for the given topology.
func NewTrialEngine(
	topology *Topology,
	impairer Impairer,
	drain ReceivedBytesCounter,
	logger Logger,
) *TrialEngine {
	return &TrialEngine{
		Address:     topology.ServerAddr(),
		DialTimeout: DefaultDialTimeout,
		Dialer:      topology.Dialer(),
		Drain:       drain,
		FrameSize:   DefaultFrameSize,
		Impairer:    impairer,
		Logger:      logger,
		Probe:       ReadConnectionSnapshot,
		Sender:      topology.Config.Near.Name,
		Yield:       DefaultYield,
		mu:          sync.Mutex{},
	}
}

// Run runs a trial. It checks that no impairment is left behind by previous
// trials, installs the profile, transfers data for the configured duration
// while sampling, and removes the profile. The profile is removed whenever
// it has been installed, including when the trial fails. Cancelling ctx
// interrupts the trial.
func (te *TrialEngine) Run(ctx context.Context, spec *TrialSpec) (*TrialResult, error) {
	defer te.mu.Unlock()
	te.mu.Lock()

	if spec == nil {
		return nil, fmt.Errorf("%w: nil trial spec", ErrInvalidTrialSpec)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if err := te.Impairer.CheckClean(ctx); err != nil {
		return nil, err
	}

	te.Logger.Infof(
		"cwndlab: trial: profile '%s' duration %s interval %s mode %s",
		spec.Profile, spec.Duration, spec.SampleInterval, spec.Mode,
	)
	if err := te.Impairer.Impair(ctx, spec.Profile); err != nil {
		return nil, err
	}

	result, err := te.measure(ctx, spec)
	if err == nil {
		result.DropStats = te.readDropStats(spec.Profile)
	}

	// we use a fresh context such that we can restore after cancellation
	if rerr := te.Impairer.Restore(context.Background(), spec.Profile); rerr != nil {
		if err != nil {
			te.Logger.Warnf("cwndlab: trial: cannot restore: %s", rerr.Error())
			return nil, err
		}
		return nil, rerr
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// measure connects to the drain and runs the transfer and the sampler.
func (te *TrialEngine) measure(ctx context.Context, spec *TrialSpec) (*TrialResult, error) {
	profile := spec.Profile.String()
	if te.Drain != nil {
		te.Drain.ResetBytesReceived()
	}

	dialTimeout := te.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	dialCtx, dialCancel := context.WithTimeout(ctx, dialTimeout)
	conn, err := te.Dialer.DialContext(dialCtx, "tcp", te.Address)
	dialCancel()
	if err != nil {
		return nil, newError(TransferError, te.Sender, profile, "dial", err)
	}
	defer closeDiscardingUnsent(conn)

	adder, swapper := NewByteCounter()
	t0 := time.Now()

	transferCtx, transferCancel := context.WithTimeout(ctx, spec.Duration)
	defer transferCancel()
	samplerCtx, samplerCancel := context.WithCancel(ctx)
	defer samplerCancel()

	smp := &sampler{
		conn:     conn,
		count:    spec.SampleCount(),
		endpoint: te.Sender,
		interval: spec.SampleInterval,
		mode:     spec.Mode,
		probe:    te.probe(),
		profile:  profile,
		swapper:  swapper,
		t0:       t0,
	}
	tp := &transferPath{
		conn:      conn,
		counter:   adder,
		frameSize: te.frameSize(),
		logger:    te.Logger,
		yield:     te.yield(),
	}

	wg := &sync.WaitGroup{}
	samplerch := make(chan error, 1)
	var samples []Sample

	wg.Add(1)
	go func() {
		defer wg.Done()
		var err error
		samples, err = smp.run(samplerCtx)
		if err != nil {
			// no point in continuing the transfer without samples
			transferCancel()
		}
		samplerch <- err
	}()

	sent, err := tp.run(transferCtx)
	if err != nil {
		samplerCancel()
	}
	wg.Wait()

	if err != nil {
		return nil, newError(TransferError, te.Sender, profile, "transfer", err)
	}
	if err := <-samplerch; err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &TrialResult{
		Profile:        spec.Profile,
		Mode:           spec.Mode,
		Duration:       spec.Duration,
		SampleInterval: spec.SampleInterval,
		Samples:        samples,
		BytesSent:      sent,
		Residual:       swapper.Swap(),
	}
	te.Logger.Infof("cwndlab: trial: %d samples, %d bytes sent", len(samples), sent)
	if te.Drain != nil {
		te.Logger.Debugf("cwndlab: trial: %d bytes received so far", te.Drain.BytesReceived())
	}
	return result, nil
}

// lingerSetter is the [*net.TCPConn] method to configure SO_LINGER.
type lingerSetter interface {
	SetLinger(sec int) error
}

// closeDiscardingUnsent closes conn telling the kernel to discard the data
// still in the send buffer and reset the connection. Otherwise, the kernel
// would keep sending it to the drain after the trial is over.
func closeDiscardingUnsent(conn net.Conn) error {
	if ls, ok := conn.(lingerSetter); ok {
		_ = ls.SetLinger(0)
	}
	return conn.Close()
}

// readDropStats reads the periodic drop counters before we remove the filter.
func (te *TrialEngine) readDropStats(profile *ImpairmentProfile) *PeriodicDropStats {
	if _, found := profile.PeriodicDrop(); !found {
		return nil
	}
	reader, ok := te.Impairer.(dropStatsReader)
	if !ok {
		return nil
	}
	stats, err := reader.ReceiverDropStats(context.Background())
	if err != nil {
		te.Logger.Warnf("cwndlab: trial: cannot read drop stats: %s", err.Error())
		return nil
	}
	return stats
}

func (te *TrialEngine) frameSize() int {
	if te.FrameSize > 0 {
		return te.FrameSize
	}
	return DefaultFrameSize
}

func (te *TrialEngine) probe() func(conn net.Conn) (*ConnectionSnapshot, error) {
	if te.Probe != nil {
		return te.Probe
	}
	return ReadConnectionSnapshot
}

func (te *TrialEngine) yield() time.Duration {
	if te.Yield > 0 {
		return te.Yield
	}
	return DefaultYield
}
