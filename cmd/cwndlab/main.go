// Command cwndlab runs a trial against an impaired point-to-point topology
// and prints the samples on the standard output using the CSV format.
//
// You need root privileges and the ip, tc, ethtool, and nft commands.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/bassosimone/cwndlab"
	"github.com/pborman/getopt/v2"
)

// options contains the command line options.
type options struct {
	capture     string
	correlation float64
	delay       time.Duration
	dryRun      bool
	duplicate   float64
	duration    time.Duration
	frameSize   int
	help        bool
	interval    time.Duration
	loss        float64
	mode        string
	periodic    float64
	rate        int64
	reorder     float64
	summary     bool
	verbose     bool
}

// newOptionSet creates the option set filling opts.
func newOptionSet(opts *options) *getopt.Set {
	set := getopt.New()
	set.SetProgram("cwndlab")
	set.SetParameters("")
	set.FlagLong(&opts.capture, "capture", 'w', "save the frames received by far into this PCAP file", "FILE")
	set.FlagLong(&opts.correlation, "reorder-correlation", 0, "correlation of reordering decisions in [0, 1)", "P")
	set.FlagLong(&opts.delay, "delay", 'd', "one-way delay added by near (e.g., 20ms)", "DURATION")
	set.FlagLong(&opts.dryRun, "dry-run", 'n', "print the topology commands without running them")
	set.FlagLong(&opts.duplicate, "duplicate", 0, "probability of duplicating a packet in (0, 1]", "P")
	set.FlagLong(&opts.duration, "duration", 't', "duration of the transfer", "DURATION")
	set.FlagLong(&opts.frameSize, "frame-size", 0, "size of each write in bytes", "BYTES")
	set.FlagLong(&opts.help, "help", 'h', "print this help screen")
	set.FlagLong(&opts.interval, "interval", 'i', "sampling interval", "DURATION")
	set.FlagLong(&opts.loss, "loss", 'l', "probability of losing a packet at random in (0, 1]", "P")
	set.FlagLong(&opts.mode, "mode", 'm', "sampling mode: snapshot or counter", "MODE")
	set.FlagLong(&opts.periodic, "periodic-drop", 'p', "drop one packet every round(1/P) at far", "P")
	set.FlagLong(&opts.rate, "rate", 'r', "rate limit in bit/s", "BITS")
	set.FlagLong(&opts.reorder, "reorder", 0, "probability of sending a packet immediately (needs --delay)", "P")
	set.FlagLong(&opts.summary, "summary", 's', "print the per-window throughput instead of the samples")
	set.FlagLong(&opts.verbose, "verbose", 'v', "emit debug messages")
	return set
}

// newProfile creates the impairment profile from the options.
func newProfile(opts *options) (*cwndlab.ImpairmentProfile, error) {
	impairments := []cwndlab.Impairment{}
	if opts.delay > 0 {
		impairments = append(impairments, cwndlab.Delay{Duration: opts.delay})
	}
	if opts.loss > 0 {
		impairments = append(impairments, cwndlab.Loss{Probability: opts.loss})
	}
	if opts.duplicate > 0 {
		impairments = append(impairments, cwndlab.Duplicate{Probability: opts.duplicate})
	}
	if opts.reorder > 0 {
		impairments = append(impairments, cwndlab.Reorder{
			Probability: opts.reorder,
			Correlation: opts.correlation,
		})
	}
	if opts.rate > 0 {
		impairments = append(impairments, cwndlab.RateLimit{BitsPerSecond: opts.rate})
	}
	if opts.periodic > 0 {
		impairments = append(impairments, cwndlab.PeriodicDrop{Probability: opts.periodic})
	}
	return cwndlab.NewImpairmentProfile(impairments...)
}

// parseMode parses the sampling mode.
func parseMode(value string) (cwndlab.SamplingMode, error) {
	switch value {
	case "snapshot":
		return cwndlab.SamplingModeSnapshot, nil
	case "counter":
		return cwndlab.SamplingModeCounter, nil
	default:
		return 0, fmt.Errorf("unknown sampling mode: %s", value)
	}
}

// printResult prints the result as CSV.
func printResult(w io.Writer, result *cwndlab.TrialResult, summary bool) {
	if summary {
		fmt.Fprintln(w, cwndlab.WindowCSVHeader)
		for _, window := range cwndlab.Summarize(result).Windows {
			fmt.Fprintln(w, window.CSVRecord())
		}
		return
	}
	fmt.Fprintln(w, cwndlab.SampleCSVHeader(result.Mode))
	for _, sample := range result.Samples {
		fmt.Fprintln(w, sample.CSVRecord(result.Mode))
	}
}

func main() {
	opts := &options{
		duration:  10 * time.Second,
		frameSize: cwndlab.DefaultFrameSize,
		interval:  500 * time.Millisecond,
		mode:      "snapshot",
	}
	set := newOptionSet(opts)
	set.Parse(os.Args)
	if opts.help {
		set.PrintUsage(os.Stdout)
		os.Exit(0)
	}
	if len(set.Args()) > 0 {
		fmt.Fprintf(os.Stderr, "cwndlab: unexpected positional arguments\n")
		set.PrintUsage(os.Stderr)
		os.Exit(1)
	}

	log.SetHandler(cli.Default)
	if opts.verbose {
		log.SetLevel(log.DebugLevel)
	}

	profile, err := newProfile(opts)
	if err != nil {
		log.WithError(err).Fatal("cwndlab.NewImpairmentProfile")
	}
	mode, err := parseMode(opts.mode)
	if err != nil {
		log.WithError(err).Fatal("parseMode")
	}

	config := cwndlab.DefaultTopologyConfig()
	var shell cwndlab.Shell = &cwndlab.LinuxShell{Logger: log.Log}
	if opts.dryRun {
		shell = &cwndlab.DryRunShell{Logger: log.Log}
		config.NoVerify = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	topology := cwndlab.NewTopology(config, shell, log.Log)
	if err := run(ctx, topology, shell, profile, mode, opts); err != nil {
		log.WithError(err).Error("cwndlab")
		os.Exit(1)
	}
}

// run builds the topology, runs the trial, and tears down the
// topology regardless of whether the trial succeeded.
func run(
	ctx context.Context,
	topology *cwndlab.Topology,
	shell cwndlab.Shell,
	profile *cwndlab.ImpairmentProfile,
	mode cwndlab.SamplingMode,
	opts *options,
) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
		if terr := topology.Teardown(context.Background()); terr != nil {
			log.WithError(terr).Warn("topology.Teardown")
		}
	}()

	cwndlab.Must0(topology.Build(ctx))
	if opts.dryRun {
		return nil
	}

	drain := cwndlab.NewDrainServer(cwndlab.Must1(topology.Listen()), log.Log)
	defer drain.Close()

	var capture *cwndlab.Capture
	if opts.capture != "" {
		capture = cwndlab.Must1(cwndlab.StartCapture(&cwndlab.CaptureConfig{
			Endpoint: topology.Config.Far,
			Filename: opts.capture,
			Logger:   log.Log,
			Port:     topology.Config.Port,
		}))
		defer capture.Stop()
	}

	controller := cwndlab.NewImpairmentController(topology, shell, log.Log)
	engine := cwndlab.NewTrialEngine(topology, controller, drain, log.Log)
	engine.FrameSize = opts.frameSize

	spec := &cwndlab.TrialSpec{
		Profile:        profile,
		Duration:       opts.duration,
		SampleInterval: opts.interval,
		Mode:           mode,
	}
	result := cwndlab.Must1(engine.Run(ctx, spec))

	if capture != nil {
		stats := capture.Stop()
		log.Infof("capture: %d data segments, %d bytes, %d retransmissions",
			stats.DataSegments, stats.DataBytes, stats.Retransmissions)
	}

	if stats := result.DropStats; stats != nil {
		log.Infof("periodic drop: 1/%d observed %d dropped %d oversize %d",
			stats.Period, stats.Observed, stats.Dropped, stats.Oversize)
		if !stats.Consistent() {
			log.Warn("periodic drop: the filter did not drop exactly one packet every N")
		}
	}

	printResult(os.Stdout, result, opts.summary)

	summary := cwndlab.Summarize(result)
	log.Infof("mean throughput: %.3f Mbit/s", summary.MeanThroughput/(1000*1000))
	log.Infof("median throughput: %.3f Mbit/s", summary.MedianThroughput/(1000*1000))
	if mode == cwndlab.SamplingModeSnapshot {
		log.Infof("cwnd: peak %d final %d", summary.PeakCwnd, summary.FinalCwnd)
		log.Infof("total retrans: %d, mean rtt: %s", summary.TotalRetrans, summary.MeanRTT)
	}
	return nil
}
