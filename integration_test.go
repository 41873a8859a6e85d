package cwndlab_test

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/bassosimone/cwndlab"
	"github.com/google/go-cmp/cmp"
	"github.com/google/gopacket/pcapgo"
	"github.com/montanaflynn/stats"
)

// harness is a topology with a drain, a controller, and an engine.
type harness struct {
	controller *cwndlab.ImpairmentController
	drain      *cwndlab.DrainServer
	engine     *cwndlab.TrialEngine
	topology   *cwndlab.Topology
}

// newHarness builds the default topology or skips the test when
// we are not root or we lack the required commands.
func newHarness(t *testing.T) *harness {
	if testing.Short() {
		t.Skip("skip test in short mode")
	}
	if os.Geteuid() != 0 {
		t.Skip("skip test because we are not root")
	}
	for _, command := range []string{"ip", "tc", "ethtool", "nft"} {
		if _, err := exec.LookPath(command); err != nil {
			t.Skip("skip test because we lack", command)
		}
	}

	shell := &cwndlab.LinuxShell{Logger: log.Log}
	topology, err := cwndlab.BuildTopology(
		context.Background(),
		cwndlab.DefaultTopologyConfig(),
		shell,
		log.Log,
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := topology.Teardown(context.Background()); err != nil {
			t.Fatal(err)
		}
	})

	listener, err := topology.Listen()
	if err != nil {
		t.Fatal(err)
	}
	drain := cwndlab.NewDrainServer(listener, log.Log)
	t.Cleanup(func() {
		drain.Close()
	})

	controller := cwndlab.NewImpairmentController(topology, shell, log.Log)
	engine := cwndlab.NewTrialEngine(topology, controller, drain, log.Log)
	return &harness{
		controller: controller,
		drain:      drain,
		engine:     engine,
		topology:   topology,
	}
}

// TestTopologyLifecycle ensures that building and tearing down are idempotent.
func TestTopologyLifecycle(t *testing.T) {
	h := newHarness(t)

	// building again yields the same topology
	if err := h.topology.Build(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, ep := range h.topology.Endpoints() {
		status, err := h.topology.Inspect(ep)
		if err != nil {
			t.Fatal(err)
		}
		if !status.Up || status.MTU != 1500 {
			t.Fatal("unexpected status", status)
		}
	}

	// tearing down twice is fine
	for idx := 0; idx < 2; idx++ {
		if err := h.topology.Teardown(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := h.topology.Inspect(h.topology.Config.Near); err == nil {
		t.Fatal("expected the namespace to be gone")
	}
}

// TestImpairmentRoundTrip ensures that Remove restores the qdisc state.
func TestImpairmentRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	near := h.topology.Config.Near

	profile, err := cwndlab.NewImpairmentProfile(
		cwndlab.Delay{Duration: 20 * time.Millisecond},
		cwndlab.Loss{Probability: 0.5},
	)
	if err != nil {
		t.Fatal(err)
	}

	before, err := h.topology.QdiscState(near)
	if err != nil {
		t.Fatal(err)
	}

	if err := h.controller.Apply(ctx, near.Name, profile); err != nil {
		t.Fatal(err)
	}
	during, err := h.topology.QdiscState(near)
	if err != nil {
		t.Fatal(err)
	}
	if len(during) != 1 || during[0].Kind != "netem" || !during[0].Root {
		t.Fatal("unexpected qdisc state", during)
	}
	if during[0].Loss < 0.49 || during[0].Loss > 0.51 {
		t.Fatal("unexpected loss", during[0].Loss)
	}

	// a trial must refuse to run while the impairment is there
	spec := &cwndlab.TrialSpec{Duration: time.Second, SampleInterval: time.Second}
	if _, err := h.engine.Run(ctx, spec); !errors.Is(err, cwndlab.ErrStaleImpairment) {
		t.Fatal("unexpected error", err)
	}

	if err := h.controller.Remove(ctx, near.Name, profile); err != nil {
		t.Fatal(err)
	}
	after, err := h.topology.QdiscState(near)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(before, after); diff != "" {
		t.Fatal(diff)
	}
}

// unthrottledCapacity bounds the throughput of the veth link in bit/s. A
// veth pair has no line rate, so this is what the CPU could possibly move.
const unthrottledCapacity = 100 * 1000 * 1000 * 1000

// TestZeroImpairmentTrial runs an unimpaired trial in snapshot mode.
func TestZeroImpairmentTrial(t *testing.T) {
	h := newHarness(t)
	h.engine.FrameSize = 1024

	spec := &cwndlab.TrialSpec{
		Duration:       5 * time.Second,
		SampleInterval: 500 * time.Millisecond,
		Mode:           cwndlab.SamplingModeSnapshot,
	}
	result, err := h.engine.Run(context.Background(), spec)
	if err != nil {
		t.Fatal(err)
	}

	if count := len(result.Samples); count < 9 || count > 10 {
		t.Fatal("unexpected number of samples", count)
	}
	var previous int64
	for _, sample := range result.Samples {
		if sample.Snapshot.StateName() != "ESTABLISHED" {
			t.Fatal("unexpected state", sample.Snapshot.StateName())
		}
		if sample.CumulativeBytes < previous {
			t.Fatal("cumulative bytes decreased")
		}
		previous = sample.CumulativeBytes
	}
	if previous <= 0 {
		t.Fatal("we did not send anything")
	}

	summary := cwndlab.Summarize(result)
	final := summary.Windows[len(summary.Windows)-1].Throughput
	if final <= 0 || final > unthrottledCapacity {
		t.Fatal("unexpected final throughput", final)
	}
}

// TestPeriodicDropReducesThroughput compares an unimpaired trial with a
// trial where we deterministically drop 10% of the segments.
func TestPeriodicDropReducesThroughput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	run := func(profile *cwndlab.ImpairmentProfile) *cwndlab.TrialResult {
		spec := &cwndlab.TrialSpec{
			Profile:        profile,
			Duration:       60 * time.Second,
			SampleInterval: 500 * time.Millisecond,
			Mode:           cwndlab.SamplingModeCounter,
		}
		result, err := h.engine.Run(ctx, spec)
		if err != nil {
			t.Fatal(err)
		}
		return result
	}

	meanIntervalBytes := func(result *cwndlab.TrialResult) float64 {
		var data stats.Float64Data
		for _, sample := range result.Samples {
			data = append(data, float64(sample.IntervalBytes))
		}
		mean, err := stats.Mean(data)
		if err != nil {
			t.Fatal(err)
		}
		return mean
	}

	baseline := run(nil)

	profile, err := cwndlab.NewImpairmentProfile(cwndlab.PeriodicDrop{Probability: 0.1})
	if err != nil {
		t.Fatal(err)
	}
	capture, err := cwndlab.StartCapture(&cwndlab.CaptureConfig{
		Endpoint: h.topology.Config.Far,
		Filename: filepath.Join(t.TempDir(), "capture.pcap"),
		Logger:   log.Log,
		Port:     h.topology.Config.Port,
	})
	if err != nil {
		t.Fatal(err)
	}
	impaired := run(profile)
	captured := capture.Stop()

	impairedMean, baselineMean := meanIntervalBytes(impaired), meanIntervalBytes(baseline)
	if impairedMean >= baselineMean {
		t.Fatal("expected the periodic drop to reduce the throughput")
	}
	if impairedMean < 0.9*baselineMean {
		t.Fatal("expected at least 90% of", baselineMean, "got", impairedMean)
	}

	drops := impaired.DropStats
	if drops == nil {
		t.Fatal("expected drop stats")
	}
	if drops.Period != 10 || !drops.Consistent() {
		t.Fatal("unexpected drop stats", drops)
	}
	if drops.Oversize != 0 {
		t.Fatal("segmentation offloading seems to be active", drops.Oversize)
	}
	if captured.DataSegments <= 0 || captured.Retransmissions <= 0 {
		t.Fatal("unexpected capture stats", captured)
	}

	// the filter must be gone once the trial is over
	if err := h.controller.CheckClean(ctx); err != nil {
		t.Fatal(err)
	}
}

// TestCaptureWritesPCAP ensures that the capture writes a readable PCAP.
func TestCaptureWritesPCAP(t *testing.T) {
	h := newHarness(t)
	filename := filepath.Join(t.TempDir(), "capture.pcap")
	capture, err := cwndlab.StartCapture(&cwndlab.CaptureConfig{
		Endpoint: h.topology.Config.Far,
		Filename: filename,
		Logger:   log.Log,
		Port:     h.topology.Config.Port,
	})
	if err != nil {
		t.Fatal(err)
	}
	spec := &cwndlab.TrialSpec{
		Duration:       time.Second,
		SampleInterval: 250 * time.Millisecond,
		Mode:           cwndlab.SamplingModeCounter,
	}
	if _, err := h.engine.Run(context.Background(), spec); err != nil {
		t.Fatal(err)
	}
	captured := capture.Stop()

	filep, err := os.Open(filename)
	if err != nil {
		t.Fatal(err)
	}
	defer filep.Close()
	reader, err := pcapgo.NewReader(filep)
	if err != nil {
		t.Fatal(err)
	}
	var frames int64
	for {
		if _, _, err := reader.ReadPacketData(); err != nil {
			break
		}
		frames++
	}
	if frames != captured.Frames || frames <= 0 {
		t.Fatal("expected", captured.Frames, "frames, got", frames)
	}
}
