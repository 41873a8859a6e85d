package cwndlab

//
// Packet capture
//

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// CaptureConfig configures a [Capture].
type CaptureConfig struct {
	// Endpoint is the MANDATORY endpoint whose device we capture from.
	Endpoint Endpoint

	// Filename is the OPTIONAL PCAP file where to save the frames.
	Filename string

	// Logger is the MANDATORY logger.
	Logger Logger

	// Port is the MANDATORY TCP destination port of the data segments.
	Port int
}

// CaptureStats contains statistics collected by a [Capture].
type CaptureStats struct {
	// Frames is the number of frames we captured.
	Frames int64

	// DataSegments is the number of TCP segments with payload
	// destined to the configured port.
	DataSegments int64

	// DataBytes is the payload carried by DataSegments.
	DataBytes int64

	// Retransmissions is the number of DataSegments whose sequence
	// number is not greater than one already observed.
	Retransmissions int64
}

// captureReadTimeout is the maximum time a frame source blocks.
const captureReadTimeout = 100 * time.Millisecond

// errCaptureTimeout indicates that no frame was available.
var errCaptureTimeout = errors.New("cwndlab: capture timeout")

// frameSource is a source of Ethernet frames.
type frameSource interface {
	// readFrame reads a frame into buffer. It returns errCaptureTimeout
	// after a short timeout if no frame is available.
	readFrame(buffer []byte) (int, error)

	// Close releases the resources.
	Close() error
}

// Capture counts the data segments received by an endpoint and optionally
// saves the captured frames into a PCAP file. Because it observes frames
// before the input filters, comparing its counters with [PeriodicDropStats]
// tells whether the filter dropped what it was supposed to drop. The zero
// value is invalid; please, use [StartCapture] to construct.
type Capture struct {
	// cancel stops the background goroutine.
	cancel context.CancelFunc

	// closeOnce provides "once" semantics for Stop.
	closeOnce sync.Once

	// joined is closed when the background goroutine has terminated.
	joined chan any

	// stats contains the stats, written by the background goroutine.
	stats CaptureStats
}

// captureLoop is the state of the background goroutine.
type captureLoop struct {
	config  *CaptureConfig
	highest map[layers.TCPPort]uint32
	source  frameSource
	stats   *CaptureStats
	writer  *pcapgo.Writer
}

// newCapture creates a [Capture] reading from source.
func newCapture(source frameSource, config *CaptureConfig) (*Capture, error) {
	var (
		filep  *os.File
		writer *pcapgo.Writer
	)
	if config.Filename != "" {
		var err error
		filep, err = os.Create(config.Filename)
		if err != nil {
			source.Close()
			return nil, err
		}
		writer = pcapgo.NewWriter(filep)
		const largeSnapLen = 262144
		if err := writer.WriteFileHeader(largeSnapLen, layers.LinkTypeEthernet); err != nil {
			filep.Close()
			source.Close()
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Capture{
		cancel:    cancel,
		closeOnce: sync.Once{},
		joined:    make(chan any),
		stats:     CaptureStats{},
	}
	loop := &captureLoop{
		config:  config,
		highest: map[layers.TCPPort]uint32{},
		source:  source,
		stats:   &c.stats,
		writer:  writer,
	}
	go func() {
		defer close(c.joined)
		defer source.Close()
		if filep != nil {
			defer func() {
				if err := filep.Close(); err != nil {
					config.Logger.Warnf("cwndlab: capture: filep.Close: %s", err.Error())
				}
			}()
		}
		loop.run(ctx)
	}()
	return c, nil
}

// run reads frames until ctx is done or reading fails.
func (cl *captureLoop) run(ctx context.Context) {
	buffer := make([]byte, 1<<16)
	for {
		select {
		case <-ctx.Done():
			return
		default:
			// nothing
		}
		count, err := cl.source.readFrame(buffer)
		if errors.Is(err, errCaptureTimeout) {
			continue
		}
		if err != nil {
			cl.config.Logger.Warnf("cwndlab: capture: %s", err.Error())
			return
		}
		cl.process(buffer[:count])
	}
}

// process updates the stats and writes the frame into the PCAP file.
func (cl *captureLoop) process(frame []byte) {
	cl.stats.Frames++
	if cl.writer != nil {
		ci := gopacket.CaptureInfo{
			Timestamp:      time.Now(),
			CaptureLength:  len(frame),
			Length:         len(frame),
			InterfaceIndex: 0,
			AncillaryData:  []interface{}{},
		}
		if err := cl.writer.WritePacket(ci, frame); err != nil {
			cl.config.Logger.Warnf("cwndlab: capture: w.WritePacket: %s", err.Error())
			// fallthrough
		}
	}
	packet := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Lazy)
	tcpLayer := packet.Layer(layers.LayerTypeTCP)
	if tcpLayer == nil {
		return
	}
	tcp := tcpLayer.(*layers.TCP)
	if tcp.DstPort != layers.TCPPort(cl.config.Port) || len(tcp.Payload) <= 0 {
		return
	}
	cl.stats.DataSegments++
	cl.stats.DataBytes += int64(len(tcp.Payload))
	end := tcp.Seq + uint32(len(tcp.Payload))
	highest, found := cl.highest[tcp.SrcPort]
	if found && int32(end-highest) <= 0 {
		cl.stats.Retransmissions++
		return
	}
	cl.highest[tcp.SrcPort] = end
}

// Stop stops capturing and returns the stats.
func (c *Capture) Stop() *CaptureStats {
	c.closeOnce.Do(func() {
		c.cancel()
		<-c.joined
	})
	stats := c.stats
	return &stats
}
