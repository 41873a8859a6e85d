package cwndlab

//
// Transfer path
//

import (
	"context"
	"errors"
	"net"
	"os"
	"time"
)

// transferPath writes fixed-size frames to a connection as fast as the kernel
// lets it. Each write waits at most yield for buffer space, such that the loop
// notices cancellation promptly even when the send buffer is full.
type transferPath struct {
	// conn is the connection to write to.
	conn net.Conn

	// counter receives the number of bytes written.
	counter *ByteAdder

	// frameSize is the frame size.
	frameSize int

	// logger is the logger to use.
	logger Logger

	// yield is the maximum time a single write may wait.
	yield time.Duration
}

// run writes until ctx is done and returns the number of bytes written. An
// error means that writing failed for reasons other than the send buffer
// being full. Partial writes resume from where the kernel stopped, so the
// receiver observes a sequence of whole frames.
func (tp *transferPath) run(ctx context.Context) (int64, error) {
	frame := make([]byte, tp.frameSize)
	var (
		blocked int64
		offset  int
		total   int64
	)
	defer func() {
		tp.logger.Debugf("cwndlab: transfer: %d bytes written, %d writes would block", total, blocked)
	}()
	for {
		select {
		case <-ctx.Done():
			return total, nil
		default:
			// nothing
		}
		if err := tp.conn.SetWriteDeadline(time.Now().Add(tp.yield)); err != nil {
			return total, err
		}
		count, err := tp.conn.Write(frame[offset:])
		total += int64(count)
		tp.counter.Add(int64(count))
		offset = (offset + count) % len(frame)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				blocked++
				continue
			}
			return total, err
		}
	}
}
