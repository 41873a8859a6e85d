package cwndlab

import (
	"encoding/binary"
	"errors"
	"net"

	"golang.org/x/sys/unix"
)

// StartCapture starts capturing the frames received by the device of the
// configured endpoint using an AF_PACKET socket created inside the endpoint's
// namespace. Use [Capture.Stop] to stop capturing.
func StartCapture(config *CaptureConfig) (*Capture, error) {
	var source *afpacketSource
	err := WithNetns(config.Endpoint.Name, func() error {
		iface, err := net.InterfaceByName(config.Endpoint.Name)
		if err != nil {
			return err
		}
		source, err = newAFPacketSource(iface.Index)
		return err
	})
	if err != nil {
		return nil, newError(TopologyError, config.Endpoint.Name, "", "capture", err)
	}
	return newCapture(source, config)
}

// afpacketSource is a [frameSource] using an AF_PACKET socket.
type afpacketSource struct {
	fd int
}

// htons converts v to network byte order.
func htons(v uint16) uint16 {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return binary.NativeEndian.Uint16(b[:])
}

// newAFPacketSource creates an [afpacketSource] bound to the given device.
func newAFPacketSource(ifindex int) (*afpacketSource, error) {
	proto := htons(unix.ETH_P_ALL)
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW|unix.SOCK_CLOEXEC, int(proto))
	if err != nil {
		return nil, err
	}
	addr := &unix.SockaddrLinklayer{
		Protocol: proto,
		Ifindex:  ifindex,
	}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, err
	}
	// the timeout allows the capture loop to notice it should stop
	tv := unix.NsecToTimeval(int64(captureReadTimeout))
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &afpacketSource{fd: fd}, nil
}

func (s *afpacketSource) readFrame(buffer []byte) (int, error) {
	count, _, err := unix.Recvfrom(s.fd, buffer, 0)
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
		return 0, errCaptureTimeout
	}
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *afpacketSource) Close() error {
	return unix.Close(s.fd)
}
