//go:build linux && !386

package cwndlab

import (
	"net"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ReadConnectionSnapshot reads the [ConnectionSnapshot] of conn. It fails
// with [ErrNotQueryable] if conn is not backed by a socket, with the error
// reported by the kernel if getsockopt fails (e.g., because conn has been
// closed), and with [ErrSnapshotLength] if the kernel returns fewer bytes
// than expected.
func ReadConnectionSnapshot(conn net.Conn) (*ConnectionSnapshot, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil, ErrNotQueryable
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return nil, err
	}
	buffer := make([]byte, ConnectionSnapshotSize)
	length := uint32(len(buffer))
	var sockerr error
	err = rc.Control(func(fd uintptr) {
		_, _, errno := unix.Syscall6(
			unix.SYS_GETSOCKOPT,
			fd,
			unix.SOL_TCP,
			unix.TCP_INFO,
			uintptr(unsafe.Pointer(&buffer[0])),
			uintptr(unsafe.Pointer(&length)),
			0,
		)
		if errno != 0 {
			sockerr = errno
		}
	})
	if err != nil {
		return nil, err
	}
	if sockerr != nil {
		return nil, sockerr
	}
	return DecodeConnectionSnapshot(buffer[:length])
}
