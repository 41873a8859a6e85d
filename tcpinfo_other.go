//go:build !linux || 386

package cwndlab

import "net"

// ReadConnectionSnapshot always fails with [ErrNotSupported] on this platform.
func ReadConnectionSnapshot(conn net.Conn) (*ConnectionSnapshot, error) {
	return nil, ErrNotSupported
}
