package cwndlab

//
// Network namespaces
//

import (
	"context"
	"net"
	"runtime"

	"github.com/vishvananda/netns"
)

// WithNetns runs fn on an OS thread that has entered the named network
// namespace. Sockets created by fn belong to such a namespace and keep
// belonging to it after WithNetns returns.
func WithNetns(name string, fn func() error) error {
	runtime.LockOSThread()

	origin, err := netns.Get()
	if err != nil {
		runtime.UnlockOSThread()
		return err
	}
	defer origin.Close()

	target, err := netns.GetFromName(name)
	if err != nil {
		runtime.UnlockOSThread()
		return err
	}
	defer target.Close()

	if err := netns.Set(target); err != nil {
		runtime.UnlockOSThread()
		return err
	}
	defer func() {
		// A thread we cannot move back stays locked, so the runtime
		// destroys it when this goroutine terminates.
		if err := netns.Set(origin); err != nil {
			return
		}
		runtime.UnlockOSThread()
	}()

	return fn()
}

// netnsExists returns whether the named network namespace exists.
func netnsExists(name string) bool {
	handle, err := netns.GetFromName(name)
	if err != nil {
		return false
	}
	handle.Close()
	return true
}

// netnsDialer is a [Dialer] creating sockets inside a network namespace.
type netnsDialer struct {
	// dialer is the underlying dialer.
	dialer *net.Dialer

	// netns is the network namespace name.
	netns string
}

var _ Dialer = &netnsDialer{}

// DialContext implements Dialer.
func (d *netnsDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	var conn net.Conn
	err := WithNetns(d.netns, func() (err error) {
		conn, err = d.dialer.DialContext(ctx, network, address)
		return
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}
