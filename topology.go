package cwndlab

//
// Network topology
//

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
)

// TopologyConfig configures a [Topology]. Use [DefaultTopologyConfig]
// to obtain the configuration used by the command line tool.
type TopologyConfig struct {
	// Near is the MANDATORY sending endpoint.
	Near Endpoint

	// Far is the MANDATORY receiving endpoint, where the drain runs.
	Far Endpoint

	// PrefixLen is the MANDATORY length of the network prefix.
	PrefixLen int

	// MTU is the MANDATORY MTU of both devices.
	MTU int

	// Port is the MANDATORY TCP port where the drain listens.
	Port int

	// NoVerify OPTIONALLY disables checking the devices using netlink
	// after building the topology. Set it when using a [DryRunShell].
	NoVerify bool
}

// DefaultTopologyConfig returns the default [TopologyConfig].
func DefaultTopologyConfig() *TopologyConfig {
	return &TopologyConfig{
		Near: Endpoint{
			Name:    "near",
			Address: "10.1.1.2",
		},
		Far: Endpoint{
			Name:    "far",
			Address: "10.1.1.1",
		},
		PrefixLen: 24,
		MTU:       1500,
		Port:      1234,
		NoVerify:  false,
	}
}

// Topology is a point-to-point topology consisting of two network
// namespaces connected by a veth pair. The device inside each namespace
// has the same name as the namespace. The zero value is invalid; please,
// use [NewTopology] or [BuildTopology] to construct.
type Topology struct {
	// Config is the topology configuration. You MUST NOT modify it.
	Config TopologyConfig

	// logger is the logger to use.
	logger Logger

	// mu serializes Build and Teardown.
	mu sync.Mutex

	// shell runs commands.
	shell Shell
}

// NewTopology creates a new [Topology] without building it.
func NewTopology(config *TopologyConfig, shell Shell, logger Logger) *Topology {
	return &Topology{
		Config: *config,
		logger: logger,
		mu:     sync.Mutex{},
		shell:  shell,
	}
}

// BuildTopology creates and builds a [Topology]. Use Teardown to
// remove the namespaces created by this function.
func BuildTopology(ctx context.Context, config *TopologyConfig, shell Shell, logger Logger) (*Topology, error) {
	t := NewTopology(config, shell, logger)
	if err := t.Build(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// Endpoints returns the near and the far endpoints.
func (t *Topology) Endpoints() []Endpoint {
	return []Endpoint{t.Config.Near, t.Config.Far}
}

// Build removes any leftover namespace with the same names and then creates
// the namespaces, the veth pair, assigns addresses, sets the MTU, brings the
// devices up, and disables segmentation offloading. Building twice in a row
// yields the same topology as building once.
func (t *Topology) Build(ctx context.Context) error {
	defer t.mu.Unlock()
	t.mu.Lock()

	near, far := t.Config.Near, t.Config.Far
	t.logger.Infof("cwndlab: building topology %s/%s <-> %s/%s", near.Name, near.Address, far.Name, far.Address)

	// remove leftovers and ignore errors since they may not exist
	for _, ep := range t.Endpoints() {
		_ = ShellRunf(ctx, t.shell, "ip netns delete %s", ep.Name)
	}

	for _, ep := range t.Endpoints() {
		if err := ShellRunf(ctx, t.shell, "ip netns add %s", ep.Name); err != nil {
			return newError(TopologyError, ep.Name, "", "build", err)
		}
	}

	err := ShellRunf(
		ctx,
		t.shell,
		"ip link add dev %s netns %s type veth peer name %s netns %s",
		near.Name, near.Name, far.Name, far.Name,
	)
	if err != nil {
		return newError(TopologyError, near.Name, "", "build", err)
	}

	for _, ep := range t.Endpoints() {
		if err := t.configureDevice(ctx, ep); err != nil {
			return newError(TopologyError, ep.Name, "", "build", err)
		}
	}

	if t.Config.NoVerify {
		return nil
	}
	for _, ep := range t.Endpoints() {
		if err := t.verify(ep); err != nil {
			return newError(TopologyError, ep.Name, "", "verify", err)
		}
	}
	return nil
}

// configureDevice configures the device inside the given endpoint.
func (t *Topology) configureDevice(ctx context.Context, ep Endpoint) error {
	if err := shellNetnsRunf(ctx, t.shell, ep.Name, "ip addr add %s/%d dev %s",
		ep.Address, t.Config.PrefixLen, ep.Name); err != nil {
		return err
	}
	if err := shellNetnsRunf(ctx, t.shell, ep.Name, "ip link set dev %s mtu %d up",
		ep.Name, t.Config.MTU); err != nil {
		return err
	}
	// we want the kernel to send MTU-sized segments on the wire such that
	// netem and nftables act on the same packets that TCP accounts for
	return shellNetnsRunf(ctx, t.shell, ep.Name, "ethtool -K %s tso off gso off", ep.Name)
}

// errVerify indicates that a device is not configured as expected.
var errVerify = errors.New("device not configured as expected")

// verify uses netlink to ensure that the device inside ep is correctly configured.
func (t *Topology) verify(ep Endpoint) error {
	status, err := t.Inspect(ep)
	if err != nil {
		return err
	}
	if !status.Up {
		return fmt.Errorf("%w: %s is down", errVerify, ep.Name)
	}
	if status.MTU != t.Config.MTU {
		return fmt.Errorf("%w: %s has MTU %d", errVerify, ep.Name, status.MTU)
	}
	expect := fmt.Sprintf("%s/%d", ep.Address, t.Config.PrefixLen)
	for _, addr := range status.Addresses {
		if addr == expect {
			return nil
		}
	}
	return fmt.Errorf("%w: %s lacks %s", errVerify, ep.Name, expect)
}

// Teardown removes both namespaces, which also destroys the veth pair. Removing
// a namespace that does not exist is not an error, so Teardown is idempotent.
func (t *Topology) Teardown(ctx context.Context) error {
	defer t.mu.Unlock()
	t.mu.Lock()

	t.logger.Infof("cwndlab: tearing down topology")
	var errv []error
	for _, ep := range t.Endpoints() {
		if !netnsExists(ep.Name) {
			continue
		}
		err := ShellRunf(ctx, t.shell, "ip netns delete %s", ep.Name)
		if err != nil && netnsExists(ep.Name) {
			errv = append(errv, newError(TopologyError, ep.Name, "", "teardown", err))
		}
	}
	return errors.Join(errv...)
}

// ServerAddr returns the endpoint where the drain listens.
func (t *Topology) ServerAddr() string {
	return net.JoinHostPort(t.Config.Far.Address, strconv.Itoa(t.Config.Port))
}

// Listen creates a TCP listener for the drain inside the far namespace.
func (t *Topology) Listen() (net.Listener, error) {
	var listener net.Listener
	err := WithNetns(t.Config.Far.Name, func() (err error) {
		listener, err = net.Listen("tcp", t.ServerAddr())
		return
	})
	if err != nil {
		return nil, newError(TopologyError, t.Config.Far.Name, "", "listen", err)
	}
	return listener, nil
}

// Dialer returns a [Dialer] creating connections inside the near namespace.
func (t *Topology) Dialer() Dialer {
	return &netnsDialer{
		dialer: &net.Dialer{},
		netns:  t.Config.Near.Name,
	}
}
