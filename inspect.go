package cwndlab

//
// Inspecting the topology using netlink
//

import (
	"math"
	"net"

	"github.com/florianl/go-tc"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
)

// LinkStatus is the status of the device inside an [Endpoint].
type LinkStatus struct {
	// Endpoint is the endpoint name.
	Endpoint string

	// Index is the device index inside the namespace.
	Index int

	// MTU is the device MTU.
	MTU int

	// Up indicates whether the device is administratively up.
	Up bool

	// OperState is the operational state (e.g., "up", "lowerlayerdown").
	OperState string

	// Addresses contains the IPv4 addresses in CIDR notation.
	Addresses []string
}

// Inspect returns the [LinkStatus] of the device inside ep.
func (t *Topology) Inspect(ep Endpoint) (*LinkStatus, error) {
	nsHandle, err := netns.GetFromName(ep.Name)
	if err != nil {
		return nil, err
	}
	defer nsHandle.Close()

	handle, err := netlink.NewHandleAt(nsHandle)
	if err != nil {
		return nil, err
	}
	defer handle.Delete()

	link, err := handle.LinkByName(ep.Name)
	if err != nil {
		return nil, err
	}
	attrs := link.Attrs()

	addrs, err := handle.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return nil, err
	}

	status := &LinkStatus{
		Endpoint:  ep.Name,
		Index:     attrs.Index,
		MTU:       attrs.MTU,
		Up:        attrs.Flags&net.FlagUp != 0,
		OperState: attrs.OperState.String(),
		Addresses: []string{},
	}
	for _, addr := range addrs {
		if addr.IPNet != nil {
			status.Addresses = append(status.Addresses, addr.IPNet.String())
		}
	}
	return status, nil
}

// QdiscInfo describes a queueing discipline attached to a device.
type QdiscInfo struct {
	// Kind is the qdisc kind (e.g., "netem", "noqueue").
	Kind string

	// Root indicates whether this is the root qdisc of the device.
	Root bool

	// Limit is the netem queue limit in packets. Zero for other kinds.
	Limit uint32

	// Loss is the netem loss probability in [0, 1]. Zero for other kinds.
	Loss float64
}

// QdiscInspector returns the queueing disciplines attached to an endpoint.
type QdiscInspector interface {
	QdiscState(ep Endpoint) ([]QdiscInfo, error)
}

var _ QdiscInspector = &Topology{}

// QdiscState implements QdiscInspector using the rtnetlink socket of
// the endpoint's namespace. Comparing the result before applying and
// after removing an [ImpairmentProfile] tells whether removal restored
// the original link state.
func (t *Topology) QdiscState(ep Endpoint) ([]QdiscInfo, error) {
	status, err := t.Inspect(ep)
	if err != nil {
		return nil, err
	}

	nsHandle, err := netns.GetFromName(ep.Name)
	if err != nil {
		return nil, err
	}
	defer nsHandle.Close()

	rtnl, err := tc.Open(&tc.Config{NetNS: int(nsHandle)})
	if err != nil {
		return nil, err
	}
	defer rtnl.Close()

	objs, err := rtnl.Qdisc().Get()
	if err != nil {
		return nil, err
	}

	out := []QdiscInfo{}
	for _, obj := range objs {
		if obj.Msg.Ifindex != uint32(status.Index) {
			continue
		}
		info := QdiscInfo{
			Kind: obj.Attribute.Kind,
			Root: obj.Msg.Parent == tc.HandleRoot,
		}
		if obj.Attribute.Netem != nil {
			info.Limit = obj.Attribute.Netem.Qopt.Limit
			info.Loss = float64(obj.Attribute.Netem.Qopt.Loss) / math.MaxUint32
		}
		out = append(out, info)
	}
	return out, nil
}
