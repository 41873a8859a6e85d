package cwndlab

//
// Deterministic periodic drops using nftables
//

import (
	"context"
)

// filterTable is the nftables table containing our rules.
const filterTable = "cwndlab"

// filterChain is the chain of [filterTable] hooked to the input path.
const filterChain = "input"

// PeriodicDropStats contains the counters of the periodic drop rules.
type PeriodicDropStats struct {
	// Period is the N in "drop one packet every N".
	Period int

	// Observed counts the TCP segments destined to the drain.
	Observed int64

	// Oversize counts the packets dropped because they exceed the MTU.
	Oversize int64

	// Dropped counts the TCP segments dropped by the periodic rule.
	Dropped int64
}

// Consistent returns whether the filter dropped exactly one
// packet every Period among those that reached the rule.
func (s *PeriodicDropStats) Consistent() bool {
	if s.Period <= 0 {
		return false
	}
	return s.Dropped == (s.Observed-s.Oversize)/int64(s.Period)
}

// PeriodicDropConfig describes the rules installed by a [PacketFilter].
type PeriodicDropConfig struct {
	// MTU is the size above which we drop packets.
	MTU int

	// Period is the N in "drop one packet every N".
	Period int

	// Port is the destination port of the segments to drop.
	Port int
}

// PacketFilter manages the periodic drop filter inside a network namespace.
type PacketFilter interface {
	// Install atomically installs the filter inside endpoint.
	Install(endpoint string, config *PeriodicDropConfig) error

	// Installed returns whether the filter exists inside endpoint.
	Installed(endpoint string) (bool, error)

	// Remove removes the filter from endpoint.
	Remove(endpoint string) error

	// Stats reads the counters of the filter inside endpoint.
	Stats(endpoint string) (*PeriodicDropStats, error)
}

// InstallPeriodicDrop installs on the input hook of endpoint a filter
// dropping one TCP segment every N destined to the drain port, where N
// is the period of pd. The filter also counts the segments it observes
// and drops packets larger than the MTU, which would otherwise mean that
// segmentation offloading is still active. On failure, this function
// removes whatever it has already installed.
func (c *ImpairmentController) InstallPeriodicDrop(ctx context.Context, endpoint string, pd PeriodicDrop) error {
	if err := pd.Validate(); err != nil {
		return newError(ImpairmentError, endpoint, pd.String(), "install", err)
	}
	if err := ctx.Err(); err != nil {
		return newError(ImpairmentError, endpoint, pd.String(), "install", err)
	}
	config := &PeriodicDropConfig{
		MTU:    c.MTU,
		Period: pd.Period(),
		Port:   c.Port,
	}
	c.Logger.Infof("cwndlab: %s: dropping one packet every %d", endpoint, config.Period)
	if err := c.Filter.Install(endpoint, config); err != nil {
		_ = c.FlushFilters(ctx, endpoint)
		return newError(ImpairmentError, endpoint, pd.String(), "install", err)
	}
	return nil
}

// FlushFilters removes the filters installed by [InstallPeriodicDrop]. Flushing
// an endpoint without our filters is not an error.
func (c *ImpairmentController) FlushFilters(ctx context.Context, endpoint string) error {
	present, err := c.Filter.Installed(endpoint)
	if err != nil {
		return newError(ImpairmentError, endpoint, "", "flush", err)
	}
	if !present {
		return nil
	}
	if err := c.Filter.Remove(endpoint); err != nil {
		return newError(ImpairmentError, endpoint, "", "flush", err)
	}
	return nil
}

// PeriodicDropStats reads the counters of the filters installed inside endpoint.
func (c *ImpairmentController) PeriodicDropStats(ctx context.Context, endpoint string) (*PeriodicDropStats, error) {
	stats, err := c.Filter.Stats(endpoint)
	if err != nil {
		return nil, newError(ImpairmentError, endpoint, "", "stats", err)
	}
	return stats, nil
}
