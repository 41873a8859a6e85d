//go:build !linux

package cwndlab

// unsupportedFilter is the [PacketFilter] of platforms without nf_tables.
type unsupportedFilter struct{}

// NewPacketFilter returns the [PacketFilter] for this platform.
func NewPacketFilter() PacketFilter {
	return unsupportedFilter{}
}

func (unsupportedFilter) Install(endpoint string, config *PeriodicDropConfig) error {
	return ErrNotSupported
}

func (unsupportedFilter) Installed(endpoint string) (bool, error) {
	return false, nil
}

func (unsupportedFilter) Remove(endpoint string) error {
	return ErrNotSupported
}

func (unsupportedFilter) Stats(endpoint string) (*PeriodicDropStats, error) {
	return nil, ErrNotSupported
}
