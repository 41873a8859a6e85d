//go:build linux

package cwndlab

//
// PacketFilter implementation speaking netlink with nf_tables
//

import (
	"errors"
	"fmt"

	"github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"
)

// NFTablesFilter is the [PacketFilter] configuring nf_tables through netlink.
type NFTablesFilter struct{}

var _ PacketFilter = &NFTablesFilter{}

// NewPacketFilter returns the [PacketFilter] for this platform.
func NewPacketFilter() PacketFilter {
	return &NFTablesFilter{}
}

// Install implements PacketFilter. All the rules go in a single batch, so
// either the kernel installs them all or none of them.
func (f *NFTablesFilter) Install(endpoint string, config *PeriodicDropConfig) error {
	return withNFTablesConn(endpoint, func(conn *nftables.Conn) error {
		table, chain := newFilterTableAndChain()
		conn.AddTable(table)
		conn.AddChain(chain)
		for _, rule := range newPeriodicDropRules(table, chain, config) {
			conn.AddRule(rule)
		}
		return conn.Flush()
	})
}

// Installed implements PacketFilter.
func (f *NFTablesFilter) Installed(endpoint string) (found bool, err error) {
	err = withNFTablesConn(endpoint, func(conn *nftables.Conn) error {
		tables, err := conn.ListTablesOfFamily(nftables.TableFamilyIPv4)
		if err != nil {
			return err
		}
		for _, table := range tables {
			if table.Name == filterTable {
				found = true
			}
		}
		return nil
	})
	return
}

// Remove implements PacketFilter.
func (f *NFTablesFilter) Remove(endpoint string) error {
	return withNFTablesConn(endpoint, func(conn *nftables.Conn) error {
		table, _ := newFilterTableAndChain()
		conn.DelTable(table)
		return conn.Flush()
	})
}

// Stats implements PacketFilter.
func (f *NFTablesFilter) Stats(endpoint string) (stats *PeriodicDropStats, err error) {
	err = withNFTablesConn(endpoint, func(conn *nftables.Conn) error {
		table, chain := newFilterTableAndChain()
		rules, err := conn.GetRules(table, chain)
		if err != nil {
			return err
		}
		stats, err = periodicDropStatsFromRules(rules)
		return err
	})
	return
}

// withNFTablesConn calls fn with a netlink connection inside endpoint.
func withNFTablesConn(endpoint string, fn func(conn *nftables.Conn) error) error {
	handle, err := netns.GetFromName(endpoint)
	if err != nil {
		return err
	}
	defer handle.Close()
	conn, err := nftables.New(nftables.WithNetNSFd(int(handle)))
	if err != nil {
		return err
	}
	return fn(conn)
}

// newFilterTableAndChain returns the table and the input chain we use.
func newFilterTableAndChain() (*nftables.Table, *nftables.Chain) {
	table := &nftables.Table{
		Family: nftables.TableFamilyIPv4,
		Name:   filterTable,
	}
	chain := &nftables.Chain{
		Name:     filterChain,
		Table:    table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookInput,
		Priority: nftables.ChainPriorityFilter,
	}
	return table, chain
}

// Comments identifying our rules.
const (
	ruleCommentObserved = "cwndlab observed"
	ruleCommentOversize = "cwndlab oversize"
	ruleCommentPeriodic = "cwndlab periodic"
)

// newPeriodicDropRules returns the rules equivalent to:
//
//	tcp dport PORT counter
//	meta length > MTU counter drop
//	tcp dport PORT numgen inc mod N == N-1 counter drop
func newPeriodicDropRules(table *nftables.Table, chain *nftables.Chain, config *PeriodicDropConfig) []*nftables.Rule {
	matchDport := func() []expr.Any {
		return []expr.Any{
			&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{unix.IPPROTO_TCP}},
			&expr.Payload{
				DestRegister: 1,
				Base:         expr.PayloadBaseTransportHeader,
				Offset:       2,
				Len:          2,
			},
			&expr.Cmp{
				Op:       expr.CmpOpEq,
				Register: 1,
				Data:     binaryutil.BigEndian.PutUint16(uint16(config.Port)),
			},
		}
	}

	observed := append(matchDport(), &expr.Counter{})

	// the length is in host byte order and cmp compares bytes
	oversize := []expr.Any{
		&expr.Meta{Key: expr.MetaKeyLEN, Register: 1},
		&expr.Byteorder{
			SourceRegister: 1,
			DestRegister:   1,
			Op:             expr.ByteorderHton,
			Len:            4,
			Size:           4,
		},
		&expr.Cmp{
			Op:       expr.CmpOpGt,
			Register: 1,
			Data:     binaryutil.BigEndian.PutUint32(uint32(config.MTU)),
		},
		&expr.Counter{},
		&expr.Verdict{Kind: expr.VerdictDrop},
	}

	periodic := append(matchDport(),
		&expr.Numgen{
			Register: 1,
			Modulus:  uint32(config.Period),
			Type:     unix.NFT_NG_INCREMENTAL,
		},
		&expr.Cmp{
			Op:       expr.CmpOpEq,
			Register: 1,
			Data:     binaryutil.NativeEndian.PutUint32(uint32(config.Period - 1)),
		},
		&expr.Counter{},
		&expr.Verdict{Kind: expr.VerdictDrop},
	)

	newRule := func(comment string, exprs []expr.Any) *nftables.Rule {
		return &nftables.Rule{
			Table:    table,
			Chain:    chain,
			Exprs:    exprs,
			UserData: encodeRuleComment(comment),
		}
	}
	return []*nftables.Rule{
		newRule(ruleCommentObserved, observed),
		newRule(ruleCommentOversize, oversize),
		newRule(fmt.Sprintf("%s 1/%d", ruleCommentPeriodic, config.Period), periodic),
	}
}

// errMissingCounters indicates that some of our rules are missing.
var errMissingCounters = errors.New("cwndlab: missing periodic drop counters")

// periodicDropStatsFromRules collects the counters of our rules.
func periodicDropStatsFromRules(rules []*nftables.Rule) (*PeriodicDropStats, error) {
	stats := &PeriodicDropStats{}
	var found int
	for _, rule := range rules {
		var counter *expr.Counter
		for _, e := range rule.Exprs {
			if v, ok := e.(*expr.Counter); ok {
				counter = v
			}
		}
		if counter == nil {
			continue
		}
		packets := int64(counter.Packets)
		comment := decodeRuleComment(rule.UserData)
		switch comment {
		case ruleCommentObserved:
			stats.Observed = packets
			found++
		case ruleCommentOversize:
			stats.Oversize = packets
			found++
		default:
			var period int
			if _, err := fmt.Sscanf(comment, ruleCommentPeriodic+" 1/%d", &period); err != nil {
				continue
			}
			stats.Period = period
			stats.Dropped = packets
			found++
		}
	}
	if found != 3 {
		return nil, fmt.Errorf("%w: expected 3 counters, found %d", errMissingCounters, found)
	}
	return stats, nil
}

// ruleCommentType is the userdata TLV type nft uses for rule comments.
const ruleCommentType = 0

// encodeRuleComment encodes comment as the nft userdata TLV such
// that `nft list ruleset` shows the comment next to our rules.
func encodeRuleComment(comment string) []byte {
	value := append([]byte(comment), 0)
	return append([]byte{ruleCommentType, byte(len(value))}, value...)
}

// decodeRuleComment returns the comment inside userdata or an empty string.
func decodeRuleComment(userdata []byte) string {
	for len(userdata) >= 2 {
		kind, length := userdata[0], int(userdata[1])
		if len(userdata) < 2+length {
			return ""
		}
		value := userdata[2 : 2+length]
		if kind == ruleCommentType {
			if length > 0 && value[length-1] == 0 {
				value = value[:length-1]
			}
			return string(value)
		}
		userdata = userdata[2+length:]
	}
	return ""
}
