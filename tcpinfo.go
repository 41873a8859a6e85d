package cwndlab

//
// Kernel's view of a TCP connection
//

import (
	"encoding/binary"
	"fmt"
	"time"
)

// ConnectionSnapshotSize is the size in bytes of the prefix of the
// kernel's struct tcp_info that [ConnectionSnapshot] describes.
const ConnectionSnapshotSize = 104

// ConnectionSnapshot is the kernel's view of a TCP connection at a given
// time, as returned by the TCP_INFO socket option. Times are in microseconds
// and window sizes are in segments unless otherwise noted.
type ConnectionSnapshot struct {
	State       uint8
	CAState     uint8
	Retransmits uint8
	Probes      uint8
	Backoff     uint8
	Options     uint8

	// WScale packs the send (low nibble) and receive (high nibble) window scale.
	WScale uint8

	// AppLimited packs the delivery_rate_app_limited and fastopen_client_fail bits.
	AppLimited uint8

	RTO          uint32
	ATO          uint32
	SndMSS       uint32
	RcvMSS       uint32
	Unacked      uint32
	Sacked       uint32
	Lost         uint32
	Retrans      uint32
	Fackets      uint32
	LastDataSent uint32
	LastAckSent  uint32
	LastDataRecv uint32
	LastAckRecv  uint32
	PMTU         uint32
	RcvSsthresh  uint32
	RTT          uint32
	RTTVar       uint32
	SndSsthresh  uint32
	SndCwnd      uint32
	AdvMSS       uint32
	Reordering   uint32
	RcvRTT       uint32
	RcvSpace     uint32
	TotalRetrans uint32
}

// layout returns pointers to the fields in the same order of struct tcp_info.
func (s *ConnectionSnapshot) layout() ([]*uint8, []*uint32) {
	bytes := []*uint8{
		&s.State, &s.CAState, &s.Retransmits, &s.Probes,
		&s.Backoff, &s.Options, &s.WScale, &s.AppLimited,
	}
	words := []*uint32{
		&s.RTO, &s.ATO, &s.SndMSS, &s.RcvMSS,
		&s.Unacked, &s.Sacked, &s.Lost, &s.Retrans, &s.Fackets,
		&s.LastDataSent, &s.LastAckSent, &s.LastDataRecv, &s.LastAckRecv,
		&s.PMTU, &s.RcvSsthresh, &s.RTT, &s.RTTVar, &s.SndSsthresh,
		&s.SndCwnd, &s.AdvMSS, &s.Reordering, &s.RcvRTT, &s.RcvSpace,
		&s.TotalRetrans,
	}
	return bytes, words
}

// DecodeConnectionSnapshot decodes a [ConnectionSnapshot] from the raw
// bytes written by the kernel, which use the host byte order. It fails with
// [ErrSnapshotLength] unless data is exactly [ConnectionSnapshotSize] bytes.
func DecodeConnectionSnapshot(data []byte) (*ConnectionSnapshot, error) {
	if len(data) != ConnectionSnapshotSize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrSnapshotLength, ConnectionSnapshotSize, len(data))
	}
	s := &ConnectionSnapshot{}
	bytes, words := s.layout()
	for idx, p := range bytes {
		*p = data[idx]
	}
	for idx, p := range words {
		*p = binary.NativeEndian.Uint32(data[len(bytes)+4*idx:])
	}
	return s, nil
}

// Encode is the inverse of [DecodeConnectionSnapshot].
func (s *ConnectionSnapshot) Encode() []byte {
	data := make([]byte, ConnectionSnapshotSize)
	bytes, words := s.layout()
	for idx, p := range bytes {
		data[idx] = *p
	}
	for idx, p := range words {
		binary.NativeEndian.PutUint32(data[len(bytes)+4*idx:], *p)
	}
	return data
}

// SndWScale returns the send window scale.
func (s *ConnectionSnapshot) SndWScale() uint8 {
	return s.WScale & 0x0f
}

// RcvWScale returns the receive window scale.
func (s *ConnectionSnapshot) RcvWScale() uint8 {
	return s.WScale >> 4
}

// SmoothedRTT returns the smoothed RTT.
func (s *ConnectionSnapshot) SmoothedRTT() time.Duration {
	return time.Duration(s.RTT) * time.Microsecond
}

// RTTVariance returns the RTT variance.
func (s *ConnectionSnapshot) RTTVariance() time.Duration {
	return time.Duration(s.RTTVar) * time.Microsecond
}

var tcpStateNames = []string{
	"",
	"ESTABLISHED",
	"SYN_SENT",
	"SYN_RECV",
	"FIN_WAIT1",
	"FIN_WAIT2",
	"TIME_WAIT",
	"CLOSE",
	"CLOSE_WAIT",
	"LAST_ACK",
	"LISTEN",
	"CLOSING",
	"NEW_SYN_RECV",
}

// StateName returns the name of the TCP state.
func (s *ConnectionSnapshot) StateName() string {
	if int(s.State) < len(tcpStateNames) && s.State > 0 {
		return tcpStateNames[s.State]
	}
	return fmt.Sprintf("UNKNOWN(%d)", s.State)
}

var tcpCAStateNames = []string{
	"Open",
	"Disorder",
	"CWR",
	"Recovery",
	"Loss",
}

// CAStateName returns the name of the congestion avoidance state.
func (s *ConnectionSnapshot) CAStateName() string {
	if int(s.CAState) < len(tcpCAStateNames) {
		return tcpCAStateNames[s.CAState]
	}
	return fmt.Sprintf("UNKNOWN(%d)", s.CAState)
}
