// Package cwndlab is a harness to observe the Linux TCP stack under
// synthetic network impairments.
//
// The harness creates a point-to-point [Topology] consisting of two
// network namespaces, "near" and "far", connected by a veth pair. The
// "far" namespace runs a [DrainServer] that discards whatever it
// receives. The "near" namespace is where we open connections and
// push data as fast as the kernel lets us.
//
// Before each trial, the [ImpairmentController] installs an
// [ImpairmentProfile] on the link. Most impairments (delay, loss,
// duplication, reordering, rate limiting) use a netem queueing
// discipline on the "near" egress. A [PeriodicDrop] instead uses an
// nftables rule on the "far" input that drops exactly one packet
// every N, which gives us reproducible losses.
//
// The [TrialEngine] runs a single trial. It dials the drain, starts a
// sampling goroutine and a transfer goroutine, and stops after the
// configured duration. Depending on the [SamplingMode], each sample
// contains either a [ConnectionSnapshot] (read from the kernel using
// the TCP_INFO socket option) or the number of bytes written during
// the last sampling interval. Use [Summarize] to reduce a
// [TrialResult] to a [Summary].
//
// Trials MUST run sequentially because they share the same topology
// and the same impairment state. Building the topology and applying
// impairments requires root privileges and the ip, tc, ethtool, and
// nft commands.
package cwndlab
