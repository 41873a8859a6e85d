package cwndlab

//
// Byte counter shared by the transfer path and the sampler
//

import "sync/atomic"

// byteCounter is the counter behind [ByteAdder] and [ByteSwapper].
type byteCounter struct {
	value atomic.Int64
}

// ByteAdder is the side of a byte counter used by the transfer path.
type ByteAdder struct {
	c *byteCounter
}

// Add adds count bytes to the counter.
func (a *ByteAdder) Add(count int64) {
	a.c.value.Add(count)
}

// ByteSwapper is the side of a byte counter used by the sampler.
type ByteSwapper struct {
	c *byteCounter
}

// Swap resets the counter to zero and returns its previous value. Because
// reading and resetting happen atomically, bytes added concurrently with
// Swap end up either in the returned value or in the next one.
func (s *ByteSwapper) Swap() int64 {
	return s.c.value.Swap(0)
}

// NewByteCounter creates a zero byte counter and returns its two
// sides. The transfer path only adds and the sampler only swaps.
func NewByteCounter() (*ByteAdder, *ByteSwapper) {
	c := &byteCounter{}
	return &ByteAdder{c}, &ByteSwapper{c}
}
