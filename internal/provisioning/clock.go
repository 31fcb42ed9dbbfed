package provisioning

import "sync/atomic"

// seqClock hands out operation sequence numbers.
//
// Every operation is stamped with a strictly increasing seq from this
// clock. The clock resumes from the highest seq in the store, so keys stay
// unique across restarts.
//
// Thread-safety: safe for concurrent use (atomic operations).
type seqClock struct {
	seq atomic.Int64
}

// newSeqClockAt creates a clock whose next value is start+1.
func newSeqClockAt(start int64) *seqClock {
	c := &seqClock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number.
func (c *seqClock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last issued sequence number.
func (c *seqClock) Current() int64 {
	return c.seq.Load()
}
