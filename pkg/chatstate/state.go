// Package chatstate implements the per-player chat bookkeeping record
// described in spec §4.2: the last forwarded client timestamp, the
// cached acknowledged bitmap, and the accumulator of acknowledgements
// withheld from the backend server.
//
// Every exported method here is documented as being called from within
// a single ChatQueue task; chatqueue is what serializes access. The
// delayed-ack counter is additionally kept atomic so diagnostic readers
// outside task context can sample it safely (spec §5, §9).
package chatstate

import (
	"sync/atomic"
	"time"

	"github.com/datawire/mc-chat-queue/pkg/lastseen"
	"github.com/datawire/mc-chat-queue/pkg/violation"
)

// MinDelayed is the headroom retained in the withheld-ack accumulator
// so an in-flight signed command can still reference recent bits. It
// is also the minimum forwardable count that triggers an out-of-band
// ChatAcknowledgement forward (spec §4.2 step 3).
const MinDelayed = lastseen.WindowSize

// State is the mutable per-player chat record (spec §3 "ChatState").
// The zero value is ready to use: last_timestamp at the epoch, an
// empty cached bitmap, and a zero delayed-ack count.
type State struct {
	lastTimestamp      int64 // unix nano, atomic
	cachedAcknowledged lastseen.AckBits
	delayedAckCount    uint32 // atomic
}

// New returns a State in its initial state.
func New() *State {
	return &State{}
}

// LastTimestamp returns the wall-clock instant of the most recently
// forwarded client chat/command, or the zero Time if none yet.
func (s *State) LastTimestamp() time.Time {
	ns := atomic.LoadInt64(&s.lastTimestamp)
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// CachedAcknowledged returns the last-known client acknowledgement
// bitmap, or lastseen.Dummy if it has been replaced.
func (s *State) CachedAcknowledged() lastseen.AckBits {
	return s.cachedAcknowledged
}

// DelayedAckCount returns the current withheld-acknowledgement count.
// Safe to call off-task for diagnostics; the chat core itself never
// reads it this way.
func (s *State) DelayedAckCount() uint32 {
	return atomic.LoadUint32(&s.delayedAckCount)
}

// UpdateFromMessage implements spec §4.2 update_from_message. Called by
// a chat/command task with the timestamp and last-seen window the
// client supplied (either may be absent/zero).
//
//   - If timestamp is non-zero, last_timestamp is set to it.
//   - If lastSeen is not present (hasLastSeen is false), returns
//     (zero, false, nil): no last-seen value to embed.
//   - Otherwise the delayed-ack accumulator is read-and-reset, the
//     cached bitmap is replaced by the client's, and the returned value
//     is the client's last-seen shifted by the withheld count.
//
// Returns a *violation.Violation (never fatal) if the shift overflows
// the protocol's maximum offset; the shift result is still returned
// (saturated), since spec §7 requires dropping packets only, never
// stalling the chain.
func (s *State) UpdateFromMessage(timestamp time.Time, lastSeen lastseen.Messages, hasLastSeen bool) (lastseen.Messages, bool, *violation.Violation) {
	if !timestamp.IsZero() {
		atomic.StoreInt64(&s.lastTimestamp, timestamp.UnixNano())
	}
	if !hasLastSeen {
		return lastseen.Messages{}, false, nil
	}

	d := atomic.SwapUint32(&s.delayedAckCount, 0)
	s.cachedAcknowledged = lastSeen.Acknowledged()

	shifted, ok := lastSeen.ShiftedBy(d)
	if !ok {
		return shifted, true, violation.New(violation.OffsetOverflow,
			"client-supplied last-seen offset plus withheld ack count exceeds protocol maximum")
	}
	return shifted, true, nil
}

// AccumulateAck implements spec §4.2 accumulate_ack. Called by an
// acknowledgement task with the offset count the client acknowledged.
//
// Returns the count that must be forwarded to the server as an
// out-of-band ChatAcknowledgement (0 if none is due yet).
func (s *State) AccumulateAck(n uint32) uint32 {
	// AccumulateAck runs on at most one task at a time (the queue
	// serializes it), so a plain load/store pair is enough; the atomic
	// access is only for the benefit of concurrent diagnostic readers.
	d := atomic.LoadUint32(&s.delayedAckCount) + n
	var forwardable uint32
	if d > MinDelayed {
		forwardable = d - MinDelayed
	}
	if forwardable < lastseen.WindowSize {
		atomic.StoreUint32(&s.delayedAckCount, d)
		return 0
	}

	// Once the client's own window has advanced past the cached
	// bitmap, it is no longer observable by the server for any future
	// signed packet, so it can be replaced by the dummy.
	atomic.StoreUint32(&s.delayedAckCount, MinDelayed)
	s.cachedAcknowledged = lastseen.Dummy
	return forwardable
}

// CreateLastSeen implements spec §4.2 create_last_seen: a zero-offset
// last-seen value carrying the cached bitmap, for proxy-synthesized
// packets not triggered by a fresh client packet.
func (s *State) CreateLastSeen() lastseen.Messages {
	return lastseen.New(0, s.cachedAcknowledged)
}
