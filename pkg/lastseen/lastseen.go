// Package lastseen implements the Secure Chat last-seen-messages value:
// an immutable snapshot of the bitmap of recently-seen signed message
// indices plus an offset that shifts future bits.
package lastseen

import (
	"fmt"
)

// WindowSize is the bit-width of the signed last-seen bitmap, fixed by
// the Minecraft Secure Chat protocol (>= 1.19).
const WindowSize = 20

// MaxOffset is the largest offset a well-behaved client can send. It is
// the protocol maximum this core enforces on behalf of the (out of
// scope) wire codec; a client sending anything larger is in violation
// of the protocol, not merely of this queue's bookkeeping.
const MaxOffset = 1<<20 - 1

// AckBits is a bitmap of recently-seen signed message indices. Only the
// low WindowSize bits are ever significant.
type AckBits uint32

// Dummy is the all-zero bitmap substituted once enough messages have
// been acknowledged that the server will no longer check the bitmap.
const Dummy AckBits = 0

// Messages is the immutable (offset, acknowledged) pair carried in
// signed chat and command packets.
type Messages struct {
	offset       uint32
	acknowledged AckBits
}

// New builds a Messages value. It is the caller's responsibility to
// ensure offset does not exceed MaxOffset; use ShiftedBy to advance an
// existing value with saturation applied.
func New(offset uint32, acknowledged AckBits) Messages {
	return Messages{offset: offset, acknowledged: acknowledged}
}

// Offset returns the offset component.
func (m Messages) Offset() uint32 {
	return m.offset
}

// Acknowledged returns the bitmap component.
func (m Messages) Acknowledged() AckBits {
	return m.acknowledged
}

// ShiftedBy returns a new Messages with offset increased by delta and
// the bitmap unchanged. m is never mutated.
//
// If offset+delta would exceed MaxOffset, the result saturates at
// MaxOffset and ok is false: the caller (ChatState.UpdateFromMessage)
// must treat this as a malformed-client protocol violation, per
// spec §4.1 / §7.
func (m Messages) ShiftedBy(delta uint32) (shifted Messages, ok bool) {
	sum := uint64(m.offset) + uint64(delta)
	if sum > MaxOffset {
		return Messages{offset: MaxOffset, acknowledged: m.acknowledged}, false
	}
	return Messages{offset: uint32(sum), acknowledged: m.acknowledged}, true
}

func (m Messages) String() string {
	return fmt.Sprintf("lastseen(offset=%d, bits=%020b)", m.offset, uint32(m.acknowledged))
}
