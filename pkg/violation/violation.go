// Package violation defines the protocol-violation error reported when a
// client sends chat/command bookkeeping data that cannot be valid under
// the Secure Chat protocol. Spec §7 classifies this as "Malformed client
// input": the queue keeps running, but the condition is signaled up to
// the connection supervisor.
package violation

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// Kind identifies which invariant the client broke.
type Kind string

const (
	// OffsetOverflow: a last-seen offset shifted past the protocol
	// maximum that a well-behaved client could never produce.
	OffsetOverflow Kind = "offset_overflow"
	// NegativeAck: an acknowledgement count that underflows the
	// delayed-ack accumulator.
	NegativeAck Kind = "negative_ack"
)

// Violation is a protocol violation raised by chatstate and surfaced by
// chatqueue to a Reporter. It is never fatal to the queue (contrast
// with an internal invariant violation, which is).
type Violation struct {
	Kind   Kind
	Detail string
}

func New(kind Kind, detail string) *Violation {
	return &Violation{Kind: kind, Detail: detail}
}

func (v *Violation) Error() string {
	return fmt.Sprintf("protocol violation (%s): %s", v.Kind, v.Detail)
}

// Reporter receives protocol violations observed while running a task.
// The connection supervisor implements this; it may choose to tear the
// player down, but the queue itself never does.
type Reporter interface {
	ReportViolation(v *Violation)
}

// ReporterFunc adapts a plain function to Reporter.
type ReporterFunc func(v *Violation)

func (f ReporterFunc) ReportViolation(v *Violation) {
	f(v)
}

// Collector is a Reporter that accumulates violations for a session
// rather than acting on each one as it arrives, for callers that want
// to surface the whole set at disconnect time (e.g. in a session
// summary log line or a test assertion) instead of one log line per
// violation. Modeled on the teacher's use of multierror.Append to
// accumulate the set of failures from an uninstall pass
// (pkg/client/cli/helm/legacy.go) rather than stopping at the first.
type Collector struct {
	mu  sync.Mutex
	err *multierror.Error
}

func (c *Collector) ReportViolation(v *Violation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = multierror.Append(c.err, v)
}

// ErrorOrNil returns the accumulated violations as a single error, or
// nil if none were reported.
func (c *Collector) ErrorOrNil() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err.ErrorOrNil()
}
