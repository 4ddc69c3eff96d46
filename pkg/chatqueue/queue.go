// Package chatqueue implements the single-player serial chat/command
// executor described in spec §4.3: it forwards chat and command
// packets in the exact order the client emitted them, tracks the
// last-seen bookkeeping via chatstate, and withholds acknowledgements
// up to the server's bounded window.
//
// This realizes the "explicit queue+worker model" spec §9 offers as the
// structured-concurrency equivalent of a chained-futures design: one
// buffering, single-consumer worker goroutine per player, supervised by
// a dgroup so its lifetime is tied to the player's session context.
package chatqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/blang/semver"
	"github.com/pkg/errors"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"

	"github.com/datawire/mc-chat-queue/pkg/chatstate"
	"github.com/datawire/mc-chat-queue/pkg/lastseen"
	"github.com/datawire/mc-chat-queue/pkg/serverlink"
	"github.com/datawire/mc-chat-queue/pkg/violation"
)

// Player is the opaque handle providing the current ServerLink on
// demand (spec §3 "player: Opaque handle providing the current
// ServerLink on demand", §6 "Player -> ensure_current_server() ->
// ServerLink").
type Player interface {
	// SessionID identifies the player for logging/diagnostics.
	SessionID() string
	// EnsureCurrentServer returns the ServerLink currently backing
	// this player, or nil if none is connected.
	EnsureCurrentServer(ctx context.Context) serverlink.Link
}

// Queue is the per-player chat/command/acknowledgement serializer
// (spec §3 "ChatQueue").
type Queue struct {
	state      *chatstate.State
	player     Player
	violations violation.Reporter

	mu    sync.Mutex // guards tasks: the "lock" of spec §3/§4.3
	tasks []task
	wake  chan struct{}

	cancel context.CancelFunc
}

// NewQueue creates a Queue for player and starts its worker goroutine
// under the dgroup found in ctx. The Queue is live until the player
// disconnects and Close is called (or ctx is cancelled); its tail need
// not be awaited at shutdown (spec §3 "Lifecycle").
func NewQueue(ctx context.Context, player Player, violations violation.Reporter) *Queue {
	workerCtx, cancel := context.WithCancel(ctx)
	q := &Queue{
		state:      chatstate.New(),
		player:     player,
		violations: violations,
		wake:       make(chan struct{}, 1),
		cancel:     cancel,
	}
	dgroup.ParentGroup(ctx).Go(fmt.Sprintf("chatqueue:%s", player.SessionID()), func(ctx context.Context) error {
		return q.run(ctx, workerCtx)
	})
	return q
}

// Close ends the worker goroutine. Queued-but-not-yet-run tasks are
// abandoned, matching spec §5 "Cancellation": there is no timeout on
// individual tasks and the tail future is simply abandoned.
func (q *Queue) Close() {
	q.cancel()
}

// State returns the queue's ChatState for diagnostic/read-only use.
// Nothing in this package calls it off-task; see spec §5 "Shared
// resources".
func (q *Queue) State() *chatstate.State {
	return q.state
}

func (q *Queue) run(groupCtx, workerCtx context.Context) error {
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			q.mu.Unlock()
			select {
			case <-q.wake:
				continue
			case <-workerCtx.Done():
				return nil
			case <-groupCtx.Done():
				return nil
			}
		}
		t := q.tasks[0]
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		q.runTask(groupCtx, t)

		select {
		case <-workerCtx.Done():
			return nil
		case <-groupCtx.Done():
			return nil
		default:
		}
	}
}

// enqueue appends t and wakes the worker. It is non-blocking and
// returns immediately after chaining (spec §4.3), and its ordering
// relative to other concurrent enqueue calls is fixed by the order in
// which callers acquire q.mu (spec §5 "Ordering guarantees").
func (q *Queue) enqueue(t task) {
	q.mu.Lock()
	q.tasks = append(q.tasks, t)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// runTask executes t with panic recovery, converting any failure into a
// successful no-op for chain purposes (spec §4.3 "Failure policy", §7).
func (q *Queue) runTask(ctx context.Context, t task) {
	defer func() {
		if r := recover(); r != nil {
			dlog.Errorf(ctx, "chatqueue[%s]: recovered from panic in task: %v", q.player.SessionID(), r)
		}
	}()
	t(ctx)
}

func (q *Queue) reportViolation(v *violation.Violation) {
	if v == nil {
		return
	}
	if q.violations != nil {
		q.violations.ReportViolation(v)
	}
}

// write resolves the current ServerLink and writes pkt to it, per spec
// §4.3 "Writing": a closed or absent link makes the write a no-op that
// still completes successfully.
func (q *Queue) write(ctx context.Context, pkt serverlink.Packet) {
	link := q.player.EnsureCurrentServer(ctx)
	if link == nil || !link.IsOpen() {
		return
	}
	if err := link.Write(ctx, pkt); err != nil {
		err = errors.Wrapf(err, "write %v", pkt.Kind())
		dlog.Errorf(ctx, "chatqueue[%s]: %v, dropping packet", q.player.SessionID(), err)
	}
}

// currentVersion reports the negotiated protocol version of the
// player's current link, or the zero version if none is connected.
func (q *Queue) currentVersion(ctx context.Context) semver.Version {
	link := q.player.EnsureCurrentServer(ctx)
	if link == nil {
		return semver.Version{}
	}
	return link.Version()
}

// EnqueueClientPacket implements spec §4.3 enqueue_client_packet.
// buildPacket receives the backend link's negotiated protocol version
// and the effective last-seen value to embed (nil if
// update_from_message produced none), and returns the packet to write.
//
// timestamp may be the zero time to mean "not supplied"; hasLastSeen
// selects whether lastSeen is present, mirroring the optionality of
// both fields in spec §4.2.
func (q *Queue) EnqueueClientPacket(
	buildPacket func(ctx context.Context, version semver.Version, effectiveLastSeen *lastseen.Messages) (serverlink.Packet, error),
	timestamp time.Time,
	lastSeen lastseen.Messages,
	hasLastSeen bool,
) {
	q.enqueue(func(ctx context.Context) {
		effective, has, v := q.state.UpdateFromMessage(timestamp, lastSeen, hasLastSeen)
		q.reportViolation(v)

		var effPtr *lastseen.Messages
		if has {
			effPtr = &effective
		}

		pkt, err := buildPacket(ctx, q.currentVersion(ctx), effPtr)
		if err != nil {
			// Build failure (spec §7 taxonomy #1): the slot is
			// dropped, chain continues. State mutations above have
			// already committed, per spec §9's open-question
			// resolution.
			dlog.Debugf(ctx, "chatqueue[%s]: build_packet failed, dropping packet: %v", q.player.SessionID(), err)
			return
		}
		q.write(ctx, pkt)
	})
}

// EnqueueSynthesized implements spec §4.3 enqueue_synthesized.
// packetFromState is a pure function of ChatState and must not mutate
// it; the *State it receives still exposes the mutating methods, so
// nothing here enforces that. Any panic
// it raises is caught by runTask's recover, per spec §4.3 "Failure
// policy".
func (q *Queue) EnqueueSynthesized(packetFromState func(*chatstate.State) serverlink.Packet) {
	q.enqueue(func(ctx context.Context) {
		q.write(ctx, packetFromState(q.state))
	})
}

// EnqueueAcknowledgement implements spec §4.3 enqueue_acknowledgement.
func (q *Queue) EnqueueAcknowledgement(count uint32) {
	q.enqueue(func(ctx context.Context) {
		forwarded := q.state.AccumulateAck(count)
		if forwarded > 0 {
			q.write(ctx, serverlink.ChatAcknowledgement{Count: forwarded})
		}
	})
}
