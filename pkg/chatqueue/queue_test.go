package chatqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/blang/semver"
	"github.com/datawire/dlib/dgroup"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datawire/mc-chat-queue/pkg/chatstate"
	"github.com/datawire/mc-chat-queue/pkg/lastseen"
	"github.com/datawire/mc-chat-queue/pkg/serverlink"
	"github.com/datawire/mc-chat-queue/pkg/violation"
)

type testPlayer struct {
	id string
	mu sync.Mutex
	ln serverlink.Link
}

func newTestPlayer(id string, ln serverlink.Link) *testPlayer {
	return &testPlayer{id: id, ln: ln}
}

func (p *testPlayer) SessionID() string { return p.id }

func (p *testPlayer) EnsureCurrentServer(context.Context) serverlink.Link {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ln
}

func (p *testPlayer) setLink(ln serverlink.Link) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ln = ln
}

type recordingReporter struct {
	mu         sync.Mutex
	violations []*violation.Violation
}

func (r *recordingReporter) ReportViolation(v *violation.Violation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.violations = append(r.violations, v)
}

func (r *recordingReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.violations)
}

// testContext returns a context running inside a dgroup-supervised
// goroutine, the same way a real Queue would be constructed from within
// a player session handler started via dgroup.ParentGroup(ctx).Go(...).
func testContext(t *testing.T) context.Context {
	t.Helper()
	parent, cancel := context.WithCancel(context.Background())
	g := dgroup.NewGroup(parent, dgroup.GroupConfig{})
	ready := make(chan context.Context, 1)
	g.Go("test-root", func(ctx context.Context) error {
		ready <- ctx
		<-ctx.Done()
		return nil
	})
	t.Cleanup(func() {
		cancel()
		_ = g.Wait()
	})
	return <-ready
}

func echoBuilder(pkt serverlink.Packet) func(context.Context, semver.Version, *lastseen.Messages) (serverlink.Packet, error) {
	return func(context.Context, semver.Version, *lastseen.Messages) (serverlink.Packet, error) {
		return pkt, nil
	}
}

// scenario 1: pure chat forwarding
func TestQueue_PureChatForwarding(t *testing.T) {
	ctx := testContext(t)
	link := serverlink.NewMemoryLink()
	q := NewQueue(ctx, newTestPlayer("p1", link), nil)
	defer q.Close()

	ls := lastseen.New(0, 0b101000) // bits 3,5
	var embedded lastseen.Messages
	q.EnqueueClientPacket(func(_ context.Context, _ semver.Version, effective *lastseen.Messages) (serverlink.Packet, error) {
		require.NotNil(t, effective)
		embedded = *effective
		return serverlink.ChatAcknowledgement{Count: 0}, nil
	}, time.Unix(100, 0), ls, true)

	require.Eventually(t, func() bool { return len(link.Written()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, uint32(0), embedded.Offset())
	assert.Equal(t, lastseen.AckBits(0b101000), embedded.Acknowledged())
	assert.True(t, q.State().LastTimestamp().Equal(time.Unix(100, 0)))
	assert.Equal(t, lastseen.AckBits(0b101000), q.State().CachedAcknowledged())
	assert.Equal(t, uint32(0), q.State().DelayedAckCount())
}

// scenario 2: ack absorption
func TestQueue_AckAbsorption(t *testing.T) {
	ctx := testContext(t)
	link := serverlink.NewMemoryLink()
	q := NewQueue(ctx, newTestPlayer("p2", link), nil)
	defer q.Close()

	q.EnqueueAcknowledgement(5)
	q.EnqueueAcknowledgement(10)

	var embedded lastseen.Messages
	q.EnqueueClientPacket(func(_ context.Context, _ semver.Version, effective *lastseen.Messages) (serverlink.Packet, error) {
		embedded = *effective
		return serverlink.ChatAcknowledgement{Count: 0}, nil
	}, time.Time{}, lastseen.New(0, 0b10000000), true)

	require.Eventually(t, func() bool { return len(link.Written()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, uint32(15), embedded.Offset())
	assert.Equal(t, lastseen.AckBits(0b10000000), embedded.Acknowledged())
	assert.Equal(t, uint32(0), q.State().DelayedAckCount())
}

// scenario 3: ack overflow forwarding
func TestQueue_AckOverflowForwarding(t *testing.T) {
	ctx := testContext(t)
	link := serverlink.NewMemoryLink()
	q := NewQueue(ctx, newTestPlayer("p3", link), nil)
	defer q.Close()

	q.EnqueueAcknowledgement(45)

	require.Eventually(t, func() bool { return len(link.Written()) == 1 }, time.Second, time.Millisecond)
	written := link.Written()[0]
	ack, ok := written.(serverlink.ChatAcknowledgement)
	require.True(t, ok)
	assert.Equal(t, uint32(25), ack.Count)
	assert.Equal(t, uint32(chatstate.MinDelayed), q.State().DelayedAckCount())
}

// scenario 4: closed link
func TestQueue_ClosedLink(t *testing.T) {
	ctx := testContext(t)
	link := serverlink.NewMemoryLink()
	link.Close()
	q := NewQueue(ctx, newTestPlayer("p4", link), nil)
	defer q.Close()

	q.EnqueueAcknowledgement(45)
	q.EnqueueClientPacket(echoBuilder(serverlink.ChatAcknowledgement{Count: 1}), time.Unix(1, 0), lastseen.New(0, 1), true)

	require.Eventually(t, func() bool { return q.State().LastTimestamp().Equal(time.Unix(1, 0)) }, time.Second, time.Millisecond)
	assert.Empty(t, link.Written())

	// queue still accepts subsequent tasks: the client packet reset the
	// withheld count to 0, so this ack leaves it at 1
	q.EnqueueAcknowledgement(1)
	require.Eventually(t, func() bool { return q.State().DelayedAckCount() == 1 }, time.Second, time.Millisecond)
}

// scenario 5: synthesized packet appears in order, reflecting the
// state produced by the preceding chat task.
func TestQueue_SynthesizedInOrder(t *testing.T) {
	ctx := testContext(t)
	link := serverlink.NewMemoryLink()
	q := NewQueue(ctx, newTestPlayer("p5", link), nil)
	defer q.Close()

	q.EnqueueClientPacket(echoBuilder(serverlink.ChatAcknowledgement{Count: 1}), time.Time{}, lastseen.New(0, 0b11), true)
	q.EnqueueSynthesized(func(s *chatstate.State) serverlink.Packet {
		return serverlink.ChatAcknowledgement{Count: uint32(s.CreateLastSeen().Acknowledged())}
	})
	q.EnqueueClientPacket(echoBuilder(serverlink.ChatAcknowledgement{Count: 2}), time.Time{}, lastseen.New(0, 0b1), true)

	require.Eventually(t, func() bool { return len(link.Written()) == 3 }, time.Second, time.Millisecond)
	w := link.Written()
	assert.Equal(t, serverlink.ChatAcknowledgement{Count: 1}, w[0])
	assert.Equal(t, serverlink.ChatAcknowledgement{Count: uint32(0b11)}, w[1])
	assert.Equal(t, serverlink.ChatAcknowledgement{Count: 2}, w[2])
}

// scenario 6: build failure still commits the preceding state mutation.
func TestQueue_BuildFailureStillCommitsState(t *testing.T) {
	ctx := testContext(t)
	link := serverlink.NewMemoryLink()
	q := NewQueue(ctx, newTestPlayer("p6", link), nil)
	defer q.Close()

	q.EnqueueClientPacket(func(context.Context, semver.Version, *lastseen.Messages) (serverlink.Packet, error) {
		return nil, errors.New("boom")
	}, time.Unix(42, 0), lastseen.New(0, 0b111), true)

	q.EnqueueAcknowledgement(0) // barrier: forces the worker past the failing task

	require.Eventually(t, func() bool { return q.State().LastTimestamp().Equal(time.Unix(42, 0)) }, time.Second, time.Millisecond)
	assert.Equal(t, lastseen.AckBits(0b111), q.State().CachedAcknowledged())
	assert.Empty(t, link.Written())
}

// P1: order is preserved after removing no-ops.
func TestQueue_P1_Order(t *testing.T) {
	ctx := testContext(t)
	link := serverlink.NewMemoryLink()
	q := NewQueue(ctx, newTestPlayer("p7", link), nil)
	defer q.Close()

	for i := 0; i < 5; i++ {
		q.EnqueueAcknowledgement(30)
	}
	// Use a distinguishable synthesized packet as a definite barrier.
	q.EnqueueSynthesized(func(*chatstate.State) serverlink.Packet {
		return serverlink.ChatAcknowledgement{Count: 999}
	})

	require.Eventually(t, func() bool {
		w := link.Written()
		return len(w) > 0 && w[len(w)-1] == serverlink.Packet(serverlink.ChatAcknowledgement{Count: 999})
	}, time.Second, time.Millisecond)

	// ack(30) x5: the first is withheld (30-20 < 20), each later one
	// forwards everything above MinDelayed (60-20, then 50-20 three times).
	assert.Equal(t, []serverlink.Packet{
		serverlink.ChatAcknowledgement{Count: 40},
		serverlink.ChatAcknowledgement{Count: 30},
		serverlink.ChatAcknowledgement{Count: 30},
		serverlink.ChatAcknowledgement{Count: 30},
		serverlink.ChatAcknowledgement{Count: 999},
	}, link.Written())
}

// P2/P5: last_timestamp always reflects the latest enqueued
// chat/command task, not the numeric maximum.
func TestQueue_P5_LastTimestampIsLastEnqueued(t *testing.T) {
	ctx := testContext(t)
	link := serverlink.NewMemoryLink()
	q := NewQueue(ctx, newTestPlayer("p8", link), nil)
	defer q.Close()

	later := time.Unix(1000, 0)
	earlier := time.Unix(1, 0)

	q.EnqueueClientPacket(echoBuilder(serverlink.ChatAcknowledgement{Count: 1}), later, lastseen.New(0, 1), true)
	q.EnqueueClientPacket(echoBuilder(serverlink.ChatAcknowledgement{Count: 2}), earlier, lastseen.New(0, 1), true)

	require.Eventually(t, func() bool { return len(link.Written()) == 2 }, time.Second, time.Millisecond)
	assert.True(t, q.State().LastTimestamp().Equal(earlier))
}

func TestQueue_MalformedOffsetReportsViolationButContinues(t *testing.T) {
	ctx := testContext(t)
	link := serverlink.NewMemoryLink()
	reporter := &recordingReporter{}
	q := NewQueue(ctx, newTestPlayer("p9", link), reporter)
	defer q.Close()

	q.EnqueueAcknowledgement(10)
	q.EnqueueClientPacket(echoBuilder(serverlink.ChatAcknowledgement{Count: 1}), time.Time{}, lastseen.New(lastseen.MaxOffset-5, 1), true)
	q.EnqueueAcknowledgement(1) // barrier

	require.Eventually(t, func() bool { return reporter.count() == 1 }, time.Second, time.Millisecond)
	// the chain continued: the barrier enqueued after the malformed packet still ran
	require.Eventually(t, func() bool { return q.State().DelayedAckCount() > 0 }, time.Second, time.Millisecond)
}

// build_packet is handed the link's negotiated protocol version, and a
// real callback can gate the embedded last-seen on it: a pre-Secure-Chat
// backend gets none, a post-Secure-Chat one gets the effective value.
func TestQueue_BuildPacketSeesLinkVersion(t *testing.T) {
	ctx := testContext(t)
	preSecureChat := semver.MustParse("1.18.2")
	link := serverlink.NewMemoryLinkWithVersion(preSecureChat)
	q := NewQueue(ctx, newTestPlayer("p10", link), nil)
	defer q.Close()

	var sawVersion semver.Version
	q.EnqueueClientPacket(func(_ context.Context, version semver.Version, effective *lastseen.Messages) (serverlink.Packet, error) {
		sawVersion = version
		if version.LT(semver.MustParse("1.19.0")) {
			return serverlink.ClientForwarded{}, nil
		}
		return serverlink.ClientForwarded{LastSeen: effective}, nil
	}, time.Time{}, lastseen.New(0, 0b1), true)

	require.Eventually(t, func() bool { return len(link.Written()) == 1 }, time.Second, time.Millisecond)
	assert.True(t, sawVersion.EQ(preSecureChat))
	written := link.Written()[0].(serverlink.ClientForwarded)
	assert.Nil(t, written.LastSeen)
}
