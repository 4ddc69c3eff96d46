// Package serverlink models the backend network connection that
// spec.md treats as an external collaborator: "ServerLink exposes
// is_open: bool, write(packet) -> Future<Flushed>, and an executor
// (single-threaded event loop)". Neither cancellation nor reconnection
// is observable to the chat queue beyond IsOpen() becoming false.
//
// The real Telepresence/Minecraft wire codec is out of scope (spec.md
// §1); this package supplies only the minimal surface ChatQueue depends
// on, plus an in-memory implementation for tests and the demo command.
package serverlink

import (
	"context"

	"github.com/blang/semver"

	"github.com/datawire/mc-chat-queue/pkg/lastseen"
)

// Kind identifies which concrete Packet a ChatAcknowledgement or
// client-forwarded packet is, without committing to a real wire codec.
type Kind string

const (
	// KindChatAcknowledgement is the packet written by
	// ChatQueue.EnqueueAcknowledgement when an out-of-band forward is
	// due.
	KindChatAcknowledgement Kind = "chat_acknowledgement"
	// KindClientForwarded is any packet built from a client-originated
	// build_packet callback.
	KindClientForwarded Kind = "client_forwarded"
	// KindSynthesized is a packet built by a proxy-internal producer
	// from ChatState via CreateLastSeen.
	KindSynthesized Kind = "synthesized"
)

// Packet is deliberately opaque; its payload serialization is an
// external codec concern.
type Packet interface {
	Kind() Kind
}

// ChatAcknowledgement is the one concrete packet type the chat core
// itself constructs (spec §4.3 enqueue_acknowledgement).
type ChatAcknowledgement struct {
	Count uint32
}

func (ChatAcknowledgement) Kind() Kind { return KindChatAcknowledgement }

// ClientForwarded is a packet relayed on behalf of a client-originated
// chat or command, optionally carrying the last-seen-messages value
// enqueue_client_packet's build_packet callback computed for it.
// LastSeen is nil when the callback decided the backend's negotiated
// protocol version predates Secure Chat and has no use for one.
type ClientForwarded struct {
	LastSeen *lastseen.Messages
}

func (ClientForwarded) Kind() Kind { return KindClientForwarded }

// Link is the backend server connection a ChatQueue writes to. Link
// implementations must make Write safe to call from the queue's single
// worker goroutine only; ChatQueue never calls Write concurrently with
// itself on the same Link.
type Link interface {
	// IsOpen reports whether the link currently accepts writes. A
	// false result at write time makes the write a no-op, per spec
	// §4.3 "Writing".
	IsOpen() bool

	// Write sends pkt and awaits the transport's flush completion
	// uninterruptibly: the queue's next task does not begin until
	// this returns, which is what prevents reordering inside lower
	// layers (spec §4.3 "Writing"). A closed link returns nil (not an
	// error) to keep the no-op contract.
	Write(ctx context.Context, pkt Packet) error

	// Version reports the protocol version negotiated with the
	// backend this link connects to. build_packet callbacks consult it
	// to decide whether a synthesized last-seen prefix makes sense at
	// all (spec.md §9's "protocol-version context supplied by [codec]
	// collaborators").
	Version() semver.Version
}
