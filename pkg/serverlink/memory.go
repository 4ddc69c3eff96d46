package serverlink

import (
	"context"
	"sync"

	"github.com/blang/semver"
)

// MemoryLink is an in-memory Link for tests and the demo command: it
// records every packet written to it and can be closed to simulate a
// disconnected backend mid-chain.
type MemoryLink struct {
	mu      sync.Mutex
	open    bool
	version semver.Version
	written []Packet
}

// NewMemoryLink returns an open MemoryLink with the zero protocol
// version. Tests that don't care about version gating can use this
// directly.
func NewMemoryLink() *MemoryLink {
	return &MemoryLink{open: true}
}

// NewMemoryLinkWithVersion returns an open MemoryLink reporting the
// given negotiated protocol version.
func NewMemoryLinkWithVersion(version semver.Version) *MemoryLink {
	return &MemoryLink{open: true, version: version}
}

func (l *MemoryLink) Version() semver.Version {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.version
}

func (l *MemoryLink) IsOpen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.open
}

// Close marks the link closed; subsequent Write calls no-op.
func (l *MemoryLink) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.open = false
}

func (l *MemoryLink) Write(_ context.Context, pkt Packet) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.open {
		return nil
	}
	l.written = append(l.written, pkt)
	return nil
}

// Written returns a snapshot of every packet accepted so far, in
// write order.
func (l *MemoryLink) Written() []Packet {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Packet, len(l.written))
	copy(out, l.written)
	return out
}
