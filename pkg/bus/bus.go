// Package bus is the in-process message fabric. Every agent owns an
// addressed inbox; senders never block longer than the context allows.
package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/agentmesh/agentmesh/pkg/models"
)

// DefaultInboxSize bounds each inbox; senders block (with context) when a
// slow consumer falls behind.
const DefaultInboxSize = 64

// ErrUnknownAddress is returned when sending to an address that was never
// registered or has been removed.
var ErrUnknownAddress = errors.New("bus: unknown address")

// Envelope pairs a message with its sender address.
type Envelope struct {
	From string
	Msg  models.Message
}

// Bus routes envelopes between registered addresses.
type Bus struct {
	mu      sync.RWMutex
	inboxes map[string]chan Envelope
	size    int
}

// New creates a bus with the default inbox size.
func New() *Bus {
	return &Bus{inboxes: make(map[string]chan Envelope), size: DefaultInboxSize}
}

// Register creates (or returns) the inbox for an address.
func (b *Bus) Register(addr string) <-chan Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.inboxes[addr]; ok {
		return ch
	}
	ch := make(chan Envelope, b.size)
	b.inboxes[addr] = ch
	return ch
}

// Unregister removes an address. Pending envelopes are dropped.
func (b *Bus) Unregister(addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.inboxes, addr)
}

// Send delivers a message to addr, blocking until the inbox accepts it or
// the context is done.
func (b *Bus) Send(ctx context.Context, from, addr string, msg models.Message) error {
	b.mu.RLock()
	ch, ok := b.inboxes[addr]
	b.mu.RUnlock()
	if !ok {
		return ErrUnknownAddress
	}
	select {
	case ch <- Envelope{From: from, Msg: msg}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
