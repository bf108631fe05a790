// Package statusbus publishes the three asynchronous event streams
// the router exposes to its consumers. It is implemented with
// mutex-guarded ring buffers rather than channels because the
// required behavior on overflow is drop-oldest, which a Go channel
// cannot express directly (a full buffered channel blocks the
// sender or drops the newest value, not the oldest).
package statusbus

import (
	"sync"

	"github.com/google/uuid"

	"github.com/meshtalk/meshcore/persistence"
)

const (
	incomingMessagesCapacity = 64
	statusUpdatesCapacity    = 16
)

// EventKind discriminates the StatusEvent union.
type EventKind uint8

const (
	EventMessageReceived EventKind = iota
	EventMessageDelivered
	EventPeerDiscovered
	EventPeerConnected
	EventPeerDisconnected
	EventSOSReceived
	EventError
)

// StatusEvent is the discriminated-union payload of the status_updates stream.
type StatusEvent struct {
	Kind EventKind

	PacketID uuid.UUID // MessageDelivered

	Peer *persistence.Peer // PeerDiscovered / PeerConnected / PeerDisconnected

	SOSSenderName string // SOSReceived
	SOSMessage    string // SOSReceived

	ErrorMessage string // Error
}

// ConnectionStatus is the dispatcher's aggregate status, published to
// the single-slot connection_status stream.
type ConnectionStatus struct {
	IsActive           bool
	ActiveTransports   []string
	ConnectedPeerCount int
	PerTransportActive map[string]bool
}

// ringBuffer is a fixed-capacity, mutex-guarded queue of T that drops
// the oldest entry when a push would exceed capacity.
type ringBuffer[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	waiters  []chan struct{}
}

func newRingBuffer[T any](capacity int) *ringBuffer[T] {
	return &ringBuffer[T]{capacity: capacity}
}

func (r *ringBuffer[T]) push(v T) {
	r.mu.Lock()
	if len(r.items) >= r.capacity {
		r.items = r.items[1:]
	}
	r.items = append(r.items, v)
	waiters := r.waiters
	r.waiters = nil
	r.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
}

// drain removes and returns everything currently buffered.
func (r *ringBuffer[T]) drain() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	items := r.items
	r.items = nil
	return items
}

func (r *ringBuffer[T]) notifyOnPush() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan struct{})
	if len(r.items) > 0 {
		close(ch)
		return ch
	}
	r.waiters = append(r.waiters, ch)
	return ch
}

// Bus is the status bus. A Router publishes to it; application code
// reads it via the DrainMessages, DrainStatus and ConnectionStatus
// accessors.
type Bus struct {
	incoming *ringBuffer[*persistence.MeshMessage]
	status   *ringBuffer[StatusEvent]

	mu         sync.Mutex
	connection ConnectionStatus
	connSubs   []chan struct{}
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		incoming: newRingBuffer[*persistence.MeshMessage](incomingMessagesCapacity),
		status:   newRingBuffer[StatusEvent](statusUpdatesCapacity),
	}
}

// PublishMessage pushes msg onto the incoming_messages stream.
func (b *Bus) PublishMessage(msg *persistence.MeshMessage) {
	b.incoming.push(msg)
}

// PublishStatus pushes ev onto the status_updates stream.
func (b *Bus) PublishStatus(ev StatusEvent) {
	b.status.push(ev)
}

// PublishConnectionStatus overwrites the single connection_status slot.
func (b *Bus) PublishConnectionStatus(status ConnectionStatus) {
	b.mu.Lock()
	b.connection = status
	subs := b.connSubs
	b.connSubs = nil
	b.mu.Unlock()
	for _, ch := range subs {
		close(ch)
	}
}

// ConnectionStatus returns the latest published aggregate status.
// Subscribers always observe at least the most recent snapshot.
func (b *Bus) ConnectionStatus() ConnectionStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connection
}

// DrainMessages removes and returns every buffered incoming message.
func (b *Bus) DrainMessages() []*persistence.MeshMessage {
	return b.incoming.drain()
}

// DrainStatus removes and returns every buffered status event.
func (b *Bus) DrainStatus() []StatusEvent {
	return b.status.drain()
}
