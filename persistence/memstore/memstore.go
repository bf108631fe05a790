// Package memstore is an in-memory implementation of the persistence
// contracts, suitable for tests and for embedders that do not need
// durable storage. Observation is channel-based; every store is safe
// for concurrent use.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meshtalk/meshcore/core"
	"github.com/meshtalk/meshcore/persistence"
)

// MessageStore is an in-memory persistence.MessageStore.
type MessageStore struct {
	mu       sync.RWMutex
	messages map[uuid.UUID]*persistence.MeshMessage
	watchers map[string][]chan *persistence.MeshMessage
}

// NewMessageStore creates an empty MessageStore.
func NewMessageStore() *MessageStore {
	return &MessageStore{
		messages: make(map[uuid.UUID]*persistence.MeshMessage),
		watchers: make(map[string][]chan *persistence.MeshMessage),
	}
}

func cloneMessage(m *persistence.MeshMessage) *persistence.MeshMessage {
	clone := *m
	return &clone
}

func (s *MessageStore) InsertIgnore(ctx context.Context, msg *persistence.MeshMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.messages[msg.PacketID]; exists {
		return nil
	}
	stored := cloneMessage(msg)
	s.messages[msg.PacketID] = stored
	s.notifyLocked(stored)
	return nil
}

func (s *MessageStore) Exists(ctx context.Context, packetID uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.messages[packetID]
	return ok, nil
}

func (s *MessageStore) UpdateStatus(ctx context.Context, packetID uuid.UUID, status persistence.MessageStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[packetID]
	if !ok {
		return nil
	}
	msg.Status = status
	s.notifyLocked(msg)
	return nil
}

func (s *MessageStore) MarkAllRead(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range s.messages {
		if msg.ConversationID == conversationID && !msg.IsRead {
			msg.IsRead = true
			s.notifyLocked(msg)
		}
	}
	return nil
}

func (s *MessageStore) GetUndeliveredForPeer(ctx context.Context, peerID core.MeshID) ([]*persistence.MeshMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*persistence.MeshMessage
	for _, msg := range s.messages {
		if msg.Destination != peerID {
			continue
		}
		if msg.Status == persistence.StatusDelivered || msg.Status == persistence.StatusRead {
			continue
		}
		out = append(out, cloneMessage(msg))
	}
	sortByTimestamp(out)
	return out, nil
}

func (s *MessageStore) GetRelayableSince(ctx context.Context, since time.Time) ([]*persistence.MeshMessage, error) {
	cutoff := since.UnixMilli()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*persistence.MeshMessage
	for _, msg := range s.messages {
		if msg.TimestampMs >= cutoff {
			out = append(out, cloneMessage(msg))
		}
	}
	sortByTimestamp(out)
	return out, nil
}

func (s *MessageStore) GetByPacketID(ctx context.Context, packetID uuid.UUID) (*persistence.MeshMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[packetID]
	if !ok {
		return nil, nil
	}
	return cloneMessage(msg), nil
}

func (s *MessageStore) GetForConversation(ctx context.Context, conversationID string) ([]*persistence.MeshMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*persistence.MeshMessage
	for _, msg := range s.messages {
		if msg.ConversationID == conversationID {
			out = append(out, cloneMessage(msg))
		}
	}
	sortByTimestamp(out)
	return out, nil
}

// ObserveConversation returns a channel that first replays the
// conversation's current messages, then streams future inserts and
// status changes until ctx is canceled. The channel is closed when
// the context is done; sends are non-blocking, dropping the new update
// if the subscriber hasn't kept up (unlike the status bus, which drops
// its oldest buffered event).
func (s *MessageStore) ObserveConversation(ctx context.Context, conversationID string) (<-chan *persistence.MeshMessage, error) {
	ch := make(chan *persistence.MeshMessage, 32)

	s.mu.Lock()
	var existing []*persistence.MeshMessage
	for _, msg := range s.messages {
		if msg.ConversationID == conversationID {
			existing = append(existing, cloneMessage(msg))
		}
	}
	sortByTimestamp(existing)
	s.watchers[conversationID] = append(s.watchers[conversationID], ch)
	s.mu.Unlock()

	go func() {
		for _, msg := range existing {
			select {
			case ch <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		watchers := s.watchers[conversationID]
		for i, w := range watchers {
			if w == ch {
				s.watchers[conversationID] = append(watchers[:i], watchers[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	return ch, nil
}

func (s *MessageStore) notifyLocked(msg *persistence.MeshMessage) {
	for _, ch := range s.watchers[msg.ConversationID] {
		select {
		case ch <- cloneMessage(msg):
		default:
		}
	}
}

func (s *MessageStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	cutoffMs := cutoff.UnixMilli()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, msg := range s.messages {
		if msg.TimestampMs < cutoffMs {
			delete(s.messages, id)
			n++
		}
	}
	return n, nil
}

func sortByTimestamp(msgs []*persistence.MeshMessage) {
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].TimestampMs < msgs[j].TimestampMs })
}
