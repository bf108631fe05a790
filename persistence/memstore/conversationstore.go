package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/meshtalk/meshcore/core"
	"github.com/meshtalk/meshcore/persistence"
)

// ConversationStore is an in-memory persistence.ConversationStore.
type ConversationStore struct {
	mu       sync.RWMutex
	convs    map[string]*persistence.Conversation
	byPeer   map[core.MeshID]string
	watchers map[string][]chan *persistence.Conversation
}

// NewConversationStore creates an empty ConversationStore.
func NewConversationStore() *ConversationStore {
	return &ConversationStore{
		convs:    make(map[string]*persistence.Conversation),
		byPeer:   make(map[core.MeshID]string),
		watchers: make(map[string][]chan *persistence.Conversation),
	}
}

func cloneConversation(c *persistence.Conversation) *persistence.Conversation {
	clone := *c
	return &clone
}

func (s *ConversationStore) Upsert(ctx context.Context, conv *persistence.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := cloneConversation(conv)
	if stored.CreatedAtMs == 0 {
		if existing, ok := s.convs[conv.ID]; ok {
			stored.CreatedAtMs = existing.CreatedAtMs
		} else {
			stored.CreatedAtMs = time.Now().UnixMilli()
		}
	}
	s.convs[conv.ID] = stored
	if !conv.PeerID.IsZero() {
		s.byPeer[conv.PeerID] = conv.ID
	}
	s.notifyLocked(stored)
	return nil
}

func (s *ConversationStore) GetByID(ctx context.Context, id string) (*persistence.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[id]
	if !ok {
		return nil, nil
	}
	return cloneConversation(c), nil
}

func (s *ConversationStore) GetByPeerID(ctx context.Context, peerID core.MeshID) (*persistence.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byPeer[peerID]
	if !ok {
		return nil, nil
	}
	c, ok := s.convs[id]
	if !ok {
		return nil, nil
	}
	return cloneConversation(c), nil
}

// ObserveByID streams the current conversation, then subsequent
// updates, until ctx is canceled.
func (s *ConversationStore) ObserveByID(ctx context.Context, id string) (<-chan *persistence.Conversation, error) {
	ch := make(chan *persistence.Conversation, 8)

	s.mu.Lock()
	current := s.convs[id]
	s.watchers[id] = append(s.watchers[id], ch)
	s.mu.Unlock()

	if current != nil {
		go func(c *persistence.Conversation) {
			select {
			case ch <- cloneConversation(c):
			case <-ctx.Done():
			}
		}(current)
	}

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		watchers := s.watchers[id]
		for i, w := range watchers {
			if w == ch {
				s.watchers[id] = append(watchers[:i], watchers[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	return ch, nil
}

func (s *ConversationStore) UpdateLastMessage(ctx context.Context, id, preview string, timestampMs int64, incrementUnread bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return nil
	}
	c.LastMessagePreview = preview
	c.LastMessageTimeMs = timestampMs
	if incrementUnread {
		c.UnreadCount++
	}
	s.notifyLocked(c)
	return nil
}

func (s *ConversationStore) ClearUnread(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return nil
	}
	c.UnreadCount = 0
	s.notifyLocked(c)
	return nil
}

func (s *ConversationStore) notifyLocked(c *persistence.Conversation) {
	for _, ch := range s.watchers[c.ID] {
		select {
		case ch <- cloneConversation(c):
		default:
		}
	}
}
