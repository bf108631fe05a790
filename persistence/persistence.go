package persistence

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/meshtalk/meshcore/core"
)

// MessageStore is the message-side half of the persistence contract.
// Implementations must make InsertIgnore idempotent on PacketID.
type MessageStore interface {
	InsertIgnore(ctx context.Context, msg *MeshMessage) error
	Exists(ctx context.Context, packetID uuid.UUID) (bool, error)
	UpdateStatus(ctx context.Context, packetID uuid.UUID, status MessageStatus) error
	MarkAllRead(ctx context.Context, conversationID string) error
	GetUndeliveredForPeer(ctx context.Context, peerID core.MeshID) ([]*MeshMessage, error)
	GetRelayableSince(ctx context.Context, since time.Time) ([]*MeshMessage, error)
	GetByPacketID(ctx context.Context, packetID uuid.UUID) (*MeshMessage, error)
	GetForConversation(ctx context.Context, conversationID string) ([]*MeshMessage, error)
	// ObserveConversation streams every message persisted for
	// conversationID, past and future, until ctx is canceled.
	ObserveConversation(ctx context.Context, conversationID string) (<-chan *MeshMessage, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// PeerStore is the peer-side half of the persistence contract.
type PeerStore interface {
	Upsert(ctx context.Context, peer *Peer) error
	GetByMeshID(ctx context.Context, meshID core.MeshID) (*Peer, error)
	GetByEndpointID(ctx context.Context, endpointID string) (*Peer, error)
	UpdateConnectionState(ctx context.Context, meshID core.MeshID, state ConnectionState) error
	GetConnected(ctx context.Context) ([]*Peer, error)
	// ObservePeer streams updates to a single peer record until ctx is canceled.
	ObservePeer(ctx context.Context, meshID core.MeshID) (<-chan *Peer, error)
	MarkLost(ctx context.Context, threshold time.Duration) (int, error)
	DisconnectAll(ctx context.Context) error
}

// ConversationStore is the conversation-side half of the persistence contract.
type ConversationStore interface {
	Upsert(ctx context.Context, conv *Conversation) error
	GetByID(ctx context.Context, id string) (*Conversation, error)
	GetByPeerID(ctx context.Context, peerID core.MeshID) (*Conversation, error)
	// ObserveByID streams updates to a single conversation until ctx is canceled.
	ObserveByID(ctx context.Context, id string) (<-chan *Conversation, error)
	UpdateLastMessage(ctx context.Context, id, preview string, timestampMs int64, incrementUnread bool) error
	ClearUnread(ctx context.Context, id string) error
}

// Store bundles the three contracts a router needs, matching how the
// application wires a single backing implementation to all of them.
type Store struct {
	Messages      MessageStore
	Peers         PeerStore
	Conversations ConversationStore
}
