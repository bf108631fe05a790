// Package persistence defines the storage contracts the router reads
// and writes through: messages, peers, and conversations. The backing
// engine is supplied by the embedding application; package memstore
// provides an in-memory implementation.
package persistence

import (
	"time"

	"github.com/google/uuid"

	"github.com/meshtalk/meshcore/core"
	"github.com/meshtalk/meshcore/core/packet"
)

// MessageStatus tracks a MeshMessage through its delivery lifecycle.
type MessageStatus uint8

const (
	StatusSending MessageStatus = iota
	StatusSent
	StatusRelayed
	StatusDelivered
	StatusRead
	StatusFailed
)

func (s MessageStatus) String() string {
	switch s {
	case StatusSending:
		return "SENDING"
	case StatusSent:
		return "SENT"
	case StatusRelayed:
		return "RELAYED"
	case StatusDelivered:
		return "DELIVERED"
	case StatusRead:
		return "READ"
	case StatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// BroadcastConversationID is the well-known conversation that every
// broadcast message (and SOS) belongs to.
const BroadcastConversationID = "broadcast"

// MeshMessage is the application-visible, persisted form of a packet
// that has passed the router's dedup/TTL/loop checks.
type MeshMessage struct {
	PacketID       uuid.UUID
	ConversationID string
	SenderID       core.MeshID
	SenderName     string
	Destination    core.MeshID
	ContentKind    packet.ContentKind
	Content        []byte
	MediaInfo      *packet.MediaInfo
	TimestampMs    int64
	ReceivedAtMs   int64
	HopCount       uint8
	MaxHops        uint8
	Status         MessageStatus
	IsOutgoing     bool
	IsRead         bool
}

// ConnectionState tracks a Peer's current link reachability.
type ConnectionState uint8

const (
	StateDiscovered ConnectionState = iota
	StateConnecting
	StateConnected
	StateAuthenticated
	StateDisconnected
	StateLost
)

func (s ConnectionState) String() string {
	switch s {
	case StateDiscovered:
		return "DISCOVERED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateDisconnected:
		return "DISCONNECTED"
	case StateLost:
		return "LOST"
	default:
		return "UNKNOWN"
	}
}

// TransportKind identifies which link family a Peer was last reached through.
type TransportKind uint8

const (
	TransportPairedRadio TransportKind = iota
	TransportNeighborDiscovery
	TransportDirectIP
	TransportAudioBeacon
)

func (k TransportKind) String() string {
	switch k {
	case TransportPairedRadio:
		return "PairedRadio"
	case TransportNeighborDiscovery:
		return "NeighborDiscovery"
	case TransportDirectIP:
		return "DirectIP"
	case TransportAudioBeacon:
		return "AudioBeacon"
	default:
		return "Unknown"
	}
}

// Peer is the persisted record of a known mesh node.
type Peer struct {
	MeshID           core.MeshID
	DisplayName      string
	DeviceName       string
	EndpointID       string
	ConnectionState  ConnectionState
	Transport        TransportKind
	SignalStrength   int8
	HopDistance      uint8
	HasLocation      bool
	Latitude         float64
	Longitude        float64
	LastSeen         time.Time
	FirstSeen        time.Time
	MessagesRelayed  uint64
	IsBlocked        bool
	IsFavorite       bool
	AvatarColor      string
}

// Conversation is the persisted, UI-facing summary of a peer thread
// (or the single broadcast thread).
type Conversation struct {
	ID                 string
	PeerID             core.MeshID
	PeerName           string
	LastMessagePreview string
	LastMessageTimeMs  int64
	UnreadCount        int
	IsPinned           bool
	IsMuted            bool
	IsBroadcast        bool
	CreatedAtMs        int64
}
