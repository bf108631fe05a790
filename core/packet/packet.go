// Package packet defines the MeshPacket wire envelope and its codec.
//
// MeshPacket carries variable-length strings, an append-only route
// path, and an optional media descriptor, so the wire form is a
// self-describing tagged field set rather than a fixed header layout.
package packet

import (
	"github.com/google/uuid"

	"github.com/meshtalk/meshcore/core"
)

// Kind identifies the purpose of a packet.
type Kind uint8

const (
	KindMessage Kind = iota
	KindAck
	KindPeerAnnounce
	KindPeerLeave
	KindPing
	KindPong
	KindRouteRequest
	KindRouteReply
	KindMediaChunk
	KindSOS
	KindRelayTable
)

// String returns a human-readable name for the kind, used in logging.
func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "MESSAGE"
	case KindAck:
		return "ACK"
	case KindPeerAnnounce:
		return "PEER_ANNOUNCE"
	case KindPeerLeave:
		return "PEER_LEAVE"
	case KindPing:
		return "PING"
	case KindPong:
		return "PONG"
	case KindRouteRequest:
		return "ROUTE_REQUEST"
	case KindRouteReply:
		return "ROUTE_REPLY"
	case KindMediaChunk:
		return "MEDIA_CHUNK"
	case KindSOS:
		return "SOS"
	case KindRelayTable:
		return "RELAY_TABLE"
	default:
		return "UNKNOWN"
	}
}

// ContentKind identifies the shape of a packet's content payload.
type ContentKind uint8

const (
	ContentText ContentKind = iota
	ContentAudio
	ContentImage
	ContentFile
	ContentLocation
	ContentAck
	ContentPeerAnnounce
	ContentPing
	ContentSOS
)

func (c ContentKind) String() string {
	switch c {
	case ContentText:
		return "TEXT"
	case ContentAudio:
		return "AUDIO"
	case ContentImage:
		return "IMAGE"
	case ContentFile:
		return "FILE"
	case ContentLocation:
		return "LOCATION"
	case ContentAck:
		return "ACK"
	case ContentPeerAnnounce:
		return "PEER_ANNOUNCE"
	case ContentPing:
		return "PING"
	case ContentSOS:
		return "SOS"
	default:
		return "UNKNOWN"
	}
}

const (
	// CurrentVersion is the wire version this build writes. Receivers
	// must tolerate any higher version by ignoring unknown fields, not
	// by rejecting the packet.
	CurrentVersion uint8 = 1

	// DefaultMaxHops is the default TTL budget for a freshly originated packet.
	DefaultMaxHops uint8 = 7

	// MaxCorePayload bounds core (non-media) content.
	MaxCorePayload = 64 * 1024

	// MaxMediaChunkPayload bounds MEDIA_CHUNK content.
	MaxMediaChunkPayload = 256 * 1024
)

// MediaInfo describes an attached media payload or media chunk.
type MediaInfo struct {
	FileName    string
	MimeType    string
	TotalSize   uint64
	ChunkIndex  uint32
	TotalChunks uint32
	Checksum    string
}

// MeshPacket is the sole wire-level envelope exchanged between nodes.
type MeshPacket struct {
	PacketID    uuid.UUID
	Version     uint8
	Kind        Kind
	SenderID    core.MeshID
	SenderName  string
	Destination core.MeshID

	HopCount uint8
	MaxHops  uint8

	TimestampMs int64

	PreviousHop core.MeshID
	RoutePath   []core.MeshID

	ContentKind ContentKind
	Content     []byte

	MediaInfo *MediaInfo

	AckForPacketID *uuid.UUID
}

// IsExpired reports whether the packet has exhausted its hop budget
// and must never be forwarded again.
func (p *MeshPacket) IsExpired() bool {
	return p.HopCount >= p.MaxHops
}

// HasVisited reports whether id already appears in the packet's
// traversal history, as origin or as a relay. The router uses this
// for loop detection before delivering or forwarding.
func (p *MeshPacket) HasVisited(id core.MeshID) bool {
	if p.SenderID == id {
		return true
	}
	for _, hop := range p.RoutePath {
		if hop == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy suitable for mutation during forwarding.
func (p *MeshPacket) Clone() *MeshPacket {
	clone := *p
	if p.RoutePath != nil {
		clone.RoutePath = make([]core.MeshID, len(p.RoutePath))
		copy(clone.RoutePath, p.RoutePath)
	}
	if p.Content != nil {
		clone.Content = make([]byte, len(p.Content))
		copy(clone.Content, p.Content)
	}
	if p.MediaInfo != nil {
		mi := *p.MediaInfo
		clone.MediaInfo = &mi
	}
	if p.AckForPacketID != nil {
		id := *p.AckForPacketID
		clone.AckForPacketID = &id
	}
	return &clone
}

// ForwardedFrom builds the packet this node would emit when
// forwarding p: hop_count+1, previous_hop=self, route_path appended.
// All other fields, including packet_id, are preserved unchanged.
func ForwardedFrom(p *MeshPacket, self core.MeshID) *MeshPacket {
	fwd := p.Clone()
	fwd.HopCount++
	fwd.PreviousHop = self
	fwd.RoutePath = append(append([]core.MeshID{}, p.RoutePath...), self)
	return fwd
}
