// Package transport defines the abstract link contract every
// concrete transport (PairedRadio, NeighborDiscovery, DirectIP,
// AudioBeacon) satisfies. Package dispatcher presents them to the
// router as one uniform send/receive surface.
package transport

import (
	"context"

	"github.com/meshtalk/meshcore/core"
	"github.com/meshtalk/meshcore/core/packet"
)

// EndpointID is a transport-local handle for a remote link partner.
// Its meaning varies per transport: a serial link address for
// PairedRadio, the sender's mesh_id taken from its first decoded
// packet for NeighborDiscovery, a remote host:port address for DirectIP.
type EndpointID string

// Kind identifies a transport family.
type Kind uint8

const (
	KindPairedRadio Kind = iota
	KindNeighborDiscovery
	KindDirectIP
	KindAudioBeacon
)

func (k Kind) String() string {
	switch k {
	case KindPairedRadio:
		return "PairedRadio"
	case KindNeighborDiscovery:
		return "NeighborDiscovery"
	case KindDirectIP:
		return "DirectIP"
	case KindAudioBeacon:
		return "AudioBeacon"
	default:
		return "Unknown"
	}
}

// Event represents a transport-level lifecycle event.
type Event int

const (
	EventConnected Event = iota
	EventDisconnected
	EventError
)

func (e Event) String() string {
	switch e {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// PacketHandler is invoked when a transport decodes an inbound packet.
type PacketHandler func(p *packet.MeshPacket, from EndpointID)

// PeerConnectedHandler is invoked when a transport establishes or
// upgrades a link partner's identity to a known mesh_id.
type PeerConnectedHandler func(meshID core.MeshID, endpoint EndpointID, displayName string)

// PeerDisconnectedHandler is invoked when a transport loses a link partner.
type PeerDisconnectedHandler func(endpoint EndpointID)

// Transport is the contract the dispatcher drives. Callback slots are
// set before Start and are never changed while the transport is active.
type Transport interface {
	Name() string
	Kind() Kind
	IsConnected() bool

	// Start begins advertising/discovery/listening. Idempotent.
	Start(ctx context.Context) error
	// Stop ceases all activity and releases resources. Idempotent.
	Stop() error

	SetPacketHandler(fn PacketHandler)
	SetPeerConnectedHandler(fn PeerConnectedHandler)
	SetPeerDisconnectedHandler(fn PeerDisconnectedHandler)

	// SendPacket encodes and transmits p. endpoint == "" means "every
	// currently connected endpoint on this transport."
	SendPacket(p *packet.MeshPacket, endpoint EndpointID) error
	// SendBytes transmits raw, already-encoded data, used by
	// AudioBeacon's beacon-only framing and by transports relaying a
	// packet they never decoded.
	SendBytes(raw []byte, endpoint EndpointID) error
}
