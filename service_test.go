package meshcore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/meshtalk/meshcore/core"
	"github.com/meshtalk/meshcore/core/packet"
	"github.com/meshtalk/meshcore/persistence"
	"github.com/meshtalk/meshcore/persistence/memstore"
	"github.com/meshtalk/meshcore/transport"
)

type loopTransport struct {
	mu   sync.Mutex
	sent []*packet.MeshPacket

	packetHandler      transport.PacketHandler
	peerConnectedFn    transport.PeerConnectedHandler
	peerDisconnectedFn transport.PeerDisconnectedHandler

	started bool
}

func (l *loopTransport) Name() string         { return "loop" }
func (l *loopTransport) Kind() transport.Kind { return transport.KindNeighborDiscovery }
func (l *loopTransport) IsConnected() bool    { return l.started }

func (l *loopTransport) Start(ctx context.Context) error {
	l.started = true
	return nil
}

func (l *loopTransport) Stop() error {
	l.started = false
	return nil
}

func (l *loopTransport) SetPacketHandler(fn transport.PacketHandler) { l.packetHandler = fn }
func (l *loopTransport) SetPeerConnectedHandler(fn transport.PeerConnectedHandler) {
	l.peerConnectedFn = fn
}
func (l *loopTransport) SetPeerDisconnectedHandler(fn transport.PeerDisconnectedHandler) {
	l.peerDisconnectedFn = fn
}

func (l *loopTransport) SendPacket(p *packet.MeshPacket, _ transport.EndpointID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, p)
	return nil
}

func (l *loopTransport) SendBytes([]byte, transport.EndpointID) error { return nil }

func (l *loopTransport) sentCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sent)
}

func newTestService(t *testing.T) (*Service, *loopTransport) {
	t.Helper()
	link := &loopTransport{}
	svc, err := New(Config{
		LocalMeshID:      core.MeshID("local"),
		LocalDisplayName: "Local",
		Store: persistence.Store{
			Messages:      memstore.NewMessageStore(),
			Peers:         memstore.NewPeerStore(),
			Conversations: memstore.NewConversationStore(),
		},
		Transports:       []transport.Transport{link},
		AnnounceInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc, link
}

func TestServiceSendMessageReachesTransport(t *testing.T) {
	svc, link := newTestService(t)
	svc.Start(context.Background())
	defer svc.Stop()

	msg, err := svc.SendMessage(context.Background(), core.Broadcast, []byte("hi"), packet.ContentText, nil)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if msg.Status != persistence.StatusSent {
		t.Errorf("status = %v, want SENT", msg.Status)
	}
	if link.sentCount() != 1 {
		t.Fatalf("expected packet on transport, got %d", link.sentCount())
	}
}

func TestServiceInboundPacketReachesBus(t *testing.T) {
	svc, link := newTestService(t)
	svc.Start(context.Background())
	defer svc.Stop()

	p := &packet.MeshPacket{
		PacketID:    uuid.New(),
		Version:     packet.CurrentVersion,
		Kind:        packet.KindMessage,
		SenderID:    core.MeshID("remote"),
		SenderName:  "Remote",
		Destination: core.Broadcast,
		MaxHops:     packet.DefaultMaxHops,
		ContentKind: packet.ContentText,
		Content:     []byte("hello"),
	}
	link.packetHandler(p, "remote-ep")

	msgs := svc.Bus().DrainMessages()
	if len(msgs) != 1 || msgs[0].PacketID != p.PacketID {
		t.Fatalf("expected delivered message on bus, got %+v", msgs)
	}
}

func TestServiceStopIsIdempotent(t *testing.T) {
	svc, link := newTestService(t)
	svc.Start(context.Background())
	svc.Stop()
	svc.Stop()

	if link.started {
		t.Error("expected transport stopped")
	}
}

func TestServicePublishesConnectionStatus(t *testing.T) {
	svc, _ := newTestService(t)
	svc.Start(context.Background())
	defer svc.Stop()

	status := svc.Bus().ConnectionStatus()
	if !status.IsActive {
		t.Errorf("connection status = %+v, want active", status)
	}
	if len(status.ActiveTransports) != 1 || status.ActiveTransports[0] != "loop" {
		t.Errorf("ActiveTransports = %v, want [loop]", status.ActiveTransports)
	}
}
