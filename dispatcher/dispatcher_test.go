package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/meshtalk/meshcore/core"
	"github.com/meshtalk/meshcore/core/packet"
	"github.com/meshtalk/meshcore/statusbus"
	"github.com/meshtalk/meshcore/transport"
)

// fakeTransport is an in-memory transport.Transport used to exercise
// the dispatcher without a real link.
type fakeTransport struct {
	name      string
	kind      transport.Kind
	startErr  error
	sendErr   error
	connected bool

	mu   sync.Mutex
	sent []sentPacket

	packetHandler      transport.PacketHandler
	peerConnectedFn    transport.PeerConnectedHandler
	peerDisconnectedFn transport.PeerDisconnectedHandler
}

type sentPacket struct {
	p        *packet.MeshPacket
	endpoint transport.EndpointID
}

func (f *fakeTransport) Name() string         { return f.name }
func (f *fakeTransport) Kind() transport.Kind { return f.kind }
func (f *fakeTransport) IsConnected() bool    { return f.connected }

func (f *fakeTransport) Start(ctx context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) Stop() error {
	f.connected = false
	return nil
}

func (f *fakeTransport) SetPacketHandler(fn transport.PacketHandler) { f.packetHandler = fn }
func (f *fakeTransport) SetPeerConnectedHandler(fn transport.PeerConnectedHandler) {
	f.peerConnectedFn = fn
}
func (f *fakeTransport) SetPeerDisconnectedHandler(fn transport.PeerDisconnectedHandler) {
	f.peerDisconnectedFn = fn
}

func (f *fakeTransport) SendPacket(p *packet.MeshPacket, endpoint transport.EndpointID) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.mu.Lock()
	f.sent = append(f.sent, sentPacket{p: p, endpoint: endpoint})
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) SendBytes(raw []byte, endpoint transport.EndpointID) error {
	return nil
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeSink struct {
	mu            sync.Mutex
	packets       []transport.Kind
	connects      int
	disconnects   int
	announceCalls int
}

func (s *fakeSink) HandlePacket(p *packet.MeshPacket, from transport.EndpointID, via transport.Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packets = append(s.packets, via)
}

func (s *fakeSink) PeerConnected(meshID core.MeshID, endpoint transport.EndpointID, displayName string, via transport.Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects++
}

func (s *fakeSink) PeerDisconnected(endpoint transport.EndpointID, via transport.Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnects++
}

func (s *fakeSink) BroadcastPeerAnnouncement() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.announceCalls++
}

func newTestPacket() *packet.MeshPacket {
	return &packet.MeshPacket{
		PacketID:    uuid.New(),
		Version:     packet.CurrentVersion,
		Kind:        packet.KindMessage,
		SenderID:    core.MeshID("aaa"),
		Destination: core.Broadcast,
		MaxHops:     packet.DefaultMaxHops,
	}
}

func TestDispatcher_PriorityOrdering(t *testing.T) {
	audio := &fakeTransport{name: "audio", kind: transport.KindAudioBeacon}
	direct := &fakeTransport{name: "direct", kind: transport.KindDirectIP}
	neighbor := &fakeTransport{name: "neighbor", kind: transport.KindNeighborDiscovery}
	radio := &fakeTransport{name: "radio", kind: transport.KindPairedRadio}

	d := New(Config{Transports: []transport.Transport{audio, direct, neighbor, radio}})

	d.mu.RLock()
	defer d.mu.RUnlock()
	want := []string{"neighbor", "radio", "direct", "audio"}
	for i, e := range d.entries {
		if e.transport.Name() != want[i] {
			t.Fatalf("entries[%d] = %s, want %s", i, e.transport.Name(), want[i])
		}
	}
}

func TestDispatcher_StartAllTolerantOfFailure(t *testing.T) {
	good := &fakeTransport{name: "good", kind: transport.KindDirectIP}
	bad := &fakeTransport{name: "bad", kind: transport.KindPairedRadio, startErr: errors.New("port busy")}
	bus := statusbus.New()
	sink := &fakeSink{}

	d := New(Config{Transports: []transport.Transport{good, bad}, Bus: bus, Sink: sink, AnnounceInterval: time.Hour})
	d.StartAll(context.Background())
	defer d.StopAll()

	if !good.connected {
		t.Error("expected good transport to start")
	}
	if bad.connected {
		t.Error("expected bad transport to remain stopped")
	}

	status := bus.ConnectionStatus()
	if !status.IsActive {
		t.Error("expected aggregate status active")
	}
	if len(status.ActiveTransports) != 1 || status.ActiveTransports[0] != "good" {
		t.Errorf("ActiveTransports = %v, want [good]", status.ActiveTransports)
	}
}

func TestDispatcher_SendFanOut(t *testing.T) {
	a := &fakeTransport{name: "a", kind: transport.KindDirectIP}
	b := &fakeTransport{name: "b", kind: transport.KindAudioBeacon}
	d := New(Config{Transports: []transport.Transport{a, b}, AnnounceInterval: time.Hour})
	d.StartAll(context.Background())
	defer d.StopAll()

	d.Send(newTestPacket(), "", nil)

	if a.sentCount() != 1 || b.sentCount() != 1 {
		t.Fatalf("expected fan-out to both transports, got a=%d b=%d", a.sentCount(), b.sentCount())
	}
}

func TestDispatcher_SendTargeted(t *testing.T) {
	a := &fakeTransport{name: "a", kind: transport.KindDirectIP}
	b := &fakeTransport{name: "b", kind: transport.KindAudioBeacon}
	d := New(Config{Transports: []transport.Transport{a, b}, AnnounceInterval: time.Hour})
	d.StartAll(context.Background())
	defer d.StopAll()

	kind := transport.KindAudioBeacon
	d.Send(newTestPacket(), "endpoint-1", &kind)

	if a.sentCount() != 0 {
		t.Error("expected untargeted transport to receive nothing")
	}
	if b.sentCount() != 1 {
		t.Fatal("expected targeted transport to receive the packet")
	}
	if b.sent[0].endpoint != "endpoint-1" {
		t.Errorf("endpoint = %q, want endpoint-1", b.sent[0].endpoint)
	}
}

func TestDispatcher_SendIgnoresInactiveTransport(t *testing.T) {
	a := &fakeTransport{name: "a", kind: transport.KindDirectIP, startErr: errors.New("down")}
	d := New(Config{Transports: []transport.Transport{a}, AnnounceInterval: time.Hour})
	d.StartAll(context.Background())
	defer d.StopAll()

	d.Send(newTestPacket(), "", nil)
	if a.sentCount() != 0 {
		t.Error("expected inactive transport to receive nothing")
	}
}

func TestDispatcher_WiresCallbacksToSink(t *testing.T) {
	a := &fakeTransport{name: "a", kind: transport.KindDirectIP}
	sink := &fakeSink{}
	d := New(Config{Transports: []transport.Transport{a}, Sink: sink, AnnounceInterval: time.Hour})
	d.StartAll(context.Background())
	defer d.StopAll()

	a.packetHandler(newTestPacket(), "ep")
	a.peerConnectedFn(core.MeshID("bbb"), "ep", "Bob")
	a.peerDisconnectedFn("ep")

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.packets) != 1 || sink.packets[0] != transport.KindDirectIP {
		t.Errorf("packets = %v, want one DirectIP packet", sink.packets)
	}
	if sink.connects != 1 {
		t.Errorf("connects = %d, want 1", sink.connects)
	}
	if sink.disconnects != 1 {
		t.Errorf("disconnects = %d, want 1", sink.disconnects)
	}
}

func TestDispatcher_AnnounceTicker(t *testing.T) {
	a := &fakeTransport{name: "a", kind: transport.KindDirectIP}
	sink := &fakeSink{}
	d := New(Config{Transports: []transport.Transport{a}, Sink: sink, AnnounceInterval: 10 * time.Millisecond})
	d.StartAll(context.Background())
	defer d.StopAll()

	deadline := time.After(500 * time.Millisecond)
	for {
		sink.mu.Lock()
		calls := sink.announceCalls
		sink.mu.Unlock()
		if calls > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("expected at least one announce call")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestDispatcher_ConnectedCountTracksCallbacks(t *testing.T) {
	a := &fakeTransport{name: "a", kind: transport.KindDirectIP}
	sink := &fakeSink{}
	d := New(Config{Transports: []transport.Transport{a}, Sink: sink, AnnounceInterval: time.Hour})
	d.StartAll(context.Background())
	defer d.StopAll()

	if got := d.ConnectedCount(); got != 0 {
		t.Fatalf("ConnectedCount = %d, want 0 before any connect", got)
	}

	a.peerConnectedFn(core.MeshID("bbb"), "ep-1", "Bob")
	a.peerConnectedFn(core.MeshID("ccc"), "ep-2", "Carol")
	if got := d.ConnectedCount(); got != 2 {
		t.Fatalf("ConnectedCount = %d, want 2 after two connects", got)
	}
	if status := d.aggregateStatus(); status.ConnectedPeerCount != 2 {
		t.Fatalf("aggregateStatus.ConnectedPeerCount = %d, want 2", status.ConnectedPeerCount)
	}

	a.peerDisconnectedFn("ep-1")
	if got := d.ConnectedCount(); got != 1 {
		t.Fatalf("ConnectedCount = %d, want 1 after disconnect", got)
	}
}

func TestDispatcher_StopAllStopsEveryTransport(t *testing.T) {
	a := &fakeTransport{name: "a", kind: transport.KindDirectIP}
	b := &fakeTransport{name: "b", kind: transport.KindAudioBeacon}
	d := New(Config{Transports: []transport.Transport{a, b}, AnnounceInterval: time.Hour})
	d.StartAll(context.Background())
	d.StopAll()

	if a.connected || b.connected {
		t.Error("expected both transports stopped")
	}
}
