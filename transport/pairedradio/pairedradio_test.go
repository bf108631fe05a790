package pairedradio

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/meshtalk/meshcore/core"
	"github.com/meshtalk/meshcore/core/chunk"
	"github.com/meshtalk/meshcore/core/packet"
	"github.com/meshtalk/meshcore/transport"
)

func makeTestPacket() *packet.MeshPacket {
	return &packet.MeshPacket{
		PacketID:    uuid.New(),
		Version:     packet.CurrentVersion,
		Kind:        packet.KindMessage,
		SenderID:    core.MeshID("node-a"),
		Destination: core.MeshID("node-b"),
		MaxHops:     packet.DefaultMaxHops,
		ContentKind: packet.ContentText,
		Content:     []byte("hello"),
	}
}

func frameFragments(fragments [][]byte) []byte {
	var out []byte
	for _, f := range fragments {
		var l [lengthPrefix]byte
		binary.LittleEndian.PutUint16(l[:], uint16(len(f)))
		out = append(out, l[:]...)
		out = append(out, f...)
	}
	return out
}

func newTestTransport() *Transport {
	return &Transport{
		log:         New(Config{Port: "/dev/null"}).log,
		endpoint:    transport.EndpointID("/dev/ttyTEST0"),
		reassembler: chunk.NewReassembler(),
	}
}

func TestProcessFramesSingleFragmentPacket(t *testing.T) {
	pkt := makeTestPacket()
	encoded, err := packet.Encode(pkt)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	data := frameFragments(chunk.Split(encoded))

	var mu sync.Mutex
	var received []*packet.MeshPacket
	tr := newTestTransport()
	tr.packetHandler = func(p *packet.MeshPacket, from transport.EndpointID) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, p)
		if from != tr.endpoint {
			t.Errorf("endpoint = %v, want %v", from, tr.endpoint)
		}
	}

	remaining := tr.processFrames(data)
	if len(remaining) != 0 {
		t.Errorf("expected no remaining bytes, got %d", len(remaining))
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected 1 packet, got %d", len(received))
	}
	if received[0].PacketID != pkt.PacketID {
		t.Error("packet_id mismatch")
	}
}

func TestProcessFramesIncompleteFrame(t *testing.T) {
	pkt := makeTestPacket()
	encoded, _ := packet.Encode(pkt)
	data := frameFragments(chunk.Split(encoded))
	partial := data[:len(data)-2]

	tr := newTestTransport()
	var received []*packet.MeshPacket
	tr.packetHandler = func(p *packet.MeshPacket, _ transport.EndpointID) {
		received = append(received, p)
	}

	remaining := tr.processFrames(partial)
	if len(received) != 0 {
		t.Errorf("expected 0 packets from incomplete data, got %d", len(received))
	}
	if len(remaining) != len(partial) {
		t.Errorf("expected all bytes held back, got %d vs %d", len(remaining), len(partial))
	}
}

func TestProcessFramesIncrementalAssembly(t *testing.T) {
	pkt := makeTestPacket()
	encoded, _ := packet.Encode(pkt)
	data := frameFragments(chunk.Split(encoded))

	tr := newTestTransport()
	var received []*packet.MeshPacket
	tr.packetHandler = func(p *packet.MeshPacket, _ transport.EndpointID) {
		received = append(received, p)
	}

	var buf []byte
	for _, b := range data {
		buf = append(buf, b)
		buf = tr.processFrames(buf)
	}

	if len(received) != 1 {
		t.Fatalf("expected 1 packet after incremental assembly, got %d", len(received))
	}
	if len(buf) != 0 {
		t.Errorf("expected no remaining bytes, got %d", len(buf))
	}
}

func TestSendPacketNotConnected(t *testing.T) {
	tr := New(Config{Port: "/dev/null"})
	if err := tr.SendPacket(makeTestPacket(), ""); err == nil {
		t.Fatal("expected error when not connected")
	}
}

func TestNewDefaults(t *testing.T) {
	tr := New(Config{Port: "/dev/ttyUSB0"})
	if tr.cfg.BaudRate != DefaultBaudRate {
		t.Errorf("BaudRate = %d, want default %d", tr.cfg.BaudRate, DefaultBaudRate)
	}
	if tr.log == nil {
		t.Error("expected logger to be set")
	}
	if tr.endpoint != transport.EndpointID("/dev/ttyUSB0") {
		t.Errorf("endpoint = %v, want port-derived", tr.endpoint)
	}
}
