package packet

import (
	"bytes"
	"testing"

	"github.com/google/uuid"

	"github.com/meshtalk/meshcore/core"
)

func sample() *MeshPacket {
	ack := uuid.New()
	return &MeshPacket{
		PacketID:    uuid.New(),
		Version:     CurrentVersion,
		Kind:        KindMessage,
		SenderID:    core.MeshID("node-a"),
		SenderName:  "Alice",
		Destination: core.MeshID("node-b"),
		HopCount:    2,
		MaxHops:     DefaultMaxHops,
		TimestampMs: 1700000000000,
		PreviousHop: core.MeshID("node-relay"),
		RoutePath:   []core.MeshID{"node-a", "node-relay"},
		ContentKind: ContentText,
		Content:     []byte("hello mesh"),
		AckForPacketID: &ack,
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	want := sample()
	raw, err := Encode(want)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if got.PacketID != want.PacketID {
		t.Errorf("PacketID mismatch")
	}
	if got.Kind != want.Kind {
		t.Errorf("Kind = %v, want %v", got.Kind, want.Kind)
	}
	if got.SenderID != want.SenderID || got.SenderName != want.SenderName {
		t.Errorf("sender mismatch")
	}
	if got.Destination != want.Destination {
		t.Errorf("Destination = %v, want %v", got.Destination, want.Destination)
	}
	if got.HopCount != want.HopCount || got.MaxHops != want.MaxHops {
		t.Errorf("hop fields mismatch")
	}
	if got.TimestampMs != want.TimestampMs {
		t.Errorf("TimestampMs mismatch")
	}
	if got.PreviousHop != want.PreviousHop {
		t.Errorf("PreviousHop mismatch")
	}
	if len(got.RoutePath) != len(want.RoutePath) {
		t.Fatalf("RoutePath length = %d, want %d", len(got.RoutePath), len(want.RoutePath))
	}
	for i := range want.RoutePath {
		if got.RoutePath[i] != want.RoutePath[i] {
			t.Errorf("RoutePath[%d] = %v, want %v", i, got.RoutePath[i], want.RoutePath[i])
		}
	}
	if !bytes.Equal(got.Content, want.Content) {
		t.Errorf("Content mismatch")
	}
	if got.AckForPacketID == nil || *got.AckForPacketID != *want.AckForPacketID {
		t.Errorf("AckForPacketID mismatch")
	}
}

func TestEncodeDecodeWithMediaInfo(t *testing.T) {
	want := sample()
	want.Kind = KindMediaChunk
	want.ContentKind = ContentImage
	want.MediaInfo = &MediaInfo{
		FileName:    "photo.jpg",
		MimeType:    "image/jpeg",
		TotalSize:   102400,
		ChunkIndex:  3,
		TotalChunks: 10,
		Checksum:    "abc123",
	}

	raw, err := Encode(want)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.MediaInfo == nil {
		t.Fatal("MediaInfo not decoded")
	}
	if *got.MediaInfo != *want.MediaInfo {
		t.Errorf("MediaInfo = %+v, want %+v", got.MediaInfo, want.MediaInfo)
	}
}

func TestDecodeSkipsUnknownTag(t *testing.T) {
	want := sample()
	raw, err := Encode(want)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var buf bytes.Buffer
	buf.Write(raw)
	writeField(&buf, tag(200), []byte("future field from a newer build"))

	got, err := Decode(buf.Bytes())
	if err != nil {
		t.Fatalf("Decode with unknown trailing tag: %v", err)
	}
	if got.PacketID != want.PacketID {
		t.Errorf("decoding broke on unknown tag")
	}
}

func TestDecodeToleratesTrailingWhitespace(t *testing.T) {
	want := sample()
	raw, err := Encode(want)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	raw = append(raw, ' ', '\r', '\n')

	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode with trailing whitespace: %v", err)
	}
	if got.PacketID != want.PacketID || !bytes.Equal(got.Content, want.Content) {
		t.Error("trailing whitespace corrupted decode")
	}
}

func TestEncodeRejectsOversizedContent(t *testing.T) {
	p := sample()
	p.Content = make([]byte, MaxCorePayload+1)
	if _, err := Encode(p); err == nil {
		t.Error("expected error for oversized content")
	}
}

func TestDecodeRejectsTruncatedFrame(t *testing.T) {
	want := sample()
	raw, err := Encode(want)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := Decode(raw[:len(raw)-3]); err == nil {
		t.Error("expected error decoding truncated frame")
	}
}

func TestDecodeRequiresPacketIDAndKind(t *testing.T) {
	var buf bytes.Buffer
	writeField(&buf, tagSenderName, []byte("no id or kind here"))
	if _, err := Decode(buf.Bytes()); err == nil {
		t.Error("expected error decoding frame missing required fields")
	}
}
