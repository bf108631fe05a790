package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/meshtalk/meshcore/core"
	"github.com/meshtalk/meshcore/persistence"
)

func TestInsertIgnoreIsIdempotent(t *testing.T) {
	s := NewMessageStore()
	ctx := context.Background()
	msg := &persistence.MeshMessage{
		PacketID:       uuid.New(),
		ConversationID: "broadcast",
		Status:         persistence.StatusSending,
	}

	if err := s.InsertIgnore(ctx, msg); err != nil {
		t.Fatalf("InsertIgnore: %v", err)
	}

	later := *msg
	later.Status = persistence.StatusFailed
	if err := s.InsertIgnore(ctx, &later); err != nil {
		t.Fatalf("InsertIgnore (duplicate): %v", err)
	}

	got, err := s.GetByPacketID(ctx, msg.PacketID)
	if err != nil {
		t.Fatalf("GetByPacketID: %v", err)
	}
	if got.Status != persistence.StatusSending {
		t.Errorf("status = %v, want unchanged StatusSending", got.Status)
	}
}

func TestUpdateStatusAndGetUndeliveredForPeer(t *testing.T) {
	s := NewMessageStore()
	ctx := context.Background()
	peer := core.MeshID("node-b")

	m1 := &persistence.MeshMessage{PacketID: uuid.New(), Destination: peer, Status: persistence.StatusSent}
	m2 := &persistence.MeshMessage{PacketID: uuid.New(), Destination: peer, Status: persistence.StatusDelivered}
	s.InsertIgnore(ctx, m1)
	s.InsertIgnore(ctx, m2)

	undelivered, err := s.GetUndeliveredForPeer(ctx, peer)
	if err != nil {
		t.Fatalf("GetUndeliveredForPeer: %v", err)
	}
	if len(undelivered) != 1 || undelivered[0].PacketID != m1.PacketID {
		t.Fatalf("GetUndeliveredForPeer = %+v, want only m1", undelivered)
	}

	if err := s.UpdateStatus(ctx, m1.PacketID, persistence.StatusDelivered); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	undelivered, _ = s.GetUndeliveredForPeer(ctx, peer)
	if len(undelivered) != 0 {
		t.Errorf("expected no undelivered messages after update, got %d", len(undelivered))
	}
}

func TestObserveConversationReplaysThenStreams(t *testing.T) {
	s := NewMessageStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	existing := &persistence.MeshMessage{PacketID: uuid.New(), ConversationID: "c1"}
	s.InsertIgnore(context.Background(), existing)

	ch, err := s.ObserveConversation(ctx, "c1")
	if err != nil {
		t.Fatalf("ObserveConversation: %v", err)
	}

	select {
	case msg := <-ch:
		if msg.PacketID != existing.PacketID {
			t.Errorf("replayed message = %v, want %v", msg.PacketID, existing.PacketID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for replay")
	}

	fresh := &persistence.MeshMessage{PacketID: uuid.New(), ConversationID: "c1"}
	s.InsertIgnore(context.Background(), fresh)

	select {
	case msg := <-ch:
		if msg.PacketID != fresh.PacketID {
			t.Errorf("streamed message = %v, want %v", msg.PacketID, fresh.PacketID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for streamed insert")
	}
}

func TestDeleteOlderThan(t *testing.T) {
	s := NewMessageStore()
	ctx := context.Background()
	old := &persistence.MeshMessage{PacketID: uuid.New(), TimestampMs: 1000}
	recent := &persistence.MeshMessage{PacketID: uuid.New(), TimestampMs: time.Now().UnixMilli()}
	s.InsertIgnore(ctx, old)
	s.InsertIgnore(ctx, recent)

	n, err := s.DeleteOlderThan(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("DeleteOlderThan: %v", err)
	}
	if n != 1 {
		t.Fatalf("DeleteOlderThan removed %d, want 1", n)
	}
	if ok, _ := s.Exists(ctx, old.PacketID); ok {
		t.Error("old message should have been deleted")
	}
	if ok, _ := s.Exists(ctx, recent.PacketID); !ok {
		t.Error("recent message should still exist")
	}
}

func TestPeerUpsertPreservesFlags(t *testing.T) {
	s := NewPeerStore()
	ctx := context.Background()
	id := core.MeshID("node-a")

	first := &persistence.Peer{MeshID: id, DisplayName: "Alice", IsFavorite: true, AvatarColor: "#ff0000"}
	if err := s.Upsert(ctx, first); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	update := &persistence.Peer{MeshID: id, DisplayName: "Alice W.", ConnectionState: persistence.StateConnected}
	if err := s.Upsert(ctx, update); err != nil {
		t.Fatalf("Upsert update: %v", err)
	}

	got, err := s.GetByMeshID(ctx, id)
	if err != nil {
		t.Fatalf("GetByMeshID: %v", err)
	}
	if got.DisplayName != "Alice W." {
		t.Errorf("DisplayName = %q, want updated", got.DisplayName)
	}
	if !got.IsFavorite || got.AvatarColor != "#ff0000" {
		t.Errorf("expected flags/color preserved, got %+v", got)
	}
	if got.ConnectionState != persistence.StateConnected {
		t.Errorf("ConnectionState = %v, want CONNECTED", got.ConnectionState)
	}
}

func TestMarkLostTransitionsStalePeers(t *testing.T) {
	s := NewPeerStore()
	ctx := context.Background()
	id := core.MeshID("node-stale")
	s.Upsert(ctx, &persistence.Peer{
		MeshID:          id,
		ConnectionState: persistence.StateConnected,
		LastSeen:        time.Now().Add(-time.Hour),
	})

	n, err := s.MarkLost(ctx, time.Minute)
	if err != nil {
		t.Fatalf("MarkLost: %v", err)
	}
	if n != 1 {
		t.Fatalf("MarkLost returned %d, want 1", n)
	}
	got, _ := s.GetByMeshID(ctx, id)
	if got.ConnectionState != persistence.StateLost {
		t.Errorf("ConnectionState = %v, want LOST", got.ConnectionState)
	}
}

func TestConversationUpdateLastMessageIncrementsUnread(t *testing.T) {
	s := NewConversationStore()
	ctx := context.Background()
	s.Upsert(ctx, &persistence.Conversation{ID: "c1", PeerID: core.MeshID("node-a")})

	if err := s.UpdateLastMessage(ctx, "c1", "hello", 123, true); err != nil {
		t.Fatalf("UpdateLastMessage: %v", err)
	}
	got, _ := s.GetByID(ctx, "c1")
	if got.UnreadCount != 1 || got.LastMessagePreview != "hello" {
		t.Errorf("got %+v", got)
	}

	if err := s.ClearUnread(ctx, "c1"); err != nil {
		t.Fatalf("ClearUnread: %v", err)
	}
	got, _ = s.GetByID(ctx, "c1")
	if got.UnreadCount != 0 {
		t.Errorf("UnreadCount = %d, want 0 after clear", got.UnreadCount)
	}
}
