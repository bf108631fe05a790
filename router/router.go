// Package router implements the mesh router. It accepts inbound
// packets from the dispatcher and outbound send requests from the
// application, and owns every routing decision: deduplication, TTL
// and loop checks, ACK generation, peer-discovery handling,
// store-and-forward, and the status bus emissions that result.
//
// The router never holds a transport or dispatcher reference
// directly. It owns a SendFunc handle, set once after construction,
// which breaks the router/dispatcher reference cycle.
package router

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meshtalk/meshcore/core"
	"github.com/meshtalk/meshcore/core/announce"
	"github.com/meshtalk/meshcore/core/dedupe"
	"github.com/meshtalk/meshcore/core/identity"
	"github.com/meshtalk/meshcore/core/packet"
	"github.com/meshtalk/meshcore/dispatcher"
	"github.com/meshtalk/meshcore/persistence"
	"github.com/meshtalk/meshcore/statusbus"
	"github.com/meshtalk/meshcore/transport"
)

const (
	// DefaultReplayWindow is how far back store-and-forward will look
	// when a policy layer wants a replay window; the router itself
	// only consults persistence.GetUndeliveredForPeer, which is not
	// age-bounded.
	DefaultReplayWindow = 24 * time.Hour
	// DefaultRetentionAge is the default message-deletion age.
	DefaultRetentionAge = 30 * 24 * time.Hour
	// DefaultPeerLostThreshold is the staleness window after which a
	// CONNECTED peer is marked LOST.
	DefaultPeerLostThreshold = 10 * time.Minute
	// DefaultSweepInterval is how often the retention/peer-lost sweep runs.
	DefaultSweepInterval = time.Hour

	previewTextLimit = 100
)

// SendFunc is the outbound half of the router/dispatcher contract.
// The router calls it to hand a fully-built packet to the transport
// layer; a typical wiring binds it to (*dispatcher.Dispatcher).Send.
type SendFunc func(p *packet.MeshPacket, endpoint transport.EndpointID, kind *transport.Kind)

// Config configures a Router.
type Config struct {
	LocalMeshID      core.MeshID
	LocalDisplayName string
	// MaxHops is the default TTL budget stamped on packets this node
	// originates. Default: packet.DefaultMaxHops (7).
	MaxHops uint8

	Store persistence.Store
	Bus   *statusbus.Bus
	// Dedupe overrides the default seen-packet cache; mainly for tests.
	Dedupe *dedupe.Cache

	// SigningKey, when set, signs outgoing PEER_ANNOUNCE content and
	// enables ECDH sealing of non-broadcast MESSAGE content once a
	// peer's public key is known. nil disables both without changing
	// any other behavior.
	SigningKey *identity.KeyPair

	RetentionAge      time.Duration
	PeerLostThreshold time.Duration
	SweepInterval     time.Duration

	Logger *slog.Logger
	// Now overrides time.Now, for tests.
	Now func() time.Time
}

// Router is the mesh router.
type Router struct {
	log       *slog.Logger
	localID   core.MeshID
	localName string
	maxHops   uint8

	store      persistence.Store
	bus        *statusbus.Bus
	dedupeC    *dedupe.Cache
	signingKey *identity.KeyPair
	now        func() time.Time

	retentionAge      time.Duration
	peerLostThreshold time.Duration
	sweepInterval     time.Duration

	mu   sync.RWMutex
	send SendFunc

	keyMu    sync.RWMutex
	peerKeys map[core.MeshID]ed25519.PublicKey

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

var _ dispatcher.Sink = (*Router)(nil)

// New creates a Router from cfg. LocalMeshID must be non-empty.
func New(cfg Config) (*Router, error) {
	if cfg.LocalMeshID.IsZero() {
		return nil, core.ErrEmptyMeshID
	}
	if cfg.MaxHops == 0 {
		cfg.MaxHops = packet.DefaultMaxHops
	}
	if cfg.Dedupe == nil {
		cfg.Dedupe = dedupe.New()
	}
	if cfg.Bus == nil {
		cfg.Bus = statusbus.New()
	}
	if cfg.RetentionAge <= 0 {
		cfg.RetentionAge = DefaultRetentionAge
	}
	if cfg.PeerLostThreshold <= 0 {
		cfg.PeerLostThreshold = DefaultPeerLostThreshold
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Router{
		log:               logger.WithGroup("router"),
		localID:           cfg.LocalMeshID,
		localName:         cfg.LocalDisplayName,
		maxHops:           cfg.MaxHops,
		store:             cfg.Store,
		bus:               cfg.Bus,
		dedupeC:           cfg.Dedupe,
		signingKey:        cfg.SigningKey,
		now:               now,
		retentionAge:      cfg.RetentionAge,
		peerLostThreshold: cfg.PeerLostThreshold,
		sweepInterval:     cfg.SweepInterval,
		peerKeys:          make(map[core.MeshID]ed25519.PublicKey),
	}, nil
}

// SetSender installs the outbound send handle. Must be called once,
// before any inbound traffic or outbound send is driven through the router.
func (r *Router) SetSender(fn SendFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.send = fn
}

func (r *Router) sender() SendFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.send
}

// Bus exposes the router's status bus to application consumers.
func (r *Router) Bus() *statusbus.Bus { return r.bus }

func (r *Router) nowMs() int64 { return r.now().UnixMilli() }

// Run starts the periodic retention and stale-peer sweep, independent
// of routing. It returns immediately; the sweep runs until the
// supplied context is canceled or Stop is called.
func (r *Router) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.sweepCancel = cancel
	r.sweepDone = make(chan struct{})
	go r.sweepLoop(ctx)
}

// Stop cancels the sweep loop and waits for it to exit.
func (r *Router) Stop() {
	if r.sweepCancel != nil {
		r.sweepCancel()
		<-r.sweepDone
		r.sweepCancel = nil
	}
}

func (r *Router) sweepLoop(ctx context.Context) {
	defer close(r.sweepDone)
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runSweep(context.Background())
		}
	}
}

func (r *Router) runSweep(ctx context.Context) {
	if _, err := r.store.Messages.DeleteOlderThan(ctx, r.now().Add(-r.retentionAge)); err != nil {
		r.log.Warn("retention sweep failed", "error", err)
	}
	if _, err := r.store.Peers.MarkLost(ctx, r.peerLostThreshold); err != nil {
		r.log.Warn("peer-lost sweep failed", "error", err)
	}
}

// ---------------------------------------------------------------
// Inbound pipeline
// ---------------------------------------------------------------

// HandlePacket is the dispatcher-facing entry point: dedup -> TTL ->
// loop -> kind dispatch. Satisfies dispatcher.Sink.
func (r *Router) HandlePacket(p *packet.MeshPacket, from transport.EndpointID, via transport.Kind) {
	if r.dedupeC.HasSeen(p.PacketID) {
		r.log.Debug("dropping duplicate packet", "packet_id", p.PacketID)
		return
	}
	if p.IsExpired() {
		r.log.Debug("dropping expired packet", "packet_id", p.PacketID, "hop_count", p.HopCount)
		return
	}
	if p.HasVisited(r.localID) {
		r.log.Debug("dropping looped packet", "packet_id", p.PacketID)
		return
	}
	r.dispatchKind(context.Background(), p, from, via)
}

func (r *Router) dispatchKind(ctx context.Context, p *packet.MeshPacket, from transport.EndpointID, via transport.Kind) {
	switch p.Kind {
	case packet.KindMessage, packet.KindMediaChunk:
		r.handleMessage(ctx, p)
	case packet.KindAck:
		r.handleAck(ctx, p)
	case packet.KindPeerAnnounce:
		r.handlePeerAnnounce(ctx, p, from, via)
	case packet.KindPeerLeave:
		r.handlePeerLeave(ctx, p)
	case packet.KindPing:
		r.handlePing(ctx, p)
	case packet.KindPong:
		r.handlePong(ctx, p)
	case packet.KindSOS:
		r.handleSOS(ctx, p)
	case packet.KindRouteRequest:
		r.handleRouteRequest(ctx, p)
	case packet.KindRouteReply:
		r.handleRouteReply(ctx, p)
	case packet.KindRelayTable:
		r.handleRelayTable(ctx, p)
	default:
		r.log.Debug("dropping packet of unknown kind", "kind", p.Kind)
	}
}

func (r *Router) handleMessage(ctx context.Context, p *packet.MeshPacket) {
	forUs := p.Destination == r.localID
	broadcast := p.Destination == core.Broadcast
	if forUs || broadcast {
		r.deliver(ctx, p)
		if forUs {
			r.sendAck(ctx, p)
		}
	}
	if !forUs {
		r.forward(ctx, p)
	}
}

func (r *Router) handleAck(ctx context.Context, p *packet.MeshPacket) {
	if p.Destination != r.localID {
		r.forward(ctx, p)
		return
	}
	if p.AckForPacketID == nil {
		return
	}
	if err := r.store.Messages.UpdateStatus(ctx, *p.AckForPacketID, persistence.StatusDelivered); err != nil {
		r.log.Warn("persistence conflict updating message status", "error", err)
		return
	}
	r.bus.PublishStatus(statusbus.StatusEvent{
		Kind:     statusbus.EventMessageDelivered,
		PacketID: *p.AckForPacketID,
	})
}

func (r *Router) handlePeerAnnounce(ctx context.Context, p *packet.MeshPacket, from transport.EndpointID, via transport.Kind) {
	ann, err := announce.Decode(p.Content)
	if err != nil {
		r.log.Debug("dropping malformed peer announcement", "error", err)
		return
	}
	if !r.verifyAnnouncement(ann) {
		r.log.Debug("dropping unverifiable peer announcement", "mesh_id", ann.MeshID)
		return
	}

	state := persistence.StateDiscovered
	if p.HopCount == 0 {
		state = persistence.StateConnected
	}
	peer := &persistence.Peer{
		MeshID:          ann.MeshID,
		DisplayName:     ann.DisplayName,
		DeviceName:      ann.DeviceName,
		EndpointID:      string(from),
		ConnectionState: state,
		Transport:       persistenceTransportKind(via),
		HopDistance:     p.HopCount,
		HasLocation:     ann.HasLocation,
		Latitude:        ann.Latitude,
		Longitude:       ann.Longitude,
		LastSeen:        r.now(),
	}
	if err := r.store.Peers.Upsert(ctx, peer); err != nil {
		r.log.Warn("persistence conflict upserting peer", "error", err)
		return
	}
	if len(ann.PublicKey) == ed25519.PublicKeySize {
		r.rememberPeerKey(ann.MeshID, ann.PublicKey)
	}

	r.bus.PublishStatus(statusbus.StatusEvent{Kind: statusbus.EventPeerDiscovered, Peer: peer})
	r.forward(ctx, p)
	r.storeAndForward(ctx, ann.MeshID)
}

// verifyAnnouncement checks ann.Signature against ann.PublicKey (or a
// previously learned key for ann.MeshID) when a signature is present.
// An unsigned announcement, or one with no key available to verify
// against, is accepted (trust-on-first-use).
func (r *Router) verifyAnnouncement(ann *announce.PeerAnnouncement) bool {
	if len(ann.Signature) == 0 {
		return true
	}
	pub := ed25519.PublicKey(ann.PublicKey)
	if len(pub) != ed25519.PublicKeySize {
		pub = r.lookupPeerKey(ann.MeshID)
	}
	if len(pub) != ed25519.PublicKeySize {
		return true
	}
	portion, err := announce.SignedPortion(announce.Encode(ann))
	if err != nil {
		return false
	}
	return identity.Verify(pub, portion, ann.Signature)
}

func (r *Router) handlePeerLeave(ctx context.Context, p *packet.MeshPacket) {
	if err := r.store.Peers.UpdateConnectionState(ctx, p.SenderID, persistence.StateDisconnected); err != nil {
		r.log.Warn("persistence conflict marking peer disconnected", "error", err)
	}
	r.forward(ctx, p)
}

func (r *Router) handlePing(ctx context.Context, p *packet.MeshPacket) {
	if p.Destination != r.localID {
		r.forward(ctx, p)
		return
	}
	pong := &packet.MeshPacket{
		PacketID:    uuid.New(),
		Version:     packet.CurrentVersion,
		Kind:        packet.KindPong,
		SenderID:    r.localID,
		SenderName:  r.localName,
		Destination: p.SenderID,
		MaxHops:     r.maxHops,
		TimestampMs: r.nowMs(),
		ContentKind: packet.ContentPing,
	}
	r.dedupeC.HasSeen(pong.PacketID)
	r.emit(ctx, pong)
}

func (r *Router) handlePong(ctx context.Context, p *packet.MeshPacket) {
	peer, err := r.store.Peers.GetByMeshID(ctx, p.SenderID)
	if err != nil || peer == nil {
		return
	}
	peer.LastSeen = r.now()
	if err := r.store.Peers.Upsert(ctx, peer); err != nil {
		r.log.Warn("persistence conflict updating peer presence", "error", err)
	}
}

func (r *Router) handleSOS(ctx context.Context, p *packet.MeshPacket) {
	r.deliver(ctx, p)
	r.bus.PublishStatus(statusbus.StatusEvent{
		Kind:          statusbus.EventSOSReceived,
		SOSSenderName: p.SenderName,
		SOSMessage:    string(p.Content),
	})
	r.forward(ctx, p)
}

func (r *Router) handleRouteRequest(ctx context.Context, p *packet.MeshPacket) {
	peer, err := r.store.Peers.GetByMeshID(ctx, p.Destination)
	if err == nil && peer != nil && peer.ConnectionState == persistence.StateConnected {
		reply := &packet.MeshPacket{
			PacketID:    uuid.New(),
			Version:     packet.CurrentVersion,
			Kind:        packet.KindRouteReply,
			SenderID:    r.localID,
			SenderName:  r.localName,
			Destination: p.SenderID,
			MaxHops:     r.maxHops,
			TimestampMs: r.nowMs(),
			ContentKind: packet.ContentText,
			Content:     []byte(p.Destination),
		}
		r.dedupeC.HasSeen(reply.PacketID)
		r.emit(ctx, reply)
	}
	r.forward(ctx, p)
}

func (r *Router) handleRouteReply(ctx context.Context, p *packet.MeshPacket) {
	if p.Destination != r.localID {
		r.forward(ctx, p)
		return
	}
	r.log.Debug("route reply received", "from", p.SenderID, "route", string(p.Content))
}

func (r *Router) handleRelayTable(_ context.Context, p *packet.MeshPacket) {
	// Advisory only; receipt is logged and no peer knowledge is merged.
	r.log.Debug("relay table received", "from", p.SenderID)
}

// deliver persists an inbound packet as a MeshMessage, idempotent on
// PacketID, and updates the owning conversation.
func (r *Router) deliver(ctx context.Context, p *packet.MeshPacket) {
	convID := r.conversationIDForInbound(p)
	content := r.openIfApplicable(p.SenderID, p.Destination, p.Content)

	msg := &persistence.MeshMessage{
		PacketID:       p.PacketID,
		ConversationID: convID,
		SenderID:       p.SenderID,
		SenderName:     p.SenderName,
		Destination:    p.Destination,
		ContentKind:    p.ContentKind,
		Content:        content,
		MediaInfo:      p.MediaInfo,
		TimestampMs:    p.TimestampMs,
		ReceivedAtMs:   r.nowMs(),
		HopCount:       p.HopCount,
		MaxHops:        p.MaxHops,
		Status:         persistence.StatusDelivered,
		IsOutgoing:     false,
		IsRead:         false,
	}
	if err := r.store.Messages.InsertIgnore(ctx, msg); err != nil {
		r.log.Warn("persistence conflict inserting message", "packet_id", p.PacketID, "error", err)
		return
	}

	isBroadcast := p.Destination == core.Broadcast || p.Destination == core.SOSBroadcast
	r.ensureConversation(ctx, convID, p.SenderID, p.SenderName, isBroadcast)

	preview := previewFor(p.ContentKind, content)
	if err := r.store.Conversations.UpdateLastMessage(ctx, convID, preview, p.TimestampMs, true); err != nil {
		r.log.Warn("persistence conflict updating conversation", "error", err)
	}

	r.bus.PublishMessage(msg)
	r.bus.PublishStatus(statusbus.StatusEvent{Kind: statusbus.EventMessageReceived})
}

func (r *Router) sendAck(ctx context.Context, p *packet.MeshPacket) {
	ackFor := p.PacketID
	ack := &packet.MeshPacket{
		PacketID:       uuid.New(),
		Version:        packet.CurrentVersion,
		Kind:           packet.KindAck,
		SenderID:       r.localID,
		SenderName:     r.localName,
		Destination:    p.SenderID,
		MaxHops:        r.maxHops,
		TimestampMs:    r.nowMs(),
		ContentKind:    packet.ContentAck,
		AckForPacketID: &ackFor,
	}
	r.dedupeC.HasSeen(ack.PacketID)
	r.emit(ctx, ack)
}

// forward builds the packet this node emits when relaying p:
// hop_count+1, previous_hop=self, route_path appended.
func (r *Router) forward(ctx context.Context, p *packet.MeshPacket) {
	if p.IsExpired() {
		return
	}
	fwd := packet.ForwardedFrom(p, r.localID)
	r.emit(ctx, fwd)
}

// emit applies the unicast path-selection optimization: a concrete,
// currently-CONNECTED destination is sent targeted via its recorded
// transport and endpoint; anything else (a sentinel destination, or a
// peer we don't know as connected) fans out across every active
// transport.
func (r *Router) emit(ctx context.Context, p *packet.MeshPacket) {
	send := r.sender()
	if send == nil {
		r.log.Warn("no sender configured, dropping outbound packet", "packet_id", p.PacketID)
		return
	}
	if !p.Destination.IsSentinel() {
		if peer, err := r.store.Peers.GetByMeshID(ctx, p.Destination); err == nil && peer != nil &&
			peer.ConnectionState == persistence.StateConnected {
			kind := transportKindFrom(peer.Transport)
			send(p, transport.EndpointID(peer.EndpointID), &kind)
			return
		}
	}
	send(p, "", nil)
}

// ---------------------------------------------------------------
// Peer lifecycle hooks
// ---------------------------------------------------------------

// PeerConnected upserts the peer as CONNECTED, emits PeerConnected,
// triggers store-and-forward, and broadcasts a fresh announcement.
// Satisfies dispatcher.Sink.
func (r *Router) PeerConnected(meshID core.MeshID, endpoint transport.EndpointID, displayName string, via transport.Kind) {
	ctx := context.Background()
	peer := &persistence.Peer{
		MeshID:          meshID,
		DisplayName:     displayName,
		EndpointID:      string(endpoint),
		ConnectionState: persistence.StateConnected,
		Transport:       persistenceTransportKind(via),
		LastSeen:        r.now(),
	}
	if err := r.store.Peers.Upsert(ctx, peer); err != nil {
		r.log.Warn("persistence conflict upserting connected peer", "error", err)
		return
	}
	r.bus.PublishStatus(statusbus.StatusEvent{Kind: statusbus.EventPeerConnected, Peer: peer})
	r.storeAndForward(ctx, meshID)
	r.BroadcastPeerAnnouncement()
}

// PeerDisconnected marks the peer at endpoint as DISCONNECTED.
// Satisfies dispatcher.Sink.
func (r *Router) PeerDisconnected(endpoint transport.EndpointID, _ transport.Kind) {
	ctx := context.Background()
	peer, err := r.store.Peers.GetByEndpointID(ctx, string(endpoint))
	if err != nil || peer == nil {
		r.log.Debug("peer disconnected from unknown endpoint", "endpoint", endpoint)
		return
	}
	if err := r.store.Peers.UpdateConnectionState(ctx, peer.MeshID, persistence.StateDisconnected); err != nil {
		r.log.Warn("persistence conflict marking peer disconnected", "error", err)
		return
	}
	peer.ConnectionState = persistence.StateDisconnected
	r.bus.PublishStatus(statusbus.StatusEvent{Kind: statusbus.EventPeerDisconnected, Peer: peer})
}

// storeAndForward resubmits every undelivered message addressed to
// peerID, preserving the original packet_id so downstream dedup still
// works.
func (r *Router) storeAndForward(ctx context.Context, peerID core.MeshID) {
	pending, err := r.store.Messages.GetUndeliveredForPeer(ctx, peerID)
	if err != nil {
		r.log.Warn("persistence conflict fetching undelivered messages", "peer", peerID, "error", err)
		return
	}
	for _, msg := range pending {
		p := &packet.MeshPacket{
			PacketID:    msg.PacketID,
			Version:     packet.CurrentVersion,
			Kind:        kindForContent(msg.ContentKind),
			SenderID:    r.localID,
			SenderName:  r.localName,
			Destination: msg.Destination,
			MaxHops:     msg.MaxHops,
			TimestampMs: msg.TimestampMs,
			ContentKind: msg.ContentKind,
			Content:     msg.Content,
			MediaInfo:   msg.MediaInfo,
		}
		r.emit(ctx, p)
	}
}

// ---------------------------------------------------------------
// Outbound send
// ---------------------------------------------------------------

// SendMessage mints a fresh packet, persists it with status SENDING,
// emits it via the dispatcher, then promotes it to SENT.
func (r *Router) SendMessage(ctx context.Context, destination core.MeshID, content []byte, contentKind packet.ContentKind, mediaInfo *packet.MediaInfo) (*persistence.MeshMessage, error) {
	packetID := uuid.New()
	now := r.nowMs()

	convID := conversationIDFor(destination)
	msg := &persistence.MeshMessage{
		PacketID:       packetID,
		ConversationID: convID,
		SenderID:       r.localID,
		SenderName:     r.localName,
		Destination:    destination,
		ContentKind:    contentKind,
		Content:        content,
		MediaInfo:      mediaInfo,
		TimestampMs:    now,
		ReceivedAtMs:   now,
		HopCount:       0,
		MaxHops:        r.maxHops,
		Status:         persistence.StatusSending,
		IsOutgoing:     true,
		IsRead:         true,
	}
	if err := r.store.Messages.InsertIgnore(ctx, msg); err != nil {
		r.bus.PublishStatus(statusbus.StatusEvent{Kind: statusbus.EventError, ErrorMessage: err.Error()})
		return msg, fmt.Errorf("router: persist outbound message: %w", err)
	}

	r.ensureConversation(ctx, convID, destination, r.peerDisplayName(ctx, destination), destination.IsSentinel())
	preview := previewFor(contentKind, content)
	if err := r.store.Conversations.UpdateLastMessage(ctx, convID, preview, now, false); err != nil {
		r.log.Warn("persistence conflict updating conversation preview", "error", err)
	}

	kind := packet.KindMessage
	if contentKind == packet.ContentSOS {
		kind = packet.KindSOS
	}
	p := &packet.MeshPacket{
		PacketID:    packetID,
		Version:     packet.CurrentVersion,
		Kind:        kind,
		SenderID:    r.localID,
		SenderName:  r.localName,
		Destination: destination,
		MaxHops:     r.maxHops,
		TimestampMs: now,
		ContentKind: contentKind,
		Content:     r.sealIfApplicable(destination, content),
		MediaInfo:   mediaInfo,
	}

	r.dedupeC.HasSeen(packetID)
	r.emit(ctx, p)

	if err := r.store.Messages.UpdateStatus(ctx, packetID, persistence.StatusSent); err != nil {
		r.log.Warn("persistence conflict promoting message to sent", "error", err)
	} else {
		msg.Status = persistence.StatusSent
	}
	return msg, nil
}

// SendSOS is send_message(SOS_BROADCAST, message, SOS).
func (r *Router) SendSOS(ctx context.Context, message string) (*persistence.MeshMessage, error) {
	return r.SendMessage(ctx, core.SOSBroadcast, []byte(message), packet.ContentSOS, nil)
}

// BroadcastPeerAnnouncement fires on the dispatcher's periodic
// announce tick, with no location override. Satisfies dispatcher.Sink.
func (r *Router) BroadcastPeerAnnouncement() {
	if err := r.BroadcastPeerAnnouncementAt(context.Background(), nil, nil); err != nil {
		r.log.Warn("periodic peer announcement failed", "error", err)
	}
}

// BroadcastPeerAnnouncementAt builds and emits a PEER_ANNOUNCE packet,
// optionally carrying a location fix. This is the application-facing
// form of broadcast_peer_announcement(lat?, lon?).
func (r *Router) BroadcastPeerAnnouncementAt(ctx context.Context, lat, lon *float64) error {
	ann := &announce.PeerAnnouncement{
		MeshID:          r.localID,
		DisplayName:     r.localName,
		ProtocolVersion: packet.CurrentVersion,
	}
	if lat != nil && lon != nil {
		ann.HasLocation = true
		ann.Latitude = *lat
		ann.Longitude = *lon
	}
	if connected, err := r.store.Peers.GetConnected(ctx); err == nil {
		ann.ConnectedPeerCount = uint16(len(connected))
	}
	if r.signingKey != nil {
		ann.PublicKey = []byte(r.signingKey.PublicKey)
		ann.Signature = r.signingKey.Sign(announce.Encode(ann))
	}

	packetID := uuid.New()
	p := &packet.MeshPacket{
		PacketID:    packetID,
		Version:     packet.CurrentVersion,
		Kind:        packet.KindPeerAnnounce,
		SenderID:    r.localID,
		SenderName:  r.localName,
		Destination: core.Broadcast,
		MaxHops:     r.maxHops,
		TimestampMs: r.nowMs(),
		ContentKind: packet.ContentPeerAnnounce,
		Content:     announce.Encode(ann),
	}
	r.dedupeC.HasSeen(packetID)
	r.emit(ctx, p)
	return nil
}

// ---------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------

func (r *Router) conversationIDForInbound(p *packet.MeshPacket) string {
	if p.Destination == core.Broadcast || p.Destination == core.SOSBroadcast {
		return persistence.BroadcastConversationID
	}
	return string(p.SenderID)
}

func conversationIDFor(peer core.MeshID) string {
	if peer.IsSentinel() {
		return persistence.BroadcastConversationID
	}
	return string(peer)
}

func (r *Router) ensureConversation(ctx context.Context, id string, peerID core.MeshID, peerName string, isBroadcast bool) {
	existing, err := r.store.Conversations.GetByID(ctx, id)
	if err == nil && existing != nil {
		return
	}
	conv := &persistence.Conversation{
		ID:          id,
		PeerID:      peerID,
		PeerName:    peerName,
		IsBroadcast: isBroadcast,
		CreatedAtMs: r.nowMs(),
	}
	if err := r.store.Conversations.Upsert(ctx, conv); err != nil {
		r.log.Warn("persistence conflict creating conversation", "error", err)
	}
}

func (r *Router) peerDisplayName(ctx context.Context, peerID core.MeshID) string {
	if peerID.IsSentinel() {
		return ""
	}
	peer, err := r.store.Peers.GetByMeshID(ctx, peerID)
	if err != nil || peer == nil {
		return ""
	}
	return peer.DisplayName
}

func kindForContent(ck packet.ContentKind) packet.Kind {
	if ck == packet.ContentSOS {
		return packet.KindSOS
	}
	return packet.KindMessage
}

// previewFor derives the short symbolic preview stored on a
// conversation for a given piece of content.
func previewFor(kind packet.ContentKind, content []byte) string {
	switch kind {
	case packet.ContentText:
		runes := []rune(string(content))
		if len(runes) > previewTextLimit {
			return string(runes[:previewTextLimit])
		}
		return string(runes)
	case packet.ContentAudio:
		return "🎤 Audio message"
	case packet.ContentImage:
		return "📷 Photo"
	case packet.ContentFile:
		return "📎 File"
	case packet.ContentLocation:
		return "📍 Location"
	case packet.ContentSOS:
		return "🆘 SOS"
	default:
		return string(content)
	}
}

func transportKindFrom(k persistence.TransportKind) transport.Kind {
	switch k {
	case persistence.TransportPairedRadio:
		return transport.KindPairedRadio
	case persistence.TransportDirectIP:
		return transport.KindDirectIP
	case persistence.TransportAudioBeacon:
		return transport.KindAudioBeacon
	default:
		return transport.KindNeighborDiscovery
	}
}

func persistenceTransportKind(k transport.Kind) persistence.TransportKind {
	switch k {
	case transport.KindPairedRadio:
		return persistence.TransportPairedRadio
	case transport.KindDirectIP:
		return persistence.TransportDirectIP
	case transport.KindAudioBeacon:
		return persistence.TransportAudioBeacon
	default:
		return persistence.TransportNeighborDiscovery
	}
}

func (r *Router) rememberPeerKey(id core.MeshID, pub []byte) {
	key := make(ed25519.PublicKey, len(pub))
	copy(key, pub)
	r.keyMu.Lock()
	r.peerKeys[id] = key
	r.keyMu.Unlock()
}

func (r *Router) lookupPeerKey(id core.MeshID) ed25519.PublicKey {
	r.keyMu.RLock()
	defer r.keyMu.RUnlock()
	return r.peerKeys[id]
}

// sealIfApplicable encrypts outgoing non-broadcast MESSAGE content
// under the X25519 shared secret with destination, if that peer's
// public key is known; otherwise content is returned unchanged.
func (r *Router) sealIfApplicable(destination core.MeshID, content []byte) []byte {
	if r.signingKey == nil || destination.IsSentinel() {
		return content
	}
	pub := r.lookupPeerKey(destination)
	if len(pub) != ed25519.PublicKeySize {
		return content
	}
	secret, err := r.signingKey.SharedSecret(pub)
	if err != nil {
		r.log.Debug("sealing failed, sending unsealed", "error", err)
		return content
	}
	sealed, err := identity.Seal(secret, content)
	if err != nil {
		r.log.Debug("sealing failed, sending unsealed", "error", err)
		return content
	}
	return sealed
}

// openIfApplicable reverses sealIfApplicable on receipt. If the
// sender's key is unknown, or the content does not open under the
// derived secret (it was never sealed), the content is returned as-is.
func (r *Router) openIfApplicable(sender, destination core.MeshID, content []byte) []byte {
	if r.signingKey == nil || destination.IsSentinel() {
		return content
	}
	pub := r.lookupPeerKey(sender)
	if len(pub) != ed25519.PublicKeySize {
		return content
	}
	secret, err := r.signingKey.SharedSecret(pub)
	if err != nil {
		return content
	}
	opened, err := identity.Open(secret, content)
	if err != nil {
		return content
	}
	return opened
}
