// Package dispatcher presents the heterogeneous transport set
// (PairedRadio, NeighborDiscovery, DirectIP, AudioBeacon) to the
// router as a single send/receive surface: one fan-out/targeted send
// operation, one merged inbound callback sink, and one aggregate
// connection status.
//
// Send snapshots the transport set under a read lock, skips inactive
// transports, and logs-and-swallows per-transport send errors: one
// transport's failure never blocks another's transmission.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/meshtalk/meshcore/core"
	"github.com/meshtalk/meshcore/core/packet"
	"github.com/meshtalk/meshcore/statusbus"
	"github.com/meshtalk/meshcore/transport"
)

// DefaultAnnounceInterval is how often the dispatcher triggers a
// peer-announcement broadcast via the registered Sink.
const DefaultAnnounceInterval = 60 * time.Second

// priorityOf ranks transport families for targeted-send preference
// and start/stop ordering: NeighborDiscovery > PairedRadio > DirectIP
// > AudioBeacon.
func priorityOf(k transport.Kind) int {
	switch k {
	case transport.KindNeighborDiscovery:
		return 0
	case transport.KindPairedRadio:
		return 1
	case transport.KindDirectIP:
		return 2
	case transport.KindAudioBeacon:
		return 3
	default:
		return 4
	}
}

// Sink is the callback target the dispatcher installs on every
// transport it manages. A router implements Sink and is wired in via
// Config.Sink before StartAll.
type Sink interface {
	// HandlePacket delivers a decoded inbound packet, tagging it with
	// the endpoint and transport family it arrived on.
	HandlePacket(p *packet.MeshPacket, from transport.EndpointID, via transport.Kind)
	// PeerConnected reports a link-level connect or identity upgrade.
	PeerConnected(meshID core.MeshID, endpoint transport.EndpointID, displayName string, via transport.Kind)
	// PeerDisconnected reports a link-level disconnect.
	PeerDisconnected(endpoint transport.EndpointID, via transport.Kind)
	// BroadcastPeerAnnouncement is invoked once per announce tick.
	BroadcastPeerAnnouncement()
}

// Config configures a Dispatcher.
type Config struct {
	Transports       []transport.Transport
	Sink             Sink
	Bus              *statusbus.Bus
	AnnounceInterval time.Duration
	Logger           *slog.Logger
}

type entry struct {
	transport transport.Transport
	active    bool
}

// Dispatcher owns the active transport set and presents it to the
// router as a uniform send/receive surface.
type Dispatcher struct {
	sink             Sink
	bus              *statusbus.Bus
	log              *slog.Logger
	announceInterval time.Duration

	mu      sync.RWMutex
	entries []*entry

	connMu    sync.RWMutex
	connected map[transport.EndpointID]struct{}

	cancel       context.CancelFunc
	announceDone chan struct{}
}

// New creates a Dispatcher over the given configuration. Transports
// are reordered into priority order immediately; the order is fixed
// for the Dispatcher's lifetime.
func New(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.AnnounceInterval
	if interval <= 0 {
		interval = DefaultAnnounceInterval
	}

	entries := make([]*entry, len(cfg.Transports))
	for i, t := range cfg.Transports {
		entries[i] = &entry{transport: t}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return priorityOf(entries[i].transport.Kind()) < priorityOf(entries[j].transport.Kind())
	})

	return &Dispatcher{
		sink:             cfg.Sink,
		bus:              cfg.Bus,
		log:              logger.WithGroup("dispatcher"),
		announceInterval: interval,
		entries:          entries,
		connected:        make(map[transport.EndpointID]struct{}),
	}
}

// ConnectedCount returns the number of distinct endpoints currently
// reported connected across every transport.
func (d *Dispatcher) ConnectedCount() int {
	d.connMu.RLock()
	defer d.connMu.RUnlock()
	return len(d.connected)
}

// StartAll starts every registered transport in priority order. A
// transport's Start failure is logged and that transport is omitted
// from the active set; the rest are still started. Publishes the
// aggregate status after every attempt and spawns the periodic
// peer-announcement ticker.
func (d *Dispatcher) StartAll(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	d.mu.Lock()
	entries := d.entries
	d.mu.Unlock()

	for _, e := range entries {
		t := e.transport
		t.SetPacketHandler(d.wrapPacketHandler(t.Kind()))
		t.SetPeerConnectedHandler(d.wrapPeerConnectedHandler(t.Kind()))
		t.SetPeerDisconnectedHandler(d.wrapPeerDisconnectedHandler(t.Kind()))

		if err := t.Start(ctx); err != nil {
			d.log.Warn("transport start failed, omitting from active set",
				"transport", t.Name(), "error", err)
			e.active = false
		} else {
			e.active = true
		}
		d.publishStatus()
	}

	d.announceDone = make(chan struct{})
	go d.announceLoop(ctx)
}

// StopAll stops every started transport regardless of individual
// errors, then clears the active set and cancels the announce ticker.
func (d *Dispatcher) StopAll() {
	if d.cancel != nil {
		d.cancel()
		<-d.announceDone
		d.cancel = nil
	}

	d.mu.Lock()
	entries := d.entries
	d.mu.Unlock()

	for _, e := range entries {
		if !e.active {
			continue
		}
		if err := e.transport.Stop(); err != nil {
			d.log.Warn("transport stop failed", "transport", e.transport.Name(), "error", err)
		}
		e.active = false
	}
	d.connMu.Lock()
	d.connected = make(map[transport.EndpointID]struct{})
	d.connMu.Unlock()
	d.publishStatus()
}

// Send routes an outbound packet. If kind is non-nil, p is sent
// through that transport family only, and only if it is active.
// Otherwise p fans out to every active transport. endpoint is
// forwarded verbatim to the chosen transport(s); "" means "every
// connected endpoint on that transport."
func (d *Dispatcher) Send(p *packet.MeshPacket, endpoint transport.EndpointID, kind *transport.Kind) {
	d.mu.RLock()
	entries := make([]*entry, len(d.entries))
	copy(entries, d.entries)
	d.mu.RUnlock()

	for _, e := range entries {
		if !e.active {
			continue
		}
		if kind != nil && e.transport.Kind() != *kind {
			continue
		}
		if err := e.transport.SendPacket(p, endpoint); err != nil {
			d.log.Warn("transport send failed",
				"transport", e.transport.Name(), "packet_id", p.PacketID, "error", err)
		}
	}
}

// aggregateStatus reports is_active, active_transports, per-transport
// actives, and connected_peer_count (tracked from PeerConnected/
// PeerDisconnected callbacks across every transport).
func (d *Dispatcher) aggregateStatus() statusbus.ConnectionStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := statusbus.ConnectionStatus{
		PerTransportActive: make(map[string]bool, len(d.entries)),
		ConnectedPeerCount: d.ConnectedCount(),
	}
	for _, e := range d.entries {
		status.PerTransportActive[e.transport.Name()] = e.active
		if e.active {
			status.IsActive = true
			status.ActiveTransports = append(status.ActiveTransports, e.transport.Name())
		}
	}
	return status
}

func (d *Dispatcher) publishStatus() {
	if d.bus == nil {
		return
	}
	d.bus.PublishConnectionStatus(d.aggregateStatus())
}

func (d *Dispatcher) wrapPacketHandler(via transport.Kind) transport.PacketHandler {
	return func(p *packet.MeshPacket, from transport.EndpointID) {
		if d.sink == nil {
			return
		}
		d.sink.HandlePacket(p, from, via)
	}
}

func (d *Dispatcher) wrapPeerConnectedHandler(via transport.Kind) transport.PeerConnectedHandler {
	return func(meshID core.MeshID, endpoint transport.EndpointID, displayName string) {
		d.connMu.Lock()
		d.connected[endpoint] = struct{}{}
		d.connMu.Unlock()
		if d.sink != nil {
			d.sink.PeerConnected(meshID, endpoint, displayName, via)
		}
		d.publishStatus()
	}
}

func (d *Dispatcher) wrapPeerDisconnectedHandler(via transport.Kind) transport.PeerDisconnectedHandler {
	return func(endpoint transport.EndpointID) {
		d.connMu.Lock()
		delete(d.connected, endpoint)
		d.connMu.Unlock()
		if d.sink != nil {
			d.sink.PeerDisconnected(endpoint, via)
		}
		d.publishStatus()
	}
}

func (d *Dispatcher) announceLoop(ctx context.Context) {
	defer close(d.announceDone)
	ticker := time.NewTicker(d.announceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if d.sink != nil {
				d.sink.BroadcastPeerAnnouncement()
			}
		}
	}
}

// Active reports whether at least one registered transport of kind k
// is currently active.
func (d *Dispatcher) Active(k transport.Kind) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, e := range d.entries {
		if e.transport.Kind() == k && e.active {
			return true
		}
	}
	return false
}

// String renders a short human-readable summary, used in logs.
func (d *Dispatcher) String() string {
	status := d.aggregateStatus()
	return fmt.Sprintf("dispatcher(active=%v transports=%v)", status.IsActive, status.ActiveTransports)
}
