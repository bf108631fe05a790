// Package meshcore assembles the mesh messaging core: one Service
// owns the router, the transport dispatcher, the seen-packet cache,
// and the status bus, and manages their shared lifecycle. Embedders
// construct a Service at startup, hand it a persistence.Store and the
// transports for the radios present on the device, and consume events
// through the status bus.
package meshcore

import (
	"context"
	"log/slog"
	"time"

	"github.com/meshtalk/meshcore/core"
	"github.com/meshtalk/meshcore/core/dedupe"
	"github.com/meshtalk/meshcore/core/identity"
	"github.com/meshtalk/meshcore/core/packet"
	"github.com/meshtalk/meshcore/dispatcher"
	"github.com/meshtalk/meshcore/persistence"
	"github.com/meshtalk/meshcore/router"
	"github.com/meshtalk/meshcore/statusbus"
	"github.com/meshtalk/meshcore/transport"
)

// Config configures a Service. LocalMeshID and LocalDisplayName come
// from the device's identity/preferences component and are fixed for
// the Service's lifetime.
type Config struct {
	LocalMeshID      core.MeshID
	LocalDisplayName string

	Store      persistence.Store
	Transports []transport.Transport

	// SigningKey, when set, enables announcement signing and private
	// message sealing. nil leaves both off.
	SigningKey *identity.KeyPair

	// AnnounceInterval overrides the dispatcher's periodic
	// peer-announcement tick. Zero uses the default.
	AnnounceInterval time.Duration

	Logger *slog.Logger
}

// Service is the top-level handle over the mesh core. All long-lived
// subsystems are owned here; nothing in the module keeps global state.
type Service struct {
	router     *router.Router
	dispatcher *dispatcher.Dispatcher
	bus        *statusbus.Bus
	seen       *dedupe.Cache

	cancel context.CancelFunc
}

// New wires a Service together from cfg. The router and dispatcher are
// cross-connected here: the router gets the dispatcher's Send as its
// outbound handle, and the dispatcher gets the router as its inbound
// sink, so neither package holds a reference to the other's type.
func New(cfg Config) (*Service, error) {
	bus := statusbus.New()
	seen := dedupe.New()

	r, err := router.New(router.Config{
		LocalMeshID:      cfg.LocalMeshID,
		LocalDisplayName: cfg.LocalDisplayName,
		Store:            cfg.Store,
		Bus:              bus,
		Dedupe:           seen,
		SigningKey:       cfg.SigningKey,
		Logger:           cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	d := dispatcher.New(dispatcher.Config{
		Transports:       cfg.Transports,
		Sink:             r,
		Bus:              bus,
		AnnounceInterval: cfg.AnnounceInterval,
		Logger:           cfg.Logger,
	})
	r.SetSender(d.Send)

	return &Service{
		router:     r,
		dispatcher: d,
		bus:        bus,
		seen:       seen,
	}, nil
}

// Start brings up every transport, the announcement ticker, the
// router's retention sweep, and the seen-cache sweep. It returns
// immediately; individual transport start failures are logged and
// tolerated per the dispatcher's error policy.
func (s *Service) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.dispatcher.StartAll(ctx)
	s.router.Run(ctx)
	go s.seen.Run(ctx)
}

// Stop shuts down the transports and every background task. Safe to
// call more than once.
func (s *Service) Stop() {
	s.dispatcher.StopAll()
	s.router.Stop()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// SendMessage sends content to destination through the mesh. See
// router.Router.SendMessage for the persistence and status semantics.
func (s *Service) SendMessage(ctx context.Context, destination core.MeshID, content []byte, kind packet.ContentKind, mediaInfo *packet.MediaInfo) (*persistence.MeshMessage, error) {
	return s.router.SendMessage(ctx, destination, content, kind, mediaInfo)
}

// SendSOS broadcasts an emergency message to every reachable node.
func (s *Service) SendSOS(ctx context.Context, message string) (*persistence.MeshMessage, error) {
	return s.router.SendSOS(ctx, message)
}

// BroadcastPeerAnnouncement announces this node's presence, optionally
// with a location fix.
func (s *Service) BroadcastPeerAnnouncement(ctx context.Context, lat, lon *float64) error {
	return s.router.BroadcastPeerAnnouncementAt(ctx, lat, lon)
}

// Router exposes the mesh router for advanced callers.
func (s *Service) Router() *router.Router { return s.router }

// Bus exposes the status bus event streams.
func (s *Service) Bus() *statusbus.Bus { return s.bus }

// Dispatcher exposes the transport dispatcher, mainly for status queries.
func (s *Service) Dispatcher() *dispatcher.Dispatcher { return s.dispatcher }
