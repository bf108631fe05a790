// Package audiobeacon implements the AudioBeacon transport family: a
// presence-only link carrying nothing but small "HELLO:<short_id>"
// beacons, never full packets. Demodulating an audio channel into a
// byte stream is out of scope for the core; an external collaborator
// supplies the io.ReadWriteCloser this transport writes beacons to
// and reads them from.
package audiobeacon

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/meshtalk/meshcore/core"
	"github.com/meshtalk/meshcore/core/packet"
	"github.com/meshtalk/meshcore/transport"
)

var _ transport.Transport = (*Transport)(nil)

const (
	// MaxBeaconSize is the hard ceiling on a beacon frame per the
	// family's contract: presence signaling only, never full packets.
	MaxBeaconSize = 255

	helloPrefix = "HELLO:"
)

// ErrUnsupported is returned by SendPacket: AudioBeacon never carries
// full packets, only presence beacons via SendBytes/Announce.
var ErrUnsupported = errors.New("audiobeacon: full packet transmission is not supported")

// Config holds an AudioBeacon transport's configuration. Link is the
// caller-supplied channel this transport reads beacons from and
// writes them to; it stands in for whatever demodulates the audio band.
type Config struct {
	LocalShortID string
	Link         io.ReadWriteCloser
	Logger       *slog.Logger
}

// Transport implements transport.Transport as a beacon-only link.
type Transport struct {
	cfg Config
	log *slog.Logger

	mu        sync.RWMutex
	connected bool
	cancel    context.CancelFunc
	done      chan struct{}
	known     map[string]bool

	packetHandler      transport.PacketHandler
	peerConnectedFn    transport.PeerConnectedHandler
	peerDisconnectedFn transport.PeerDisconnectedHandler
}

// New creates an AudioBeacon transport for the given configuration.
func New(cfg Config) *Transport {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Transport{
		cfg:   cfg,
		log:   cfg.Logger.WithGroup("audiobeacon"),
		known: make(map[string]bool),
	}
}

func (t *Transport) Name() string         { return "audiobeacon" }
func (t *Transport) Kind() transport.Kind { return transport.KindAudioBeacon }

func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

func (t *Transport) SetPacketHandler(fn transport.PacketHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.packetHandler = fn
}

func (t *Transport) SetPeerConnectedHandler(fn transport.PeerConnectedHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peerConnectedFn = fn
}

func (t *Transport) SetPeerDisconnectedHandler(fn transport.PeerDisconnectedHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peerDisconnectedFn = fn
}

// Start begins reading beacons from the link and emitting our own on
// demand via Announce. Idempotent.
func (t *Transport) Start(ctx context.Context) error {
	if t.IsConnected() {
		return nil
	}
	if t.cfg.Link == nil {
		return errors.New("audiobeacon: link is required")
	}

	t.mu.Lock()
	t.connected = true
	t.done = make(chan struct{})
	t.mu.Unlock()

	readCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	go t.readLoop(readCtx)

	t.log.Info("listening for beacons")
	return nil
}

// Stop closes the link and waits for the read loop to exit. Idempotent.
func (t *Transport) Stop() error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil
	}
	if t.cancel != nil {
		t.cancel()
	}
	t.connected = false
	done := t.done
	t.mu.Unlock()

	err := t.cfg.Link.Close()
	if done != nil {
		<-done
	}
	return err
}

// SendPacket always fails: this family never carries full packets.
func (t *Transport) SendPacket(*packet.MeshPacket, transport.EndpointID) error {
	return ErrUnsupported
}

// SendBytes writes raw directly to the link, used by Announce and by
// callers that already hold a beacon frame. Frames over MaxBeaconSize
// are rejected rather than silently truncated.
func (t *Transport) SendBytes(raw []byte, _ transport.EndpointID) error {
	if len(raw) > MaxBeaconSize {
		return fmt.Errorf("audiobeacon: beacon of %d bytes exceeds max %d", len(raw), MaxBeaconSize)
	}
	t.mu.RLock()
	connected := t.connected
	t.mu.RUnlock()
	if !connected {
		return errors.New("audiobeacon: not connected")
	}
	_, err := t.cfg.Link.Write(append(raw, '\n'))
	return err
}

// Announce transmits this node's presence beacon: "HELLO:<short_id>".
func (t *Transport) Announce() error {
	return t.SendBytes([]byte(helloPrefix+t.cfg.LocalShortID), "")
}

func (t *Transport) readLoop(ctx context.Context) {
	defer close(t.done)

	scanner := bufio.NewScanner(t.cfg.Link)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		t.handleBeacon(line)
	}
	t.handleDisconnect(scanner.Err())
}

func (t *Transport) handleBeacon(line string) {
	if !strings.HasPrefix(line, helloPrefix) {
		t.log.Debug("ignoring unrecognized beacon", "beacon", line)
		return
	}
	shortID := strings.TrimPrefix(line, helloPrefix)
	if shortID == "" {
		return
	}

	t.mu.Lock()
	alreadyKnown := t.known[shortID]
	if !alreadyKnown {
		t.known[shortID] = true
	}
	connectedFn := t.peerConnectedFn
	t.mu.Unlock()

	if !alreadyKnown && connectedFn != nil {
		// AudioBeacon never recovers a real mesh_id, only the
		// synthetic identity carried in the beacon itself.
		connectedFn(core.MeshID(shortID), transport.EndpointID(shortID), "")
	}
}

func (t *Transport) handleDisconnect(err error) {
	t.mu.Lock()
	t.connected = false
	disconnectFn := t.peerDisconnectedFn
	known := make([]string, 0, len(t.known))
	for id := range t.known {
		known = append(known, id)
	}
	t.known = make(map[string]bool)
	t.mu.Unlock()

	if err != nil {
		t.log.Error("beacon link closed", "error", err)
	}
	if disconnectFn != nil {
		for _, id := range known {
			disconnectFn(transport.EndpointID(id))
		}
	}
}
