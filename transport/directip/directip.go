// Package directip implements the DirectIP transport family: a
// TCP-framed link over a peer-to-peer IP connection, each packet
// preceded by a 4-byte little-endian length prefix. Payloads above
// 10 MB are rejected on send and close the connection on receipt.
package directip

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/meshtalk/meshcore/core/packet"
	"github.com/meshtalk/meshcore/transport"
)

var _ transport.Transport = (*Transport)(nil)

const (
	lengthPrefixSize = 4
	// MaxPayloadSize bounds a single DirectIP frame's payload.
	MaxPayloadSize = 10_000_000

	dialTimeout = 10 * time.Second
)

// Config holds a DirectIP transport's configuration. Exactly one of
// ListenAddr (server role) or DialAddr (client role) should be set;
// a DirectIP link is point-to-point.
type Config struct {
	ListenAddr string
	DialAddr   string
	Logger     *slog.Logger
}

type connEntry struct {
	conn   net.Conn
	cancel context.CancelFunc
}

// Transport implements transport.Transport over TCP.
type Transport struct {
	cfg      Config
	log      *slog.Logger
	listener net.Listener

	mu    sync.RWMutex
	conns map[transport.EndpointID]*connEntry

	packetHandler      transport.PacketHandler
	peerConnectedFn    transport.PeerConnectedHandler
	peerDisconnectedFn transport.PeerDisconnectedHandler
}

// New creates a DirectIP transport for the given configuration.
func New(cfg Config) *Transport {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Transport{
		cfg:   cfg,
		log:   cfg.Logger.WithGroup("directip"),
		conns: make(map[transport.EndpointID]*connEntry),
	}
}

func (t *Transport) Name() string         { return "directip" }
func (t *Transport) Kind() transport.Kind { return transport.KindDirectIP }

func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.conns) > 0
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

// Start begins listening (if ListenAddr is set) and/or dials out (if
// DialAddr is set). Idempotent with respect to an already-open listener.
func (t *Transport) Start(ctx context.Context) error {
	if t.cfg.ListenAddr != "" && t.listener == nil {
		ln, err := net.Listen("tcp", t.cfg.ListenAddr)
		if err != nil {
			return fmt.Errorf("directip: listen: %w", err)
		}
		t.listener = ln
		go t.acceptLoop(ctx)
		t.log.Info("listening", "addr", t.cfg.ListenAddr)
	}

	if t.cfg.DialAddr != "" {
		conn, err := net.DialTimeout("tcp", t.cfg.DialAddr, dialTimeout)
		if err != nil {
			return fmt.Errorf("directip: dial: %w", err)
		}
		t.adopt(ctx, conn)
	}

	return nil
}

// Stop closes the listener and every open connection. Idempotent.
func (t *Transport) Stop() error {
	if t.listener != nil {
		t.listener.Close()
		t.listener = nil
	}

	t.mu.Lock()
	conns := t.conns
	t.conns = make(map[transport.EndpointID]*connEntry)
	t.mu.Unlock()

	for _, e := range conns {
		e.cancel()
		e.conn.Close()
	}
	return nil
}

func (t *Transport) acceptLoop(ctx context.Context) {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.log.Error("accept error", "error", err)
			return
		}
		t.adopt(ctx, conn)
	}
}

func (t *Transport) adopt(ctx context.Context, conn net.Conn) {
	endpoint := transport.EndpointID(conn.RemoteAddr().String())
	connCtx, cancel := context.WithCancel(ctx)

	t.mu.Lock()
	t.conns[endpoint] = &connEntry{conn: conn, cancel: cancel}
	t.mu.Unlock()

	// DirectIP's link identity is only the remote host:port address;
	// unlike NeighborDiscovery it makes no peer-connected callback of its
	// own. The router learns the mesh_id from a PEER_ANNOUNCE received
	// over the connection.
	go t.readLoop(connCtx, endpoint, conn)
}

func (t *Transport) readLoop(ctx context.Context, endpoint transport.EndpointID, conn net.Conn) {
	defer t.dropConn(endpoint)

	header := make([]byte, lengthPrefixSize)
	for {
		if ctx.Err() != nil {
			return
		}
		if _, err := io.ReadFull(conn, header); err != nil {
			if ctx.Err() == nil {
				t.log.Debug("connection closed", "endpoint", endpoint, "error", err)
			}
			return
		}

		size := binary.LittleEndian.Uint32(header)
		if size > MaxPayloadSize {
			t.log.Error("oversized frame, closing connection", "endpoint", endpoint, "size", size)
			return
		}

		payload := make([]byte, size)
		if _, err := io.ReadFull(conn, payload); err != nil {
			t.log.Debug("connection closed mid-frame", "endpoint", endpoint, "error", err)
			return
		}

		p, err := packet.Decode(payload)
		if err != nil {
			t.log.Debug("dropping malformed packet", "endpoint", endpoint, "error", err)
			continue
		}

		t.mu.RLock()
		handler := t.packetHandler
		t.mu.RUnlock()
		if handler != nil {
			handler(p, endpoint)
		}
	}
}

func (t *Transport) dropConn(endpoint transport.EndpointID) {
	t.mu.Lock()
	e, ok := t.conns[endpoint]
	if ok {
		delete(t.conns, endpoint)
	}
	disconnectFn := t.peerDisconnectedFn
	t.mu.Unlock()

	if ok {
		e.conn.Close()
	}
	if disconnectFn != nil {
		disconnectFn(endpoint)
	}
}

// SendPacket encodes p and writes it, length-prefixed, to endpoint. An
// empty endpoint fans out to every open connection.
func (t *Transport) SendPacket(p *packet.MeshPacket, endpoint transport.EndpointID) error {
	raw, err := packet.Encode(p)
	if err != nil {
		return fmt.Errorf("directip: encode: %w", err)
	}
	return t.SendBytes(raw, endpoint)
}

// SendBytes writes raw, length-prefixed, to endpoint (or every open
// connection if endpoint is empty).
func (t *Transport) SendBytes(raw []byte, endpoint transport.EndpointID) error {
	if len(raw) > MaxPayloadSize {
		return fmt.Errorf("directip: payload of %d bytes exceeds max %d", len(raw), MaxPayloadSize)
	}

	frame := make([]byte, lengthPrefixSize+len(raw))
	binary.LittleEndian.PutUint32(frame[:lengthPrefixSize], uint32(len(raw)))
	copy(frame[lengthPrefixSize:], raw)

	t.mu.RLock()
	defer t.mu.RUnlock()

	if endpoint != "" {
		e, ok := t.conns[endpoint]
		if !ok {
			return errors.New("directip: unknown endpoint")
		}
		_, err := e.conn.Write(frame)
		return err
	}

	var firstErr error
	for ep, e := range t.conns {
		if _, err := e.conn.Write(frame); err != nil {
			t.log.Error("send failed", "endpoint", ep, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
