// Package pairedradio implements the PairedRadio transport family: a
// small-MTU, point-to-point serial link. Each core/chunk fragment is
// wrapped in a 2-byte length-prefixed frame; outbound packets are
// split at the radio's MTU and reassembled on the receiving side with
// a 30-second silence expiry.
package pairedradio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	serialport "go.bug.st/serial"

	"github.com/meshtalk/meshcore/core/chunk"
	"github.com/meshtalk/meshcore/core/packet"
	"github.com/meshtalk/meshcore/transport"
)

var _ transport.Transport = (*Transport)(nil)

const (
	// DefaultBaudRate is the default baud rate for the link.
	DefaultBaudRate = 115200

	readBufSize  = 1024
	lengthPrefix = 2 // bytes
	maxFrameSize = lengthPrefix + chunk.Size + 4
)

// Config holds a PairedRadio transport's configuration.
type Config struct {
	Port     string
	BaudRate int
	Logger   *slog.Logger
}

// Transport implements transport.Transport over a serial link.
type Transport struct {
	cfg      Config
	port     serialport.Port
	log      *slog.Logger
	endpoint transport.EndpointID

	reassembler *chunk.Reassembler

	mu        sync.RWMutex
	connected bool
	cancel    context.CancelFunc
	done      chan struct{}

	packetHandler      transport.PacketHandler
	peerConnectedFn    transport.PeerConnectedHandler
	peerDisconnectedFn transport.PeerDisconnectedHandler
}

// New creates a PairedRadio transport for the given configuration.
func New(cfg Config) *Transport {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Transport{
		cfg:         cfg,
		log:         cfg.Logger.WithGroup("pairedradio"),
		endpoint:    transport.EndpointID(cfg.Port),
		reassembler: chunk.NewReassembler(),
	}
}

func (t *Transport) Name() string         { return "pairedradio:" + t.cfg.Port }
func (t *Transport) Kind() transport.Kind { return transport.KindPairedRadio }

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

// Start opens the serial port and begins the read loop. Idempotent.
func (t *Transport) Start(ctx context.Context) error {
	if t.IsConnected() {
		return nil
	}
	if t.cfg.Port == "" {
		return errors.New("pairedradio: port is required")
	}

	port, err := serialport.Open(t.cfg.Port, &serialport.Mode{BaudRate: t.cfg.BaudRate})
	if err != nil {
		return fmt.Errorf("pairedradio: opening port: %w", err)
	}

	t.mu.Lock()
	t.port = port
	t.connected = true
	t.done = make(chan struct{})
	t.mu.Unlock()

	readCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	go t.readLoop(readCtx)

	t.log.Info("connected", "port", t.cfg.Port, "baud", t.cfg.BaudRate)
	return nil
}

// Stop closes the port and waits for the read loop to exit. Idempotent.
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
	port := t.port
	t.port = nil
	done := t.done
	t.mu.Unlock()

	var err error
	if port != nil {
		err = port.Close()
	}
	if done != nil {
		<-done
	}
	return err
}

// SendPacket encodes p, splits it into chunk fragments, and writes
// each as a length-prefixed frame. endpoint is ignored: a serial link
// has exactly one remote party.
func (t *Transport) SendPacket(p *packet.MeshPacket, _ transport.EndpointID) error {
	encoded, err := packet.Encode(p)
	if err != nil {
		return fmt.Errorf("pairedradio: encode: %w", err)
	}
	return t.writeFragments(chunk.Split(encoded))
}

// SendBytes splits raw payload bytes into chunk fragments directly,
// used when the caller has already produced an encoded packet.
func (t *Transport) SendBytes(raw []byte, _ transport.EndpointID) error {
	return t.writeFragments(chunk.Split(raw))
}

func (t *Transport) writeFragments(fragments [][]byte) error {
	t.mu.RLock()
	port := t.port
	connected := t.connected
	t.mu.RUnlock()
	if !connected || port == nil {
		return errors.New("pairedradio: not connected")
	}

	for _, frag := range fragments {
		frame := make([]byte, lengthPrefix+len(frag))
		binary.LittleEndian.PutUint16(frame[:lengthPrefix], uint16(len(frag)))
		copy(frame[lengthPrefix:], frag)
		if _, err := port.Write(frame); err != nil {
			return fmt.Errorf("pairedradio: write: %w", err)
		}
	}
	return nil
}

func (t *Transport) readLoop(ctx context.Context) {
	defer close(t.done)

	buf := make([]byte, readBufSize)
	var assembly []byte

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := t.port.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				t.handleDisconnect(err)
				return
			}
			t.log.Error("read error", "error", err)
			t.handleDisconnect(err)
			return
		}
		if n == 0 {
			continue
		}

		assembly = append(assembly, buf[:n]...)
		assembly = t.processFrames(assembly)
	}
}

func (t *Transport) processFrames(data []byte) []byte {
	for len(data) >= lengthPrefix {
		fragLen := int(binary.LittleEndian.Uint16(data[:lengthPrefix]))
		if fragLen > chunk.Size+4 {
			// corrupt length, cannot realign on a point-to-point link; drop buffer
			t.log.Debug("discarding frame buffer on invalid length", "length", fragLen)
			return nil
		}
		total := lengthPrefix + fragLen
		if len(data) < total {
			return data // wait for the rest
		}

		frag := data[lengthPrefix:total]
		data = data[total:]

		payload, complete, err := t.reassembler.HandleFragment(string(t.endpoint), frag)
		if err != nil {
			t.log.Debug("dropping malformed fragment", "error", err)
			continue
		}
		if !complete {
			continue
		}

		p, err := packet.Decode(payload)
		if err != nil {
			t.log.Debug("dropping malformed packet", "error", err)
			continue
		}

		t.mu.RLock()
		handler := t.packetHandler
		t.mu.RUnlock()
		if handler != nil {
			handler(p, t.endpoint)
		}
	}
	return data
}

func (t *Transport) handleDisconnect(err error) {
	t.mu.Lock()
	t.connected = false
	disconnectFn := t.peerDisconnectedFn
	t.mu.Unlock()

	if err != nil {
		t.log.Error("disconnected", "error", err)
	}
	if disconnectFn != nil {
		disconnectFn(t.endpoint)
	}
}
