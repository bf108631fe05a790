// Package neighbordiscovery implements the NeighborDiscovery transport
// family: a session-oriented, many-to-many link with no application
// chunking, realized over an MQTT broker. Every node publishes to and
// subscribes from one shared discovery topic, so any node's publish is
// visible to every other subscriber. A remote's endpoint handle is the
// sender_id of its decoded packets; the transport first learns of a
// remote, and reports it connected, when one of its packets is decoded.
package neighbordiscovery

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/meshtalk/meshcore/core"
	"github.com/meshtalk/meshcore/core/packet"
	"github.com/meshtalk/meshcore/transport"
)

var _ transport.Transport = (*Transport)(nil)

// DefaultTopicPrefix is the default shared-discovery topic prefix.
const DefaultTopicPrefix = "meshtalk/discovery"

// Config holds a NeighborDiscovery transport's configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	UseTLS      bool
	ClientID    string
	TopicPrefix string
	// GroupID scopes the discovery topic, e.g. to a physical deployment.
	GroupID string
	Logger  *slog.Logger
}

// Transport implements transport.Transport over MQTT pub/sub.
type Transport struct {
	cfg    Config
	client paho.Client
	log    *slog.Logger

	mu           sync.RWMutex
	connected    bool
	knownSenders map[core.MeshID]bool

	packetHandler      transport.PacketHandler
	peerConnectedFn    transport.PeerConnectedHandler
	peerDisconnectedFn transport.PeerDisconnectedHandler
}

// New creates a NeighborDiscovery transport for the given configuration.
func New(cfg Config) *Transport {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Transport{
		cfg:          cfg,
		log:          cfg.Logger.WithGroup("neighbordiscovery"),
		knownSenders: make(map[core.MeshID]bool),
	}
}

func (t *Transport) Name() string         { return "neighbordiscovery:" + t.cfg.GroupID }
func (t *Transport) Kind() transport.Kind { return transport.KindNeighborDiscovery }

func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected && t.client != nil && t.client.IsConnected()
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

func (t *Transport) topic() string {
	return t.cfg.TopicPrefix + "/" + t.cfg.GroupID
}

// Start connects to the broker and subscribes to the shared discovery topic.
func (t *Transport) Start(ctx context.Context) error {
	if t.cfg.Broker == "" {
		return errors.New("neighbordiscovery: broker URL is required")
	}
	if t.cfg.GroupID == "" {
		return errors.New("neighbordiscovery: group id is required")
	}

	clientID := t.cfg.ClientID
	if clientID == "" {
		clientID = "meshtalk-" + randomString(16)
	}

	opts := paho.NewClientOptions().
		AddBroker(t.cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(2 * time.Minute).
		SetKeepAlive(60 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetOnConnectHandler(t.onConnected).
		SetConnectionLostHandler(t.onConnectionLost)

	if t.cfg.Username != "" {
		opts.SetUsername(t.cfg.Username)
	}
	if t.cfg.Password != "" {
		opts.SetPassword(t.cfg.Password)
	}
	if t.cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	t.client = paho.NewClient(opts)
	token := t.client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return errors.New("neighbordiscovery: connection timeout")
	}
	if token.Error() != nil {
		return fmt.Errorf("neighbordiscovery: connecting to broker: %w", token.Error())
	}
	return nil
}

// Stop disconnects from the broker. Idempotent.
func (t *Transport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		t.client.Disconnect(1000)
		t.connected = false
	}
	return nil
}

// SendPacket encodes p and publishes it to the shared discovery topic.
// endpoint is ignored: MQTT pub/sub has no targeted delivery.
func (t *Transport) SendPacket(p *packet.MeshPacket, _ transport.EndpointID) error {
	raw, err := packet.Encode(p)
	if err != nil {
		return fmt.Errorf("neighbordiscovery: encode: %w", err)
	}
	return t.SendBytes(raw, "")
}

// SendBytes publishes raw bytes to the discovery topic.
func (t *Transport) SendBytes(raw []byte, _ transport.EndpointID) error {
	if !t.IsConnected() {
		return errors.New("neighbordiscovery: not connected")
	}
	token := t.client.Publish(t.topic(), 0, false, raw)
	if !token.WaitTimeout(10 * time.Second) {
		return errors.New("neighbordiscovery: timeout publishing")
	}
	return token.Error()
}

func (t *Transport) subscribe() {
	topic := t.topic()
	t.client.Subscribe(topic, 0, t.handleMessage)
	t.log.Debug("subscribed to discovery topic", "topic", topic)
}

func (t *Transport) handleMessage(_ paho.Client, message paho.Message) {
	t.mu.RLock()
	handler := t.packetHandler
	t.mu.RUnlock()
	if handler == nil {
		return
	}

	p, err := packet.Decode(message.Payload())
	if err != nil {
		t.log.Debug("dropping malformed packet", "error", err)
		return
	}

	// A publish from this very node would otherwise echo back; let the
	// router's own seen-packet cache absorb it like any other duplicate.
	t.maybeUpgradeIdentity(p)

	endpoint := transport.EndpointID(p.SenderID)
	handler(p, endpoint)
}

// maybeUpgradeIdentity reports a peer-connected event the first time
// a given sender's packets are observed on this transport, matching
// NeighborDiscovery's "opaque endpoint handle, real mesh_id known only
// after first received packet" contract.
func (t *Transport) maybeUpgradeIdentity(p *packet.MeshPacket) {
	if p.SenderID.IsZero() || p.SenderID.IsSentinel() {
		return
	}

	t.mu.Lock()
	alreadyKnown := t.knownSenders[p.SenderID]
	if !alreadyKnown {
		t.knownSenders[p.SenderID] = true
	}
	connectedFn := t.peerConnectedFn
	t.mu.Unlock()

	if !alreadyKnown && connectedFn != nil {
		connectedFn(p.SenderID, transport.EndpointID(p.SenderID), p.SenderName)
	}
}

func (t *Transport) onConnected(_ paho.Client) {
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()

	t.subscribe()
	t.log.Info("connected to broker", "broker", t.cfg.Broker)
}

func (t *Transport) onConnectionLost(_ paho.Client, err error) {
	t.mu.Lock()
	t.connected = false
	disconnectFn := t.peerDisconnectedFn
	knownSenders := make([]core.MeshID, 0, len(t.knownSenders))
	for id := range t.knownSenders {
		knownSenders = append(knownSenders, id)
	}
	t.knownSenders = make(map[core.MeshID]bool)
	t.mu.Unlock()

	t.log.Error("connection lost", "error", err)

	if disconnectFn != nil {
		for _, id := range knownSenders {
			disconnectFn(transport.EndpointID(id))
		}
	}
}

func randomString(n int) string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rand.Intn(len(alphabet))]
	}
	return string(b)
}
