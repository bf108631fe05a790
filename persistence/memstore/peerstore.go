package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/meshtalk/meshcore/core"
	"github.com/meshtalk/meshcore/persistence"
)

// PeerStore is an in-memory persistence.PeerStore.
type PeerStore struct {
	mu       sync.RWMutex
	peers    map[core.MeshID]*persistence.Peer
	watchers map[core.MeshID][]chan *persistence.Peer
}

// NewPeerStore creates an empty PeerStore.
func NewPeerStore() *PeerStore {
	return &PeerStore{
		peers:    make(map[core.MeshID]*persistence.Peer),
		watchers: make(map[core.MeshID][]chan *persistence.Peer),
	}
}

func clonePeer(p *persistence.Peer) *persistence.Peer {
	clone := *p
	return &clone
}

// Upsert merges incoming into the stored record, preserving flags,
// counters, and avatar color on an existing peer the way the router's
// PEER_ANNOUNCE handling requires; a brand-new peer is stored as given,
// with FirstSeen set to the current time if it is unset.
func (s *PeerStore) Upsert(ctx context.Context, incoming *persistence.Peer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.peers[incoming.MeshID]
	if !ok {
		stored := clonePeer(incoming)
		if stored.FirstSeen.IsZero() {
			stored.FirstSeen = time.Now()
		}
		s.peers[incoming.MeshID] = stored
		s.notifyLocked(stored)
		return nil
	}

	existing.DisplayName = incoming.DisplayName
	existing.DeviceName = incoming.DeviceName
	existing.EndpointID = incoming.EndpointID
	existing.ConnectionState = incoming.ConnectionState
	existing.Transport = incoming.Transport
	existing.SignalStrength = incoming.SignalStrength
	existing.HopDistance = incoming.HopDistance
	existing.HasLocation = incoming.HasLocation
	existing.Latitude = incoming.Latitude
	existing.Longitude = incoming.Longitude
	existing.LastSeen = incoming.LastSeen
	// flags, counters, and color are preserved from existing
	s.notifyLocked(existing)
	return nil
}

func (s *PeerStore) GetByMeshID(ctx context.Context, meshID core.MeshID) (*persistence.Peer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.peers[meshID]
	if !ok {
		return nil, nil
	}
	return clonePeer(p), nil
}

func (s *PeerStore) GetByEndpointID(ctx context.Context, endpointID string) (*persistence.Peer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.peers {
		if p.EndpointID == endpointID {
			return clonePeer(p), nil
		}
	}
	return nil, nil
}

func (s *PeerStore) UpdateConnectionState(ctx context.Context, meshID core.MeshID, state persistence.ConnectionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[meshID]
	if !ok {
		return nil
	}
	p.ConnectionState = state
	s.notifyLocked(p)
	return nil
}

func (s *PeerStore) GetConnected(ctx context.Context) ([]*persistence.Peer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*persistence.Peer
	for _, p := range s.peers {
		if p.ConnectionState == persistence.StateConnected {
			out = append(out, clonePeer(p))
		}
	}
	return out, nil
}

// ObservePeer streams the current record, then subsequent updates for
// meshID until ctx is canceled.
func (s *PeerStore) ObservePeer(ctx context.Context, meshID core.MeshID) (<-chan *persistence.Peer, error) {
	ch := make(chan *persistence.Peer, 8)

	s.mu.Lock()
	current := s.peers[meshID]
	s.watchers[meshID] = append(s.watchers[meshID], ch)
	s.mu.Unlock()

	if current != nil {
		go func(p *persistence.Peer) {
			select {
			case ch <- clonePeer(p):
			case <-ctx.Done():
			}
		}(current)
	}

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		watchers := s.watchers[meshID]
		for i, w := range watchers {
			if w == ch {
				s.watchers[meshID] = append(watchers[:i], watchers[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	return ch, nil
}

func (s *PeerStore) notifyLocked(p *persistence.Peer) {
	for _, ch := range s.watchers[p.MeshID] {
		select {
		case ch <- clonePeer(p):
		default:
		}
	}
}

// MarkLost transitions any CONNECTED peer whose LastSeen exceeds
// threshold to LOST, used by a periodic stale-peer sweep.
func (s *PeerStore) MarkLost(ctx context.Context, threshold time.Duration) (int, error) {
	cutoff := time.Now().Add(-threshold)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.peers {
		if p.ConnectionState == persistence.StateConnected && p.LastSeen.Before(cutoff) {
			p.ConnectionState = persistence.StateLost
			s.notifyLocked(p)
			n++
		}
	}
	return n, nil
}

func (s *PeerStore) DisconnectAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.peers {
		if p.ConnectionState != persistence.StateDisconnected {
			p.ConnectionState = persistence.StateDisconnected
			s.notifyLocked(p)
		}
	}
	return nil
}
