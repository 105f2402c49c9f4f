package discovery

import (
	"sort"
	"sync"
	"time"

	"interact/models"
)

// PeerTable is the in-memory set of peers seen on the network, keyed by address.
type PeerTable struct {
	mu        sync.RWMutex
	byAddress map[string]models.Peer
}

// NewPeerTable returns an empty table.
func NewPeerTable() *PeerTable {
	return &PeerTable{byAddress: make(map[string]models.Peer)}
}

// Upsert stores peer under its address, replacing any earlier entry for that address or for
// the same name at another address. It reports whether the peer was not present before.
func (t *PeerTable) Upsert(peer models.Peer) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, existed := t.byAddress[peer.Address]
	for address, current := range t.byAddress {
		if current.Name == peer.Name && address != peer.Address {
			delete(t.byAddress, address)
			existed = true
		}
	}
	t.byAddress[peer.Address] = peer
	return !existed
}

// RemoveByName drops every entry whose name matches and reports whether any was removed.
func (t *PeerTable) RemoveByName(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := false
	for address, peer := range t.byAddress {
		if peer.Name == name {
			delete(t.byAddress, address)
			removed = true
		}
	}
	return removed
}

// SetStatus updates the entry matching address and port.
func (t *PeerTable) SetStatus(address string, port int, status string, seen time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	peer, ok := t.byAddress[address]
	if !ok || peer.Port != port {
		return false
	}
	peer.Status = status
	if !seen.IsZero() {
		peer.LastSeen = seen
	}
	t.byAddress[address] = peer
	return true
}

// Get returns the entry for name.
func (t *PeerTable) Get(name string) (models.Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, peer := range t.byAddress {
		if peer.Name == name {
			return peer, true
		}
	}
	return models.Peer{}, false
}

// Len returns the number of entries.
func (t *PeerTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byAddress)
}

// Snapshot returns a copy of all entries ordered by name.
func (t *PeerTable) Snapshot() []models.Peer {
	t.mu.RLock()
	out := make([]models.Peer, 0, len(t.byAddress))
	for _, peer := range t.byAddress {
		out = append(out, peer)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].Address < out[j].Address
		}
		return out[i].Name < out[j].Name
	})
	return out
}
