package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"interact/metrics"
	"interact/models"
	"interact/storage"
)

const (
	// EventPeerUpserted is emitted when a peer appears or its endpoint changes.
	EventPeerUpserted EventType = "peer_upserted"
	// EventPeerRemoved is emitted when a previously seen peer disappears.
	EventPeerRemoved EventType = "peer_removed"
)

// EventType identifies peer discovery updates.
type EventType string

// Event carries discovery updates for process-level consumers.
type Event struct {
	Type EventType
	Peer models.Peer
}

// Browser tracks peers found on the network and reconciles them into the directory.
type Browser struct {
	cfg     Config
	table   *PeerTable
	scanner *Scanner
	events  chan Event

	mu       sync.Mutex
	browsing bool

	namesMu sync.Mutex
	names   map[string]string // instance -> peer name
}

// NewBrowser creates a browser. Scanning starts on Browse.
func NewBrowser(config Config) (*Browser, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	b := &Browser{
		cfg:    cfg,
		table:  NewPeerTable(),
		events: make(chan Event, 128),
		names:  make(map[string]string),
	}
	scanner, err := NewScanner(cfg, b)
	if err != nil {
		return nil, err
	}
	b.scanner = scanner
	return b, nil
}

// Browse starts peer discovery. Repeated calls are no-ops.
func (b *Browser) Browse() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.browsing {
		return nil
	}
	b.scanner.Start()
	b.browsing = true
	b.cfg.Logger.Info("peer browsing started", slog.String("service", b.cfg.Service+"."+b.cfg.Domain))
	return nil
}

// StopBrowsing stops peer discovery. Repeated calls are no-ops.
func (b *Browser) StopBrowsing() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.browsing {
		return
	}
	b.scanner.Stop()
	b.browsing = false
	b.cfg.Logger.Info("peer browsing stopped")
}

// Browsing reports whether discovery is active.
func (b *Browser) Browsing() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.browsing
}

// Refresh runs one discovery window immediately.
func (b *Browser) Refresh(ctx context.Context) error {
	return b.scanner.Refresh(ctx)
}

// ListPeers returns a snapshot of discovered peers ordered by name.
func (b *Browser) ListPeers() []models.Peer {
	return b.table.Snapshot()
}

// Table exposes the ephemeral peer table.
func (b *Browser) Table() *PeerTable {
	return b.table
}

// Events provides asynchronous discovery updates. Slow readers miss events.
func (b *Browser) Events() <-chan Event {
	return b.events
}

// PeerAdded records a resolved service in the table and marks a known directory entry online.
func (b *Browser) PeerAdded(info ServiceInfo) {
	instance := b.instanceName(info.Instance)
	peer, ok := peerFromService(info, instance, b.cfg.Now())
	if !ok {
		b.cfg.Logger.Debug("ignoring unresolvable service", slog.String("instance", info.Instance))
		return
	}
	if b.isSelf(peer) {
		return
	}
	b.rememberInstance(instance, peer.Name)

	known, err := b.cfg.Directory.GetPeer(peer.Name)
	switch {
	case err == nil:
		peer.TrustMode = known.TrustMode
		if err := b.cfg.Directory.RecordPeerSighting(peer.Name, peer.Address, peer.Port, peer.LastSeen); err != nil {
			b.cfg.Logger.Warn("update directory entry failed",
				slog.String("name", peer.Name),
				slog.String("error", err.Error()),
			)
		}
	case !errors.Is(err, storage.ErrNotFound):
		b.cfg.Logger.Warn("directory lookup failed",
			slog.String("name", peer.Name),
			slog.String("error", err.Error()),
		)
	}

	if b.table.Upsert(peer) {
		b.cfg.Logger.Info("peer discovered",
			slog.String("name", peer.Name),
			slog.String("address", peer.Address),
			slog.Int("port", peer.Port),
		)
	}
	metrics.DiscoveredPeers.Set(float64(b.table.Len()))
	b.emit(Event{Type: EventPeerUpserted, Peer: peer})
}

// PeerUpdated handles a repeated sighting the same way as a first one.
func (b *Browser) PeerUpdated(info ServiceInfo) {
	b.PeerAdded(info)
}

// PeerRemoved drops the peer from the table and marks a known directory entry offline.
func (b *Browser) PeerRemoved(instance string) {
	name := b.forgetInstance(b.instanceName(instance))
	if name == "" {
		return
	}

	if err := b.cfg.Directory.UpdatePeerStatus(name, models.StatusOffline, b.cfg.Now()); err != nil && !errors.Is(err, storage.ErrNotFound) {
		b.cfg.Logger.Warn("mark peer offline failed",
			slog.String("name", name),
			slog.String("error", err.Error()),
		)
	}

	peer, _ := b.table.Get(name)
	if b.table.RemoveByName(name) {
		b.cfg.Logger.Info("peer removed", slog.String("name", name))
		peer.Status = models.StatusOffline
		b.emit(Event{Type: EventPeerRemoved, Peer: peer})
	}
	metrics.DiscoveredPeers.Set(float64(b.table.Len()))
}

// SaveAsContacts persists discovered peers into the directory as trusted-automatically contacts.
func (b *Browser) SaveAsContacts(names ...string) error {
	var errs []error
	for _, name := range names {
		peer, ok := b.table.Get(name)
		if !ok {
			errs = append(errs, fmt.Errorf("save contact %q: %w", name, storage.ErrNotFound))
			continue
		}
		peer.TrustMode = models.TrustAuto
		peer.Status = models.StatusOnline
		peer.Self = false
		if err := b.cfg.Directory.UpsertPeer(peer); err != nil {
			errs = append(errs, fmt.Errorf("save contact %q: %w", name, err))
			continue
		}
		b.cfg.Logger.Info("contact saved", slog.String("name", name), slog.String("address", peer.Address))
	}
	return errors.Join(errs...)
}

func (b *Browser) isSelf(peer models.Peer) bool {
	self, err := b.cfg.Directory.Self()
	if err != nil {
		return false
	}
	if peer.Name == self.Name {
		return true
	}
	return self.Address != "" && peer.Address == self.Address && peer.Port == self.Port
}

func (b *Browser) emit(event Event) {
	select {
	case b.events <- event:
	default:
	}
}

func peerFromService(info ServiceInfo, instance string, now time.Time) (models.Peer, bool) {
	name := strings.TrimSpace(info.Text["name"])
	if name == "" {
		name = instance
	}
	if name == "" || info.Port <= 0 {
		return models.Peer{}, false
	}

	address := ""
	for _, ip := range info.Addresses {
		if ip4 := ip.To4(); ip4 != nil {
			address = ip4.String()
			break
		}
	}
	if address == "" && len(info.Addresses) > 0 {
		address = info.Addresses[0].String()
	}
	if address == "" {
		return models.Peer{}, false
	}

	return models.Peer{
		Name:     name,
		Address:  address,
		Port:     info.Port,
		Status:   models.StatusOnline,
		LastSeen: now,
	}, true
}

// instanceName strips the service type and domain from a fully qualified instance name.
// Dots inside the instance label are kept.
func (b *Browser) instanceName(instance string) string {
	instance = strings.TrimSuffix(strings.TrimSpace(instance), ".")
	suffix := "." + b.cfg.Service + "." + strings.TrimSuffix(b.cfg.Domain, ".")
	return strings.TrimSuffix(instance, suffix)
}

// rememberInstance binds an advertised instance to the peer name it resolved to,
// so removal uses the same key as the sighting did.
func (b *Browser) rememberInstance(instance, name string) {
	if instance == "" {
		return
	}
	b.namesMu.Lock()
	defer b.namesMu.Unlock()
	for other, bound := range b.names {
		if bound == name && other != instance {
			delete(b.names, other)
		}
	}
	b.names[instance] = name
}

// forgetInstance returns the peer name bound to instance and drops the binding.
// Unknown instances resolve to themselves.
func (b *Browser) forgetInstance(instance string) string {
	b.namesMu.Lock()
	defer b.namesMu.Unlock()
	if name, ok := b.names[instance]; ok {
		delete(b.names, instance)
		return name
	}
	return instance
}
