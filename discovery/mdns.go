package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"interact/models"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_interact._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultRefreshInterval is the background peer discovery interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each discovery scan.
	DefaultScanTimeout = 3 * time.Second
)

// ErrNotRegistered is returned when this device has no self record to announce.
var ErrNotRegistered = errors.New("discovery: device is not registered")

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Directory is the durable peer store discovery reconciles into.
type Directory interface {
	Self() (*models.Peer, error)
	GetPeer(name string) (*models.Peer, error)
	UpsertPeer(peer models.Peer) error
	UpdatePeerStatus(name, status string, lastSeen time.Time) error
	RecordPeerSighting(name, ip string, port int, seen time.Time) error
}

// Config controls mDNS beacon and browser behavior.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	// PeerStaleAfter removes a peer not seen in any scan for this long.
	PeerStaleAfter time.Duration

	Directory Directory
	Logger    *slog.Logger
	Now       func() time.Time

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.PeerStaleAfter <= 0 {
		out.PeerStaleAfter = 3 * out.RefreshInterval
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	if out.browseFn == nil {
		out.browseFn = browseWithFreshResolver
	}
	return out
}

func (c Config) validate() error {
	if c.Directory == nil {
		return errors.New("directory is required")
	}
	return nil
}

// browseWithFreshResolver opens a resolver per scan window; a zeroconf client is torn down
// when its browse context ends.
func browseWithFreshResolver(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("create mDNS resolver: %w", err)
	}
	return resolver.Browse(ctx, service, domain, entries)
}

// Beacon advertises this device's presence via mDNS.
type Beacon struct {
	cfg Config

	mu        sync.Mutex
	server    *zeroconf.Server
	announced bool
}

// NewBeacon creates a beacon that reads its identity from the directory's self record.
func NewBeacon(config Config) (*Beacon, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Beacon{cfg: cfg}, nil
}

// Announce registers the self record as an mDNS service. It is a no-op when already announced.
func (b *Beacon) Announce() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.announced {
		return nil
	}

	self, err := b.cfg.Directory.Self()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotRegistered, err)
	}
	if self.Name == "" || self.Port <= 0 {
		return fmt.Errorf("%w: self record is incomplete", ErrNotRegistered)
	}

	lastActive := ""
	if !self.LastSeen.IsZero() {
		lastActive = self.LastSeen.UTC().Format(time.RFC3339)
	}
	txt := []string{
		"name=" + self.Name,
		"status=" + models.StatusOnline,
		"mode=" + self.TrustMode,
		"last_active=" + lastActive,
		"version=" + strconv.Itoa(b.cfg.Version),
	}

	server, err := b.cfg.registerFn(self.Name, b.cfg.Service, b.cfg.Domain, self.Port, txt, nil)
	if err != nil {
		return fmt.Errorf("register mDNS service: %w", err)
	}

	b.server = server
	b.announced = true
	b.cfg.Logger.Info("presence announced",
		slog.String("name", self.Name),
		slog.String("service", b.cfg.Service+"."+b.cfg.Domain),
		slog.Int("port", self.Port),
	)
	return nil
}

// Announced reports whether the device is currently advertised.
func (b *Beacon) Announced() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.announced
}

// Withdraw removes the advertisement. It is a no-op when not announced.
func (b *Beacon) Withdraw() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.announced {
		b.cfg.Logger.Debug("presence already withdrawn")
		return
	}
	if b.server != nil {
		b.server.Shutdown()
	}
	b.server = nil
	b.announced = false
	b.cfg.Logger.Info("presence withdrawn")
}

// Service coordinates the beacon, the browser and the liveness prober over one config.
type Service struct {
	Beacon  *Beacon
	Browser *Browser
	Prober  *Prober
}

// New builds a discovery service. Nothing is announced or browsed until asked.
func New(config Config, probe ProberConfig) (*Service, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	beacon, err := NewBeacon(cfg)
	if err != nil {
		return nil, err
	}
	browser, err := NewBrowser(cfg)
	if err != nil {
		return nil, err
	}

	if probe.Directory == nil {
		probe.Directory = cfg.Directory
	}
	if probe.Table == nil {
		probe.Table = browser.Table()
	}
	if probe.Logger == nil {
		probe.Logger = cfg.Logger
	}
	prober, err := NewProber(probe)
	if err != nil {
		return nil, err
	}

	return &Service{
		Beacon:  beacon,
		Browser: browser,
		Prober:  prober,
	}, nil
}

// Announce makes this device discoverable.
func (s *Service) Announce() error {
	return s.Beacon.Announce()
}

// Browse announces this device if needed, then starts discovering peers.
func (s *Service) Browse() error {
	if err := s.Beacon.Announce(); err != nil {
		return err
	}
	return s.Browser.Browse()
}

// StopBrowsing stops peer discovery; the device stays discoverable.
func (s *Service) StopBrowsing() {
	s.Browser.StopBrowsing()
}

// StopAnnounce stops browsing first, then withdraws the advertisement.
func (s *Service) StopAnnounce() {
	s.Browser.StopBrowsing()
	s.Beacon.Withdraw()
}

// Stop releases all discovery resources.
func (s *Service) Stop() {
	if s == nil {
		return
	}
	s.StopAnnounce()
}
