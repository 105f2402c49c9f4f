package discovery

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

// ServiceInfo is one resolved mDNS service instance.
type ServiceInfo struct {
	Instance  string
	HostName  string
	Port      int
	Addresses []net.IP
	Text      map[string]string
}

// Listener receives add, update and remove notifications for resolved services.
type Listener interface {
	PeerAdded(info ServiceInfo)
	PeerUpdated(info ServiceInfo)
	PeerRemoved(instance string)
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// Scanner browses mDNS in fixed windows and reconciles each window against the previous
// sightings, since zeroconf never reports a service going away.
type Scanner struct {
	cfg      Config
	listener Listener

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	refreshRequests chan refreshRequest

	stateMu  sync.Mutex
	lastSeen map[string]time.Time
}

// NewScanner creates a scanner that reports to listener.
func NewScanner(config Config, listener Listener) (*Scanner, error) {
	if listener == nil {
		return nil, errors.New("listener is required")
	}
	return &Scanner{
		cfg:             config.withDefaults(),
		listener:        listener,
		refreshRequests: make(chan refreshRequest),
		lastSeen:        make(map[string]time.Time),
	}, nil
}

// Start begins background scanning. It is a no-op when already running.
func (s *Scanner) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.running = true
	s.wg.Add(1)
	go s.loop(s.ctx)
}

// Stop ends background scanning and waits for the current window to finish.
func (s *Scanner) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
}

// Running reports whether background scanning is active.
func (s *Scanner) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Refresh runs one scan window now. When the scanner is stopped the window runs on the
// caller's goroutine.
func (s *Scanner) Refresh(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	loopCtx := s.ctx
	s.mu.Unlock()

	if !running {
		return s.runScan(ctx)
	}

	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-loopCtx.Done():
		return errors.New("peer scanner is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-loopCtx.Done():
		return errors.New("peer scanner is stopped")
	}
}

func (s *Scanner) loop(ctx context.Context) {
	defer s.wg.Done()

	// Prime the peer list immediately.
	s.logScanError(s.runScan(ctx))

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.logScanError(s.runScan(ctx))
		case req := <-s.refreshRequests:
			scanCtx, cancel := mergeCancel(ctx, req.ctx)
			req.done <- s.runScan(scanCtx)
			cancel()
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scanner) logScanError(err error) {
	if err != nil {
		s.cfg.Logger.Warn("mDNS scan failed", slog.String("error", err.Error()))
	}
}

func (s *Scanner) runScan(parent context.Context) error {
	scanCtx, cancel := context.WithTimeout(parent, s.cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]ServiceInfo)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		in := entries
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry, ok := <-in:
				if !ok {
					in = nil
					continue
				}
				if entry == nil {
					continue
				}
				info, valid := serviceInfoFromEntry(entry)
				if !valid {
					continue
				}
				collected[info.Instance] = info
			}
		}
	}()

	if err := s.cfg.browseFn(scanCtx, s.cfg.Service, s.cfg.Domain, entries); err != nil {
		cancel()
		<-collectorDone
		return err
	}

	<-scanCtx.Done()
	<-collectorDone

	// A cancelled caller gets no reconciliation; a partial window would look like removals.
	if parent.Err() != nil {
		return parent.Err()
	}

	s.applyWindow(collected)
	return nil
}

func (s *Scanner) applyWindow(collected map[string]ServiceInfo) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	now := s.cfg.Now()

	instances := make([]string, 0, len(collected))
	for instance := range collected {
		instances = append(instances, instance)
	}
	sort.Strings(instances)

	for _, instance := range instances {
		info := collected[instance]
		if _, known := s.lastSeen[instance]; known {
			s.listener.PeerUpdated(info)
		} else {
			s.listener.PeerAdded(info)
		}
		s.lastSeen[instance] = now
	}

	for instance, seen := range s.lastSeen {
		if now.Sub(seen) < s.cfg.PeerStaleAfter {
			continue
		}
		delete(s.lastSeen, instance)
		s.listener.PeerRemoved(instance)
	}
}

func serviceInfoFromEntry(entry *zeroconf.ServiceEntry) (ServiceInfo, bool) {
	instance := strings.TrimSpace(entry.Instance)
	if instance == "" || entry.Port <= 0 {
		return ServiceInfo{}, false
	}

	addresses := make([]net.IP, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range entry.AddrIPv4 {
		if ip != nil {
			addresses = append(addresses, ip)
		}
	}
	for _, ip := range entry.AddrIPv6 {
		if ip != nil {
			addresses = append(addresses, ip)
		}
	}

	return ServiceInfo{
		Instance:  instance,
		HostName:  entry.HostName,
		Port:      entry.Port,
		Addresses: addresses,
		Text:      txtToMap(entry.Text),
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}

// mergeCancel returns a context cancelled when either parent is done.
func mergeCancel(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
