package discovery

import (
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func TestBeaconAnnounceBuildsExpectedTXTRecords(t *testing.T) {
	var (
		calls       int
		gotInstance string
		gotService  string
		gotDomain   string
		gotPort     int
		gotTXT      []string
	)

	beacon, err := NewBeacon(Config{
		Directory: newTestDirectory(t, true),
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			calls++
			gotInstance = instance
			gotService = service
			gotDomain = domain
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("NewBeacon failed: %v", err)
	}

	if err := beacon.Announce(); err != nil {
		t.Fatalf("Announce failed: %v", err)
	}
	if err := beacon.Announce(); err != nil {
		t.Fatalf("second Announce failed: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single registration, got %d", calls)
	}
	if !beacon.Announced() {
		t.Fatalf("expected beacon to report announced")
	}

	if gotInstance != "Alice" {
		t.Fatalf("unexpected instance name: %q", gotInstance)
	}
	if gotService != DefaultService || gotDomain != DefaultDomain {
		t.Fatalf("unexpected service: %q %q", gotService, gotDomain)
	}
	if gotPort != 9000 {
		t.Fatalf("unexpected port: %d", gotPort)
	}

	assertContainsTXT(t, gotTXT, "name=Alice")
	assertContainsTXT(t, gotTXT, "status=online")
	assertContainsTXT(t, gotTXT, "mode=manual")
	assertContainsTXT(t, gotTXT, "version=1")
	assertContainsTXTPrefix(t, gotTXT, "last_active=")
}

func TestBeaconAnnounceWithoutSelfRecord(t *testing.T) {
	registered := false
	beacon, err := NewBeacon(Config{
		Directory: newTestDirectory(t, false),
		registerFn: func(string, string, string, int, []string, []net.Interface) (*zeroconf.Server, error) {
			registered = true
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("NewBeacon failed: %v", err)
	}

	if err := beacon.Announce(); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
	if registered || beacon.Announced() {
		t.Fatalf("beacon must not announce without a self record")
	}

	// Withdrawing a beacon that never announced is a no-op.
	beacon.Withdraw()
}

func TestBeaconRegisterFailureLeavesBeaconUnannounced(t *testing.T) {
	beacon, err := NewBeacon(Config{
		Directory: newTestDirectory(t, true),
		registerFn: func(string, string, string, int, []string, []net.Interface) (*zeroconf.Server, error) {
			return nil, errors.New("multicast unavailable")
		},
	})
	if err != nil {
		t.Fatalf("NewBeacon failed: %v", err)
	}
	if err := beacon.Announce(); err == nil {
		t.Fatalf("expected register error")
	}
	if beacon.Announced() {
		t.Fatalf("beacon must stay unannounced after a failed registration")
	}
}

func TestServiceBrowseAnnouncesAndStopAnnounceStopsBrowsing(t *testing.T) {
	service, err := New(Config{
		Directory:       newTestDirectory(t, true),
		RefreshInterval: time.Hour,
		ScanTimeout:     10 * time.Millisecond,
		registerFn:      noopRegister,
		browseFn:        noopBrowse,
	}, ProberConfig{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := service.Browse(); err != nil {
		t.Fatalf("Browse failed: %v", err)
	}
	if !service.Beacon.Announced() || !service.Browser.Browsing() {
		t.Fatalf("expected browse to announce and start browsing")
	}

	service.StopBrowsing()
	if service.Browser.Browsing() {
		t.Fatalf("expected browsing stopped")
	}
	if !service.Beacon.Announced() {
		t.Fatalf("stopping browsing must keep the device discoverable")
	}

	if err := service.Browse(); err != nil {
		t.Fatalf("second Browse failed: %v", err)
	}
	service.StopAnnounce()
	if service.Beacon.Announced() || service.Browser.Browsing() {
		t.Fatalf("expected StopAnnounce to stop browsing and withdraw")
	}

	service.StopAnnounce()
	service.Stop()
}

func TestNewRequiresDirectory(t *testing.T) {
	if _, err := New(Config{}, ProberConfig{}); err == nil {
		t.Fatalf("expected error without directory")
	}
	if _, err := NewBeacon(Config{}); err == nil {
		t.Fatalf("expected error without directory")
	}
}

func TestConfigWithDefaultsDerivesPeerStaleAfter(t *testing.T) {
	cfg := (Config{RefreshInterval: 4 * time.Second}).withDefaults()
	if cfg.PeerStaleAfter != 12*time.Second {
		t.Fatalf("expected PeerStaleAfter 12s, got %s", cfg.PeerStaleAfter)
	}
	if cfg.ScanTimeout != DefaultScanTimeout {
		t.Fatalf("expected default scan timeout, got %s", cfg.ScanTimeout)
	}
	if cfg.Service != DefaultService || cfg.Domain != DefaultDomain {
		t.Fatalf("unexpected service defaults: %q %q", cfg.Service, cfg.Domain)
	}
}

func assertContainsTXT(t *testing.T, txt []string, expected string) {
	t.Helper()
	for _, entry := range txt {
		if entry == expected {
			return
		}
	}
	t.Fatalf("expected TXT entry %q in %v", expected, txt)
}

func assertContainsTXTPrefix(t *testing.T, txt []string, prefix string) {
	t.Helper()
	for _, entry := range txt {
		if strings.HasPrefix(entry, prefix) {
			return
		}
	}
	t.Fatalf("expected TXT entry with prefix %q in %v", prefix, txt)
}
