package discovery

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"

	"interact/models"
	"interact/storage"
)

func newTestDirectory(t *testing.T, withSelf bool) *storage.Store {
	t.Helper()

	store, _, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	if withSelf {
		if err := store.SetSelf(models.Peer{
			Name:    "Alice",
			Address: "192.168.1.10",
			Port:    9000,
		}); err != nil {
			t.Fatalf("SetSelf failed: %v", err)
		}
	}
	return store
}

func mustAddPeer(t *testing.T, store *storage.Store, name, ip string, port int) {
	t.Helper()

	if err := store.AddPeer(models.Peer{
		Name:      name,
		Address:   ip,
		Port:      port,
		Status:    models.StatusOffline,
		TrustMode: models.TrustManual,
	}); err != nil {
		t.Fatalf("add peer %q: %v", name, err)
	}
}

func testServiceInfo(name, ip string, port int) ServiceInfo {
	return ServiceInfo{
		Instance:  name,
		HostName:  name + ".local.",
		Port:      port,
		Addresses: []net.IP{net.ParseIP(ip)},
		Text:      map[string]string{"name": name, "status": models.StatusOnline},
	}
}

func testServiceEntry(instance string, port int, ip string) *zeroconf.ServiceEntry {
	return &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: instance,
			Service:  DefaultService,
			Domain:   DefaultDomain,
		},
		HostName: instance + ".local.",
		Port:     port,
		Text: []string{
			"name=" + instance,
			"status=online",
			"version=1",
		},
		AddrIPv4: []net.IP{net.ParseIP(ip)},
	}
}

func noopRegister(string, string, string, int, []string, []net.Interface) (*zeroconf.Server, error) {
	return nil, nil
}

func noopBrowse(context.Context, string, string, chan<- *zeroconf.ServiceEntry) error {
	return nil
}

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_706_000_000, 0).UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}

func waitForEvent(events <-chan Event, eventType EventType, name string, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case event := <-events:
			if event.Type == eventType && event.Peer.Name == name {
				return true
			}
		case <-timer.C:
			return false
		}
	}
}
