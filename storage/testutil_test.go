package storage

import (
	"testing"
	"time"

	"interact/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustAddPeer(t *testing.T, store *Store, name, ip string, port int) {
	t.Helper()

	err := store.AddPeer(models.Peer{
		Name:      name,
		Address:   ip,
		Port:      port,
		Status:    models.StatusOffline,
		TrustMode: models.TrustManual,
		LastSeen:  time.Now().Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("add peer %q: %v", name, err)
	}
}
