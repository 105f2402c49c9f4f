package network

import (
	"context"
	"crypto/rand"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"interact/models"
)

type memoryRecorder struct {
	mu      sync.Mutex
	records []models.Transfer
}

func (r *memoryRecorder) RecordTransfer(transfer models.Transfer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, transfer)
	return nil
}

func (r *memoryRecorder) snapshot() []models.Transfer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Transfer(nil), r.records...)
}

type testServer struct {
	*Server
	receiveDir string
	received   chan ReceiveResult
	rejected   chan error
	recorder   *memoryRecorder
}

func startTestServer(t *testing.T, opts ServerOptions) *testServer {
	t.Helper()

	ts := &testServer{
		receiveDir: t.TempDir(),
		received:   make(chan ReceiveResult, 16),
		rejected:   make(chan error, 16),
		recorder:   &memoryRecorder{},
	}
	opts.ReceiveDir = ts.receiveDir
	opts.Recorder = ts.recorder
	opts.OnReceived = func(result ReceiveResult) {
		ts.received <- result
	}
	opts.OnRejected = func(_ string, err error) {
		ts.rejected <- err
	}

	server, err := Listen("127.0.0.1:0", opts)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	ts.Server = server

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Serve returned error: %v", err)
		}
	})

	return ts
}

func (ts *testServer) port() int {
	return ts.Addr().(*net.TCPAddr).Port
}

func waitForReceive(t *testing.T, ts *testServer) ReceiveResult {
	t.Helper()
	select {
	case result := <-ts.received:
		return result
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for inbound transfer")
		return ReceiveResult{}
	}
}

func writeRandomFile(t *testing.T, dir, name string, size int) string {
	t.Helper()

	data := make([]byte, size)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("generate file data: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write test file: %v", err)
	}
	return path
}
