package network

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"golang.org/x/net/nettest"
	"golang.org/x/time/rate"

	"interact/models"
)

func dialTestServer(t *testing.T, ts *testServer) net.Conn {
	t.Helper()

	conn, err := net.DialTimeout("tcp", ts.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	return conn
}

func TestSendReceiveRoundTrip(t *testing.T) {
	const packetSize = 4096

	ts := startTestServer(t, ServerOptions{PacketSize: packetSize})
	clientRecorder := &memoryRecorder{}
	client, err := NewClient(ClientOptions{
		SelfName:   "Alice",
		PacketSize: packetSize,
		Recorder:   clientRecorder,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	sourceDir := t.TempDir()
	sizes := []int{0, 1, packetSize - 1, packetSize, packetSize + 1, 3*1024*1024 + 17}
	for _, size := range sizes {
		name := "file-" + strconv.Itoa(size) + ".bin"
		source := writeRandomFile(t, sourceDir, name, size)

		sent, err := client.Send(context.Background(), source, "Bob", "127.0.0.1", ts.port())
		if err != nil {
			t.Fatalf("size %d: Send failed: %v", size, err)
		}
		if sent.Bytes != int64(size) {
			t.Fatalf("size %d: expected %d bytes sent, got %d", size, size, sent.Bytes)
		}

		result := waitForReceive(t, ts)
		if result.Err != nil {
			t.Fatalf("size %d: receive reported error: %v", size, result.Err)
		}
		if result.SenderName != "Alice" || result.Filename != name {
			t.Fatalf("size %d: unexpected result %+v", size, result)
		}
		wantPath := filepath.Join(ts.receiveDir, "Alice", name)
		if result.Path != wantPath {
			t.Fatalf("size %d: stored at %q, want %q", size, result.Path, wantPath)
		}

		want, err := os.ReadFile(source)
		if err != nil {
			t.Fatalf("read source: %v", err)
		}
		got, err := os.ReadFile(result.Path)
		if err != nil {
			t.Fatalf("read received: %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("size %d: received bytes differ from source", size)
		}

		if result.Checksum != sent.Checksum {
			t.Fatalf("size %d: checksum mismatch %s vs %s", size, result.Checksum, sent.Checksum)
		}
		fileSum, err := FileChecksum(source)
		if err != nil {
			t.Fatalf("FileChecksum failed: %v", err)
		}
		if fileSum != sent.Checksum {
			t.Fatalf("size %d: streamed checksum differs from file checksum", size)
		}
	}

	sentRecords := clientRecorder.snapshot()
	if len(sentRecords) != len(sizes) {
		t.Fatalf("expected %d send records, got %d", len(sizes), len(sentRecords))
	}
	for _, record := range sentRecords {
		if record.Direction != models.DirectionSend || record.Status != models.TransferComplete {
			t.Fatalf("unexpected send record: %+v", record)
		}
	}
	received := ts.recorder.snapshot()
	if len(received) != len(sizes) {
		t.Fatalf("expected %d receive records, got %d", len(sizes), len(received))
	}
	if received[0].PeerName != "Alice" || received[0].PeerAddress != "127.0.0.1" {
		t.Fatalf("unexpected receive record: %+v", received[0])
	}
}

func TestReceiveTwoFieldHandshakeUsesUnknownSender(t *testing.T) {
	ts := startTestServer(t, ServerOptions{})

	conn := dialTestServer(t, ts)
	if _, err := conn.Write([]byte("note.txt|5\nhello")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	_ = conn.Close()

	result := waitForReceive(t, ts)
	if result.Err != nil {
		t.Fatalf("unexpected receive error: %v", result.Err)
	}
	if result.SenderName != "Unknown_(127.0.0.1)" {
		t.Fatalf("unexpected sender: %q", result.SenderName)
	}
	got, err := os.ReadFile(filepath.Join(ts.receiveDir, "Unknown_(127.0.0.1)", "note.txt"))
	if err != nil {
		t.Fatalf("read received file: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("unexpected content: %q", got)
	}
}

func TestReceiveIncompleteTransferKeepsPartialFile(t *testing.T) {
	ts := startTestServer(t, ServerOptions{})

	conn := dialTestServer(t, ts)
	if _, err := conn.Write([]byte("big.bin|100|Bob\n")); err != nil {
		t.Fatalf("write handshake failed: %v", err)
	}
	if _, err := conn.Write(bytes.Repeat([]byte{0xAB}, 40)); err != nil {
		t.Fatalf("write payload failed: %v", err)
	}
	_ = conn.Close()

	result := waitForReceive(t, ts)
	var incomplete *IncompleteTransferError
	if !errors.As(result.Err, &incomplete) {
		t.Fatalf("expected IncompleteTransferError, got %v", result.Err)
	}
	if incomplete.Expected != 100 || incomplete.Received != 40 {
		t.Fatalf("unexpected counts: %+v", incomplete)
	}

	info, err := os.Stat(result.Path)
	if err != nil {
		t.Fatalf("partial file missing: %v", err)
	}
	if info.Size() != 40 {
		t.Fatalf("expected partial file of 40 bytes, got %d", info.Size())
	}

	records := ts.recorder.snapshot()
	if len(records) != 1 || records[0].Status != models.TransferIncomplete || records[0].TransferredBytes != 40 {
		t.Fatalf("unexpected history: %+v", records)
	}
}

func TestReceiveStopsAtAnnouncedSize(t *testing.T) {
	ts := startTestServer(t, ServerOptions{})

	conn := dialTestServer(t, ts)
	if _, err := conn.Write([]byte("short.txt|3|Bob\nabcdef")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	result := waitForReceive(t, ts)
	_ = conn.Close()
	if result.Err != nil || result.Received != 3 {
		t.Fatalf("expected exactly 3 bytes, got %d (%v)", result.Received, result.Err)
	}
	got, err := os.ReadFile(result.Path)
	if err != nil {
		t.Fatalf("read received file: %v", err)
	}
	if string(got) != "abc" {
		t.Fatalf("unexpected content: %q", got)
	}
}

func TestReceivePathTraversalStaysInsideSenderDir(t *testing.T) {
	ts := startTestServer(t, ServerOptions{})

	conn := dialTestServer(t, ts)
	if _, err := conn.Write([]byte("../../evil.txt|4|../Mallory\nevil")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	_ = conn.Close()

	result := waitForReceive(t, ts)
	want := filepath.Join(ts.receiveDir, "Mallory", "evil.txt")
	if result.Path != want {
		t.Fatalf("file escaped sender directory: %q, want %q", result.Path, want)
	}
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("expected file inside sender directory: %v", err)
	}
}

func TestReceiveMalformedHandshakeWritesNothing(t *testing.T) {
	receiveDir := t.TempDir()
	server, err := Listen("127.0.0.1:0", ServerOptions{ReceiveDir: receiveDir})
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer server.Close()

	listener, err := nettest.NewLocalListener("tcp")
	if err != nil {
		t.Fatalf("NewLocalListener failed: %v", err)
	}
	defer listener.Close()

	go func() {
		conn, err := net.Dial(listener.Addr().Network(), listener.Addr().String())
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = conn.Write([]byte("garbage-without-size\nxxxx"))
	}()

	conn, err := listener.Accept()
	if err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	defer conn.Close()

	if _, err := server.Receive(conn); !errors.Is(err, ErrMalformedHandshake) {
		t.Fatalf("expected ErrMalformedHandshake, got %v", err)
	}
	entries, err := os.ReadDir(receiveDir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("malformed handshake must not create files, found %d entries", len(entries))
	}
}

func TestServerRejectsConnectionsAtCapacity(t *testing.T) {
	ts := startTestServer(t, ServerOptions{MaxConcurrentTransfers: 1})

	// Holds the only slot: the announced bytes never arrive.
	busy := dialTestServer(t, ts)
	defer busy.Close()
	if _, err := busy.Write([]byte("slow.bin|10")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	extra := dialTestServer(t, ts)
	defer extra.Close()

	select {
	case err := <-ts.rejected:
		if !errors.Is(err, ErrCapacity) {
			t.Fatalf("expected ErrCapacity, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("expected second connection to be rejected")
	}

	_ = extra.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := extra.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Fatalf("expected rejected connection to be closed, got %v", err)
	}
}

func TestServerAcceptRateLimit(t *testing.T) {
	ts := startTestServer(t, ServerOptions{AcceptRate: rate.Every(time.Hour), AcceptBurst: 1})

	first := dialTestServer(t, ts)
	if _, err := first.Write([]byte("a.txt|1|Bob\nx")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	_ = first.Close()
	if result := waitForReceive(t, ts); result.Err != nil {
		t.Fatalf("first transfer failed: %v", result.Err)
	}

	second := dialTestServer(t, ts)
	defer second.Close()
	select {
	case err := <-ts.rejected:
		if !errors.Is(err, ErrRateLimited) {
			t.Fatalf("expected ErrRateLimited, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("expected second connection to be rate limited")
	}
}

func TestServerCloseFromReceiveCallback(t *testing.T) {
	closed := make(chan error, 1)
	var server *Server
	server, err := Listen("127.0.0.1:0", ServerOptions{
		ReceiveDir: t.TempDir(),
		OnReceived: func(ReceiveResult) {
			closed <- server.Close()
		},
	})
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- server.Serve(context.Background())
	}()

	conn, err := net.DialTimeout("tcp", server.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	if _, err := conn.Write([]byte("a.txt|1|Bob\nx")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	_ = conn.Close()

	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("Close from callback failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Close from callback did not return")
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Serve did not stop after Close")
	}
}

func TestListenRequiresReceiveDir(t *testing.T) {
	if _, err := Listen("127.0.0.1:0", ServerOptions{}); err == nil {
		t.Fatalf("expected error without receive dir")
	}
}
