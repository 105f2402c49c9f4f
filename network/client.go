package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"interact/metrics"
	"interact/models"
)

// ClientOptions controls outbound transfers.
type ClientOptions struct {
	SelfName          string
	PacketSize        int
	ConnectionTimeout time.Duration
	Recorder          Recorder
	Logger            *slog.Logger
}

func (o ClientOptions) withDefaults() ClientOptions {
	out := o
	if out.PacketSize <= 0 {
		out.PacketSize = DefaultPacketSize
	}
	if out.ConnectionTimeout <= 0 {
		out.ConnectionTimeout = DefaultConnectionTimeout
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// SendResult describes one completed outbound transfer.
type SendResult struct {
	Filename string
	Bytes    int64
	Checksum string
	Duration time.Duration
}

// Client sends files to peers over direct TCP connections.
type Client struct {
	options ClientOptions
	dialer  net.Dialer
}

// NewClient validates options and returns a client.
func NewClient(options ClientOptions) (*Client, error) {
	opts := options.withDefaults()
	if strings.TrimSpace(opts.SelfName) == "" {
		return nil, errors.New("self name is required")
	}
	if strings.ContainsAny(opts.SelfName, handshakeSeparator+"\n\r") {
		return nil, fmt.Errorf("self name %q contains a reserved character", opts.SelfName)
	}
	if opts.PacketSize < minPacketSize {
		return nil, fmt.Errorf("packet size must be >= %d", minPacketSize)
	}
	return &Client{
		options: opts,
		dialer:  net.Dialer{Timeout: opts.ConnectionTimeout},
	}, nil
}

// Send streams the file at path to the peer at address:port. The transfer counts as complete
// once every byte is written; the receiver sends no acknowledgment.
func (c *Client) Send(ctx context.Context, path, receiverName, address string, port int) (SendResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		return SendResult{}, fmt.Errorf("%w: %q: %v", ErrFileNotFound, path, err)
	}
	if !info.Mode().IsRegular() {
		return SendResult{}, fmt.Errorf("%w: %q is not a regular file", ErrFileNotFound, path)
	}
	file, err := os.Open(path)
	if err != nil {
		return SendResult{}, fmt.Errorf("%w: %q: %v", ErrFileNotFound, path, err)
	}
	defer func() {
		_ = file.Close()
	}()

	handshake := Handshake{
		Filename:   filepath.Base(path),
		Filesize:   info.Size(),
		SenderName: c.options.SelfName,
	}
	line, err := handshake.Encode()
	if err != nil {
		return SendResult{}, err
	}

	started := time.Now()
	record := models.Transfer{
		Direction:     models.DirectionSend,
		PeerName:      receiverName,
		PeerAddress:   address,
		Filename:      handshake.Filename,
		StoredPath:    path,
		ExpectedBytes: info.Size(),
		Status:        models.TransferFailed,
		StartedAt:     started,
	}

	sent, checksum, err := c.stream(ctx, file, line, address, port)
	record.TransferredBytes = sent
	record.Checksum = checksum
	record.FinishedAt = time.Now()
	if err == nil && sent != info.Size() {
		err = &IncompleteTransferError{Expected: info.Size(), Received: sent}
	}

	switch {
	case err == nil:
		record.Status = models.TransferComplete
	case sent > 0:
		record.Status = models.TransferIncomplete
	}
	c.finish(record, err)

	if err != nil {
		return SendResult{}, err
	}
	return SendResult{
		Filename: handshake.Filename,
		Bytes:    sent,
		Checksum: checksum,
		Duration: record.FinishedAt.Sub(started),
	}, nil
}

func (c *Client) stream(ctx context.Context, file *os.File, line []byte, address string, port int) (int64, string, error) {
	target := net.JoinHostPort(address, strconv.Itoa(port))
	conn, err := c.dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return 0, "", fmt.Errorf("dial %q: %w", target, err)
	}
	defer func() {
		_ = conn.Close()
	}()

	// Cancelling ctx unblocks any pending write.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if _, err := conn.Write(line); err != nil {
		return 0, "", fmt.Errorf("send handshake: %w", err)
	}

	hasher, err := newChecksum()
	if err != nil {
		return 0, "", err
	}

	var sent int64
	buffer := make([]byte, c.options.PacketSize)
	for {
		n, readErr := file.Read(buffer)
		if n > 0 {
			_, _ = hasher.Write(buffer[:n])
			written, writeErr := conn.Write(buffer[:n])
			sent += int64(written)
			if writeErr != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					writeErr = ctxErr
				}
				return sent, checksumHex(hasher), fmt.Errorf("send file data: %w", writeErr)
			}
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return sent, checksumHex(hasher), fmt.Errorf("read file: %w", readErr)
		}
	}

	return sent, checksumHex(hasher), nil
}

func (c *Client) finish(record models.Transfer, err error) {
	metrics.TransfersTotal.WithLabelValues(models.DirectionSend, record.Status).Inc()
	metrics.TransferBytesTotal.WithLabelValues(models.DirectionSend).Add(float64(record.TransferredBytes))

	attrs := []any{
		slog.String("receiver", record.PeerName),
		slog.String("address", record.PeerAddress),
		slog.String("file", record.Filename),
		slog.Int64("sent", record.TransferredBytes),
		slog.Int64("size", record.ExpectedBytes),
		slog.String("checksum", record.Checksum),
	}
	if err != nil {
		c.options.Logger.Warn("file send failed", append(attrs, slog.String("error", err.Error()))...)
	} else {
		c.options.Logger.Info("file sent", attrs...)
	}

	if c.options.Recorder != nil {
		if recErr := c.options.Recorder.RecordTransfer(record); recErr != nil {
			c.options.Logger.Warn("record outbound transfer failed", slog.String("error", recErr.Error()))
		}
	}
}
