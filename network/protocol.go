package network

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"math"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

const (
	// DefaultPacketSize bounds the handshake line and each streamed chunk.
	DefaultPacketSize = 64 * 1024
	// DefaultConnectionTimeout bounds the TCP dial.
	DefaultConnectionTimeout = 10 * time.Second
	// DefaultReadTimeout bounds each read on an inbound transfer.
	DefaultReadTimeout = 30 * time.Second
	// DefaultMaxConcurrentTransfers bounds inbound sessions.
	DefaultMaxConcurrentTransfers = 16

	handshakeSeparator  = "|"
	handshakeTerminator = '\n'
	minPacketSize       = 16
)

var (
	// ErrMalformedHandshake indicates the handshake line could not be parsed.
	ErrMalformedHandshake = errors.New("network: malformed handshake")
	// ErrFileNotFound indicates the file to send is missing, not regular, or unreadable.
	ErrFileNotFound = errors.New("network: file not found")
	// ErrCapacity indicates an inbound connection was rejected because all transfer slots are busy.
	ErrCapacity = errors.New("network: transfer capacity reached")
	// ErrRateLimited indicates an inbound connection arrived faster than the accept rate allows.
	ErrRateLimited = errors.New("network: accept rate exceeded")
)

// IncompleteTransferError reports a stream that ended before the announced size.
type IncompleteTransferError struct {
	Expected int64
	Received int64
}

func (e *IncompleteTransferError) Error() string {
	return fmt.Sprintf("network: incomplete transfer: received %d of %d bytes", e.Received, e.Expected)
}

// Handshake is the single line sent before the file bytes. Encode always terminates it with a
// newline. Receivers also accept a line without one when it arrives alone in the first read, which
// is how older peers send it; such a line must not be split across TCP segments.
type Handshake struct {
	Filename   string
	Filesize   int64
	SenderName string
}

// Encode renders the handshake as filename|filesize|sender followed by a newline.
func (h Handshake) Encode() ([]byte, error) {
	if h.Filename == "" {
		return nil, fmt.Errorf("%w: empty filename", ErrMalformedHandshake)
	}
	if h.Filesize < 0 {
		return nil, fmt.Errorf("%w: negative filesize %d", ErrMalformedHandshake, h.Filesize)
	}
	for _, field := range []string{h.Filename, h.SenderName} {
		if strings.ContainsAny(field, handshakeSeparator+"\n\r") {
			return nil, fmt.Errorf("%w: field %q contains a reserved character", ErrMalformedHandshake, field)
		}
	}

	line := h.Filename + handshakeSeparator + strconv.FormatInt(h.Filesize, 10)
	if h.SenderName != "" {
		line += handshakeSeparator + h.SenderName
	}
	return append([]byte(line), handshakeTerminator), nil
}

// ParseHandshake splits a handshake line into at most three fields. A missing sender name is
// replaced by a name derived from peerIP. Sizes above math.MaxInt64 are
// rejected.
func ParseHandshake(line, peerIP string) (Handshake, error) {
	line = strings.TrimRight(line, "\r\n")
	parts := strings.SplitN(line, handshakeSeparator, 3)
	if len(parts) < 2 {
		return Handshake{}, fmt.Errorf("%w: expected filename|filesize[|sender], got %d field(s)", ErrMalformedHandshake, len(parts))
	}

	filename := strings.TrimSpace(parts[0])
	if filename == "" {
		return Handshake{}, fmt.Errorf("%w: empty filename", ErrMalformedHandshake)
	}

	size, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil {
		return Handshake{}, fmt.Errorf("%w: filesize %q: %v", ErrMalformedHandshake, parts[1], err)
	}
	if size > math.MaxInt64 {
		return Handshake{}, fmt.Errorf("%w: filesize %d too large", ErrMalformedHandshake, size)
	}

	sender := ""
	if len(parts) == 3 {
		sender = strings.TrimSpace(parts[2])
	}
	if sender == "" {
		sender = UnknownSenderName(peerIP)
	}

	return Handshake{
		Filename:   filename,
		Filesize:   int64(size),
		SenderName: sender,
	}, nil
}

// UnknownSenderName is the sender name used when a handshake omits it.
func UnknownSenderName(peerIP string) string {
	return "Unknown_(" + peerIP + ")"
}

// readHandshakeLine reads one newline-terminated line no longer than r's buffer. Bytes after the
// newline stay buffered in r and belong to the file stream. When the first read holds no newline
// but parses as a handshake on its own, that read is taken as the whole line.
func readHandshakeLine(r *bufio.Reader) (string, error) {
	if _, err := r.Peek(1); err != nil {
		return "", handshakeReadError(r, err)
	}
	first, _ := r.Peek(r.Buffered())
	if len(first) < r.Size() && bytes.IndexByte(first, handshakeTerminator) < 0 {
		if _, err := ParseHandshake(string(first), ""); err == nil {
			line := string(first)
			if _, err := r.Discard(len(first)); err != nil {
				return "", handshakeReadError(r, err)
			}
			return line, nil
		}
	}

	line, err := r.ReadSlice(handshakeTerminator)
	if err != nil {
		return "", handshakeReadError(r, err)
	}
	return string(line), nil
}

func handshakeReadError(r *bufio.Reader, err error) error {
	switch {
	case errors.Is(err, bufio.ErrBufferFull):
		return fmt.Errorf("%w: line exceeds %d bytes", ErrMalformedHandshake, r.Size())
	case errors.Is(err, io.EOF):
		return fmt.Errorf("%w: connection closed before end of line", ErrMalformedHandshake)
	default:
		return fmt.Errorf("read handshake: %w", err)
	}
}

// sanitizeComponent reduces name to a single path element, or "" if nothing safe remains.
func sanitizeComponent(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.ReplaceAll(name, "\x00", "")
	name = strings.TrimSpace(path.Base(name))
	switch name {
	case "", ".", "..", "/":
		return ""
	}
	return name
}

func newChecksum() (hash.Hash, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return nil, fmt.Errorf("create checksum: %w", err)
	}
	return h, nil
}

func checksumHex(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

// FileChecksum returns the hex blake2b-256 digest of the file at path.
func FileChecksum(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file for checksum: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	hasher, err := newChecksum()
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("hash file: %w", err)
	}
	return checksumHex(hasher), nil
}
