package network

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"interact/metrics"
	"interact/models"
)

// Recorder persists transfer outcomes.
type Recorder interface {
	RecordTransfer(transfer models.Transfer) error
}

// ReceiveResult describes one inbound transfer.
type ReceiveResult struct {
	SenderName string
	RemoteAddr string
	Filename   string
	Path       string
	Expected   int64
	Received   int64
	Checksum   string
	StartedAt  time.Time
	FinishedAt time.Time
	// Err is nil for a complete transfer and *IncompleteTransferError for a short stream.
	Err error
}

// ServerOptions controls the inbound transfer server.
type ServerOptions struct {
	ReceiveDir             string
	PacketSize             int
	MaxConcurrentTransfers int64
	ReadTimeout            time.Duration
	// AcceptRate limits accepted connections per second; zero disables the limit.
	AcceptRate  rate.Limit
	AcceptBurst int

	Recorder   Recorder
	OnReceived func(ReceiveResult)
	OnRejected func(remoteAddr string, err error)
	Logger     *slog.Logger
}

func (o ServerOptions) withDefaults() ServerOptions {
	out := o
	if out.PacketSize <= 0 {
		out.PacketSize = DefaultPacketSize
	}
	if out.MaxConcurrentTransfers <= 0 {
		out.MaxConcurrentTransfers = DefaultMaxConcurrentTransfers
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = DefaultReadTimeout
	}
	if out.AcceptRate > 0 && out.AcceptBurst <= 0 {
		out.AcceptBurst = 1
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

func (o ServerOptions) validate() error {
	if o.ReceiveDir == "" {
		return errors.New("receive directory is required")
	}
	if o.PacketSize < minPacketSize {
		return fmt.Errorf("packet size must be >= %d", minPacketSize)
	}
	return nil
}

// Server accepts inbound file transfers, one goroutine per connection.
type Server struct {
	listener net.Listener
	options  ServerOptions
	sem      *semaphore.Weighted
	limiter  *rate.Limiter

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error

	mu       sync.Mutex
	shutdown bool
	wg       sync.WaitGroup // active sessions
}

// Listen binds the transfer port. Call Serve to start accepting.
func Listen(address string, options ServerOptions) (*Server, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q (free the port or change listening_port): %w", address, err)
	}

	server := &Server{
		listener: listener,
		options:  opts,
		sem:      semaphore.NewWeighted(opts.MaxConcurrentTransfers),
		closed:   make(chan struct{}),
	}
	if opts.AcceptRate > 0 {
		server.limiter = rate.NewLimiter(opts.AcceptRate, opts.AcceptBurst)
	}
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts connections until ctx is cancelled or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		_ = s.Close()
	})
	defer stop()

	s.options.Logger.Info("transfer server listening", slog.String("addr", s.listener.Addr().String()))
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.options.Logger.Warn("accept connection failed", slog.String("error", err.Error()))
			time.Sleep(50 * time.Millisecond)
			continue
		}

		if s.limiter != nil && !s.limiter.Allow() {
			s.reject(conn, "rate_limited", ErrRateLimited)
			continue
		}
		if !s.sem.TryAcquire(1) {
			s.reject(conn, "capacity", ErrCapacity)
			continue
		}

		if !s.track() {
			s.sem.Release(1)
			_ = conn.Close()
			return nil
		}
		go s.handleInboundConn(conn)
	}
}

// Close stops accepting and waits for active transfers to finish. OnReceived and OnRejected
// run outside that wait, so they may call Close.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.shutdown = true
		s.mu.Unlock()

		close(s.closed)
		s.closeErr = s.listener.Close()
		s.wg.Wait()
	})
	return s.closeErr
}

func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Server) reject(conn net.Conn, reason string, err error) {
	remote := conn.RemoteAddr().String()
	_ = conn.Close()

	metrics.RejectedConnectionsTotal.WithLabelValues(reason).Inc()
	s.options.Logger.Warn("inbound connection rejected",
		slog.String("remote", remote),
		slog.String("error", err.Error()),
	)
	if s.options.OnRejected != nil {
		s.options.OnRejected(remote, err)
	}
}

func (s *Server) handleInboundConn(conn net.Conn) {
	result, ok := s.runSession(conn)
	s.wg.Done()
	if ok && s.options.OnReceived != nil {
		s.options.OnReceived(result)
	}
}

func (s *Server) runSession(conn net.Conn) (ReceiveResult, bool) {
	defer s.sem.Release(1)
	defer func() {
		_ = conn.Close()
	}()

	metrics.ActiveTransfers.Inc()
	defer metrics.ActiveTransfers.Dec()

	result, err := s.Receive(conn)
	if err != nil {
		// Nothing was written; the session just ends.
		metrics.TransfersTotal.WithLabelValues(models.DirectionReceive, models.TransferFailed).Inc()
		s.options.Logger.Warn("inbound transfer failed",
			slog.String("remote", conn.RemoteAddr().String()),
			slog.String("error", err.Error()),
		)
		return ReceiveResult{}, false
	}

	status := models.TransferComplete
	if result.Err != nil {
		status = models.TransferIncomplete
	}
	metrics.TransfersTotal.WithLabelValues(models.DirectionReceive, status).Inc()
	metrics.TransferBytesTotal.WithLabelValues(models.DirectionReceive).Add(float64(result.Received))

	attrs := []any{
		slog.String("sender", result.SenderName),
		slog.String("remote", result.RemoteAddr),
		slog.String("path", result.Path),
		slog.Int64("received", result.Received),
		slog.Int64("expected", result.Expected),
		slog.String("checksum", result.Checksum),
	}
	if result.Err != nil {
		s.options.Logger.Warn("file received partially", append(attrs, slog.String("error", result.Err.Error()))...)
	} else {
		s.options.Logger.Info("file received", attrs...)
	}

	if s.options.Recorder != nil {
		if err := s.options.Recorder.RecordTransfer(models.Transfer{
			Direction:        models.DirectionReceive,
			PeerName:         result.SenderName,
			PeerAddress:      remoteIP(conn.RemoteAddr()),
			Filename:         result.Filename,
			StoredPath:       result.Path,
			ExpectedBytes:    result.Expected,
			TransferredBytes: result.Received,
			Checksum:         result.Checksum,
			Status:           status,
			StartedAt:        result.StartedAt,
			FinishedAt:       result.FinishedAt,
		}); err != nil {
			s.options.Logger.Warn("record inbound transfer failed", slog.String("error", err.Error()))
		}
	}
	return result, true
}

// Receive runs one inbound session on conn: handshake, then up to Filesize bytes into
// <ReceiveDir>/<sender>/<filename>. A returned error means nothing was written. A short stream
// is reported through ReceiveResult.Err and the partial file is kept. The caller closes conn.
func (s *Server) Receive(conn net.Conn) (ReceiveResult, error) {
	started := time.Now()
	peerIP := remoteIP(conn.RemoteAddr())
	reader := bufio.NewReaderSize(deadlineReader{conn: conn, timeout: s.options.ReadTimeout}, s.options.PacketSize)

	line, err := readHandshakeLine(reader)
	if err != nil {
		return ReceiveResult{}, err
	}
	handshake, err := ParseHandshake(line, peerIP)
	if err != nil {
		return ReceiveResult{}, err
	}

	filename := sanitizeComponent(handshake.Filename)
	if filename == "" {
		return ReceiveResult{}, fmt.Errorf("%w: unusable filename %q", ErrMalformedHandshake, handshake.Filename)
	}
	sender := sanitizeComponent(handshake.SenderName)
	if sender == "" {
		sender = UnknownSenderName(peerIP)
	}

	senderDir := filepath.Join(s.options.ReceiveDir, sender)
	if err := os.MkdirAll(senderDir, 0o755); err != nil {
		return ReceiveResult{}, fmt.Errorf("create sender directory %q: %w", senderDir, err)
	}
	target := filepath.Join(senderDir, filename)

	file, err := os.Create(target)
	if err != nil {
		return ReceiveResult{}, fmt.Errorf("create received file %q: %w", target, err)
	}

	hasher, err := newChecksum()
	if err != nil {
		_ = file.Close()
		return ReceiveResult{}, err
	}

	buffer := make([]byte, s.options.PacketSize)
	received, copyErr := io.CopyBuffer(io.MultiWriter(file, hasher), io.LimitReader(reader, handshake.Filesize), buffer)
	closeErr := file.Close()

	result := ReceiveResult{
		SenderName: sender,
		RemoteAddr: conn.RemoteAddr().String(),
		Filename:   filename,
		Path:       target,
		Expected:   handshake.Filesize,
		Received:   received,
		Checksum:   checksumHex(hasher),
		StartedAt:  started,
		FinishedAt: time.Now(),
	}
	if received != handshake.Filesize {
		result.Err = &IncompleteTransferError{Expected: handshake.Filesize, Received: received}
		if copyErr != nil {
			s.options.Logger.Debug("inbound stream ended early",
				slog.String("path", target),
				slog.String("error", copyErr.Error()),
			)
		}
	}
	if closeErr != nil && result.Err == nil {
		result.Err = fmt.Errorf("close received file %q: %w", target, closeErr)
	}
	return result, nil
}

type deadlineReader struct {
	conn    net.Conn
	timeout time.Duration
}

func (r deadlineReader) Read(p []byte) (int, error) {
	if r.timeout > 0 {
		if err := r.conn.SetReadDeadline(time.Now().Add(r.timeout)); err != nil {
			return 0, err
		}
	}
	return r.conn.Read(p)
}

func remoteIP(addr net.Addr) string {
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		return tcpAddr.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
