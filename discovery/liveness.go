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

	"interact/metrics"
	"interact/models"
	"interact/storage"
)

const (
	// DefaultLivenessPort is the well-known port every device answers on.
	DefaultLivenessPort = 12346
	// DefaultLivenessTimeout bounds one reachability check.
	DefaultLivenessTimeout = 2 * time.Second
)

type dialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// ProberConfig controls liveness checks.
type ProberConfig struct {
	Port      int
	Timeout   time.Duration
	Table     *PeerTable
	Directory Directory
	Logger    *slog.Logger
	Now       func() time.Time

	dialFn dialFunc
}

// Prober checks whether a peer answers on the liveness port.
type Prober struct {
	cfg ProberConfig
}

// NewProber validates cfg and applies defaults.
func NewProber(cfg ProberConfig) (*Prober, error) {
	if cfg.Directory == nil {
		return nil, errors.New("directory is required")
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultLivenessPort
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("liveness port %d out of range", cfg.Port)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultLivenessTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.dialFn == nil {
		dialer := &net.Dialer{}
		cfg.dialFn = dialer.DialContext
	}
	return &Prober{cfg: cfg}, nil
}

// Verify dials address on the liveness port and records the result in the table entry
// matching address and port, and in the directory entry for name when one exists.
func (p *Prober) Verify(ctx context.Context, name, address string, port int) bool {
	target := net.JoinHostPort(address, strconv.Itoa(p.cfg.Port))

	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	online := false
	conn, err := p.cfg.dialFn(dialCtx, "tcp", target)
	if err == nil {
		online = true
		_ = conn.Close()
	}

	status := models.StatusOffline
	if online {
		status = models.StatusOnline
	}
	now := p.cfg.Now()

	if p.cfg.Table != nil {
		p.cfg.Table.SetStatus(address, port, status, now)
	}

	var dirErr error
	switch {
	case name == "":
	case online:
		dirErr = p.cfg.Directory.RecordPeerSighting(name, address, port, now)
	default:
		dirErr = p.cfg.Directory.UpdatePeerStatus(name, status, now)
	}
	if dirErr != nil && !errors.Is(dirErr, storage.ErrNotFound) {
		p.cfg.Logger.Warn("record liveness result failed",
			slog.String("name", name),
			slog.String("error", dirErr.Error()),
		)
	}

	metrics.LivenessChecksTotal.WithLabelValues(status).Inc()
	attrs := []any{
		slog.String("name", name),
		slog.String("target", target),
		slog.String("status", status),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	p.cfg.Logger.Debug("liveness check", attrs...)
	return online
}

// LivenessServer accepts connections on the liveness port and closes them at once.
type LivenessServer struct {
	listener net.Listener
	logger   *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// ListenLiveness binds the liveness port.
func ListenLiveness(address string, logger *slog.Logger) (*LivenessServer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on liveness address %q (free the port or configure another liveness_port): %w", address, err)
	}
	return &LivenessServer{listener: listener, logger: logger}, nil
}

// Addr returns the bound address.
func (s *LivenessServer) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts until ctx is cancelled or Close is called.
func (s *LivenessServer) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		_ = s.Close()
	})
	defer stop()

	s.logger.Info("liveness server listening", slog.String("addr", s.listener.Addr().String()))
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return fmt.Errorf("accept liveness connection: %w", err)
		}
		_ = conn.Close()
	}
}

// Close stops the listener.
func (s *LivenessServer) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.listener.Close()
	})
	return s.closeErr
}
