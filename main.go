package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"interact/config"
	"interact/storage"
)

const usage = `usage: interact <command> [flags]

commands:
  run       announce this device, discover peers and receive files
  send      send a file to a peer
  peers     scan the network and list peers
  add       add a peer to the directory manually
  verify    check whether a peer answers on the liveness port
  history   list recent transfers
`

// app holds what every subcommand needs.
type app struct {
	cfg     *config.DeviceConfig
	cfgPath string
	dataDir string
	store   *storage.Store
	logger  *slog.Logger
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "interact: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return errors.New("missing command")
	}

	command := args[0]
	var handler func(context.Context, *app, []string) error
	switch command {
	case "run":
		handler = runDaemon
	case "send":
		handler = runSend
	case "peers":
		handler = runPeers
	case "add":
		handler = runAdd
	case "verify":
		handler = runVerify
	case "history":
		handler = runHistory
	case "help", "-h", "--help":
		fmt.Fprint(os.Stdout, usage)
		return nil
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return handler(ctx, a, args[1:])
}

func openApp() (*app, error) {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	dataDir := filepath.Dir(cfgPath)
	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	logger.Debug("storage opened", slog.String("config", cfgPath), slog.String("database", dbPath))

	return &app{
		cfg:     cfg,
		cfgPath: cfgPath,
		dataDir: dataDir,
		store:   store,
		logger:  logger,
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("database close error", slog.String("error", err.Error()))
	}
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	level := parseLogLevel(levelRaw)
	options := &slog.HandlerOptions{Level: level}
	format := strings.ToLower(strings.TrimSpace(formatRaw))
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, options))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, options))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
