package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"interact/config"
	"interact/discovery"
	"interact/metrics"
	"interact/models"
	"interact/network"
	"interact/storage"
)

func runDaemon(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	self, err := a.registerSelf()
	if err != nil {
		return err
	}
	offline, err := a.store.MarkPeersOffline()
	if err != nil {
		return err
	}

	fmt.Printf("Device ID:       %s\n", a.cfg.DeviceID)
	fmt.Printf("Device Name:     %s\n", self.Name)
	fmt.Printf("Address:         %s\n", self.Address)
	fmt.Printf("Listening Port:  %d\n", self.Port)
	fmt.Printf("Liveness Port:   %d\n", a.cfg.LivenessPort)
	fmt.Printf("Receive Dir:     %s\n", a.cfg.ReceiveDir)
	fmt.Printf("Config File:     %s\n", a.cfgPath)
	a.logger.Debug("directory entries reset", slog.Int64("offline", offline))

	metrics.Register(prometheus.DefaultRegisterer)

	var group errgroup.Group

	if a.cfg.MetricsAddr != "" {
		startMetricsServer(ctx, &group, a.cfg.MetricsAddr, a.logger)
	}

	startListeners(ctx, &group, a.cfg, a.store, a.logger)

	discoveryService, err := discovery.New(
		discovery.Config{Directory: a.store, Logger: a.logger},
		discovery.ProberConfig{Port: a.cfg.LivenessPort},
	)
	if err != nil {
		return fmt.Errorf("create discovery: %w", err)
	}
	if err := discoveryService.Browse(); err != nil {
		a.logger.Error("discovery startup failed", slog.String("error", err.Error()))
	} else {
		fmt.Println("Discovery:       running")
	}
	group.Go(func() error {
		logDiscoveryEvents(ctx, discoveryService.Browser.Events(), a.logger)
		return nil
	})

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")

	discoveryService.Stop()
	if err := group.Wait(); err != nil {
		a.logger.Error("shutdown with error", slog.String("error", err.Error()))
	}
	return nil
}

// startListeners binds the liveness and transfer ports and serves each one that bound. A port
// that is taken is logged and skipped; the other listener keeps running.
func startListeners(ctx context.Context, group *errgroup.Group, cfg *config.DeviceConfig, recorder network.Recorder, logger *slog.Logger) (*discovery.LivenessServer, *network.Server) {
	liveness, err := discovery.ListenLiveness(fmt.Sprintf(":%d", cfg.LivenessPort), logger)
	if err != nil {
		logger.Error("liveness server unavailable", slog.String("error", err.Error()))
	} else {
		group.Go(func() error {
			return liveness.Serve(ctx)
		})
	}

	server, err := network.Listen(fmt.Sprintf(":%d", cfg.ListeningPort), network.ServerOptions{
		ReceiveDir:             cfg.ReceiveDir,
		PacketSize:             cfg.PacketSize,
		MaxConcurrentTransfers: int64(cfg.MaxConcurrentTransfers),
		Recorder:               recorder,
		Logger:                 logger,
	})
	if err != nil {
		logger.Error("transfer server unavailable", slog.String("error", err.Error()))
	} else {
		group.Go(func() error {
			return server.Serve(ctx)
		})
	}
	return liveness, server
}

func startMetricsServer(ctx context.Context, group *errgroup.Group, addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})

	group.Go(func() error {
		logger.Info("metrics listening", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server unavailable", slog.String("error", err.Error()))
		}
		return nil
	})
}

func logDiscoveryEvents(ctx context.Context, events <-chan discovery.Event, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-events:
			switch event.Type {
			case discovery.EventPeerUpserted:
				logger.Debug("peer available",
					slog.String("name", event.Peer.Name),
					slog.String("address", event.Peer.Address),
					slog.Int("port", event.Peer.Port),
				)
			case discovery.EventPeerRemoved:
				logger.Debug("peer gone", slog.String("name", event.Peer.Name))
			}
		}
	}
}

func (a *app) registerSelf() (models.Peer, error) {
	address := a.cfg.IPAddress
	if address == "" {
		detected, err := config.DetectIPAddress()
		if err != nil {
			a.logger.Warn("falling back to loopback address", slog.String("error", err.Error()))
			detected = "127.0.0.1"
		}
		address = detected
	}

	self := models.Peer{
		Name:      a.cfg.DeviceName,
		Address:   address,
		Port:      a.cfg.ListeningPort,
		Self:      true,
		Status:    models.StatusOnline,
		TrustMode: models.TrustManual,
		LastSeen:  time.Now(),
	}
	if err := a.store.SetSelf(self); err != nil {
		return models.Peer{}, fmt.Errorf("register this device: %w", err)
	}
	return self, nil
}

func (a *app) newProber() (*discovery.Prober, error) {
	return discovery.NewProber(discovery.ProberConfig{
		Port:      a.cfg.LivenessPort,
		Directory: a.store,
		Logger:    a.logger,
	})
}

func runSend(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	to := fs.String("to", "", "receiver name from the directory")
	addr := fs.String("addr", "", "receiver address, overrides the directory entry")
	port := fs.Int("port", 0, "receiver transfer port")
	verify := fs.Bool("verify", true, "check the liveness port before sending")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: interact send -to NAME [-addr IP -port N] FILE")
	}
	path := fs.Arg(0)

	name, address, targetPort := *to, *addr, *port
	if address == "" {
		if name == "" {
			return errors.New("either -to or -addr is required")
		}
		peer, err := a.store.GetPeer(name)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("peer %q is not in the directory (use add or peers -save): %w", name, err)
			}
			return err
		}
		address = peer.Address
		if targetPort == 0 {
			targetPort = peer.Port
		}
	}
	if targetPort == 0 {
		targetPort = config.DefaultListeningPort
	}

	if *verify {
		prober, err := a.newProber()
		if err != nil {
			return err
		}
		if !prober.Verify(ctx, name, address, targetPort) {
			return fmt.Errorf("peer at %s is not reachable on liveness port %d", address, a.cfg.LivenessPort)
		}
	}

	client, err := network.NewClient(network.ClientOptions{
		SelfName:   a.cfg.DeviceName,
		PacketSize: a.cfg.PacketSize,
		Recorder:   a.store,
		Logger:     a.logger,
	})
	if err != nil {
		return err
	}

	result, err := client.Send(ctx, path, name, address, targetPort)
	if err != nil {
		return err
	}
	fmt.Printf("sent %s (%d bytes) in %s\nblake2b-256 %s\n", result.Filename, result.Bytes, result.Duration.Round(time.Millisecond), result.Checksum)
	return nil
}

func runPeers(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("peers", flag.ContinueOnError)
	scan := fs.Duration("scan", discovery.DefaultScanTimeout, "how long to listen for announcements")
	save := fs.String("save", "", "comma-separated discovered peers to save as contacts")
	if err := fs.Parse(args); err != nil {
		return err
	}

	browser, err := discovery.NewBrowser(discovery.Config{
		Directory:   a.store,
		Logger:      a.logger,
		ScanTimeout: *scan,
	})
	if err != nil {
		return err
	}
	if err := browser.Refresh(ctx); err != nil {
		return fmt.Errorf("scan network: %w", err)
	}

	if *save != "" {
		names := strings.Split(*save, ",")
		for i := range names {
			names[i] = strings.TrimSpace(names[i])
		}
		if err := browser.SaveAsContacts(names...); err != nil {
			return err
		}
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DISCOVERED\tADDRESS\tPORT\tSTATUS")
	for _, peer := range browser.ListPeers() {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", peer.Name, peer.Address, peer.Port, peer.Status)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	contacts, err := a.store.ListPeers()
	if err != nil {
		return err
	}
	fmt.Println()
	w = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CONTACT\tADDRESS\tPORT\tSTATUS\tMODE\tLAST ACTIVE")
	for _, peer := range contacts {
		lastActive := "-"
		if !peer.LastSeen.IsZero() {
			lastActive = peer.LastSeen.Local().Format(time.DateTime)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n", peer.Name, peer.Address, peer.Port, peer.Status, peer.TrustMode, lastActive)
	}
	return w.Flush()
}

func runAdd(_ context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("add", flag.ContinueOnError)
	name := fs.String("name", "", "peer name")
	addr := fs.String("addr", "", "peer IP address")
	port := fs.Int("port", config.DefaultListeningPort, "peer transfer port")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" || *addr == "" {
		return errors.New("usage: interact add -name NAME -addr IP [-port N]")
	}

	if err := a.store.AddPeer(models.Peer{
		Name:      *name,
		Address:   *addr,
		Port:      *port,
		Status:    models.StatusOffline,
		TrustMode: models.TrustManual,
	}); err != nil {
		return fmt.Errorf("add peer %q: %w", *name, err)
	}
	fmt.Printf("added %s at %s:%d\n", *name, *addr, *port)
	return nil
}

func runVerify(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: interact verify NAME")
	}

	peer, err := a.store.GetPeer(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("look up peer %q: %w", fs.Arg(0), err)
	}
	prober, err := a.newProber()
	if err != nil {
		return err
	}

	status := models.StatusOffline
	if prober.Verify(ctx, peer.Name, peer.Address, peer.Port) {
		status = models.StatusOnline
	}
	fmt.Printf("%s (%s:%d) is %s\n", peer.Name, peer.Address, peer.Port, status)
	return nil
}

func runHistory(_ context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	peer := fs.String("peer", "", "only show transfers with this peer")
	limit := fs.Int("limit", 20, "maximum rows")
	if err := fs.Parse(args); err != nil {
		return err
	}

	transfers, err := a.store.ListTransfers(*peer, *limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "FINISHED\tDIRECTION\tPEER\tFILE\tBYTES\tSTATUS")
	for _, transfer := range transfers {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			transfer.FinishedAt.Local().Format(time.DateTime),
			transfer.Direction,
			transfer.PeerName,
			transfer.Filename,
			transfer.TransferredBytes,
			transfer.ExpectedBytes,
			transfer.Status,
		)
	}
	return w.Flush()
}
