package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bitpoints-cashu/bitpoints.me-sub000/internal/identity"
	"github.com/bitpoints-cashu/bitpoints.me-sub000/internal/mesh"
	"github.com/bitpoints-cashu/bitpoints.me-sub000/internal/meshconfig"
	"github.com/bitpoints-cashu/bitpoints.me-sub000/internal/metrics"
	"github.com/bitpoints-cashu/bitpoints.me-sub000/internal/platform/privacylog"
	"github.com/bitpoints-cashu/bitpoints.me-sub000/internal/transport/lanquic"
	"github.com/bitpoints-cashu/bitpoints.me-sub000/internal/transport/loopback"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to bitpoints.yaml (optional)")
	listen := flag.String("listen", "", "Listen multiaddr override")
	peers := flag.String("peers", "", "Comma-separated peer multiaddrs to dial")
	nickname := flag.String("nickname", "", "Announced nickname override")
	transport := flag.String("transport", "", "Transport override: lan | loopback")
	metricsAddr := flag.String("metrics-addr", "", "Prometheus listen address (optional)")
	logLevel := flag.String("log-level", "info", "Log level: debug | info | warn | error")
	flag.Parse()
	if *showVersion {
		fmt.Printf("bitpointsd version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Flags ride in on the env override path so precedence stays
	// flag > env > file > defaults.
	if *transport != "" {
		_ = os.Setenv("BITPOINTS_TRANSPORT", *transport)
	}
	if *listen != "" {
		_ = os.Setenv("BITPOINTS_LISTEN", *listen)
	}
	if *peers != "" {
		_ = os.Setenv("BITPOINTS_PEERS", *peers)
	}
	if *nickname != "" {
		_ = os.Setenv("BITPOINTS_NICKNAME", *nickname)
	}
	if *metricsAddr != "" {
		_ = os.Setenv("BITPOINTS_METRICS_ADDR", *metricsAddr)
	}

	logger := newLogger(*logLevel)
	slog.SetDefault(logger)

	cfg, err := meshconfig.LoadFromPath(*configPath)
	if err != nil {
		logger.Error("configuration rejected", "error", err)
		os.Exit(1)
	}

	if err := run(ctx, logger, cfg); err != nil {
		logger.Error("bitpointsd failed", "error", err)
		os.Exit(1)
	}
	logger.Info("bitpointsd stopped")
}

func run(ctx context.Context, logger *slog.Logger, cfg meshconfig.Config) error {
	ident, err := identity.Load(cfg.KeystorePath, cfg.Passphrase)
	if err != nil {
		if !errors.Is(err, identity.ErrPersistence) {
			return fmt.Errorf("identity: %w", err)
		}
		logger.Warn("keystore not persisted, identity lives in memory only", "error", err)
	}

	nick := cfg.Nickname
	if nick == "" {
		nick = ident.ShortID()
	}

	var tr mesh.Transport
	switch cfg.Transport {
	case meshconfig.TransportLoopback:
		tr = loopback.New(loopback.NewBus(), loopback.Options{Addr: nick})
	default:
		tr = lanquic.New(lanquic.Options{Listen: cfg.Listen, Logger: logger})
	}

	reg := prometheus.NewRegistry()
	rec := metrics.NewRecorder(reg)

	svc, err := mesh.New(mesh.Options{
		Config:    cfg.Mesh,
		Identity:  ident,
		Transport: tr,
		Logger:    logger,
		Metrics:   rec,
		Nickname:  nick,
	})
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer svc.Stop()

	for _, peer := range cfg.Peers {
		if err := svc.AddPeer(peer); err != nil {
			logger.Warn("peer address rejected", "addr", peer, "error", err)
		}
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		metricsSrv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("metrics listening", "addr", cfg.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutCtx)
		}()
	}

	logger.Info("bitpointsd running",
		"version", version,
		"transport", tr.Name(),
		"peer_id", ident.PeerID().String(),
		"nickname", nick,
	)

	events := svc.Events()
	for {
		select {
		case <-ctx.Done():
			logger.Info("bitpointsd stopping")
			return nil
		case ev := <-events:
			logEvent(logger, ev)
		}
	}
}

func logEvent(logger *slog.Logger, ev mesh.Event) {
	switch ev.Kind {
	case mesh.EventPeerDiscovered:
		logger.Info("peer discovered", "peer_id", ev.PeerID, "nickname", ev.Nickname)
	case mesh.EventPeerLost:
		logger.Info("peer lost", "peer_id", ev.PeerID)
	case mesh.EventSessionEstablished:
		logger.Info("secure session established", "peer_id", ev.PeerID)
	case mesh.EventMessageReceived:
		logger.Info("message received", "peer_id", ev.PeerID, "message_id", ev.MessageID)
	case mesh.EventMessageDelivered:
		logger.Info("message delivered", "peer_id", ev.PeerID, "message_id", ev.MessageID)
	case mesh.EventMessageSendFailed:
		logger.Warn("message send failed", "message_id", ev.MessageID, "reason", ev.Reason)
	case mesh.EventMessageSent:
		logger.Debug("message sent", "peer_id", ev.PeerID, "message_id", ev.MessageID)
	default:
		logger.Debug("mesh event", "kind", string(ev.Kind))
	}
}

func newLogger(level string) *slog.Logger {
	var lv slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lv = slog.LevelDebug
	case "warn":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv})
	return slog.New(privacylog.WrapHandler(handler))
}
