package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"thingrpc/internal/core"
	"thingrpc/internal/integration/mock"
	"thingrpc/internal/jsonrpc"
	"thingrpc/internal/luaplugin"
	"thingrpc/internal/metrics"
	"thingrpc/internal/store"
	"thingrpc/internal/transport"
	"thingrpc/internal/types"
	"thingrpc/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "thingd.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("thingd starting", "version", version)

	if err := run(cfg, logger); err != nil {
		logger.Error("thingd failed", "err", err)
		os.Exit(1)
	}
	logger.Info("goodbye")
}

func run(cfg *Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	if cfg.VendorsFile != "" {
		prefixes, err := loadVendors(cfg.VendorsFile)
		if err != nil {
			return err
		}
		n, err := db.ImportVendors(prefixes)
		if err != nil {
			return err
		}
		logger.Info("vendor prefixes imported", "count", n)
	}

	catalog := types.NewCatalog(logger)
	if err := types.LoadCatalogDir(cfg.CatalogDir, catalog, logger); err != nil {
		return err
	}

	bus := core.NewEventBus(logger)
	things := core.NewThingManager(catalog, db, bus, logger, core.WithHookTimeout(cfg.HookTimeout))
	if cfg.Mock.Enabled {
		m := mock.New(mock.Config{
			DiscoveryDelay: cfg.Mock.DiscoveryDelay,
			PairingDelay:   cfg.Mock.PairingDelay,
			PollInterval:   cfg.Mock.PollInterval,
		})
		if err := things.AddIntegration(m); err != nil {
			return err
		}
	}
	plugins, err := luaplugin.LoadDir(cfg.PluginsDir, logger)
	if err != nil {
		return err
	}
	for _, p := range plugins {
		if err := things.AddIntegration(p); err != nil {
			logger.Error("add lua plugin", "plugin", p.Metadata().ID, "err", err)
		}
	}

	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = things.Start(startCtx)
	cancel()
	if err != nil {
		return err
	}
	defer things.Stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	protoMetrics, err := metrics.NewProtocol(reg, "server")
	if err != nil {
		return err
	}

	rs := core.NewRuleService(things, db, bus, protoMetrics, logger)
	if err := rs.Start(); err != nil {
		return err
	}
	defer rs.Stop()

	rpc := jsonrpc.NewServer(jsonrpc.ServerInfo{
		Server:  "thingd",
		Name:    cfg.Server.Name,
		Version: version,
		UUID:    cfg.Server.UUID,
		Locale:  cfg.Server.Locale,
	}, jsonrpc.WithServerLogger(logger), jsonrpc.WithServerMetrics(protoMetrics), jsonrpc.WithReplyTimeout(cfg.ReplyTimeout))
	core.RegisterAll(rpc, things, rs, db)
	notifier := core.NewNotifier(bus, rpc, cfg.NotifyQueue, logger)

	serve := func(ctx context.Context, rwc io.ReadWriteCloser) {
		if err := rpc.ServeConn(ctx, rwc); err != nil {
			logger.Debug("connection ended", "err", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return notifier.Run(gctx) })

	if cfg.Listen.TCP != "" {
		g.Go(func() error { return transport.ListenTCP(gctx, cfg.Listen.TCP, serve, logger) })
	}
	if cfg.Serial.Port != "" {
		g.Go(func() error { return transport.ServeSerial(gctx, cfg.Serial.Port, cfg.Serial.Baud, serve, logger) })
	}

	var webServer *web.Server
	if cfg.Listen.HTTP != "" {
		webOpts := []web.ServerOption{
			web.WithVersion(version),
			web.WithProtocol(transport.NewWebSocketHandler(gctx, serve, logger, cfg.Web.AllowedOrigins)),
			web.WithMetrics(metrics.Handler(reg)),
			web.WithRules(rs),
		}
		if cfg.Web.APIKey != "" {
			webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
		}
		if len(cfg.Web.AllowedOrigins) > 0 {
			webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
		}
		webServer = web.NewServer(things, bus, logger, webOpts...)

		httpServer := &http.Server{
			Addr:        cfg.Listen.HTTP,
			Handler:     webServer,
			ReadTimeout: 15 * time.Second,
			IdleTimeout: 120 * time.Second,
		}
		g.Go(func() error {
			logger.Info("web server starting", "addr", cfg.Listen.HTTP)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(things, bus, cfg, logger)

	err = g.Wait()
	logger.Info("shutting down")
	mqtt.Stop()
	if webServer != nil {
		webServer.Stop()
	}
	if n := notifier.Dropped(); n > 0 {
		logger.Warn("notifications dropped during run", "count", n)
	}
	return err
}
