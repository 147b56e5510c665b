package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"madoka-go-home/internal/ble"
	"madoka-go-home/internal/controller"
	"madoka-go-home/internal/frame"
	"madoka-go-home/internal/simulator"
	"madoka-go-home/internal/store"
	"madoka-go-home/internal/trace"
	"madoka-go-home/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
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

	logger, logOut, err := newLogger(cfg.Log)
	if err != nil {
		bootLogger.Error("create logger", "err", err)
		os.Exit(1)
	}
	defer logOut.Close()
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("madoka-home stopped", "err", err)
		os.Exit(1)
	}
	logger.Info("goodbye")
}

func run(cfg *Config, logger *slog.Logger) error {
	logger.Info("madoka-home starting", "version", version, "address", cfg.Unit.Address, "link", cfg.Unit.Link)

	sum, err := frame.ChecksumByName(cfg.Protocol.Checksum)
	if err != nil {
		return err
	}
	codec := frame.NewCodec(sum)

	db, err := store.NewBoltStore(cfg.Store.Path, store.WithMaxHistory(cfg.Store.MaxHistory))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	link, evictor, closeLink, err := openLink(cfg.Unit, codec, logger)
	if err != nil {
		return fmt.Errorf("open link: %w", err)
	}
	defer closeLink()

	opts := []controller.Option{controller.WithCodec(codec)}
	if cfg.Trace.Path != "" {
		tw, err := trace.Create(cfg.Trace.Path)
		if err != nil {
			return fmt.Errorf("open trace: %w", err)
		}
		defer tw.Close()
		logger.Info("tracing protocol", "path", cfg.Trace.Path, "session", tw.SessionID())
		opts = append(opts, controller.WithTracer(tw))
	}

	ctrl := controller.New(link, evictor, controller.Config{
		Address:          cfg.Unit.Address,
		ForceDisconnect:  cfg.Unit.ForceDisconnect,
		DiscoveryTimeout: cfg.Unit.DiscoveryTimeout,
		ExchangeTimeout:  cfg.Protocol.ExchangeTimeout,
		ExchangeRetries:  cfg.Protocol.ExchangeRetries,
		FailureThreshold: cfg.Protocol.FailureThreshold,
		ConfirmAttempts:  cfg.Protocol.ConfirmAttempts,
		ConfirmInterval:  cfg.Protocol.ConfirmInterval,
		Retry: controller.RetryConfig{
			MaxAttempts:  cfg.Retry.MaxAttempts,
			InitialDelay: cfg.Retry.InitialDelay,
			MaxDelay:     cfg.Retry.MaxDelay,
			Jitter:       cfg.Retry.Jitter,
		},
	}, logger, opts...)
	defer ctrl.Stop()

	poll := newPoller(ctrl, db, cfg.Daemon.UpdateInterval, logger)
	poll.seed()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A unit that is out of reach at boot is picked up by the poll loop.
	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if err := ctrl.Start(startCtx); err != nil {
		logger.Warn("initial connect failed", "err", err)
	}
	cancel()

	// Start automation engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(ctrl, cfg, logger)
	defer auto.Stop()

	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithHistory(db), web.WithVersion(version))
	webOpts = append(webOpts, autoWebOpts...)

	webServer := web.NewServer(ctrl, logger, webOpts...)
	defer webServer.Stop()

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	if cfg.Web.MDNS {
		adv, err := advertise(cfg)
		if err != nil {
			logger.Warn("mdns advertisement disabled", "err", err)
		} else {
			defer adv.Shutdown()
			logger.Info("advertising over mdns", "service", web.ServiceType)
		}
	}

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(ctrl, cfg, logger)
	defer mqtt.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return poll.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// openLink builds the configured transport. The close func releases it.
func openLink(cfg UnitConfig, codec *frame.Codec, logger *slog.Logger) (ble.Link, ble.Evictor, func(), error) {
	switch cfg.Link {
	case "ble", "":
		logger.Info("using HCI adapter", "adapter", cfg.Adapter)
		return ble.NewTinygoLink(cfg.Adapter, logger), ble.Bluetoothctl{}, func() {}, nil
	case "serial":
		logger.Info("using serial BLE gateway", "port", cfg.SerialPort, "baud", cfg.SerialBaud)
		l, err := ble.OpenSerialLink(cfg.SerialPort, cfg.SerialBaud, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		return l, ble.NoopEvictor{}, func() { l.Close() }, nil
	case "simulator":
		logger.Warn("using the simulated unit")
		return simulator.New(codec, logger), ble.NoopEvictor{}, func() {}, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown link %q (supported: ble, serial, simulator)", cfg.Link)
	}
}

func advertise(cfg *Config) (*web.Advertiser, error) {
	_, portStr, err := net.SplitHostPort(cfg.Web.Listen)
	if err != nil {
		return nil, fmt.Errorf("web.listen: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("web.listen port %q: %w", portStr, err)
	}
	return web.Advertise(web.AdvertiseConfig{
		Port:      port,
		Interface: cfg.Web.MDNSInterface,
		Address:   cfg.Unit.Address,
		Version:   version,
		APIKey:    cfg.Web.APIKey != "",
	})
}
