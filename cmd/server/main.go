package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/Profiidev/smaug/discovery"
	"github.com/Profiidev/smaug/internal/config"
	"github.com/Profiidev/smaug/internal/logging"
	"github.com/Profiidev/smaug/internal/telemetry"
	"github.com/Profiidev/smaug/pkg/link"
	"github.com/Profiidev/smaug/pkg/registry"
	"github.com/Profiidev/smaug/pkg/updater"
)

var (
	version = "dev"
	gitSHA  = "unknown"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	// 1. Load configuration and build the logger
	cfg, err := config.LoadServer(args)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer log.Sync()
	telemetry.SetBuildInfo(version, gitSHA)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Open the node store
	store, closeStore, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	// 3. Start one supervisor per node and follow store changes
	updates := updater.New(log)
	defer updates.Close()
	go logUpdates(updates, log)

	reg, err := registry.New(ctx, store, registry.Options{
		Logger: log,
		Link: link.Options{
			RetryDelay:  cfg.Link.RetryDelay,
			DialTimeout: cfg.Link.DialTimeout,
			Broadcaster: updates,
		},
	})
	if err != nil {
		return err
	}
	defer reg.Close()
	go discovery.Follow(ctx, store, reg, cfg.Link.RetryDelay, log)

	// 4. Wire up HTTP endpoints
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", reg.Healthz)
	route := func(method, path string, h http.HandlerFunc) {
		mux.Handle(method+" "+path, telemetry.InstrumentRoute(path, h))
	}
	route(http.MethodGet, "/info", reg.Info)
	route(http.MethodGet, "/links", reg.Links)
	route(http.MethodPost, "/links/{id}/hello", reg.Hello)
	route(http.MethodGet, "/links/{id}/test", reg.Forward)
	mux.Handle("/metrics", telemetry.MetricsHandler())

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		log.Info("Orchestrator listening", zap.String("addr", cfg.ListenAddr), zap.String("version", version))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		log.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(cfg *config.Server, log *zap.Logger) (discovery.Store, func(), error) {
	if len(cfg.Etcd.Endpoints) == 0 {
		static, err := discovery.FromConfig(cfg.Nodes)
		if err != nil {
			return nil, nil, fmt.Errorf("static nodes: %w", err)
		}
		log.Info("Using static node list", zap.Int("nodes", len(static)))
		return static, func() {}, nil
	}

	log.Info("Creating etcd client", zap.Strings("endpoints", cfg.Etcd.Endpoints))
	cli, err := discovery.NewClient(cfg.Etcd.Endpoints, cfg.Etcd.DialTimeout)
	if err != nil {
		return nil, nil, fmt.Errorf("etcd client: %w", err)
	}
	return discovery.NewEtcdStore(cli, cfg.Etcd.Prefix, log), func() { cli.Close() }, nil
}

func logUpdates(hub *updater.Hub, log *zap.Logger) {
	ch, cancel := hub.Subscribe(updater.DefaultBuffer)
	defer cancel()
	for u := range ch {
		log.Debug("Connectivity update", zap.Stringer("node", u.Node), zap.Bool("connected", u.Connected))
	}
}
