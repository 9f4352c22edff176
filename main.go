package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/paneldns/paneldns/internal/backend"
	"github.com/paneldns/paneldns/internal/config"
	"github.com/paneldns/paneldns/internal/logger"
	"github.com/paneldns/paneldns/internal/metrics"
	"github.com/paneldns/paneldns/internal/peersync"
	"github.com/paneldns/paneldns/internal/queue"
	"github.com/paneldns/paneldns/internal/reconcile"
	"github.com/paneldns/paneldns/internal/server"
	"github.com/paneldns/paneldns/internal/store"
	"github.com/paneldns/paneldns/internal/upstream"
	"github.com/paneldns/paneldns/internal/worker"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("fail load config", "error", err)
		os.Exit(1)
	}
	logger.Configure(cfg.Log.Level, cfg.Log.Env)

	m := metrics.New(true)

	st, err := store.Open(cfg.Datastore)
	if err != nil {
		slog.Error("fail open datastore", "error", err)
		os.Exit(1)
	}

	qs, err := queue.Open(cfg.QueuePath, m)
	if err != nil {
		slog.Error("fail open queues", "error", err)
		st.Close()
		os.Exit(1)
	}

	registry := backend.NewRegistry(cfg, m)
	if len(registry.Names()) == 0 {
		slog.Warn("no backends enabled, writes will queue but never land")
	}

	upstreams := make([]*upstream.Client, 0, len(cfg.Upstreams))
	listers := make([]reconcile.UpstreamLister, 0, len(cfg.Upstreams))
	for _, u := range cfg.Upstreams {
		c := upstream.New(u)
		upstreams = append(upstreams, c)
		listers = append(listers, c)
	}

	manager := worker.NewManager(cfg, qs, st, registry, m)
	reconciler := reconcile.NewWorker(cfg.Reconcile, listers, st, qs, registry, m)
	peers := peersync.NewWorker(cfg, st, qs, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg := &sync.WaitGroup{}
	manager.Start(ctx, wg)
	reconciler.Start(ctx, wg)
	peers.Start(ctx, wg)

	if cfg.Register.Enabled {
		go registerOnUpstreams(ctx, cfg, upstreams)
	}

	srv := server.New(cfg, st, qs, registry, m, manager, reconciler, peers).HTTPServer()
	serverErr := make(chan error, 1)
	go func() {
		slog.Info("starting http server", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		slog.Error("http server failed", "error", err)
		exitCode = 1
	}

	// Stop accepting new pushes first; anything already queued is durable
	// and will be drained on next start if the workers do not get to it.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("fail shut down http server", "error", err)
	}

	cancel()
	wg.Wait()

	if err := qs.Close(); err != nil {
		slog.Error("fail close queues", "error", err)
	}
	if err := st.Close(); err != nil {
		slog.Error("fail close datastore", "error", err)
	}

	slog.Info("shutdown complete")
	os.Exit(exitCode)
}

// registerOnUpstreams adds this node as an extra DNS server on every
// configured upstream. Best effort: a failure is logged and the daemon keeps
// running, the panel admin can always register manually.
func registerOnUpstreams(ctx context.Context, cfg *config.Config, upstreams []*upstream.Client) {
	host := cfg.Register.Host
	if host == "" {
		host = cfg.Hostname
	}
	for _, c := range upstreams {
		regCtx, cancel := context.WithTimeout(ctx, time.Minute)
		err := c.EnsureExtraDNSServer(regCtx, host, cfg.Register.Port,
			cfg.Auth.AppUsername, cfg.Auth.AppPassword, cfg.Register.SSL)
		cancel()
		if err != nil {
			slog.Warn("fail register as extra dns server", "upstream", c.Hostname(), "error", err)
			continue
		}
		slog.Info("registered as extra dns server", "upstream", c.Hostname(), "host", host)
	}
}
