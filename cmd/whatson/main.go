package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"whatson/internal/config"
	"whatson/internal/events"
	appLog "whatson/internal/log"
	"whatson/internal/offline"
	"whatson/internal/scheduler"
	"whatson/internal/web"
)

const version = "0.1.0"

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	envFile    string
	listen     string
	once       bool
}

func main() {
	flags := parseFlags()

	if err := config.LoadDotEnv(flags.envFile); err != nil {
		appLog.Error("failed to load env file", err, "path", flags.envFile)
	}

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	conf.ApplyEnv(os.LookupEnv)

	// CLI --listen overrides config file and environment.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if err := conf.Validate(); err != nil {
		appLog.Error("invalid config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))
	appLog.Info("whatson starting", "version", version)

	loc, err := conf.Location()
	if err != nil {
		appLog.Error("failed to load timezone; using local", err)
	}

	appLog.Info("effective config",
		"listen", conf.Listen,
		"origin", conf.Origin,
		"feed", conf.Feed(),
		"timezone", loc.String(),
		"cache_backend", conf.Cache.Backend,
		"cache_version", conf.Cache.Version,
		"manifest", len(conf.Cache.Manifest),
		"refresh", conf.RefreshCron,
		"once", flags.once,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	if err := run(ctx, conf, loc, flags.once); err != nil {
		appLog.Error("whatson failed", err)
		os.Exit(1)
	}
	appLog.Info("whatson exiting")
}

func run(ctx context.Context, conf *config.Config, loc *time.Location, once bool) error {
	store, closeStore, err := openStore(ctx, conf.Cache)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			appLog.Error("failed to close cache store", err)
		}
	}()

	metrics, err := offline.NewMetrics(prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	proxy, err := offline.New(offline.Config{
		Origin:   conf.Origin,
		Version:  conf.Cache.Version,
		Manifest: conf.Cache.Manifest,
		FeedPath: conf.Cache.FeedPath,
		Client:   &http.Client{Timeout: conf.Cache.Timeout},
		Store:    store,
		Metrics:  metrics,
	})
	if err != nil {
		return err
	}
	defer proxy.Wait()

	loader := events.NewLoader(conf.Feed(), loc)
	loader.HorizonDays = conf.HorizonDays
	loader.Client.Timeout = conf.Cache.Timeout
	// Feeds hosted on the origin share the proxy's stale-while-revalidate
	// cache with the site's pages.
	if strings.HasPrefix(conf.Feed(), conf.Origin+"/") {
		loader.Client.Transport = proxy.RoundTripper()
	}

	srv := web.NewServer(conf, web.Deps{Source: loader, Site: proxy, Location: loc})
	defer srv.Close()

	sched, err := scheduler.New(conf.RefreshCron, loc,
		scheduler.Job{Name: "shell", Run: func(ctx context.Context) error {
			// Start installs and activates; later runs only refresh the shell.
			if !proxy.Active() {
				return proxy.Start(ctx)
			}
			return proxy.Install(ctx)
		}},
		scheduler.Job{Name: "feed", Run: srv.Refresh},
	)
	if err != nil {
		return err
	}

	if once {
		err := sched.RunOnce(ctx)
		appLog.Info("single refresh finished", "proxy_active", proxy.Active(), "ok", err == nil)
		return err
	}

	// A failed first cycle is not fatal: the proxy passes requests through
	// until the next scheduled run installs the shell.
	_ = sched.RunOnce(ctx)

	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	httpServer := &http.Server{
		Addr:              conf.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+conf.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLog.Error("http shutdown failed", err)
	}
	return nil
}

// openStore builds the configured cache backend and a matching close func.
func openStore(ctx context.Context, cc config.CacheConfig) (offline.Store, func() error, error) {
	noop := func() error { return nil }

	switch cc.Backend {
	case config.BackendDisk:
		d, err := offline.NewDiskStore(cc.Dir)
		if err != nil {
			return nil, nil, fmt.Errorf("open disk cache: %w", err)
		}
		return d, noop, nil

	case config.BackendSQLite:
		if err := os.MkdirAll(cc.Dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create cache dir: %w", err)
		}
		db, err := offline.OpenSQLite(filepath.Join(cc.Dir, "offline.db"))
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite cache: %w", err)
		}
		s, err := offline.NewSQLStore(ctx, db)
		if err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("init sqlite cache: %w", err)
		}
		return s, s.Close, nil

	default:
		return offline.NewMemoryStore(), noop, nil
	}
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "./config.yaml", "Path to config file")
	flag.StringVar(&cfg.envFile, "env", ".env", "Optional KEY=VALUE file with WHATSON_* overrides")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Install the offline shell, load the feed once and exit")

	flag.Parse()

	return cfg
}
