// Package main runs the NWS alert push notifier: it polls the active-alerts
// feed, drops everything already delivered, and pushes the remainder as
// geotargeted notifications through the GoodBarber dashboard.
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
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"nws-notifier/config"
	"nws-notifier/dashboard"
	"nws-notifier/feed"
	"nws-notifier/geometry"
	"nws-notifier/logging"
	"nws-notifier/poll"
	"nws-notifier/server"
	"nws-notifier/storage"
)

func main() {
	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Notifier exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to optional YAML config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger, closeLogs, err := logging.New(cfg.LogDir, level)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer func() {
		if err := closeLogs(); err != nil {
			fmt.Fprintf(os.Stderr, "close log file: %v\n", err)
		}
	}()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.SeenDBPath, logger)
	if err != nil {
		return fmt.Errorf("open seen store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("Failed to close seen store", "error", err)
		}
	}()

	fetcher := feed.New(
		&http.Client{Timeout: 30 * time.Second},
		logger,
		feed.Config{
			URL:       cfg.FeedURL,
			UserAgent: cfg.UserAgent,
			Attempts:  cfg.FetchAttempts,
			BaseDelay: cfg.RetryBaseDelay,
			MaxDelay:  cfg.RetryMaxDelay,
		},
	)

	sessions, err := dashboard.NewSessionManager(dashboard.Config{
		BaseURL:       cfg.DashboardBase,
		Login:         cfg.DashboardLogin,
		Password:      cfg.DashboardPassword,
		CookieJarPath: cfg.CookieJarPath,
		LoginAttempts: cfg.LoginAttempts,
		BaseDelay:     cfg.RetryBaseDelay,
		MaxDelay:      cfg.RetryMaxDelay,
	}, logger)
	if err != nil {
		return fmt.Errorf("init dashboard session: %w", err)
	}

	pusher := dashboard.NewPusher(sessions, logger, cfg.PushMinInterval)

	monitor := poll.New(fetcher, store, pusher, sessions, logger, poll.Config{
		Interval:      cfg.PollInterval,
		Workers:       cfg.Workers,
		PushAttempts:  cfg.PushAttempts,
		BaseDelay:     cfg.RetryBaseDelay,
		MaxDelay:      cfg.RetryMaxDelay,
		IgnoredEvents: cfg.IgnoredEvents,
		Retention:     cfg.Retention(),
		Simplify: geometry.Options{
			SimplifyEnabled: cfg.SimplifyEnabled,
			Tolerance:       cfg.SimplifyTolerance,
			MaxPoints:       cfg.SimplifyMaxPoints,
		},
		PruneLogs: func(olderThan time.Duration) (int, error) {
			return logging.PruneDir(cfg.LogDir, olderThan)
		},
	})

	logger.Info("Notifier starting",
		"feed_url", cfg.FeedURL,
		"poll_interval", cfg.PollInterval.String(),
		"seen_db", cfg.SeenDBPath)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return monitor.Run(gctx) })

	if cfg.StatusAddr != "" {
		srv := server.New(&server.Config{Stats: monitor, Store: store, Logger: logger})
		g.Go(func() error { return srv.Run(gctx, cfg.StatusAddr) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Notifier stopped")
	return nil
}
