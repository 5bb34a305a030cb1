// spoly-hub is the background coordinator. It owns the shared store and
// the relay, serves both to tab processes over a socket, and shows
// notifications. SIGUSR1 toggles the widget in every tab, like the
// toolbar button.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/satindergrewal/spoly/internal/background"
	"github.com/satindergrewal/spoly/internal/config"
	"github.com/satindergrewal/spoly/internal/hub"
	"github.com/satindergrewal/spoly/internal/relay"
	"github.com/satindergrewal/spoly/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	flagSet := pflag.NewFlagSet("spoly-hub", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.HubAddress, "address", cfg.HubAddress, "unix socket path or host:port to listen on")
	flagSet.StringVar(&cfg.StatePath, "state", cfg.StatePath, "sqlite database holding the shared state")
	flagSet.BoolVar(&cfg.Notify, "notify", cfg.Notify, "show desktop notifications")
	flagSet.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level()}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.OpenSQLite(store.SQLiteConfig{Path: cfg.StatePath, Logger: logger})
	if err != nil {
		return err
	}
	defer st.Close()

	bus := relay.NewHub(logger)
	defer bus.Close()

	var notifier background.Notifier = background.LogNotifier{Logger: logger}
	if cfg.Notify {
		notifier = background.Desktop{}
	}
	coord := background.New(background.Config{Store: st, Bus: bus, Notifier: notifier, Logger: logger})
	go coord.Run(ctx)

	toggle := make(chan os.Signal, 1)
	signal.Notify(toggle, syscall.SIGUSR1)
	defer signal.Stop(toggle)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-toggle:
				active, err := coord.Toggle(ctx)
				if err != nil {
					logger.Warn("toggle widget", "error", err)
					continue
				}
				logger.Info("widget toggled", "active", active)
			}
		}
	}()

	listener, err := hub.Listen(cfg.HubAddress)
	if err != nil {
		return err
	}
	logger.Info("shared state opened", "path", cfg.StatePath)

	return hub.NewServer(st, bus, logger).Serve(ctx, listener)
}
