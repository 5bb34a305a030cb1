// spoly-tab is one tab hosting the recorder widget. It connects to a
// running spoly-hub, shows the widget on stdout, and reads commands from
// stdin: start, pause, stop, send, mute, panel, move X Y, open, close,
// quit.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/satindergrewal/spoly/internal/audio"
	"github.com/satindergrewal/spoly/internal/capture"
	"github.com/satindergrewal/spoly/internal/config"
	"github.com/satindergrewal/spoly/internal/hub"
	"github.com/satindergrewal/spoly/internal/page"
	"github.com/satindergrewal/spoly/internal/relay"
	"github.com/satindergrewal/spoly/internal/session"
	"github.com/satindergrewal/spoly/internal/silence"
	"github.com/satindergrewal/spoly/internal/tabsync"
	"github.com/satindergrewal/spoly/internal/upload"
	"github.com/satindergrewal/spoly/internal/widget"
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

	var tabID, tabURL, pageIn, pageOut string
	flagSet := pflag.NewFlagSet("spoly-tab", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.HubAddress, "hub", cfg.HubAddress, "address of the running spoly-hub")
	flagSet.StringVar(&tabID, "id", uuid.NewString(), "tab identifier")
	flagSet.StringVar(&tabURL, "url", "https://meet.google.com/", "URL of the page this tab shows")
	flagSet.StringVar(&pageIn, "page-in", "", "file or FIFO carrying messages from the hosted page")
	flagSet.StringVar(&pageOut, "page-out", "", "file receiving messages for the hosted page")
	flagSet.IntVar(&cfg.MonitorPort, "monitor-port", cfg.MonitorPort, "serve the live mix on this port (0 disables)")
	flagSet.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level()})).
		With("tab", tabID)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tab := relay.Tab{ID: tabID, URL: tabURL}
	client, err := hub.Dial(ctx, cfg.HubAddress, tab, logger)
	if err != nil {
		return fmt.Errorf("connecting to hub at %s: %w", cfg.HubAddress, err)
	}
	defer client.Close()

	mic := &capture.FFmpegSource{Name: "microphone", Input: strings.Fields(cfg.MicInput), Logger: logger}
	display := &capture.FFmpegSource{Name: "display", Input: strings.Fields(cfg.DisplayInput), Logger: logger}
	term := widget.NewTerminal(os.Stdout, widget.DefaultTheme)

	ctrl, err := session.NewController(session.Config{
		TabID: tabID,
		Store: client,
		Bus:   client,
		NewPipeline: func() session.Pipeline {
			return audio.NewPipeline(audio.Config{
				Microphone: mic,
				Display:    display,
				Formats:    cfg.Formats,
				SpoolDir:   cfg.SpoolDir,
				Encoder:    audio.EncoderOptions{OpusBitrate: cfg.OpusBitrate},
				Logger:     logger,
			})
		},
		Saver: session.DirSaver{Dir: cfg.SaveDir},
		Uploader: upload.New(upload.Config{
			URL:      cfg.UploadURL,
			Compress: cfg.UploadCompress,
			Timeout:  cfg.UploadTimeout,
			Logger:   logger,
		}),
		Alerter: term,
		Silence: silence.Config{
			SilenceThreshold: cfg.SilenceThreshold,
			ResumeThreshold:  cfg.ResumeThreshold,
			Timeout:          cfg.SilenceTimeout,
		},
		Lease:  session.Lease{Heartbeat: cfg.LeaseHeartbeat, Timeout: cfg.LeaseTimeout},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	channel, closePage, err := openPage(pageIn, pageOut, logger)
	if err != nil {
		return err
	}
	defer closePage()
	if channel != nil {
		go channel.Run(ctx)
	}

	agent := tabsync.New(tabsync.Config{
		Tab:          tab,
		Store:        client,
		Bus:          client,
		Controller:   ctrl,
		Widget:       term,
		Page:         channel,
		LeaseTimeout: cfg.LeaseTimeout,
		Logger:       logger,
	})
	agentErr := make(chan error, 1)
	go func() { agentErr <- agent.Run(ctx) }()

	if cfg.MonitorPort > 0 {
		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.MonitorPort),
			Handler: monitorMux(ctrl, cfg.OpusBitrate, logger),
		}
		go func() {
			logger.Info("live monitor listening", "port", cfg.MonitorPort)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("live monitor failed", "error", err)
			}
		}()
		defer srv.Close()
	}

	go readCommands(ctx, os.Stdin, agent, cancel, logger)

	select {
	case err := <-agentErr:
		return err
	case <-client.Done():
		cancel()
		<-agent.Done()
		return fmt.Errorf("hub connection lost: %w", client.Err())
	}
}

// readCommands feeds stdin lines to the agent until quit or EOF.
func readCommands(ctx context.Context, in io.Reader, agent *tabsync.Agent, quit context.CancelFunc, logger *slog.Logger) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		act, ok, done, err := parseCommand(scanner.Text())
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			continue
		}
		if done {
			break
		}
		if !ok {
			continue
		}
		if err := agent.Do(ctx, act); err != nil {
			logger.Debug("command dropped", "error", err)
			return
		}
	}
	quit()
}

// openPage builds the page channel when either side is configured.
func openPage(inPath, outPath string, logger *slog.Logger) (*page.Channel, func(), error) {
	if inPath == "" && outPath == "" {
		return nil, func() {}, nil
	}
	var closers []io.Closer
	closeAll := func() {
		for _, c := range closers {
			c.Close()
		}
	}

	var in io.Reader
	if inPath != "" {
		f, err := os.Open(inPath)
		if err != nil {
			return nil, nil, fmt.Errorf("opening page input: %w", err)
		}
		closers = append(closers, f)
		in = f
	}
	out := io.Discard
	if outPath != "" {
		f, err := os.OpenFile(outPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("opening page output: %w", err)
		}
		closers = append(closers, f)
		out = f
	}
	return page.NewChannel(in, out, logger), closeAll, nil
}
