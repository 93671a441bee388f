// ABOUTME: Entry point for the storechat customer widget console.
// ABOUTME: Single conversation with support, persisted snapshot, optimistic sends.

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"

	"github.com/storechat/engine/internal/channel"
	"github.com/storechat/engine/internal/chat"
	"github.com/storechat/engine/internal/config"
	"github.com/storechat/engine/internal/conn"
	"github.com/storechat/engine/internal/localstore"
	"github.com/storechat/engine/internal/session"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "widget.yaml", "Path to the session config file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Session.Role != "customer" {
		return fmt.Errorf("config role is %q, expected customer", cfg.Session.Role)
	}

	logger := setupLogger(cfg.Logging)

	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	cyan.Println("storechat")
	gray.Printf("version: %s\n\n", version)

	var snapshots session.Snapshotter
	if cfg.Snapshot.Path != "" {
		store, err := localstore.Open(cfg.Snapshot.Path)
		if err != nil {
			// Best-effort cache: run without it rather than fail.
			logger.Warn("snapshot store unavailable", "error", err)
		} else {
			defer store.Close()
			snapshots = store
		}
	}

	identity := conn.Identity{
		ParticipantID: cfg.Session.ParticipantID,
		Role:          chat.RoleCustomer,
	}
	mgr := conn.NewManager(
		channel.NewWebSocketDialer(cfg.Server.ChannelURL),
		conn.Options{
			SendTimeout:  cfg.Session.SendTimeout,
			ReconnectMin: cfg.Session.ReconnectMin,
			ReconnectMax: cfg.Session.ReconnectMax,
		},
		logger,
	)

	sess := session.NewCustomerSession(identity, mgr, snapshots, cfg.Session.MatchWindow, logger)
	defer sess.Close()

	go printEvents(ctx, sess)
	go watchState(ctx, mgr)

	if err := sess.Start(ctx); err != nil {
		return fmt.Errorf("starting session: %w", err)
	}

	for _, m := range sess.Messages() {
		printMessage(m)
	}

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "/quit" {
			return nil
		}
		if text != "" {
			sess.Send(ctx, text)
		}

		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

// printEvents renders live conversation updates, including send failures
// with their retry affordance.
func printEvents(ctx context.Context, sess *session.CustomerSession) {
	red := color.New(color.FgRed)
	for ev := range sess.Events(ctx) {
		switch ev.Kind {
		case chat.EventReceived:
			printMessage(ev.Message)
		case chat.EventSendFailed:
			red.Printf("message not sent (%s), type it again to retry\n", ev.Err)
		}
	}
}

func watchState(ctx context.Context, mgr *conn.Manager) {
	yellow := color.New(color.FgYellow)
	for state := range mgr.StateChanges(ctx) {
		if state == conn.StateReconnecting {
			yellow.Println("[reconnecting…]")
		}
	}
}

func printMessage(m chat.Message) {
	gray := color.New(color.FgHiBlack)
	gray.Printf("%s ", m.CreatedAt.Format("15:04"))
	fmt.Printf("%s: %s\n", m.Sender, m.Text)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelWarn
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
