// ABOUTME: Entry point for the storechat support-agent console.
// ABOUTME: Multi-conversation view over the sync engine with a readline-style REPL.

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
	"time"

	"github.com/fatih/color"

	"github.com/storechat/engine/internal/channel"
	"github.com/storechat/engine/internal/chat"
	"github.com/storechat/engine/internal/config"
	"github.com/storechat/engine/internal/conn"
	"github.com/storechat/engine/internal/roster"
	"github.com/storechat/engine/internal/session"
)

// Version is set at build time.
var version = "dev"

func main() {
	configPath := flag.String("config", "agent.yaml", "Path to the session config file")
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
	if cfg.Session.Role != "agent" {
		return fmt.Errorf("config role is %q, expected agent", cfg.Session.Role)
	}

	logger := setupLogger(cfg.Logging)

	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	cyan.Println("storechat agent console")
	gray.Printf("version: %s\n", version)
	gray.Printf("channel: %s\n\n", cfg.Server.ChannelURL)

	identity := conn.Identity{
		ParticipantID: cfg.Session.ParticipantID,
		Role:          chat.RoleAgent,
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
	rosterc := roster.NewClient(cfg.Server.APIBaseURL, logger)

	sess := session.NewAgentSession(identity, mgr, rosterc, session.AgentOptions{
		MatchWindow: cfg.Session.MatchWindow,
		CacheSize:   cfg.Cache.MaxConversations,
	}, logger)
	defer sess.Close()

	go watchState(ctx, mgr)

	if err := sess.Start(ctx); err != nil {
		return fmt.Errorf("starting session: %w", err)
	}

	return repl(ctx, sess)
}

// watchState prints connection transitions so the agent always knows
// whether the console is live.
func watchState(ctx context.Context, mgr *conn.Manager) {
	yellow := color.New(color.FgYellow)
	green := color.New(color.FgGreen)
	for state := range mgr.StateChanges(ctx) {
		switch state {
		case conn.StateConnected:
			green.Println("[connected]")
		case conn.StateReconnecting:
			yellow.Println("[reconnecting…]")
		case conn.StateDisconnected:
			yellow.Println("[disconnected]")
		}
	}
}

func repl(ctx context.Context, sess *session.AgentSession) error {
	fmt.Println("Commands: list | open <customer-id> | say <text> | quit")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		cmd, rest, _ := strings.Cut(line, " ")

		switch cmd {
		case "list":
			printRoster(sess.Roster())
		case "open":
			if rest == "" {
				fmt.Println("usage: open <customer-id>")
				continue
			}
			store := sess.Select(ctx, rest)
			printConversation(rest, store.Messages())
		case "say":
			selected := sess.Selected()
			if selected == "" {
				fmt.Println("open a conversation first")
				continue
			}
			sess.Send(ctx, selected, rest)
		case "quit", "exit":
			return nil
		case "":
		default:
			fmt.Printf("unknown command: %s\n", cmd)
		}

		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

func printRoster(summaries []roster.Summary) {
	if len(summaries) == 0 {
		fmt.Println("no conversations")
		return
	}
	bold := color.New(color.Bold)
	red := color.New(color.FgRed)
	for _, s := range summaries {
		name := s.DisplayName
		if name == "" {
			name = s.CounterpartyID
		}
		bold.Printf("%-24s", name)
		if s.UnreadCount > 0 {
			red.Printf(" (%d unread)", s.UnreadCount)
		}
		fmt.Printf("  %s  %s\n", s.LastMessageTime.Format(time.Kitchen), s.LastMessagePreview)
	}
}

func printConversation(counterpartyID string, msgs []chat.Message) {
	gray := color.New(color.FgHiBlack)
	for _, m := range msgs {
		gray.Printf("%s ", m.CreatedAt.Format("15:04"))
		marker := ""
		if m.Pending() {
			marker = " (sending…)"
		}
		fmt.Printf("%s: %s%s\n", m.Sender, m.Text, marker)
	}
	if len(msgs) == 0 {
		fmt.Printf("no messages with %s yet\n", counterpartyID)
	}
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
