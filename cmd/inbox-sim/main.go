// ABOUTME: Entry point for inbox-sim, the development escalation backend
// ABOUTME: Serves REST snapshots and the realtime websocket, mints agent tokens, seeds escalations

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/go-resty/resty/v2"

	"github.com/2389/coven-inbox/internal/config"
	"github.com/2389/coven-inbox/internal/identity"
	"github.com/2389/coven-inbox/internal/logging"
	"github.com/2389/coven-inbox/internal/simulator"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  _       _                          _
 (_)_ __ | |__   _____  __     ___(_)_ __ ___
 | | '_ \| '_ \ / _ \ \/ /____/ __| | '_ ' _ \
 | | | | | |_) | (_) >  <_____\__ \ | | | | | |
 |_|_| |_|_.__/ \___/_/\_\    |___/_|_| |_| |_|
`

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: inbox-sim <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                              Start the simulator")
		fmt.Println("  token --agent ID [--ttl 24h]       Mint an agent session token")
		fmt.Println("  escalate [--conversation ID]       Open an escalation on a running simulator")
		fmt.Println("  say --conversation ID TEXT         Post a customer message")
		fmt.Println("  health                             Check simulator health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.LoadOrEnv(config.Path())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: loading config: %v\n", err)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, cfg)
	case "token":
		err = runToken(cfg, os.Args[2:])
	case "escalate":
		err = runEscalate(ctx, cfg, os.Args[2:])
	case "say":
		err = runSay(ctx, cfg, os.Args[2:])
	case "health":
		err = runHealth(ctx, cfg)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	if err := cfg.ValidateSimulator(); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	logger := logging.New(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", config.Path())
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Simulator.Addr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Simulator.DatabasePath)
	fmt.Println()

	srv, err := simulator.New(simulator.Config{
		Addr:         cfg.Simulator.Addr,
		DatabasePath: cfg.Simulator.DatabasePath,
		JWTSecret:    cfg.Simulator.JWTSecret,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("creating simulator: %w", err)
	}
	defer srv.Close()

	logger.Info("starting inbox-sim", "addr", cfg.Simulator.Addr, "version", version)
	return srv.ListenAndServe(ctx)
}

func runToken(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	agent := fs.String("agent", cfg.Session.AgentUserID, "agent user id (token subject)")
	workspace := fs.String("workspace", cfg.Session.WorkspaceID, "workspace id")
	bot := fs.String("bot", cfg.Session.BotID, "bot id")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	secret := cfg.Simulator.JWTSecret
	if secret == "" {
		secret = cfg.Session.TokenSecret
	}
	if secret == "" {
		return fmt.Errorf("simulator.jwt_secret is required to mint tokens")
	}

	token, err := identity.NewVerifier([]byte(secret)).Generate(identity.Claims{
		AgentUserID: *agent,
		WorkspaceID: *workspace,
		BotID:       *bot,
	}, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Println(token)
	return nil
}

func devClient(cfg *config.Config) *resty.Client {
	base := cfg.Server.RESTURL
	if base == "" {
		base = "http://" + cfg.Simulator.Addr
	}
	return resty.New().
		SetBaseURL(base).
		SetTimeout(cfg.Transport.RequestTimeout).
		SetHeader("Accept", "application/json")
}

func runEscalate(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("escalate", flag.ExitOnError)
	conversation := fs.String("conversation", "", "conversation id (new conversation when empty)")
	channel := fs.String("channel", "WIDGET", "conversation channel")
	reason := fs.String("reason", "customer asked for a human", "escalation reason")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var created map[string]any
	resp, err := devClient(cfg).R().
		SetContext(ctx).
		SetBody(map[string]string{
			"conversationId": *conversation,
			"workspaceId":    cfg.Session.WorkspaceID,
			"botId":          cfg.Session.BotID,
			"channel":        *channel,
			"reason":         *reason,
		}).
		SetResult(&created).
		Post("/sim/escalations")
	if err != nil {
		return fmt.Errorf("creating escalation: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("creating escalation: status %d: %s", resp.StatusCode(), resp.String())
	}

	color.New(color.FgGreen).Print("✓ ")
	fmt.Printf("escalation %v opened in conversation %v\n", created["escalationId"], created["conversationId"])
	return nil
}

func runSay(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("say", flag.ExitOnError)
	conversation := fs.String("conversation", "", "conversation id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *conversation == "" || fs.NArg() == 0 {
		return fmt.Errorf("usage: inbox-sim say --conversation ID TEXT")
	}

	resp, err := devClient(cfg).R().
		SetContext(ctx).
		SetBody(map[string]string{"senderType": "USER", "text": strings.Join(fs.Args(), " ")}).
		Post("/sim/conversations/" + *conversation + "/messages")
	if err != nil {
		return fmt.Errorf("posting message: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("posting message: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

func runHealth(ctx context.Context, cfg *config.Config) error {
	resp, err := devClient(cfg).R().SetContext(ctx).Get("/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode())
	}
	fmt.Println("healthy")
	return nil
}
