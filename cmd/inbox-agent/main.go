// ABOUTME: Entry point for inbox-agent, an interactive terminal inbox for human agents
// ABOUTME: Wires config, identity, transport, REST client and the inbox engine into a REPL

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-inbox/internal/api"
	"github.com/2389/coven-inbox/internal/config"
	"github.com/2389/coven-inbox/internal/identity"
	"github.com/2389/coven-inbox/internal/inbox"
	"github.com/2389/coven-inbox/internal/logging"
	"github.com/2389/coven-inbox/internal/transport"
)

// Version is set by goreleaser at build time.
var version = "dev"

// mintedTokenTTL bounds tokens the agent signs for itself from token_secret.
const mintedTokenTTL = 12 * time.Hour

func main() {
	configPath := flag.String("config", config.Path(), "config file (YAML or TOML)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("\nGoodbye!")
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadOrEnv(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.ValidateAgent(); err != nil {
		return err
	}

	// Logs go to stderr so they do not interleave with the prompt on stdout.
	logger := logging.New(cfg.Logging, os.Stderr)

	token, ident, err := sessionIdentity(cfg.Session, logger)
	if err != nil {
		return err
	}

	ws := transport.New(transport.Options{
		URL:          cfg.Server.WSURL,
		Token:        token,
		MinBackoff:   cfg.Transport.ReconnectMinBackoff,
		MaxBackoff:   cfg.Transport.ReconnectMaxBackoff,
		PingInterval: cfg.Transport.PingInterval,
		Logger:       logger,
	})
	rest := api.New(api.Options{
		BaseURL: cfg.Server.RESTURL,
		Token:   token,
		BotID:   cfg.Session.BotID,
		Timeout: cfg.Transport.RequestTimeout,
		Logger:  logger,
	})

	ui := newREPL(os.Stdin, os.Stdout, cfg.Transport.RequestTimeout)
	engine, err := inbox.New(inbox.Options{
		Transport:       ws,
		Snapshots:       rest,
		Identity:        ident,
		WorkspaceID:     cfg.Session.WorkspaceID,
		BotID:           cfg.Session.BotID,
		ClaimTimeout:    cfg.Inbox.ClaimTimeout,
		AttentionWindow: cfg.Inbox.AttentionWindow,
		OnUpdate:        ui.notifyUpdate,
		OnAttention:     ui.notifyAttention,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("creating inbox: %w", err)
	}
	ui.engine = engine

	color.New(color.FgCyan).Printf("inbox-agent %s\n", version)
	fmt.Printf("Agent: %s  Bot: %s  Server: %s\n", ident.AgentUserID(), cfg.Session.BotID, cfg.Server.RESTURL)
	fmt.Println("/help for commands. Ctrl+C to quit.")
	fmt.Println()

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	engineErr := make(chan error, 1)
	go func() { engineErr <- engine.Run(runCtx) }()

	logger.Info("starting inbox-agent",
		"agent_user_id", ident.AgentUserID(),
		"workspace_id", cfg.Session.WorkspaceID,
		"bot_id", cfg.Session.BotID)

	err = ui.loop(runCtx)
	stop()
	engine.Logout()
	if runErr := <-engineErr; runErr != nil && err == nil {
		err = runErr
	}
	return err
}

// sessionIdentity returns the bearer token and the identity it carries. A
// configured token wins; otherwise one is minted from token_secret.
func sessionIdentity(s config.SessionConfig, logger *slog.Logger) (string, identity.Provider, error) {
	token := s.Token
	if token == "" {
		minted, err := identity.NewVerifier([]byte(s.TokenSecret)).Generate(identity.Claims{
			AgentUserID: s.AgentUserID,
			WorkspaceID: s.WorkspaceID,
			BotID:       s.BotID,
		}, mintedTokenTTL)
		if err != nil {
			return "", nil, fmt.Errorf("minting session token: %w", err)
		}
		token = minted
	}

	provider, err := identity.NewTokenProvider(token)
	if err != nil {
		if s.AgentUserID == "" {
			return "", nil, fmt.Errorf("reading session token: %w", err)
		}
		logger.Warn("session token unreadable, using configured agent id", "error", err)
		return token, identity.Static(s.AgentUserID), nil
	}
	if s.AgentUserID != "" && provider.AgentUserID() != s.AgentUserID {
		return "", nil, errors.New("session.agent_user_id does not match the token subject")
	}
	return token, provider, nil
}
