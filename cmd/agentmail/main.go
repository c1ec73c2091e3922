// Command agentmail runs the Agent Mail MCP server: a durable mailbox and
// advisory file-reservation service shared by concurrent coding agents.
//
// By default it communicates over stdio using JSON-RPC 2.0 (MCP protocol).
// With "serve-http" it instead binds the Streamable HTTP transport to the
// configured HTTP_HOST/HTTP_PORT.
//
// Configuration is read from environment variables (DATABASE_URL,
// STORAGE_ROOT, disk pressure thresholds, reservation staleness
// thresholds, ...) layered over an optional agentmail.toml. See
// internal/config for the full list.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/agent-mail/agentmail/internal/appctx"
	"github.com/agent-mail/agentmail/internal/clock"
	"github.com/agent-mail/agentmail/internal/config"
	"github.com/agent-mail/agentmail/internal/mcp"
	"github.com/agent-mail/agentmail/internal/tools/identity"
	"github.com/agent-mail/agentmail/internal/tools/locks"
	"github.com/agent-mail/agentmail/internal/tools/mail"
	"github.com/agent-mail/agentmail/internal/tools/query"
	"github.com/agent-mail/agentmail/internal/tools/system"
)

// Version is set via ldflags at build time.
var Version = "dev"

// Exit codes: 0 success, 1 runtime error, 2 usage error.
func main() {
	mode, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentmail: %v\n", err)
		os.Exit(2)
	}
	if err := run(mode); err != nil {
		fmt.Fprintf(os.Stderr, "agentmail: %v\n", err)
		os.Exit(1)
	}
}

func parseArgs(args []string) (string, error) {
	if len(args) == 0 {
		return "stdio", nil
	}
	switch args[0] {
	case "serve-stdio":
		return "stdio", nil
	case "serve-http":
		return "http", nil
	default:
		return "", fmt.Errorf("unknown command %q (expected serve-stdio or serve-http)", args[0])
	}
}

func run(mode string) error {
	cfg, err := config.Load("")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Structured logging goes to stderr; stdout carries the MCP protocol.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Log.Level),
	}))

	logger.Info("starting agentmail",
		"version", Version,
		"database", cfg.DatabasePath(),
		"storage_root", cfg.Storage.Root,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := appctx.Build(ctx, cfg, logger, clock.System{})
	if err != nil {
		return fmt.Errorf("building application context: %w", err)
	}
	defer func() {
		if cerr := app.Close(); cerr != nil {
			logger.Error("shutdown error", "error", cerr)
		}
	}()

	registry := mcp.NewRegistry()

	registry.Register(identity.NewEnsureProject(app.Mailbox))
	registry.Register(identity.NewRegisterAgent(app.Mailbox))

	registry.Register(mail.NewSend(app.Mailbox))
	registry.Register(mail.NewInbox(app.Mailbox))
	registry.Register(mail.NewThread(app.Mailbox))
	registry.Register(mail.NewAckPending(app.Mailbox))
	registry.Register(mail.NewSetRead(app.Mailbox))
	registry.Register(mail.NewSetAck(app.Mailbox))

	registry.Register(locks.NewRequest(app.Mailbox))
	registry.Register(locks.NewRelease(app.Mailbox))
	registry.Register(locks.NewRenew(app.Mailbox))
	registry.Register(locks.NewForceRelease(app.Mailbox, locks.Thresholds{
		InactivitySeconds:    int64(cfg.Reservation.InactivitySeconds),
		ActivityGraceSeconds: int64(cfg.Reservation.ActivityGraceSeconds),
	}, nil))

	registry.Register(query.NewSearch(app.Mailbox))

	registry.Register(system.NewHealth(app))
	registry.Register(system.NewMigrationStatus(app.Migrator))

	server := mcp.NewServer(registry, mcp.ServerInfo{
		Name:    "agentmail",
		Version: Version,
	}, logger)

	if mode == "http" {
		httpServer := mcp.NewHTTPServer(server, "*", logger, app.Metrics)
		addr := net.JoinHostPort(cfg.HTTP.Host, cfg.HTTP.Port)
		logger.Info("serving mcp over http", "addr", addr, "path", cfg.HTTP.Path)
		srv := &http.Server{Addr: addr, Handler: httpServer.Handler()}
		go func() {
			<-ctx.Done()
			srv.Shutdown(context.Background()) //nolint:errcheck
		}()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}

	return server.Run(ctx)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
