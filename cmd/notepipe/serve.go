package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/notepipe/internal/api"
	"github.com/kalambet/notepipe/internal/config"
	"github.com/kalambet/notepipe/internal/llm"
	"github.com/kalambet/notepipe/internal/note"
	"github.com/kalambet/notepipe/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the notes over HTTP and MCP (read-only)",
	Long: `Serve the notes index over HTTP and MCP. Nothing is processed.

The JSON API listens on server.port, MCP (streamable HTTP) on
server.mcp_port. With --mcp-stdio the MCP server also talks over
stdin/stdout, for clients that launch notepipe themselves.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("port") {
			cfg.Server.Port, _ = cmd.Flags().GetInt("port")
		}
		stdio, _ := cmd.Flags().GetBool("mcp-stdio")
		logger := setupLogging(cfg.Log.Level)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServer(ctx, cfg, stdio, logger)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show notepipe system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().Int("port", 0, "HTTP port of the JSON API")
	serveCmd.Flags().Bool("mcp-stdio", false, "also serve MCP over stdin/stdout")
}

func runServer(ctx context.Context, cfg config.Config, stdio bool, logger *slog.Logger) error {
	store, err := storage.Open(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	if cfg.Server.Token == "" {
		logger.Warn("server.token not set; the API is open to anyone who can reach it")
	}
	appHandler := api.NewAppHandler(api.AppDeps{Store: store, Token: cfg.Server.Token, Logger: logger})
	mcpSrv := api.NewMCPServer(api.MCPDeps{Store: store, Version: version, Logger: logger})

	mcpRouter := chi.NewRouter()
	if cfg.Server.Token != "" {
		mcpRouter.Use(api.BearerAuth(cfg.Server.Token))
	}
	mcpRouter.Handle("/mcp", server.NewStreamableHTTPServer(mcpSrv))

	servers := []*http.Server{
		newHTTPServer(ctx, cfg.Server.Port, appHandler),
		newHTTPServer(ctx, cfg.Server.MCPPort, mcpRouter),
	}

	if stdio {
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		go func() {
			fmt.Fprintf(os.Stderr, "notepipe listening on %s\n", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("%s: %w", srv.Addr, err)
			}
		}()
	}

	var serveErr error
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			serveErr = errors.Join(serveErr, err)
		}
	}
	if serveErr != nil {
		return fmt.Errorf("server error: %w", serveErr)
	}
	return nil
}

func newHTTPServer(ctx context.Context, port int, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", port),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port))
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	lm := llm.New(llm.Options{Endpoint: cfg.Extractor.URL, Model: cfg.Extractor.Model, APIKey: cfg.Extractor.APIKey})
	if lm.IsRunning(ctx) {
		printStatus("Language model", "%s at %s", cfg.Extractor.Model, cfg.Extractor.URL)
	} else {
		printStatus("Language model", "not answering at %s", cfg.Extractor.URL)
	}
	printStatus("Transcriber", "%s", cfg.Transcriber.Backend)
	printStatus("Input", "%s", cfg.Watch.InputDir)
	printStatus("Output", "%s", cfg.Storage.OutputDir)

	store, err := storage.Open(cfg.Storage.DBPath)
	if err != nil {
		printStatus("Database", "unavailable (%v)", err)
		return nil
	}
	defer store.Close()
	printStatus("Database", "%s", cfg.Storage.DBPath)
	for _, s := range []note.Status{note.StatusPersisted, note.StatusFailed} {
		rs, err := store.ListNotes(ctx, storage.Filter{Status: s, Limit: 1000})
		if err != nil {
			return err
		}
		printStatus(string(s), "%s", countLabel(len(rs), 1000))
	}
	return nil
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}
