package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MegaGrindStone/legal-agent-ui/internal/handlers"
	"github.com/MegaGrindStone/legal-agent-ui/internal/services"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const serverShutdownTimeout = 10 * time.Second

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP relay between browsers and the agent",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	if err := cfg.validate(); err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	titleGen, err := cfg.titleGenerator(logger)
	if err != nil {
		return fmt.Errorf("error creating title generator: %w", err)
	}

	agent := services.NewAgent(cfg.Agent.Endpoint, cfg.Agent.Timeout, logger)
	m := handlers.NewMain(agent, titleGen, store, services.NewMarkdown(cfg.HighlightStyle), cfg.extractorOptions(), logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/chats", m.HandleChats)
	mux.HandleFunc("/chats/cancel", m.HandleCancel)
	mux.HandleFunc("/chats/regenerate", m.HandleRegenerate)
	mux.HandleFunc("GET /chats", m.HandleConversation)
	mux.HandleFunc("/sessions", m.HandleSessions)
	mux.HandleFunc("/sse", m.HandleSSE)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown sse server", slog.String(errLoggerKey, err.Error()))
		}
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Server starting",
			slog.String("addr", srv.Addr),
			slog.String("agent", cfg.Agent.Endpoint),
			slog.String("db", cfg.DBPath))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Start shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String(errLoggerKey, err.Error()))
			if err := srv.Close(); err != nil {
				return fmt.Errorf("forcing server close: %w", err)
			}
		}
		return nil
	})

	return g.Wait()
}

const errLoggerKey = "err"
