package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blackmichael/feedsync/internal/cache"
	"github.com/blackmichael/feedsync/internal/config"
	"github.com/blackmichael/feedsync/internal/domain"
	"github.com/blackmichael/feedsync/internal/feed"
	"github.com/blackmichael/feedsync/internal/httpserver"
	"github.com/blackmichael/feedsync/internal/messaging"
	"github.com/blackmichael/feedsync/internal/session"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Set up graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.close()
	logger.Info("backend ready", "backend", cfg.Backend)

	userID, err := resolveUser(cfg, b.token, logger)
	if err != nil {
		return err
	}

	opts := feed.Options{
		Changes:           b.changes,
		Objects:           b.objects,
		CountRefreshDelay: cfg.CountRefreshDelay,
		CountConcurrency:  cfg.CountConcurrency,
	}

	if cfg.RedisAddr != "" {
		profiles, err := cache.NewProfileCache(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.ProfileCacheTTL)
		if err != nil {
			return fmt.Errorf("create profile cache: %w", err)
		}
		defer profiles.Close()
		opts.ProfileTier = profiles
		logger.Info("connected to redis", "addr", cfg.RedisAddr)
	}

	if cfg.NATSMode != config.NATSOff {
		nc, err := messaging.Connect(cfg.NATSURL, logger)
		if err != nil {
			return err
		}
		defer nc.Close()

		switch cfg.NATSMode {
		case config.NATSRelay:
			relay := messaging.NewRelay(b.changes, nc, logger)
			go func() {
				tables := []domain.Table{domain.TablePosts, domain.TableLikes, domain.TableReposts, domain.TableComments}
				if err := relay.Run(ctx, tables...); err != nil {
					logger.Error("change relay exited with error", "error", err)
				}
			}()
		case config.NATSSubscribe:
			opts.Changes = messaging.NewFeed(nc, logger)
		}
		logger.Info("connected to nats", "mode", cfg.NATSMode)
	}

	store := feed.NewStore(b.gateway, logger, opts)
	if err := store.FetchPosts(ctx, ""); err != nil {
		return fmt.Errorf("initial fetch: %w", err)
	}
	if userID != "" {
		if err := store.FetchUserInteractions(ctx, userID); err != nil {
			logger.Warn("could not load interactions", "user_id", userID, "error", err)
		}
	}
	if err := store.SetupRealtime(ctx, userID); err != nil {
		// Channels that did subscribe keep running.
		logger.Error("realtime setup incomplete", "error", err)
	}
	defer store.CleanupRealtime()

	// Start the HTTP server
	server := httpserver.NewServer(cfg.Port, store, userID, logger)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server exited with error", "error", err)
		}
	}()

	logger.Info("server started", "port", cfg.Port, "user_id", userID)

	// Wait for shutdown signal
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)
	cancel()

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down http server", "error", err)
	}

	return nil
}

// resolveUser picks the session user from the access token, falling back to
// FEEDSYNC_USER_ID. An empty result runs the feed anonymously.
func resolveUser(cfg *config.Config, token string, logger *slog.Logger) (string, error) {
	if token == "" {
		if cfg.UserID == "" {
			logger.Warn("no session user, running anonymously")
		}
		return cfg.UserID, nil
	}

	parser := session.NewParser(cfg.JWTSecret)
	if !parser.Verifying() {
		logger.Warn("FEEDSYNC_JWT_SECRET not set, access token is not verified")
	}
	id, err := parser.Parse(token)
	if err != nil {
		return "", fmt.Errorf("resolve session: %w", err)
	}
	if id.Expired(time.Now()) {
		return "", fmt.Errorf("resolve session: access token expired at %s", id.ExpiresAt.Format(time.RFC3339))
	}
	if cfg.UserID != "" && cfg.UserID != id.UserID {
		logger.Warn("FEEDSYNC_USER_ID differs from token subject, using the token", "user_id", id.UserID)
	}
	return id.UserID, nil
}
