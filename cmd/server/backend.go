package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/blackmichael/feedsync/internal/config"
	"github.com/blackmichael/feedsync/internal/domain"
	"github.com/blackmichael/feedsync/internal/postgres"
	"github.com/blackmichael/feedsync/internal/realtime"
	"github.com/blackmichael/feedsync/internal/rest"
	"github.com/blackmichael/feedsync/internal/sqlite"
)

type backend struct {
	gateway domain.Gateway
	changes domain.ChangeFeed
	objects domain.ObjectStore

	// token is the session access token, if the backend has one.
	token   string
	closers []func()
}

func (b *backend) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backend, error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		repo, err := postgres.NewRepository(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("create repository: %w", err)
		}
		if err := repo.EnsureSchema(ctx); err != nil {
			repo.Close()
			return nil, err
		}
		return &backend{
			gateway: repo,
			changes: postgres.NewFeed(repo.Pool(), logger),
			token:   cfg.AccessToken,
			closers: []func(){repo.Close},
		}, nil

	case config.BackendSQLite:
		db, err := sqlite.Open(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		return &backend{
			gateway: db,
			changes: db,
			token:   cfg.AccessToken,
			closers: []func(){func() { db.Close() }},
		}, nil

	default:
		client := rest.NewClient(cfg.SupabaseURL, cfg.SupabaseAnonKey, logger)
		switch {
		case cfg.AccessToken != "":
			client.SetAccessToken(cfg.AccessToken)
		case cfg.SignsIn():
			sess, err := client.Login(ctx, cfg.Email, cfg.Password)
			if err != nil {
				return nil, fmt.Errorf("sign in: %w", err)
			}
			logger.Info("signed in", "user_id", sess.UserID, "expires_at", sess.ExpiresAt)
			// Realtime reconnects and REST calls pick up the refreshed token.
			go client.KeepFresh(ctx, sess, time.Minute)
		}

		changes, err := realtime.NewFeed(cfg.SupabaseURL, cfg.SupabaseAnonKey, client.AccessToken, logger, realtime.Options{})
		if err != nil {
			return nil, fmt.Errorf("create realtime feed: %w", err)
		}
		return &backend{
			gateway: client,
			changes: changes,
			objects: client,
			token:   client.AccessToken(),
		}, nil
	}
}
