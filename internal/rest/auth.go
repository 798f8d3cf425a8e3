package rest

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/blackmichael/feedsync/internal/domain"
)

// refreshRetry is the wait after a failed token refresh.
var refreshRetry = 10 * time.Second

// Session is the result of a password login or token refresh.
type Session struct {
	AccessToken  string
	RefreshToken string
	UserID       string
	ExpiresAt    time.Time
}

// Login authenticates with email and password and stores the access token
// on the client.
func (c *Client) Login(ctx context.Context, email, password string) (*Session, error) {
	sess, err := c.exchange(ctx, "password", map[string]string{
		"email":    email,
		"password": password,
	})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// Refresh trades a refresh token for a new session and stores its access
// token on the client.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*Session, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("%w: empty refresh token", domain.ErrInvalid)
	}
	sess, err := c.exchange(ctx, "refresh_token", map[string]string{
		"refresh_token": refreshToken,
	})
	if err != nil {
		return nil, fmt.Errorf("refresh session: %w", err)
	}
	return sess, nil
}

// KeepFresh refreshes sess margin before each expiry until ctx is done.
// Failed refreshes are logged and retried; the last good token stays on the
// client meanwhile.
func (c *Client) KeepFresh(ctx context.Context, sess *Session, margin time.Duration) {
	current := *sess
	if current.RefreshToken == "" {
		c.logger.Warn("session has no refresh token, it will expire", "expires_at", current.ExpiresAt)
		return
	}

	wait := time.Until(current.ExpiresAt.Add(-margin))
	for {
		timer := time.NewTimer(max(wait, 0))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		next, err := c.Refresh(ctx, current.RefreshToken)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("session refresh failed", "user_id", current.UserID, "retry_in", refreshRetry, "error", err)
			wait = refreshRetry
			continue
		}

		current = *next
		wait = time.Until(current.ExpiresAt.Add(-margin))
		c.logger.Info("session refreshed", "user_id", current.UserID, "expires_at", current.ExpiresAt)
	}
}

func (c *Client) exchange(ctx context.Context, grant string, body map[string]string) (*Session, error) {
	var resp tokenResponse
	_, err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/auth/v1/token",
		query:  url.Values{"grant_type": {grant}},
		body:   body,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.AccessToken == "" || resp.User.ID == "" {
		return nil, fmt.Errorf("%w: token response without token or user", domain.ErrMalformed)
	}

	c.SetAccessToken(resp.AccessToken)
	return &Session{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		UserID:       resp.User.ID,
		ExpiresAt:    time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second),
	}, nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	User         struct {
		ID string `json:"id"`
	} `json:"user"`
}
