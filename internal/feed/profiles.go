package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/blackmichael/feedsync/internal/domain"
	"golang.org/x/sync/errgroup"
)

// ProfileTier is an optional shared profile store consulted when the
// in-memory cache misses. Get returns domain.ErrNotFound on a miss.
type ProfileTier interface {
	Get(ctx context.Context, userID string) (*domain.Profile, error)
	Put(ctx context.Context, profile domain.Profile) error
}

// profileInvalidator is implemented by tiers that can drop an entry.
type profileInvalidator interface {
	Invalidate(ctx context.Context, userID string) error
}

// profileCache maps user ids to profiles for the life of the session.
type profileCache struct {
	mu   sync.RWMutex
	byID map[string]domain.Profile
}

func newProfileCache() *profileCache {
	return &profileCache{byID: make(map[string]domain.Profile)}
}

func (c *profileCache) peek(userID string) (domain.Profile, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.byID[userID]
	if !ok {
		return domain.Profile{}, false
	}
	return p.Clone(), true
}

func (c *profileCache) put(p domain.Profile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byID[p.ID] = p.Clone()
}

func (c *profileCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byID = make(map[string]domain.Profile)
}

// GetProfile returns the cached profile for userID without touching the
// network.
func (s *Store) GetProfile(userID string) (domain.Profile, bool) {
	return s.profiles.peek(userID)
}

// FetchProfile returns the cached profile for userID, or fetches, caches and
// returns it. Concurrent misses for the same user are not deduplicated.
func (s *Store) FetchProfile(ctx context.Context, userID string) (*domain.Profile, error) {
	if p, ok := s.profiles.peek(userID); ok {
		return &p, nil
	}

	if s.tier != nil {
		p, err := s.tier.Get(ctx, userID)
		switch {
		case err == nil && p.Validate() == nil:
			s.profiles.put(*p)
			return p, nil
		case err != nil && !errors.Is(err, domain.ErrNotFound):
			s.logger.Warn("profile tier lookup failed", "user_id", userID, "error", err)
		}
	}

	return s.loadProfile(ctx, userID)
}

// loadProfile fetches a profile from the gateway and overwrites every cached
// copy of it.
func (s *Store) loadProfile(ctx context.Context, userID string) (*domain.Profile, error) {
	p, err := s.gw.GetProfile(ctx, userID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.Error("failed to fetch profile", "user_id", userID, "error", err)
		}
		return nil, fmt.Errorf("get profile %s: %w", userID, err)
	}
	if err := p.Validate(); err != nil {
		s.logger.Warn("rejecting malformed profile", "user_id", userID, "error", err)
		return nil, err
	}

	s.profiles.put(*p)
	if s.tier != nil {
		if err := s.tier.Put(ctx, *p); err != nil {
			s.logger.Warn("profile tier write failed", "user_id", userID, "error", err)
		}
	}
	return p, nil
}

// observeProfile opportunistically caches a profile seen embedded in a post
// or comment payload.
func (s *Store) observeProfile(p *domain.Profile) {
	if p == nil || p.Validate() != nil {
		return
	}
	s.profiles.put(*p)
}

// invalidateTier drops userID from the shared tier after a profile edit, so
// a failed reload cannot leave the old profile there until its TTL.
func (s *Store) invalidateTier(ctx context.Context, userID string) {
	inv, ok := s.tier.(profileInvalidator)
	if !ok {
		return
	}
	if err := inv.Invalidate(ctx, userID); err != nil {
		s.logger.Warn("profile tier invalidate failed", "user_id", userID, "error", err)
	}
}

// prefetchProfiles fetches profiles for authors that are still uncached,
// at most countConcurrency at a time. Failures are logged and do not affect
// the caller.
func (s *Store) prefetchProfiles(ctx context.Context, userIDs []string) {
	seen := make(map[string]struct{}, len(userIDs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.countConcurrency)
	for _, uid := range userIDs {
		if _, dup := seen[uid]; dup {
			continue
		}
		seen[uid] = struct{}{}
		if _, ok := s.profiles.peek(uid); ok {
			continue
		}
		g.Go(func() error {
			if _, err := s.FetchProfile(ctx, uid); err != nil {
				s.logger.Debug("profile prefetch failed", "user_id", uid, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}
