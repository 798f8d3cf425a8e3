// Package feed owns the client-side feed state: the post collection, the
// current user's interaction sets and the profile cache. It keeps that state
// in sync with the backend through optimistic mutations and a realtime
// reconciliation loop.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/blackmichael/feedsync/internal/domain"
	"golang.org/x/sync/errgroup"
)

const (
	defaultCountRefreshDelay = 500 * time.Millisecond
	defaultCountConcurrency  = 16
)

// Options configures optional collaborators and tuning of a Store.
type Options struct {
	// Changes is the change feed used by SetupRealtime.
	Changes domain.ChangeFeed

	// Objects is the object store used for post images and avatars.
	Objects domain.ObjectStore

	// ProfileTier is an optional shared profile cache behind the in-memory one.
	ProfileTier ProfileTier

	// CountRefreshDelay is how long to wait after a realtime post INSERT before
	// fetching its counters. Zero means the default of 500ms; negative means no
	// delay.
	CountRefreshDelay time.Duration

	// CountConcurrency bounds how many posts have count queries in flight
	// during FetchPosts. Zero means the default of 16.
	CountConcurrency int
}

// Store is the state-owning feed service. All reads return copies; state is
// only changed through its methods.
type Store struct {
	gw      domain.Gateway
	changes domain.ChangeFeed
	objects domain.ObjectStore
	tier    ProfileTier
	logger  *slog.Logger

	countDelay       time.Duration
	countConcurrency int

	mu       sync.RWMutex
	posts    *postCollection
	liked    idSet
	reposted idSet
	loading  int

	profiles *profileCache
	toggles  *keyLock

	// lifecycle serializes SetupRealtime, CleanupRealtime and Reset.
	lifecycle sync.Mutex
	rtMu      sync.Mutex
	rt        *realtimeSession

	// background tracks realtime follow-ups and profile prefetches.
	background sync.WaitGroup
}

// NewStore creates an empty Store backed by gw.
func NewStore(gw domain.Gateway, logger *slog.Logger, opts Options) *Store {
	delay := opts.CountRefreshDelay
	if delay == 0 {
		delay = defaultCountRefreshDelay
	} else if delay < 0 {
		delay = 0
	}
	concurrency := opts.CountConcurrency
	if concurrency <= 0 {
		concurrency = defaultCountConcurrency
	}

	return &Store{
		gw:               gw,
		changes:          opts.Changes,
		objects:          opts.Objects,
		tier:             opts.ProfileTier,
		logger:           logger,
		countDelay:       delay,
		countConcurrency: concurrency,
		posts:            newPostCollection(),
		liked:            newIDSet(),
		reposted:         newIDSet(),
		profiles:         newProfileCache(),
		toggles:          newKeyLock(),
	}
}

// FetchPosts replaces the collection with all posts, or only authorID's posts
// when authorID is non-empty, each enriched with its like, repost and comment
// counts. On any error the collection is left unchanged.
func (s *Store) FetchPosts(ctx context.Context, authorID string) error {
	s.setLoading(1)
	defer s.setLoading(-1)

	rows, err := s.gw.ListPosts(ctx, authorID)
	if err != nil {
		s.logger.Error("failed to fetch posts", "author_id", authorID, "error", err)
		return fmt.Errorf("list posts: %w", err)
	}

	posts := make([]domain.Post, 0, len(rows))
	for _, p := range rows {
		if err := p.Validate(); err != nil {
			s.logger.Warn("skipping malformed post", "error", err)
			continue
		}
		posts = append(posts, p)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.countConcurrency)
	counts := make([]domain.Counts, len(posts))
	for i := range posts {
		g.Go(func() error {
			c, err := s.fetchCounts(gctx, posts[i].ID)
			if err != nil {
				return err
			}
			counts[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Error("failed to fetch post counts", "author_id", authorID, "error", err)
		return fmt.Errorf("fetch post counts: %w", err)
	}

	authors := make([]string, 0, len(posts))
	for i := range posts {
		domain.CountsPatch(counts[i]).Apply(&posts[i])
		s.observeProfile(posts[i].Profile)
		posts[i].Profile = nil
		authors = append(authors, posts[i].UserID)
	}

	s.mu.Lock()
	s.posts.replace(posts)
	s.mu.Unlock()

	s.logger.Debug("posts fetched", "author_id", authorID, "count", len(posts))

	// Authors resolve after the posts are visible.
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		s.prefetchProfiles(context.WithoutCancel(ctx), authors)
	}()
	return nil
}

// RefreshPostCounts recomputes the three counters for one post and merges
// them into the existing entry, if any.
func (s *Store) RefreshPostCounts(ctx context.Context, postID string) error {
	c, err := s.fetchCounts(ctx, postID)
	if err != nil {
		s.logger.Error("failed to refresh post counts", "post_id", postID, "error", err)
		return fmt.Errorf("refresh counts for %s: %w", postID, err)
	}

	s.mu.Lock()
	s.posts.patch(postID, domain.CountsPatch(c))
	s.mu.Unlock()
	return nil
}

func (s *Store) fetchCounts(ctx context.Context, postID string) (domain.Counts, error) {
	var c domain.Counts
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		c.Likes, err = s.gw.CountRelations(gctx, domain.Likes, postID)
		return err
	})
	g.Go(func() (err error) {
		c.Reposts, err = s.gw.CountRelations(gctx, domain.Reposts, postID)
		return err
	})
	g.Go(func() (err error) {
		c.Comments, err = s.gw.CountRelations(gctx, domain.Comments, postID)
		return err
	})
	if err := g.Wait(); err != nil {
		return domain.Counts{}, fmt.Errorf("count relations for %s: %w", postID, err)
	}
	return c, nil
}

// FetchUserInteractions replaces the liked and reposted sets with the rows the
// backend holds for userID.
func (s *Store) FetchUserInteractions(ctx context.Context, userID string) error {
	var liked, reposted []string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		liked, err = s.gw.ListUserRelations(gctx, domain.Likes, userID)
		return err
	})
	g.Go(func() (err error) {
		reposted, err = s.gw.ListUserRelations(gctx, domain.Reposts, userID)
		return err
	})
	if err := g.Wait(); err != nil {
		s.logger.Error("failed to fetch user interactions", "user_id", userID, "error", err)
		return fmt.Errorf("list user interactions: %w", err)
	}

	s.mu.Lock()
	s.liked = newIDSet(liked...)
	s.reposted = newIDSet(reposted...)
	s.mu.Unlock()
	return nil
}

// admit validates a post from the gateway, caches its embedded profile and
// upserts it. Returns false if the post was malformed or already present.
func (s *Store) admit(p domain.Post) bool {
	if err := p.Validate(); err != nil {
		s.logger.Warn("skipping malformed post", "error", err)
		return false
	}
	s.observeProfile(p.Profile)
	p.Profile = nil

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.posts.upsert(p)
}

// decorate attaches the cached author profile to p.
func (s *Store) decorate(p domain.Post) domain.Post {
	if pr, ok := s.profiles.peek(p.UserID); ok {
		p.Profile = &pr
	}
	return p
}

// Posts returns a snapshot of the collection, newest first.
func (s *Store) Posts() []domain.Post {
	s.mu.RLock()
	posts := s.posts.list()
	s.mu.RUnlock()

	for i := range posts {
		posts[i] = s.decorate(posts[i])
	}
	return posts
}

// GetPostByID returns a copy of the post with the given id.
func (s *Store) GetPostByID(postID string) (domain.Post, bool) {
	s.mu.RLock()
	p, ok := s.posts.get(postID)
	s.mu.RUnlock()
	if !ok {
		return domain.Post{}, false
	}
	return s.decorate(p), true
}

// IsLiked reports whether the current user has liked postID.
func (s *Store) IsLiked(postID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.liked.has(postID)
}

// IsReposted reports whether the current user has reposted postID.
func (s *Store) IsReposted(postID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reposted.has(postID)
}

// LikedPostIDs returns the current user's liked post ids, sorted.
func (s *Store) LikedPostIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.liked.list()
}

// RepostedPostIDs returns the current user's reposted post ids, sorted.
func (s *Store) RepostedPostIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reposted.list()
}

// Loading reports whether a FetchPosts call is in flight.
func (s *Store) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading > 0
}

func (s *Store) setLoading(delta int) {
	s.mu.Lock()
	s.loading += delta
	s.mu.Unlock()
}

// Reset tears down realtime subscriptions and clears all state.
func (s *Store) Reset() {
	s.CleanupRealtime()

	s.mu.Lock()
	s.posts = newPostCollection()
	s.liked = newIDSet()
	s.reposted = newIDSet()
	s.mu.Unlock()

	s.profiles.clear()
}

// interactions returns the set tracking kind. Callers must hold s.mu.
func (s *Store) interactions(kind domain.RelationKind) idSet {
	if kind == domain.Reposts {
		return s.reposted
	}
	return s.liked
}
