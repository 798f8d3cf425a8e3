package feed

import (
	"context"
	"fmt"

	"github.com/blackmichael/feedsync/internal/domain"
)

// ToggleLike flips the current user's like on postID. The interaction set and
// the like counter change immediately; if the backend write fails both are
// restored and the error is returned. An empty userID is a no-op.
func (s *Store) ToggleLike(ctx context.Context, postID, userID string) error {
	return s.toggle(ctx, domain.Likes, postID, userID)
}

// ToggleRepost is ToggleLike for reposts.
func (s *Store) ToggleRepost(ctx context.Context, postID, userID string) error {
	return s.toggle(ctx, domain.Reposts, postID, userID)
}

// toggle applies an optimistic relation flip. Toggles of the same kind on the
// same post are serialized: a second toggle snapshots the state only after the
// first one's write has resolved.
func (s *Store) toggle(ctx context.Context, kind domain.RelationKind, postID, userID string) error {
	if userID == "" {
		return nil
	}

	release, err := s.toggles.lock(ctx, string(kind)+"/"+postID)
	if err != nil {
		return fmt.Errorf("wait for pending %s on %s: %w", kind, postID, err)
	}
	defer release()

	s.mu.Lock()
	set := s.interactions(kind)
	wasSet := set.has(postID)
	original, present := s.posts.counter(postID, kind)
	if wasSet {
		set.remove(postID)
	} else {
		set.add(postID)
	}
	if present {
		delta := 1
		if wasSet {
			delta = -1
		}
		s.posts.patch(postID, counterPatch(kind, original+delta))
	}
	s.mu.Unlock()

	if wasSet {
		err = s.gw.DeleteRelation(ctx, kind, postID, userID)
	} else {
		err = s.gw.InsertRelation(ctx, kind, postID, userID)
	}
	if err == nil {
		return nil
	}

	s.mu.Lock()
	set = s.interactions(kind)
	if wasSet {
		set.add(postID)
	} else {
		set.remove(postID)
	}
	if present {
		s.posts.patch(postID, counterPatch(kind, original))
	}
	s.mu.Unlock()

	s.logger.Error("toggle failed, rolled back",
		"kind", kind,
		"post_id", postID,
		"user_id", userID,
		"error", err,
	)
	return fmt.Errorf("toggle %s on %s: %w", kind, postID, err)
}

// DeletePost deletes a post on the backend and, only once that succeeds,
// removes it locally. Returns false if the backend delete failed, in which
// case local state is untouched.
func (s *Store) DeletePost(ctx context.Context, postID string) bool {
	if err := s.gw.DeletePost(ctx, postID); err != nil {
		s.logger.Error("failed to delete post", "post_id", postID, "error", err)
		return false
	}

	s.mu.Lock()
	s.posts.remove(postID)
	s.mu.Unlock()
	return true
}
