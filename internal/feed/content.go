package feed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/blackmichael/feedsync/internal/domain"
	"github.com/google/uuid"
)

const (
	postImageBucket = "posts"
	avatarBucket    = "profile"
	imageType       = "image/jpeg"
)

// ErrNoObjectStore is returned by image operations on a Store without an
// object store.
var ErrNoObjectStore = errors.New("no object store configured")

// CreatePost uploads the optional image, inserts the post and adds it to the
// collection. A later realtime INSERT for the same post is a no-op.
func (s *Store) CreatePost(ctx context.Context, userID, content string, image []byte) (*domain.Post, error) {
	content = strings.TrimSpace(content)
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrInvalid)
	}
	if content == "" && len(image) == 0 {
		return nil, fmt.Errorf("%w: add some content or an image", domain.ErrInvalid)
	}

	var imageURL *string
	if len(image) > 0 {
		if s.objects == nil {
			return nil, ErrNoObjectStore
		}
		path := fmt.Sprintf("posts/%d-%s.jpg", time.Now().UnixMilli(), uuid.NewString())
		url, err := s.objects.Upload(ctx, postImageBucket, path, image, imageType)
		if err != nil {
			s.logger.Error("image upload failed", "path", path, "error", err)
			return nil, fmt.Errorf("upload image: %w", err)
		}
		imageURL = &url
	}

	post, err := s.gw.CreatePost(ctx, domain.NewPost{
		UserID:   userID,
		Content:  content,
		ImageURL: imageURL,
	})
	if err != nil {
		s.logger.Error("failed to create post", "user_id", userID, "error", err)
		return nil, fmt.Errorf("create post: %w", err)
	}
	if err := post.Validate(); err != nil {
		return nil, err
	}

	if s.admit(*post) {
		s.logger.Info("post created", "post_id", post.ID, "user_id", userID)
	}
	created := s.decorate(post.Clone())
	return &created, nil
}

// FetchComments returns a post's comments, oldest first. Embedded author
// profiles are written into the profile cache.
func (s *Store) FetchComments(ctx context.Context, postID string) ([]domain.Comment, error) {
	rows, err := s.gw.ListComments(ctx, postID)
	if err != nil {
		s.logger.Error("failed to fetch comments", "post_id", postID, "error", err)
		return nil, fmt.Errorf("list comments: %w", err)
	}

	comments := make([]domain.Comment, 0, len(rows))
	for _, c := range rows {
		if err := c.Validate(); err != nil {
			s.logger.Warn("skipping malformed comment", "post_id", postID, "error", err)
			continue
		}
		s.observeProfile(c.Profile)
		comments = append(comments, c)
	}
	sort.SliceStable(comments, func(i, j int) bool {
		return comments[i].CreatedAt.Before(comments[j].CreatedAt)
	})
	return comments, nil
}

// AddComment inserts a comment and refreshes the post's counters.
func (s *Store) AddComment(ctx context.Context, postID, userID, content string) error {
	content = strings.TrimSpace(content)
	if content == "" || userID == "" {
		return fmt.Errorf("%w: comment needs content and a user", domain.ErrInvalid)
	}

	if err := s.gw.CreateComment(ctx, postID, userID, content); err != nil {
		s.logger.Error("failed to submit comment", "post_id", postID, "error", err)
		return fmt.Errorf("create comment: %w", err)
	}

	// The comment is stored; a failed refresh only leaves the counter stale.
	_ = s.RefreshPostCounts(ctx, postID)
	return nil
}

// UpdateProfile edits the user's username and bio. An empty bio clears it. On
// success the profile is re-fetched and overwrites the cached copy.
func (s *Store) UpdateProfile(ctx context.Context, userID, username, bio string) (*domain.Profile, error) {
	username = strings.TrimSpace(username)
	bio = strings.TrimSpace(bio)
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrInvalid)
	}
	if username == "" {
		return nil, fmt.Errorf("%w: username cannot be empty", domain.ErrInvalid)
	}

	update := domain.ProfileUpdate{Username: &username, Bio: &bio}
	if err := s.gw.UpdateProfile(ctx, userID, update); err != nil {
		s.logger.Error("failed to update profile", "user_id", userID, "error", err)
		return nil, fmt.Errorf("update profile: %w", err)
	}
	s.invalidateTier(ctx, userID)
	return s.loadProfile(ctx, userID)
}

// UploadAvatar stores a new avatar image and points the profile at it.
func (s *Store) UploadAvatar(ctx context.Context, userID string, image []byte) (*domain.Profile, error) {
	if userID == "" || len(image) == 0 {
		return nil, fmt.Errorf("%w: avatar needs a user and image data", domain.ErrInvalid)
	}
	if s.objects == nil {
		return nil, ErrNoObjectStore
	}

	path := fmt.Sprintf("%s/avatar-%d.jpg", userID, time.Now().UnixMilli())
	url, err := s.objects.Upload(ctx, avatarBucket, path, image, imageType)
	if err != nil {
		s.logger.Error("avatar upload failed", "user_id", userID, "error", err)
		return nil, fmt.Errorf("upload avatar: %w", err)
	}

	if err := s.gw.UpdateProfile(ctx, userID, domain.ProfileUpdate{AvatarURL: &url}); err != nil {
		s.logger.Error("failed to set avatar", "user_id", userID, "error", err)
		return nil, fmt.Errorf("set avatar: %w", err)
	}
	s.invalidateTier(ctx, userID)
	return s.loadProfile(ctx, userID)
}
