package domain

import "context"

// PostRepository defines row operations on posts.
type PostRepository interface {
	// ListPosts returns posts joined with their author's profile, newest
	// first. An empty authorID lists every post.
	ListPosts(ctx context.Context, authorID string) ([]Post, error)

	// GetPost returns a single post joined with its author's profile.
	// Returns ErrNotFound if the post does not exist.
	GetPost(ctx context.Context, id string) (*Post, error)

	// CreatePost inserts a post and returns the stored row.
	CreatePost(ctx context.Context, post NewPost) (*Post, error)

	// DeletePost removes a post by id.
	DeletePost(ctx context.Context, id string) error
}

// RelationRepository defines operations on the (post_id, user_id) join tables.
type RelationRepository interface {
	// CountRelations returns the number of rows in kind for the post.
	CountRelations(ctx context.Context, kind RelationKind, postID string) (int, error)

	// InsertRelation records that userID liked or reposted postID.
	InsertRelation(ctx context.Context, kind RelationKind, postID, userID string) error

	// DeleteRelation removes the (postID, userID) row from kind.
	DeleteRelation(ctx context.Context, kind RelationKind, postID, userID string) error

	// ListUserRelations returns the post ids userID has a row for in kind.
	ListUserRelations(ctx context.Context, kind RelationKind, userID string) ([]string, error)
}

// ProfileRepository defines operations on profiles.
type ProfileRepository interface {
	// GetProfile returns ErrNotFound if the user has no profile row.
	GetProfile(ctx context.Context, userID string) (*Profile, error)

	UpdateProfile(ctx context.Context, userID string, update ProfileUpdate) error
}

// CommentRepository defines operations on comments.
type CommentRepository interface {
	// ListComments returns a post's comments oldest first, joined with profiles.
	ListComments(ctx context.Context, postID string) ([]Comment, error)

	CreateComment(ctx context.Context, postID, userID, content string) error
}

// Gateway is the remote data gateway consumed by the feed store.
type Gateway interface {
	PostRepository
	RelationRepository
	ProfileRepository
	CommentRepository
}

// ChangeFeed subscribes to row changes of a table. Subscribe returns once the
// subscription is established; the stream ends when ctx is cancelled or the
// subscription is closed.
type ChangeFeed interface {
	Subscribe(ctx context.Context, table Table) (Subscription, error)
}

// ObjectStore uploads bytes to a bucket and returns their public URL.
type ObjectStore interface {
	Upload(ctx context.Context, bucket, path string, data []byte, contentType string) (string, error)
}
