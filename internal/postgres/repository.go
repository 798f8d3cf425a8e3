package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/blackmichael/feedsync/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schema string

// Repository implements domain.Gateway using PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

var _ domain.Gateway = (*Repository)(nil)

// NewRepository connects to PostgreSQL at the given URL, verifies the
// connection, and returns a new Repository. The caller should call Close
// when the repository is no longer needed.
func NewRepository(ctx context.Context, databaseURL string) (*Repository, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Repository{pool: pool}, nil
}

// Close closes the underlying connection pool.
func (r *Repository) Close() {
	r.pool.Close()
}

// Pool exposes the connection pool for the change feed.
func (r *Repository) Pool() *pgxpool.Pool {
	return r.pool
}

// EnsureSchema creates the tables and change triggers if they do not exist.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const selectPosts = `
	SELECT p.id, p.user_id, p.content, p.image_url, p.created_at,
	       pr.id, pr.username, pr.bio, pr.avatar_url
	FROM posts p
	LEFT JOIN profiles pr ON pr.id = p.user_id`

func scanPost(row pgx.Row) (domain.Post, error) {
	var (
		p                   domain.Post
		profileID, username *string
		bio, avatarURL      *string
	)
	err := row.Scan(
		&p.ID,
		&p.UserID,
		&p.Content,
		&p.ImageURL,
		&p.CreatedAt,
		&profileID,
		&username,
		&bio,
		&avatarURL,
	)
	if err != nil {
		return domain.Post{}, err
	}
	if profileID != nil {
		p.Profile = &domain.Profile{ID: *profileID, Bio: bio, AvatarURL: avatarURL}
		if username != nil {
			p.Profile.Username = *username
		}
	}
	return p, nil
}

// ListPosts returns posts newest first, limited to authorID when set.
func (r *Repository) ListPosts(ctx context.Context, authorID string) ([]domain.Post, error) {
	rows, err := r.pool.Query(ctx, selectPosts+`
		WHERE $1 = '' OR p.user_id = $1
		ORDER BY p.created_at DESC`, authorID)
	if err != nil {
		return nil, fmt.Errorf("query posts (author=%q): %w", authorID, err)
	}
	defer rows.Close()

	var posts []domain.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate posts: %w", err)
	}
	return posts, nil
}

func (r *Repository) GetPost(ctx context.Context, id string) (*domain.Post, error) {
	p, err := scanPost(r.pool.QueryRow(ctx, selectPosts+` WHERE p.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("post %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query post %s: %w", id, err)
	}
	return &p, nil
}

func (r *Repository) CreatePost(ctx context.Context, np domain.NewPost) (*domain.Post, error) {
	var id string
	err := r.pool.QueryRow(ctx, `
		INSERT INTO posts (user_id, content, image_url)
		VALUES ($1, $2, $3)
		RETURNING id`,
		np.UserID, np.Content, np.ImageURL,
	).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("insert post: %w", err)
	}
	return r.GetPost(ctx, id)
}

// DeletePost removes a post by id. Its likes, reposts and comments cascade.
func (r *Repository) DeletePost(ctx context.Context, id string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM posts WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete post %s: %w", id, err)
	}
	return nil
}

func relationTable(kind domain.RelationKind) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("%w: relation kind %q", domain.ErrInvalid, kind)
	}
	return pgx.Identifier{string(kind)}.Sanitize(), nil
}

func (r *Repository) CountRelations(ctx context.Context, kind domain.RelationKind, postID string) (int, error) {
	table, err := relationTable(kind)
	if err != nil {
		return 0, err
	}
	var n int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM `+table+` WHERE post_id = $1`, postID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s for %s: %w", kind, postID, err)
	}
	return n, nil
}

func (r *Repository) InsertRelation(ctx context.Context, kind domain.RelationKind, postID, userID string) error {
	if kind == domain.Comments {
		return fmt.Errorf("%w: comments are not toggled", domain.ErrInvalid)
	}
	table, err := relationTable(kind)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO `+table+` (post_id, user_id) VALUES ($1, $2)
		ON CONFLICT (post_id, user_id) DO NOTHING`,
		postID, userID,
	)
	if err != nil {
		return fmt.Errorf("insert %s: %w", kind, err)
	}
	return nil
}

func (r *Repository) DeleteRelation(ctx context.Context, kind domain.RelationKind, postID, userID string) error {
	if kind == domain.Comments {
		return fmt.Errorf("%w: comments are not toggled", domain.ErrInvalid)
	}
	table, err := relationTable(kind)
	if err != nil {
		return err
	}
	if _, err := r.pool.Exec(ctx, `DELETE FROM `+table+` WHERE post_id = $1 AND user_id = $2`, postID, userID); err != nil {
		return fmt.Errorf("delete %s: %w", kind, err)
	}
	return nil
}

func (r *Repository) ListUserRelations(ctx context.Context, kind domain.RelationKind, userID string) ([]string, error) {
	table, err := relationTable(kind)
	if err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx, `SELECT post_id FROM `+table+` WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("query %s for %s: %w", kind, userID, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect %s for %s: %w", kind, userID, err)
	}
	return ids, nil
}

func (r *Repository) GetProfile(ctx context.Context, userID string) (*domain.Profile, error) {
	var p domain.Profile
	err := r.pool.QueryRow(ctx,
		`SELECT id, username, bio, avatar_url FROM profiles WHERE id = $1`, userID,
	).Scan(&p.ID, &p.Username, &p.Bio, &p.AvatarURL)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("profile %s: %w", userID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query profile %s: %w", userID, err)
	}
	return &p, nil
}

// UpdateProfile applies the non-nil fields of u, creating the profile row on
// first edit. An empty bio is stored as NULL.
func (r *Repository) UpdateProfile(ctx context.Context, userID string, u domain.ProfileUpdate) error {
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO profiles (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, userID,
		); err != nil {
			return fmt.Errorf("create profile: %w", err)
		}
		_, err := tx.Exec(ctx, `
			UPDATE profiles SET
				username   = COALESCE($2, username),
				bio        = CASE WHEN $3::text IS NULL THEN bio ELSE NULLIF($3, '') END,
				avatar_url = COALESCE($4, avatar_url)
			WHERE id = $1`,
			userID, u.Username, u.Bio, u.AvatarURL,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("update profile %s: %w", userID, err)
	}
	return nil
}

// UpsertProfile creates or replaces a profile row.
func (r *Repository) UpsertProfile(ctx context.Context, p domain.Profile) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO profiles (id, username, bio, avatar_url)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET username = $2, bio = $3, avatar_url = $4`,
		p.ID, p.Username, p.Bio, p.AvatarURL,
	)
	if err != nil {
		return fmt.Errorf("upsert profile %s: %w", p.ID, err)
	}
	return nil
}

func (r *Repository) ListComments(ctx context.Context, postID string) ([]domain.Comment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT c.id, c.post_id, c.user_id, c.content, c.created_at,
		       pr.id, pr.username, pr.bio, pr.avatar_url
		FROM comments c
		LEFT JOIN profiles pr ON pr.id = c.user_id
		WHERE c.post_id = $1
		ORDER BY c.created_at ASC`, postID)
	if err != nil {
		return nil, fmt.Errorf("query comments for %s: %w", postID, err)
	}
	defer rows.Close()

	var comments []domain.Comment
	for rows.Next() {
		var (
			c                   domain.Comment
			profileID, username *string
			bio, avatarURL      *string
		)
		err := rows.Scan(&c.ID, &c.PostID, &c.UserID, &c.Content, &c.CreatedAt,
			&profileID, &username, &bio, &avatarURL)
		if err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		if profileID != nil {
			c.Profile = &domain.Profile{ID: *profileID, Bio: bio, AvatarURL: avatarURL}
			if username != nil {
				c.Profile.Username = *username
			}
		}
		comments = append(comments, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return comments, nil
}

func (r *Repository) CreateComment(ctx context.Context, postID, userID, content string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO comments (post_id, user_id, content) VALUES ($1, $2, $3)`,
		postID, userID, content,
	)
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}
