// Package sqlite is an embedded single-file backend. It implements both the
// gateway and the change feed, publishing each successful write to
// in-process subscribers.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/blackmichael/feedsync/internal/domain"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS profiles (
	id         TEXT PRIMARY KEY,
	username   TEXT NOT NULL DEFAULT '',
	bio        TEXT,
	avatar_url TEXT
);
CREATE TABLE IF NOT EXISTS posts (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	content    TEXT NOT NULL DEFAULT '',
	image_url  TEXT,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS posts_created_at_idx ON posts (created_at DESC);
CREATE TABLE IF NOT EXISTS likes (
	post_id TEXT NOT NULL REFERENCES posts (id) ON DELETE CASCADE,
	user_id TEXT NOT NULL,
	PRIMARY KEY (post_id, user_id)
);
CREATE TABLE IF NOT EXISTS reposts (
	post_id TEXT NOT NULL REFERENCES posts (id) ON DELETE CASCADE,
	user_id TEXT NOT NULL,
	PRIMARY KEY (post_id, user_id)
);
CREATE TABLE IF NOT EXISTS comments (
	id         TEXT PRIMARY KEY,
	post_id    TEXT NOT NULL REFERENCES posts (id) ON DELETE CASCADE,
	user_id    TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS comments_post_id_idx ON comments (post_id, created_at);
`

// DB implements domain.Gateway and domain.ChangeFeed on a SQLite file.
type DB struct {
	db     *sql.DB
	logger *slog.Logger
	bus    *broadcaster
	now    func() time.Time
}

var (
	_ domain.Gateway    = (*DB)(nil)
	_ domain.ChangeFeed = (*DB)(nil)
)

// Open opens (creating if necessary) the database at path and applies the
// schema. Use ":memory:" for a throwaway database.
func Open(ctx context.Context, path string, logger *slog.Logger) (*DB, error) {
	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps writes serialized and :memory: databases shared.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &DB{
		db:     db,
		logger: logger,
		bus:    newBroadcaster(),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close ends every subscription and closes the database.
func (d *DB) Close() error {
	d.bus.closeAll()
	return d.db.Close()
}

func toMicros(t time.Time) int64 { return t.UnixMicro() }

func fromMicros(v int64) time.Time { return time.UnixMicro(v).UTC() }

// nullable converts a NULL-able column to a domain pointer.
func nullable(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

const selectPosts = `
	SELECT p.id, p.user_id, p.content, p.image_url, p.created_at,
	       pr.id, pr.username, pr.bio, pr.avatar_url
	FROM posts p
	LEFT JOIN profiles pr ON pr.id = p.user_id`

type scanner interface {
	Scan(dest ...any) error
}

func scanPost(row scanner) (domain.Post, error) {
	var (
		p                   domain.Post
		imageURL            sql.NullString
		createdAt           int64
		profileID, username sql.NullString
		bio, avatarURL      sql.NullString
	)
	if err := row.Scan(&p.ID, &p.UserID, &p.Content, &imageURL, &createdAt,
		&profileID, &username, &bio, &avatarURL); err != nil {
		return domain.Post{}, err
	}
	p.ImageURL = nullable(imageURL)
	p.CreatedAt = fromMicros(createdAt)
	if profileID.Valid {
		p.Profile = &domain.Profile{
			ID:        profileID.String,
			Username:  username.String,
			Bio:       nullable(bio),
			AvatarURL: nullable(avatarURL),
		}
	}
	return p, nil
}

func (d *DB) ListPosts(ctx context.Context, authorID string) ([]domain.Post, error) {
	rows, err := d.db.QueryContext(ctx, selectPosts+`
		WHERE ? = '' OR p.user_id = ?
		ORDER BY p.created_at DESC`, authorID, authorID)
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

func (d *DB) GetPost(ctx context.Context, id string) (*domain.Post, error) {
	p, err := scanPost(d.db.QueryRowContext(ctx, selectPosts+` WHERE p.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("post %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query post %s: %w", id, err)
	}
	return &p, nil
}

func (d *DB) CreatePost(ctx context.Context, np domain.NewPost) (*domain.Post, error) {
	p := domain.Post{
		ID:        uuid.NewString(),
		UserID:    np.UserID,
		Content:   np.Content,
		ImageURL:  np.ImageURL,
		CreatedAt: d.now(),
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO posts (id, user_id, content, image_url, created_at) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.UserID, p.Content, p.ImageURL, toMicros(p.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert post: %w", err)
	}
	d.bus.publish(domain.TablePosts, domain.OpInsert, p, nil)
	return d.GetPost(ctx, p.ID)
}

func (d *DB) DeletePost(ctx context.Context, id string) error {
	res, err := d.db.ExecContext(ctx, `DELETE FROM posts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete post %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		d.bus.publish(domain.TablePosts, domain.OpDelete, nil, map[string]string{"id": id})
	}
	return nil
}

func relationTable(kind domain.RelationKind, toggled bool) (string, error) {
	switch kind {
	case domain.Likes, domain.Reposts:
		return string(kind), nil
	case domain.Comments:
		if !toggled {
			return string(kind), nil
		}
	}
	return "", fmt.Errorf("%w: relation kind %q", domain.ErrInvalid, kind)
}

func tableOf(kind domain.RelationKind) domain.Table {
	if kind == domain.Reposts {
		return domain.TableReposts
	}
	return domain.TableLikes
}

func (d *DB) CountRelations(ctx context.Context, kind domain.RelationKind, postID string) (int, error) {
	table, err := relationTable(kind, false)
	if err != nil {
		return 0, err
	}
	var n int
	if err := d.db.QueryRowContext(ctx, `SELECT count(*) FROM `+table+` WHERE post_id = ?`, postID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s for %s: %w", kind, postID, err)
	}
	return n, nil
}

func (d *DB) InsertRelation(ctx context.Context, kind domain.RelationKind, postID, userID string) error {
	table, err := relationTable(kind, true)
	if err != nil {
		return err
	}
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO `+table+` (post_id, user_id) VALUES (?, ?) ON CONFLICT DO NOTHING`,
		postID, userID,
	)
	if err != nil {
		return fmt.Errorf("insert %s: %w", kind, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		d.bus.publish(tableOf(kind), domain.OpInsert, domain.Relation{PostID: postID, UserID: userID}, nil)
	}
	return nil
}

func (d *DB) DeleteRelation(ctx context.Context, kind domain.RelationKind, postID, userID string) error {
	table, err := relationTable(kind, true)
	if err != nil {
		return err
	}
	res, err := d.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE post_id = ? AND user_id = ?`, postID, userID)
	if err != nil {
		return fmt.Errorf("delete %s: %w", kind, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		d.bus.publish(tableOf(kind), domain.OpDelete, nil, domain.Relation{PostID: postID, UserID: userID})
	}
	return nil
}

func (d *DB) ListUserRelations(ctx context.Context, kind domain.RelationKind, userID string) ([]string, error) {
	table, err := relationTable(kind, false)
	if err != nil {
		return nil, err
	}
	rows, err := d.db.QueryContext(ctx, `SELECT post_id FROM `+table+` WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("query %s for %s: %w", kind, userID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan %s: %w", kind, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (d *DB) GetProfile(ctx context.Context, userID string) (*domain.Profile, error) {
	var (
		p              domain.Profile
		bio, avatarURL sql.NullString
	)
	err := d.db.QueryRowContext(ctx,
		`SELECT id, username, bio, avatar_url FROM profiles WHERE id = ?`, userID,
	).Scan(&p.ID, &p.Username, &bio, &avatarURL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("profile %s: %w", userID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query profile %s: %w", userID, err)
	}
	p.Bio = nullable(bio)
	p.AvatarURL = nullable(avatarURL)
	return &p, nil
}

// UpdateProfile applies the non-nil fields of u, creating the profile row on
// first edit. An empty bio is stored as NULL.
func (d *DB) UpdateProfile(ctx context.Context, userID string, u domain.ProfileUpdate) error {
	var (
		sets []string
		args []any
	)
	if u.Username != nil {
		sets = append(sets, "username = ?")
		args = append(args, *u.Username)
	}
	if u.Bio != nil {
		sets = append(sets, "bio = ?")
		if *u.Bio == "" {
			args = append(args, nil)
		} else {
			args = append(args, *u.Bio)
		}
	}
	if u.AvatarURL != nil {
		sets = append(sets, "avatar_url = ?")
		args = append(args, *u.AvatarURL)
	}
	if len(sets) == 0 {
		return nil
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin profile update %s: %w", userID, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO profiles (id) VALUES (?) ON CONFLICT (id) DO NOTHING`, userID); err != nil {
		return fmt.Errorf("create profile %s: %w", userID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE profiles SET `+strings.Join(sets, ", ")+` WHERE id = ?`,
		append(args, userID)...,
	); err != nil {
		return fmt.Errorf("update profile %s: %w", userID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit profile update %s: %w", userID, err)
	}

	if p, err := d.GetProfile(ctx, userID); err == nil {
		d.bus.publish(domain.TableProfiles, domain.OpUpdate, p, nil)
	}
	return nil
}

// UpsertProfile creates or replaces a profile row.
func (d *DB) UpsertProfile(ctx context.Context, p domain.Profile) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO profiles (id, username, bio, avatar_url) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			username = excluded.username,
			bio = excluded.bio,
			avatar_url = excluded.avatar_url`,
		p.ID, p.Username, p.Bio, p.AvatarURL,
	)
	if err != nil {
		return fmt.Errorf("upsert profile %s: %w", p.ID, err)
	}
	return nil
}

func (d *DB) ListComments(ctx context.Context, postID string) ([]domain.Comment, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT c.id, c.post_id, c.user_id, c.content, c.created_at,
		       pr.id, pr.username, pr.bio, pr.avatar_url
		FROM comments c
		LEFT JOIN profiles pr ON pr.id = c.user_id
		WHERE c.post_id = ?
		ORDER BY c.created_at ASC`, postID)
	if err != nil {
		return nil, fmt.Errorf("query comments for %s: %w", postID, err)
	}
	defer rows.Close()

	var comments []domain.Comment
	for rows.Next() {
		var (
			c                   domain.Comment
			createdAt           int64
			profileID, username sql.NullString
			bio, avatarURL      sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.PostID, &c.UserID, &c.Content, &createdAt,
			&profileID, &username, &bio, &avatarURL); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		c.CreatedAt = fromMicros(createdAt)
		if profileID.Valid {
			c.Profile = &domain.Profile{
				ID:        profileID.String,
				Username:  username.String,
				Bio:       nullable(bio),
				AvatarURL: nullable(avatarURL),
			}
		}
		comments = append(comments, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return comments, nil
}

func (d *DB) CreateComment(ctx context.Context, postID, userID, content string) error {
	c := domain.Comment{
		ID:        uuid.NewString(),
		PostID:    postID,
		UserID:    userID,
		Content:   content,
		CreatedAt: d.now(),
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO comments (id, post_id, user_id, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.PostID, c.UserID, c.Content, toMicros(c.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	d.bus.publish(domain.TableComments, domain.OpInsert, c, nil)
	return nil
}

// Subscribe registers an in-process subscriber for the table's changes.
func (d *DB) Subscribe(ctx context.Context, table domain.Table) (domain.Subscription, error) {
	return d.bus.subscribe(ctx, table), nil
}
