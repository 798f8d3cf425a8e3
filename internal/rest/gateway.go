package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/blackmichael/feedsync/internal/domain"
)

const (
	restPrefix  = "/rest/v1/"
	withProfile = "*,profiles(*)"
)

var _ domain.Gateway = (*Client)(nil)

func eq(v string) string { return "eq." + v }

// rows decodes each element of a JSON array separately so one bad row does
// not discard the rest.
func (c *Client) rows(table string, raw []json.RawMessage, decode func([]byte) error) {
	for _, r := range raw {
		if err := decode(r); err != nil {
			c.logger.Warn("skipping undecodable row", "table", table, "error", err)
		}
	}
}

func (c *Client) ListPosts(ctx context.Context, authorID string) ([]domain.Post, error) {
	q := url.Values{
		"select": {withProfile},
		"order":  {"created_at.desc"},
	}
	if authorID != "" {
		q.Set("user_id", eq(authorID))
	}

	var raw []json.RawMessage
	if _, err := c.do(ctx, request{method: http.MethodGet, path: restPrefix + "posts", query: q}, &raw); err != nil {
		return nil, fmt.Errorf("select posts: %w", err)
	}

	posts := make([]domain.Post, 0, len(raw))
	c.rows("posts", raw, func(b []byte) error {
		var p domain.Post
		if err := json.Unmarshal(b, &p); err != nil {
			return err
		}
		posts = append(posts, p)
		return nil
	})
	return posts, nil
}

func (c *Client) GetPost(ctx context.Context, id string) (*domain.Post, error) {
	q := url.Values{
		"select": {withProfile},
		"id":     {eq(id)},
	}
	var raw []json.RawMessage
	if _, err := c.do(ctx, request{method: http.MethodGet, path: restPrefix + "posts", query: q}, &raw); err != nil {
		return nil, fmt.Errorf("select post %s: %w", id, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("post %s: %w", id, domain.ErrNotFound)
	}
	return domain.DecodePost(raw[0])
}

func (c *Client) CreatePost(ctx context.Context, np domain.NewPost) (*domain.Post, error) {
	body := map[string]any{
		"user_id":   np.UserID,
		"content":   np.Content,
		"image_url": np.ImageURL,
	}
	var raw []json.RawMessage
	_, err := c.do(ctx, request{
		method:  http.MethodPost,
		path:    restPrefix + "posts",
		query:   url.Values{"select": {withProfile}},
		body:    body,
		headers: map[string]string{"Prefer": "return=representation"},
	}, &raw)
	if err != nil {
		return nil, fmt.Errorf("insert post: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: insert returned no row", domain.ErrMalformed)
	}
	return domain.DecodePost(raw[0])
}

func (c *Client) DeletePost(ctx context.Context, id string) error {
	_, err := c.do(ctx, request{
		method: http.MethodDelete,
		path:   restPrefix + "posts",
		query:  url.Values{"id": {eq(id)}},
	}, nil)
	if err != nil {
		return fmt.Errorf("delete post %s: %w", id, err)
	}
	return nil
}

// CountRelations issues a HEAD request with an exact count and reads the
// total from Content-Range.
func (c *Client) CountRelations(ctx context.Context, kind domain.RelationKind, postID string) (int, error) {
	if !kind.Valid() {
		return 0, fmt.Errorf("%w: relation kind %q", domain.ErrInvalid, kind)
	}
	header, err := c.do(ctx, request{
		method:  http.MethodHead,
		path:    restPrefix + string(kind),
		query:   url.Values{"select": {"*"}, "post_id": {eq(postID)}},
		headers: map[string]string{"Prefer": "count=exact"},
	}, nil)
	if err != nil {
		return 0, fmt.Errorf("count %s for %s: %w", kind, postID, err)
	}
	n, err := parseContentRange(header.Get("Content-Range"))
	if err != nil {
		return 0, fmt.Errorf("count %s for %s: %w", kind, postID, err)
	}
	return n, nil
}

// parseContentRange extracts the total from "0-24/3573" or "*/0".
func parseContentRange(v string) (int, error) {
	i := strings.LastIndexByte(v, '/')
	if i < 0 {
		return 0, fmt.Errorf("%w: content-range %q", domain.ErrMalformed, v)
	}
	n, err := strconv.Atoi(v[i+1:])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: content-range %q", domain.ErrMalformed, v)
	}
	return n, nil
}

func (c *Client) InsertRelation(ctx context.Context, kind domain.RelationKind, postID, userID string) error {
	if kind != domain.Likes && kind != domain.Reposts {
		return fmt.Errorf("%w: relation kind %q", domain.ErrInvalid, kind)
	}
	_, err := c.do(ctx, request{
		method: http.MethodPost,
		path:   restPrefix + string(kind),
		body:   domain.Relation{PostID: postID, UserID: userID},
	}, nil)
	if err != nil {
		return fmt.Errorf("insert %s: %w", kind, err)
	}
	return nil
}

func (c *Client) DeleteRelation(ctx context.Context, kind domain.RelationKind, postID, userID string) error {
	if kind != domain.Likes && kind != domain.Reposts {
		return fmt.Errorf("%w: relation kind %q", domain.ErrInvalid, kind)
	}
	_, err := c.do(ctx, request{
		method: http.MethodDelete,
		path:   restPrefix + string(kind),
		query:  url.Values{"post_id": {eq(postID)}, "user_id": {eq(userID)}},
	}, nil)
	if err != nil {
		return fmt.Errorf("delete %s: %w", kind, err)
	}
	return nil
}

func (c *Client) ListUserRelations(ctx context.Context, kind domain.RelationKind, userID string) ([]string, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: relation kind %q", domain.ErrInvalid, kind)
	}
	var rels []domain.Relation
	_, err := c.do(ctx, request{
		method: http.MethodGet,
		path:   restPrefix + string(kind),
		query:  url.Values{"select": {"post_id"}, "user_id": {eq(userID)}},
	}, &rels)
	if err != nil {
		return nil, fmt.Errorf("select %s for %s: %w", kind, userID, err)
	}

	ids := make([]string, 0, len(rels))
	for _, r := range rels {
		if r.PostID != "" {
			ids = append(ids, r.PostID)
		}
	}
	return ids, nil
}

func (c *Client) GetProfile(ctx context.Context, userID string) (*domain.Profile, error) {
	var raw []json.RawMessage
	_, err := c.do(ctx, request{
		method: http.MethodGet,
		path:   restPrefix + "profiles",
		query:  url.Values{"select": {"*"}, "id": {eq(userID)}},
	}, &raw)
	if err != nil {
		return nil, fmt.Errorf("select profile %s: %w", userID, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("profile %s: %w", userID, domain.ErrNotFound)
	}
	return domain.DecodeProfile(raw[0])
}

func (c *Client) UpdateProfile(ctx context.Context, userID string, u domain.ProfileUpdate) error {
	body := make(map[string]any, 3)
	if u.Username != nil {
		body["username"] = *u.Username
	}
	if u.Bio != nil {
		if *u.Bio == "" {
			body["bio"] = nil
		} else {
			body["bio"] = *u.Bio
		}
	}
	if u.AvatarURL != nil {
		body["avatar_url"] = *u.AvatarURL
	}
	if len(body) == 0 {
		return nil
	}

	var raw []json.RawMessage
	_, err := c.do(ctx, request{
		method:  http.MethodPatch,
		path:    restPrefix + "profiles",
		query:   url.Values{"id": {eq(userID)}},
		body:    body,
		headers: map[string]string{"Prefer": "return=representation"},
	}, &raw)
	if err != nil {
		return fmt.Errorf("update profile %s: %w", userID, err)
	}
	if len(raw) == 0 {
		return fmt.Errorf("profile %s: %w", userID, domain.ErrNotFound)
	}
	return nil
}

func (c *Client) ListComments(ctx context.Context, postID string) ([]domain.Comment, error) {
	q := url.Values{
		"select":  {withProfile},
		"post_id": {eq(postID)},
		"order":   {"created_at.asc"},
	}
	var raw []json.RawMessage
	if _, err := c.do(ctx, request{method: http.MethodGet, path: restPrefix + "comments", query: q}, &raw); err != nil {
		return nil, fmt.Errorf("select comments for %s: %w", postID, err)
	}

	comments := make([]domain.Comment, 0, len(raw))
	c.rows("comments", raw, func(b []byte) error {
		var cm domain.Comment
		if err := json.Unmarshal(b, &cm); err != nil {
			return err
		}
		comments = append(comments, cm)
		return nil
	})
	return comments, nil
}

func (c *Client) CreateComment(ctx context.Context, postID, userID, content string) error {
	_, err := c.do(ctx, request{
		method: http.MethodPost,
		path:   restPrefix + "comments",
		body: map[string]string{
			"post_id": postID,
			"user_id": userID,
			"content": content,
		},
	}, nil)
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}
