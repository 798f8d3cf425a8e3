package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// PlaceholderName is shown for authors whose profile could not be resolved.
const PlaceholderName = "Anonymous"

var (
	// ErrNotFound is returned by gateways when the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrMalformed marks a row or change payload that failed validation at the
	// gateway boundary.
	ErrMalformed = errors.New("malformed record")

	// ErrInvalid marks caller input that was rejected before reaching the gateway.
	ErrInvalid = errors.New("invalid input")
)

// Post is a feed entry. The counters are derived from the likes, reposts and
// comments tables and are never stored on the post row itself.
type Post struct {
	// ID is the server-assigned identifier.
	ID string `json:"id"`

	// UserID is the author's user identifier.
	UserID string `json:"user_id"`

	// Content is the post text. It may be empty for image-only posts.
	Content string `json:"content"`

	// ImageURL is a public object storage URL, if the post has an image.
	ImageURL *string `json:"image_url"`

	CreatedAt time.Time `json:"created_at"`

	LikesCount    int `json:"likes_count"`
	RepostsCount  int `json:"reposts_count"`
	CommentsCount int `json:"comments_count"`

	// Profile is a snapshot of the author's profile, when joined.
	Profile *Profile `json:"profiles,omitempty"`
}

// Validate reports whether p can enter the data model.
func (p *Post) Validate() error {
	switch {
	case p.ID == "":
		return fmt.Errorf("%w: post without id", ErrMalformed)
	case p.UserID == "":
		return fmt.Errorf("%w: post %s without user_id", ErrMalformed, p.ID)
	case p.CreatedAt.IsZero():
		return fmt.Errorf("%w: post %s without created_at", ErrMalformed, p.ID)
	case p.LikesCount < 0 || p.RepostsCount < 0 || p.CommentsCount < 0:
		return fmt.Errorf("%w: post %s has negative counters", ErrMalformed, p.ID)
	}
	if p.Profile != nil {
		if err := p.Profile.Validate(); err != nil {
			// A broken join degrades to no profile rather than dropping the post.
			p.Profile = nil
		}
	}
	return nil
}

// AuthorName returns the author's username or the placeholder.
func (p *Post) AuthorName() string {
	if p.Profile == nil || strings.TrimSpace(p.Profile.Username) == "" {
		return PlaceholderName
	}
	return p.Profile.Username
}

// Clone returns a deep copy of p.
func (p Post) Clone() Post {
	if p.ImageURL != nil {
		v := *p.ImageURL
		p.ImageURL = &v
	}
	if p.Profile != nil {
		pr := p.Profile.Clone()
		p.Profile = &pr
	}
	return p
}

// Counts holds the three derived counters of a post.
type Counts struct {
	Likes    int
	Reposts  int
	Comments int
}

// PostPatch carries a partial update. Nil fields are left untouched.
type PostPatch struct {
	Content       *string
	ImageURL      *string
	LikesCount    *int
	RepostsCount  *int
	CommentsCount *int
}

// CountsPatch builds a patch that overwrites all three counters.
func CountsPatch(c Counts) PostPatch {
	return PostPatch{
		LikesCount:    &c.Likes,
		RepostsCount:  &c.Reposts,
		CommentsCount: &c.Comments,
	}
}

// Apply merges the non-nil fields of patch into p.
func (patch PostPatch) Apply(p *Post) {
	if patch.Content != nil {
		p.Content = *patch.Content
	}
	if patch.ImageURL != nil {
		if *patch.ImageURL == "" {
			p.ImageURL = nil
		} else {
			v := *patch.ImageURL
			p.ImageURL = &v
		}
	}
	if patch.LikesCount != nil {
		p.LikesCount = max(*patch.LikesCount, 0)
	}
	if patch.RepostsCount != nil {
		p.RepostsCount = max(*patch.RepostsCount, 0)
	}
	if patch.CommentsCount != nil {
		p.CommentsCount = max(*patch.CommentsCount, 0)
	}
}

// NewPost is the input for creating a post.
type NewPost struct {
	UserID   string
	Content  string
	ImageURL *string
}

// DecodePost parses and validates a post row image.
func DecodePost(data []byte) (*Post, error) {
	var p Post
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: decode post: %v", ErrMalformed, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// DecodeRowID extracts the "id" column from a row image.
func DecodeRowID(data []byte) (string, error) {
	var row struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &row); err != nil {
		return "", fmt.Errorf("%w: decode row id: %v", ErrMalformed, err)
	}
	if row.ID == "" {
		return "", fmt.Errorf("%w: row without id", ErrMalformed)
	}
	return row.ID, nil
}

// DecodePostPatch extracts the mutable columns of a post row image. Only the
// columns present in the payload end up in the patch.
func DecodePostPatch(data []byte) (string, PostPatch, error) {
	var row map[string]json.RawMessage
	if err := json.Unmarshal(data, &row); err != nil {
		return "", PostPatch{}, fmt.Errorf("%w: decode post patch: %v", ErrMalformed, err)
	}
	var id string
	if raw, ok := row["id"]; ok {
		if err := json.Unmarshal(raw, &id); err != nil {
			return "", PostPatch{}, fmt.Errorf("%w: decode post id: %v", ErrMalformed, err)
		}
	}
	if id == "" {
		return "", PostPatch{}, fmt.Errorf("%w: post update without id", ErrMalformed)
	}

	var patch PostPatch
	if raw, ok := row["content"]; ok {
		if err := json.Unmarshal(raw, &patch.Content); err != nil {
			return "", PostPatch{}, fmt.Errorf("%w: decode content: %v", ErrMalformed, err)
		}
	}
	if raw, ok := row["image_url"]; ok {
		var url *string
		if err := json.Unmarshal(raw, &url); err != nil {
			return "", PostPatch{}, fmt.Errorf("%w: decode image_url: %v", ErrMalformed, err)
		}
		// A null image_url clears the image.
		if url == nil {
			cleared := ""
			url = &cleared
		}
		patch.ImageURL = url
	}
	return id, patch, nil
}
