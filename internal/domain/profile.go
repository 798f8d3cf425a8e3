package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Profile is the public profile of a user. Its ID equals the user ID.
type Profile struct {
	ID        string  `json:"id"`
	Username  string  `json:"username"`
	Bio       *string `json:"bio"`
	AvatarURL *string `json:"avatar_url"`
}

// Validate reports whether p can enter the profile cache.
func (p *Profile) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: profile without id", ErrMalformed)
	}
	return nil
}

// Clone returns a deep copy of p.
func (p Profile) Clone() Profile {
	if p.Bio != nil {
		v := *p.Bio
		p.Bio = &v
	}
	if p.AvatarURL != nil {
		v := *p.AvatarURL
		p.AvatarURL = &v
	}
	return p
}

// DecodeProfile parses and validates a profile row.
func DecodeProfile(data []byte) (*Profile, error) {
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: decode profile: %v", ErrMalformed, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// ProfileUpdate is a partial profile edit. Nil fields are left untouched; a
// non-nil empty Bio clears the biography.
type ProfileUpdate struct {
	Username  *string
	Bio       *string
	AvatarURL *string
}

// Comment is a reply on a post. Comments are append-only from the client's
// point of view and ordered by creation time ascending.
type Comment struct {
	ID        string    `json:"id"`
	PostID    string    `json:"post_id"`
	UserID    string    `json:"user_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	Profile   *Profile  `json:"profiles,omitempty"`
}

// Validate reports whether c can enter the data model.
func (c *Comment) Validate() error {
	switch {
	case c.ID == "":
		return fmt.Errorf("%w: comment without id", ErrMalformed)
	case c.PostID == "":
		return fmt.Errorf("%w: comment %s without post_id", ErrMalformed, c.ID)
	case c.CreatedAt.IsZero():
		return fmt.Errorf("%w: comment %s without created_at", ErrMalformed, c.ID)
	}
	if c.Profile != nil && c.Profile.Validate() != nil {
		c.Profile = nil
	}
	return nil
}

// DecodeComment parses and validates a comment row.
func DecodeComment(data []byte) (*Comment, error) {
	var c Comment
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: decode comment: %v", ErrMalformed, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// RelationKind names a join table keyed by (post_id, user_id).
type RelationKind string

const (
	Likes    RelationKind = "likes"
	Reposts  RelationKind = "reposts"
	Comments RelationKind = "comments"
)

// Valid reports whether k is a known relation table.
func (k RelationKind) Valid() bool {
	switch k {
	case Likes, Reposts, Comments:
		return true
	}
	return false
}

// Relation is an existence-only (post, user) pair such as a like or repost.
type Relation struct {
	PostID string `json:"post_id"`
	UserID string `json:"user_id"`
}

// DecodeRelation parses a like/repost/comment row image. Only post_id is
// required; user_id may be absent from DELETE images.
func DecodeRelation(data []byte) (Relation, error) {
	var r Relation
	if err := json.Unmarshal(data, &r); err != nil {
		return Relation{}, fmt.Errorf("%w: decode relation: %v", ErrMalformed, err)
	}
	if r.PostID == "" {
		return Relation{}, fmt.Errorf("%w: relation without post_id", ErrMalformed)
	}
	return r, nil
}
