package feed

import (
	"sort"

	"github.com/blackmichael/feedsync/internal/domain"
)

// postCollection is the ordered feed materialization, newest first. It is not
// safe for concurrent use; Store guards it.
type postCollection struct {
	order []string
	byID  map[string]*domain.Post
}

func newPostCollection() *postCollection {
	return &postCollection{byID: make(map[string]*domain.Post)}
}

// replace swaps the whole collection for posts.
func (c *postCollection) replace(posts []domain.Post) {
	sorted := make([]domain.Post, 0, len(posts))
	seen := make(map[string]struct{}, len(posts))
	for _, p := range posts {
		if _, dup := seen[p.ID]; dup {
			continue
		}
		seen[p.ID] = struct{}{}
		sorted = append(sorted, p)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})

	c.order = make([]string, len(sorted))
	c.byID = make(map[string]*domain.Post, len(sorted))
	for i := range sorted {
		p := sorted[i]
		c.order[i] = p.ID
		c.byID[p.ID] = &p
	}
}

// upsert adds p unless an entry with the same id exists. Returns true if p
// was added.
func (c *postCollection) upsert(p domain.Post) bool {
	if _, ok := c.byID[p.ID]; ok {
		return false
	}
	i := sort.Search(len(c.order), func(i int) bool {
		return !c.byID[c.order[i]].CreatedAt.After(p.CreatedAt)
	})
	c.order = append(c.order, "")
	copy(c.order[i+1:], c.order[i:])
	c.order[i] = p.ID
	c.byID[p.ID] = &p
	return true
}

// remove deletes the post with the given id. Returns true if it was present.
func (c *postCollection) remove(id string) bool {
	if _, ok := c.byID[id]; !ok {
		return false
	}
	delete(c.byID, id)
	for i, oid := range c.order {
		if oid == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return true
}

// patch merges fields into an existing entry. Returns false if it is absent.
func (c *postCollection) patch(id string, fields domain.PostPatch) bool {
	p, ok := c.byID[id]
	if !ok {
		return false
	}
	fields.Apply(p)
	return true
}

func (c *postCollection) get(id string) (domain.Post, bool) {
	p, ok := c.byID[id]
	if !ok {
		return domain.Post{}, false
	}
	return p.Clone(), true
}

// counter returns the like or repost counter of a post.
func (c *postCollection) counter(id string, kind domain.RelationKind) (int, bool) {
	p, ok := c.byID[id]
	if !ok {
		return 0, false
	}
	switch kind {
	case domain.Likes:
		return p.LikesCount, true
	case domain.Reposts:
		return p.RepostsCount, true
	default:
		return p.CommentsCount, true
	}
}

func (c *postCollection) list() []domain.Post {
	out := make([]domain.Post, len(c.order))
	for i, id := range c.order {
		out[i] = c.byID[id].Clone()
	}
	return out
}

func (c *postCollection) len() int {
	return len(c.order)
}

// counterPatch builds a patch that sets the counter for kind.
func counterPatch(kind domain.RelationKind, value int) domain.PostPatch {
	switch kind {
	case domain.Likes:
		return domain.PostPatch{LikesCount: &value}
	case domain.Reposts:
		return domain.PostPatch{RepostsCount: &value}
	default:
		return domain.PostPatch{CommentsCount: &value}
	}
}
