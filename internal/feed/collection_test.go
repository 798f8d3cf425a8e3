package feed

import (
	"testing"
	"time"

	"github.com/blackmichael/feedsync/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func post(id string, at time.Time) domain.Post {
	return domain.Post{ID: id, UserID: "u1", CreatedAt: at}
}

func TestCollection_ReplaceSortsAndDedups(t *testing.T) {
	c := newPostCollection()
	c.replace([]domain.Post{
		post("a", base),
		post("b", base.Add(time.Hour)),
		post("a", base.Add(2*time.Hour)),
		post("c", base.Add(-time.Hour)),
	})

	assert.Equal(t, []string{"b", "a", "c"}, ids(c.list()))
	assert.Equal(t, 3, c.len())
}

func TestCollection_UpsertKeepsOrder(t *testing.T) {
	c := newPostCollection()
	c.replace([]domain.Post{post("a", base.Add(2*time.Hour)), post("c", base)})

	require.True(t, c.upsert(post("b", base.Add(time.Hour))))
	require.True(t, c.upsert(post("d", base.Add(3*time.Hour))))
	require.True(t, c.upsert(post("e", base.Add(-time.Hour))))
	assert.Equal(t, []string{"d", "a", "b", "c", "e"}, ids(c.list()))

	assert.False(t, c.upsert(post("a", base.Add(10*time.Hour))))
	assert.Equal(t, 5, c.len())
}

func TestCollection_UpsertBeforeEqualTimestamp(t *testing.T) {
	c := newPostCollection()
	c.replace([]domain.Post{post("old", base)})
	c.upsert(post("new", base))
	assert.Equal(t, []string{"new", "old"}, ids(c.list()))
}

func TestCollection_RemoveIsIdempotent(t *testing.T) {
	c := newPostCollection()
	c.replace([]domain.Post{post("a", base), post("b", base.Add(time.Minute))})

	assert.True(t, c.remove("a"))
	assert.False(t, c.remove("a"))
	assert.False(t, c.remove("missing"))
	assert.Equal(t, []string{"b"}, ids(c.list()))
}

func TestCollection_PatchAndCounter(t *testing.T) {
	c := newPostCollection()
	c.replace([]domain.Post{post("a", base)})

	assert.True(t, c.patch("a", counterPatch(domain.Likes, 4)))
	assert.True(t, c.patch("a", counterPatch(domain.Reposts, -2)))
	assert.False(t, c.patch("missing", counterPatch(domain.Likes, 1)))

	likes, ok := c.counter("a", domain.Likes)
	require.True(t, ok)
	assert.Equal(t, 4, likes)
	reposts, _ := c.counter("a", domain.Reposts)
	assert.Equal(t, 0, reposts, "counters never go negative")

	_, ok = c.counter("missing", domain.Likes)
	assert.False(t, ok)
}

func TestCollection_GetReturnsCopy(t *testing.T) {
	url := "https://cdn.example.com/a.jpg"
	p := post("a", base)
	p.ImageURL = &url
	c := newPostCollection()
	c.replace([]domain.Post{p})

	got, ok := c.get("a")
	require.True(t, ok)
	*got.ImageURL = "changed"
	got.Content = "changed"

	again, _ := c.get("a")
	assert.Equal(t, url, *again.ImageURL)
	assert.Empty(t, again.Content)
}

func TestIDSet(t *testing.T) {
	s := newIDSet("b", "a")
	s.add("c")
	s.add("a")
	s.remove("b")
	s.remove("missing")

	assert.True(t, s.has("a"))
	assert.False(t, s.has("b"))
	assert.Equal(t, []string{"a", "c"}, s.list())
}
