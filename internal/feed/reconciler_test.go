package feed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/blackmichael/feedsync/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 2 * time.Millisecond
)

type row map[string]any

func realtimeStore(t *testing.T, gw *fakeGateway, userID string) (*Store, *fakeFeed) {
	t.Helper()
	feed := newFakeFeed()
	s := newTestStore(gw, Options{Changes: feed})
	require.NoError(t, s.FetchPosts(context.Background(), ""))
	require.NoError(t, s.SetupRealtime(context.Background(), userID))
	t.Cleanup(s.CleanupRealtime)
	return s, feed
}

// flushPosts waits until every posts event pushed so far has been applied and
// their follow-ups have finished.
func flushPosts(t *testing.T, s *Store, feed *fakeFeed) {
	t.Helper()
	s.admit(domain.Post{ID: "sentinel", UserID: "x", CreatedAt: base.Add(-time.Hour)})
	feed.push(domain.TablePosts, domain.OpDelete, nil, row{"id": "sentinel"})
	require.Eventually(t, func() bool {
		_, ok := s.GetPostByID("sentinel")
		return !ok
	}, waitFor, tick)
	s.background.Wait()
}

// flushLikes is flushPosts for the likes channel. The store must be set up
// with currentUserID "me".
func flushLikes(t *testing.T, s *Store, feed *fakeFeed) {
	t.Helper()
	feed.push(domain.TableLikes, domain.OpInsert, row{"post_id": "sentinel", "user_id": "me"}, nil)
	require.Eventually(t, func() bool { return s.IsLiked("sentinel") }, waitFor, tick)
	s.background.Wait()
}

func TestRealtime_InsertIsIdempotent(t *testing.T) {
	gw := newFakeGateway()
	gw.addProfile("u1", "alice")
	s, feed := realtimeStore(t, gw, "me")

	gw.addPost("p1", "u1", base)
	gw.addRelation(domain.Likes, "p1", "u2")
	feed.push(domain.TablePosts, domain.OpInsert, row{"id": "p1", "user_id": "u1"}, nil)
	feed.push(domain.TablePosts, domain.OpInsert, row{"id": "p1", "user_id": "u1"}, nil)
	flushPosts(t, s, feed)

	posts := s.Posts()
	require.Len(t, posts, 1)
	assert.Equal(t, "p1", posts[0].ID)
	assert.Equal(t, 1, posts[0].LikesCount)
	assert.Equal(t, "alice", posts[0].AuthorName())
	cached, ok := s.GetProfile("u1")
	require.True(t, ok)
	assert.Equal(t, "alice", cached.Username)
}

func TestRealtime_InsertOfVanishedPostIsIgnored(t *testing.T) {
	gw := newFakeGateway()
	s, feed := realtimeStore(t, gw, "me")

	feed.push(domain.TablePosts, domain.OpInsert, row{"id": "ghost"}, nil)
	flushPosts(t, s, feed)

	assert.Empty(t, s.Posts())
}

func TestRealtime_UpdatePatchesInPlace(t *testing.T) {
	gw := newFakeGateway()
	gw.addPost("p1", "u1", base)
	gw.addRelation(domain.Likes, "p1", "u2")
	s, feed := realtimeStore(t, gw, "me")

	feed.push(domain.TablePosts, domain.OpUpdate, row{"id": "p1", "content": "edited", "image_url": "https://cdn.example.com/x.jpg"}, nil)
	feed.push(domain.TablePosts, domain.OpUpdate, row{"id": "absent", "content": "nope"}, nil)
	flushPosts(t, s, feed)

	p, ok := s.GetPostByID("p1")
	require.True(t, ok)
	assert.Equal(t, "edited", p.Content)
	require.NotNil(t, p.ImageURL)
	assert.Equal(t, "https://cdn.example.com/x.jpg", *p.ImageURL)
	assert.Equal(t, 1, p.LikesCount, "counters survive a row update")
	assert.Len(t, s.Posts(), 1)

	feed.push(domain.TablePosts, domain.OpUpdate, row{"id": "p1", "image_url": nil}, nil)
	flushPosts(t, s, feed)
	p, _ = s.GetPostByID("p1")
	assert.Nil(t, p.ImageURL)
	assert.Equal(t, "edited", p.Content)
}

func TestRealtime_DeleteIsIdempotent(t *testing.T) {
	gw := newFakeGateway()
	gw.addPost("p1", "u1", base)
	gw.addPost("p2", "u1", base.Add(time.Minute))
	s, feed := realtimeStore(t, gw, "me")

	feed.push(domain.TablePosts, domain.OpDelete, nil, row{"id": "p1"})
	feed.push(domain.TablePosts, domain.OpDelete, nil, row{"id": "p1"})
	feed.push(domain.TablePosts, domain.OpDelete, nil, row{"id": "never-existed"})
	flushPosts(t, s, feed)

	assert.Equal(t, []string{"p2"}, ids(s.Posts()))
}

func TestRealtime_MalformedEventsAreDropped(t *testing.T) {
	gw := newFakeGateway()
	gw.addPost("p1", "u1", base)
	s, feed := realtimeStore(t, gw, "me")

	feed.push(domain.TablePosts, domain.OpDelete, nil, row{"content": "no id"})
	feed.push(domain.TablePosts, domain.OpUpdate, row{"id": 42}, nil)
	feed.push(domain.TablePosts, domain.OpInsert, "not an object", nil)
	flushPosts(t, s, feed)

	assert.Equal(t, []string{"p1"}, ids(s.Posts()))
}

func TestRealtime_LikeEventsForCurrentUser(t *testing.T) {
	gw := newFakeGateway()
	gw.addPost("p1", "u1", base)
	s, feed := realtimeStore(t, gw, "me")

	gw.addRelation(domain.Likes, "p1", "me")
	feed.push(domain.TableLikes, domain.OpInsert, row{"post_id": "p1", "user_id": "me"}, nil)
	flushLikes(t, s, feed)

	assert.True(t, s.IsLiked("p1"))
	assert.Equal(t, 1, likes(t, s, "p1"))

	// A repeated INSERT changes nothing.
	feed.push(domain.TableLikes, domain.OpInsert, row{"post_id": "p1", "user_id": "me"}, nil)
	flushLikes(t, s, feed)
	assert.Equal(t, []string{"p1", "sentinel"}, s.LikedPostIDs())

	gw.mu.Lock()
	delete(gw.relations[domain.Likes], relKey{"p1", "me"})
	gw.mu.Unlock()
	feed.push(domain.TableLikes, domain.OpDelete, nil, row{"post_id": "p1", "user_id": "me"})
	flushLikes(t, s, feed)

	assert.False(t, s.IsLiked("p1"))
	assert.Equal(t, 0, likes(t, s, "p1"))
}

func TestRealtime_LikeEventsForOtherUsers(t *testing.T) {
	gw := newFakeGateway()
	gw.addPost("p1", "u1", base)
	s, feed := realtimeStore(t, gw, "me")

	gw.addRelation(domain.Likes, "p1", "someone")
	gw.addRelation(domain.Likes, "p1", "another")
	feed.push(domain.TableLikes, domain.OpInsert, row{"post_id": "p1", "user_id": "someone"}, nil)
	flushLikes(t, s, feed)

	assert.False(t, s.IsLiked("p1"))
	assert.Equal(t, 2, likes(t, s, "p1"), "counters come from the backend, not the event")
}

func TestRealtime_AnonymousSessionNeverTouchesSets(t *testing.T) {
	gw := newFakeGateway()
	gw.addPost("p1", "u1", base)
	s, feed := realtimeStore(t, gw, "")

	gw.addRelation(domain.Reposts, "p1", "")
	feed.push(domain.TableReposts, domain.OpInsert, row{"post_id": "p1", "user_id": ""}, nil)
	require.Eventually(t, func() bool {
		p, _ := s.GetPostByID("p1")
		return p.RepostsCount == 1
	}, waitFor, tick)

	assert.Empty(t, s.RepostedPostIDs())
}

func TestRealtime_CommentEventsRefreshCounts(t *testing.T) {
	gw := newFakeGateway()
	gw.addPost("p1", "u1", base)
	s, feed := realtimeStore(t, gw, "me")

	gw.mu.Lock()
	gw.comments["p1"] = []domain.Comment{{ID: "c1", PostID: "p1", UserID: "u2", CreatedAt: base}}
	gw.mu.Unlock()
	feed.push(domain.TableComments, domain.OpInsert, row{"id": "c1", "post_id": "p1", "user_id": "u2"}, nil)

	require.Eventually(t, func() bool {
		p, _ := s.GetPostByID("p1")
		return p.CommentsCount == 1
	}, waitFor, tick)
}

func TestRealtime_StatusLifecycle(t *testing.T) {
	gw := newFakeGateway()
	feed := newFakeFeed()
	s := newTestStore(gw, Options{Changes: feed})

	for table, st := range s.RealtimeStatus() {
		assert.Equal(t, Unsubscribed, st, table)
	}

	require.NoError(t, s.SetupRealtime(context.Background(), "me"))
	status := s.RealtimeStatus()
	assert.Len(t, status, len(realtimeTables))
	for _, table := range realtimeTables {
		assert.Equal(t, Active, status[table], table)
	}
	first := feed.sub(domain.TablePosts)

	// Setting up again replaces the previous channels.
	require.NoError(t, s.SetupRealtime(context.Background(), "me"))
	assert.True(t, first.isClosed())
	second := feed.sub(domain.TablePosts)
	assert.NotSame(t, first, second)

	s.CleanupRealtime()
	assert.True(t, second.isClosed())
	for table, st := range s.RealtimeStatus() {
		assert.Equal(t, Unsubscribed, st, table)
	}

	// Cleanup twice is harmless.
	s.CleanupRealtime()
}

func TestRealtime_EndedStreamIsUnsubscribed(t *testing.T) {
	gw := newFakeGateway()
	gw.addPost("p1", "u1", base)
	s, feed := realtimeStore(t, gw, "me")

	feed.sub(domain.TableLikes).end()

	require.Eventually(t, func() bool {
		return s.RealtimeStatus()[domain.TableLikes] == Unsubscribed
	}, waitFor, tick)
	status := s.RealtimeStatus()
	assert.Equal(t, Active, status[domain.TablePosts])
	assert.Equal(t, Active, status[domain.TableReposts])

	// Other channels keep reconciling.
	feed.push(domain.TablePosts, domain.OpDelete, nil, row{"id": "p1"})
	flushPosts(t, s, feed)
	_, ok := s.GetPostByID("p1")
	assert.False(t, ok)

	require.NoError(t, s.SetupRealtime(context.Background(), "me"))
	assert.Equal(t, Active, s.RealtimeStatus()[domain.TableLikes], "setting up again resubscribes")
}

func TestRealtime_PartialSubscribeFailure(t *testing.T) {
	gw := newFakeGateway()
	feed := newFakeFeed()
	feed.fail[domain.TableReposts] = errors.New("channel rejected")
	s := newTestStore(gw, Options{Changes: feed})
	t.Cleanup(s.CleanupRealtime)

	err := s.SetupRealtime(context.Background(), "me")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "reposts")
	status := s.RealtimeStatus()
	assert.Equal(t, Unsubscribed, status[domain.TableReposts])
	assert.Equal(t, Active, status[domain.TablePosts])
	assert.Equal(t, Active, status[domain.TableLikes])
	assert.Equal(t, Active, status[domain.TableComments])
}

func TestRealtime_RequiresChangeFeed(t *testing.T) {
	s := newTestStore(newFakeGateway(), Options{})
	assert.Error(t, s.SetupRealtime(context.Background(), "me"))
}

func TestChannelStateString(t *testing.T) {
	assert.Equal(t, "unsubscribed", Unsubscribed.String())
	assert.Equal(t, "subscribing", Subscribing.String())
	assert.Equal(t, "active", Active.String())
}
