package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/blackmichael/feedsync/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type relKey struct {
	postID string
	userID string
}

// fakeGateway is an in-memory domain.Gateway with injectable failures.
type fakeGateway struct {
	mu        sync.Mutex
	posts     map[string]domain.Post
	relations map[domain.RelationKind]map[relKey]struct{}
	comments  map[string][]domain.Comment
	profiles  map[string]domain.Profile
	updates   []domain.ProfileUpdate

	listErr       error
	countErr      error
	writeErr      error
	deletePostErr error
	profileErr    error

	// writeGate, when set, blocks each relation write until it receives.
	writeGate chan struct{}
	// profileGate, when set, blocks each profile fetch until it is closed.
	profileGate chan struct{}

	profileFetches int
	countCalls     int
	nextID         int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		posts: make(map[string]domain.Post),
		relations: map[domain.RelationKind]map[relKey]struct{}{
			domain.Likes:   {},
			domain.Reposts: {},
		},
		comments: make(map[string][]domain.Comment),
		profiles: make(map[string]domain.Profile),
	}
}

func (g *fakeGateway) addPost(id, userID string, at time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p := domain.Post{ID: id, UserID: userID, Content: "post " + id, CreatedAt: at}
	if pr, ok := g.profiles[userID]; ok {
		pr := pr
		p.Profile = &pr
	}
	g.posts[id] = p
}

func (g *fakeGateway) addProfile(id, username string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.profiles[id] = domain.Profile{ID: id, Username: username}
}

func (g *fakeGateway) addRelation(kind domain.RelationKind, postID, userID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.relations[kind][relKey{postID, userID}] = struct{}{}
}

func (g *fakeGateway) hasRelation(kind domain.RelationKind, postID, userID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.relations[kind][relKey{postID, userID}]
	return ok
}

func (g *fakeGateway) setErr(target *error, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	*target = err
}

func (g *fakeGateway) ListPosts(_ context.Context, authorID string) ([]domain.Post, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listErr != nil {
		return nil, g.listErr
	}
	var out []domain.Post
	for _, p := range g.posts {
		if authorID == "" || p.UserID == authorID {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (g *fakeGateway) GetPost(_ context.Context, id string) (*domain.Post, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.posts[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	p = p.Clone()
	return &p, nil
}

func (g *fakeGateway) CreatePost(_ context.Context, np domain.NewPost) (*domain.Post, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextID++
	p := domain.Post{
		ID:        fmt.Sprintf("created-%d", g.nextID),
		UserID:    np.UserID,
		Content:   np.Content,
		ImageURL:  np.ImageURL,
		CreatedAt: time.Now(),
	}
	g.posts[p.ID] = p
	return &p, nil
}

func (g *fakeGateway) DeletePost(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.deletePostErr != nil {
		return g.deletePostErr
	}
	delete(g.posts, id)
	return nil
}

func (g *fakeGateway) CountRelations(_ context.Context, kind domain.RelationKind, postID string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.countCalls++
	if g.countErr != nil {
		return 0, g.countErr
	}
	if kind == domain.Comments {
		return len(g.comments[postID]), nil
	}
	n := 0
	for k := range g.relations[kind] {
		if k.postID == postID {
			n++
		}
	}
	return n, nil
}

func (g *fakeGateway) waitGate() {
	g.mu.Lock()
	gate := g.writeGate
	g.mu.Unlock()
	if gate != nil {
		<-gate
	}
}

func (g *fakeGateway) InsertRelation(_ context.Context, kind domain.RelationKind, postID, userID string) error {
	g.waitGate()
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.writeErr != nil {
		return g.writeErr
	}
	g.relations[kind][relKey{postID, userID}] = struct{}{}
	return nil
}

func (g *fakeGateway) DeleteRelation(_ context.Context, kind domain.RelationKind, postID, userID string) error {
	g.waitGate()
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.writeErr != nil {
		return g.writeErr
	}
	delete(g.relations[kind], relKey{postID, userID})
	return nil
}

func (g *fakeGateway) ListUserRelations(_ context.Context, kind domain.RelationKind, userID string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listErr != nil {
		return nil, g.listErr
	}
	var ids []string
	for k := range g.relations[kind] {
		if k.userID == userID {
			ids = append(ids, k.postID)
		}
	}
	return ids, nil
}

func (g *fakeGateway) GetProfile(_ context.Context, userID string) (*domain.Profile, error) {
	if g.profileGate != nil {
		<-g.profileGate
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.profileFetches++
	if g.profileErr != nil {
		return nil, g.profileErr
	}
	p, ok := g.profiles[userID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	p = p.Clone()
	return &p, nil
}

func (g *fakeGateway) UpdateProfile(_ context.Context, userID string, u domain.ProfileUpdate) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.updates = append(g.updates, u)
	if g.writeErr != nil {
		return g.writeErr
	}
	p, ok := g.profiles[userID]
	if !ok {
		p = domain.Profile{ID: userID}
	}
	if u.Username != nil {
		p.Username = *u.Username
	}
	if u.Bio != nil {
		if *u.Bio == "" {
			p.Bio = nil
		} else {
			v := *u.Bio
			p.Bio = &v
		}
	}
	if u.AvatarURL != nil {
		v := *u.AvatarURL
		p.AvatarURL = &v
	}
	g.profiles[userID] = p
	return nil
}

func (g *fakeGateway) ListComments(_ context.Context, postID string) ([]domain.Comment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]domain.Comment(nil), g.comments[postID]...), nil
}

func (g *fakeGateway) CreateComment(_ context.Context, postID, userID, content string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextID++
	c := domain.Comment{
		ID:        fmt.Sprintf("comment-%d", g.nextID),
		PostID:    postID,
		UserID:    userID,
		Content:   content,
		CreatedAt: time.Now(),
	}
	if pr, ok := g.profiles[userID]; ok {
		pr := pr
		c.Profile = &pr
	}
	g.comments[postID] = append(g.comments[postID], c)
	return nil
}

// fakeFeed is a domain.ChangeFeed whose events are pushed by tests.
type fakeFeed struct {
	mu   sync.Mutex
	subs map[domain.Table]*fakeSub
	fail map[domain.Table]error
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		subs: make(map[domain.Table]*fakeSub),
		fail: make(map[domain.Table]error),
	}
}

func (f *fakeFeed) Subscribe(_ context.Context, table domain.Table) (domain.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[table]; err != nil {
		return nil, err
	}
	sub := &fakeSub{events: make(chan domain.ChangeEvent, 16)}
	f.subs[table] = sub
	return sub, nil
}

func (f *fakeFeed) push(table domain.Table, op domain.Op, newRow, oldRow any) {
	f.mu.Lock()
	sub := f.subs[table]
	f.mu.Unlock()

	ev := domain.ChangeEvent{Table: table, Op: op}
	if newRow != nil {
		ev.New, _ = json.Marshal(newRow)
	}
	if oldRow != nil {
		ev.Old, _ = json.Marshal(oldRow)
	}
	sub.events <- ev
}

func (f *fakeFeed) sub(table domain.Table) *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[table]
}

type fakeSub struct {
	events chan domain.ChangeEvent
	once   sync.Once
	closed bool
	mu     sync.Mutex
}

func (s *fakeSub) Events() <-chan domain.ChangeEvent { return s.events }

func (s *fakeSub) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
	})
	return nil
}

// end closes the event stream as if the server dropped the channel.
func (s *fakeSub) end() { close(s.events) }

func (s *fakeSub) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// fakeObjects records uploads and returns deterministic URLs.
type fakeObjects struct {
	mu      sync.Mutex
	uploads []string
	err     error
}

func (o *fakeObjects) Upload(_ context.Context, bucket, path string, _ []byte, _ string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return "", o.err
	}
	o.uploads = append(o.uploads, bucket+"/"+path)
	return "https://cdn.example.com/" + bucket + "/" + path, nil
}
