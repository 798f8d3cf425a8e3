package messaging

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/blackmichael/feedsync/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "feedsync.likes", Subject(domain.TableLikes))
}

func TestDecodeEvent(t *testing.T) {
	ev, err := decodeEvent(domain.TablePosts, []byte(`{"table":"posts","op":"DELETE","old":{"id":"p1"}}`))
	require.NoError(t, err)
	assert.Equal(t, domain.OpDelete, ev.Op)
	assert.JSONEq(t, `{"id":"p1"}`, string(ev.Old))

	_, err = decodeEvent(domain.TablePosts, []byte(`{"table":"likes","op":"INSERT"}`))
	assert.ErrorIs(t, err, domain.ErrMalformed)
	_, err = decodeEvent(domain.TablePosts, []byte(`{"table":"posts","op":"TRUNCATE"}`))
	assert.ErrorIs(t, err, domain.ErrMalformed)
	_, err = decodeEvent(domain.TablePosts, []byte(`nope`))
	assert.ErrorIs(t, err, domain.ErrMalformed)
}

// chanFeed is an upstream ChangeFeed whose events are pushed by the test.
type chanFeed struct {
	ch chan domain.ChangeEvent
}

type chanSub struct{ ch chan domain.ChangeEvent }

func (s chanSub) Events() <-chan domain.ChangeEvent { return s.ch }
func (s chanSub) Close() error                      { return nil }

func (f *chanFeed) Subscribe(context.Context, domain.Table) (domain.Subscription, error) {
	return chanSub{f.ch}, nil
}

func TestRelay_RoundTrip(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set")
	}
	logger := discardLogger()
	nc, err := Connect(url, logger)
	require.NoError(t, err)
	defer nc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := NewFeed(nc, logger).Subscribe(ctx, domain.TablePosts)
	require.NoError(t, err)
	defer sub.Close()

	upstream := &chanFeed{ch: make(chan domain.ChangeEvent, 1)}
	done := make(chan error, 1)
	go func() { done <- NewRelay(upstream, nc, logger).Run(ctx, domain.TablePosts) }()

	upstream.ch <- domain.ChangeEvent{
		Table: domain.TablePosts,
		Op:    domain.OpInsert,
		New:   json.RawMessage(`{"id":"p1"}`),
	}

	select {
	case ev := <-sub.Events():
		assert.Equal(t, domain.OpInsert, ev.Op)
		assert.JSONEq(t, `{"id":"p1"}`, string(ev.New))
	case <-time.After(5 * time.Second):
		t.Fatal("event not relayed")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not stop")
	}
}

func TestRelay_UpstreamEnds(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set")
	}
	nc, err := Connect(url, discardLogger())
	require.NoError(t, err)
	defer nc.Close()

	upstream := &chanFeed{ch: make(chan domain.ChangeEvent)}
	close(upstream.ch)
	err = NewRelay(upstream, nc, discardLogger()).Run(context.Background(), domain.TableLikes)
	assert.ErrorContains(t, err, "likes subscription ended")
}
