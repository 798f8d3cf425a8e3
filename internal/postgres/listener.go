package postgres

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/blackmichael/feedsync/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const relistenBackoff = 5 * time.Second

// Feed is a domain.ChangeFeed over LISTEN/NOTIFY. The triggers installed by
// EnsureSchema publish each row change on channel feed_<table>.
type Feed struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ domain.ChangeFeed = (*Feed)(nil)

// NewFeed creates a change feed sharing pool with the repository.
func NewFeed(pool *pgxpool.Pool, logger *slog.Logger) *Feed {
	return &Feed{pool: pool, logger: logger}
}

func channelFor(table domain.Table) string {
	return pgx.Identifier{"feed_" + string(table)}.Sanitize()
}

// Subscribe holds one pooled connection in LISTEN mode for the table and
// returns once the LISTEN has been issued.
func (f *Feed) Subscribe(ctx context.Context, table domain.Table) (domain.Subscription, error) {
	conn, err := f.listen(ctx, table)
	if err != nil {
		return nil, err
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &listener{
		feed:   f,
		table:  table,
		ctx:    sctx,
		cancel: cancel,
		events: make(chan domain.ChangeEvent, 64),
		done:   make(chan struct{}),
		logger: f.logger.With("table", table),
	}
	go s.run(conn)
	return s, nil
}

func (f *Feed) listen(ctx context.Context, table domain.Table) (*pgxpool.Conn, error) {
	conn, err := f.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+channelFor(table)); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen %s: %w", table, err)
	}
	return conn, nil
}

type listener struct {
	feed   *Feed
	table  domain.Table
	ctx    context.Context
	cancel context.CancelFunc
	events chan domain.ChangeEvent
	done   chan struct{}
	logger *slog.Logger
}

func (s *listener) Events() <-chan domain.ChangeEvent { return s.events }

func (s *listener) Close() error {
	s.cancel()
	<-s.done
	return nil
}

func (s *listener) run(conn *pgxpool.Conn) {
	defer close(s.done)
	defer close(s.events)

	for {
		err := s.wait(conn)
		s.release(conn)
		if s.ctx.Err() != nil {
			return
		}
		s.logger.Error("listen connection error, reconnecting", "error", err)

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(relistenBackoff):
			}
			conn, err = s.feed.listen(s.ctx, s.table)
			if err == nil {
				break
			}
			s.logger.Warn("relisten failed", "error", err)
		}
	}
}

func (s *listener) wait(conn *pgxpool.Conn) error {
	for {
		n, err := conn.Conn().WaitForNotification(s.ctx)
		if err != nil {
			return err
		}
		ev, err := decodeNotification(n.Payload)
		if err != nil {
			s.logger.Warn("dropping malformed notification", "error", err)
			continue
		}
		select {
		case s.events <- ev:
		case <-s.ctx.Done():
			return s.ctx.Err()
		}
	}
}

// release returns a healthy connection to the pool after UNLISTEN; a broken
// one is closed instead.
func (s *listener) release(conn *pgxpool.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := conn.Exec(ctx, "UNLISTEN "+channelFor(s.table)); err != nil {
		_ = conn.Hijack().Close(ctx)
		return
	}
	conn.Release()
}

func decodeNotification(payload string) (domain.ChangeEvent, error) {
	var ev domain.ChangeEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return domain.ChangeEvent{}, fmt.Errorf("%w: decode notification: %v", domain.ErrMalformed, err)
	}
	if _, err := domain.ParseOp(string(ev.Op)); err != nil {
		return domain.ChangeEvent{}, err
	}
	ev.New = nullToNil(ev.New)
	ev.Old = nullToNil(ev.Old)
	return ev, nil
}

func nullToNil(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	return raw
}
