// Package messaging carries change events over NATS so several feed
// processes can share one upstream change feed.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/blackmichael/feedsync/internal/domain"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"
)

const subjectPrefix = "feedsync."

// Subject returns the NATS subject carrying a table's changes.
func Subject(table domain.Table) string {
	return subjectPrefix + string(table)
}

// Connect dials NATS with reconnects enabled forever.
func Connect(url string, logger *slog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("feedsync"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}

// Feed is a domain.ChangeFeed reading events a Relay published.
type Feed struct {
	nc     *nats.Conn
	logger *slog.Logger
}

var _ domain.ChangeFeed = (*Feed)(nil)

func NewFeed(nc *nats.Conn, logger *slog.Logger) *Feed {
	return &Feed{nc: nc, logger: logger}
}

// Subscribe returns once the server has acknowledged the subscription.
func (f *Feed) Subscribe(ctx context.Context, table domain.Table) (domain.Subscription, error) {
	msgs := make(chan *nats.Msg, 256)
	ns, err := f.nc.ChanSubscribe(Subject(table), msgs)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", Subject(table), err)
	}
	if err := f.nc.FlushWithContext(ctx); err != nil {
		ns.Unsubscribe()
		return nil, fmt.Errorf("flush subscription %s: %w", Subject(table), err)
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &subscription{
		ns:     ns,
		msgs:   msgs,
		table:  table,
		events: make(chan domain.ChangeEvent, 64),
		cancel: cancel,
		done:   make(chan struct{}),
		logger: f.logger.With("subject", Subject(table)),
	}
	go s.run(sctx)
	return s, nil
}

type subscription struct {
	ns     *nats.Subscription
	msgs   chan *nats.Msg
	table  domain.Table
	events chan domain.ChangeEvent
	cancel context.CancelFunc
	done   chan struct{}
	logger *slog.Logger
}

func (s *subscription) Events() <-chan domain.ChangeEvent { return s.events }

func (s *subscription) Close() error {
	s.cancel()
	<-s.done
	return nil
}

func (s *subscription) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.events)
	defer s.ns.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.msgs:
			ev, err := decodeEvent(s.table, msg.Data)
			if err != nil {
				s.logger.Warn("dropping malformed event", "error", err)
				continue
			}
			select {
			case s.events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

func decodeEvent(table domain.Table, data []byte) (domain.ChangeEvent, error) {
	var ev domain.ChangeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return domain.ChangeEvent{}, fmt.Errorf("%w: decode event: %v", domain.ErrMalformed, err)
	}
	if ev.Table != table {
		return domain.ChangeEvent{}, fmt.Errorf("%w: event for %q on %q subject", domain.ErrMalformed, ev.Table, table)
	}
	if _, err := domain.ParseOp(string(ev.Op)); err != nil {
		return domain.ChangeEvent{}, err
	}
	return ev, nil
}

// Relay republishes an upstream change feed onto NATS.
type Relay struct {
	upstream domain.ChangeFeed
	nc       *nats.Conn
	logger   *slog.Logger
}

func NewRelay(upstream domain.ChangeFeed, nc *nats.Conn, logger *slog.Logger) *Relay {
	return &Relay{upstream: upstream, nc: nc, logger: logger}
}

// Run subscribes upstream to every table and publishes until ctx is
// cancelled or an upstream subscription ends.
func (r *Relay) Run(ctx context.Context, tables ...domain.Table) error {
	subs := make([]domain.Subscription, 0, len(tables))
	defer func() {
		for _, sub := range subs {
			sub.Close()
		}
	}()
	for _, table := range tables {
		sub, err := r.upstream.Subscribe(ctx, table)
		if err != nil {
			return fmt.Errorf("subscribe upstream %s: %w", table, err)
		}
		subs = append(subs, sub)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, sub := range subs {
		table := tables[i]
		g.Go(func() error {
			return r.pump(gctx, table, sub)
		})
	}
	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (r *Relay) pump(ctx context.Context, table domain.Table, sub domain.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				return fmt.Errorf("upstream %s subscription ended", table)
			}
			data, err := json.Marshal(ev)
			if err != nil {
				return fmt.Errorf("encode event: %w", err)
			}
			if err := r.nc.Publish(Subject(table), data); err != nil {
				r.logger.Error("failed to publish event", "table", table, "error", err)
				continue
			}
			r.logger.Debug("relayed event", "table", table, "op", ev.Op)
		}
	}
}
