package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/blackmichael/feedsync/internal/domain"
)

// ChannelState is the lifecycle state of one realtime channel.
type ChannelState int

const (
	Unsubscribed ChannelState = iota
	Subscribing
	Active
)

func (s ChannelState) String() string {
	switch s {
	case Subscribing:
		return "subscribing"
	case Active:
		return "active"
	default:
		return "unsubscribed"
	}
}

// realtimeTables are subscribed by SetupRealtime, in order.
var realtimeTables = []domain.Table{
	domain.TablePosts,
	domain.TableLikes,
	domain.TableReposts,
	domain.TableComments,
}

type realtimeChannel struct {
	table domain.Table
	state ChannelState
	sub   domain.Subscription
}

// realtimeSession is one SetupRealtime call's set of channels and the loop
// that folds their events into the store.
type realtimeSession struct {
	ctx           context.Context
	cancel        context.CancelFunc
	followUpCtx   context.Context
	currentUserID string
	channels      []*realtimeChannel
	events        chan domain.ChangeEvent
	forwarders    sync.WaitGroup
	done          chan struct{}
}

// SetupRealtime replaces any existing subscriptions with fresh ones and starts
// reconciling their events. Likes and reposts by currentUserID (when set) are
// mirrored into the interaction sets. Tables that fail to subscribe are left
// unsubscribed and reported in the returned error; the rest stay active.
func (s *Store) SetupRealtime(ctx context.Context, currentUserID string) error {
	if s.changes == nil {
		return errors.New("no change feed configured")
	}

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.cleanupLocked()

	rctx, cancel := context.WithCancel(ctx)
	sess := &realtimeSession{
		ctx:           rctx,
		cancel:        cancel,
		followUpCtx:   context.WithoutCancel(ctx),
		currentUserID: currentUserID,
		events:        make(chan domain.ChangeEvent, 256),
		done:          make(chan struct{}),
	}
	for _, table := range realtimeTables {
		sess.channels = append(sess.channels, &realtimeChannel{table: table, state: Subscribing})
	}

	s.rtMu.Lock()
	s.rt = sess
	s.rtMu.Unlock()

	var errs []error
	for _, ch := range sess.channels {
		sub, err := s.changes.Subscribe(rctx, ch.table)

		s.rtMu.Lock()
		if err != nil {
			ch.state = Unsubscribed
		} else {
			ch.sub = sub
			ch.state = Active
		}
		s.rtMu.Unlock()

		if err != nil {
			s.logger.Error("realtime subscribe failed", "table", ch.table, "error", err)
			errs = append(errs, fmt.Errorf("subscribe %s: %w", ch.table, err))
			continue
		}

		s.logger.Info("realtime channel active", "table", ch.table)
		sess.forwarders.Add(1)
		go s.forward(sess, ch)
	}

	go s.reconcile(sess)
	return errors.Join(errs...)
}

// CleanupRealtime closes every realtime channel and stops the reconciliation
// loop. Follow-up fetches already issued are not cancelled.
func (s *Store) CleanupRealtime() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.cleanupLocked()
}

func (s *Store) cleanupLocked() {
	s.rtMu.Lock()
	sess := s.rt
	s.rt = nil
	s.rtMu.Unlock()
	if sess == nil {
		return
	}

	sess.cancel()
	for _, ch := range sess.channels {
		if ch.sub != nil {
			if err := ch.sub.Close(); err != nil {
				s.logger.Warn("closing realtime channel", "table", ch.table, "error", err)
			}
		}
		s.rtMu.Lock()
		ch.state = Unsubscribed
		s.rtMu.Unlock()
	}
	sess.forwarders.Wait()
	<-sess.done
	s.logger.Info("realtime channels closed")
}

// RealtimeStatus reports the state of each realtime channel. All channels
// are unsubscribed when realtime is not set up.
func (s *Store) RealtimeStatus() map[domain.Table]ChannelState {
	status := make(map[domain.Table]ChannelState, len(realtimeTables))
	for _, t := range realtimeTables {
		status[t] = Unsubscribed
	}

	s.rtMu.Lock()
	defer s.rtMu.Unlock()
	if s.rt != nil {
		for _, ch := range s.rt.channels {
			status[ch.table] = ch.state
		}
	}
	return status
}

// forward pumps one channel's events into the session. A stream that ends on
// its own leaves the channel unsubscribed.
func (s *Store) forward(sess *realtimeSession, ch *realtimeChannel) {
	defer sess.forwarders.Done()
	for {
		select {
		case <-sess.ctx.Done():
			return
		case ev, ok := <-ch.sub.Events():
			if !ok {
				if sess.ctx.Err() != nil {
					return
				}
				s.rtMu.Lock()
				ch.state = Unsubscribed
				s.rtMu.Unlock()
				s.logger.Warn("realtime channel ended", "table", ch.table)
				return
			}
			select {
			case sess.events <- ev:
			case <-sess.ctx.Done():
				return
			}
		}
	}
}

// reconcile is the single loop that applies change events to the store.
func (s *Store) reconcile(sess *realtimeSession) {
	defer close(sess.done)
	for {
		select {
		case <-sess.ctx.Done():
			return
		case ev := <-sess.events:
			if err := s.applyChange(sess, ev); err != nil {
				s.logger.Warn("dropping change event",
					"table", ev.Table,
					"op", ev.Op,
					"error", err,
				)
			}
		}
	}
}

// applyChange folds one event into the store. Local mutations happen inline;
// anything needing the network runs as a follow-up so the loop never blocks.
// Every branch is idempotent.
func (s *Store) applyChange(sess *realtimeSession, ev domain.ChangeEvent) error {
	switch ev.Table {
	case domain.TablePosts:
		return s.applyPostChange(sess, ev)
	case domain.TableLikes, domain.TableReposts:
		return s.applyInteractionChange(sess, ev)
	case domain.TableComments:
		rel, err := domain.DecodeRelation(ev.Row())
		if err != nil {
			return err
		}
		s.followUp(sess, func(ctx context.Context) {
			_ = s.RefreshPostCounts(ctx, rel.PostID)
		})
		return nil
	default:
		return fmt.Errorf("unexpected table %q", ev.Table)
	}
}

func (s *Store) applyPostChange(sess *realtimeSession, ev domain.ChangeEvent) error {
	switch ev.Op {
	case domain.OpInsert:
		id, err := domain.DecodeRowID(ev.New)
		if err != nil {
			return err
		}
		s.followUp(sess, func(ctx context.Context) {
			s.ingestInsertedPost(ctx, id)
		})

	case domain.OpUpdate:
		id, patch, err := domain.DecodePostPatch(ev.New)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.posts.patch(id, patch)
		s.mu.Unlock()

	case domain.OpDelete:
		id, err := domain.DecodeRowID(ev.Old)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.posts.remove(id)
		s.mu.Unlock()

	default:
		return fmt.Errorf("unexpected operation %q", ev.Op)
	}
	return nil
}

func (s *Store) applyInteractionChange(sess *realtimeSession, ev domain.ChangeEvent) error {
	if ev.Op != domain.OpInsert && ev.Op != domain.OpDelete {
		return nil
	}
	rel, err := domain.DecodeRelation(ev.Row())
	if err != nil {
		return err
	}

	s.followUp(sess, func(ctx context.Context) {
		_ = s.RefreshPostCounts(ctx, rel.PostID)
	})

	if sess.currentUserID == "" || rel.UserID != sess.currentUserID {
		return nil
	}

	kind := domain.Likes
	if ev.Table == domain.TableReposts {
		kind = domain.Reposts
	}
	s.mu.Lock()
	if ev.Op == domain.OpInsert {
		s.interactions(kind).add(rel.PostID)
	} else {
		s.interactions(kind).remove(rel.PostID)
	}
	s.mu.Unlock()
	return nil
}

// ingestInsertedPost fetches a newly inserted post with its profile, upserts
// it and, after the settling delay, fetches its counters.
func (s *Store) ingestInsertedPost(ctx context.Context, postID string) {
	post, err := s.gw.GetPost(ctx, postID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.logger.Debug("inserted post no longer exists", "post_id", postID)
		} else {
			s.logger.Error("failed to fetch inserted post", "post_id", postID, "error", err)
		}
		return
	}
	s.admit(*post)

	if s.countDelay > 0 {
		timer := time.NewTimer(s.countDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return
		}
	}
	_ = s.RefreshPostCounts(ctx, postID)
}

func (s *Store) followUp(sess *realtimeSession, fn func(context.Context)) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		fn(sess.followUpCtx)
	}()
}
