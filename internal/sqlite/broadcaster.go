package sqlite

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/blackmichael/feedsync/internal/domain"
)

// broadcaster fans published changes out to subscribers of a table.
type broadcaster struct {
	mu   sync.Mutex
	subs map[domain.Table]map[*subscriber]struct{}
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[domain.Table]map[*subscriber]struct{})}
}

type subscriber struct {
	bus    *broadcaster
	table  domain.Table
	events chan domain.ChangeEvent
	done   chan struct{}
	once   sync.Once

	// sending is held while a publish is delivering to events.
	sending sync.RWMutex
}

func (s *subscriber) Events() <-chan domain.ChangeEvent { return s.events }

func (s *subscriber) Close() error {
	s.bus.remove(s)
	return nil
}

func (b *broadcaster) subscribe(ctx context.Context, table domain.Table) *subscriber {
	s := &subscriber{
		bus:    b,
		table:  table,
		events: make(chan domain.ChangeEvent, 64),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.subs[table] == nil {
		b.subs[table] = make(map[*subscriber]struct{})
	}
	b.subs[table][s] = struct{}{}
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			b.remove(s)
		case <-s.done:
		}
	}()
	return s
}

// remove unregisters s and closes its channel. Safe to call more than once.
func (b *broadcaster) remove(s *subscriber) {
	s.once.Do(func() {
		b.mu.Lock()
		delete(b.subs[s.table], s)
		b.mu.Unlock()

		close(s.done)
		s.sending.Lock()
		close(s.events)
		s.sending.Unlock()
	})
}

func (b *broadcaster) closeAll() {
	b.mu.Lock()
	var all []*subscriber
	for _, set := range b.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	b.mu.Unlock()
	for _, s := range all {
		b.remove(s)
	}
}

// publish delivers a change to current subscribers. Delivery blocks on a full
// subscriber until it drains or is removed.
func (b *broadcaster) publish(table domain.Table, op domain.Op, newRow, oldRow any) {
	ev := domain.ChangeEvent{Table: table, Op: op}
	if newRow != nil {
		ev.New, _ = json.Marshal(newRow)
	}
	if oldRow != nil {
		ev.Old, _ = json.Marshal(oldRow)
	}

	b.mu.Lock()
	targets := make([]*subscriber, 0, len(b.subs[table]))
	for s := range b.subs[table] {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	for _, s := range targets {
		s.deliver(ev)
	}
}

func (s *subscriber) deliver(ev domain.ChangeEvent) {
	s.sending.RLock()
	defer s.sending.RUnlock()
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case <-s.done:
	case s.events <- ev:
	}
}
