package domain

import (
	"encoding/json"
	"fmt"
)

// Table names a resource the change feed can be subscribed to.
type Table string

const (
	TablePosts    Table = "posts"
	TableLikes    Table = "likes"
	TableReposts  Table = "reposts"
	TableComments Table = "comments"
	TableProfiles Table = "profiles"
)

// Op is the kind of row change carried by a ChangeEvent.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// ParseOp maps a wire operation name onto an Op.
func ParseOp(s string) (Op, error) {
	switch Op(s) {
	case OpInsert, OpUpdate, OpDelete:
		return Op(s), nil
	}
	return "", fmt.Errorf("%w: unknown operation %q", ErrMalformed, s)
}

// ChangeEvent is a single row change pushed by the backend. New is set for
// INSERT and UPDATE, Old for UPDATE and DELETE (it may only hold the primary
// key, depending on the backend's replica identity).
type ChangeEvent struct {
	Table Table           `json:"table"`
	Op    Op              `json:"op"`
	New   json.RawMessage `json:"new,omitempty"`
	Old   json.RawMessage `json:"old,omitempty"`
}

// Row returns the row image that identifies the changed row: Old for
// deletes, New otherwise.
func (e ChangeEvent) Row() json.RawMessage {
	if e.Op == OpDelete {
		return e.Old
	}
	return e.New
}

// Subscription is a live stream of change events for one table. Events is
// closed once the subscription ends.
type Subscription interface {
	Events() <-chan ChangeEvent
	Close() error
}
