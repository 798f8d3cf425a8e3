package realtime

import (
	"encoding/json"
	"fmt"

	"github.com/blackmichael/feedsync/internal/domain"
)

// Channel protocol event names.
const (
	eventJoin      = "phx_join"
	eventReply     = "phx_reply"
	eventError     = "phx_error"
	eventClose     = "phx_close"
	eventHeartbeat = "heartbeat"
	eventChanges   = "postgres_changes"

	heartbeatTopic = "phoenix"
	schema         = "public"
)

// message is the envelope of every frame in either direction.
type message struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     *string         `json:"ref"`
}

type joinPayload struct {
	Config      joinConfig `json:"config"`
	AccessToken string     `json:"access_token,omitempty"`
}

type joinConfig struct {
	PostgresChanges []changeFilter `json:"postgres_changes"`
}

type changeFilter struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
}

type replyPayload struct {
	Status   string `json:"status"`
	Response struct {
		Reason string `json:"reason"`
	} `json:"response"`
}

// changePayload is the body of a postgres_changes push.
type changePayload struct {
	Data struct {
		Type      string          `json:"type"`
		Table     string          `json:"table"`
		Schema    string          `json:"schema"`
		Record    json.RawMessage `json:"record"`
		OldRecord json.RawMessage `json:"old_record"`
	} `json:"data"`
}

func topicFor(table domain.Table) string {
	return "realtime:" + schema + ":" + string(table)
}

func joinMessage(table domain.Table, ref, accessToken string) (message, error) {
	payload, err := json.Marshal(joinPayload{
		Config: joinConfig{
			PostgresChanges: []changeFilter{{Event: "*", Schema: schema, Table: string(table)}},
		},
		AccessToken: accessToken,
	})
	if err != nil {
		return message{}, fmt.Errorf("marshal join payload: %w", err)
	}
	return message{Topic: topicFor(table), Event: eventJoin, Payload: payload, Ref: &ref}, nil
}

func heartbeatMessage(ref string) message {
	return message{Topic: heartbeatTopic, Event: eventHeartbeat, Payload: json.RawMessage(`{}`), Ref: &ref}
}

func parseMessage(data []byte) (*message, error) {
	var m message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	return &m, nil
}

// parseChange turns a postgres_changes payload into a ChangeEvent for table.
func parseChange(table domain.Table, payload []byte) (domain.ChangeEvent, error) {
	var p changePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return domain.ChangeEvent{}, fmt.Errorf("%w: unmarshal change: %v", domain.ErrMalformed, err)
	}

	op, err := domain.ParseOp(p.Data.Type)
	if err != nil {
		return domain.ChangeEvent{}, err
	}
	if p.Data.Table != "" && p.Data.Table != string(table) {
		return domain.ChangeEvent{}, fmt.Errorf("%w: change for table %q on %q channel", domain.ErrMalformed, p.Data.Table, table)
	}

	ev := domain.ChangeEvent{Table: table, Op: op}
	if !isNull(p.Data.Record) {
		ev.New = p.Data.Record
	}
	if !isNull(p.Data.OldRecord) {
		ev.Old = p.Data.OldRecord
	}
	return ev, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null" || string(raw) == "{}"
}
