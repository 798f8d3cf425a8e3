// Package realtime is a domain.ChangeFeed over the backend's websocket
// channel protocol. Each subscription holds its own connection, joins one
// postgres_changes channel and reconnects with backoff until closed.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blackmichael/feedsync/internal/domain"
	"github.com/gorilla/websocket"
)

const (
	defaultHeartbeat   = 25 * time.Second
	defaultJoinTimeout = 10 * time.Second
	defaultMinBackoff  = time.Second
	defaultMaxBackoff  = 30 * time.Second
)

// Options tunes connection behaviour. Zero values use the defaults.
type Options struct {
	HeartbeatInterval time.Duration
	JoinTimeout       time.Duration
	MinBackoff        time.Duration
	MaxBackoff        time.Duration
}

// Feed dials the realtime endpoint of a project.
type Feed struct {
	url    string
	token  func() string
	logger *slog.Logger
	dialer *websocket.Dialer
	opts   Options
}

var _ domain.ChangeFeed = (*Feed)(nil)

// NewFeed creates a feed for the project at baseURL (http or https). token, if
// non-nil, supplies the access token sent with each channel join.
func NewFeed(baseURL, apiKey string, token func() string, logger *slog.Logger, opts Options) (*Feed, error) {
	wsURL, err := websocketURL(baseURL, apiKey)
	if err != nil {
		return nil, err
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeat
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = defaultJoinTimeout
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = defaultMinBackoff
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = max(defaultMaxBackoff, opts.MinBackoff)
	}
	return &Feed{
		url:    wsURL,
		token:  token,
		logger: logger,
		dialer: websocket.DefaultDialer,
		opts:   opts,
	}, nil
}

func websocketURL(baseURL, apiKey string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse realtime url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported realtime url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/realtime/v1/websocket"
	q := u.Query()
	q.Set("apikey", apiKey)
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Subscribe joins the table's channel and returns once the join is
// acknowledged. A rejected or timed out join is returned as an error.
func (f *Feed) Subscribe(ctx context.Context, table domain.Table) (domain.Subscription, error) {
	sctx, cancel := context.WithCancel(ctx)
	s := &subscription{
		feed:   f,
		table:  table,
		ctx:    sctx,
		cancel: cancel,
		events: make(chan domain.ChangeEvent, 64),
		done:   make(chan struct{}),
		logger: f.logger.With("table", table),
	}

	conn, err := s.connect()
	if err != nil {
		cancel()
		return nil, err
	}
	go s.run(conn)
	return s, nil
}

type subscription struct {
	feed   *Feed
	table  domain.Table
	ctx    context.Context
	cancel context.CancelFunc
	events chan domain.ChangeEvent
	done   chan struct{}
	logger *slog.Logger
	ref    atomic.Uint64
}

func (s *subscription) Events() <-chan domain.ChangeEvent { return s.events }

// Close leaves the channel and waits for the connection to shut down.
func (s *subscription) Close() error {
	s.cancel()
	<-s.done
	return nil
}

func (s *subscription) nextRef() string {
	return strconv.FormatUint(s.ref.Add(1), 10)
}

// conn serializes writes; gorilla connections allow one concurrent writer.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) send(m message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(m)
}

// connect dials and joins the channel.
func (s *subscription) connect() (*conn, error) {
	ws, _, err := s.feed.dialer.DialContext(s.ctx, s.feed.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial realtime: %w", err)
	}
	c := &conn{ws: ws}

	var token string
	if s.feed.token != nil {
		token = s.feed.token()
	}
	ref := s.nextRef()
	join, err := joinMessage(s.table, ref, token)
	if err != nil {
		ws.Close()
		return nil, err
	}
	if err := c.send(join); err != nil {
		ws.Close()
		return nil, fmt.Errorf("send join: %w", err)
	}

	if err := s.awaitJoin(ws, ref); err != nil {
		ws.Close()
		return nil, err
	}
	s.logger.Info("realtime channel joined", "topic", join.Topic)
	return c, nil
}

func (s *subscription) awaitJoin(ws *websocket.Conn, ref string) error {
	if err := ws.SetReadDeadline(time.Now().Add(s.feed.opts.JoinTimeout)); err != nil {
		return fmt.Errorf("set join deadline: %w", err)
	}
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("await join reply: %w", err)
		}
		m, err := parseMessage(data)
		if err != nil || m.Event != eventReply || m.Ref == nil || *m.Ref != ref {
			continue
		}
		var reply replyPayload
		if err := json.Unmarshal(m.Payload, &reply); err != nil {
			return fmt.Errorf("decode join reply: %w", err)
		}
		if reply.Status != "ok" {
			return fmt.Errorf("join %s rejected: %s", s.table, reply.Response.Reason)
		}
		return ws.SetReadDeadline(time.Time{})
	}
}

// run delivers events until the subscription is closed, reconnecting with
// backoff whenever the connection drops.
func (s *subscription) run(c *conn) {
	defer close(s.done)
	defer close(s.events)

	backoff := s.feed.opts.MinBackoff
	for {
		err := s.serve(c)
		c.ws.Close()
		if s.ctx.Err() != nil {
			return
		}
		s.logger.Error("realtime connection error, reconnecting", "error", err)

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, s.feed.opts.MaxBackoff)

			c, err = s.connect()
			if err == nil {
				backoff = s.feed.opts.MinBackoff
				break
			}
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Warn("realtime reconnect failed", "error", err, "retry_in", backoff)
		}
	}
}

// serve reads frames until the connection fails or the subscription ends.
func (s *subscription) serve(c *conn) error {
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		ticker := time.NewTicker(s.feed.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-s.ctx.Done():
				// Unblocks the read below.
				_ = c.ws.Close()
				return
			case <-ticker.C:
				if err := c.send(heartbeatMessage(s.nextRef())); err != nil {
					s.logger.Warn("heartbeat failed", "error", err)
					_ = c.ws.Close()
					return
				}
			}
		}
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}
		m, err := parseMessage(data)
		if err != nil {
			s.logger.Error("failed to parse message", "error", err)
			continue
		}

		switch m.Event {
		case eventChanges:
			ev, err := parseChange(s.table, m.Payload)
			if err != nil {
				s.logger.Warn("dropping malformed change", "error", err)
				continue
			}
			select {
			case s.events <- ev:
			case <-s.ctx.Done():
				return s.ctx.Err()
			}
		case eventError, eventClose:
			if m.Topic == topicFor(s.table) {
				return errors.New("channel closed by server: " + m.Event)
			}
		}
	}
}
