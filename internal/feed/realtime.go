package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relaycache/internal/entity"
)

const (
	defaultRealtimeTopic     = "realtime:relaycache"
	defaultHeartbeatInterval = 30 * time.Second
	defaultHandshakeTimeout  = 10 * time.Second
	realtimeReadLimit        = 4 << 20
)

// RealtimeOptions configures a Phoenix channel subscription to
// postgres_changes, the protocol Supabase Realtime speaks.
type RealtimeOptions struct {
	APIKey            string
	Topic             string
	Schema            string
	Tables            Tables
	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration
	HTTPClient        *http.Client
	Logger            *slog.Logger
}

type RealtimeFeed struct {
	url  string
	opts RealtimeOptions
}

type phoenixMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     *string         `json:"ref"`
	JoinRef *string         `json:"join_ref,omitempty"`
}

type postgresChange struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
}

func NewRealtimeFeed(rawURL string, opts RealtimeOptions) (*RealtimeFeed, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, err
	}
	switch parsed.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return nil, fmt.Errorf("%w: realtime url scheme %q", ErrInvalidInput, parsed.Scheme)
	}
	if opts.APIKey != "" {
		q := parsed.Query()
		if q.Get("apikey") == "" {
			q.Set("apikey", opts.APIKey)
		}
		if q.Get("vsn") == "" {
			q.Set("vsn", "1.0.0")
		}
		parsed.RawQuery = q.Encode()
	}
	if opts.Topic == "" {
		opts.Topic = defaultRealtimeTopic
	}
	if opts.Schema == "" {
		opts.Schema = "public"
	}
	if opts.Tables == nil {
		opts.Tables = DefaultTables()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	return &RealtimeFeed{url: parsed.String(), opts: opts}, nil
}

func (f *RealtimeFeed) Subscribe(ctx context.Context, kinds []entity.Kind) (Subscription, error) {
	if len(kinds) == 0 {
		kinds = entity.Kinds()
	}
	connCtx, cancel := context.WithCancel(ctx)
	dialCtx, dialCancel := context.WithTimeout(connCtx, f.opts.HandshakeTimeout)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, f.url, &websocket.DialOptions{HTTPClient: f.opts.HTTPClient})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("dial realtime: %w", err)
	}
	conn.SetReadLimit(realtimeReadLimit)

	if err := f.join(dialCtx, conn, kinds); err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "join failed")
		cancel()
		return nil, err
	}

	s := newStream(func() {
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	})
	go f.heartbeat(connCtx, conn)
	go f.read(connCtx, ctx, conn, s, newKindSet(kinds))
	return s, nil
}

func (f *RealtimeFeed) join(ctx context.Context, conn *websocket.Conn, kinds []entity.Kind) error {
	changes := make([]postgresChange, 0, len(kinds))
	for _, kind := range kinds {
		changes = append(changes, postgresChange{Event: "*", Schema: f.opts.Schema, Table: f.opts.Tables.Name(kind)})
	}
	payload, err := json.Marshal(map[string]any{
		"config":       map[string]any{"postgres_changes": changes},
		"access_token": f.opts.APIKey,
	})
	if err != nil {
		return err
	}
	ref := uuid.NewString()
	join := phoenixMessage{Topic: f.opts.Topic, Event: "phx_join", Payload: payload, Ref: &ref, JoinRef: &ref}
	if err := wsjson.Write(ctx, conn, join); err != nil {
		return fmt.Errorf("send join: %w", err)
	}
	for {
		var msg phoenixMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return fmt.Errorf("await join reply: %w", err)
		}
		if msg.Event != "phx_reply" || msg.Ref == nil || *msg.Ref != ref {
			continue
		}
		var reply struct {
			Status   string          `json:"status"`
			Response json.RawMessage `json:"response"`
		}
		if err := json.Unmarshal(msg.Payload, &reply); err != nil {
			return fmt.Errorf("decode join reply: %w", err)
		}
		if reply.Status != "ok" {
			return fmt.Errorf("join %s rejected: %s %s", f.opts.Topic, reply.Status, string(reply.Response))
		}
		return nil
	}
}

func (f *RealtimeFeed) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(f.opts.HeartbeatInterval)
	defer ticker.Stop()
	var counter atomic.Int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ref := "hb-" + strconv.FormatInt(counter.Add(1), 10)
			msg := phoenixMessage{Topic: "phoenix", Event: "heartbeat", Payload: json.RawMessage(`{}`), Ref: &ref}
			if err := wsjson.Write(ctx, conn, msg); err != nil {
				f.opts.Logger.Warn("realtime heartbeat failed", "error", err)
				_ = conn.Close(websocket.StatusGoingAway, "heartbeat failed")
				return
			}
		}
	}
}

func (f *RealtimeFeed) read(connCtx, parent context.Context, conn *websocket.Conn, s *stream, kinds kindSet) {
	for {
		var msg phoenixMessage
		if err := wsjson.Read(connCtx, conn, &msg); err != nil {
			select {
			case <-s.closed():
				s.finish(ErrFeedClosed)
			default:
				if parent.Err() != nil {
					s.finish(ErrFeedClosed)
				} else {
					s.finish(fmt.Errorf("%w: %v", ErrFeedInterrupted, err))
				}
			}
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		}
		switch msg.Event {
		case "postgres_changes":
			n, err := parseRealtimeChange(msg.Payload)
			if err != nil {
				f.opts.Logger.Warn("realtime feed dropped payload", "error", err)
				continue
			}
			if !kinds.allows(f.opts.Tables, n.Table) {
				continue
			}
			if !s.deliver(n) {
				s.finish(ErrFeedClosed)
				return
			}
		case "phx_error", "phx_close":
			if msg.Topic != f.opts.Topic {
				continue
			}
			s.finish(fmt.Errorf("%w: channel %s", ErrFeedInterrupted, msg.Event))
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case "system":
			f.opts.Logger.Debug("realtime system message", "payload", string(msg.Payload))
		}
	}
}

func parseRealtimeChange(raw json.RawMessage) (Notification, error) {
	var payload struct {
		Data struct {
			Table     string     `json:"table"`
			Type      string     `json:"type"`
			Record    entity.Row `json:"record"`
			OldRecord entity.Row `json:"old_record"`
		} `json:"data"`
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return Notification{}, fmt.Errorf("%w: decode change: %v", ErrInvalidInput, err)
	}
	if payload.Data.Table == "" {
		return Notification{}, errors.New("change without table")
	}
	op, err := ParseOperation(payload.Data.Type)
	if err != nil {
		return Notification{}, err
	}
	return Notification{Table: payload.Data.Table, Type: op, New: payload.Data.Record, Old: payload.Data.OldRecord}, nil
}
