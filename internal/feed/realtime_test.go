package feed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relaycache/internal/entity"
)

// realtimeServer accepts one socket, acknowledges the join and then sends
// whatever the test pushes on changes. Closing drop ends the socket.
func realtimeServer(t *testing.T, status string, changes <-chan string, drop <-chan struct{}) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("apikey") != "anon" {
			t.Errorf("expected apikey query, got %q", r.URL.RawQuery)
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept failed: %v", err)
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()

		var join phoenixMessage
		if err := wsjson.Read(ctx, conn, &join); err != nil {
			t.Errorf("read join failed: %v", err)
			return
		}
		if join.Event != "phx_join" || !strings.Contains(string(join.Payload), `"table":"tasks"`) {
			t.Errorf("unexpected join: %+v %s", join, join.Payload)
		}
		reply := phoenixMessage{
			Topic:   join.Topic,
			Event:   "phx_reply",
			Payload: json.RawMessage(`{"status":"` + status + `","response":{}}`),
			Ref:     join.Ref,
		}
		if err := wsjson.Write(ctx, conn, reply); err != nil {
			t.Errorf("write reply failed: %v", err)
			return
		}
		ctx = conn.CloseRead(ctx)
		for {
			select {
			case data := <-changes:
				msg := phoenixMessage{Topic: join.Topic, Event: "postgres_changes", Payload: json.RawMessage(`{"data":` + data + `}`)}
				if err := wsjson.Write(ctx, conn, msg); err != nil {
					return
				}
			case <-drop:
				_ = conn.Close(websocket.StatusGoingAway, "restart")
				return
			case <-ctx.Done():
				return
			}
		}
	}))
}

func TestRealtimeFeedDeliversChanges(t *testing.T) {
	changes := make(chan string, 4)
	drop := make(chan struct{})
	server := realtimeServer(t, "ok", changes, drop)
	defer server.Close()

	f, err := NewRealtimeFeed("ws"+strings.TrimPrefix(server.URL, "http"), RealtimeOptions{APIKey: "anon"})
	if err != nil {
		t.Fatalf("new feed failed: %v", err)
	}
	sub, err := f.Subscribe(context.Background(), []entity.Kind{entity.KindTask})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer sub.Close()

	changes <- `{"table":"tasks","type":"UPDATE","record":{"id":7,"title":"x"},"old_record":{"id":7}}`
	n := receive(t, sub)
	if n.Table != "tasks" || n.Type != OpUpdate || n.New["id"] != json.Number("7") {
		t.Fatalf("unexpected notification: %+v", n)
	}

	close(drop)
	waitClosed(t, sub)
	if !errors.Is(sub.Err(), ErrFeedInterrupted) {
		t.Fatalf("expected ErrFeedInterrupted after server drop, got %v", sub.Err())
	}
}

func TestRealtimeFeedRejectedJoin(t *testing.T) {
	server := realtimeServer(t, "error", make(chan string), make(chan struct{}))
	defer server.Close()

	f, err := NewRealtimeFeed("ws"+strings.TrimPrefix(server.URL, "http"), RealtimeOptions{
		APIKey:           "anon",
		HandshakeTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("new feed failed: %v", err)
	}
	if _, err := f.Subscribe(context.Background(), []entity.Kind{entity.KindTask}); err == nil {
		t.Fatalf("expected rejected join to fail subscribe")
	}
}

func TestParseRealtimeChangeRequiresTable(t *testing.T) {
	if _, err := parseRealtimeChange(json.RawMessage(`{"data":{"type":"INSERT"}}`)); err == nil {
		t.Fatalf("expected error for change without table")
	}
}
