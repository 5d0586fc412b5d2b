package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func newClient(id string, topics ...string) *Client {
	return &Client{ID: id, Topics: topics, Send: make(chan []byte, 4)}
}

func receive(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case data := <-c.Send:
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestHub_RegisterUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := newClient("c1", "triage.queue", "triage.critical")
	hub.Register(c)

	if hub.ClientCount() != 1 || hub.TopicCount("triage.queue") != 1 || hub.TopicCount("triage.critical") != 1 {
		t.Fatal("expected client registered on both topics")
	}

	hub.Unregister(c)
	if hub.ClientCount() != 0 || hub.TopicCount("triage.queue") != 0 {
		t.Fatal("expected client removed")
	}
	if _, ok := <-c.Send; ok {
		t.Error("expected Send channel closed")
	}
	hub.Unregister(c)
}

func TestHub_NotifyTopicOnly(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	queue := newClient("q", "triage.queue")
	critical := newClient("c", "triage.critical")
	hub.Register(queue)
	hub.Register(critical)

	payload := map[string]string{"priority": "critical"}
	if err := hub.Notify(context.Background(), "triage.critical", "triage.critical", "rec-1", payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ev := receive(t, critical)
	if ev.Type != "triage.critical" || ev.ResourceID != "rec-1" || ev.Timestamp.IsZero() {
		t.Errorf("unexpected event %+v", ev)
	}
	var got map[string]string
	json.Unmarshal(ev.Data, &got)
	if got["priority"] != "critical" {
		t.Errorf("unexpected payload %s", ev.Data)
	}

	select {
	case <-queue.Send:
		t.Error("queue subscriber should not receive critical-topic events")
	default:
	}
}

func TestHub_ProcessMessage(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := newClient("c1")
	hub.Register(c)

	hub.ProcessMessage(c, ClientMessage{Action: "subscribe", Topics: []string{"a", "b"}})
	if hub.TopicCount("a") != 1 || hub.TopicCount("b") != 1 {
		t.Fatal("expected subscriptions to a and b")
	}

	hub.ProcessMessage(c, ClientMessage{Action: "unsubscribe", Topics: []string{"a"}})
	if hub.TopicCount("a") != 0 || hub.TopicCount("b") != 1 {
		t.Fatal("expected only b to remain")
	}
	if len(c.Topics) != 1 || c.Topics[0] != "b" {
		t.Errorf("unexpected client topics %v", c.Topics)
	}

	hub.ProcessMessage(c, ClientMessage{Action: "shout", Topics: []string{"x"}})
	if hub.TopicCount("x") != 0 {
		t.Error("unknown action should be ignored")
	}
}

func TestHub_FullBufferDrops(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := &Client{ID: "slow", Topics: []string{"t"}, Send: make(chan []byte, 1)}
	hub.Register(c)

	for i := 0; i < 3; i++ {
		hub.Notify(context.Background(), "t", "x", "", nil)
	}
	if hub.Dropped() != 2 {
		t.Errorf("expected 2 dropped events, got %d", hub.Dropped())
	}
}

func TestHandler_EndToEnd(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	e := echo.New()
	NewHandler(hub, nil).RegisterRoutes(e.Group("/api/v1"))
	srv := httptest.NewServer(e)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws?topics=triage.queue"
	ws, _, err := gorillawebsocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	deadline := time.Now().Add(time.Second)
	for hub.TopicCount("triage.queue") == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.TopicCount("triage.queue") != 1 {
		t.Fatal("client was not subscribed from the query string")
	}

	hub.Notify(context.Background(), "triage.queue", "triage.created", "rec-9", nil)

	ws.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev Event
	json.Unmarshal(msg, &ev)
	if ev.Type != "triage.created" || ev.ResourceID != "rec-9" {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestHandler_RejectsOrigin(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	e := echo.New()
	NewHandler(hub, []string{"https://dashboard.example"}).RegisterRoutes(e.Group(""))
	srv := httptest.NewServer(e)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	header := http.Header{"Origin": []string{"https://evil.example"}}
	if _, _, err := gorillawebsocket.DefaultDialer.Dial(url, header); err == nil {
		t.Error("expected handshake to fail for a foreign origin")
	}
}
