package eventsink

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"agentarena/internal/match"

	"github.com/gorilla/websocket"
)

func newHubServer(t *testing.T, h *Hub) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeMatch(w, r, strings.TrimPrefix(r.URL.Path, "/matches/"))
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readRecord(t *testing.T, conn *websocket.Conn) Record {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	rec, err := DecodeRecord(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	return rec
}

func TestHubReplaysAndStreams(t *testing.T) {
	t.Parallel()
	h := NewHub(HubConfig{})
	ctx := context.Background()
	if err := h.Emit(ctx, "m1", event(0, match.EventStart, `{}`)); err != nil {
		t.Fatalf("emit failed: %v", err)
	}
	base := newHubServer(t, h)

	conn, _, err := websocket.DefaultDialer.Dial(base+"/matches/m1", nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	if rec := readRecord(t, conn); rec.Type != match.EventStart || rec.MatchID != "m1" {
		t.Fatalf("expected replayed _START, got %+v", rec)
	}
	_ = h.Emit(ctx, "m1", event(1, "move", `{}`))
	if rec := readRecord(t, conn); rec.Type != "move" {
		t.Fatalf("expected move, got %+v", rec)
	}
	_ = h.Emit(ctx, "m1", event(2, match.EventEnd, `{}`))
	if rec := readRecord(t, conn); rec.Type != match.EventEnd {
		t.Fatalf("expected _END, got %+v", rec)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close after _END, got %v", err)
	}
	if h.Live("m1") {
		t.Fatalf("expected match to be forgotten after _END")
	}
}

func TestHubRejectsUnknownMatch(t *testing.T) {
	t.Parallel()
	base := newHubServer(t, NewHub(HubConfig{}))
	_, resp, err := websocket.DefaultDialer.Dial(base+"/matches/nope", nil)
	if err == nil {
		t.Fatalf("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", resp)
	}
}

func TestHubDropsSlowWatcher(t *testing.T) {
	t.Parallel()
	h := NewHub(HubConfig{SendBuffer: 1})
	ctx := context.Background()
	_ = h.Emit(ctx, "m1", event(0, match.EventStart, `{}`))
	w, ok := h.subscribe("m1")
	if !ok {
		t.Fatalf("expected subscribe to succeed")
	}
	_ = h.Emit(ctx, "m1", event(1, "a", `{}`))
	_ = h.Emit(ctx, "m1", event(2, "b", `{}`))

	var got int
	for range w.send {
		got++
	}
	if got != 2 {
		t.Fatalf("expected replay plus one buffered event before drop, got %d", got)
	}
}
