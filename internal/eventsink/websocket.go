package eventsink

import (
	"context"
	"net/http"
	"sync"
	"time"

	"agentarena/internal/match"
	"agentarena/pkg/utils/logger"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// HubConfig tunes the live event hub.
type HubConfig struct {
	// SendBuffer is how many events a watcher may lag behind before it is dropped.
	SendBuffer   int           `yaml:"sendBuffer"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	PingInterval time.Duration `yaml:"pingInterval"`
}

func (c *HubConfig) setDefaults() {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
}

// Hub pushes the events of running matches to websocket watchers. A watcher
// that joins late first receives the events it missed. Matches are forgotten
// once they end.
type Hub struct {
	cfg      HubConfig
	upgrader websocket.Upgrader

	mu      sync.Mutex
	matches map[string]*liveMatch
}

type liveMatch struct {
	history [][]byte
	subs    map[*watcher]struct{}
}

type watcher struct {
	send   chan []byte
	closed bool
}

func NewHub(cfg HubConfig) *Hub {
	cfg.setDefaults()
	return &Hub{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		matches: make(map[string]*liveMatch),
	}
}

// Emit records the event and forwards it to every watcher of the match.
func (h *Hub) Emit(_ context.Context, matchID string, ev match.Event) error {
	data, err := encodeRecord(matchID, ev)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	lm, ok := h.matches[matchID]
	if !ok {
		lm = &liveMatch{subs: make(map[*watcher]struct{})}
		h.matches[matchID] = lm
	}
	lm.history = append(lm.history, data)
	for w := range lm.subs {
		select {
		case w.send <- data:
		default:
			logger.Warn(context.Background(), "dropping slow event watcher", zap.String("match_id", matchID))
			h.closeWatcherLocked(lm, w)
		}
	}
	if ev.Type == match.EventEnd {
		for w := range lm.subs {
			h.closeWatcherLocked(lm, w)
		}
		delete(h.matches, matchID)
	}
	return nil
}

// Live reports whether a match has started and not yet ended.
func (h *Hub) Live(matchID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.matches[matchID]
	return ok
}

// ServeMatch upgrades the request and streams the match's events to it until
// the match ends or the client goes away.
func (h *Hub) ServeMatch(w http.ResponseWriter, r *http.Request, matchID string) {
	sub, ok := h.subscribe(matchID)
	if !ok {
		http.Error(w, "match is not running", http.StatusNotFound)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.unsubscribe(matchID, sub)
		logger.Warn(r.Context(), "websocket upgrade failed", zap.String("match_id", matchID), zap.Error(err))
		return
	}
	defer conn.Close()
	defer h.unsubscribe(matchID, sub)
	// watchers stay connected longer than the server's read timeout
	_ = conn.SetReadDeadline(time.Time{})

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case data, ok := <-sub.send:
			_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "match ended"))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.cfg.WriteTimeout)); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

// subscribe registers a watcher with the match's history already queued.
func (h *Hub) subscribe(matchID string) (*watcher, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	lm, ok := h.matches[matchID]
	if !ok {
		return nil, false
	}
	w := &watcher{send: make(chan []byte, len(lm.history)+h.cfg.SendBuffer)}
	for _, data := range lm.history {
		w.send <- data
	}
	lm.subs[w] = struct{}{}
	return w, true
}

func (h *Hub) unsubscribe(matchID string, w *watcher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if lm, ok := h.matches[matchID]; ok {
		h.closeWatcherLocked(lm, w)
	}
}

func (h *Hub) closeWatcherLocked(lm *liveMatch, w *watcher) {
	delete(lm.subs, w)
	if !w.closed {
		w.closed = true
		close(w.send)
	}
}
