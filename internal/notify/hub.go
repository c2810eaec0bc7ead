package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/tjfontaine/polyglot-turn-engine/internal/core/domain"
	"github.com/tjfontaine/polyglot-turn-engine/internal/core/ports"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
	pongWait     = 2 * pingInterval
	sendBuffer   = 32
	maxReadBytes = 1024
)

// Frame types sent to stream clients.
const (
	FrameTransient   = "transient"
	FrameFinalResult = "final_result"
)

// Frame is one websocket message.
type Frame struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Data      json.RawMessage `json:"data"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub fans bus messages out to the websocket clients of each session.
// Redelivered bus messages are recognised by id and sent once.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*client]struct{}

	seen     *lru.Cache[string, struct{}]
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHub creates a Hub remembering up to dedupSize delivered message ids.
func NewHub(dedupSize int, logger *slog.Logger) *Hub {
	if dedupSize <= 0 {
		dedupSize = 4096
	}
	if logger == nil {
		logger = slog.Default()
	}
	seen, _ := lru.New[string, struct{}](dedupSize)
	return &Hub{
		clients:  make(map[string]map[*client]struct{}),
		seen:     seen,
		upgrader: websocket.Upgrader{CheckOrigin: sameOrigin},
		logger:   logger,
	}
}

// Run consumes the final-result and transient topics until ctx is done.
func (h *Hub) Run(ctx context.Context, sub ports.Subscriber) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sub.Subscribe(ctx, ports.TopicFinalResult, h.handle(FrameFinalResult))
	})
	g.Go(func() error {
		return sub.Subscribe(ctx, ports.TopicTransient, h.handle(FrameTransient))
	})
	return g.Wait()
}

func (h *Hub) handle(frameType string) ports.BatchHandler {
	return func(ctx context.Context, batch []ports.Delivery) []string {
		for _, d := range batch {
			sessionID, id, err := frameKey(frameType, d.Payload)
			if err != nil {
				h.logger.Warn("dropping undecodable stream message",
					slog.String("topic", d.Topic),
					slog.String("error", err.Error()))
				continue
			}
			h.Broadcast(frameType, sessionID, id, d.Payload)
		}
		return nil
	}
}

func frameKey(frameType string, payload []byte) (sessionID, id string, err error) {
	switch frameType {
	case FrameFinalResult:
		var fr domain.FinalResult
		if err := json.Unmarshal(payload, &fr); err != nil {
			return "", "", err
		}
		return fr.SessionID, fmt.Sprintf("%s:%d", fr.TurnIdentifier, fr.TurnCount), nil
	default:
		var tm domain.TransientMessage
		if err := json.Unmarshal(payload, &tm); err != nil {
			return "", "", err
		}
		return tm.SessionID, tm.MessageID, nil
	}
}

// Broadcast sends data to every client of sessionID unless a frame of the
// same type and id was already sent. It reports whether the frame was new.
func (h *Hub) Broadcast(frameType, sessionID, id string, data json.RawMessage) bool {
	if seen, _ := h.seen.ContainsOrAdd(frameType+"/"+id, struct{}{}); seen {
		return false
	}

	frame, err := json.Marshal(Frame{Type: frameType, SessionID: sessionID, Data: data})
	if err != nil {
		h.logger.Warn("failed to encode frame", slog.String("error", err.Error()))
		return false
	}

	h.mu.RLock()
	var slow []*client
	for c := range h.clients[sessionID] {
		select {
		case c.send <- frame:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("dropping slow stream client", slog.String("session_id", sessionID))
		h.unregister(sessionID, c)
	}
	return true
}

// Clients returns the number of connected clients for sessionID.
func (h *Hub) Clients(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[sessionID])
}

func (h *Hub) register(sessionID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.clients[sessionID]
	if set == nil {
		set = make(map[*client]struct{})
		h.clients[sessionID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) unregister(sessionID string, c *client) {
	h.mu.Lock()
	set := h.clients[sessionID]
	if _, ok := set[c]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, sessionID)
		}
	}
	h.mu.Unlock()
	c.close()
}

// ServeWS upgrades the request and streams frames for sessionID until the
// client goes away. Callers authorise access to the session first.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, sessionID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("stream upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	h.register(sessionID, c)
	h.logger.Debug("stream client connected", slog.String("session_id", sessionID))

	go h.writeLoop(c)
	h.readLoop(sessionID, c)
}

// readLoop discards client input and unregisters on disconnect.
func (h *Hub) readLoop(sessionID string, c *client) {
	defer h.unregister(sessionID, c)

	c.conn.SetReadLimit(maxReadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func sameOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}
