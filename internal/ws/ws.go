// Package ws exposes the real-time subscribe surface. A client opens one
// websocket, announces its session id and the abstracts it is viewing, and
// receives every committed mutation on those abstracts except the ones it
// issued itself.
package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"arbor/api/internal/fanout"
	"arbor/api/internal/session"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

type viewerSource interface {
	ViewerForSession(ctx context.Context, sessionID string) (session.Viewer, error)
}

type clientFrame struct {
	Op          string   `json:"op"`
	SessionID   string   `json:"sessionId"`
	AbstractIDs []string `json:"abstractIds"`
	AbstractID  string   `json:"abstractId"`
}

type serverFrame struct {
	AbstractID string          `json:"abstractId"`
	Op         string          `json:"op"`
	Result     json.RawMessage `json:"result"`
}

type Handler struct {
	broker   *fanout.Broker
	viewers  viewerSource
	upgrader websocket.Upgrader
}

func NewHandler(broker *fanout.Broker, viewers viewerSource) *Handler {
	return &Handler{
		broker:  broker,
		viewers: viewers,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		http.Error(w, "real-time channel unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade: %v", err)
		return
	}
	defer conn.Close()

	conn.SetReadLimit(1 << 16)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// First frame must subscribe with a live session.
	var first clientFrame
	if err := conn.ReadJSON(&first); err != nil {
		return
	}
	if first.Op != "subscribe" || first.SessionID == "" {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "subscribe frame required"),
			time.Now().Add(writeWait))
		return
	}
	if _, err := h.viewers.ViewerForSession(r.Context(), first.SessionID); err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unknown session"),
			time.Now().Add(writeWait))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := h.broker.Subscribe(ctx, first.AbstractIDs...)
	defer sub.Close()

	go h.writeLoop(ctx, cancel, conn, sub, first.SessionID)
	h.readLoop(ctx, conn, sub)
}

// readLoop applies add/remove frames until the client goes away.
func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, sub *fanout.Subscription) {
	for {
		var frame clientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		switch frame.Op {
		case "add":
			if frame.AbstractID != "" {
				if err := sub.Add(ctx, frame.AbstractID); err != nil {
					log.Printf("ws add %s: %v", frame.AbstractID, err)
				}
			}
		case "remove":
			if frame.AbstractID != "" {
				if err := sub.Remove(ctx, frame.AbstractID); err != nil {
					log.Printf("ws remove %s: %v", frame.AbstractID, err)
				}
			}
		}
	}
}

// writeLoop forwards fan-out messages, dropping the connection's own echo,
// and keeps the socket alive with pings.
func (h *Handler) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sub *fanout.Subscription, sessionID string) {
	defer cancel()
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			if msg.SessionID == sessionID {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(serverFrame{
				AbstractID: msg.AbstractID,
				Op:         msg.Op,
				Result:     msg.Result,
			}); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
