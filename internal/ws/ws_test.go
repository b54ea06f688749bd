package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"arbor/api/internal/fanout"
	"arbor/api/internal/session"
)

type fakeViewers struct {
	known map[string]session.Viewer
}

func (f *fakeViewers) ViewerForSession(_ context.Context, sessionID string) (session.Viewer, error) {
	v, ok := f.known[sessionID]
	if !ok {
		return session.Viewer{}, errors.New("session not found")
	}
	return v, nil
}

func setupWS(t *testing.T) (*fanout.Broker, *httptest.Server) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	broker := fanout.NewBrokerWithClient(client)

	viewers := &fakeViewers{known: map[string]session.Viewer{
		"ses_me": {UserID: "usr_me", UserName: "me"},
	}}
	server := httptest.NewServer(NewHandler(broker, viewers))
	t.Cleanup(server.Close)
	return broker, server
}

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) serverFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var frame serverFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func TestFirstFrameMustSubscribe(t *testing.T) {
	_, server := setupWS(t)
	conn := dial(t, server)

	if err := conn.WriteJSON(clientFrame{Op: "add", AbstractID: "arw_a"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy violation close, got %v", err)
	}
}

func TestUnknownSessionRejected(t *testing.T) {
	_, server := setupWS(t)
	conn := dial(t, server)

	if err := conn.WriteJSON(clientFrame{Op: "subscribe", SessionID: "ses_stranger", AbstractIDs: []string{"arw_a"}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy violation close, got %v", err)
	}
}

func TestOwnEchoIsSkipped(t *testing.T) {
	broker, server := setupWS(t)
	conn := dial(t, server)

	if err := conn.WriteJSON(clientFrame{Op: "subscribe", SessionID: "ses_me", AbstractIDs: []string{"arw_a"}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	ctx := context.Background()
	payload := json.RawMessage(`{"op":"move","twigs":[]}`)
	if err := broker.Publish(ctx, fanout.Message{AbstractID: "arw_a", SessionID: "ses_me", Op: "move", Result: payload}); err != nil {
		t.Fatalf("publish own: %v", err)
	}
	if err := broker.Publish(ctx, fanout.Message{AbstractID: "arw_a", SessionID: "ses_other", Op: "select", Result: payload}); err != nil {
		t.Fatalf("publish other: %v", err)
	}

	frame := readFrame(t, conn)
	if frame.Op != "select" || frame.AbstractID != "arw_a" {
		t.Fatalf("expected the other session's select, got %+v", frame)
	}
}

func TestAddAbstractMidstream(t *testing.T) {
	broker, server := setupWS(t)
	conn := dial(t, server)

	if err := conn.WriteJSON(clientFrame{Op: "subscribe", SessionID: "ses_me", AbstractIDs: []string{"arw_a"}}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	if err := conn.WriteJSON(clientFrame{Op: "add", AbstractID: "arw_b"}); err != nil {
		t.Fatalf("write add: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	if err := broker.Publish(context.Background(), fanout.Message{
		AbstractID: "arw_b", SessionID: "ses_other", Op: "reply", Result: json.RawMessage(`{}`),
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	frame := readFrame(t, conn)
	if frame.AbstractID != "arw_b" || frame.Op != "reply" {
		t.Fatalf("expected arw_b reply after add, got %+v", frame)
	}
}
