package fanout

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestBroker(t *testing.T) *Broker {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewBrokerWithClient(client)
}

func waitMessage(t *testing.T, sub *Subscription) Message {
	t.Helper()
	select {
	case msg := <-sub.Messages():
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fanout message")
		return Message{}
	}
}

func TestPublishReachesSubscriber(t *testing.T) {
	broker := setupTestBroker(t)
	ctx := context.Background()

	sub := broker.Subscribe(ctx, "arw_a")
	defer sub.Close()

	want := Message{
		AbstractID: "arw_a",
		SessionID:  "ses_1",
		Op:         "reply",
		Result:     json.RawMessage(`{"twigs":[]}`),
	}
	if err := broker.Publish(ctx, want); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	got := waitMessage(t, sub)
	if got.AbstractID != want.AbstractID || got.Op != want.Op || got.SessionID != want.SessionID {
		t.Errorf("message mismatch: got %+v", got)
	}
}

func TestSubscriberScopedToAbstract(t *testing.T) {
	broker := setupTestBroker(t)
	ctx := context.Background()

	sub := broker.Subscribe(ctx, "arw_a")
	defer sub.Close()

	if err := broker.Publish(ctx, Message{AbstractID: "arw_b", Op: "move"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := broker.Publish(ctx, Message{AbstractID: "arw_a", Op: "select"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	got := waitMessage(t, sub)
	if got.AbstractID != "arw_a" || got.Op != "select" {
		t.Errorf("expected only arw_a messages, got %+v", got)
	}
}

func TestPerAbstractOrderPreserved(t *testing.T) {
	broker := setupTestBroker(t)
	ctx := context.Background()

	sub := broker.Subscribe(ctx, "arw_a")
	defer sub.Close()

	ops := []string{"reply", "move", "select", "remove"}
	for _, op := range ops {
		if err := broker.Publish(ctx, Message{AbstractID: "arw_a", Op: op}); err != nil {
			t.Fatalf("Publish %s failed: %v", op, err)
		}
	}

	for _, want := range ops {
		got := waitMessage(t, sub)
		if got.Op != want {
			t.Fatalf("out of order: want %s, got %s", want, got.Op)
		}
	}
}

func TestSubscriptionAddRemove(t *testing.T) {
	broker := setupTestBroker(t)
	ctx := context.Background()

	sub := broker.Subscribe(ctx, "arw_a")
	defer sub.Close()

	if err := sub.Add(ctx, "arw_b"); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := broker.Publish(ctx, Message{AbstractID: "arw_b", Op: "graft"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if got := waitMessage(t, sub); got.AbstractID != "arw_b" {
		t.Errorf("expected arw_b message after Add, got %+v", got)
	}

	if err := sub.Remove(ctx, "arw_b"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
}
