package memdriver

import (
	"context"
	"testing"
	"time"

	"github.com/coilrun/gasoline/pkg/pubsub"
)

func TestPublishSubscribe(t *testing.T) {
	d := New()
	received := make(chan pubsub.Msg, 1)
	sub, err := d.Subscribe(context.Background(), "workflow.wf1.complete", func(m pubsub.Msg) {
		received <- m
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	if err := d.Publish(context.Background(), "workflow.wf1.complete", []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case m := <-received:
		if string(m.Data) != `{"ok":true}` {
			t.Fatalf("unexpected payload: %s", m.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	d := New()
	count := 0
	sub, err := d.Subscribe(context.Background(), "s", func(m pubsub.Msg) { count++ })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	sub.Unsubscribe()
	d.Publish(context.Background(), "s", []byte("x"))
	if count != 0 {
		t.Fatalf("expected no delivery after unsubscribe, got %d", count)
	}
}

func TestRequestReply(t *testing.T) {
	d := New()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	sub, err := d.Subscribe(ctx, "ping", func(m pubsub.Msg) {
		d.Publish(ctx, "ping.reply", []byte("pong"))
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	reply, err := d.Request(ctx, "ping", []byte("hello"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if string(reply.Data) != "pong" {
		t.Fatalf("unexpected reply: %s", reply.Data)
	}
}
