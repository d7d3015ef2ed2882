package pubsub

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/0patch/magic-wormhole/internal/rendezvous"
)

func testBus(t *testing.T) *Bus {
	t.Helper()
	bus := NewBus(slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { bus.Close() })
	return bus
}

func TestRecordUsagePublishes(t *testing.T) {
	bus := testBus(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatal(err)
	}

	bus.RecordUsage("mailbox", "app-1", rendezvous.Usage{
		Started:     100,
		TotalTime:   30,
		WaitingTime: 10,
		Waited:      true,
		Result:      rendezvous.ResultHappy,
	})

	select {
	case msg := <-ch:
		var ev UsageEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			t.Fatal(err)
		}
		msg.Ack()
		if ev.Kind != "mailbox" || ev.AppID != "app-1" || ev.Result != "happy" {
			t.Fatalf("event = %+v", ev)
		}
		if ev.WaitingTime == nil || *ev.WaitingTime != 10 {
			t.Fatalf("waiting_time = %v, want 10", ev.WaitingTime)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no usage event received")
	}
}

func TestRecordUsageOmitsWaitWhenLonely(t *testing.T) {
	bus := testBus(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatal(err)
	}

	bus.RecordUsage("nameplate", "app-1", rendezvous.Usage{
		Started:   100,
		TotalTime: 5,
		Result:    rendezvous.ResultLonely,
	})

	select {
	case msg := <-ch:
		msg.Ack()
		var ev UsageEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			t.Fatal(err)
		}
		if ev.WaitingTime != nil {
			t.Fatalf("waiting_time = %v, want omitted", *ev.WaitingTime)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no usage event received")
	}
}

func TestRecordUsageWithoutSubscriberDoesNotBlock(t *testing.T) {
	bus := testBus(t)
	done := make(chan struct{})
	go func() {
		bus.RecordUsage("mailbox", "app-1", rendezvous.Usage{Result: rendezvous.ResultQuiet})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked with no subscriber")
	}
}
