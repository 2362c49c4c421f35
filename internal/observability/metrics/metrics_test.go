package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/karin0/bili-live-bot/internal/eventbus"
)

func TestObserve(t *testing.T) {
	m := New()
	events := []eventbus.Event{
		{Type: eventbus.TypeWatchAdded, Data: eventbus.WatchChange{ChatID: 1, RoomID: 2}},
		{Type: eventbus.TypeWatchAdded, Data: eventbus.WatchChange{ChatID: 1, RoomID: 3}},
		{Type: eventbus.TypeWatchRemoved, Data: eventbus.WatchChange{ChatID: 1, RoomID: 2}},
		{Type: eventbus.TypeRoomEvent, Data: eventbus.RoomEvent{RoomID: 2, Kind: "chat"}},
		{Type: eventbus.TypeRoomDropped, Data: eventbus.RoomEvent{RoomID: 2}},
		{Type: eventbus.TypeDeliverySent, Data: eventbus.Delivery{ChatID: 1, Messages: 3, Result: "sent"}},
		{Type: eventbus.TypeDeliveryRetry, Data: eventbus.Delivery{ChatID: 1}},
		{Type: eventbus.TypeDeliveryFail, Data: eventbus.Delivery{ChatID: 1, Messages: 1, Result: "rejected"}},
		{Type: eventbus.TypeCommand, Data: eventbus.Command{Name: "watch", OK: true}},
		{Type: "something.else"},
	}
	for _, e := range events {
		m.Observe(e)
	}

	cases := []struct {
		name string
		got  float64
		want float64
	}{
		{"added", testutil.ToFloat64(m.watches.WithLabelValues("added")), 2},
		{"removed", testutil.ToFloat64(m.watches.WithLabelValues("removed")), 1},
		{"chat events", testutil.ToFloat64(m.roomEvents.WithLabelValues("chat")), 1},
		{"dropped", testutil.ToFloat64(m.roomDropped), 1},
		{"sent", testutil.ToFloat64(m.deliveries.WithLabelValues("sent")), 1},
		{"retry", testutil.ToFloat64(m.deliveries.WithLabelValues("retry")), 1},
		{"rejected", testutil.ToFloat64(m.deliveries.WithLabelValues("rejected")), 1},
		{"messages", testutil.ToFloat64(m.deliveredMsgs), 3},
		{"commands", testutil.ToFloat64(m.commands.WithLabelValues("watch", "true")), 1},
	}
	for _, c := range cases {
		if c.got != c.want {
			t.Fatalf("%s=%v want %v", c.name, c.got, c.want)
		}
	}
}

func TestRunAndHandler(t *testing.T) {
	m := New()
	m.RegisterGauges(Gauges{
		QueueDepth: func() int { return 4 },
		Rooms:      func() int { return 2 },
	})
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Run(ctx, bus)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(m.watches.WithLabelValues("added")) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("event never observed")
		}
		// publish until the subscription is in place
		bus.Publish(eventbus.Event{Type: eventbus.TypeWatchAdded})
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{"bililive_queue_depth 4", "bililive_rooms_open 2", "bililive_watch_changes_total"} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output misses %q", want)
		}
	}
}
