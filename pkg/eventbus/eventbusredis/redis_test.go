package eventbusredis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/quantrail/identity/pkg/eventbus"
	"github.com/quantrail/identity/pkg/eventbus/eventbusredis"
	"github.com/quantrail/identity/pkg/kernel"
	"github.com/redis/go-redis/v9"
)

func newTestBus(t *testing.T) *eventbus.Bus {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	transport := eventbusredis.NewRedisTransport(rdb)
	t.Cleanup(func() { transport.Close() })
	return eventbus.NewBus(transport)
}

func collect(t *testing.T, bus *eventbus.Bus, ctx context.Context, ch eventbus.Channel) <-chan eventbus.Event {
	t.Helper()
	out := make(chan eventbus.Event, 16)
	if err := bus.Subscribe(ctx, ch, func(e eventbus.Event) { out <- e }); err != nil {
		t.Fatalf("subscribe %s: %v", ch, err)
	}
	return out
}

func waitFor(t *testing.T, ch <-chan eventbus.Event, eventType string) eventbus.Event {
	t.Helper()
	select {
	case e := <-ch:
		if e.Type != eventType {
			t.Fatalf("got %q, want %q", e.Type, eventType)
		}
		return e
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %q", eventType)
		return eventbus.Event{}
	}
}

func TestPublishReachesRoutedChannels(t *testing.T) {
	bus := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	all := collect(t, bus, ctx, eventbus.ChannelAll)
	security := collect(t, bus, ctx, eventbus.ChannelSecurity)
	auth := collect(t, bus, ctx, eventbus.ChannelAuth)

	bus.Publish(eventbus.RefreshReuseDetected(
		kernel.NewUserID("u-1"), kernel.NewSessionID("s-1"), kernel.NewFamilyID("f-1")))

	got := waitFor(t, security, "refresh.reuse_detected")
	if got.Priority != eventbus.PriorityCritical {
		t.Fatalf("priority = %s", got.Priority)
	}
	if got.Data["family"] != "f-1" {
		t.Fatalf("data = %v", got.Data)
	}
	waitFor(t, all, "refresh.reuse_detected")

	// events.auth is not in the reuse route.
	select {
	case e := <-auth:
		t.Fatalf("unexpected event on events.auth: %q", e.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPublishSurvivesDeadTransport(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	transport := eventbusredis.NewRedisTransport(rdb)
	bus := eventbus.NewBus(transport)

	mr.Close()
	rdb.Close()

	// Fire-and-forget: the caller must not notice the dead transport.
	bus.Publish(eventbus.Logout(kernel.NewUserID("u-1"), kernel.NewSessionID("s-1")))
	time.Sleep(150 * time.Millisecond)
}
