package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifyAll_DeliversToAllSubscribers(t *testing.T) {
	bus := New(nil)
	ctx := context.Background()

	subA := bus.Subscribe()
	subB := bus.Subscribe()
	defer subA.Close()
	defer subB.Close()

	bus.NotifyAll(ctx, "GameDetectionStarted", map[string]string{"datasource": "main"})

	for _, sub := range []*Subscription{subA, subB} {
		select {
		case ev := <-sub.Events:
			assert.Equal(t, "GameDetectionStarted", ev.Name)
			assert.False(t, ev.Terminal)
		case <-time.After(time.Second):
			t.Fatal("expected event to be delivered")
		}
	}
}

func TestNotifyAll_NoSubscribersDoesNotBlock(t *testing.T) {
	bus := New(nil)
	bus.NotifyAll(context.Background(), "CacheClearingComplete", nil)
}

func TestNotifyAll_DropsWhenSubscriberChannelFull(t *testing.T) {
	bus := New(nil)
	sub := bus.Subscribe()
	defer sub.Close()

	for i := 0; i < subscriberBuffer+10; i++ {
		bus.NotifyAll(context.Background(), "DownloadsRefresh", i)
	}

	assert.Len(t, sub.Events, subscriberBuffer)
}

func TestNotifyTerminal_DeliveredEvenWhenChannelWasFull(t *testing.T) {
	bus := New(nil)
	sub := bus.Subscribe()
	defer sub.Close()

	for i := 0; i < subscriberBuffer; i++ {
		bus.NotifyAll(context.Background(), "DownloadsRefresh", i)
	}
	require.Len(t, sub.Events, subscriberBuffer)

	// Drain one slot concurrently with the terminal publish so delivery
	// succeeds within the grace window instead of requiring a full buffer.
	go func() {
		time.Sleep(10 * time.Millisecond)
		<-sub.Events
	}()

	bus.NotifyTerminal(context.Background(), "PrefillStateChanged", "Terminated")

	var sawTerminal bool
	for i := 0; i < subscriberBuffer; i++ {
		ev := <-sub.Events
		if ev.Name == "PrefillStateChanged" {
			sawTerminal = true
			assert.True(t, ev.Terminal)
		}
	}
	assert.True(t, sawTerminal, "terminal event should have been delivered, not dropped")
}

func TestSubscription_CloseClosesChannel(t *testing.T) {
	bus := New(nil)
	sub := bus.Subscribe()
	assert.Equal(t, 1, bus.SubscriberCount())

	sub.Close()
	assert.Equal(t, 0, bus.SubscriberCount())

	_, ok := <-sub.Events
	assert.False(t, ok, "channel should be closed")
}

func TestSubscription_CloseIsIdempotent(t *testing.T) {
	bus := New(nil)
	sub := bus.Subscribe()
	sub.Close()
	assert.NotPanics(t, func() { sub.Close() })
}
