package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcasterDeliversToAllSubscribers(t *testing.T) {
	b := NewBroadcaster(8)
	defer b.Close()

	ch1, cancel1 := b.Subscribe()
	ch2, cancel2 := b.Subscribe()
	defer cancel1()
	defer cancel2()

	ev := New(KindIterationStarted, "run-1", 3, nil)
	delivered := b.Publish(ev)
	require.Equal(t, 2, delivered)

	got1 := <-ch1
	got2 := <-ch2
	assert.Equal(t, KindIterationStarted, got1.Kind)
	assert.Equal(t, "run-1", got1.RunID)
	assert.Equal(t, 3, got1.Iteration)
	assert.Equal(t, got1.Kind, got2.Kind)
}

func TestBroadcasterDropsWhenSubscriberFull(t *testing.T) {
	b := NewBroadcaster(1)
	defer b.Close()

	ch, cancel := b.Subscribe()
	defer cancel()

	require.Equal(t, 1, b.Publish(New(KindRunStarted, "r", 0, nil)))
	// Buffer now full; the next publish must drop rather than block.
	assert.Equal(t, 0, b.Publish(New(KindIterationStarted, "r", 1, nil)))

	got := <-ch
	assert.Equal(t, KindRunStarted, got.Kind)
}

func TestBroadcasterCancelRemovesSubscriber(t *testing.T) {
	b := NewBroadcaster(4)
	defer b.Close()

	ch, cancel := b.Subscribe()
	require.Equal(t, 1, b.SubscriberCount())

	cancel()
	cancel() // idempotent
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-ch
	assert.False(t, open, "channel should be closed after cancel")

	assert.Equal(t, 0, b.Publish(New(KindRunCompleted, "r", 9, nil)))
}

func TestBroadcasterCloseClosesChannels(t *testing.T) {
	b := NewBroadcaster(4)
	ch, _ := b.Subscribe()

	b.Close()
	b.Close() // idempotent

	_, open := <-ch
	assert.False(t, open)

	// Subscribing after close yields an already-closed channel.
	late, _ := b.Subscribe()
	_, open = <-late
	assert.False(t, open)
}
