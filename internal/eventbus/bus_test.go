package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeFiltersByType(t *testing.T) {
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	status, unsubStatus := b.Subscribe(4, "session.status")
	defer unsubStatus()

	b.Publish(Event{Type: "session.status", Data: 1})
	b.Publish(Event{Type: "session.reconnect_scheduled", Data: 2})

	require.Len(t, all, 2)
	require.Len(t, status, 1)
	ev := <-status
	assert.Equal(t, 1, ev.Data)
	assert.False(t, ev.Time.IsZero())
}

func TestPublishDropsWhenSubscriberIsFull(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	assert.EqualValues(t, 1, b.Dropped())

	unsub()
	unsub()
	b.Publish(Event{Type: "c"})
	assert.EqualValues(t, 1, b.Dropped())
}
