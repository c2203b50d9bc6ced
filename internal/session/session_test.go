package session

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"linkmux/internal/transport"
)

type stubSocket struct{}

func (stubSocket) Events() <-chan transport.Event { return nil }
func (stubSocket) Send(context.Context, string, transport.Content) error { return nil }
func (stubSocket) Logout(context.Context) error { return nil }
func (stubSocket) Groups(context.Context) ([]transport.Group, error) { return nil, nil }
func (stubSocket) Close() error { return nil }

func TestRegistryGetDoesNotCreate(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Get("alice")
	assert.False(t, ok)
	assert.Zero(t, r.Len())

	s, err := r.GetOrCreate("alice")
	require.NoError(t, err)
	again, err := r.GetOrCreate("alice")
	require.NoError(t, err)
	assert.Same(t, s, again)
	assert.Equal(t, Disconnected, s.State().Status)

	_, err = r.GetOrCreate("")
	assert.ErrorIs(t, err, ErrInvalidID)
	_, err = r.GetOrCreate("acme-eu")
	assert.ErrorIs(t, err, ErrInvalidID)
	assert.Zero(t, r.Len())
}

func TestRegistryConcurrentGetOrCreate(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	got := make([]*Session, 32)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i], _ = r.GetOrCreate("shared")
		}(i)
	}
	wg.Wait()
	for _, s := range got {
		assert.Same(t, got[0], s)
	}
	assert.Equal(t, 1, r.Len())
}

func TestPublishEnforcesInvariants(t *testing.T) {
	s := newSession("bob")

	s.Publish(State{Status: Connecting, QR: "data:image/png;base64,xx", Socket: stubSocket{}})
	st := s.State()
	assert.Equal(t, "data:image/png;base64,xx", st.QR)
	assert.Nil(t, st.Socket)

	s.Publish(State{Status: Connected, QR: "stale", Socket: stubSocket{}})
	st = s.State()
	assert.Empty(t, st.QR)
	assert.NotNil(t, st.Socket)

	s.Publish(State{Status: Disconnected, QR: "stale", Socket: stubSocket{}})
	st = s.State()
	assert.Empty(t, st.QR)
	assert.Nil(t, st.Socket)
}

func TestAllIsSortedAndCounts(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"c", "a", "b"} {
		_, _ = r.GetOrCreate(id)
	}
	s, _ := r.Get("b")
	s.Publish(State{Status: Connected, Socket: stubSocket{}})

	var ids []string
	for _, s := range r.All() {
		ids = append(ids, s.ID())
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
	assert.Equal(t, map[Status]int{Disconnected: 2, Connecting: 0, Connected: 1}, r.Counts())
}
