package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"linkmux/internal/clock"
	"linkmux/internal/session"
	"linkmux/internal/transport"
	"linkmux/internal/transport/loopback"
)

func connectedSession(t *testing.T, reg *session.Registry, id string, d *loopback.Dialer) *loopback.Socket {
	t.Helper()
	_, err := d.Open(context.Background(), transport.AuthState{}, transport.Options{})
	require.NoError(t, err)
	sock := d.Last()
	sock.Emit(transport.Event{Kind: transport.EventOpened})
	sess, err := reg.GetOrCreate(id)
	require.NoError(t, err)
	sess.Publish(session.State{Status: session.Connected, Socket: sock})
	return sock
}

type countingObserver struct {
	mu sync.Mutex
	n  map[Outcome]int
}

func (o *countingObserver) Delivered(outcome Outcome) {
	o.mu.Lock()
	o.n[outcome]++
	o.mu.Unlock()
}

func TestBroadcastIsolatesFailedRecipient(t *testing.T) {
	reg := session.NewRegistry()
	d := loopback.New(loopback.Config{Manual: true})
	sock := connectedSession(t, reg, "alice", d)
	d.FailSendTo("r2", errors.New("recipient not on network"))

	clk := clock.NewFake(time.Time{})
	obs := &countingObserver{n: map[Outcome]int{}}
	svc := New(reg, Config{}, Options{Clock: clk, Observer: obs})

	results, err := svc.Broadcast(context.Background(), "alice", "hello", []string{"r1", "r2", "r3"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []Result{
		{Recipient: "r1", Outcome: Sent},
		{Recipient: "r2", Outcome: Failed, Detail: "recipient not on network"},
		{Recipient: "r3", Outcome: Sent},
	}, results)

	sent := sock.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "r1", sent[0].To)
	assert.Equal(t, "r3", sent[1].To)
	assert.Equal(t, transport.Content{Kind: transport.ContentText, Text: "hello"}, sent[0].Content)

	assert.Equal(t, []time.Duration{time.Second, time.Second}, clk.Sleeps())
	assert.Equal(t, map[Outcome]int{Sent: 2, Failed: 1}, obs.n)
}

func TestBroadcastRequiresConnectedSession(t *testing.T) {
	reg := session.NewRegistry()
	clk := clock.NewFake(time.Time{})
	svc := New(reg, Config{}, Options{Clock: clk})

	_, err := svc.Broadcast(context.Background(), "nobody", "hi", []string{"r1"}, nil)
	assert.ErrorIs(t, err, ErrNotConnected)
	_, ok := reg.Get("nobody")
	assert.False(t, ok)

	sess, err := reg.GetOrCreate("pairing")
	require.NoError(t, err)
	sess.Publish(session.State{Status: session.Connecting, QR: "data:image/png;base64,AA=="})
	_, err = svc.Broadcast(context.Background(), "pairing", "hi", []string{"r1"}, nil)
	assert.ErrorIs(t, err, ErrNotConnected)

	sess.Publish(session.State{Status: session.Connected})
	_, err = svc.Broadcast(context.Background(), "pairing", "hi", []string{"r1"}, nil)
	assert.ErrorIs(t, err, ErrNotConnected)

	assert.Empty(t, clk.Sleeps())
	assert.Empty(t, svc.Runs(""))
}

func TestBroadcastAttachmentKinds(t *testing.T) {
	reg := session.NewRegistry()
	d := loopback.New(loopback.Config{Manual: true})
	sock := connectedSession(t, reg, "alice", d)
	svc := New(reg, Config{Pacing: -1}, Options{Clock: clock.NewFake(time.Time{})})

	att := &Attachment{Data: []byte("%PDF"), MimeType: "application/pdf", FileName: "report.pdf"}
	results, err := svc.Broadcast(context.Background(), "alice", "see attached", []string{"r1"}, att)
	require.NoError(t, err)
	require.Len(t, results, 1)

	got := sock.Sent()[0].Content
	assert.Equal(t, transport.ContentDocument, got.Kind)
	assert.Equal(t, "see attached", got.Text)
	assert.Equal(t, "report.pdf", got.FileName)
	assert.Equal(t, "application/pdf", got.MimeType)
}

func TestBuildContent(t *testing.T) {
	data := []byte{0xff, 0xd8}
	tests := []struct {
		name string
		att  *Attachment
		want transport.Content
	}{
		{"text", nil, transport.Content{Kind: transport.ContentText, Text: "msg"}},
		{"image", &Attachment{Data: data, MimeType: "image/jpeg", FileName: "a.jpg"},
			transport.Content{Kind: transport.ContentImage, Text: "msg", Data: data}},
		{"video upper case", &Attachment{Data: data, MimeType: "Video/MP4"},
			transport.Content{Kind: transport.ContentVideo, Text: "msg", Data: data}},
		{"document", &Attachment{Data: data, MimeType: "application/zip", FileName: "a.zip"},
			transport.Content{Kind: transport.ContentDocument, Text: "msg", Data: data, FileName: "a.zip", MimeType: "application/zip"}},
		{"missing type", &Attachment{Data: data, FileName: "blob"},
			transport.Content{Kind: transport.ContentDocument, Text: "msg", Data: data, FileName: "blob"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BuildContent("msg", tt.att))
		})
	}
}

// flakySocket fails the first n sends to each recipient.
type flakySocket struct {
	mu    sync.Mutex
	fails map[string]int
	calls map[string]int
}

func (s *flakySocket) Events() <-chan transport.Event { return nil }

func (s *flakySocket) Send(ctx context.Context, to string, c transport.Content) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[to]++
	if s.calls[to] <= s.fails[to] {
		return errors.New("rate limited")
	}
	return nil
}

func (s *flakySocket) Logout(ctx context.Context) error { return nil }

func (s *flakySocket) Groups(ctx context.Context) ([]transport.Group, error) { return nil, nil }

func (s *flakySocket) Close() error { return nil }

func TestBroadcastRetriesFailedSends(t *testing.T) {
	reg := session.NewRegistry()
	sock := &flakySocket{fails: map[string]int{"r1": 2, "r2": 5}, calls: map[string]int{}}
	sess, err := reg.GetOrCreate("alice")
	require.NoError(t, err)
	sess.Publish(session.State{Status: session.Connected, Socket: sock})

	clk := clock.NewFake(time.Time{})
	svc := New(reg, Config{RetryMax: 2, RetryDelay: 100 * time.Millisecond}, Options{Clock: clk})

	results, err := svc.Broadcast(context.Background(), "alice", "hi", []string{"r1", "r2"}, nil)
	require.NoError(t, err)
	assert.Equal(t, Sent, results[0].Outcome)
	assert.Equal(t, Failed, results[1].Outcome)
	assert.Equal(t, 3, sock.calls["r1"])
	assert.Equal(t, 3, sock.calls["r2"])
	ms := time.Millisecond
	assert.Equal(t, []time.Duration{100 * ms, 200 * ms, time.Second, 100 * ms, 200 * ms}, clk.Sleeps())
}

func TestBroadcastCanceledReportsRemaining(t *testing.T) {
	reg := session.NewRegistry()
	d := loopback.New(loopback.Config{Manual: true})
	sock := connectedSession(t, reg, "alice", d)
	svc := New(reg, Config{}, Options{Clock: clock.NewFake(time.Time{})})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results, err := svc.Broadcast(ctx, "alice", "hi", []string{"r1", "r2"}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, Failed, r.Outcome)
		assert.Equal(t, context.Canceled.Error(), r.Detail)
	}
	assert.Empty(t, sock.Sent())
}

func TestBroadcastEmptyRecipient(t *testing.T) {
	reg := session.NewRegistry()
	d := loopback.New(loopback.Config{Manual: true})
	connectedSession(t, reg, "alice", d)
	svc := New(reg, Config{Pacing: -1}, Options{Clock: clock.NewFake(time.Time{})})

	results, err := svc.Broadcast(context.Background(), "alice", "hi", []string{"", "r1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, Failed, results[0].Outcome)
	assert.Equal(t, Sent, results[1].Outcome)
}

func TestRunHistory(t *testing.T) {
	reg := session.NewRegistry()
	d := loopback.New(loopback.Config{Manual: true})
	connectedSession(t, reg, "alice", d)
	connectedSession(t, reg, "bob", d)
	d.FailSendTo("bad", errors.New("nope"))

	clk := clock.NewFake(time.Time{})
	svc := New(reg, Config{Pacing: -1, HistoryMax: 3, HistoryTTL: time.Hour}, Options{Clock: clk})

	for _, id := range []string{"alice", "bob", "alice", "alice"} {
		_, err := svc.Broadcast(context.Background(), id, "hi", []string{"ok", "bad"}, nil)
		require.NoError(t, err)
		clk.Advance(time.Minute)
	}

	all := svc.Runs("")
	require.Len(t, all, 3)
	alice := svc.Runs("alice")
	require.Len(t, alice, 2)
	assert.True(t, alice[0].StartedAt.After(alice[1].StartedAt))

	r, ok := svc.Run(alice[0].ID)
	require.True(t, ok)
	assert.Equal(t, 2, r.Total)
	assert.Equal(t, 1, r.Sent)
	assert.Equal(t, 1, r.Failed)
	assert.False(t, r.Running)

	clk.Advance(2 * time.Hour)
	assert.Equal(t, 3, svc.Prune())
	assert.Empty(t, svc.Runs(""))
}
