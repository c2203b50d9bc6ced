package control

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"linkmux/internal/broadcast"
	"linkmux/internal/clock"
	"linkmux/internal/link"
	"linkmux/internal/session"
	"linkmux/internal/transport"
	"linkmux/internal/transport/loopback"
)

type fakeLinker struct {
	connects    []string
	disconnects []string
	err         error
}

func (l *fakeLinker) Connect(ctx context.Context, id string) error {
	l.connects = append(l.connects, id)
	return l.err
}

func (l *fakeLinker) Disconnect(ctx context.Context, id string) error {
	l.disconnects = append(l.disconnects, id)
	return l.err
}

type fixture struct {
	reg    *session.Registry
	linker *fakeLinker
	dialer *loopback.Dialer
	f      *Facade
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := session.NewRegistry()
	bc := broadcast.New(reg, broadcast.Config{Pacing: -1}, broadcast.Options{Clock: clock.NewFake(time.Time{})})
	fx := &fixture{
		reg:    reg,
		linker: &fakeLinker{},
		dialer: loopback.New(loopback.Config{Manual: true, Groups: []transport.Group{{ID: "g1@g.us", Name: "Ops", Participants: []string{"a", "b"}}}}),
	}
	fx.f = New(reg, fx.linker, bc, Options{})
	return fx
}

func (fx *fixture) connect(t *testing.T, id string) *loopback.Socket {
	t.Helper()
	_, err := fx.dialer.Open(context.Background(), transport.AuthState{}, transport.Options{})
	require.NoError(t, err)
	sock := fx.dialer.Last()
	sock.Emit(transport.Event{Kind: transport.EventOpened})
	s, err := fx.reg.GetOrCreate(id)
	require.NoError(t, err)
	s.Publish(session.State{Status: session.Connected, Socket: sock})
	return sock
}

func TestStatusUnknownSessionIsSideEffectFree(t *testing.T) {
	fx := newFixture(t)
	st := fx.f.Status("stranger")
	assert.Equal(t, Status{Status: session.Disconnected}, st)
	assert.Nil(t, st.QR)
	assert.Equal(t, 0, fx.reg.Len())
}

func TestStatusReportsQRWhilePairing(t *testing.T) {
	fx := newFixture(t)
	s, err := fx.reg.GetOrCreate("alice")
	require.NoError(t, err)
	s.Publish(session.State{Status: session.Connecting, QR: "data:image/png;base64,AA=="})

	st := fx.f.Status("alice")
	assert.Equal(t, session.Connecting, st.Status)
	require.NotNil(t, st.QR)
	assert.Equal(t, "data:image/png;base64,AA==", *st.QR)

	fx.connect(t, "alice")
	assert.Equal(t, Status{Status: session.Connected}, fx.f.Status("alice"))
}

func TestTriggersDelegateVerbatim(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, fx.f.Connect(context.Background(), "alice"))
	require.NoError(t, fx.f.Logout(context.Background(), "alice"))
	assert.Equal(t, []string{"alice"}, fx.linker.connects)
	assert.Equal(t, []string{"alice"}, fx.linker.disconnects)

	cause := errors.New("open socket: dial tcp: connection refused")
	fx.linker.err = cause
	err := fx.f.Connect(context.Background(), "alice")
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, CodeFailed, CodeOf(err))
	assert.Contains(t, err.Error(), "connection refused")

	assert.Equal(t, CodeInvalid, CodeOf(fx.f.Connect(context.Background(), "")))
	assert.Len(t, fx.linker.connects, 2)
}

func TestErrorCodes(t *testing.T) {
	tests := []struct {
		err  error
		want Code
	}{
		{session.ErrInvalidID, CodeInvalid},
		{fmt.Errorf("send: %w", broadcast.ErrNotConnected), CodeNotConnected},
		{link.ErrConnectAborted, CodeAborted},
		{link.ErrClosed, CodeUnavailable},
		{context.DeadlineExceeded, CodeTimeout},
		{errors.New("disk full"), CodeFailed},
	}
	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			err := wrap(tt.err)
			assert.Equal(t, tt.want, CodeOf(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}
	assert.NoError(t, wrap(nil))
	assert.Equal(t, Code(""), CodeOf(errors.New("plain")))
}

func TestGroupsRequiresConnectedSession(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.f.Groups(context.Background(), "alice")
	assert.Equal(t, CodeNotConnected, CodeOf(err))

	fx.connect(t, "alice")
	groups, err := fx.f.Groups(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "Ops", groups[0].Name)
}

func TestSend(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.f.Send(context.Background(), "alice", "hi", []string{"r1"}, nil)
	assert.Equal(t, CodeNotConnected, CodeOf(err))
	assert.ErrorIs(t, err, broadcast.ErrNotConnected)

	sock := fx.connect(t, "alice")
	_, err = fx.f.Send(context.Background(), "alice", "hi", nil, nil)
	assert.Equal(t, CodeInvalid, CodeOf(err))
	_, err = fx.f.Send(context.Background(), "alice", "", []string{"r1"}, nil)
	assert.Equal(t, CodeInvalid, CodeOf(err))

	res, err := fx.f.Send(context.Background(), "alice", "", []string{"r1"}, &broadcast.Attachment{Data: []byte{1}, MimeType: "image/png"})
	require.NoError(t, err)
	assert.Equal(t, broadcast.Sent, res[0].Outcome)
	assert.Len(t, sock.Sent(), 1)

	runs := fx.f.Runs("alice")
	require.Len(t, runs, 1)
	assert.Equal(t, 1, runs[0].Sent)
	assert.Empty(t, fx.f.Runs(""))
}
