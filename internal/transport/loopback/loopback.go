// Package loopback is an in-process transport used for development and tests.
//
// A socket opened without credentials emits a pairing challenge and, when
// AutoPair is set, pairs itself after that delay. A socket opened with
// credentials reports opened right away. Manual sockets emit nothing on their
// own and are driven with Emit.
package loopback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"linkmux/internal/clock"
	"linkmux/internal/transport"
)

func init() {
	transport.Register("loopback", func(settings map[string]string) (transport.Dialer, error) {
		cfg := Config{}
		if v := settings["auto_pair"]; v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("loopback auto_pair: %w", err)
			}
			cfg.AutoPair = d
		}
		return New(cfg), nil
	})
}

type Config struct {
	AutoPair time.Duration
	Manual   bool
	Clock    clock.Clock
	Groups   []transport.Group
}

// Sent is one delivered message.
type Sent struct {
	To      string
	Content transport.Content
}

type Dialer struct {
	cfg Config

	mu        sync.Mutex
	opens     int
	sockets   []*Socket
	openErr   error
	sendFail  map[string]error
	logoutErr error
}

func New(cfg Config) *Dialer {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	return &Dialer{cfg: cfg, sendFail: map[string]error{}}
}

// FailOpen makes subsequent Open calls return err (nil restores).
func (d *Dialer) FailOpen(err error) {
	d.mu.Lock()
	d.openErr = err
	d.mu.Unlock()
}

// FailSendTo makes sends to recipient fail with err on every socket.
func (d *Dialer) FailSendTo(recipient string, err error) {
	d.mu.Lock()
	d.sendFail[recipient] = err
	d.mu.Unlock()
}

func (d *Dialer) FailLogout(err error) {
	d.mu.Lock()
	d.logoutErr = err
	d.mu.Unlock()
}

// Opens reports how many times Open was called.
func (d *Dialer) Opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

// Last returns the most recently opened socket, or nil.
func (d *Dialer) Last() *Socket {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sockets) == 0 {
		return nil
	}
	return d.sockets[len(d.sockets)-1]
}

func (d *Dialer) Open(ctx context.Context, auth transport.AuthState, opts transport.Options) (transport.Socket, error) {
	d.mu.Lock()
	err := d.openErr
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		d.opens++
		d.mu.Unlock()
		return nil, err
	}
	d.mu.Unlock()

	s := &Socket{
		dialer: d,
		auth:   auth,
		opts:   opts,
		out:    make(chan transport.Event),
		wake:   make(chan struct{}, 1),
	}
	go s.pump()

	// Counted together with the append so Last is the socket Opens reports.
	d.mu.Lock()
	d.opens++
	d.sockets = append(d.sockets, s)
	d.mu.Unlock()

	if !d.cfg.Manual {
		go s.run()
	}
	return s, nil
}

type Socket struct {
	dialer *Dialer
	auth   transport.AuthState
	opts   transport.Options

	mu       sync.Mutex
	queue    []transport.Event
	closed   bool
	loggedIn bool
	sent     []Sent
	timer    clock.Timer

	out  chan transport.Event
	wake chan struct{}
}

// Auth returns the credential material the socket was opened with.
func (s *Socket) Auth() transport.AuthState { return s.auth }

func (s *Socket) Events() <-chan transport.Event { return s.out }

// Emit queues ev for delivery. It reports false once the socket is closed.
func (s *Socket) Emit(ev transport.Event) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, ev)
	switch ev.Kind {
	case transport.EventClosed:
		s.closed = true
		if s.timer != nil {
			s.timer.Stop()
		}
	case transport.EventOpened:
		s.loggedIn = true
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

func (s *Socket) pump() {
	defer close(s.out)
	for range s.wake {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()
		for _, ev := range batch {
			s.out <- ev
			if ev.Kind == transport.EventClosed {
				return
			}
		}
	}
}

func (s *Socket) run() {
	ctx := context.Background()
	if len(s.auth.Creds) == 0 {
		s.Emit(transport.Event{Kind: transport.EventPairingChallenge, Challenge: "loopback:" + uuid.NewString()})
		if d := s.dialer.cfg.AutoPair; d > 0 {
			t := s.dialer.cfg.Clock.AfterFunc(d, func() { s.pair(ctx) })
			s.mu.Lock()
			s.timer = t
			s.mu.Unlock()
		}
		return
	}
	if s.auth.Keys != nil {
		if _, err := s.auth.Keys.Get(ctx, "pre-key", []string{"1"}); err != nil {
			s.Emit(transport.Event{Kind: transport.EventClosed, Code: transport.CloseBadSession, Err: err})
			return
		}
	}
	s.Emit(transport.Event{Kind: transport.EventOpened})
}

func (s *Socket) pair(ctx context.Context) {
	creds, _ := json.Marshal(map[string]string{"device": uuid.NewString()})
	if s.auth.Keys != nil {
		keys := map[string][]byte{}
		for _, id := range []string{"1", "2", "3"} {
			u := uuid.New()
			keys[id] = u[:]
		}
		if err := s.auth.Keys.Set(ctx, map[string]map[string][]byte{"pre-key": keys}); err != nil {
			s.Emit(transport.Event{Kind: transport.EventClosed, Code: transport.CloseBadSession, Err: err})
			return
		}
	}
	s.Emit(transport.Event{Kind: transport.EventCredentialsChanged, Creds: creds})
	s.Emit(transport.Event{Kind: transport.EventOpened})
}

var ErrNotOpen = errors.New("loopback: socket not open")

func (s *Socket) Send(ctx context.Context, to string, c transport.Content) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.dialer.mu.Lock()
	fail := s.dialer.sendFail[to]
	s.dialer.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.loggedIn {
		return ErrNotOpen
	}
	if fail != nil {
		return fail
	}
	s.sent = append(s.sent, Sent{To: to, Content: c})
	return nil
}

// Sent returns the messages delivered so far.
func (s *Socket) Sent() []Sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Sent(nil), s.sent...)
}

func (s *Socket) Logout(ctx context.Context) error {
	s.dialer.mu.Lock()
	err := s.dialer.logoutErr
	s.dialer.mu.Unlock()
	if err != nil {
		return err
	}
	s.Emit(transport.Event{Kind: transport.EventClosed, Code: transport.CloseLoggedOut})
	return nil
}

func (s *Socket) Groups(ctx context.Context) ([]transport.Group, error) {
	s.mu.Lock()
	open := !s.closed && s.loggedIn
	s.mu.Unlock()
	if !open {
		return nil, ErrNotOpen
	}
	return append([]transport.Group(nil), s.dialer.cfg.Groups...), nil
}

// Close ends the connection with CloseConnectionClosed unless it already ended.
func (s *Socket) Close() error {
	s.Emit(transport.Event{Kind: transport.EventClosed, Code: transport.CloseConnectionClosed})
	return nil
}

// IsClosed reports whether the socket has emitted its closed event.
func (s *Socket) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
