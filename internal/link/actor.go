package link

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"linkmux/internal/clock"
	"linkmux/internal/credstore"
	"linkmux/internal/qr"
	"linkmux/internal/session"
	"linkmux/internal/transport"
	logx "linkmux/pkg/logx"
)

var errConnectTimeout = errors.New("connect timed out")

type msgKind int

const (
	msgConnect msgKind = iota
	msgDisconnect
	msgDialed
	msgEvent
	msgWatchdog
	msgRetry
)

type message struct {
	kind  msgKind
	reply chan error
	seq   uint64 // generation for dial/socket messages, timer token otherwise
	sock  transport.Socket
	err   error
	event transport.Event
}

// actor owns one session's connection state. Every field below inbox is
// touched only by the run goroutine.
type actor struct {
	m      *Manager
	id     string
	sess   *session.Session
	log    logx.Logger
	writes *writeQueue
	inbox  chan message
	done   chan struct{}

	status session.Status
	sock   transport.Socket
	since  time.Time

	// gen identifies the current connection attempt; messages from older
	// attempts are dropped. keys belongs to that attempt's socket.
	gen        uint64
	keys       *keyStore
	dialing    bool
	cancelDial context.CancelFunc
	waiters    []chan error

	watchdog clock.Timer
	watchSeq uint64
	retry    clock.Timer
	retrySeq uint64

	attempts  int
	transient *backoff.ExponentialBackOff
	conflict  *backoff.ExponentialBackOff
}

func newActor(m *Manager, sess *session.Session) *actor {
	log := m.log.With(logx.Session(sess.ID()))
	a := &actor{
		m:      m,
		id:     sess.ID(),
		sess:   sess,
		log:    log,
		writes: newWriteQueue(log),
		inbox:  make(chan message, 64),
		done:   make(chan struct{}),
		status: session.Disconnected,
		since:  m.clk.Now(),
	}
	a.resetBackoff()
	return a
}

// post delivers msg unless the actor has stopped.
func (a *actor) post(msg message) bool {
	select {
	case a.inbox <- msg:
		return true
	case <-a.done:
		return false
	}
}

func (a *actor) run(ctx context.Context) {
	defer close(a.done)
	defer a.shutdown()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-a.inbox:
			a.handle(ctx, msg)
		}
	}
}

func (a *actor) handle(ctx context.Context, msg message) {
	switch msg.kind {
	case msgConnect:
		a.onConnect(ctx, msg.reply)
	case msgDisconnect:
		a.onDisconnect(msg.reply)
	case msgDialed:
		a.onDialed(msg)
	case msgEvent:
		if msg.seq != a.gen {
			a.log.Debug("dropping event from stale socket", logx.String("kind", string(msg.event.Kind)))
			return
		}
		a.onEvent(msg.event)
	case msgWatchdog:
		a.onWatchdog(msg.seq)
	case msgRetry:
		a.onRetry(ctx, msg.seq)
	}
}

func (a *actor) onConnect(ctx context.Context, reply chan error) {
	switch {
	case a.dialing:
		a.waiters = append(a.waiters, reply)
	case a.sock != nil:
		// Connected, or connecting and waiting for the pairing to complete.
		reply <- nil
	default:
		a.waiters = append(a.waiters, reply)
		a.startAttempt(ctx)
	}
}

func (a *actor) startAttempt(ctx context.Context) {
	a.stopRetry()
	a.nextGen()
	gen := a.gen
	keys := &keyStore{session: a.id, store: a.m.store, writes: a.writes}
	a.keys = keys
	a.dialing = true
	a.setState(session.Connecting, "")

	cfg := a.m.config()
	dctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	a.cancelDial = cancel
	a.m.sup.Go0("link.dial", func(context.Context) {
		sock, err := a.open(dctx, cfg, keys)
		if !a.post(message{kind: msgDialed, seq: gen, sock: sock, err: err}) && sock != nil {
			a.drain(sock, gen)
			_ = sock.Close()
		}
	})
}

// open loads the stored credentials once every queued write has landed and
// opens a socket with them.
func (a *actor) open(ctx context.Context, cfg Config, keys *keyStore) (transport.Socket, error) {
	if err := a.writes.barrier(ctx); err != nil {
		return nil, err
	}
	creds, ok, err := a.m.store.Read(ctx, a.id, credstore.CredsKey)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	if !ok {
		creds = nil
	}
	sock, err := a.m.dialer.Open(ctx, transport.AuthState{Creds: creds, Keys: keys}, transport.Options{
		ConnectTimeout: cfg.ConnectTimeout,
		QueryTimeout:   cfg.QueryTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open socket: %w", err)
	}
	return sock, nil
}

func (a *actor) onDialed(msg message) {
	if msg.seq != a.gen {
		if msg.sock != nil {
			a.drain(msg.sock, msg.seq)
			_ = msg.sock.Close()
		}
		return
	}
	a.dialing = false
	if a.cancelDial != nil {
		a.cancelDial()
		a.cancelDial = nil
	}
	if msg.err != nil {
		a.log.Warn("connect failed", logx.Err(msg.err))
		a.settle(msg.err)
		a.setState(session.Disconnected, "")
		a.scheduleReconnect(Transient)
		return
	}
	a.sock = msg.sock
	a.drain(msg.sock, msg.seq)
	a.armWatchdog()
	a.settle(nil)
}

// drain forwards a socket's events to the actor until the socket closes.
func (a *actor) drain(sock transport.Socket, gen uint64) {
	a.m.sup.Go0("link.events", func(context.Context) {
		for ev := range sock.Events() {
			a.post(message{kind: msgEvent, seq: gen, event: ev})
		}
	})
}

func (a *actor) onEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventPairingChallenge:
		if a.status != session.Connecting {
			return
		}
		img, err := qr.Render(ev.Challenge, a.m.config().QR)
		if err != nil {
			a.log.Warn("pairing challenge not renderable", logx.Err(err))
			img = ""
		}
		a.armWatchdog()
		a.setState(session.Connecting, img)

	case transport.EventCredentialsChanged:
		creds := append([]byte(nil), ev.Creds...)
		a.writes.post("creds", func(ctx context.Context) error {
			return a.m.store.Write(ctx, a.id, credstore.CredsKey, creds)
		})

	case transport.EventOpened:
		a.stopWatchdog()
		a.attempts = 0
		a.resetBackoff()
		a.setState(session.Connected, "")

	case transport.EventClosed:
		a.onClosed(ev.Code, ev.Err)
	}
}

func (a *actor) onClosed(code transport.CloseCode, cause error) {
	a.stopWatchdog()
	if a.sock != nil {
		_ = a.sock.Close()
		a.sock = nil
	}
	// Anything the old socket still emits or writes is ignored from here on.
	a.nextGen()

	class := Classify(code)
	fields := []logx.Field{logx.Int("code", int(code)), logx.String("reason", code.String()), logx.String("class", class.String())}
	if cause != nil {
		fields = append(fields, logx.Err(cause))
	}
	a.log.Warn("connection closed", fields...)

	a.setState(session.Disconnected, "")
	if class == Fatal {
		a.attempts = 0
		a.resetBackoff()
		a.clearCredentials("fatal_close")
		return
	}
	a.scheduleReconnect(class)
}

func (a *actor) onWatchdog(seq uint64) {
	if seq != a.watchSeq || a.watchdog == nil {
		return
	}
	a.watchdog = nil
	if a.sock == nil || a.status != session.Connecting {
		return
	}
	a.onClosed(transport.CloseTimedOut, errConnectTimeout)
}

func (a *actor) onRetry(ctx context.Context, seq uint64) {
	if seq != a.retrySeq || a.retry == nil {
		return
	}
	a.retry = nil
	if a.dialing || a.sock != nil {
		return
	}
	a.log.Info("reconnecting", logx.Int("attempt", a.attempts))
	a.startAttempt(ctx)
}

func (a *actor) onDisconnect(reply chan error) {
	a.nextGen()
	a.stopRetry()
	a.stopWatchdog()
	if a.cancelDial != nil {
		a.cancelDial()
		a.cancelDial = nil
	}
	a.dialing = false
	a.settle(ErrConnectAborted)

	sock := a.sock
	live := sock != nil && a.status == session.Connected
	a.sock = nil
	a.attempts = 0
	a.resetBackoff()
	a.setState(session.Disconnected, "")

	cleared := a.clearCredentials("logout")
	timeout := a.m.config().QueryTimeout
	a.m.sup.Go0("link.logout", func(ctx context.Context) {
		if sock != nil {
			if live {
				lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
				if err := sock.Logout(lctx); err != nil {
					a.log.Warn("network logout failed", logx.Err(err))
				}
				cancel()
			}
			_ = sock.Close()
		}
		reply <- <-cleared
	})
}

// clearCredentials queues a wipe behind every pending write for the session.
func (a *actor) clearCredentials(reason string) <-chan error {
	return a.writes.submit("clear", func(ctx context.Context) error {
		if err := a.m.store.ClearAll(ctx, a.id); err != nil {
			return err
		}
		a.log.Info("credentials cleared", logx.String("reason", reason))
		a.m.publish(EventCredentialsCleared, CredentialsCleared{Session: a.id, Reason: reason})
		return nil
	})
}

func (a *actor) scheduleReconnect(class Class) {
	cfg := a.m.config()
	if cfg.MaxReconnectAttempts > 0 && a.attempts >= cfg.MaxReconnectAttempts {
		a.log.Error("giving up reconnecting", logx.Int("attempts", a.attempts), logx.String("class", class.String()))
		a.m.publish(EventReconnectExhausted, ReconnectScheduled{Session: a.id, Class: class, Attempt: a.attempts})
		return
	}
	bo := a.transient
	if class == Conflict {
		bo = a.conflict
	}
	delay := bo.NextBackOff()
	if delay == backoff.Stop {
		delay = cfg.MaxReconnectDelay
	}
	a.attempts++

	a.stopRetry()
	seq := a.retrySeq
	a.retry = a.m.clk.AfterFunc(delay, func() { a.post(message{kind: msgRetry, seq: seq}) })

	a.log.Info("reconnect scheduled",
		logx.String("class", class.String()), logx.Duration("delay", delay), logx.Int("attempt", a.attempts))
	a.m.publish(EventReconnectScheduled, ReconnectScheduled{Session: a.id, Class: class, Delay: delay, Attempt: a.attempts})
}

// nextGen ends the current connection attempt and revokes its key store.
func (a *actor) nextGen() {
	a.gen++
	if a.keys != nil {
		a.keys.revoke()
		a.keys = nil
	}
}

func (a *actor) stopRetry() {
	if a.retry != nil {
		a.retry.Stop()
		a.retry = nil
	}
	a.retrySeq++
}

func (a *actor) armWatchdog() {
	a.stopWatchdog()
	seq := a.watchSeq
	a.watchdog = a.m.clk.AfterFunc(a.m.config().ConnectTimeout, func() {
		a.post(message{kind: msgWatchdog, seq: seq})
	})
}

func (a *actor) stopWatchdog() {
	if a.watchdog != nil {
		a.watchdog.Stop()
		a.watchdog = nil
	}
	a.watchSeq++
}

func (a *actor) resetBackoff() {
	cfg := a.m.config()
	a.transient = cfg.newBackOff(cfg.TransientDelay, a.m.clk)
	a.conflict = cfg.newBackOff(cfg.ConflictDelay, a.m.clk)
}

func (a *actor) settle(err error) {
	for _, w := range a.waiters {
		w <- err
	}
	a.waiters = nil
}

// setState publishes a new snapshot. The socket is exposed only while connected.
func (a *actor) setState(status session.Status, qrImage string) {
	prev := a.status
	a.status = status
	if prev != status {
		a.since = a.m.clk.Now()
	}
	var sock transport.Socket
	if status == session.Connected {
		sock = a.sock
	}
	a.sess.Publish(session.State{Status: status, QR: qrImage, Socket: sock, Since: a.since})
	if prev != status {
		a.log.Info("session status changed", logx.String("from", prev.String()), logx.String("to", status.String()))
		a.m.publish(EventStatus, StatusChange{Session: a.id, From: prev, To: status})
	}
}

func (a *actor) shutdown() {
	a.nextGen()
	a.stopRetry()
	a.stopWatchdog()
	if a.cancelDial != nil {
		a.cancelDial()
		a.cancelDial = nil
	}
	a.dialing = false
	a.settle(ErrClosed)
	if a.sock != nil {
		_ = a.sock.Close()
		a.sock = nil
	}
	a.setState(session.Disconnected, "")
	a.writes.close()
}
