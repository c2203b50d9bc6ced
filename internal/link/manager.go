// Package link supervises the connection of every session: it opens sockets
// with stored credentials, persists credential changes in order, reacts to
// close codes with credential wipes or backoff reconnects, and publishes
// state snapshots to the session registry.
//
// Each session is owned by a single actor goroutine; socket events, timers and
// requests reach it as messages.
package link

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"linkmux/internal/clock"
	"linkmux/internal/credstore"
	"linkmux/internal/eventbus"
	"linkmux/internal/runtime/supervisor"
	"linkmux/internal/session"
	"linkmux/internal/transport"
	logx "linkmux/pkg/logx"
)

var (
	ErrClosed         = errors.New("link manager closed")
	ErrConnectAborted = errors.New("connect aborted by logout")
)

type Deps struct {
	Registry *session.Registry
	Store    *credstore.Store
	Dialer   transport.Dialer
	Clock    clock.Clock
	Bus      eventbus.Bus
	Log      logx.Logger
}

type Manager struct {
	reg    *session.Registry
	store  *credstore.Store
	dialer transport.Dialer
	clk    clock.Clock
	bus    eventbus.Bus
	log    logx.Logger
	sup    *supervisor.Supervisor
	cfg    atomic.Pointer[Config]

	mu     sync.Mutex
	actors map[string]*actor
	closed bool
}

func NewManager(deps Deps, cfg Config) *Manager {
	if deps.Registry == nil {
		deps.Registry = session.NewRegistry()
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	log := deps.Log.With(logx.String("comp", "link"))
	m := &Manager{
		reg:    deps.Registry,
		store:  deps.Store,
		dialer: deps.Dialer,
		clk:    deps.Clock,
		bus:    deps.Bus,
		log:    log,
		sup:    supervisor.NewSupervisor(context.Background(), supervisor.WithLogger(log)),
		actors: map[string]*actor{},
	}
	m.SetConfig(cfg)
	return m
}

// SetConfig replaces the policy. Running timers keep their delay; the new
// values apply from the next attempt.
func (m *Manager) SetConfig(cfg Config) {
	cfg = cfg.withDefaults()
	m.cfg.Store(&cfg)
}

func (m *Manager) config() Config { return *m.cfg.Load() }

func (m *Manager) Registry() *session.Registry { return m.reg }

func (m *Manager) actorFor(id string) (*actor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if a, ok := m.actors[id]; ok {
		return a, nil
	}
	sess, err := m.reg.GetOrCreate(id)
	if err != nil {
		return nil, err
	}
	a := newActor(m, sess)
	m.actors[id] = a
	m.sup.Go0("link.writes", a.writes.run)
	m.sup.Go0("link.actor", a.run)
	m.publish(EventStatus, StatusChange{Session: id, To: session.Disconnected})
	return a, nil
}

func (m *Manager) existing(id string) (*actor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actors[id]
	return a, ok
}

// Connect brings the session up. Concurrent calls share one attempt. It
// returns once the socket is open (the session may still be waiting for
// pairing) or the attempt failed; a failed attempt is retried in the
// background.
func (m *Manager) Connect(ctx context.Context, id string) error {
	a, err := m.actorFor(id)
	if err != nil {
		return err
	}
	return a.request(ctx, msgConnect)
}

// Disconnect logs the session out of the network when it is connected and
// wipes its stored credentials.
func (m *Manager) Disconnect(ctx context.Context, id string) error {
	if err := session.ValidateID(id); err != nil {
		return err
	}
	a, ok := m.existing(id)
	if !ok {
		m.mu.Lock()
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return ErrClosed
		}
		// Never connected in this process: nothing is in flight.
		return m.store.ClearAll(ctx, id)
	}
	return a.request(ctx, msgDisconnect)
}

func (a *actor) request(ctx context.Context, kind msgKind) error {
	reply := make(chan error, 1)
	select {
	case a.inbox <- message{kind: kind, reply: reply}:
	case <-a.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-a.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrClosed
		}
	}
}

// Resume connects every session that has stored credentials. Failures are
// logged; the number of sessions attempted is returned.
func (m *Manager) Resume(ctx context.Context) (int, error) {
	ids, err := m.store.Sessions(ctx)
	if err != nil {
		return 0, err
	}
	var g errgroup.Group
	g.SetLimit(m.config().ResumeConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			if err := m.Connect(ctx, id); err != nil {
				m.log.Warn("resume failed", logx.Session(id), logx.Err(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	m.log.Info("sessions resumed", logx.Int("count", len(ids)))
	return len(ids), nil
}

// Close stops every actor, closes live sockets without logging out, and
// flushes queued credential writes.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	return m.sup.Stop(ctx)
}

// Snapshot reports the goroutines the manager runs.
func (m *Manager) Snapshot() supervisor.SupervisorSnapshot { return m.sup.Snapshot() }
