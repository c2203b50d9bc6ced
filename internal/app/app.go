// Package app wires linkmux together and owns the process lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"linkmux/internal/broadcast"
	"linkmux/internal/config"
	"linkmux/internal/control"
	"linkmux/internal/credstore"
	"linkmux/internal/eventbus"
	"linkmux/internal/httpapi"
	"linkmux/internal/link"
	"linkmux/internal/maintenance"
	"linkmux/internal/metrics"
	"linkmux/internal/runtime/supervisor"
	"linkmux/internal/session"
	"linkmux/internal/storage"
	"linkmux/internal/transport"
	_ "linkmux/internal/transport/loopback"
	logx "linkmux/pkg/logx"
	"linkmux/pkg/systemd"
)

const watchdogMaxRestarts = 5

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	backend storage.Backend
	store   *credstore.Store
	reg     *session.Registry
	link    *link.Manager
	bc      *broadcast.Service
	ctl     *control.Facade
	metrics *metrics.Metrics
	follow  func(context.Context)
	maint   *maintenance.Service
	http    *httpapi.Server

	// boot holds the settings the app was started with.
	boot settings

	httpCancel context.CancelFunc
	httpDone   chan struct{}
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := mapConfig(cfg)
		return err
	})
	cfg, err := cfgm.Load(context.Background())
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	set, err := mapConfig(cfg)
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(set.log)
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	backend, err := storage.Open(set.storage, root.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	dialer, err := transport.New(set.transport, cfg.Link.TransportSettings)
	if err != nil {
		_ = backend.Close()
		_ = logSvc.Close()
		return nil, fmt.Errorf("transport %s: %w", set.transport, err)
	}

	bus := eventbus.New()
	reg := session.NewRegistry()
	m := metrics.New(reg)

	store := credstore.New(backend, credstore.Options{
		ChunkSize: set.chunkSize,
		Log:       root.With(logx.String("comp", "credstore")),
		Observer:  m,
	})
	lm := link.NewManager(link.Deps{
		Registry: reg,
		Store:    store,
		Dialer:   dialer,
		Bus:      bus,
		Log:      root,
	}, set.link)
	bc := broadcast.New(reg, set.broadcast, broadcast.Options{
		Log:      root.With(logx.String("comp", "broadcast")),
		Observer: m,
	})
	ctl := control.New(reg, lm, bc, control.Options{QueryTimeout: set.link.QueryTimeout})
	maint := maintenance.New(set.maintenance, maintenance.Deps{Runs: bc, Sessions: reg, Log: root})

	gin.SetMode(gin.ReleaseMode)
	srv := httpapi.New(ctl, set.http, m.Handler(), root)
	srv.Expose("links", func() any { return lm.Snapshot() })
	srv.Expose("maintenance", func() any { return maint.History() })

	log.Info("linkmux configured",
		logx.String("config", cfgPath),
		logx.String("storage", set.storage.Driver),
		logx.String("transport", set.transport))

	return &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		backend: backend,
		store:   store,
		reg:     reg,
		link:    lm,
		bc:      bc,
		ctl:     ctl,
		metrics: m,
		follow:  m.Follow(bus),
		maint:   maint,
		http:    srv,
		boot:    set,
	}, nil
}

// Handler serves the HTTP API without a listener.
func (a *App) Handler() http.Handler { return a.http.Handler() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	run := a.sup.Context()
	sup := a.sup
	a.http.Expose("supervisor", func() any { return sup.Snapshot() })

	if err := a.maint.Start(run); err != nil {
		return fmt.Errorf("start maintenance: %w", err)
	}
	a.sup.Go0("metrics.follow", a.follow)
	a.logEvents()

	httpCtx, cancel := context.WithCancel(run)
	a.httpCancel = cancel
	a.httpDone = make(chan struct{})
	t := a.boot.server
	a.sup.Go("http.serve", func(context.Context) error {
		defer close(a.httpDone)
		return a.http.Serve(httpCtx, t.addr, t.read, t.write, t.shutdown)
	})

	if a.boot.resume {
		a.sup.Go0("link.resume", func(c context.Context) {
			n, err := a.link.Resume(c)
			if err != nil {
				a.log.Warn("session resume incomplete", logx.Int("resumed", n), logx.Err(err))
				return
			}
			a.log.Info("sessions resumed", logx.Int("count", n))
		})
	}

	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)
	// systemd kills a service whose watchdog pings keep failing; give up first
	// and exit with the error instead.
	a.sup.GoRestart("systemd.watchdog", systemd.Watchdog,
		supervisor.WithRestartBackoff(time.Second, time.Minute),
		supervisor.WithMaxRestarts(watchdogMaxRestarts))

	if ok, err := systemd.Ready(); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("systemd notified ready")
	}
	a.log.Info("app started", logx.String("addr", t.addr))
	return nil
}

// logEvents mirrors session events into the debug log.
func (a *App) logEvents() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data), logx.Time("time", e.Time))
			}
		}
	})
}

func (a *App) reloadLoop(c context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			a.apply(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// apply pushes a validated config into the running components. Storage,
// transport and listener settings need a restart.
func (a *App) apply(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	set, err := mapConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}

	if set.storage != a.boot.storage || set.transport != a.boot.transport {
		a.log.Warn("storage or transport changed; restart required for changes to take effect")
	}
	if set.server != a.boot.server {
		a.log.Warn("server listener changed; restart required for changes to take effect")
	}

	a.logs.Apply(set.log)
	a.store.SetChunkSize(set.chunkSize)
	a.link.SetConfig(set.link)
	a.bc.Apply(set.broadcast)
	a.http.Apply(set.http)
	if err := a.maint.Apply(set.maintenance); err != nil {
		a.log.Warn("maintenance schedule not applied", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := systemd.Stopping(); err != nil {
		a.log.Debug("systemd notify failed", logx.Err(err))
	}

	var errs []error

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
				max = time.Until(dl)
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly. If it doesn't, log a leak signal.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Err(stepCtx.Err()), logx.Duration("elapsed", time.Since(start)))
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline",
					logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}()
		}
	}

	// Stop taking requests first; in-flight broadcasts get the shutdown window.
	step("http", a.boot.server.shutdown+time.Second, func(c context.Context) error {
		if a.httpCancel == nil {
			return nil
		}
		a.httpCancel()
		select {
		case <-a.httpDone:
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	if a.sup != nil {
		a.sup.Cancel()
	}
	step("maintenance", 2*time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })
	step("link", 5*time.Second, a.link.Close)
	step("storage", 2*time.Second, func(context.Context) error { return a.backend.Close() })
	if a.sup != nil {
		step("supervisor", 2*time.Second, func(c context.Context) error {
			err := a.sup.Wait(c)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}
