// Package maintenance runs periodic housekeeping on cron schedules: pruning
// broadcast history and logging a session summary.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"linkmux/internal/session"
	logx "linkmux/pkg/logx"
)

const (
	JobPrune  = "broadcast.prune"
	JobReport = "session.report"

	DefaultPruneSchedule  = "@every 10m"
	DefaultReportSchedule = "@every 5m"
	defaultJobTimeout     = 30 * time.Second
	historySize           = 50
)

var ErrUnknownJob = errors.New("unknown maintenance job")

// Config holds the job schedules. A schedule of "off" disables that job.
type Config struct {
	PruneSchedule  string
	ReportSchedule string
	Timezone       string // IANA name; empty means local time
	JobTimeout     time.Duration
}

type Pruner interface {
	Prune() int
}

type Deps struct {
	Runs     Pruner
	Sessions *session.Registry
	Log      logx.Logger
}

type HistoryItem struct {
	Name     string
	Started  time.Time
	Duration time.Duration
	Error    string
}

type job struct {
	name string
	spec func(Config) string
	run  func(ctx context.Context) error
}

type Service struct {
	mu     sync.Mutex
	log    logx.Logger
	cfg    Config
	parser cron.Parser
	c      *cron.Cron
	ctx    context.Context
	jobs   []job

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, deps Deps) *Service {
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	s := &Service{
		log:    deps.Log.With(logx.String("comp", "maintenance")),
		cfg:    cfg,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
	if deps.Runs != nil {
		s.jobs = append(s.jobs, job{
			name: JobPrune,
			spec: func(c Config) string { return orDefault(c.PruneSchedule, DefaultPruneSchedule) },
			run: func(context.Context) error {
				if n := deps.Runs.Prune(); n > 0 {
					s.log.Debug("broadcast history pruned", logx.Int("removed", n))
				}
				return nil
			},
		})
	}
	if deps.Sessions != nil {
		s.jobs = append(s.jobs, job{
			name: JobReport,
			spec: func(c Config) string { return orDefault(c.ReportSchedule, DefaultReportSchedule) },
			run: func(context.Context) error {
				counts := deps.Sessions.Counts()
				s.log.Info("sessions summary",
					logx.Int("total", deps.Sessions.Len()),
					logx.Int("connected", counts[session.Connected]),
					logx.Int("connecting", counts[session.Connecting]),
					logx.Int("disconnected", counts[session.Disconnected]),
				)
				return nil
			},
		})
	}
	return s
}

func orDefault(v, def string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return def
	}
	return v
}

func disabled(spec string) bool { return strings.EqualFold(spec, "off") }

// Validate reports schedules the cron parser rejects.
func Validate(cfg Config) error {
	p := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	var errs []error
	for name, spec := range map[string]string{
		"prune_schedule":  orDefault(cfg.PruneSchedule, DefaultPruneSchedule),
		"report_schedule": orDefault(cfg.ReportSchedule, DefaultReportSchedule),
	} {
		if disabled(spec) {
			continue
		}
		if _, err := p.Parse(spec); err != nil {
			errs = append(errs, fmt.Errorf("maintenance.%s %q: %w", name, spec, err))
		}
	}
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("maintenance.timezone: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Start schedules every job. It is a no-op when already running.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.ctx = ctx
	return s.startLocked()
}

func (s *Service) startLocked() error {
	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			s.log.Warn("invalid timezone, falling back to Local", logx.String("tz", tz), logx.Err(err))
		} else {
			loc = l
		}
	}
	cl := cronLogger{log: s.log}
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	scheduled := 0
	for _, j := range s.jobs {
		spec := j.spec(s.cfg)
		if disabled(spec) {
			continue
		}
		if _, err := c.AddFunc(spec, func() { s.exec(j) }); err != nil {
			return fmt.Errorf("schedule %s: %w", j.name, err)
		}
		scheduled++
	}
	s.c = c
	c.Start()
	s.log.Info("maintenance started", logx.Int("jobs", scheduled), logx.String("tz", loc.String()))
	return nil
}

// Stop halts the schedule and waits for running jobs or ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("maintenance stopped")
}

// Apply swaps the schedules, restarting the cron when it is running.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	if s.c == nil {
		return nil
	}
	<-s.c.Stop().Done()
	s.c = nil
	return s.startLocked()
}

// RunNow executes the named job synchronously.
func (s *Service) RunNow(ctx context.Context, name string) error {
	for _, j := range s.jobs {
		if j.name == name {
			return s.run(ctx, j)
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownJob, name)
}

// Scheduled returns the names of the jobs currently on the schedule.
func (s *Service) Scheduled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return nil
	}
	var out []string
	for _, j := range s.jobs {
		if !disabled(j.spec(s.cfg)) {
			out = append(out, j.name)
		}
	}
	sort.Strings(out)
	return out
}

func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) exec(j job) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	_ = s.run(ctx, j)
}

func (s *Service) run(ctx context.Context, j job) error {
	s.mu.Lock()
	timeout := s.cfg.JobTimeout
	s.mu.Unlock()
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := j.run(ctx)
	item := HistoryItem{Name: j.name, Started: start, Duration: time.Since(start)}
	if err != nil {
		item.Error = err.Error()
		s.log.Warn("maintenance job failed", logx.String("job", j.name), logx.Err(err))
	} else {
		s.log.Debug("maintenance job ok", logx.String("job", j.name))
	}

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.hmu.Unlock()
	return err
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct {
	log logx.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
