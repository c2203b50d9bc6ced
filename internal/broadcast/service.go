package broadcast

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"linkmux/internal/clock"
	"linkmux/internal/session"
	"linkmux/internal/transport"
	logx "linkmux/pkg/logx"
)

var errEmptyRecipient = errors.New("empty recipient")

type Options struct {
	Clock    clock.Clock
	Log      logx.Logger
	Observer Observer
}

type Service struct {
	reg *session.Registry
	clk clock.Clock
	log logx.Logger
	obs Observer

	mu  sync.Mutex
	cfg Config

	runsMu  sync.RWMutex
	runs    map[string]*Run
	entropy io.Reader
}

func New(reg *session.Registry, cfg Config, opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	return &Service{
		reg:     reg,
		clk:     opts.Clock,
		log:     opts.Log.With(logx.String("comp", "broadcast")),
		obs:     opts.Observer,
		cfg:     cfg.withDefaults(),
		runs:    map[string]*Run{},
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// Apply replaces pacing, retry and history settings. Running broadcasts keep
// the settings they started with.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Broadcast sends text (and att, when non-nil) to every recipient in order
// and returns one Result per recipient in the same order.
//
// If ctx ends mid-run the remaining recipients are reported failed and the
// context error is returned together with the results.
func (s *Service) Broadcast(ctx context.Context, id, text string, recipients []string, att *Attachment) ([]Result, error) {
	sock, err := s.socketFor(id)
	if err != nil {
		return nil, err
	}
	cfg := s.config()
	content := BuildContent(text, att)
	runID := s.startRun(id, len(recipients))
	log := s.log.With(logx.Session(id), logx.String("run", runID))
	start := s.clk.Now()
	log.Info("broadcast started", logx.Int("total", len(recipients)), logx.String("kind", string(content.Kind)))

	results := make([]Result, 0, len(recipients))
	var stopErr error
	for i, to := range recipients {
		if stopErr == nil {
			stopErr = ctx.Err()
		}
		if stopErr != nil {
			results = append(results, s.record(runID, to, stopErr))
			continue
		}
		err := s.sendOne(ctx, sock, to, content, cfg, log)
		if err != nil {
			log.Warn("broadcast send failed", logx.String("recipient", to), logx.Err(err))
		}
		results = append(results, s.record(runID, to, err))

		if i < len(recipients)-1 && cfg.Pacing > 0 {
			if err := s.clk.Sleep(ctx, cfg.Pacing); err != nil {
				stopErr = err
			}
		}
	}
	run := s.finishRun(runID)

	fields := []logx.Field{
		logx.Int("total", run.Total),
		logx.Int("sent", run.Sent),
		logx.Int("failed", run.Failed),
		logx.Duration("dur", s.clk.Now().Sub(start)),
	}
	if run.Failed > 0 {
		log.Warn("broadcast finished with failures", fields...)
	} else {
		log.Info("broadcast finished", fields...)
	}
	s.Prune()

	if stopErr != nil {
		return results, fmt.Errorf("broadcast interrupted: %w", stopErr)
	}
	return results, nil
}

func (s *Service) socketFor(id string) (transport.Socket, error) {
	sess, ok := s.reg.Get(id)
	if !ok {
		return nil, ErrNotConnected
	}
	st := sess.State()
	if st.Status != session.Connected || st.Socket == nil {
		return nil, ErrNotConnected
	}
	return st.Socket, nil
}

func (s *Service) sendOne(ctx context.Context, sock transport.Socket, to string, c transport.Content, cfg Config, log logx.Logger) error {
	if to == "" {
		return errEmptyRecipient
	}
	var last error
	for i := 0; i <= cfg.RetryMax; i++ {
		last = sock.Send(ctx, to, c)
		if last == nil {
			return nil
		}
		if i == cfg.RetryMax {
			break
		}
		delay := cfg.RetryDelay * time.Duration(i+1)
		log.Debug("broadcast send retry scheduled",
			logx.String("recipient", to), logx.Int("attempt", i+2), logx.Duration("delay", delay), logx.Err(last))
		if err := s.clk.Sleep(ctx, delay); err != nil {
			return err
		}
	}
	return last
}

func (s *Service) record(runID, to string, err error) Result {
	res := Result{Recipient: to, Outcome: Sent}
	if err != nil {
		res.Outcome = Failed
		res.Detail = err.Error()
	}

	s.runsMu.Lock()
	if r := s.runs[runID]; r != nil {
		if err != nil {
			r.Failed++
		} else {
			r.Sent++
		}
	}
	s.runsMu.Unlock()

	if s.obs != nil {
		s.obs.Delivered(res.Outcome)
	}
	return res
}
