package broadcast

import (
	"sort"

	"github.com/oklog/ulid/v2"
)

func (s *Service) startRun(session string, total int) string {
	now := s.clk.Now()
	s.runsMu.Lock()
	defer s.runsMu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(now), s.entropy).String()
	s.runs[id] = &Run{ID: id, Session: session, Total: total, StartedAt: now, Running: true}
	return id
}

func (s *Service) finishRun(id string) Run {
	now := s.clk.Now()
	s.runsMu.Lock()
	defer s.runsMu.Unlock()
	r := s.runs[id]
	if r == nil {
		return Run{ID: id}
	}
	r.DoneAt = now
	r.Running = false
	return *r
}

// Run returns a copy of one recorded run.
func (s *Service) Run(id string) (Run, bool) {
	s.runsMu.RLock()
	defer s.runsMu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return Run{}, false
	}
	return *r, true
}

// Runs returns the recorded runs of a session, newest first. An empty session
// returns every run.
func (s *Service) Runs(session string) []Run {
	s.runsMu.RLock()
	out := make([]Run, 0, len(s.runs))
	for _, r := range s.runs {
		if session == "" || r.Session == session {
			out = append(out, *r)
		}
	}
	s.runsMu.RUnlock()
	// ULIDs sort by creation time.
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

// Prune drops finished runs older than the history TTL, then the oldest
// finished runs beyond the history limit. Running runs are never dropped.
// It returns how many runs were removed.
func (s *Service) Prune() int {
	cfg := s.config()
	now := s.clk.Now()

	s.runsMu.Lock()
	defer s.runsMu.Unlock()

	removed := 0
	for id, r := range s.runs {
		if !r.Running && now.Sub(r.DoneAt) > cfg.HistoryTTL {
			delete(s.runs, id)
			removed++
		}
	}

	over := len(s.runs) - cfg.HistoryMax
	if over <= 0 {
		return removed
	}
	cands := make([]*Run, 0, len(s.runs))
	for _, r := range s.runs {
		if !r.Running {
			cands = append(cands, r)
		}
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].DoneAt.Before(cands[j].DoneAt) })
	for i := 0; i < len(cands) && over > 0; i++ {
		delete(s.runs, cands[i].ID)
		over--
		removed++
	}
	return removed
}
