// Package session holds the process-wide registry of tenant sessions and the
// immutable state snapshots published for them.
package session

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"linkmux/internal/transport"
)

type Status string

const (
	Disconnected Status = "disconnected"
	Connecting   Status = "connecting"
	Connected    Status = "connected"
)

func (s Status) String() string { return string(s) }

// IDSeparator joins a session id to its credential keys, so it cannot
// appear inside an id.
const IDSeparator = "-"

var ErrInvalidID = errors.New("session id must be non-empty and must not contain '" + IDSeparator + "'")

// ValidateID returns ErrInvalidID unless id can namespace credential keys.
func ValidateID(id string) error {
	if id == "" || strings.Contains(id, IDSeparator) {
		return ErrInvalidID
	}
	return nil
}

// State is an immutable snapshot of one session.
//
// Socket is set only while Status is Connected. QR is set only while
// Status is Connecting and a pairing challenge is outstanding.
type State struct {
	Status Status
	QR     string
	Socket transport.Socket
	Since  time.Time
}

// Session is a registry entry. Its state is written by exactly one owner (the
// link supervisor) and read lock-free by everyone else.
type Session struct {
	id    string
	state atomic.Pointer[State]
}

func newSession(id string) *Session {
	s := &Session{id: id}
	s.state.Store(&State{Status: Disconnected})
	return s
}

func (s *Session) ID() string { return s.id }

// State returns the latest published snapshot.
func (s *Session) State() State { return *s.state.Load() }

// Publish replaces the snapshot, enforcing the socket/QR invariants.
func (s *Session) Publish(st State) {
	switch st.Status {
	case Connected:
		st.QR = ""
	case Disconnected:
		st.QR = ""
		st.Socket = nil
	case Connecting:
		st.Socket = nil
	}
	s.state.Store(&st)
}

// Registry maps tenant ids to sessions. It performs no I/O.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: map[string]*Session{}}
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	return s, ok
}

func (r *Registry) GetOrCreate(id string) (*Session, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	if s, ok := r.Get(id); ok {
		return s, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s, nil
	}
	s := newSession(id)
	r.sessions[id] = s
	return s, nil
}

// All returns every session ordered by id.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Counts returns the number of sessions per status.
func (r *Registry) Counts() map[Status]int {
	out := map[Status]int{Disconnected: 0, Connecting: 0, Connected: 0}
	for _, s := range r.All() {
		out[s.State().Status]++
	}
	return out
}
