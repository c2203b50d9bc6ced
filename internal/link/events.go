package link

import (
	"time"

	"linkmux/internal/eventbus"
	"linkmux/internal/session"
)

// Event types published on the bus.
const (
	EventStatus             = "session.status"
	EventReconnectScheduled = "session.reconnect_scheduled"
	EventReconnectExhausted = "session.reconnect_exhausted"
	EventCredentialsCleared = "session.credentials_cleared"
)

// StatusChange is the Data of EventStatus. From is empty for a new session.
type StatusChange struct {
	Session string
	From    session.Status
	To      session.Status
}

// ReconnectScheduled is the Data of EventReconnectScheduled and EventReconnectExhausted.
type ReconnectScheduled struct {
	Session string
	Class   Class
	Delay   time.Duration
	Attempt int
}

// CredentialsCleared is the Data of EventCredentialsCleared.
type CredentialsCleared struct {
	Session string
	Reason  string // "fatal_close" or "logout"
}

func (m *Manager) publish(typ string, data any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: typ, Time: m.clk.Now(), Data: data})
}
