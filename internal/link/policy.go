package link

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"linkmux/internal/clock"
	"linkmux/internal/qr"
	"linkmux/internal/transport"
)

// Config is the supervisor policy. Zero fields take the defaults below.
type Config struct {
	ConnectTimeout time.Duration
	QueryTimeout   time.Duration

	// Reconnect delays grow exponentially from the base delay of the close
	// class up to MaxReconnectDelay.
	TransientDelay       time.Duration
	ConflictDelay        time.Duration
	MaxReconnectDelay    time.Duration
	ReconnectMultiplier  float64
	ReconnectJitter      float64 // randomization factor, 0..1
	MaxReconnectAttempts int     // 0 means unlimited

	ResumeConcurrency int
	QR                qr.Options
}

const (
	DefaultConnectTimeout    = 60 * time.Second
	DefaultQueryTimeout      = 60 * time.Second
	DefaultTransientDelay    = 3 * time.Second
	DefaultConflictDelay     = 10 * time.Second
	DefaultMaxReconnectDelay = 2 * time.Minute
)

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = DefaultQueryTimeout
	}
	if c.TransientDelay <= 0 {
		c.TransientDelay = DefaultTransientDelay
	}
	if c.ConflictDelay <= 0 {
		c.ConflictDelay = DefaultConflictDelay
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = DefaultMaxReconnectDelay
	}
	if c.MaxReconnectDelay < c.ConflictDelay {
		c.MaxReconnectDelay = c.ConflictDelay
	}
	if c.ReconnectMultiplier < 1 {
		c.ReconnectMultiplier = 2
	}
	if c.ReconnectJitter < 0 || c.ReconnectJitter >= 1 {
		c.ReconnectJitter = 0
	}
	if c.ResumeConcurrency <= 0 {
		c.ResumeConcurrency = 4
	}
	return c
}

// Class groups close codes by how the supervisor reacts to them.
type Class int

const (
	// Transient closes reconnect after the base transient delay.
	Transient Class = iota
	// Conflict closes mean the session was taken over elsewhere; they
	// reconnect after the longer conflict delay.
	Conflict
	// Fatal closes mean the link was revoked; credentials are wiped and no
	// reconnect is scheduled.
	Fatal
)

func (c Class) String() string {
	switch c {
	case Fatal:
		return "fatal"
	case Conflict:
		return "conflict"
	default:
		return "transient"
	}
}

// Classify maps a close code to its class.
func Classify(code transport.CloseCode) Class {
	switch code {
	case transport.CloseLoggedOut, transport.CloseForbidden:
		return Fatal
	case transport.CloseConnectionReplaced:
		return Conflict
	default:
		return Transient
	}
}

func (c Config) newBackOff(base time.Duration, clk clock.Clock) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = c.ReconnectMultiplier
	b.MaxInterval = c.MaxReconnectDelay
	b.RandomizationFactor = c.ReconnectJitter
	b.MaxElapsedTime = 0
	b.Clock = clk
	b.Reset()
	return b
}
