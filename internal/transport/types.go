// Package transport defines the opaque socket abstraction linkmux drives:
// a Dialer opens a Socket with stored credential material and the socket
// reports pairing, credential and connection events on a channel.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// KeyStore gives a socket access to rotating key material by category.
type KeyStore interface {
	// Get returns id -> payload for the requested ids; missing ids are omitted.
	Get(ctx context.Context, category string, ids []string) (map[string][]byte, error)
	// Set applies category -> id -> payload; a nil payload deletes the item.
	Set(ctx context.Context, data map[string]map[string][]byte) error
}

// AuthState is the credential material a socket is opened with.
// Empty Creds means the device is not paired yet.
type AuthState struct {
	Creds []byte
	Keys  KeyStore
}

type Options struct {
	ConnectTimeout time.Duration
	QueryTimeout   time.Duration
}

type EventKind string

const (
	EventPairingChallenge   EventKind = "pairing_challenge"
	EventCredentialsChanged EventKind = "credentials_changed"
	EventOpened             EventKind = "opened"
	EventClosed             EventKind = "closed"
)

// Event is emitted by a Socket. Closed is always the last event.
type Event struct {
	Kind      EventKind
	Challenge string    // EventPairingChallenge
	Creds     []byte    // EventCredentialsChanged
	Code      CloseCode // EventClosed
	Err       error     // EventClosed, optional detail
}

// CloseCode is the status/reason code carried by a closed event.
type CloseCode int

const (
	CloseUnknown            CloseCode = 0
	CloseLoggedOut          CloseCode = 401
	CloseForbidden          CloseCode = 403
	CloseTimedOut           CloseCode = 408
	CloseConnectionClosed   CloseCode = 428
	CloseConnectionReplaced CloseCode = 440
	CloseBadSession         CloseCode = 500
	CloseRestartRequired    CloseCode = 515
)

func (c CloseCode) String() string {
	switch c {
	case CloseLoggedOut:
		return "logged_out"
	case CloseForbidden:
		return "forbidden"
	case CloseTimedOut:
		return "timed_out"
	case CloseConnectionClosed:
		return "connection_closed"
	case CloseConnectionReplaced:
		return "connection_replaced"
	case CloseBadSession:
		return "bad_session"
	case CloseRestartRequired:
		return "restart_required"
	default:
		return fmt.Sprintf("code_%d", int(c))
	}
}

type ContentKind string

const (
	ContentText     ContentKind = "text"
	ContentImage    ContentKind = "image"
	ContentVideo    ContentKind = "video"
	ContentDocument ContentKind = "document"
)

// Content is the unified outgoing message model. Text is the body for
// ContentText and the caption otherwise.
type Content struct {
	Kind     ContentKind
	Text     string
	Data     []byte
	FileName string // ContentDocument
	MimeType string // ContentDocument
}

type Group struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Participants []string `json:"participants"`
}

// Socket is one live transport connection. Events is closed after the
// EventClosed event has been delivered.
type Socket interface {
	Events() <-chan Event
	Send(ctx context.Context, to string, c Content) error
	Logout(ctx context.Context) error
	Groups(ctx context.Context) ([]Group, error)
	Close() error
}

// Dialer opens sockets. Open returns once the connection attempt has started;
// progress is reported through the socket's events.
type Dialer interface {
	Open(ctx context.Context, auth AuthState, opts Options) (Socket, error)
}

// Factory builds a Dialer from driver-specific settings.
type Factory func(settings map[string]string) (Dialer, error)

var (
	regMu     sync.RWMutex
	factories = map[string]Factory{}
)

var ErrUnknownDialer = errors.New("unknown transport")

// Register makes a dialer available by name. It panics on duplicates.
func Register(name string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	if _, dup := factories[name]; dup {
		panic("transport: Register called twice for " + name)
	}
	factories[name] = f
}

// New builds the named dialer.
func New(name string, settings map[string]string) (Dialer, error) {
	regMu.RLock()
	f, ok := factories[name]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", ErrUnknownDialer, name, Names())
	}
	return f(settings)
}

func Names() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(factories))
	for n := range factories {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
