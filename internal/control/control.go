// Package control is the read/trigger surface over sessions consumed by the
// API layer. Reads never create sessions; writes delegate to the link
// supervisor and the broadcast dispatcher and return their outcome.
package control

import (
	"context"
	"fmt"
	"time"

	"linkmux/internal/broadcast"
	"linkmux/internal/session"
	"linkmux/internal/transport"
)

type Linker interface {
	Connect(ctx context.Context, id string) error
	Disconnect(ctx context.Context, id string) error
}

type Broadcaster interface {
	Broadcast(ctx context.Context, id, text string, recipients []string, att *broadcast.Attachment) ([]broadcast.Result, error)
	Runs(session string) []broadcast.Run
}

// Status is the public projection of a session. QR is nil unless a pairing
// challenge is outstanding.
type Status struct {
	Status session.Status `json:"status"`
	QR     *string        `json:"qr"`
}

type Options struct {
	// QueryTimeout bounds socket queries such as group listing. Zero means 60s.
	QueryTimeout time.Duration
}

type Facade struct {
	reg          *session.Registry
	link         Linker
	bc           Broadcaster
	queryTimeout time.Duration
}

func New(reg *session.Registry, l Linker, bc Broadcaster, opts Options) *Facade {
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = 60 * time.Second
	}
	return &Facade{reg: reg, link: l, bc: bc, queryTimeout: opts.QueryTimeout}
}

// Status reports id's state. Unknown ids are disconnected.
func (f *Facade) Status(id string) Status {
	s, ok := f.reg.Get(id)
	if !ok {
		return Status{Status: session.Disconnected}
	}
	st := s.State()
	out := Status{Status: st.Status}
	if st.QR != "" {
		qr := st.QR
		out.QR = &qr
	}
	return out
}

func (f *Facade) Connect(ctx context.Context, id string) error {
	if id == "" {
		return invalid("session id is required")
	}
	return wrap(f.link.Connect(ctx, id))
}

func (f *Facade) Logout(ctx context.Context, id string) error {
	if id == "" {
		return invalid("session id is required")
	}
	return wrap(f.link.Disconnect(ctx, id))
}

func (f *Facade) Groups(ctx context.Context, id string) ([]transport.Group, error) {
	sock, err := f.socket(id)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, f.queryTimeout)
	defer cancel()
	groups, err := sock.Groups(ctx)
	if err != nil {
		return nil, wrap(fmt.Errorf("list groups: %w", err))
	}
	return groups, nil
}

// Send broadcasts text (with an optional attachment) to recipients.
func (f *Facade) Send(ctx context.Context, id, text string, recipients []string, att *broadcast.Attachment) ([]broadcast.Result, error) {
	if id == "" {
		return nil, invalid("session id is required")
	}
	if len(recipients) == 0 {
		return nil, invalid("at least one recipient is required")
	}
	if text == "" && att == nil {
		return nil, invalid("message or file is required")
	}
	res, err := f.bc.Broadcast(ctx, id, text, recipients, att)
	return res, wrap(err)
}

// Runs lists the recorded broadcasts of id, newest first.
func (f *Facade) Runs(id string) []broadcast.Run {
	if id == "" {
		return nil
	}
	return f.bc.Runs(id)
}

func (f *Facade) socket(id string) (transport.Socket, error) {
	if id == "" {
		return nil, invalid("session id is required")
	}
	s, ok := f.reg.Get(id)
	if !ok {
		return nil, wrap(broadcast.ErrNotConnected)
	}
	st := s.State()
	if st.Status != session.Connected || st.Socket == nil {
		return nil, wrap(broadcast.ErrNotConnected)
	}
	return st.Socket, nil
}
