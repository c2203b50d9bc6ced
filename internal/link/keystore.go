package link

import (
	"context"
	"errors"
	"sync/atomic"

	"linkmux/internal/credstore"
	"linkmux/internal/transport"
)

var errKeysRevoked = errors.New("key store belongs to a closed connection attempt")

// keyStore exposes a session's rotating key material to the socket of one
// connection attempt. Writes go through the session write queue so they stay
// ordered with credential updates. Once the attempt ends the store is revoked
// and rejects every call, so a late socket cannot write behind a wipe.
type keyStore struct {
	session string
	store   *credstore.Store
	writes  *writeQueue
	revoked atomic.Bool
}

var _ transport.KeyStore = (*keyStore)(nil)

func (k *keyStore) revoke() { k.revoked.Store(true) }

func (k *keyStore) Get(ctx context.Context, category string, ids []string) (map[string][]byte, error) {
	if k.revoked.Load() {
		return nil, errKeysRevoked
	}
	if len(ids) == 0 {
		return map[string][]byte{}, nil
	}
	return k.store.BatchRead(ctx, k.session, category, ids...)
}

func (k *keyStore) Set(ctx context.Context, data map[string]map[string][]byte) error {
	if k.revoked.Load() {
		return errKeysRevoked
	}
	var entries []credstore.Entry
	for category, items := range data {
		for id, payload := range items {
			entries = append(entries, credstore.Entry{
				Session: k.session,
				Key:     category + "-" + id,
				Payload: payload,
			})
		}
	}
	if len(entries) == 0 {
		return nil
	}
	done := k.writes.submit("keys", func(ctx context.Context) error {
		// The attempt may have ended while this job waited in the queue.
		if k.revoked.Load() {
			return errKeysRevoked
		}
		return k.store.BatchWrite(ctx, entries)
	})
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
