// Package credstore persists per-session credential material through a
// storage backend, fronted by a process-wide write-through cache.
//
// Records are addressed by session id and logical key; the durable row key is
// session + "-" + key. Session ids never contain "-", so the session part of a
// row key is everything before the first separator. Rotating key material uses
// logical keys of the form category + "-" + itemID and can be read per
// category with BatchRead.
package credstore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"linkmux/internal/storage"
	logx "linkmux/pkg/logx"
)

// CredsKey is the logical key of a session's main credential document.
const CredsKey = "creds"

const DefaultChunkSize = 50

const sep = "-"

var ErrInvalidKey = errors.New("credstore: session must be non-empty without \"-\" and key must be non-empty")

// Observer receives operation outcomes; metrics implements it.
type Observer interface {
	StoreOp(op string, err error)
	CacheLookup(hit bool)
}

type nopObserver struct{}

func (nopObserver) StoreOp(string, error) {}
func (nopObserver) CacheLookup(bool)      {}

type Options struct {
	ChunkSize int
	Log       logx.Logger
	Observer  Observer
}

// Entry is one item of a BatchWrite. A nil Payload deletes the record.
type Entry struct {
	Session string
	Key     string
	Payload []byte
}

type Store struct {
	backend storage.Backend
	log     logx.Logger
	obs     Observer
	chunk   int

	mu    sync.RWMutex
	cache map[string][]byte
	// epoch advances on every cache mutation; a read that raced a mutation
	// does not populate the cache with what it fetched.
	epoch atomic.Uint64

	reads singleflight.Group
}

func New(backend storage.Backend, opts Options) *Store {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	return &Store{
		backend: backend,
		log:     opts.Log.With(logx.String("comp", "credstore")),
		obs:     opts.Observer,
		chunk:   opts.ChunkSize,
		cache:   map[string][]byte{},
	}
}

// SetChunkSize changes the BatchWrite chunk size for subsequent calls.
func (s *Store) SetChunkSize(n int) {
	if n <= 0 {
		n = DefaultChunkSize
	}
	s.mu.Lock()
	s.chunk = n
	s.mu.Unlock()
}

func compositeKey(session, key string) string { return session + sep + key }

func sessionPrefix(session string) string { return session + sep }

func validSession(session string) bool {
	return session != "" && !strings.Contains(session, sep)
}

func encode(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func decode(s string) ([]byte, error) { return base64.StdEncoding.DecodeString(s) }

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (s *Store) cacheGet(k string) ([]byte, bool) {
	s.mu.RLock()
	v, ok := s.cache[k]
	s.mu.RUnlock()
	return v, ok
}

func (s *Store) cacheSet(k string, v []byte) {
	s.mu.Lock()
	s.cache[k] = v
	s.epoch.Add(1)
	s.mu.Unlock()
}

func (s *Store) cacheDelete(keys ...string) {
	s.mu.Lock()
	for _, k := range keys {
		delete(s.cache, k)
	}
	s.epoch.Add(1)
	s.mu.Unlock()
}

// Write stores payload under (session, key). The cache is updated before the
// durable write and is kept even if the durable write fails.
// A nil payload is a Delete.
func (s *Store) Write(ctx context.Context, session, key string, payload []byte) error {
	if !validSession(session) || key == "" {
		return ErrInvalidKey
	}
	if payload == nil {
		return s.Delete(ctx, session, key)
	}
	k := compositeKey(session, key)
	s.cacheSet(k, clone(payload))

	err := s.backend.Upsert(ctx, storage.Record{Key: k, Data: encode(payload)})
	s.obs.StoreOp("write", err)
	if err != nil {
		s.log.Error("durable write failed", logx.Session(session), logx.String("key", key), logx.Err(err))
		return fmt.Errorf("write %s: %w", k, err)
	}
	return nil
}

// Read returns the payload for (session, key). ok is false when no record exists.
// The returned slice is a copy.
func (s *Store) Read(ctx context.Context, session, key string) (payload []byte, ok bool, err error) {
	if !validSession(session) || key == "" {
		return nil, false, ErrInvalidKey
	}
	k := compositeKey(session, key)
	if v, hit := s.cacheGet(k); hit {
		s.obs.CacheLookup(true)
		return clone(v), true, nil
	}
	s.obs.CacheLookup(false)

	type result struct {
		data []byte
		ok   bool
	}
	v, err, _ := s.reads.Do(k, func() (any, error) {
		epoch := s.epoch.Load()
		rec, found, err := s.backend.Get(ctx, k)
		s.obs.StoreOp("read", err)
		if err != nil {
			return nil, err
		}
		if !found {
			return result{}, nil
		}
		data, err := decode(rec.Data)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", k, err)
		}
		s.mu.Lock()
		if _, exists := s.cache[k]; !exists && s.epoch.Load() == epoch {
			s.cache[k] = data
		}
		s.mu.Unlock()
		return result{data: data, ok: true}, nil
	})
	if err != nil {
		s.log.Error("durable read failed", logx.Session(session), logx.String("key", key), logx.Err(err))
		return nil, false, fmt.Errorf("read %s: %w", k, err)
	}
	r := v.(result)
	return clone(r.data), r.ok, nil
}

// Delete removes (session, key) from the cache and durable storage.
func (s *Store) Delete(ctx context.Context, session, key string) error {
	if !validSession(session) || key == "" {
		return ErrInvalidKey
	}
	k := compositeKey(session, key)
	s.cacheDelete(k)
	err := s.backend.Delete(ctx, k)
	s.obs.StoreOp("delete", err)
	if err != nil {
		s.log.Error("durable delete failed", logx.Session(session), logx.String("key", key), logx.Err(err))
		return fmt.Errorf("delete %s: %w", k, err)
	}
	return nil
}

// BatchRead returns itemID -> payload for the given category.
//
// With ids, only those items are looked up (cache first, then storage) and
// missing ones are omitted. Without ids, every stored item of the category is
// returned; cached values win over durable ones.
func (s *Store) BatchRead(ctx context.Context, session, category string, ids ...string) (map[string][]byte, error) {
	if !validSession(session) || category == "" {
		return nil, ErrInvalidKey
	}
	out := make(map[string][]byte, len(ids))
	if len(ids) > 0 {
		var errs []error
		for _, id := range ids {
			v, ok, err := s.Read(ctx, session, category+sep+id)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if ok {
				out[id] = v
			}
		}
		return out, errors.Join(errs...)
	}

	prefix := compositeKey(session, category+sep)
	recs, err := s.backend.ListPrefix(ctx, prefix)
	s.obs.StoreOp("list", err)
	if err != nil {
		s.log.Error("durable list failed", logx.Session(session), logx.String("category", category), logx.Err(err))
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	for _, r := range recs {
		data, err := decode(r.Data)
		if err != nil {
			s.log.Warn("skipping undecodable record", logx.String("key", r.Key), logx.Err(err))
			continue
		}
		out[strings.TrimPrefix(r.Key, prefix)] = data
	}
	s.mu.RLock()
	for k, v := range s.cache {
		if strings.HasPrefix(k, prefix) {
			out[strings.TrimPrefix(k, prefix)] = clone(v)
		}
	}
	s.mu.RUnlock()
	return out, nil
}

// BatchWrite applies entries in chunks. Each chunk is written independently;
// a failed chunk is reported in the joined error and later chunks still run.
func (s *Store) BatchWrite(ctx context.Context, entries []Entry) error {
	s.mu.RLock()
	size := s.chunk
	s.mu.RUnlock()

	var errs []error
	for start := 0; start < len(entries); start += size {
		end := min(start+size, len(entries))
		if err := s.writeChunk(ctx, entries[start:end]); err != nil {
			s.log.Error("batch chunk failed",
				logx.Int("from", start), logx.Int("to", end), logx.Err(err))
			errs = append(errs, fmt.Errorf("chunk %d-%d: %w", start, end, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Store) writeChunk(ctx context.Context, chunk []Entry) error {
	var (
		puts []storage.Record
		dels []string
	)
	s.mu.Lock()
	for _, e := range chunk {
		if !validSession(e.Session) || e.Key == "" {
			s.mu.Unlock()
			return ErrInvalidKey
		}
	}
	for _, e := range chunk {
		k := compositeKey(e.Session, e.Key)
		if e.Payload == nil {
			delete(s.cache, k)
			dels = append(dels, k)
			continue
		}
		s.cache[k] = clone(e.Payload)
		puts = append(puts, storage.Record{Key: k, Data: encode(e.Payload)})
	}
	s.epoch.Add(1)
	s.mu.Unlock()

	var errs []error
	if len(puts) > 0 {
		err := s.backend.UpsertBatch(ctx, puts)
		s.obs.StoreOp("batch_write", err)
		errs = append(errs, err)
	}
	if len(dels) > 0 {
		err := s.backend.Delete(ctx, dels...)
		s.obs.StoreOp("batch_delete", err)
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ClearAll removes every record of session from the cache and storage.
// It is safe to call when the session has no records.
func (s *Store) ClearAll(ctx context.Context, session string) error {
	if !validSession(session) {
		return ErrInvalidKey
	}
	prefix := sessionPrefix(session)
	s.mu.Lock()
	for k := range s.cache {
		if strings.HasPrefix(k, prefix) {
			delete(s.cache, k)
		}
	}
	s.epoch.Add(1)
	s.mu.Unlock()

	n, err := s.backend.DeletePrefix(ctx, prefix)
	s.obs.StoreOp("clear", err)
	if err != nil {
		s.log.Error("durable clear failed", logx.Session(session), logx.Err(err))
		return fmt.Errorf("clear %s: %w", session, err)
	}
	s.log.Debug("credentials cleared", logx.Session(session), logx.Int64("rows", n))
	return nil
}

// Sessions lists the ids of sessions with a stored main credential document.
func (s *Store) Sessions(ctx context.Context) ([]string, error) {
	suffix := sep + CredsKey
	keys, err := s.backend.ListKeysWithSuffix(ctx, suffix)
	s.obs.StoreOp("list", err)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if id := strings.TrimSuffix(k, suffix); validSession(id) {
			out = append(out, id)
		}
	}
	return out, nil
}

// CacheLen reports the number of cached records.
func (s *Store) CacheLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cache)
}
