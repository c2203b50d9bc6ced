package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "linkmux/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.snapshot.json (periodic snapshot of all rows)
//   - <prefix>.journal.jsonl (append-only journal of mutations since the snapshot)
//
// The journal is compacted into the snapshot every compactEvery mutations.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	rows         map[string]Record

	writes       int
	compactEvery int
}

type journalOp string

const (
	opPut          journalOp = "put"
	opDelete       journalOp = "del"
	opDeletePrefix journalOp = "delp"
)

type journalRecord struct {
	Op    journalOp `json:"op"`
	Key   string    `json:"key"`
	Data  string    `json:"data,omitempty"`
	At    int64     `json:"at,omitempty"` // unix nano
	Batch []string  `json:"batch,omitempty"`
}

type snapshotRow struct {
	Data string `json:"data"`
	At   int64  `json:"at"`
}

func openFile(cfg Config, log logx.Logger) (Backend, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	rows := map[string]Record{}
	if err := loadSnapshot(snapPath, rows); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := replayJournal(journalPath, rows); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		rows:         rows,
		compactEvery: 1000,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	// Leave a compact snapshot behind so the next open replays nothing.
	cerr := s.compactLocked()
	err := s.journal.Close()
	s.journal = nil
	if cerr != nil {
		return cerr
	}
	return err
}

func (s *fileStore) Get(ctx context.Context, key string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return Record{}, false, ErrClosed
	}
	r, ok := s.rows[key]
	return r, ok, nil
}

func (s *fileStore) Upsert(ctx context.Context, rec Record) error {
	return s.UpsertBatch(ctx, []Record{rec})
}

func (s *fileStore) UpsertBatch(ctx context.Context, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	// Encode first so a batch is either fully journaled or not at all.
	var buf []byte
	stamped := make([]Record, 0, len(recs))
	for _, r := range recs {
		r = stamp(r)
		b, err := json.Marshal(journalRecord{Op: opPut, Key: r.Key, Data: r.Data, At: r.UpdatedAt.UnixNano()})
		if err != nil {
			return err
		}
		buf = append(append(buf, b...), '\n')
		stamped = append(stamped, r)
	}
	if _, err := s.journal.Write(buf); err != nil {
		return err
	}
	for _, r := range stamped {
		s.rows[r.Key] = r
	}
	s.noteWritesLocked(len(stamped))
	return nil
}

func (s *fileStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(journalRecord{Op: opDelete, Batch: keys}); err != nil {
		return err
	}
	for _, k := range keys {
		delete(s.rows, k)
	}
	s.noteWritesLocked(1)
	return nil
}

func (s *fileStore) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return 0, ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(journalRecord{Op: opDeletePrefix, Key: prefix}); err != nil {
		return 0, err
	}
	var n int64
	for k := range s.rows {
		if strings.HasPrefix(k, prefix) {
			delete(s.rows, k)
			n++
		}
	}
	s.noteWritesLocked(1)
	return n, nil
}

func (s *fileStore) ListPrefix(ctx context.Context, prefix string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	var out []Record
	for k, r := range s.rows {
		if strings.HasPrefix(k, prefix) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *fileStore) ListKeysWithSuffix(ctx context.Context, suffix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	var out []string
	for k := range s.rows {
		if strings.HasSuffix(k, suffix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *fileStore) noteWritesLocked(n int) {
	before := s.writes / s.compactEvery
	s.writes += n
	if s.writes/s.compactEvery == before {
		return
	}
	// Best-effort compact.
	if err := s.compactLocked(); err != nil {
		s.log.Debug("journal compact failed", logx.Err(err))
	}
}

func (s *fileStore) compactLocked() error {
	snap := make(map[string]snapshotRow, len(s.rows))
	for k, r := range s.rows {
		snap[k] = snapshotRow{Data: r.Data, At: r.UpdatedAt.UnixNano()}
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out map[string]Record) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]snapshotRow
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = Record{Key: k, Data: v.Data, UpdatedAt: time.Unix(0, v.At).UTC()}
	}
	return nil
}

func replayJournal(path string, out map[string]Record) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	// Credential payloads can be large; allow long journal lines.
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// A torn final line after a crash is skipped.
			continue
		}
		switch r.Op {
		case opPut:
			if r.Key != "" {
				out[r.Key] = Record{Key: r.Key, Data: r.Data, UpdatedAt: time.Unix(0, r.At).UTC()}
			}
		case opDelete:
			for _, k := range r.Batch {
				delete(out, k)
			}
		case opDeletePrefix:
			for k := range out {
				if strings.HasPrefix(k, r.Key) {
					delete(out, k)
				}
			}
		}
	}
	return sc.Err()
}
