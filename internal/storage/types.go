package storage

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// TableName is the relational table used by the sqlite and postgres drivers.
const TableName = "link_credentials"

// Config configures storage.
//
// Driver values:
//   - "memory": in-process map (default when Driver is empty)
//   - "file": journal + snapshot files derived from Path
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL at DSN
//
// Driver "none" is rejected with ErrDisabled: sessions cannot run without a credential backend.
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int32         // postgres only; 0 means pgx default
}

// Record is one durable row.
type Record struct {
	Key       string
	Data      string
	UpdatedAt time.Time
}

// Backend is the durable key-value contract consumed by the credential store.
//
// Missing keys are reported with ok=false, never as an empty Data.
// UpsertBatch overwrites existing rows; a batch is applied as one unit where the
// driver supports it.
type Backend interface {
	Get(ctx context.Context, key string) (rec Record, ok bool, err error)
	Upsert(ctx context.Context, rec Record) error
	UpsertBatch(ctx context.Context, recs []Record) error
	Delete(ctx context.Context, keys ...string) error
	DeletePrefix(ctx context.Context, prefix string) (int64, error)
	ListPrefix(ctx context.Context, prefix string) ([]Record, error)
	ListKeysWithSuffix(ctx context.Context, suffix string) ([]string, error)
	Close() error
}

// likeEscape escapes LIKE wildcards so session ids containing % or _ match literally.
// Queries must declare ESCAPE '\'.
func likeEscape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func likePrefix(prefix string) string { return likeEscape(prefix) + "%" }

func likeSuffix(suffix string) string { return "%" + likeEscape(suffix) }

func stamp(rec Record) Record {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	return rec
}
