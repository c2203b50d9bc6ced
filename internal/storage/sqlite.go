package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "linkmux/pkg/logx"
)

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Backend, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)",
		path, busy.Milliseconds(),
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := runMigrations(db, "sqlite"); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite storage ready", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Get(ctx context.Context, key string) (Record, bool, error) {
	var (
		data string
		at   string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT data, updated_at FROM link_credentials WHERE id = ?`, key,
	).Scan(&data, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("get %q: %w", key, err)
	}
	return Record{Key: key, Data: data, UpdatedAt: parseStamp(at)}, true, nil
}

const sqliteUpsert = `INSERT INTO link_credentials(id, data, updated_at) VALUES(?,?,?)
	ON CONFLICT(id) DO UPDATE SET data=excluded.data, updated_at=excluded.updated_at`

func (s *sqliteStore) Upsert(ctx context.Context, rec Record) error {
	rec = stamp(rec)
	_, err := s.db.ExecContext(ctx, sqliteUpsert, rec.Key, rec.Data, rec.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert %q: %w", rec.Key, err)
	}
	return nil
}

func (s *sqliteStore) UpsertBatch(ctx context.Context, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, sqliteUpsert)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range recs {
		r = stamp(r)
		if _, err := stmt.ExecContext(ctx, r.Key, r.Data, r.UpdatedAt.Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("upsert %q: %w", r.Key, err)
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	q := `DELETE FROM link_credentials WHERE id IN (` + placeholders(len(keys)) + `)`
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

// Prefix and suffix matching use substr rather than LIKE, which is
// case-insensitive for ASCII in SQLite.
func (s *sqliteStore) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM link_credentials WHERE substr(id, 1, length(?1)) = ?1`, prefix,
	)
	if err != nil {
		return 0, fmt.Errorf("delete prefix %q: %w", prefix, err)
	}
	return res.RowsAffected()
}

func (s *sqliteStore) ListPrefix(ctx context.Context, prefix string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, data, updated_at FROM link_credentials WHERE substr(id, 1, length(?1)) = ?1 ORDER BY id`,
		prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("list prefix %q: %w", prefix, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r  Record
			at string
		)
		if err := rows.Scan(&r.Key, &r.Data, &at); err != nil {
			return nil, err
		}
		r.UpdatedAt = parseStamp(at)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListKeysWithSuffix(ctx context.Context, suffix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM link_credentials WHERE length(id) >= length(?1) AND substr(id, -length(?1)) = ?1 ORDER BY id`,
		suffix,
	)
	if err != nil {
		return nil, fmt.Errorf("list suffix %q: %w", suffix, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}

func parseStamp(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
