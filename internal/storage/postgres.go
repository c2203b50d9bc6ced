package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	logx "linkmux/pkg/logx"
)

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (Backend, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	// The migrator needs a database/sql handle; it shares the pool's connections.
	db := stdlib.OpenDBFromPool(pool)
	err = runMigrations(db, "postgres")
	_ = db.Close()
	if err != nil {
		pool.Close()
		return nil, err
	}
	log.Debug("postgres storage ready")
	return &postgresStore{pool: pool, log: log}, nil
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *postgresStore) Get(ctx context.Context, key string) (Record, bool, error) {
	r := Record{Key: key}
	err := s.pool.QueryRow(ctx,
		`SELECT data, updated_at FROM link_credentials WHERE id = $1`, key,
	).Scan(&r.Data, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("get %q: %w", key, err)
	}
	return r, true, nil
}

const postgresUpsert = `
	INSERT INTO link_credentials (id, data, updated_at) VALUES ($1, $2, $3)
	ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at
`

func (s *postgresStore) Upsert(ctx context.Context, rec Record) error {
	rec = stamp(rec)
	if _, err := s.pool.Exec(ctx, postgresUpsert, rec.Key, rec.Data, rec.UpdatedAt); err != nil {
		return fmt.Errorf("upsert %q: %w", rec.Key, err)
	}
	return nil
}

func (s *postgresStore) UpsertBatch(ctx context.Context, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		b := &pgx.Batch{}
		for _, r := range recs {
			r = stamp(r)
			b.Queue(postgresUpsert, r.Key, r.Data, r.UpdatedAt)
		}
		return tx.SendBatch(ctx, b).Close()
	})
}

func (s *postgresStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM link_credentials WHERE id = ANY($1)`, keys); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

func (s *postgresStore) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM link_credentials WHERE id LIKE $1 ESCAPE '\'`, likePrefix(prefix),
	)
	if err != nil {
		return 0, fmt.Errorf("delete prefix %q: %w", prefix, err)
	}
	return tag.RowsAffected(), nil
}

func (s *postgresStore) ListPrefix(ctx context.Context, prefix string) ([]Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, data, updated_at FROM link_credentials WHERE id LIKE $1 ESCAPE '\' ORDER BY id`,
		likePrefix(prefix),
	)
	if err != nil {
		return nil, fmt.Errorf("list prefix %q: %w", prefix, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Key, &r.Data, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *postgresStore) ListKeysWithSuffix(ctx context.Context, suffix string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM link_credentials WHERE id LIKE $1 ESCAPE '\' ORDER BY id`,
		likeSuffix(suffix),
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
