package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "linkmux/pkg/logx"
)

// backends returns every driver reachable from this environment.
// Postgres runs only when LINKMUX_DATABASE_URL is set.
func backends(t *testing.T) map[string]func(t *testing.T) Backend {
	t.Helper()
	out := map[string]func(t *testing.T) Backend{
		"memory": func(t *testing.T) Backend { return NewMemory() },
		"file": func(t *testing.T) Backend {
			b, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "creds.db")}, logx.Nop())
			require.NoError(t, err)
			return b
		},
		"sqlite": func(t *testing.T) Backend {
			b, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "creds.sqlite")}, logx.Nop())
			require.NoError(t, err)
			return b
		},
	}
	if dsn := os.Getenv("LINKMUX_DATABASE_URL"); dsn != "" {
		out["postgres"] = func(t *testing.T) Backend {
			b, err := Open(Config{Driver: "postgres", DSN: dsn}, logx.Nop())
			require.NoError(t, err)
			return b
		}
	}
	return out
}

// uniquePrefix keeps tests isolated on shared databases.
func uniquePrefix() string {
	return "t" + ulid.Make().String()
}

func TestBackendUpsertGetDelete(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := open(t)
			t.Cleanup(func() { _ = b.Close() })
			p := uniquePrefix()

			_, ok, err := b.Get(ctx, p+"-creds")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, b.Upsert(ctx, Record{Key: p + "-creds", Data: "v1"}))
			require.NoError(t, b.Upsert(ctx, Record{Key: p + "-creds", Data: "v2"}))

			rec, ok, err := b.Get(ctx, p+"-creds")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "v2", rec.Data)
			assert.False(t, rec.UpdatedAt.IsZero())

			require.NoError(t, b.Delete(ctx, p+"-creds", p+"-missing"))
			_, ok, err = b.Get(ctx, p+"-creds")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestBackendPrefixOperations(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := open(t)
			t.Cleanup(func() { _ = b.Close() })
			p := uniquePrefix()

			require.NoError(t, b.UpsertBatch(ctx, []Record{
				{Key: p + "-a-creds", Data: "1"},
				{Key: p + "-a-pre-key-1", Data: "2"},
				{Key: p + "-a-pre-key-2", Data: "3"},
				{Key: p + "-ab-creds", Data: "4"},
				{Key: p + "_a-creds", Data: "5"},
			}))

			recs, err := b.ListPrefix(ctx, p+"-a-pre-key-")
			require.NoError(t, err)
			require.Len(t, recs, 2)
			assert.Equal(t, p+"-a-pre-key-1", recs[0].Key)
			assert.Equal(t, p+"-a-pre-key-2", recs[1].Key)

			keys, err := b.ListKeysWithSuffix(ctx, "-creds")
			require.NoError(t, err)
			assert.Contains(t, keys, p+"-a-creds")
			assert.Contains(t, keys, p+"-ab-creds")
			assert.Contains(t, keys, p+"_a-creds")

			n, err := b.DeletePrefix(ctx, p+"-a-")
			require.NoError(t, err)
			assert.EqualValues(t, 3, n)

			// Neither a longer session id nor a wildcard-looking one is touched.
			_, ok, err := b.Get(ctx, p+"-ab-creds")
			require.NoError(t, err)
			assert.True(t, ok)
			_, ok, err = b.Get(ctx, p+"_a-creds")
			require.NoError(t, err)
			assert.True(t, ok)

			n, err = b.DeletePrefix(ctx, p+"-a-")
			require.NoError(t, err)
			assert.EqualValues(t, 0, n)

			_, err = b.DeletePrefix(ctx, p)
			require.NoError(t, err)
		})
	}
}

func TestBackendPrefixIsCaseSensitive(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := open(t)
			t.Cleanup(func() { _ = b.Close() })
			p := uniquePrefix()

			require.NoError(t, b.Upsert(ctx, Record{Key: p + "-Alice-creds", Data: "x"}))
			recs, err := b.ListPrefix(ctx, p+"-alice-")
			require.NoError(t, err)
			assert.Empty(t, recs)

			_, _ = b.DeletePrefix(ctx, p)
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "creds.db")

	b, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, b.UpsertBatch(ctx, []Record{
		{Key: "s1-creds", Data: "c", UpdatedAt: at},
		{Key: "s1-session-x", Data: "k"},
		{Key: "s2-creds", Data: "d"},
	}))
	require.NoError(t, b.Delete(ctx, "s1-session-x"))
	_, err = b.DeletePrefix(ctx, "s2-")
	require.NoError(t, err)

	// Simulate a crash: reopen without Close so state comes from the journal.
	b2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	rec, ok, err := b2.Get(ctx, "s1-creds")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "c", rec.Data)
	assert.True(t, at.Equal(rec.UpdatedAt))

	_, ok, err = b2.Get(ctx, "s1-session-x")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = b2.Get(ctx, "s2-creds")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b2.Close())
	_ = b.Close()

	b3, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b3.Close() })
	_, ok, err = b3.Get(ctx, "s1-creds")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "creds.sqlite")

	b, err := Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, b.Upsert(ctx, Record{Key: "s1-creds", Data: "c"}))
	require.NoError(t, b.Close())

	// Migrations are idempotent across opens.
	b, err = Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	rec, ok, err := b.Get(ctx, "s1-creds")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "c", rec.Data)
}

func TestOpenDrivers(t *testing.T) {
	_, err := Open(Config{Driver: "none"}, logx.Nop())
	assert.ErrorIs(t, err, ErrDisabled)

	_, err = Open(Config{Driver: "etcd"}, logx.Nop())
	assert.Error(t, err)

	_, err = Open(Config{Driver: "file"}, logx.Nop())
	assert.Error(t, err)

	_, err = Open(Config{Driver: "postgres"}, logx.Nop())
	assert.Error(t, err)

	b, err := Open(Config{}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, b.Close())
	_, _, err = b.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestLikeEscape(t *testing.T) {
	assert.Equal(t, `a\_b\%c\\d%`, likePrefix(`a_b%c\d`))
	assert.Equal(t, `%\_creds`, likeSuffix(`_creds`))
}
