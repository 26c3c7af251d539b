package store_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
)

// newPostgres connects to DATABASE_URL and applies the schema. Fixtures use
// unique ids, so runs can share a database.
func newPostgres(t *testing.T) *store.PostgresStore {
	return newDriftablePostgres(t).PostgresStore
}

// driftablePostgres can overwrite users.balance directly.
type driftablePostgres struct {
	*store.PostgresStore
	t    *testing.T
	pool *pgxpool.Pool
}

func (d *driftablePostgres) CorruptBalance(userID string, balance decimal.Decimal) {
	_, err := d.pool.Exec(context.Background(),
		`UPDATE users SET balance = $2::NUMERIC WHERE id = $1`, userID, balance.String())
	require.NoError(d.t, err)
}

func newDriftablePostgres(t *testing.T) *driftablePostgres {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	pg := store.NewPostgresStore(pool)
	require.NoError(t, pg.Migrate(ctx))
	return &driftablePostgres{PostgresStore: pg, t: t, pool: pool}
}

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opt)
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestPostgresStore(t *testing.T) {
	runConformance(t, func(t *testing.T) store.Store { return newDriftablePostgres(t) })
}

func TestCachedStore(t *testing.T) {
	runConformance(t, func(t *testing.T) store.Store {
		return store.NewCachedStore(newPostgres(t), newRedis(t), time.Minute)
	})
}

func TestCachedStore_InvalidatesBalanceOnWrite(t *testing.T) {
	cs := store.NewCachedStore(newPostgres(t), newRedis(t), time.Minute)
	f := newFixture(t, cs)
	ctx := context.Background()

	f.fund(t, "10")
	bal, err := cs.GetBalance(ctx, f.user)
	require.NoError(t, err)
	assert.True(t, bal.Equal(dec("10")))

	// A cached read must not survive the next credit.
	f.fund(t, "5")
	bal, err = cs.GetBalance(ctx, f.user)
	require.NoError(t, err)
	assert.True(t, bal.Equal(dec("15")))

	p, err := cs.GetPlan(ctx, f.plan)
	require.NoError(t, err)
	p.Active = false
	require.NoError(t, cs.UpsertPlan(ctx, p))
	p, err = cs.GetPlan(ctx, f.plan)
	require.NoError(t, err)
	assert.False(t, p.Active)

	_, err = cs.GetPlan(ctx, f.prefix+"-missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}
