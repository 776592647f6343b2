package storage

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseKV(t *testing.T, kv KV) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := kv.Get(ctx, "wallet:balance")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, kv.Set(ctx, "wallet:balance", `{"version":1,"data":"10"}`))
	v, ok, err := kv.Get(ctx, "wallet:balance")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"version":1,"data":"10"}`, v)

	require.NoError(t, kv.Set(ctx, "wallet:balance", "2"))
	v, _, _ = kv.Get(ctx, "wallet:balance")
	assert.Equal(t, "2", v)

	require.NoError(t, kv.Remove(ctx, "wallet:balance"))
	_, ok, err = kv.Get(ctx, "wallet:balance")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore(t *testing.T) {
	exerciseKV(t, NewMemoryStore())
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	s := NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	defer s.Close()
	require.NoError(t, s.Ping(context.Background()))
	exerciseKV(t, s)
}

func TestRedisStoreUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	s := NewRedisStore(mr.Addr(), "")
	mr.Close()
	_, _, err := s.Get(context.Background(), "k")
	assert.Error(t, err)
}

func TestDelayedWaitsAndDelegates(t *testing.T) {
	d := &Delayed{KV: NewMemoryStore(), Delay: 5 * time.Millisecond}
	start := time.Now()
	exerciseKV(t, d)
	assert.GreaterOrEqual(t, time.Since(start), 5*5*time.Millisecond)
}

func TestDelayedHonoursCancel(t *testing.T) {
	d := &Delayed{KV: NewMemoryStore(), Delay: time.Minute}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := d.Set(ctx, "k", "v")
	assert.True(t, errors.Is(err, context.Canceled))
	_, ok, _ := d.KV.Get(context.Background(), "k")
	assert.False(t, ok)
}

func TestPostgresStore(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := NewPostgresStoreFromDB(db)
	ctx := context.Background()

	get := regexp.QuoteMeta(`SELECT value FROM kv_store WHERE key=$1`)
	mock.ExpectQuery(get).WithArgs("missing").WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO kv_store(key, value, updated_at)`)).
		WithArgs("wallet:balance", "15").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(get).WithArgs("wallet:balance").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("15"))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM kv_store WHERE key=$1`)).
		WithArgs("wallet:balance").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(get).WithArgs("broken").WillReturnError(errors.New("conn reset"))

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "wallet:balance", "15"))

	v, ok, err := s.Get(ctx, "wallet:balance")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "15", v)

	require.NoError(t, s.Remove(ctx, "wallet:balance"))

	_, _, err = s.Get(ctx, "broken")
	assert.EqualError(t, err, "conn reset")

	assert.NoError(t, mock.ExpectationsWereMet())
}
