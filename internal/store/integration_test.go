package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/traderings/arena-ledger/internal/model"
)

// exerciseStore runs the same contract checks against any Store.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	a := addr(0xA1)
	b := addr(0xB2)
	s.Close(ctx, a, "cleanup")
	s.Close(ctx, b, "cleanup")

	if _, err := s.Create(ctx, a, model.KindTradingAccount, json.RawMessage(`{"balance":100}`)); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := s.Apply(ctx, []Mutation{
		{Op: OpWrite, Address: a, Version: 1, Data: json.RawMessage(`{"balance":40}`)},
		{Op: OpCreate, Address: b, Kind: model.KindOpenPosition, Data: json.RawMessage(`{"quantity":1}`)},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	rec, err := s.Read(ctx, a)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if rec.Version != 2 || string(rec.Data) != `{"balance":40}` {
		t.Errorf("unexpected record after apply: v%d %s", rec.Version, rec.Data)
	}

	err = s.Apply(ctx, []Mutation{
		{Op: OpWrite, Address: a, Data: json.RawMessage(`{"balance":0}`)},
		{Op: OpCreate, Address: b, Kind: model.KindOpenPosition, Data: json.RawMessage(`{}`)},
	})
	if !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	rec, _ = s.Read(ctx, a)
	if string(rec.Data) != `{"balance":40}` {
		t.Errorf("failed batch leaked a write: %s", rec.Data)
	}

	if err := s.Close(ctx, b, "alice"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := s.Read(ctx, b); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after close, got %v", err)
	}
	s.Close(ctx, a, "cleanup")
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer pool.Close()

	s := NewPostgresStore(pool)
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	exerciseStore(t, s)
}

func TestRedisStore(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	exerciseStore(t, NewRedisStore(rdb, "test:rollup:"))
}

func TestMemoryStore_Contract(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}
