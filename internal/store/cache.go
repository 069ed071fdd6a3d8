package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/traderings/arena-ledger/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Create(ctx context.Context, address model.Address, kind string, data json.RawMessage) (*model.Record, error) {
	rec, err := s.primary.Create(ctx, address, kind, data)
	if err != nil {
		return nil, err
	}
	s.cacheRecord(ctx, rec)
	return rec, nil
}

func (s *CachedStore) Write(ctx context.Context, address model.Address, data json.RawMessage) (*model.Record, error) {
	s.rdb.Del(ctx, cacheKey(address))
	rec, err := s.primary.Write(ctx, address, data)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *CachedStore) Close(ctx context.Context, address model.Address, refundTo model.Identity) error {
	s.rdb.Del(ctx, cacheKey(address))
	return s.primary.Close(ctx, address, refundTo)
}

func (s *CachedStore) Put(ctx context.Context, rec model.Record) error {
	s.rdb.Del(ctx, cacheKey(rec.Address))
	return s.primary.Put(ctx, rec)
}

func (s *CachedStore) Apply(ctx context.Context, muts []Mutation) error {
	keys := make([]string, 0, len(muts))
	for _, m := range muts {
		keys = append(keys, cacheKey(m.Address))
	}
	// Invalidate before and after so a concurrent reader cannot re-populate
	// a stale value in between.
	if len(keys) > 0 {
		s.rdb.Del(ctx, keys...)
	}
	if err := s.primary.Apply(ctx, muts); err != nil {
		return err
	}
	if len(keys) > 0 {
		s.rdb.Del(ctx, keys...)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) Read(ctx context.Context, address model.Address) (*model.Record, error) {
	data, err := s.rdb.Get(ctx, cacheKey(address)).Bytes()
	if err == nil {
		var rec model.Record
		if json.Unmarshal(data, &rec) == nil {
			return &rec, nil
		}
	}

	// Cache miss: read from primary.
	rec, err := s.primary.Read(ctx, address)
	if err != nil {
		return nil, err
	}
	s.cacheRecord(ctx, rec)
	return rec, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) List(ctx context.Context, kind string) ([]model.Record, error) {
	return s.primary.List(ctx, kind)
}

// --- Cache helpers ---

func (s *CachedStore) cacheRecord(ctx context.Context, rec *model.Record) {
	if data, err := json.Marshal(rec); err == nil {
		s.rdb.Set(ctx, cacheKey(rec.Address), data, s.ttl)
	}
}

func cacheKey(a model.Address) string { return "cache:acct:" + a.String() }
