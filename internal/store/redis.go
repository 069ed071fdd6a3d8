package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/traderings/arena-ledger/internal/model"
)

// RedisStore implements Store on Redis. It holds the working set of a rollup
// executor: low-latency, and mirrored back to the base ledger by the
// delegation controller. Each record is one JSON value; a set per kind
// indexes them for List. Batches use WATCH/MULTI so they apply atomically.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisStore creates a Redis-backed store whose keys all start with prefix
// (typically the executor id), so several executors can share one server.
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	return &RedisStore{
		rdb:    rdb,
		prefix: prefix,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *RedisStore) Create(ctx context.Context, address model.Address, kind string, data json.RawMessage) (*model.Record, error) {
	if err := s.Apply(ctx, []Mutation{{Op: OpCreate, Address: address, Kind: kind, Data: data}}); err != nil {
		return nil, err
	}
	return s.Read(ctx, address)
}

func (s *RedisStore) Read(ctx context.Context, address model.Address) (*model.Record, error) {
	rec, err := s.get(ctx, s.rdb, address)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("read %s: %w", address, ErrNotFound)
	}
	return rec, nil
}

func (s *RedisStore) Write(ctx context.Context, address model.Address, data json.RawMessage) (*model.Record, error) {
	if err := s.Apply(ctx, []Mutation{{Op: OpWrite, Address: address, Data: data}}); err != nil {
		return nil, err
	}
	return s.Read(ctx, address)
}

func (s *RedisStore) Close(ctx context.Context, address model.Address, refundTo model.Identity) error {
	return s.Apply(ctx, []Mutation{{Op: OpClose, Address: address, RefundTo: refundTo}})
}

func (s *RedisStore) Put(ctx context.Context, rec model.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("put %s: %w", rec.Address, err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.recordKey(rec.Address), payload, 0)
		pipe.SAdd(ctx, s.kindKey(rec.Kind), rec.Address.String())
		return nil
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", rec.Address, err)
	}
	return nil
}

// Apply stages the batch against the watched keys and commits it in one
// MULTI block. A concurrent change to any watched key aborts the batch with
// ErrVersionConflict.
func (s *RedisStore) Apply(ctx context.Context, muts []Mutation) error {
	keys := make([]string, 0, len(muts))
	for _, m := range muts {
		keys = append(keys, s.recordKey(m.Address))
	}

	txf := func(tx *redis.Tx) error {
		staged := make(map[model.Address]*model.Record, len(muts))
		lookup := func(a model.Address) (*model.Record, error) {
			if rec, ok := staged[a]; ok {
				return rec, nil
			}
			return s.get(ctx, tx, a)
		}

		now := s.now()
		var closed []Refund
		order := make([]model.Address, 0, len(muts))
		for _, m := range muts {
			cur, err := lookup(m.Address)
			if err != nil {
				return err
			}
			switch m.Op {
			case OpCreate:
				if cur != nil {
					return fmt.Errorf("create %s: %w", m.Address, ErrExists)
				}
				staged[m.Address] = &model.Record{
					Address: m.Address, Kind: m.Kind, Data: bytes.Clone(m.Data),
					Version: 1, UpdatedAt: now,
				}
			case OpWrite:
				if cur == nil {
					return fmt.Errorf("write %s: %w", m.Address, ErrNotFound)
				}
				if m.Version != 0 && m.Version != cur.Version {
					return fmt.Errorf("write %s at version %d (current %d): %w", m.Address, m.Version, cur.Version, ErrVersionConflict)
				}
				next := *cur
				next.Data = bytes.Clone(m.Data)
				next.Version++
				next.UpdatedAt = now
				staged[m.Address] = &next
			case OpClose:
				if cur == nil {
					return fmt.Errorf("close %s: %w", m.Address, ErrNotFound)
				}
				if m.Version != 0 && m.Version != cur.Version {
					return fmt.Errorf("close %s at version %d (current %d): %w", m.Address, m.Version, cur.Version, ErrVersionConflict)
				}
				staged[m.Address] = nil
				closed = append(closed, Refund{Address: m.Address, Kind: cur.Kind, RefundTo: m.RefundTo, ClosedAt: now})
			default:
				return fmt.Errorf("apply: unknown %s", m.Op)
			}
			order = append(order, m.Address)
		}

		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, addr := range order {
				rec := staged[addr]
				if rec == nil {
					continue
				}
				payload, err := json.Marshal(rec)
				if err != nil {
					return err
				}
				pipe.Set(ctx, s.recordKey(addr), payload, 0)
				pipe.SAdd(ctx, s.kindKey(rec.Kind), addr.String())
			}
			for _, r := range closed {
				pipe.Del(ctx, s.recordKey(r.Address))
				pipe.SRem(ctx, s.kindKey(r.Kind), r.Address.String())
				if payload, err := json.Marshal(r); err == nil {
					pipe.RPush(ctx, s.prefix+"refunds", payload)
				}
			}
			return nil
		})
		return err
	}

	err := s.rdb.Watch(ctx, txf, keys...)
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("apply: %w", ErrVersionConflict)
	}
	return err
}

func (s *RedisStore) List(ctx context.Context, kind string) ([]model.Record, error) {
	members, err := s.rdb.SMembers(ctx, s.kindKey(kind)).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = s.prefix + "acct:" + m
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}

	out := make([]model.Record, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue // removed between SMEMBERS and MGET
		}
		var rec model.Record
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			return nil, fmt.Errorf("list %s: %w", kind, err)
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Address[:], out[j].Address[:]) < 0
	})
	return out, nil
}

// getter is the subset of client and transaction methods get needs.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) get(ctx context.Context, c getter, address model.Address) (*model.Record, error) {
	data, err := c.Get(ctx, s.recordKey(address)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", address, err)
	}
	var rec model.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode %s: %w", address, err)
	}
	return &rec, nil
}

func (s *RedisStore) recordKey(a model.Address) string { return s.prefix + "acct:" + a.String() }
func (s *RedisStore) kindKey(kind string) string       { return s.prefix + "kind:" + kind }
