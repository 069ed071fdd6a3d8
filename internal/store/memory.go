package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/traderings/arena-ledger/internal/model"
)

// Refund records the storage reclaimed by closing a record.
type Refund struct {
	Address  model.Address  `json:"address"`
	Kind     string         `json:"kind"`
	RefundTo model.Identity `json:"refund_to"`
	ClosedAt time.Time      `json:"closed_at"`
}

// MemoryStore implements Store with in-memory maps. Used for testing,
// development, and as a single-process rollup executor. Not suitable for the
// base ledger in production (no persistence).
type MemoryStore struct {
	mu      sync.RWMutex
	records map[model.Address]*model.Record
	refunds []Refund
	now     func() time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[model.Address]*model.Record),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Create(ctx context.Context, address model.Address, kind string, data json.RawMessage) (*model.Record, error) {
	if err := s.Apply(ctx, []Mutation{{Op: OpCreate, Address: address, Kind: kind, Data: data}}); err != nil {
		return nil, err
	}
	return s.Read(ctx, address)
}

func (s *MemoryStore) Read(_ context.Context, address model.Address) (*model.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[address]
	if !ok {
		return nil, fmt.Errorf("read %s: %w", address, ErrNotFound)
	}
	return cloneRecord(rec), nil
}

func (s *MemoryStore) Write(ctx context.Context, address model.Address, data json.RawMessage) (*model.Record, error) {
	if err := s.Apply(ctx, []Mutation{{Op: OpWrite, Address: address, Data: data}}); err != nil {
		return nil, err
	}
	return s.Read(ctx, address)
}

func (s *MemoryStore) Close(ctx context.Context, address model.Address, refundTo model.Identity) error {
	return s.Apply(ctx, []Mutation{{Op: OpClose, Address: address, RefundTo: refundTo}})
}

func (s *MemoryStore) Put(_ context.Context, rec model.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[rec.Address] = cloneRecord(&rec)
	return nil
}

// Apply validates the whole batch against a staged view before touching the
// live map, so a failing mutation leaves the store unchanged.
func (s *MemoryStore) Apply(_ context.Context, muts []Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := make(map[model.Address]*model.Record, len(muts))
	lookup := func(a model.Address) (*model.Record, bool) {
		if rec, ok := staged[a]; ok {
			return rec, rec != nil
		}
		rec, ok := s.records[a]
		return rec, ok
	}

	now := s.now()
	var refunds []Refund
	for _, m := range muts {
		cur, exists := lookup(m.Address)
		switch m.Op {
		case OpCreate:
			if exists {
				return fmt.Errorf("create %s: %w", m.Address, ErrExists)
			}
			staged[m.Address] = &model.Record{
				Address:   m.Address,
				Kind:      m.Kind,
				Data:      bytes.Clone(m.Data),
				Version:   1,
				UpdatedAt: now,
			}
		case OpWrite:
			if !exists {
				return fmt.Errorf("write %s: %w", m.Address, ErrNotFound)
			}
			if m.Version != 0 && m.Version != cur.Version {
				return fmt.Errorf("write %s at version %d (current %d): %w", m.Address, m.Version, cur.Version, ErrVersionConflict)
			}
			next := cloneRecord(cur)
			next.Data = bytes.Clone(m.Data)
			next.Version++
			next.UpdatedAt = now
			staged[m.Address] = next
		case OpClose:
			if !exists {
				return fmt.Errorf("close %s: %w", m.Address, ErrNotFound)
			}
			if m.Version != 0 && m.Version != cur.Version {
				return fmt.Errorf("close %s at version %d (current %d): %w", m.Address, m.Version, cur.Version, ErrVersionConflict)
			}
			staged[m.Address] = nil
			refunds = append(refunds, Refund{Address: m.Address, Kind: cur.Kind, RefundTo: m.RefundTo, ClosedAt: now})
		default:
			return fmt.Errorf("apply: unknown %s", m.Op)
		}
	}

	for addr, rec := range staged {
		if rec == nil {
			delete(s.records, addr)
			continue
		}
		s.records[addr] = rec
	}
	s.refunds = append(s.refunds, refunds...)
	return nil
}

func (s *MemoryStore) List(_ context.Context, kind string) ([]model.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Record
	for _, rec := range s.records {
		if rec.Kind == kind {
			out = append(out, *cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Address[:], out[j].Address[:]) < 0
	})
	return out, nil
}

// Refunds returns the storage refunds settled so far.
func (s *MemoryStore) Refunds() []Refund {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]Refund(nil), s.refunds...)
}

// Len returns the number of live records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.records)
}

func cloneRecord(rec *model.Record) *model.Record {
	c := *rec
	c.Data = bytes.Clone(rec.Data)
	return &c
}
