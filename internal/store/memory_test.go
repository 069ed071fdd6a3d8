package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/traderings/arena-ledger/internal/model"
)

func addr(b byte) model.Address {
	var a model.Address
	a[0] = b
	return a
}

func TestMemoryStore_CreateReadWrite(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	rec, err := s.Create(ctx, addr(1), model.KindArena, json.RawMessage(`{"sequence":0}`))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Version != 1 {
		t.Errorf("expected version 1, got %d", rec.Version)
	}

	if _, err := s.Create(ctx, addr(1), model.KindArena, json.RawMessage(`{}`)); !errors.Is(err, ErrExists) {
		t.Errorf("expected ErrExists, got %v", err)
	}

	rec, err = s.Write(ctx, addr(1), json.RawMessage(`{"sequence":1}`))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if rec.Version != 2 {
		t.Errorf("expected version 2, got %d", rec.Version)
	}
	if string(rec.Data) != `{"sequence":1}` {
		t.Errorf("unexpected data %s", rec.Data)
	}

	if _, err := s.Write(ctx, addr(9), json.RawMessage(`{}`)); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_ReadReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Create(ctx, addr(1), model.KindArena, json.RawMessage(`{"a":1}`))

	rec, _ := s.Read(ctx, addr(1))
	rec.Data[0] = 'X'

	again, _ := s.Read(ctx, addr(1))
	if string(again.Data) != `{"a":1}` {
		t.Errorf("external mutation leaked into store: %s", again.Data)
	}
}

func TestMemoryStore_ApplyIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Create(ctx, addr(1), model.KindTradingAccount, json.RawMessage(`{"balance":10}`))
	s.Create(ctx, addr(2), model.KindOpenPosition, json.RawMessage(`{}`))

	err := s.Apply(ctx, []Mutation{
		{Op: OpWrite, Address: addr(1), Data: json.RawMessage(`{"balance":5}`)},
		{Op: OpCreate, Address: addr(2), Kind: model.KindOpenPosition, Data: json.RawMessage(`{}`)},
	})
	if !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}

	rec, _ := s.Read(ctx, addr(1))
	if string(rec.Data) != `{"balance":10}` || rec.Version != 1 {
		t.Errorf("failed batch must not apply: %s v%d", rec.Data, rec.Version)
	}
}

func TestMemoryStore_VersionConflict(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Create(ctx, addr(1), model.KindArena, json.RawMessage(`{}`))
	s.Write(ctx, addr(1), json.RawMessage(`{"x":1}`))

	err := s.Apply(ctx, []Mutation{{Op: OpWrite, Address: addr(1), Version: 1, Data: json.RawMessage(`{}`)}})
	if !errors.Is(err, ErrVersionConflict) {
		t.Errorf("expected ErrVersionConflict, got %v", err)
	}
}

func TestMemoryStore_CloseRecordsRefund(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Create(ctx, addr(3), model.KindOpenPosition, json.RawMessage(`{}`))

	if err := s.Close(ctx, addr(3), "alice"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := s.Read(ctx, addr(3)); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected closed record to be gone, got %v", err)
	}
	refunds := s.Refunds()
	if len(refunds) != 1 || refunds[0].RefundTo != "alice" || refunds[0].Kind != model.KindOpenPosition {
		t.Errorf("unexpected refunds: %+v", refunds)
	}
	if err := s.Close(ctx, addr(3), "alice"); !errors.Is(err, ErrNotFound) {
		t.Errorf("double close should fail with ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_ListByKindSorted(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Create(ctx, addr(3), model.KindArena, json.RawMessage(`{}`))
	s.Create(ctx, addr(1), model.KindArena, json.RawMessage(`{}`))
	s.Create(ctx, addr(2), model.KindTradingAccount, json.RawMessage(`{}`))

	recs, err := s.List(ctx, model.KindArena)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 arenas, got %d", len(recs))
	}
	if recs[0].Address != addr(1) || recs[1].Address != addr(3) {
		t.Errorf("expected records ordered by address")
	}
}

func TestMemoryStore_PutKeepsVersion(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.Put(ctx, model.Record{Address: addr(5), Kind: model.KindArena, Data: json.RawMessage(`{}`), Version: 7}); err != nil {
		t.Fatalf("put: %v", err)
	}
	rec, _ := s.Read(ctx, addr(5))
	if rec.Version != 7 {
		t.Errorf("expected version 7, got %d", rec.Version)
	}
}
