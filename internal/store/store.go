// Package store defines the account storage interface used by both the base
// ledger and the rollup executor. Implementations include PostgreSQL (base
// ledger source of truth), Redis (rollup executor state, and a read-through
// cache in front of PostgreSQL), and in-memory (for testing).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/traderings/arena-ledger/internal/model"
)

var (
	// ErrNotFound is returned when no live record exists at an address.
	ErrNotFound = errors.New("store: record not found")

	// ErrExists is returned when creating a record at an occupied address.
	ErrExists = errors.New("store: record already exists")

	// ErrVersionConflict is returned when a mutation expected a record
	// version that is no longer current.
	ErrVersionConflict = errors.New("store: version conflict")
)

// Op is the kind of change a Mutation applies.
type Op int

const (
	OpCreate Op = iota + 1
	OpWrite
	OpClose
)

func (o Op) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpWrite:
		return "write"
	case OpClose:
		return "close"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// Mutation is one step of an atomic batch.
type Mutation struct {
	Op      Op
	Address model.Address
	Kind    string          // OpCreate only
	Data    json.RawMessage // OpCreate and OpWrite

	// Version, when non-zero, must equal the stored version for OpWrite and
	// OpClose to apply.
	Version uint64

	// RefundTo receives the reclaimed storage of an OpClose.
	RefundTo model.Identity
}

// Store is the account storage interface. Every method is synchronous; Apply
// is all-or-nothing.
type Store interface {
	// Create allocates a new record at address. Versions start at 1.
	Create(ctx context.Context, address model.Address, kind string, data json.RawMessage) (*model.Record, error)

	// Read returns the live record at address.
	Read(ctx context.Context, address model.Address) (*model.Record, error)

	// Write replaces the data of an existing record and bumps its version.
	Write(ctx context.Context, address model.Address, data json.RawMessage) (*model.Record, error)

	// Close destroys the record and settles its storage refund.
	Close(ctx context.Context, address model.Address, refundTo model.Identity) error

	// Put upserts a record verbatim, keeping its kind and version. Used to
	// mirror records between executors.
	Put(ctx context.Context, rec model.Record) error

	// Apply runs a batch of mutations atomically.
	Apply(ctx context.Context, muts []Mutation) error

	// List returns all live records of a kind ordered by address.
	List(ctx context.Context, kind string) ([]model.Record, error)
}

// Decode reads the record at address and unmarshals it into v, checking the
// record kind.
func Decode(ctx context.Context, st Store, address model.Address, kind string, v any) (*model.Record, error) {
	rec, err := st.Read(ctx, address)
	if err != nil {
		return nil, err
	}
	if rec.Kind != kind {
		return nil, fmt.Errorf("record %s is %s, want %s: %w", address, rec.Kind, kind, ErrNotFound)
	}
	if err := json.Unmarshal(rec.Data, v); err != nil {
		return nil, fmt.Errorf("decode %s %s: %w", kind, address, err)
	}
	return rec, nil
}

// Encode marshals an entity for storage.
func Encode(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a record's data into v.
func Unmarshal(rec model.Record, v any) error {
	if err := json.Unmarshal(rec.Data, v); err != nil {
		return fmt.Errorf("decode %s %s: %w", rec.Kind, rec.Address, err)
	}
	return nil
}
