package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/traderings/arena-ledger/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the base ledger's source
// of truth. Record data is kept as BYTEA so the exact bytes round-trip, which
// the delegation controller relies on to detect unchanged commits.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	address    BYTEA PRIMARY KEY,
	kind       TEXT        NOT NULL,
	data       BYTEA       NOT NULL,
	version    BIGINT      NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS accounts_kind_idx ON accounts (kind);
CREATE TABLE IF NOT EXISTS account_refunds (
	address   BYTEA       NOT NULL,
	kind      TEXT        NOT NULL,
	refund_to TEXT        NOT NULL,
	closed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate accounts schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, address model.Address, kind string, data json.RawMessage) (*model.Record, error) {
	if err := s.Apply(ctx, []Mutation{{Op: OpCreate, Address: address, Kind: kind, Data: data}}); err != nil {
		return nil, err
	}
	return s.Read(ctx, address)
}

func (s *PostgresStore) Read(ctx context.Context, address model.Address) (*model.Record, error) {
	var rec model.Record
	var data []byte
	var version int64

	err := s.pool.QueryRow(ctx,
		`SELECT kind, data, version, updated_at FROM accounts WHERE address = $1`,
		address[:]).
		Scan(&rec.Kind, &data, &version, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("read %s: %w", address, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", address, err)
	}

	rec.Address = address
	rec.Data = data
	rec.Version = uint64(version)
	return &rec, nil
}

func (s *PostgresStore) Write(ctx context.Context, address model.Address, data json.RawMessage) (*model.Record, error) {
	if err := s.Apply(ctx, []Mutation{{Op: OpWrite, Address: address, Data: data}}); err != nil {
		return nil, err
	}
	return s.Read(ctx, address)
}

func (s *PostgresStore) Close(ctx context.Context, address model.Address, refundTo model.Identity) error {
	return s.Apply(ctx, []Mutation{{Op: OpClose, Address: address, RefundTo: refundTo}})
}

func (s *PostgresStore) Put(ctx context.Context, rec model.Record) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (address, kind, data, version, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (address) DO UPDATE
		 SET kind = EXCLUDED.kind, data = EXCLUDED.data,
		     version = EXCLUDED.version, updated_at = EXCLUDED.updated_at`,
		rec.Address[:], rec.Kind, []byte(rec.Data), int64(rec.Version), rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("put %s: %w", rec.Address, err)
	}
	return nil
}

// Apply runs the batch inside one transaction. Rows touched by OpWrite and
// OpClose are locked with SELECT ... FOR UPDATE before being changed.
func (s *PostgresStore) Apply(ctx context.Context, muts []Mutation) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, m := range muts {
		if err := applyPostgres(ctx, tx, m); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func applyPostgres(ctx context.Context, tx pgx.Tx, m Mutation) error {
	switch m.Op {
	case OpCreate:
		tag, err := tx.Exec(ctx,
			`INSERT INTO accounts (address, kind, data, version, updated_at)
			 VALUES ($1, $2, $3, 1, now())
			 ON CONFLICT (address) DO NOTHING`,
			m.Address[:], m.Kind, []byte(m.Data))
		if err != nil {
			return fmt.Errorf("create %s: %w", m.Address, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("create %s: %w", m.Address, ErrExists)
		}
		return nil

	case OpWrite, OpClose:
		var version int64
		var kind string
		err := tx.QueryRow(ctx,
			`SELECT version, kind FROM accounts WHERE address = $1 FOR UPDATE`,
			m.Address[:]).Scan(&version, &kind)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%s %s: %w", m.Op, m.Address, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("%s %s: %w", m.Op, m.Address, err)
		}
		if m.Version != 0 && m.Version != uint64(version) {
			return fmt.Errorf("%s %s at version %d (current %d): %w", m.Op, m.Address, m.Version, version, ErrVersionConflict)
		}

		if m.Op == OpWrite {
			_, err = tx.Exec(ctx,
				`UPDATE accounts SET data = $2, version = version + 1, updated_at = now()
				 WHERE address = $1`,
				m.Address[:], []byte(m.Data))
			if err != nil {
				return fmt.Errorf("write %s: %w", m.Address, err)
			}
			return nil
		}

		if _, err = tx.Exec(ctx, `DELETE FROM accounts WHERE address = $1`, m.Address[:]); err != nil {
			return fmt.Errorf("close %s: %w", m.Address, err)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO account_refunds (address, kind, refund_to) VALUES ($1, $2, $3)`,
			m.Address[:], kind, string(m.RefundTo))
		if err != nil {
			return fmt.Errorf("record refund %s: %w", m.Address, err)
		}
		return nil

	default:
		return fmt.Errorf("apply: unknown %s", m.Op)
	}
}

func (s *PostgresStore) List(ctx context.Context, kind string) ([]model.Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT address, data, version, updated_at
		 FROM accounts WHERE kind = $1 ORDER BY address`, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Record
	for rows.Next() {
		var rec model.Record
		var addr, data []byte
		var version int64
		if err := rows.Scan(&addr, &data, &version, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		if len(addr) != len(rec.Address) {
			return nil, fmt.Errorf("list %s: malformed address of %d bytes", kind, len(addr))
		}
		copy(rec.Address[:], addr)
		rec.Kind = kind
		rec.Data = data
		rec.Version = uint64(version)
		out = append(out, rec)
	}
	return out, rows.Err()
}
