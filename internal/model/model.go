// Package model defines the core domain types shared across the ledger engine.
// All balances and quantities are fixed-point int64 micro-units (10^-6 of one
// quote or asset unit), never float64 for money.
package model

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MicroScale is the number of micro-units in one whole unit.
const MicroScale int64 = 1_000_000

// MaxNameLen bounds asset symbols and display names, in bytes.
const MaxNameLen = 10

// Address is a deterministic account address. The derivation algorithm is
// owned by the registry's Deriver; everything else treats it as an opaque key.
type Address [32]byte

// ParseAddress decodes the hex form produced by Address.String.
func ParseAddress(s string) (Address, error) {
	var a Address
	b, err := hex.DecodeString(s)
	if err != nil {
		return a, fmt.Errorf("parse address %q: %w", s, err)
	}
	if len(b) != len(a) {
		return a, fmt.Errorf("parse address %q: want %d bytes, got %d", s, len(a), len(b))
	}
	copy(a[:], b)
	return a, nil
}

func (a Address) String() string { return hex.EncodeToString(a[:]) }

// IsZero reports whether a is the zero address.
func (a Address) IsZero() bool { return a == Address{} }

func (a Address) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *Address) UnmarshalText(b []byte) error {
	parsed, err := ParseAddress(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Identity is an already-authenticated caller identity (a public key or
// account name handed over by the authentication layer).
type Identity string

// Record kinds stored through the account storage collaborator.
const (
	KindAdminConfig    = "admin_config"
	KindArena          = "arena"
	KindTradingAccount = "trading_account"
	KindOpenPosition   = "open_position"
	KindDelegation     = "delegation"
)

// Record is the storage envelope for every account. Data holds the JSON
// encoding of one of the entity types below.
type Record struct {
	Address   Address         `json:"address"`
	Kind      string          `json:"kind"`
	Data      json.RawMessage `json:"data"`
	Version   uint64          `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// AdminConfig is the singleton system configuration.
type AdminConfig struct {
	Admin             Identity `json:"admin"`
	NextArenaSequence uint16   `json:"next_arena_sequence"`
}

// Arena is a trading venue. Immutable after creation.
type Arena struct {
	Creator  Identity `json:"creator"`
	Sequence uint16   `json:"sequence"`
}

// TradingAccount holds one owner's balance inside one arena.
//
// OpenPositionCount is a high-water mark of positions ever opened, not a
// live count: closed positions keep their slot so that addresses of
// existing positions stay derivable.
type TradingAccount struct {
	Owner             Identity `json:"owner"`
	DisplayName       string   `json:"display_name,omitempty"`
	Arena             Address  `json:"arena"`
	OpenPositionCount uint32   `json:"open_position_count"`
	Balance           int64    `json:"balance"` // micro-units, never negative
}

// OpenPosition is a long holding of one asset.
type OpenPosition struct {
	Asset          string  `json:"asset"`
	Quantity       int64   `json:"quantity"` // micro-units, never negative
	TradingAccount Address `json:"trading_account"`
	Sequence       uint32  `json:"sequence"`
}

// PriceQuote is the oracle tuple: the asset price is Price * 10^Exponent.
type PriceQuote struct {
	Price       int64     `json:"price"`
	Exponent    int32     `json:"exponent"`
	Confidence  uint64    `json:"confidence"`
	PublishTime time.Time `json:"publish_time"`
}

// Decimal returns the quote as a decimal in whole quote units.
func (q PriceQuote) Decimal() decimal.Decimal {
	return decimal.New(q.Price, q.Exponent)
}

// DelegationState tags who currently holds write authority over a record.
type DelegationState string

const (
	BaseResident  DelegationState = "base_resident"
	Delegated     DelegationState = "delegated"
	CommitPending DelegationState = "commit_pending"
)

// DelegationRecord tracks the write owner of one account address.
type DelegationRecord struct {
	Target           Address         `json:"target"`
	State            DelegationState `json:"state"`
	Executor         string          `json:"executor,omitempty"`
	CommitIntervalMs int64           `json:"commit_interval_ms,omitempty"`
	DelegatedAt      time.Time       `json:"delegated_at,omitempty"`
	LastCommitAt     time.Time       `json:"last_commit_at,omitempty"`
	// Committed is set on a CommitPending record once its final commit has
	// reached the base ledger and only the executor copy remains to drop.
	Committed bool `json:"committed,omitempty"`
}

// MicroToDecimal converts a micro-unit amount to whole units for display.
func MicroToDecimal(v int64) decimal.Decimal {
	return decimal.New(v, -6)
}

// ErrOutOfRange is returned when a whole-unit amount does not fit in int64
// micro-units.
var ErrOutOfRange = errors.New("model: amount out of range")

// DecimalToMicro converts whole units to micro-units, truncating anything
// below one micro-unit. Amounts outside int64 are rejected, never wrapped.
func DecimalToMicro(d decimal.Decimal) (int64, error) {
	micro := d.Shift(6).Truncate(0).BigInt()
	if !micro.IsInt64() {
		return 0, fmt.Errorf("%w: %s", ErrOutOfRange, d.String())
	}
	return micro.Int64(), nil
}
