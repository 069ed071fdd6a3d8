package registry

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"

	"github.com/traderings/arena-ledger/internal/model"
)

// Seed prefixes for each account type.
const (
	AdminConfigSeed  = "admin_config_account"
	ArenaSeed        = "arena_account"
	TradingSeed      = "trading_account_for_arena"
	OpenPositionSeed = "open_position_account"
	DelegationSeed   = "delegation_record"
)

// Deriver computes deterministic addresses from seed parts. The algorithm
// belongs to the hosting platform and is injected.
type Deriver interface {
	Derive(seeds ...[]byte) model.Address
}

// Blake2bDeriver hashes length-prefixed seeds under a namespace with
// BLAKE2b-256. Any caller knowing the seeds can re-derive the address.
type Blake2bDeriver struct {
	Namespace string
}

func (d Blake2bDeriver) Derive(seeds ...[]byte) model.Address {
	h, _ := blake2b.New256(nil) // only fails for keys longer than 64 bytes
	var lenBuf [4]byte
	write := func(b []byte) {
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(b)))
		h.Write(lenBuf[:])
		h.Write(b)
	}
	write([]byte(d.Namespace))
	for _, s := range seeds {
		write(s)
	}

	var a model.Address
	copy(a[:], h.Sum(nil))
	return a
}

// Addresses derives every address used by the ledger.
type Addresses struct {
	Deriver Deriver
}

// AdminConfig returns the singleton admin config address.
func (a Addresses) AdminConfig() model.Address {
	return a.Deriver.Derive([]byte(AdminConfigSeed))
}

// Arena returns the address of the arena created with sequence seq.
func (a Addresses) Arena(seq uint16) model.Address {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], seq)
	return a.Deriver.Derive([]byte(ArenaSeed), b[:])
}

// TradingAccount returns the address of owner's account in arena.
func (a Addresses) TradingAccount(owner model.Identity, arena model.Address) model.Address {
	return a.Deriver.Derive([]byte(TradingSeed), []byte(owner), arena[:])
}

// OpenPosition returns the address of the seq-th position ever opened from
// tradingAccount.
func (a Addresses) OpenPosition(owner model.Identity, tradingAccount model.Address, seq uint32) model.Address {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], seq)
	return a.Deriver.Derive([]byte(OpenPositionSeed), []byte(owner), tradingAccount[:], b[:])
}

// Delegation returns the address of the delegation record for target.
func (a Addresses) Delegation(target model.Address) model.Address {
	return a.Deriver.Derive([]byte(DelegationSeed), target[:])
}
