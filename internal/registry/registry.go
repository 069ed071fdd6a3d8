// Package registry owns the ledger's account entities: the admin config
// singleton, arenas, and trading accounts. It enforces creation rules,
// naming limits, and the sequence-based address scheme under which every
// address can be re-derived by anyone who knows the counter value.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/traderings/arena-ledger/internal/model"
	"github.com/traderings/arena-ledger/internal/store"
)

var (
	ErrUnauthorised       = errors.New("registry: caller is not authorised to perform this operation")
	ErrUnknownUser        = errors.New("registry: trading account does not exist")
	ErrNameTooLong        = errors.New("registry: name must be 10 characters or smaller")
	ErrAssetNameTooLong   = errors.New("registry: asset name must be 10 characters or smaller")
	ErrNotInitialized     = errors.New("registry: admin config has not been initialized")
	ErrAlreadyInitialized = errors.New("registry: admin config already initialized")
	ErrUnknownArena       = errors.New("registry: arena does not exist")
	ErrAccountExists      = errors.New("registry: trading account already exists for this arena")
	ErrSequenceExhausted  = errors.New("registry: arena sequence exhausted")
)

// DefaultStartingBalance is 1,000,000 quote units in micro-units.
const DefaultStartingBalance int64 = 1_000_000_000_000

// Gate decides whether an executor may currently mutate a set of records.
// The delegation controller implements it; a nil Gate allows everything.
type Gate interface {
	// Authorize fails unless executor currently owns write authority over
	// every address.
	Authorize(ctx context.Context, executor string, addrs ...model.Address) error

	// Adopt places a record just created by executor under the same
	// ownership as its parent.
	Adopt(ctx context.Context, executor string, parent, child model.Address) error
}

// Config tunes account creation.
type Config struct {
	// BootstrapAdmin, when set, is the only identity allowed to initialize
	// the admin config.
	BootstrapAdmin model.Identity

	// StartingBalance of new trading accounts in micro-units.
	StartingBalance int64

	// Executor is the id of the executor this registry runs in.
	Executor string
}

// Registry creates and looks up accounts on one executor's store.
type Registry struct {
	store store.Store
	addrs Addresses
	gate  Gate
	cfg   Config
}

// New creates a registry. gate may be nil.
func New(st store.Store, deriver Deriver, gate Gate, cfg Config) *Registry {
	if cfg.StartingBalance <= 0 {
		cfg.StartingBalance = DefaultStartingBalance
	}
	return &Registry{
		store: st,
		addrs: Addresses{Deriver: deriver},
		gate:  gate,
		cfg:   cfg,
	}
}

// Addresses returns the address scheme used by the registry.
func (r *Registry) Addresses() Addresses { return r.addrs }

// ValidateName checks a display name against the length limit.
func ValidateName(name string) error {
	if len(name) > model.MaxNameLen {
		return fmt.Errorf("%w: %q", ErrNameTooLong, name)
	}
	return nil
}

// ValidateAsset checks an asset symbol against the length limit.
func ValidateAsset(asset string) error {
	if len(asset) > model.MaxNameLen {
		return fmt.Errorf("%w: %q", ErrAssetNameTooLong, asset)
	}
	return nil
}

// InitAdminConfig creates the admin config singleton with caller as admin.
func (r *Registry) InitAdminConfig(ctx context.Context, caller model.Identity) (*model.AdminConfig, error) {
	if r.cfg.BootstrapAdmin != "" && caller != r.cfg.BootstrapAdmin {
		return nil, ErrUnauthorised
	}

	cfg := &model.AdminConfig{Admin: caller}
	data, err := store.Encode(cfg)
	if err != nil {
		return nil, err
	}

	addr := r.addrs.AdminConfig()
	if _, err := r.store.Create(ctx, addr, model.KindAdminConfig, data); err != nil {
		if errors.Is(err, store.ErrExists) {
			return nil, ErrAlreadyInitialized
		}
		return nil, fmt.Errorf("init admin config: %w", err)
	}

	slog.Info("admin config initialized", "admin", caller, "address", addr.String())
	return cfg, nil
}

// AdminConfig returns the admin config singleton.
func (r *Registry) AdminConfig(ctx context.Context) (*model.AdminConfig, uint64, error) {
	var cfg model.AdminConfig
	rec, err := store.Decode(ctx, r.store, r.addrs.AdminConfig(), model.KindAdminConfig, &cfg)
	if errors.Is(err, store.ErrNotFound) {
		return nil, 0, ErrNotInitialized
	}
	if err != nil {
		return nil, 0, err
	}
	return &cfg, rec.Version, nil
}

// CreateArena creates the next arena. Only the admin may call it. The arena
// and the incremented sequence are written in one batch.
func (r *Registry) CreateArena(ctx context.Context, caller model.Identity) (model.Address, *model.Arena, error) {
	cfg, version, err := r.AdminConfig(ctx)
	if err != nil {
		return model.Address{}, nil, err
	}
	if caller != cfg.Admin {
		return model.Address{}, nil, ErrUnauthorised
	}
	if cfg.NextArenaSequence == math.MaxUint16 {
		return model.Address{}, nil, ErrSequenceExhausted
	}

	cfgAddr := r.addrs.AdminConfig()
	if err := r.authorize(ctx, cfgAddr); err != nil {
		return model.Address{}, nil, err
	}

	arena := &model.Arena{Creator: caller, Sequence: cfg.NextArenaSequence}
	arenaAddr := r.addrs.Arena(arena.Sequence)

	next := *cfg
	next.NextArenaSequence++

	arenaData, err := store.Encode(arena)
	if err != nil {
		return model.Address{}, nil, err
	}
	cfgData, err := store.Encode(&next)
	if err != nil {
		return model.Address{}, nil, err
	}

	err = r.store.Apply(ctx, []store.Mutation{
		{Op: store.OpCreate, Address: arenaAddr, Kind: model.KindArena, Data: arenaData},
		{Op: store.OpWrite, Address: cfgAddr, Data: cfgData, Version: version},
	})
	if err != nil {
		return model.Address{}, nil, fmt.Errorf("create arena %d: %w", arena.Sequence, err)
	}

	slog.Info("arena created", "sequence", arena.Sequence, "address", arenaAddr.String(), "creator", caller)
	return arenaAddr, arena, nil
}

// Arena returns the arena at addr.
func (r *Registry) Arena(ctx context.Context, addr model.Address) (*model.Arena, error) {
	var arena model.Arena
	_, err := store.Decode(ctx, r.store, addr, model.KindArena, &arena)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownArena, addr)
	}
	if err != nil {
		return nil, err
	}
	return &arena, nil
}

// ArenaEntry pairs an arena with its address.
type ArenaEntry struct {
	Address model.Address `json:"address"`
	model.Arena
}

// ListArenas returns arenas in sequence order.
func (r *Registry) ListArenas(ctx context.Context) ([]ArenaEntry, error) {
	cfg, _, err := r.AdminConfig(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]ArenaEntry, 0, cfg.NextArenaSequence)
	for seq := uint16(0); seq < cfg.NextArenaSequence; seq++ {
		addr := r.addrs.Arena(seq)
		arena, err := r.Arena(ctx, addr)
		if errors.Is(err, ErrUnknownArena) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, ArenaEntry{Address: addr, Arena: *arena})
	}
	return out, nil
}

// CreateTradingAccount opens caller's account in arena with the starting
// balance. Each identity gets one account per arena.
func (r *Registry) CreateTradingAccount(ctx context.Context, caller model.Identity, arena model.Address, displayName string) (model.Address, *model.TradingAccount, error) {
	if err := ValidateName(displayName); err != nil {
		return model.Address{}, nil, err
	}
	if _, err := r.Arena(ctx, arena); err != nil {
		return model.Address{}, nil, err
	}

	acct := &model.TradingAccount{
		Owner:       caller,
		DisplayName: displayName,
		Arena:       arena,
		Balance:     r.cfg.StartingBalance,
	}
	data, err := store.Encode(acct)
	if err != nil {
		return model.Address{}, nil, err
	}

	addr := r.addrs.TradingAccount(caller, arena)
	if _, err := r.store.Create(ctx, addr, model.KindTradingAccount, data); err != nil {
		if errors.Is(err, store.ErrExists) {
			return model.Address{}, nil, ErrAccountExists
		}
		return model.Address{}, nil, fmt.Errorf("create trading account: %w", err)
	}

	slog.Info("trading account created",
		"owner", caller,
		"arena", arena.String(),
		"address", addr.String(),
		"balance", acct.Balance,
	)
	return addr, acct, nil
}

// TradingAccount returns the trading account at addr.
func (r *Registry) TradingAccount(ctx context.Context, addr model.Address) (*model.TradingAccount, error) {
	var acct model.TradingAccount
	_, err := store.Decode(ctx, r.store, addr, model.KindTradingAccount, &acct)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUser, addr)
	}
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

// ListTradingAccounts returns every trading account registered in arena.
func (r *Registry) ListTradingAccounts(ctx context.Context, arena model.Address) (map[model.Address]model.TradingAccount, error) {
	recs, err := r.store.List(ctx, model.KindTradingAccount)
	if err != nil {
		return nil, err
	}
	out := make(map[model.Address]model.TradingAccount)
	for _, rec := range recs {
		var acct model.TradingAccount
		if err := store.Unmarshal(rec, &acct); err != nil {
			return nil, err
		}
		if acct.Arena == arena {
			out[rec.Address] = acct
		}
	}
	return out, nil
}

// OwnerOf returns the identity that controls the record at addr: the admin
// for the config, the creator for arenas, and the account owner for trading
// accounts and their positions.
func (r *Registry) OwnerOf(ctx context.Context, addr model.Address) (model.Identity, error) {
	rec, err := r.store.Read(ctx, addr)
	if err != nil {
		return "", err
	}
	switch rec.Kind {
	case model.KindAdminConfig:
		var cfg model.AdminConfig
		if err := store.Unmarshal(*rec, &cfg); err != nil {
			return "", err
		}
		return cfg.Admin, nil
	case model.KindArena:
		var arena model.Arena
		if err := store.Unmarshal(*rec, &arena); err != nil {
			return "", err
		}
		return arena.Creator, nil
	case model.KindTradingAccount:
		var acct model.TradingAccount
		if err := store.Unmarshal(*rec, &acct); err != nil {
			return "", err
		}
		return acct.Owner, nil
	case model.KindOpenPosition:
		var pos model.OpenPosition
		if err := store.Unmarshal(*rec, &pos); err != nil {
			return "", err
		}
		return r.OwnerOf(ctx, pos.TradingAccount)
	default:
		return "", fmt.Errorf("owner of %s: unsupported kind %s", addr, rec.Kind)
	}
}

func (r *Registry) authorize(ctx context.Context, addrs ...model.Address) error {
	if r.gate == nil {
		return nil
	}
	return r.gate.Authorize(ctx, r.cfg.Executor, addrs...)
}
