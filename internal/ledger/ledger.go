// Package ledger implements the trading ledger state machine: opening,
// adjusting and closing long positions against a trading account.
//
// Every operation reads the (TradingAccount, OpenPosition) pair, validates the
// whole transition, and then writes both records in a single store batch, so
// a failure never leaves a debited balance without its position or the other
// way round. The same Ledger type runs on the base ledger and on a rollup
// executor; the delegation Gate decides which one may act on a record.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"time"

	"github.com/traderings/arena-ledger/internal/events"
	"github.com/traderings/arena-ledger/internal/metrics"
	"github.com/traderings/arena-ledger/internal/model"
	"github.com/traderings/arena-ledger/internal/pricing"
	"github.com/traderings/arena-ledger/internal/registry"
	"github.com/traderings/arena-ledger/internal/store"
)

var (
	ErrInsufficientFunds   = errors.New("ledger: account does not have enough funds for this trade")
	ErrShortingUnsupported = errors.New("ledger: shorting an asset is not supported")
	ErrInvalidPrice        = errors.New("ledger: oracle price must not be negative")
	ErrArithmeticOverflow  = errors.New("ledger: amount exceeds the representable range")
	ErrUnknownPosition     = errors.New("ledger: position does not exist")
	ErrPositionMismatch    = errors.New("ledger: position does not belong to trading account")

	// Identity and naming errors are shared with the registry.
	ErrUnauthorised     = registry.ErrUnauthorised
	ErrUnknownUser      = registry.ErrUnknownUser
	ErrAssetNameTooLong = registry.ErrAssetNameTooLong
)

var (
	maxInt64 = big.NewInt(math.MaxInt64)
	zero     = new(big.Int)
)

// Ledger applies trading operations against one executor's store.
type Ledger struct {
	store    store.Store
	addrs    registry.Addresses
	gate     registry.Gate
	executor string
	events   events.Publisher
}

// New creates a ledger for executor. gate and pub may be nil.
func New(st store.Store, deriver registry.Deriver, gate registry.Gate, executor string, pub events.Publisher) *Ledger {
	return &Ledger{
		store:    st,
		addrs:    registry.Addresses{Deriver: deriver},
		gate:     gate,
		executor: executor,
		events:   pub,
	}
}

// Executor returns the id of the executor this ledger runs in.
func (l *Ledger) Executor() string { return l.executor }

// OpenPosition debits the cost of quantity units of asset and records a new
// position at the address derived from the account's position counter.
func (l *Ledger) OpenPosition(ctx context.Context, caller model.Identity, account model.Address, asset string, quantity int64, quote model.PriceQuote) (addr model.Address, pos *model.OpenPosition, err error) {
	defer func(start time.Time) { metrics.ObserveOp(l.executor, "open", start, err) }(time.Now())

	if err := registry.ValidateAsset(asset); err != nil {
		return model.Address{}, nil, err
	}
	if quantity <= 0 {
		return model.Address{}, nil, ErrShortingUnsupported
	}
	if quote.Price < 0 {
		return model.Address{}, nil, ErrInvalidPrice
	}

	acct, acctVersion, err := l.loadAccount(ctx, account)
	if err != nil {
		return model.Address{}, nil, err
	}
	if caller != acct.Owner {
		return model.Address{}, nil, ErrUnauthorised
	}
	if err := l.authorize(ctx, account); err != nil {
		return model.Address{}, nil, err
	}

	cost := pricing.QuoteCost(quote, quantity)
	balance, err := debit(acct.Balance, cost)
	if err != nil {
		return model.Address{}, nil, err
	}
	if acct.OpenPositionCount == math.MaxUint32 {
		return model.Address{}, nil, ErrArithmeticOverflow
	}

	seq := acct.OpenPositionCount
	addr = l.addrs.OpenPosition(acct.Owner, account, seq)
	pos = &model.OpenPosition{
		Asset:          asset,
		Quantity:       quantity,
		TradingAccount: account,
		Sequence:       seq,
	}

	next := *acct
	next.Balance = balance
	next.OpenPositionCount++

	acctData, err := store.Encode(&next)
	if err != nil {
		return model.Address{}, nil, err
	}
	posData, err := store.Encode(pos)
	if err != nil {
		return model.Address{}, nil, err
	}

	if l.gate != nil {
		if err := l.gate.Adopt(ctx, l.executor, account, addr); err != nil {
			return model.Address{}, nil, fmt.Errorf("adopt position %s: %w", addr, err)
		}
	}

	err = l.store.Apply(ctx, []store.Mutation{
		{Op: store.OpWrite, Address: account, Data: acctData, Version: acctVersion},
		{Op: store.OpCreate, Address: addr, Kind: model.KindOpenPosition, Data: posData},
	})
	if err != nil {
		return model.Address{}, nil, fmt.Errorf("open position: %w", err)
	}

	slog.Info("position opened",
		"executor", l.executor,
		"account", account.String(),
		"position", addr.String(),
		"asset", asset,
		"qty", quantity,
		"cost", cost.String(),
		"balance", balance,
	)
	metrics.MicroVolume.WithLabelValues(asset).Add(absFloat(cost))
	l.publish(ctx, events.PositionOpened, addr, account, asset, quantity, cost, balance)

	return addr, pos, nil
}

// UpdatePosition changes a position's quantity by delta. A positive delta
// is bought at the quote and debited; a negative delta is sold and credited.
func (l *Ledger) UpdatePosition(ctx context.Context, caller model.Identity, position, account model.Address, delta int64, quote model.PriceQuote) (pos *model.OpenPosition, acct *model.TradingAccount, err error) {
	defer func(start time.Time) { metrics.ObserveOp(l.executor, "update", start, err) }(time.Now())

	if quote.Price < 0 {
		return nil, nil, ErrInvalidPrice
	}

	cur, acctVersion, err := l.loadAccount(ctx, account)
	if err != nil {
		return nil, nil, err
	}
	p, posVersion, err := l.loadPosition(ctx, position)
	if err != nil {
		return nil, nil, err
	}
	if p.TradingAccount != account {
		return nil, nil, ErrPositionMismatch
	}
	if caller != cur.Owner {
		return nil, nil, ErrUnauthorised
	}
	if err := l.authorize(ctx, account, position); err != nil {
		return nil, nil, err
	}

	if delta > 0 && p.Quantity > math.MaxInt64-delta {
		return nil, nil, ErrArithmeticOverflow
	}
	quantity := p.Quantity + delta
	if quantity < 0 {
		return nil, nil, ErrShortingUnsupported
	}

	cost := pricing.QuoteCost(quote, delta)
	balance, err := debit(cur.Balance, cost)
	if err != nil {
		return nil, nil, err
	}

	nextPos := *p
	nextPos.Quantity = quantity
	nextAcct := *cur
	nextAcct.Balance = balance

	acctData, err := store.Encode(&nextAcct)
	if err != nil {
		return nil, nil, err
	}
	posData, err := store.Encode(&nextPos)
	if err != nil {
		return nil, nil, err
	}

	err = l.store.Apply(ctx, []store.Mutation{
		{Op: store.OpWrite, Address: account, Data: acctData, Version: acctVersion},
		{Op: store.OpWrite, Address: position, Data: posData, Version: posVersion},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("update position: %w", err)
	}

	slog.Info("position updated",
		"executor", l.executor,
		"account", account.String(),
		"position", position.String(),
		"asset", p.Asset,
		"delta", delta,
		"qty", quantity,
		"cost", cost.String(),
		"balance", balance,
	)
	metrics.MicroVolume.WithLabelValues(p.Asset).Add(absFloat(cost))
	l.publish(ctx, events.PositionUpdated, position, account, p.Asset, quantity, cost, balance)

	return &nextPos, &nextAcct, nil
}

// ClosePosition sells the whole position at the quote, credits the proceeds
// and destroys the position record, refunding its storage to the owner.
//
// The account's position counter is not decremented: it is a high-water
// mark, and reusing a slot would change the address of a future position.
func (l *Ledger) ClosePosition(ctx context.Context, caller model.Identity, position, account model.Address, quote model.PriceQuote) (acct *model.TradingAccount, err error) {
	defer func(start time.Time) { metrics.ObserveOp(l.executor, "close", start, err) }(time.Now())

	if quote.Price < 0 {
		return nil, ErrInvalidPrice
	}

	cur, acctVersion, err := l.loadAccount(ctx, account)
	if err != nil {
		return nil, err
	}
	if caller != cur.Owner {
		return nil, ErrUnauthorised
	}
	p, posVersion, err := l.loadPosition(ctx, position)
	if err != nil {
		return nil, err
	}
	if p.TradingAccount != account {
		return nil, ErrPositionMismatch
	}
	if err := l.authorize(ctx, account, position); err != nil {
		return nil, err
	}

	proceeds := pricing.QuoteCost(quote, p.Quantity)
	balance, err := debit(cur.Balance, new(big.Int).Neg(proceeds))
	if err != nil {
		return nil, err
	}

	next := *cur
	next.Balance = balance
	acctData, err := store.Encode(&next)
	if err != nil {
		return nil, err
	}

	err = l.store.Apply(ctx, []store.Mutation{
		{Op: store.OpWrite, Address: account, Data: acctData, Version: acctVersion},
		{Op: store.OpClose, Address: position, Version: posVersion, RefundTo: cur.Owner},
	})
	if err != nil {
		return nil, fmt.Errorf("close position: %w", err)
	}

	slog.Info("position closed",
		"executor", l.executor,
		"account", account.String(),
		"position", position.String(),
		"asset", p.Asset,
		"qty", p.Quantity,
		"proceeds", proceeds.String(),
		"balance", balance,
	)
	metrics.MicroVolume.WithLabelValues(p.Asset).Add(absFloat(proceeds))
	l.publish(ctx, events.PositionClosed, position, account, p.Asset, 0, proceeds, balance)

	return &next, nil
}

// Account returns the trading account at addr as seen by this executor.
func (l *Ledger) Account(ctx context.Context, addr model.Address) (*model.TradingAccount, error) {
	acct, _, err := l.loadAccount(ctx, addr)
	return acct, err
}

// Position returns the open position at addr as seen by this executor.
func (l *Ledger) Position(ctx context.Context, addr model.Address) (*model.OpenPosition, error) {
	pos, _, err := l.loadPosition(ctx, addr)
	return pos, err
}

// debit returns balance - cost, failing if the result would be negative or
// not representable. A negative cost is a credit.
func debit(balance int64, cost *big.Int) (int64, error) {
	next := new(big.Int).Sub(big.NewInt(balance), cost)
	if next.Cmp(zero) < 0 {
		return 0, ErrInsufficientFunds
	}
	if next.Cmp(maxInt64) > 0 {
		return 0, ErrArithmeticOverflow
	}
	return next.Int64(), nil
}

func (l *Ledger) loadAccount(ctx context.Context, addr model.Address) (*model.TradingAccount, uint64, error) {
	var acct model.TradingAccount
	rec, err := store.Decode(ctx, l.store, addr, model.KindTradingAccount, &acct)
	if errors.Is(err, store.ErrNotFound) {
		return nil, 0, fmt.Errorf("%w: %s", ErrUnknownUser, addr)
	}
	if err != nil {
		return nil, 0, err
	}
	return &acct, rec.Version, nil
}

func (l *Ledger) loadPosition(ctx context.Context, addr model.Address) (*model.OpenPosition, uint64, error) {
	var pos model.OpenPosition
	rec, err := store.Decode(ctx, l.store, addr, model.KindOpenPosition, &pos)
	if errors.Is(err, store.ErrNotFound) {
		return nil, 0, fmt.Errorf("%w: %s", ErrUnknownPosition, addr)
	}
	if err != nil {
		return nil, 0, err
	}
	return &pos, rec.Version, nil
}

func (l *Ledger) authorize(ctx context.Context, addrs ...model.Address) error {
	if l.gate == nil {
		return nil
	}
	return l.gate.Authorize(ctx, l.executor, addrs...)
}

func (l *Ledger) publish(ctx context.Context, typ string, addr, account model.Address, asset string, qty int64, cost *big.Int, balance int64) {
	if l.events == nil {
		return
	}
	evt := events.New(typ, l.executor, addr)
	evt.Account = account
	evt.Asset = asset
	evt.Quantity = qty
	evt.Cost = cost.String()
	evt.Balance = balance
	l.events.Publish(ctx, evt)
}

func absFloat(v *big.Int) float64 {
	f, _ := new(big.Float).SetInt(new(big.Int).Abs(v)).Float64()
	return f
}
