package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"

	"github.com/traderings/arena-ledger/internal/model"
	"github.com/traderings/arena-ledger/internal/pricing"
	"github.com/traderings/arena-ledger/internal/store"
)

// PriceSource supplies oracle quotes. oracle.Source satisfies it.
type PriceSource interface {
	LatestPrice(ctx context.Context, asset string) (model.PriceQuote, error)
}

// PositionEntry pairs a live position with its address.
type PositionEntry struct {
	Address model.Address `json:"address"`
	model.OpenPosition
}

// ListPositions walks every slot below the account's position counter and
// returns the positions that still hold a quantity. Closed slots and
// zero-quantity positions are skipped.
func (l *Ledger) ListPositions(ctx context.Context, account model.Address) ([]PositionEntry, error) {
	acct, _, err := l.loadAccount(ctx, account)
	if err != nil {
		return nil, err
	}

	var out []PositionEntry
	for seq := uint32(0); seq < acct.OpenPositionCount; seq++ {
		addr := l.addrs.OpenPosition(acct.Owner, account, seq)
		pos, _, err := l.loadPosition(ctx, addr)
		if errors.Is(err, ErrUnknownPosition) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if pos.Quantity == 0 {
			continue
		}
		out = append(out, PositionEntry{Address: addr, OpenPosition: *pos})
	}
	return out, nil
}

// BatchResult reports a multi-position operation. Each position is handled
// independently, so a batch may partially succeed.
type BatchResult struct {
	Closed  []model.Address          `json:"closed"`
	Failed  map[model.Address]string `json:"failed,omitempty"`
	Account *model.TradingAccount    `json:"account,omitempty"`
}

// CloseAllPositions closes every live position of account at the latest
// quotes. It is not atomic as a batch: failures are collected and the
// remaining positions are still attempted.
func (l *Ledger) CloseAllPositions(ctx context.Context, caller model.Identity, account model.Address, prices PriceSource) (*BatchResult, error) {
	acct, _, err := l.loadAccount(ctx, account)
	if err != nil {
		return nil, err
	}
	if caller != acct.Owner {
		return nil, ErrUnauthorised
	}

	positions, err := l.ListPositions(ctx, account)
	if err != nil {
		return nil, err
	}

	res := &BatchResult{Failed: make(map[model.Address]string)}
	for _, p := range positions {
		quote, err := prices.LatestPrice(ctx, p.Asset)
		if err != nil {
			res.Failed[p.Address] = err.Error()
			continue
		}
		updated, err := l.ClosePosition(ctx, caller, p.Address, account, quote)
		if err != nil {
			res.Failed[p.Address] = err.Error()
			continue
		}
		res.Closed = append(res.Closed, p.Address)
		res.Account = updated
	}

	if len(res.Failed) > 0 {
		slog.Warn("close all positions partially failed",
			"account", account.String(),
			"closed", len(res.Closed),
			"failed", len(res.Failed),
		)
	}
	if res.Account == nil {
		res.Account = acct
	}
	return res, nil
}

// Valuation is an account's balance plus the marked value of its positions.
type Valuation struct {
	Account   model.Address   `json:"account"`
	Owner     model.Identity  `json:"owner"`
	Name      string          `json:"name,omitempty"`
	Balance   int64           `json:"balance"`
	Holdings  int64           `json:"holdings"`
	Total     int64           `json:"total"`
	Positions []PositionEntry `json:"positions,omitempty"`
}

// Value marks every live position of account to the latest quotes. Totals
// saturate at the int64 range.
func (l *Ledger) Value(ctx context.Context, account model.Address, prices PriceSource) (*Valuation, error) {
	acct, _, err := l.loadAccount(ctx, account)
	if err != nil {
		return nil, err
	}
	positions, err := l.ListPositions(ctx, account)
	if err != nil {
		return nil, err
	}

	holdings := new(big.Int)
	for _, p := range positions {
		quote, err := prices.LatestPrice(ctx, p.Asset)
		if err != nil {
			return nil, fmt.Errorf("price %s: %w", p.Asset, err)
		}
		holdings.Add(holdings, pricing.QuoteCost(quote, p.Quantity))
	}
	total := new(big.Int).Add(holdings, big.NewInt(acct.Balance))

	return &Valuation{
		Account:   account,
		Owner:     acct.Owner,
		Name:      acct.DisplayName,
		Balance:   acct.Balance,
		Holdings:  saturate(holdings),
		Total:     saturate(total),
		Positions: positions,
	}, nil
}

// Leaderboard ranks the trading accounts of an arena by total value, highest
// first, returning at most limit entries (all when limit <= 0). Accounts
// whose holdings cannot be priced are skipped.
func (l *Ledger) Leaderboard(ctx context.Context, arena model.Address, prices PriceSource, limit int) ([]Valuation, error) {
	recs, err := l.store.List(ctx, model.KindTradingAccount)
	if err != nil {
		return nil, err
	}

	var board []Valuation
	for _, rec := range recs {
		var acct model.TradingAccount
		if err := store.Unmarshal(rec, &acct); err != nil {
			return nil, err
		}
		if acct.Arena != arena {
			continue
		}
		v, err := l.Value(ctx, rec.Address, prices)
		if err != nil {
			slog.Warn("leaderboard: skipping account", "account", rec.Address.String(), "err", err)
			continue
		}
		v.Positions = nil
		board = append(board, *v)
	}

	sort.SliceStable(board, func(i, j int) bool { return board[i].Total > board[j].Total })
	if limit > 0 && len(board) > limit {
		board = board[:limit]
	}
	return board, nil
}

func saturate(v *big.Int) int64 {
	if v.Cmp(maxInt64) > 0 {
		return maxInt64.Int64()
	}
	if v.IsInt64() {
		return v.Int64()
	}
	return -maxInt64.Int64() - 1
}
