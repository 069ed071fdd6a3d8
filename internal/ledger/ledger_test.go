package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/traderings/arena-ledger/internal/events"
	"github.com/traderings/arena-ledger/internal/ledger"
	"github.com/traderings/arena-ledger/internal/model"
	"github.com/traderings/arena-ledger/internal/registry"
	"github.com/traderings/arena-ledger/internal/store"
)

const (
	alice model.Identity = "alice"
	bob   model.Identity = "bob"
	admin model.Identity = "admin"
)

// $50.00 with an eight digit exponent.
var fifty = model.PriceQuote{Price: 5_000_000_000, Exponent: -8}

// one prices an asset at exactly 1.0 quote unit per unit.
var one = model.PriceQuote{Price: 1_000_000, Exponent: -6}

type prices map[string]model.PriceQuote

func (p prices) LatestPrice(_ context.Context, asset string) (model.PriceQuote, error) {
	q, ok := p[asset]
	if !ok {
		return model.PriceQuote{}, fmt.Errorf("no price for %s", asset)
	}
	return q, nil
}

type testEnv struct {
	store  *store.MemoryStore
	reg    *registry.Registry
	ledger *ledger.Ledger
	events *events.Recorder
	arena  model.Address
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	ms := store.NewMemoryStore()
	deriver := registry.Blake2bDeriver{Namespace: "test"}
	rec := &events.Recorder{}

	reg := registry.New(ms, deriver, nil, registry.Config{Executor: "base"})
	if _, err := reg.InitAdminConfig(ctx, admin); err != nil {
		t.Fatalf("init admin config: %v", err)
	}
	arena, _, err := reg.CreateArena(ctx, admin)
	if err != nil {
		t.Fatalf("create arena: %v", err)
	}

	return &testEnv{
		store:  ms,
		reg:    reg,
		ledger: ledger.New(ms, deriver, nil, "base", rec),
		events: rec,
		arena:  arena,
	}
}

func (e *testEnv) account(t *testing.T, owner model.Identity) model.Address {
	t.Helper()
	addr, _, err := e.reg.CreateTradingAccount(context.Background(), owner, e.arena, string(owner))
	if err != nil {
		t.Fatalf("create trading account: %v", err)
	}
	return addr
}

func (e *testEnv) balance(t *testing.T, account model.Address) int64 {
	t.Helper()
	acct, err := e.ledger.Account(context.Background(), account)
	if err != nil {
		t.Fatalf("load account: %v", err)
	}
	return acct.Balance
}

// --- Open ---

func TestOpenPosition_DebitsCost(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	acct := env.account(t, alice)

	addr, pos, err := env.ledger.OpenPosition(ctx, alice, acct, "SOL", 2_000_000, fifty)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if pos.Quantity != 2_000_000 || pos.Asset != "SOL" || pos.Sequence != 0 {
		t.Errorf("unexpected position: %+v", pos)
	}
	if want := env.reg.Addresses().OpenPosition(alice, acct, 0); addr != want {
		t.Errorf("position address: got %s, want %s", addr, want)
	}
	if got := env.balance(t, acct); got != 999_900_000_000 {
		t.Errorf("balance: got %d, want 999900000000", got)
	}

	a, _ := env.ledger.Account(ctx, acct)
	if a.OpenPositionCount != 1 {
		t.Errorf("position count: got %d, want 1", a.OpenPositionCount)
	}
	if types := env.events.Types(); len(types) != 1 || types[0] != events.PositionOpened {
		t.Errorf("events: got %v", types)
	}
}

func TestOpenPosition_SequentialAddresses(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	acct := env.account(t, alice)

	first, _, err := env.ledger.OpenPosition(ctx, alice, acct, "SOL", 1_000_000, fifty)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	second, pos, err := env.ledger.OpenPosition(ctx, alice, acct, "SOL", 1_000_000, fifty)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if first == second {
		t.Fatal("positions share an address")
	}
	if pos.Sequence != 1 {
		t.Errorf("sequence: got %d, want 1", pos.Sequence)
	}
}

func TestOpenPosition_ExactBalance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	acct := env.account(t, alice)

	if _, _, err := env.ledger.OpenPosition(ctx, alice, acct, "USD", registry.DefaultStartingBalance, one); err != nil {
		t.Fatalf("open at exact balance: %v", err)
	}
	if got := env.balance(t, acct); got != 0 {
		t.Errorf("balance: got %d, want 0", got)
	}
}

func TestOpenPosition_InsufficientFunds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	acct := env.account(t, alice)

	_, _, err := env.ledger.OpenPosition(ctx, alice, acct, "USD", registry.DefaultStartingBalance+1, one)
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if got := env.balance(t, acct); got != registry.DefaultStartingBalance {
		t.Errorf("balance changed to %d", got)
	}
	a, _ := env.ledger.Account(ctx, acct)
	if a.OpenPositionCount != 0 {
		t.Errorf("position count changed to %d", a.OpenPositionCount)
	}
}

func TestOpenPosition_Rejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	acct := env.account(t, alice)

	tests := []struct {
		name   string
		caller model.Identity
		acct   model.Address
		asset  string
		qty    int64
		quote  model.PriceQuote
		want   error
	}{
		{"zero quantity", alice, acct, "SOL", 0, fifty, ledger.ErrShortingUnsupported},
		{"negative quantity", alice, acct, "SOL", -1, fifty, ledger.ErrShortingUnsupported},
		{"long asset", alice, acct, "ABCDEFGHIJK", 1, fifty, ledger.ErrAssetNameTooLong},
		{"negative price", alice, acct, "SOL", 1, model.PriceQuote{Price: -1, Exponent: -8}, ledger.ErrInvalidPrice},
		{"unknown account", alice, model.Address{9}, "SOL", 1, fifty, ledger.ErrUnknownUser},
		{"not owner", bob, acct, "SOL", 1, fifty, ledger.ErrUnauthorised},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := env.ledger.OpenPosition(ctx, tt.caller, tt.acct, tt.asset, tt.qty, tt.quote)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}

	if got := env.balance(t, acct); got != registry.DefaultStartingBalance {
		t.Errorf("balance changed to %d", got)
	}
}

func TestOpenPosition_TenCharacterAsset(t *testing.T) {
	env := newTestEnv(t)
	acct := env.account(t, alice)

	if _, _, err := env.ledger.OpenPosition(context.Background(), alice, acct, "ABCDEFGHIJ", 1_000_000, fifty); err != nil {
		t.Fatalf("open with ten character asset: %v", err)
	}
}

// --- Update ---

func TestUpdatePosition_BuyAndSell(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	acct := env.account(t, alice)

	pos, _, err := env.ledger.OpenPosition(ctx, alice, acct, "SOL", 2_000_000, fifty)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	p, a, err := env.ledger.UpdatePosition(ctx, alice, pos, acct, 1_000_000, fifty)
	if err != nil {
		t.Fatalf("buy more: %v", err)
	}
	if p.Quantity != 3_000_000 {
		t.Errorf("quantity: got %d, want 3000000", p.Quantity)
	}
	if a.Balance != 999_850_000_000 {
		t.Errorf("balance after buy: got %d, want 999850000000", a.Balance)
	}

	p, a, err = env.ledger.UpdatePosition(ctx, alice, pos, acct, -3_000_000, fifty)
	if err != nil {
		t.Fatalf("sell all: %v", err)
	}
	if p.Quantity != 0 {
		t.Errorf("quantity: got %d, want 0", p.Quantity)
	}
	if a.Balance != registry.DefaultStartingBalance {
		t.Errorf("balance after sell: got %d, want %d", a.Balance, registry.DefaultStartingBalance)
	}
}

func TestUpdatePosition_ShortingRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	acct := env.account(t, alice)

	pos, _, err := env.ledger.OpenPosition(ctx, alice, acct, "SOL", 2_000_000, fifty)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	before := env.balance(t, acct)

	_, _, err = env.ledger.UpdatePosition(ctx, alice, pos, acct, -2_000_001, fifty)
	if !errors.Is(err, ledger.ErrShortingUnsupported) {
		t.Fatalf("expected ErrShortingUnsupported, got %v", err)
	}

	p, err := env.ledger.Position(ctx, pos)
	if err != nil {
		t.Fatalf("load position: %v", err)
	}
	if p.Quantity != 2_000_000 {
		t.Errorf("quantity changed to %d", p.Quantity)
	}
	if got := env.balance(t, acct); got != before {
		t.Errorf("balance changed from %d to %d", before, got)
	}
}

func TestUpdatePosition_Mismatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	aliceAcct := env.account(t, alice)
	bobAcct := env.account(t, bob)

	pos, _, err := env.ledger.OpenPosition(ctx, bob, bobAcct, "SOL", 1_000_000, fifty)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	_, _, err = env.ledger.UpdatePosition(ctx, alice, pos, aliceAcct, 1, fifty)
	if !errors.Is(err, ledger.ErrPositionMismatch) {
		t.Errorf("expected ErrPositionMismatch, got %v", err)
	}
}

func TestUpdatePosition_InsufficientFunds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	acct := env.account(t, alice)

	pos, _, err := env.ledger.OpenPosition(ctx, alice, acct, "USD", registry.DefaultStartingBalance, one)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, _, err = env.ledger.UpdatePosition(ctx, alice, pos, acct, 1_000_000, one)
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}
}

// --- Close ---

func TestClosePosition_CreditsAndDestroys(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	acct := env.account(t, alice)

	pos, _, err := env.ledger.OpenPosition(ctx, alice, acct, "SOL", 2_000_000, fifty)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	doubled := model.PriceQuote{Price: 10_000_000_000, Exponent: -8}
	a, err := env.ledger.ClosePosition(ctx, alice, pos, acct, doubled)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if a.Balance != 1_000_100_000_000 {
		t.Errorf("balance: got %d, want 1000100000000", a.Balance)
	}
	if a.OpenPositionCount != 1 {
		t.Errorf("position count must not decrement, got %d", a.OpenPositionCount)
	}

	if _, err := env.ledger.Position(ctx, pos); !errors.Is(err, ledger.ErrUnknownPosition) {
		t.Errorf("expected closed position to be gone, got %v", err)
	}
	refunds := env.store.Refunds()
	if len(refunds) != 1 || refunds[0].Address != pos || refunds[0].RefundTo != alice {
		t.Errorf("unexpected refunds: %+v", refunds)
	}

	// The next position takes a fresh slot.
	_, next, err := env.ledger.OpenPosition(ctx, alice, acct, "SOL", 1_000_000, fifty)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if next.Sequence != 1 {
		t.Errorf("sequence after close: got %d, want 1", next.Sequence)
	}
}

func TestClosePosition_SamePriceConservesBalance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	acct := env.account(t, alice)

	pos, _, err := env.ledger.OpenPosition(ctx, alice, acct, "SOL", 2_000_000, fifty)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := env.ledger.ClosePosition(ctx, alice, pos, acct, fifty); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := env.balance(t, acct); got != registry.DefaultStartingBalance {
		t.Errorf("balance: got %d, want %d", got, registry.DefaultStartingBalance)
	}
}

func TestClosePosition_WrongCaller(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	acct := env.account(t, alice)

	pos, _, err := env.ledger.OpenPosition(ctx, alice, acct, "SOL", 2_000_000, fifty)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	before := env.balance(t, acct)

	if _, err := env.ledger.ClosePosition(ctx, bob, pos, acct, fifty); !errors.Is(err, ledger.ErrUnauthorised) {
		t.Fatalf("expected ErrUnauthorised, got %v", err)
	}
	if got := env.balance(t, acct); got != before {
		t.Errorf("balance changed from %d to %d", before, got)
	}
	if _, err := env.ledger.Position(ctx, pos); err != nil {
		t.Errorf("position should still exist: %v", err)
	}
}

// --- Listing and valuation ---

func TestListPositions_SkipsClosedAndEmpty(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	acct := env.account(t, alice)

	p0, _, _ := env.ledger.OpenPosition(ctx, alice, acct, "SOL", 1_000_000, fifty)
	p1, _, _ := env.ledger.OpenPosition(ctx, alice, acct, "BTC", 1_000_000, fifty)
	p2, _, _ := env.ledger.OpenPosition(ctx, alice, acct, "ETH", 1_000_000, fifty)

	if _, err := env.ledger.ClosePosition(ctx, alice, p0, acct, fifty); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, _, err := env.ledger.UpdatePosition(ctx, alice, p1, acct, -1_000_000, fifty); err != nil {
		t.Fatalf("sell: %v", err)
	}

	list, err := env.ledger.ListPositions(ctx, acct)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Address != p2 || list[0].Asset != "ETH" {
		t.Errorf("unexpected positions: %+v", list)
	}
}

func TestCloseAllPositions_PartialFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	acct := env.account(t, alice)

	sol, _, _ := env.ledger.OpenPosition(ctx, alice, acct, "SOL", 1_000_000, fifty)
	btc, _, _ := env.ledger.OpenPosition(ctx, alice, acct, "BTC", 1_000_000, fifty)

	res, err := env.ledger.CloseAllPositions(ctx, alice, acct, prices{"SOL": fifty})
	if err != nil {
		t.Fatalf("close all: %v", err)
	}
	if len(res.Closed) != 1 || res.Closed[0] != sol {
		t.Errorf("closed: %v", res.Closed)
	}
	if _, ok := res.Failed[btc]; !ok || len(res.Failed) != 1 {
		t.Errorf("failed: %v", res.Failed)
	}
	if res.Account.Balance != registry.DefaultStartingBalance-50_000_000 {
		t.Errorf("balance: got %d", res.Account.Balance)
	}

	if _, err := env.ledger.CloseAllPositions(ctx, bob, acct, prices{}); !errors.Is(err, ledger.ErrUnauthorised) {
		t.Errorf("expected ErrUnauthorised, got %v", err)
	}
}

func TestLeaderboard_RanksByTotalValue(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	aliceAcct := env.account(t, alice)
	bobAcct := env.account(t, bob)

	if _, _, err := env.ledger.OpenPosition(ctx, alice, aliceAcct, "SOL", 2_000_000, fifty); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, _, err := env.ledger.OpenPosition(ctx, bob, bobAcct, "SOL", 2_000_000, fifty); err != nil {
		t.Fatalf("open: %v", err)
	}
	// Bob sells half at a loss.
	bobPos := env.reg.Addresses().OpenPosition(bob, bobAcct, 0)
	if _, _, err := env.ledger.UpdatePosition(ctx, bob, bobPos, bobAcct, -1_000_000, model.PriceQuote{Price: 2_500_000_000, Exponent: -8}); err != nil {
		t.Fatalf("sell: %v", err)
	}

	board, err := env.ledger.Leaderboard(ctx, env.arena, prices{"SOL": fifty}, 0)
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	if len(board) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(board))
	}
	if board[0].Owner != alice || board[1].Owner != bob {
		t.Errorf("order: %s, %s", board[0].Owner, board[1].Owner)
	}
	if board[0].Total != registry.DefaultStartingBalance {
		t.Errorf("alice total: got %d", board[0].Total)
	}
	if board[1].Total != registry.DefaultStartingBalance-25_000_000 {
		t.Errorf("bob total: got %d", board[1].Total)
	}

	top, _ := env.ledger.Leaderboard(ctx, env.arena, prices{"SOL": fifty}, 1)
	if len(top) != 1 {
		t.Errorf("limit: got %d entries", len(top))
	}
}
