package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/traderings/arena-ledger/internal/ledger"
	"github.com/traderings/arena-ledger/internal/model"
	"github.com/traderings/arena-ledger/internal/registry"
)

// --- Request/Response types ---

// CreateAccountRequest is the JSON body for account creation.
type CreateAccountRequest struct {
	DisplayName string `json:"display_name"`
}

// OpenPositionRequest is the JSON body for POST .../positions.
type OpenPositionRequest struct {
	Asset    string          `json:"asset"`
	Quantity decimal.Decimal `json:"quantity"` // whole units
}

// UpdatePositionRequest is the JSON body for PATCH .../positions/{position}.
type UpdatePositionRequest struct {
	Delta decimal.Decimal `json:"delta"` // whole units; negative sells
}

// DelegateRequest is the JSON body for POST /records/{address}/delegate.
type DelegateRequest struct {
	Executor         string `json:"executor"`
	CommitIntervalMs int64  `json:"commit_interval_ms"`
}

// SetPriceRequest is the JSON body for PUT /prices/{asset}.
type SetPriceRequest struct {
	Price decimal.Decimal `json:"price"`
}

// AccountView is a trading account with display values.
type AccountView struct {
	Address model.Address `json:"address"`
	model.TradingAccount
	BalanceDisplay decimal.Decimal `json:"balance_display"`
	Executor       string          `json:"executor"`
}

// PositionView is a position with display values.
type PositionView struct {
	Address model.Address `json:"address"`
	model.OpenPosition
	QuantityDisplay decimal.Decimal `json:"quantity_display"`
}

// TradeResponse is returned by position mutations.
type TradeResponse struct {
	Position *PositionView   `json:"position,omitempty"`
	Account  AccountView     `json:"account"`
	Price    decimal.Decimal `json:"price"`
}

func accountView(addr model.Address, acct model.TradingAccount, executor string) AccountView {
	return AccountView{
		Address:        addr,
		TradingAccount: acct,
		BalanceDisplay: model.MicroToDecimal(acct.Balance),
		Executor:       executor,
	}
}

func positionView(addr model.Address, pos model.OpenPosition) *PositionView {
	return &PositionView{
		Address:         addr,
		OpenPosition:    pos,
		QuantityDisplay: model.MicroToDecimal(pos.Quantity),
	}
}

// --- Admin ---

// InitAdmin handles POST /api/v1/admin/init
func (s *Service) InitAdmin(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(r)
	if !ok {
		writeError(w, "missing caller identity", http.StatusUnauthorized)
		return
	}
	cfg, err := s.registry.InitAdminConfig(r.Context(), who)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cfg)
}

// GetAdminConfig handles GET /api/v1/admin/config
func (s *Service) GetAdminConfig(w http.ResponseWriter, r *http.Request) {
	cfg, _, err := s.registry.AdminConfig(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// --- Arenas ---

// CreateArena handles POST /api/v1/arenas
func (s *Service) CreateArena(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(r)
	if !ok {
		writeError(w, "missing caller identity", http.StatusUnauthorized)
		return
	}
	addr, arena, err := s.registry.CreateArena(r.Context(), who)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, registry.ArenaEntry{Address: addr, Arena: *arena})
}

// ListArenas handles GET /api/v1/arenas
func (s *Service) ListArenas(w http.ResponseWriter, r *http.Request) {
	arenas, err := s.registry.ListArenas(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	if arenas == nil {
		arenas = []registry.ArenaEntry{}
	}
	writeJSON(w, http.StatusOK, arenas)
}

// GetArena handles GET /api/v1/arenas/{arena}
func (s *Service) GetArena(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r, "arena")
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	arena, err := s.registry.Arena(r.Context(), addr)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, registry.ArenaEntry{Address: addr, Arena: *arena})
}

// --- Accounts ---

// CreateAccount handles POST /api/v1/arenas/{arena}/accounts
func (s *Service) CreateAccount(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(r)
	if !ok {
		writeError(w, "missing caller identity", http.StatusUnauthorized)
		return
	}
	arena, err := addressParam(r, "arena")
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	addr, acct, err := s.registry.CreateTradingAccount(r.Context(), who, arena, req.DisplayName)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, accountView(addr, *acct, s.base.Executor()))
}

// ListAccounts handles GET /api/v1/arenas/{arena}/accounts
// Balances are the base ledger's committed view.
func (s *Service) ListAccounts(w http.ResponseWriter, r *http.Request) {
	arena, err := addressParam(r, "arena")
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	accounts, err := s.registry.ListTradingAccounts(r.Context(), arena)
	if err != nil {
		writeFailure(w, err)
		return
	}
	out := make([]AccountView, 0, len(accounts))
	for addr, acct := range accounts {
		out = append(out, accountView(addr, acct, s.base.Executor()))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetAccount handles GET /api/v1/accounts/{account}
// Returns the working state held by the executor with write authority.
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r, "account")
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	l, err := s.ledgerFor(r.Context(), addr)
	if err != nil {
		writeFailure(w, err)
		return
	}
	acct, err := l.Account(r.Context(), addr)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accountView(addr, *acct, l.Executor()))
}

// GetValue handles GET /api/v1/accounts/{account}/value
func (s *Service) GetValue(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r, "account")
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	l, err := s.ledgerFor(r.Context(), addr)
	if err != nil {
		writeFailure(w, err)
		return
	}
	v, err := l.Value(r.Context(), addr, s.source)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// GetLeaderboard handles GET /api/v1/arenas/{arena}/leaderboard
// Ranks accounts on their committed base ledger state. ?limit=N caps the
// result.
func (s *Service) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	arena, err := addressParam(r, "arena")
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
	}

	board, err := s.base.Leaderboard(r.Context(), arena, s.source, limit)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if board == nil {
		board = []ledger.Valuation{}
	}
	writeJSON(w, http.StatusOK, board)
}

// --- Positions ---

// ListPositions handles GET /api/v1/accounts/{account}/positions
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r, "account")
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	l, err := s.ledgerFor(r.Context(), addr)
	if err != nil {
		writeFailure(w, err)
		return
	}
	positions, err := l.ListPositions(r.Context(), addr)
	if err != nil {
		writeFailure(w, err)
		return
	}
	out := make([]*PositionView, 0, len(positions))
	for _, p := range positions {
		out = append(out, positionView(p.Address, p.OpenPosition))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetPosition handles GET /api/v1/accounts/{account}/positions/{position}
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	account, err := addressParam(r, "account")
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	position, err := addressParam(r, "position")
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	l, err := s.ledgerFor(r.Context(), account)
	if err != nil {
		writeFailure(w, err)
		return
	}
	pos, err := l.Position(r.Context(), position)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if pos.TradingAccount != account {
		writeFailure(w, ledger.ErrPositionMismatch)
		return
	}
	writeJSON(w, http.StatusOK, positionView(position, *pos))
}

// OpenPosition handles POST /api/v1/accounts/{account}/positions
// Buys at the latest oracle quote for the asset.
func (s *Service) OpenPosition(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(r)
	if !ok {
		writeError(w, "missing caller identity", http.StatusUnauthorized)
		return
	}
	account, err := addressParam(r, "account")
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req OpenPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := registry.ValidateAsset(req.Asset); err != nil {
		writeFailure(w, err)
		return
	}
	quantity, err := model.DecimalToMicro(req.Quantity)
	if err != nil {
		writeFailure(w, err)
		return
	}

	ctx := r.Context()
	l, err := s.ledgerFor(ctx, account)
	if err != nil {
		writeFailure(w, err)
		return
	}
	quote, err := s.source.LatestPrice(ctx, req.Asset)
	if err != nil {
		writeFailure(w, err)
		return
	}

	addr, pos, err := l.OpenPosition(ctx, who, account, req.Asset, quantity, quote)
	if err != nil {
		writeFailure(w, err)
		return
	}
	acct, err := l.Account(ctx, account)
	if err != nil {
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, TradeResponse{
		Position: positionView(addr, *pos),
		Account:  accountView(account, *acct, l.Executor()),
		Price:    quote.Decimal(),
	})
}

// UpdatePosition handles PATCH /api/v1/accounts/{account}/positions/{position}
func (s *Service) UpdatePosition(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(r)
	if !ok {
		writeError(w, "missing caller identity", http.StatusUnauthorized)
		return
	}
	account, err := addressParam(r, "account")
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	position, err := addressParam(r, "position")
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req UpdatePositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	delta, err := model.DecimalToMicro(req.Delta)
	if err != nil {
		writeFailure(w, err)
		return
	}

	ctx := r.Context()
	l, err := s.ledgerFor(ctx, account)
	if err != nil {
		writeFailure(w, err)
		return
	}
	cur, err := l.Position(ctx, position)
	if err != nil {
		writeFailure(w, err)
		return
	}
	quote, err := s.source.LatestPrice(ctx, cur.Asset)
	if err != nil {
		writeFailure(w, err)
		return
	}

	pos, acct, err := l.UpdatePosition(ctx, who, position, account, delta, quote)
	if err != nil {
		writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, TradeResponse{
		Position: positionView(position, *pos),
		Account:  accountView(account, *acct, l.Executor()),
		Price:    quote.Decimal(),
	})
}

// ClosePosition handles DELETE /api/v1/accounts/{account}/positions/{position}
func (s *Service) ClosePosition(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(r)
	if !ok {
		writeError(w, "missing caller identity", http.StatusUnauthorized)
		return
	}
	account, err := addressParam(r, "account")
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	position, err := addressParam(r, "position")
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	l, err := s.ledgerFor(ctx, account)
	if err != nil {
		writeFailure(w, err)
		return
	}
	cur, err := l.Position(ctx, position)
	if err != nil {
		writeFailure(w, err)
		return
	}
	quote, err := s.source.LatestPrice(ctx, cur.Asset)
	if err != nil {
		writeFailure(w, err)
		return
	}

	acct, err := l.ClosePosition(ctx, who, position, account, quote)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TradeResponse{
		Account: accountView(account, *acct, l.Executor()),
		Price:   quote.Decimal(),
	})
}

// CloseAllPositions handles POST /api/v1/accounts/{account}/positions/close-all
// Positions are closed one by one; the response lists failures.
func (s *Service) CloseAllPositions(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(r)
	if !ok {
		writeError(w, "missing caller identity", http.StatusUnauthorized)
		return
	}
	account, err := addressParam(r, "account")
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	l, err := s.ledgerFor(ctx, account)
	if err != nil {
		writeFailure(w, err)
		return
	}
	res, err := l.CloseAllPositions(ctx, who, account, s.source)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if res.Closed == nil {
		res.Closed = []model.Address{}
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Delegation ---

func (s *Service) delegationEnabled(w http.ResponseWriter) bool {
	if s.delegation == nil {
		writeError(w, "no rollup executor configured", http.StatusNotImplemented)
		return false
	}
	return true
}

// Delegate handles POST /api/v1/records/{address}/delegate
func (s *Service) Delegate(w http.ResponseWriter, r *http.Request) {
	if !s.delegationEnabled(w) {
		return
	}
	who, ok := caller(r)
	if !ok {
		writeError(w, "missing caller identity", http.StatusUnauthorized)
		return
	}
	addr, err := addressParam(r, "address")
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req DelegateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	drec, err := s.delegation.Delegate(r.Context(), who, addr, req.Executor, req.CommitIntervalMs)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, drec)
}

// Commit handles POST /api/v1/records/{address}/commit
func (s *Service) Commit(w http.ResponseWriter, r *http.Request) {
	if !s.delegationEnabled(w) {
		return
	}
	addr, err := addressParam(r, "address")
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	changed, err := s.delegation.Commit(r.Context(), addr)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"changed": changed})
}

// Undelegate handles POST /api/v1/records/{address}/undelegate
func (s *Service) Undelegate(w http.ResponseWriter, r *http.Request) {
	if !s.delegationEnabled(w) {
		return
	}
	addr, err := addressParam(r, "address")
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	changed, err := s.delegation.CommitAndUndelegate(r.Context(), addr)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"changed": changed})
}

// GetDelegation handles GET /api/v1/records/{address}/delegation
func (s *Service) GetDelegation(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r, "address")
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if s.delegation == nil {
		writeJSON(w, http.StatusOK, model.DelegationRecord{Target: addr, State: model.BaseResident})
		return
	}
	drec, err := s.delegation.State(r.Context(), addr)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, drec)
}

// ListDelegations handles GET /api/v1/delegations
// Optionally filtered by ?executor=<id>.
func (s *Service) ListDelegations(w http.ResponseWriter, r *http.Request) {
	out := []model.DelegationRecord{}
	if s.delegation != nil {
		recs, err := s.delegation.ListDelegated(r.Context(), r.URL.Query().Get("executor"))
		if err != nil {
			writeFailure(w, err)
			return
		}
		out = append(out, recs...)
	}
	writeJSON(w, http.StatusOK, out)
}

// --- Prices ---

// ListPrices handles GET /api/v1/prices
func (s *Service) ListPrices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.prices.Snapshot())
}

// SetPrice handles PUT /api/v1/prices/{asset}
// Only the admin may move prices.
func (s *Service) SetPrice(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(r)
	if !ok {
		writeError(w, "missing caller identity", http.StatusUnauthorized)
		return
	}
	asset := chi.URLParam(r, "asset")
	if err := registry.ValidateAsset(asset); err != nil {
		writeFailure(w, err)
		return
	}
	var req SetPriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	cfg, _, err := s.registry.AdminConfig(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	if who != cfg.Admin {
		writeFailure(w, registry.ErrUnauthorised)
		return
	}
	if err := s.prices.SetDecimal(asset, req.Price); err != nil {
		writeFailure(w, ledger.ErrInvalidPrice)
		return
	}

	quote, _ := s.prices.LatestPrice(r.Context(), asset)
	writeJSON(w, http.StatusOK, quote)
}
