// Package api provides the HTTP handlers for the arena ledger: admin setup,
// arenas, trading accounts, positions, delegation and prices.
//
// Amounts cross the wire twice: as exact micro-unit integers and as
// shopspring/decimal display values in whole units. Requests carry
// quantities in whole units as decimals, never float64.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/traderings/arena-ledger/internal/delegation"
	"github.com/traderings/arena-ledger/internal/ledger"
	"github.com/traderings/arena-ledger/internal/model"
	"github.com/traderings/arena-ledger/internal/oracle"
	"github.com/traderings/arena-ledger/internal/registry"
	"github.com/traderings/arena-ledger/internal/store"
)

// CallerHeader carries the identity authenticated by the fronting proxy.
const CallerHeader = "X-Caller-Identity"

// Service routes requests to the ledger of whichever executor currently
// holds write authority over the target account.
type Service struct {
	registry   *registry.Registry
	base       *ledger.Ledger
	rollups    map[string]*ledger.Ledger
	delegation *delegation.Controller
	prices     *oracle.StaticSource
	source     oracle.Source
}

// NewService creates the API service. ctrl may be nil when no rollup
// executor is configured. source is the quote source used for trades; when
// nil the static price table is used directly.
func NewService(reg *registry.Registry, base *ledger.Ledger, ctrl *delegation.Controller, prices *oracle.StaticSource, source oracle.Source) *Service {
	if source == nil {
		source = prices
	}
	return &Service{
		registry:   reg,
		base:       base,
		rollups:    make(map[string]*ledger.Ledger),
		delegation: ctrl,
		prices:     prices,
		source:     source,
	}
}

// AddExecutor registers the ledger of a rollup executor.
func (s *Service) AddExecutor(l *ledger.Ledger) {
	s.rollups[l.Executor()] = l
}

// Routes mounts every handler on r.
func (s *Service) Routes(r chi.Router) {
	r.Post("/admin/init", s.InitAdmin)
	r.Get("/admin/config", s.GetAdminConfig)

	r.Get("/arenas", s.ListArenas)
	r.Post("/arenas", s.CreateArena)
	r.Get("/arenas/{arena}", s.GetArena)
	r.Get("/arenas/{arena}/accounts", s.ListAccounts)
	r.Post("/arenas/{arena}/accounts", s.CreateAccount)
	r.Get("/arenas/{arena}/leaderboard", s.GetLeaderboard)

	r.Get("/accounts/{account}", s.GetAccount)
	r.Get("/accounts/{account}/value", s.GetValue)
	r.Get("/accounts/{account}/positions", s.ListPositions)
	r.Post("/accounts/{account}/positions", s.OpenPosition)
	r.Post("/accounts/{account}/positions/close-all", s.CloseAllPositions)
	r.Get("/accounts/{account}/positions/{position}", s.GetPosition)
	r.Patch("/accounts/{account}/positions/{position}", s.UpdatePosition)
	r.Delete("/accounts/{account}/positions/{position}", s.ClosePosition)

	r.Get("/delegations", s.ListDelegations)
	r.Get("/records/{address}/delegation", s.GetDelegation)
	r.Post("/records/{address}/delegate", s.Delegate)
	r.Post("/records/{address}/commit", s.Commit)
	r.Post("/records/{address}/undelegate", s.Undelegate)

	r.Get("/prices", s.ListPrices)
	r.Put("/prices/{asset}", s.SetPrice)
}

// ledgerFor returns the ledger that may currently mutate account.
func (s *Service) ledgerFor(ctx context.Context, account model.Address) (*ledger.Ledger, error) {
	if s.delegation == nil {
		return s.base, nil
	}
	drec, err := s.delegation.State(ctx, account)
	if err != nil {
		return nil, err
	}
	if drec.State != model.Delegated {
		return s.base, nil
	}
	l, ok := s.rollups[drec.Executor]
	if !ok {
		return nil, fmt.Errorf("%w: %s", delegation.ErrUnknownExecutor, drec.Executor)
	}
	return l, nil
}

func caller(r *http.Request) (model.Identity, bool) {
	id := r.Header.Get(CallerHeader)
	return model.Identity(id), id != ""
}

func addressParam(r *http.Request, name string) (model.Address, error) {
	a, err := model.ParseAddress(chi.URLParam(r, name))
	if err != nil {
		return model.Address{}, fmt.Errorf("invalid %s address", name)
	}
	return a, nil
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrUnauthorised):
		return http.StatusForbidden
	case errors.Is(err, registry.ErrUnknownUser),
		errors.Is(err, registry.ErrUnknownArena),
		errors.Is(err, registry.ErrNotInitialized),
		errors.Is(err, ledger.ErrUnknownPosition),
		errors.Is(err, delegation.ErrUnknownRecord),
		errors.Is(err, oracle.ErrUnknownAsset),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrNameTooLong),
		errors.Is(err, registry.ErrAssetNameTooLong),
		errors.Is(err, ledger.ErrInvalidPrice),
		errors.Is(err, ledger.ErrArithmeticOverflow),
		errors.Is(err, model.ErrOutOfRange),
		errors.Is(err, ledger.ErrPositionMismatch),
		errors.Is(err, delegation.ErrUnknownExecutor):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrShortingUnsupported),
		errors.Is(err, registry.ErrAlreadyInitialized),
		errors.Is(err, registry.ErrAccountExists),
		errors.Is(err, registry.ErrSequenceExhausted),
		errors.Is(err, delegation.ErrAlreadyDelegated),
		errors.Is(err, delegation.ErrNotDelegated),
		errors.Is(err, delegation.ErrNotWritable),
		errors.Is(err, oracle.ErrStalePrice),
		errors.Is(err, store.ErrVersionConflict),
		errors.Is(err, store.ErrExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeFailure writes err with its mapped status. Internal errors are not
// echoed to the client.
func writeFailure(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		msg = "internal error"
	}
	writeError(w, msg, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
