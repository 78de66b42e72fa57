// Package betting provides the HTTP handlers for placing bets, managing
// their risk controls, settling them on demand and querying balances and
// ledgers.
//
// All monetary values use shopspring/decimal, never float64 for money.
package betting

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/stockbet/bet-settlement/internal/auth"
	"github.com/stockbet/bet-settlement/internal/exposure"
	"github.com/stockbet/bet-settlement/internal/model"
	"github.com/stockbet/bet-settlement/internal/placement"
	"github.com/stockbet/bet-settlement/internal/quote"
	"github.com/stockbet/bet-settlement/internal/risk"
	"github.com/stockbet/bet-settlement/internal/scheduler"
	"github.com/stockbet/bet-settlement/internal/settlement"
	"github.com/stockbet/bet-settlement/internal/store"
)

// Service handles bet operations.
type Service struct {
	store  store.Store
	placer *placement.Service
	sched  *scheduler.Scheduler
	quotes quote.Sink // optional; nil disables POST /quotes
}

// NewService creates a new betting service.
func NewService(st store.Store, placer *placement.Service, sched *scheduler.Scheduler, quotes quote.Sink) *Service {
	return &Service{
		store:  st,
		placer: placer,
		sched:  sched,
		quotes: quotes,
	}
}

// Routes mounts the bettor-facing handlers on r.
func (s *Service) Routes(r chi.Router) {
	r.Post("/bets", s.PlaceBet)
	r.Get("/bets/{betID}", s.GetBet)
	r.Put("/bets/{betID}/risk-controls", s.UpdateRiskControls)
	r.Post("/bets/{betID}/settle", s.SettleBet)

	r.Get("/users/{userID}/bets", s.ListUserBets)
	r.Get("/users/{userID}/balance", s.GetBalance)
	r.Get("/users/{userID}/ledger", s.GetLedger)

	r.Post("/odds", s.PreviewOdds)
}

// AdminRoutes mounts the handlers that feed prices and fund accounts. They
// decide settlement outcomes, so mount them behind auth.RequireRole.
func (s *Service) AdminRoutes(r chi.Router) {
	r.Post("/quotes", s.PushQuote)
	r.Post("/users/{userID}/deposits", s.Deposit)
}

// --- Request/Response types ---

// PlaceBetRequest is the JSON body for POST /bets and POST /odds.
type PlaceBetRequest struct {
	UserID        string           `json:"user_id"`
	Symbol        string           `json:"symbol"`
	Name          string           `json:"name,omitempty"`
	Exchange      string           `json:"exchange"`
	Kind          model.Kind       `json:"kind"`
	Stake         decimal.Decimal  `json:"stake"`
	Leverage      decimal.Decimal  `json:"leverage"`       // 0 → 1
	ExpiryMinutes int              `json:"expiry_minutes"` // 1..10080
	StopLoss      *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit    *decimal.Decimal `json:"take_profit,omitempty"`
	RiskProfile   string           `json:"risk_profile,omitempty"` // conservative|moderate|aggressive
}

func (req PlaceBetRequest) toPlacement() placement.Request {
	return placement.Request{
		UserID:        req.UserID,
		Symbol:        req.Symbol,
		Name:          req.Name,
		Exchange:      req.Exchange,
		Kind:          req.Kind,
		Stake:         req.Stake,
		Leverage:      req.Leverage,
		ExpiryMinutes: req.ExpiryMinutes,
		StopLoss:      req.StopLoss,
		TakeProfit:    req.TakeProfit,
		RiskProfile:   req.RiskProfile,
	}
}

// RiskControlsRequest is the JSON body for PUT /bets/{betID}/risk-controls.
// Omitted levels are cleared.
type RiskControlsRequest struct {
	StopLoss   *decimal.Decimal `json:"stop_loss"`
	TakeProfit *decimal.Decimal `json:"take_profit"`
}

// SettleResponse is returned from POST /bets/{betID}/settle. Transition is
// null when the bet cannot be decided yet.
type SettleResponse struct {
	Bet        *model.Bet        `json:"bet"`
	Transition *model.Transition `json:"transition"`
}

// DepositRequest is the JSON body for POST /admin/users/{userID}/deposits.
type DepositRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference,omitempty"` // repeat to make the call idempotent
}

// BalanceResponse is returned from balance queries and deposits.
type BalanceResponse struct {
	UserID  string          `json:"user_id"`
	Balance decimal.Decimal `json:"balance"`
}

// --- HTTP Handlers ---

// PlaceBet handles POST /api/v1/bets
func (s *Service) PlaceBet(w http.ResponseWriter, r *http.Request) {
	var req PlaceBetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !auth.Allows(r.Context(), req.UserID) {
		writeError(w, "cannot place bets for another user", http.StatusForbidden)
		return
	}

	bet, err := s.placer.Place(r.Context(), req.toPlacement())
	if err != nil {
		writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, bet)
}

// PreviewOdds handles POST /api/v1/odds
// Prices a prospective bet without booking it.
func (s *Service) PreviewOdds(w http.ResponseWriter, r *http.Request) {
	var req PlaceBetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	q, err := s.placer.Preview(r.Context(), req.toPlacement())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// GetBet handles GET /api/v1/bets/{betID}
func (s *Service) GetBet(w http.ResponseWriter, r *http.Request) {
	bet, ok := s.loadOwnBet(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, bet)
}

// UpdateRiskControls handles PUT /api/v1/bets/{betID}/risk-controls
func (s *Service) UpdateRiskControls(w http.ResponseWriter, r *http.Request) {
	var req RiskControlsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	bet, ok := s.loadOwnBet(w, r)
	if !ok {
		return
	}

	updated, err := s.placer.UpdateRiskControls(r.Context(), bet.ID, req.StopLoss, req.TakeProfit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// SettleBet handles POST /api/v1/bets/{betID}/settle
// Evaluates the bet against the latest quote now. It cannot force an
// outcome: an undecidable bet is returned unchanged.
func (s *Service) SettleBet(w http.ResponseWriter, r *http.Request) {
	bet, ok := s.loadOwnBet(w, r)
	if !ok {
		return
	}

	updated, t, err := s.sched.SettleBet(r.Context(), bet.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SettleResponse{Bet: updated, Transition: t})
}

// ListUserBets handles GET /api/v1/users/{userID}/bets
// Optionally filtered by ?status=active|won|lost|expired.
func (s *Service) ListUserBets(w http.ResponseWriter, r *http.Request) {
	userID, ok := ownUser(w, r)
	if !ok {
		return
	}

	var status model.Status
	if v := r.URL.Query().Get("status"); v != "" {
		status = model.Status(v)
		if !status.Valid() {
			writeError(w, "unknown status: "+v, http.StatusBadRequest)
			return
		}
	}

	bets, err := s.store.ListBetsByUser(r.Context(), userID)
	if err != nil {
		writeErr(w, err)
		return
	}

	filtered := make([]model.Bet, 0, len(bets))
	for _, b := range bets {
		if status == "" || b.Status == status {
			filtered = append(filtered, b)
		}
	}
	writeJSON(w, http.StatusOK, filtered)
}

// GetBalance handles GET /api/v1/users/{userID}/balance
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := ownUser(w, r)
	if !ok {
		return
	}

	balance, err := s.store.GetBalance(r.Context(), userID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{UserID: userID, Balance: balance})
}

// GetLedger handles GET /api/v1/users/{userID}/ledger
// Returns every balance change in the order applied.
func (s *Service) GetLedger(w http.ResponseWriter, r *http.Request) {
	userID, ok := ownUser(w, r)
	if !ok {
		return
	}

	entries, err := s.store.ListEntries(r.Context(), userID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// Deposit handles POST /api/v1/admin/users/{userID}/deposits
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	balance, err := s.placer.Deposit(r.Context(), userID, req.Amount, req.Reference)
	if err != nil {
		writeErr(w, err)
		return
	}

	slog.Info("deposit", "user", userID, "amount", req.Amount.String(), "reference", req.Reference)
	writeJSON(w, http.StatusOK, BalanceResponse{UserID: userID, Balance: balance})
}

// PushQuote handles POST /api/v1/admin/quotes
// Stores a price in the writable quote source. as_of defaults to now.
func (s *Service) PushQuote(w http.ResponseWriter, r *http.Request) {
	if s.quotes == nil {
		writeError(w, "quote source is read-only", http.StatusNotImplemented)
		return
	}
	var q model.Quote
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if q.AsOf.IsZero() {
		q.AsOf = time.Now().UTC()
	}

	if err := s.quotes.Put(r.Context(), q); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, q)
}

// loadOwnBet loads {betID} and checks the caller may see it. On failure the
// response has been written.
func (s *Service) loadOwnBet(w http.ResponseWriter, r *http.Request) (*model.Bet, bool) {
	bet, err := s.store.GetBet(r.Context(), chi.URLParam(r, "betID"))
	if err != nil {
		writeErr(w, err)
		return nil, false
	}
	if !auth.Allows(r.Context(), bet.UserID) {
		writeError(w, "forbidden", http.StatusForbidden)
		return nil, false
	}
	return bet, true
}

func ownUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := chi.URLParam(r, "userID")
	if !auth.Allows(r.Context(), userID) {
		writeError(w, "forbidden", http.StatusForbidden)
		return "", false
	}
	return userID, true
}

// errorStatus maps domain errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, placement.ErrInvalidRequest),
		errors.Is(err, quote.ErrInvalidQuote):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, settlement.ErrBetNotActive),
		errors.Is(err, settlement.ErrAlreadySettled),
		errors.Is(err, store.ErrInsufficientFunds),
		errors.Is(err, store.ErrDuplicateBet),
		errors.Is(err, exposure.ErrSymbolLimitExceeded),
		errors.Is(err, exposure.ErrExchangeLimitExceeded):
		return http.StatusConflict
	case errors.Is(err, risk.ErrToleranceExceeded):
		return http.StatusUnprocessableEntity
	case errors.Is(err, quote.ErrNoQuote),
		errors.Is(err, scheduler.ErrStaleQuote):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeErr writes err with its mapped status. Internal errors are logged
// and not echoed to the client.
func writeErr(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
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
