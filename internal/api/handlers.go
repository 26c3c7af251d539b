// Package api exposes the settlement engine over JSON/HTTP.
//
// Handlers are thin: they decode the request, call one service operation
// and map the error taxonomy in model onto status codes.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/catalog"
	"github.com/atmx/settlement-engine/internal/deposit"
	"github.com/atmx/settlement-engine/internal/gateway"
	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/referral"
	"github.com/atmx/settlement-engine/internal/staking"
	"github.com/atmx/settlement-engine/internal/store"
)

// SignatureHeader carries the IPN HMAC.
const SignatureHeader = "x-nowpayments-sig"

const maxCallbackBytes = 64 << 10

// Handler bundles the services behind the HTTP API.
type Handler struct {
	store    store.Store
	catalog  *catalog.Catalog
	ledger   *ledger.Service
	stakes   *staking.Manager
	deposits *deposit.Service
	referral *referral.Engine
}

// Deps lists the services a Handler serves.
type Deps struct {
	Store    store.Store
	Catalog  *catalog.Catalog
	Ledger   *ledger.Service
	Stakes   *staking.Manager
	Deposits *deposit.Service
	Referral *referral.Engine
}

// NewHandler creates a Handler.
func NewHandler(d Deps) *Handler {
	return &Handler{
		store:    d.Store,
		catalog:  d.Catalog,
		ledger:   d.Ledger,
		stakes:   d.Stakes,
		deposits: d.Deposits,
		referral: d.Referral,
	}
}

// Routes mounts the API under r. The websocket stream is mounted by the
// caller outside any request timeout.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/plans", h.ListPlans)
	r.Get("/currencies", h.ListCurrencies)

	r.Post("/users", h.CreateUser)
	r.Route("/users/{userID}", func(r chi.Router) {
		r.Get("/", h.GetUser)
		r.Get("/balance", h.GetBalance)
		r.Get("/ledger", h.GetLedger)
		r.Get("/stakes", h.ListUserStakes)
		r.Get("/deposits", h.ListUserDeposits)
		r.Get("/referral-earnings", h.ListReferralEarnings)
		r.Post("/withdrawals", h.Withdraw)
	})

	r.Post("/stakes", h.CreateStake)
	r.Route("/stakes/{stakeID}", func(r chi.Router) {
		r.Get("/", h.GetStake)
		r.Get("/payments", h.ListPayments)
		r.Get("/schedule", h.GetSchedule)
	})

	r.Post("/deposits", h.CreateDeposit)
	r.Route("/deposits/{depositID}", func(r chi.Router) {
		r.Get("/", h.GetDeposit)
		r.Post("/cancel", h.CancelDeposit)
		r.Post("/reconcile", h.ReconcileDeposit)
	})

	r.Post("/gateway/ipn", h.GatewayCallback)
}

// AdminRoutes mounts stake lifecycle operations. They bypass ownership
// checks, so callers serve them on a listener the public cannot reach.
func (h *Handler) AdminRoutes(r chi.Router) {
	r.Route("/stakes/{stakeID}", func(r chi.Router) {
		r.Post("/activate", h.ActivateStake)
		r.Post("/cancel", h.CancelStake)
		r.Post("/complete", h.CompleteStake)
	})
}

// --- Request/Response types ---

// CreateUserRequest is the JSON body for POST /users.
type CreateUserRequest struct {
	ID           string `json:"id"`
	ReferredByID string `json:"referred_by_id,omitempty"`
}

// CreateStakeRequest is the JSON body for POST /stakes.
type CreateStakeRequest struct {
	UserID string          `json:"user_id"`
	PlanID string          `json:"plan_id"`
	Amount decimal.Decimal `json:"amount"`
}

// CancelRequest is the optional JSON body for cancel endpoints.
type CancelRequest struct {
	UserID string `json:"user_id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// CreateDepositRequest is the JSON body for POST /deposits.
type CreateDepositRequest struct {
	UserID     string          `json:"user_id"`
	CurrencyID string          `json:"currency_id"`
	AmountUSD  decimal.Decimal `json:"amount_usd"`
}

// WithdrawRequest is the JSON body for POST /users/{userID}/withdrawals.
type WithdrawRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Memo   string          `json:"memo,omitempty"`
}

// BalanceResponse is returned from GET /users/{userID}/balance.
type BalanceResponse struct {
	UserID  string          `json:"user_id"`
	Balance decimal.Decimal `json:"balance"`
}

// ScheduleDay is one row of a stake's payout calendar.
type ScheduleDay struct {
	DayIndex int              `json:"day_index"`
	Date     time.Time        `json:"date"`
	Paid     bool             `json:"paid"`
	Amount   *decimal.Decimal `json:"amount,omitempty"`
}

// --- Catalog ---

// ListPlans handles GET /api/v1/plans
func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.catalog.ListPlans(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(plans))
}

// ListCurrencies handles GET /api/v1/currencies
func (h *Handler) ListCurrencies(w http.ResponseWriter, r *http.Request) {
	cur, err := h.catalog.ListCurrencies(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(cur))
}

// --- Users and ledger ---

// CreateUser handles POST /api/v1/users
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ReferredByID == req.ID {
		writeError(w, "user cannot refer themselves", http.StatusBadRequest)
		return
	}
	u := &model.User{
		ID:           req.ID,
		ReferredByID: req.ReferredByID,
		Balance:      decimal.Zero,
		CreatedAt:    time.Now().UTC(),
	}
	if err := h.store.CreateUser(r.Context(), u); err != nil {
		writeServiceError(w, err)
		return
	}
	slog.Info("user created", "user_id", u.ID, "referred_by", u.ReferredByID)
	writeJSON(w, http.StatusCreated, u)
}

// GetUser handles GET /api/v1/users/{userID}
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.store.GetUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// GetBalance handles GET /api/v1/users/{userID}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	bal, err := h.ledger.Balance(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{UserID: userID, Balance: bal})
}

// GetLedger handles GET /api/v1/users/{userID}/ledger
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	entries, err := h.ledger.Entries(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(entries))
}

// Withdraw handles POST /api/v1/users/{userID}/withdrawals
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	e, err := h.ledger.Withdraw(r.Context(), chi.URLParam(r, "userID"), req.Amount, req.Memo)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

// ListReferralEarnings handles GET /api/v1/users/{userID}/referral-earnings
func (h *Handler) ListReferralEarnings(w http.ResponseWriter, r *http.Request) {
	earnings, err := h.referral.ListEarnings(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(earnings))
}

// --- Stakes ---

// CreateStake handles POST /api/v1/stakes
func (h *Handler) CreateStake(w http.ResponseWriter, r *http.Request) {
	var req CreateStakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.PlanID == "" {
		writeError(w, "user_id and plan_id are required", http.StatusBadRequest)
		return
	}
	st, err := h.stakes.CreateStake(r.Context(), req.UserID, req.PlanID, req.Amount)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

// GetStake handles GET /api/v1/stakes/{stakeID}
func (h *Handler) GetStake(w http.ResponseWriter, r *http.Request) {
	st, err := h.stakes.GetStake(r.Context(), chi.URLParam(r, "stakeID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ListUserStakes handles GET /api/v1/users/{userID}/stakes
func (h *Handler) ListUserStakes(w http.ResponseWriter, r *http.Request) {
	stakes, err := h.stakes.ListStakes(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(stakes))
}

// ListPayments handles GET /api/v1/stakes/{stakeID}/payments
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	payments, err := h.stakes.ListPayments(r.Context(), chi.URLParam(r, "stakeID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(payments))
}

// GetSchedule handles GET /api/v1/stakes/{stakeID}/schedule
func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	st, err := h.stakes.GetStake(ctx, chi.URLParam(r, "stakeID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	payments, err := h.stakes.ListPayments(ctx, st.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	paid := make(map[int]decimal.Decimal, len(payments))
	for _, p := range payments {
		paid[p.DayIndex] = p.Amount
	}

	dates := h.stakes.Schedule(st)
	days := make([]ScheduleDay, 0, len(dates))
	for i, d := range dates {
		day := ScheduleDay{DayIndex: i + 1, Date: d}
		if amt, ok := paid[i+1]; ok {
			day.Paid = true
			day.Amount = &amt
		}
		days = append(days, day)
	}
	writeJSON(w, http.StatusOK, days)
}

// ActivateStake handles POST /admin/v1/stakes/{stakeID}/activate
func (h *Handler) ActivateStake(w http.ResponseWriter, r *http.Request) {
	st, err := h.stakes.ActivateStake(r.Context(), chi.URLParam(r, "stakeID"))
	h.writeStakeTransition(w, r, st, err)
}

// CancelStake handles POST /admin/v1/stakes/{stakeID}/cancel
func (h *Handler) CancelStake(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "user request"
	}
	st, err := h.stakes.CancelStake(r.Context(), chi.URLParam(r, "stakeID"), req.Reason)
	h.writeStakeTransition(w, r, st, err)
}

// CompleteStake handles POST /admin/v1/stakes/{stakeID}/complete
func (h *Handler) CompleteStake(w http.ResponseWriter, r *http.Request) {
	st, err := h.stakes.CompleteStake(r.Context(), chi.URLParam(r, "stakeID"))
	h.writeStakeTransition(w, r, st, err)
}

// writeStakeTransition reports a transition that already happened as
// success with the stake's current state.
func (h *Handler) writeStakeTransition(w http.ResponseWriter, r *http.Request, st *model.Stake, err error) {
	if staking.IsNoop(err) {
		current, gerr := h.stakes.GetStake(r.Context(), chi.URLParam(r, "stakeID"))
		if gerr != nil {
			writeServiceError(w, gerr)
			return
		}
		writeJSON(w, http.StatusOK, current)
		return
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// --- Deposits ---

// CreateDeposit handles POST /api/v1/deposits
func (h *Handler) CreateDeposit(w http.ResponseWriter, r *http.Request) {
	var req CreateDepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.CurrencyID == "" {
		writeError(w, "user_id and currency_id are required", http.StatusBadRequest)
		return
	}
	d, err := h.deposits.CreateDepositRequest(r.Context(), req.UserID, req.CurrencyID, req.AmountUSD)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

// GetDeposit handles GET /api/v1/deposits/{depositID}
func (h *Handler) GetDeposit(w http.ResponseWriter, r *http.Request) {
	d, err := h.deposits.GetDeposit(r.Context(), chi.URLParam(r, "depositID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// ListUserDeposits handles GET /api/v1/users/{userID}/deposits
func (h *Handler) ListUserDeposits(w http.ResponseWriter, r *http.Request) {
	list, err := h.deposits.ListDeposits(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(list))
}

// CancelDeposit handles POST /api/v1/deposits/{depositID}/cancel
func (h *Handler) CancelDeposit(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	d, err := h.deposits.CancelDepositRequest(r.Context(), chi.URLParam(r, "depositID"), req.UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, d)
}

// ReconcileDeposit handles POST /api/v1/deposits/{depositID}/reconcile
func (h *Handler) ReconcileDeposit(w http.ResponseWriter, r *http.Request) {
	d, err := h.deposits.Reconcile(r.Context(), chi.URLParam(r, "depositID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// GatewayCallback handles POST /api/v1/gateway/ipn
func (h *Handler) GatewayCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBytes))
	if err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	d, err := h.deposits.HandleCallback(r.Context(), body, r.Header.Get(SignatureHeader))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deposit_id": d.ID, "status": string(d.Status)})
}

// --- Helpers ---

// decodeOptional decodes a JSON body if one was sent.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, gateway.ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrConflict), errors.Is(err, model.ErrAlreadyTerminal):
		return http.StatusConflict
	case errors.Is(err, model.ErrGatewayUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
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
