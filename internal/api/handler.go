package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/punchamoorthee/bankcore/internal/domain"
	"github.com/punchamoorthee/bankcore/internal/service"
	"go.uber.org/zap"
)

type moneyMover interface {
	Transfer(ctx context.Context, req domain.TransferRequest) (*service.Result, error)
	Deposit(ctx context.Context, req domain.MovementRequest) (*service.Result, error)
	Withdraw(ctx context.Context, req domain.MovementRequest) (*service.Result, error)
}

type accountReader interface {
	OpenAccount(ctx context.Context, ownerID int64, accountType string) (domain.Account, error)
	Accounts(ctx context.Context, ownerID int64) ([]domain.Account, error)
	Account(ctx context.Context, ownerID, id int64) (domain.Account, error)
	History(ctx context.Context, ownerID int64, limit int) ([]domain.TransactionRecord, error)
}

type Handler struct {
	transfers  moneyMover
	accounts   accountReader
	log        *zap.Logger
	showErrors bool
}

// NewHandler wires the HTTP layer. showErrors exposes server-side error detail
// in responses and should only be set outside production.
func NewHandler(transfers moneyMover, accounts accountReader, log *zap.Logger, showErrors bool) *Handler {
	return &Handler{transfers: transfers, accounts: accounts, log: log, showErrors: showErrors}
}

// Amounts travel as JSON strings or numbers and are never decoded through float64.
type transferBody struct {
	FromAccountID   int64       `json:"from_account_id"`
	ToAccountID     int64       `json:"to_account_id"`
	ToAccountNumber string      `json:"to_account_number"`
	Amount          json.Number `json:"amount"`
}

type movementBody struct {
	AccountID int64       `json:"account_id"`
	Amount    json.Number `json:"amount"`
}

type openAccountBody struct {
	Type string `json:"type"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())

	var body transferBody
	if !h.decode(w, r, &body) {
		return
	}
	amount, err := domain.ParseAmount(body.Amount.String())
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	res, err := h.transfers.Transfer(r.Context(), domain.TransferRequest{
		UserID:          userID,
		FromAccountID:   body.FromAccountID,
		ToAccountID:     body.ToAccountID,
		ToAccountNumber: body.ToAccountNumber,
		Amount:          amount,
		IdempotencyKey:  r.Header.Get("Idempotency-Key"),
	})
	h.respondResult(w, r, res, err)
}

func (h *Handler) CreateDeposit(w http.ResponseWriter, r *http.Request) {
	h.movement(w, r, h.transfers.Deposit)
}

func (h *Handler) CreateWithdrawal(w http.ResponseWriter, r *http.Request) {
	h.movement(w, r, h.transfers.Withdraw)
}

func (h *Handler) movement(w http.ResponseWriter, r *http.Request, op func(context.Context, domain.MovementRequest) (*service.Result, error)) {
	userID, _ := UserID(r.Context())

	var body movementBody
	if !h.decode(w, r, &body) {
		return
	}
	amount, err := domain.ParseAmount(body.Amount.String())
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	res, err := op(r.Context(), domain.MovementRequest{
		UserID:         userID,
		AccountID:      body.AccountID,
		Amount:         amount,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	h.respondResult(w, r, res, err)
}

func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())

	var body openAccountBody
	if r.ContentLength != 0 && !h.decode(w, r, &body) {
		return
	}

	acc, err := h.accounts.OpenAccount(r.Context(), userID, body.Type)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, acc)
}

func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())

	accounts, err := h.accounts.Accounts(r.Context(), userID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if accounts == nil {
		accounts = []domain.Account{}
	}
	writeJSON(w, http.StatusOK, accounts)
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())

	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid account id"})
		return
	}

	acc, err := h.accounts.Account(r.Context(), userID, id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid limit"})
			return
		}
		limit = n
	}

	records, err := h.accounts.History(r.Context(), userID, limit)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if records == nil {
		records = []domain.TransactionRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// Helpers
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.log.Warn("error decoding request body", zap.String("request_id", RequestID(r.Context())), zap.Error(err))
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON"})
		return false
	}
	return true
}

func (h *Handler) respondResult(w http.ResponseWriter, r *http.Request, res *service.Result, err error) {
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if res.Replayed {
		w.Header().Set("Idempotent-Replayed", "true")
		writeJSON(w, http.StatusOK, res)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code >= http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("request_id", RequestID(r.Context())), zap.Error(err))
		switch {
		case code == http.StatusServiceUnavailable:
			w.Header().Set("Retry-After", "1")
			if !h.showErrors {
				msg = "Service busy, retry later"
			}
		case !h.showErrors:
			msg = "Internal Server Error"
		}
	}
	writeJSON(w, code, map[string]string{"error": msg})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrSelfTransfer),
		errors.Is(err, domain.ErrInsufficientFunds),
		errors.Is(err, domain.ErrIdempotencyMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrIdempotencyConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrBusy), errors.Is(err, domain.ErrTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}
