package rest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/JoeShih716/go-transfer-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-transfer-ledger/internal/app/core/usecase"
)

// TimeLayout 轉帳時間格式 (UTC，毫秒)
const TimeLayout = "2006-01-02T15:04:05.000Z"

const maxBodyBytes = 1 << 20

type Handler struct {
	engine *usecase.TransferEngine
}

func NewHandler(engine *usecase.TransferEngine) *Handler {
	return &Handler{engine: engine}
}

// Amount 接受 JSON 數字 (1904.00) 或字串 ("1904.00")
type Amount struct {
	decimal.Decimal
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	d, err := decimal.NewFromString(string(data))
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", data, err)
	}
	a.Decimal = d
	return nil
}

type transferRequest struct {
	RequestID     uuid.UUID `json:"requestId"`
	FromAccountID uuid.UUID `json:"fromAccountId"`
	ToAccountID   uuid.UUID `json:"toAccountId"`
	Amount        *Amount   `json:"amount"`
}

type transferResponse struct {
	RequestID uuid.UUID   `json:"requestId"`
	Amount    json.Number `json:"amount"`
	At        string      `json:"at"`
}

type accountResponse struct {
	ID      uuid.UUID   `json:"id"`
	Name    string      `json:"name"`
	Balance json.Number `json:"balance"`
}

type accountItem struct {
	ID uuid.UUID `json:"id"`
}

type listAccountsResponse struct {
	Results []accountItem `json:"results"`
}

func (h *Handler) handleHealthcheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("UP"))
}

func (h *Handler) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.engine.ListAccounts(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := listAccountsResponse{Results: make([]accountItem, 0, len(accounts))}
	for _, acc := range accounts {
		resp.Results = append(resp.Results, accountItem{ID: acc.ID})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeBadRequest(w, r, fmt.Errorf("invalid account id: %w", err))
		return
	}
	account, found, err := h.engine.GetAccount(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !found {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, accountResponse{
		ID:      account.ID,
		Name:    account.Name,
		Balance: json.Number(domain.FormatAmount(account.Balance)),
	})
}

func (h *Handler) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeBadRequest(w, r, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if err := req.validate(); err != nil {
		writeBadRequest(w, r, err)
		return
	}

	transfer, err := h.engine.Transfer(r.Context(), req.RequestID, req.FromAccountID, req.ToAccountID, req.Amount.Decimal)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, transferResponse{
		RequestID: transfer.RequestID,
		Amount:    json.Number(domain.FormatAmount(transfer.Amount)),
		At:        transfer.CreatedAt.UTC().Format(TimeLayout),
	})
}

func (req *transferRequest) validate() error {
	switch {
	case req.RequestID == uuid.Nil:
		return errors.New("requestId is required")
	case req.FromAccountID == uuid.Nil:
		return errors.New("fromAccountId is required")
	case req.ToAccountID == uuid.Nil:
		return errors.New("toAccountId is required")
	case req.Amount == nil:
		return errors.New("amount is required")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
