// Package handler содержит HTTP-обработчики API сервиса лояльности.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/loyalty-system/internal/middleware"
	"github.com/mmeshcher/loyalty-system/internal/model"
	"github.com/mmeshcher/loyalty-system/internal/repository"
	"github.com/mmeshcher/loyalty-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterStaff(ctx context.Context, login, password string) (int64, error)
	AuthenticateStaff(ctx context.Context, login, password string) (int64, error)
	GetBalance(ctx context.Context, memberID, organizationID int64) (int64, error)
	ListTransactions(ctx context.Context, memberID, organizationID int64, opts model.ListOptions) ([]model.Transaction, int64, error)
	Accrue(ctx context.Context, p service.AccrueParams) (*model.Transaction, error)
	RedeemReward(ctx context.Context, p service.RedeemParams) (*service.RedeemResult, error)
	CreateManualTransaction(ctx context.Context, p service.ManualParams) (*model.Transaction, error)
	ScanAccrue(ctx context.Context, organizationID int64, cardNumber string, amount int64, performedBy *int64) (*model.Transaction, error)
}

// Handler реализует HTTP-обработчики API сервиса лояльности.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// RegisterStaff обрабатывает регистрацию нового сотрудника.
func (h *Handler) RegisterStaff(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	staffID, err := h.service.RegisterStaff(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrStaffExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("register staff error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, staffID)
	w.WriteHeader(http.StatusOK)
}

// LoginStaff выполняет аутентификацию сотрудника и установку cookie.
func (h *Handler) LoginStaff(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	staffID, err := h.service.AuthenticateStaff(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrStaffNotFound) || err.Error() == "invalid credentials" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login staff error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, staffID)
	w.WriteHeader(http.StatusOK)
}

type balanceResponse struct {
	Balance int64 `json:"balance"`
}

// GetBalance возвращает баланс участника в организации.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	orgID, memberID, ok := h.pathIDs(w, r)
	if !ok {
		return
	}

	balance, err := h.service.GetBalance(r.Context(), memberID, orgID)
	if err != nil {
		h.writeServiceError(w, err, zap.Int64("memberID", memberID))
		return
	}

	h.writeJSON(w, balanceResponse{Balance: balance})
}

type transactionResponse struct {
	ID          int64             `json:"id"`
	Amount      int64             `json:"amount"`
	Kind        string            `json:"kind"`
	Method      string            `json:"method"`
	RewardID    *int64            `json:"reward_id,omitempty"`
	PerformedBy *int64            `json:"performed_by,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   string            `json:"created_at"`
}

type transactionListResponse struct {
	Transactions []transactionResponse `json:"transactions"`
	Total        int64                 `json:"total"`
	Page         int                   `json:"page"`
	Limit        int                   `json:"limit"`
}

// ListTransactions возвращает страницу транзакций участника.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	orgID, memberID, ok := h.pathIDs(w, r)
	if !ok {
		return
	}

	opts := model.ListOptions{
		Page:     queryInt(r, "page", 1),
		PageSize: queryInt(r, "limit", repository.DefaultPageSize),
		Kind:     model.TransactionKind(r.URL.Query().Get("kind")),
	}

	txns, total, err := h.service.ListTransactions(r.Context(), memberID, orgID, opts)
	if err != nil {
		h.writeServiceError(w, err, zap.Int64("memberID", memberID))
		return
	}

	resp := transactionListResponse{
		Transactions: make([]transactionResponse, 0, len(txns)),
		Total:        total,
		Page:         opts.Page,
		Limit:        opts.PageSize,
	}
	for _, t := range txns {
		resp.Transactions = append(resp.Transactions, toTransactionResponse(&t))
	}

	h.writeJSON(w, resp)
}

type accrueRequest struct {
	Amount   int64             `json:"amount"`
	Kind     string            `json:"kind"`
	Method   string            `json:"method"`
	Metadata map[string]string `json:"metadata"`
}

// Accrue начисляет баллы участнику от имени текущего сотрудника.
func (h *Handler) Accrue(w http.ResponseWriter, r *http.Request) {
	orgID, memberID, ok := h.pathIDs(w, r)
	if !ok {
		return
	}

	staffID, ok := middleware.GetStaffIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req accrueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	txn, err := h.service.Accrue(r.Context(), service.AccrueParams{
		MemberID:       memberID,
		OrganizationID: orgID,
		Amount:         req.Amount,
		Kind:           model.TransactionKind(req.Kind),
		Method:         model.TransactionMethod(req.Method),
		PerformedBy:    &staffID,
		Metadata:       req.Metadata,
	})
	if err != nil {
		h.writeServiceError(w, err, zap.Int64("memberID", memberID))
		return
	}

	h.writeJSON(w, toTransactionResponse(txn))
}

type redeemRequest struct {
	RewardID int64             `json:"reward_id"`
	Metadata map[string]string `json:"metadata"`
}

type redeemResponse struct {
	Transaction transactionResponse `json:"transaction"`
	Balance     int64               `json:"balance"`
}

// Redeem списывает вознаграждение за баллы участника.
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	orgID, memberID, ok := h.pathIDs(w, r)
	if !ok {
		return
	}

	staffID, ok := middleware.GetStaffIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req redeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.service.RedeemReward(r.Context(), service.RedeemParams{
		MemberID:       memberID,
		OrganizationID: orgID,
		RewardID:       req.RewardID,
		PerformedBy:    &staffID,
		Metadata:       req.Metadata,
	})
	if err != nil {
		h.writeServiceError(w, err,
			zap.Int64("memberID", memberID), zap.Int64("rewardID", req.RewardID))
		return
	}

	h.writeJSON(w, redeemResponse{
		Transaction: toTransactionResponse(res.Transaction),
		Balance:     res.Balance,
	})
}

type manualTransactionRequest struct {
	Amount   int64             `json:"amount"`
	Kind     string            `json:"kind"`
	RewardID *int64            `json:"reward_id"`
	Metadata map[string]string `json:"metadata"`
}

// CreateManualTransaction создаёт ручную запись начисления или корректировки.
func (h *Handler) CreateManualTransaction(w http.ResponseWriter, r *http.Request) {
	orgID, memberID, ok := h.pathIDs(w, r)
	if !ok {
		return
	}

	staffID, ok := middleware.GetStaffIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req manualTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	txn, err := h.service.CreateManualTransaction(r.Context(), service.ManualParams{
		MemberID:       memberID,
		OrganizationID: orgID,
		Amount:         req.Amount,
		Kind:           model.TransactionKind(req.Kind),
		RewardID:       req.RewardID,
		PerformedBy:    &staffID,
		Metadata:       req.Metadata,
	})
	if err != nil {
		h.writeServiceError(w, err, zap.Int64("memberID", memberID))
		return
	}

	h.writeJSON(w, toTransactionResponse(txn))
}

type scanRequest struct {
	CardNumber string `json:"card_number"`
	Amount     int64  `json:"amount"`
}

// Scan начисляет баллы по отсканированному номеру карты участника.
func (h *Handler) Scan(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.pathID(w, r, "orgID")
	if !ok {
		return
	}

	staffID, ok := middleware.GetStaffIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	txn, err := h.service.ScanAccrue(r.Context(), orgID, req.CardNumber, req.Amount, &staffID)
	if err != nil {
		h.writeServiceError(w, err, zap.String("card", req.CardNumber))
		return
	}

	h.writeJSON(w, toTransactionResponse(txn))
}

// writeServiceError переводит ошибку бизнес-логики в HTTP-статус.
// Текст конфликтных ошибок отдаётся клиенту как есть.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error, fields ...zap.Field) {
	switch {
	case errors.Is(err, repository.ErrInsufficientPoints):
		http.Error(w, err.Error(), http.StatusPaymentRequired)
	case errors.Is(err, repository.ErrConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, repository.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, repository.ErrInvalidCardNumber):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, repository.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		h.logger.Error("service error", append(fields, zap.Error(err))...)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func (h *Handler) pathIDs(w http.ResponseWriter, r *http.Request) (orgID, memberID int64, ok bool) {
	orgID, ok = h.pathID(w, r, "orgID")
	if !ok {
		return 0, 0, false
	}
	memberID, ok = h.pathID(w, r, "memberID")
	if !ok {
		return 0, 0, false
	}
	return orgID, memberID, true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	return n
}

func toTransactionResponse(t *model.Transaction) transactionResponse {
	return transactionResponse{
		ID:          t.ID,
		Amount:      t.Amount,
		Kind:        string(t.Kind),
		Method:      string(t.Method),
		RewardID:    t.RewardID,
		PerformedBy: t.PerformedBy,
		Metadata:    t.Metadata,
		CreatedAt:   t.CreatedAt.Format(time.RFC3339),
	}
}
