package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/loyalty-system/internal/middleware"
	"github.com/mmeshcher/loyalty-system/internal/model"
	"github.com/mmeshcher/loyalty-system/internal/repository"
	"github.com/mmeshcher/loyalty-system/internal/service"
)

type stubService struct {
	registerErr error
	balance     int64
	balanceErr  error

	listTxns []model.Transaction
	listErr  error
	gotOpts  model.ListOptions

	accrueTxn *model.Transaction
	accrueErr error
	gotAccrue service.AccrueParams

	redeemRes *service.RedeemResult
	redeemErr error
	gotRedeem service.RedeemParams

	manualTxn *model.Transaction
	manualErr error

	scanTxn *model.Transaction
	scanErr error
}

func (s *stubService) RegisterStaff(ctx context.Context, login, password string) (int64, error) {
	if s.registerErr != nil {
		return 0, s.registerErr
	}
	return 1, nil
}

func (s *stubService) AuthenticateStaff(ctx context.Context, login, password string) (int64, error) {
	if login == "cashier" && password == "pass" {
		return 1, nil
	}
	return 0, fmt.Errorf("invalid credentials")
}

func (s *stubService) GetBalance(ctx context.Context, memberID, organizationID int64) (int64, error) {
	return s.balance, s.balanceErr
}

func (s *stubService) ListTransactions(ctx context.Context, memberID, organizationID int64, opts model.ListOptions) ([]model.Transaction, int64, error) {
	s.gotOpts = opts
	return s.listTxns, int64(len(s.listTxns)), s.listErr
}

func (s *stubService) Accrue(ctx context.Context, p service.AccrueParams) (*model.Transaction, error) {
	s.gotAccrue = p
	return s.accrueTxn, s.accrueErr
}

func (s *stubService) RedeemReward(ctx context.Context, p service.RedeemParams) (*service.RedeemResult, error) {
	s.gotRedeem = p
	return s.redeemRes, s.redeemErr
}

func (s *stubService) CreateManualTransaction(ctx context.Context, p service.ManualParams) (*model.Transaction, error) {
	return s.manualTxn, s.manualErr
}

func (s *stubService) ScanAccrue(ctx context.Context, organizationID int64, cardNumber string, amount int64, performedBy *int64) (*model.Transaction, error) {
	return s.scanTxn, s.scanErr
}

func newTestHandler(stub *stubService) (*Handler, *middleware.AuthMiddleware) {
	auth := middleware.NewAuthMiddleware("test-secret")
	return NewHandler(stub, zap.NewNop(), auth), auth
}

func authCookie(t *testing.T, auth *middleware.AuthMiddleware) *http.Cookie {
	t.Helper()

	rec := httptest.NewRecorder()
	auth.SetAuthCookie(rec, 42)

	cookies := rec.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("cookies = %d, want 1", len(cookies))
	}
	return cookies[0]
}

func doRequest(t *testing.T, h *Handler, auth *middleware.AuthMiddleware, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, target, reader)
	if auth != nil {
		req.AddCookie(authCookie(t, auth))
	}

	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, req)
	return rec
}

func TestGetBalance(t *testing.T) {
	stub := &stubService{balance: 200}
	h, auth := newTestHandler(stub)

	rec := doRequest(t, h, auth, http.MethodGet, "/api/orgs/1/members/2/balance", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp balanceResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Balance != 200 {
		t.Fatalf("balance = %d, want 200", resp.Balance)
	}
}

func TestGetBalance_WithoutCookie(t *testing.T) {
	stub := &stubService{balance: 200}
	h, _ := newTestHandler(stub)

	rec := doRequest(t, h, nil, http.MethodGet, "/api/orgs/1/members/2/balance", "")

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestGetBalance_BadPathID(t *testing.T) {
	stub := &stubService{}
	h, auth := newTestHandler(stub)

	rec := doRequest(t, h, auth, http.MethodGet, "/api/orgs/1/members/abc/balance", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	rec = doRequest(t, h, auth, http.MethodGet, "/api/orgs/0/members/2/balance", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestGetBalance_MemberNotFound(t *testing.T) {
	stub := &stubService{balanceErr: repository.ErrMemberNotFound}
	h, auth := newTestHandler(stub)

	rec := doRequest(t, h, auth, http.MethodGet, "/api/orgs/1/members/2/balance", "")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestListTransactions_QueryOptions(t *testing.T) {
	stub := &stubService{
		listTxns: []model.Transaction{
			{ID: 1, Amount: 100, Kind: model.KindEarn, Method: model.MethodManual, CreatedAt: time.Now()},
		},
	}
	h, auth := newTestHandler(stub)

	rec := doRequest(t, h, auth, http.MethodGet,
		"/api/orgs/1/members/2/transactions?page=2&limit=5&kind=earn", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if stub.gotOpts.Page != 2 || stub.gotOpts.PageSize != 5 || stub.gotOpts.Kind != model.KindEarn {
		t.Fatalf("options = %+v, want page 2, limit 5, kind earn", stub.gotOpts)
	}

	var resp transactionListResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Total != 1 || len(resp.Transactions) != 1 {
		t.Fatalf("response = %+v, want one transaction", resp)
	}
	if resp.Page != 2 || resp.Limit != 5 {
		t.Fatalf("page = %d, limit = %d, want 2 and 5", resp.Page, resp.Limit)
	}
}

func TestAccrue(t *testing.T) {
	stub := &stubService{
		accrueTxn: &model.Transaction{
			ID: 7, Amount: 100, Kind: model.KindEarn, Method: model.MethodManual, CreatedAt: time.Now(),
		},
	}
	h, auth := newTestHandler(stub)

	rec := doRequest(t, h, auth, http.MethodPost, "/api/orgs/1/members/2/accrue",
		`{"amount": 100}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if stub.gotAccrue.MemberID != 2 || stub.gotAccrue.OrganizationID != 1 {
		t.Fatalf("params = %+v, want member 2 org 1", stub.gotAccrue)
	}
	if stub.gotAccrue.PerformedBy == nil || *stub.gotAccrue.PerformedBy != 42 {
		t.Fatalf("performed_by = %v, want 42 from cookie", stub.gotAccrue.PerformedBy)
	}
}

func TestAccrue_BadJSON(t *testing.T) {
	stub := &stubService{}
	h, auth := newTestHandler(stub)

	rec := doRequest(t, h, auth, http.MethodPost, "/api/orgs/1/members/2/accrue", `{"amount":`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestRedeem_StatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantText   string
	}{
		{"insufficient points", repository.ErrInsufficientPoints, http.StatusPaymentRequired, "insufficient points"},
		{"out of stock", repository.ErrOutOfStock, http.StatusConflict, "out of stock"},
		{"reward not available", repository.ErrRewardNotAvailable, http.StatusConflict, "not available"},
		{"reward not found", repository.ErrRewardNotFound, http.StatusNotFound, "not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &stubService{redeemErr: tt.err}
			h, auth := newTestHandler(stub)

			rec := doRequest(t, h, auth, http.MethodPost, "/api/orgs/1/members/2/redeem",
				`{"reward_id": 3}`)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if !strings.Contains(rec.Body.String(), tt.wantText) {
				t.Fatalf("body = %q, want %q", rec.Body.String(), tt.wantText)
			}
		})
	}
}

func TestRedeem_Success(t *testing.T) {
	rewardID := int64(3)
	stub := &stubService{
		redeemRes: &service.RedeemResult{
			Transaction: &model.Transaction{
				ID: 9, Amount: -250, Kind: model.KindRedeem, Method: model.MethodRedemption,
				RewardID: &rewardID, CreatedAt: time.Now(),
			},
			Balance: 250,
		},
	}
	h, auth := newTestHandler(stub)

	rec := doRequest(t, h, auth, http.MethodPost, "/api/orgs/1/members/2/redeem",
		`{"reward_id": 3}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if stub.gotRedeem.RewardID != 3 {
		t.Fatalf("reward id = %d, want 3", stub.gotRedeem.RewardID)
	}

	var resp redeemResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Balance != 250 || resp.Transaction.Amount != -250 {
		t.Fatalf("response = %+v, want balance 250 and amount -250", resp)
	}
}

func TestScan_InvalidCardNumber(t *testing.T) {
	stub := &stubService{scanErr: repository.ErrInvalidCardNumber}
	h, auth := newTestHandler(stub)

	rec := doRequest(t, h, auth, http.MethodPost, "/api/orgs/1/scan",
		`{"card_number": "12345678901", "amount": 50}`)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
}

func TestRegisterStaff(t *testing.T) {
	stub := &stubService{}
	h, _ := newTestHandler(stub)

	rec := doRequest(t, h, nil, http.MethodPost, "/api/staff/register",
		`{"login": "cashier", "password": "pass"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(rec.Result().Cookies()) != 1 {
		t.Fatalf("registration must set auth cookie")
	}
}

func TestRegisterStaff_Conflict(t *testing.T) {
	stub := &stubService{registerErr: repository.ErrStaffExists}
	h, _ := newTestHandler(stub)

	rec := doRequest(t, h, nil, http.MethodPost, "/api/staff/register",
		`{"login": "cashier", "password": "pass"}`)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestLoginStaff(t *testing.T) {
	stub := &stubService{}
	h, _ := newTestHandler(stub)

	rec := doRequest(t, h, nil, http.MethodPost, "/api/staff/login",
		`{"login": "cashier", "password": "pass"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	rec = doRequest(t, h, nil, http.MethodPost, "/api/staff/login",
		`{"login": "cashier", "password": "wrong"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	rec = doRequest(t, h, nil, http.MethodPost, "/api/staff/login",
		`{"login": "", "password": ""}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
