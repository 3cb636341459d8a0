// Package service реализует бизнес-логику сервиса лояльности.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/mmeshcher/loyalty-system/internal/events"
	"github.com/mmeshcher/loyalty-system/internal/model"
	"github.com/mmeshcher/loyalty-system/internal/repository"
	"github.com/mmeshcher/loyalty-system/internal/validation"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateStaff(ctx context.Context, login string, passwordHash []byte) (int64, error)
	GetStaffByLogin(ctx context.Context, login string) (*model.Staff, error)
	FindMember(ctx context.Context, memberID, organizationID int64) (*model.Member, error)
	FindMemberByCard(ctx context.Context, organizationID int64, cardNumber string) (*model.Member, error)
	FindReward(ctx context.Context, rewardID, organizationID int64) (*model.Reward, error)
	AppendTransaction(ctx context.Context, t *model.Transaction) error
	SumAmounts(ctx context.Context, memberID, organizationID int64) (int64, error)
	ListTransactions(ctx context.Context, memberID, organizationID int64, opts model.ListOptions) ([]model.Transaction, int64, error)
	RedeemReward(ctx context.Context, memberID, organizationID, rewardID int64, performedBy *int64, metadata map[string]string) (*model.Transaction, int64, error)
	GetUnnotifiedTransactions(ctx context.Context, limit int) ([]model.Transaction, error)
	MarkTransactionNotified(ctx context.Context, id int64) error
}

// Service содержит бизнес-логику сервиса лояльности.
type Service struct {
	repo         Repository
	eventsClient *events.Client
}

// NewService создаёт новый сервис с указанным репозиторием и клиентом системы событий.
func NewService(repo Repository, eventsClient *events.Client) *Service {
	return &Service{
		repo:         repo,
		eventsClient: eventsClient,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterStaff регистрирует нового сотрудника.
func (s *Service) RegisterStaff(ctx context.Context, login, password string) (int64, error) {
	if login == "" || password == "" {
		return 0, fmt.Errorf("%w: login and password are required", repository.ErrValidation)
	}

	hashed := hashPassword(login, password)
	return s.repo.CreateStaff(ctx, login, hashed)
}

// AuthenticateStaff проверяет логин и пароль сотрудника и возвращает его идентификатор.
func (s *Service) AuthenticateStaff(ctx context.Context, login, password string) (int64, error) {
	st, err := s.repo.GetStaffByLogin(ctx, login)
	if err != nil {
		return 0, err
	}

	hashed := hashPassword(login, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(st.PasswordHash) {
		return 0, errors.New("invalid credentials")
	}

	return st.ID, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

// GetBalance возвращает баланс участника в организации.
// Баланс всегда вычисляется как сумма движений по журналу, кэшированного
// счётчика нет; для участника без транзакций возвращается 0.
func (s *Service) GetBalance(ctx context.Context, memberID, organizationID int64) (int64, error) {
	return s.repo.SumAmounts(ctx, memberID, organizationID)
}

// ListTransactions возвращает страницу транзакций участника и общее количество записей.
func (s *Service) ListTransactions(ctx context.Context, memberID, organizationID int64, opts model.ListOptions) ([]model.Transaction, int64, error) {
	if opts.Kind != "" && !opts.Kind.Valid() {
		return nil, 0, fmt.Errorf("%w: %q", repository.ErrInvalidKind, opts.Kind)
	}
	return s.repo.ListTransactions(ctx, memberID, organizationID, opts)
}

// AccrueParams описывает параметры начисления баллов.
type AccrueParams struct {
	MemberID       int64
	OrganizationID int64
	Amount         int64
	Kind           model.TransactionKind
	Method         model.TransactionMethod
	PerformedBy    *int64
	Metadata       map[string]string
}

// Accrue начисляет баллы участнику. По умолчанию kind = earn, method = manual.
// Отрицательная сумма допустима только для корректировок (kind = adjust).
// Операция не идемпотентна на уровне запроса: повтор создаст вторую запись.
func (s *Service) Accrue(ctx context.Context, p AccrueParams) (*model.Transaction, error) {
	if p.Kind == "" {
		p.Kind = model.KindEarn
	}
	if p.Method == "" {
		p.Method = model.MethodManual
	}

	if p.Amount == 0 {
		return nil, repository.ErrInvalidAmount
	}
	if !p.Kind.Valid() || p.Kind == model.KindRedeem {
		return nil, fmt.Errorf("%w: %q", repository.ErrInvalidKind, p.Kind)
	}
	if !p.Method.Valid() {
		return nil, fmt.Errorf("%w: %q", repository.ErrInvalidMethod, p.Method)
	}
	if p.Amount < 0 && p.Kind != model.KindAdjust {
		return nil, fmt.Errorf("%w: negative amount requires adjust kind", repository.ErrValidation)
	}

	if _, err := s.repo.FindMember(ctx, p.MemberID, p.OrganizationID); err != nil {
		return nil, err
	}

	t := &model.Transaction{
		MemberID:       p.MemberID,
		OrganizationID: p.OrganizationID,
		Amount:         p.Amount,
		Kind:           p.Kind,
		Method:         p.Method,
		PerformedBy:    p.PerformedBy,
		Metadata:       p.Metadata,
	}

	if err := s.repo.AppendTransaction(ctx, t); err != nil {
		return nil, err
	}

	return t, nil
}

// RedeemParams описывает параметры списания вознаграждения.
type RedeemParams struct {
	MemberID       int64
	OrganizationID int64
	RewardID       int64
	PerformedBy    *int64
	Metadata       map[string]string
}

// RedeemResult содержит созданную запись списания и баланс после него.
type RedeemResult struct {
	Transaction *model.Transaction
	Balance     int64
}

// RedeemReward списывает вознаграждение за баллы участника.
//
// Предварительные проверки (доступность, запас, баланс) выполняются на данных,
// прочитанных до списания; репозиторий повторяет их атомарно непосредственно
// перед фиксацией, поэтому конкурентные списания не приводят к перепродаже
// и к отрицательному балансу. Итоговый баланс вычисляется арифметически от
// значения, проверенного под блокировкой, без повторного чтения.
// Операция не идемпотентна на уровне запроса: повтор после таймаута может
// списать баллы дважды.
func (s *Service) RedeemReward(ctx context.Context, p RedeemParams) (*RedeemResult, error) {
	if _, err := s.repo.FindMember(ctx, p.MemberID, p.OrganizationID); err != nil {
		return nil, err
	}

	reward, err := s.repo.FindReward(ctx, p.RewardID, p.OrganizationID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if !reward.IsActive || reward.IsExpired(now) {
		return nil, repository.ErrRewardNotAvailable
	}
	if reward.Quantity != nil && *reward.Quantity <= 0 {
		return nil, repository.ErrOutOfStock
	}

	balance, err := s.repo.SumAmounts(ctx, p.MemberID, p.OrganizationID)
	if err != nil {
		return nil, err
	}
	if balance < reward.PointsCost {
		return nil, repository.ErrInsufficientPoints
	}

	// Снимок вознаграждения фиксируется в метаданных: последующие правки
	// каталога не должны менять смысл уже записанной операции.
	metadata := make(map[string]string, len(p.Metadata)+2)
	for k, v := range p.Metadata {
		metadata[k] = v
	}
	metadata["reward_name"] = reward.Name
	if reward.RewardType != "" {
		metadata["reward_type"] = reward.RewardType
	}

	txn, balanceBefore, err := s.repo.RedeemReward(ctx, p.MemberID, p.OrganizationID, p.RewardID, p.PerformedBy, metadata)
	if err != nil {
		return nil, err
	}

	return &RedeemResult{
		Transaction: txn,
		Balance:     balanceBefore + txn.Amount,
	}, nil
}

// ManualParams описывает параметры ручной транзакции.
type ManualParams struct {
	MemberID       int64
	OrganizationID int64
	Amount         int64
	Kind           model.TransactionKind
	RewardID       *int64
	PerformedBy    *int64
	Metadata       map[string]string
}

// CreateManualTransaction создаёт ручную запись начисления или корректировки.
// Знак суммы задаёт вызывающая сторона; допустимые типы — earn и adjust.
func (s *Service) CreateManualTransaction(ctx context.Context, p ManualParams) (*model.Transaction, error) {
	if p.Amount == 0 {
		return nil, repository.ErrInvalidAmount
	}
	if p.Kind != model.KindEarn && p.Kind != model.KindAdjust {
		return nil, fmt.Errorf("%w: %q", repository.ErrInvalidKind, p.Kind)
	}

	if _, err := s.repo.FindMember(ctx, p.MemberID, p.OrganizationID); err != nil {
		return nil, err
	}

	t := &model.Transaction{
		MemberID:       p.MemberID,
		OrganizationID: p.OrganizationID,
		Amount:         p.Amount,
		Kind:           p.Kind,
		Method:         model.MethodManual,
		RewardID:       p.RewardID,
		PerformedBy:    p.PerformedBy,
		Metadata:       p.Metadata,
	}

	if err := s.repo.AppendTransaction(ctx, t); err != nil {
		return nil, err
	}

	return t, nil
}

// ScanAccrue начисляет баллы по отсканированному номеру карты участника.
func (s *Service) ScanAccrue(ctx context.Context, organizationID int64, cardNumber string, amount int64, performedBy *int64) (*model.Transaction, error) {
	if !validation.IsValidCardNumber(cardNumber) {
		return nil, fmt.Errorf("%w: %q", repository.ErrInvalidCardNumber, cardNumber)
	}

	member, err := s.repo.FindMemberByCard(ctx, organizationID, cardNumber)
	if err != nil {
		return nil, err
	}

	return s.Accrue(ctx, AccrueParams{
		MemberID:       member.ID,
		OrganizationID: organizationID,
		Amount:         amount,
		Kind:           model.KindEarn,
		Method:         model.MethodQRScan,
		PerformedBy:    performedBy,
		Metadata:       map[string]string{"card_number": cardNumber},
	})
}

// StartEventDispatch запускает фоновую отправку зафиксированных транзакций
// во внешнюю систему событий.
func (s *Service) StartEventDispatch(ctx context.Context) {
	if s.eventsClient == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.dispatchEventBatch(ctx)
			}
		}
	}()
}

func (s *Service) dispatchEventBatch(ctx context.Context) {
	txns, err := s.repo.GetUnnotifiedTransactions(ctx, 100)
	if err != nil {
		return
	}

	for _, t := range txns {
		statusCode, retryAfter, err := s.eventsClient.SendTransaction(ctx, events.NewEvent(t))
		if err != nil {
			continue
		}

		if statusCode == 429 {
			if retryAfter > 0 {
				timer := time.NewTimer(retryAfter)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			}
			continue
		}

		_ = s.repo.MarkTransactionNotified(ctx, t.ID)
	}
}
