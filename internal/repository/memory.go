package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mmeshcher/loyalty-system/internal/model"
)

// MemoryRepository хранит данные в памяти процесса. Используется в тестах и
// при запуске без БД.
//
// Списание вознаграждения выполняется в режиме компенсирующих действий:
// запись журнала добавляется первой, затем уменьшается остаток; при сбое
// второго шага первая запись удаляется, и наружу отдаётся исходная ошибка.
// Проверка остатка и баланса, добавление записи и уменьшение остатка
// выполняются под одним мьютексом, поэтому при конкурентных списаниях
// последнего экземпляра успешным окажется ровно одно.
type MemoryRepository struct {
	mu sync.Mutex

	// DecrementFailure позволяет имитировать сбой шага уменьшения остатка.
	DecrementFailure func(rewardID int64) error

	staff        map[string]*model.Staff
	members      map[int64]*model.Member
	rewards      map[int64]*model.Reward
	transactions []*model.Transaction
	// pending содержит идентификаторы записей в состоянии ledger-written:
	// запись журнала добавлена, остаток ещё не уменьшен.
	pending  map[int64]struct{}
	notified map[int64]time.Time

	nextStaffID  int64
	nextMemberID int64
	nextRewardID int64
	nextTxID     int64
}

// NewMemoryRepository создаёт пустой репозиторий в памяти.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		staff:    make(map[string]*model.Staff),
		members:  make(map[int64]*model.Member),
		rewards:  make(map[int64]*model.Reward),
		pending:  make(map[int64]struct{}),
		notified: make(map[int64]time.Time),
	}
}

// Close освобождает ресурсы репозитория.
func (r *MemoryRepository) Close() error {
	return nil
}

// AddMember добавляет участника и возвращает его идентификатор.
func (r *MemoryRepository) AddMember(m model.Member) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextMemberID++
	m.ID = r.nextMemberID
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	r.members[m.ID] = &m
	return m.ID
}

// AddReward добавляет вознаграждение и возвращает его идентификатор.
func (r *MemoryRepository) AddReward(rw model.Reward) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextRewardID++
	rw.ID = r.nextRewardID
	if rw.CreatedAt.IsZero() {
		rw.CreatedAt = time.Now()
	}
	if rw.Quantity != nil {
		q := *rw.Quantity
		rw.Quantity = &q
	}
	r.rewards[rw.ID] = &rw
	return rw.ID
}

// CreateStaff создаёт нового сотрудника.
func (r *MemoryRepository) CreateStaff(ctx context.Context, login string, passwordHash []byte) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.staff[login]; ok {
		return 0, fmt.Errorf("%w: %s", ErrStaffExists, login)
	}

	r.nextStaffID++
	r.staff[login] = &model.Staff{
		ID:           r.nextStaffID,
		Login:        login,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now(),
	}
	return r.nextStaffID, nil
}

// GetStaffByLogin возвращает сотрудника по логину.
func (r *MemoryRepository) GetStaffByLogin(ctx context.Context, login string) (*model.Staff, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.staff[login]
	if !ok {
		return nil, ErrStaffNotFound
	}
	cp := *s
	return &cp, nil
}

// FindMember возвращает участника по идентификатору в рамках организации.
func (r *MemoryRepository) FindMember(ctx context.Context, memberID, organizationID int64) (*model.Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[memberID]
	if !ok || m.OrganizationID != organizationID {
		return nil, ErrMemberNotFound
	}
	cp := *m
	return &cp, nil
}

// FindMemberByCard возвращает участника по номеру карты в рамках организации.
func (r *MemoryRepository) FindMemberByCard(ctx context.Context, organizationID int64, cardNumber string) (*model.Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range r.members {
		if m.OrganizationID == organizationID && m.CardNumber == cardNumber {
			cp := *m
			return &cp, nil
		}
	}
	return nil, ErrMemberNotFound
}

// FindReward возвращает вознаграждение по идентификатору в рамках организации.
func (r *MemoryRepository) FindReward(ctx context.Context, rewardID, organizationID int64) (*model.Reward, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rw, ok := r.rewards[rewardID]
	if !ok || rw.OrganizationID != organizationID {
		return nil, ErrRewardNotFound
	}
	return cloneReward(rw), nil
}

// AppendTransaction проверяет инварианты записи и добавляет её в журнал.
func (r *MemoryRepository) AppendTransaction(ctx context.Context, t *model.Transaction) error {
	if err := validateTransaction(t); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.appendLocked(t)
	return nil
}

func (r *MemoryRepository) appendLocked(t *model.Transaction) {
	r.nextTxID++
	t.ID = r.nextTxID
	t.CreatedAt = time.Now()

	cp := *t
	r.transactions = append(r.transactions, &cp)
}

// SumAmounts возвращает сумму движений баллов участника в организации.
func (r *MemoryRepository) SumAmounts(ctx context.Context, memberID, organizationID int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.sumLocked(memberID, organizationID), nil
}

func (r *MemoryRepository) sumLocked(memberID, organizationID int64) int64 {
	var sum int64
	for _, t := range r.transactions {
		if t.MemberID == memberID && t.OrganizationID == organizationID {
			sum += t.Amount
		}
	}
	return sum
}

// ListTransactions возвращает страницу транзакций участника, упорядоченную по
// времени создания по убыванию, и общее количество записей под фильтром.
func (r *MemoryRepository) ListTransactions(ctx context.Context, memberID, organizationID int64, opts model.ListOptions) ([]model.Transaction, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var filtered []*model.Transaction
	for _, t := range r.transactions {
		if t.MemberID != memberID || t.OrganizationID != organizationID {
			continue
		}
		if opts.Kind != "" && t.Kind != opts.Kind {
			continue
		}
		filtered = append(filtered, t)
	}

	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].CreatedAt.Equal(filtered[j].CreatedAt) {
			return filtered[i].ID > filtered[j].ID
		}
		return filtered[i].CreatedAt.After(filtered[j].CreatedAt)
	})

	total := int64(len(filtered))

	page := opts.Page
	if page < 1 {
		page = 1
	}
	pageSize := opts.PageSize
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}

	start := (page - 1) * pageSize
	if start >= len(filtered) {
		return nil, total, nil
	}
	end := start + pageSize
	if end > len(filtered) {
		end = len(filtered)
	}

	res := make([]model.Transaction, 0, end-start)
	for _, t := range filtered[start:end] {
		res = append(res, *t)
	}
	return res, total, nil
}

// RedeemReward списывает вознаграждение в режиме компенсирующих действий:
// повторная проверка остатка и баланса, запись журнала, уменьшение остатка.
// При сбое уменьшения добавленная запись удаляется, ошибка отдаётся наружу.
// Возвращает созданную запись и баланс участника до списания.
func (r *MemoryRepository) RedeemReward(ctx context.Context, memberID, organizationID, rewardID int64, performedBy *int64, metadata map[string]string) (*model.Transaction, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rw, ok := r.rewards[rewardID]
	if !ok || rw.OrganizationID != organizationID {
		return nil, 0, ErrRewardNotFound
	}

	now := time.Now()
	if !rw.IsActive || rw.IsExpired(now) {
		return nil, 0, ErrRewardNotAvailable
	}
	if rw.Quantity != nil && *rw.Quantity <= 0 {
		return nil, 0, ErrOutOfStock
	}

	balanceBefore := r.sumLocked(memberID, organizationID)
	if balanceBefore < rw.PointsCost {
		return nil, 0, ErrInsufficientPoints
	}

	t := &model.Transaction{
		MemberID:       memberID,
		OrganizationID: organizationID,
		Amount:         -rw.PointsCost,
		Kind:           model.KindRedeem,
		Method:         model.MethodRedemption,
		RewardID:       &rewardID,
		PerformedBy:    performedBy,
		Metadata:       metadata,
	}

	// Первая запись: журнал. До уменьшения остатка запись числится
	// в состоянии ledger-written.
	r.appendLocked(t)
	r.pending[t.ID] = struct{}{}

	// Вторая запись: остаток. При сбое компенсируем первую.
	if r.DecrementFailure != nil {
		if err := r.DecrementFailure(rewardID); err != nil {
			r.removeTransactionLocked(t.ID)
			delete(r.pending, t.ID)
			return nil, 0, fmt.Errorf("%w: decrement quantity: %w", ErrStorage, err)
		}
	}

	if rw.Quantity != nil {
		*rw.Quantity--
	}
	delete(r.pending, t.ID)

	cp := *t
	return &cp, balanceBefore, nil
}

func (r *MemoryRepository) removeTransactionLocked(id int64) {
	for i, t := range r.transactions {
		if t.ID == id {
			r.transactions = append(r.transactions[:i], r.transactions[i+1:]...)
			return
		}
	}
}

// RecoverOrphans удаляет записи журнала, оставшиеся в состоянии ledger-written
// после сбоя между двумя шагами списания, и возвращает их количество.
func (r *MemoryRepository) RecoverOrphans() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id := range r.pending {
		r.removeTransactionLocked(id)
		delete(r.pending, id)
		n++
	}
	return n
}

// GetUnnotifiedTransactions возвращает транзакции, ещё не отправленные во внешнюю систему событий.
func (r *MemoryRepository) GetUnnotifiedTransactions(ctx context.Context, limit int) ([]model.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.Transaction
	for _, t := range r.transactions {
		if _, ok := r.notified[t.ID]; ok {
			continue
		}
		res = append(res, *t)
		if len(res) >= limit {
			break
		}
	}
	return res, nil
}

// MarkTransactionNotified отмечает транзакцию как отправленную.
func (r *MemoryRepository) MarkTransactionNotified(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.notified[id] = time.Now()
	return nil
}

func cloneReward(rw *model.Reward) *model.Reward {
	cp := *rw
	if rw.Quantity != nil {
		q := *rw.Quantity
		cp.Quantity = &q
	}
	if rw.ExpiresAt != nil {
		e := *rw.ExpiresAt
		cp.ExpiresAt = &e
	}
	return &cp
}
