// Package model содержит доменные сущности сервиса лояльности.
package model

import "time"

// TransactionKind описывает смысловой тип движения баллов.
type TransactionKind string

const (
	KindEarn   TransactionKind = "earn"
	KindRedeem TransactionKind = "redeem"
	KindAdjust TransactionKind = "adjust"
)

// Valid сообщает, является ли значение допустимым типом транзакции.
func (k TransactionKind) Valid() bool {
	switch k {
	case KindEarn, KindRedeem, KindAdjust:
		return true
	}
	return false
}

// TransactionMethod описывает источник движения баллов.
type TransactionMethod string

const (
	MethodManual     TransactionMethod = "manual"
	MethodQRScan     TransactionMethod = "qr_scan"
	MethodRedemption TransactionMethod = "redemption"
	MethodSystem     TransactionMethod = "system"
	MethodPromotion  TransactionMethod = "promotion"
)

// Valid сообщает, является ли значение допустимым источником транзакции.
func (m TransactionMethod) Valid() bool {
	switch m {
	case MethodManual, MethodQRScan, MethodRedemption, MethodSystem, MethodPromotion:
		return true
	}
	return false
}

// Transaction описывает одно движение баллов в журнале.
// Записи неизменяемы: после создания транзакция не обновляется и не удаляется,
// баланс участника всегда вычисляется как сумма amount по его записям.
type Transaction struct {
	ID             int64
	MemberID       int64
	OrganizationID int64
	Amount         int64
	Kind           TransactionKind
	Method         TransactionMethod
	RewardID       *int64
	PerformedBy    *int64
	Metadata       map[string]string
	CreatedAt      time.Time
}

// Reward описывает позицию каталога вознаграждений.
// Quantity == nil означает неограниченный запас.
type Reward struct {
	ID             int64
	OrganizationID int64
	Name           string
	RewardType     string
	PointsCost     int64
	Quantity       *int64
	IsActive       bool
	ExpiresAt      *time.Time
	CreatedAt      time.Time
}

// IsExpired сообщает, истёк ли срок действия вознаграждения на момент now.
func (r *Reward) IsExpired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// Member представляет участника программы лояльности внутри организации.
type Member struct {
	ID             int64
	OrganizationID int64
	CardNumber     string
	Name           string
	CreatedAt      time.Time
}

// Staff представляет сотрудника, выполняющего операции от имени организации.
type Staff struct {
	ID           int64
	Login        string
	PasswordHash []byte
	CreatedAt    time.Time
}

// ListOptions задаёт параметры постраничной выборки транзакций.
// Kind == "" означает выборку без фильтра по типу.
type ListOptions struct {
	Page     int
	PageSize int
	Kind     TransactionKind
}
