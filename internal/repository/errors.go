package repository

import (
	"errors"
	"fmt"
)

// Базовые классы ошибок. Конкретные ошибки ниже оборачивают один из классов,
// поэтому принадлежность проверяется через errors.Is.
var (
	// ErrValidation возвращается при некорректных входных данных запроса.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound возвращается, если запрошенная сущность отсутствует в организации.
	ErrNotFound = errors.New("not found")
	// ErrConflict возвращается при нарушении бизнес-правила текущим состоянием данных.
	ErrConflict = errors.New("conflict")
	// ErrStorage возвращается при сбое хранилища.
	ErrStorage = errors.New("storage failure")
)

var (
	// ErrMemberNotFound возвращается, если участник не найден в организации.
	ErrMemberNotFound = fmt.Errorf("%w: member not found in organization", ErrNotFound)
	// ErrRewardNotFound возвращается, если вознаграждение не найдено в организации.
	ErrRewardNotFound = fmt.Errorf("%w: reward not found", ErrNotFound)
	// ErrStaffNotFound возвращается, если сотрудник не найден.
	ErrStaffNotFound = fmt.Errorf("%w: staff not found", ErrNotFound)
	// ErrStaffExists возвращается при попытке создать сотрудника с занятым логином.
	ErrStaffExists = fmt.Errorf("%w: staff already exists", ErrConflict)
	// ErrRewardNotAvailable возвращается, если вознаграждение неактивно или истёк его срок.
	ErrRewardNotAvailable = fmt.Errorf("%w: reward not available", ErrConflict)
	// ErrOutOfStock возвращается, если запас вознаграждения исчерпан.
	ErrOutOfStock = fmt.Errorf("%w: reward out of stock", ErrConflict)
	// ErrInsufficientPoints возвращается при нехватке баллов для списания.
	ErrInsufficientPoints = fmt.Errorf("%w: insufficient points", ErrConflict)
	// ErrInvalidAmount возвращается для нулевой суммы транзакции.
	ErrInvalidAmount = fmt.Errorf("%w: amount must be non-zero", ErrValidation)
	// ErrInvalidKind возвращается для недопустимого типа транзакции.
	ErrInvalidKind = fmt.Errorf("%w: invalid transaction kind", ErrValidation)
	// ErrInvalidMethod возвращается для недопустимого источника транзакции.
	ErrInvalidMethod = fmt.Errorf("%w: invalid transaction method", ErrValidation)
	// ErrInvalidCardNumber возвращается для номера карты, не прошедшего проверку.
	ErrInvalidCardNumber = fmt.Errorf("%w: invalid card number", ErrValidation)
)
