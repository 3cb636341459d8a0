// Package repository содержит реализацию доступа к данным сервиса лояльности.
package repository

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/mmeshcher/loyalty-system/internal/model"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DefaultPageSize используется, когда размер страницы не задан.
const DefaultPageSize = 10

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
//
// Списание вознаграждения выполняется в транзакционном режиме: запись журнала
// и уменьшение остатка фиксируются в одной транзакции БД под блокировкой
// строки вознаграждения, поэтому частичных эффектов не бывает.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет fn при сбоях сериализации, дедлоках и сетевых ошибках.
// Ошибки контекста и бизнес-ошибки наружу отдаются сразу.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		retryable := isConnectionError(err)

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			retryable = pgErr.Code == pgerrcode.SerializationFailure ||
				pgErr.Code == pgerrcode.DeadlockDetected
		}

		if !retryable || i == len(delays) {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delays[i]):
		}
	}
	return err
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateStaff создаёт нового сотрудника.
func (r *PostgresRepository) CreateStaff(ctx context.Context, login string, passwordHash []byte) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO staff (login, password_hash) VALUES ($1, $2) RETURNING id`,
		login, passwordHash,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrStaffExists, login)
		}
		return 0, fmt.Errorf("%w: create staff: %w", ErrStorage, err)
	}
	return id, nil
}

// GetStaffByLogin возвращает сотрудника по логину.
func (r *PostgresRepository) GetStaffByLogin(ctx context.Context, login string) (*model.Staff, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, created_at FROM staff WHERE login = $1`,
		login,
	)

	var s model.Staff
	err := row.Scan(&s.ID, &s.Login, &s.PasswordHash, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrStaffNotFound
		}
		return nil, fmt.Errorf("%w: get staff: %w", ErrStorage, err)
	}

	return &s, nil
}

// FindMember возвращает участника по идентификатору в рамках организации.
func (r *PostgresRepository) FindMember(ctx context.Context, memberID, organizationID int64) (*model.Member, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, organization_id, card_number, name, created_at
		 FROM members
		 WHERE id = $1 AND organization_id = $2`,
		memberID, organizationID,
	)
	return scanMember(row)
}

// FindMemberByCard возвращает участника по номеру карты в рамках организации.
func (r *PostgresRepository) FindMemberByCard(ctx context.Context, organizationID int64, cardNumber string) (*model.Member, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, organization_id, card_number, name, created_at
		 FROM members
		 WHERE organization_id = $1 AND card_number = $2`,
		organizationID, cardNumber,
	)
	return scanMember(row)
}

func scanMember(row pgx.Row) (*model.Member, error) {
	var m model.Member
	err := row.Scan(&m.ID, &m.OrganizationID, &m.CardNumber, &m.Name, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMemberNotFound
		}
		return nil, fmt.Errorf("%w: get member: %w", ErrStorage, err)
	}
	return &m, nil
}

// FindReward возвращает вознаграждение по идентификатору в рамках организации.
func (r *PostgresRepository) FindReward(ctx context.Context, rewardID, organizationID int64) (*model.Reward, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, organization_id, name, reward_type, points_cost, quantity, is_active, expires_at, created_at
		 FROM rewards
		 WHERE id = $1 AND organization_id = $2`,
		rewardID, organizationID,
	)

	var rw model.Reward
	err := row.Scan(&rw.ID, &rw.OrganizationID, &rw.Name, &rw.RewardType,
		&rw.PointsCost, &rw.Quantity, &rw.IsActive, &rw.ExpiresAt, &rw.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRewardNotFound
		}
		return nil, fmt.Errorf("%w: get reward: %w", ErrStorage, err)
	}

	return &rw, nil
}

// AppendTransaction проверяет инварианты записи и сохраняет её в журнал.
// Идентификатор и время создания заполняются из БД.
func (r *PostgresRepository) AppendTransaction(ctx context.Context, t *model.Transaction) error {
	if err := validateTransaction(t); err != nil {
		return err
	}

	metadata, err := encodeMetadata(t.Metadata)
	if err != nil {
		return err
	}

	return r.withRetry(ctx, func() error {
		err := r.pool.QueryRow(ctx,
			`INSERT INTO transactions (member_id, organization_id, amount, kind, method, reward_id, performed_by, metadata)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 RETURNING id, created_at`,
			t.MemberID, t.OrganizationID, t.Amount, string(t.Kind), string(t.Method),
			t.RewardID, t.PerformedBy, metadata,
		).Scan(&t.ID, &t.CreatedAt)
		if err != nil {
			return fmt.Errorf("%w: insert transaction: %w", ErrStorage, err)
		}
		return nil
	})
}

// SumAmounts возвращает сумму движений баллов участника в организации.
// Для участника без транзакций возвращается 0.
func (r *PostgresRepository) SumAmounts(ctx context.Context, memberID, organizationID int64) (int64, error) {
	var sum int64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)
		 FROM transactions
		 WHERE member_id = $1 AND organization_id = $2`,
		memberID, organizationID,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("%w: sum amounts: %w", ErrStorage, err)
	}
	return sum, nil
}

// ListTransactions возвращает страницу транзакций участника, упорядоченную по
// времени создания по убыванию, и общее количество записей под фильтром.
func (r *PostgresRepository) ListTransactions(ctx context.Context, memberID, organizationID int64, opts model.ListOptions) ([]model.Transaction, int64, error) {
	page := opts.Page
	if page < 1 {
		page = 1
	}
	pageSize := opts.PageSize
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	offset := (page - 1) * pageSize

	countQuery := `SELECT COUNT(*) FROM transactions WHERE member_id = $1 AND organization_id = $2`
	listQuery := `SELECT id, member_id, organization_id, amount, kind, method, reward_id, performed_by, metadata, created_at
		 FROM transactions
		 WHERE member_id = $1 AND organization_id = $2
		 ORDER BY created_at DESC, id DESC
		 LIMIT $3 OFFSET $4`
	args := []any{memberID, organizationID}

	if opts.Kind != "" {
		countQuery = `SELECT COUNT(*) FROM transactions WHERE member_id = $1 AND organization_id = $2 AND kind = $3`
		listQuery = `SELECT id, member_id, organization_id, amount, kind, method, reward_id, performed_by, metadata, created_at
			 FROM transactions
			 WHERE member_id = $1 AND organization_id = $2 AND kind = $3
			 ORDER BY created_at DESC, id DESC
			 LIMIT $4 OFFSET $5`
		args = append(args, string(opts.Kind))
	}

	var total int64
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("%w: count transactions: %w", ErrStorage, err)
	}

	args = append(args, pageSize, offset)

	rows, err := r.pool.Query(ctx, listQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: select transactions: %w", ErrStorage, err)
	}
	defer rows.Close()

	var res []model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, err
		}
		res = append(res, *t)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("%w: rows error: %w", ErrStorage, err)
	}

	return res, total, nil
}

// RedeemReward списывает вознаграждение: в одной транзакции БД блокирует
// строку вознаграждения, повторно проверяет доступность, запас и баланс,
// добавляет запись журнала и уменьшает остаток. Возвращает созданную запись
// и баланс участника до списания.
func (r *PostgresRepository) RedeemReward(ctx context.Context, memberID, organizationID, rewardID int64, performedBy *int64, metadata map[string]string) (*model.Transaction, int64, error) {
	encodedMeta, err := encodeMetadata(metadata)
	if err != nil {
		return nil, 0, err
	}

	var txn *model.Transaction
	var balanceBefore int64

	err = r.withRetry(ctx, func() error {
		txn = nil
		balanceBefore = 0

		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("%w: begin tx: %w", ErrStorage, err)
		}
		defer tx.Rollback(ctx)

		// Блокируем строку вознаграждения: параллельные списания одного
		// вознаграждения сериализуются на этой блокировке.
		var (
			pointsCost int64
			quantity   *int64
			isActive   bool
			expiresAt  *time.Time
		)
		err = tx.QueryRow(ctx,
			`SELECT points_cost, quantity, is_active, expires_at
			 FROM rewards
			 WHERE id = $1 AND organization_id = $2
			 FOR UPDATE`,
			rewardID, organizationID,
		).Scan(&pointsCost, &quantity, &isActive, &expiresAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrRewardNotFound
			}
			return fmt.Errorf("%w: lock reward: %w", ErrStorage, err)
		}

		now := time.Now()
		if !isActive || (expiresAt != nil && !now.Before(*expiresAt)) {
			return ErrRewardNotAvailable
		}
		if quantity != nil && *quantity <= 0 {
			return ErrOutOfStock
		}

		// Баланс пересчитывается внутри транзакции, значения, прочитанные
		// до начала списания, здесь не используются.
		err = tx.QueryRow(ctx,
			`SELECT COALESCE(SUM(amount), 0)
			 FROM transactions
			 WHERE member_id = $1 AND organization_id = $2`,
			memberID, organizationID,
		).Scan(&balanceBefore)
		if err != nil {
			return fmt.Errorf("%w: sum amounts: %w", ErrStorage, err)
		}

		if balanceBefore < pointsCost {
			return ErrInsufficientPoints
		}

		t := &model.Transaction{
			MemberID:       memberID,
			OrganizationID: organizationID,
			Amount:         -pointsCost,
			Kind:           model.KindRedeem,
			Method:         model.MethodRedemption,
			RewardID:       &rewardID,
			PerformedBy:    performedBy,
			Metadata:       metadata,
		}

		err = tx.QueryRow(ctx,
			`INSERT INTO transactions (member_id, organization_id, amount, kind, method, reward_id, performed_by, metadata)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 RETURNING id, created_at`,
			t.MemberID, t.OrganizationID, t.Amount, string(t.Kind), string(t.Method),
			t.RewardID, t.PerformedBy, encodedMeta,
		).Scan(&t.ID, &t.CreatedAt)
		if err != nil {
			return fmt.Errorf("%w: insert redemption: %w", ErrStorage, err)
		}

		if quantity != nil {
			_, err = tx.Exec(ctx,
				`UPDATE rewards SET quantity = quantity - 1 WHERE id = $1`,
				rewardID,
			)
			if err != nil {
				return fmt.Errorf("%w: decrement quantity: %w", ErrStorage, err)
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("%w: commit tx: %w", ErrStorage, err)
		}

		txn = t
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	return txn, balanceBefore, nil
}

// GetUnnotifiedTransactions возвращает транзакции, ещё не отправленные во внешнюю систему событий.
func (r *PostgresRepository) GetUnnotifiedTransactions(ctx context.Context, limit int) ([]model.Transaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, member_id, organization_id, amount, kind, method, reward_id, performed_by, metadata, created_at
		 FROM transactions
		 WHERE notified_at IS NULL
		 ORDER BY created_at
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: select unnotified: %w", ErrStorage, err)
	}
	defer rows.Close()

	var res []model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: rows error: %w", ErrStorage, err)
	}

	return res, nil
}

// MarkTransactionNotified отмечает транзакцию как отправленную.
func (r *PostgresRepository) MarkTransactionNotified(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE transactions SET notified_at = now() WHERE id = $1 AND notified_at IS NULL`,
		id,
	)
	if err != nil {
		return fmt.Errorf("%w: mark notified: %w", ErrStorage, err)
	}
	return nil
}

func scanTransaction(rows pgx.Rows) (*model.Transaction, error) {
	var (
		t       model.Transaction
		kind    string
		method  string
		rawMeta []byte
	)
	err := rows.Scan(&t.ID, &t.MemberID, &t.OrganizationID, &t.Amount, &kind, &method,
		&t.RewardID, &t.PerformedBy, &rawMeta, &t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: scan transaction: %w", ErrStorage, err)
	}

	t.Kind = model.TransactionKind(kind)
	t.Method = model.TransactionMethod(method)

	meta, err := decodeMetadata(rawMeta)
	if err != nil {
		return nil, err
	}
	t.Metadata = meta

	return &t, nil
}

func validateTransaction(t *model.Transaction) error {
	if t.Amount == 0 {
		return ErrInvalidAmount
	}
	if !t.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, t.Kind)
	}
	if !t.Method.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMethod, t.Method)
	}
	return nil
}

func encodeMetadata(metadata map[string]string) ([]byte, error) {
	if len(metadata) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("%w: encode metadata: %v", ErrValidation, err)
	}
	return raw, nil
}

func decodeMetadata(raw []byte) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var meta map[string]string
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("%w: decode metadata: %w", ErrStorage, err)
	}
	return meta, nil
}
