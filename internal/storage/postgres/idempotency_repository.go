package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const defaultIdempotencyTTL = 24 * time.Hour

// IdempotencyRepository хранит ответы мутирующих операций витрины в idempotency_keys.
// Первичный ключ (scope, key): один клиентский ключ может защищать и checkout, и cancel.
type IdempotencyRepository struct {
	db *sql.DB
}

// NewIdempotencyRepository создаёт PostgreSQL-хранилище ключей.
func NewIdempotencyRepository(store *Store) *IdempotencyRepository {
	return &IdempotencyRepository{db: store.DB()}
}

// CreateProcessing занимает ключ через INSERT ... ON CONFLICT DO NOTHING; при
// конфликте читает существующую запись для повтора ответа.
func (r *IdempotencyRepository) CreateProcessing(ctx context.Context, key domain.IdempotencyKey, requestHash string, ttlAt time.Time) (domain.IdempotencyRecord, error) {
	key, err := key.Normalize()
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}
	requestHash = strings.TrimSpace(requestHash)
	if requestHash == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyRequestHashRequired
	}

	now := time.Now().UTC()
	if ttlAt.IsZero() {
		ttlAt = now.Add(defaultIdempotencyTTL)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (scope, key, request_hash, status, ttl_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (scope, key) DO NOTHING
	`, string(key.Scope), key.Key, requestHash, string(domain.IdempotencyStatusProcessing), ttlAt, now)
	if err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("claim idempotency key %s: %w", key, err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("claim idempotency key %s: %w", key, err)
	}
	if inserted == 1 {
		return domain.IdempotencyRecord{
			Scope:       key.Scope,
			Key:         key.Key,
			RequestHash: requestHash,
			Status:      domain.IdempotencyStatusProcessing,
			TTLAt:       ttlAt,
			CreatedAt:   now,
			UpdatedAt:   now,
		}, nil
	}

	existing, err := r.get(ctx, key)
	if err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("read claimed idempotency key %s: %w", key, err)
	}
	if existing.RequestHash != requestHash {
		return existing, domain.ErrIdempotencyHashMismatch
	}
	return existing, domain.ErrIdempotencyKeyAlreadyExists
}

// Get возвращает запись по ключу операции.
func (r *IdempotencyRepository) Get(ctx context.Context, key domain.IdempotencyKey) (domain.IdempotencyRecord, error) {
	key, err := key.Normalize()
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return r.get(ctx, key)
}

func (r *IdempotencyRepository) get(ctx context.Context, key domain.IdempotencyKey) (domain.IdempotencyRecord, error) {
	var (
		rec        domain.IdempotencyRecord
		scope      string
		status     string
		httpStatus sql.NullInt64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT scope, key, request_hash, response_body, http_status, status, ttl_at, created_at, updated_at
		FROM idempotency_keys
		WHERE scope = $1 AND key = $2
	`, string(key.Scope), key.Key).Scan(
		&scope, &rec.Key, &rec.RequestHash, &rec.ResponseBody, &httpStatus,
		&status, &rec.TTLAt, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
	}
	if err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("get idempotency key %s: %w", key, err)
	}

	rec.Scope = domain.IdempotencyScope(scope)
	rec.Status = domain.IdempotencyStatus(status)
	if !rec.Status.Valid() {
		return domain.IdempotencyRecord{}, fmt.Errorf("idempotency key %s has unknown status %q", key, status)
	}
	if httpStatus.Valid {
		rec.HTTPStatus = int(httpStatus.Int64)
	}
	return rec, nil
}

// MarkDone сохраняет успешный ответ.
func (r *IdempotencyRepository) MarkDone(ctx context.Context, key domain.IdempotencyKey, responseBody []byte, httpStatus int) error {
	return r.finish(ctx, key, domain.IdempotencyStatusDone, responseBody, httpStatus)
}

// MarkFailed сохраняет ответ с ошибкой; повтор получит его же.
func (r *IdempotencyRepository) MarkFailed(ctx context.Context, key domain.IdempotencyKey, responseBody []byte, httpStatus int) error {
	return r.finish(ctx, key, domain.IdempotencyStatusFailed, responseBody, httpStatus)
}

// DeleteExpired удаляет до limit просроченных записей, самые старые первыми.
// SKIP LOCKED позволяет нескольким репликам чистить таблицу одновременно.
func (r *IdempotencyRepository) DeleteExpired(ctx context.Context, before time.Time, limit int) ([]domain.ExpiredIdempotencyKey, error) {
	if before.IsZero() {
		before = time.Now().UTC()
	}
	var batch any
	if limit > 0 {
		batch = limit
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		WITH expired AS (
			SELECT scope, key
			FROM idempotency_keys
			WHERE ttl_at <= $1
			ORDER BY ttl_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		DELETE FROM idempotency_keys k
		USING expired e
		WHERE k.scope = e.scope AND k.key = e.key
		RETURNING k.scope, k.status
	`, before, batch)
	if err != nil {
		return nil, fmt.Errorf("delete expired idempotency keys: %w", err)
	}
	defer rows.Close()

	var out []domain.ExpiredIdempotencyKey
	for rows.Next() {
		var scope, status string
		if err := rows.Scan(&scope, &status); err != nil {
			return nil, fmt.Errorf("scan expired idempotency key: %w", err)
		}
		out = append(out, domain.ExpiredIdempotencyKey{
			Scope:  domain.IdempotencyScope(scope),
			Status: domain.IdempotencyStatus(status),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired idempotency keys: %w", err)
	}
	return out, nil
}

func (r *IdempotencyRepository) finish(ctx context.Context, key domain.IdempotencyKey, status domain.IdempotencyStatus, responseBody []byte, httpStatus int) error {
	key, err := key.Normalize()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET response_body = $3, http_status = $4, status = $5, updated_at = $6
		WHERE scope = $1 AND key = $2
	`, string(key.Scope), key.Key, responseBody, httpStatus, string(status), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store %s response for %s: %w", status, key, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store %s response for %s: %w", status, key, err)
	}
	if affected == 0 {
		return domain.ErrIdempotencyKeyNotFound
	}
	return nil
}

var _ domain.IdempotencyRepository = (*IdempotencyRepository)(nil)
