package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bigkaa/dropstore/lifecycle-module/internal/domain/model"
)

// TokenRepository — интерфейс доступа к таблице tokens.
//
// Инвариант «один живой токен на идентичность» обеспечивается Replace:
// удаление старых и вставка нового выполняются в одной транзакции.
// Инкремент счётчика попыток и consume — одиночные условные UPDATE,
// чтобы конкурентные проверки не могли обойти лимит попыток.
type TokenRepository interface {
	// Replace атомарно удаляет все токены идентичности и вставляет новый.
	Replace(ctx context.Context, t *model.Token) error
	// GetLive возвращает живой (не использованный, не истёкший) токен
	// идентичности. Отсутствие — ErrNotFound.
	GetLive(ctx context.Context, identity string, now time.Time) (*model.Token, error)
	// IncrementAttempts атомарно инкрементирует счётчик попыток
	// неиспользованного токена и возвращает новое значение.
	IncrementAttempts(ctx context.Context, id uuid.UUID) (int, error)
	// Consume помечает токен использованным при условии, что лимит попыток
	// не исчерпан. Проигранная гонка или повторный consume — ErrNotFound.
	Consume(ctx context.Context, id uuid.UUID, maxAttempts int, now time.Time) error
	// Delete удаляет токен по UUID.
	Delete(ctx context.Context, id uuid.UUID) error
	// DeleteExpired удаляет все истёкшие токены (временная сборка мусора).
	// Возвращает количество удалённых записей.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// tokenColumns — список колонок таблицы tokens в порядке сканирования.
const tokenColumns = `id, identity, code, payload, attempts, consumed, expires_at, created_at, updated_at`

// tokenRepo — реализация TokenRepository.
type tokenRepo struct {
	db  DBTX
	txr *TxRunner
}

// NewTokenRepository создаёт репозиторий токенов.
func NewTokenRepository(pool *pgxpool.Pool) TokenRepository {
	return &tokenRepo{db: pool, txr: NewTxRunner(pool)}
}

func scanToken(row pgx.Row) (*model.Token, error) {
	t := &model.Token{}
	err := row.Scan(
		&t.ID, &t.Identity, &t.Code, &t.Payload, &t.Attempts,
		&t.Consumed, &t.ExpiresAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (r *tokenRepo) Replace(ctx context.Context, t *model.Token) error {
	return r.txr.RunInTx(ctx, func(tx pgx.Tx) error {
		// Удаляем все прежние токены идентичности: старые коды перестают
		// проходить проверку сразу после выпуска нового
		if _, err := tx.Exec(ctx, `DELETE FROM tokens WHERE identity = $1`, t.Identity); err != nil {
			return fmt.Errorf("ошибка удаления прежних токенов: %w", err)
		}

		query := `
			INSERT INTO tokens (id, identity, code, payload, attempts, consumed, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING created_at, updated_at`

		err := tx.QueryRow(ctx, query,
			t.ID, t.Identity, t.Code, t.Payload, t.Attempts, t.Consumed, t.ExpiresAt,
		).Scan(&t.CreatedAt, &t.UpdatedAt)
		if err != nil {
			return fmt.Errorf("ошибка вставки токена: %w", err)
		}
		return nil
	})
}

func (r *tokenRepo) GetLive(ctx context.Context, identity string, now time.Time) (*model.Token, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM tokens
		WHERE identity = $1 AND consumed = FALSE AND expires_at > $2
		ORDER BY created_at DESC
		LIMIT 1`, tokenColumns)

	t, err := scanToken(r.db.QueryRow(ctx, query, identity, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения токена: %w", err)
	}
	return t, nil
}

func (r *tokenRepo) IncrementAttempts(ctx context.Context, id uuid.UUID) (int, error) {
	query := `
		UPDATE tokens
		SET attempts = attempts + 1, updated_at = NOW()
		WHERE id = $1 AND consumed = FALSE
		RETURNING attempts`

	var attempts int
	err := r.db.QueryRow(ctx, query, id).Scan(&attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("ошибка инкремента счётчика попыток: %w", err)
	}
	return attempts, nil
}

func (r *tokenRepo) Consume(ctx context.Context, id uuid.UUID, maxAttempts int, now time.Time) error {
	// Условие attempts < maxAttempts закрывает гонку: верный код,
	// пришедший после исчерпания лимита конкурентными проверками,
	// уже не может использовать токен
	query := `
		UPDATE tokens
		SET consumed = TRUE, updated_at = $3
		WHERE id = $1 AND consumed = FALSE AND attempts < $2 AND expires_at > $3`

	tag, err := r.db.Exec(ctx, query, id, maxAttempts, now)
	if err != nil {
		return fmt.Errorf("ошибка consume токена: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *tokenRepo) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM tokens WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("ошибка удаления токена: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *tokenRepo) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM tokens WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("ошибка удаления истёкших токенов: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
