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

// FileRepository — интерфейс доступа к таблице files.
//
// Все мутации одной записи атомарны: одиночный условный UPDATE либо
// транзакция с SELECT ... FOR UPDATE (RecordDownload). Выборки кандидатов
// читающие и свободны от побочных эффектов — их можно безопасно повторять.
type FileRepository interface {
	// Create регистрирует новую запись файла.
	Create(ctx context.Context, f *model.File) error
	// GetByID возвращает файл по UUID (включая удалённые).
	GetByID(ctx context.Context, id uuid.UUID) (*model.File, error)
	// FindCanonicalByHash возвращает каноничную неудалённую запись с данным
	// content_hash для дедупликации. Из нескольких кандидатов выбирается
	// самая свежая по created_at. Отсутствие — ErrNotFound.
	FindCanonicalByHash(ctx context.Context, hash string) (*model.File, error)
	// Usage возвращает агрегат использования хранилища владельцем
	// по неудалённым файлам.
	Usage(ctx context.Context, ownerID uuid.UUID) (*model.QuotaSnapshot, error)
	// RecordDownload атомарно применяет скачивание к записи файла
	// (SELECT ... FOR UPDATE + model.ApplyDownload + UPDATE).
	RecordDownload(ctx context.Context, fileID uuid.UUID, downloaderIP string, requesterID uuid.UUID, now time.Time, p model.RetentionPolicy) (*model.File, *model.DownloadOutcome, error)
	// SoftDelete помечает файл удалённым. Уже удалённый — ErrNotFound.
	SoftDelete(ctx context.Context, fileID uuid.UUID, now time.Time) error

	// ColdCandidates — кандидаты на миграцию hot → cold: не удалены,
	// не pending/in_progress, last_access_at <= cutoff; самые залежавшиеся
	// первыми; не более limit записей.
	ColdCandidates(ctx context.Context, cutoff time.Time, limit int) ([]*model.File, error)
	// HotCandidates — кандидаты на миграцию cold → hot: не удалены,
	// не pending/in_progress, downloads >= minDownloads,
	// last_download_at >= since; самые популярные первыми.
	HotCandidates(ctx context.Context, minDownloads int64, since time.Time, limit int) ([]*model.File, error)
	// Expired — неудалённые файлы с истёкшим expires_at, самые давние первыми.
	Expired(ctx context.Context, now time.Time, limit int) ([]*model.File, error)
	// Inactive — неудалённые файлы без скачиваний, созданные до cutoff,
	// либо со скачиваниями до cutoff.
	Inactive(ctx context.Context, cutoff time.Time, limit int) ([]*model.File, error)

	// ClaimForMigration атомарно переводит файл в pending.
	// Допустимо только из none, failed (retry) и completed (повторная
	// миграция). Проигранная гонка — ErrClaimConflict.
	ClaimForMigration(ctx context.Context, fileID uuid.UUID, now time.Time) error
	// MarkMigrationInProgress переводит pending → in_progress.
	MarkMigrationInProgress(ctx context.Context, fileID uuid.UUID) error
	// CompleteMigration переводит in_progress → completed, обновляя
	// storage_tier и last_migration_at.
	CompleteMigration(ctx context.Context, fileID uuid.UUID, tier model.StorageTier, now time.Time) error
	// FailMigration переводит in_progress → failed: запись остаётся
	// доступной для повторной попытки.
	FailMigration(ctx context.Context, fileID uuid.UUID) error
	// ResetFailedMigration сбрасывает failed → none.
	ResetFailedMigration(ctx context.Context, fileID uuid.UUID) error
	// StaleInProgress — файлы, зависшие в in_progress с момента захвата
	// раньше olderThan (hook для сверочного sweep).
	StaleInProgress(ctx context.Context, olderThan time.Time, limit int) ([]*model.File, error)
	// ReclaimStale переводит зависшие in_progress (захвачены раньше
	// olderThan) в failed. Возвращает количество записей.
	ReclaimStale(ctx context.Context, olderThan time.Time) (int, error)
}

// fileColumns — список колонок таблицы files в порядке сканирования.
const fileColumns = `id, owner_id, folder_id, storage_key, original_filename, content_type,
	size, content_hash, storage_tier, downloads, unique_download_ips,
	last_download_at, last_access_at, expires_at, is_public, access_secret,
	deleted, deleted_at, migration_status, migration_started_at,
	last_migration_at, created_at, updated_at`

// fileRepo — реализация FileRepository.
type fileRepo struct {
	db  DBTX
	txr *TxRunner
}

// NewFileRepository создаёт репозиторий файлового реестра.
func NewFileRepository(pool *pgxpool.Pool) FileRepository {
	return &fileRepo{db: pool, txr: NewTxRunner(pool)}
}

func scanFile(row pgx.Row) (*model.File, error) {
	f := &model.File{}
	err := row.Scan(
		&f.ID, &f.OwnerID, &f.FolderID, &f.StorageKey, &f.OriginalFilename, &f.ContentType,
		&f.Size, &f.ContentHash, &f.StorageTier, &f.Downloads, &f.UniqueDownloadIPs,
		&f.LastDownloadAt, &f.LastAccessAt, &f.ExpiresAt, &f.IsPublic, &f.AccessSecret,
		&f.Deleted, &f.DeletedAt, &f.MigrationStatus, &f.MigrationStartedAt,
		&f.LastMigrationAt, &f.CreatedAt, &f.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (r *fileRepo) queryFiles(ctx context.Context, query string, args ...any) ([]*model.File, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка выполнения выборки файлов: %w", err)
	}
	defer rows.Close()

	var result []*model.File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования файла: %w", err)
		}
		result = append(result, f)
	}
	return result, rows.Err()
}

func (r *fileRepo) Create(ctx context.Context, f *model.File) error {
	query := `
		INSERT INTO files (id, owner_id, folder_id, storage_key, original_filename,
			content_type, size, content_hash, storage_tier, last_access_at,
			expires_at, is_public, access_secret)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		f.ID, f.OwnerID, f.FolderID, f.StorageKey, f.OriginalFilename,
		f.ContentType, f.Size, f.ContentHash, f.StorageTier, f.LastAccessAt,
		f.ExpiresAt, f.IsPublic, f.AccessSecret,
	).Scan(&f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: storage_key уже зарегистрирован", ErrConflict)
		}
		return fmt.Errorf("ошибка регистрации файла: %w", err)
	}
	return nil
}

func (r *fileRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.File, error) {
	query := fmt.Sprintf(`SELECT %s FROM files WHERE id = $1`, fileColumns)

	f, err := scanFile(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения файла: %w", err)
	}
	return f, nil
}

func (r *fileRepo) FindCanonicalByHash(ctx context.Context, hash string) (*model.File, error) {
	// Из нескольких записей с одинаковым содержимым каноничной считается
	// самая свежая: у неё меньше шансов оказаться на пороге истечения
	// или в середине миграции.
	query := fmt.Sprintf(`
		SELECT %s FROM files
		WHERE content_hash = $1 AND deleted = FALSE
		ORDER BY created_at DESC
		LIMIT 1`, fileColumns)

	f, err := scanFile(r.db.QueryRow(ctx, query, hash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка поиска по content_hash: %w", err)
	}
	return f, nil
}

func (r *fileRepo) Usage(ctx context.Context, ownerID uuid.UUID) (*model.QuotaSnapshot, error) {
	query := `
		SELECT COALESCE(SUM(size), 0), COUNT(*)
		FROM files
		WHERE owner_id = $1 AND deleted = FALSE`

	snap := &model.QuotaSnapshot{OwnerID: ownerID}
	err := r.db.QueryRow(ctx, query, ownerID).Scan(&snap.TotalActiveBytes, &snap.ActiveFileCount)
	if err != nil {
		return nil, fmt.Errorf("ошибка агрегации квоты владельца: %w", err)
	}
	return snap, nil
}

func (r *fileRepo) RecordDownload(ctx context.Context, fileID uuid.UUID, downloaderIP string, requesterID uuid.UUID, now time.Time, p model.RetentionPolicy) (*model.File, *model.DownloadOutcome, error) {
	var (
		f   *model.File
		out model.DownloadOutcome
	)

	err := r.txr.RunInTx(ctx, func(tx pgx.Tx) error {
		query := fmt.Sprintf(`SELECT %s FROM files WHERE id = $1 AND deleted = FALSE FOR UPDATE`, fileColumns)

		var err error
		f, err = scanFile(tx.QueryRow(ctx, query, fileID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("ошибка блокировки записи файла: %w", err)
		}

		out = model.ApplyDownload(f, downloaderIP, requesterID, now, p)

		update := `
			UPDATE files
			SET downloads = $2, unique_download_ips = $3, last_download_at = $4,
				last_access_at = $5, expires_at = $6, updated_at = $5
			WHERE id = $1`

		if _, err := tx.Exec(ctx, update,
			f.ID, f.Downloads, f.UniqueDownloadIPs, f.LastDownloadAt,
			f.LastAccessAt, f.ExpiresAt,
		); err != nil {
			return fmt.Errorf("ошибка записи скачивания: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return f, &out, nil
}

func (r *fileRepo) SoftDelete(ctx context.Context, fileID uuid.UUID, now time.Time) error {
	query := `
		UPDATE files
		SET deleted = TRUE, deleted_at = $2, updated_at = $2
		WHERE id = $1 AND deleted = FALSE`

	tag, err := r.db.Exec(ctx, query, fileID, now)
	if err != nil {
		return fmt.Errorf("ошибка soft delete файла: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *fileRepo) ColdCandidates(ctx context.Context, cutoff time.Time, limit int) ([]*model.File, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM files
		WHERE storage_tier = 'hot'
			AND deleted = FALSE
			AND migration_status NOT IN ('pending', 'in_progress')
			AND last_access_at <= $1
		ORDER BY last_access_at ASC
		LIMIT $2`, fileColumns)

	return r.queryFiles(ctx, query, cutoff, limit)
}

func (r *fileRepo) HotCandidates(ctx context.Context, minDownloads int64, since time.Time, limit int) ([]*model.File, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM files
		WHERE storage_tier = 'cold'
			AND deleted = FALSE
			AND migration_status NOT IN ('pending', 'in_progress')
			AND downloads >= $1
			AND last_download_at >= $2
		ORDER BY downloads DESC
		LIMIT $3`, fileColumns)

	return r.queryFiles(ctx, query, minDownloads, since, limit)
}

func (r *fileRepo) Expired(ctx context.Context, now time.Time, limit int) ([]*model.File, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM files
		WHERE deleted = FALSE
			AND expires_at IS NOT NULL
			AND expires_at <= $1
		ORDER BY expires_at ASC
		LIMIT $2`, fileColumns)

	return r.queryFiles(ctx, query, now, limit)
}

func (r *fileRepo) Inactive(ctx context.Context, cutoff time.Time, limit int) ([]*model.File, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM files
		WHERE deleted = FALSE
			AND ((last_download_at IS NULL AND created_at < $1)
				OR last_download_at < $1)
		ORDER BY last_access_at ASC
		LIMIT $2`, fileColumns)

	return r.queryFiles(ctx, query, cutoff, limit)
}

func (r *fileRepo) ClaimForMigration(ctx context.Context, fileID uuid.UUID, now time.Time) error {
	// Одиночный условный UPDATE — два воркера, гонящиеся за одной записью,
	// не могут захватить её одновременно: проигравший получает 0 строк.
	query := `
		UPDATE files
		SET migration_status = 'pending', migration_started_at = $2, updated_at = $2
		WHERE id = $1
			AND deleted = FALSE
			AND migration_status IN ('none', 'failed', 'completed')`

	tag, err := r.db.Exec(ctx, query, fileID, now)
	if err != nil {
		return fmt.Errorf("ошибка claim миграции: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimConflict
	}
	return nil
}

func (r *fileRepo) MarkMigrationInProgress(ctx context.Context, fileID uuid.UUID) error {
	query := `
		UPDATE files
		SET migration_status = 'in_progress', updated_at = NOW()
		WHERE id = $1 AND migration_status = 'pending'`

	tag, err := r.db.Exec(ctx, query, fileID)
	if err != nil {
		return fmt.Errorf("ошибка перехода pending → in_progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func (r *fileRepo) CompleteMigration(ctx context.Context, fileID uuid.UUID, tier model.StorageTier, now time.Time) error {
	query := `
		UPDATE files
		SET migration_status = 'completed', storage_tier = $2,
			last_migration_at = $3, migration_started_at = NULL, updated_at = $3
		WHERE id = $1 AND migration_status = 'in_progress'`

	tag, err := r.db.Exec(ctx, query, fileID, tier, now)
	if err != nil {
		return fmt.Errorf("ошибка завершения миграции: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func (r *fileRepo) FailMigration(ctx context.Context, fileID uuid.UUID) error {
	query := `
		UPDATE files
		SET migration_status = 'failed', updated_at = NOW()
		WHERE id = $1 AND migration_status = 'in_progress'`

	tag, err := r.db.Exec(ctx, query, fileID)
	if err != nil {
		return fmt.Errorf("ошибка перехода in_progress → failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func (r *fileRepo) ResetFailedMigration(ctx context.Context, fileID uuid.UUID) error {
	query := `
		UPDATE files
		SET migration_status = 'none', migration_started_at = NULL, updated_at = NOW()
		WHERE id = $1 AND migration_status = 'failed'`

	tag, err := r.db.Exec(ctx, query, fileID)
	if err != nil {
		return fmt.Errorf("ошибка сброса failed → none: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func (r *fileRepo) StaleInProgress(ctx context.Context, olderThan time.Time, limit int) ([]*model.File, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM files
		WHERE migration_status = 'in_progress'
			AND migration_started_at IS NOT NULL
			AND migration_started_at <= $1
		ORDER BY migration_started_at ASC
		LIMIT $2`, fileColumns)

	return r.queryFiles(ctx, query, olderThan, limit)
}

func (r *fileRepo) ReclaimStale(ctx context.Context, olderThan time.Time) (int, error) {
	query := `
		UPDATE files
		SET migration_status = 'failed', updated_at = NOW()
		WHERE migration_status = 'in_progress'
			AND migration_started_at IS NOT NULL
			AND migration_started_at <= $1`

	tag, err := r.db.Exec(ctx, query, olderThan)
	if err != nil {
		return 0, fmt.Errorf("ошибка возврата зависших миграций: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
