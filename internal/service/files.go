// files.go — сервис файлового реестра.
// Регистрация загруженного файла, чтение метаданных через LRU-кэш,
// soft delete с асинхронной зачисткой байтов.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/dropstore/lifecycle-module/internal/domain/model"
	"github.com/bigkaa/dropstore/lifecycle-module/internal/repository"
	"github.com/bigkaa/dropstore/lifecycle-module/internal/storage"
)

// RegisterFileInput — параметры регистрации загруженного файла.
type RegisterFileInput struct {
	// OwnerID — владелец файла
	OwnerID uuid.UUID
	// FolderID — родительская папка (nil — корень)
	FolderID *uuid.UUID
	// OriginalFilename — оригинальное имя
	OriginalFilename string
	// ContentType — MIME-тип
	ContentType string
	// Size — размер в байтах
	Size int64
	// ContentHash — SHA-256 содержимого
	ContentHash string
	// TTLDays — срок жизни в днях; nil — безлимитный план, файл не истекает
	TTLDays *int
	// IsPublic — публичная видимость
	IsPublic bool
	// AccessSecret — опциональный секрет доступа
	AccessSecret *string
}

// RegisterFileResult — результат регистрации.
type RegisterFileResult struct {
	// File — созданная запись
	File *model.File
	// DuplicateOf — каноничная запись с тем же содержимым (nil — контент новый).
	// Консультативно: байты уже записаны, вызывающая сторона может использовать
	// этот факт для учёта или последующей дедупликации хранилища.
	DuplicateOf *model.File
}

// FileService — сервис файлового реестра.
type FileService struct {
	fileRepo repository.FileRepository
	dedup    *DedupService
	cache    *CacheService
	provider storage.Provider
	logger   *slog.Logger
	now      func() time.Time
}

// NewFileService создаёт сервис файлового реестра.
func NewFileService(
	fileRepo repository.FileRepository,
	dedup *DedupService,
	cache *CacheService,
	provider storage.Provider,
	logger *slog.Logger,
) *FileService {
	return &FileService{
		fileRepo: fileRepo,
		dedup:    dedup,
		cache:    cache,
		provider: provider,
		logger:   logger.With(slog.String("component", "file_service")),
		now:      time.Now,
	}
}

// Register регистрирует загруженный файл в реестре.
// Новые файлы всегда попадают на уровень hot. Перед записью индекс
// дедупликации консультируется о существующем контенте.
func (s *FileService) Register(ctx context.Context, in RegisterFileInput) (*RegisterFileResult, error) {
	if err := validateRegisterInput(in); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	f := &model.File{
		ID:               uuid.New(),
		OwnerID:          in.OwnerID,
		FolderID:         in.FolderID,
		OriginalFilename: in.OriginalFilename,
		ContentType:      in.ContentType,
		Size:             in.Size,
		ContentHash:      strings.ToLower(in.ContentHash),
		StorageTier:      model.TierHot,
		LastAccessAt:     now,
		IsPublic:         in.IsPublic,
		AccessSecret:     in.AccessSecret,
	}
	f.StorageKey = storageKey(in.OwnerID, f.ID, in.OriginalFilename)

	// Срок жизни: now + TTLDays; nil — файл не истекает
	if in.TTLDays != nil && *in.TTLDays > 0 {
		expiresAt := now.AddDate(0, 0, *in.TTLDays)
		f.ExpiresAt = &expiresAt
	}

	// Консультация индекса дедупликации до вставки: после Create
	// каноничной записью для этого хэша станет сам новый файл
	var duplicateOf *model.File
	canonical, err := s.dedup.FindCanonical(ctx, f.ContentHash)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if canonical != nil {
		duplicateOf = canonical
	}

	if err := s.fileRepo.Create(ctx, f); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("%w: storage_key '%s' уже зарегистрирован", ErrConflict, f.StorageKey)
		}
		return nil, fmt.Errorf("регистрация файла: %w", err)
	}

	s.logger.Info("Файл зарегистрирован",
		slog.String("file_id", f.ID.String()),
		slog.String("owner_id", f.OwnerID.String()),
		slog.String("filename", f.OriginalFilename),
		slog.Int64("size", f.Size),
		slog.Bool("duplicate", duplicateOf != nil),
	)

	return &RegisterFileResult{File: f, DuplicateOf: duplicateOf}, nil
}

// Get возвращает метаданные файла по ID, используя LRU-кэш.
func (s *FileService) Get(ctx context.Context, fileID uuid.UUID) (*model.File, error) {
	if f, ok := s.cache.Get(fileID); ok {
		return f, nil
	}

	f, err := s.fileRepo.GetByID(ctx, fileID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("получение файла: %w", err)
	}

	s.cache.Set(fileID, f)
	return f, nil
}

// Invalidate вытесняет запись файла из кэша метаданных.
// Вызывается после мутаций, выполненных в обход этого сервиса
// (например, синхронной миграции между уровнями).
func (s *FileService) Invalidate(fileID uuid.UUID) {
	s.cache.Delete(fileID)
}

// Delete помечает файл удалённым (soft delete) и зачищает байты
// в хранилище. Повторное удаление — ErrNotFound: терминальное действие
// применяется ровно один раз.
func (s *FileService) Delete(ctx context.Context, fileID uuid.UUID) error {
	f, err := s.fileRepo.GetByID(ctx, fileID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("получение файла для удаления: %w", err)
	}

	if err := s.fileRepo.SoftDelete(ctx, fileID, s.now().UTC()); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("soft delete файла: %w", err)
	}

	s.cache.Delete(fileID)

	// Зачистка байтов best effort: запись уже помечена удалённой,
	// осиротевший объект подберёт сверка хранилища
	if err := s.provider.Delete(ctx, f.StorageTier, f.StorageKey); err != nil {
		s.logger.Warn("Не удалось удалить байты файла из хранилища",
			slog.String("file_id", fileID.String()),
			slog.String("tier", string(f.StorageTier)),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Info("Файл удалён",
		slog.String("file_id", fileID.String()),
		slog.String("owner_id", f.OwnerID.String()),
	)
	return nil
}

// validateRegisterInput проверяет обязательные поля регистрации.
func validateRegisterInput(in RegisterFileInput) error {
	if in.OwnerID == uuid.Nil {
		return fmt.Errorf("%w: owner_id обязателен", ErrValidation)
	}
	if strings.TrimSpace(in.OriginalFilename) == "" {
		return fmt.Errorf("%w: original_filename обязателен", ErrValidation)
	}
	if in.Size < 0 {
		return fmt.Errorf("%w: size не может быть отрицательным", ErrValidation)
	}
	if strings.TrimSpace(in.ContentHash) == "" {
		return fmt.Errorf("%w: content_hash обязателен", ErrValidation)
	}
	if in.TTLDays != nil && *in.TTLDays <= 0 {
		return fmt.Errorf("%w: ttl_days должен быть положительным", ErrValidation)
	}
	return nil
}

// storageKey строит глобально уникальный ключ объекта в хранилище.
// Формат: {owner}/{file_id}{ext} — UUID файла гарантирует уникальность,
// префикс владельца упрощает обход и зачистку.
func storageKey(ownerID, fileID uuid.UUID, filename string) string {
	ext := ""
	if idx := strings.LastIndex(filename, "."); idx >= 0 && idx < len(filename)-1 {
		ext = filename[idx:]
	}
	return fmt.Sprintf("%s/%s%s", ownerID, fileID, ext)
}
