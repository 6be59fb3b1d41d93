// files.go — обработчики /api/v1/files endpoints.
// Файловый реестр: регистрация, получение, удаление, учёт скачиваний,
// служебные выборки (истёкшие, неактивные) и квота владельца.
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	apierrors "github.com/bigkaa/dropstore/lifecycle-module/internal/api/errors"
	"github.com/bigkaa/dropstore/lifecycle-module/internal/domain/model"
	"github.com/bigkaa/dropstore/lifecycle-module/internal/service"
)

// fileRegisterRequest — тело запроса POST /api/v1/files.
type fileRegisterRequest struct {
	OwnerID          uuid.UUID  `json:"owner_id"`
	FolderID         *uuid.UUID `json:"folder_id,omitempty"`
	OriginalFilename string     `json:"original_filename"`
	ContentType      string     `json:"content_type"`
	Size             int64      `json:"size"`
	ContentHash      string     `json:"content_hash"`
	TTLDays          *int       `json:"ttl_days,omitempty"`
	IsPublic         bool       `json:"is_public"`
	AccessSecret     *string    `json:"access_secret,omitempty"`
}

// fileResponse — представление записи файла в API.
type fileResponse struct {
	ID                uuid.UUID  `json:"id"`
	OwnerID           uuid.UUID  `json:"owner_id"`
	FolderID          *uuid.UUID `json:"folder_id,omitempty"`
	StorageKey        string     `json:"storage_key"`
	OriginalFilename  string     `json:"original_filename"`
	ContentType       string     `json:"content_type"`
	Size              int64      `json:"size"`
	ContentHash       string     `json:"content_hash"`
	StorageTier       string     `json:"storage_tier"`
	Downloads         int64      `json:"downloads"`
	UniqueDownloadIPs int        `json:"unique_download_ips"`
	LastDownloadAt    *time.Time `json:"last_download_at,omitempty"`
	LastAccessAt      time.Time  `json:"last_access_at"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	IsPublic          bool       `json:"is_public"`
	MigrationStatus   string     `json:"migration_status"`
	LastMigrationAt   *time.Time `json:"last_migration_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// fileRegisterResponse — ответ регистрации файла.
type fileRegisterResponse struct {
	File fileResponse `json:"file"`
	// DuplicateOf — UUID каноничной записи с тем же содержимым (дедупликация)
	DuplicateOf *uuid.UUID `json:"duplicate_of,omitempty"`
}

// fileListResponse — ответ на служебные выборки файлов.
type fileListResponse struct {
	Files []fileResponse `json:"files"`
	Total int            `json:"total"`
}

// downloadRequest — тело запроса POST /api/v1/files/{file_id}/downloads.
type downloadRequest struct {
	DownloaderIP string    `json:"downloader_ip"`
	RequesterID  uuid.UUID `json:"requester_id"`
}

// downloadResponse — ответ учёта скачивания.
type downloadResponse struct {
	File           fileResponse `json:"file"`
	UniqueIP       bool         `json:"unique_ip"`
	ExpiryExtended bool         `json:"expiry_extended"`
	ExpiryCapped   bool         `json:"expiry_capped"`
}

// quotaResponse — ответ GET /api/v1/owners/{owner_id}/quota.
type quotaResponse struct {
	OwnerID          uuid.UUID `json:"owner_id"`
	TotalActiveBytes int64     `json:"total_active_bytes"`
	ActiveFileCount  int64     `json:"active_file_count"`
}

// mapFile конвертирует domain model в API-представление.
// AccessSecret и служебные поля soft delete наружу не отдаются.
func mapFile(f *model.File) fileResponse {
	return fileResponse{
		ID:                f.ID,
		OwnerID:           f.OwnerID,
		FolderID:          f.FolderID,
		StorageKey:        f.StorageKey,
		OriginalFilename:  f.OriginalFilename,
		ContentType:       f.ContentType,
		Size:              f.Size,
		ContentHash:       f.ContentHash,
		StorageTier:       string(f.StorageTier),
		Downloads:         f.Downloads,
		UniqueDownloadIPs: len(f.UniqueDownloadIPs),
		LastDownloadAt:    f.LastDownloadAt,
		LastAccessAt:      f.LastAccessAt,
		ExpiresAt:         f.ExpiresAt,
		IsPublic:          f.IsPublic,
		MigrationStatus:   string(f.MigrationStatus),
		LastMigrationAt:   f.LastMigrationAt,
		CreatedAt:         f.CreatedAt,
		UpdatedAt:         f.UpdatedAt,
	}
}

// mapFileList конвертирует срез записей в ответ списка.
func mapFileList(files []*model.File) fileListResponse {
	resp := fileListResponse{
		Files: make([]fileResponse, 0, len(files)),
		Total: len(files),
	}
	for _, f := range files {
		resp.Files = append(resp.Files, mapFile(f))
	}
	return resp
}

// RegisterFile — POST /api/v1/files.
// Регистрация файла после загрузки байтов в хранилище.
func (h *APIHandler) RegisterFile(w http.ResponseWriter, r *http.Request) {
	var req fileRegisterRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := h.files.Register(r.Context(), service.RegisterFileInput{
		OwnerID:          req.OwnerID,
		FolderID:         req.FolderID,
		OriginalFilename: req.OriginalFilename,
		ContentType:      req.ContentType,
		Size:             req.Size,
		ContentHash:      req.ContentHash,
		TTLDays:          req.TTLDays,
		IsPublic:         req.IsPublic,
		AccessSecret:     req.AccessSecret,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrValidation):
			apierrors.ValidationError(w, err.Error())
		case errors.Is(err, service.ErrConflict):
			apierrors.Conflict(w, err.Error())
		default:
			h.logger.Error("Ошибка регистрации файла", "owner_id", req.OwnerID, "error", err)
			apierrors.InternalError(w, "Ошибка регистрации файла")
		}
		return
	}

	resp := fileRegisterResponse{File: mapFile(res.File)}
	if res.DuplicateOf != nil {
		resp.DuplicateOf = &res.DuplicateOf.ID
	}

	writeJSON(w, http.StatusCreated, resp)
}

// GetFile — GET /api/v1/files/{file_id}.
// Возвращает метаданные файла (LRU-кэш поверх PostgreSQL).
func (h *APIHandler) GetFile(w http.ResponseWriter, r *http.Request) {
	fileID, ok := parseUUIDParam(w, chi.URLParam(r, "file_id"), "file_id")
	if !ok {
		return
	}

	f, err := h.files.Get(r.Context(), fileID)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			apierrors.NotFound(w, "Файл не найден")
			return
		}
		h.logger.Error("Ошибка получения файла", "file_id", fileID, "error", err)
		apierrors.InternalError(w, "Ошибка получения файла")
		return
	}

	writeJSON(w, http.StatusOK, mapFile(f))
}

// DeleteFile — DELETE /api/v1/files/{file_id}.
// Soft delete записи с последующим удалением байтов из хранилища.
func (h *APIHandler) DeleteFile(w http.ResponseWriter, r *http.Request) {
	fileID, ok := parseUUIDParam(w, chi.URLParam(r, "file_id"), "file_id")
	if !ok {
		return
	}

	if err := h.files.Delete(r.Context(), fileID); err != nil {
		if errors.Is(err, service.ErrNotFound) {
			apierrors.NotFound(w, "Файл не найден")
			return
		}
		h.logger.Error("Ошибка удаления файла", "file_id", fileID, "error", err)
		apierrors.InternalError(w, "Ошибка удаления файла")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// RecordDownload — POST /api/v1/files/{file_id}/downloads.
// Атомарный учёт скачивания с пересчётом expires_at по политике хранения.
func (h *APIHandler) RecordDownload(w http.ResponseWriter, r *http.Request) {
	fileID, ok := parseUUIDParam(w, chi.URLParam(r, "file_id"), "file_id")
	if !ok {
		return
	}

	var req downloadRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	f, outcome, err := h.retention.RecordDownload(r.Context(), fileID, req.DownloaderIP, req.RequesterID)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			apierrors.NotFound(w, "Файл не найден")
			return
		}
		h.logger.Error("Ошибка учёта скачивания", "file_id", fileID, "error", err)
		apierrors.InternalError(w, "Ошибка учёта скачивания")
		return
	}

	writeJSON(w, http.StatusOK, downloadResponse{
		File:           mapFile(f),
		UniqueIP:       outcome.UniqueIP,
		ExpiryExtended: outcome.ExpiryExtended,
		ExpiryCapped:   outcome.ExpiryCapped,
	})
}

// GetQuota — GET /api/v1/owners/{owner_id}/quota.
// Агрегат использования хранилища владельцем по неудалённым файлам.
func (h *APIHandler) GetQuota(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := parseUUIDParam(w, chi.URLParam(r, "owner_id"), "owner_id")
	if !ok {
		return
	}

	snap, err := h.quota.Usage(r.Context(), ownerID)
	if err != nil {
		if errors.Is(err, service.ErrQuotaUnavailable) {
			apierrors.QuotaUnavailable(w, "Учёт квоты временно недоступен")
			return
		}
		h.logger.Error("Ошибка запроса квоты", "owner_id", ownerID, "error", err)
		apierrors.InternalError(w, "Ошибка запроса квоты")
		return
	}

	writeJSON(w, http.StatusOK, quotaResponse{
		OwnerID:          snap.OwnerID,
		TotalActiveBytes: snap.TotalActiveBytes,
		ActiveFileCount:  snap.ActiveFileCount,
	})
}

// ListExpiredFiles — GET /api/v1/files/expired.
// Файлы с истёкшим expires_at, ожидающие reaper.
func (h *APIHandler) ListExpiredFiles(w http.ResponseWriter, r *http.Request) {
	files, err := h.reaper.Expired(r.Context())
	if err != nil {
		h.logger.Error("Ошибка выборки истёкших файлов", "error", err)
		apierrors.InternalError(w, "Ошибка выборки истёкших файлов")
		return
	}

	writeJSON(w, http.StatusOK, mapFileList(files))
}

// ListInactiveFiles — GET /api/v1/files/inactive.
// Файлы без доступа дольше порога неактивности.
func (h *APIHandler) ListInactiveFiles(w http.ResponseWriter, r *http.Request) {
	files, err := h.reaper.Inactive(r.Context())
	if err != nil {
		h.logger.Error("Ошибка выборки неактивных файлов", "error", err)
		apierrors.InternalError(w, "Ошибка выборки неактивных файлов")
		return
	}

	writeJSON(w, http.StatusOK, mapFileList(files))
}

// migrateRequest — тело запроса POST /api/v1/files/{file_id}/migrations.
type migrateRequest struct {
	Target string `json:"target"`
}

// migrateResponse — ответ синхронной миграции.
type migrateResponse struct {
	FileID      uuid.UUID `json:"file_id"`
	StorageTier string    `json:"storage_tier"`
}

// MigrateFile — POST /api/v1/files/{file_id}/migrations.
// Синхронная миграция одного файла на указанный уровень по требованию
// оператора, по тому же claim-протоколу, что и фоновый цикл.
func (h *APIHandler) MigrateFile(w http.ResponseWriter, r *http.Request) {
	fileID, ok := parseUUIDParam(w, chi.URLParam(r, "file_id"), "file_id")
	if !ok {
		return
	}

	var req migrateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	target := model.StorageTier(req.Target)
	if target != model.TierHot && target != model.TierCold {
		apierrors.ValidationError(w, "Некорректный целевой уровень: ожидается hot или cold")
		return
	}

	f, err := h.files.Get(r.Context(), fileID)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			apierrors.NotFound(w, "Файл не найден")
			return
		}
		h.logger.Error("Ошибка получения файла", "file_id", fileID, "error", err)
		apierrors.InternalError(w, "Ошибка получения файла")
		return
	}
	if f.StorageTier == target {
		apierrors.Conflict(w, "Файл уже находится на целевом уровне")
		return
	}

	if _, err := h.migration.MigrateOne(r.Context(), f, target); err != nil {
		switch {
		case errors.Is(err, service.ErrClaimConflict):
			apierrors.ClaimConflict(w, "Файл уже захвачен другим воркером миграции")
		case errors.Is(err, service.ErrStorageIO):
			apierrors.StorageIOFailure(w, "Ошибка ввода-вывода при переносе файла")
		default:
			h.logger.Error("Ошибка миграции файла", "file_id", fileID, "error", err)
			apierrors.InternalError(w, "Ошибка миграции файла")
		}
		return
	}

	h.files.Invalidate(fileID)

	writeJSON(w, http.StatusOK, migrateResponse{
		FileID:      fileID,
		StorageTier: string(target),
	})
}

// GetMigrationCandidates — GET /api/v1/migration/candidates/{direction}.
// Кандидаты на миграцию между уровнями: cold (hot→cold) или hot (cold→hot).
func (h *APIHandler) GetMigrationCandidates(w http.ResponseWriter, r *http.Request) {
	direction := chi.URLParam(r, "direction")

	var (
		files []*model.File
		err   error
	)
	switch direction {
	case "cold":
		files, err = h.migration.CandidatesCold(r.Context())
	case "hot":
		files, err = h.migration.CandidatesHot(r.Context())
	default:
		apierrors.ValidationError(w, "Некорректное направление миграции: ожидается cold или hot")
		return
	}
	if err != nil {
		h.logger.Error("Ошибка выборки кандидатов миграции", "direction", direction, "error", err)
		apierrors.InternalError(w, "Ошибка выборки кандидатов миграции")
		return
	}

	writeJSON(w, http.StatusOK, mapFileList(files))
}
