// retention.go — учёт скачиваний и anti-abuse политика продления срока жизни.
//
// Каждое скачивание продлевает expires_at файла на фиксированное число дней,
// пока количество уникальных IP скачивавших не достигло порога. После порога
// срок жизни ограничивается коротким горизонтом и больше не растёт:
// массовая раздача ссылки не удерживает файл в хранилище бесконечно.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/dropstore/lifecycle-module/internal/domain/model"
	"github.com/bigkaa/dropstore/lifecycle-module/internal/repository"
)

// Prometheus-метрики retention.
var (
	downloadsRecordedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lm_downloads_recorded_total",
		Help: "Общее количество учтённых скачиваний.",
	})

	retentionExtensionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lm_retention_extensions_total",
		Help: "Количество продлений expires_at по скачиванию (до порога).",
	})

	retentionCapsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lm_retention_caps_total",
		Help: "Количество ограничений expires_at после срабатывания anti-abuse порога.",
	})
)

// RetentionService — применение политики retention к событиям скачивания.
type RetentionService struct {
	fileRepo repository.FileRepository
	cache    *CacheService
	policy   model.RetentionPolicy
	logger   *slog.Logger
	now      func() time.Time
}

// NewRetentionService создаёт сервис retention.
func NewRetentionService(
	fileRepo repository.FileRepository,
	cache *CacheService,
	policy model.RetentionPolicy,
	logger *slog.Logger,
) *RetentionService {
	return &RetentionService{
		fileRepo: fileRepo,
		cache:    cache,
		policy:   policy,
		logger:   logger.With(slog.String("component", "retention_service")),
		now:      time.Now,
	}
}

// RecordDownload атомарно учитывает скачивание файла: инкремент счётчика,
// учёт уникального IP (скачивания владельца не учитываются как уникальные),
// продление или ограничение expires_at согласно политике.
// Файлы с expires_at IS NULL (безлимитный план) счётчики обновляют,
// срок жизни не трогают.
func (rs *RetentionService) RecordDownload(ctx context.Context, fileID uuid.UUID, downloaderIP string, requesterID uuid.UUID) (*model.File, *model.DownloadOutcome, error) {
	f, out, err := rs.fileRepo.RecordDownload(ctx, fileID, downloaderIP, requesterID, rs.now().UTC(), rs.policy)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("ошибка учёта скачивания: %w", err)
	}

	downloadsRecordedTotal.Inc()
	if out.ExpiryExtended {
		retentionExtensionsTotal.Inc()
	}
	if out.ExpiryCapped {
		retentionCapsTotal.Inc()
	}

	// Инвалидация кэша метаданных: счётчики и expires_at изменились
	rs.cache.Delete(fileID)

	rs.logger.Debug("Скачивание учтено",
		slog.String("file_id", fileID.String()),
		slog.Int64("downloads", f.Downloads),
		slog.Int("unique_ips", len(f.UniqueDownloadIPs)),
		slog.Bool("extended", out.ExpiryExtended),
		slog.Bool("capped", out.ExpiryCapped),
	)

	return f, out, nil
}

// Policy возвращает действующую политику retention.
func (rs *RetentionService) Policy() model.RetentionPolicy {
	return rs.policy
}
