// reaper.go — фоновая зачистка истёкших файлов.
//
// Reaper находит неудалённые файлы с expires_at <= now и применяет к ним
// soft delete — идемпотентное терминальное действие: повторный цикл над
// той же записью ничего не меняет. Байты убираются из хранилища best effort.
// Отдельно отдаёт read-only выборку неактивных файлов для сервиса
// уведомлений (сам он никого не уведомляет).
//
// Запускается как горутина с периодическим тикером (LM_REAPER_INTERVAL).
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/dropstore/lifecycle-module/internal/domain/model"
	"github.com/bigkaa/dropstore/lifecycle-module/internal/repository"
	"github.com/bigkaa/dropstore/lifecycle-module/internal/storage"
)

// Prometheus-метрики reaper.
var (
	reaperRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lm_reaper_runs_total",
		Help: "Общее количество запусков зачистки истёкших файлов.",
	})

	reaperFilesDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lm_reaper_files_deleted_total",
		Help: "Общее количество истёкших файлов, помеченных удалёнными.",
	})

	reaperDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lm_reaper_duration_seconds",
		Help:    "Длительность одного цикла зачистки в секундах.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

// ReaperResult — результат одного цикла зачистки.
type ReaperResult struct {
	// DeletedCount — количество файлов, помеченных удалёнными
	DeletedCount int
	// Errors — количество ошибок при обработке файлов
	Errors int
	// Duration — длительность цикла
	Duration time.Duration
}

// ReaperService — фоновая зачистка истёкших файлов.
type ReaperService struct {
	fileRepo           repository.FileRepository
	cache              *CacheService
	provider           storage.Provider
	interval           time.Duration
	batchSize          int
	inactiveCutoffDays int
	logger             *slog.Logger
	now                func() time.Time

	mu     sync.Mutex // защита от параллельного запуска RunOnce
	cancel context.CancelFunc
}

// NewReaperService создаёт сервис зачистки.
func NewReaperService(
	fileRepo repository.FileRepository,
	cache *CacheService,
	provider storage.Provider,
	interval time.Duration,
	batchSize int,
	inactiveCutoffDays int,
	logger *slog.Logger,
) *ReaperService {
	return &ReaperService{
		fileRepo:           fileRepo,
		cache:              cache,
		provider:           provider,
		interval:           interval,
		batchSize:          batchSize,
		inactiveCutoffDays: inactiveCutoffDays,
		logger:             logger.With(slog.String("component", "reaper")),
		now:                time.Now,
	}
}

// Start запускает фоновую горутину зачистки с периодическим тикером.
func (rs *ReaperService) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	rs.cancel = cancel

	go rs.run(runCtx)

	rs.logger.Info("Reaper запущен",
		slog.String("interval", rs.interval.String()),
	)
}

// Stop останавливает фоновый процесс зачистки.
func (rs *ReaperService) Stop() {
	if rs.cancel != nil {
		rs.cancel()
	}
	rs.logger.Info("Reaper остановлен")
}

// run — основной цикл фоновой горутины.
func (rs *ReaperService) run(ctx context.Context) {
	ticker := time.NewTicker(rs.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rs.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет один цикл зачистки: soft delete всех файлов с истёкшим
// expires_at. Потокобезопасен. Ошибка одной записи не прерывает цикл.
func (rs *ReaperService) RunOnce(ctx context.Context) *ReaperResult {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	start := time.Now()
	result := &ReaperResult{}
	now := rs.now().UTC()

	expired, err := rs.fileRepo.Expired(ctx, now, rs.batchSize)
	if err != nil {
		rs.logger.Error("Ошибка выборки истёкших файлов",
			slog.String("error", err.Error()),
		)
		result.Errors++
		return result
	}

	for _, f := range expired {
		if ctx.Err() != nil {
			break
		}

		if err := rs.fileRepo.SoftDelete(ctx, f.ID, now); err != nil {
			// ErrNotFound — файл удалили параллельно, терминальное
			// действие уже применено
			if errors.Is(err, repository.ErrNotFound) {
				continue
			}
			rs.logger.Error("Ошибка зачистки истёкшего файла",
				slog.String("file_id", f.ID.String()),
				slog.String("error", err.Error()),
			)
			result.Errors++
			continue
		}

		rs.cache.Delete(f.ID)

		if err := rs.provider.Delete(ctx, f.StorageTier, f.StorageKey); err != nil {
			rs.logger.Warn("Не удалось удалить байты истёкшего файла",
				slog.String("file_id", f.ID.String()),
				slog.String("error", err.Error()),
			)
		}

		rs.logger.Debug("Истёкший файл помечен удалённым",
			slog.String("file_id", f.ID.String()),
			slog.Time("expires_at", *f.ExpiresAt),
		)
		result.DeletedCount++
	}

	result.Duration = time.Since(start)

	reaperRunsTotal.Inc()
	reaperFilesDeletedTotal.Add(float64(result.DeletedCount))
	reaperDurationSeconds.Observe(result.Duration.Seconds())

	if result.DeletedCount > 0 || result.Errors > 0 {
		rs.logger.Info("Цикл зачистки завершён",
			slog.Int("deleted", result.DeletedCount),
			slog.Int("errors", result.Errors),
			slog.Duration("duration", result.Duration),
		)
	}

	return result
}

// Expired возвращает неудалённые файлы с истёкшим expires_at (read-only,
// для инспекции через API).
func (rs *ReaperService) Expired(ctx context.Context) ([]*model.File, error) {
	files, err := rs.fileRepo.Expired(ctx, rs.now().UTC(), rs.batchSize)
	if err != nil {
		return nil, fmt.Errorf("выборка истёкших файлов: %w", err)
	}
	return files, nil
}

// Inactive возвращает файлы без скачиваний дольше порога неактивности:
// кандидаты на предупреждение владельца перед удалением. Выборка
// читающая, уведомлениями занимается внешний сервис.
func (rs *ReaperService) Inactive(ctx context.Context) ([]*model.File, error) {
	cutoff := rs.now().UTC().AddDate(0, 0, -rs.inactiveCutoffDays)
	files, err := rs.fileRepo.Inactive(ctx, cutoff, rs.batchSize)
	if err != nil {
		return nil, fmt.Errorf("выборка неактивных файлов: %w", err)
	}
	return files, nil
}
