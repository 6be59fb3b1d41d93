// migration.go — сервис миграции файлов между уровнями хранения.
//
// Цикл миграции: выборка кандидатов hot → cold (давно не запрашивались)
// и cold → hot (снова популярны), захват каждой записи через CAS claim,
// физический перенос байтов, фиксация нового уровня. Проигранный claim —
// не ошибка обработки: запись просто пропускается, её забрал другой воркер.
// Ошибка одной записи никогда не прерывает батч.
//
// Запускается как горутина с периодическим тикером (LM_MIGRATION_INTERVAL).
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

// hotRecencyWindow — окно свежести скачиваний для миграции cold → hot:
// учитываются только файлы, скачанные в последние 7 дней.
const hotRecencyWindow = 7 * 24 * time.Hour

// Prometheus-метрики миграции.
var (
	migrationRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lm_migration_runs_total",
		Help: "Общее количество запусков цикла миграции.",
	})

	migrationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lm_migrations_total",
		Help: "Количество миграций файлов (по направлению и исходу).",
	}, []string{"direction", "status"})

	migrationClaimConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lm_migration_claim_conflicts_total",
		Help: "Количество проигранных claim (запись забрал другой воркер).",
	})

	migrationStaleReclaimedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lm_migration_stale_reclaimed_total",
		Help: "Количество зависших in_progress миграций, возвращённых в failed.",
	})

	migrationDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lm_migration_run_duration_seconds",
		Help:    "Длительность одного цикла миграции в секундах.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
	})
)

// MigrationResult — результат одного цикла миграции.
type MigrationResult struct {
	// StaleReclaimed — количество зависших in_progress, возвращённых в failed
	StaleReclaimed int
	// ToCold — количество файлов, перенесённых hot → cold
	ToCold int
	// ToHot — количество файлов, перенесённых cold → hot
	ToHot int
	// Skipped — количество записей, пропущенных из-за проигранного claim
	Skipped int
	// Errors — количество записей, завершившихся failed
	Errors int
	// Duration — длительность цикла
	Duration time.Duration
}

// MigrationService — фоновый движок миграции между уровнями хранения.
type MigrationService struct {
	fileRepo             repository.FileRepository
	provider             storage.Provider
	interval             time.Duration
	batchSize            int
	daysInactive         int
	hotDownloadThreshold int64
	staleTimeout         time.Duration
	logger               *slog.Logger
	now                  func() time.Time

	mu     sync.Mutex // защита от параллельного запуска RunOnce
	cancel context.CancelFunc
}

// NewMigrationService создаёт сервис миграции.
func NewMigrationService(
	fileRepo repository.FileRepository,
	provider storage.Provider,
	interval time.Duration,
	batchSize int,
	daysInactive int,
	hotDownloadThreshold int,
	staleTimeout time.Duration,
	logger *slog.Logger,
) *MigrationService {
	return &MigrationService{
		fileRepo:             fileRepo,
		provider:             provider,
		interval:             interval,
		batchSize:            batchSize,
		daysInactive:         daysInactive,
		hotDownloadThreshold: int64(hotDownloadThreshold),
		staleTimeout:         staleTimeout,
		logger:               logger.With(slog.String("component", "migration")),
		now:                  time.Now,
	}
}

// CandidatesCold возвращает кандидатов hot → cold: не запрашивались
// дольше daysInactive, самые залежавшиеся первыми. Выборка читающая,
// без side effects — её можно запрашивать сколько угодно раз.
func (ms *MigrationService) CandidatesCold(ctx context.Context) ([]*model.File, error) {
	cutoff := ms.now().UTC().AddDate(0, 0, -ms.daysInactive)
	files, err := ms.fileRepo.ColdCandidates(ctx, cutoff, ms.batchSize)
	if err != nil {
		return nil, fmt.Errorf("выборка кандидатов hot → cold: %w", err)
	}
	return files, nil
}

// CandidatesHot возвращает кандидатов cold → hot: скачаны не менее
// hotDownloadThreshold раз, последнее скачивание в окне свежести,
// самые популярные первыми.
func (ms *MigrationService) CandidatesHot(ctx context.Context) ([]*model.File, error) {
	since := ms.now().UTC().Add(-hotRecencyWindow)
	files, err := ms.fileRepo.HotCandidates(ctx, ms.hotDownloadThreshold, since, ms.batchSize)
	if err != nil {
		return nil, fmt.Errorf("выборка кандидатов cold → hot: %w", err)
	}
	return files, nil
}

// Start запускает фоновую горутину миграции с периодическим тикером.
// Вызывается один раз при старте приложения.
func (ms *MigrationService) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	ms.cancel = cancel

	go ms.run(runCtx)

	ms.logger.Info("Движок миграции запущен",
		slog.String("interval", ms.interval.String()),
		slog.Int("batch_size", ms.batchSize),
		slog.Int("days_inactive", ms.daysInactive),
		slog.Int64("hot_download_threshold", ms.hotDownloadThreshold),
	)
}

// Stop останавливает фоновый процесс миграции.
func (ms *MigrationService) Stop() {
	if ms.cancel != nil {
		ms.cancel()
	}
	ms.logger.Info("Движок миграции остановлен")
}

// run — основной цикл фоновой горутины.
func (ms *MigrationService) run(ctx context.Context) {
	ticker := time.NewTicker(ms.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ms.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет один цикл миграции.
// Потокобезопасен: использует mutex для защиты от параллельного запуска.
//
// Порядок обработки:
//  1. Возврат зависших in_progress (claim старше staleTimeout) в failed
//  2. Батч hot → cold
//  3. Батч cold → hot
func (ms *MigrationService) RunOnce(ctx context.Context) *MigrationResult {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	start := time.Now()
	result := &MigrationResult{}

	ms.logger.Debug("Цикл миграции начат")

	// Фаза 1: возврат зависших миграций
	reclaimed, err := ms.fileRepo.ReclaimStale(ctx, ms.now().UTC().Add(-ms.staleTimeout))
	if err != nil {
		ms.logger.Error("Ошибка возврата зависших миграций",
			slog.String("error", err.Error()),
		)
	} else if reclaimed > 0 {
		migrationStaleReclaimedTotal.Add(float64(reclaimed))
		ms.logger.Warn("Зависшие миграции возвращены в failed",
			slog.Int("count", reclaimed),
		)
	}
	result.StaleReclaimed = reclaimed

	// Фаза 2: hot → cold
	if candidates, err := ms.CandidatesCold(ctx); err != nil {
		ms.logger.Error("Ошибка выборки кандидатов hot → cold",
			slog.String("error", err.Error()),
		)
	} else {
		ms.migrateBatch(ctx, candidates, model.TierCold, result)
	}

	// Фаза 3: cold → hot
	if candidates, err := ms.CandidatesHot(ctx); err != nil {
		ms.logger.Error("Ошибка выборки кандидатов cold → hot",
			slog.String("error", err.Error()),
		)
	} else {
		ms.migrateBatch(ctx, candidates, model.TierHot, result)
	}

	result.Duration = time.Since(start)

	migrationRunsTotal.Inc()
	migrationDurationSeconds.Observe(result.Duration.Seconds())

	ms.logger.Info("Цикл миграции завершён",
		slog.Int("stale_reclaimed", result.StaleReclaimed),
		slog.Int("to_cold", result.ToCold),
		slog.Int("to_hot", result.ToHot),
		slog.Int("skipped", result.Skipped),
		slog.Int("errors", result.Errors),
		slog.Duration("duration", result.Duration),
	)

	return result
}

// migrateBatch переносит батч кандидатов на указанный уровень.
// Ошибка одной записи не прерывает обработку остальных.
func (ms *MigrationService) migrateBatch(ctx context.Context, candidates []*model.File, target model.StorageTier, result *MigrationResult) {
	for _, f := range candidates {
		if ctx.Err() != nil {
			return
		}

		migrated, err := ms.MigrateOne(ctx, f, target)
		switch {
		case errors.Is(err, ErrClaimConflict):
			result.Skipped++
		case err != nil:
			result.Errors++
			ms.logger.Error("Миграция файла завершилась ошибкой",
				slog.String("file_id", f.ID.String()),
				slog.String("target_tier", string(target)),
				slog.String("error", err.Error()),
			)
		case migrated && target == model.TierCold:
			result.ToCold++
		case migrated && target == model.TierHot:
			result.ToHot++
		}
	}
}

// MigrateOne переносит один файл на указанный уровень.
//
// Протокол: claim (CAS pending) → in_progress → копирование байтов →
// удаление исходника → completed. Любая ошибка после захвата переводит
// запись в failed — она останется доступной для повторной попытки.
// Проигранный claim возвращается как ErrClaimConflict.
func (ms *MigrationService) MigrateOne(ctx context.Context, f *model.File, target model.StorageTier) (bool, error) {
	direction := directionLabel(f.StorageTier, target)

	// Недопустимый переход по матрице (pending/in_progress) — заведомо
	// проигранный claim, без обращения к базе. SQL остаётся арбитром гонок.
	if !model.CanTransitionMigration(f.MigrationStatus, model.MigrationPending) {
		migrationClaimConflictsTotal.Inc()
		ms.logger.Debug("Запись не допускает claim, пропущена",
			slog.String("file_id", f.ID.String()),
			slog.String("status", string(f.MigrationStatus)),
		)
		return false, ErrClaimConflict
	}

	if err := ms.fileRepo.ClaimForMigration(ctx, f.ID, ms.now().UTC()); err != nil {
		if errors.Is(err, repository.ErrClaimConflict) {
			migrationClaimConflictsTotal.Inc()
			ms.logger.Debug("Claim проигран, запись пропущена",
				slog.String("file_id", f.ID.String()),
			)
			return false, ErrClaimConflict
		}
		return false, fmt.Errorf("claim миграции: %w", err)
	}

	if err := ms.fileRepo.MarkMigrationInProgress(ctx, f.ID); err != nil {
		return false, fmt.Errorf("переход pending → in_progress: %w", err)
	}

	if err := ms.copyObject(ctx, f, target); err != nil {
		migrationsTotal.WithLabelValues(direction, "failed").Inc()
		if failErr := ms.fileRepo.FailMigration(ctx, f.ID); failErr != nil {
			ms.logger.Error("Не удалось зафиксировать failed после ошибки копирования",
				slog.String("file_id", f.ID.String()),
				slog.String("error", failErr.Error()),
			)
		}
		return false, fmt.Errorf("%w: %v", ErrStorageIO, err)
	}

	if err := ms.fileRepo.CompleteMigration(ctx, f.ID, target, ms.now().UTC()); err != nil {
		migrationsTotal.WithLabelValues(direction, "failed").Inc()
		return false, fmt.Errorf("фиксация завершения миграции: %w", err)
	}

	migrationsTotal.WithLabelValues(direction, "completed").Inc()
	ms.logger.Info("Файл мигрирован",
		slog.String("file_id", f.ID.String()),
		slog.String("direction", direction),
		slog.Int64("size", f.Size),
	)
	return true, nil
}

// copyObject физически переносит байты файла между уровнями:
// чтение с исходного уровня, запись на целевой, удаление исходника.
// Удаление исходника после успешной записи не критично при ошибке:
// лишняя копия безопасна, её подберёт сверка хранилища.
func (ms *MigrationService) copyObject(ctx context.Context, f *model.File, target model.StorageTier) error {
	src, err := ms.provider.Get(ctx, f.StorageTier, f.StorageKey)
	if err != nil {
		return fmt.Errorf("чтение объекта с уровня %s: %w", f.StorageTier, err)
	}
	defer src.Close()

	if _, err := ms.provider.Put(ctx, target, f.StorageKey, src); err != nil {
		return fmt.Errorf("запись объекта на уровень %s: %w", target, err)
	}

	if err := ms.provider.Delete(ctx, f.StorageTier, f.StorageKey); err != nil {
		ms.logger.Warn("Не удалось удалить исходную копию после миграции",
			slog.String("file_id", f.ID.String()),
			slog.String("tier", string(f.StorageTier)),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// directionLabel строит метку направления миграции для метрик.
func directionLabel(from, to model.StorageTier) string {
	return fmt.Sprintf("%s_to_%s", from, to)
}
