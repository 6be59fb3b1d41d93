// quota.go — учёт использования хранилища владельцем.
//
// Квота всегда считается по живому состоянию БД без кэширования:
// soft delete должен освобождать место немедленно, устаревший агрегат
// хуже медленного. При недоступности агрегата возвращается ошибка,
// а не частичный ответ.
package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/dropstore/lifecycle-module/internal/domain/model"
	"github.com/bigkaa/dropstore/lifecycle-module/internal/repository"
)

// Prometheus-метрики квоты.
var (
	quotaQueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lm_quota_queries_total",
		Help: "Общее количество запросов квоты владельца (по статусу).",
	}, []string{"status"})
)

// QuotaService — агрегат использования хранилища владельцем.
type QuotaService struct {
	fileRepo repository.FileRepository
	logger   *slog.Logger
}

// NewQuotaService создаёт сервис квоты.
func NewQuotaService(fileRepo repository.FileRepository, logger *slog.Logger) *QuotaService {
	return &QuotaService{
		fileRepo: fileRepo,
		logger:   logger.With(slog.String("component", "quota_service")),
	}
}

// Usage возвращает срез использования хранилища владельцем: суммарный
// размер и количество неудалённых файлов. Владелец без файлов — нулевой
// срез, не ошибка.
func (qs *QuotaService) Usage(ctx context.Context, ownerID uuid.UUID) (*model.QuotaSnapshot, error) {
	snap, err := qs.fileRepo.Usage(ctx, ownerID)
	if err != nil {
		quotaQueriesTotal.WithLabelValues("error").Inc()
		qs.logger.Error("Агрегат квоты недоступен",
			slog.String("owner_id", ownerID.String()),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%w: %v", ErrQuotaUnavailable, err)
	}

	quotaQueriesTotal.WithLabelValues("success").Inc()
	return snap, nil
}
