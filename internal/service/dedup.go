// dedup.go — консультативный индекс дедупликации по содержимому.
//
// Индекс read-only: он подсказывает upload-пути существующую запись
// с тем же content_hash, решение о повторном использовании байтов
// принимает вызывающая сторона. content_hash не уникален — из нескольких
// неудалённых записей каноничной считается самая свежая.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/dropstore/lifecycle-module/internal/domain/model"
	"github.com/bigkaa/dropstore/lifecycle-module/internal/repository"
)

// Prometheus-метрики дедупликации.
var (
	dedupLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lm_dedup_lookups_total",
		Help: "Общее количество запросов к индексу дедупликации (hit/miss).",
	}, []string{"result"})
)

// DedupService — поиск каноничной записи по content_hash.
type DedupService struct {
	fileRepo repository.FileRepository
	logger   *slog.Logger
}

// NewDedupService создаёт сервис дедупликации.
func NewDedupService(fileRepo repository.FileRepository, logger *slog.Logger) *DedupService {
	return &DedupService{
		fileRepo: fileRepo,
		logger:   logger.With(slog.String("component", "dedup_service")),
	}
}

// FindCanonical возвращает каноничную неудалённую запись с данным
// content_hash или ErrNotFound. Удалённые записи из индекса исключены:
// их байты могли быть уже убраны из хранилища.
func (ds *DedupService) FindCanonical(ctx context.Context, contentHash string) (*model.File, error) {
	contentHash = strings.ToLower(strings.TrimSpace(contentHash))
	if contentHash == "" {
		return nil, fmt.Errorf("%w: пустой content_hash", ErrValidation)
	}

	f, err := ds.fileRepo.FindCanonicalByHash(ctx, contentHash)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			dedupLookupsTotal.WithLabelValues("miss").Inc()
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка поиска в индексе дедупликации: %w", err)
	}

	dedupLookupsTotal.WithLabelValues("hit").Inc()
	ds.logger.Debug("Дедупликация: найдена каноничная запись",
		slog.String("content_hash", contentHash),
		slog.String("canonical_id", f.ID.String()),
	)
	return f, nil
}
