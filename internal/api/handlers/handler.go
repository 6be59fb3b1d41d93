// handler.go — основной обработчик API Lifecycle Module.
// Объединяет health и бизнес-обработчики, делегируя запросы в сервисный слой.
package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/bigkaa/dropstore/lifecycle-module/internal/api/errors"
	"github.com/bigkaa/dropstore/lifecycle-module/internal/service"
)

// APIHandler — основной обработчик API Lifecycle Module.
type APIHandler struct {
	health    *HealthHandler
	files     *service.FileService
	retention *service.RetentionService
	quota     *service.QuotaService
	tokens    *service.TokenService
	migration *service.MigrationService
	reaper    *service.ReaperService
	logger    *slog.Logger
}

// NewAPIHandler создаёт основной обработчик API.
func NewAPIHandler(
	health *HealthHandler,
	files *service.FileService,
	retention *service.RetentionService,
	quota *service.QuotaService,
	tokens *service.TokenService,
	migration *service.MigrationService,
	reaper *service.ReaperService,
	logger *slog.Logger,
) *APIHandler {
	return &APIHandler{
		health:    health,
		files:     files,
		retention: retention,
		quota:     quota,
		tokens:    tokens,
		migration: migration,
		reaper:    reaper,
		logger:    logger.With(slog.String("component", "api_handler")),
	}
}

// --- Health endpoints (делегируются в HealthHandler) ---

// HealthLive — liveness probe.
func (h *APIHandler) HealthLive(w http.ResponseWriter, r *http.Request) {
	h.health.HealthLive(w, r)
}

// HealthReady — readiness probe.
func (h *APIHandler) HealthReady(w http.ResponseWriter, r *http.Request) {
	h.health.HealthReady(w, r)
}

// GetMetrics — Prometheus метрики.
func (h *APIHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.health.GetMetrics(w, r)
}

// --- Вспомогательные функции ---

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// parseUUIDParam извлекает и валидирует UUID-параметр пути.
// При ошибке пишет 400 и возвращает false.
func parseUUIDParam(w http.ResponseWriter, raw, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		errors.ValidationError(w, "некорректный "+name+": ожидается UUID")
		return uuid.Nil, false
	}
	return id, true
}

// decodeJSON декодирует тело запроса в dst.
// При ошибке пишет 400 и возвращает false.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		errors.ValidationError(w, "некорректное тело запроса: "+err.Error())
		return false
	}
	return true
}
