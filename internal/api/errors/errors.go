// Пакет errors — конструкторы стандартных ошибок в формате Dropstore.
// Единый формат: {"error": {"code": "...", "message": "..."}}.
// Все HTTP-ответы с ошибками должны использовать WriteError.
package errors

import (
	"encoding/json"
	"net/http"
)

// Коды ошибок, определённые в контракте API.
const (
	CodeValidationError  = "VALIDATION_ERROR"
	CodeNotFound         = "NOT_FOUND"
	CodeExpired          = "EXPIRED"
	CodeTooManyAttempts  = "TOO_MANY_ATTEMPTS"
	CodeInvalidCode      = "INVALID_CODE"
	CodeConflict         = "CONFLICT"
	CodeClaimConflict    = "CLAIM_CONFLICT"
	CodeQuotaUnavailable = "QUOTA_UNAVAILABLE"
	CodeStorageIOFailure = "STORAGE_IO_FAILURE"
	CodeInternalError    = "INTERNAL_ERROR"
)

// errorBody — структура тела ответа ошибки.
type errorBody struct {
	Error errorDetail `json:"error"`
}

// errorDetail — детали ошибки.
type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError записывает ответ ошибки в стандартном формате Dropstore.
// statusCode — HTTP статус-код, code — машиночитаемый код, message — описание.
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error: errorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// --- Конструкторы для типичных ошибок ---

// ValidationError — 400 некорректные входные данные.
func ValidationError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeValidationError, message)
}

// NotFound — 404 ресурс не найден.
func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, CodeNotFound, message)
}

// Expired — 410 ресурс истёк.
func Expired(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusGone, CodeExpired, message)
}

// TooManyAttempts — 429 превышен лимит попыток проверки кода.
func TooManyAttempts(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusTooManyRequests, CodeTooManyAttempts, message)
}

// InvalidCode — 400 неверный код подтверждения.
func InvalidCode(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeInvalidCode, message)
}

// Conflict — 409 конфликт (дублирующийся ресурс).
func Conflict(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, CodeConflict, message)
}

// ClaimConflict — 409 запись уже захвачена другим воркером миграции.
func ClaimConflict(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, CodeClaimConflict, message)
}

// QuotaUnavailable — 503 учёт квоты временно недоступен.
func QuotaUnavailable(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusServiceUnavailable, CodeQuotaUnavailable, message)
}

// StorageIOFailure — 502 ошибка ввода-вывода хранилища.
func StorageIOFailure(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadGateway, CodeStorageIOFailure, message)
}

// InternalError — 500 внутренняя ошибка.
func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, CodeInternalError, message)
}
