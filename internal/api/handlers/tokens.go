// tokens.go — обработчики /api/v1/tokens endpoints.
// Выпуск и проверка одноразовых кодов подтверждения (signup/reset).
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	apierrors "github.com/bigkaa/dropstore/lifecycle-module/internal/api/errors"
	"github.com/bigkaa/dropstore/lifecycle-module/internal/service"
)

// tokenIssueRequest — тело запроса POST /api/v1/tokens/issue.
type tokenIssueRequest struct {
	Identity string          `json:"identity"`
	Kind     string          `json:"kind"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// tokenIssueResponse — ответ выпуска токена.
// Код возвращается вызывающей стороне для доставки пользователю
// (email/SMS остаются за пределами модуля).
type tokenIssueResponse struct {
	Identity string `json:"identity"`
	Kind     string `json:"kind"`
	Code     string `json:"code"`
}

// tokenVerifyRequest — тело запроса POST /api/v1/tokens/verify.
type tokenVerifyRequest struct {
	Identity string `json:"identity"`
	Code     string `json:"code"`
}

// tokenVerifyResponse — ответ успешной проверки кода.
type tokenVerifyResponse struct {
	Status  string          `json:"status"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// IssueToken — POST /api/v1/tokens/issue.
// Выпускает новый код подтверждения, заменяя предыдущий живой токен
// той же идентичности.
func (h *APIHandler) IssueToken(w http.ResponseWriter, r *http.Request) {
	var req tokenIssueRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	kind := service.TokenKind(req.Kind)
	if kind != service.TokenSignup && kind != service.TokenReset {
		apierrors.ValidationError(w, "Некорректный сценарий токена: ожидается signup или reset")
		return
	}

	code, err := h.tokens.Issue(r.Context(), req.Identity, kind, req.Payload)
	if err != nil {
		if errors.Is(err, service.ErrValidation) {
			apierrors.ValidationError(w, err.Error())
			return
		}
		h.logger.Error("Ошибка выпуска токена", "identity", req.Identity, "kind", req.Kind, "error", err)
		apierrors.InternalError(w, "Ошибка выпуска токена")
		return
	}

	writeJSON(w, http.StatusCreated, tokenIssueResponse{
		Identity: req.Identity,
		Kind:     req.Kind,
		Code:     code,
	})
}

// VerifyToken — POST /api/v1/tokens/verify.
// Проверяет код: успех потребляет токен, неверный код расходует попытку.
func (h *APIHandler) VerifyToken(w http.ResponseWriter, r *http.Request) {
	var req tokenVerifyRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := h.tokens.Verify(r.Context(), req.Identity, req.Code)
	if err != nil {
		if errors.Is(err, service.ErrValidation) {
			apierrors.ValidationError(w, err.Error())
			return
		}
		h.logger.Error("Ошибка проверки токена", "identity", req.Identity, "error", err)
		apierrors.InternalError(w, "Ошибка проверки токена")
		return
	}

	switch res.Status {
	case service.VerifyOK:
		writeJSON(w, http.StatusOK, tokenVerifyResponse{
			Status:  string(res.Status),
			Payload: res.Payload,
		})
	case service.VerifyInvalidCode:
		apierrors.InvalidCode(w, fmt.Sprintf("Неверный код подтверждения, осталось попыток: %d", res.AttemptsLeft))
	case service.VerifyTooManyAttempts:
		apierrors.TooManyAttempts(w, "Превышен лимит попыток проверки кода")
	case service.VerifyExpiredOrNotFound:
		apierrors.Expired(w, "Токен истёк или не существует")
	default:
		h.logger.Error("Неизвестный статус проверки токена", "status", res.Status)
		apierrors.InternalError(w, "Ошибка проверки токена")
	}
}
