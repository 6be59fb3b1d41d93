// token.go — workflow одноразовых кодов подтверждения.
//
// Поддерживает два сценария: подтверждение регистрации (signup) и сброс
// учётных данных (reset). Выпуск нового токена вытесняет предыдущий токен
// той же идентичности; проверка кода ограничена лимитом попыток.
// Фоновая горутина периодически удаляет истёкшие токены.
package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/dropstore/lifecycle-module/internal/domain/model"
	"github.com/bigkaa/dropstore/lifecycle-module/internal/repository"
)

// TokenKind — сценарий, для которого выпущен токен.
type TokenKind string

const (
	// TokenSignup — подтверждение регистрации
	TokenSignup TokenKind = "signup"
	// TokenReset — сброс учётных данных
	TokenReset TokenKind = "reset"
)

// VerifyStatus — исход проверки кода.
type VerifyStatus string

const (
	// VerifyOK — код верен, токен использован
	VerifyOK VerifyStatus = "ok"
	// VerifyInvalidCode — код не совпал, попытка учтена
	VerifyInvalidCode VerifyStatus = "invalid_code"
	// VerifyTooManyAttempts — лимит попыток исчерпан
	VerifyTooManyAttempts VerifyStatus = "too_many_attempts"
	// VerifyExpiredOrNotFound — живого токена для идентичности нет
	VerifyExpiredOrNotFound VerifyStatus = "expired_or_not_found"
)

// VerifyResult — типизированный результат проверки кода.
type VerifyResult struct {
	// Status — исход проверки
	Status VerifyStatus
	// AttemptsLeft — остаток попыток (для invalid_code)
	AttemptsLeft int
	// Payload — переносимое состояние токена (только при ok)
	Payload []byte
}

// Prometheus-метрики токенов.
var (
	tokensIssuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lm_tokens_issued_total",
		Help: "Общее количество выпущенных токенов подтверждения (по сценарию).",
	}, []string{"kind"})

	tokenVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lm_token_verifications_total",
		Help: "Общее количество проверок кода (по исходу).",
	}, []string{"status"})

	tokensExpiredDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lm_tokens_expired_deleted_total",
		Help: "Общее количество истёкших токенов, удалённых фоновым GC.",
	})
)

// TokenService — выпуск и проверка одноразовых кодов подтверждения.
type TokenService struct {
	repo        repository.TokenRepository
	codeLength  int
	maxAttempts int
	signupTTL   time.Duration
	resetTTL    time.Duration
	gcInterval  time.Duration
	logger      *slog.Logger
	now         func() time.Time

	mu     sync.Mutex // защита от параллельного запуска RunGC
	cancel context.CancelFunc
}

// NewTokenService создаёт сервис токенов.
func NewTokenService(
	repo repository.TokenRepository,
	codeLength int,
	maxAttempts int,
	signupTTL time.Duration,
	resetTTL time.Duration,
	gcInterval time.Duration,
	logger *slog.Logger,
) *TokenService {
	return &TokenService{
		repo:        repo,
		codeLength:  codeLength,
		maxAttempts: maxAttempts,
		signupTTL:   signupTTL,
		resetTTL:    resetTTL,
		gcInterval:  gcInterval,
		logger:      logger.With(slog.String("component", "token_service")),
		now:         time.Now,
	}
}

// Issue выпускает новый токен для идентичности и возвращает код.
// Предыдущие токены той же идентичности удаляются в той же транзакции:
// в любой момент у идентичности не более одного живого токена.
// payload — прозрачное для движка переносимое состояние (может быть nil).
func (ts *TokenService) Issue(ctx context.Context, identity string, kind TokenKind, payload []byte) (string, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return "", fmt.Errorf("%w: пустая идентичность", ErrValidation)
	}

	ttl, err := ts.ttlFor(kind)
	if err != nil {
		return "", err
	}

	code, err := generateCode(ts.codeLength)
	if err != nil {
		return "", fmt.Errorf("ошибка генерации кода: %w", err)
	}

	now := ts.now().UTC()
	token := &model.Token{
		ID:        uuid.New(),
		Identity:  identity,
		Code:      code,
		Payload:   payload,
		ExpiresAt: now.Add(ttl),
	}

	if err := ts.repo.Replace(ctx, token); err != nil {
		return "", fmt.Errorf("ошибка сохранения токена: %w", err)
	}

	tokensIssuedTotal.WithLabelValues(string(kind)).Inc()
	ts.logger.Info("Токен выпущен",
		slog.String("identity", identity),
		slog.String("kind", string(kind)),
		slog.Time("expires_at", token.ExpiresAt),
	)

	return code, nil
}

// Verify проверяет код для идентичности.
//
// Порядок проверки:
//  1. Живой токен (не использован, не истёк) не найден → expired_or_not_found
//  2. Лимит попыток уже исчерпан → токен удаляется, too_many_attempts;
//     все последующие проверки идентичности получают expired_or_not_found
//  3. Код не совпал → атомарный инкремент счётчика попыток, invalid_code
//     (в том числе на попытке, доведшей счётчик до лимита)
//  4. Код совпал → условный consume; проигранная гонка с параллельной
//     проверкой или GC → expired_or_not_found
func (ts *TokenService) Verify(ctx context.Context, identity, code string) (*VerifyResult, error) {
	now := ts.now().UTC()

	token, err := ts.repo.GetLive(ctx, strings.TrimSpace(identity), now)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			tokenVerificationsTotal.WithLabelValues(string(VerifyExpiredOrNotFound)).Inc()
			return &VerifyResult{Status: VerifyExpiredOrNotFound}, nil
		}
		return nil, fmt.Errorf("ошибка получения токена: %w", err)
	}

	if token.Attempts >= ts.maxAttempts {
		// Лимит исчерпан предыдущими попытками: токен удаляется, дальнейшие
		// проверки идентичности получают expired_or_not_found
		if err := ts.repo.Delete(ctx, token.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("ошибка удаления токена: %w", err)
		}
		tokenVerificationsTotal.WithLabelValues(string(VerifyTooManyAttempts)).Inc()
		ts.logger.Warn("Лимит попыток проверки кода исчерпан, токен удалён",
			slog.String("identity", token.Identity),
			slog.Int("attempts", token.Attempts),
		)
		return &VerifyResult{Status: VerifyTooManyAttempts}, nil
	}

	if token.Code != code {
		attempts, err := ts.repo.IncrementAttempts(ctx, token.ID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				// Токен успели использовать или удалить между чтением и инкрементом
				tokenVerificationsTotal.WithLabelValues(string(VerifyExpiredOrNotFound)).Inc()
				return &VerifyResult{Status: VerifyExpiredOrNotFound}, nil
			}
			return nil, fmt.Errorf("ошибка учёта попытки: %w", err)
		}

		// Попытка, доведшая счётчик до лимита, ещё отвечает invalid_code
		// (с нулевым остатком); too_many_attempts наступает со следующей
		left := ts.maxAttempts - attempts
		if left < 0 {
			left = 0
		}
		tokenVerificationsTotal.WithLabelValues(string(VerifyInvalidCode)).Inc()
		return &VerifyResult{
			Status:       VerifyInvalidCode,
			AttemptsLeft: left,
		}, nil
	}

	// Код совпал — условный consume. Условие attempts < maxAttempts закрывает
	// гонку с параллельной неудачной проверкой, исчерпавшей лимит.
	if err := ts.repo.Consume(ctx, token.ID, ts.maxAttempts, now); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			tokenVerificationsTotal.WithLabelValues(string(VerifyExpiredOrNotFound)).Inc()
			return &VerifyResult{Status: VerifyExpiredOrNotFound}, nil
		}
		return nil, fmt.Errorf("ошибка использования токена: %w", err)
	}

	tokenVerificationsTotal.WithLabelValues(string(VerifyOK)).Inc()
	ts.logger.Info("Код подтверждения принят",
		slog.String("identity", token.Identity),
	)

	return &VerifyResult{Status: VerifyOK, Payload: token.Payload}, nil
}

// ttlFor возвращает TTL для сценария.
func (ts *TokenService) ttlFor(kind TokenKind) (time.Duration, error) {
	switch kind {
	case TokenSignup:
		return ts.signupTTL, nil
	case TokenReset:
		return ts.resetTTL, nil
	default:
		return 0, fmt.Errorf("%w: неизвестный сценарий токена %q", ErrValidation, kind)
	}
}

// Start запускает фоновую горутину GC истёкших токенов.
func (ts *TokenService) Start(ctx context.Context) {
	gcCtx, cancel := context.WithCancel(ctx)
	ts.cancel = cancel

	go ts.run(gcCtx)

	ts.logger.Info("GC токенов запущен",
		slog.String("interval", ts.gcInterval.String()),
	)
}

// Stop останавливает фоновый GC.
func (ts *TokenService) Stop() {
	if ts.cancel != nil {
		ts.cancel()
	}
	ts.logger.Info("GC токенов остановлен")
}

// run — основной цикл фоновой горутины.
func (ts *TokenService) run(ctx context.Context) {
	ticker := time.NewTicker(ts.gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ts.RunGC(ctx)
		}
	}
}

// RunGC удаляет истёкшие токены. Потокобезопасен.
func (ts *TokenService) RunGC(ctx context.Context) int {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	deleted, err := ts.repo.DeleteExpired(ctx, ts.now().UTC())
	if err != nil {
		ts.logger.Error("Ошибка GC истёкших токенов",
			slog.String("error", err.Error()),
		)
		return 0
	}

	if deleted > 0 {
		tokensExpiredDeletedTotal.Add(float64(deleted))
		ts.logger.Info("GC токенов завершён",
			slog.Int("deleted", deleted),
		)
	}
	return deleted
}

// generateCode генерирует числовой код фиксированной длины
// с ведущими нулями, равномерно распределённый на [0, 10^length).
func generateCode(length int) (string, error) {
	max := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(length)), nil)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", length, n), nil
}
