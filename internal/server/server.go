// Пакет server — HTTP-сервер Lifecycle Module с graceful shutdown.
// Без TLS — HTTP внутри кластера, TLS termination на API Gateway.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/dropstore/lifecycle-module/internal/api/handlers"
	"github.com/bigkaa/dropstore/lifecycle-module/internal/api/middleware"
	"github.com/bigkaa/dropstore/lifecycle-module/internal/config"
)

// Server — HTTP-сервер Lifecycle Module.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// New создаёт новый HTTP-сервер с настроенными routes и middleware.
func New(cfg *config.Config, logger *slog.Logger, handler *handlers.APIHandler) *Server {
	router := chi.NewRouter()

	// Глобальные middleware (применяются ко ВСЕМ маршрутам)
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.RequestLogger(logger))

	// Health и metrics — проверяются Kubernetes напрямую, без API Gateway
	router.Get("/health/live", handler.HealthLive)
	router.Get("/health/ready", handler.HealthReady)
	router.Get("/metrics", handler.GetMetrics)

	router.Route("/api/v1", func(r chi.Router) {
		// Файловый реестр.
		// Статические пути регистрируются раньше параметризованных.
		r.Post("/files", handler.RegisterFile)
		r.Get("/files/expired", handler.ListExpiredFiles)
		r.Get("/files/inactive", handler.ListInactiveFiles)
		r.Get("/files/{file_id}", handler.GetFile)
		r.Delete("/files/{file_id}", handler.DeleteFile)
		r.Post("/files/{file_id}/downloads", handler.RecordDownload)
		r.Post("/files/{file_id}/migrations", handler.MigrateFile)

		// Квота владельца
		r.Get("/owners/{owner_id}/quota", handler.GetQuota)

		// Кандидаты миграции между уровнями хранения
		r.Get("/migration/candidates/{direction}", handler.GetMigrationCandidates)

		// Токены подтверждения
		r.Post("/tokens/issue", handler.IssueToken)
		r.Post("/tokens/verify", handler.VerifyToken)
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
		cfg:        cfg,
	}
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM).
// При получении сигнала выполняется graceful shutdown.
func (s *Server) Run() error {
	// Канал для ошибок сервера
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
		)

		err := s.httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Ожидание сигнала завершения
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
