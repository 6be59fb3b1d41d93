// Точка входа Lifecycle Module — движок жизненного цикла файлов Dropstore.
// Загружает конфигурацию, подключается к PostgreSQL, применяет миграции,
// создаёт файловое хранилище и сервисный слой, запускает фоновые задачи
// (миграция между уровнями, reaper, GC токенов, topologymetrics),
// HTTP-сервер с graceful shutdown.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/bigkaa/dropstore/lifecycle-module/internal/api/handlers"
	"github.com/bigkaa/dropstore/lifecycle-module/internal/config"
	"github.com/bigkaa/dropstore/lifecycle-module/internal/database"
	"github.com/bigkaa/dropstore/lifecycle-module/internal/domain/model"
	"github.com/bigkaa/dropstore/lifecycle-module/internal/repository"
	"github.com/bigkaa/dropstore/lifecycle-module/internal/server"
	"github.com/bigkaa/dropstore/lifecycle-module/internal/service"
	"github.com/bigkaa/dropstore/lifecycle-module/internal/storage"
)

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("Lifecycle Module запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
	)

	// Предупреждение о дефолтном значении topologymetrics
	if os.Getenv("LM_DEPHEALTH_GROUP") == "" {
		logger.Warn("LM_DEPHEALTH_GROUP не задана, используется значение по умолчанию",
			slog.String("default", cfg.DephealthGroup),
		)
	}

	// 3. Применение миграций БД
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Подключение к PostgreSQL (pgxpool)
	ctx := context.Background()
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// 4.1 Адаптер pgxpool → *sql.DB для topologymetrics (connection pool mode).
	// Проверка здоровья PostgreSQL идёт через существующий пул соединений,
	// что позволяет обнаружить его исчерпание.
	pgDB := stdlib.OpenDBFromPool(pool)
	defer pgDB.Close()

	// 5. Файловое хранилище (hot/cold уровни на локальной ФС)
	provider, err := storage.NewLocalFS(cfg.StorageHotDir, cfg.StorageColdDir)
	if err != nil {
		logger.Error("Ошибка инициализации файлового хранилища", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Файловое хранилище инициализировано",
		slog.String("hot_dir", cfg.StorageHotDir),
		slog.String("cold_dir", cfg.StorageColdDir),
	)

	// 6. Repositories
	fileRepo := repository.NewFileRepository(pool)
	tokenRepo := repository.NewTokenRepository(pool)

	// 7. LRU-кэш метаданных файлов
	cache := service.NewCacheService(cfg.CacheSize, cfg.CacheTTL)

	// 8. Services
	dedupSvc := service.NewDedupService(fileRepo, logger)
	quotaSvc := service.NewQuotaService(fileRepo, logger)
	retentionSvc := service.NewRetentionService(
		fileRepo, cache,
		model.RetentionPolicy{
			ExtensionDays:      cfg.RetentionExtensionDays,
			DownloadThreshold:  cfg.RetentionDownloadThreshold,
			DaysAfterThreshold: cfg.RetentionDaysAfterThreshold,
		},
		logger,
	)
	filesSvc := service.NewFileService(fileRepo, dedupSvc, cache, provider, logger)
	tokenSvc := service.NewTokenService(
		tokenRepo,
		cfg.TokenCodeLength, cfg.TokenMaxAttempts,
		cfg.TokenSignupTTL, cfg.TokenResetTTL, cfg.TokenGCInterval,
		logger,
	)

	// 9. Фоновые сервисы
	migrationSvc := service.NewMigrationService(
		fileRepo, provider,
		cfg.MigrationInterval, cfg.MigrationBatchSize,
		cfg.MigrationDaysInactive, cfg.MigrationHotDownloadThreshold,
		cfg.MigrationStaleTimeout,
		logger,
	)
	reaperSvc := service.NewReaperService(
		fileRepo, cache, provider,
		cfg.ReaperInterval, cfg.MigrationBatchSize, cfg.ReaperInactiveCutoffDays,
		logger,
	)

	// 10. Readiness checker (PostgreSQL)
	pgChecker := database.NewReadinessChecker(pool)
	healthHandler := handlers.NewHealthHandler(pgChecker)

	// 11. API handler
	apiHandler := handlers.NewAPIHandler(
		healthHandler,
		filesSvc,
		retentionSvc,
		quotaSvc,
		tokenSvc,
		migrationSvc,
		reaperSvc,
		logger,
	)

	// 12. Запуск фоновых задач
	migrationSvc.Start(ctx)
	reaperSvc.Start(ctx)
	tokenSvc.Start(ctx)

	// 12.1 topologymetrics — мониторинг зависимостей (PostgreSQL)
	var dephealthSvc *service.DephealthService
	dephealthSvc, dephealthErr := service.NewDephealthService(
		"lifecycle-module",
		cfg.DephealthGroup,
		pgDB,
		cfg.DatabaseURL(),
		cfg.DephealthCheckInterval,
		logger,
	)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
	} else {
		if startErr := dephealthSvc.Start(ctx); startErr != nil {
			logger.Warn("Ошибка запуска topologymetrics",
				slog.String("error", startErr.Error()),
			)
		} else {
			logger.Info("topologymetrics запущен",
				slog.String("group", cfg.DephealthGroup),
				slog.String("check_interval", cfg.DephealthCheckInterval.String()),
			)
		}
	}

	// 13. Создание и запуск HTTP-сервера
	srv := server.New(cfg, logger, apiHandler)
	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 14. Graceful shutdown фоновых задач
	logger.Info("Останавливаем фоновые задачи...")

	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}
	migrationSvc.Stop()
	reaperSvc.Stop()
	tokenSvc.Stop()

	logger.Info("Lifecycle Module остановлен")
}
