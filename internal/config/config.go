// Пакет config — загрузка и валидация конфигурации Lifecycle Module
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации Lifecycle Module.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера (диапазон 8000-8009)
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// --- PostgreSQL ---

	// Хост PostgreSQL
	DBHost string
	// Порт PostgreSQL
	DBPort int
	// Имя базы данных
	DBName string
	// Имя пользователя PostgreSQL
	DBUser string
	// Пароль пользователя PostgreSQL
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string

	// --- Retention (anti-abuse политика хранения) ---

	// Продление expires_at от каждого скачивания до порога, в днях
	RetentionExtensionDays int
	// Порог уникальных IP, за которым включается anti-abuse ограничение
	RetentionDownloadThreshold int
	// Горизонт жизни файла после срабатывания порога, в днях
	RetentionDaysAfterThreshold int

	// --- Миграция между уровнями хранения ---

	// Интервал запуска миграционного цикла
	MigrationInterval time.Duration
	// Максимальный размер батча кандидатов за один цикл
	MigrationBatchSize int
	// Порог неактивности для миграции hot → cold, в днях
	MigrationDaysInactive int
	// Порог скачиваний для миграции cold → hot
	MigrationHotDownloadThreshold int
	// Таймаут, после которого зависшие in_progress возвращаются в failed
	MigrationStaleTimeout time.Duration

	// --- Хранилище ---

	// Корневая директория hot-уровня
	StorageHotDir string
	// Корневая директория cold-уровня
	StorageColdDir string

	// --- Токены подтверждения ---

	// Длина числового кода
	TokenCodeLength int
	// Максимум неудачных попыток проверки
	TokenMaxAttempts int
	// TTL токена подтверждения регистрации
	TokenSignupTTL time.Duration
	// TTL токена сброса учётных данных
	TokenResetTTL time.Duration
	// Интервал сборки мусора истёкших токенов
	TokenGCInterval time.Duration

	// --- Reaper ---

	// Интервал sweep истёкших файлов
	ReaperInterval time.Duration
	// Порог глобальной неактивности файла, в днях
	ReaperInactiveCutoffDays int

	// --- Кэш метаданных ---

	// Максимальное количество записей в LRU-кэше
	CacheSize int
	// TTL записи кэша
	CacheTTL time.Duration

	// --- Dephealth ---

	// Имя группы в метриках topologymetrics
	DephealthGroup string
	// Интервал проверки зависимостей
	DephealthCheckInterval time.Duration

	// --- Graceful shutdown ---

	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	// LM_PORT — порт HTTP-сервера (по умолчанию 8004)
	cfg.Port, err = getEnvInt("LM_PORT", 8004)
	if err != nil {
		return nil, fmt.Errorf("LM_PORT: %w", err)
	}
	if cfg.Port < 8000 || cfg.Port > 8009 {
		return nil, fmt.Errorf("LM_PORT: значение %d вне допустимого диапазона 8000-8009", cfg.Port)
	}

	// LM_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("LM_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("LM_LOG_LEVEL: %w", err)
	}

	// LM_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("LM_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("LM_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// --- PostgreSQL ---

	// LM_DB_HOST — обязательный
	cfg.DBHost, err = getEnvRequired("LM_DB_HOST")
	if err != nil {
		return nil, err
	}

	// LM_DB_PORT — порт PostgreSQL (по умолчанию 5432)
	cfg.DBPort, err = getEnvInt("LM_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("LM_DB_PORT: %w", err)
	}

	// LM_DB_NAME — обязательный
	cfg.DBName, err = getEnvRequired("LM_DB_NAME")
	if err != nil {
		return nil, err
	}

	// LM_DB_USER — обязательный
	cfg.DBUser, err = getEnvRequired("LM_DB_USER")
	if err != nil {
		return nil, err
	}

	// LM_DB_PASSWORD — обязательный
	cfg.DBPassword, err = getEnvRequired("LM_DB_PASSWORD")
	if err != nil {
		return nil, err
	}

	// LM_DB_SSL_MODE — режим SSL (по умолчанию disable)
	cfg.DBSSLMode = getEnvDefault("LM_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return nil, fmt.Errorf("LM_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}

	// --- Retention ---

	// LM_RETENTION_EXTENSION_DAYS — продление от скачивания (по умолчанию 5)
	cfg.RetentionExtensionDays, err = getEnvInt("LM_RETENTION_EXTENSION_DAYS", 5)
	if err != nil {
		return nil, fmt.Errorf("LM_RETENTION_EXTENSION_DAYS: %w", err)
	}
	if cfg.RetentionExtensionDays < 1 {
		return nil, fmt.Errorf("LM_RETENTION_EXTENSION_DAYS: значение %d должно быть >= 1", cfg.RetentionExtensionDays)
	}

	// LM_RETENTION_DOWNLOAD_THRESHOLD — порог уникальных IP (по умолчанию 5)
	cfg.RetentionDownloadThreshold, err = getEnvInt("LM_RETENTION_DOWNLOAD_THRESHOLD", 5)
	if err != nil {
		return nil, fmt.Errorf("LM_RETENTION_DOWNLOAD_THRESHOLD: %w", err)
	}
	if cfg.RetentionDownloadThreshold < 1 {
		return nil, fmt.Errorf("LM_RETENTION_DOWNLOAD_THRESHOLD: значение %d должно быть >= 1", cfg.RetentionDownloadThreshold)
	}

	// LM_RETENTION_DAYS_AFTER_THRESHOLD — горизонт после порога (по умолчанию 1)
	cfg.RetentionDaysAfterThreshold, err = getEnvInt("LM_RETENTION_DAYS_AFTER_THRESHOLD", 1)
	if err != nil {
		return nil, fmt.Errorf("LM_RETENTION_DAYS_AFTER_THRESHOLD: %w", err)
	}
	if cfg.RetentionDaysAfterThreshold < 1 {
		return nil, fmt.Errorf("LM_RETENTION_DAYS_AFTER_THRESHOLD: значение %d должно быть >= 1", cfg.RetentionDaysAfterThreshold)
	}

	// --- Миграция ---

	// LM_MIGRATION_INTERVAL — интервал миграционного цикла (по умолчанию 10m)
	cfg.MigrationInterval, err = getEnvDuration("LM_MIGRATION_INTERVAL", 10*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("LM_MIGRATION_INTERVAL: %w", err)
	}

	// LM_MIGRATION_BATCH_SIZE — размер батча (по умолчанию 100)
	cfg.MigrationBatchSize, err = getEnvInt("LM_MIGRATION_BATCH_SIZE", 100)
	if err != nil {
		return nil, fmt.Errorf("LM_MIGRATION_BATCH_SIZE: %w", err)
	}
	if cfg.MigrationBatchSize < 1 || cfg.MigrationBatchSize > 10000 {
		return nil, fmt.Errorf("LM_MIGRATION_BATCH_SIZE: значение %d вне допустимого диапазона 1-10000", cfg.MigrationBatchSize)
	}

	// LM_MIGRATION_DAYS_INACTIVE — неактивность для hot → cold (по умолчанию 30)
	cfg.MigrationDaysInactive, err = getEnvInt("LM_MIGRATION_DAYS_INACTIVE", 30)
	if err != nil {
		return nil, fmt.Errorf("LM_MIGRATION_DAYS_INACTIVE: %w", err)
	}
	if cfg.MigrationDaysInactive < 1 {
		return nil, fmt.Errorf("LM_MIGRATION_DAYS_INACTIVE: значение %d должно быть >= 1", cfg.MigrationDaysInactive)
	}

	// LM_MIGRATION_HOT_DOWNLOAD_THRESHOLD — порог скачиваний для cold → hot (по умолчанию 10)
	cfg.MigrationHotDownloadThreshold, err = getEnvInt("LM_MIGRATION_HOT_DOWNLOAD_THRESHOLD", 10)
	if err != nil {
		return nil, fmt.Errorf("LM_MIGRATION_HOT_DOWNLOAD_THRESHOLD: %w", err)
	}

	// LM_MIGRATION_STALE_TIMEOUT — таймаут зависших in_progress (по умолчанию 30m)
	cfg.MigrationStaleTimeout, err = getEnvDuration("LM_MIGRATION_STALE_TIMEOUT", 30*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("LM_MIGRATION_STALE_TIMEOUT: %w", err)
	}

	// --- Хранилище ---

	// LM_STORAGE_HOT_DIR — обязательный
	cfg.StorageHotDir, err = getEnvRequired("LM_STORAGE_HOT_DIR")
	if err != nil {
		return nil, err
	}

	// LM_STORAGE_COLD_DIR — обязательный
	cfg.StorageColdDir, err = getEnvRequired("LM_STORAGE_COLD_DIR")
	if err != nil {
		return nil, err
	}

	// --- Токены ---

	// LM_TOKEN_CODE_LENGTH — длина кода (по умолчанию 6)
	cfg.TokenCodeLength, err = getEnvInt("LM_TOKEN_CODE_LENGTH", 6)
	if err != nil {
		return nil, fmt.Errorf("LM_TOKEN_CODE_LENGTH: %w", err)
	}
	if cfg.TokenCodeLength < 4 || cfg.TokenCodeLength > 10 {
		return nil, fmt.Errorf("LM_TOKEN_CODE_LENGTH: значение %d вне допустимого диапазона 4-10", cfg.TokenCodeLength)
	}

	// LM_TOKEN_MAX_ATTEMPTS — максимум попыток (по умолчанию 5)
	cfg.TokenMaxAttempts, err = getEnvInt("LM_TOKEN_MAX_ATTEMPTS", 5)
	if err != nil {
		return nil, fmt.Errorf("LM_TOKEN_MAX_ATTEMPTS: %w", err)
	}
	if cfg.TokenMaxAttempts < 1 {
		return nil, fmt.Errorf("LM_TOKEN_MAX_ATTEMPTS: значение %d должно быть >= 1", cfg.TokenMaxAttempts)
	}

	// LM_TOKEN_SIGNUP_TTL — TTL токена регистрации (по умолчанию 24h)
	cfg.TokenSignupTTL, err = getEnvDuration("LM_TOKEN_SIGNUP_TTL", 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("LM_TOKEN_SIGNUP_TTL: %w", err)
	}

	// LM_TOKEN_RESET_TTL — TTL токена сброса (по умолчанию 15m)
	cfg.TokenResetTTL, err = getEnvDuration("LM_TOKEN_RESET_TTL", 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("LM_TOKEN_RESET_TTL: %w", err)
	}

	// LM_TOKEN_GC_INTERVAL — интервал GC токенов (по умолчанию 10m)
	cfg.TokenGCInterval, err = getEnvDuration("LM_TOKEN_GC_INTERVAL", 10*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("LM_TOKEN_GC_INTERVAL: %w", err)
	}

	// --- Reaper ---

	// LM_REAPER_INTERVAL — интервал sweep истёкших файлов (по умолчанию 15m)
	cfg.ReaperInterval, err = getEnvDuration("LM_REAPER_INTERVAL", 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("LM_REAPER_INTERVAL: %w", err)
	}

	// LM_REAPER_INACTIVE_CUTOFF_DAYS — порог глобальной неактивности (по умолчанию 90)
	cfg.ReaperInactiveCutoffDays, err = getEnvInt("LM_REAPER_INACTIVE_CUTOFF_DAYS", 90)
	if err != nil {
		return nil, fmt.Errorf("LM_REAPER_INACTIVE_CUTOFF_DAYS: %w", err)
	}

	// --- Кэш ---

	// LM_CACHE_SIZE — размер LRU-кэша (по умолчанию 10000)
	cfg.CacheSize, err = getEnvInt("LM_CACHE_SIZE", 10000)
	if err != nil {
		return nil, fmt.Errorf("LM_CACHE_SIZE: %w", err)
	}
	if cfg.CacheSize < 1 {
		return nil, fmt.Errorf("LM_CACHE_SIZE: значение %d должно быть >= 1", cfg.CacheSize)
	}

	// LM_CACHE_TTL — TTL записи кэша (по умолчанию 30s)
	cfg.CacheTTL, err = getEnvDuration("LM_CACHE_TTL", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("LM_CACHE_TTL: %w", err)
	}

	// --- Dephealth ---

	// LM_DEPHEALTH_GROUP — имя группы в метриках (по умолчанию dropstore)
	cfg.DephealthGroup = getEnvDefault("LM_DEPHEALTH_GROUP", "dropstore")

	// LM_DEPHEALTH_CHECK_INTERVAL — интервал проверки зависимостей (по умолчанию 15s)
	cfg.DephealthCheckInterval, err = getEnvDuration("LM_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("LM_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// --- Graceful shutdown ---

	// LM_SHUTDOWN_TIMEOUT — таймаут graceful shutdown (по умолчанию 5s)
	cfg.ShutdownTimeout, err = getEnvDuration("LM_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("LM_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL подключения к PostgreSQL.
// Используется topologymetrics для идентификации зависимости.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode,
	)
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("недопустимый уровень логирования %q, допустимые: debug, info, warn, error", level)
	}
}
