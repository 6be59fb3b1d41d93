// errors.go — ошибки бизнес-логики сервисного слоя.
package service

import "errors"

var (
	// ErrNotFound — ресурс не найден.
	ErrNotFound = errors.New("ресурс не найден")
	// ErrConflict — конфликт (дублирующийся ресурс).
	ErrConflict = errors.New("конфликт — ресурс уже существует")
	// ErrClaimConflict — запись уже захвачена другим воркером миграции.
	ErrClaimConflict = errors.New("запись уже захвачена другим воркером")
	// ErrQuotaUnavailable — учёт квоты временно недоступен.
	ErrQuotaUnavailable = errors.New("учёт квоты временно недоступен")
	// ErrStorageIO — ошибка ввода-вывода хранилища.
	ErrStorageIO = errors.New("ошибка ввода-вывода хранилища")
	// ErrValidation — ошибка валидации входных данных.
	ErrValidation = errors.New("ошибка валидации")
)
