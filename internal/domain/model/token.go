package model

import (
	"time"

	"github.com/google/uuid"
)

// Token — одноразовый секрет, привязанный к строке идентичности (email).
// Используется в workflow подтверждения регистрации и сброса учётных данных.
// Инвариант: не более одного живого (не истёкшего, не использованного)
// токена на идентичность — выпуск нового удаляет предыдущие.
type Token struct {
	// ID — UUID записи
	ID uuid.UUID
	// Identity — идентичность, которой выдан токен (например, email)
	Identity string
	// Code — числовой секрет фиксированной длины (с ведущими нулями)
	Code string
	// Payload — опциональное переносимое состояние (например, профиль
	// ожидающей регистрации), прозрачное для движка
	Payload []byte
	// Attempts — счётчик неудачных попыток проверки
	Attempts int
	// Consumed — токен использован; повторная проверка невозможна
	Consumed bool
	// ExpiresAt — время истечения (now + ttl на момент выпуска)
	ExpiresAt time.Time
	// CreatedAt — время создания
	CreatedAt time.Time
	// UpdatedAt — время последнего обновления
	UpdatedAt time.Time
}

// IsExpired проверяет, истёк ли токен на момент now.
func (t *Token) IsExpired(now time.Time) bool {
	return !t.ExpiresAt.After(now)
}
