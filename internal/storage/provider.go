// Пакет storage — абстракция физического хранилища с уровнями hot/cold.
//
// Provider описывает бэкенд через его возможности, а не через тип:
// движок миграции опирается только на Put/Get/Delete и на признак
// SupportsReferenceCopy, не зная, диск это или объектное хранилище.
package storage

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/bigkaa/dropstore/lifecycle-module/internal/domain/model"
)

// Ошибки хранилища.
var (
	// ErrObjectNotFound — объект отсутствует на указанном уровне.
	ErrObjectNotFound = errors.New("объект не найден в хранилище")
)

// TierInfo — характеристики уровня хранения.
type TierInfo struct {
	// Tier — уровень
	Tier model.StorageTier
	// CostPerGBMonth — относительная стоимость хранения (условные единицы)
	CostPerGBMonth float64
	// ReadLatency — типичная задержка первого байта
	ReadLatency time.Duration
}

// Provider — бэкенд физического хранения объектов.
// Объект адресуется парой (tier, key); key уникален в пределах реестра.
type Provider interface {
	// Put записывает объект на указанный уровень. Существующий объект
	// с тем же ключом перезаписывается атомарно.
	Put(ctx context.Context, tier model.StorageTier, key string, r io.Reader) (int64, error)
	// Get открывает объект для чтения. Отсутствие — ErrObjectNotFound.
	// Вызывающий код обязан закрыть ReadCloser.
	Get(ctx context.Context, tier model.StorageTier, key string) (io.ReadCloser, error)
	// Delete удаляет объект. Уже отсутствующий объект — не ошибка.
	Delete(ctx context.Context, tier model.StorageTier, key string) error
	// Exists проверяет наличие объекта на уровне.
	Exists(ctx context.Context, tier model.StorageTier, key string) (bool, error)
	// TierInfo возвращает характеристики уровня.
	TierInfo(tier model.StorageTier) TierInfo
	// SupportsReferenceCopy сообщает, умеет ли бэкенд копировать объект
	// между уровнями без переноса байтов через клиента (server-side copy).
	SupportsReferenceCopy() bool
}
