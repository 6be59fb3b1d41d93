// Пакет model — доменные модели Lifecycle Module.
//
// File — запись файла в реестре (таблица files). Метаданные физического
// объекта плюс состояние жизненного цикла: уровень хранения (hot/cold),
// учёт скачиваний для anti-abuse retention, статус миграции между уровнями.
package model

import (
	"time"

	"github.com/google/uuid"
)

// StorageTier — уровень физического хранения файла.
type StorageTier string

const (
	// TierHot — быстрый уровень для часто запрашиваемых файлов
	TierHot StorageTier = "hot"
	// TierCold — дешёвый уровень для редко запрашиваемых файлов
	TierCold StorageTier = "cold"
)

// MigrationStatus — статус миграции файла между уровнями хранения.
type MigrationStatus string

const (
	// MigrationNone — миграция не запланирована
	MigrationNone MigrationStatus = "none"
	// MigrationPending — файл захвачен воркером (claim), копирование не начато
	MigrationPending MigrationStatus = "pending"
	// MigrationInProgress — физическое копирование выполняется
	MigrationInProgress MigrationStatus = "in_progress"
	// MigrationCompleted — миграция завершена, tier обновлён
	MigrationCompleted MigrationStatus = "completed"
	// MigrationFailed — ошибка ввода-вывода, файл доступен для повторной попытки
	MigrationFailed MigrationStatus = "failed"
)

// validMigrationTransitions — матрица допустимых переходов статуса миграции.
// failed → pending — повторная попытка (retry), failed → none — сброс.
var validMigrationTransitions = map[MigrationStatus]map[MigrationStatus]bool{
	MigrationNone:       {MigrationPending: true},
	MigrationPending:    {MigrationInProgress: true},
	MigrationInProgress: {MigrationCompleted: true, MigrationFailed: true},
	MigrationCompleted:  {MigrationPending: true},
	MigrationFailed:     {MigrationPending: true, MigrationNone: true},
}

// CanTransitionMigration проверяет, допустим ли переход статуса миграции.
func CanTransitionMigration(from, to MigrationStatus) bool {
	targets, ok := validMigrationTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// File — запись файла в реестре.
type File struct {
	// ID — UUID записи
	ID uuid.UUID
	// OwnerID — UUID владельца файла
	OwnerID uuid.UUID
	// FolderID — UUID родительской папки (nil — корень)
	FolderID *uuid.UUID
	// StorageKey — глобально уникальный ключ в объектном хранилище
	StorageKey string
	// OriginalFilename — оригинальное имя файла
	OriginalFilename string
	// ContentType — MIME-тип файла
	ContentType string
	// Size — размер файла в байтах
	Size int64
	// ContentHash — SHA-256 содержимого (НЕ уникален: служит для дедупликации)
	ContentHash string
	// StorageTier — текущий уровень хранения (hot/cold)
	StorageTier StorageTier
	// Downloads — счётчик скачиваний, монотонно неубывающий
	Downloads int64
	// UniqueDownloadIPs — упорядоченный набор уникальных IP скачивавших.
	// Никогда не содержит IP владельца и никогда не сокращается.
	UniqueDownloadIPs []string
	// LastDownloadAt — время последнего скачивания
	LastDownloadAt *time.Time
	// LastAccessAt — время последнего доступа (чтение или запись)
	LastAccessAt time.Time
	// ExpiresAt — время истечения (nil — файл не истекает, безлимитный план)
	ExpiresAt *time.Time
	// IsPublic — флаг публичной видимости
	IsPublic bool
	// AccessSecret — опциональный секрет доступа
	AccessSecret *string
	// Deleted — флаг soft delete: запись исключена из всех выборок
	Deleted bool
	// DeletedAt — время soft delete
	DeletedAt *time.Time
	// MigrationStatus — статус миграции между уровнями
	MigrationStatus MigrationStatus
	// MigrationStartedAt — время захвата воркером (claim); основа для
	// поиска зависших in_progress миграций
	MigrationStartedAt *time.Time
	// LastMigrationAt — время последней завершённой миграции
	LastMigrationAt *time.Time
	// CreatedAt — время создания записи
	CreatedAt time.Time
	// UpdatedAt — время последнего обновления
	UpdatedAt time.Time
}

// HasUniqueIP проверяет, учтён ли IP в наборе уникальных скачивавших.
func (f *File) HasUniqueIP(ip string) bool {
	for _, known := range f.UniqueDownloadIPs {
		if known == ip {
			return true
		}
	}
	return false
}

// RetentionPolicy — параметры политики хранения, управляемой скачиваниями.
type RetentionPolicy struct {
	// ExtensionDays — продление expires_at от каждого скачивания до порога
	ExtensionDays int
	// DownloadThreshold — порог уникальных IP, за которым включается anti-abuse
	DownloadThreshold int
	// DaysAfterThreshold — короткий горизонт жизни после срабатывания порога
	DaysAfterThreshold int
}

// DownloadOutcome — результат применения одного скачивания к записи файла.
type DownloadOutcome struct {
	// UniqueIP — скачивание засчитано как новый уникальный IP
	UniqueIP bool
	// ExpiryExtended — expires_at продлён (до порога)
	ExpiryExtended bool
	// ExpiryCapped — expires_at укорочен anti-abuse ограничением
	ExpiryCapped bool
}

// ApplyDownload применяет одно скачивание к записи файла: инкрементирует
// счётчик, обновляет временные метки, учитывает уникальный IP и пересчитывает
// expires_at по политике хранения.
//
// Правила expires_at (только для файлов с ненулевым expires_at):
//   - уникальных IP < DownloadThreshold: expires_at продлевается до
//     now+ExtensionDays, если это позже текущего (монотонное продление);
//   - уникальных IP >= DownloadThreshold: expires_at укорачивается до
//     now+DaysAfterThreshold, если это раньше текущего (anti-abuse,
//     в этой ветке срок никогда не продлевается).
//
// Скачивания владельцем (requesterID == OwnerID) инкрементируют счётчик,
// но их IP не попадает в UniqueDownloadIPs и не влияет на порог.
//
// Функция чистая по отношению к окружению: всё время берётся из now.
// Вызывающий обязан обеспечить атомарность записи (SELECT ... FOR UPDATE).
func ApplyDownload(f *File, downloaderIP string, requesterID uuid.UUID, now time.Time, p RetentionPolicy) DownloadOutcome {
	out := DownloadOutcome{}

	f.Downloads++
	f.LastDownloadAt = &now
	f.LastAccessAt = now

	// Уникальность IP: только непустой адрес не-владельца
	if downloaderIP != "" && requesterID != f.OwnerID && !f.HasUniqueIP(downloaderIP) {
		f.UniqueDownloadIPs = append(f.UniqueDownloadIPs, downloaderIP)
		out.UniqueIP = true
	}

	// Безлимитные файлы не участвуют в расчётах expires_at
	if f.ExpiresAt == nil {
		return out
	}

	if len(f.UniqueDownloadIPs) >= p.DownloadThreshold {
		capped := now.AddDate(0, 0, p.DaysAfterThreshold)
		if capped.Before(*f.ExpiresAt) {
			f.ExpiresAt = &capped
			out.ExpiryCapped = true
		}
	} else {
		extended := now.AddDate(0, 0, p.ExtensionDays)
		if extended.After(*f.ExpiresAt) {
			f.ExpiresAt = &extended
			out.ExpiryExtended = true
		}
	}

	return out
}

// QuotaSnapshot — агрегат использования хранилища владельцем.
// Вычисляется по запросу над неудалёнными файлами, не персистируется.
type QuotaSnapshot struct {
	// OwnerID — UUID владельца
	OwnerID uuid.UUID
	// TotalActiveBytes — суммарный размер неудалённых файлов
	TotalActiveBytes int64
	// ActiveFileCount — количество неудалённых файлов
	ActiveFileCount int64
}
