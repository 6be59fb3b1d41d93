// localfs.go — реализация Provider на локальной файловой системе.
// Каждый уровень хранения — отдельная корневая директория.
// Запись: temp файл → fsync → атомарный rename.
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/bigkaa/dropstore/lifecycle-module/internal/domain/model"
)

// LocalFS — локальное файловое хранилище с директорией на уровень.
type LocalFS struct {
	// roots — корневая директория каждого уровня
	roots map[model.StorageTier]string
}

// NewLocalFS создаёт локальное хранилище. Проверяет и создаёт
// корневые директории уровней, если они не существуют.
func NewLocalFS(hotDir, coldDir string) (*LocalFS, error) {
	roots := map[model.StorageTier]string{
		model.TierHot:  hotDir,
		model.TierCold: coldDir,
	}
	for tier, dir := range roots {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("не удалось создать директорию уровня %s (%s): %w", tier, dir, err)
		}
	}
	return &LocalFS{roots: roots}, nil
}

// fullPath возвращает абсолютный путь объекта на диске.
func (l *LocalFS) fullPath(tier model.StorageTier, key string) (string, error) {
	root, ok := l.roots[tier]
	if !ok {
		return "", fmt.Errorf("неизвестный уровень хранения: %s", tier)
	}
	return filepath.Join(root, key), nil
}

// Put записывает объект на диск.
// Паттерн: temp файл → запись → fsync → атомарный rename.
// При ошибке temp файл удаляется.
func (l *LocalFS) Put(ctx context.Context, tier model.StorageTier, key string, r io.Reader) (int64, error) {
	fullPath, err := l.fullPath(tier, key)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return 0, fmt.Errorf("ошибка создания директории объекта: %w", err)
	}

	tmpPath := fullPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return 0, fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	size, err := io.Copy(f, r)
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("ошибка записи данных: %w", err)
	}

	// fsync для гарантии записи на диск
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	// Атомарный rename
	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return size, nil
}

// Get открывает объект для чтения.
func (l *LocalFS) Get(ctx context.Context, tier model.StorageTier, key string) (io.ReadCloser, error) {
	fullPath, err := l.fullPath(tier, key)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s/%s", ErrObjectNotFound, tier, key)
		}
		return nil, fmt.Errorf("ошибка открытия объекта %s/%s: %w", tier, key, err)
	}
	return f, nil
}

// Delete удаляет объект с диска. Отсутствующий объект — не ошибка.
func (l *LocalFS) Delete(ctx context.Context, tier model.StorageTier, key string) error {
	fullPath, err := l.fullPath(tier, key)
	if err != nil {
		return err
	}

	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления объекта %s/%s: %w", tier, key, err)
	}
	return nil
}

// Exists проверяет наличие объекта на диске.
func (l *LocalFS) Exists(ctx context.Context, tier model.StorageTier, key string) (bool, error) {
	fullPath, err := l.fullPath(tier, key)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("ошибка stat объекта %s/%s: %w", tier, key, err)
	}
	return true, nil
}

// TierInfo возвращает характеристики уровня.
// Для локального диска значения номинальные: hot и cold отличаются
// только учётной стоимостью.
func (l *LocalFS) TierInfo(tier model.StorageTier) TierInfo {
	switch tier {
	case model.TierCold:
		return TierInfo{
			Tier:           model.TierCold,
			CostPerGBMonth: 0.4,
			ReadLatency:    50 * time.Millisecond,
		}
	default:
		return TierInfo{
			Tier:           model.TierHot,
			CostPerGBMonth: 1.0,
			ReadLatency:    5 * time.Millisecond,
		}
	}
}

// SupportsReferenceCopy — локальная ФС не поддерживает server-side copy,
// перенос выполняется через Get/Put.
func (l *LocalFS) SupportsReferenceCopy() bool {
	return false
}
