package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/dropstore/lifecycle-module/internal/domain/model"
	"github.com/bigkaa/dropstore/lifecycle-module/internal/repository"
)

// Дополнение fakeFileRepo (migration_test.go) методами реестра.

func (r *fakeFileRepo) Create(ctx context.Context, f *model.File) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.files {
		if existing.StorageKey == f.StorageKey {
			return repository.ErrConflict
		}
	}
	f.CreatedAt = time.Now().UTC()
	f.UpdatedAt = f.CreatedAt
	cp := *f
	r.files[f.ID] = &cp
	return nil
}

func (r *fakeFileRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.files[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (r *fakeFileRepo) FindCanonicalByHash(ctx context.Context, hash string) (*model.File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var canonical *model.File
	for _, f := range r.files {
		if f.ContentHash != hash || f.Deleted {
			continue
		}
		if canonical == nil || f.CreatedAt.After(canonical.CreatedAt) {
			canonical = f
		}
	}
	if canonical == nil {
		return nil, repository.ErrNotFound
	}
	cp := *canonical
	return &cp, nil
}

func (r *fakeFileRepo) Usage(ctx context.Context, ownerID uuid.UUID) (*model.QuotaSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := &model.QuotaSnapshot{OwnerID: ownerID}
	for _, f := range r.files {
		if f.OwnerID == ownerID && !f.Deleted {
			snap.TotalActiveBytes += f.Size
			snap.ActiveFileCount++
		}
	}
	return snap, nil
}

func (r *fakeFileRepo) SoftDelete(ctx context.Context, fileID uuid.UUID, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.files[fileID]
	if !ok || f.Deleted {
		return repository.ErrNotFound
	}
	f.Deleted = true
	f.DeletedAt = &now
	return nil
}

func newTestFileService(repo repository.FileRepository, provider *fakeProvider) *FileService {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dedup := NewDedupService(repo, logger)
	cache := NewCacheService(100, time.Minute)
	return NewFileService(repo, dedup, cache, provider, logger)
}

func registerInput(owner uuid.UUID) RegisterFileInput {
	ttl := 7
	return RegisterFileInput{
		OwnerID:          owner,
		OriginalFilename: "report.pdf",
		ContentType:      "application/pdf",
		Size:             2048,
		ContentHash:      "ab12cd34",
		TTLDays:          &ttl,
	}
}

// TestFileService_Register — регистрация нового файла: hot tier,
// вычисленный expires_at, уникальный storage key.
func TestFileService_Register(t *testing.T) {
	repo := newFakeFileRepo()
	fs := newTestFileService(repo, newFakeProvider())
	ctx := context.Background()

	res, err := fs.Register(ctx, registerInput(uuid.New()))
	if err != nil {
		t.Fatalf("Register() вернул ошибку: %v", err)
	}

	f := res.File
	if f.StorageTier != model.TierHot {
		t.Errorf("StorageTier = %s, новые файлы должны попадать на hot", f.StorageTier)
	}
	if f.ExpiresAt == nil {
		t.Fatal("ExpiresAt не вычислен из TTL")
	}
	wantExpiry := time.Now().UTC().AddDate(0, 0, 7)
	if diff := f.ExpiresAt.Sub(wantExpiry); diff < -time.Minute || diff > time.Minute {
		t.Errorf("ExpiresAt = %v, ожидается около %v", f.ExpiresAt, wantExpiry)
	}
	if f.StorageKey == "" {
		t.Error("StorageKey не сгенерирован")
	}
	if res.DuplicateOf != nil {
		t.Error("для нового контента DuplicateOf должен быть nil")
	}
}

// TestFileService_Register_UnlimitedPlan — nil TTL: файл не истекает.
func TestFileService_Register_UnlimitedPlan(t *testing.T) {
	fs := newTestFileService(newFakeFileRepo(), newFakeProvider())

	in := registerInput(uuid.New())
	in.TTLDays = nil
	res, err := fs.Register(context.Background(), in)
	if err != nil {
		t.Fatalf("Register() вернул ошибку: %v", err)
	}
	if res.File.ExpiresAt != nil {
		t.Error("ExpiresAt должен быть nil для безлимитного плана")
	}
}

// TestFileService_Register_DedupHit — второй файл с тем же content_hash
// получает указатель на каноничную запись.
func TestFileService_Register_DedupHit(t *testing.T) {
	repo := newFakeFileRepo()
	fs := newTestFileService(repo, newFakeProvider())
	ctx := context.Background()

	first, err := fs.Register(ctx, registerInput(uuid.New()))
	if err != nil {
		t.Fatalf("первый Register() вернул ошибку: %v", err)
	}

	second, err := fs.Register(ctx, registerInput(uuid.New()))
	if err != nil {
		t.Fatalf("второй Register() вернул ошибку: %v", err)
	}
	if second.DuplicateOf == nil {
		t.Fatal("DuplicateOf не заполнен при совпадении content_hash")
	}
	if second.DuplicateOf.ID != first.File.ID {
		t.Errorf("DuplicateOf.ID = %s, ожидается %s", second.DuplicateOf.ID, first.File.ID)
	}
}

// TestFileService_Register_Validation — обязательные поля.
func TestFileService_Register_Validation(t *testing.T) {
	fs := newTestFileService(newFakeFileRepo(), newFakeProvider())
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*RegisterFileInput)
	}{
		{"нет владельца", func(in *RegisterFileInput) { in.OwnerID = uuid.Nil }},
		{"пустое имя", func(in *RegisterFileInput) { in.OriginalFilename = "  " }},
		{"отрицательный размер", func(in *RegisterFileInput) { in.Size = -1 }},
		{"пустой хэш", func(in *RegisterFileInput) { in.ContentHash = "" }},
		{"нулевой TTL", func(in *RegisterFileInput) { zero := 0; in.TTLDays = &zero }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := registerInput(uuid.New())
			tt.mutate(&in)
			if _, err := fs.Register(ctx, in); !errors.Is(err, ErrValidation) {
				t.Errorf("ожидался ErrValidation, получено: %v", err)
			}
		})
	}
}

// TestFileService_GetCaches — повторное чтение идёт из кэша.
func TestFileService_GetCaches(t *testing.T) {
	repo := newFakeFileRepo()
	fs := newTestFileService(repo, newFakeProvider())
	ctx := context.Background()

	res, err := fs.Register(ctx, registerInput(uuid.New()))
	if err != nil {
		t.Fatalf("Register() вернул ошибку: %v", err)
	}
	id := res.File.ID

	if _, err := fs.Get(ctx, id); err != nil {
		t.Fatalf("Get() вернул ошибку: %v", err)
	}
	if _, ok := fs.cache.Get(id); !ok {
		t.Error("запись не попала в кэш после Get")
	}
}

// TestFileService_Delete — soft delete: запись помечена, байты удалены,
// повторное удаление отклоняется, квота уменьшена.
func TestFileService_Delete(t *testing.T) {
	repo := newFakeFileRepo()
	provider := newFakeProvider()
	fs := newTestFileService(repo, provider)
	ctx := context.Background()
	owner := uuid.New()

	res, err := fs.Register(ctx, registerInput(owner))
	if err != nil {
		t.Fatalf("Register() вернул ошибку: %v", err)
	}
	id := res.File.ID
	if _, err := provider.Put(ctx, model.TierHot, res.File.StorageKey, bytes.NewReader([]byte("data"))); err != nil {
		t.Fatalf("ошибка подготовки объекта: %v", err)
	}

	if err := fs.Delete(ctx, id); err != nil {
		t.Fatalf("Delete() вернул ошибку: %v", err)
	}

	got, _ := repo.GetByID(ctx, id)
	if !got.Deleted || got.DeletedAt == nil {
		t.Error("файл не помечен удалённым")
	}
	if ok, _ := provider.Exists(ctx, model.TierHot, res.File.StorageKey); ok {
		t.Error("байты файла не удалены из хранилища")
	}

	// Терминальное действие применяется ровно один раз
	if err := fs.Delete(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("повторный Delete(): ожидался ErrNotFound, получено: %v", err)
	}

	// Квота освобождена немедленно
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	qs := NewQuotaService(repo, logger)
	snap, err := qs.Usage(ctx, owner)
	if err != nil {
		t.Fatalf("Usage() вернул ошибку: %v", err)
	}
	if snap.TotalActiveBytes != 0 || snap.ActiveFileCount != 0 {
		t.Errorf("квота после удаления = (%d байт, %d файлов), ожидались нули",
			snap.TotalActiveBytes, snap.ActiveFileCount)
	}
}

// TestQuotaService_Usage — агрегат по неудалённым файлам владельца.
func TestQuotaService_Usage(t *testing.T) {
	owner := uuid.New()
	other := uuid.New()
	repo := newFakeFileRepo(
		&model.File{ID: uuid.New(), OwnerID: owner, Size: 100},
		&model.File{ID: uuid.New(), OwnerID: owner, Size: 200},
		&model.File{ID: uuid.New(), OwnerID: owner, Size: 400, Deleted: true},
		&model.File{ID: uuid.New(), OwnerID: other, Size: 800},
	)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	qs := NewQuotaService(repo, logger)

	snap, err := qs.Usage(context.Background(), owner)
	if err != nil {
		t.Fatalf("Usage() вернул ошибку: %v", err)
	}
	if snap.TotalActiveBytes != 300 {
		t.Errorf("TotalActiveBytes = %d, ожидается 300", snap.TotalActiveBytes)
	}
	if snap.ActiveFileCount != 2 {
		t.Errorf("ActiveFileCount = %d, ожидается 2", snap.ActiveFileCount)
	}

	// Владелец без файлов — нулевой срез, не ошибка
	empty, err := qs.Usage(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("Usage() для пустого владельца вернул ошибку: %v", err)
	}
	if empty.TotalActiveBytes != 0 || empty.ActiveFileCount != 0 {
		t.Error("ожидался нулевой срез для владельца без файлов")
	}
}

// TestDedupService_FindCanonical — самая свежая неудалённая запись
// побеждает; удалённые записи из индекса исключены.
func TestDedupService_FindCanonical(t *testing.T) {
	old := &model.File{ID: uuid.New(), ContentHash: "hash-a", CreatedAt: time.Now().Add(-2 * time.Hour)}
	newer := &model.File{ID: uuid.New(), ContentHash: "hash-a", CreatedAt: time.Now().Add(-time.Hour)}
	deleted := &model.File{ID: uuid.New(), ContentHash: "hash-a", CreatedAt: time.Now(), Deleted: true}
	repo := newFakeFileRepo(old, newer, deleted)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ds := NewDedupService(repo, logger)
	ctx := context.Background()

	got, err := ds.FindCanonical(ctx, "hash-a")
	if err != nil {
		t.Fatalf("FindCanonical() вернул ошибку: %v", err)
	}
	if got.ID != newer.ID {
		t.Errorf("каноничная запись = %s, ожидается самая свежая неудалённая %s", got.ID, newer.ID)
	}

	if _, err := ds.FindCanonical(ctx, "hash-missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("ожидался ErrNotFound для неизвестного хэша, получено: %v", err)
	}
	if _, err := ds.FindCanonical(ctx, "  "); !errors.Is(err, ErrValidation) {
		t.Errorf("ожидался ErrValidation для пустого хэша, получено: %v", err)
	}
}
