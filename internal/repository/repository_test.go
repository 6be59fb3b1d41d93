package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bigkaa/dropstore/lifecycle-module/internal/config"
	"github.com/bigkaa/dropstore/lifecycle-module/internal/database"
	"github.com/bigkaa/dropstore/lifecycle-module/internal/domain/model"
)

// setupTestDB запускает PostgreSQL контейнер, применяет миграции.
// Возвращает pgxpool.Pool и функцию очистки.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Пропуск интеграционного теста: TEST_INTEGRATION не установлена")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("dropstore_test"),
		postgres.WithUsername("dropstore"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Не удалось запустить PostgreSQL контейнер: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Ошибка остановки контейнера: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Не удалось получить host контейнера: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Не удалось получить port контейнера: %v", err)
	}

	// Настраиваем env для config.Load()
	os.Setenv("LM_DB_HOST", host)
	os.Setenv("LM_DB_PORT", port.Port())
	os.Setenv("LM_DB_NAME", "dropstore_test")
	os.Setenv("LM_DB_USER", "dropstore")
	os.Setenv("LM_DB_PASSWORD", "test-password")
	os.Setenv("LM_DB_SSL_MODE", "disable")
	os.Setenv("LM_STORAGE_HOT_DIR", t.TempDir())
	os.Setenv("LM_STORAGE_COLD_DIR", t.TempDir())

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	// Применяем миграции
	if err := database.Migrate(cfg, logger); err != nil {
		t.Fatalf("Ошибка миграций: %v", err)
	}

	// Подключаемся
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Ошибка подключения: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	return pool
}

// newTestFile создаёт запись файла с разумными значениями по умолчанию.
func newTestFile(ownerID uuid.UUID) *model.File {
	id := uuid.New()
	now := time.Now().UTC().Truncate(time.Microsecond)
	exp := now.AddDate(0, 0, 5)
	return &model.File{
		ID:               id,
		OwnerID:          ownerID,
		StorageKey:       fmt.Sprintf("%s/%s.bin", ownerID, id),
		OriginalFilename: "report.bin",
		ContentType:      "application/octet-stream",
		Size:             1024,
		ContentHash:      "0c1e3f" + id.String(),
		StorageTier:      model.TierHot,
		LastAccessAt:     now,
		ExpiresAt:        &exp,
	}
}

// --- Тесты FileRepository ---

func TestFileCreateGet(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewFileRepository(pool)

	ownerID := uuid.New()
	f := newTestFile(ownerID)

	// Create
	if err := repo.Create(ctx, f); err != nil {
		t.Fatalf("Create() ошибка: %v", err)
	}
	if f.CreatedAt.IsZero() {
		t.Error("CreatedAt не установлен")
	}

	// GetByID
	got, err := repo.GetByID(ctx, f.ID)
	if err != nil {
		t.Fatalf("GetByID() ошибка: %v", err)
	}
	if got.OwnerID != ownerID {
		t.Errorf("OwnerID = %s, хотели %s", got.OwnerID, ownerID)
	}
	if got.StorageTier != model.TierHot {
		t.Errorf("StorageTier = %q, хотели %q", got.StorageTier, model.TierHot)
	}
	if got.MigrationStatus != model.MigrationNone {
		t.Errorf("MigrationStatus = %q, хотели %q", got.MigrationStatus, model.MigrationNone)
	}
	if got.Downloads != 0 {
		t.Errorf("Downloads = %d, хотели 0", got.Downloads)
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(*f.ExpiresAt) {
		t.Errorf("ExpiresAt = %v, хотели %v", got.ExpiresAt, f.ExpiresAt)
	}

	// Дублирующийся storage_key → ErrConflict
	dup := newTestFile(ownerID)
	dup.StorageKey = f.StorageKey
	if err := repo.Create(ctx, dup); !errors.Is(err, ErrConflict) {
		t.Errorf("Create() с дублирующимся storage_key: ожидали ErrConflict, получили: %v", err)
	}

	// Несуществующий UUID → ErrNotFound
	if _, err := repo.GetByID(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByID() несуществующего: ожидали ErrNotFound, получили: %v", err)
	}
}

func TestFindCanonicalByHash(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewFileRepository(pool)

	ownerID := uuid.New()
	hash := "deadbeef-canonical"

	f1 := newTestFile(ownerID)
	f1.ContentHash = hash
	if err := repo.Create(ctx, f1); err != nil {
		t.Fatalf("Create(f1) ошибка: %v", err)
	}

	got, err := repo.FindCanonicalByHash(ctx, hash)
	if err != nil {
		t.Fatalf("FindCanonicalByHash() ошибка: %v", err)
	}
	if got.ID != f1.ID {
		t.Errorf("Канон = %s, хотели %s", got.ID, f1.ID)
	}

	// Удалённый канон исключается из поиска
	if err := repo.SoftDelete(ctx, f1.ID, time.Now().UTC()); err != nil {
		t.Fatalf("SoftDelete(f1) ошибка: %v", err)
	}

	f2 := newTestFile(ownerID)
	f2.ContentHash = hash
	if err := repo.Create(ctx, f2); err != nil {
		t.Fatalf("Create(f2) ошибка: %v", err)
	}

	got2, err := repo.FindCanonicalByHash(ctx, hash)
	if err != nil {
		t.Fatalf("FindCanonicalByHash() после удаления f1: %v", err)
	}
	if got2.ID != f2.ID {
		t.Errorf("Канон после удаления f1 = %s, хотели %s", got2.ID, f2.ID)
	}

	// После удаления всех носителей — ErrNotFound
	if err := repo.SoftDelete(ctx, f2.ID, time.Now().UTC()); err != nil {
		t.Fatalf("SoftDelete(f2) ошибка: %v", err)
	}
	if _, err := repo.FindCanonicalByHash(ctx, hash); !errors.Is(err, ErrNotFound) {
		t.Errorf("Ожидали ErrNotFound, получили: %v", err)
	}
}

func TestUsage(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewFileRepository(pool)

	owner := uuid.New()
	other := uuid.New()

	f1 := newTestFile(owner)
	f1.Size = 100
	f2 := newTestFile(owner)
	f2.Size = 200
	f3 := newTestFile(other)
	f3.Size = 500
	for _, f := range []*model.File{f1, f2, f3} {
		if err := repo.Create(ctx, f); err != nil {
			t.Fatalf("Create() ошибка: %v", err)
		}
	}

	snap, err := repo.Usage(ctx, owner)
	if err != nil {
		t.Fatalf("Usage() ошибка: %v", err)
	}
	if snap.TotalActiveBytes != 300 || snap.ActiveFileCount != 2 {
		t.Errorf("Usage = %d байт / %d файлов, хотели 300 / 2", snap.TotalActiveBytes, snap.ActiveFileCount)
	}

	// Soft delete исключает файл из агрегата
	if err := repo.SoftDelete(ctx, f2.ID, time.Now().UTC()); err != nil {
		t.Fatalf("SoftDelete() ошибка: %v", err)
	}
	snap2, _ := repo.Usage(ctx, owner)
	if snap2.TotalActiveBytes != 100 || snap2.ActiveFileCount != 1 {
		t.Errorf("Usage после удаления = %d / %d, хотели 100 / 1", snap2.TotalActiveBytes, snap2.ActiveFileCount)
	}

	// Владелец без файлов — нули, не ошибка
	empty, err := repo.Usage(ctx, uuid.New())
	if err != nil {
		t.Fatalf("Usage() пустого владельца: %v", err)
	}
	if empty.TotalActiveBytes != 0 || empty.ActiveFileCount != 0 {
		t.Errorf("Usage пустого владельца = %d / %d, хотели 0 / 0", empty.TotalActiveBytes, empty.ActiveFileCount)
	}
}

func TestRecordDownload(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewFileRepository(pool)

	policy := model.RetentionPolicy{ExtensionDays: 5, DownloadThreshold: 3, DaysAfterThreshold: 1}
	ownerID := uuid.New()
	f := newTestFile(ownerID)
	if err := repo.Create(ctx, f); err != nil {
		t.Fatalf("Create() ошибка: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)

	// Первое скачивание чужим IP: уникальный IP + продление
	got, out, err := repo.RecordDownload(ctx, f.ID, "203.0.113.10", uuid.New(), now, policy)
	if err != nil {
		t.Fatalf("RecordDownload() ошибка: %v", err)
	}
	if got.Downloads != 1 {
		t.Errorf("Downloads = %d, хотели 1", got.Downloads)
	}
	if !out.UniqueIP {
		t.Error("UniqueIP = false, хотели true")
	}
	if !out.ExpiryExtended {
		t.Error("ExpiryExtended = false, хотели true")
	}
	wantExp := now.AddDate(0, 0, policy.ExtensionDays)
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(wantExp) {
		t.Errorf("ExpiresAt = %v, хотели %v", got.ExpiresAt, wantExp)
	}

	// Скачивание владельцем: счётчик растёт, IP не учитывается
	got2, out2, err := repo.RecordDownload(ctx, f.ID, "198.51.100.1", ownerID, now, policy)
	if err != nil {
		t.Fatalf("RecordDownload() владельцем: %v", err)
	}
	if got2.Downloads != 2 {
		t.Errorf("Downloads = %d, хотели 2", got2.Downloads)
	}
	if out2.UniqueIP {
		t.Error("IP владельца учтён как уникальный")
	}

	// Добираем порог уникальных IP → anti-abuse укорачивает срок
	if _, _, err := repo.RecordDownload(ctx, f.ID, "203.0.113.11", uuid.New(), now, policy); err != nil {
		t.Fatalf("RecordDownload() второй IP: %v", err)
	}
	got3, out3, err := repo.RecordDownload(ctx, f.ID, "203.0.113.12", uuid.New(), now, policy)
	if err != nil {
		t.Fatalf("RecordDownload() третий IP: %v", err)
	}
	if !out3.ExpiryCapped {
		t.Error("ExpiryCapped = false, хотели true")
	}
	capped := now.AddDate(0, 0, policy.DaysAfterThreshold)
	if got3.ExpiresAt == nil || !got3.ExpiresAt.Equal(capped) {
		t.Errorf("ExpiresAt после порога = %v, хотели %v", got3.ExpiresAt, capped)
	}
	if len(got3.UniqueDownloadIPs) != 3 {
		t.Errorf("UniqueDownloadIPs = %d, хотели 3", len(got3.UniqueDownloadIPs))
	}

	// Удалённый файл → ErrNotFound
	if err := repo.SoftDelete(ctx, f.ID, now); err != nil {
		t.Fatalf("SoftDelete() ошибка: %v", err)
	}
	if _, _, err := repo.RecordDownload(ctx, f.ID, "203.0.113.13", uuid.New(), now, policy); !errors.Is(err, ErrNotFound) {
		t.Errorf("RecordDownload() удалённого файла: ожидали ErrNotFound, получили: %v", err)
	}
}

func TestSoftDeleteIdempotence(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewFileRepository(pool)

	f := newTestFile(uuid.New())
	if err := repo.Create(ctx, f); err != nil {
		t.Fatalf("Create() ошибка: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	if err := repo.SoftDelete(ctx, f.ID, now); err != nil {
		t.Fatalf("SoftDelete() ошибка: %v", err)
	}

	// Запись остаётся читаемой по UUID с флагом deleted
	got, err := repo.GetByID(ctx, f.ID)
	if err != nil {
		t.Fatalf("GetByID() после удаления: %v", err)
	}
	if !got.Deleted || got.DeletedAt == nil {
		t.Errorf("Deleted = %v, DeletedAt = %v; хотели true и не nil", got.Deleted, got.DeletedAt)
	}

	// Повторное удаление — ErrNotFound
	if err := repo.SoftDelete(ctx, f.ID, now); !errors.Is(err, ErrNotFound) {
		t.Errorf("Повторный SoftDelete(): ожидали ErrNotFound, получили: %v", err)
	}
}

func TestCandidateSelections(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewFileRepository(pool)

	now := time.Now().UTC().Truncate(time.Microsecond)
	old := now.AddDate(0, 0, -60)
	owner := uuid.New()

	// Залежавшийся hot-файл — кандидат на cold
	stale := newTestFile(owner)
	stale.LastAccessAt = old
	// Свежий hot-файл — не кандидат
	fresh := newTestFile(owner)
	fresh.LastAccessAt = now
	// Удалённый залежавшийся — не кандидат
	deleted := newTestFile(owner)
	deleted.LastAccessAt = old
	for _, f := range []*model.File{stale, fresh, deleted} {
		if err := repo.Create(ctx, f); err != nil {
			t.Fatalf("Create() ошибка: %v", err)
		}
	}
	if err := repo.SoftDelete(ctx, deleted.ID, now); err != nil {
		t.Fatalf("SoftDelete() ошибка: %v", err)
	}

	cutoff := now.AddDate(0, 0, -30)
	cold, err := repo.ColdCandidates(ctx, cutoff, 100)
	if err != nil {
		t.Fatalf("ColdCandidates() ошибка: %v", err)
	}
	if len(cold) != 1 || cold[0].ID != stale.ID {
		t.Errorf("ColdCandidates вернул %d записей, хотели только %s", len(cold), stale.ID)
	}

	// Популярный cold-файл — кандидат на возврат в hot
	popular := newTestFile(owner)
	popular.StorageTier = model.TierCold
	if err := repo.Create(ctx, popular); err != nil {
		t.Fatalf("Create(popular) ошибка: %v", err)
	}
	policy := model.RetentionPolicy{ExtensionDays: 5, DownloadThreshold: 100, DaysAfterThreshold: 1}
	for i := 0; i < 3; i++ {
		ip := fmt.Sprintf("203.0.113.%d", 20+i)
		if _, _, err := repo.RecordDownload(ctx, popular.ID, ip, uuid.New(), now, policy); err != nil {
			t.Fatalf("RecordDownload(popular) ошибка: %v", err)
		}
	}

	hot, err := repo.HotCandidates(ctx, 3, now.AddDate(0, 0, -7), 100)
	if err != nil {
		t.Fatalf("HotCandidates() ошибка: %v", err)
	}
	if len(hot) != 1 || hot[0].ID != popular.ID {
		t.Errorf("HotCandidates вернул %d записей, хотели только %s", len(hot), popular.ID)
	}

	// Порог выше фактических скачиваний — кандидатов нет
	none, err := repo.HotCandidates(ctx, 10, now.AddDate(0, 0, -7), 100)
	if err != nil {
		t.Fatalf("HotCandidates() с высоким порогом: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("HotCandidates с высоким порогом вернул %d записей, хотели 0", len(none))
	}
}

func TestExpiredAndInactive(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewFileRepository(pool)

	now := time.Now().UTC().Truncate(time.Microsecond)
	owner := uuid.New()

	// Истёкший файл
	expired := newTestFile(owner)
	past := now.AddDate(0, 0, -1)
	expired.ExpiresAt = &past
	// Живой файл
	live := newTestFile(owner)
	// Безлимитный файл никогда не истекает
	unlimited := newTestFile(owner)
	unlimited.ExpiresAt = nil
	for _, f := range []*model.File{expired, live, unlimited} {
		if err := repo.Create(ctx, f); err != nil {
			t.Fatalf("Create() ошибка: %v", err)
		}
	}

	got, err := repo.Expired(ctx, now, 100)
	if err != nil {
		t.Fatalf("Expired() ошибка: %v", err)
	}
	if len(got) != 1 || got[0].ID != expired.ID {
		t.Errorf("Expired вернул %d записей, хотели только %s", len(got), expired.ID)
	}

	// Inactive: файлы без скачиваний, созданные до cutoff, сюда не попадают
	// (created_at выставляется базой на NOW()), поэтому cutoff в будущем
	// должен захватить все три неудалённые записи
	inactive, err := repo.Inactive(ctx, now.AddDate(0, 0, 1), 100)
	if err != nil {
		t.Fatalf("Inactive() ошибка: %v", err)
	}
	if len(inactive) != 3 {
		t.Errorf("Inactive вернул %d записей, хотели 3", len(inactive))
	}

	// Cutoff в прошлом — записей нет
	inactive2, err := repo.Inactive(ctx, now.AddDate(0, 0, -1), 100)
	if err != nil {
		t.Fatalf("Inactive() с прошлым cutoff: %v", err)
	}
	if len(inactive2) != 0 {
		t.Errorf("Inactive с прошлым cutoff вернул %d записей, хотели 0", len(inactive2))
	}
}

// --- Тесты протокола миграции ---

func TestMigrationTransitions(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewFileRepository(pool)

	f := newTestFile(uuid.New())
	if err := repo.Create(ctx, f); err != nil {
		t.Fatalf("Create() ошибка: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)

	// none → pending → in_progress → completed
	if err := repo.ClaimForMigration(ctx, f.ID, now); err != nil {
		t.Fatalf("ClaimForMigration() ошибка: %v", err)
	}
	if err := repo.MarkMigrationInProgress(ctx, f.ID); err != nil {
		t.Fatalf("MarkMigrationInProgress() ошибка: %v", err)
	}
	if err := repo.CompleteMigration(ctx, f.ID, model.TierCold, now); err != nil {
		t.Fatalf("CompleteMigration() ошибка: %v", err)
	}

	got, err := repo.GetByID(ctx, f.ID)
	if err != nil {
		t.Fatalf("GetByID() ошибка: %v", err)
	}
	if got.StorageTier != model.TierCold {
		t.Errorf("StorageTier = %q, хотели %q", got.StorageTier, model.TierCold)
	}
	if got.MigrationStatus != model.MigrationCompleted {
		t.Errorf("MigrationStatus = %q, хотели %q", got.MigrationStatus, model.MigrationCompleted)
	}
	if got.MigrationStartedAt != nil {
		t.Error("MigrationStartedAt не сброшен после завершения")
	}
	if got.LastMigrationAt == nil {
		t.Error("LastMigrationAt не установлен")
	}

	// completed допускает повторный claim
	if err := repo.ClaimForMigration(ctx, f.ID, now); err != nil {
		t.Fatalf("Повторный ClaimForMigration() из completed: %v", err)
	}

	// Недопустимые переходы из pending
	if err := repo.CompleteMigration(ctx, f.ID, model.TierHot, now); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("CompleteMigration() из pending: ожидали ErrInvalidTransition, получили: %v", err)
	}
	if err := repo.FailMigration(ctx, f.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("FailMigration() из pending: ожидали ErrInvalidTransition, получили: %v", err)
	}

	// in_progress → failed → none
	if err := repo.MarkMigrationInProgress(ctx, f.ID); err != nil {
		t.Fatalf("MarkMigrationInProgress() ошибка: %v", err)
	}
	if err := repo.FailMigration(ctx, f.ID); err != nil {
		t.Fatalf("FailMigration() ошибка: %v", err)
	}
	if err := repo.ResetFailedMigration(ctx, f.ID); err != nil {
		t.Fatalf("ResetFailedMigration() ошибка: %v", err)
	}
	got2, _ := repo.GetByID(ctx, f.ID)
	if got2.MigrationStatus != model.MigrationNone {
		t.Errorf("MigrationStatus после сброса = %q, хотели %q", got2.MigrationStatus, model.MigrationNone)
	}
}

func TestClaimForMigrationRace(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewFileRepository(pool)

	f := newTestFile(uuid.New())
	if err := repo.Create(ctx, f); err != nil {
		t.Fatalf("Create() ошибка: %v", err)
	}

	// Несколько воркеров гонятся за одной записью: захватить должен ровно один
	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		claimed   int
		conflicts int
	)
	now := time.Now().UTC()

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := repo.ClaimForMigration(ctx, f.ID, now)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				claimed++
			case errors.Is(err, ErrClaimConflict):
				conflicts++
			default:
				t.Errorf("Неожиданная ошибка claim: %v", err)
			}
		}()
	}
	wg.Wait()

	if claimed != 1 {
		t.Errorf("Захватили %d воркеров, хотели ровно 1", claimed)
	}
	if conflicts != workers-1 {
		t.Errorf("Конфликтов %d, хотели %d", conflicts, workers-1)
	}
}

func TestReclaimStale(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewFileRepository(pool)

	now := time.Now().UTC().Truncate(time.Microsecond)

	// Зависшая миграция: захвачена два часа назад
	stale := newTestFile(uuid.New())
	if err := repo.Create(ctx, stale); err != nil {
		t.Fatalf("Create(stale) ошибка: %v", err)
	}
	if err := repo.ClaimForMigration(ctx, stale.ID, now.Add(-2*time.Hour)); err != nil {
		t.Fatalf("ClaimForMigration(stale) ошибка: %v", err)
	}
	if err := repo.MarkMigrationInProgress(ctx, stale.ID); err != nil {
		t.Fatalf("MarkMigrationInProgress(stale) ошибка: %v", err)
	}

	// Живая миграция: захвачена только что
	active := newTestFile(uuid.New())
	if err := repo.Create(ctx, active); err != nil {
		t.Fatalf("Create(active) ошибка: %v", err)
	}
	if err := repo.ClaimForMigration(ctx, active.ID, now); err != nil {
		t.Fatalf("ClaimForMigration(active) ошибка: %v", err)
	}
	if err := repo.MarkMigrationInProgress(ctx, active.ID); err != nil {
		t.Fatalf("MarkMigrationInProgress(active) ошибка: %v", err)
	}

	olderThan := now.Add(-30 * time.Minute)

	found, err := repo.StaleInProgress(ctx, olderThan, 100)
	if err != nil {
		t.Fatalf("StaleInProgress() ошибка: %v", err)
	}
	if len(found) != 1 || found[0].ID != stale.ID {
		t.Errorf("StaleInProgress вернул %d записей, хотели только %s", len(found), stale.ID)
	}

	n, err := repo.ReclaimStale(ctx, olderThan)
	if err != nil {
		t.Fatalf("ReclaimStale() ошибка: %v", err)
	}
	if n != 1 {
		t.Errorf("ReclaimStale вернул %d, хотели 1", n)
	}

	got, _ := repo.GetByID(ctx, stale.ID)
	if got.MigrationStatus != model.MigrationFailed {
		t.Errorf("Зависшая миграция: статус %q, хотели %q", got.MigrationStatus, model.MigrationFailed)
	}
	got2, _ := repo.GetByID(ctx, active.ID)
	if got2.MigrationStatus != model.MigrationInProgress {
		t.Errorf("Живая миграция: статус %q, хотели %q", got2.MigrationStatus, model.MigrationInProgress)
	}
}

// --- Тесты TokenRepository ---

func newTestToken(identity string, ttl time.Duration) *model.Token {
	return &model.Token{
		ID:        uuid.New(),
		Identity:  identity,
		Code:      "042137",
		Payload:   []byte(`{"name":"alice"}`),
		ExpiresAt: time.Now().UTC().Add(ttl).Truncate(time.Microsecond),
	}
}

func TestTokenReplaceAndGetLive(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewTokenRepository(pool)

	now := time.Now().UTC()
	tok := newTestToken("alice@example.com", time.Hour)

	if err := repo.Replace(ctx, tok); err != nil {
		t.Fatalf("Replace() ошибка: %v", err)
	}
	if tok.CreatedAt.IsZero() {
		t.Error("CreatedAt не установлен")
	}

	got, err := repo.GetLive(ctx, "alice@example.com", now)
	if err != nil {
		t.Fatalf("GetLive() ошибка: %v", err)
	}
	if got.Code != tok.Code {
		t.Errorf("Code = %q, хотели %q", got.Code, tok.Code)
	}
	if string(got.Payload) != string(tok.Payload) {
		t.Errorf("Payload = %q, хотели %q", got.Payload, tok.Payload)
	}

	// Replace инвалидирует прежний токен: живым остаётся только новый
	tok2 := newTestToken("alice@example.com", time.Hour)
	tok2.Code = "777001"
	if err := repo.Replace(ctx, tok2); err != nil {
		t.Fatalf("Replace() повторный: %v", err)
	}
	got2, err := repo.GetLive(ctx, "alice@example.com", now)
	if err != nil {
		t.Fatalf("GetLive() после замены: %v", err)
	}
	if got2.ID != tok2.ID {
		t.Errorf("Живой токен = %s, хотели %s", got2.ID, tok2.ID)
	}
	// Прежний физически удалён
	if err := repo.Delete(ctx, tok.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Прежний токен должен быть удалён, Delete вернул: %v", err)
	}

	// Истёкший токен не возвращается
	if _, err := repo.GetLive(ctx, "alice@example.com", now.Add(2*time.Hour)); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetLive() истёкшего: ожидали ErrNotFound, получили: %v", err)
	}

	// Чужая идентичность — ErrNotFound
	if _, err := repo.GetLive(ctx, "bob@example.com", now); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetLive() чужой идентичности: ожидали ErrNotFound, получили: %v", err)
	}
}

func TestTokenAttemptsAndConsume(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewTokenRepository(pool)

	const maxAttempts = 5
	now := time.Now().UTC()
	tok := newTestToken("carol@example.com", time.Hour)
	if err := repo.Replace(ctx, tok); err != nil {
		t.Fatalf("Replace() ошибка: %v", err)
	}

	// Инкремент счётчика попыток
	for want := 1; want <= 2; want++ {
		attempts, err := repo.IncrementAttempts(ctx, tok.ID)
		if err != nil {
			t.Fatalf("IncrementAttempts() ошибка: %v", err)
		}
		if attempts != want {
			t.Errorf("attempts = %d, хотели %d", attempts, want)
		}
	}

	// Consume при непревышенном лимите
	if err := repo.Consume(ctx, tok.ID, maxAttempts, now); err != nil {
		t.Fatalf("Consume() ошибка: %v", err)
	}

	// Повторный consume — ErrNotFound
	if err := repo.Consume(ctx, tok.ID, maxAttempts, now); !errors.Is(err, ErrNotFound) {
		t.Errorf("Повторный Consume(): ожидали ErrNotFound, получили: %v", err)
	}
	// Использованный токен больше не живой
	if _, err := repo.GetLive(ctx, "carol@example.com", now); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetLive() использованного: ожидали ErrNotFound, получили: %v", err)
	}
	// И попытки по нему больше не считаются
	if _, err := repo.IncrementAttempts(ctx, tok.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("IncrementAttempts() использованного: ожидали ErrNotFound, получили: %v", err)
	}

	// Лимит попыток закрывает consume даже с верным кодом
	tok2 := newTestToken("dave@example.com", time.Hour)
	if err := repo.Replace(ctx, tok2); err != nil {
		t.Fatalf("Replace(tok2) ошибка: %v", err)
	}
	for i := 0; i < maxAttempts; i++ {
		if _, err := repo.IncrementAttempts(ctx, tok2.ID); err != nil {
			t.Fatalf("IncrementAttempts(tok2) ошибка: %v", err)
		}
	}
	if err := repo.Consume(ctx, tok2.ID, maxAttempts, now); !errors.Is(err, ErrNotFound) {
		t.Errorf("Consume() после исчерпания лимита: ожидали ErrNotFound, получили: %v", err)
	}

	// Исчерпавший лимит токен удаляется; идентичность остаётся без живого токена
	if err := repo.Delete(ctx, tok2.ID); err != nil {
		t.Fatalf("Delete() после исчерпания лимита: %v", err)
	}
	if _, err := repo.GetLive(ctx, "dave@example.com", now); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetLive() после удаления: ожидали ErrNotFound, получили: %v", err)
	}
	if err := repo.Delete(ctx, tok2.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Повторный Delete(): ожидали ErrNotFound, получили: %v", err)
	}
}

func TestTokenDeleteExpired(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewTokenRepository(pool)

	now := time.Now().UTC()

	expired1 := newTestToken("e1@example.com", -time.Hour)
	expired2 := newTestToken("e2@example.com", -time.Minute)
	live := newTestToken("live@example.com", time.Hour)
	for _, tok := range []*model.Token{expired1, expired2, live} {
		if err := repo.Replace(ctx, tok); err != nil {
			t.Fatalf("Replace() ошибка: %v", err)
		}
	}

	n, err := repo.DeleteExpired(ctx, now)
	if err != nil {
		t.Fatalf("DeleteExpired() ошибка: %v", err)
	}
	if n != 2 {
		t.Errorf("DeleteExpired удалил %d, хотели 2", n)
	}

	// Живой токен не тронут
	if _, err := repo.GetLive(ctx, "live@example.com", now); err != nil {
		t.Errorf("Живой токен удалён: %v", err)
	}

	// Повторный запуск — ничего не удаляет
	n2, err := repo.DeleteExpired(ctx, now)
	if err != nil {
		t.Fatalf("Повторный DeleteExpired() ошибка: %v", err)
	}
	if n2 != 0 {
		t.Errorf("Повторный DeleteExpired удалил %d, хотели 0", n2)
	}
}
