package repository

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/reverse-test/retester/internal/config"
	"github.com/reverse-test/retester/internal/domain"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// setupTestDB 创建内存测试数据库
func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err, "Failed to open test database")

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, AutoMigrate(db, testLogger()))
	return db
}

func newReport(id string, status domain.ReportStatus, createdAt time.Time) *domain.TestReport {
	return &domain.TestReport{
		ID:        id,
		FilePath:  "dist/" + id + ".exe",
		FileName:  id + ".exe",
		Status:    status,
		CreatedAt: createdAt,
	}
}

// TestReportRepository_CreateAndFind 测试创建与查询
func TestReportRepository_CreateAndFind(t *testing.T) {
	repo := NewReportRepository(setupTestDB(t), testLogger())
	ctx := context.Background()

	report := &domain.TestReport{
		ID:       "report-001",
		FilePath: "PyInstaller/dist/main.exe",
		FileName: "main.exe",
		Status:   domain.ReportStatusQueued,
	}
	require.NoError(t, repo.Create(ctx, report))
	assert.False(t, report.CreatedAt.IsZero(), "CreatedAt should be filled")

	found, err := repo.FindByID(ctx, "report-001")
	require.NoError(t, err)
	assert.Equal(t, "main.exe", found.FileName)
	assert.Equal(t, domain.ReportStatusQueued, found.Status)

	_, err = repo.FindByID(ctx, "missing")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

// TestReportRepository_UpdateStatus 测试状态更新与时间戳
func TestReportRepository_UpdateStatus(t *testing.T) {
	repo := NewReportRepository(setupTestDB(t), testLogger())
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newReport("r1", domain.ReportStatusQueued, time.Now())))

	require.NoError(t, repo.UpdateStatus(ctx, "r1", domain.ReportStatusRunning))
	found, err := repo.FindByID(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.ReportStatusRunning, found.Status)
	assert.NotNil(t, found.StartedAt)
	assert.Nil(t, found.CompletedAt)

	require.NoError(t, repo.UpdateStatus(ctx, "r1", domain.ReportStatusSkipped))
	found, err = repo.FindByID(ctx, "r1")
	require.NoError(t, err)
	assert.NotNil(t, found.CompletedAt)

	assert.ErrorIs(t, repo.UpdateStatus(ctx, "missing", domain.ReportStatusRunning), gorm.ErrRecordNotFound)
}

// TestReportRepository_Update 测试保存完整结果
func TestReportRepository_Update(t *testing.T) {
	repo := NewReportRepository(setupTestDB(t), testLogger())
	ctx := context.Background()

	report := newReport("r1", domain.ReportStatusRunning, time.Now())
	require.NoError(t, repo.Create(ctx, report))

	report.Status = domain.ReportStatusCompleted
	report.SHA256 = "deadbeef"
	report.HasDebugProtection = true
	report.ResultJSON = `{"file_path":"x"}`
	require.NoError(t, repo.Update(ctx, report))

	found, err := repo.FindByID(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.ReportStatusCompleted, found.Status)
	assert.True(t, found.HasDebugProtection)
	assert.Equal(t, `{"file_path":"x"}`, found.ResultJSON)
}

// TestReportRepository_FindBySHA256 测试按哈希取最近完成的报告
func TestReportRepository_FindBySHA256(t *testing.T) {
	repo := NewReportRepository(setupTestDB(t), testLogger())
	ctx := context.Background()
	base := time.Now().UTC()

	older := newReport("old", domain.ReportStatusCompleted, base.Add(-time.Hour))
	older.SHA256 = "aaa"
	newer := newReport("new", domain.ReportStatusCompleted, base)
	newer.SHA256 = "aaa"
	pending := newReport("pending", domain.ReportStatusQueued, base.Add(time.Hour))
	pending.SHA256 = "aaa"

	for _, r := range []*domain.TestReport{older, newer, pending} {
		require.NoError(t, repo.Create(ctx, r))
	}

	found, err := repo.FindBySHA256(ctx, "aaa")
	require.NoError(t, err)
	assert.Equal(t, "new", found.ID)

	_, err = repo.FindBySHA256(ctx, "bbb")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

// TestReportRepository_Lists 测试列表查询
func TestReportRepository_Lists(t *testing.T) {
	repo := NewReportRepository(setupTestDB(t), testLogger())
	ctx := context.Background()
	base := time.Now().UTC()

	require.NoError(t, repo.Create(ctx, newReport("a", domain.ReportStatusFailed, base.Add(-3*time.Minute))))
	require.NoError(t, repo.Create(ctx, newReport("b", domain.ReportStatusCompleted, base.Add(-2*time.Minute))))
	require.NoError(t, repo.Create(ctx, newReport("c", domain.ReportStatusFailed, base.Add(-1*time.Minute))))

	recent, err := repo.ListRecent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "c", recent[0].ID)
	assert.Equal(t, "b", recent[1].ID)

	failed, err := repo.ListByStatus(ctx, domain.ReportStatusFailed, 0)
	require.NoError(t, err)
	require.Len(t, failed, 2)
	assert.Equal(t, "a", failed[0].ID, "oldest first")

	page, total, err := repo.ListWithPagination(ctx, 2, 2, "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, page, 1)
	assert.Equal(t, "a", page[0].ID)

	page, total, err = repo.ListWithPagination(ctx, 1, 10, string(domain.ReportStatusCompleted))
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Len(t, page, 1)
}

// TestReportRepository_Delete 测试删除
func TestReportRepository_Delete(t *testing.T) {
	repo := NewReportRepository(setupTestDB(t), testLogger())
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newReport("a", domain.ReportStatusQueued, time.Now())))
	require.NoError(t, repo.Delete(ctx, "a"))
	assert.ErrorIs(t, repo.Delete(ctx, "a"), gorm.ErrRecordNotFound)
}

// TestReportRepository_HasRecentForPath 测试重复提交检查
func TestReportRepository_HasRecentForPath(t *testing.T) {
	repo := NewReportRepository(setupTestDB(t), testLogger())
	ctx := context.Background()

	queued := newReport("q", domain.ReportStatusQueued, time.Now().UTC())
	done := newReport("d", domain.ReportStatusCompleted, time.Now().UTC())
	require.NoError(t, repo.Create(ctx, queued))
	require.NoError(t, repo.Create(ctx, done))

	has, err := repo.HasRecentForPath(ctx, queued.FilePath, time.Minute)
	require.NoError(t, err)
	assert.True(t, has)

	has, err = repo.HasRecentForPath(ctx, done.FilePath, time.Minute)
	require.NoError(t, err)
	assert.False(t, has, "finished reports do not block resubmission")
}

// TestReportRepository_GetStatistics 测试统计
func TestReportRepository_GetStatistics(t *testing.T) {
	repo := NewReportRepository(setupTestDB(t), testLogger())
	ctx := context.Background()
	now := time.Now().UTC()

	r1 := newReport("r1", domain.ReportStatusCompleted, now)
	r1.ExtractionSuccess = true
	r1.HasDebugProtection = true
	r1.PackerName = "PyInstaller"
	r1.DurationMs = 100

	r2 := newReport("r2", domain.ReportStatusCompleted, now)
	r2.Decompyle3Success = true
	r2.PackerName = "PyInstaller"
	r2.DurationMs = 300

	r3 := newReport("r3", domain.ReportStatusSkipped, now)

	for _, r := range []*domain.TestReport{r1, r2, r3} {
		require.NoError(t, repo.Create(ctx, r))
	}

	stats, err := repo.GetStatistics(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(2), stats.StatusCounts["completed"])
	assert.Equal(t, int64(1), stats.StatusCounts["skipped"])
	assert.Equal(t, int64(1), stats.ExtractionSuccess)
	assert.Equal(t, int64(1), stats.DecompileSuccess)
	assert.Equal(t, int64(1), stats.DebugProtected)
	assert.InDelta(t, 200.0, stats.AvgDurationMs, 0.01)
	assert.InDelta(t, 50.0, stats.ExtractionRate, 0.01)
	require.Len(t, stats.PackerCounts, 1)
	assert.Equal(t, PackerCount{PackerName: "PyInstaller", Count: 2}, stats.PackerCounts[0])
}

// TestInitDB_SQLiteFile 测试 SQLite 文件数据库初始化
func TestInitDB_SQLiteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "reports.db")
	cfg := &config.DatabaseConfig{Type: "sqlite", Path: path}

	db, err := InitDB(context.Background(), cfg, testLogger(), nil)
	require.NoError(t, err)

	assert.FileExists(t, path)
	assert.True(t, db.Migrator().HasTable(&domain.TestReport{}))
}
