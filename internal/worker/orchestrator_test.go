package worker

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/reverse-test/retester/internal/domain"
	"github.com/reverse-test/retester/internal/packer"
	"github.com/reverse-test/retester/internal/repository"
	"github.com/reverse-test/retester/internal/service"
	"github.com/reverse-test/retester/internal/tester"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// stubTester 返回预设结果
type stubTester struct {
	result *tester.BinaryResult
	block  chan struct{}
}

func (s *stubTester) TestBinary(ctx context.Context, path string) *tester.BinaryResult {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
		}
	}
	r := *s.result
	r.FilePath = path
	return &r
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []Event
}

func (b *recordingBroadcaster) Broadcast(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

func (b *recordingBroadcaster) types() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var types []string
	for _, e := range b.events {
		types = append(types, e.Type)
	}
	return types
}

type recordingMetrics struct {
	mu       sync.Mutex
	started  int
	finished map[string]int
	findings map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{finished: map[string]int{}, findings: map[string]int{}}
}

func (m *recordingMetrics) RecordTestStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started++
}

func (m *recordingMetrics) RecordTestFinished(status string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished[status]++
}

func (m *recordingMetrics) RecordFinding(check string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.findings[check]++
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// setupTestService 使用内存 SQLite 创建报告服务
func setupTestService(t *testing.T) service.ReportService {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, repository.AutoMigrate(db, testLogger()))

	return service.NewReportService(repository.NewReportRepository(db, testLogger()), testLogger())
}

func completedResult() *tester.BinaryResult {
	return &tester.BinaryResult{
		FileInfo:        &tester.FileInfo{FileSize: 4096, FileHash: "f00d"},
		PyInstallerTest: &tester.ExtractionResult{Success: true, FilesFound: 5, PythonFiles: 2},
		NuitkaAnalysis:  &tester.StringAnalysis{StringsFound: 10, Examples: []string{}},
		PyArmorTest: &tester.DecompileResult{
			Uncompyle6: &tester.DecompilerOutcome{},
			Decompyle3: &tester.DecompilerOutcome{},
		},
		DebugProtection: &tester.DebugProtection{ProtectionMethods: []string{}},
		PackerInfo:      &packer.PackerInfo{IsPacked: true, PackerName: "PyInstaller", PackerType: packer.PackerTypeBundle},
		DurationMs:      12,
	}
}

// TestOrchestrator_ExecuteTask 测试完整执行流程
func TestOrchestrator_ExecuteTask(t *testing.T) {
	svc := setupTestService(t)
	ctx := context.Background()
	broadcaster := &recordingBroadcaster{}
	metrics := newRecordingMetrics()

	report, err := svc.CreateReport(ctx, "dist/main.exe")
	require.NoError(t, err)

	o := NewOrchestrator(&stubTester{result: completedResult()}, svc, metrics, broadcaster, testLogger())
	require.NoError(t, o.ExecuteTask(ctx, report.ID, report.FilePath))

	stored, err := svc.GetReport(ctx, report.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReportStatusCompleted, stored.Status)
	assert.Equal(t, "f00d", stored.SHA256)
	assert.Equal(t, "PyInstaller", stored.PackerName)
	assert.True(t, stored.ExtractionSuccess)
	assert.NotNil(t, stored.StartedAt)
	assert.NotNil(t, stored.CompletedAt)

	result, err := svc.LoadResult(stored)
	require.NoError(t, err)
	assert.Equal(t, 5, result.PyInstallerTest.FilesFound)

	assert.Equal(t, []string{EventTestRunning, EventTestFinished}, broadcaster.types())
	assert.Equal(t, 1, metrics.started)
	assert.Equal(t, 1, metrics.finished["completed"])
	assert.Equal(t, 1, metrics.findings["extraction"])
	assert.Equal(t, 1, metrics.findings["no_anti_debug"])
	assert.Zero(t, metrics.findings["decompilation"])
}

// TestOrchestrator_ExecuteTask_MissingFile 测试文件不存在时记为 skipped
func TestOrchestrator_ExecuteTask_MissingFile(t *testing.T) {
	svc := setupTestService(t)
	ctx := context.Background()
	metrics := newRecordingMetrics()

	report, err := svc.CreateReport(ctx, "gone.exe")
	require.NoError(t, err)

	stub := &stubTester{result: &tester.BinaryResult{Error: "File not found: gone.exe"}}
	o := NewOrchestrator(stub, svc, metrics, nil, testLogger())
	require.NoError(t, o.ExecuteTask(ctx, report.ID, report.FilePath))

	stored, err := svc.GetReport(ctx, report.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReportStatusSkipped, stored.Status)
	assert.Equal(t, "File not found: gone.exe", stored.ErrorMessage)
	assert.Equal(t, 1, metrics.finished["skipped"])
	assert.Empty(t, metrics.findings)
}

// TestOrchestrator_ExecuteTask_UnknownReport 测试报告不存在
func TestOrchestrator_ExecuteTask_UnknownReport(t *testing.T) {
	svc := setupTestService(t)
	o := NewOrchestrator(&stubTester{result: completedResult()}, svc, nil, nil, testLogger())

	err := o.ExecuteTask(context.Background(), "no-such-id", "x")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

// TestOrchestrator_ExecuteTask_Canceled 测试执行中取消
func TestOrchestrator_ExecuteTask_Canceled(t *testing.T) {
	svc := setupTestService(t)
	broadcaster := &recordingBroadcaster{}

	report, err := svc.CreateReport(context.Background(), "slow.exe")
	require.NoError(t, err)

	stub := &stubTester{result: completedResult(), block: make(chan struct{})}
	o := NewOrchestrator(stub, svc, nil, broadcaster, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err = o.ExecuteTask(ctx, report.ID, report.FilePath)
	assert.True(t, errors.Is(err, context.Canceled))

	stored, err := svc.GetReport(context.Background(), report.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReportStatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "interrupted")
}
