package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/reverse-test/retester/internal/domain"
	"github.com/reverse-test/retester/internal/repository"
	"github.com/reverse-test/retester/internal/tester"
	"github.com/sirupsen/logrus"
)

// ErrDuplicateReport 同一路径在时间窗口内已有未完成的测试
var ErrDuplicateReport = errors.New("a test for this file is already queued")

// duplicateWindow 文件监控可能对同一文件触发多次事件
const duplicateWindow = 60 * time.Second

// ReportService 测试报告服务接口
type ReportService interface {
	// 创建排队中的报告
	CreateReport(ctx context.Context, filePath string) (*domain.TestReport, error)

	GetReport(ctx context.Context, id string) (*domain.TestReport, error)

	// 同一文件内容最近一次完成的报告
	FindBySHA256(ctx context.Context, sha256 string) (*domain.TestReport, error)

	ListReports(ctx context.Context, page, pageSize int, status string) ([]*domain.TestReport, int64, error)

	ListRecent(ctx context.Context, limit int) ([]*domain.TestReport, error)

	ListByStatus(ctx context.Context, status domain.ReportStatus) ([]*domain.TestReport, error)

	DeleteReport(ctx context.Context, id string) error

	MarkRunning(ctx context.Context, id string) error

	// 保存测试结果；文件不存在时记为 skipped
	SaveResult(ctx context.Context, id string, result *tester.BinaryResult) (*domain.TestReport, error)

	// 记录内部错误（非检测结果）
	MarkFailed(ctx context.Context, id string, cause error) error

	// 把报告重置为 queued，供重新派发
	Requeue(ctx context.Context, id string) (*domain.TestReport, error)

	// 解析报告中保存的完整结果
	LoadResult(report *domain.TestReport) (*tester.BinaryResult, error)

	GetStatistics(ctx context.Context) (*repository.ReportStatistics, error)
}

type reportService struct {
	repo   repository.ReportRepository
	logger *logrus.Logger
}

// NewReportService 创建报告服务实例
func NewReportService(repo repository.ReportRepository, logger *logrus.Logger) ReportService {
	return &reportService{
		repo:   repo,
		logger: logger,
	}
}

func (s *reportService) CreateReport(ctx context.Context, filePath string) (*domain.TestReport, error) {
	hasRecent, err := s.repo.HasRecentForPath(ctx, filePath, duplicateWindow)
	if err != nil {
		s.logger.WithError(err).WithField("file_path", filePath).Warn("Failed to check recent report, continuing anyway")
	} else if hasRecent {
		s.logger.WithField("file_path", filePath).Warn("Duplicate test submission blocked")
		return nil, ErrDuplicateReport
	}

	report := &domain.TestReport{
		ID:        uuid.New().String(),
		FilePath:  filePath,
		FileName:  filepath.Base(filePath),
		Status:    domain.ReportStatusQueued,
		CreatedAt: time.Now().UTC(),
	}

	if err := s.repo.Create(ctx, report); err != nil {
		s.logger.WithError(err).Error("Failed to create report")
		return nil, fmt.Errorf("failed to create report: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"report_id": report.ID,
		"file_path": filePath,
	}).Info("Report created")
	return report, nil
}

func (s *reportService) GetReport(ctx context.Context, id string) (*domain.TestReport, error) {
	report, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get report: %w", err)
	}
	return report, nil
}

func (s *reportService) FindBySHA256(ctx context.Context, sha256 string) (*domain.TestReport, error) {
	report, err := s.repo.FindBySHA256(ctx, strings.ToLower(sha256))
	if err != nil {
		return nil, fmt.Errorf("failed to find report by sha256: %w", err)
	}
	return report, nil
}

func (s *reportService) ListReports(ctx context.Context, page, pageSize int, status string) ([]*domain.TestReport, int64, error) {
	reports, total, err := s.repo.ListWithPagination(ctx, page, pageSize, status)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list reports")
		return nil, 0, fmt.Errorf("failed to list reports: %w", err)
	}
	return reports, total, nil
}

func (s *reportService) ListRecent(ctx context.Context, limit int) ([]*domain.TestReport, error) {
	reports, err := s.repo.ListRecent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	return reports, nil
}

func (s *reportService) ListByStatus(ctx context.Context, status domain.ReportStatus) ([]*domain.TestReport, error) {
	reports, err := s.repo.ListByStatus(ctx, status, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s reports: %w", status, err)
	}
	return reports, nil
}

func (s *reportService) DeleteReport(ctx context.Context, id string) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		s.logger.WithError(err).WithField("report_id", id).Error("Failed to delete report")
		return fmt.Errorf("failed to delete report: %w", err)
	}

	s.logger.WithField("report_id", id).Info("Report deleted")
	return nil
}

func (s *reportService) MarkRunning(ctx context.Context, id string) error {
	if err := s.repo.UpdateStatus(ctx, id, domain.ReportStatusRunning); err != nil {
		return fmt.Errorf("failed to mark report running: %w", err)
	}
	return nil
}

func (s *reportService) SaveResult(ctx context.Context, id string, result *tester.BinaryResult) (*domain.TestReport, error) {
	report, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get report: %w", err)
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}

	applyResult(report, result)
	report.ResultJSON = string(raw)
	now := time.Now().UTC()
	report.CompletedAt = &now

	if err := s.repo.Update(ctx, report); err != nil {
		return nil, fmt.Errorf("failed to save result: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"report_id": id,
		"status":    report.Status,
	}).Info("Report result saved")
	return report, nil
}

// applyResult 把检测结果的摘要字段写入报告
func applyResult(report *domain.TestReport, result *tester.BinaryResult) {
	report.DurationMs = result.DurationMs

	if result.Failed() {
		report.Status = domain.ReportStatusSkipped
		report.ErrorMessage = result.Error
		return
	}

	report.Status = domain.ReportStatusCompleted
	report.ErrorMessage = ""

	if fi := result.FileInfo; fi != nil {
		report.FileSize = fi.FileSize
		report.SHA256 = fi.FileHash
		report.MD5 = fi.MD5
	}
	if pi := result.PyInstallerTest; pi != nil {
		report.ExtractionSuccess = pi.Success
		report.PythonFilesFound = pi.PythonFiles
	}
	if na := result.NuitkaAnalysis; na != nil {
		report.StringsFound = na.StringsFound
		report.InterestingStrings = na.InterestingStrings
	}
	if pa := result.PyArmorTest; pa != nil {
		report.Uncompyle6Success = pa.Uncompyle6 != nil && pa.Uncompyle6.Success
		report.Decompyle3Success = pa.Decompyle3 != nil && pa.Decompyle3.Success
	}
	if dp := result.DebugProtection; dp != nil {
		report.HasDebugProtection = dp.HasDebugProtection
	}
	if result.PackerInfo != nil && result.PackerInfo.IsPacked {
		report.PackerName = result.PackerInfo.PackerName
	}
}

func (s *reportService) MarkFailed(ctx context.Context, id string, cause error) error {
	report, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to get report: %w", err)
	}

	now := time.Now().UTC()
	report.Status = domain.ReportStatusFailed
	report.ErrorMessage = cause.Error()
	report.CompletedAt = &now

	if err := s.repo.Update(ctx, report); err != nil {
		return fmt.Errorf("failed to mark report failed: %w", err)
	}
	return nil
}

func (s *reportService) Requeue(ctx context.Context, id string) (*domain.TestReport, error) {
	report, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get report: %w", err)
	}
	if report.Status == domain.ReportStatusRunning {
		return nil, fmt.Errorf("report %s is running", id)
	}

	report.Status = domain.ReportStatusQueued
	report.ErrorMessage = ""
	report.ResultJSON = ""
	report.StartedAt = nil
	report.CompletedAt = nil

	if err := s.repo.Update(ctx, report); err != nil {
		return nil, fmt.Errorf("failed to requeue report: %w", err)
	}

	s.logger.WithField("report_id", id).Info("Report requeued")
	return report, nil
}

func (s *reportService) LoadResult(report *domain.TestReport) (*tester.BinaryResult, error) {
	if report.ResultJSON == "" {
		return nil, fmt.Errorf("report %s has no result yet (status %s)", report.ID, report.Status)
	}

	var result tester.BinaryResult
	if err := json.Unmarshal([]byte(report.ResultJSON), &result); err != nil {
		return nil, fmt.Errorf("failed to decode result: %w", err)
	}
	return &result, nil
}

func (s *reportService) GetStatistics(ctx context.Context) (*repository.ReportStatistics, error) {
	return s.repo.GetStatistics(ctx)
}
