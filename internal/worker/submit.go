package worker

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/reverse-test/retester/internal/domain"
	"github.com/reverse-test/retester/internal/service"
	"github.com/sirupsen/logrus"
)

// Dispatcher 把排队中的报告交给执行方（消息队列或本地 Worker 池）
type Dispatcher interface {
	Dispatch(ctx context.Context, report *domain.TestReport) error
}

// PoolDispatcher 直接提交到本地 Worker 池
type PoolDispatcher struct {
	Pool *Pool
}

func (d PoolDispatcher) Dispatch(_ context.Context, report *domain.TestReport) error {
	return d.Pool.Submit(&Task{ID: report.ID, FilePath: report.FilePath})
}

// QueueRecorder 排队指标
type QueueRecorder interface {
	RecordTestQueued()
}

// Submitter 创建报告并派发测试任务，API、文件监控和命令行共用
type Submitter struct {
	reports     service.ReportService
	dispatcher  Dispatcher
	metrics     QueueRecorder
	broadcaster EventBroadcaster
	logger      *logrus.Logger
}

// NewSubmitter metrics 和 broadcaster 可为 nil
func NewSubmitter(reports service.ReportService, dispatcher Dispatcher, metrics QueueRecorder, broadcaster EventBroadcaster, logger *logrus.Logger) *Submitter {
	return &Submitter{
		reports:     reports,
		dispatcher:  dispatcher,
		metrics:     metrics,
		broadcaster: broadcaster,
		logger:      logger,
	}
}

// SetBroadcaster 设置事件广播器
func (s *Submitter) SetBroadcaster(b EventBroadcaster) {
	s.broadcaster = b
}

// Submit 为 path 创建 queued 报告并派发。派发失败时报告标记为 failed
func (s *Submitter) Submit(ctx context.Context, path string) (*domain.TestReport, error) {
	if path == "" {
		return nil, fmt.Errorf("path is required")
	}
	path = filepath.Clean(path)

	report, err := s.reports.CreateReport(ctx, path)
	if err != nil {
		return nil, err
	}

	if err := s.dispatcher.Dispatch(ctx, report); err != nil {
		s.logger.WithError(err).WithField("report_id", report.ID).Error("Failed to dispatch test")
		if markErr := s.reports.MarkFailed(ctx, report.ID, fmt.Errorf("dispatch failed: %w", err)); markErr != nil {
			s.logger.WithError(markErr).WithField("report_id", report.ID).Error("Failed to mark report failed")
		}
		return nil, fmt.Errorf("failed to dispatch test: %w", err)
	}

	if s.metrics != nil {
		s.metrics.RecordTestQueued()
	}
	if s.broadcaster != nil {
		s.broadcaster.Broadcast(Event{
			Type:      EventTestQueued,
			ReportID:  report.ID,
			FilePath:  report.FilePath,
			Status:    report.Status,
			Timestamp: report.CreatedAt,
		})
	}

	return report, nil
}
