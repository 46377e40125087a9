package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/reverse-test/retester/internal/domain"
	"github.com/reverse-test/retester/internal/service"
	"github.com/reverse-test/retester/internal/tester"
	"github.com/sirupsen/logrus"
)

// 事件类型
const (
	EventTestQueued   = "test_queued"
	EventTestRunning  = "test_running"
	EventTestFinished = "test_finished"
)

// Event 推送给前端的任务事件
type Event struct {
	Type      string              `json:"type"`
	ReportID  string              `json:"report_id"`
	FilePath  string              `json:"file_path"`
	Status    domain.ReportStatus `json:"status"`
	Summary   *EventSummary       `json:"summary,omitempty"`
	Error     string              `json:"error,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

// EventSummary 测试结束时的摘要
type EventSummary struct {
	PackerName         string `json:"packer_name,omitempty"`
	ExtractionSuccess  bool   `json:"extraction_success"`
	DecompileSuccess   bool   `json:"decompile_success"`
	HasDebugProtection bool   `json:"has_debug_protection"`
	DurationMs         int64  `json:"duration_ms"`
}

// EventBroadcaster 事件广播接口
type EventBroadcaster interface {
	Broadcast(event Event)
}

// MetricsRecorder 测试指标接口
type MetricsRecorder interface {
	RecordTestStarted()
	RecordTestFinished(status string, duration time.Duration)
	RecordFinding(check string)
}

// BinaryTester 执行检测的组件
type BinaryTester interface {
	TestBinary(ctx context.Context, path string) *tester.BinaryResult
}

// Orchestrator 单个测试任务的执行编排
type Orchestrator struct {
	tester      BinaryTester
	reports     service.ReportService
	metrics     MetricsRecorder
	broadcaster EventBroadcaster
	logger      *logrus.Logger
}

// NewOrchestrator 创建编排器，metrics 和 broadcaster 可为 nil
func NewOrchestrator(t BinaryTester, reports service.ReportService, metrics MetricsRecorder, broadcaster EventBroadcaster, logger *logrus.Logger) *Orchestrator {
	return &Orchestrator{
		tester:      t,
		reports:     reports,
		metrics:     metrics,
		broadcaster: broadcaster,
		logger:      logger,
	}
}

// SetBroadcaster 设置事件广播器
func (o *Orchestrator) SetBroadcaster(b EventBroadcaster) {
	o.broadcaster = b
}

// ExecuteTask 执行一个测试任务：标记运行中，运行全部检测，保存结果
func (o *Orchestrator) ExecuteTask(ctx context.Context, reportID, filePath string) error {
	log := o.logger.WithFields(logrus.Fields{
		"report_id": reportID,
		"file_path": filePath,
	})
	log.Info("Starting test execution")

	if err := o.reports.MarkRunning(ctx, reportID); err != nil {
		return err
	}

	startTime := time.Now()
	if o.metrics != nil {
		o.metrics.RecordTestStarted()
	}
	o.broadcast(Event{Type: EventTestRunning, ReportID: reportID, FilePath: filePath, Status: domain.ReportStatusRunning})

	result := o.tester.TestBinary(ctx, filePath)

	if err := ctx.Err(); err != nil {
		return o.fail(reportID, filePath, startTime, fmt.Errorf("test interrupted: %w", err))
	}

	report, err := o.reports.SaveResult(ctx, reportID, result)
	if err != nil {
		return o.fail(reportID, filePath, startTime, err)
	}

	duration := time.Since(startTime)
	summary := &EventSummary{
		PackerName:         report.PackerName,
		ExtractionSuccess:  report.ExtractionSuccess,
		DecompileSuccess:   report.Uncompyle6Success || report.Decompyle3Success,
		HasDebugProtection: report.HasDebugProtection,
		DurationMs:         result.DurationMs,
	}

	if o.metrics != nil {
		o.metrics.RecordTestFinished(string(report.Status), duration)
		if report.Status == domain.ReportStatusCompleted {
			o.recordFindings(summary)
		}
	}

	o.broadcast(Event{
		Type:     EventTestFinished,
		ReportID: reportID,
		FilePath: filePath,
		Status:   report.Status,
		Summary:  summary,
		Error:    report.ErrorMessage,
	})

	log.WithFields(logrus.Fields{
		"status":      report.Status,
		"duration_ms": duration.Milliseconds(),
	}).Info("Test execution finished")
	return nil
}

// recordFindings 每项抗性不足计一次
func (o *Orchestrator) recordFindings(s *EventSummary) {
	if s.ExtractionSuccess {
		o.metrics.RecordFinding("extraction")
	}
	if s.DecompileSuccess {
		o.metrics.RecordFinding("decompilation")
	}
	if !s.HasDebugProtection {
		o.metrics.RecordFinding("no_anti_debug")
	}
}

func (o *Orchestrator) fail(reportID, filePath string, startTime time.Time, cause error) error {
	o.logger.WithError(cause).WithField("report_id", reportID).Error("Test execution failed")

	// 原 ctx 可能已取消，状态写回使用独立超时
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.reports.MarkFailed(ctx, reportID, cause); err != nil {
		o.logger.WithError(err).WithField("report_id", reportID).Error("Failed to mark report failed")
	}

	if o.metrics != nil {
		o.metrics.RecordTestFinished(string(domain.ReportStatusFailed), time.Since(startTime))
	}
	o.broadcast(Event{
		Type:     EventTestFinished,
		ReportID: reportID,
		FilePath: filePath,
		Status:   domain.ReportStatusFailed,
		Error:    cause.Error(),
	})
	return cause
}

func (o *Orchestrator) broadcast(event Event) {
	if o.broadcaster == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	o.broadcaster.Broadcast(event)
}
