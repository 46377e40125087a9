package handlers

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/reverse-test/retester/internal/domain"
	"github.com/reverse-test/retester/internal/middleware"
	"github.com/reverse-test/retester/internal/report"
	"github.com/reverse-test/retester/internal/service"
	"github.com/reverse-test/retester/internal/tester"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// TestSubmitter 创建并派发测试任务
type TestSubmitter interface {
	Submit(ctx context.Context, path string) (*domain.TestReport, error)
}

// ToolChecker 外部工具可用性
type ToolChecker interface {
	ToolsStatus() map[string]bool
	CheckTools(ctx context.Context) map[string]bool
}

// StatsProvider 运行时内存统计
type StatsProvider interface {
	GetStats() middleware.MemoryStats
}

// ReportHandler 测试报告处理器
type ReportHandler struct {
	reports   service.ReportService
	submitter TestSubmitter
	tools     ToolChecker
	stats     StatsProvider
	logger    *logrus.Logger
	startedAt time.Time
}

// NewReportHandler 创建报告处理器，stats 可为 nil
func NewReportHandler(reports service.ReportService, submitter TestSubmitter, tools ToolChecker, stats StatsProvider, logger *logrus.Logger) *ReportHandler {
	return &ReportHandler{
		reports:   reports,
		submitter: submitter,
		tools:     tools,
		stats:     stats,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Health 健康检查
// GET /api/health
func (h *ReportHandler) Health(c *gin.Context) {
	resp := gin.H{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
	}
	if h.stats != nil {
		resp["memory"] = h.stats.GetStats()
	}
	c.JSON(http.StatusOK, resp)
}

// GetTools 外部工具可用性，refresh=true 时重新探测
// GET /api/tools?refresh=true
func (h *ReportHandler) GetTools(c *gin.Context) {
	var status map[string]bool
	if c.Query("refresh") == "true" {
		status = h.tools.CheckTools(c.Request.Context())
	} else {
		status = h.tools.ToolsStatus()
	}

	c.JSON(http.StatusOK, gin.H{
		"tools": status,
	})
}

type createTestRequest struct {
	Path string `json:"path" binding:"required"`
}

// CreateTest 提交测试任务
// POST /api/tests {"path": "..."}
func (h *ReportHandler) CreateTest(c *gin.Context) {
	var req createTestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "path is required",
		})
		return
	}

	rpt, err := h.submitter.Submit(c.Request.Context(), req.Path)
	if err != nil {
		if errors.Is(err, service.ErrDuplicateReport) {
			c.JSON(http.StatusConflict, gin.H{
				"error": err.Error(),
			})
			return
		}
		h.logger.WithError(err).WithField("path", req.Path).Error("Failed to submit test")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to submit test",
		})
		return
	}

	c.JSON(http.StatusAccepted, rpt)
}

// ListTests 报告列表
// GET /api/tests?page=1&page_size=20&status=completed
func (h *ReportHandler) ListTests(c *gin.Context) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page <= 0 {
		page = 1
	}
	pageSize, err := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if err != nil || pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	status := c.Query("status")
	if status != "" && !validStatus(status) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid status",
		})
		return
	}

	reports, total, err := h.reports.ListReports(c.Request.Context(), page, pageSize, status)
	if err != nil {
		h.logger.WithError(err).Error("Failed to list reports")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to list reports",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"reports":   reports,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

func validStatus(s string) bool {
	switch domain.ReportStatus(s) {
	case domain.ReportStatusQueued, domain.ReportStatusRunning, domain.ReportStatusCompleted,
		domain.ReportStatusFailed, domain.ReportStatusSkipped:
		return true
	}
	return false
}

// GetTest 报告详情，已完成的报告附带完整检测结果
// GET /api/tests/:id
func (h *ReportHandler) GetTest(c *gin.Context) {
	rpt, ok := h.loadReport(c)
	if !ok {
		return
	}

	resp := gin.H{"report": rpt}
	if rpt.ResultJSON != "" {
		result, err := h.reports.LoadResult(rpt)
		if err != nil {
			h.logger.WithError(err).WithField("report_id", rpt.ID).Warn("Failed to decode stored result")
		} else {
			resp["result"] = result
		}
	}
	c.JSON(http.StatusOK, resp)
}

// GetTestByHash 按文件内容查找最近完成的报告
// GET /api/hashes/:sha256
func (h *ReportHandler) GetTestByHash(c *gin.Context) {
	sha := c.Param("sha256")

	rpt, err := h.reports.FindBySHA256(c.Request.Context(), sha)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "no completed report for this hash",
			})
			return
		}
		h.logger.WithError(err).WithField("sha256", sha).Error("Failed to find report by hash")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to find report",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"report": rpt})
}

// GetTextReport 文本格式报告
// GET /api/tests/:id/report
func (h *ReportHandler) GetTextReport(c *gin.Context) {
	rpt, ok := h.loadReport(c)
	if !ok {
		return
	}

	var result *tester.BinaryResult
	switch {
	case rpt.ResultJSON != "":
		decoded, err := h.reports.LoadResult(rpt)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "failed to decode result",
			})
			return
		}
		result = decoded
	case rpt.Status == domain.ReportStatusFailed:
		result = &tester.BinaryResult{FilePath: rpt.FilePath, Error: rpt.ErrorMessage}
	default:
		c.JSON(http.StatusConflict, gin.H{
			"error":  "report is not finished",
			"status": rpt.Status,
		})
		return
	}

	var buf bytes.Buffer
	report.NewPrinter(&buf, false).PrintReport(result)
	c.Data(http.StatusOK, "text/plain; charset=utf-8", buf.Bytes())
}

// DeleteTest 删除报告
// DELETE /api/tests/:id
func (h *ReportHandler) DeleteTest(c *gin.Context) {
	id := c.Param("id")

	if err := h.reports.DeleteReport(c.Request.Context(), id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "report not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to delete report",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
	})
}

// GetStatistics 统计
// GET /api/statistics
func (h *ReportHandler) GetStatistics(c *gin.Context) {
	stats, err := h.reports.GetStatistics(c.Request.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to get statistics")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get statistics"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *ReportHandler) loadReport(c *gin.Context) (*domain.TestReport, bool) {
	id := c.Param("id")

	rpt, err := h.reports.GetReport(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "report not found",
			})
		} else {
			h.logger.WithError(err).WithField("report_id", id).Error("Failed to get report")
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "failed to get report",
			})
		}
		return nil, false
	}
	return rpt, true
}
