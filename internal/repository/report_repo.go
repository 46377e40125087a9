package repository

import (
	"context"
	"time"

	"github.com/reverse-test/retester/internal/domain"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type ReportRepository interface {
	Create(ctx context.Context, report *domain.TestReport) error
	Update(ctx context.Context, report *domain.TestReport) error
	UpdateStatus(ctx context.Context, id string, status domain.ReportStatus) error
	FindByID(ctx context.Context, id string) (*domain.TestReport, error)
	// 最近一次完成的同哈希报告
	FindBySHA256(ctx context.Context, sha256 string) (*domain.TestReport, error)
	ListRecent(ctx context.Context, limit int) ([]*domain.TestReport, error)
	ListByStatus(ctx context.Context, status domain.ReportStatus, limit int) ([]*domain.TestReport, error)
	ListWithPagination(ctx context.Context, page, pageSize int, status string) ([]*domain.TestReport, int64, error)
	Delete(ctx context.Context, id string) error
	// 检查 within 时间窗口内是否已为同一路径创建过未结束的报告
	HasRecentForPath(ctx context.Context, filePath string, within time.Duration) (bool, error)
	GetStatistics(ctx context.Context) (*ReportStatistics, error)
}

// ReportStatistics 测试统计
type ReportStatistics struct {
	Total              int64            `json:"total"`
	StatusCounts       map[string]int64 `json:"status_counts"`
	ExtractionSuccess  int64            `json:"extraction_success"`
	DecompileSuccess   int64            `json:"decompile_success"`
	DebugProtected     int64            `json:"debug_protected"`
	AvgDurationMs      float64          `json:"avg_duration_ms"`
	PackerCounts       []PackerCount    `json:"packer_counts,omitempty"`
	ExtractionRate     float64          `json:"extraction_rate"`
	DebugProtectedRate float64          `json:"debug_protected_rate"`
}

// PackerCount 按打包器统计
type PackerCount struct {
	PackerName string `json:"packer_name"`
	Count      int64  `json:"count"`
}

type reportRepo struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewReportRepository(db *gorm.DB, logger *logrus.Logger) ReportRepository {
	return &reportRepo{
		db:     db,
		logger: logger,
	}
}

func (r *reportRepo) Create(ctx context.Context, report *domain.TestReport) error {
	if report.CreatedAt.IsZero() {
		report.CreatedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Create(report).Error
}

func (r *reportRepo) Update(ctx context.Context, report *domain.TestReport) error {
	err := r.db.WithContext(ctx).Save(report).Error
	if err != nil {
		r.logger.WithError(err).WithField("report_id", report.ID).Error("Report update failed")
	}
	return err
}

func (r *reportRepo) UpdateStatus(ctx context.Context, id string, status domain.ReportStatus) error {
	updates := map[string]interface{}{"status": status}
	now := time.Now().UTC()
	switch {
	case status == domain.ReportStatusRunning:
		updates["started_at"] = now
	case status.IsTerminal():
		updates["completed_at"] = now
	}

	result := r.db.WithContext(ctx).Model(&domain.TestReport{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *reportRepo) FindByID(ctx context.Context, id string) (*domain.TestReport, error) {
	var report domain.TestReport
	if err := r.db.WithContext(ctx).First(&report, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &report, nil
}

func (r *reportRepo) FindBySHA256(ctx context.Context, sha256 string) (*domain.TestReport, error) {
	var report domain.TestReport
	err := r.db.WithContext(ctx).
		Where("sha256 = ? AND status = ?", sha256, domain.ReportStatusCompleted).
		Order("created_at DESC").
		First(&report).Error
	if err != nil {
		return nil, err
	}
	return &report, nil
}

func (r *reportRepo) ListRecent(ctx context.Context, limit int) ([]*domain.TestReport, error) {
	var reports []*domain.TestReport
	err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&reports).Error
	return reports, err
}

func (r *reportRepo) ListByStatus(ctx context.Context, status domain.ReportStatus, limit int) ([]*domain.TestReport, error) {
	var reports []*domain.TestReport
	query := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&reports).Error
	return reports, err
}

func (r *reportRepo) ListWithPagination(ctx context.Context, page, pageSize int, status string) ([]*domain.TestReport, int64, error) {
	var reports []*domain.TestReport
	var total int64

	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	query := r.db.WithContext(ctx).Model(&domain.TestReport{})
	if status != "" {
		query = query.Where("status = ?", status)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&reports).Error
	if err != nil {
		return nil, 0, err
	}

	return reports, total, nil
}

func (r *reportRepo) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Delete(&domain.TestReport{}, "id = ?", id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *reportRepo) HasRecentForPath(ctx context.Context, filePath string, within time.Duration) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.TestReport{}).
		Where("file_path = ? AND created_at >= ? AND status IN ?", filePath, time.Now().UTC().Add(-within),
			[]domain.ReportStatus{domain.ReportStatusQueued, domain.ReportStatusRunning}).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *reportRepo) GetStatistics(ctx context.Context) (*ReportStatistics, error) {
	stats := &ReportStatistics{StatusCounts: make(map[string]int64)}

	var statusRows []struct {
		Status string
		Count  int64
	}
	err := r.db.WithContext(ctx).Model(&domain.TestReport{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&statusRows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range statusRows {
		stats.StatusCounts[row.Status] = row.Count
		stats.Total += row.Count
	}

	var agg struct {
		ExtractionSuccess int64
		DecompileSuccess  int64
		DebugProtected    int64
		AvgDurationMs     float64
	}
	err = r.db.WithContext(ctx).Model(&domain.TestReport{}).
		Select(`
			COALESCE(SUM(CASE WHEN extraction_success THEN 1 ELSE 0 END), 0) as extraction_success,
			COALESCE(SUM(CASE WHEN uncompyle6_success OR decompyle3_success THEN 1 ELSE 0 END), 0) as decompile_success,
			COALESCE(SUM(CASE WHEN has_debug_protection THEN 1 ELSE 0 END), 0) as debug_protected,
			COALESCE(AVG(duration_ms), 0) as avg_duration_ms
		`).
		Where("status = ?", domain.ReportStatusCompleted).
		Scan(&agg).Error
	if err != nil {
		return nil, err
	}
	stats.ExtractionSuccess = agg.ExtractionSuccess
	stats.DecompileSuccess = agg.DecompileSuccess
	stats.DebugProtected = agg.DebugProtected
	stats.AvgDurationMs = agg.AvgDurationMs

	if completed := stats.StatusCounts[string(domain.ReportStatusCompleted)]; completed > 0 {
		stats.ExtractionRate = float64(stats.ExtractionSuccess) / float64(completed) * 100
		stats.DebugProtectedRate = float64(stats.DebugProtected) / float64(completed) * 100
	}

	var packers []PackerCount
	err = r.db.WithContext(ctx).Model(&domain.TestReport{}).
		Select("packer_name, COUNT(*) as count").
		Where("packer_name IS NOT NULL AND packer_name != ''").
		Group("packer_name").
		Order("count DESC").
		Scan(&packers).Error
	if err != nil {
		r.logger.WithError(err).Warn("Failed to get packer statistics")
	} else {
		stats.PackerCounts = packers
	}

	return stats, nil
}
