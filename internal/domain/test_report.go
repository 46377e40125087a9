package domain

import (
	"time"
)

type ReportStatus string

const (
	ReportStatusQueued    ReportStatus = "queued"
	ReportStatusRunning   ReportStatus = "running"
	ReportStatusCompleted ReportStatus = "completed"
	ReportStatusFailed    ReportStatus = "failed"
	ReportStatusSkipped   ReportStatus = "skipped" // 目标文件不存在
)

// IsTerminal 是否为终态
func (s ReportStatus) IsTerminal() bool {
	switch s {
	case ReportStatusCompleted, ReportStatusFailed, ReportStatusSkipped:
		return true
	default:
		return false
	}
}

// TestReport 单个文件的逆向抗性测试记录
type TestReport struct {
	ID       string       `gorm:"primaryKey;type:varchar(36)" json:"id"`
	FilePath string       `gorm:"type:varchar(1024);not null" json:"file_path"`
	FileName string       `gorm:"type:varchar(255);index:idx_file_name" json:"file_name"`
	FileSize int64        `gorm:"default:0" json:"file_size"`
	SHA256   string       `gorm:"type:varchar(64);index:idx_sha256" json:"sha256,omitempty"`
	MD5      string       `gorm:"type:varchar(32)" json:"md5,omitempty"`
	Status   ReportStatus `gorm:"type:varchar(20);not null;index:idx_status" json:"status"`

	// 检测摘要（便于统计，完整结果在 ResultJSON 中）
	PackerName         string `gorm:"type:varchar(50)" json:"packer_name,omitempty"`
	ExtractionSuccess  bool   `gorm:"default:false" json:"extraction_success"`
	PythonFilesFound   int    `gorm:"default:0" json:"python_files_found"`
	StringsFound       int    `gorm:"default:0" json:"strings_found"`
	InterestingStrings int    `gorm:"default:0" json:"interesting_strings"`
	Uncompyle6Success  bool   `gorm:"default:false" json:"uncompyle6_success"`
	Decompyle3Success  bool   `gorm:"default:false" json:"decompyle3_success"`
	HasDebugProtection bool   `gorm:"default:false" json:"has_debug_protection"`

	ResultJSON   string `gorm:"type:longtext" json:"-"`
	ErrorMessage string `gorm:"type:text" json:"error_message,omitempty"`
	DurationMs   int64  `gorm:"default:0" json:"duration_ms"`

	CreatedAt   time.Time  `gorm:"not null;index:idx_created_at" json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (TestReport) TableName() string {
	return "test_reports"
}
