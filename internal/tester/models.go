package tester

import (
	"time"

	"github.com/reverse-test/retester/internal/packer"
)

// FileInfo 文件基础信息
type FileInfo struct {
	FileSize int64  `json:"file_size"`
	FileHash string `json:"file_hash"` // SHA256
	MD5      string `json:"md5,omitempty"`
}

// ExtractionResult PyInstaller 解包尝试结果
type ExtractionResult struct {
	Success     bool   `json:"success"`
	FilesFound  int    `json:"files_found"`
	PythonFiles int    `json:"python_files"`
	Output      string `json:"output,omitempty"`
	OutputDir   string `json:"output_dir,omitempty"`
	Error       string `json:"error,omitempty"`
}

// StringAnalysis Nuitka 字符串与符号分析结果
type StringAnalysis struct {
	StringsFound       int      `json:"strings_found"`
	InterestingStrings int      `json:"interesting_strings"`
	Examples           []string `json:"examples"`
	Symbols            string   `json:"symbols,omitempty"`
	Error              string   `json:"error,omitempty"`
}

// DecompilerOutcome 单个反编译器的执行结果
type DecompilerOutcome struct {
	Success bool   `json:"success"`
	Output  string `json:"output"`
}

// DecompileResult PyArmor 反编译尝试结果
type DecompileResult struct {
	Uncompyle6 *DecompilerOutcome `json:"uncompyle6,omitempty"`
	Decompyle3 *DecompilerOutcome `json:"decompyle3,omitempty"`
	Error      string             `json:"error,omitempty"`
}

// DebugProtection 反调试特征检测结果
type DebugProtection struct {
	HasDebugProtection bool     `json:"has_debug_protection"`
	ProtectionMethods  []string `json:"protection_methods"`
	Error              string   `json:"error,omitempty"`
}

// BinaryResult 单个文件的完整测试结果
type BinaryResult struct {
	FilePath        string             `json:"file_path"`
	FileInfo        *FileInfo          `json:"file_info,omitempty"`
	PyInstallerTest *ExtractionResult  `json:"pyinstaller_test,omitempty"`
	NuitkaAnalysis  *StringAnalysis    `json:"nuitka_analysis,omitempty"`
	PyArmorTest     *DecompileResult   `json:"pyarmor_test,omitempty"`
	DebugProtection *DebugProtection   `json:"debug_protection,omitempty"`
	PackerInfo      *packer.PackerInfo `json:"packer_info,omitempty"`
	Error           string             `json:"error,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
}

// Failed 文件级错误（如文件不存在），子项均未执行
func (r *BinaryResult) Failed() bool {
	return r == nil || r.Error != ""
}
