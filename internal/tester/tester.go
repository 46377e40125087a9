// Package tester 对单个可执行文件运行一组逆向抗性检测：
// PyInstaller 解包尝试、字符串/符号分析、字节码反编译尝试和反调试特征检测。
// 真正的解包与反编译工作全部交给外部工具完成。
package tester

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/reverse-test/retester/internal/binscan"
	"github.com/reverse-test/retester/internal/config"
	"github.com/reverse-test/retester/internal/packer"
	"github.com/reverse-test/retester/internal/toolexec"
	"github.com/sirupsen/logrus"
)

// 工具名称
const (
	ToolPyInstxtractor = "pyinstxtractor"
	ToolNM             = "nm"
	ToolUncompyle6     = "uncompyle6"
	ToolDecompyle3     = "decompyle3"
)

// Tools 外部工具集合
type Tools struct {
	PyInstxtractor toolexec.ToolSpec
	NM             toolexec.ToolSpec
	Uncompyle6     toolexec.ToolSpec
	Decompyle3     toolexec.ToolSpec
}

// All 按固定顺序返回全部工具
func (t Tools) All() []toolexec.ToolSpec {
	return []toolexec.ToolSpec{t.PyInstxtractor, t.NM, t.Uncompyle6, t.Decompyle3}
}

// Config 检测配置
type Config struct {
	MinStringLength    int
	ExampleCount       int
	InterestingStrings []string
	DebugIndicators    []string
	ExtractionDirName  string
	Tools              Tools
}

// NewConfig 从应用配置构建检测配置
func NewConfig(cfg *config.Config) *Config {
	spec := func(name string, c config.ToolSpecConfig) toolexec.ToolSpec {
		return toolexec.ToolSpec{
			Name:      name,
			Command:   c.Command,
			Args:      c.Args,
			CheckArgs: c.CheckArgs,
		}
	}

	return &Config{
		MinStringLength:    cfg.Tester.MinStringLength,
		ExampleCount:       cfg.Tester.ExampleCount,
		InterestingStrings: cfg.Tester.InterestingStrings,
		DebugIndicators:    cfg.Tester.DebugIndicators,
		ExtractionDirName:  cfg.Tester.ExtractionDirName,
		Tools: Tools{
			PyInstxtractor: spec(ToolPyInstxtractor, cfg.Tools.PyInstxtract),
			NM:             spec(ToolNM, cfg.Tools.NM),
			Uncompyle6:     spec(ToolUncompyle6, cfg.Tools.Uncompyle6),
			Decompyle3:     spec(ToolDecompyle3, cfg.Tools.Decompyle3),
		},
	}
}

// DefaultConfig 默认检测配置
func DefaultConfig() *Config {
	return NewConfig(config.Default())
}

// Tester 逆向抗性测试器
type Tester struct {
	cfg      *Config
	runner   toolexec.Runner
	detector *packer.Detector
	logger   *logrus.Logger

	mu          sync.RWMutex
	results     map[string]*BinaryResult
	toolsStatus map[string]bool
}

// New 创建测试器
func New(cfg *Config, runner toolexec.Runner, logger *logrus.Logger) *Tester {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.ExtractionDirName == "" {
		cfg.ExtractionDirName = "extracted_pyinstaller"
	}

	return &Tester{
		cfg:         cfg,
		runner:      runner,
		detector:    packer.NewDetector(logger),
		logger:      logger,
		results:     make(map[string]*BinaryResult),
		toolsStatus: make(map[string]bool),
	}
}

// CheckTools 检查所有外部工具是否可用
func (t *Tester) CheckTools(ctx context.Context) map[string]bool {
	status := make(map[string]bool)
	for _, spec := range t.cfg.Tools.All() {
		status[spec.Name] = t.runner.Check(ctx, spec)
	}

	t.mu.Lock()
	for name, ok := range status {
		t.toolsStatus[name] = ok
	}
	t.mu.Unlock()

	t.logger.WithField("tools", status).Info("Tool availability checked")
	return status
}

// ToolsStatus 最近一次检查的工具状态
func (t *Tester) ToolsStatus() map[string]bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	status := make(map[string]bool, len(t.toolsStatus))
	for name, ok := range t.toolsStatus {
		status[name] = ok
	}
	return status
}

// Results 已完成测试的结果（按文件路径）
func (t *Tester) Results() map[string]*BinaryResult {
	t.mu.RLock()
	defer t.mu.RUnlock()

	results := make(map[string]*BinaryResult, len(t.results))
	for path, r := range t.results {
		results[path] = r
	}
	return results
}

// TestBinary 对单个文件执行全部检测。文件级错误记录在 Error 字段中，不会返回 error。
func (t *Tester) TestBinary(ctx context.Context, path string) *BinaryResult {
	startTime := time.Now()
	result := &BinaryResult{
		FilePath:  path,
		StartedAt: startTime,
	}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			result.Error = fmt.Sprintf("File not found: %s", path)
		} else {
			result.Error = fmt.Sprintf("Cannot access file: %v", err)
		}
		t.logger.WithField("path", path).Warn(result.Error)
		return result
	}
	if !info.Mode().IsRegular() {
		result.Error = fmt.Sprintf("Not a regular file: %s", path)
		return result
	}

	hashes, err := binscan.CalculateHashes(path)
	if err != nil {
		result.Error = fmt.Sprintf("Failed to hash file: %v", err)
		return result
	}

	result.FileInfo = &FileInfo{
		FileSize: info.Size(),
		FileHash: hashes.SHA256,
		MD5:      hashes.MD5,
	}

	t.logger.WithFields(logrus.Fields{
		"path":   path,
		"size":   info.Size(),
		"sha256": hashes.SHA256,
	}).Info("Starting reverse engineering tests")

	// 字符串只提取一次，供字符串分析、反调试检测和打包器识别共用
	extracted, scanErr := binscan.ExtractStringsFromFile(path, t.cfg.MinStringLength)

	result.PyInstallerTest = t.TestPyInstallerExtraction(ctx, path)
	result.NuitkaAnalysis = t.analyzeStrings(ctx, path, extracted, scanErr)
	result.PyArmorTest = t.TestPyArmorDecompilation(ctx, path)
	result.DebugProtection = t.checkDebugProtection(extracted, scanErr)
	if scanErr == nil {
		result.PackerInfo = t.detector.Detect(extracted, info.Size())
	}

	result.DurationMs = time.Since(startTime).Milliseconds()

	t.mu.Lock()
	t.results[path] = result
	t.mu.Unlock()

	t.logger.WithFields(logrus.Fields{
		"path":           path,
		"duration_ms":    result.DurationMs,
		"debug_protect":  result.DebugProtection.HasDebugProtection,
		"extraction_ok":  result.PyInstallerTest.Success,
		"strings_found":  result.NuitkaAnalysis.StringsFound,
		"decompile_fail": result.PyArmorTest.Error != "",
	}).Info("Reverse engineering tests completed")

	return result
}

// TestPyInstallerExtraction 尝试用 pyinstxtractor 解包
func (t *Tester) TestPyInstallerExtraction(ctx context.Context, path string) *ExtractionResult {
	outputDir := filepath.Join(filepath.Dir(path), t.cfg.ExtractionDirName)

	if err := os.RemoveAll(outputDir); err != nil {
		return &ExtractionResult{Error: fmt.Sprintf("failed to clean output dir: %v", err)}
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return &ExtractionResult{Error: fmt.Sprintf("failed to create output dir: %v", err)}
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return &ExtractionResult{Error: err.Error()}
	}

	// 在输出目录中运行，解包产物落在该目录下
	res, err := t.runner.Run(ctx, t.cfg.Tools.PyInstxtractor, absPath, toolexec.WithDir(outputDir))
	if err != nil {
		return &ExtractionResult{Error: err.Error()}
	}

	filesFound, pythonFiles, err := countExtracted(outputDir)
	if err != nil {
		return &ExtractionResult{Error: fmt.Sprintf("failed to inspect output dir: %v", err)}
	}

	return &ExtractionResult{
		Success:     res.Success(),
		FilesFound:  filesFound,
		PythonFiles: pythonFiles,
		Output:      res.Stdout,
		OutputDir:   outputDir,
	}
}

// countExtracted 统计目录下所有条目和 .pyc 文件数量（不含根目录本身）
func countExtracted(root string) (int, int, error) {
	total, pyc := 0, 0
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		total++
		if filepath.Ext(p) == ".pyc" {
			pyc++
		}
		return nil
	})
	return total, pyc, err
}

// AnalyzeNuitka 提取字符串并调用 nm 查看符号
func (t *Tester) AnalyzeNuitka(ctx context.Context, path string) *StringAnalysis {
	extracted, err := binscan.ExtractStringsFromFile(path, t.cfg.MinStringLength)
	return t.analyzeStrings(ctx, path, extracted, err)
}

func (t *Tester) analyzeStrings(ctx context.Context, path string, extracted []string, scanErr error) *StringAnalysis {
	if scanErr != nil {
		return &StringAnalysis{Error: scanErr.Error()}
	}

	interesting := binscan.FilterContaining(extracted, t.cfg.InterestingStrings)

	examples := interesting
	if t.cfg.ExampleCount >= 0 && len(examples) > t.cfg.ExampleCount {
		examples = examples[:t.cfg.ExampleCount]
	}

	symbols := fmt.Sprintf("Tool '%s' not available", t.cfg.Tools.NM.Name)
	if res, err := t.runner.Run(ctx, t.cfg.Tools.NM, path); err == nil {
		symbols = res.Stdout
	}

	return &StringAnalysis{
		StringsFound:       len(extracted),
		InterestingStrings: len(interesting),
		Examples:           examples,
		Symbols:            symbols,
	}
}

// TestPyArmorDecompilation 依次尝试 uncompyle6 和 decompyle3。
// 任一反编译器无法启动时整个检测项记为错误。
func (t *Tester) TestPyArmorDecompilation(ctx context.Context, path string) *DecompileResult {
	uncompyle, err := t.runner.Run(ctx, t.cfg.Tools.Uncompyle6, path)
	if err != nil {
		return &DecompileResult{Error: err.Error()}
	}

	decompyle, err := t.runner.Run(ctx, t.cfg.Tools.Decompyle3, path)
	if err != nil {
		return &DecompileResult{Error: err.Error()}
	}

	return &DecompileResult{
		Uncompyle6: &DecompilerOutcome{Success: uncompyle.Success(), Output: uncompyle.Stdout},
		Decompyle3: &DecompilerOutcome{Success: decompyle.Success(), Output: decompyle.Stdout},
	}
}

// CheckDebugProtection 查找包含反调试特征的字符串
func (t *Tester) CheckDebugProtection(_ context.Context, path string) *DebugProtection {
	extracted, err := binscan.ExtractStringsFromFile(path, t.cfg.MinStringLength)
	return t.checkDebugProtection(extracted, err)
}

func (t *Tester) checkDebugProtection(extracted []string, scanErr error) *DebugProtection {
	if scanErr != nil {
		return &DebugProtection{ProtectionMethods: []string{}, Error: scanErr.Error()}
	}

	found := binscan.FilterContaining(extracted, t.cfg.DebugIndicators)
	return &DebugProtection{
		HasDebugProtection: len(found) > 0,
		ProtectionMethods:  found,
	}
}

// SortedToolNames 工具名按字母序，便于稳定输出
func SortedToolNames(status map[string]bool) []string {
	names := make([]string, 0, len(status))
	for name := range status {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
