package report

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/reverse-test/retester/internal/domain"
	"github.com/reverse-test/retester/internal/packer"
	"github.com/reverse-test/retester/internal/tester"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleResult() *tester.BinaryResult {
	return &tester.BinaryResult{
		FilePath: "PyInstaller/dist/main.exe",
		FileInfo: &tester.FileInfo{FileSize: 2048, FileHash: "abc123"},
		PyInstallerTest: &tester.ExtractionResult{
			Success:     true,
			FilesFound:  12,
			PythonFiles: 5,
		},
		NuitkaAnalysis: &tester.StringAnalysis{
			StringsFound:       40,
			InterestingStrings: 2,
			Examples:           []string{"import sys", "def main"},
		},
		PyArmorTest: &tester.DecompileResult{
			Uncompyle6: &tester.DecompilerOutcome{Success: false},
			Decompyle3: &tester.DecompilerOutcome{Success: true},
		},
		DebugProtection: &tester.DebugProtection{
			HasDebugProtection: true,
			ProtectionMethods:  []string{"IsDebuggerPresent"},
		},
	}
}

// TestPrintReport_Layout 测试报告文本布局
func TestPrintReport_Layout(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf, false).PrintReport(sampleResult())

	expected := strings.Join([]string{
		"",
		"=== Reverse Engineering Test Report ===",
		"",
		"File Information:",
		"Size: 2048 bytes",
		"SHA256: abc123",
		"",
		"PyInstaller Extraction Test:",
		"Extraction successful: True",
		"Files found: 12",
		"Python files found: 5",
		"",
		"Nuitka Analysis:",
		"Strings found: 40",
		"Interesting strings: 2",
		"",
		"Example strings found:",
		"  - import sys",
		"  - def main",
		"",
		"PyArmor Decompilation Test:",
		"Uncompyle6 success: False",
		"Decompyle3 success: True",
		"",
		"Debug Protection Analysis:",
		"Has debug protection: True",
		"",
		"Protection methods found:",
		"  - IsDebuggerPresent",
		"",
	}, "\n")

	assert.Equal(t, expected, buf.String())
}

// TestPrintReport_SectionErrors 测试子项错误输出
func TestPrintReport_SectionErrors(t *testing.T) {
	r := sampleResult()
	r.PyInstallerTest = &tester.ExtractionResult{Error: "pyinstxtractor: tool unavailable"}
	r.PyArmorTest = &tester.DecompileResult{Error: "uncompyle6: tool unavailable"}
	r.DebugProtection = &tester.DebugProtection{}

	var buf bytes.Buffer
	NewPrinter(&buf, false).PrintReport(r)
	out := buf.String()

	assert.Contains(t, out, "PyInstaller Extraction Test:\nError: pyinstxtractor: tool unavailable\n")
	assert.Contains(t, out, "PyArmor Decompilation Test:\nError: uncompyle6: tool unavailable\n")
	assert.NotContains(t, out, "Extraction successful")
	assert.Contains(t, out, "Has debug protection: False\n")
	assert.NotContains(t, out, "Protection methods found:")
}

// TestPrintReport_FileError 测试文件级错误
func TestPrintReport_FileError(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf, false).PrintReport(&tester.BinaryResult{FilePath: "x", Error: "File not found: x"})

	assert.Contains(t, buf.String(), "Error: File not found: x")
	assert.NotContains(t, buf.String(), "Nuitka Analysis:")
}

// TestPrintReport_Packer 测试打包器指纹段
func TestPrintReport_Packer(t *testing.T) {
	r := sampleResult()
	r.PackerInfo = &packer.PackerInfo{IsPacked: true, PackerName: "PyInstaller", PackerType: packer.PackerTypeBundle, Confidence: 0.8}

	var buf bytes.Buffer
	NewPrinter(&buf, false).PrintReport(r)

	assert.Contains(t, buf.String(), "\nPacker Fingerprint:\nDetected: PyInstaller (bundle)\nConfidence: 0.80\n")
}

// TestPrintTestingAndSkipping 测试进度提示
func TestPrintTestingAndSkipping(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, false)
	p.PrintTesting("Nuitka/main.exe")
	p.PrintSkipping("PyArmor/dist/main.py")

	assert.Equal(t, "\nTesting Nuitka/main.exe...\n\nSkipping PyArmor/dist/main.py - file not found\n", buf.String())
}

// TestPrintReport_Color 测试彩色输出包含转义序列
func TestPrintReport_Color(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf, true).PrintReport(sampleResult())

	assert.Contains(t, buf.String(), "\x1b[")
}

// TestPrintSummary 测试汇总表
func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf, false).PrintSummary([]*tester.BinaryResult{
		sampleResult(),
		{FilePath: "Nuitka/main.exe", Error: "File not found: Nuitka/main.exe"},
	})
	out := buf.String()

	assert.Contains(t, out, "PyInstaller/dist/main.exe")
	assert.Contains(t, out, "True (5/12)")
	assert.Contains(t, out, "decompyle3")
	assert.Contains(t, out, "error: File not found: Nuitka/main.exe")
}

// TestPrintTools 测试工具状态表
func TestPrintTools(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf, false).PrintTools(map[string]bool{"nm": true, "decompyle3": false})
	out := buf.String()

	assert.Less(t, strings.Index(out, "decompyle3"), strings.Index(out, "nm"))
	assert.Contains(t, out, "True")
	assert.Contains(t, out, "False")
}

func TestPrintHistory(t *testing.T) {
	var buf bytes.Buffer
	created := time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)
	NewPrinter(&buf, false).PrintHistory([]*domain.TestReport{
		{ID: "r1", FilePath: "Nuitka/main.exe", Status: domain.ReportStatusCompleted, PackerName: "Nuitka", HasDebugProtection: true, CreatedAt: created},
		{ID: "r2", FilePath: "PyArmor/dist/main.py", Status: domain.ReportStatusSkipped, CreatedAt: created},
	})
	out := buf.String()

	assert.Contains(t, out, "Nuitka/main.exe")
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "skipped")
	assert.Contains(t, out, "2024-03-01 10:30:00")
	assert.Contains(t, out, "True")
}

// TestWriteJSON 测试 JSON 输出字段名
func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, []*tester.BinaryResult{sampleResult()}))

	var decoded []map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Len(t, decoded, 1)

	for _, key := range []string{"file_info", "pyinstaller_test", "nuitka_analysis", "pyarmor_test", "debug_protection"} {
		assert.Contains(t, decoded[0], key)
	}
	fileInfo := decoded[0]["file_info"].(map[string]interface{})
	assert.Equal(t, "abc123", fileInfo["file_hash"])
}
