// Package report 渲染测试结果：文本报告、批量汇总表和 JSON 输出。
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/reverse-test/retester/internal/domain"
	"github.com/reverse-test/retester/internal/packer"
	"github.com/reverse-test/retester/internal/tester"
)

// 输出格式
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Printer 文本报告输出
type Printer struct {
	w       io.Writer
	heading *color.Color
	title   *color.Color
	alert   *color.Color
}

// NewPrinter 创建报告输出器，useColor 为 false 时输出纯文本
func NewPrinter(w io.Writer, useColor bool) *Printer {
	p := &Printer{
		w:       w,
		heading: color.New(color.FgHiCyan, color.Bold),
		title:   color.New(color.FgHiGreen, color.Bold),
		alert:   color.New(color.FgHiRed),
	}

	if useColor {
		p.heading.EnableColor()
		p.title.EnableColor()
		p.alert.EnableColor()
	} else {
		p.heading.DisableColor()
		p.title.DisableColor()
		p.alert.DisableColor()
	}
	return p
}

// PrintTesting 打印开始测试提示
func (p *Printer) PrintTesting(path string) {
	fmt.Fprintf(p.w, "\nTesting %s...\n", path)
}

// PrintSkipping 打印跳过提示
func (p *Printer) PrintSkipping(path string) {
	fmt.Fprintf(p.w, "\nSkipping %s - file not found\n", path)
}

// PrintReport 打印单个文件的详细报告
func (p *Printer) PrintReport(r *tester.BinaryResult) {
	p.line("")
	p.title.Fprintln(p.w, "=== Reverse Engineering Test Report ===")

	if r.Failed() {
		p.section("File Information:")
		p.errorLine(r.Error)
		return
	}

	p.section("File Information:")
	if r.FileInfo != nil {
		p.line("Size: %d bytes", r.FileInfo.FileSize)
		p.line("SHA256: %s", r.FileInfo.FileHash)
	}

	p.section("PyInstaller Extraction Test:")
	if pi := r.PyInstallerTest; pi != nil {
		if pi.Error != "" {
			p.errorLine(pi.Error)
		} else {
			p.line("Extraction successful: %s", boolText(pi.Success))
			p.line("Files found: %d", pi.FilesFound)
			p.line("Python files found: %d", pi.PythonFiles)
		}
	}

	p.section("Nuitka Analysis:")
	if na := r.NuitkaAnalysis; na != nil {
		if na.Error != "" {
			p.errorLine(na.Error)
		} else {
			p.line("Strings found: %d", na.StringsFound)
			p.line("Interesting strings: %d", na.InterestingStrings)
			p.line("\nExample strings found:")
			for _, example := range na.Examples {
				p.line("  - %s", example)
			}
		}
	}

	p.section("PyArmor Decompilation Test:")
	if pa := r.PyArmorTest; pa != nil {
		if pa.Error != "" {
			p.errorLine(pa.Error)
		} else {
			p.line("Uncompyle6 success: %s", boolText(pa.Uncompyle6 != nil && pa.Uncompyle6.Success))
			p.line("Decompyle3 success: %s", boolText(pa.Decompyle3 != nil && pa.Decompyle3.Success))
		}
	}

	p.section("Debug Protection Analysis:")
	if dp := r.DebugProtection; dp != nil {
		if dp.Error != "" {
			p.errorLine(dp.Error)
		} else {
			p.line("Has debug protection: %s", boolText(dp.HasDebugProtection))
			if len(dp.ProtectionMethods) > 0 {
				p.line("\nProtection methods found:")
				for _, method := range dp.ProtectionMethods {
					p.line("  - %s", method)
				}
			}
		}
	}

	if r.PackerInfo != nil {
		p.section("Packer Fingerprint:")
		p.line("Detected: %s", packer.Summary(r.PackerInfo))
		if r.PackerInfo.IsPacked {
			p.line("Confidence: %.2f", r.PackerInfo.Confidence)
		}
	}
}

// PrintSummary 打印批量测试汇总表
func (p *Printer) PrintSummary(results []*tester.BinaryResult) {
	table := tablewriter.NewWriter(p.w)
	table.SetHeader([]string{"File", "Size", "Packer", "Extracted", "Interesting", "Decompiled", "Anti-Debug"})
	table.SetBorder(true)
	table.SetAutoWrapText(false)

	for _, r := range results {
		table.Append(summaryRow(r))
	}

	p.line("")
	table.Render()
}

func summaryRow(r *tester.BinaryResult) []string {
	if r.Failed() {
		return []string{r.FilePath, "-", "-", "-", "-", "-", "error: " + r.Error}
	}

	size := "-"
	if r.FileInfo != nil {
		size = strconv.FormatInt(r.FileInfo.FileSize, 10)
	}

	extracted := "error"
	if pi := r.PyInstallerTest; pi != nil && pi.Error == "" {
		extracted = fmt.Sprintf("%s (%d/%d)", boolText(pi.Success), pi.PythonFiles, pi.FilesFound)
	}

	interesting := "error"
	if na := r.NuitkaAnalysis; na != nil && na.Error == "" {
		interesting = fmt.Sprintf("%d/%d", na.InterestingStrings, na.StringsFound)
	}

	decompiled := "error"
	if pa := r.PyArmorTest; pa != nil && pa.Error == "" {
		var ok []string
		if pa.Uncompyle6 != nil && pa.Uncompyle6.Success {
			ok = append(ok, "uncompyle6")
		}
		if pa.Decompyle3 != nil && pa.Decompyle3.Success {
			ok = append(ok, "decompyle3")
		}
		decompiled = "none"
		if len(ok) > 0 {
			decompiled = strings.Join(ok, ",")
		}
	}

	antiDebug := "error"
	if dp := r.DebugProtection; dp != nil && dp.Error == "" {
		antiDebug = boolText(dp.HasDebugProtection)
	}

	return []string{r.FilePath, size, packer.Summary(r.PackerInfo), extracted, interesting, decompiled, antiDebug}
}

// PrintTools 打印工具可用性
func (p *Printer) PrintTools(status map[string]bool) {
	table := tablewriter.NewWriter(p.w)
	table.SetHeader([]string{"Tool", "Available"})
	table.SetBorder(true)

	for _, name := range tester.SortedToolNames(status) {
		table.Append([]string{name, boolText(status[name])})
	}
	table.Render()
}

// PrintHistory 打印已保存的测试记录
func (p *Printer) PrintHistory(reports []*domain.TestReport) {
	table := tablewriter.NewWriter(p.w)
	table.SetHeader([]string{"ID", "File", "Status", "Packer", "Anti-Debug", "Created"})
	table.SetBorder(true)
	table.SetAutoWrapText(false)

	for _, r := range reports {
		packerName := r.PackerName
		if packerName == "" {
			packerName = "-"
		}
		table.Append([]string{
			r.ID,
			r.FilePath,
			string(r.Status),
			packerName,
			boolText(r.HasDebugProtection),
			r.CreatedAt.Format("2006-01-02 15:04:05"),
		})
	}
	table.Render()
}

func (p *Printer) section(name string) {
	p.line("")
	p.heading.Fprintln(p.w, name)
}

func (p *Printer) errorLine(msg string) {
	p.alert.Fprintf(p.w, "Error: %s\n", msg)
}

func (p *Printer) line(format string, args ...interface{}) {
	fmt.Fprintf(p.w, format+"\n", args...)
}

// boolText 布尔值按 True/False 输出
func boolText(v bool) string {
	if v {
		return "True"
	}
	return "False"
}

// WriteJSON 以缩进 JSON 输出结果列表
func WriteJSON(w io.Writer, results []*tester.BinaryResult) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(results); err != nil {
		return fmt.Errorf("failed to encode results: %w", err)
	}
	return nil
}
