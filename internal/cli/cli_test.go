package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/reverse-test/retester/internal/domain"
	"github.com/reverse-test/retester/internal/service"
	"github.com/reverse-test/retester/internal/tester"
	"github.com/reverse-test/retester/internal/toolexec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubRunner 所有工具都“成功”执行但没有输出
type stubRunner struct {
	available map[string]bool
}

func (s *stubRunner) Run(_ context.Context, spec toolexec.ToolSpec, _ string, _ ...toolexec.RunOption) (*toolexec.Result, error) {
	return &toolexec.Result{Tool: spec.Name}, nil
}

func (s *stubRunner) Check(_ context.Context, spec toolexec.ToolSpec) bool {
	return s.available[spec.Name]
}

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	content := fmt.Sprintf(`database:
  type: sqlite
  path: %s
report:
  color: false
log:
  level: error
`, filepath.Join(dir, "reports.db"))

	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func writeTarget(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "main.exe")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	cmd := NewRootCommand(WithOutput(&buf), WithRunner(&stubRunner{
		available: map[string]bool{tester.ToolNM: true},
	}))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestRun_TextReport(t *testing.T) {
	cfgPath := writeConfig(t)
	target := writeTarget(t, "\x00\x01import secrets\x00IsDebuggerPresent\x00")
	missing := filepath.Join(t.TempDir(), "missing.exe")

	out, err := execute(t, "run", "-c", cfgPath, target, missing)
	require.NoError(t, err)

	assert.Contains(t, out, "\nTesting "+target+"...\n")
	assert.Contains(t, out, "Debug Protection Analysis:")
	assert.Contains(t, out, "  - IsDebuggerPresent")
	assert.Contains(t, out, "\nSkipping "+missing+" - file not found\n")
	assert.NotContains(t, out, "Testing "+missing)
}

// 不带子命令时执行 run
func TestRoot_DefaultsToRun(t *testing.T) {
	cfgPath := writeConfig(t)
	target := writeTarget(t, "plain content")

	out, err := execute(t, "-c", cfgPath, "--summary", target)
	require.NoError(t, err)

	assert.Contains(t, out, "Testing "+target)
	assert.Contains(t, out, "Anti-Debug")
}

func TestRun_JSON(t *testing.T) {
	cfgPath := writeConfig(t)
	target := writeTarget(t, "def main\x00")
	missing := filepath.Join(t.TempDir(), "missing.exe")

	out, err := execute(t, "run", "-c", cfgPath, "--format", "json", target, missing)
	require.NoError(t, err)

	var results []tester.BinaryResult
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.Len(t, results, 2)

	assert.Equal(t, target, results[0].FilePath)
	assert.Empty(t, results[0].Error)
	require.NotNil(t, results[0].FileInfo)
	assert.Equal(t, "File not found: "+missing, results[1].Error)
}

func TestRun_UnknownFormat(t *testing.T) {
	_, err := execute(t, "run", "-c", writeConfig(t), "--format", "xml", writeTarget(t, "x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "xml")
}

// 保存后可以在 history 中看到
func TestRun_SaveAndHistory(t *testing.T) {
	cfgPath := writeConfig(t)
	target := writeTarget(t, "content")
	missing := filepath.Join(t.TempDir(), "missing.exe")

	_, err := execute(t, "run", "-c", cfgPath, "--save", target, missing)
	require.NoError(t, err)

	out, err := execute(t, "history", "-c", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, target)
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "skipped")

	out, err = execute(t, "history", "-c", cfgPath, "--status", "skipped")
	require.NoError(t, err)
	assert.Contains(t, out, missing)
	assert.NotContains(t, out, target)
}

func TestHistory_Empty(t *testing.T) {
	out, err := execute(t, "history", "-c", writeConfig(t))
	require.NoError(t, err)
	assert.Equal(t, "No reports found\n", out)
}

func TestTools(t *testing.T) {
	out, err := execute(t, "tools", "-c", writeConfig(t))
	require.NoError(t, err)

	assert.Contains(t, out, tester.ToolNM)
	assert.Contains(t, out, tester.ToolDecompyle3)
	assert.Contains(t, out, "True")
	assert.Contains(t, out, "False")
}

func TestSubmit_RabbitMQDisabled(t *testing.T) {
	_, err := execute(t, "submit", "-c", writeConfig(t), "main.exe")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rabbitmq is disabled")
}

type fakeSubmitter struct {
	errs map[string]error
}

func (f *fakeSubmitter) Submit(_ context.Context, path string) (*domain.TestReport, error) {
	if err := f.errs[path]; err != nil {
		return nil, err
	}
	return &domain.TestReport{ID: "id-" + filepath.Base(path), FilePath: path, Status: domain.ReportStatusQueued}, nil
}

func TestSubmitAll(t *testing.T) {
	submitter := &fakeSubmitter{errs: map[string]error{
		"dup.exe":    service.ErrDuplicateReport,
		"broken.exe": errors.New("publish failed"),
	}}

	var buf bytes.Buffer
	err := submitAll(context.Background(), &buf, submitter, []string{"ok.exe", "dup.exe", "broken.exe"})
	require.Error(t, err)
	assert.Equal(t, "1 of 3 submissions failed", err.Error())

	out := buf.String()
	assert.Contains(t, out, "Queued ok.exe as id-ok.exe")
	assert.Contains(t, out, "Already queued: dup.exe")
	assert.Contains(t, out, "Failed to queue broken.exe: publish failed")
}
