package toolexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrToolUnavailable 工具无法启动（不在 PATH 中或不可执行）
var ErrToolUnavailable = errors.New("tool unavailable")

// FilePlaceholder 参数中的目标文件占位符
const FilePlaceholder = "{file}"

// 调用结果状态（用于指标）
const (
	StatusSuccess     = "success"
	StatusFailed      = "failed"
	StatusUnavailable = "unavailable"
	StatusTimeout     = "timeout"
)

// ToolSpec 外部工具调用描述
type ToolSpec struct {
	Name      string
	Command   string
	Args      []string
	CheckArgs []string
}

// Result 外部工具执行结果
type Result struct {
	Tool     string        `json:"tool"`
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration"`
}

// Success 退出码为 0
func (r *Result) Success() bool {
	return r != nil && r.ExitCode == 0
}

// Runner 外部工具执行器
type Runner interface {
	// Run 执行工具；工具启动失败返回 ErrToolUnavailable，非零退出码不视为错误
	Run(ctx context.Context, spec ToolSpec, target string, opts ...RunOption) (*Result, error)
	// Check 检查工具是否可用
	Check(ctx context.Context, spec ToolSpec) bool
}

// Observer 工具调用观察者（指标收集）
type Observer interface {
	ObserveToolRun(tool, status string, duration time.Duration)
}

// RunOption 单次调用选项
type RunOption func(*runOptions)

type runOptions struct {
	dir string
}

// WithDir 指定工作目录
func WithDir(dir string) RunOption {
	return func(o *runOptions) {
		o.dir = dir
	}
}

// ExecRunner 基于 os/exec 的执行器
type ExecRunner struct {
	logger   *logrus.Logger
	timeout  time.Duration
	observer Observer
}

// NewExecRunner 创建执行器，timeout 为 0 时调用一直阻塞到工具退出
func NewExecRunner(logger *logrus.Logger, timeout time.Duration, observer Observer) *ExecRunner {
	return &ExecRunner{
		logger:   logger,
		timeout:  timeout,
		observer: observer,
	}
}

// BuildArgs 替换参数中的 {file} 占位符
func BuildArgs(args []string, target string) []string {
	built := make([]string, len(args))
	for i, arg := range args {
		built[i] = strings.ReplaceAll(arg, FilePlaceholder, target)
	}
	return built
}

// Run 执行外部工具并捕获输出
func (r *ExecRunner) Run(ctx context.Context, spec ToolSpec, target string, opts ...RunOption) (*Result, error) {
	options := &runOptions{}
	for _, opt := range opts {
		opt(options)
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	args := BuildArgs(spec.Args, target)
	cmd := exec.CommandContext(ctx, spec.Command, args...)
	cmd.Dir = options.dir
	// 工具被取消后，子进程仍持有输出管道时不无限等待
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.WithFields(logrus.Fields{
		"tool":    spec.Name,
		"command": spec.Command,
		"args":    args,
		"dir":     options.dir,
	}).Debug("Executing external tool")

	startTime := time.Now()
	err := cmd.Run()
	duration := time.Since(startTime)

	result := &Result{
		Tool:     spec.Name,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: duration,
	}

	if err != nil {
		if ctx.Err() != nil {
			r.observe(spec.Name, StatusTimeout, duration)
			return nil, fmt.Errorf("%s: %w", spec.Name, ctx.Err())
		}

		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			r.observe(spec.Name, StatusUnavailable, duration)
			r.logger.WithError(err).WithField("tool", spec.Name).Warn("External tool could not be started")
			return nil, fmt.Errorf("%s: %w: %v", spec.Name, ErrToolUnavailable, err)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	status := StatusSuccess
	if !result.Success() {
		status = StatusFailed
	}
	r.observe(spec.Name, status, duration)

	r.logger.WithFields(logrus.Fields{
		"tool":        spec.Name,
		"exit_code":   result.ExitCode,
		"stdout_len":  len(result.Stdout),
		"duration_ms": duration.Milliseconds(),
	}).Debug("External tool finished")

	return result, nil
}

// Check 以 CheckArgs 调用一次工具，只要能启动就视为可用
func (r *ExecRunner) Check(ctx context.Context, spec ToolSpec) bool {
	if _, err := exec.LookPath(spec.Command); err != nil {
		return false
	}

	checkSpec := spec
	checkSpec.Args = spec.CheckArgs
	_, err := r.Run(ctx, checkSpec, "")
	return err == nil
}

func (r *ExecRunner) observe(tool, status string, duration time.Duration) {
	if r.observer != nil {
		r.observer.ObserveToolRun(tool, status, duration)
	}
}
