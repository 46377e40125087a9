// Package cli 命令行入口：批量测试、工具检查、历史记录和远程提交。
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/reverse-test/retester/internal/config"
	"github.com/reverse-test/retester/internal/domain"
	"github.com/reverse-test/retester/internal/queue"
	"github.com/reverse-test/retester/internal/report"
	"github.com/reverse-test/retester/internal/repository"
	"github.com/reverse-test/retester/internal/retry"
	"github.com/reverse-test/retester/internal/service"
	"github.com/reverse-test/retester/internal/tester"
	"github.com/reverse-test/retester/internal/toolexec"
	"github.com/reverse-test/retester/internal/worker"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// App 命令共享的状态
type App struct {
	out    io.Writer
	runner toolexec.Runner

	configPath string
	noColor    bool

	format  string
	save    bool
	summary bool

	limit  int
	status string
}

type Option func(*App)

// WithOutput 报告输出目标，默认 stdout
func WithOutput(w io.Writer) Option {
	return func(a *App) {
		a.out = w
	}
}

// WithRunner 替换外部工具执行器
func WithRunner(r toolexec.Runner) Option {
	return func(a *App) {
		a.runner = r
	}
}

// NewRootCommand 不带子命令时等同于 run
func NewRootCommand(opts ...Option) *cobra.Command {
	app := &App{out: os.Stdout}
	for _, opt := range opts {
		opt(app)
	}

	rootCmd := &cobra.Command{
		Use:           "retester [files...]",
		Short:         "Test how well packaged Python binaries resist reverse engineering",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ArbitraryArgs,
		RunE:          app.runTests,
	}
	rootCmd.PersistentFlags().StringVarP(&app.configPath, "config", "c", "", "config file (yaml)")
	rootCmd.PersistentFlags().BoolVar(&app.noColor, "no-color", false, "disable colored output")
	app.addRunFlags(rootCmd)

	runCmd := &cobra.Command{
		Use:   "run [files...]",
		Short: "Run all tests against the given files, or the configured targets",
		RunE:  app.runTests,
	}
	app.addRunFlags(runCmd)
	rootCmd.AddCommand(runCmd)

	toolsCmd := &cobra.Command{
		Use:   "tools",
		Short: "Check availability of external tools",
		Args:  cobra.NoArgs,
		RunE:  app.checkTools,
	}
	rootCmd.AddCommand(toolsCmd)

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "List saved test reports",
		Args:  cobra.NoArgs,
		RunE:  app.showHistory,
	}
	historyCmd.Flags().IntVarP(&app.limit, "limit", "n", 20, "number of reports to show")
	historyCmd.Flags().StringVarP(&app.status, "status", "s", "", "only show reports with this status")
	rootCmd.AddCommand(historyCmd)

	submitCmd := &cobra.Command{
		Use:   "submit files...",
		Short: "Queue files for testing by a running server (requires RabbitMQ)",
		Args:  cobra.MinimumNArgs(1),
		RunE:  app.submit,
	}
	rootCmd.AddCommand(submitCmd)

	return rootCmd
}

func (a *App) addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&a.format, "format", "f", "", "output format: text or json (default from config)")
	cmd.Flags().BoolVar(&a.save, "save", false, "save results to the report database")
	cmd.Flags().BoolVar(&a.summary, "summary", false, "print a summary table after all reports")
}

func (a *App) load() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, config.InitLogger(&cfg.Log), nil
}

func (a *App) newTester(cfg *config.Config, logger *logrus.Logger) *tester.Tester {
	runner := a.runner
	if runner == nil {
		runner = toolexec.NewExecRunner(logger, time.Duration(cfg.Tools.Timeout)*time.Second, nil)
	}
	return tester.New(tester.NewConfig(cfg), runner, logger)
}

func (a *App) printer(cfg *config.Config) *report.Printer {
	return report.NewPrinter(a.out, cfg.Report.Color && !a.noColor && !color.NoColor)
}

func openReports(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (service.ReportService, func(), error) {
	db, err := repository.InitDB(ctx, &cfg.Database, logger, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	closeDB := func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	}
	return service.NewReportService(repository.NewReportRepository(db, logger), logger), closeDB, nil
}

// runTests 顺序测试每个目标文件
func (a *App) runTests(cmd *cobra.Command, args []string) error {
	cfg, logger, err := a.load()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	targets := args
	if len(targets) == 0 {
		targets = cfg.Targets
	}
	if len(targets) == 0 {
		return errors.New("no target files given")
	}

	format := cfg.Report.Format
	if a.format != "" {
		format = a.format
	}
	if format == "" {
		format = report.FormatText
	}
	if format != report.FormatText && format != report.FormatJSON {
		return fmt.Errorf("unknown output format %q", format)
	}

	var reports service.ReportService
	if a.save || cfg.Database.Enabled {
		var closeDB func()
		reports, closeDB, err = openReports(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer closeDB()
	}

	binTester := a.newTester(cfg, logger)
	printer := a.printer(cfg)
	text := format == report.FormatText

	results := make([]*tester.BinaryResult, 0, len(targets))
	for _, path := range targets {
		if err := ctx.Err(); err != nil {
			return err
		}

		exists := fileExists(path)
		if text && exists {
			printer.PrintTesting(path)
		}

		result := binTester.TestBinary(ctx, path)
		results = append(results, result)

		if text {
			if exists {
				printer.PrintReport(result)
			} else {
				printer.PrintSkipping(path)
			}
		}

		if reports != nil {
			persistResult(ctx, reports, result, logger)
		}
	}

	if !text {
		return report.WriteJSON(a.out, results)
	}
	if a.summary || cfg.Report.Summary {
		printer.PrintSummary(results)
	}
	return nil
}

// persistResult 保存失败只记录日志，不影响后续目标
func persistResult(ctx context.Context, reports service.ReportService, result *tester.BinaryResult, logger *logrus.Logger) {
	entry := logger.WithField("file_path", result.FilePath)

	r, err := reports.CreateReport(ctx, result.FilePath)
	if err != nil {
		entry.WithError(err).Warn("Failed to create report")
		return
	}
	if err := reports.MarkRunning(ctx, r.ID); err != nil {
		entry.WithError(err).Warn("Failed to mark report running")
		return
	}
	if _, err := reports.SaveResult(ctx, r.ID, result); err != nil {
		entry.WithError(err).Warn("Failed to save report result")
	}
}

func (a *App) checkTools(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := a.load()
	if err != nil {
		return err
	}

	status := a.newTester(cfg, logger).CheckTools(cmd.Context())
	a.printer(cfg).PrintTools(status)
	return nil
}

func (a *App) showHistory(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := a.load()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	reports, closeDB, err := openReports(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeDB()

	var list []*domain.TestReport
	if a.status != "" {
		list, err = reports.ListByStatus(ctx, domain.ReportStatus(a.status))
		if err == nil && a.limit > 0 && len(list) > a.limit {
			list = list[:a.limit]
		}
	} else {
		list, err = reports.ListRecent(ctx, a.limit)
	}
	if err != nil {
		return fmt.Errorf("failed to list reports: %w", err)
	}

	if len(list) == 0 {
		fmt.Fprintln(a.out, "No reports found")
		return nil
	}
	a.printer(cfg).PrintHistory(list)
	return nil
}

// submit 把文件投递到队列，由服务端 Worker 执行
func (a *App) submit(cmd *cobra.Command, args []string) error {
	cfg, logger, err := a.load()
	if err != nil {
		return err
	}
	if !cfg.RabbitMQ.Enabled {
		return errors.New("rabbitmq is disabled; use 'run' to test locally")
	}
	ctx := cmd.Context()

	reports, closeDB, err := openReports(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeDB()

	mq, err := queue.NewRabbitMQ(ctx, &cfg.RabbitMQ, 1, retry.ConnectPolicy(logger), logger)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	defer mq.Close()

	submitter := worker.NewSubmitter(reports, queue.NewProducer(mq, logger), nil, nil, logger)
	return submitAll(ctx, a.out, submitter, args)
}

type fileSubmitter interface {
	Submit(ctx context.Context, path string) (*domain.TestReport, error)
}

func submitAll(ctx context.Context, out io.Writer, submitter fileSubmitter, paths []string) error {
	failed := 0
	for _, path := range paths {
		r, err := submitter.Submit(ctx, path)
		switch {
		case errors.Is(err, service.ErrDuplicateReport):
			fmt.Fprintf(out, "Already queued: %s\n", path)
		case err != nil:
			failed++
			fmt.Fprintf(out, "Failed to queue %s: %v\n", path, err)
		default:
			fmt.Fprintf(out, "Queued %s as %s\n", path, r.ID)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d submissions failed", failed, len(paths))
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
