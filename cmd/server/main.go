package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/reverse-test/retester/internal/api"
	"github.com/reverse-test/retester/internal/api/handlers"
	"github.com/reverse-test/retester/internal/config"
	"github.com/reverse-test/retester/internal/domain"
	"github.com/reverse-test/retester/internal/middleware"
	"github.com/reverse-test/retester/internal/queue"
	"github.com/reverse-test/retester/internal/repository"
	"github.com/reverse-test/retester/internal/retry"
	"github.com/reverse-test/retester/internal/service"
	"github.com/reverse-test/retester/internal/tester"
	"github.com/reverse-test/retester/internal/toolexec"
	"github.com/reverse-test/retester/internal/watcher"
	"github.com/reverse-test/retester/internal/worker"
	"github.com/sirupsen/logrus"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	// 未指定配置文件时使用默认值和环境变量
	configPath := ""
	if len(os.Args) > 2 && os.Args[1] == "--config" {
		configPath = os.Args[2]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := config.InitLogger(&cfg.Log)
	logger.WithFields(logrus.Fields{
		"version":    Version,
		"build_time": BuildTime,
		"git_commit": GitCommit,
		"config":     configPath,
	}).Info("Starting reverse engineering test server")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	promMetrics := middleware.NewPrometheusMetrics(logger, "retester")

	// 服务模式必须持久化报告
	db, err := repository.InitDB(ctx, &cfg.Database, logger, promMetrics)
	if err != nil {
		logger.Fatalf("Failed to init database: %v", err)
	}
	reports := service.NewReportService(repository.NewReportRepository(db, logger), logger)

	cleanupStuckReports(ctx, reports, logger)

	runner := toolexec.NewExecRunner(logger, time.Duration(cfg.Tools.Timeout)*time.Second, promMetrics)
	binTester := tester.New(tester.NewConfig(cfg), runner, logger)
	toolStatus := binTester.CheckTools(ctx)
	for _, name := range tester.SortedToolNames(toolStatus) {
		logger.WithFields(logrus.Fields{
			"tool":      name,
			"available": toolStatus[name],
		}).Info("External tool status")
	}

	events := handlers.NewEventsHandler(logger)
	events.Start(ctx)

	orchestrator := worker.NewOrchestrator(binTester, reports, promMetrics, events, logger)
	workerPool := worker.NewPool(cfg.Worker.Concurrency, cfg.Worker.QueueSize, orchestrator, promMetrics, logger)
	workerPool.Start(ctx)

	// 消息队列可选：关闭时直接提交到本地 Worker 池
	var (
		dispatcher worker.Dispatcher = worker.PoolDispatcher{Pool: workerPool}
		mq         *queue.RabbitMQ
		consumer   *queue.Consumer
	)
	if cfg.RabbitMQ.Enabled {
		policy := retry.ConnectPolicy(logger)
		policy.Observer = promMetrics

		mq, err = queue.NewRabbitMQ(ctx, &cfg.RabbitMQ, cfg.Worker.Concurrency, policy, logger)
		if err != nil {
			logger.Fatalf("Failed to init RabbitMQ: %v", err)
		}
		producer := queue.NewProducer(mq, logger)
		dispatcher = producer

		if count, err := mq.PurgeQueue(); err != nil {
			logger.WithError(err).Warn("Failed to purge queue, continuing with republish")
		} else if count > 0 {
			logger.WithField("purged_count", count).Info("Cleared stale messages from queue")
		}

		consumer = queue.NewConsumer(mq, createTaskHandler(workerPool, logger), cfg.Worker.Concurrency, logger)
		if err := consumer.Start(ctx); err != nil {
			logger.Fatalf("Failed to start consumer: %v", err)
		}
	}

	// 数据库是唯一的事实来源，重启后重新派发 queued 报告
	redispatchQueued(ctx, reports, dispatcher, logger)

	submitter := worker.NewSubmitter(reports, dispatcher, promMetrics, events, logger)

	var fileWatcher *watcher.FileWatcher
	if cfg.Watcher.Enabled {
		fileWatcher, err = watcher.NewFileWatcher(cfg.Watcher.Dir, cfg.Watcher.Pattern, createFileHandler(submitter, logger), logger)
		if err != nil {
			logger.Fatalf("Failed to create file watcher: %v", err)
		}
		if err := fileWatcher.Start(ctx); err != nil {
			logger.Fatalf("Failed to start file watcher: %v", err)
		}
	}

	memMonitor := middleware.NewMemoryMonitor(logger, promMetrics, 30*time.Second)
	go memMonitor.Run(ctx)

	reportHandler := handlers.NewReportHandler(reports, submitter, binTester, memMonitor, logger)
	router := api.SetupRouter(&cfg.Server, logger, reportHandler, events, promMetrics)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Infof("HTTP server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("HTTP server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("HTTP server shutdown error")
	}
	if fileWatcher != nil {
		fileWatcher.Stop()
	}

	// 取消正在运行的测试，它们会被标记为 failed；池中未开始的任务保持 queued
	cancel()
	if consumer != nil {
		consumer.Stop()
	}
	workerPool.Stop()
	if mq != nil {
		mq.Close()
	}

	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
	logger.Info("Server stopped")
}

// createTaskHandler 队列消息交给 Worker 池执行，等待完成后再确认
func createTaskHandler(workerPool *worker.Pool, logger *logrus.Logger) queue.TaskHandler {
	return func(ctx context.Context, msg *queue.TaskMessage) error {
		logger.WithFields(logrus.Fields{
			"task_id":   msg.TaskID,
			"file_path": msg.FilePath,
		}).Info("Received task from RabbitMQ")

		return workerPool.SubmitAndWait(ctx, &worker.Task{
			ID:       msg.TaskID,
			FilePath: msg.FilePath,
		})
	}
}

func createFileHandler(submitter *worker.Submitter, logger *logrus.Logger) watcher.FileHandler {
	return func(ctx context.Context, filePath string) error {
		report, err := submitter.Submit(ctx, filePath)
		if err != nil {
			if errors.Is(err, service.ErrDuplicateReport) {
				return nil
			}
			return err
		}

		logger.WithFields(logrus.Fields{
			"report_id": report.ID,
			"file_path": filePath,
		}).Info("New file submitted for testing")
		return nil
	}
}

// cleanupStuckReports 上次退出时仍在运行的报告标记为 failed
func cleanupStuckReports(ctx context.Context, reports service.ReportService, logger *logrus.Logger) {
	stuck, err := reports.ListByStatus(ctx, domain.ReportStatusRunning)
	if err != nil {
		logger.WithError(err).Warn("Failed to query running reports")
		return
	}

	for _, r := range stuck {
		if err := reports.MarkFailed(ctx, r.ID, errors.New("interrupted by server restart")); err != nil {
			logger.WithError(err).WithField("report_id", r.ID).Error("Failed to mark stuck report failed")
		}
	}
	if len(stuck) > 0 {
		logger.WithField("count", len(stuck)).Warn("Marked interrupted reports as failed")
	}
}

func redispatchQueued(ctx context.Context, reports service.ReportService, dispatcher worker.Dispatcher, logger *logrus.Logger) {
	queued, err := reports.ListByStatus(ctx, domain.ReportStatusQueued)
	if err != nil {
		logger.WithError(err).Warn("Failed to query queued reports")
		return
	}
	if len(queued) == 0 {
		return
	}

	success := 0
	for _, r := range queued {
		if err := dispatcher.Dispatch(ctx, r); err != nil {
			logger.WithError(err).WithField("report_id", r.ID).Error("Failed to redispatch report")
			continue
		}
		success++
	}

	logger.WithFields(logrus.Fields{
		"total":   len(queued),
		"success": success,
	}).Info("Queued reports redispatched")
}
