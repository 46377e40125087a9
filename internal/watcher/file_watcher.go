package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// FileHandler 新文件就绪后的处理函数
type FileHandler func(ctx context.Context, filePath string) error

// Option 监控器选项
type Option func(*FileWatcher)

// WithDebounce 同一文件事件的防抖时间
func WithDebounce(d time.Duration) Option {
	return func(fw *FileWatcher) { fw.debounce = d }
}

// WithPollInterval 判断文件写入完成时两次 stat 的间隔
func WithPollInterval(d time.Duration) Option {
	return func(fw *FileWatcher) { fw.pollInterval = d }
}

// WithScanExisting 启动时处理目录中已存在的文件
func WithScanExisting(scan bool) Option {
	return func(fw *FileWatcher) { fw.scanExisting = scan }
}

// FileWatcher 投递目录监控器
type FileWatcher struct {
	watcher      *fsnotify.Watcher
	watchDir     string
	pattern      string // glob，如 "*.exe"，"*" 匹配全部
	handler      FileHandler
	logger       *logrus.Logger
	debounce     time.Duration
	pollInterval time.Duration
	scanExisting bool

	mu         sync.Mutex
	timers     map[string]*time.Timer
	processing map[string]bool
	wg         sync.WaitGroup
	stopChan   chan struct{}
	stopOnce   sync.Once
}

// NewFileWatcher 创建文件监控器，目录不存在时自动创建
func NewFileWatcher(watchDir, pattern string, handler FileHandler, logger *logrus.Logger, opts ...Option) (*FileWatcher, error) {
	if pattern == "" {
		pattern = "*"
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}

	if err := os.MkdirAll(watchDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create watch directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(watchDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to add watch directory: %w", err)
	}

	fw := &FileWatcher{
		watcher:      watcher,
		watchDir:     watchDir,
		pattern:      pattern,
		handler:      handler,
		logger:       logger,
		debounce:     2 * time.Second,
		pollInterval: 500 * time.Millisecond,
		timers:       make(map[string]*time.Timer),
		processing:   make(map[string]bool),
		stopChan:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(fw)
	}

	logger.WithFields(logrus.Fields{
		"watch_dir": watchDir,
		"pattern":   pattern,
	}).Info("File watcher created")

	return fw, nil
}

// Start 启动事件循环
func (fw *FileWatcher) Start(ctx context.Context) error {
	if fw.scanExisting {
		if err := fw.scanExistingFiles(ctx); err != nil {
			fw.logger.WithError(err).Warn("Failed to scan existing files")
		}
	}

	fw.wg.Add(1)
	go fw.eventLoop(ctx)

	fw.logger.Info("File watcher started")
	return nil
}

func (fw *FileWatcher) scanExistingFiles(ctx context.Context) error {
	entries, err := os.ReadDir(fw.watchDir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || !fw.matchPattern(entry.Name()) {
			continue
		}
		fw.logger.WithField("file", entry.Name()).Info("Found existing file")
		fw.schedule(ctx, filepath.Join(fw.watchDir, entry.Name()))
	}
	return nil
}

func (fw *FileWatcher) eventLoop(ctx context.Context) {
	defer fw.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-fw.stopChan:
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}

			// 只关心创建和写入
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}

			fileName := filepath.Base(event.Name)
			if !fw.matchPattern(fileName) {
				continue
			}

			fw.logger.WithFields(logrus.Fields{
				"event": event.Op.String(),
				"file":  fileName,
			}).Debug("File event detected")

			fw.schedule(ctx, event.Name)

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.WithError(err).Error("Watcher error")
		}
	}
}

// schedule 防抖：同一文件短时间内多次事件只处理一次
func (fw *FileWatcher) schedule(ctx context.Context, filePath string) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if timer, exists := fw.timers[filePath]; exists {
		timer.Stop()
	}
	fw.timers[filePath] = time.AfterFunc(fw.debounce, func() {
		fw.mu.Lock()
		delete(fw.timers, filePath)
		fw.mu.Unlock()

		select {
		case <-fw.stopChan:
			return
		default:
		}
		fw.handleFile(ctx, filePath)
	})
}

func (fw *FileWatcher) handleFile(ctx context.Context, filePath string) {
	fw.mu.Lock()
	if fw.processing[filePath] {
		fw.mu.Unlock()
		fw.logger.WithField("file", filePath).Debug("File is already being processed")
		return
	}
	fw.processing[filePath] = true
	fw.mu.Unlock()

	defer func() {
		fw.mu.Lock()
		delete(fw.processing, filePath)
		fw.mu.Unlock()
	}()

	log := fw.logger.WithField("file", filePath)
	if err := fw.waitForFileReady(ctx, filePath); err != nil {
		log.WithError(err).Warn("File not ready")
		return
	}

	log.Info("Submitting file for testing")
	if err := fw.handler(ctx, filePath); err != nil {
		log.WithError(err).Error("Failed to submit file")
		return
	}
}

// waitForFileReady 文件大小在两次采样间保持不变且非空即认为写入完成
func (fw *FileWatcher) waitForFileReady(ctx context.Context, filePath string) error {
	const maxAttempts = 10

	for i := 0; i < maxAttempts; i++ {
		info1, err := os.Stat(filePath)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("file does not exist")
			}
			return err
		}
		if !info1.Mode().IsRegular() {
			return fmt.Errorf("not a regular file")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(fw.pollInterval):
		}

		info2, err := os.Stat(filePath)
		if err != nil {
			return err
		}

		if info1.Size() == info2.Size() && info1.Size() > 0 {
			return nil
		}
	}

	return fmt.Errorf("file not ready after %d attempts", maxAttempts)
}

// matchPattern 大小写不敏感的 glob 匹配
func (fw *FileWatcher) matchPattern(fileName string) bool {
	if fw.pattern == "*" {
		return true
	}
	matched, err := filepath.Match(strings.ToLower(fw.pattern), strings.ToLower(fileName))
	return err == nil && matched
}

// Stop 停止监控，等待事件循环退出
func (fw *FileWatcher) Stop() error {
	var err error
	fw.stopOnce.Do(func() {
		fw.logger.Info("Stopping file watcher")
		close(fw.stopChan)

		fw.mu.Lock()
		for path, timer := range fw.timers {
			timer.Stop()
			delete(fw.timers, path)
		}
		fw.mu.Unlock()

		err = fw.watcher.Close()
		fw.wg.Wait()
	})
	return err
}

// GetWatchDir 获取监控目录
func (fw *FileWatcher) GetWatchDir() string {
	return fw.watchDir
}
