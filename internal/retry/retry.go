// Package retry 为建立外部连接（数据库、消息队列）提供退避重试。
// 外部分析工具的调用不经过这里：一次失败就是一次检测结果。
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Strategy 退避策略
type Strategy string

const (
	StrategyFixed       Strategy = "fixed"
	StrategyLinear      Strategy = "linear"
	StrategyExponential Strategy = "exponential"
)

// Observer 重试观察者（指标收集）
type Observer interface {
	ObserveRetry(operation string, attempt int, err error)
}

// Policy 重试策略参数
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Strategy        Strategy
	Logger          *logrus.Logger
	Observer        Observer
}

// ConnectPolicy 连接外部服务时使用的默认策略
func ConnectPolicy(logger *logrus.Logger) *Policy {
	return &Policy{
		MaxAttempts:     5,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Strategy:        StrategyExponential,
		Logger:          logger,
	}
}

// Backoff 第 attempt 次失败后的等待时间（attempt 从 1 开始）
func (p *Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var wait time.Duration
	switch p.Strategy {
	case StrategyLinear:
		wait = p.InitialInterval * time.Duration(attempt)
	case StrategyExponential:
		shift := attempt - 1
		if shift > 30 {
			shift = 30
		}
		wait = p.InitialInterval * time.Duration(1<<shift)
	default:
		wait = p.InitialInterval
	}

	if p.MaxInterval > 0 && wait > p.MaxInterval {
		wait = p.MaxInterval
	}
	return wait
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent 标记错误为不可重试
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent 判断错误是否不可重试（含上下文取消）
func IsPermanent(err error) bool {
	var pe *permanentError
	if errors.As(err, &pe) {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Do 执行 fn 直到成功、遇到不可重试错误或达到最大次数
func Do(ctx context.Context, p *Policy, operation string, fn func(ctx context.Context) error) error {
	if p == nil {
		p = ConnectPolicy(logrus.StandardLogger())
	}
	logger := p.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s canceled: %w", operation, err)
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				logger.WithFields(logrus.Fields{
					"operation": operation,
					"attempt":   attempt,
				}).Info("Operation succeeded after retry")
			}
			return nil
		}
		lastErr = err

		if p.Observer != nil {
			p.Observer.ObserveRetry(operation, attempt, err)
		}

		if IsPermanent(err) {
			return fmt.Errorf("%s failed: %w", operation, err)
		}
		if attempt == maxAttempts {
			break
		}

		wait := p.Backoff(attempt)
		logger.WithFields(logrus.Fields{
			"operation": operation,
			"attempt":   attempt,
			"max":       maxAttempts,
			"wait":      wait,
		}).WithError(err).Warn("Operation failed, retrying")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s canceled during backoff: %w", operation, ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operation, maxAttempts, lastErr)
}

// DoWithResult 带返回值的 Do
func DoWithResult[T any](ctx context.Context, p *Policy, operation string, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := Do(ctx, p, operation, func(ctx context.Context) error {
		res, err := fn(ctx)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	return result, err
}
