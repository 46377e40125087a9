package middleware

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/reverse-test/retester/internal/retry"
	"github.com/reverse-test/retester/internal/toolexec"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

var namespaceSeq atomic.Int64

// setupTestMetrics 每个测试使用独立 namespace，避免重复注册
func setupTestMetrics(t *testing.T) *PrometheusMetrics {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	namespace := fmt.Sprintf("test_%d_%d", time.Now().UnixNano(), namespaceSeq.Add(1))
	return NewPrometheusMetrics(logger, namespace)
}

// 编译期检查：指标收集器满足观察者接口
var (
	_ toolexec.Observer = (*PrometheusMetrics)(nil)
	_ retry.Observer    = (*PrometheusMetrics)(nil)
)

// TestHTTPMiddleware 测试 HTTP 中间件
func TestHTTPMiddleware(t *testing.T) {
	pm := setupTestMetrics(t)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(pm.HTTPMiddleware())
	router.GET("/api/tests/:id", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"id": c.Param("id")})
	})

	for _, id := range []string{"a", "b"} {
		req := httptest.NewRequest("GET", "/api/tests/"+id, nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	}

	// 路由模板作为标签，不同 id 合并为一条序列
	assert.Equal(t, 1, testutil.CollectAndCount(pm.httpRequestsTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(pm.httpRequestsTotal.WithLabelValues("GET", "/api/tests/:id", "200")))
}

// TestRecordTestLifecycle 测试测试生命周期指标
func TestRecordTestLifecycle(t *testing.T) {
	pm := setupTestMetrics(t)

	pm.RecordTestQueued()
	pm.RecordTestStarted()
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.testsInProgress))

	pm.RecordTestFinished("completed", 3*time.Second)
	assert.Equal(t, 0.0, testutil.ToFloat64(pm.testsInProgress))

	assert.Equal(t, 1.0, testutil.ToFloat64(pm.testsTotal.WithLabelValues("queued")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.testsTotal.WithLabelValues("completed")))
	assert.Equal(t, 1, testutil.CollectAndCount(pm.testDuration))
}

// TestObserveToolRun 测试外部工具指标
func TestObserveToolRun(t *testing.T) {
	pm := setupTestMetrics(t)

	pm.ObserveToolRun("nm", toolexec.StatusSuccess, 10*time.Millisecond)
	pm.ObserveToolRun("nm", toolexec.StatusSuccess, 20*time.Millisecond)
	pm.ObserveToolRun("uncompyle6", toolexec.StatusUnavailable, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(pm.toolInvocationsTotal.WithLabelValues("nm", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.toolInvocationsTotal.WithLabelValues("uncompyle6", "unavailable")))
	assert.Equal(t, 2, testutil.CollectAndCount(pm.toolDuration))
}

// TestRecordFinding 测试检测结果指标
func TestRecordFinding(t *testing.T) {
	pm := setupTestMetrics(t)

	pm.RecordFinding("extraction")
	pm.RecordFinding("extraction")
	pm.RecordFinding("decompilation")

	assert.Equal(t, 2.0, testutil.ToFloat64(pm.findingsTotal.WithLabelValues("extraction")))
}

// TestObserveRetry 测试重试指标
func TestObserveRetry(t *testing.T) {
	pm := setupTestMetrics(t)

	pm.ObserveRetry("rabbitmq_connect", 1, nil)
	pm.ObserveRetry("rabbitmq_connect", 2, nil)

	assert.Equal(t, 2, testutil.CollectAndCount(pm.retryAttemptsTotal))
}

// TestUpdateGauges 测试内存与 Worker Pool 指标
func TestUpdateGauges(t *testing.T) {
	pm := setupTestMetrics(t)

	pm.UpdateMemoryStats(MemoryStats{Alloc: 100, NumGC: 3, Goroutines: 7})
	pm.UpdateWorkerPoolStats(4, 2, 9)

	assert.Equal(t, 100.0, testutil.ToFloat64(pm.memoryUsage))
	assert.Equal(t, 7.0, testutil.ToFloat64(pm.goroutinesCount))
	assert.Equal(t, 4.0, testutil.ToFloat64(pm.workerPoolSize))
	assert.Equal(t, 9.0, testutil.ToFloat64(pm.workerPoolQueueSize))
}

// TestMemoryMonitor 测试内存监控写入指标
func TestMemoryMonitor(t *testing.T) {
	pm := setupTestMetrics(t)
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	monitor := NewMemoryMonitor(logger, pm, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		monitor.Run(ctx)
	}()

	assert.Eventually(t, func() bool {
		return monitor.GetStats().Goroutines > 0
	}, time.Second, 10*time.Millisecond)

	cancel()
	wg.Wait()
	assert.Greater(t, testutil.ToFloat64(pm.memoryUsage), 0.0)
}

// TestPrometheusHandler 测试 Prometheus HTTP Handler
func TestPrometheusHandler(t *testing.T) {
	pm := setupTestMetrics(t)
	pm.RecordTestQueued()

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/metrics/prometheus", pm.Handler())

	req := httptest.NewRequest("GET", "/metrics/prometheus", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "# HELP")
	assert.Contains(t, w.Body.String(), "tests_total")
}

// TestTokenAuth 测试 Bearer token 校验
func TestTokenAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name     string
		token    string
		header   string
		expected int
	}{
		{"未配置 token 时放行", "", "", http.StatusOK},
		{"缺少 header", "secret-token", "", http.StatusUnauthorized},
		{"格式错误", "secret-token", "secret-token", http.StatusUnauthorized},
		{"token 不匹配", "secret-token", "Bearer wrong", http.StatusUnauthorized},
		{"token 正确", "secret-token", "Bearer secret-token", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.Use(TokenAuth(tt.token))
			router.GET("/api/tests", func(c *gin.Context) {
				c.Status(http.StatusOK)
			})

			req := httptest.NewRequest("GET", "/api/tests", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.expected, w.Code)
		})
	}
}
