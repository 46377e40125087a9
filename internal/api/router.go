package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/reverse-test/retester/internal/api/handlers"
	"github.com/reverse-test/retester/internal/config"
	"github.com/reverse-test/retester/internal/middleware"
	"github.com/sirupsen/logrus"
)

// SetupRouter 注册全部路由，promMetrics 和 events 可为 nil
func SetupRouter(cfg *config.ServerConfig, logger *logrus.Logger, reportHandler *handlers.ReportHandler, events *handlers.EventsHandler, promMetrics *middleware.PrometheusMetrics) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())

	if promMetrics != nil {
		r.Use(promMetrics.HTTPMiddleware())
		r.GET("/metrics/prometheus", promMetrics.Handler())
	}

	if events != nil {
		r.GET("/ws/events", middleware.TokenAuth(cfg.APIToken), events.HandleWebSocket)
	}

	// 健康检查无需认证
	r.GET("/api/health", reportHandler.Health)

	v1 := r.Group("/api")
	v1.Use(middleware.TokenAuth(cfg.APIToken))
	{
		v1.GET("/tools", reportHandler.GetTools)
		v1.GET("/statistics", reportHandler.GetStatistics)

		v1.POST("/tests", reportHandler.CreateTest)
		v1.GET("/tests", reportHandler.ListTests)
		v1.GET("/tests/:id", reportHandler.GetTest)
		v1.GET("/tests/:id/report", reportHandler.GetTextReport)
		v1.DELETE("/tests/:id", reportHandler.DeleteTest)
		v1.GET("/hashes/:sha256", reportHandler.GetTestByHash)
	}

	return r
}

// LoggerMiddleware 请求日志
func LoggerMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		c.Next()

		logger.WithFields(logrus.Fields{
			"status":  c.Writer.Status(),
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"latency": time.Since(startTime).Milliseconds(),
		}).Info("HTTP Request")
	}
}

// CORSMiddleware CORS 中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
