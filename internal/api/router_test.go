package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/reverse-test/retester/internal/api/handlers"
	"github.com/reverse-test/retester/internal/config"
	"github.com/reverse-test/retester/internal/domain"
	"github.com/reverse-test/retester/internal/middleware"
	"github.com/reverse-test/retester/internal/repository"
	"github.com/reverse-test/retester/internal/service"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type nopSubmitter struct{}

func (nopSubmitter) Submit(ctx context.Context, path string) (*domain.TestReport, error) {
	return &domain.TestReport{ID: "r1", FilePath: path, Status: domain.ReportStatusQueued}, nil
}

type staticTools struct{}

func (staticTools) ToolsStatus() map[string]bool                   { return map[string]bool{"nm": true} }
func (staticTools) CheckTools(ctx context.Context) map[string]bool { return map[string]bool{"nm": true} }

func setupRouter(t *testing.T, token string) http.Handler {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, repository.AutoMigrate(db, logger))
	svc := service.NewReportService(repository.NewReportRepository(db, logger), logger)

	metrics := middleware.NewPrometheusMetrics(logger, fmt.Sprintf("router_test_%d", time.Now().UnixNano()))
	reportHandler := handlers.NewReportHandler(svc, nopSubmitter{}, staticTools{}, nil, logger)

	cfg := &config.ServerConfig{Mode: "debug", APIToken: token}
	return SetupRouter(cfg, logger, reportHandler, handlers.NewEventsHandler(logger), metrics)
}

func TestSetupRouter_Routes(t *testing.T) {
	router := setupRouter(t, "")

	tests := []struct {
		method   string
		path     string
		expected int
	}{
		{"GET", "/api/health", http.StatusOK},
		{"GET", "/api/tools", http.StatusOK},
		{"GET", "/api/tests", http.StatusOK},
		{"GET", "/api/tests/unknown", http.StatusNotFound},
		{"GET", "/api/statistics", http.StatusOK},
		{"GET", "/metrics/prometheus", http.StatusOK},
		{"OPTIONS", "/api/tests", http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.expected, w.Code)
		})
	}
}

func TestSetupRouter_TokenAuth(t *testing.T) {
	router := setupRouter(t, "s3cret")

	// 健康检查不需要 token
	req := httptest.NewRequest("GET", "/api/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest("GET", "/api/tests", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest("GET", "/api/tests", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest("GET", "/ws/events", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
