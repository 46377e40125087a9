package repository

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/reverse-test/retester/internal/config"
	"github.com/reverse-test/retester/internal/domain"
	"github.com/reverse-test/retester/internal/retry"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitDB 初始化数据库连接并迁移表结构
func InitDB(ctx context.Context, cfg *config.DatabaseConfig, log *logrus.Logger, observer retry.Observer) (*gorm.DB, error) {
	db, err := Open(ctx, cfg, log, observer)
	if err != nil {
		return nil, err
	}

	if err := AutoMigrate(db, log); err != nil {
		return nil, err
	}

	return db, nil
}

// Open 打开数据库连接（不迁移）。MySQL 连接失败时按退避策略重试。
func Open(ctx context.Context, cfg *config.DatabaseConfig, log *logrus.Logger, observer retry.Observer) (*gorm.DB, error) {
	var dialector gorm.Dialector
	isSQLite := cfg.Type != "mysql"

	if !isSQLite {
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName)
		dialector = mysql.Open(dsn)
	} else {
		path := cfg.Path
		if path == "" {
			path = "./data/reports.db"
		}
		if path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return nil, fmt.Errorf("failed to create database dir: %w", err)
			}
		}
		dialector = sqlite.Open(path)
	}

	gormCfg := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
		PrepareStmt: true,
	}

	policy := retry.ConnectPolicy(log)
	policy.Observer = observer
	if isSQLite {
		// 本地文件打不开时重试没有意义
		policy.MaxAttempts = 1
	}

	db, err := retry.DoWithResult(ctx, policy, "database_connect", func(ctx context.Context) (*gorm.DB, error) {
		db, err := gorm.Open(dialector, gormCfg)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, retry.Permanent(err)
		}
		if err := sqlDB.PingContext(ctx); err != nil {
			sqlDB.Close()
			return nil, err
		}
		return db, nil
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	if isSQLite {
		// SQLite 只允许单写连接，:memory: 每个连接是独立数据库
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(50)
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	log.WithFields(logrus.Fields{
		"type": cfg.Type,
		"path": cfg.Path,
		"host": cfg.Host,
	}).Info("Database connected")

	return db, nil
}

// AutoMigrate 自动迁移数据库表结构
func AutoMigrate(db *gorm.DB, log *logrus.Logger) error {
	log.Info("Running database migrations...")

	if err := db.AutoMigrate(&domain.TestReport{}); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}

	log.Info("Database migrations completed")
	return nil
}
