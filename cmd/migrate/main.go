package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/reverse-test/retester/internal/config"
	"github.com/reverse-test/retester/internal/repository"
)

func main() {
	// 未指定配置文件时使用默认值和环境变量
	configPath := ""
	if len(os.Args) > 2 && os.Args[1] == "--config" {
		configPath = os.Args[2]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal(err)
	}

	logger := config.InitLogger(&cfg.Log)

	// InitDB 连接后执行 AutoMigrate
	db, err := repository.InitDB(context.Background(), &cfg.Database, logger, nil)
	if err != nil {
		log.Fatalf("Failed to migrate: %v", err)
	}

	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}

	fmt.Printf("✓ Migration completed successfully (%s)\n", cfg.Database.Type)
}
