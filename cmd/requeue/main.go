package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/reverse-test/retester/internal/config"
	"github.com/reverse-test/retester/internal/domain"
	"github.com/reverse-test/retester/internal/queue"
	"github.com/reverse-test/retester/internal/repository"
	"github.com/reverse-test/retester/internal/service"
)

// 把 failed 报告重置为 queued。启用 RabbitMQ 时直接重新投递，
// 否则由服务下次启动时统一派发。
func main() {
	configPath := ""
	if len(os.Args) > 2 && os.Args[1] == "--config" {
		configPath = os.Args[2]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := config.InitLogger(&cfg.Log)
	ctx := context.Background()

	db, err := repository.InitDB(ctx, &cfg.Database, logger, nil)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	reports := service.NewReportService(repository.NewReportRepository(db, logger), logger)

	var producer *queue.Producer
	if cfg.RabbitMQ.Enabled {
		mq, err := queue.NewRabbitMQ(ctx, &cfg.RabbitMQ, 1, nil, logger)
		if err != nil {
			log.Fatalf("Failed to connect to RabbitMQ: %v", err)
		}
		defer mq.Close()
		producer = queue.NewProducer(mq, logger)
	}

	failed, err := reports.ListByStatus(ctx, domain.ReportStatusFailed)
	if err != nil {
		log.Fatalf("Failed to query failed reports: %v", err)
	}
	fmt.Printf("Found %d failed reports\n", len(failed))

	successCount := 0
	for i, r := range failed {
		queued, err := reports.Requeue(ctx, r.ID)
		if err != nil {
			log.Printf("❌ Failed to reset report %s: %v", r.ID, err)
			continue
		}

		if producer != nil {
			if err := producer.Dispatch(ctx, queued); err != nil {
				log.Printf("❌ Failed to publish report %s: %v", r.ID, err)
				continue
			}
		}

		successCount++
		if (i+1)%100 == 0 {
			fmt.Printf("Progress: %d/%d\n", i+1, len(failed))
		}
	}

	fmt.Printf("\n✅ Requeued %d/%d reports\n", successCount, len(failed))
	if producer == nil && successCount > 0 {
		fmt.Println("RabbitMQ is disabled; reports will be dispatched on next server start")
	}
}
