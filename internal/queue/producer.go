package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/reverse-test/retester/internal/domain"
	"github.com/sirupsen/logrus"
)

// TaskMessage 测试任务消息
type TaskMessage struct {
	TaskID   string `json:"task_id"`
	FilePath string `json:"file_path"`
	FileName string `json:"file_name"`
}

// Publisher 消息发布接口
type Publisher interface {
	Publish(ctx context.Context, body []byte) error
}

// Producer 消息生产者
type Producer struct {
	mq     Publisher
	logger *logrus.Logger
}

// NewProducer 创建生产者
func NewProducer(mq Publisher, logger *logrus.Logger) *Producer {
	return &Producer{
		mq:     mq,
		logger: logger,
	}
}

// PublishTask 发布任务消息
func (p *Producer) PublishTask(ctx context.Context, msg *TaskMessage) error {
	if msg.TaskID == "" || msg.FilePath == "" {
		return fmt.Errorf("task message requires task_id and file_path")
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := p.mq.Publish(ctx, body); err != nil {
		p.logger.WithError(err).WithField("task_id", msg.TaskID).Error("Failed to publish task")
		return fmt.Errorf("failed to publish: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"task_id":   msg.TaskID,
		"file_path": msg.FilePath,
	}).Info("Task published to queue")

	return nil
}

// Dispatch 把排队中的报告发布到任务队列
func (p *Producer) Dispatch(ctx context.Context, report *domain.TestReport) error {
	return p.PublishTask(ctx, &TaskMessage{
		TaskID:   report.ID,
		FilePath: report.FilePath,
		FileName: report.FileName,
	})
}

// DecodeTask 解析消息体
func DecodeTask(body []byte) (*TaskMessage, error) {
	var msg TaskMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	if msg.TaskID == "" || msg.FilePath == "" {
		return nil, fmt.Errorf("task message missing task_id or file_path")
	}
	return &msg, nil
}
