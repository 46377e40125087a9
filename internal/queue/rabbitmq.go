package queue

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/reverse-test/retester/internal/config"
	"github.com/reverse-test/retester/internal/retry"
	"github.com/sirupsen/logrus"
)

const defaultHeartbeat = 10 * time.Second

// RabbitMQ RabbitMQ 客户端
type RabbitMQ struct {
	config        *config.RabbitMQConfig
	conn          *amqp.Connection
	channel       *amqp.Channel
	logger        *logrus.Logger
	queueName     string
	policy        *retry.Policy
	reconnect     chan bool
	prefetchCount int // 与 worker 数量一致

	mu            sync.RWMutex
	closed        bool
	connNotify    chan *amqp.Error
	channelNotify chan *amqp.Error
}

// NewRabbitMQ 连接 RabbitMQ 并声明任务队列，连接失败按 policy 重试
func NewRabbitMQ(ctx context.Context, cfg *config.RabbitMQConfig, prefetchCount int, policy *retry.Policy, logger *logrus.Logger) (*RabbitMQ, error) {
	if prefetchCount <= 0 {
		prefetchCount = 1
	}
	if policy == nil {
		policy = retry.ConnectPolicy(logger)
	}

	queueName := cfg.Queue
	if queueName == "" {
		queueName = "re_test_tasks"
	}

	mq := &RabbitMQ{
		config:        cfg,
		logger:        logger,
		queueName:     queueName,
		policy:        policy,
		reconnect:     make(chan bool, 10),
		prefetchCount: prefetchCount,
	}

	err := retry.Do(ctx, policy, "rabbitmq_connect", func(ctx context.Context) error {
		return mq.connect()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	return mq, nil
}

// amqpURL 构建连接地址，vhost 为空或 "/" 时使用默认 vhost
func amqpURL(cfg *config.RabbitMQConfig) string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:   "/",
	}
	if cfg.VHost != "" && cfg.VHost != "/" {
		u.Path = "/" + cfg.VHost
	}
	return u.String()
}

func (mq *RabbitMQ) connect() error {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	conn, err := amqp.DialConfig(amqpURL(mq.config), amqp.Config{
		Heartbeat: defaultHeartbeat,
		Locale:    "en_US",
	})
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.Qos(mq.prefetchCount, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	_, err = ch.QueueDeclare(
		mq.queueName, // name
		true,         // durable
		false,        // delete when unused
		false,        // exclusive
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	mq.conn = conn
	mq.channel = ch
	mq.connNotify = conn.NotifyClose(make(chan *amqp.Error, 1))
	mq.channelNotify = ch.NotifyClose(make(chan *amqp.Error, 1))

	mq.logger.WithFields(logrus.Fields{
		"host":           mq.config.Host,
		"port":           mq.config.Port,
		"queue":          mq.queueName,
		"prefetch_count": mq.prefetchCount,
	}).Info("Connected to RabbitMQ")

	return nil
}

// StartConnectionWatcher 监听 Connection 和 Channel 关闭事件，直到主动 Close
func (mq *RabbitMQ) StartConnectionWatcher() {
	go func() {
		for {
			mq.mu.RLock()
			if mq.closed {
				mq.mu.RUnlock()
				return
			}
			connNotify := mq.connNotify
			channelNotify := mq.channelNotify
			mq.mu.RUnlock()

			var (
				err  *amqp.Error
				ok   bool
				what string
			)
			select {
			case err, ok = <-connNotify:
				what = "connection"
			case err, ok = <-channelNotify:
				what = "channel"
			}

			if !ok && mq.isClosed() {
				return
			}
			if err != nil {
				mq.logger.WithError(err).Errorf("RabbitMQ %s closed unexpectedly", what)
			} else {
				mq.logger.Warnf("RabbitMQ %s closed", what)
			}
			mq.triggerReconnect()
			// 等待重连完成后再读取新的通知通道
			mq.waitReconnected()
		}
	}()
}

func (mq *RabbitMQ) waitReconnected() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		if mq.isClosed() || mq.IsConnected() {
			return
		}
	}
}

func (mq *RabbitMQ) isClosed() bool {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	return mq.closed
}

// triggerReconnect 非阻塞发送重连信号
func (mq *RabbitMQ) triggerReconnect() {
	select {
	case mq.reconnect <- true:
		mq.logger.Debug("Reconnect signal sent")
	default:
		mq.logger.Debug("Reconnect signal already pending")
	}
}

// Reconnect 关闭旧连接后按重试策略重新连接
func (mq *RabbitMQ) Reconnect(ctx context.Context) error {
	mq.closeConnections()

	return retry.Do(ctx, mq.policy, "rabbitmq_reconnect", func(ctx context.Context) error {
		if mq.isClosed() {
			return retry.Permanent(fmt.Errorf("client closed"))
		}
		return mq.connect()
	})
}

func (mq *RabbitMQ) closeConnections() {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	if mq.channel != nil {
		mq.channel.Close()
		mq.channel = nil
	}
	if mq.conn != nil {
		mq.conn.Close()
		mq.conn = nil
	}
}

// Publish 发布持久化消息
func (mq *RabbitMQ) Publish(ctx context.Context, body []byte) error {
	mq.mu.RLock()
	ch := mq.channel
	mq.mu.RUnlock()
	if ch == nil {
		return fmt.Errorf("channel is nil")
	}

	return ch.PublishWithContext(
		ctx,
		"",           // exchange
		mq.queueName, // routing key
		false,        // mandatory
		false,        // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
}

// Consume 手动确认模式消费
func (mq *RabbitMQ) Consume() (<-chan amqp.Delivery, error) {
	mq.mu.RLock()
	ch := mq.channel
	mq.mu.RUnlock()
	if ch == nil {
		return nil, fmt.Errorf("channel is nil")
	}

	msgs, err := ch.Consume(
		mq.queueName, // queue
		"",           // consumer
		false,        // auto-ack
		false,        // exclusive
		false,        // no-local
		false,        // no-wait
		nil,          // args
	)
	if err != nil {
		return nil, fmt.Errorf("failed to consume: %w", err)
	}

	return msgs, nil
}

// GetQueueStats 获取队列中的消息数和消费者数
func (mq *RabbitMQ) GetQueueStats() (messageCount, consumerCount int, err error) {
	mq.mu.RLock()
	ch := mq.channel
	mq.mu.RUnlock()
	if ch == nil {
		return 0, 0, fmt.Errorf("channel is nil")
	}

	queue, err := ch.QueueInspect(mq.queueName)
	if err != nil {
		return 0, 0, err
	}

	return queue.Messages, queue.Consumers, nil
}

// Close 关闭连接，之后不再重连
func (mq *RabbitMQ) Close() error {
	mq.mu.Lock()
	defer mq.mu.Unlock()
	mq.closed = true

	if mq.channel != nil {
		if err := mq.channel.Close(); err != nil {
			mq.logger.WithError(err).Error("Failed to close channel")
		}
	}
	if mq.conn != nil {
		if err := mq.conn.Close(); err != nil {
			mq.logger.WithError(err).Error("Failed to close connection")
		}
	}

	mq.logger.Info("RabbitMQ connection closed")
	return nil
}

// GetReconnectChan 重连信号通道
func (mq *RabbitMQ) GetReconnectChan() <-chan bool {
	return mq.reconnect
}

// IsConnected 检查连接状态
func (mq *RabbitMQ) IsConnected() bool {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	return mq.conn != nil && !mq.conn.IsClosed()
}

// QueueName 队列名
func (mq *RabbitMQ) QueueName() string {
	return mq.queueName
}

// PurgeQueue 清空队列，服务启动时用于与数据库状态对齐
func (mq *RabbitMQ) PurgeQueue() (int, error) {
	mq.mu.RLock()
	ch := mq.channel
	mq.mu.RUnlock()
	if ch == nil {
		return 0, fmt.Errorf("channel is nil")
	}

	count, err := ch.QueuePurge(mq.queueName, false)
	if err != nil {
		return 0, fmt.Errorf("failed to purge queue: %w", err)
	}

	mq.logger.WithFields(logrus.Fields{
		"queue":        mq.queueName,
		"purged_count": count,
	}).Info("Queue purged")

	return count, nil
}
