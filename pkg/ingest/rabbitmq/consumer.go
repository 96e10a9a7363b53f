// Package rabbitmq 以手动确认的方式从 RabbitMQ 队列读取活动消息。
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/tokmz/relay/pkg/ingest"
	"github.com/tokmz/relay/pkg/logger"
)

// Config 消费者配置
type Config struct {
	URL         string `mapstructure:"url"`
	Queue       string `mapstructure:"queue"`
	ConsumerTag string `mapstructure:"consumer_tag"`
	Prefetch    int    `mapstructure:"prefetch"`
	Workers     int    `mapstructure:"workers"`
}

// Validate 校验配置
func (c Config) Validate() error {
	if c.URL == "" {
		return errors.New("rabbitmq.url is required")
	}
	if c.Queue == "" {
		return errors.New("rabbitmq.queue is required")
	}
	if c.Prefetch < 0 {
		return fmt.Errorf("rabbitmq.prefetch must not be negative, got %d", c.Prefetch)
	}
	if c.Workers < 0 {
		return fmt.Errorf("rabbitmq.workers must not be negative, got %d", c.Workers)
	}
	return nil
}

func (c *Config) withDefaults() {
	if c.ConsumerTag == "" {
		c.ConsumerTag = "relay-activity"
	}
	if c.Prefetch == 0 {
		c.Prefetch = 32
	}
	if c.Workers == 0 {
		c.Workers = 4
	}
}

// Consumer RabbitMQ 活动消费者
type Consumer struct {
	cfg     Config
	applier ingest.Applier
	logger  logger.Logger

	conn *amqp.Connection
	ch   *amqp.Channel

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New 创建消费者，Start 时才建立连接
func New(cfg Config, applier ingest.Applier, log logger.Logger) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if applier == nil {
		return nil, errors.New("rabbitmq: applier is required")
	}
	if log == nil {
		log = logger.NewNop()
	}
	cfg.withDefaults()
	return &Consumer{
		cfg:     cfg,
		applier: applier,
		logger:  log.Named("rabbitmq").With(zap.String("queue", cfg.Queue)),
	}, nil
}

// Start 连接并声明持久队列，启动 worker 后立即返回
func (c *Consumer) Start(ctx context.Context) error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("set prefetch: %w", err)
	}
	if _, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare queue: %w", err)
	}
	deliveries, err := ch.Consume(c.cfg.Queue, c.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("consume queue: %w", err)
	}
	c.conn, c.ch = conn, ch

	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.work(ctx, deliveries)
		}()
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		<-ctx.Done()
		_ = ch.Cancel(c.cfg.ConsumerTag, false)
	}()

	c.logger.Info("rabbitmq consumer started", zap.Int("workers", c.cfg.Workers))
	return nil
}

// work 处理投递直到通道关闭，ctx 取消后仍处理已收到的投递
func (c *Consumer) work(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		c.handle(context.WithoutCancel(ctx), d)
	}
}

// handle 成功确认；不可重试的失败丢弃；其余失败重新入队
func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	err := c.applier.Apply(ctx, d.Body)
	switch {
	case err == nil:
		if ackErr := d.Ack(false); ackErr != nil {
			c.logger.Warn("ack failed", zap.Uint64("tag", d.DeliveryTag), zap.Error(ackErr))
		}
	case ingest.Permanent(err):
		c.logger.Warn("dropping activity message", zap.Uint64("tag", d.DeliveryTag), zap.Error(err))
		_ = d.Nack(false, false)
	default:
		c.logger.Warn("requeue activity message", zap.Uint64("tag", d.DeliveryTag), zap.Error(err))
		_ = d.Nack(false, true)
	}
}

// Close 等待 worker 退出并关闭连接，调用前应取消 Start 的 ctx
func (c *Consumer) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.ch != nil {
			_ = c.ch.Cancel(c.cfg.ConsumerTag, false)
		}
		c.wg.Wait()
		var errs []error
		if c.ch != nil {
			if e := c.ch.Close(); e != nil && !errors.Is(e, amqp.ErrClosed) {
				errs = append(errs, e)
			}
		}
		if c.conn != nil {
			if e := c.conn.Close(); e != nil && !errors.Is(e, amqp.ErrClosed) {
				errs = append(errs, e)
			}
		}
		err = errors.Join(errs...)
	})
	return err
}
