// Package kafka 以 sarama 消费组读取活动消息。
package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/tokmz/relay/pkg/ingest"
	"github.com/tokmz/relay/pkg/logger"
)

// Config 消费者配置
type Config struct {
	Brokers       []string      `mapstructure:"brokers"`
	Topic         string        `mapstructure:"topic"`
	GroupID       string        `mapstructure:"group_id"`
	ClientID      string        `mapstructure:"client_id"`
	Oldest        bool          `mapstructure:"oldest"`        // 无已提交位点时从最早消息开始
	RetryInterval time.Duration `mapstructure:"retry_interval"` // 会话中断后的重连间隔
}

// Validate 校验配置
func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	if c.Topic == "" {
		return errors.New("kafka.topic is required")
	}
	if c.GroupID == "" {
		return errors.New("kafka.group_id is required")
	}
	if c.RetryInterval < 0 {
		return fmt.Errorf("kafka.retry_interval must not be negative, got %v", c.RetryInterval)
	}
	return nil
}

// saramaConfig 手动标记位点，自动提交已标记的位点
func (c Config) saramaConfig() *sarama.Config {
	sc := sarama.NewConfig()
	if c.ClientID != "" {
		sc.ClientID = c.ClientID
	}
	sc.Consumer.Return.Errors = true
	sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	if c.Oldest {
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	}
	return sc
}

// Consumer Kafka 活动消费者
type Consumer struct {
	cfg     Config
	applier ingest.Applier
	logger  logger.Logger
	group   sarama.ConsumerGroup
}

// New 创建消费者并连接集群
func New(cfg Config, applier ingest.Applier, log logger.Logger) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if applier == nil {
		return nil, errors.New("kafka: applier is required")
	}
	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, cfg.saramaConfig())
	if err != nil {
		return nil, fmt.Errorf("new kafka consumer group: %w", err)
	}
	return newConsumer(cfg, applier, log, group), nil
}

func newConsumer(cfg Config, applier ingest.Applier, log logger.Logger, group sarama.ConsumerGroup) *Consumer {
	if log == nil {
		log = logger.NewNop()
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = time.Second
	}
	return &Consumer{
		cfg:     cfg,
		applier: applier,
		logger:  log.Named("kafka").With(zap.String("topic", cfg.Topic), zap.String("group", cfg.GroupID)),
		group:   group,
	}
}

// Run 持续消费直到 ctx 取消，返回前关闭消费组
func (c *Consumer) Run(ctx context.Context) error {
	defer func() {
		if err := c.group.Close(); err != nil {
			c.logger.Warn("close consumer group", zap.Error(err))
		}
	}()

	go func() {
		for err := range c.group.Errors() {
			c.logger.Warn("consumer group error", zap.Error(err))
		}
	}()

	for {
		err := c.group.Consume(ctx, []string{c.cfg.Topic}, c)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, sarama.ErrClosedConsumerGroup) {
			return err
		}
		if err != nil {
			c.logger.Warn("consume session ended", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.cfg.RetryInterval):
		}
	}
}

// Setup 实现 sarama.ConsumerGroupHandler
func (c *Consumer) Setup(sess sarama.ConsumerGroupSession) error {
	c.logger.Info("kafka session started", zap.Int32("generation", sess.GenerationID()))
	return nil
}

// Cleanup 实现 sarama.ConsumerGroupHandler
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim 逐条应用消息
// 非法消息记录后跳过并标记；可重试的失败结束本次会话，重连后从未标记的位点继续
func (c *Consumer) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-sess.Context().Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := c.applier.Apply(sess.Context(), msg.Value); err != nil {
				if !ingest.Permanent(err) {
					return fmt.Errorf("apply %s/%d/%d: %w", msg.Topic, msg.Partition, msg.Offset, err)
				}
				c.logger.Warn("dropping activity message",
					zap.Int32("partition", msg.Partition),
					zap.Int64("offset", msg.Offset),
					zap.Error(err),
				)
			}
			sess.MarkMessage(msg, "")
		}
	}
}
