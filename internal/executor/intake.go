package executor

import (
	"context"
	"fmt"
	"time"

	"agentarena/internal/common/mq"
	"agentarena/pkg/utils/logger"

	"go.uber.org/zap"
)

// IntakeConfig names the topics match requests arrive on.
type IntakeConfig struct {
	Topic           string        `yaml:"topic"`
	RetryTopic      string        `yaml:"retryTopic"`
	ConsumerGroup   string        `yaml:"consumerGroup"`
	Concurrency     int           `yaml:"concurrency"`
	MaxRetries      int           `yaml:"maxRetries"`
	RetryDelay      time.Duration `yaml:"retryDelay"`
	DeadLetterTopic string        `yaml:"deadLetterTopic"`
}

// Subscribe registers HandleMessage on the request topic and, when set, the
// retry topic. Both share one fetch limiter sized to the consumer
// concurrency, so requests beyond what can run wait in the broker.
func (s *Service) Subscribe(ctx context.Context, consumer mq.Consumer, cfg IntakeConfig) error {
	if consumer == nil {
		return fmt.Errorf("consumer is required")
	}
	if cfg.Topic == "" {
		return fmt.Errorf("intake topic is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = int(s.pool.Size())
	}
	limiter := mq.NewTokenLimiter(cfg.Concurrency)
	opts := &mq.SubscribeOptions{
		ConsumerGroup:   cfg.ConsumerGroup,
		Concurrency:     cfg.Concurrency,
		MaxRetries:      cfg.MaxRetries,
		RetryDelay:      cfg.RetryDelay,
		DeadLetterTopic: cfg.DeadLetterTopic,
		Limiter:         limiter,
	}
	topics := []string{cfg.Topic}
	if cfg.RetryTopic != "" && cfg.RetryTopic != cfg.Topic {
		topics = append(topics, cfg.RetryTopic)
	}
	for _, topic := range topics {
		if err := consumer.Subscribe(ctx, topic, s.HandleMessage, opts); err != nil {
			return fmt.Errorf("subscribe %s failed: %w", topic, err)
		}
		logger.Info(ctx, "subscribed to match requests",
			zap.String("topic", topic),
			zap.String("group", cfg.ConsumerGroup),
			zap.Int("concurrency", cfg.Concurrency))
	}
	return nil
}
