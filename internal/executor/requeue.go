package executor

import (
	"context"
	"strconv"
	"time"

	"agentarena/internal/common/mq"
	appErr "agentarena/pkg/errors"
	"agentarena/pkg/utils/backoff"
	"agentarena/pkg/utils/logger"

	"go.uber.org/zap"
)

const poolRetryHeader = "x-pool-retry"

// RequeueConfig controls how requests are put back when every slot is busy.
type RequeueConfig struct {
	Topic           string        `yaml:"topic"`
	DeadLetterTopic string        `yaml:"deadLetterTopic"`
	MaxRetries      int           `yaml:"maxRetries"`
	BaseDelay       time.Duration `yaml:"baseDelay"`
	MaxDelay        time.Duration `yaml:"maxDelay"`
}

// ParsePoolRetryCount reads how many times a request was requeued.
func ParsePoolRetryCount(headers map[string]string) int {
	if headers == nil {
		return 0
	}
	raw, ok := headers[poolRetryHeader]
	if !ok {
		return 0
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val < 0 {
		return 0
	}
	return val
}

// CloneMessageForRetry copies msg with a fresh timestamp and retry count.
func CloneMessageForRetry(msg *mq.Message, retryCount int) *mq.Message {
	if msg == nil {
		return mq.NewMessage(nil)
	}
	out := &mq.Message{
		ID:         msg.ID,
		Key:        msg.Key,
		Body:       msg.Body,
		Headers:    make(map[string]string, len(msg.Headers)+1),
		Timestamp:  time.Now(),
		MaxRetries: msg.MaxRetries,
	}
	for k, v := range msg.Headers {
		out.Headers[k] = v
	}
	out.Headers[poolRetryHeader] = strconv.Itoa(retryCount)
	return out
}

// RequeueForPoolFull republishes msg after a backoff that grows with each
// requeue. Once MaxRetries is reached the message goes to the dead letter
// topic instead; deadLettered reports that.
func RequeueForPoolFull(ctx context.Context, producer mq.Producer, cfg RequeueConfig, msg *mq.Message) (deadLettered bool, err error) {
	if producer == nil || cfg.Topic == "" {
		return false, appErr.New(appErr.ServiceUnavailable).WithMessage("retry queue is not configured")
	}
	if msg == nil {
		return false, appErr.New(appErr.InvalidParams).WithMessage("message is nil")
	}
	retryCount := ParsePoolRetryCount(msg.Headers)
	if cfg.MaxRetries > 0 && retryCount >= cfg.MaxRetries {
		if cfg.DeadLetterTopic == "" {
			logger.Warn(ctx, "sandbox pool retry exhausted without dead letter", zap.Int("retry_count", retryCount), zap.String("message_id", msg.ID))
			return false, appErr.New(appErr.MatchQueueFull).WithMessage("sandbox pool is full")
		}
		logger.Warn(ctx, "sandbox pool retry exhausted, sending to dead letter", zap.Int("retry_count", retryCount), zap.String("message_id", msg.ID), zap.String("topic", cfg.DeadLetterTopic))
		return true, producer.Publish(ctx, cfg.DeadLetterTopic, CloneMessageForRetry(msg, retryCount))
	}
	delay := backoff.Compute(retryCount, cfg.BaseDelay, cfg.MaxDelay)
	if err := backoff.Sleep(ctx, delay); err != nil {
		logger.Warn(ctx, "sandbox pool retry canceled during backoff", zap.Int("retry_count", retryCount), zap.String("message_id", msg.ID), zap.Duration("delay", delay))
		return false, err
	}
	logger.Info(ctx, "sandbox pool requeue", zap.Int("retry_count", retryCount+1), zap.String("message_id", msg.ID), zap.Duration("delay", delay), zap.String("topic", cfg.Topic))
	return false, producer.Publish(ctx, cfg.Topic, CloneMessageForRetry(msg, retryCount+1))
}
