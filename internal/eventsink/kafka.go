package eventsink

import (
	"context"
	"fmt"
	"strconv"

	"agentarena/internal/common/mq"
	"agentarena/internal/match"
	appErr "agentarena/pkg/errors"
)

// Header names set on every published event.
const (
	HeaderMatchID   = "x-match-id"
	HeaderEventType = "x-event-type"
)

// QueueSink publishes every event to one topic. Events are keyed by match id
// so a match's log stays on one partition and keeps its order.
type QueueSink struct {
	producer mq.Producer
	topic    string
}

func NewQueueSink(producer mq.Producer, topic string) *QueueSink {
	return &QueueSink{producer: producer, topic: topic}
}

func (s *QueueSink) Emit(ctx context.Context, matchID string, ev match.Event) error {
	if s == nil || s.producer == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("event producer is not configured")
	}
	if s.topic == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("event topic is required")
	}
	payload, err := encodeRecord(matchID, ev)
	if err != nil {
		return fmt.Errorf("marshal event failed: %w", err)
	}
	message := mq.NewMessage(payload)
	message.ID = matchID + ":" + strconv.FormatUint(ev.ID, 10)
	message.Key = matchID
	message.Timestamp = ev.Timestamp
	message.SetHeader(HeaderMatchID, matchID)
	message.SetHeader(HeaderEventType, ev.Type)
	if err := s.producer.Publish(ctx, s.topic, message); err != nil {
		return appErr.Wrapf(err, appErr.QueueError, "publish event failed")
	}
	return nil
}
