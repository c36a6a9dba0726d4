package executor

import (
	"context"
	"testing"
	"time"

	"agentarena/internal/common/mq"
	appErr "agentarena/pkg/errors"
)

func TestParsePoolRetryCount(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		headers map[string]string
		want    int
	}{
		{name: "nil headers", headers: nil, want: 0},
		{name: "missing", headers: map[string]string{"other": "1"}, want: 0},
		{name: "valid", headers: map[string]string{poolRetryHeader: "4"}, want: 4},
		{name: "negative", headers: map[string]string{poolRetryHeader: "-2"}, want: 0},
		{name: "garbage", headers: map[string]string{poolRetryHeader: "x"}, want: 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := ParsePoolRetryCount(tt.headers); got != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestCloneMessageForRetryKeepsOriginal(t *testing.T) {
	t.Parallel()
	msg := mq.NewMessage([]byte("body"))
	msg.ID = "id-1"
	msg.Key = "m-1"
	msg.SetHeader("trace", "t-1")

	out := CloneMessageForRetry(msg, 3)
	if out.ID != "id-1" || out.Key != "m-1" || string(out.Body) != "body" {
		t.Fatalf("unexpected clone: %+v", out)
	}
	if out.Headers["trace"] != "t-1" || out.Headers[poolRetryHeader] != "3" {
		t.Fatalf("unexpected headers: %v", out.Headers)
	}
	if _, ok := msg.GetHeader(poolRetryHeader); ok {
		t.Fatalf("expected original headers to be untouched")
	}
}

func TestRequeueForPoolFull(t *testing.T) {
	t.Parallel()
	cfg := RequeueConfig{
		Topic:           "retry",
		DeadLetterTopic: "dead",
		MaxRetries:      2,
		BaseDelay:       time.Millisecond,
		MaxDelay:        time.Millisecond,
	}
	ctx := context.Background()

	producer := &fakeProducer{}
	dead, err := RequeueForPoolFull(ctx, producer, cfg, mq.NewMessage([]byte("x")))
	if err != nil || dead {
		t.Fatalf("expected requeue, got dead=%v err=%v", dead, err)
	}
	if got := producer.messages("retry"); len(got) != 1 || got[0].Headers[poolRetryHeader] != "1" {
		t.Fatalf("expected one retry with count 1, got %v", got)
	}

	exhausted := CloneMessageForRetry(mq.NewMessage([]byte("x")), 2)
	dead, err = RequeueForPoolFull(ctx, producer, cfg, exhausted)
	if err != nil || !dead {
		t.Fatalf("expected dead letter, got dead=%v err=%v", dead, err)
	}
	if got := producer.messages("dead"); len(got) != 1 {
		t.Fatalf("expected one dead letter, got %d", len(got))
	}

	noDead := cfg
	noDead.DeadLetterTopic = ""
	if _, err := RequeueForPoolFull(ctx, producer, noDead, exhausted); !appErr.Is(err, appErr.MatchQueueFull) {
		t.Fatalf("expected pool full without dead letter topic, got %v", err)
	}
}

func TestRequeueForPoolFullNeedsQueue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	msg := mq.NewMessage(nil)
	if _, err := RequeueForPoolFull(ctx, nil, RequeueConfig{Topic: "retry"}, msg); !appErr.Is(err, appErr.ServiceUnavailable) {
		t.Fatalf("expected service unavailable without producer, got %v", err)
	}
	if _, err := RequeueForPoolFull(ctx, &fakeProducer{}, RequeueConfig{}, msg); !appErr.Is(err, appErr.ServiceUnavailable) {
		t.Fatalf("expected service unavailable without topic, got %v", err)
	}
	if _, err := RequeueForPoolFull(ctx, &fakeProducer{}, RequeueConfig{Topic: "retry"}, nil); !appErr.Is(err, appErr.InvalidParams) {
		t.Fatalf("expected invalid params for nil message, got %v", err)
	}
}

func TestRequeueForPoolFullStopsOnCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	producer := &fakeProducer{}
	cfg := RequeueConfig{Topic: "retry", BaseDelay: time.Minute, MaxDelay: time.Minute}
	if _, err := RequeueForPoolFull(ctx, producer, cfg, mq.NewMessage(nil)); err == nil {
		t.Fatalf("expected cancellation error")
	}
	if got := producer.messages("retry"); len(got) != 0 {
		t.Fatalf("expected nothing published, got %d", len(got))
	}
}
