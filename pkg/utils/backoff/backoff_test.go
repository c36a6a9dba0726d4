package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCompute(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		attempt int
		base    time.Duration
		max     time.Duration
		want    time.Duration
	}{
		{"no base", 3, 0, time.Second, 0},
		{"first", 0, 100 * time.Millisecond, time.Second, 100 * time.Millisecond},
		{"doubled", 2, 100 * time.Millisecond, time.Second, 400 * time.Millisecond},
		{"capped", 10, 100 * time.Millisecond, time.Second, time.Second},
		{"base above max", 0, 2 * time.Second, time.Second, time.Second},
		{"uncapped", 3, time.Millisecond, 0, 8 * time.Millisecond},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Compute(tt.attempt, tt.base, tt.max); got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestRetry(t *testing.T) {
	t.Parallel()
	errTransient := errors.New("transient")
	errFatal := errors.New("fatal")

	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, time.Millisecond, nil, func(context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("expected success on third call, got %v after %d", err, calls)
	}

	calls = 0
	err = Retry(context.Background(), 5, time.Millisecond, time.Millisecond,
		func(err error) bool { return !errors.Is(err, errFatal) },
		func(context.Context) error {
			calls++
			return errFatal
		})
	if !errors.Is(err, errFatal) || calls != 1 {
		t.Fatalf("expected fatal error after one call, got %v after %d", err, calls)
	}
}

func TestSleepHonorsContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
}
