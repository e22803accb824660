package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestDo_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), RetryConfig{MaxRetries: 3, RetryDelay: time.Millisecond}, func() error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
}

func TestDo_GivesUp(t *testing.T) {
	boom := errors.New("boom")
	err := Do(context.Background(), RetryConfig{MaxRetries: 2, RetryDelay: time.Millisecond}, func() error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("Expected wrapped error, got %v", err)
	}
}

func TestForever_FixedDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	var failures atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		Forever(ctx, 20*time.Millisecond, func(ctx context.Context) error {
			calls.Add(1)
			return errors.New("refused")
		}, func(attempt int, err error) {
			failures.Add(1)
		})
	}()

	time.Sleep(110 * time.Millisecond)
	cancel()
	<-done

	// First call is immediate, then one call per 20ms without growth
	n := calls.Load()
	if n < 4 || n > 7 {
		t.Errorf("Expected about 6 attempts in 110ms, got %d", n)
	}
	if failures.Load() == 0 {
		t.Error("Expected onError to be called")
	}
}
