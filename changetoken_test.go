package carvekit

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestCallbackChangeToken(t *testing.T) {
	token := NewCallbackChangeToken()
	if token.HasChanged() {
		t.Fatal("new token reports a change")
	}

	var calls atomic.Int32
	token.RegisterChangeCallback(func() { calls.Add(1) })
	unregister := token.RegisterChangeCallback(func() { calls.Add(100) })
	unregister()

	token.SignalChange()
	token.SignalChange()

	if !token.HasChanged() {
		t.Error("token should report a change")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("callbacks ran %d times, want 1", got)
	}
}

func TestPollingChangeToken(t *testing.T) {
	var ready atomic.Bool
	token := NewPollingChangeToken(context.Background(), PollingConfig{
		Interval:  5 * time.Millisecond,
		CheckFunc: ready.Load,
	})
	defer token.Stop()

	time.Sleep(20 * time.Millisecond)
	if token.HasChanged() {
		t.Fatal("token fired before the check reported a change")
	}

	ready.Store(true)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := WaitForChange(ctx, token); err != nil {
		t.Fatalf("WaitForChange() error = %v", err)
	}
}

func TestWaitForChange(t *testing.T) {
	t.Run("already changed", func(t *testing.T) {
		if err := WaitForChange(context.Background(), CancelledChangeToken{}); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("signalled later", func(t *testing.T) {
		token := NewCallbackChangeToken()
		go func() {
			time.Sleep(10 * time.Millisecond)
			token.SignalChange()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := WaitForChange(ctx, token); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("context cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := WaitForChange(ctx, NewCallbackChangeToken())
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})
}
