package carvekit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// ============================================================================
// ChangeToken Implementations
// ============================================================================

// CallbackChangeToken is a ChangeToken that supports active callbacks.
// Used by drivers that have native file system events (local, memory).
type CallbackChangeToken struct {
	mu        sync.RWMutex
	changed   atomic.Bool
	callbacks []func()
}

// NewCallbackChangeToken creates a new ChangeToken that supports active callbacks.
func NewCallbackChangeToken() *CallbackChangeToken {
	return &CallbackChangeToken{}
}

func (t *CallbackChangeToken) HasChanged() bool {
	return t.changed.Load()
}

func (t *CallbackChangeToken) ActiveChangeCallbacks() bool {
	return true
}

func (t *CallbackChangeToken) RegisterChangeCallback(callback func()) (unregister func()) {
	t.mu.Lock()
	t.callbacks = append(t.callbacks, callback)
	index := len(t.callbacks) - 1
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if index < len(t.callbacks) {
			// Set to nil instead of removing to avoid index shifting
			t.callbacks[index] = nil
		}
	}
}

// SignalChange marks the token as changed and invokes all callbacks.
// Drivers call it when a matching change is detected.
func (t *CallbackChangeToken) SignalChange() {
	if t.changed.Swap(true) {
		return // Already changed
	}

	t.mu.RLock()
	callbacks := make([]func(), len(t.callbacks))
	copy(callbacks, t.callbacks)
	t.mu.RUnlock()

	for _, cb := range callbacks {
		if cb != nil {
			cb()
		}
	}
}

// ============================================================================
// Polling ChangeToken
// ============================================================================

// PollingChangeToken is a ChangeToken for sources without native events.
// It calls a check function at a fixed interval and fires once the check
// reports a change. The polling goroutine exits when the token fires, when
// the context is cancelled, or when Stop is called.
type PollingChangeToken struct {
	token  CallbackChangeToken
	cancel context.CancelFunc
}

// PollingConfig configures a polling change token.
type PollingConfig struct {
	// Interval between polls (default: 5 seconds)
	Interval time.Duration
	// CheckFunc returns true if a change is detected
	CheckFunc func() bool
}

// NewPollingChangeToken creates a ChangeToken that polls for changes.
func NewPollingChangeToken(ctx context.Context, config PollingConfig) *PollingChangeToken {
	if config.Interval <= 0 {
		config.Interval = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(ctx)
	t := &PollingChangeToken{cancel: cancel}
	go t.poll(ctx, config)
	return t
}

func (t *PollingChangeToken) poll(ctx context.Context, config PollingConfig) {
	ticker := time.NewTicker(config.Interval)
	defer ticker.Stop()
	defer t.cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if config.CheckFunc != nil && config.CheckFunc() {
				t.token.SignalChange()
				return // Token is now spent
			}
		}
	}
}

func (t *PollingChangeToken) HasChanged() bool {
	return t.token.HasChanged()
}

func (t *PollingChangeToken) ActiveChangeCallbacks() bool {
	return true
}

func (t *PollingChangeToken) RegisterChangeCallback(callback func()) (unregister func()) {
	return t.token.RegisterChangeCallback(callback)
}

// Stop stops the polling goroutine. It is safe to call Stop multiple times.
func (t *PollingChangeToken) Stop() {
	t.cancel()
}

// ============================================================================
// Static ChangeToken
// ============================================================================

// CancelledChangeToken is a ChangeToken that is already in a "changed" state.
// Used when watching is not supported.
type CancelledChangeToken struct{}

func (CancelledChangeToken) HasChanged() bool {
	return true
}

func (CancelledChangeToken) ActiveChangeCallbacks() bool {
	return false
}

func (CancelledChangeToken) RegisterChangeCallback(callback func()) func() {
	// Immediately invoke the callback since we're already "changed"
	callback()
	return func() {}
}

// ============================================================================
// Helper: WaitForChange
// ============================================================================

// WaitForChange blocks until token fires or ctx is done. It returns
// ctx.Err() when the context ends first.
func WaitForChange(ctx context.Context, token ChangeToken) error {
	if token.HasChanged() {
		return nil
	}

	done := make(chan struct{})
	var once sync.Once
	unregister := token.RegisterChangeCallback(func() {
		once.Do(func() { close(done) })
	})
	defer unregister()

	// The change may have landed between HasChanged and registration.
	if token.HasChanged() {
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
