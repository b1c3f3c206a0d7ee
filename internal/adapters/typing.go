package adapters

import (
	"log/slog"
	"sync"
	"time"
)

// TypingOptions configures a typing indicator controller.
type TypingOptions struct {
	// MaxDuration auto-stops the indicator to prevent it sticking when a
	// send never happens.
	MaxDuration time.Duration

	// KeepaliveInterval refreshes the indicator; must be shorter than the
	// platform's typing expiry.
	KeepaliveInterval time.Duration

	// StartFn fires the platform typing action once per refresh.
	StartFn func() error
}

// TypingController maintains a platform typing indicator with keepalive
// refreshes and a hard TTL. Stop is idempotent and safe from any goroutine.
type TypingController struct {
	opts     TypingOptions
	stop     chan struct{}
	stopOnce sync.Once
}

// NewTyping creates a controller; call Start to begin.
func NewTyping(opts TypingOptions) *TypingController {
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = 60 * time.Second
	}
	return &TypingController{
		opts: opts,
		stop: make(chan struct{}),
	}
}

// Start fires the indicator immediately and keeps it alive until Stop or
// MaxDuration.
func (t *TypingController) Start() {
	if t.opts.StartFn == nil {
		return
	}

	if err := t.opts.StartFn(); err != nil {
		slog.Debug("typing indicator start failed", "error", err)
	}

	go func() {
		ticker := time.NewTicker(t.opts.KeepaliveInterval)
		defer ticker.Stop()
		deadline := time.NewTimer(t.opts.MaxDuration)
		defer deadline.Stop()

		for {
			select {
			case <-t.stop:
				return
			case <-deadline.C:
				t.Stop()
				return
			case <-ticker.C:
				if err := t.opts.StartFn(); err != nil {
					slog.Debug("typing indicator refresh failed", "error", err)
				}
			}
		}
	}()
}

// Stop cancels the indicator.
func (t *TypingController) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}
