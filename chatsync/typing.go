package chatsync

import (
	"context"
	"sync"
	"time"
)

// TypingNotifier turns keystrokes into at most one typing_start per burst and
// one typing_stop after the burst goes idle.
type TypingNotifier struct {
	conn         Emitter
	idle         time.Duration
	stopOnSubmit bool
	logger       Logger

	mu     sync.Mutex
	typing bool
	timer  *time.Timer
	gen    uint64
	closed bool
}

// NewTypingNotifier returns a notifier that emits through conn.
func NewTypingNotifier(conn Emitter, cfg Config) *TypingNotifier {
	n := &TypingNotifier{
		conn:         conn,
		idle:         cfg.TypingIdle,
		stopOnSubmit: cfg.StopTypingOnSubmit,
		logger:       noopLogger{},
	}
	if n.idle <= 0 {
		n.idle = DefaultConfig().TypingIdle
	}
	return n
}

// SetLogger overrides logger (optional).
func (n *TypingNotifier) SetLogger(l Logger) {
	if l != nil {
		n.logger = l
	}
}

// Keystroke records local input activity.
func (n *TypingNotifier) Keystroke(ctx context.Context) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	start := !n.typing
	n.typing = true
	n.armLocked()
	n.mu.Unlock()

	if start {
		n.emit(ctx, inboundTypingStart)
	}
}

// Typing reports the local typing flag.
func (n *TypingNotifier) Typing() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.typing
}

// Reset clears the flag and cancels the idle timer, typically on submit.
// typing_stop is emitted only when configured to stop on submit.
func (n *TypingNotifier) Reset(ctx context.Context) {
	n.mu.Lock()
	wasTyping := n.typing
	n.clearLocked()
	n.mu.Unlock()

	if wasTyping && n.stopOnSubmit {
		n.emit(ctx, inboundTypingStop)
	}
}

// Close cancels the idle timer without emitting anything.
func (n *TypingNotifier) Close() {
	n.mu.Lock()
	n.closed = true
	n.clearLocked()
	n.mu.Unlock()
}

func (n *TypingNotifier) armLocked() {
	if n.timer != nil {
		n.timer.Stop()
	}
	n.gen++
	gen := n.gen
	n.timer = time.AfterFunc(n.idle, func() { n.fire(gen) })
}

func (n *TypingNotifier) clearLocked() {
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	n.gen++
	n.typing = false
}

// fire runs on the idle timer; gen discards fires from a timer that was
// replaced or stopped after it had already started.
func (n *TypingNotifier) fire(gen uint64) {
	n.mu.Lock()
	if n.closed || gen != n.gen || !n.typing {
		n.mu.Unlock()
		return
	}
	n.typing = false
	n.timer = nil
	n.mu.Unlock()

	n.emit(context.Background(), inboundTypingStop)
}

func (n *TypingNotifier) emit(ctx context.Context, event string) {
	if err := n.conn.Send(ctx, event, nil, nil); err != nil {
		n.logger.Debug("typing event not sent", map[string]any{"event": event, "error": err.Error()})
	}
}
