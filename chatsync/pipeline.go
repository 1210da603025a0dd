package chatsync

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DeliveryState is the terminal state of one submitted message.
type DeliveryState string

const (
	DeliveryConfirmed  DeliveryState = "confirmed"
	DeliveryRolledBack DeliveryState = "rolled_back"
)

// ResolvePath tells which server reply confirmed a message.
type ResolvePath string

const (
	PathAck  ResolvePath = "ack"
	PathEcho ResolvePath = "echo"
)

// RollbackReason tells why a provisional message was removed.
type RollbackReason string

const (
	ReasonTimeout   RollbackReason = "timeout"
	ReasonRejected  RollbackReason = "rejected"
	ReasonSendError RollbackReason = "send_error"
)

// Outcome reports how a submitted message left the pending state.
type Outcome struct {
	ProvisionalID string
	ClientID      string
	State         DeliveryState
	Path          ResolvePath    // set when confirmed
	Reason        RollbackReason // set when rolled back
	Message       Message        // confirmed copy, or the removed provisional entry
	Err           error
}

// Emitter sends named events over the transport. Call registers ack and
// returns a cancel that withdraws the registration.
type Emitter interface {
	Send(ctx context.Context, event string, payload any, ack AckFunc) error
	Call(ctx context.Context, event string, payload any, ack AckFunc) (cancel func(), err error)
}

type pendingSend struct {
	msg    Message
	timer  *time.Timer
	cancel func()
	done   bool
}

// Pipeline is the optimistic send state machine. It is the only writer of
// provisional messages in the store.
//
// Each submission is pending until the first of: a direct ack, a matching
// broadcast echo, an ack carrying an error, or the ack timeout. Later replies
// for the same submission are ignored.
type Pipeline struct {
	identity   Identity
	store      *MessageStore
	conn       Emitter
	ackTimeout time.Duration
	limiter    *rate.Limiter
	logger     Logger
	metrics    *Metrics

	mu        sync.Mutex
	pending   []*pendingSend
	closed    bool
	onOutcome func(Outcome)
}

// NewPipeline binds a pipeline to identity, store and transport.
func NewPipeline(identity Identity, store *MessageStore, conn Emitter, cfg Config) *Pipeline {
	p := &Pipeline{
		identity:   identity,
		store:      store,
		conn:       conn,
		ackTimeout: cfg.AckTimeout,
		logger:     noopLogger{},
	}
	if p.ackTimeout <= 0 {
		p.ackTimeout = DefaultConfig().AckTimeout
	}
	if cfg.SendRate > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.SendRate), max(cfg.SendBurst, 1))
	}
	return p
}

// SetLogger overrides logger (optional).
func (p *Pipeline) SetLogger(l Logger) {
	if l != nil {
		p.logger = l
	}
}

// SetMetrics attaches metrics (optional).
func (p *Pipeline) SetMetrics(m *Metrics) { p.metrics = m }

// SetOnOutcome registers the delivery hook.
func (p *Pipeline) SetOnOutcome(fn func(Outcome)) {
	p.mu.Lock()
	p.onOutcome = fn
	p.mu.Unlock()
}

// Submit appends a provisional message and emits it. The returned message is
// the provisional entry. A nil error means the message was handed to the
// transport; confirmation arrives later through the outcome hook.
func (p *Pipeline) Submit(ctx context.Context, content string) (Message, error) {
	text := strings.TrimSpace(content)
	if text == "" {
		return Message{}, ErrEmptyMessage
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return Message{}, ErrClosed
	}
	if p.limiter != nil && !p.limiter.Allow() {
		p.mu.Unlock()
		return Message{}, ErrRateLimited
	}
	p.mu.Unlock()

	msg := newProvisional(p.identity, text)
	ps := &pendingSend{msg: msg}
	p.store.Append(msg)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.store.Remove(msg.ID)
		return Message{}, ErrClosed
	}
	p.pending = append(p.pending, ps)
	ps.timer = time.AfterFunc(p.ackTimeout, func() { p.expire(ps) })
	p.mu.Unlock()
	p.metrics.submitted()

	payload := SendMessagePayload{Content: text, Type: MessageText, ClientID: msg.ClientID}
	cancel, err := p.conn.Call(ctx, inboundSendMessage, payload, func(a Ack) { p.handleAck(ps, a) })
	if err != nil {
		p.rollback(ps, ReasonSendError, err)
		return msg, err
	}
	p.mu.Lock()
	if ps.done {
		// Resolved before the call returned.
		p.mu.Unlock()
		cancel()
		return msg, nil
	}
	ps.cancel = cancel
	p.mu.Unlock()
	return msg, nil
}

// HandleBroadcast reconciles a broadcast message against pending sends.
// It reports whether the message confirmed a pending entry; when it did not,
// the caller owns appending it.
func (p *Pipeline) HandleBroadcast(m Message) bool {
	p.mu.Lock()
	var match *pendingSend
	for _, ps := range p.pending {
		if ps.msg.SenderID != m.SenderID {
			continue
		}
		if m.ClientID != "" {
			if ps.msg.ClientID == m.ClientID {
				match = ps
				break
			}
			continue
		}
		// Servers that do not echo the nonce fall back to the first unresolved
		// entry with the same content.
		if ps.msg.Content == m.Content {
			match = ps
			break
		}
	}
	if match == nil || !p.takeLocked(match) {
		p.mu.Unlock()
		return false
	}
	p.mu.Unlock()

	p.confirm(match, m, PathEcho)
	return true
}

// Pending returns the number of unresolved submissions.
func (p *Pipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Close cancels every ack timer and ack registration. Pending entries stay
// in the store.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	n := len(p.pending)
	for _, ps := range p.pending {
		ps.done = true
		ps.timer.Stop()
		if ps.cancel != nil {
			ps.cancel()
		}
	}
	p.pending = nil
	p.mu.Unlock()
	p.metrics.abandoned(n)
}

func (p *Pipeline) handleAck(ps *pendingSend, a Ack) {
	if a.Error != nil {
		p.rollback(ps, ReasonRejected, FromProtocolError(a.Error))
		return
	}
	var m Message
	if err := UnmarshalData(a.Data, &m); err != nil || m.ID == "" {
		// Leave it to the echo or the timeout.
		p.logger.Warn("ack without message", map[string]any{"provisional": ps.msg.ID})
		return
	}

	p.mu.Lock()
	if !p.takeLocked(ps) {
		p.mu.Unlock()
		p.logger.Debug("ack after resolution ignored", map[string]any{"provisional": ps.msg.ID, "id": m.ID})
		return
	}
	p.mu.Unlock()
	p.confirm(ps, m, PathAck)
}

func (p *Pipeline) expire(ps *pendingSend) {
	p.mu.Lock()
	if !p.takeLocked(ps) {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	p.store.Remove(ps.msg.ID)
	p.logger.Warn("message not delivered", map[string]any{
		"provisional": ps.msg.ID,
		"after":       p.ackTimeout.String(),
	})
	p.metrics.rolledBack(ReasonTimeout)
	p.emit(Outcome{
		ProvisionalID: ps.msg.ID,
		ClientID:      ps.msg.ClientID,
		State:         DeliveryRolledBack,
		Reason:        ReasonTimeout,
		Message:       ps.msg,
		Err:           ErrSendTimeout,
	})
}

func (p *Pipeline) rollback(ps *pendingSend, reason RollbackReason, err error) {
	p.mu.Lock()
	if !p.takeLocked(ps) {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	p.store.Remove(ps.msg.ID)
	p.logger.Warn("message rolled back", map[string]any{
		"provisional": ps.msg.ID,
		"reason":      string(reason),
		"error":       err.Error(),
	})
	p.metrics.rolledBack(reason)
	p.emit(Outcome{
		ProvisionalID: ps.msg.ID,
		ClientID:      ps.msg.ClientID,
		State:         DeliveryRolledBack,
		Reason:        reason,
		Message:       ps.msg,
		Err:           err,
	})
}

// confirm rewrites the provisional entry in place. If the authoritative copy
// is already in the log the provisional entry is dropped instead.
func (p *Pipeline) confirm(ps *pendingSend, m Message, path ResolvePath) {
	if m.Type == "" {
		m.Type = MessageText
	}
	switch {
	case p.store.Contains(m.ID):
		p.store.Remove(ps.msg.ID)
	case !p.store.Replace(byID(ps.msg.ID), m):
		p.store.AppendUnique(m)
	}
	p.logger.Debug("message confirmed", map[string]any{"provisional": ps.msg.ID, "id": m.ID, "path": string(path)})
	p.metrics.confirmed(path)
	p.emit(Outcome{
		ProvisionalID: ps.msg.ID,
		ClientID:      ps.msg.ClientID,
		State:         DeliveryConfirmed,
		Path:          path,
		Message:       m,
	})
}

// takeLocked marks ps resolved and releases its timer and ack registration.
// It returns false if ps was already resolved.
func (p *Pipeline) takeLocked(ps *pendingSend) bool {
	if ps.done {
		return false
	}
	ps.done = true
	if ps.timer != nil {
		ps.timer.Stop()
	}
	if ps.cancel != nil {
		ps.cancel()
		ps.cancel = nil
	}
	for i, q := range p.pending {
		if q == ps {
			p.pending = append(p.pending[:i], p.pending[i+1:]...)
			break
		}
	}
	return true
}

func (p *Pipeline) emit(o Outcome) {
	p.mu.Lock()
	fn := p.onOutcome
	p.mu.Unlock()
	if fn != nil {
		fn(o)
	}
}
