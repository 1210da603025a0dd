package chatsync

import (
	"context"
	"net/http"
	"sync"

	"github.com/vovakirdan/chatsync/chatsync/rest"
)

// Option customizes a Session.
type Option func(*Session)

// WithLogger sets the logger shared by all components.
func WithLogger(l Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithCompleter overrides the assist completion service.
func WithCompleter(c Completer) Option {
	return func(s *Session) { s.completer = c }
}

// WithMetrics attaches prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// Session is one chat view bound to one identity and one connection.
// It owns the message log, presence, the send pipeline, the typing notifier
// and the assist channel, and tears all of them down in Close.
type Session struct {
	cfg       Config
	identity  Identity
	logger    Logger
	metrics   *Metrics
	completer Completer

	conn     *Connection
	store    *MessageStore
	presence *Presence
	pipeline *Pipeline
	typing   *TypingNotifier
	assist   *Assistant

	mu         sync.RWMutex
	closed     bool
	onMessages func([]Message)
	onPresence func(PresenceSnapshot)
	onState    func(StateEvent)
	onDelivery func(Outcome)
	onError    func(error)
}

// NewSession validates cfg and identity and wires the components.
// Nothing is dialed until Connect.
func NewSession(cfg Config, identity Identity, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := identity.Validate(); err != nil {
		return nil, err
	}

	s := &Session{
		cfg:      cfg,
		identity: identity,
		logger:   noopLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.completer == nil && cfg.AssistURL != "" {
		rc := rest.NewClient(cfg.AssistURL)
		rc.SetToken(cfg.Token)
		if cfg.AssistTimeout > 0 {
			rc.SetHTTPClient(&http.Client{Timeout: cfg.AssistTimeout})
		}
		s.completer = rc
	}

	s.store = NewMessageStore()
	s.presence = NewPresence(identity.UserID)
	s.conn = NewConnection(cfg, identity)
	s.pipeline = NewPipeline(identity, s.store, s.conn, cfg)
	s.typing = NewTypingNotifier(s.conn, cfg)
	s.assist = NewAssistant(identity, s.store, s.completer, cfg)

	s.conn.SetLogger(s.logger)
	s.conn.SetMetrics(s.metrics)
	s.pipeline.SetLogger(s.logger)
	s.pipeline.SetMetrics(s.metrics)
	s.typing.SetLogger(s.logger)
	s.assist.SetLogger(s.logger)
	s.assist.SetMetrics(s.metrics)
	s.wire()
	return s, nil
}

func (s *Session) wire() {
	d := s.conn.Dispatcher()
	d.SetOnRoster(func(ev RosterEvent) { s.presence.SetRoster(ev.Users) })
	d.SetOnUserJoined(s.presence.Join)
	d.SetOnUserLeft(func(u OnlineUser) { s.presence.Leave(u.UserID) })
	d.SetOnTypingStart(func(ev TypingEvent) { s.presence.TypingStarted(ev.UserName) })
	d.SetOnTypingStop(func(ev TypingEvent) { s.presence.TypingStopped(ev.UserName) })
	d.SetOnMessage(s.handleBroadcast)
	d.SetOnNotice(func(ev NoticeEvent) { s.store.Append(newSystemMessage(ev.Text)) })
	d.SetOnError(func(err error) {
		if fn := s.hooks().onError; fn != nil {
			fn(err)
		}
	})

	s.store.SetOnChange(func(ms []Message) {
		if fn := s.hooks().onMessages; fn != nil {
			fn(ms)
		}
	})
	s.presence.SetOnChange(func(p PresenceSnapshot) {
		if fn := s.hooks().onPresence; fn != nil {
			fn(p)
		}
	})
	s.conn.OnStateChanged(func(ev StateEvent) {
		if fn := s.hooks().onState; fn != nil {
			fn(ev)
		}
	})
	s.pipeline.SetOnOutcome(func(o Outcome) {
		if fn := s.hooks().onDelivery; fn != nil {
			fn(o)
		}
	})
}

// handleBroadcast is the only writer of confirmed messages that did not
// originate from a pending local send.
func (s *Session) handleBroadcast(m Message) {
	if m.Type == "" {
		m.Type = MessageText
	}
	if s.pipeline.HandleBroadcast(m) {
		return
	}
	s.store.AppendUnique(m)
}

// OnMessages registers callback for message log changes.
func (s *Session) OnMessages(fn func([]Message)) { s.setHook(func() { s.onMessages = fn }) }

// OnPresence registers callback for roster and typing changes.
func (s *Session) OnPresence(fn func(PresenceSnapshot)) { s.setHook(func() { s.onPresence = fn }) }

// OnStateChanged registers callback for connection state changes.
func (s *Session) OnStateChanged(fn func(StateEvent)) { s.setHook(func() { s.onState = fn }) }

// OnDelivery registers callback for confirmed and rolled back sends.
func (s *Session) OnDelivery(fn func(Outcome)) { s.setHook(func() { s.onDelivery = fn }) }

// OnError registers callback for asynchronous errors.
func (s *Session) OnError(fn func(error)) { s.setHook(func() { s.onError = fn }) }

// Connect dials the server and requests the roster.
func (s *Session) Connect(ctx context.Context) error {
	if s.isClosed() {
		return ErrClosed
	}
	if err := s.conn.Connect(ctx); err != nil {
		return err
	}
	return s.conn.Send(ctx, inboundRequestRoster, nil, nil)
}

// Submit sends a chat message optimistically. On success the caller may
// clear its input; delivery is reported through OnDelivery.
func (s *Session) Submit(ctx context.Context, content string) (Message, error) {
	msg, err := s.pipeline.Submit(ctx, content)
	if err != nil {
		return msg, err
	}
	s.typing.Reset(ctx)
	return msg, nil
}

// Keystroke records local typing activity.
func (s *Session) Keystroke(ctx context.Context) {
	s.typing.Keystroke(ctx)
}

// Ask runs one assist round trip. It blocks until the reply or failure is in
// the log; chat traffic continues meanwhile.
func (s *Session) Ask(ctx context.Context, prompt string) (Message, error) {
	if s.isClosed() {
		return Message{}, ErrClosed
	}
	return s.assist.Ask(ctx, prompt)
}

// Identity returns the identity the session is bound to.
func (s *Session) Identity() Identity { return s.identity }

// State returns the connection state.
func (s *Session) State() ConnectionState { return s.conn.State() }

// Messages returns the log in render order.
func (s *Session) Messages() []Message { return s.store.Messages() }

// Roster returns online users other than the local user.
func (s *Session) Roster() []OnlineUser { return s.presence.Roster() }

// Typing returns the names of remote users currently typing.
func (s *Session) Typing() []string { return s.presence.Typing() }

// Pending returns the number of messages awaiting confirmation.
func (s *Session) Pending() int { return s.pipeline.Pending() }

// Close cancels all timers and closes the transport. No hook fires after
// Close returns. It must not be called from inside a hook.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.typing.Close()
	s.pipeline.Close()
	return s.conn.Close()
}

type sessionHooks struct {
	onMessages func([]Message)
	onPresence func(PresenceSnapshot)
	onState    func(StateEvent)
	onDelivery func(Outcome)
	onError    func(error)
}

// hooks returns the registered callbacks, or none once closed.
func (s *Session) hooks() sessionHooks {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return sessionHooks{}
	}
	return sessionHooks{
		onMessages: s.onMessages,
		onPresence: s.onPresence,
		onState:    s.onState,
		onDelivery: s.onDelivery,
		onError:    s.onError,
	}
}

func (s *Session) setHook(set func()) {
	s.mu.Lock()
	set()
	s.mu.Unlock()
}

func (s *Session) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}
