package chatsync

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/vovakirdan/chatsync/chatsync/internal"

	"github.com/coder/websocket"
)

// Connection owns the single websocket to the chat server.
// It exposes the connection state, Send with optional direct acknowledgment,
// and routes inbound events through its Dispatcher.
type Connection struct {
	cfg        Config
	identity   Identity
	logger     Logger
	metrics    *Metrics
	dispatcher Dispatcher
	writeCh    chan Inbound

	mu      sync.Mutex
	conn    *internal.Conn
	state   ConnectionState
	acks    map[uint64]AckFunc
	nextID  uint64
	runCtx  context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	closed  bool
	onState func(StateEvent)
}

// NewConnection constructs a connection bound to identity. Nothing is dialed
// until Connect.
func NewConnection(cfg Config, identity Identity) *Connection {
	return &Connection{
		cfg:      cfg,
		identity: identity,
		logger:   noopLogger{},
		writeCh:  make(chan Inbound, 16),
		state:    StateDisconnected,
		acks:     make(map[uint64]AckFunc),
	}
}

// SetLogger overrides logger (optional).
func (c *Connection) SetLogger(l Logger) {
	if l == nil {
		return
	}
	c.logger = l
}

// SetMetrics attaches metrics (optional).
func (c *Connection) SetMetrics(m *Metrics) { c.metrics = m }

// Dispatcher returns the router for inbound events. Register callbacks
// before Connect.
func (c *Connection) Dispatcher() *Dispatcher { return &c.dispatcher }

// OnStateChanged registers callback for state transitions.
func (c *Connection) OnStateChanged(fn func(StateEvent)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// State returns the current connection state.
func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the server, performs the hello/welcome handshake and starts
// the read and write loops.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return NewError(ErrorConnection, "already connected")
	}
	c.mu.Unlock()

	if c.cfg.URL == "" {
		return NewError(ErrorInvalidConfig, "empty URL")
	}
	c.setState(StateConnecting, nil)

	hsCtx := ctx
	if c.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		hsCtx, cancel = context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
		defer cancel()
	}

	conn, err := internal.Dial(hsCtx, c.cfg.URL, c.cfg.Token, c.cfg.ReadTimeout, c.cfg.WriteTimeout)
	if err != nil {
		return c.fail(WrapError(ErrorConnection, "dial "+c.cfg.URL, err))
	}

	hello, err := MarshalData(HelloPayload{
		Protocol: ProtocolVersion,
		Token:    c.cfg.Token,
		UserID:   c.identity.UserID,
		UserName: c.identity.UserName,
	})
	if err != nil {
		_ = conn.CloseNow()
		return c.fail(WrapError(ErrorSerialization, "encode hello", err))
	}
	if err := conn.Write(hsCtx, Inbound{Type: inboundHello, Data: hello}); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "handshake error")
		return c.fail(WrapError(ErrorConnection, "send hello", err))
	}

	var first Outbound
	if err := conn.Read(hsCtx, &first); err != nil {
		_ = conn.CloseNow()
		if errors.Is(err, context.DeadlineExceeded) {
			return c.fail(WrapError(ErrorTimeout, "handshake", err))
		}
		return c.fail(WrapError(ErrorConnection, "handshake", err))
	}
	switch first.Type {
	case outboundWelcome:
	case outboundError:
		_ = conn.Close(websocket.StatusNormalClosure, "handshake rejected")
		if first.Error == nil {
			return c.fail(NewError(ErrorUnknown, "handshake rejected"))
		}
		return c.fail(FromProtocolError(first.Error))
	default:
		_ = conn.Close(websocket.StatusProtocolError, "unexpected frame")
		return c.fail(NewError(ErrorConnection, "unexpected handshake frame: "+first.Type))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "client close")
		return ErrClosed
	}
	c.conn = conn
	c.runCtx = runCtx
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	c.setState(StateConnected, nil)
	c.logger.Info("connected", map[string]any{"url": c.cfg.URL, "user": c.identity.UserID})

	go c.readLoop(runCtx, conn, done)
	go c.writeLoop(runCtx, conn)
	return nil
}

// Send emits a named event. When ack is non-nil the server's direct reply to
// this call is delivered to it exactly once, or never if the session ends.
func (c *Connection) Send(ctx context.Context, event string, payload any, ack AckFunc) error {
	_, err := c.send(ctx, event, payload, ack)
	return err
}

// Call is Send with a handle that withdraws the ack registration. After
// cancel returns, ack is not invoked. cancel may be called more than once.
func (c *Connection) Call(ctx context.Context, event string, payload any, ack AckFunc) (cancel func(), err error) {
	id, err := c.send(ctx, event, payload, ack)
	if err != nil {
		return func() {}, err
	}
	return func() { c.dropAck(id) }, nil
}

func (c *Connection) send(ctx context.Context, event string, payload any, ack AckFunc) (uint64, error) {
	data, err := MarshalData(payload)
	if err != nil {
		return 0, WrapError(ErrorSerialization, "encode "+event, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	if c.state != StateConnected {
		c.mu.Unlock()
		return 0, ErrNotConnected
	}
	in := Inbound{Type: event, Data: data}
	if ack != nil {
		c.nextID++
		in.ID = c.nextID
		c.acks[in.ID] = ack
	}
	runDone := c.runCtx.Done()
	c.mu.Unlock()

	select {
	case c.writeCh <- in:
		return in.ID, nil
	case <-ctx.Done():
		c.dropAck(in.ID)
		return 0, WrapError(ErrorTimeout, "send "+event, ctx.Err())
	case <-runDone:
		c.dropAck(in.ID)
		return 0, ErrNotConnected
	}
}

// pendingAcks returns the number of registered ack callbacks.
func (c *Connection) pendingAcks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.acks)
}

// Close shuts down the loops and closes the websocket. No handler or ack
// callback runs after Close returns. It must not be called from a handler.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	wasConnected := c.state == StateConnected
	conn, cancel, done := c.conn, c.cancel, c.done
	c.acks = make(map[uint64]AckFunc)
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "client close")
	}
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	c.setState(StateDisconnected, nil)
	if !wasConnected {
		return nil
	}
	return err
}

func (c *Connection) readLoop(ctx context.Context, conn *internal.Conn, done chan struct{}) {
	defer close(done)
	for {
		var out Outbound
		if err := conn.Read(ctx, &out); err != nil {
			if ctx.Err() != nil {
				return
			}
			if isExpectedDisconnect(ctx, err) {
				c.lost(nil)
				return
			}
			c.lost(WrapError(ErrorDisconnected, "read", err))
			return
		}
		if ctx.Err() != nil {
			return
		}
		c.handle(out)
	}
}

func (c *Connection) writeLoop(ctx context.Context, conn *internal.Conn) {
	for {
		select {
		case in := <-c.writeCh:
			if err := conn.Write(ctx, in); err != nil {
				if ctx.Err() != nil {
					return
				}
				c.lost(WrapError(ErrorDisconnected, "write", err))
				_ = conn.CloseNow()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Connection) handle(out Outbound) {
	if out.Type != outboundAck {
		c.dispatcher.Dispatch(out)
		return
	}
	c.mu.Lock()
	fn, ok := c.acks[out.ID]
	delete(c.acks, out.ID)
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("ack for unknown call", map[string]any{"id": out.ID})
		return
	}
	fn(Ack{Data: out.Data, Error: out.Error})
}

// lost handles transport loss after a successful connect. It is a no-op once
// Close has been requested.
func (c *Connection) lost(err error) {
	c.mu.Lock()
	if c.closed || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.acks = make(map[uint64]AckFunc)
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.setState(StateDisconnected, err)
	if err != nil {
		c.logger.Warn("connection lost", map[string]any{"error": err.Error()})
		c.dispatcher.fireError(err)
	} else {
		c.logger.Info("server closed connection", nil)
	}
}

func (c *Connection) fail(err error) error {
	if c.isClosed() {
		return ErrClosed
	}
	c.setState(StateError, err)
	c.logger.Error("connect failed", map[string]any{"error": err.Error()})
	return err
}

// setState records a transition. Once Close has run only the final
// disconnected state is accepted.
func (c *Connection) setState(s ConnectionState, err error) {
	c.mu.Lock()
	old := c.state
	if old == s || (c.closed && s != StateDisconnected) {
		c.mu.Unlock()
		return
	}
	c.state = s
	fn := c.onState
	c.mu.Unlock()

	c.metrics.setState(s)
	if fn != nil {
		fn(StateEvent{OldState: old, NewState: s, Error: err})
	}
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Connection) dropAck(id uint64) {
	if id == 0 {
		return
	}
	c.mu.Lock()
	delete(c.acks, id)
	c.mu.Unlock()
}

func isExpectedDisconnect(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if ctx != nil && ctx.Err() != nil {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	default:
		return false
	}
}
