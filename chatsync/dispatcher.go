package chatsync

// Dispatcher routes inbound server events to registered callbacks.
type Dispatcher struct {
	onRoster      func(RosterEvent)
	onUserJoined  func(OnlineUser)
	onUserLeft    func(OnlineUser)
	onMessage     func(Message)
	onTypingStart func(TypingEvent)
	onTypingStop  func(TypingEvent)
	onNotice      func(NoticeEvent)
	onError       func(error)
}

func (d *Dispatcher) SetOnRoster(fn func(RosterEvent))      { d.onRoster = fn }
func (d *Dispatcher) SetOnUserJoined(fn func(OnlineUser))   { d.onUserJoined = fn }
func (d *Dispatcher) SetOnUserLeft(fn func(OnlineUser))     { d.onUserLeft = fn }
func (d *Dispatcher) SetOnMessage(fn func(Message))         { d.onMessage = fn }
func (d *Dispatcher) SetOnTypingStart(fn func(TypingEvent)) { d.onTypingStart = fn }
func (d *Dispatcher) SetOnTypingStop(fn func(TypingEvent))  { d.onTypingStop = fn }
func (d *Dispatcher) SetOnNotice(fn func(NoticeEvent))      { d.onNotice = fn }
func (d *Dispatcher) SetOnError(fn func(error))             { d.onError = fn }

// Dispatch decodes an event or error frame and invokes its callback.
// Ack and welcome frames are handled by the Connection and ignored here.
func (d *Dispatcher) Dispatch(out Outbound) {
	if out.Type == outboundError && out.Error != nil {
		d.fireError(FromProtocolError(out.Error))
		return
	}
	if out.Type != outboundEvent {
		return
	}
	switch out.Event {
	case eventRoster:
		dispatchAs(d, out, d.onRoster)
	case eventUserJoined:
		dispatchAs(d, out, d.onUserJoined)
	case eventUserLeft:
		dispatchAs(d, out, d.onUserLeft)
	case eventMessage:
		dispatchAs(d, out, d.onMessage)
	case eventTypingStart:
		dispatchAs(d, out, d.onTypingStart)
	case eventTypingStop:
		dispatchAs(d, out, d.onTypingStop)
	case eventSystemNotice:
		dispatchAs(d, out, d.onNotice)
	}
}

func dispatchAs[T any](d *Dispatcher, out Outbound, fn func(T)) {
	if fn == nil {
		return
	}
	var ev T
	if err := UnmarshalData(out.Data, &ev); err != nil {
		d.fireError(WrapError(ErrorSerialization, "failed to unmarshal "+out.Event+" event", err))
		return
	}
	fn(ev)
}

func (d *Dispatcher) fireError(err error) {
	if d.onError != nil && err != nil {
		d.onError(err)
	}
}
